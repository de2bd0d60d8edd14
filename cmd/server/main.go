package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/saferemediate/lpe/internal/api"
	"github.com/saferemediate/lpe/internal/collector"
	"github.com/saferemediate/lpe/internal/config"
	"github.com/saferemediate/lpe/internal/graph"
	"github.com/saferemediate/lpe/internal/models"
	"github.com/saferemediate/lpe/internal/queue"
	"github.com/saferemediate/lpe/internal/remediation"
	"github.com/saferemediate/lpe/internal/reports"
	"github.com/saferemediate/lpe/internal/scheduler"
	"github.com/saferemediate/lpe/internal/store"
	"github.com/saferemediate/lpe/internal/workflow"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("lpe-server v%s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stderr, nil))
	slog.SetDefault(logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigChan
		logger.Info("shutting down")
		cancel()
	}()

	opts := []api.ServerOption{api.WithLogger(logger)}

	// Degraded starts are deliberate: a missing backing service disables
	// its feature instead of failing the whole server.
	execQueue, err := queue.New(queue.Config{
		Addr:     cfg.Redis.Addr(),
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		logger.Warn("execution queue unavailable, running without async execution", "error", err)
	} else {
		defer execQueue.Close()
		opts = append(opts, api.WithQueue(execQueue))
	}

	depGraph, err := graph.New(graph.Config{
		URI:      cfg.Neo4j.URI,
		Username: cfg.Neo4j.User,
		Password: cfg.Neo4j.Password,
	})
	if err != nil {
		logger.Warn("dependency graph unavailable, blast radius will be UNKNOWN", "error", err)
		depGraph = nil
	} else {
		defer func() { _ = depGraph.Close(context.Background()) }()
		opts = append(opts, api.WithGraph(depGraph))
	}

	var orchestrator *workflow.Orchestrator
	var evidenceCollector *collector.Collector

	awscfg, err := loadAWSConfig(ctx, cfg)
	if err != nil {
		logger.Warn("AWS unavailable, running in analysis-only mode", "error", err)
	} else {
		evidenceCollector, err = collector.New(ctx, collector.Config{
			Region:         cfg.AWS.Region,
			AssumeRoleARN:  cfg.AWS.AssumeRoleARN,
			ExternalID:     cfg.AWS.ExternalID,
			UsageWindow:    cfg.Collector.UsageWindow,
			LookupPageSize: cfg.Collector.LookupPageSize,
		}, logger)
		if err != nil {
			logger.Warn("evidence collector unavailable", "error", err)
		} else {
			opts = append(opts, api.WithCollector(evidenceCollector))
		}

		executor := remediation.NewAWSExecutor(awscfg, logger)
		opts = append(opts, api.WithWorkflow(func(st *store.Store) *workflow.Orchestrator {
			orchestrator = workflow.NewOrchestrator(st, executor, logger, workflow.Options{
				CanaryStages:        cfg.Workflow.CanaryStages,
				ApprovalTTL:         cfg.Workflow.ApprovalTTL,
				MaxHealthFailures:   cfg.Workflow.MaxHealthFailures,
				HealthCheckInterval: cfg.Workflow.HealthCheckInterval,
			})
			return orchestrator
		}))
	}

	server, err := api.NewServer(cfg, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize server: %v\n", err)
		os.Exit(1)
	}

	if err := server.Store().Migrate(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to migrate database: %v\n", err)
		os.Exit(1)
	}

	if execQueue != nil && orchestrator != nil {
		worker := queue.NewWorker(execQueue, orchestrator, logger)
		if err := worker.Start(ctx); err != nil {
			logger.Error("starting execution worker", "error", err)
		} else {
			defer worker.Stop()
		}
	}

	registerPipeline(server, evidenceCollector, depGraph, logger)

	if err := server.Run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Server error: %v\n", err)
		os.Exit(1)
	}
}

func loadAWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	if cfg.AWS.Region == "" {
		return aws.Config{}, fmt.Errorf("aws.region is not configured")
	}

	awscfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.AWS.Region))
	if err != nil {
		return aws.Config{}, fmt.Errorf("loading AWS config: %w", err)
	}

	if cfg.AWS.AssumeRoleARN != "" {
		stsClient := sts.NewFromConfig(awscfg)
		provider := stscreds.NewAssumeRoleProvider(stsClient, cfg.AWS.AssumeRoleARN, func(o *stscreds.AssumeRoleOptions) {
			if cfg.AWS.ExternalID != "" {
				o.ExternalID = aws.String(cfg.AWS.ExternalID)
			}
		})
		awscfg.Credentials = aws.NewCredentialsCache(provider)
	}

	return awscfg, nil
}

// registerPipeline wires the cron job types to the evidence pipeline.
func registerPipeline(server *api.Server, col *collector.Collector, depGraph *graph.Graph, logger *slog.Logger) {
	handlers := &scheduler.PipelineHandlers{
		ExpireFunc: func(ctx context.Context) error {
			return expireApprovals(ctx, server.Store(), logger)
		},
		CleanupFunc: func(ctx context.Context, olderThan time.Duration) error {
			deleted, err := server.Store().PruneIssues(ctx, time.Now().Add(-olderThan))
			if err != nil {
				return err
			}
			logger.Info("pruned terminal issues", "deleted", deleted)
			return nil
		},
		ReportFunc: func(ctx context.Context, jobConfig map[string]string) error {
			result := server.Latest()
			if result == nil {
				return fmt.Errorf("no analysis result to report on")
			}
			pdf, err := reports.ImpactReportPDF(result)
			if err != nil {
				return err
			}
			dir := jobConfig["output_dir"]
			if dir == "" {
				dir = "."
			}
			path := filepath.Join(dir, fmt.Sprintf("impact-%s.pdf", time.Now().Format("20060102-150405")))
			return os.WriteFile(path, pdf, 0o644)
		},
	}

	if col != nil {
		handlers.RefreshFunc = func(ctx context.Context) error {
			snap, err := col.Collect(ctx)
			if err != nil {
				return fmt.Errorf("collecting evidence: %w", err)
			}
			if depGraph != nil {
				if err := depGraph.Ingest(ctx, snap); err != nil {
					logger.Warn("graph ingest failed", "error", err)
				}
				if err := depGraph.Enrich(ctx, snap); err != nil {
					logger.Warn("graph enrichment failed", "error", err)
				}
			}
			result, err := server.Engine().Run(*snap)
			if err != nil {
				return fmt.Errorf("running analysis: %w", err)
			}
			server.SetLatest(result)
			logger.Info("scheduled refresh completed",
				"components", len(result.Components),
				"strength", result.Strength)
			return nil
		}
	}

	handlers.Register(server.Scheduler())
}

// expireApprovals blocks issues whose approval request lapsed undecided.
func expireApprovals(ctx context.Context, st *store.Store, logger *slog.Logger) error {
	state := models.StateAwaitingApproval
	issues, _, err := st.ListIssues(ctx, &state, nil, 1000, 0)
	if err != nil {
		return fmt.Errorf("listing issues awaiting approval: %w", err)
	}

	now := time.Now()
	for i := range issues {
		issue := &issues[i]
		approval, err := st.GetApprovalForIssue(ctx, issue.ID)
		if err != nil {
			logger.Warn("issue awaiting approval has no approval record", "issue_id", issue.ID)
			continue
		}
		if approval.Granted || now.Before(approval.ExpiresAt) {
			continue
		}

		issue.State = models.StateBlocked
		if err := st.UpdateIssue(ctx, issue); err != nil {
			return fmt.Errorf("blocking expired issue %s: %w", issue.ID, err)
		}
		logger.Info("approval expired, issue blocked",
			"issue_id", issue.ID,
			"expired_at", approval.ExpiresAt)
	}

	return nil
}
