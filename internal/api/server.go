package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/saferemediate/lpe/internal/analysis"
	"github.com/saferemediate/lpe/internal/auth"
	"github.com/saferemediate/lpe/internal/collector"
	"github.com/saferemediate/lpe/internal/config"
	"github.com/saferemediate/lpe/internal/graph"
	"github.com/saferemediate/lpe/internal/queue"
	"github.com/saferemediate/lpe/internal/scheduler"
	"github.com/saferemediate/lpe/internal/store"
	"github.com/saferemediate/lpe/internal/workflow"
)

type Server struct {
	cfg    *config.Config
	router *chi.Mux
	store  *store.Store
	http   *http.Server
	logger *slog.Logger

	authService *auth.Service
	userStore   auth.UserStore

	scheduler      *scheduler.Scheduler
	schedulerStore scheduler.Store

	engine       *analysis.Engine
	orchestrator *workflow.Orchestrator
	queue        *queue.Queue
	collector    *collector.Collector
	graph        *graph.Graph

	// latest caches the most recent analysis run. Gap pages and queue
	// reads serve from here; a new run replaces it wholesale.
	mu     sync.RWMutex
	latest *analysis.Result
}

type ServerOption func(*Server)

func WithLogger(logger *slog.Logger) ServerOption {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithWorkflow wires the workflow engine. The builder receives the
// server's store so the orchestrator persists through the same database.
// Without this option, issue endpoints return 503.
func WithWorkflow(build func(st *store.Store) *workflow.Orchestrator) ServerOption {
	return func(s *Server) {
		s.orchestrator = build(s.store)
	}
}

// WithQueue enables asynchronous execution of approved issues.
func WithQueue(q *queue.Queue) ServerOption {
	return func(s *Server) {
		s.queue = q
	}
}

// WithCollector enables analysis runs against live cloud evidence.
func WithCollector(c *collector.Collector) ServerOption {
	return func(s *Server) {
		s.collector = c
	}
}

// WithGraph enables dependency-graph enrichment of collected snapshots.
func WithGraph(g *graph.Graph) ServerOption {
	return func(s *Server) {
		s.graph = g
	}
}

func NewServer(cfg *config.Config, opts ...ServerOption) (*Server, error) {
	st, err := store.New(store.Config{
		DSN:          cfg.Database.DSN(),
		MaxOpenConns: cfg.Database.MaxOpenConns,
		MaxIdleConns: cfg.Database.MaxIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing store: %w", err)
	}

	s := &Server{
		cfg:    cfg,
		router: chi.NewRouter(),
		store:  st,
		logger: slog.Default(),
		engine: analysis.New(cfg.Engine),
	}

	for _, opt := range opts {
		opt(s)
	}

	s.userStore = st
	s.authService = auth.NewService(auth.Config{
		JWTSecret:          cfg.Auth.JWTSecret,
		AccessTokenExpiry:  cfg.Auth.AccessTokenExpiry,
		RefreshTokenExpiry: cfg.Auth.RefreshTokenExpiry,
	}, s.userStore)

	s.schedulerStore = scheduler.NewPostgresStore(st.DB())
	s.scheduler = scheduler.New(s.schedulerStore, s.logger)

	s.setupMiddleware()
	s.setupRoutes()

	s.http = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return s, nil
}

// Store exposes the shared persistence layer so the entrypoint can wire
// the workflow engine against the same database.
func (s *Server) Store() *store.Store {
	return s.store
}

// Scheduler exposes the cron engine for pipeline handler registration.
func (s *Server) Scheduler() *scheduler.Scheduler {
	return s.scheduler
}

// Engine exposes the analysis pipeline for scheduled refreshes.
func (s *Server) Engine() *analysis.Engine {
	return s.engine
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(s.corsMiddleware())
}

func (s *Server) corsMiddleware() func(http.Handler) http.Handler {
	allowOrigin := s.cfg.Server.CORSAllowOrigin
	if allowOrigin == "" {
		allowOrigin = "*"
		s.logger.Warn("CORS Allow-Origin set to '*' - configure server.cors_allow_origin in production")
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", allowOrigin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Authorization, Content-Type")
			w.Header().Set("Access-Control-Allow-Credentials", "true")

			if r.Method == "OPTIONS" {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.healthCheck)
	s.router.Get("/ready", s.readyCheck)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", s.login)
		r.Post("/auth/refresh", s.refresh)

		r.Group(func(r chi.Router) {
			r.Use(s.authService.Middleware)

			r.Get("/auth/me", s.getCurrentUser)

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(auth.RoleAdmin))
				r.Get("/users", s.listUsers)
				r.Post("/users", s.createUser)
			})

			r.Route("/analysis", func(r chi.Router) {
				r.Get("/latest", s.getLatestAnalysis)
				r.Get("/queues", s.getQueues)
				r.Get("/components", s.listComponents)
				r.Get("/components/{componentID}", s.getComponent)
				r.Get("/components/{componentID}/gaps", s.getComponentGaps)

				r.Group(func(r chi.Router) {
					r.Use(auth.RequireRole(auth.RoleOperator, auth.RoleAdmin))
					r.Post("/run", s.runAnalysis)
				})
			})

			r.Route("/issues", func(r chi.Router) {
				r.Get("/", s.listIssues)
				r.Get("/summary", s.getIssueSummary)
				r.Get("/{issueID}", s.getIssue)

				r.Group(func(r chi.Router) {
					r.Use(auth.RequireRole(auth.RoleOperator, auth.RoleAdmin))
					r.Post("/", s.createIssue)
					r.Post("/{issueID}/score", s.scoreIssue)
					r.Post("/{issueID}/approve", s.approveIssue)
					r.Post("/{issueID}/reject", s.rejectIssue)
					r.Post("/{issueID}/execute", s.executeIssue)
				})
			})

			r.Route("/reports", func(r chi.Router) {
				r.Get("/impact", s.getImpactReport)
				r.Get("/remediation", s.getRemediationReport)
			})

			r.Route("/jobs", func(r chi.Router) {
				r.Get("/", s.listScheduledJobs)
				r.Post("/", s.createScheduledJob)
				r.Get("/{jobID}", s.getScheduledJob)
				r.Put("/{jobID}", s.updateScheduledJob)
				r.Delete("/{jobID}", s.deleteScheduledJob)
				r.Post("/{jobID}/run", s.runScheduledJobNow)
				r.Get("/{jobID}/executions", s.getJobExecutions)
			})

			r.Get("/queue/stats", s.getQueueStats)
		})
	})
}

func (s *Server) Run(ctx context.Context) error {
	if err := s.scheduler.Start(ctx); err != nil {
		s.logger.Error("failed to start scheduler", "error", err)
	}

	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting server", "addr", s.http.Addr)
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.scheduler.Stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.http.Shutdown(shutdownCtx)
	}
}

// SetLatest replaces the cached analysis result. The scheduled refresh
// handler uses this after an out-of-band run.
func (s *Server) SetLatest(result *analysis.Result) {
	s.mu.Lock()
	s.latest = result
	s.mu.Unlock()
}

// Latest returns the cached analysis result, or nil before the first run.
func (s *Server) Latest() *analysis.Result {
	return s.latestResult()
}

func (s *Server) latestResult() *analysis.Result {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.latest
}

type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   *apiError   `json:"error,omitempty"`
	Meta    *apiMeta    `json:"meta,omitempty"`
}

type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type apiMeta struct {
	Total  int `json:"total,omitempty"`
	Limit  int `json:"limit,omitempty"`
	Offset int `json:"offset,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
	})
}

func respondJSONWithMeta(w http.ResponseWriter, status int, data interface{}, meta *apiMeta) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: status >= 200 && status < 300,
		Data:    data,
		Meta:    meta,
	})
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(apiResponse{
		Success: false,
		Error: &apiError{
			Code:    code,
			Message: message,
		},
	})
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

func (s *Server) readyCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Ping(r.Context()); err != nil {
		respondError(w, http.StatusServiceUnavailable, "db_unavailable", "Database not available")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ready",
	})
}
