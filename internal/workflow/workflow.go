// Package workflow drives a remediation candidate through its lifecycle:
// simulation scoring, the decision fan-out, confirmation, execution with
// optional canary staging, and rollback on failure.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/saferemediate/lpe/internal/models"
)

// Store defines the interface for workflow persistence
type Store interface {
	CreateIssue(ctx context.Context, issue *models.Issue) error
	GetIssue(ctx context.Context, id uuid.UUID) (*models.Issue, error)
	UpdateIssue(ctx context.Context, issue *models.Issue) error
	CreateSnapshot(ctx context.Context, snap *models.PolicySnapshot) error
	CreateExecution(ctx context.Context, exec *models.Execution) error
	UpdateExecution(ctx context.Context, exec *models.Execution) error
	CreateApproval(ctx context.Context, approval *Approval) error
	GetApprovalForIssue(ctx context.Context, issueID uuid.UUID) (*Approval, error)
	UpdateApproval(ctx context.Context, approval *Approval) error
}

// Executor applies the actual cloud change. The engine never mutates cloud
// state itself; callers inject this.
type Executor interface {
	Snapshot(ctx context.Context, issue *models.Issue) (models.JSONB, error)
	Apply(ctx context.Context, issue *models.Issue, stagePercent int) error
	HealthCheck(ctx context.Context, issue *models.Issue) (bool, error)
	Rollback(ctx context.Context, issue *models.Issue, snapshot models.JSONB) error
}

// Approval is a pending human sign-off with an expiry.
type Approval struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	IssueID     uuid.UUID  `json:"issue_id" db:"issue_id"`
	RequestedAt time.Time  `json:"requested_at" db:"requested_at"`
	ExpiresAt   time.Time  `json:"expires_at" db:"expires_at"`
	Reviewer    string     `json:"reviewer,omitempty" db:"reviewer"`
	Granted     bool       `json:"granted" db:"granted"`
	DecidedAt   *time.Time `json:"decided_at,omitempty" db:"decided_at"`
}

var validTransitions = map[models.WorkflowState][]models.WorkflowState{
	models.StatePendingSimulation: {models.StateScored},
	models.StateScored: {
		models.StateAutoApproved, models.StateCanaryPending,
		models.StateAwaitingApproval, models.StateBlocked,
	},
	models.StateAutoApproved:     {models.StateExecuting},
	models.StateCanaryPending:    {models.StateExecuting},
	models.StateAwaitingApproval: {models.StateExecuting, models.StateBlocked},
	models.StateExecuting:        {models.StateSucceeded, models.StateFailedRolledBack},
	// BLOCKED, SUCCEEDED, FAILED_ROLLED_BACK are terminal.
}

// CanTransition reports whether the state machine allows from -> to.
func CanTransition(from, to models.WorkflowState) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Options tune the orchestrator.
type Options struct {
	CanaryStages        []int         // rollout percentages, default 10/25/50/100
	ApprovalTTL         time.Duration // default 24h
	MaxHealthFailures   int           // consecutive failed checks before rollback
	HealthCheckInterval time.Duration // wait between failed checks
}

func defaultOptions() Options {
	return Options{
		CanaryStages:        []int{10, 25, 50, 100},
		ApprovalTTL:         24 * time.Hour,
		MaxHealthFailures:   2,
		HealthCheckInterval: 30 * time.Second,
	}
}

// Orchestrator manages workflow state for remediation candidates.
type Orchestrator struct {
	store  Store
	exec   Executor
	logger *slog.Logger
	opts   Options
}

func NewOrchestrator(store Store, exec Executor, logger *slog.Logger, opts Options) *Orchestrator {
	def := defaultOptions()
	if len(opts.CanaryStages) == 0 {
		opts.CanaryStages = def.CanaryStages
	}
	if opts.ApprovalTTL == 0 {
		opts.ApprovalTTL = def.ApprovalTTL
	}
	if opts.MaxHealthFailures == 0 {
		opts.MaxHealthFailures = def.MaxHealthFailures
	}
	if opts.HealthCheckInterval == 0 {
		opts.HealthCheckInterval = def.HealthCheckInterval
	}
	return &Orchestrator{store: store, exec: exec, logger: logger, opts: opts}
}

// CreateIssue registers a new candidate in PENDING_SIMULATION.
func (o *Orchestrator) CreateIssue(ctx context.Context, issue *models.Issue) error {
	if issue.ID == uuid.Nil {
		issue.ID = uuid.New()
	}
	issue.State = models.StatePendingSimulation
	issue.CreatedAt = time.Now()
	issue.UpdatedAt = issue.CreatedAt

	if err := o.store.CreateIssue(ctx, issue); err != nil {
		return fmt.Errorf("creating issue: %w", err)
	}

	o.logger.Info("issue created",
		"issue_id", issue.ID,
		"component_id", issue.ComponentID,
		"queue", issue.Queue)
	return nil
}

// Score records the safety decision and fans the issue out into its
// post-scoring state. The transient SCORED state is persisted so the
// audit trail shows the decision before the fan-out.
func (o *Orchestrator) Score(ctx context.Context, id uuid.UUID, decision models.Decision) (*models.Issue, error) {
	issue, err := o.store.GetIssue(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting issue: %w", err)
	}

	if issue.State != models.StatePendingSimulation {
		return nil, fmt.Errorf("issue is not in %s state, current state: %s", models.StatePendingSimulation, issue.State)
	}

	score := decision.SafetyScore
	action := string(decision.Action)
	issue.SafetyScore = &score
	issue.DecisionAction = &action
	issue.State = models.StateScored
	issue.UpdatedAt = time.Now()
	if err := o.store.UpdateIssue(ctx, issue); err != nil {
		return nil, fmt.Errorf("updating issue: %w", err)
	}

	var next models.WorkflowState
	switch decision.Action {
	case models.DecisionAutoRemediate:
		next = models.StateAutoApproved
	case models.DecisionCanary:
		next = models.StateCanaryPending
	case models.DecisionRequireApproval:
		next = models.StateAwaitingApproval
	default:
		next = models.StateBlocked
	}

	issue.State = next
	issue.UpdatedAt = time.Now()
	if err := o.store.UpdateIssue(ctx, issue); err != nil {
		return nil, fmt.Errorf("updating issue: %w", err)
	}

	if next == models.StateAwaitingApproval {
		approval := &Approval{
			ID:          uuid.New(),
			IssueID:     issue.ID,
			RequestedAt: time.Now(),
			ExpiresAt:   time.Now().Add(o.opts.ApprovalTTL),
		}
		if err := o.store.CreateApproval(ctx, approval); err != nil {
			return nil, fmt.Errorf("creating approval request: %w", err)
		}
	}

	o.logger.Info("issue scored",
		"issue_id", issue.ID,
		"safety_score", score,
		"action", decision.Action,
		"state", issue.State)
	return issue, nil
}

// Approve records a reviewer's sign-off on an AWAITING_APPROVAL issue.
// Expired requests cannot be granted.
func (o *Orchestrator) Approve(ctx context.Context, id uuid.UUID, reviewer string) (*models.Issue, error) {
	issue, err := o.store.GetIssue(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting issue: %w", err)
	}
	if issue.State != models.StateAwaitingApproval {
		return nil, fmt.Errorf("issue is not in %s state, current state: %s", models.StateAwaitingApproval, issue.State)
	}
	if reviewer == "" {
		return nil, fmt.Errorf("reviewer identity is required")
	}

	approval, err := o.store.GetApprovalForIssue(ctx, issue.ID)
	if err != nil {
		return nil, fmt.Errorf("getting approval request: %w", err)
	}
	if time.Now().After(approval.ExpiresAt) {
		issue.State = models.StateBlocked
		issue.UpdatedAt = time.Now()
		if err := o.store.UpdateIssue(ctx, issue); err != nil {
			return nil, fmt.Errorf("updating issue: %w", err)
		}
		return nil, fmt.Errorf("approval request expired at %s", approval.ExpiresAt.Format(time.RFC3339))
	}

	now := time.Now()
	approval.Reviewer = reviewer
	approval.Granted = true
	approval.DecidedAt = &now
	if err := o.store.UpdateApproval(ctx, approval); err != nil {
		return nil, fmt.Errorf("updating approval: %w", err)
	}

	o.logger.Info("issue approved", "issue_id", issue.ID, "reviewer", reviewer)
	return issue, nil
}

// Reject blocks an AWAITING_APPROVAL issue.
func (o *Orchestrator) Reject(ctx context.Context, id uuid.UUID, reviewer string) (*models.Issue, error) {
	issue, err := o.store.GetIssue(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting issue: %w", err)
	}
	if issue.State != models.StateAwaitingApproval {
		return nil, fmt.Errorf("issue is not in %s state, current state: %s", models.StateAwaitingApproval, issue.State)
	}

	approval, err := o.store.GetApprovalForIssue(ctx, issue.ID)
	if err == nil {
		now := time.Now()
		approval.Reviewer = reviewer
		approval.Granted = false
		approval.DecidedAt = &now
		if err := o.store.UpdateApproval(ctx, approval); err != nil {
			return nil, fmt.Errorf("updating approval: %w", err)
		}
	}

	issue.State = models.StateBlocked
	issue.UpdatedAt = time.Now()
	if err := o.store.UpdateIssue(ctx, issue); err != nil {
		return nil, fmt.Errorf("updating issue: %w", err)
	}

	o.logger.Info("issue rejected", "issue_id", issue.ID, "reviewer", reviewer)
	return issue, nil
}

// Execute confirms and runs an approved issue. AUTO_APPROVED issues run
// unattended; CANARY_PENDING issues roll out in stages with a health gate
// between each; AWAITING_APPROVAL issues require a granted, unexpired
// approval. Any failure restores the pre-change snapshot.
func (o *Orchestrator) Execute(ctx context.Context, id uuid.UUID) (*models.Issue, error) {
	issue, err := o.store.GetIssue(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("getting issue: %w", err)
	}

	switch issue.State {
	case models.StateAutoApproved, models.StateCanaryPending:
	case models.StateAwaitingApproval:
		approval, err := o.store.GetApprovalForIssue(ctx, issue.ID)
		if err != nil {
			return nil, fmt.Errorf("getting approval request: %w", err)
		}
		if !approval.Granted {
			return nil, fmt.Errorf("issue has no granted approval")
		}
		if time.Now().After(approval.ExpiresAt) {
			return nil, fmt.Errorf("approval expired at %s", approval.ExpiresAt.Format(time.RFC3339))
		}
	case models.StateBlocked:
		return nil, fmt.Errorf("issue is blocked and can never execute")
	default:
		return nil, fmt.Errorf("issue is not in an executable state, current state: %s", issue.State)
	}

	canary := issue.State == models.StateCanaryPending

	doc, err := o.exec.Snapshot(ctx, issue)
	if err != nil {
		return nil, fmt.Errorf("taking policy snapshot: %w", err)
	}
	snap := &models.PolicySnapshot{
		ID:         uuid.New(),
		IssueID:    issue.ID,
		ResourceID: issue.ComponentID,
		Document:   doc,
		TakenAt:    time.Now(),
	}
	if err := o.store.CreateSnapshot(ctx, snap); err != nil {
		return nil, fmt.Errorf("storing policy snapshot: %w", err)
	}

	issue.State = models.StateExecuting
	issue.UpdatedAt = time.Now()
	if err := o.store.UpdateIssue(ctx, issue); err != nil {
		return nil, fmt.Errorf("updating issue: %w", err)
	}

	exec := &models.Execution{
		ID:        uuid.New(),
		IssueID:   issue.ID,
		State:     models.StateExecuting,
		StartedAt: time.Now(),
	}
	if err := o.store.CreateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("creating execution record: %w", err)
	}

	stages := []int{100}
	if canary {
		stages = o.opts.CanaryStages
	}

	if err := o.runStages(ctx, issue, exec, stages); err != nil {
		return o.rollback(ctx, issue, exec, doc, err)
	}

	now := time.Now()
	issue.State = models.StateSucceeded
	issue.UpdatedAt = now
	if err := o.store.UpdateIssue(ctx, issue); err != nil {
		return nil, fmt.Errorf("updating issue: %w", err)
	}
	exec.State = models.StateSucceeded
	exec.FinishedAt = &now
	if err := o.store.UpdateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("updating execution record: %w", err)
	}

	o.logger.Info("issue executed", "issue_id", issue.ID, "canary", canary)
	return issue, nil
}

func (o *Orchestrator) runStages(ctx context.Context, issue *models.Issue, exec *models.Execution, stages []int) error {
	for _, stage := range stages {
		o.logger.Info("applying remediation stage",
			"issue_id", issue.ID,
			"stage_percent", stage)

		if err := o.exec.Apply(ctx, issue, stage); err != nil {
			return fmt.Errorf("applying stage %d%%: %w", stage, err)
		}
		exec.CanaryStage = stage
		if err := o.store.UpdateExecution(ctx, exec); err != nil {
			return fmt.Errorf("updating execution record: %w", err)
		}

		failures := 0
		for {
			healthy, err := o.exec.HealthCheck(ctx, issue)
			if err != nil {
				return fmt.Errorf("health check at stage %d%%: %w", stage, err)
			}
			if healthy {
				break
			}
			failures++
			if failures >= o.opts.MaxHealthFailures {
				return fmt.Errorf("health check failed %d times at stage %d%%", failures, stage)
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(o.opts.HealthCheckInterval):
			}
		}
	}
	return nil
}

func (o *Orchestrator) rollback(ctx context.Context, issue *models.Issue, exec *models.Execution, doc models.JSONB, cause error) (*models.Issue, error) {
	o.logger.Warn("execution failed, rolling back",
		"issue_id", issue.ID,
		"error", cause)

	if err := o.exec.Rollback(ctx, issue, doc); err != nil {
		// The failed change may still be partially applied; surface both.
		o.logger.Error("rollback failed",
			"issue_id", issue.ID,
			"error", err)
	}

	now := time.Now()
	msg := cause.Error()
	issue.State = models.StateFailedRolledBack
	issue.UpdatedAt = now
	if err := o.store.UpdateIssue(ctx, issue); err != nil {
		return nil, fmt.Errorf("updating issue: %w", err)
	}
	exec.State = models.StateFailedRolledBack
	exec.Error = &msg
	exec.FinishedAt = &now
	if err := o.store.UpdateExecution(ctx, exec); err != nil {
		return nil, fmt.Errorf("updating execution record: %w", err)
	}

	return issue, fmt.Errorf("execution rolled back: %w", cause)
}
