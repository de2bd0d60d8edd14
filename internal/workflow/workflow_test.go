package workflow

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/saferemediate/lpe/internal/models"
)

type memStore struct {
	issues     map[uuid.UUID]*models.Issue
	snapshots  []*models.PolicySnapshot
	executions map[uuid.UUID]*models.Execution
	approvals  map[uuid.UUID]*Approval // keyed by issue id
}

func newMemStore() *memStore {
	return &memStore{
		issues:     map[uuid.UUID]*models.Issue{},
		executions: map[uuid.UUID]*models.Execution{},
		approvals:  map[uuid.UUID]*Approval{},
	}
}

func (m *memStore) CreateIssue(_ context.Context, issue *models.Issue) error {
	cp := *issue
	m.issues[issue.ID] = &cp
	return nil
}

func (m *memStore) GetIssue(_ context.Context, id uuid.UUID) (*models.Issue, error) {
	issue, ok := m.issues[id]
	if !ok {
		return nil, fmt.Errorf("issue %s not found", id)
	}
	cp := *issue
	return &cp, nil
}

func (m *memStore) UpdateIssue(_ context.Context, issue *models.Issue) error {
	cp := *issue
	m.issues[issue.ID] = &cp
	return nil
}

func (m *memStore) CreateSnapshot(_ context.Context, snap *models.PolicySnapshot) error {
	m.snapshots = append(m.snapshots, snap)
	return nil
}

func (m *memStore) CreateExecution(_ context.Context, exec *models.Execution) error {
	cp := *exec
	m.executions[exec.ID] = &cp
	return nil
}

func (m *memStore) UpdateExecution(_ context.Context, exec *models.Execution) error {
	cp := *exec
	m.executions[exec.ID] = &cp
	return nil
}

func (m *memStore) CreateApproval(_ context.Context, approval *Approval) error {
	cp := *approval
	m.approvals[approval.IssueID] = &cp
	return nil
}

func (m *memStore) GetApprovalForIssue(_ context.Context, issueID uuid.UUID) (*Approval, error) {
	a, ok := m.approvals[issueID]
	if !ok {
		return nil, fmt.Errorf("no approval for issue %s", issueID)
	}
	cp := *a
	return &cp, nil
}

func (m *memStore) UpdateApproval(_ context.Context, approval *Approval) error {
	cp := *approval
	m.approvals[approval.IssueID] = &cp
	return nil
}

type fakeExecutor struct {
	applied      []int
	applyErrAt   int // stage percent that fails, 0 for never
	unhealthy    bool
	rolledBack   bool
	rollbackDoc  models.JSONB
	healthChecks int
}

func (f *fakeExecutor) Snapshot(context.Context, *models.Issue) (models.JSONB, error) {
	return models.JSONB{"Version": "2012-10-17"}, nil
}

func (f *fakeExecutor) Apply(_ context.Context, _ *models.Issue, stagePercent int) error {
	if f.applyErrAt != 0 && stagePercent == f.applyErrAt {
		return errors.New("throttled by provider")
	}
	f.applied = append(f.applied, stagePercent)
	return nil
}

func (f *fakeExecutor) HealthCheck(context.Context, *models.Issue) (bool, error) {
	f.healthChecks++
	return !f.unhealthy, nil
}

func (f *fakeExecutor) Rollback(_ context.Context, _ *models.Issue, doc models.JSONB) error {
	f.rolledBack = true
	f.rollbackDoc = doc
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOrchestrator(exec Executor) (*Orchestrator, *memStore) {
	store := newMemStore()
	o := NewOrchestrator(store, exec, testLogger(), Options{
		HealthCheckInterval: time.Millisecond,
	})
	return o, store
}

func decision(action models.DecisionAction, score int) models.Decision {
	return models.Decision{Action: action, SafetyScore: score}
}

func createIssue(t *testing.T, o *Orchestrator) *models.Issue {
	t.Helper()
	issue := &models.Issue{
		ComponentID:   "role-app",
		ComponentName: "app-runtime",
		ResourceType:  models.ResourceTypeIAMRole,
		Queue:         models.QueueHighConfidenceGaps,
	}
	if err := o.CreateIssue(context.Background(), issue); err != nil {
		t.Fatalf("CreateIssue() error = %v", err)
	}
	return issue
}

func TestCanTransition(t *testing.T) {
	allowed := []struct {
		from, to models.WorkflowState
	}{
		{models.StatePendingSimulation, models.StateScored},
		{models.StateScored, models.StateAutoApproved},
		{models.StateScored, models.StateCanaryPending},
		{models.StateScored, models.StateAwaitingApproval},
		{models.StateScored, models.StateBlocked},
		{models.StateAutoApproved, models.StateExecuting},
		{models.StateCanaryPending, models.StateExecuting},
		{models.StateAwaitingApproval, models.StateExecuting},
		{models.StateExecuting, models.StateSucceeded},
		{models.StateExecuting, models.StateFailedRolledBack},
	}
	for _, tr := range allowed {
		if !CanTransition(tr.from, tr.to) {
			t.Errorf("%s -> %s should be legal", tr.from, tr.to)
		}
	}

	forbidden := []struct {
		from, to models.WorkflowState
	}{
		{models.StatePendingSimulation, models.StateExecuting},
		{models.StateBlocked, models.StateExecuting},
		{models.StateBlocked, models.StateScored},
		{models.StateSucceeded, models.StateExecuting},
		{models.StateFailedRolledBack, models.StateExecuting},
		{models.StateScored, models.StateSucceeded},
	}
	for _, tr := range forbidden {
		if CanTransition(tr.from, tr.to) {
			t.Errorf("%s -> %s must be illegal", tr.from, tr.to)
		}
	}
}

func TestScoreFanOut(t *testing.T) {
	tests := []struct {
		action models.DecisionAction
		want   models.WorkflowState
	}{
		{models.DecisionAutoRemediate, models.StateAutoApproved},
		{models.DecisionCanary, models.StateCanaryPending},
		{models.DecisionRequireApproval, models.StateAwaitingApproval},
		{models.DecisionBlock, models.StateBlocked},
	}

	for _, tt := range tests {
		t.Run(string(tt.action), func(t *testing.T) {
			o, store := testOrchestrator(&fakeExecutor{})
			issue := createIssue(t, o)

			got, err := o.Score(context.Background(), issue.ID, decision(tt.action, 77))
			if err != nil {
				t.Fatalf("Score() error = %v", err)
			}
			if got.State != tt.want {
				t.Errorf("state = %s, want %s", got.State, tt.want)
			}
			if got.SafetyScore == nil || *got.SafetyScore != 77 {
				t.Error("safety score not recorded")
			}

			_, hasApproval := store.approvals[issue.ID]
			if (tt.want == models.StateAwaitingApproval) != hasApproval {
				t.Errorf("approval request presence = %v for state %s", hasApproval, tt.want)
			}
		})
	}
}

func TestScoreRequiresPendingSimulation(t *testing.T) {
	o, _ := testOrchestrator(&fakeExecutor{})
	issue := createIssue(t, o)

	if _, err := o.Score(context.Background(), issue.ID, decision(models.DecisionBlock, 10)); err != nil {
		t.Fatalf("first Score() error = %v", err)
	}
	if _, err := o.Score(context.Background(), issue.ID, decision(models.DecisionBlock, 10)); err == nil {
		t.Fatal("scoring twice must fail")
	}
}

func TestExecuteAutoApproved(t *testing.T) {
	exec := &fakeExecutor{}
	o, store := testOrchestrator(exec)
	issue := createIssue(t, o)

	if _, err := o.Score(context.Background(), issue.ID, decision(models.DecisionAutoRemediate, 92)); err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	got, err := o.Execute(context.Background(), issue.ID)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got.State != models.StateSucceeded {
		t.Errorf("state = %s, want SUCCEEDED", got.State)
	}
	if len(exec.applied) != 1 || exec.applied[0] != 100 {
		t.Errorf("auto-approved should apply once at 100%%, got %v", exec.applied)
	}
	if len(store.snapshots) != 1 {
		t.Error("a policy snapshot must be taken before executing")
	}
}

func TestExecuteCanaryStages(t *testing.T) {
	exec := &fakeExecutor{}
	o, _ := testOrchestrator(exec)
	issue := createIssue(t, o)

	if _, err := o.Score(context.Background(), issue.ID, decision(models.DecisionCanary, 75)); err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	got, err := o.Execute(context.Background(), issue.ID)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got.State != models.StateSucceeded {
		t.Errorf("state = %s, want SUCCEEDED", got.State)
	}

	want := []int{10, 25, 50, 100}
	if len(exec.applied) != len(want) {
		t.Fatalf("applied stages %v, want %v", exec.applied, want)
	}
	for i := range want {
		if exec.applied[i] != want[i] {
			t.Fatalf("applied stages %v, want %v", exec.applied, want)
		}
	}
}

func TestExecuteRollsBackOnFailure(t *testing.T) {
	exec := &fakeExecutor{applyErrAt: 50}
	o, store := testOrchestrator(exec)
	issue := createIssue(t, o)

	if _, err := o.Score(context.Background(), issue.ID, decision(models.DecisionCanary, 75)); err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	got, err := o.Execute(context.Background(), issue.ID)
	if err == nil {
		t.Fatal("Execute() should surface the failure")
	}
	if got.State != models.StateFailedRolledBack {
		t.Errorf("state = %s, want FAILED_ROLLED_BACK", got.State)
	}
	if !exec.rolledBack {
		t.Error("executor rollback was not invoked")
	}
	if exec.rollbackDoc == nil {
		t.Error("rollback must receive the pre-change snapshot")
	}
	if len(store.snapshots) != 1 {
		t.Error("snapshot should still be persisted")
	}
}

func TestExecuteRollsBackOnUnhealthyCanary(t *testing.T) {
	exec := &fakeExecutor{unhealthy: true}
	o, _ := testOrchestrator(exec)
	issue := createIssue(t, o)

	if _, err := o.Score(context.Background(), issue.ID, decision(models.DecisionCanary, 75)); err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	got, err := o.Execute(context.Background(), issue.ID)
	if err == nil {
		t.Fatal("Execute() should fail when health never recovers")
	}
	if got.State != models.StateFailedRolledBack {
		t.Errorf("state = %s, want FAILED_ROLLED_BACK", got.State)
	}
	if len(exec.applied) != 1 {
		t.Errorf("rollout should stop at the first unhealthy stage, applied %v", exec.applied)
	}
}

func TestExecuteBlockedNever(t *testing.T) {
	o, _ := testOrchestrator(&fakeExecutor{})
	issue := createIssue(t, o)

	if _, err := o.Score(context.Background(), issue.ID, decision(models.DecisionBlock, 20)); err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	if _, err := o.Execute(context.Background(), issue.ID); err == nil {
		t.Fatal("blocked issue must never execute")
	}
}

func TestApprovalFlow(t *testing.T) {
	exec := &fakeExecutor{}
	o, _ := testOrchestrator(exec)
	issue := createIssue(t, o)

	if _, err := o.Score(context.Background(), issue.ID, decision(models.DecisionRequireApproval, 60)); err != nil {
		t.Fatalf("Score() error = %v", err)
	}

	// Executing before anyone approved must fail.
	if _, err := o.Execute(context.Background(), issue.ID); err == nil {
		t.Fatal("execution without a granted approval must fail")
	}

	if _, err := o.Approve(context.Background(), issue.ID, ""); err == nil {
		t.Fatal("approval without a reviewer must fail")
	}
	if _, err := o.Approve(context.Background(), issue.ID, "sre-oncall"); err != nil {
		t.Fatalf("Approve() error = %v", err)
	}

	got, err := o.Execute(context.Background(), issue.ID)
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if got.State != models.StateSucceeded {
		t.Errorf("state = %s, want SUCCEEDED", got.State)
	}
}

func TestApprovalExpiry(t *testing.T) {
	store := newMemStore()
	o := NewOrchestrator(store, &fakeExecutor{}, testLogger(), Options{
		ApprovalTTL:         time.Nanosecond,
		HealthCheckInterval: time.Millisecond,
	})

	issue := &models.Issue{ComponentID: "role-x", ResourceType: models.ResourceTypeIAMRole}
	if err := o.CreateIssue(context.Background(), issue); err != nil {
		t.Fatalf("CreateIssue() error = %v", err)
	}
	if _, err := o.Score(context.Background(), issue.ID, decision(models.DecisionRequireApproval, 55)); err != nil {
		t.Fatalf("Score() error = %v", err)
	}

	time.Sleep(time.Millisecond)

	if _, err := o.Approve(context.Background(), issue.ID, "sre-oncall"); err == nil {
		t.Fatal("expired approval must not be grantable")
	}
	got, err := store.GetIssue(context.Background(), issue.ID)
	if err != nil {
		t.Fatalf("GetIssue() error = %v", err)
	}
	if got.State != models.StateBlocked {
		t.Errorf("expired approval should block the issue, state = %s", got.State)
	}
}

func TestReject(t *testing.T) {
	o, _ := testOrchestrator(&fakeExecutor{})
	issue := createIssue(t, o)

	if _, err := o.Score(context.Background(), issue.ID, decision(models.DecisionRequireApproval, 60)); err != nil {
		t.Fatalf("Score() error = %v", err)
	}
	got, err := o.Reject(context.Background(), issue.ID, "sre-oncall")
	if err != nil {
		t.Fatalf("Reject() error = %v", err)
	}
	if got.State != models.StateBlocked {
		t.Errorf("state = %s, want BLOCKED", got.State)
	}
	if _, err := o.Execute(context.Background(), issue.ID); err == nil {
		t.Fatal("rejected issue must never execute")
	}
}
