package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/saferemediate/lpe/internal/models"
	"github.com/saferemediate/lpe/internal/workflow"
)

func (s *Store) CreateIssue(ctx context.Context, issue *models.Issue) error {
	query := `
		INSERT INTO lp_issues (id, component_id, component_name, resource_type, account_id,
			severity, queue, flags, confidence, unused_count, details, state,
			safety_score, decision_action, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
	`
	if issue.ID == uuid.Nil {
		issue.ID = uuid.New()
	}
	if issue.CreatedAt.IsZero() {
		issue.CreatedAt = time.Now()
		issue.UpdatedAt = issue.CreatedAt
	}

	_, err := s.db.ExecContext(ctx, query,
		issue.ID,
		issue.ComponentID,
		issue.ComponentName,
		issue.ResourceType,
		issue.AccountID,
		issue.Severity,
		issue.Queue,
		issue.Flags,
		issue.Confidence,
		issue.UnusedCount,
		issue.Details,
		issue.State,
		issue.SafetyScore,
		issue.DecisionAction,
		issue.CreatedAt,
		issue.UpdatedAt,
	)
	return err
}

func (s *Store) GetIssue(ctx context.Context, id uuid.UUID) (*models.Issue, error) {
	var issue models.Issue
	query := `SELECT * FROM lp_issues WHERE id = $1`
	err := s.db.GetContext(ctx, &issue, query, id)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("issue %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &issue, nil
}

func (s *Store) UpdateIssue(ctx context.Context, issue *models.Issue) error {
	query := `
		UPDATE lp_issues
		SET state = $1, safety_score = $2, decision_action = $3, details = $4, updated_at = $5
		WHERE id = $6
	`
	issue.UpdatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, query,
		issue.State,
		issue.SafetyScore,
		issue.DecisionAction,
		issue.Details,
		issue.UpdatedAt,
		issue.ID,
	)
	return err
}

func (s *Store) ListIssues(ctx context.Context, state *models.WorkflowState, queue *models.QueueName, limit, offset int) ([]models.Issue, int, error) {
	if limit <= 0 {
		limit = 50
	}

	where := ` WHERE 1=1`
	args := make([]interface{}, 0)
	argIdx := 1

	if state != nil {
		where += fmt.Sprintf(" AND state = $%d", argIdx)
		args = append(args, *state)
		argIdx++
	}
	if queue != nil {
		where += fmt.Sprintf(" AND queue = $%d", argIdx)
		args = append(args, *queue)
		argIdx++
	}

	var total int
	if err := s.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM lp_issues`+where, args...); err != nil {
		return nil, 0, err
	}

	query := `SELECT * FROM lp_issues` + where +
		fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d", argIdx, argIdx+1)
	args = append(args, limit, offset)

	var issues []models.Issue
	err := s.db.SelectContext(ctx, &issues, query, args...)
	return issues, total, err
}

func (s *Store) CreateSnapshot(ctx context.Context, snap *models.PolicySnapshot) error {
	query := `
		INSERT INTO lp_snapshots (id, issue_id, resource_id, document, taken_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := s.db.ExecContext(ctx, query,
		snap.ID, snap.IssueID, snap.ResourceID, snap.Document, snap.TakenAt)
	return err
}

func (s *Store) GetSnapshotForIssue(ctx context.Context, issueID uuid.UUID) (*models.PolicySnapshot, error) {
	var snap models.PolicySnapshot
	query := `SELECT * FROM lp_snapshots WHERE issue_id = $1 ORDER BY taken_at DESC LIMIT 1`
	err := s.db.GetContext(ctx, &snap, query, issueID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no snapshot for issue %s", issueID)
	}
	if err != nil {
		return nil, err
	}
	return &snap, nil
}

func (s *Store) CreateExecution(ctx context.Context, exec *models.Execution) error {
	query := `
		INSERT INTO lp_executions (id, issue_id, state, canary_stage, error, started_at, finished_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.ExecContext(ctx, query,
		exec.ID, exec.IssueID, exec.State, exec.CanaryStage, exec.Error,
		exec.StartedAt, exec.FinishedAt)
	return err
}

func (s *Store) UpdateExecution(ctx context.Context, exec *models.Execution) error {
	query := `
		UPDATE lp_executions
		SET state = $1, canary_stage = $2, error = $3, finished_at = $4
		WHERE id = $5
	`
	_, err := s.db.ExecContext(ctx, query,
		exec.State, exec.CanaryStage, exec.Error, exec.FinishedAt, exec.ID)
	return err
}

func (s *Store) ListExecutionsForIssue(ctx context.Context, issueID uuid.UUID) ([]models.Execution, error) {
	var execs []models.Execution
	query := `SELECT * FROM lp_executions WHERE issue_id = $1 ORDER BY started_at DESC`
	err := s.db.SelectContext(ctx, &execs, query, issueID)
	return execs, err
}

func (s *Store) CreateApproval(ctx context.Context, approval *workflow.Approval) error {
	query := `
		INSERT INTO lp_approvals (id, issue_id, requested_at, expires_at, reviewer, granted, decided_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err := s.db.ExecContext(ctx, query,
		approval.ID, approval.IssueID, approval.RequestedAt, approval.ExpiresAt,
		approval.Reviewer, approval.Granted, approval.DecidedAt)
	return err
}

func (s *Store) GetApprovalForIssue(ctx context.Context, issueID uuid.UUID) (*workflow.Approval, error) {
	var approval workflow.Approval
	query := `SELECT * FROM lp_approvals WHERE issue_id = $1 ORDER BY requested_at DESC LIMIT 1`
	err := s.db.GetContext(ctx, &approval, query, issueID)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("no approval for issue %s", issueID)
	}
	if err != nil {
		return nil, err
	}
	return &approval, nil
}

func (s *Store) UpdateApproval(ctx context.Context, approval *workflow.Approval) error {
	query := `
		UPDATE lp_approvals
		SET reviewer = $1, granted = $2, decided_at = $3
		WHERE id = $4
	`
	_, err := s.db.ExecContext(ctx, query,
		approval.Reviewer, approval.Granted, approval.DecidedAt, approval.ID)
	return err
}

// PruneIssues deletes terminal issues last touched before the cutoff,
// along with their snapshots, executions, and approvals.
func (s *Store) PruneIssues(ctx context.Context, cutoff time.Time) (int, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	terminal := `
		SELECT id FROM lp_issues
		WHERE updated_at < $1 AND state IN ('BLOCKED', 'SUCCEEDED', 'FAILED_ROLLED_BACK')
	`
	for _, table := range []string{"lp_snapshots", "lp_executions", "lp_approvals"} {
		query := fmt.Sprintf(`DELETE FROM %s WHERE issue_id IN (%s)`, table, terminal)
		if _, err := tx.ExecContext(ctx, query, cutoff); err != nil {
			return 0, err
		}
	}

	res, err := tx.ExecContext(ctx, `
		DELETE FROM lp_issues
		WHERE updated_at < $1 AND state IN ('BLOCKED', 'SUCCEEDED', 'FAILED_ROLLED_BACK')
	`, cutoff)
	if err != nil {
		return 0, err
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	deleted, _ := res.RowsAffected()
	return int(deleted), nil
}

// IssueSummary aggregates issue counts for the dashboard and reports.
type IssueSummary struct {
	Total      int            `json:"total"`
	ByState    map[string]int `json:"by_state"`
	ByQueue    map[string]int `json:"by_queue"`
	BySeverity map[string]int `json:"by_severity"`
}

func (s *Store) GetIssueSummary(ctx context.Context) (*IssueSummary, error) {
	summary := &IssueSummary{
		ByState:    map[string]int{},
		ByQueue:    map[string]int{},
		BySeverity: map[string]int{},
	}

	if err := s.db.GetContext(ctx, &summary.Total, `SELECT COUNT(*) FROM lp_issues`); err != nil {
		return nil, err
	}

	type bucket struct {
		Key   string `db:"key"`
		Count int    `db:"count"`
	}

	group := func(column string, dest map[string]int) error {
		var rows []bucket
		query := fmt.Sprintf(`SELECT %s AS key, COUNT(*) AS count FROM lp_issues GROUP BY %s`, column, column)
		if err := s.db.SelectContext(ctx, &rows, query); err != nil {
			return err
		}
		for _, r := range rows {
			dest[r.Key] = r.Count
		}
		return nil
	}

	if err := group("state", summary.ByState); err != nil {
		return nil, err
	}
	if err := group("queue", summary.ByQueue); err != nil {
		return nil, err
	}
	if err := group("severity", summary.BySeverity); err != nil {
		return nil, err
	}

	return summary, nil
}
