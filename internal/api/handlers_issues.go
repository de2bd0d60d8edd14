package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/saferemediate/lpe/internal/auth"
	"github.com/saferemediate/lpe/internal/models"
	"github.com/saferemediate/lpe/internal/queue"
	"github.com/saferemediate/lpe/internal/safety"
	"github.com/saferemediate/lpe/internal/scheduler"
)

// --- issues ---

type createIssueRequest struct {
	ComponentID string `json:"component_id"`
	// Details carries the concrete remediation targets, e.g. the policy
	// ARNs to detach or the ingress rules to revoke.
	Details models.JSONB `json:"details,omitempty"`
}

func (s *Server) createIssue(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		respondError(w, http.StatusServiceUnavailable, "no_workflow", "Remediation workflow is not configured")
		return
	}

	var req createIssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.ComponentID == "" {
		respondError(w, http.StatusBadRequest, "missing_component", "component_id is required")
		return
	}

	comp, ok := s.findComponent(req.ComponentID)
	if !ok {
		respondError(w, http.StatusNotFound, "not_found", "Component not found in the latest analysis")
		return
	}

	issue := &models.Issue{
		ComponentID:   comp.ID,
		ComponentName: comp.Name,
		ResourceType:  comp.Type,
		AccountID:     comp.AccountID,
		Severity:      comp.Severity,
		Queue:         s.queueFor(comp.ID),
		Flags:         flagStrings(comp.Flags),
		Confidence:    comp.Confidence,
		Details:       req.Details,
	}
	if comp.AUG.Gap.Value != nil {
		issue.UnusedCount = *comp.AUG.Gap.Value
	}

	if err := s.orchestrator.CreateIssue(r.Context(), issue); err != nil {
		respondError(w, http.StatusInternalServerError, "create_failed", "Failed to create issue")
		return
	}

	respondJSON(w, http.StatusCreated, issue)
}

func (s *Server) listIssues(w http.ResponseWriter, r *http.Request) {
	var state *models.WorkflowState
	if v := r.URL.Query().Get("state"); v != "" {
		st := models.WorkflowState(v)
		state = &st
	}
	var queueName *models.QueueName
	if v := r.URL.Query().Get("queue"); v != "" {
		q := models.QueueName(v)
		queueName = &q
	}
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	issues, total, err := s.store.ListIssues(r.Context(), state, queueName, limit, offset)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list_failed", "Failed to list issues")
		return
	}

	respondJSONWithMeta(w, http.StatusOK, issues, &apiMeta{Total: total, Limit: limit, Offset: offset})
}

func (s *Server) getIssue(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "issueID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid issue ID")
		return
	}

	issue, err := s.store.GetIssue(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "not_found", "Issue not found")
		return
	}

	executions, err := s.store.ListExecutionsForIssue(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list_failed", "Failed to load execution history")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"issue":      issue,
		"executions": executions,
	})
}

func (s *Server) getIssueSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.store.GetIssueSummary(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "summary_failed", "Failed to load issue summary")
		return
	}
	respondJSON(w, http.StatusOK, summary)
}

type scoreIssueRequest struct {
	SimulationSafe bool                     `json:"simulation_safe"`
	Rollback       *float64                 `json:"rollback,omitempty"`
	External       *safety.ExternalDecision `json:"external,omitempty"`
}

func (s *Server) scoreIssue(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		respondError(w, http.StatusServiceUnavailable, "no_workflow", "Remediation workflow is not configured")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "issueID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid issue ID")
		return
	}

	var req scoreIssueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	issue, err := s.store.GetIssue(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "not_found", "Issue not found")
		return
	}

	comp, ok := s.findComponent(issue.ComponentID)
	if !ok {
		respondError(w, http.StatusConflict, "stale_issue",
			"Issue component is not present in the latest analysis; re-run analysis first")
		return
	}

	decision := s.engine.Decide(comp, req.SimulationSafe, req.Rollback, req.External)

	scored, err := s.orchestrator.Score(r.Context(), id, decision)
	if err != nil {
		respondError(w, http.StatusConflict, "score_failed", err.Error())
		return
	}

	s.maybeEnqueue(r, scored, decision)

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"issue":    scored,
		"decision": decision,
	})
}

// maybeEnqueue hands auto-approved and canary issues to the execution
// queue. Without a queue they wait for an explicit execute call.
func (s *Server) maybeEnqueue(r *http.Request, issue *models.Issue, decision models.Decision) {
	if s.queue == nil {
		return
	}
	if issue.State != models.StateAutoApproved && issue.State != models.StateCanaryPending {
		return
	}

	job := &queue.Job{
		IssueID:     issue.ID,
		ComponentID: issue.ComponentID,
		Action:      decision.Action,
		SafetyScore: decision.SafetyScore,
	}
	if err := s.queue.Enqueue(r.Context(), job); err != nil {
		s.logger.Error("enqueueing execution job", "issue_id", issue.ID, "error", err)
		return
	}

	s.logger.Info("execution job enqueued",
		"issue_id", issue.ID,
		"action", decision.Action,
		"safety_score", decision.SafetyScore)
}

func (s *Server) approveIssue(w http.ResponseWriter, r *http.Request) {
	s.decideApproval(w, r, true)
}

func (s *Server) rejectIssue(w http.ResponseWriter, r *http.Request) {
	s.decideApproval(w, r, false)
}

func (s *Server) decideApproval(w http.ResponseWriter, r *http.Request, grant bool) {
	if s.orchestrator == nil {
		respondError(w, http.StatusServiceUnavailable, "no_workflow", "Remediation workflow is not configured")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "issueID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid issue ID")
		return
	}

	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "Not authenticated")
		return
	}

	var issue *models.Issue
	if grant {
		issue, err = s.orchestrator.Approve(r.Context(), id, claims.Email)
	} else {
		issue, err = s.orchestrator.Reject(r.Context(), id, claims.Email)
	}
	if err != nil {
		respondError(w, http.StatusConflict, "approval_failed", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, issue)
}

func (s *Server) executeIssue(w http.ResponseWriter, r *http.Request) {
	if s.orchestrator == nil {
		respondError(w, http.StatusServiceUnavailable, "no_workflow", "Remediation workflow is not configured")
		return
	}

	id, err := uuid.Parse(chi.URLParam(r, "issueID"))
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_id", "Invalid issue ID")
		return
	}

	issue, err := s.store.GetIssue(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusNotFound, "not_found", "Issue not found")
		return
	}

	if s.queue != nil {
		job := &queue.Job{
			IssueID:     issue.ID,
			ComponentID: issue.ComponentID,
		}
		if issue.DecisionAction != nil {
			job.Action = models.DecisionAction(*issue.DecisionAction)
		}
		if issue.SafetyScore != nil {
			job.SafetyScore = *issue.SafetyScore
		}
		if err := s.queue.Enqueue(r.Context(), job); err != nil {
			respondError(w, http.StatusInternalServerError, "enqueue_failed", "Failed to enqueue execution")
			return
		}
		respondJSON(w, http.StatusAccepted, map[string]interface{}{
			"issue_id": issue.ID,
			"queued":   true,
		})
		return
	}

	executed, err := s.orchestrator.Execute(r.Context(), id)
	if err != nil {
		respondError(w, http.StatusConflict, "execute_failed", err.Error())
		return
	}

	respondJSON(w, http.StatusOK, executed)
}

// queueFor looks up which triage queue the latest run routed a component
// into. Excluded components return an empty name.
func (s *Server) queueFor(componentID string) models.QueueName {
	result := s.latestResult()
	if result == nil {
		return ""
	}
	buckets := [][]models.QueueCard{
		result.Queues.HighConfidenceGaps,
		result.Queues.ArchitecturalRisks,
		result.Queues.BlastRadiusWarnings,
	}
	for _, cards := range buckets {
		for _, card := range cards {
			if card.ComponentID == componentID {
				return card.Queue
			}
		}
	}
	return ""
}

func flagStrings(flags []models.RiskFlag) models.StringArray {
	out := make(models.StringArray, len(flags))
	for i, f := range flags {
		out[i] = string(f)
	}
	return out
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// --- scheduled jobs ---

func (s *Server) listScheduledJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.schedulerStore.ListJobs(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list_failed", "Failed to list jobs")
		return
	}
	respondJSONWithMeta(w, http.StatusOK, jobs, &apiMeta{Total: len(jobs)})
}

type scheduledJobRequest struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Schedule    string            `json:"schedule"`
	JobType     string            `json:"job_type"`
	Config      map[string]string `json:"config"`
	Enabled     bool              `json:"enabled"`
}

func (s *Server) createScheduledJob(w http.ResponseWriter, r *http.Request) {
	var req scheduledJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.Name == "" || req.Schedule == "" || req.JobType == "" {
		respondError(w, http.StatusBadRequest, "missing_fields", "name, schedule, and job_type are required")
		return
	}

	job := &scheduler.Job{
		Name:        req.Name,
		Description: req.Description,
		Schedule:    req.Schedule,
		JobType:     scheduler.JobType(req.JobType),
		Config:      req.Config,
		Enabled:     req.Enabled,
	}

	if err := s.scheduler.AddJob(r.Context(), job); err != nil {
		respondError(w, http.StatusBadRequest, "create_failed", fmt.Sprintf("Failed to create job: %v", err))
		return
	}

	respondJSON(w, http.StatusCreated, job)
}

func (s *Server) getScheduledJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.schedulerStore.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		respondError(w, http.StatusNotFound, "not_found", "Job not found")
		return
	}

	nextRuns := s.scheduler.GetNextRuns(job.ID, 3)

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"job":       job,
		"next_runs": nextRuns,
	})
}

func (s *Server) updateScheduledJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")

	job, err := s.schedulerStore.GetJob(r.Context(), jobID)
	if err != nil {
		respondError(w, http.StatusNotFound, "not_found", "Job not found")
		return
	}

	var req scheduledJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	if req.Name != "" {
		job.Name = req.Name
	}
	if req.Description != "" {
		job.Description = req.Description
	}
	if req.Schedule != "" {
		job.Schedule = req.Schedule
	}
	if req.JobType != "" {
		job.JobType = scheduler.JobType(req.JobType)
	}
	if req.Config != nil {
		job.Config = req.Config
	}
	job.Enabled = req.Enabled

	if err := s.scheduler.UpdateJob(r.Context(), job); err != nil {
		respondError(w, http.StatusBadRequest, "update_failed", fmt.Sprintf("Failed to update job: %v", err))
		return
	}

	respondJSON(w, http.StatusOK, job)
}

func (s *Server) deleteScheduledJob(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.DeleteJob(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		respondError(w, http.StatusInternalServerError, "delete_failed", "Failed to delete job")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

func (s *Server) runScheduledJobNow(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.RunJobNow(r.Context(), chi.URLParam(r, "jobID")); err != nil {
		respondError(w, http.StatusNotFound, "not_found", "Job not found")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{
		"status":    "triggered",
		"timestamp": time.Now().Format(time.RFC3339),
	})
}

func (s *Server) getJobExecutions(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 20)

	executions, err := s.schedulerStore.GetJobExecutions(r.Context(), chi.URLParam(r, "jobID"), limit)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list_failed", "Failed to list executions")
		return
	}

	respondJSONWithMeta(w, http.StatusOK, executions, &apiMeta{Total: len(executions), Limit: limit})
}
