package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/saferemediate/lpe/internal/auth"
	"github.com/saferemediate/lpe/internal/evidence"
	"github.com/saferemediate/lpe/internal/models"
	"github.com/saferemediate/lpe/internal/ranker"
	"github.com/saferemediate/lpe/internal/reports"
)

// --- auth ---

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "missing_credentials", "Email and password are required")
		return
	}

	tokens, err := s.authService.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_credentials", "Invalid email or password")
		return
	}

	respondJSON(w, http.StatusOK, tokens)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	tokens, err := s.authService.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		respondError(w, http.StatusUnauthorized, "invalid_token", "Invalid or expired refresh token")
		return
	}

	respondJSON(w, http.StatusOK, tokens)
}

func (s *Server) getCurrentUser(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "unauthorized", "Not authenticated")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": claims.UserID,
		"email":   claims.Email,
		"role":    claims.Role,
	})
}

type createUserRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

func (s *Server) createUser(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if req.Email == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "missing_fields", "Email and password are required")
		return
	}

	role := auth.Role(req.Role)
	switch role {
	case auth.RoleAdmin, auth.RoleOperator, auth.RoleViewer:
	case "":
		role = auth.RoleViewer
	default:
		respondError(w, http.StatusBadRequest, "invalid_role", fmt.Sprintf("Unknown role %q", req.Role))
		return
	}

	user, err := s.authService.Register(r.Context(), req.Email, req.Password, role)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "create_failed", "Failed to create user")
		return
	}

	respondJSON(w, http.StatusCreated, user)
}

func (s *Server) listUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.ListUsers(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "list_failed", "Failed to list users")
		return
	}
	respondJSONWithMeta(w, http.StatusOK, users, &apiMeta{Total: len(users)})
}

// --- analysis ---

type runAnalysisRequest struct {
	// Snapshot lets callers analyze pre-collected evidence. When absent,
	// the live collector gathers one.
	Snapshot *evidence.Snapshot `json:"snapshot,omitempty"`
}

func (s *Server) runAnalysis(w http.ResponseWriter, r *http.Request) {
	var req runAnalysisRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
			return
		}
	}

	snap := req.Snapshot
	if snap == nil {
		if s.collector == nil {
			respondError(w, http.StatusServiceUnavailable, "no_collector",
				"No evidence snapshot provided and no live collector is configured")
			return
		}
		collected, err := s.collector.Collect(r.Context())
		if err != nil {
			respondError(w, http.StatusBadGateway, "collect_failed", fmt.Sprintf("Evidence collection failed: %v", err))
			return
		}
		snap = collected
	}

	if s.graph != nil {
		if err := s.graph.Ingest(r.Context(), snap); err != nil {
			s.logger.Warn("graph ingest failed", "error", err)
		}
		if err := s.graph.Enrich(r.Context(), snap); err != nil {
			// Missing graph data degrades blast radius to UNKNOWN, it
			// never blocks the run.
			s.logger.Warn("graph enrichment failed", "error", err)
		}
	}

	result, err := s.engine.Run(*snap)
	if err != nil {
		respondError(w, http.StatusUnprocessableEntity, "analysis_failed", fmt.Sprintf("Analysis failed: %v", err))
		return
	}

	s.SetLatest(result)

	s.logger.Info("analysis run completed",
		"components", len(result.Components),
		"strength", result.Strength,
		"window", result.Window)

	respondJSON(w, http.StatusOK, result)
}

func (s *Server) getLatestAnalysis(w http.ResponseWriter, r *http.Request) {
	result := s.latestResult()
	if result == nil {
		respondError(w, http.StatusNotFound, "no_analysis", "No analysis has been run yet")
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) getQueues(w http.ResponseWriter, r *http.Request) {
	result := s.latestResult()
	if result == nil {
		respondError(w, http.StatusNotFound, "no_analysis", "No analysis has been run yet")
		return
	}
	respondJSON(w, http.StatusOK, result.Queues)
}

func (s *Server) listComponents(w http.ResponseWriter, r *http.Request) {
	result := s.latestResult()
	if result == nil {
		respondError(w, http.StatusNotFound, "no_analysis", "No analysis has been run yet")
		return
	}
	respondJSONWithMeta(w, http.StatusOK, result.Components, &apiMeta{Total: len(result.Components)})
}

func (s *Server) getComponent(w http.ResponseWriter, r *http.Request) {
	comp, ok := s.findComponent(chi.URLParam(r, "componentID"))
	if !ok {
		respondError(w, http.StatusNotFound, "not_found", "Component not found in the latest analysis")
		return
	}
	respondJSON(w, http.StatusOK, comp)
}

func (s *Server) getComponentGaps(w http.ResponseWriter, r *http.Request) {
	result := s.latestResult()
	if result == nil {
		respondError(w, http.StatusNotFound, "no_analysis", "No analysis has been run yet")
		return
	}

	componentID := chi.URLParam(r, "componentID")
	page, ok := result.Gaps[componentID]
	if !ok {
		if _, found := s.findComponent(componentID); found {
			// Component exists but produced no removal candidates.
			respondJSON(w, http.StatusOK, ranker.Page{Items: []models.GapItem{}})
			return
		}
		respondError(w, http.StatusNotFound, "not_found", "Component not found in the latest analysis")
		return
	}

	respondJSON(w, http.StatusOK, page)
}

func (s *Server) findComponent(id string) (models.SecurityComponent, bool) {
	result := s.latestResult()
	if result == nil {
		return models.SecurityComponent{}, false
	}
	for _, comp := range result.Components {
		if comp.ID == id {
			return comp, true
		}
	}
	return models.SecurityComponent{}, false
}

// --- reports ---

func (s *Server) getImpactReport(w http.ResponseWriter, r *http.Request) {
	result := s.latestResult()
	if result == nil {
		respondError(w, http.StatusNotFound, "no_analysis", "No analysis has been run yet")
		return
	}

	pdf, err := reports.ImpactReportPDF(result)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "report_failed", "Failed to render report")
		return
	}

	servePDF(w, "impact-report.pdf", pdf)
}

func (s *Server) getRemediationReport(w http.ResponseWriter, r *http.Request) {
	summary, err := s.store.GetIssueSummary(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "summary_failed", "Failed to load issue summary")
		return
	}

	pdf, err := reports.RemediationSummaryPDF(summary.Total, summary.ByState, summary.ByQueue, summary.BySeverity)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "report_failed", "Failed to render report")
		return
	}

	servePDF(w, "remediation-summary.pdf", pdf)
}

func servePDF(w http.ResponseWriter, filename string, data []byte) {
	w.Header().Set("Content-Type", "application/pdf")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// --- queue ---

func (s *Server) getQueueStats(w http.ResponseWriter, r *http.Request) {
	if s.queue == nil {
		respondError(w, http.StatusServiceUnavailable, "no_queue", "Execution queue is not configured")
		return
	}

	stats, err := s.queue.Stats(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "stats_failed", "Failed to read queue stats")
		return
	}

	workers, err := s.queue.ActiveWorkers(r.Context(), 30*time.Second)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "stats_failed", "Failed to read worker heartbeats")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":    stats,
		"workers": workers,
	})
}
