package handler

import (
	"encoding/json"
	"net/http"

	"github.com/sitecraft/be-pm-requests/internal/apperr"
	"github.com/sitecraft/be-pm-requests/internal/logger"
	"github.com/sitecraft/be-pm-requests/internal/repository"
	"github.com/sitecraft/be-pm-requests/internal/service"
)

// HTTPHandler exposes the workflow operations as a thin JSON layer. All
// semantics live in the service package.
type HTTPHandler struct {
	orchestrator *service.RequestOrchestrator
	log          *logger.Logger
}

// NewHTTPHandler creates a new HTTP handler.
func NewHTTPHandler(orchestrator *service.RequestOrchestrator, log *logger.Logger) *HTTPHandler {
	return &HTTPHandler{
		orchestrator: orchestrator,
		log:          log,
	}
}

// Register wires the request routes onto mux, each restricted to its method.
func (h *HTTPHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/requests", requireMethod(http.MethodPost, h.CreateRequest))
	mux.HandleFunc("/api/v1/requests/get", requireMethod(http.MethodGet, h.GetRequest))
	mux.HandleFunc("/api/v1/requests/decide", requireMethod(http.MethodPost, h.DecideStep))
	mux.HandleFunc("/api/v1/requests/cancel", requireMethod(http.MethodPost, h.CancelRequest))
	mux.HandleFunc("/api/v1/requests/history", requireMethod(http.MethodGet, h.GetHistory))
	mux.HandleFunc("/api/v1/requests/pending", requireMethod(http.MethodGet, h.GetPending))
}

func requireMethod(method string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != method {
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
			return
		}
		next(w, r)
	}
}

// CreateRequest handles POST /api/v1/requests.
func (h *HTTPHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OrgID              string  `json:"org_id"`
		RequesterID        string  `json:"requester_id"`
		OriginDepartmentID string  `json:"origin_department_id"`
		RequestType        string  `json:"request_type"`
		LaborCount         int     `json:"labor_count"`
		MaterialCount      int     `json:"material_count"`
		EquipmentCount     int     `json:"equipment_count"`
		Priority           string  `json:"priority"`
		ActivityID         *string `json:"activity_id"`
		Description        *string `json:"description"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperr.InvalidInput("body", "invalid request body"))
		return
	}

	created, err := h.orchestrator.CreateRequest(r.Context(), &service.CreateRequestInput{
		OrgID:              req.OrgID,
		RequesterID:        req.RequesterID,
		OriginDepartmentID: req.OriginDepartmentID,
		RequestType:        repository.RequestType(req.RequestType),
		LaborCount:         req.LaborCount,
		MaterialCount:      req.MaterialCount,
		EquipmentCount:     req.EquipmentCount,
		Priority:           repository.Priority(req.Priority),
		ActivityID:         req.ActivityID,
		Description:        req.Description,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusCreated, created)
}

// GetRequest handles GET /api/v1/requests/get?id=&org_id=.
func (h *HTTPHandler) GetRequest(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	orgID := r.URL.Query().Get("org_id")
	if id == "" || orgID == "" {
		h.writeError(w, apperr.InvalidInput("query", "id and org_id are required"))
		return
	}

	snapshot, err := h.orchestrator.GetStatus(r.Context(), id, orgID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"request":           snapshot.Request,
		"steps":             snapshot.Steps,
		"active_step_order": snapshot.ActiveStepOrder,
	})
}

// DecideStep handles POST /api/v1/requests/decide.
func (h *HTTPHandler) DecideStep(w http.ResponseWriter, r *http.Request) {
	var req struct {
		StepID   string  `json:"step_id"`
		ActorID  string  `json:"actor_id"`
		Decision string  `json:"decision"`
		Remarks  *string `json:"remarks"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperr.InvalidInput("body", "invalid request body"))
		return
	}

	result, err := h.orchestrator.Decide(r.Context(), req.StepID, req.ActorID,
		repository.Decision(req.Decision), req.Remarks)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"request_status": result.Request.Status,
		"step_status":    result.Step.Status,
		"chain_complete": result.ChainComplete,
		"next_order":     result.NextOrder,
		"no_op":          result.NoOp,
	})
}

// CancelRequest handles POST /api/v1/requests/cancel.
func (h *HTTPHandler) CancelRequest(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ID      string `json:"id"`
		OrgID   string `json:"org_id"`
		ActorID string `json:"actor_id"`
		Reason  string `json:"reason"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, apperr.InvalidInput("body", "invalid request body"))
		return
	}

	if err := h.orchestrator.Cancel(r.Context(), req.ID, req.OrgID, req.ActorID, req.Reason); err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// GetHistory handles GET /api/v1/requests/history?id=&org_id=.
func (h *HTTPHandler) GetHistory(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	orgID := r.URL.Query().Get("org_id")
	if id == "" || orgID == "" {
		h.writeError(w, apperr.InvalidInput("query", "id and org_id are required"))
		return
	}

	entries, err := h.orchestrator.History(r.Context(), id, orgID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries})
}

// GetPending handles GET /api/v1/requests/pending?org_id=&department_id=.
func (h *HTTPHandler) GetPending(w http.ResponseWriter, r *http.Request) {
	orgID := r.URL.Query().Get("org_id")
	departmentID := r.URL.Query().Get("department_id")
	if orgID == "" || departmentID == "" {
		h.writeError(w, apperr.InvalidInput("query", "org_id and department_id are required"))
		return
	}

	steps, err := h.orchestrator.PendingForDepartment(r.Context(), orgID, departmentID)
	if err != nil {
		h.writeError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]interface{}{"steps": steps})
}

// ── response helpers ──────────────────────────────────────────────────────────

func (h *HTTPHandler) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.log.Error().Err(err).Msg("Failed to encode response body")
	}
}

func (h *HTTPHandler) writeError(w http.ResponseWriter, err error) {
	code := apperr.CodeOf(err)
	status := httpStatus(code)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).Msg("Request failed")
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"code":  string(code),
		"error": err.Error(),
	})
}

func httpStatus(code apperr.Code) int {
	switch code {
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeInvalidInput:
		return http.StatusBadRequest
	case apperr.CodeInvalidState, apperr.CodeConflict:
		return http.StatusConflict
	case apperr.CodeUnauthorized:
		return http.StatusForbidden
	case apperr.CodeConfiguration:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
