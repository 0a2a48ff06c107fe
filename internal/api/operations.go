package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/petalhost/petalhost/internal/application/provisioning"
	"github.com/petalhost/petalhost/internal/domain/operation"
)

const timeFormat = time.RFC3339

// OperationHandler serves operation tracking reads.
type OperationHandler struct {
	provisioning *provisioning.Service
}

// NewOperationHandler wires the operation routes.
func NewOperationHandler(prov *provisioning.Service) *OperationHandler {
	return &OperationHandler{provisioning: prov}
}

// Routes returns a chi router with the operation routes mounted.
func (h *OperationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{id}", h.Get)
	return r
}

type operationResponse struct {
	ID           string         `json:"id"`
	Type         string         `json:"type"`
	Status       string         `json:"status"`
	TenantSlug   string         `json:"tenant_slug"`
	Progress     int            `json:"progress"`
	CreatedAt    string         `json:"created_at"`
	StartedAt    string         `json:"started_at,omitempty"`
	CompletedAt  string         `json:"completed_at,omitempty"`
	EstimatedEnd string         `json:"estimated_completion,omitempty"`
	Error        string         `json:"error,omitempty"`
	Result       map[string]any `json:"result,omitempty"`
}

func toOperationResponse(op *operation.Operation) operationResponse {
	resp := operationResponse{
		ID:         op.ID,
		Type:       op.Type.String(),
		Status:     string(op.Status),
		TenantSlug: op.TenantSlug,
		Progress:   op.Progress(),
		CreatedAt:  op.CreatedAt.Format(timeFormat),
		Result:     op.Result,
	}
	if op.StartedAt != nil {
		resp.StartedAt = op.StartedAt.Format(timeFormat)
	}
	if op.CompletedAt != nil {
		resp.CompletedAt = op.CompletedAt.Format(timeFormat)
	}
	if eta := op.EstimateCompletionTime(); eta != nil {
		resp.EstimatedEnd = eta.Format(timeFormat)
	}
	if op.ErrorMessage != nil {
		resp.Error = *op.ErrorMessage
	}
	return resp
}

// Get handles GET /api/v1/operations/{id}.
func (h *OperationHandler) Get(w http.ResponseWriter, r *http.Request) {
	op, err := h.provisioning.GetOperation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toOperationResponse(op))
}
