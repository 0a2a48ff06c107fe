package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/petalhost/petalhost/internal/application/provisioning"
	"github.com/petalhost/petalhost/internal/application/trial"
	"github.com/petalhost/petalhost/internal/domain/tenant"
	trialdomain "github.com/petalhost/petalhost/internal/domain/trial"
	"github.com/petalhost/petalhost/pkg/common/logger"
)

// TenantHandler serves tenant onboarding, status and lifecycle actions.
type TenantHandler struct {
	provisioning *provisioning.Service
	lifecycle    *trial.Manager
	logger       *logger.Logger
}

// NewTenantHandler wires the tenant routes.
func NewTenantHandler(prov *provisioning.Service, lifecycle *trial.Manager, log *logger.Logger) *TenantHandler {
	return &TenantHandler{
		provisioning: prov,
		lifecycle:    lifecycle,
		logger:       log.With("component", "tenant_handler"),
	}
}

// Routes returns a chi router with the tenant routes mounted.
func (h *TenantHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/", h.Create)
	r.Get("/{slug}/status", h.Status)
	r.Post("/{slug}/suspend", h.Suspend)
	r.Post("/{slug}/convert", h.Convert)
	r.Post("/{slug}/migrate/retry", h.RetryMigration)
	r.Get("/{slug}/operations", h.Operations)
	return r
}

// provisionResponse is the 202 body; the pipeline continues asynchronously
// and is observed through the operation.
type provisionResponse struct {
	TenantID    int64  `json:"tenant_id"`
	OperationID string `json:"operation_id"`
	Hostname    string `json:"hostname"`
}

// Create handles POST /api/v1/tenants.
func (h *TenantHandler) Create(w http.ResponseWriter, r *http.Request) {
	var raw tenant.RawConfig
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}

	start, err := h.provisioning.Provision(r.Context(), raw)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, provisionResponse{
		TenantID:    start.TenantID,
		OperationID: start.OperationID,
		Hostname:    start.Hostname,
	})
}

// statusResponse aggregates infrastructure and commercial state for the
// dashboard.
type statusResponse struct {
	Slug        string            `json:"slug"`
	Status      string            `json:"status"`
	Hostname    string            `json:"hostname,omitempty"`
	ServiceURLs map[string]string `json:"service_urls,omitempty"`
	Tier        string            `json:"tier,omitempty"`
	LastRun     string            `json:"last_run,omitempty"`
	FailureKind string            `json:"failure_kind,omitempty"`

	Trial *trialView `json:"trial,omitempty"`
}

type trialView struct {
	Status            string `json:"status"`
	DaysRemaining     int    `json:"days_remaining"`
	TrialEnd          string `json:"trial_end"`
	GraceEnd          string `json:"grace_end"`
	PlanID            string `json:"plan_id,omitempty"`
	MigrationRequired bool   `json:"migration_required,omitempty"`
}

// Status handles GET /api/v1/tenants/{slug}/status.
func (h *TenantHandler) Status(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	view, err := h.provisioning.Status(r.Context(), slug)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := statusResponse{
		Slug:   slug,
		Status: string(view.Tenant.Status),
	}
	if res := view.Result; res != nil {
		resp.Hostname = res.Hostname
		resp.ServiceURLs = res.ServiceURLs
		resp.Tier = string(res.Tier)
		resp.LastRun = string(res.Status)
		if res.FailureKind != nil {
			resp.FailureKind = string(*res.FailureKind)
		}
	}

	// A tenant without trial state is still provisioning.
	if info, err := h.lifecycle.Evaluate(r.Context(), slug); err == nil {
		resp.Trial = &trialView{
			Status:            string(info.Effective),
			DaysRemaining:     info.DaysRemaining,
			TrialEnd:          info.State.TrialEnd.Format(timeFormat),
			GraceEnd:          info.State.GraceEnd.Format(timeFormat),
			PlanID:            info.State.PlanID,
			MigrationRequired: info.State.MigrationRequired,
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

// Suspend handles POST /api/v1/tenants/{slug}/suspend. Operator action; the
// periodic sweep uses the same path internally.
func (h *TenantHandler) Suspend(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	if err := h.provisioning.Suspend(r.Context(), slug); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": string(trialdomain.StatusSuspended)})
}

type convertRequest struct {
	PlanID string `json:"plan_id"`
}

type convertResponse struct {
	Status           string `json:"status"`
	OperationID      string `json:"operation_id,omitempty"`
	MigrationStarted bool   `json:"migration_started"`
}

// Convert handles POST /api/v1/tenants/{slug}/convert.
func (h *TenantHandler) Convert(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	var req convertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	if req.PlanID == "" {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "plan_id is required"})
		return
	}

	res, err := h.lifecycle.ConvertToPaid(r.Context(), slug, req.PlanID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusAccepted, convertResponse{
		Status:           string(trialdomain.StatusPaid),
		OperationID:      res.OperationID,
		MigrationStarted: res.MigrationStarted,
	})
}

// RetryMigration handles POST /api/v1/tenants/{slug}/migrate/retry.
func (h *TenantHandler) RetryMigration(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	res, err := h.lifecycle.RetryMigration(r.Context(), slug)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, convertResponse{
		Status:           string(trialdomain.StatusPaid),
		OperationID:      res.OperationID,
		MigrationStarted: res.MigrationStarted,
	})
}

// Operations handles GET /api/v1/tenants/{slug}/operations.
func (h *TenantHandler) Operations(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")

	ops, err := h.provisioning.ListTenantOperations(r.Context(), slug)
	if err != nil {
		writeError(w, err)
		return
	}

	out := make([]operationResponse, 0, len(ops))
	for _, op := range ops {
		out = append(out, toOperationResponse(op))
	}
	writeJSON(w, http.StatusOK, out)
}
