package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/petalhost/petalhost/internal/application/trial"
)

// LifecycleHandler exposes operator-facing lifecycle actions.
type LifecycleHandler struct {
	lifecycle *trial.Manager
}

// NewLifecycleHandler wires the lifecycle routes.
func NewLifecycleHandler(lifecycle *trial.Manager) *LifecycleHandler {
	return &LifecycleHandler{lifecycle: lifecycle}
}

// Routes returns a chi router with the lifecycle routes mounted.
func (h *LifecycleHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/sweep", h.Sweep)
	return r
}

type sweepResponse struct {
	Examined    int `json:"examined"`
	ToGrace     int `json:"to_grace"`
	ToSuspended int `json:"to_suspended"`
	Errors      int `json:"errors"`
}

// Sweep handles POST /api/v1/lifecycle/sweep. The sweep also runs on a timer;
// this endpoint exists for operators and integration tests.
func (h *LifecycleHandler) Sweep(w http.ResponseWriter, r *http.Request) {
	summary, err := h.lifecycle.Sweep(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sweepResponse{
		Examined:    summary.Examined,
		ToGrace:     summary.ToGrace,
		ToSuspended: summary.ToSuspended,
		Errors:      summary.Errors,
	})
}
