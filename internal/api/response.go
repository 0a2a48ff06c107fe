// Package api exposes the control-plane HTTP surface: tenant onboarding,
// status, lifecycle actions and operation tracking.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/petalhost/petalhost/internal/application/trial"
	"github.com/petalhost/petalhost/internal/domain/migration"
	"github.com/petalhost/petalhost/internal/domain/operation"
	"github.com/petalhost/petalhost/internal/domain/provision"
	"github.com/petalhost/petalhost/internal/domain/tenant"
	trialdomain "github.com/petalhost/petalhost/internal/domain/trial"
)

// errorBody is the JSON error envelope.
type errorBody struct {
	Error  string                  `json:"error"`
	Fields tenant.ValidationErrors `json:"fields,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"error":"failed to encode response"}`, http.StatusInternalServerError)
	}
}

// writeError maps domain errors onto HTTP statuses. Validation failures carry
// every violated field so the onboarding UI can show them all at once.
func writeError(w http.ResponseWriter, err error) {
	var verrs tenant.ValidationErrors
	if errors.As(err, &verrs) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid tenant config", Fields: verrs})
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, tenant.ErrTenantNotFound),
		errors.Is(err, operation.ErrOperationNotFound),
		errors.Is(err, trialdomain.ErrStateNotFound),
		errors.Is(err, provision.ErrResultNotFound):
		status = http.StatusNotFound
	case errors.Is(err, tenant.ErrTenantAlreadyExists),
		errors.Is(err, trial.ErrConversionAfterSuspension),
		errors.Is(err, migration.ErrPlanInProgress):
		status = http.StatusConflict
	case provision.KindOf(err) == provision.KindCapacityExhausted:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}
