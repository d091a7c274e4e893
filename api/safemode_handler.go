package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/khaacho/backstop/safemode"
)

// EnableSafeModeRequest is the body for POST /v1/safemode/enable.
type EnableSafeModeRequest struct {
	Actor string `json:"actor"`
	// Reason is recorded with the toggle for the audit trail.
	Reason string `json:"reason"`
	// AutoDisableAfterSeconds, when positive, makes the engagement expire
	// on its own.
	AutoDisableAfterSeconds int `json:"auto_disable_after_seconds,omitempty"`
	// CustomMessage overrides the default submitter-facing message.
	CustomMessage string `json:"custom_message,omitempty"`
}

// DisableSafeModeRequest is the body for POST /v1/safemode/disable.
type DisableSafeModeRequest struct {
	Actor string `json:"actor"`
}

// SafeModeStatusResponse reports the current toggle to operators.
type SafeModeStatusResponse struct {
	Enabled       bool       `json:"enabled"`
	EnabledBy     string     `json:"enabled_by,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	EnabledAt     *time.Time `json:"enabled_at,omitempty"`
	AutoDisableAt *time.Time `json:"auto_disable_at,omitempty"`
	CustomMessage string     `json:"custom_message,omitempty"`
	QueuedOrders  int        `json:"queued_orders"`
}

func (a *API) safeModeStatus(w http.ResponseWriter, r *http.Request) {
	state, err := a.controller.State(r.Context())
	if err != nil {
		a.writeStoreError(w, err)
		return
	}

	queued, err := a.controller.DrainQueued(r.Context(), 0)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, SafeModeStatusResponse{
		Enabled:       state.Enabled,
		EnabledBy:     state.EnabledBy,
		Reason:        state.Reason,
		EnabledAt:     state.EnabledAt,
		AutoDisableAt: state.AutoDisableAt,
		CustomMessage: state.CustomMessage,
		QueuedOrders:  len(queued),
	})
}

func (a *API) enableSafeMode(w http.ResponseWriter, r *http.Request) {
	var req EnableSafeModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Actor == "" {
		writeError(w, http.StatusBadRequest, "actor is required")
		return
	}

	err := a.controller.Enable(r.Context(), req.Actor, safemode.EnableOptions{
		Reason:           req.Reason,
		AutoDisableAfter: time.Duration(req.AutoDisableAfterSeconds) * time.Second,
		CustomMessage:    req.CustomMessage,
	})
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) disableSafeMode(w http.ResponseWriter, r *http.Request) {
	var req DisableSafeModeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Actor == "" {
		writeError(w, http.StatusBadRequest, "actor is required")
		return
	}

	stats, err := a.controller.Disable(r.Context(), req.Actor)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *API) listQueuedOrders(w http.ResponseWriter, r *http.Request) {
	limit := defaultLimit(queryInt(r, "limit", 0))
	orders, err := a.controller.DrainQueued(r.Context(), limit)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": orders})
}
