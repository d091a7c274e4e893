package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/khaacho/backstop/dlq"
	"github.com/khaacho/backstop/id"
)

// MarkEntryFailedRequest is the body for POST /v1/dlq/{entryId}/fail.
type MarkEntryFailedRequest struct {
	Reason string `json:"reason"`
}

// EntryNotesRequest is the body for PUT /v1/dlq/{entryId}/notes.
type EntryNotesRequest struct {
	Notes string `json:"notes"`
}

// AssignEntryRequest is the body for PUT /v1/dlq/{entryId}/assign.
type AssignEntryRequest struct {
	Operator string `json:"operator"`
}

func (a *API) listEntries(w http.ResponseWriter, r *http.Request) {
	filter := dlq.Filter{
		RecoveryStatus: dlq.RecoveryStatus(r.URL.Query().Get("status")),
		Queue:          r.URL.Query().Get("queue"),
		AssignedTo:     r.URL.Query().Get("assigned_to"),
	}
	opts := dlq.ListOpts{
		Limit:  defaultLimit(queryInt(r, "limit", 0)),
		Offset: queryInt(r, "offset", 0),
	}

	entries, err := a.dlqService.List(r.Context(), filter, opts)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func (a *API) countEntries(w http.ResponseWriter, r *http.Request) {
	filter := dlq.Filter{
		RecoveryStatus: dlq.RecoveryStatus(r.URL.Query().Get("status")),
		Queue:          r.URL.Query().Get("queue"),
		AssignedTo:     r.URL.Query().Get("assigned_to"),
	}
	count, err := a.dlqService.Count(r.Context(), filter)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"count": count})
}

func (a *API) getEntry(w http.ResponseWriter, r *http.Request) {
	entryID, ok := a.entryIDParam(w, r)
	if !ok {
		return
	}

	entry, err := a.dlqService.Get(r.Context(), entryID)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (a *API) retryEntry(w http.ResponseWriter, r *http.Request) {
	entryID, ok := a.entryIDParam(w, r)
	if !ok {
		return
	}

	resub, err := a.dlqService.Retry(r.Context(), entryID)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resub)
}

func (a *API) markEntryRecovered(w http.ResponseWriter, r *http.Request) {
	entryID, ok := a.entryIDParam(w, r)
	if !ok {
		return
	}

	if err := a.dlqService.MarkRecovered(r.Context(), entryID); err != nil {
		a.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) markEntryFailed(w http.ResponseWriter, r *http.Request) {
	entryID, ok := a.entryIDParam(w, r)
	if !ok {
		return
	}

	var req MarkEntryFailedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Reason == "" {
		writeError(w, http.StatusBadRequest, "reason is required")
		return
	}

	if err := a.dlqService.MarkPermanentlyFailed(r.Context(), entryID, req.Reason); err != nil {
		a.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) updateEntryNotes(w http.ResponseWriter, r *http.Request) {
	entryID, ok := a.entryIDParam(w, r)
	if !ok {
		return
	}

	var req EntryNotesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if err := a.dlqService.UpdateNotes(r.Context(), entryID, req.Notes); err != nil {
		a.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) assignEntry(w http.ResponseWriter, r *http.Request) {
	entryID, ok := a.entryIDParam(w, r)
	if !ok {
		return
	}

	var req AssignEntryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Operator == "" {
		writeError(w, http.StatusBadRequest, "operator is required")
		return
	}

	if err := a.dlqService.Assign(r.Context(), entryID, req.Operator); err != nil {
		a.writeStoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) entryIDParam(w http.ResponseWriter, r *http.Request) (id.DLQID, bool) {
	entryID, err := id.ParseWithPrefix(chi.URLParam(r, "entryId"), id.PrefixDLQ)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid dead-letter entry ID")
		return id.Nil, false
	}
	return entryID, true
}
