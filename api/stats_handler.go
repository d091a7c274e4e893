package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/khaacho/backstop/dlq"
)

// StatsResponse aggregates control-plane statistics for dashboards.
type StatsResponse struct {
	Jobs     JobCountsResponse `json:"jobs"`
	DLQ      DLQCounts         `json:"dlq"`
	SafeMode bool              `json:"safe_mode_enabled"`
}

// DLQCounts reports dead-letter totals grouped by recovery status.
type DLQCounts struct {
	Pending           int64 `json:"pending"`
	Recovered         int64 `json:"recovered"`
	PermanentlyFailed int64 `json:"permanently_failed"`
	Total             int64 `json:"total"`
}

// PurgeRecordsRequest is the body for POST /v1/idempotency/purge.
type PurgeRecordsRequest struct {
	// OlderThanHours bounds the purge; records created within this window
	// are kept. Defaults to 24 hours.
	OlderThanHours int `json:"older_than_hours,omitempty"`
}

// PurgeRecordsResponse reports how many records the purge removed.
type PurgeRecordsResponse struct {
	Purged int64 `json:"purged"`
}

func (a *API) stats(w http.ResponseWriter, r *http.Request) {
	jobCounts, err := a.collectJobCounts(r)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}

	var dlqCounts DLQCounts
	for _, status := range []dlq.RecoveryStatus{
		dlq.RecoveryPending, dlq.Recovered, dlq.PermanentlyFailed,
	} {
		count, countErr := a.dlqService.Count(r.Context(), dlq.Filter{RecoveryStatus: status})
		if countErr != nil {
			a.writeStoreError(w, countErr)
			return
		}
		switch status {
		case dlq.RecoveryPending:
			dlqCounts.Pending = count
		case dlq.Recovered:
			dlqCounts.Recovered = count
		case dlq.PermanentlyFailed:
			dlqCounts.PermanentlyFailed = count
		}
	}
	total, err := a.dlqService.Count(r.Context(), dlq.Filter{})
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	dlqCounts.Total = total

	writeJSON(w, http.StatusOK, StatsResponse{
		Jobs:     jobCounts,
		DLQ:      dlqCounts,
		SafeMode: a.controller.IsEnabled(r.Context()),
	})
}

func (a *API) purgeRecords(w http.ResponseWriter, r *http.Request) {
	req := PurgeRecordsRequest{OlderThanHours: 24}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
	}
	if req.OlderThanHours <= 0 {
		req.OlderThanHours = 24
	}

	purged, err := a.gate.PurgeOlderThan(r.Context(), time.Duration(req.OlderThanHours)*time.Hour)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PurgeRecordsResponse{Purged: purged})
}
