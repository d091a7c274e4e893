package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/khaacho/backstop/id"
	"github.com/khaacho/backstop/retry"
)

// JobCountsResponse reports job totals grouped by status.
type JobCountsResponse struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Total     int64 `json:"total"`
}

func (a *API) listJobs(w http.ResponseWriter, r *http.Request) {
	status := retry.Status(r.URL.Query().Get("status"))
	opts := retry.ListOpts{
		Limit:  defaultLimit(queryInt(r, "limit", 0)),
		Offset: queryInt(r, "offset", 0),
		Queue:  r.URL.Query().Get("queue"),
	}

	jobs, err := a.jobs.ListJobs(r.Context(), status, opts)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

func (a *API) getJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := id.ParseWithPrefix(chi.URLParam(r, "jobId"), id.PrefixJob)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid job ID")
		return
	}

	j, err := a.jobs.GetJob(r.Context(), jobID)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (a *API) jobCounts(w http.ResponseWriter, r *http.Request) {
	counts, err := a.collectJobCounts(r)
	if err != nil {
		a.writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, counts)
}

func (a *API) collectJobCounts(r *http.Request) (JobCountsResponse, error) {
	var counts JobCountsResponse

	for _, status := range []retry.Status{
		retry.StatusActive, retry.StatusCompleted, retry.StatusFailed,
	} {
		count, err := a.jobs.CountJobs(r.Context(), status)
		if err != nil {
			return counts, err
		}
		switch status {
		case retry.StatusActive:
			counts.Active = count
		case retry.StatusCompleted:
			counts.Completed = count
		case retry.StatusFailed:
			counts.Failed = count
		}
	}

	total, err := a.jobs.CountJobs(r.Context(), "")
	if err != nil {
		return counts, err
	}
	counts.Total = total
	return counts, nil
}
