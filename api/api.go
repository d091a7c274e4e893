// Package api provides the HTTP surface for Backstop: order intake plus
// the operator endpoints for safe mode, the dead-letter store, job
// inspection, and idempotency housekeeping.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/khaacho/backstop"
	"github.com/khaacho/backstop/dlq"
	"github.com/khaacho/backstop/idempotency"
	"github.com/khaacho/backstop/intake"
	"github.com/khaacho/backstop/retry"
	"github.com/khaacho/backstop/safemode"
)

// API wires all HTTP handlers together for the backstop control plane.
type API struct {
	pipeline   *intake.Pipeline
	gate       *idempotency.Gate
	jobs       retry.Store
	dlqService *dlq.Service
	controller *safemode.Controller
	logger     *slog.Logger
}

// New creates an API over the assembled control-plane services. jobs is
// the job store used for read-only inspection endpoints.
func New(
	pipeline *intake.Pipeline,
	gate *idempotency.Gate,
	jobs retry.Store,
	dlqService *dlq.Service,
	controller *safemode.Controller,
	logger *slog.Logger,
) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		pipeline:   pipeline,
		gate:       gate,
		jobs:       jobs,
		dlqService: dlqService,
		controller: controller,
		logger:     logger,
	}
}

// Handler returns the fully assembled http.Handler with all routes.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	a.RegisterRoutes(r)
	return r
}

// RegisterRoutes registers all backstop routes into the given chi router.
func (a *API) RegisterRoutes(r chi.Router) {
	r.Get("/healthz", a.health)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/orders", a.submitOrder)

		r.Route("/safemode", func(r chi.Router) {
			r.Get("/", a.safeModeStatus)
			r.Post("/enable", a.enableSafeMode)
			r.Post("/disable", a.disableSafeMode)
			r.Get("/queued", a.listQueuedOrders)
		})

		r.Route("/dlq", func(r chi.Router) {
			r.Get("/", a.listEntries)
			r.Get("/count", a.countEntries)
			r.Get("/{entryId}", a.getEntry)
			r.Post("/{entryId}/retry", a.retryEntry)
			r.Post("/{entryId}/recovered", a.markEntryRecovered)
			r.Post("/{entryId}/fail", a.markEntryFailed)
			r.Put("/{entryId}/notes", a.updateEntryNotes)
			r.Put("/{entryId}/assign", a.assignEntry)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Get("/", a.listJobs)
			r.Get("/counts", a.jobCounts)
			r.Get("/{jobId}", a.getJob)
		})

		r.Post("/idempotency/purge", a.purgeRecords)
		r.Get("/stats", a.stats)
	})
}

func (a *API) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// ── helpers ──

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v) //nolint:errcheck // response already committed
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

// writeStoreError maps the sentinel error catalog onto HTTP statuses.
func (a *API) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, backstop.ErrRecordNotFound),
		errors.Is(err, backstop.ErrJobNotFound),
		errors.Is(err, backstop.ErrEntryNotFound),
		errors.Is(err, backstop.ErrOrderNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, backstop.ErrKeyRequired):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, backstop.ErrRecordExists),
		errors.Is(err, backstop.ErrEntryExists),
		errors.Is(err, backstop.ErrAlreadyProcessing),
		errors.Is(err, backstop.ErrVersionConflict),
		errors.Is(err, backstop.ErrInvalidState),
		errors.Is(err, backstop.ErrEntryTerminal):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, backstop.ErrRecoveryExhausted):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		a.logger.Error("request failed", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// queryInt reads an integer query parameter, falling back on absence or
// garbage.
func queryInt(r *http.Request, name string, fallback int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

// defaultLimit caps list endpoints at a sane page size.
func defaultLimit(limit int) int {
	if limit <= 0 || limit > 100 {
		return 100
	}
	return limit
}
