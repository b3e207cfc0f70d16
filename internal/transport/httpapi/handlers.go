package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/cockroachdb/errors"

	"detectorpoll/internal/job"
	"detectorpoll/internal/runtime/supervisor"
	"detectorpoll/internal/services/scheduler"
	logx "detectorpoll/pkg/logx"
)

// Scheduler is the control surface the API drives. *scheduler.Scheduler
// satisfies it.
type Scheduler interface {
	Start(spec job.Spec) error
	Stop(jobID string) error
	StopAll()
	StartAll(specs []job.Spec) scheduler.StartAllResult
	Status(jobID string) (job.RuntimeState, bool)
	List() []job.RuntimeState
	Snapshot() supervisor.Snapshot
}

// Catalog resolves configured jobs. ActiveSpecs returns the entries that
// resolved plus a per-id error for those that did not.
type Catalog interface {
	Spec(id string) (job.Spec, error)
	ActiveSpecs() ([]job.Spec, map[string]error)
}

// Results reads recorded attempts.
type Results interface {
	Recent(ctx context.Context, jobID string, limit int) ([]job.AttemptResult, error)
}

// ErrUnknownJob is returned by a Catalog for ids it does not hold.
var ErrUnknownJob = errors.New("job not in catalog")

const (
	defaultResultLimit = 50
	maxResultLimit     = 500
	resultsTimeout     = 5 * time.Second
)

type handlers struct {
	sched   Scheduler
	catalog Catalog
	results Results
	log     logx.Logger
	started time.Time
}

func (h *handlers) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

func (h *handlers) list(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.List())
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	st, ok := h.sched.Status(id)
	if !ok {
		writeError(w, errors.Wrapf(scheduler.ErrNotFound, "job %s", id))
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (h *handlers) start(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	spec, err := h.catalog.Spec(id)
	if err == nil {
		err = h.sched.Start(spec)
	}
	if err != nil {
		h.log.Debug("start rejected", logx.String("job", id), logx.Err(err))
		writeError(w, err)
		return
	}
	h.log.Info("job start requested", logx.String("job", id), logx.String("remote", r.RemoteAddr))
	st, _ := h.sched.Status(id)
	writeJSON(w, http.StatusAccepted, st)
}

func (h *handlers) stop(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := h.sched.Stop(id); err != nil {
		writeError(w, err)
		return
	}
	h.log.Info("job stop requested", logx.String("job", id), logx.String("remote", r.RemoteAddr))
	st, _ := h.sched.Status(id)
	writeJSON(w, http.StatusAccepted, st)
}

type startAllResponse struct {
	Started []string          `json:"started"`
	Skipped []string          `json:"skipped"`
	Failed  map[string]string `json:"failed,omitempty"`
}

func (h *handlers) startAll(w http.ResponseWriter, _ *http.Request) {
	specs, unresolved := h.catalog.ActiveSpecs()
	res := h.sched.StartAll(specs)
	for id, err := range unresolved {
		res.AddFailure(id, err)
	}

	resp := startAllResponse{Started: []string{}, Skipped: []string{}}
	resp.Started = append(resp.Started, res.Started...)
	resp.Skipped = append(resp.Skipped, res.Skipped...)
	if len(res.Failures) > 0 {
		resp.Failed = make(map[string]string, len(res.Failures))
		for id, ferr := range res.Failures {
			resp.Failed[id] = ferr.Error()
		}
	}
	h.log.Info("start all requested",
		logx.Int("started", len(resp.Started)),
		logx.Int("skipped", len(resp.Skipped)),
		logx.Int("failed", len(resp.Failed)),
	)
	writeJSON(w, http.StatusAccepted, resp)
}

func (h *handlers) stopAll(w http.ResponseWriter, _ *http.Request) {
	h.sched.StopAll()
	h.log.Info("stop all requested")
	writeJSON(w, http.StatusAccepted, h.sched.List())
}

func (h *handlers) recent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	limit := defaultResultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a positive integer"})
			return
		}
		limit = min(n, maxResultLimit)
	}
	if h.results == nil {
		writeJSON(w, http.StatusOK, []job.AttemptResult{})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), resultsTimeout)
	defer cancel()
	rs, err := h.results.Recent(ctx, id, limit)
	if err != nil {
		h.log.Warn("recent results failed", logx.String("job", id), logx.Err(err))
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: "results unavailable"})
		return
	}
	if rs == nil {
		rs = []job.AttemptResult{}
	}
	writeJSON(w, http.StatusOK, rs)
}

func (h *handlers) runners(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.Snapshot())
}

type errorBody struct {
	Error string `json:"error"`
	Hint  string `json:"hint,omitempty"`
}

// statusFor maps domain errors to HTTP codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, scheduler.ErrAlreadyRunning):
		return http.StatusConflict
	case errors.Is(err, scheduler.ErrNotFound), errors.Is(err, ErrUnknownJob):
		return http.StatusNotFound
	case errors.Is(err, scheduler.ErrInvalidSpec):
		return http.StatusBadRequest
	case errors.Is(err, scheduler.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, err error) {
	body := errorBody{Error: err.Error()}
	if hints := errors.GetAllHints(err); len(hints) > 0 {
		body.Hint = hints[0]
	}
	writeJSON(w, statusFor(err), body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
