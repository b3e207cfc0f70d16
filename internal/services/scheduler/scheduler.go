package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"golang.org/x/time/rate"

	"detectorpoll/internal/job"
	"detectorpoll/internal/runtime/supervisor"
	"detectorpoll/internal/template"
	logx "detectorpoll/pkg/logx"
)

// Scheduler tracks at most one live runner per job id. All methods are safe
// for concurrent use and return without waiting on loop progress.
type Scheduler struct {
	invoker        Invoker
	renderer       Renderer
	results        ResultSink
	events         EventSink
	clock          Clock
	random         RandomFactory
	defaultTimeout time.Duration
	recordTimeout  time.Duration
	log            logx.Logger

	sup *supervisor.Supervisor

	mu      sync.Mutex
	runners map[string]*runner
	closed  bool
}

func New(inv Invoker, opts ...Option) *Scheduler {
	s := &Scheduler{
		invoker:        inv,
		results:        nopResultSink{},
		events:         nopEventSink{},
		clock:          realClock{},
		random:         SeededRandom,
		defaultTimeout: defaultInvokeTimeout,
		recordTimeout:  defaultRecordTimeout,
		runners:        map[string]*runner{},
	}
	for _, o := range opts {
		o(s)
	}
	if s.log.IsZero() {
		s.log = logx.Nop()
	}
	if s.renderer == nil {
		s.renderer = template.New(template.WithClock(s.clock.Now))
	}
	s.sup = supervisor.New(context.Background(), supervisor.WithLogger(s.log))
	return s
}

// Start spawns a runner for spec. It fails with ErrAlreadyRunning while a live
// runner owns spec.ID, and with ErrInvalidSpec before spawning anything.
func (s *Scheduler) Start(spec job.Spec) error {
	_, err := s.start(spec, false)
	return err
}

// start reports skipped=true instead of ErrAlreadyRunning when skipLive is set.
// The liveness check and the spawn share one critical section.
func (s *Scheduler) start(spec job.Spec, skipLive bool) (skipped bool, err error) {
	if err := spec.Validate(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, ErrClosed
	}
	if r, ok := s.runners[spec.ID]; ok && r.live() {
		if skipLive {
			return true, nil
		}
		return false, errors.Wrapf(ErrAlreadyRunning, "job %s", spec.ID)
	}

	now := s.clock.Now()
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = s.defaultTimeout
	}
	ctx, cancel := context.WithCancel(s.sup.Context())
	r := &runner{
		spec:          spec,
		timeout:       timeout,
		invoker:       s.invoker,
		renderer:      s.renderer,
		results:       s.results,
		events:        s.events,
		clock:         s.clock,
		rnd:           s.random(spec, now),
		recordTimeout: s.recordTimeout,
		log:           s.log.With(logx.String("job", spec.ID)),
		failLog:       rate.NewLimiter(rate.Every(30*time.Second), 3),
		cancel:        cancel,
		done:          make(chan struct{}),
		state:         job.RuntimeState{JobID: spec.ID, Status: job.Idle, StartedAt: now},
	}
	s.runners[spec.ID] = r
	s.sup.Go0("job:"+spec.ID, func(context.Context) { r.run(ctx) })
	return false, nil
}

// Stop signals the live runner for jobID. It fails with ErrNotFound when there
// is none and has no other effect in that case.
func (s *Scheduler) Stop(jobID string) error {
	s.mu.Lock()
	r, ok := s.runners[jobID]
	s.mu.Unlock()
	if !ok || !r.requestStop() {
		return errors.Wrapf(ErrNotFound, "job %s", jobID)
	}
	return nil
}

// StopAll signals every live runner. It never fails.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	rs := make([]*runner, 0, len(s.runners))
	for _, r := range s.runners {
		rs = append(rs, r)
	}
	s.mu.Unlock()

	for _, r := range rs {
		r.requestStop()
	}
}

// StartAll starts every spec whose id is not already running. Live ids are
// skipped; other failures are collected instead of stopping at the first one.
func (s *Scheduler) StartAll(specs []job.Spec) StartAllResult {
	var res StartAllResult
	for _, spec := range specs {
		skipped, err := s.start(spec, true)
		switch {
		case err != nil:
			res.AddFailure(spec.ID, err)
		case skipped:
			res.Skipped = append(res.Skipped, spec.ID)
		default:
			res.Started = append(res.Started, spec.ID)
		}
	}
	if len(res.Failures) > 0 {
		s.log.Warn("start all: some jobs did not start",
			logx.Int("started", len(res.Started)),
			logx.Int("skipped", len(res.Skipped)),
			logx.Int("failed", len(res.Failures)),
		)
	}
	return res
}

// Status returns a copy of the job's runtime state. Terminal states stay
// visible until the id is started again.
func (s *Scheduler) Status(jobID string) (job.RuntimeState, bool) {
	s.mu.Lock()
	r, ok := s.runners[jobID]
	s.mu.Unlock()
	if !ok {
		return job.RuntimeState{}, false
	}
	return r.snapshot(), true
}

// List returns copies of every known job state, sorted by id.
func (s *Scheduler) List() []job.RuntimeState {
	s.mu.Lock()
	rs := make([]*runner, 0, len(s.runners))
	for _, r := range s.runners {
		rs = append(rs, r)
	}
	s.mu.Unlock()

	out := make([]job.RuntimeState, 0, len(rs))
	for _, r := range rs {
		out = append(out, r.snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].JobID < out[j].JobID })
	return out
}

// Wait blocks until the current runner for jobID exits or ctx ends.
func (s *Scheduler) Wait(ctx context.Context, jobID string) (job.RuntimeState, error) {
	s.mu.Lock()
	r, ok := s.runners[jobID]
	s.mu.Unlock()
	if !ok {
		return job.RuntimeState{}, errors.Wrapf(ErrNotFound, "job %s", jobID)
	}
	select {
	case <-r.done:
		return r.snapshot(), nil
	case <-ctx.Done():
		return r.snapshot(), ctx.Err()
	}
}

// Snapshot exposes per-runner goroutine stats.
func (s *Scheduler) Snapshot() supervisor.Snapshot { return s.sup.Snapshot() }

// Close stops every runner, rejects further starts, and waits for the loops
// to exit or ctx to end.
func (s *Scheduler) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.StopAll()
	return s.sup.Wait(ctx)
}
