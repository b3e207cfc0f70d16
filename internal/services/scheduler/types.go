package scheduler

import (
	"context"
	"hash/fnv"
	"time"

	"detectorpoll/internal/invoke"
	"detectorpoll/internal/job"
	"detectorpoll/internal/template"
	logx "detectorpoll/pkg/logx"
)

// Invoker performs one bounded call. *invoke.Client satisfies it.
type Invoker interface {
	Invoke(ctx context.Context, req invoke.Request) invoke.Response
}

// Renderer produces a request body. *template.Renderer satisfies it.
type Renderer interface {
	Render(tmpl string, iteration int, rnd template.RandomSource) (string, error)
}

// ResultSink durably appends attempt results. Failures are logged, never fatal.
type ResultSink interface {
	Record(ctx context.Context, res job.AttemptResult) error
}

// EventSink fans results and status transitions out to live observers.
// Delivery is best-effort.
type EventSink interface {
	Publish(jobID string, res job.AttemptResult)
	PublishStatus(jobID string, st job.RuntimeState)
}

// Clock abstracts time for runners.
type Clock interface {
	Now() time.Time
	NewTimer(d time.Duration) Timer
}

type Timer interface {
	C() <-chan time.Time
	Stop() bool
}

// RandomFactory returns the template random source for one run of spec.
type RandomFactory func(spec job.Spec, now time.Time) template.RandomSource

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

func (realClock) NewTimer(d time.Duration) Timer { return realTimer{time.NewTimer(d)} }

type realTimer struct{ t *time.Timer }

func (t realTimer) C() <-chan time.Time { return t.t.C }
func (t realTimer) Stop() bool          { return t.t.Stop() }

// SeededRandom uses spec.Seed when set, otherwise a seed derived from the
// start time and job id so concurrent jobs never share a sequence.
func SeededRandom(spec job.Spec, now time.Time) template.RandomSource {
	if spec.Seed != 0 {
		return template.NewRandom(spec.Seed)
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(spec.ID))
	return template.NewRandom(now.UnixNano() ^ int64(h.Sum64()))
}

type nopResultSink struct{}

func (nopResultSink) Record(context.Context, job.AttemptResult) error { return nil }

type nopEventSink struct{}

func (nopEventSink) Publish(string, job.AttemptResult)     {}
func (nopEventSink) PublishStatus(string, job.RuntimeState) {}

const (
	defaultInvokeTimeout = 30 * time.Second
	defaultRecordTimeout = 5 * time.Second
)

type Option func(*Scheduler)

func WithLogger(log logx.Logger) Option { return func(s *Scheduler) { s.log = log } }

func WithResultSink(sink ResultSink) Option {
	return func(s *Scheduler) {
		if sink != nil {
			s.results = sink
		}
	}
}

func WithEventSink(sink EventSink) Option {
	return func(s *Scheduler) {
		if sink != nil {
			s.events = sink
		}
	}
}

func WithRenderer(r Renderer) Option {
	return func(s *Scheduler) {
		if r != nil {
			s.renderer = r
		}
	}
}

func WithClock(c Clock) Option {
	return func(s *Scheduler) {
		if c != nil {
			s.clock = c
		}
	}
}

func WithRandomFactory(f RandomFactory) Option {
	return func(s *Scheduler) {
		if f != nil {
			s.random = f
		}
	}
}

// WithDefaultTimeout bounds calls for specs that carry no timeout of their own.
func WithDefaultTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.defaultTimeout = d
		}
	}
}

// WithRecordTimeout bounds each ResultSink.Record call.
func WithRecordTimeout(d time.Duration) Option {
	return func(s *Scheduler) {
		if d > 0 {
			s.recordTimeout = d
		}
	}
}
