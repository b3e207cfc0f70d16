package scheduler

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"detectorpoll/internal/invoke"
	"detectorpoll/internal/job"
	"detectorpoll/internal/template"
	logx "detectorpoll/pkg/logx"
)

// runner owns one job's loop. Its state is only written by its own methods
// and read through snapshot().
type runner struct {
	spec    job.Spec
	timeout time.Duration

	invoker       Invoker
	renderer      Renderer
	results       ResultSink
	events        EventSink
	clock         Clock
	rnd           template.RandomSource
	recordTimeout time.Duration
	log           logx.Logger

	// failLog throttles per-attempt failure warnings; the rest go to debug.
	failLog *rate.Limiter

	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	state job.RuntimeState
}

func (r *runner) snapshot() job.RuntimeState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Clone()
}

func (r *runner) live() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Status.Live()
}

// requestStop moves a live runner to Stopping and signals its loop. It is a
// no-op for a runner that already stopped.
func (r *runner) requestStop() bool {
	r.mu.Lock()
	if r.state.Status.Terminal() {
		r.mu.Unlock()
		return false
	}
	changed := r.state.Status != job.Stopping
	r.state.Status = job.Stopping
	st := r.state.Clone()
	r.mu.Unlock()

	r.cancel()
	if changed {
		r.log.Info("job stopping")
		r.events.PublishStatus(r.spec.ID, st)
	}
	return true
}

func (r *runner) run(ctx context.Context) {
	defer close(r.done)
	defer r.cancel()
	defer func() {
		if p := recover(); p != nil {
			r.fail(errors.Newf("runner panic: %v", p), string(debug.Stack()))
		}
	}()

	if !r.begin() {
		r.finish(job.ReasonStopped)
		return
	}

	for {
		// Cancellation wins over starting another iteration.
		if ctx.Err() != nil {
			r.finish(job.ReasonStopped)
			return
		}
		iteration := r.completed() + 1
		if r.spec.Bounded() && iteration > r.spec.MaxIterations {
			r.finish(job.ReasonCapReached)
			return
		}

		res := r.attempt(ctx, iteration)
		r.deliver(ctx, res)
		r.advance(res)

		if r.spec.Bounded() && iteration >= r.spec.MaxIterations {
			r.finish(job.ReasonCapReached)
			return
		}
		if !r.sleep(ctx) {
			r.finish(job.ReasonStopped)
			return
		}
	}
}

// begin moves Idle to Running. It reports false if a stop arrived first.
func (r *runner) begin() bool {
	r.mu.Lock()
	if r.state.Status != job.Idle {
		r.mu.Unlock()
		return false
	}
	r.state.Status = job.Running
	st := r.state.Clone()
	r.mu.Unlock()

	r.log.Info("job started",
		logx.String("endpoint", r.spec.Endpoint),
		logx.Duration("delay", r.spec.Delay),
		logx.Int("max_iterations", r.spec.MaxIterations),
	)
	r.events.PublishStatus(r.spec.ID, st)
	return true
}

func (r *runner) completed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.Iteration
}

// attempt renders and invokes once. The call runs on a context detached from
// stop requests; only its own timeout bounds it.
func (r *runner) attempt(ctx context.Context, iteration int) job.AttemptResult {
	res := job.AttemptResult{
		ID:        uuid.NewString(),
		JobID:     r.spec.ID,
		Iteration: iteration,
	}

	body, err := r.renderer.Render(r.spec.Template, iteration, r.rnd)
	if err != nil {
		msg := err.Error()
		res.Error = &msg
		res.Outcome = job.OutcomeRender
		res.Timestamp = r.clock.Now()
		return res
	}
	res.Request = body

	resp := r.invoker.Invoke(context.WithoutCancel(ctx), invoke.Request{
		Method:              r.spec.EffectiveMethod(),
		Endpoint:            r.spec.Endpoint,
		Body:                body,
		Headers:             r.spec.Headers,
		BearerToken:         r.spec.BearerToken,
		Timeout:             r.timeout,
		TrustAnyCertificate: r.spec.TrustAnyCertificate,
	})
	res.Timestamp = r.clock.Now()
	res.Elapsed = resp.Elapsed
	res.StatusCode = resp.StatusCode
	res.Response = resp.Body
	res.Outcome = resp.Outcome
	res.Success = resp.Success()
	if resp.Err != nil {
		msg := resp.Err.Error()
		res.Error = &msg
	}
	if res.Outcome == "" {
		res.Outcome = job.OutcomeConnection
	}
	return res
}

// deliver hands res to both sinks in order. Neither failure stops the loop.
func (r *runner) deliver(ctx context.Context, res job.AttemptResult) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.recordTimeout)
	err := r.results.Record(rctx, res)
	cancel()
	if err != nil {
		r.log.Warn("result record failed", logx.Int("iteration", res.Iteration), logx.Err(err))
	}
	r.events.Publish(r.spec.ID, res)
}

func (r *runner) advance(res job.AttemptResult) {
	r.mu.Lock()
	r.state.Iteration = res.Iteration
	at := res.Timestamp
	r.state.LastAttemptAt = &at
	if res.StatusCode != nil {
		code := *res.StatusCode
		r.state.LastStatusCode = &code
	} else {
		r.state.LastStatusCode = nil
	}
	if res.Success {
		r.state.SuccessCount++
	} else {
		r.state.FailureCount++
	}
	st := r.state.Clone()
	r.mu.Unlock()

	fields := []logx.Field{
		logx.Int("iteration", res.Iteration),
		logx.String("outcome", string(res.Outcome)),
		logx.Duration("elapsed", res.Elapsed),
	}
	if res.StatusCode != nil {
		fields = append(fields, logx.Int("status", *res.StatusCode))
	}
	switch {
	case res.Success:
		r.log.Debug("attempt.completed", fields...)
	case r.failLog.Allow():
		if res.Error != nil {
			fields = append(fields, logx.String("err", *res.Error))
		}
		r.log.Warn("attempt.failed", fields...)
	default:
		r.log.Debug("attempt.failed", fields...)
	}
	r.events.PublishStatus(r.spec.ID, st)
}

// sleep waits for the job delay. It reports false when cancelled.
func (r *runner) sleep(ctx context.Context) bool {
	if ctx.Err() != nil {
		return false
	}
	if r.spec.Delay <= 0 {
		return true
	}
	t := r.clock.NewTimer(r.spec.Delay)
	select {
	case <-ctx.Done():
		t.Stop()
		return false
	case <-t.C():
		return ctx.Err() == nil
	}
}

func (r *runner) finish(reason string) {
	r.mu.Lock()
	if r.state.Status.Terminal() {
		r.mu.Unlock()
		return
	}
	now := r.clock.Now()
	r.state.Status = job.Stopped
	r.state.StopReason = reason
	r.state.StoppedAt = &now
	st := r.state.Clone()
	r.mu.Unlock()

	r.log.Info("job stopped",
		logx.String("reason", reason),
		logx.Int("iterations", st.Iteration),
		logx.Int64("success", st.SuccessCount),
		logx.Int64("failure", st.FailureCount),
	)
	r.events.PublishStatus(r.spec.ID, st)
}

func (r *runner) fail(err error, stack string) {
	r.mu.Lock()
	now := r.clock.Now()
	r.state.Status = job.Failed
	r.state.StopReason = job.ReasonFailed
	r.state.Error = err.Error()
	r.state.StoppedAt = &now
	st := r.state.Clone()
	r.mu.Unlock()

	r.log.Error("job failed", logx.Err(err), logx.Stack(stack))
	func() {
		// The event sink may be what panicked.
		defer func() { _ = recover() }()
		r.events.PublishStatus(r.spec.ID, st)
	}()
}
