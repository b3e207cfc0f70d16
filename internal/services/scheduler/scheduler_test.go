package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"detectorpoll/internal/invoke"
	"detectorpoll/internal/job"
	"detectorpoll/internal/template"
)

type fakeInvoker struct {
	calls atomic.Int64
	fn    func(req invoke.Request) invoke.Response
}

func (f *fakeInvoker) Invoke(_ context.Context, req invoke.Request) invoke.Response {
	f.calls.Add(1)
	if f.fn != nil {
		return f.fn(req)
	}
	return okResponse()
}

func okResponse() invoke.Response {
	code, body := 200, `{"ok":true}`
	return invoke.Response{StatusCode: &code, Body: &body, Elapsed: time.Millisecond, Outcome: job.OutcomeOK}
}

type recordingSink struct {
	mu      sync.Mutex
	results []job.AttemptResult
	err     error
}

func (r *recordingSink) Record(_ context.Context, res job.AttemptResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, res)
	return r.err
}

func (r *recordingSink) snapshot() []job.AttemptResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]job.AttemptResult(nil), r.results...)
}

type statusLog struct {
	mu       sync.Mutex
	statuses []job.Status
	results  int
}

func (s *statusLog) Publish(string, job.AttemptResult) {
	s.mu.Lock()
	s.results++
	s.mu.Unlock()
}

func (s *statusLog) PublishStatus(_ string, st job.RuntimeState) {
	s.mu.Lock()
	s.statuses = append(s.statuses, st.Status)
	s.mu.Unlock()
}

func spec(id string, max int, delay time.Duration) job.Spec {
	return job.Spec{
		ID:            id,
		Endpoint:      "http://detector.local/score",
		Template:      `{"iteration":{{iteration}}}`,
		Delay:         delay,
		MaxIterations: max,
		Active:        true,
		Seed:          7,
	}
}

func waitDone(t *testing.T, s *Scheduler, id string) job.RuntimeState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	st, err := s.Wait(ctx, id)
	require.NoError(t, err)
	return st
}

func closeOnCleanup(t *testing.T, s *Scheduler) {
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.Close(ctx)
	})
}

func TestCapProducesExactlyNResults(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{}
	sink := &recordingSink{}
	s := New(inv, WithResultSink(sink))
	closeOnCleanup(t, s)

	require.NoError(t, s.Start(spec("cap", 5, 0)))
	st := waitDone(t, s, "cap")

	assert.Equal(t, job.Stopped, st.Status)
	assert.Equal(t, job.ReasonCapReached, st.StopReason)
	assert.Equal(t, 5, st.Iteration)
	assert.EqualValues(t, 5, st.SuccessCount)
	assert.EqualValues(t, 0, st.FailureCount)
	require.NotNil(t, st.LastStatusCode)
	assert.Equal(t, 200, *st.LastStatusCode)
	assert.NotNil(t, st.StoppedAt)

	results := sink.snapshot()
	require.Len(t, results, 5)
	assert.EqualValues(t, 5, inv.calls.Load())
	for i, res := range results {
		assert.Equal(t, i+1, res.Iteration, "results must arrive in iteration order")
		assert.Equal(t, "cap", res.JobID)
		assert.True(t, res.Success)
		assert.NotEmpty(t, res.ID)
	}
	assert.JSONEq(t, `{"iteration":3}`, results[2].Request)
}

func TestStopUnboundedJob(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{}
	s := New(&fakeInvoker{}, WithResultSink(sink))
	closeOnCleanup(t, s)

	require.NoError(t, s.Start(spec("forever", job.Unbounded, 5*time.Millisecond)))
	require.Eventually(t, func() bool { return len(sink.snapshot()) >= 2 }, 2*time.Second, time.Millisecond)

	require.NoError(t, s.Stop("forever"))
	st := waitDone(t, s, "forever")
	assert.Equal(t, job.Stopped, st.Status)
	assert.Equal(t, job.ReasonStopped, st.StopReason)

	n := len(sink.snapshot())
	assert.Equal(t, st.Iteration, n)
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, sink.snapshot(), n, "no results after the runner stopped")
}

func TestStopInterruptsLongDelay(t *testing.T) {
	t.Parallel()

	s := New(&fakeInvoker{})
	closeOnCleanup(t, s)

	require.NoError(t, s.Start(spec("sleepy", job.Unbounded, time.Hour)))
	require.Eventually(t, func() bool {
		st, _ := s.Status("sleepy")
		return st.Iteration == 1
	}, 2*time.Second, time.Millisecond)

	begin := time.Now()
	require.NoError(t, s.Stop("sleepy"))
	st := waitDone(t, s, "sleepy")
	assert.Less(t, time.Since(begin), time.Second)
	assert.Equal(t, job.Stopped, st.Status)
	assert.Equal(t, 1, st.Iteration)
}

func TestDoubleStartRejected(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{}
	s := New(inv)
	closeOnCleanup(t, s)

	sp := spec("dup", job.Unbounded, time.Hour)
	require.NoError(t, s.Start(sp))
	err := s.Start(sp)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAlreadyRunning), "err=%v", err)

	require.Eventually(t, func() bool { return inv.calls.Load() == 1 }, 2*time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, inv.calls.Load(), "only one runner may invoke")
	assert.Len(t, s.List(), 1)
}

func TestStopUnknownJob(t *testing.T) {
	t.Parallel()

	s := New(&fakeInvoker{})
	closeOnCleanup(t, s)

	err := s.Stop("ghost")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	_, ok := s.Status("ghost")
	assert.False(t, ok)
	assert.Empty(t, s.List())
}

func TestStopAfterCapIsNotFound(t *testing.T) {
	t.Parallel()

	s := New(&fakeInvoker{})
	closeOnCleanup(t, s)

	require.NoError(t, s.Start(spec("done", 1, 0)))
	waitDone(t, s, "done")

	err := s.Stop("done")
	assert.True(t, errors.Is(err, ErrNotFound), "err=%v", err)
	st, ok := s.Status("done")
	require.True(t, ok, "terminal state stays visible")
	assert.Equal(t, job.ReasonCapReached, st.StopReason)
}

func TestRestartAfterTerminal(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{}
	s := New(inv)
	closeOnCleanup(t, s)

	require.NoError(t, s.Start(spec("again", 2, 0)))
	waitDone(t, s, "again")
	require.NoError(t, s.Start(spec("again", 3, 0)))
	st := waitDone(t, s, "again")

	assert.Equal(t, 3, st.Iteration, "a fresh start resets counters")
	assert.EqualValues(t, 3, st.SuccessCount)
	assert.EqualValues(t, 5, inv.calls.Load())
}

func TestTimeoutsCountAsFailures(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{fn: func(req invoke.Request) invoke.Response {
		return invoke.Response{
			Elapsed: req.Timeout,
			Err:     context.DeadlineExceeded,
			Outcome: job.OutcomeTimeout,
		}
	}}
	sink := &recordingSink{}
	s := New(inv, WithResultSink(sink), WithDefaultTimeout(50*time.Millisecond))
	closeOnCleanup(t, s)

	require.NoError(t, s.Start(spec("slow", 3, 0)))
	st := waitDone(t, s, "slow")

	assert.Equal(t, job.Stopped, st.Status, "timeouts never fail the job")
	assert.EqualValues(t, 3, st.FailureCount)
	assert.EqualValues(t, 0, st.SuccessCount)
	assert.Nil(t, st.LastStatusCode)

	for _, res := range sink.snapshot() {
		assert.Equal(t, job.OutcomeTimeout, res.Outcome)
		assert.False(t, res.Success)
		require.NotNil(t, res.Error)
		assert.Nil(t, res.StatusCode)
	}
}

func TestSpecTimeoutOverridesDefault(t *testing.T) {
	t.Parallel()

	var seen atomic.Int64
	inv := &fakeInvoker{fn: func(req invoke.Request) invoke.Response {
		seen.Store(int64(req.Timeout))
		return okResponse()
	}}
	s := New(inv, WithDefaultTimeout(time.Second))
	closeOnCleanup(t, s)

	sp := spec("custom", 1, 0)
	sp.Timeout = 250 * time.Millisecond
	require.NoError(t, s.Start(sp))
	waitDone(t, s, "custom")
	assert.EqualValues(t, 250*time.Millisecond, seen.Load())
}

func TestStartAllReportsFailures(t *testing.T) {
	t.Parallel()

	s := New(&fakeInvoker{})
	closeOnCleanup(t, s)

	bad := spec("bad", 1, 0)
	bad.Endpoint = "not a url"
	res := s.StartAll([]job.Spec{spec("a", 1, 0), bad, spec("b", 1, 0)})
	assert.ElementsMatch(t, []string{"a", "b"}, res.Started)
	assert.Empty(t, res.Skipped)
	require.Contains(t, res.Failures, "bad")
	assert.True(t, errors.Is(res.Failures["bad"], ErrInvalidSpec))

	err := res.Err()
	var sae *StartAllError
	require.True(t, errors.As(err, &sae))
	assert.Contains(t, err.Error(), "bad")

	for _, id := range []string{"a", "b"} {
		st := waitDone(t, s, id)
		assert.Equal(t, job.Stopped, st.Status)
	}
	_, ok := s.Status("bad")
	assert.False(t, ok)
}

func TestStartAllAllGood(t *testing.T) {
	t.Parallel()

	s := New(&fakeInvoker{})
	closeOnCleanup(t, s)
	assert.NoError(t, s.StartAll([]job.Spec{spec("x", 1, 0), spec("y", 1, 0)}).Err())
}

func TestStartAllSkipsRunning(t *testing.T) {
	t.Parallel()

	s := New(&fakeInvoker{})
	closeOnCleanup(t, s)

	require.NoError(t, s.Start(spec("a", job.Unbounded, time.Hour)))
	res := s.StartAll([]job.Spec{spec("a", job.Unbounded, time.Hour), spec("b", 1, 0)})

	assert.Equal(t, []string{"a"}, res.Skipped)
	assert.Equal(t, []string{"b"}, res.Started)
	assert.Empty(t, res.Failures)
	assert.NoError(t, res.Err())

	st, ok := s.Status("a")
	require.True(t, ok)
	assert.NotEqual(t, job.Stopped, st.Status)
	assert.Equal(t, job.Stopped, waitDone(t, s, "b").Status)
}

func TestStartAllKeepsEveryFailure(t *testing.T) {
	t.Parallel()

	s := New(&fakeInvoker{})
	closeOnCleanup(t, s)

	noID := spec("", 1, 0)
	dup := spec("dup", 1, 0)
	dup.Endpoint = "not a url"
	res := s.StartAll([]job.Spec{noID, noID, dup, dup})

	assert.Empty(t, res.Started)
	require.Len(t, res.Failures, 4)
	for _, key := range []string{"<empty>", "<empty>#2", "dup", "dup#2"} {
		require.Contains(t, res.Failures, key)
		assert.True(t, errors.Is(res.Failures[key], ErrInvalidSpec), key)
	}
}

type fixedClock struct{ at time.Time }

func (c fixedClock) Now() time.Time                 { return c.at }
func (c fixedClock) NewTimer(d time.Duration) Timer { return realTimer{time.NewTimer(d)} }

func TestDefaultRendererUsesClock(t *testing.T) {
	t.Parallel()

	at := time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC)
	sink := &recordingSink{}
	s := New(&fakeInvoker{}, WithClock(fixedClock{at: at}), WithResultSink(sink))
	closeOnCleanup(t, s)

	sp := spec("clock", 1, 0)
	sp.Template = `{"t":"{{timestamp}}"}`
	require.NoError(t, s.Start(sp))
	waitDone(t, s, "clock")

	got := sink.snapshot()
	require.Len(t, got, 1)
	assert.Equal(t, `{"t":"2021-03-04T05:06:07Z"}`, got[0].Request)
}

func TestStopAll(t *testing.T) {
	t.Parallel()

	s := New(&fakeInvoker{})
	closeOnCleanup(t, s)

	for _, id := range []string{"p", "q", "r"} {
		require.NoError(t, s.Start(spec(id, job.Unbounded, time.Hour)))
	}
	s.StopAll()
	for _, id := range []string{"p", "q", "r"} {
		assert.Equal(t, job.Stopped, waitDone(t, s, id).Status)
	}
}

func TestInvokerPanicFailsJob(t *testing.T) {
	t.Parallel()

	events := &statusLog{}
	inv := &fakeInvoker{fn: func(invoke.Request) invoke.Response { panic("wire on fire") }}
	s := New(inv, WithEventSink(events))
	closeOnCleanup(t, s)

	require.NoError(t, s.Start(spec("crash", job.Unbounded, 0)))
	st := waitDone(t, s, "crash")

	assert.Equal(t, job.Failed, st.Status)
	assert.Equal(t, job.ReasonFailed, st.StopReason)
	assert.Contains(t, st.Error, "wire on fire")

	events.mu.Lock()
	defer events.mu.Unlock()
	require.NotEmpty(t, events.statuses)
	assert.Equal(t, job.Failed, events.statuses[len(events.statuses)-1])
}

func TestSinkErrorsDoNotStopLoop(t *testing.T) {
	t.Parallel()

	sink := &recordingSink{err: errors.New("disk full")}
	s := New(&fakeInvoker{}, WithResultSink(sink))
	closeOnCleanup(t, s)

	require.NoError(t, s.Start(spec("lossy", 4, 0)))
	st := waitDone(t, s, "lossy")
	assert.Equal(t, job.Stopped, st.Status)
	assert.Equal(t, 4, st.Iteration)
	assert.Len(t, sink.snapshot(), 4)
}

type failingRenderer struct{}

func (failingRenderer) Render(string, int, template.RandomSource) (string, error) {
	return "", errors.New("bad template")
}

func TestRenderErrorRecordedWithoutCall(t *testing.T) {
	t.Parallel()

	inv := &fakeInvoker{}
	sink := &recordingSink{}
	s := New(inv, WithResultSink(sink), WithRenderer(failingRenderer{}))
	closeOnCleanup(t, s)

	require.NoError(t, s.Start(spec("render", 2, 0)))
	st := waitDone(t, s, "render")

	assert.Equal(t, job.Stopped, st.Status)
	assert.EqualValues(t, 2, st.FailureCount)
	assert.Zero(t, inv.calls.Load())
	for _, res := range sink.snapshot() {
		assert.Equal(t, job.OutcomeRender, res.Outcome)
	}
}

func TestEventSinkSeesLifecycle(t *testing.T) {
	t.Parallel()

	events := &statusLog{}
	s := New(&fakeInvoker{}, WithEventSink(events))
	closeOnCleanup(t, s)

	require.NoError(t, s.Start(spec("watched", 2, 0)))
	waitDone(t, s, "watched")

	events.mu.Lock()
	defer events.mu.Unlock()
	assert.Equal(t, 2, events.results)
	require.NotEmpty(t, events.statuses)
	assert.Equal(t, job.Running, events.statuses[0])
	assert.Equal(t, job.Stopped, events.statuses[len(events.statuses)-1])
}

func TestInvalidSpecRejected(t *testing.T) {
	t.Parallel()

	s := New(&fakeInvoker{})
	closeOnCleanup(t, s)

	sp := spec("neg", 1, -time.Second)
	err := s.Start(sp)
	assert.True(t, errors.Is(err, ErrInvalidSpec), "err=%v", err)
	assert.Empty(t, s.List())
}

func TestCloseRejectsStart(t *testing.T) {
	t.Parallel()

	s := New(&fakeInvoker{})
	require.NoError(t, s.Start(spec("last", job.Unbounded, time.Hour)))

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.Close(ctx))

	st, ok := s.Status("last")
	require.True(t, ok)
	assert.Equal(t, job.Stopped, st.Status)
	assert.True(t, errors.Is(s.Start(spec("late", 1, 0)), ErrClosed))
}
