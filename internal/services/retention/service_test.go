package retention

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	logx "detectorpoll/pkg/logx"
)

type fakePruner struct {
	mu      sync.Mutex
	cutoffs []time.Time
	n       int64
	err     error
}

func (f *fakePruner) Prune(_ context.Context, before time.Time) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cutoffs = append(f.cutoffs, before)
	return f.n, f.err
}

func (f *fakePruner) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cutoffs)
}

func TestRunOnceUsesMaxAge(t *testing.T) {
	t.Parallel()

	p := &fakePruner{n: 7}
	s, err := New(Config{Enabled: true, Schedule: "1h", MaxAge: 24 * time.Hour}, p, logx.Nop())
	require.NoError(t, err)
	now := time.Date(2024, 3, 15, 10, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return now }

	n, err := s.RunOnce(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 7, n)
	require.Len(t, p.cutoffs, 1)
	assert.Equal(t, now.Add(-24*time.Hour), p.cutoffs[0])

	st := s.Status()
	assert.EqualValues(t, 1, st.Runs)
	assert.EqualValues(t, 7, st.LastDeleted)
	assert.Empty(t, st.LastErr)
}

func TestRunOnceRecordsError(t *testing.T) {
	t.Parallel()

	p := &fakePruner{err: errors.New("locked")}
	s, err := New(Config{Enabled: true, MaxAge: time.Hour}, p, logx.Nop())
	require.NoError(t, err)

	_, err = s.RunOnce(context.Background())
	require.Error(t, err)
	assert.Equal(t, "locked", s.Status().LastErr)
}

func TestNewRejectsBadConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{Enabled: true, Schedule: "1h"}, &fakePruner{}, logx.Nop())
	assert.Error(t, err, "missing max_age")

	_, err = New(Config{Enabled: true, Schedule: "whenever", MaxAge: time.Hour}, &fakePruner{}, logx.Nop())
	assert.Error(t, err)

	s, err := New(Config{Schedule: "whenever"}, &fakePruner{}, logx.Nop())
	require.NoError(t, err, "disabled config is not validated")
	require.NoError(t, s.Start(context.Background()))
	assert.False(t, s.Status().Enabled)
}

func TestScheduledPrune(t *testing.T) {
	t.Parallel()

	p := &fakePruner{}
	s, err := New(Config{Enabled: true, Schedule: "every:1s", MaxAge: time.Minute}, p, logx.Nop())
	require.NoError(t, err)
	require.NoError(t, s.Start(context.Background()))
	assert.False(t, s.Status().NextRunAt.IsZero())

	require.Eventually(t, func() bool { return p.calls() >= 1 }, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Stop(ctx))
	assert.True(t, s.Status().NextRunAt.IsZero())
}
