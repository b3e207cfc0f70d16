package storage

import (
	"context"
	"sync"
	"time"

	"detectorpoll/internal/job"
)

// tails keeps the newest results per job, oldest first.
type tails struct {
	limit int
	byJob map[string][]job.AttemptResult
}

func newTails(limit int) *tails {
	if limit <= 0 {
		limit = DefaultTail
	}
	return &tails{limit: limit, byJob: map[string][]job.AttemptResult{}}
}

func (t *tails) add(res job.AttemptResult) {
	buf := append(t.byJob[res.JobID], res)
	if len(buf) > t.limit {
		buf = append([]job.AttemptResult(nil), buf[len(buf)-t.limit:]...)
	}
	t.byJob[res.JobID] = buf
}

func (t *tails) recent(jobID string, limit int) []job.AttemptResult {
	buf := t.byJob[jobID]
	if limit <= 0 || limit > len(buf) {
		limit = len(buf)
	}
	out := make([]job.AttemptResult, 0, limit)
	for i := len(buf) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, buf[i])
	}
	return out
}

func (t *tails) prune(before time.Time) int64 {
	var n int64
	for id, buf := range t.byJob {
		kept := buf[:0]
		for _, r := range buf {
			if r.Timestamp.Before(before) {
				n++
				continue
			}
			kept = append(kept, r)
		}
		if len(kept) == 0 {
			delete(t.byJob, id)
			continue
		}
		t.byJob[id] = kept
	}
	return n
}

// Memory is an in-process Store. Tests use it as a recording sink.
type Memory struct {
	mu     sync.Mutex
	tails  *tails
	total  int64
	closed bool
}

func NewMemory(tail int) *Memory { return &Memory{tails: newTails(tail)} }

func (m *Memory) Record(_ context.Context, res job.AttemptResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	m.tails.add(res)
	m.total++
	return nil
}

func (m *Memory) Recent(_ context.Context, jobID string, limit int) ([]job.AttemptResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tails.recent(jobID, limit), nil
}

func (m *Memory) Prune(_ context.Context, before time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tails.prune(before), nil
}

// Total counts every result ever recorded, including evicted ones.
func (m *Memory) Total() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.total
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}
