package eventbus

import (
	"sync"
	"sync/atomic"
	"time"
)

// Event is an in-memory signal fanned out to live observers.
//
// Contract:
//   - Publish MUST be non-blocking.
//   - Subscribers get buffered channels; slow subscribers drop events.
//
// Data should be JSON-serializable; the websocket feed encodes it as-is.
type Event struct {
	Type  string    `json:"type"`
	JobID string    `json:"job_id,omitempty"`
	Time  time.Time `json:"time"`
	Data  any       `json:"data,omitempty"`
}

// Filter selects events for one subscriber. nil accepts everything.
type Filter func(e Event) bool

type Bus interface {
	Publish(e Event)
	Subscribe(buffer int, filter Filter) (ch <-chan Event, unsubscribe func())
	Dropped() uint64
}

// New returns an in-memory fanout bus. It owns no goroutines.
func New() Bus {
	return &memBus{subs: map[uint64]*subscriber{}}
}

type subscriber struct {
	ch     chan Event
	filter Filter
}

type memBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	seq     atomic.Uint64
	dropped atomic.Uint64
}

func (b *memBus) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	b.mu.RLock()
	subs := make([]*subscriber, 0, len(b.subs))
	for _, s := range b.subs {
		subs = append(subs, s)
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if s.filter != nil && !s.filter(e) {
			continue
		}
		b.deliver(s.ch, e)
	}
}

// deliver never blocks. A concurrent unsubscribe may close ch; the recover
// absorbs the resulting send panic.
func (b *memBus) deliver(ch chan Event, e Event) {
	defer func() { _ = recover() }()
	select {
	case ch <- e:
	default:
		b.dropped.Add(1)
	}
}

func (b *memBus) Subscribe(buffer int, filter Filter) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 8
	}
	s := &subscriber{ch: make(chan Event, buffer), filter: filter}
	id := b.seq.Add(1)

	b.mu.Lock()
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.ch)
		})
	}
}

// Dropped counts deliveries skipped because a subscriber buffer was full.
func (b *memBus) Dropped() uint64 { return b.dropped.Load() }

// ForJob accepts events for one job id plus events not tied to any job.
func ForJob(id string) Filter {
	if id == "" {
		return nil
	}
	return func(e Event) bool { return e.JobID == "" || e.JobID == id }
}

// OfType accepts the given event types only.
func OfType(types ...string) Filter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Type]
		return ok
	}
}
