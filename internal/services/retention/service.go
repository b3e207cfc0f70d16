package retention

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	logx "detectorpoll/pkg/logx"
)

// Pruner deletes results older than a cutoff. storage.Store satisfies it.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) (int64, error)
}

type Config struct {
	Enabled  bool
	Schedule string
	MaxAge   time.Duration
}

const defaultSchedule = "@every 1h"

// Status is the outcome of the most recent prune.
type Status struct {
	Enabled     bool      `json:"enabled"`
	Schedule    string    `json:"schedule"`
	MaxAge      string    `json:"max_age"`
	Runs        uint64    `json:"runs"`
	LastRunAt   time.Time `json:"last_run_at,omitempty"`
	LastDeleted int64     `json:"last_deleted"`
	LastErr     string    `json:"last_err,omitempty"`
	NextRunAt   time.Time `json:"next_run_at,omitempty"`
}

type Service struct {
	cfg   Config
	sched Schedule
	store Pruner
	log   logx.Logger
	now   func() time.Time

	mu     sync.Mutex
	c      *cron.Cron
	entry  cron.EntryID
	status Status
}

// New validates cfg. A disabled config yields a Service whose Start is a no-op.
func New(cfg Config, store Pruner, log logx.Logger) (*Service, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.Schedule == "" {
		cfg.Schedule = defaultSchedule
	}
	s := &Service{cfg: cfg, store: store, log: log, now: time.Now}
	s.status = Status{Enabled: cfg.Enabled && store != nil, Schedule: cfg.Schedule, MaxAge: cfg.MaxAge.String()}
	if !cfg.Enabled {
		return s, nil
	}
	if cfg.MaxAge <= 0 {
		return nil, errors.New("retention: max_age must be > 0")
	}
	sched, err := ParseSchedule(cfg.Schedule)
	if err != nil {
		return nil, errors.Wrap(err, "retention: schedule")
	}
	s.sched = sched
	return s, nil
}

// Start registers the prune job. ctx bounds each prune run.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil || !s.status.Enabled {
		return nil
	}

	cs, err := s.sched.cronSchedule()
	if err != nil {
		return errors.Wrap(err, "retention: schedule")
	}
	cl := cronLogger{log: s.log}
	s.c = cron.New(cron.WithParser(cronParser), cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)))
	s.entry = s.c.Schedule(cs, cron.FuncJob(func() {
		if ctx.Err() != nil {
			return
		}
		_, _ = s.RunOnce(ctx)
	}))
	s.c.Start()
	s.log.Info("retention started",
		logx.String("schedule", s.cfg.Schedule),
		logx.String("kind", s.sched.Kind.String()),
		logx.Duration("max_age", s.cfg.MaxAge),
	)
	return nil
}

// Stop halts the schedule and waits for a running prune or ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.mu.Unlock()
	if c == nil {
		return nil
	}
	select {
	case <-c.Stop().Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RunOnce prunes immediately.
func (s *Service) RunOnce(ctx context.Context) (int64, error) {
	if s.store == nil {
		return 0, nil
	}
	start := s.now()
	cutoff := start.Add(-s.cfg.MaxAge)
	n, err := s.store.Prune(ctx, cutoff)

	s.mu.Lock()
	s.status.Runs++
	s.status.LastRunAt = start
	s.status.LastDeleted = n
	s.status.LastErr = ""
	if err != nil {
		s.status.LastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warn("retention prune failed", logx.Time("cutoff", cutoff), logx.Err(err))
		return n, err
	}
	s.log.Debug("retention prune done",
		logx.Time("cutoff", cutoff),
		logx.Int64("deleted", n),
		logx.Duration("took", s.now().Sub(start)),
	)
	return n, nil
}

func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.status
	if s.c != nil {
		st.NextRunAt = s.c.Entry(s.entry).Next
	}
	return st
}

// cronLogger adapts logx to cron.Logger.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...any) {
	l.log.Debug("cron: "+msg, kvFields(kv)...)
}

func (l cronLogger) Error(err error, msg string, kv ...any) {
	l.log.Warn("cron: "+msg, append(kvFields(kv), logx.Err(err))...)
}

func kvFields(kv []any) []logx.Field {
	out := make([]logx.Field, 0, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		out = append(out, logx.Any(fmt.Sprint(kv[i]), kv[i+1]))
	}
	return out
}
