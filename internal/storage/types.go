package storage

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"detectorpoll/internal/job"
)

var ErrClosed = errors.New("storage closed")

// DefaultTail is how many results per job the memory and file drivers keep
// available to Recent.
const DefaultTail = 500

// Config configures storage. An empty Driver or "none" disables storage.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default
	Tail        int           // memory/file only; 0 means DefaultTail
}

// Store is the result sink plus the read and maintenance side used by the
// admin API and the retention service.
type Store interface {
	Record(ctx context.Context, res job.AttemptResult) error
	// Recent returns up to limit results for jobID, newest first.
	Recent(ctx context.Context, jobID string, limit int) ([]job.AttemptResult, error)
	// Prune deletes results with a timestamp before the cutoff.
	Prune(ctx context.Context, before time.Time) (int64, error)
	Close() error
}
