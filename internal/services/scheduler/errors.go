package scheduler

import (
	"fmt"
	"sort"
	"strings"

	"github.com/cockroachdb/errors"

	"detectorpoll/internal/job"
)

var (
	ErrAlreadyRunning = errors.New("job already running")
	ErrNotFound       = errors.New("job not running")
	ErrClosed         = errors.New("scheduler closed")
	// ErrInvalidSpec marks specs rejected before a runner is created.
	ErrInvalidSpec = job.ErrInvalidSpec
)

// StartAllResult is what StartAll did with each spec. Ids already owned by a
// live runner are skipped, not failed, so repeated calls are harmless.
type StartAllResult struct {
	Started  []string
	Skipped  []string
	Failures map[string]error
}

// AddFailure records err under id. Empty and repeated ids get a numeric
// suffix so no failure is lost.
func (r *StartAllResult) AddFailure(id string, err error) {
	if r.Failures == nil {
		r.Failures = map[string]error{}
	}
	base := id
	if base == "" {
		base = "<empty>"
	}
	key := base
	for n := 2; ; n++ {
		if _, dup := r.Failures[key]; !dup {
			break
		}
		key = fmt.Sprintf("%s#%d", base, n)
	}
	r.Failures[key] = err
}

// Err is nil when nothing failed, otherwise a *StartAllError.
func (r StartAllResult) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	return &StartAllError{Started: r.Started, Failures: r.Failures}
}

// StartAllError reports the specs StartAll could not start. The others were
// started regardless.
type StartAllError struct {
	Started  []string
	Failures map[string]error
}

func (e *StartAllError) Error() string {
	ids := e.failedIDs()
	var b strings.Builder
	b.WriteString("start all: ")
	for i, id := range ids {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(id)
		b.WriteString(": ")
		b.WriteString(e.Failures[id].Error())
	}
	return b.String()
}

func (e *StartAllError) Unwrap() []error {
	ids := e.failedIDs()
	out := make([]error, 0, len(ids))
	for _, id := range ids {
		out = append(out, e.Failures[id])
	}
	return out
}

func (e *StartAllError) failedIDs() []string {
	ids := make([]string, 0, len(e.Failures))
	for id := range e.Failures {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
