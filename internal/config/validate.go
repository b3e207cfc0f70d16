package config

import (
	"strings"

	"github.com/cockroachdb/errors"

	"detectorpoll/internal/services/retention"
	"detectorpoll/internal/storage"
	logx "detectorpoll/pkg/logx"
)

// Validate checks every section. baseDir anchors relative template files.
func (c *Config) Validate(baseDir string) error {
	if c == nil {
		return errors.New("config is nil")
	}
	if lvl := strings.TrimSpace(c.Logging.Level); lvl != "" && !logx.ValidLevel(lvl) {
		return errors.Newf("logging.level: unknown level %q", c.Logging.Level)
	}
	if lvl := strings.TrimSpace(c.Logging.Events.MinLevel); lvl != "" && !logx.ValidLevel(lvl) {
		return errors.Newf("logging.events.min_level: unknown level %q", c.Logging.Events.MinLevel)
	}
	if c.Logging.Events.RatePerSec < 0 {
		return errors.New("logging.events.rate_per_sec must be >= 0")
	}

	if _, err := c.ServerSettings(); err != nil {
		return err
	}

	st, err := c.StorageSettings()
	if err != nil {
		return err
	}
	if !storage.ValidDriver(st.Driver) {
		return errors.Newf("storage.driver: unknown driver %q", st.Driver)
	}
	if st.Tail < 0 {
		return errors.New("storage.tail must be >= 0")
	}

	if _, err := c.SchedulerSettings(); err != nil {
		return err
	}
	if c.Scheduler.MaxBodyBytes < 0 {
		return errors.New("scheduler.max_body_bytes must be >= 0")
	}

	rc, err := c.RetentionSettings()
	if err != nil {
		return err
	}
	if _, err := retention.New(rc, nil, logx.Nop()); err != nil {
		return err
	}

	seen := make(map[string]struct{}, len(c.Jobs))
	for i, j := range c.Jobs {
		id := strings.TrimSpace(j.ID)
		if id == "" {
			return errors.Newf("jobs[%d]: id is required", i)
		}
		if _, dup := seen[id]; dup {
			return errors.Newf("jobs[%d]: duplicate id %q", i, id)
		}
		seen[id] = struct{}{}
		if _, err := j.ToSpec(baseDir); err != nil {
			return err
		}
	}
	return nil
}
