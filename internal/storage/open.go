package storage

import (
	"strings"

	"github.com/cockroachdb/errors"

	logx "detectorpoll/pkg/logx"
)

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("driver", driver))

	switch driver {
	case "memory", "mem":
		return NewMemory(cfg.Tail), nil
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.WithHint(
			errors.Newf("unknown storage driver: %s", driver),
			"use one of none, memory, file, sqlite",
		)
	}
}

// ValidDriver reports whether Open understands driver.
func ValidDriver(driver string) bool {
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case "", "none", "memory", "mem", "file", "sqlite", "sqlite3":
		return true
	}
	return false
}
