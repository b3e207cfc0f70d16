package config

import (
	"strings"
	"time"

	"detectorpoll/internal/services/retention"
	"detectorpoll/internal/storage"
	logx "detectorpoll/pkg/logx"
)

const (
	DefaultServerAddr      = "127.0.0.1:8080"
	DefaultShutdownTimeout = 5 * time.Second
)

func (c LoggingConfig) LogxConfig() logx.Config {
	return logx.Config{
		Level:   c.Level,
		Console: c.Console,
		File:    logx.FileConfig{Enabled: c.File.Enabled, Path: c.File.Path},
		Events: logx.EventsConfig{
			Enabled:    c.Events.Enabled,
			MinLevel:   c.Events.MinLevel,
			RatePerSec: c.Events.RatePerSec,
		},
	}
}

// StorageSettings maps the optional storage section. Nil disables storage.
func (c *Config) StorageSettings() (storage.Config, error) {
	if c.Storage == nil {
		return storage.Config{Driver: "none"}, nil
	}
	busy, err := ParseDurationField("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Driver:      strings.TrimSpace(c.Storage.Driver),
		Path:        strings.TrimSpace(c.Storage.Path),
		BusyTimeout: busy,
		Tail:        c.Storage.Tail,
	}, nil
}

func (c *Config) RetentionSettings() (retention.Config, error) {
	maxAge, err := ParseDurationField("retention.max_age", c.Retention.MaxAge)
	if err != nil {
		return retention.Config{}, err
	}
	return retention.Config{
		Enabled:  c.Retention.Enabled,
		Schedule: strings.TrimSpace(c.Retention.Schedule),
		MaxAge:   maxAge,
	}, nil
}

// ServerSettings are the parsed admin server knobs.
type ServerSettings struct {
	Enabled           bool
	Addr              string
	Token             string
	AllowInsecure     bool
	Pprof             bool
	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
	ShutdownTimeout   time.Duration
}

func (c *Config) ServerSettings() (ServerSettings, error) {
	s := c.Server
	rh, err := ParseDurationOrDefault("server.read_header_timeout", s.ReadHeaderTimeout, 5*time.Second)
	if err != nil {
		return ServerSettings{}, err
	}
	idle, err := ParseDurationOrDefault("server.idle_timeout", s.IdleTimeout, 60*time.Second)
	if err != nil {
		return ServerSettings{}, err
	}
	shut, err := ParseDurationOrDefault("server.shutdown_timeout", s.ShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return ServerSettings{}, err
	}
	addr := strings.TrimSpace(s.Addr)
	if addr == "" {
		addr = DefaultServerAddr
	}
	return ServerSettings{
		Enabled:           s.Enabled,
		Addr:              addr,
		Token:             strings.TrimSpace(s.Token),
		AllowInsecure:     s.AllowInsecure,
		Pprof:             s.Pprof,
		ReadHeaderTimeout: rh,
		IdleTimeout:       idle,
		ShutdownTimeout:   shut,
	}, nil
}

// SchedulerSettings are the parsed scheduler knobs. Zero values mean defaults.
type SchedulerSettings struct {
	DefaultTimeout time.Duration
	RecordTimeout  time.Duration
	Autostart      bool
	MaxBodyBytes   int64
}

func (c *Config) SchedulerSettings() (SchedulerSettings, error) {
	dt, err := ParseDurationField("scheduler.default_timeout", c.Scheduler.DefaultTimeout)
	if err != nil {
		return SchedulerSettings{}, err
	}
	rt, err := ParseDurationField("scheduler.record_timeout", c.Scheduler.RecordTimeout)
	if err != nil {
		return SchedulerSettings{}, err
	}
	return SchedulerSettings{
		DefaultTimeout: dt,
		RecordTimeout:  rt,
		Autostart:      c.Scheduler.Autostart,
		MaxBodyBytes:   c.Scheduler.MaxBodyBytes,
	}, nil
}
