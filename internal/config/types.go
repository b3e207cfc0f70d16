package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Server    ServerConfig    `json:"server"`
	Storage   *StorageConfig  `json:"storage,omitempty"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Retention RetentionConfig `json:"retention"`

	// Jobs is the catalog the admin API and autostart draw from.
	Jobs []JobConfig `json:"jobs"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Events  LoggingEvents `json:"events"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingEvents forwards log records to live websocket observers.
type LoggingEvents struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// ServerConfig controls the admin HTTP surface.
//
// Security note:
//   - Prefer binding to localhost (e.g. "127.0.0.1:8080").
//   - Token, when set, is required as a bearer token on every route except /healthz.
type ServerConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`  // default: "127.0.0.1:8080"
	Token   string `json:"token,omitempty"` // do not log

	// AllowInsecure permits a non-loopback addr without a token.
	AllowInsecure bool `json:"allow_insecure,omitempty"`
	// Pprof mounts net/http/pprof under /debug/pprof/ (behind the token).
	Pprof bool `json:"pprof,omitempty"`

	// Go duration strings.
	ReadHeaderTimeout string `json:"read_header_timeout,omitempty"`
	IdleTimeout       string `json:"idle_timeout,omitempty"`
	ShutdownTimeout   string `json:"shutdown_timeout,omitempty"`
}

// StorageConfig selects the result store. Nil or driver "none" disables it.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./detectorpoll.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	Tail        int    `json:"tail,omitempty"`         // memory/file
}

type SchedulerConfig struct {
	// DefaultTimeout bounds calls for jobs without their own timeout.
	DefaultTimeout string `json:"default_timeout,omitempty"`
	// RecordTimeout bounds each result store write.
	RecordTimeout string `json:"record_timeout,omitempty"`
	// Autostart starts every active catalog job on boot.
	Autostart bool `json:"autostart"`
	// MaxBodyBytes caps how much of each response body is kept.
	MaxBodyBytes int64 `json:"max_body_bytes,omitempty"`
}

type RetentionConfig struct {
	Enabled  bool   `json:"enabled"`
	Schedule string `json:"schedule,omitempty"` // cron, duration or HH:MM
	MaxAge   string `json:"max_age,omitempty"`
}

// JobConfig is one catalog entry. Durations are Go duration strings.
type JobConfig struct {
	ID       string `json:"id"`
	Name     string `json:"name,omitempty"`
	Endpoint string `json:"endpoint"`
	Method   string `json:"method,omitempty"`

	// Exactly one of Template and TemplateFile. TemplateFile is resolved
	// relative to the config file.
	Template     string `json:"template,omitempty"`
	TemplateFile string `json:"template_file,omitempty"`

	Headers map[string]string `json:"headers,omitempty"`

	BearerToken    string `json:"bearer_token,omitempty"`
	BearerTokenEnv string `json:"bearer_token_env,omitempty"`

	TrustAnyCertificate bool `json:"trust_any_certificate,omitempty"`

	Delay         string `json:"delay"`
	MaxIterations int    `json:"max_iterations"`
	Timeout       string `json:"timeout,omitempty"`
	Active        bool   `json:"active"`
	Seed          int64  `json:"seed,omitempty"`
}
