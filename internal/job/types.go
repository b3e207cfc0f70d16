package job

import (
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Unbounded marks a job that runs until explicitly stopped. MaxIterations 0
// means the same thing.
const Unbounded = -1

// Spec is the immutable configuration snapshot a job runs with. Changing it
// requires a stop and a fresh start.
type Spec struct {
	ID                  string            `json:"id"`
	Name                string            `json:"name,omitempty"`
	Endpoint            string            `json:"endpoint"`
	Method              string            `json:"method,omitempty"`
	Template            string            `json:"template"`
	Headers             map[string]string `json:"headers,omitempty"`
	BearerToken         string            `json:"-"`
	TrustAnyCertificate bool              `json:"trust_any_certificate,omitempty"`
	Delay               time.Duration     `json:"delay"`
	MaxIterations       int               `json:"max_iterations"`
	Timeout             time.Duration     `json:"timeout,omitempty"`
	Active              bool              `json:"active"`
	// Seed fixes the template random source. 0 derives one at start.
	Seed int64 `json:"seed,omitempty"`
}

// Bounded reports whether MaxIterations is a hard cap.
func (s Spec) Bounded() bool { return s.MaxIterations > 0 }

func (s Spec) EffectiveMethod() string {
	m := strings.ToUpper(strings.TrimSpace(s.Method))
	if m == "" {
		return http.MethodPost
	}
	return m
}

type Status int

const (
	Idle Status = iota
	Running
	Stopping
	Stopped
	Failed
)

func (s Status) String() string {
	switch s {
	case Idle:
		return "idle"
	case Running:
		return "running"
	case Stopping:
		return "stopping"
	case Stopped:
		return "stopped"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions can happen.
func (s Status) Terminal() bool { return s == Stopped || s == Failed }

// Live reports whether a runner in this state still owns its job id.
func (s Status) Live() bool { return !s.Terminal() }

func (s Status) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

func (s *Status) UnmarshalJSON(b []byte) error {
	var v string
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}
	switch v {
	case "idle":
		*s = Idle
	case "running":
		*s = Running
	case "stopping":
		*s = Stopping
	case "stopped":
		*s = Stopped
	case "failed":
		*s = Failed
	default:
		return errors.Newf("unknown job status %q", v)
	}
	return nil
}

// Stop reasons recorded on RuntimeState.
const (
	ReasonCapReached = "cap_reached"
	ReasonStopped    = "stopped"
	ReasonFailed     = "failed"
)

// RuntimeState is the observable progress of one job. Values handed out are
// copies; callers never share memory with the runner.
type RuntimeState struct {
	JobID          string     `json:"job_id"`
	Status         Status     `json:"status"`
	Iteration      int        `json:"iteration"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	LastStatusCode *int       `json:"last_status_code,omitempty"`
	SuccessCount   int64      `json:"success_count"`
	FailureCount   int64      `json:"failure_count"`
	StartedAt      time.Time  `json:"started_at"`
	StoppedAt      *time.Time `json:"stopped_at,omitempty"`
	StopReason     string     `json:"stop_reason,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// Clone returns a deep copy.
func (s RuntimeState) Clone() RuntimeState {
	cp := s
	if s.LastAttemptAt != nil {
		t := *s.LastAttemptAt
		cp.LastAttemptAt = &t
	}
	if s.LastStatusCode != nil {
		c := *s.LastStatusCode
		cp.LastStatusCode = &c
	}
	if s.StoppedAt != nil {
		t := *s.StoppedAt
		cp.StoppedAt = &t
	}
	return cp
}

// Outcome classifies how a single attempt ended.
type Outcome string

const (
	OutcomeOK         Outcome = "ok"
	OutcomeHTTPStatus Outcome = "http_status"
	OutcomeTimeout    Outcome = "timeout"
	OutcomeConnection Outcome = "connection"
	OutcomeTLS        Outcome = "tls"
	OutcomeMalformed  Outcome = "malformed"
	OutcomeRender     Outcome = "render"
	OutcomeCanceled   Outcome = "canceled"
)

// AttemptResult records one loop iteration. It is never mutated after creation.
type AttemptResult struct {
	ID         string        `json:"id"`
	JobID      string        `json:"job_id"`
	Iteration  int           `json:"iteration"`
	Request    string        `json:"request"`
	Response   *string       `json:"response,omitempty"`
	Elapsed    time.Duration `json:"elapsed_ns"`
	StatusCode *int          `json:"status_code,omitempty"`
	Error      *string       `json:"error,omitempty"`
	Outcome    Outcome       `json:"outcome"`
	Success    bool          `json:"success"`
	Timestamp  time.Time     `json:"timestamp"`
}
