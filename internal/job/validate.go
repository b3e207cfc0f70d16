package job

import (
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
)

// ErrInvalidSpec is returned (wrapped) by Validate.
var ErrInvalidSpec = errors.New("invalid job spec")

// Validate rejects specs that can never produce a request.
func (s Spec) Validate() error {
	if strings.TrimSpace(s.ID) == "" {
		return errors.Wrap(ErrInvalidSpec, "id is required")
	}
	if err := validateEndpoint(s.Endpoint); err != nil {
		return errors.Wrapf(errors.Mark(err, ErrInvalidSpec), "job %s", s.ID)
	}
	if s.Delay < 0 {
		return errors.Wrapf(ErrInvalidSpec, "job %s: delay must be >= 0", s.ID)
	}
	if s.MaxIterations < Unbounded {
		return errors.Wrapf(ErrInvalidSpec, "job %s: max_iterations must be >= %d", s.ID, Unbounded)
	}
	if s.Timeout < 0 {
		return errors.Wrapf(ErrInvalidSpec, "job %s: timeout must be >= 0", s.ID)
	}
	return nil
}

func validateEndpoint(raw string) error {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return errors.New("endpoint is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return errors.Wrap(err, "endpoint")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.WithHint(
			errors.Newf("endpoint %q: unsupported scheme %q", raw, u.Scheme),
			"use an absolute http:// or https:// URL",
		)
	}
	if u.Host == "" {
		return errors.Newf("endpoint %q: missing host", raw)
	}
	return nil
}
