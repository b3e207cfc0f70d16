package invoke

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"net"
	"strings"

	"github.com/cockroachdb/errors"

	"detectorpoll/internal/job"
)

// classify maps a transport error to an outcome. parent is the caller's
// context, call is the per-call context carrying the timeout.
func classify(parent, call context.Context, err error) job.Outcome {
	if err == nil {
		return job.OutcomeOK
	}
	if parent.Err() != nil && errors.Is(parent.Err(), context.Canceled) {
		return job.OutcomeCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(call.Err(), context.DeadlineExceeded) {
		return job.OutcomeTimeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return job.OutcomeTimeout
	}
	if isTLSError(err) {
		return job.OutcomeTLS
	}
	if strings.Contains(err.Error(), "malformed HTTP") {
		return job.OutcomeMalformed
	}
	return job.OutcomeConnection
}

func isTLSError(err error) bool {
	var (
		unknownAuth x509.UnknownAuthorityError
		invalidCert x509.CertificateInvalidError
		hostname    x509.HostnameError
		verifyErr   *tls.CertificateVerificationError
		recordErr   tls.RecordHeaderError
	)
	switch {
	case errors.As(err, &unknownAuth),
		errors.As(err, &invalidCert),
		errors.As(err, &hostname),
		errors.As(err, &verifyErr),
		errors.As(err, &recordErr):
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "x509:") || strings.Contains(msg, "tls:")
}
