package invoke

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"detectorpoll/internal/job"
)

const (
	DefaultTimeout      = 30 * time.Second
	DefaultMaxBodyBytes = 1 << 20
)

// Request describes one call.
type Request struct {
	Method              string
	Endpoint            string
	Body                string
	Headers             map[string]string
	BearerToken         string
	Timeout             time.Duration
	TrustAnyCertificate bool
}

// Response is the classified result of one call. StatusCode and Body are nil
// when no response arrived.
type Response struct {
	StatusCode *int
	Body       *string
	Elapsed    time.Duration
	Err        error
	Outcome    job.Outcome
	Truncated  bool
}

// Success reports a 2xx response with no transport error.
func (r Response) Success() bool { return r.Outcome == job.OutcomeOK }

type Option func(*Client)

func WithDefaultTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.defaultTimeout = d
		}
	}
}

func WithMaxBodyBytes(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxBody = n
		}
	}
}

// WithRootCAs sets the pool used by verifying calls. nil keeps the system pool.
func WithRootCAs(pool *x509.CertPool) Option {
	return func(c *Client) { c.rootCAs = pool }
}

// Client is safe for concurrent use by many jobs. Verifying and trust-any
// calls go through separate transports, so one job's override never affects
// another's connections.
type Client struct {
	defaultTimeout time.Duration
	maxBody        int64
	rootCAs        *x509.CertPool

	strict   *http.Client
	insecure *http.Client
}

func New(opts ...Option) *Client {
	c := &Client{defaultTimeout: DefaultTimeout, maxBody: DefaultMaxBodyBytes}
	for _, o := range opts {
		o(c)
	}
	c.strict = &http.Client{Transport: newTransport(&tls.Config{RootCAs: c.rootCAs, MinVersion: tls.VersionTLS12})}
	c.insecure = &http.Client{Transport: newTransport(&tls.Config{InsecureSkipVerify: true})} //nolint:gosec // per-job opt-in
	return c
}

func newTransport(tc *tls.Config) *http.Transport {
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           (&net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		TLSClientConfig:       tc,
		TLSHandshakeTimeout:   10 * time.Second,
		MaxIdleConns:          64,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		ExpectContinueTimeout: time.Second,
	}
}

// CloseIdleConnections releases pooled connections on both transports.
func (c *Client) CloseIdleConnections() {
	c.strict.CloseIdleConnections()
	c.insecure.CloseIdleConnections()
}

// Invoke performs req bounded by its timeout. It never returns a Go error;
// failures are reported through Response.Err and Response.Outcome.
func (c *Client) Invoke(ctx context.Context, req Request) Response {
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	method := strings.ToUpper(strings.TrimSpace(req.Method))
	if method == "" {
		method = http.MethodPost
	}

	start := time.Now()
	hreq, err := http.NewRequestWithContext(callCtx, method, req.Endpoint, strings.NewReader(req.Body))
	if err != nil {
		return Response{
			Elapsed: time.Since(start),
			Err:     errors.Wrap(err, "build request"),
			Outcome: job.OutcomeMalformed,
		}
	}
	if req.Body != "" {
		hreq.Header.Set("Content-Type", "application/json")
	}
	for k, v := range req.Headers {
		hreq.Header.Set(k, v)
	}
	if tok := strings.TrimSpace(req.BearerToken); tok != "" {
		hreq.Header.Set("Authorization", "Bearer "+tok)
	}

	hc := c.strict
	if req.TrustAnyCertificate {
		hc = c.insecure
	}

	resp, err := hc.Do(hreq)
	if err != nil {
		return Response{
			Elapsed: time.Since(start),
			Err:     err,
			Outcome: classify(ctx, callCtx, err),
		}
	}
	defer resp.Body.Close()

	raw, rerr := io.ReadAll(io.LimitReader(resp.Body, c.maxBody+1))
	elapsed := time.Since(start)

	code := resp.StatusCode
	out := Response{StatusCode: &code, Elapsed: elapsed}
	if int64(len(raw)) > c.maxBody {
		raw = raw[:c.maxBody]
		out.Truncated = true
	}
	body := string(raw)
	out.Body = &body

	switch {
	case rerr != nil:
		out.Err = errors.Wrap(rerr, "read response body")
		out.Outcome = classify(ctx, callCtx, rerr)
		if out.Outcome == job.OutcomeConnection {
			out.Outcome = job.OutcomeMalformed
		}
	case code < 200 || code >= 300:
		out.Err = errors.Newf("unexpected status %d", code)
		out.Outcome = job.OutcomeHTTPStatus
	default:
		out.Outcome = job.OutcomeOK
	}
	return out
}
