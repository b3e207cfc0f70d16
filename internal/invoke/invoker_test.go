package invoke

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"detectorpoll/internal/job"
)

func TestInvokeSuccessSendsHeaders(t *testing.T) {
	t.Parallel()
	var (
		mu                                            sync.Mutex
		gotAuth, gotCT, gotCustom, gotBody, gotMethod string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		gotAuth = r.Header.Get("Authorization")
		gotCT = r.Header.Get("Content-Type")
		gotCustom = r.Header.Get("X-Client")
		gotMethod = r.Method
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"score":12}`))
	}))
	defer srv.Close()

	c := New()
	resp := c.Invoke(context.Background(), Request{
		Endpoint:    srv.URL,
		Body:        `{"a":1}`,
		Headers:     map[string]string{"X-Client": "detectorpoll"},
		BearerToken: "tok",
		Timeout:     2 * time.Second,
	})

	require.NoError(t, resp.Err)
	assert.True(t, resp.Success())
	require.NotNil(t, resp.StatusCode)
	assert.Equal(t, http.StatusCreated, *resp.StatusCode)
	require.NotNil(t, resp.Body)
	assert.Equal(t, `{"score":12}`, *resp.Body)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "application/json", gotCT)
	assert.Equal(t, "detectorpoll", gotCustom)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, `{"a":1}`, gotBody)
	assert.Greater(t, resp.Elapsed, time.Duration(0))
}

func TestInvokeClassification(t *testing.T) {
	t.Parallel()

	errSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer errSrv.Close()

	block := make(chan struct{})
	slowSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer slowSrv.Close()
	defer close(block)

	closed := httptest.NewServer(http.NotFoundHandler())
	closedURL := closed.URL
	closed.Close()

	garbage := garbageServer(t)

	tests := []struct {
		name       string
		req        Request
		want       job.Outcome
		wantStatus bool
	}{
		{name: "non-2xx", req: Request{Endpoint: errSrv.URL}, want: job.OutcomeHTTPStatus, wantStatus: true},
		{name: "timeout", req: Request{Endpoint: slowSrv.URL, Timeout: 50 * time.Millisecond}, want: job.OutcomeTimeout},
		{name: "connection refused", req: Request{Endpoint: closedURL}, want: job.OutcomeConnection},
		{name: "bad url", req: Request{Endpoint: "http://bad host/"}, want: job.OutcomeMalformed},
		{name: "malformed response", req: Request{Endpoint: garbage}, want: job.OutcomeMalformed},
	}
	c := New(WithDefaultTimeout(2 * time.Second))
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			resp := c.Invoke(context.Background(), tt.req)
			assert.Equal(t, tt.want, resp.Outcome, "err=%v", resp.Err)
			assert.False(t, resp.Success())
			assert.Error(t, resp.Err)
			if tt.wantStatus {
				require.NotNil(t, resp.StatusCode)
			} else {
				assert.Nil(t, resp.StatusCode)
				assert.Nil(t, resp.Body)
			}
		})
	}
}

func TestInvokeCanceledParent(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(30 * time.Millisecond)
		cancel()
	}()
	resp := New().Invoke(ctx, Request{Endpoint: srv.URL, Timeout: 5 * time.Second})
	assert.Equal(t, job.OutcomeCanceled, resp.Outcome)
}

func TestInvokeTrustAnyCertificateIsPerCall(t *testing.T) {
	t.Parallel()
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := New(WithDefaultTimeout(2 * time.Second))

	var wg sync.WaitGroup
	results := make([]Response, 20)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = c.Invoke(context.Background(), Request{Endpoint: srv.URL, TrustAnyCertificate: i%2 == 0})
		}(i)
	}
	wg.Wait()

	for i, r := range results {
		if i%2 == 0 {
			assert.Equal(t, job.OutcomeOK, r.Outcome, "trusting call %d: %v", i, r.Err)
		} else {
			assert.Equal(t, job.OutcomeTLS, r.Outcome, "verifying call %d: %v", i, r.Err)
		}
	}
}

func TestInvokeTruncatesLargeBodies(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(strings.Repeat("x", 100)))
	}))
	defer srv.Close()

	resp := New(WithMaxBodyBytes(10)).Invoke(context.Background(), Request{Endpoint: srv.URL, Method: "get"})
	require.NotNil(t, resp.Body)
	assert.Len(t, *resp.Body, 10)
	assert.True(t, resp.Truncated)
	assert.True(t, resp.Success())
}

// garbageServer answers every connection with bytes that are not HTTP.
func garbageServer(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 1024)
				_, _ = c.Read(buf)
				_, _ = c.Write([]byte("SSH-2.0-nothttp\r\n\r\n"))
			}(conn)
		}
	}()
	return "http://" + ln.Addr().String()
}
