package httpapi

import (
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	hpprof "net/http/pprof"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"detectorpoll/internal/eventbus"
	logx "detectorpoll/pkg/logx"
)

type Config struct {
	Addr  string
	Token string
	// AllowInsecure permits a non-loopback Addr without a Token.
	AllowInsecure bool
	// Pprof mounts net/http/pprof under /debug/pprof/.
	Pprof bool

	ReadHeaderTimeout time.Duration
	IdleTimeout       time.Duration
}

type Deps struct {
	Scheduler Scheduler
	Catalog   Catalog
	Results   Results // optional
	Bus       eventbus.Bus
	Log       logx.Logger
}

// Server owns the admin listener. The handler is usable without Start.
type Server struct {
	cfg     Config
	log     logx.Logger
	handler http.Handler
	feed    *feed

	ctx    context.Context
	cancel context.CancelFunc

	mu  sync.Mutex
	srv *http.Server
	ln  net.Listener
}

func New(cfg Config, deps Deps) *Server {
	log := deps.Log
	if log.IsZero() {
		log = logx.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{cfg: cfg, log: log, ctx: ctx, cancel: cancel}

	h := &handlers{
		sched:   deps.Scheduler,
		catalog: deps.Catalog,
		results: deps.Results,
		log:     log,
		started: time.Now(),
	}
	s.feed = newFeed(ctx, deps.Bus, deps.Scheduler, log)

	mux := http.NewServeMux()
	auth := func(fn http.HandlerFunc) http.Handler { return withAuth(cfg.Token, fn) }

	mux.HandleFunc("GET /healthz", h.healthz)
	mux.Handle("GET /jobs", auth(h.list))
	mux.Handle("POST /jobs/start-all", auth(h.startAll))
	mux.Handle("POST /jobs/stop-all", auth(h.stopAll))
	mux.Handle("GET /jobs/{id}", auth(h.status))
	mux.Handle("POST /jobs/{id}/start", auth(h.start))
	mux.Handle("POST /jobs/{id}/stop", auth(h.stop))
	mux.Handle("GET /jobs/{id}/results", auth(h.recent))
	mux.Handle("GET /debug/runners", auth(h.runners))
	mux.Handle("GET /ws", auth(s.feed.serve))
	if cfg.Pprof {
		mux.Handle("GET /debug/pprof/", auth(hpprof.Index))
		mux.Handle("GET /debug/pprof/cmdline", auth(hpprof.Cmdline))
		mux.Handle("GET /debug/pprof/profile", auth(hpprof.Profile))
		mux.Handle("GET /debug/pprof/symbol", auth(hpprof.Symbol))
		mux.Handle("GET /debug/pprof/trace", auth(hpprof.Trace))
	}
	s.handler = mux
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

// Clients is the number of open websocket feeds.
func (s *Server) Clients() int64 { return s.feed.clients.Load() }

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	addr := strings.TrimSpace(s.cfg.Addr)
	if addr == "" {
		addr = "127.0.0.1:8080"
	}
	tokenSet := strings.TrimSpace(s.cfg.Token) != ""
	if !tokenSet && !isLoopbackAddr(addr) {
		if !s.cfg.AllowInsecure {
			return errors.WithHint(
				errors.Newf("admin api: refusing non-loopback addr %s without a token", addr),
				"set server.token or server.allow_insecure",
			)
		}
		s.log.Warn("admin api running without token on non-loopback addr (insecure)", logx.String("addr", addr))
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "admin api listen %s", addr)
	}
	srv := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
	}
	s.srv, s.ln = srv, ln

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("admin api stopped with error", logx.Err(err))
		}
	}()
	s.log.Info("admin api started",
		logx.String("addr", ln.Addr().String()),
		logx.Bool("token_set", tokenSet),
		logx.Bool("pprof", s.cfg.Pprof),
	)
	return nil
}

// Addr is the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Stop closes websocket feeds and shuts the listener down within ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.cancel()

	s.mu.Lock()
	srv := s.srv
	s.srv, s.ln = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	if err != nil {
		_ = srv.Close()
	}
	s.log.Info("admin api stopped")
	return err
}

// withAuth requires the token as a bearer header or ?token= (for websocket
// clients that cannot set headers). An empty token disables the check.
func withAuth(token string, h http.HandlerFunc) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return h
	}
	want := []byte(tok)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) {
				got = strings.TrimSpace(strings.TrimPrefix(ah, p))
			}
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), want) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		h(w, r)
	})
}

func isLoopbackAddr(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	host = strings.Trim(host, "[]")
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
