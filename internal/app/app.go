package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/coreos/go-systemd/v22/daemon"

	"detectorpoll/internal/config"
	"detectorpoll/internal/eventbus"
	"detectorpoll/internal/invoke"
	"detectorpoll/internal/runtime/supervisor"
	"detectorpoll/internal/services/retention"
	"detectorpoll/internal/services/scheduler"
	"detectorpoll/internal/storage"
	"detectorpoll/internal/transport/httpapi"
	logx "detectorpoll/pkg/logx"
)

type App struct {
	cfgPath string

	cfgm *config.ConfigManager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	inv   *invoke.Client
	sched *scheduler.Scheduler
	http  *httpapi.Server

	autostart       bool
	shutdownTimeout time.Duration

	retMu sync.Mutex
	ret   *retention.Service
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bus := eventbus.New()
	logSvc, log := logx.New(cfg.Logging.LogxConfig(), eventbus.NewSink(bus))
	log = log.With(logx.String("comp", "app"))

	sc, err := cfg.StorageSettings()
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	if store != nil {
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	ss, err := cfg.SchedulerSettings()
	if err != nil {
		return nil, closeOnErr(store, err)
	}
	inv := invoke.New(
		invoke.WithDefaultTimeout(ss.DefaultTimeout),
		invoke.WithMaxBodyBytes(ss.MaxBodyBytes),
	)

	opts := []scheduler.Option{
		scheduler.WithLogger(log.With(logx.String("comp", "scheduler"))),
		scheduler.WithEventSink(eventbus.NewSink(bus)),
		scheduler.WithDefaultTimeout(ss.DefaultTimeout),
		scheduler.WithRecordTimeout(ss.RecordTimeout),
	}
	if store != nil {
		opts = append(opts, scheduler.WithResultSink(store))
	}
	sched := scheduler.New(inv, opts...)

	rc, err := cfg.RetentionSettings()
	if err != nil {
		return nil, closeOnErr(store, err)
	}
	ret, err := retention.New(rc, store, log.With(logx.String("comp", "retention")))
	if err != nil {
		return nil, closeOnErr(store, err)
	}

	srvCfg, err := cfg.ServerSettings()
	if err != nil {
		return nil, closeOnErr(store, err)
	}
	var srv *httpapi.Server
	if srvCfg.Enabled {
		deps := httpapi.Deps{
			Scheduler: sched,
			Catalog:   catalog{cfgm: cfgm},
			Bus:       bus,
			Log:       log.With(logx.String("comp", "http")),
		}
		if store != nil {
			deps.Results = store
		}
		srv = httpapi.New(httpapi.Config{
			Addr:              srvCfg.Addr,
			Token:             srvCfg.Token,
			AllowInsecure:     srvCfg.AllowInsecure,
			Pprof:             srvCfg.Pprof,
			ReadHeaderTimeout: srvCfg.ReadHeaderTimeout,
			IdleTimeout:       srvCfg.IdleTimeout,
		}, deps)
	}

	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	return &App{
		cfgPath:         cfgPath,
		cfgm:            cfgm,
		log:             log,
		logs:            logSvc,
		bus:             bus,
		store:           store,
		inv:             inv,
		sched:           sched,
		http:            srv,
		autostart:       ss.Autostart,
		shutdownTimeout: srvCfg.ShutdownTimeout,
		ret:             ret,
	}, nil
}

func closeOnErr(store storage.Store, err error) error {
	if store != nil {
		_ = store.Close()
	}
	return err
}

func (a *App) Scheduler() *scheduler.Scheduler { return a.sched }
func (a *App) Config() *config.ConfigManager   { return a.cfgm }
func (a *App) Bus() eventbus.Bus               { return a.bus }

// Server is nil when the admin server is disabled.
func (a *App) Server() *httpapi.Server  { return a.http }
func (a *App) Catalog() httpapi.Catalog { return catalog{cfgm: a.cfgm} }

func (a *App) Retention() *retention.Service {
	a.retMu.Lock()
	defer a.retMu.Unlock()
	return a.ret
}

// Done is closed when the app context ends (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error the supervisor observed.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	if err := a.Retention().Start(a.sup.Context()); err != nil {
		return err
	}

	if a.http != nil {
		if err := a.http.Start(); err != nil {
			return errors.Wrap(err, "http")
		}
	}

	if a.autostart {
		a.startActive()
	}

	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128, eventbus.OfType(eventbus.TypeStatus))
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			a.logStatusEvents(c, events)
		})
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.GoRestart("config.watch", a.cfgm.Watch,
		supervisor.WithRestartBackoff(500*time.Millisecond, 10*time.Second))

	a.sup.Go0("systemd.watchdog", a.watchdog)
	a.sdNotify(daemon.SdNotifyReady)

	a.log.Info("app started", logx.String("config", a.cfgPath))
	return nil
}

// startActive launches every active job in the catalog. Failures are logged
// per job and never abort startup.
func (a *App) startActive() scheduler.StartAllResult {
	specs, unresolved := a.Catalog().ActiveSpecs()
	res := a.sched.StartAll(specs)
	for id, err := range unresolved {
		res.AddFailure(id, err)
	}
	if len(res.Started)+len(res.Failures) > 0 {
		a.log.Info("jobs autostarted", logx.Int("count", len(res.Started)), logx.Int("failed", len(res.Failures)))
	}
	for id, err := range res.Failures {
		a.log.Warn("autostart failed", logx.String("job_id", id), logx.Err(err))
	}
	return res
}

func (a *App) logStatusEvents(ctx context.Context, events <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			a.log.Debug("job status", logx.String("job_id", e.JobID), logx.Any("state", e.Data))
		}
	}
}

func (a *App) reloadLoop(ctx context.Context, sub chan *config.Config) {
	lastApplied := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case newCfg, ok := <-sub:
			if !ok {
				return
			}
			newCfg = drainLatest(sub, newCfg)
			a.applyConfig(ctx, lastApplied, newCfg)
			lastApplied = newCfg
		}
	}
}

// drainLatest coalesces a burst of reloads into the newest one.
func drainLatest(sub chan *config.Config, cur *config.Config) *config.Config {
	for {
		select {
		case newer, ok := <-sub:
			if !ok {
				return cur
			}
			if newer != nil {
				cur = newer
			}
		default:
			return cur
		}
	}
}

func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs, jobsChanged := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	changed := map[string]bool{}
	for _, s := range sections {
		changed[s] = true
	}

	if changed["logging"] {
		a.logs.Apply(newCfg.Logging.LogxConfig())
	}
	if changed["jobs"] {
		// Running jobs keep the spec they were started with.
		a.log.Info("job catalog updated", logx.String("jobs", strings.Join(jobsChanged, ",")))
	}
	if changed["retention"] {
		a.applyRetention(ctx, newCfg)
	}
	for _, s := range []string{"storage", "server", "scheduler"} {
		if changed[s] {
			a.log.Warn("config section changed; restart required", logx.String("section", s))
		}
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// applyRetention swaps the prune schedule in place.
func (a *App) applyRetention(ctx context.Context, cfg *config.Config) {
	rc, err := cfg.RetentionSettings()
	if err != nil {
		a.log.Warn("invalid retention config; keeping previous", logx.Err(err))
		return
	}
	next, err := retention.New(rc, a.store, a.log.With(logx.String("comp", "retention")))
	if err != nil {
		a.log.Warn("invalid retention config; keeping previous", logx.Err(err))
		return
	}

	a.retMu.Lock()
	prev := a.ret
	a.ret = next
	a.retMu.Unlock()

	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	if err := prev.Stop(stopCtx); err != nil {
		a.log.Warn("retention stop timed out", logx.Err(err))
	}
	cancel()
	if err := next.Start(ctx); err != nil {
		a.log.Warn("retention restart failed", logx.Err(err))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sdNotify(daemon.SdNotifyStopping)

	a.sup.Cancel()

	a.step(ctx, "http", a.shutdownTimeout, func(c context.Context) error {
		if a.http == nil {
			return nil
		}
		return a.http.Stop(c)
	})
	a.step(ctx, "scheduler", 5*time.Second, a.sched.Close)
	a.step(ctx, "retention", 2*time.Second, func(c context.Context) error { return a.Retention().Stop(c) })
	a.step(ctx, "invoker", time.Second, func(context.Context) error { a.inv.CloseIdleConnections(); return nil })
	a.step(ctx, "storage", time.Second, func(context.Context) error {
		if a.store == nil {
			return nil
		}
		return a.store.Close()
	})
	a.step(ctx, "supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
