// Package app wires the fan-out pipeline: config, storage, upstream sessions,
// dispatch, display sockets and the HTTP surface.
package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"alertbot/internal/config"
	"alertbot/internal/dispatch"
	"alertbot/internal/display"
	"alertbot/internal/enrich"
	"alertbot/internal/eventbus"
	"alertbot/internal/httpapi"
	"alertbot/internal/metrics"
	"alertbot/internal/report"
	"alertbot/internal/runtime/supervisor"
	"alertbot/internal/storage"
	"alertbot/internal/upstream"
	logx "alertbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor
	run  *lazyRunner

	log     logx.Logger
	logs    *logx.Service
	bus     eventbus.Bus
	metrics *metrics.Metrics
	store   storage.Store

	pool       *display.Pool
	dispatcher *dispatch.Dispatcher
	upstream   *upstream.Manager
	http       *httpapi.Server
	report     *report.Service

	httpShutdown time.Duration
}

// lazyRunner forwards to the app supervisor, which only exists after Start.
type lazyRunner struct {
	app *App
}

func (r *lazyRunner) Go(name string, fn func(ctx context.Context) error) {
	if sup := r.app.sup; sup != nil {
		sup.Go(name, fn)
		return
	}
	go func() { _ = fn(context.Background()) }()
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLoggingConfig(cfg))
	a := &App{cfgm: cfgm, logs: logSvc, log: log.With(logx.String("comp", "app"))}
	a.run = &lazyRunner{app: a}
	a.bus = eventbus.New()
	a.metrics = metrics.New()

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}
	a.store = store

	dc, err := mapDisplayConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	dc.pool.Logger = log
	dc.pool.Observer = a.metrics
	a.pool = display.NewPool(dc.pool)
	overlay := display.NewHandler(a.pool, a.run, dc.handler, log)

	engine := enrich.New(store, log, a.metrics)
	dcfg, err := mapDispatchConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.dispatcher = dispatch.New(dcfg, engine, a.pool, a.metrics, log)

	reg, err := buildTransports(cfg, log)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	ucfg, err := mapUpstreamConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.upstream = upstream.NewManager(ucfg, upstream.Deps{
		Credentials: store,
		Transports:  reg,
		Sink:        a.dispatcher.OnInboundEvent,
		Bus:         a.bus,
		Runner:      a.run,
		Logger:      log,
	})

	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	a.httpShutdown = hc.shutdownTimeout
	a.http = httpapi.New(httpapi.Config{
		Addr:              hc.addr,
		ReadHeaderTimeout: hc.readHeaderTimeout,
		IdleTimeout:       hc.idleTimeout,
		AdminToken:        func() string { return strings.TrimSpace(a.cfgm.Get().Admin.Token) },
	}, httpapi.Deps{
		Upstream: a.upstream,
		Displays: a.pool,
		Overlay:  overlay,
		Injector: a.dispatcher,
		Audit:    store,
		Metrics:  a.metrics,
		Health:   a.health,
		Logger:   log,
	})

	a.report = report.New(mapReportConfig(cfg), a.collect, log)
	return a, nil
}

// validate runs checks that need packages config cannot import.
func validate(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if cfg.Report.Enabled {
		if err := report.ParseSchedule(cfg.Report.Schedule); err != nil {
			return fmt.Errorf("report.schedule: %w", err)
		}
	}
	if _, err := mapDisplayConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDispatchConfig(cfg); err != nil {
		return err
	}
	if _, err := mapHTTPConfig(cfg); err != nil {
		return err
	}
	return nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop()).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor (if any).
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	runCtx := a.sup.Context()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	a.dispatcher.Start(runCtx)

	events, unsub := a.bus.Subscribe(256)
	a.sup.Go0("eventbus.observe", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.onBusEvent(e)
			}
		}
	})

	a.sup.Go("http.serve", func(c context.Context) error {
		return a.http.Serve(c, a.httpShutdown)
	})

	if err := a.report.Start(runCtx); err != nil {
		return err
	}

	if ids := a.cfgm.Get().Upstream.AutoConnect; len(ids) > 0 {
		ids = append([]string(nil), ids...)
		a.sup.Go0("upstream.autoconnect", func(c context.Context) { a.autoConnect(c, ids) })
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for drained := false; !drained; {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						drained = true
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

func (a *App) onBusEvent(e eventbus.Event) {
	switch e.Type {
	case upstream.EventConnected, upstream.EventFailed, upstream.EventDisconnected:
		a.metrics.ObserveUpstream(e.Type, e.TenantID)
	}
	if e.Type == upstream.EventDisconnected {
		a.dispatcher.Forget(e.TenantID)
	}
	a.log.Debug("event", logx.String("type", e.Type), logx.Tenant(e.TenantID), logx.Time("time", e.Time))
}

func (a *App) autoConnect(ctx context.Context, ids []string) {
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if ctx.Err() != nil {
			return
		}
		if _, err := a.upstream.Connect(ctx, id); err != nil {
			a.log.Warn("auto-connect failed", logx.Tenant(id), logx.Err(err))
		}
	}
}

// applyConfig pushes the live-reloadable parts of a new config.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLoggingConfig(newCfg))

	if dc, err := mapDispatchConfig(newCfg); err != nil {
		a.log.Warn("invalid dispatch config; keeping previous", logx.Err(err))
	} else {
		a.dispatcher.Apply(dc)
	}
	if err := a.report.Apply(mapReportConfig(newCfg)); err != nil {
		a.log.Warn("invalid report config; keeping previous", logx.Err(err))
	}

	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config change requires restart to take effect", logx.String("sections", strings.Join(restart, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) health() map[string]any {
	return map[string]any{
		"supervisor":  a.sup.Snapshot(),
		"dispatch":    a.dispatcher.Stats(),
		"bus_dropped": a.bus.Dropped(),
	}
}

// collect builds a report snapshot from live state.
func (a *App) collect(ctx context.Context) report.Snapshot {
	snap := report.Snapshot{At: time.Now(), BusDropped: a.bus.Dropped()}
	displays := a.pool.Stats()
	seen := map[string]bool{}
	for _, st := range a.upstream.Tenants() {
		if ctx.Err() != nil {
			break
		}
		seen[st.TenantID] = true
		ts := report.TenantSnapshot{
			TenantID:  st.TenantID,
			Upstream:  st.State,
			Transport: st.Transport,
			Displays:  displays[st.TenantID],
		}
		if st.Connected {
			snap.Connected++
		}
		snap.Tenants = append(snap.Tenants, ts)
	}
	for id, n := range displays {
		snap.Displays += n
		if !seen[id] {
			snap.Tenants = append(snap.Tenants, report.TenantSnapshot{TenantID: id, Upstream: upstream.StateDisconnected.String(), Displays: n})
		}
	}
	sort.Slice(snap.Tenants, func(i, j int) bool { return snap.Tenants[i].TenantID < snap.Tenants[j].TenantID })

	ds := a.dispatcher.Stats()
	snap.DispatchQueued = ds.Queued
	snap.DispatchDropped = ds.Dropped
	return snap
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Upstream goes first so no new events enter the pipeline.
	a.step(ctx, "upstream", 3*time.Second, a.upstream.Shutdown)

	// Cancel the run context so background loops (http, watch, reload) unwind.
	a.sup.Cancel()

	a.step(ctx, "dispatch", 2*time.Second, func(c context.Context) error { a.dispatcher.Stop(c); return nil })
	a.step(ctx, "displays", time.Second, func(context.Context) error {
		n := a.pool.CloseAll()
		a.log.Info("display connections closed", logx.Int("count", n))
		return nil
	})
	a.step(ctx, "report", time.Second, func(c context.Context) error { a.report.Stop(c); return nil })
	a.step(ctx, "supervisor", a.httpShutdown+time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		a.logs.Close()
	}
	return nil
}

// step runs one shutdown step bounded by max so a stuck component can't
// stall the whole stop.
func (a *App) step(ctx context.Context, name string, max time.Duration, fn func(context.Context) error) {
	start := time.Now()
	a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

	// respect the caller's deadline; never extend it
	if dl, ok := ctx.Deadline(); ok {
		if rem := time.Until(dl); rem < max {
			max = rem
		}
	}
	if max <= 0 {
		a.log.Warn("stop step skipped; deadline reached", logx.String("name", name))
		return
	}
	stepCtx, cancel := context.WithTimeout(ctx, max)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("panic in stop step %s: %v", name, r)
			}
		}()
		done <- fn(stepCtx)
	}()

	select {
	case err := <-done:
		if err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	case <-stepCtx.Done():
		a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)))
		go func() {
			err := <-done
			a.log.Info("stop step finished after deadline", logx.String("name", name),
				logx.Duration("took", time.Since(start)), logx.Err(err))
		}()
	}
}
