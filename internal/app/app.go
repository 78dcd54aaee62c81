package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"roomrelay/internal/auth"
	"roomrelay/internal/config"
	"roomrelay/internal/directory"
	"roomrelay/internal/eventbus"
	"roomrelay/internal/observability/admin"
	"roomrelay/internal/relay"
	rtsup "roomrelay/internal/runtime/supervisor"
	"roomrelay/internal/storage"
	"roomrelay/internal/transport/ws"
	logx "roomrelay/pkg/logx"
)

type App struct {
	cfgm *config.ConfigManager
	cfg  *config.Config

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	dir   *directory.Directory

	relay     *relay.Server
	monitor   *relay.Monitor
	monitorOn bool
	admin     *admin.Server

	server  serverSettings
	handler ws.HandlerConfig
	httpSrv *http.Server
	ln      net.Listener

	sup      *rtsup.Supervisor
	stopOnce sync.Once
}

func NewApp(cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}

	logs, log := logx.New(mapLoggingConfig(cfg))

	server, hcfg, _ := mapServerConfig(cfg)
	acfg, verify, _ := mapAuthConfig(cfg)
	scfg, _ := mapStorageConfig(cfg)
	rcfg, _ := mapRelayConfig(cfg)
	mcfg, monitorOn, _ := mapMonitorConfig(cfg)
	ttl, _ := mapDirectoryTTL(cfg)

	store, err := storage.Open(scfg, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logs.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}

	var users auth.UserLookup
	if verify {
		users = store
	}
	jwt, err := auth.NewJWT(acfg, users)
	if err != nil {
		_ = store.Close()
		_ = logs.Close()
		return nil, err
	}

	bus := eventbus.New()
	dir := directory.New(store, ttl, log.With(logx.String("comp", "directory")))
	srv := relay.NewServer(rcfg, nil, relay.Deps{
		Auth:  jwt,
		Rooms: dir,
		Store: store,
		Bus:   bus,
		Log:   log.With(logx.String("comp", "relay")),
	})
	mon := relay.NewMonitor(mcfg, srv.Registry(), srv, log.With(logx.String("comp", "liveness")))

	a := &App{
		cfgm:      cfgm,
		cfg:       cfg,
		log:       log,
		logs:      logs,
		bus:       bus,
		store:     store,
		dir:       dir,
		relay:     srv,
		monitor:   mon,
		monitorOn: monitorOn,
		server:    server,
		handler:   hcfg,
	}

	if adm, enabled := mapAdminConfig(cfg); enabled {
		a.admin, err = admin.New(adm, admin.Sources{Health: a.Err, Stats: func() any { return a.Stats() }},
			log.With(logx.String("comp", "admin")))
		if err != nil {
			_ = store.Close()
			_ = logs.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *App) Relay() *relay.Server { return a.relay }
func (a *App) Store() storage.Store { return a.store }

// Addr is the bound websocket listener address after Start.
func (a *App) Addr() string {
	if a.ln == nil {
		return ""
	}
	return a.ln.Addr().String()
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

// Stats is the admin /stats payload.
type Stats struct {
	Relay      relay.Stats     `json:"relay"`
	Supervisor rtsup.Snapshot  `json:"supervisor"`
	Admin      *rtsup.Snapshot `json:"admin,omitempty"`
	BusDropped uint64          `json:"bus_dropped"`
}

func (a *App) Stats() Stats {
	st := Stats{Relay: a.relay.Stats(), BusDropped: a.bus.Dropped()}
	if a.sup != nil {
		st.Supervisor = a.sup.Snapshot()
	}
	if a.admin != nil {
		if sup := a.admin.Supervisor(); sup != nil {
			snap := sup.Snapshot()
			st.Admin = &snap
		}
	}
	return st
}

// StatusLine summarizes live load for the service manager.
func (a *App) StatusLine() string {
	st := a.relay.Stats()
	return fmt.Sprintf("%d connections in %d rooms, %d messages relayed", st.Connections, len(st.Rooms), st.Messages)
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log.With(logx.String("comp", "supervisor"))), rtsup.WithCancelOnError(true))

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(c context.Context, cfg *config.Config) error {
		return validateConfig(cfg)
	})

	ln, err := net.Listen("tcp", a.server.Addr)
	if err != nil {
		_ = a.sup.Stop(context.Background())
		a.sup = nil
		return fmt.Errorf("listen %s: %w", a.server.Addr, err)
	}
	a.ln = ln

	mux := http.NewServeMux()
	h := ws.NewHandler(a.sup.Context(), a.relay, a.handler, a.log.With(logx.String("comp", "ws")))
	h.Register(mux)
	a.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: a.handler.HandshakeTimeout}

	a.sup.Go("relay.http", func(c context.Context) error {
		a.log.Info("relay listening", logx.String("addr", ln.Addr().String()), logx.String("pattern", h.Pattern()))
		err := a.httpSrv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})

	if a.monitorOn {
		a.monitor.Start()
	}
	if a.admin != nil {
		a.admin.Start(a.sup.Context())
	}

	events, unsubscribe := a.bus.Subscribe(256, "relay")
	a.sup.Go("eventbus.log", func(c context.Context) error {
		defer unsubscribe()
		log := a.log.With(logx.String("comp", "eventbus"))
		for {
			select {
			case <-c.Done():
				return nil
			case ev, ok := <-events:
				if !ok {
					return nil
				}
				fields := []logx.Field{logx.String("type", ev.Type)}
				if le, ok := ev.Data.(relay.LifecycleEvent); ok {
					fields = append(fields,
						logx.String("conn", le.ConnID),
						logx.Int64("room_id", le.RoomID),
						logx.String("user", le.User),
					)
					if le.Reason != "" {
						fields = append(fields, logx.String("reason", le.Reason))
					}
				}
				log.Debug("event", fields...)
			}
		}
	})

	updates := a.cfgm.Subscribe(4)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(updates)
		prev := a.cfg
		for {
			select {
			case <-c.Done():
				return nil
			case cfg, ok := <-updates:
				if !ok {
					return nil
				}
				// Coalesce bursts: apply only the newest.
			drain:
				for {
					select {
					case next, ok := <-updates:
						if !ok {
							break drain
						}
						cfg = next
					default:
						break drain
					}
				}
				a.applyConfig(prev, cfg)
				prev = cfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started")
	return nil
}

// Reload re-reads the config file now (SIGHUP) and drops the room cache so
// rooms changed with relayctl are seen. Unchanged content is not an error.
func (a *App) Reload(ctx context.Context) error {
	a.dir.Forget()
	_, err := a.cfgm.Reload(ctx)
	if errors.Is(err, config.ErrUnchanged) {
		a.log.Info("config reloaded (no changes)")
		return nil
	}
	return err
}

// applyConfig pushes hot-reloadable sections to live components. The config
// has passed validateConfig, so mapper errors cannot occur here.
func (a *App) applyConfig(prev, cfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, cfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	a.logs.Apply(mapLoggingConfig(cfg))

	if rc, err := mapRelayConfig(cfg); err == nil {
		a.relay.Apply(rc)
	}
	if mc, enabled, err := mapMonitorConfig(cfg); err == nil {
		a.monitor.Apply(mc)
		switch {
		case enabled && !a.monitorOn:
			a.monitor.Start()
		case !enabled && a.monitorOn:
			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			_ = a.monitor.Stop(ctx)
			cancel()
			a.log.Info("liveness monitor stopped by config")
		}
		a.monitorOn = enabled
	}
	if ttl, err := mapDirectoryTTL(cfg); err == nil {
		a.dir.SetTTL(ttl)
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
	if restart := config.RestartRequired(sections); len(restart) > 0 {
		a.log.Warn("config change requires restart", logx.String("sections", strings.Join(restart, ",")))
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.stopOnce.Do(func() { a.stop(ctx, reason) })
	return nil
}

func (a *App) stop(ctx context.Context, reason StopReason) {
	a.log.Info("stopping", logx.String("reason", string(reason)))

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, limit time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", limit))

		stepCtx := ctx
		if limit > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				limit = min(limit, max(time.Until(dl), 0))
			}
			var cancel context.CancelFunc
			stepCtx, cancel = context.WithTimeout(ctx, limit)
			defer cancel()
		}

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
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", time.Since(start)),
			)
			go func() {
				err := <-done
				a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", time.Since(start)))
			}()
		}
	}

	// Stop accepting upgrades first, then drain live sessions with 1001.
	step("http", time.Second, func(c context.Context) error { return a.httpSrv.Shutdown(c) })
	step("relay", a.server.ShutdownTimeout, func(c context.Context) error { return a.relay.Shutdown(c) })
	step("liveness", time.Second, func(c context.Context) error { return a.monitor.Stop(c) })
	step("admin", time.Second, func(c context.Context) error {
		if a.admin != nil {
			return a.admin.Stop(c)
		}
		return nil
	})

	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Stop(c) })
	step("storage", time.Second, func(c context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	_ = a.logs.Close()
}
