package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"lanebridge/internal/config"
	"lanebridge/internal/eventbus"
	"lanebridge/internal/ipc"
	"lanebridge/internal/lane/engine"
	"lanebridge/internal/observability/diag"
	"lanebridge/internal/reporter"
	rtsup "lanebridge/internal/runtime/supervisor"
	"lanebridge/internal/storage"
	logx "lanebridge/pkg/logx"
)

const faultWriteTimeout = 2 * time.Second

type App struct {
	cfgPath string
	version string

	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	engine   *engine.Service
	reporter *reporter.Service
	diag     *diag.Service
	reg      *ipc.Registry

	// repEnabled is only touched by Start and the reload loop.
	repEnabled bool

	// engineMu orders reload restarts against the engine stop step.
	engineMu sync.Mutex

	ipcMu  sync.Mutex
	ipcCfg ipcSettings
	ipcSrv *ipc.Server

	notify func(state string)
}

type Option func(*App)

func WithVersion(v string) Option { return func(a *App) { a.version = v } }

// WithNotifier replaces the sd_notify sender.
func WithNotifier(fn func(state string)) Option { return func(a *App) { a.notify = fn } }

func New(cfgPath string, opts ...Option) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	// transactional config reload: validate before commit/publish
	cfgm.SetValidator(validateConfig)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	logSvc, root := logx.New(mapLoggingConfig(cfg))
	log := root.Comp("app")

	bus := eventbus.New()

	// Storage (optional)
	var store storage.Store
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return nil, err
	} else if enabled {
		st, err := storage.Open(sc, root.Comp("storage"))
		if err != nil {
			return nil, err
		}
		store = st
		log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	a := &App{
		cfgPath: cfgPath,
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		bus:     bus,
		store:   store,
		reg:     ipc.NewRegistry(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.notify == nil {
		a.notify = sdNotify(root.Comp("systemd"))
	}

	perSec, burst := faultLogRate(cfg.Engine)
	a.engine = engine.New(mapEngineConfig(cfg.Engine),
		engine.WithLogger(root.Comp("engine")),
		engine.WithBus(bus),
		engine.WithFaultHandler(a.recordFault),
		engine.WithFaultLogRate(perSec, burst),
	)

	repCfg, repOn := mapReporterConfig(cfg)
	a.reporter = reporter.New(repCfg, a.engine, store, root.Comp("reporter"))
	a.repEnabled = repOn

	dcfg, err := mapDiagConfig(cfg)
	if err != nil {
		a.closeStore()
		return nil, err
	}
	a.diag = diag.New(dcfg, a.engine, root.Comp("diag"))
	a.diag.AddStatus("reporter", func() any { return a.reporter.Status() })
	a.diag.AddStatus("supervisor", func() any {
		if a.sup == nil {
			return nil
		}
		return a.sup.Snapshot()
	})

	if err := a.registerOps(); err != nil {
		a.closeStore()
		return nil, err
	}
	if a.ipcCfg, err = mapIPCConfig(cfg); err != nil {
		a.closeStore()
		return nil, err
	}
	return a, nil
}

func (a *App) registerOps() error {
	if err := ipc.RegisterBuiltins(a.reg, ipc.Builtins{
		Engine:  a.engine,
		Store:   a.store,
		Version: a.version,
		Started: time.Now(),
	}); err != nil {
		return err
	}
	for _, op := range []ipc.Op{
		{
			Name:   "reporter.status",
			Help:   "reporter schedule and counters",
			Inline: true,
			Handler: func(context.Context, json.RawMessage) (any, error) {
				return a.reporter.Status(), nil
			},
		},
		{
			Name:   "reporter.trigger",
			Help:   "queue one stats snapshot on the io lane",
			Inline: true,
			Handler: func(context.Context, json.RawMessage) (any, error) {
				return map[string]bool{"queued": a.reporter.Trigger()}, nil
			},
		},
	} {
		if err := a.reg.Register(op); err != nil {
			return err
		}
	}
	return nil
}

func validateConfig(_ context.Context, cfg *config.Config) error {
	if err := config.Validate(cfg); err != nil {
		return err
	}
	if _, err := mapIPCConfig(cfg); err != nil {
		return err
	}
	if _, err := mapDiagConfig(cfg); err != nil {
		return err
	}
	if _, _, err := mapStorageConfig(cfg); err != nil {
		return err
	}
	if rc, _ := mapReporterConfig(cfg); cfg.Reporter != nil {
		if err := reporter.New(rc, nil, nil, logx.Nop()).Validate(rc); err != nil {
			return err
		}
	}
	return nil
}

func (a *App) Engine() *engine.Service { return a.engine }

// IPCAddr is the bound op endpoint address, or nil when IPC is off.
func (a *App) IPCAddr() net.Addr {
	a.ipcMu.Lock()
	defer a.ipcMu.Unlock()
	if a.ipcSrv == nil {
		return nil
	}
	return a.ipcSrv.Addr()
}

func (a *App) DiagAddr() net.Addr { return a.diag.Addr() }

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
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.logs.Logger().Comp("config"))

	a.engine.Start()
	if a.repEnabled {
		if err := a.reporter.Start(); err != nil {
			return err
		}
	}
	a.ipcMu.Lock()
	err := a.startIPCLocked(a.sup.Context())
	a.ipcMu.Unlock()
	if err != nil {
		return err
	}
	a.diag.Start(a.sup.Context())

	// Engine events at debug level; faults are already logged (throttled) by the engine.
	if a.bus != nil {
		events, unsub := a.bus.Subscribe(128, "engine.")
		a.sup.Go0("eventbus.log", func(c context.Context) {
			defer unsub()
			for {
				select {
				case <-c.Done():
					return
				case e, ok := <-events:
					if !ok {
						return
					}
					a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time), logx.Any("data", e.Data))
				}
			}
		})
	}

	// hot reload config fan-out
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
				// Coalesce bursts: keep only the latest config in the channel.
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.startWatchdog()
	a.notify(daemon.SdNotifyReady)
	a.log.Info("app started", logx.String("config", a.cfgPath), logx.Int("workers", a.engine.WorkerCount()))
	return nil
}

func (a *App) applyConfig(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Debug("config change summary", fields...)

	if slices.Contains(sections, "storage") {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	// logging first so the remaining steps log at the new level
	if slices.Contains(sections, "logging") {
		a.logs.Apply(mapLoggingConfig(next))
	}
	if slices.Contains(sections, "engine") {
		a.applyEngine(ctx, next.Engine)
	}
	if slices.Contains(sections, "reporter") {
		a.applyReporter(ctx, next)
	}
	if slices.Contains(sections, "ipc") {
		a.applyIPC(ctx, next)
	}
	if slices.Contains(sections, "diag") {
		if dcfg, err := mapDiagConfig(next); err != nil {
			a.log.Warn("invalid diag config; keeping previous", logx.Err(err))
		} else {
			a.diag.Reconfigure(ctx, dcfg)
		}
	}

	a.log.Info("config reloaded", fields...)
}

// applyEngine restarts the engine with the new config. Stop drains (or drops)
// according to the config in effect before the change. Once ctx is done the
// engine is left stopped so a concurrent app stop is not undone.
func (a *App) applyEngine(ctx context.Context, ec config.EngineConfig) {
	a.engineMu.Lock()
	defer a.engineMu.Unlock()
	if ctx.Err() != nil {
		return
	}
	perSec, burst := faultLogRate(ec)
	a.engine.SetFaultLogRate(perSec, burst)

	want := mapEngineConfig(ec)
	if want == a.engine.Config() {
		return
	}
	wasRunning := a.engine.IsRunning()
	start := time.Now()
	a.engine.Stop()
	if err := a.engine.Reconfigure(want); err != nil {
		a.log.Warn("engine reconfigure failed; keeping previous", logx.Err(err))
	}
	if !wasRunning {
		return
	}
	if ctx.Err() != nil {
		a.log.Info("engine left stopped; shutdown began during reload")
		return
	}
	a.engine.Start()
	a.log.Info("engine restarted for new config",
		logx.Int("workers", a.engine.WorkerCount()),
		logx.Duration("took", time.Since(start)),
	)
}

func (a *App) applyReporter(ctx context.Context, cfg *config.Config) {
	rc, enabled := mapReporterConfig(cfg)
	if err := a.reporter.Apply(ctx, rc); err != nil {
		a.log.Warn("invalid reporter config; keeping previous", logx.Err(err))
		return
	}
	switch {
	case a.repEnabled && !enabled:
		a.log.Info("reporter disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.reporter.Stop(stopCtx)
		cancel()
	case !a.repEnabled && enabled:
		a.log.Info("reporter enabled via config")
		if err := a.reporter.Start(); err != nil {
			a.log.Warn("reporter start failed", logx.Err(err))
			return
		}
	}
	a.repEnabled = enabled
}

func (a *App) applyIPC(ctx context.Context, cfg *config.Config) {
	s, err := mapIPCConfig(cfg)
	if err != nil {
		a.log.Warn("invalid ipc config; keeping previous", logx.Err(err))
		return
	}
	a.ipcMu.Lock()
	defer a.ipcMu.Unlock()
	if s == a.ipcCfg {
		return
	}
	stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	a.stopIPCLocked(stopCtx)
	cancel()
	a.ipcCfg = s
	if err := a.startIPCLocked(ctx); err != nil {
		a.log.Warn("ipc restart failed", logx.Err(err))
	}
}

func (a *App) startIPCLocked(ctx context.Context) error {
	if !a.ipcCfg.Enabled || a.ipcSrv != nil {
		return nil
	}
	ilog := a.logs.Logger().Comp("ipc")
	disp := ipc.NewDispatcher(a.reg, a.engine, ipc.WithTimeout(a.ipcCfg.Timeout), ipc.WithLogger(ilog))
	srv := ipc.NewServer(a.ipcCfg.Server, disp, ilog)
	if err := srv.Start(ctx); err != nil {
		return err
	}
	a.ipcSrv = srv
	return nil
}

func (a *App) stopIPCLocked(ctx context.Context) error {
	srv := a.ipcSrv
	a.ipcSrv = nil
	if srv == nil {
		return nil
	}
	return srv.Stop(ctx)
}

// recordFault persists a fault through the IO lane. While the engine is
// stopping the lane rejects work, so the write happens inline instead.
func (a *App) recordFault(f engine.Fault) {
	if a.store == nil {
		return
	}
	rec := storage.FaultRecord{
		At:     f.At,
		RunID:  f.RunID,
		Lane:   strings.ToLower(f.Lane.String()),
		Worker: f.Worker,
		Panic:  engine.IsPanic(f.Err),
	}
	if f.Err != nil {
		rec.Error = f.Err.Error()
	}
	write := func() error {
		ctx, cancel := context.WithTimeout(context.Background(), faultWriteTimeout)
		defer cancel()
		if err := a.store.AppendFault(ctx, rec); err != nil {
			a.log.Warn("fault record failed", logx.Err(err))
		}
		// a failed write must not count as another fault
		return nil
	}
	if !a.engine.Enqueue(engine.LaneIO, write) {
		_ = write()
	}
}

func (a *App) startWatchdog() {
	interval, err := daemon.SdWatchdogEnabled(false)
	if err != nil {
		a.log.Warn("systemd watchdog config invalid", logx.Err(err))
		return
	}
	if interval <= 0 {
		return
	}
	a.sup.Go0("systemd.watchdog", func(c context.Context) {
		t := time.NewTicker(interval / 2)
		defer t.Stop()
		for {
			select {
			case <-c.Done():
				return
			case <-t.C:
				a.notify(daemon.SdNotifyWatchdog)
			}
		}
	})
	a.log.Info("systemd watchdog enabled", logx.Duration("interval", interval))
}

func sdNotify(log logx.Logger) func(string) {
	return func(state string) {
		sent, err := daemon.SdNotify(false, state)
		if err != nil {
			log.Warn("sd_notify failed", logx.String("state", state), logx.Err(err))
			return
		}
		if sent {
			log.Debug("sd_notify", logx.String("state", state))
		}
	}
}

func (a *App) closeStore() {
	if a.store != nil {
		_ = a.store.Close()
	}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.notify(daemon.SdNotifyStopping)

	// First, cancel the app run context so background loops start unwinding immediately.
	a.sup.Cancel()

	// Helper: run a shutdown step with an upper bound so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		a.log.Debug("stop step begin", logx.String("name", name), logx.Duration("max", max))

		stepCtx := ctx
		var cancel context.CancelFunc
		if max > 0 {
			// respect the caller's deadline; never extend it
			if dl, ok := ctx.Deadline(); ok {
				if rem := time.Until(dl); rem <= 0 {
					max = 0
				} else if rem < max {
					max = rem
				}
			}
			if max > 0 {
				stepCtx, cancel = context.WithTimeout(ctx, max)
				defer cancel()
			}
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
			elapsed := time.Since(start)
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Err(stepCtx.Err()),
				logx.Duration("elapsed", elapsed),
			)
			go func() {
				err := <-done
				took := time.Since(start)
				if err != nil {
					a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err), logx.Duration("took", took))
				} else {
					a.log.Info("stop step finished after deadline", logx.String("name", name), logx.Duration("took", took))
				}
			}()
		}
	}

	// Inputs first (ipc, reporter), then drain the engine, then sinks.
	step("ipc", 2*time.Second, func(c context.Context) error {
		a.ipcMu.Lock()
		defer a.ipcMu.Unlock()
		return a.stopIPCLocked(c)
	})
	step("reporter", 1*time.Second, func(c context.Context) error { a.reporter.Stop(c); return nil })
	step("engine", 10*time.Second, func(context.Context) error {
		a.engineMu.Lock()
		defer a.engineMu.Unlock()
		a.engine.Stop()
		return nil
	})
	step("diag", 1*time.Second, func(c context.Context) error { a.diag.Stop(c); return nil })
	step("storage", 1*time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})

	// Finally, wait for supervised goroutines (config watch/reload, event log).
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped", logx.Uint64("executed", a.engine.Stats().TotalExecuted()))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}
