// Package app wires configuration, storage, the domain services, the task
// runner, notifications and the HTTP API into one process.
package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tankctl/internal/auth"
	"tankctl/internal/clock"
	"tankctl/internal/command"
	"tankctl/internal/config"
	"tankctl/internal/eventbus"
	"tankctl/internal/fleet"
	"tankctl/internal/httpapi"
	"tankctl/internal/notifier"
	rtsup "tankctl/internal/runtime/supervisor"
	"tankctl/internal/schedule"
	"tankctl/internal/storage"
	"tankctl/internal/task/engine"
	"tankctl/internal/task/scheduler"
	logx "tankctl/pkg/logx"
	"tankctl/pkg/systemd"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	clk   clock.Clock

	cmds  *command.Service
	sched *schedule.Service
	fleet *fleet.Service

	engine *engine.Service
	jobs   *scheduler.Service
	notif  *notifier.Service
	sinks  *notifier.SinkSet
	bridge *notifier.Bridge
	http   *httpapi.Server

	intervals    jobIntervals
	presharedKey string
	started      time.Time
}

// New builds the app from the manager's committed config; the manager must
// have been loaded.
func New(cfgm *config.Manager) (*App, error) {
	cfg := cfgm.Get()
	if cfg == nil {
		return nil, errors.New("config not loaded")
	}
	if err := config.RequireSecrets(cfg); err != nil {
		return nil, err
	}
	loc, err := config.LoadLocation(cfg.Timezone)
	if err != nil {
		return nil, err
	}

	// The forwarder needs the telegram sink, which is built after the
	// logger; start without forwarding and enable it once wired.
	logCfg := mapLogConfig(cfg)
	bootCfg := logCfg
	bootCfg.Forward.Enabled = false
	logSvc, log := logx.New(bootCfg)
	log = log.With(logx.String("comp", "app"))

	a := &App{cfgm: cfgm, log: log, logs: logSvc, bus: eventbus.New(), clk: clock.NewReal(loc)}
	if err := a.build(cfg, logCfg); err != nil {
		a.closeEarly()
		return nil, err
	}
	return a, nil
}

func (a *App) build(cfg *config.Config, logCfg logx.Config) error {
	loc := a.clk.Location()
	root := a.logs.Logger()

	sc, err := mapStorageConfig(cfg, loc)
	if err != nil {
		return err
	}
	st, err := storage.Open(sc, root.With(logx.String("comp", "storage")))
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	a.store = st
	a.log.Info("storage ready", logx.String("driver", sc.Driver), logx.String("path", sc.Path))

	ac, err := mapAuthConfig(cfg)
	if err != nil {
		return err
	}
	tokens, err := auth.NewTokens(ac)
	if err != nil {
		return err
	}

	svc, err := mapServices(cfg)
	if err != nil {
		return err
	}
	a.intervals = svc.jobs
	a.presharedKey = svc.fleet.PresharedKey

	a.cmds = command.New(svc.commands, st, a.clk, a.bus, root.With(logx.String("comp", "commands")))
	a.sched = schedule.New(svc.schedule, st, a.cmds, a.clk, a.bus, root.With(logx.String("comp", "schedule")))
	a.cmds.SetOverrides(a.sched)
	a.fleet = fleet.New(svc.fleet, st, tokens, a.sched, a.clk, a.bus, root.With(logx.String("comp", "fleet")))

	sinkCfg, err := mapSinksConfig(cfg)
	if err != nil {
		return err
	}
	nlog := root.With(logx.String("comp", "notifier"))
	sinks, err := notifier.BuildSinks(sinkCfg, nlog)
	if err != nil {
		return err
	}
	a.sinks = sinks
	a.notif = notifier.New(svc.notifier, sinks.Sinks, nlog, a.bus, st)
	a.bridge = notifier.NewBridge(a.notif, a.bus, loc, notifierEvents(cfg), nlog.With(logx.String("part", "bridge")))
	if len(sinks.Sinks) == 0 {
		a.log.Warn("no notification sinks configured; alerts are logged only")
	}

	if sinks.Telegram != nil {
		a.logs.SetForwarder(sinks.Telegram)
	} else if logCfg.Forward.Enabled {
		a.log.Warn("logging.forward needs the telegram sink; forwarding disabled")
	}
	a.logs.Apply(logCfg)

	a.engine = engine.New(svc.engine, root.With(logx.String("comp", "taskengine")), a.bus)
	a.jobs = scheduler.New(loc, a.engine, root.With(logx.String("comp", "scheduler")))
	if err := a.registerJobs(svc.jobs); err != nil {
		return err
	}

	hc, err := mapHTTPConfig(cfg)
	if err != nil {
		return err
	}
	a.http = httpapi.New(hc, httpapi.Deps{
		Commands:  a.cmds,
		Schedules: a.sched,
		Fleet:     a.fleet,
		Tokens:    tokens,
		Bus:       a.bus,
		Clock:     a.clk,
		Health:    a.health,
	}, root.With(logx.String("comp", "http")))
	return nil
}

// closeEarly releases what a failed build already opened.
func (a *App) closeEarly() {
	if a.sinks != nil {
		_ = a.sinks.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	_ = a.logs.Close()
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

// HTTP exposes the API server, mainly for tests.
func (a *App) HTTP() *httpapi.Server { return a.http }

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.started = a.clk.Now()

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	// transactional config reload: everything that reload applies must map
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		if _, err := mapServices(cfg); err != nil {
			return err
		}
		_, err := mapSinksConfig(cfg)
		return err
	})

	if a.notif.Enabled() {
		a.notif.Start(a.sup.Context())
	}
	a.sup.GoRestart("notifier.bridge", a.bridge.Run, rtsup.WithRestartBackoff(time.Second, 30*time.Second))

	if a.engine.Enabled() {
		a.engine.Start(a.sup.Context())
		a.jobs.Start(a.sup.Context())
	} else {
		a.log.Warn("task engine disabled; periodic jobs will not run")
	}

	a.sup.Go("http.serve", a.http.Run)

	a.sup.Go("eventbus.log", func(c context.Context) error {
		events, unsub := a.bus.Subscribe(128)
		defer unsub()
		for {
			select {
			case <-c.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.String("tank_id", e.DeviceID), logx.Time("time", e.Time))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go("config.reload", func(c context.Context) error {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return nil
			case newCfg, ok := <-sub:
				if !ok {
					return nil
				}
				// coalesce bursts
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
				a.applyConfig(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", a.cfgm.Watch)

	if iv := systemd.WatchdogInterval(); iv > 0 {
		a.sup.Go("systemd.watchdog", func(c context.Context) error {
			return systemd.Watchdog(c, iv, func() bool { return a.sup.Err() == nil })
		})
	}
	if sent, err := systemd.Ready(); err != nil {
		a.log.Warn("sd_notify ready failed", logx.Err(err))
	} else if sent {
		a.log.Debug("sd_notify ready sent")
	}

	a.log.Info("app started",
		logx.String("tz", a.clk.Location().String()),
		logx.Any("sinks", a.notif.Sinks()),
	)
	return nil
}

// applyConfig fans a committed reload out to the running services.
func (a *App) applyConfig(ctx context.Context, oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}
	if restart := config.RequiresRestart(sections); len(restart) > 0 {
		a.log.Warn("config changed; restart required for these sections", logx.String("sections", strings.Join(restart, ",")))
	}

	svc, err := mapServices(newCfg)
	if err != nil {
		a.log.Warn("invalid config; keeping previous", logx.Err(err))
		return
	}

	logCfg := mapLogConfig(newCfg)
	if a.sinks.Telegram == nil {
		logCfg.Forward.Enabled = false
	}
	a.logs.Apply(logCfg)

	a.cmds.Apply(svc.commands)
	a.sched.Apply(svc.schedule)
	// secrets keep their startup values until restart
	fc := svc.fleet
	fc.PresharedKey = a.presharedKey
	a.fleet.Apply(fc)

	prevEng := a.engine.Enabled()
	a.engine.Apply(ctx, svc.engine)
	switch {
	case prevEng && !svc.engine.Enabled:
		a.log.Info("task engine disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.jobs.Stop(stopCtx)
		a.engine.Stop(stopCtx)
		cancel()
	case !prevEng && svc.engine.Enabled:
		a.log.Info("task engine enabled via config")
		a.engine.Start(ctx)
		a.jobs.Start(ctx)
	}
	if svc.jobs != a.intervals {
		if err := a.registerJobs(svc.jobs); err != nil {
			a.log.Warn("job intervals not applied", logx.Err(err))
		} else {
			a.intervals = svc.jobs
		}
	}

	prevNotif := a.notif.Enabled()
	a.notif.Apply(svc.notifier)
	switch {
	case prevNotif && !svc.notifier.Enabled:
		a.log.Info("notifier disabled via config")
		stopCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		a.notif.Stop(stopCtx)
		cancel()
	case !prevNotif && svc.notifier.Enabled:
		a.log.Info("notifier enabled via config")
		a.notif.Start(ctx)
	}
	if sinksChanged(oldCfg, newCfg) {
		a.log.Warn("notification sinks changed; restart required to reconnect them")
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func sinksChanged(oldCfg, newCfg *config.Config) bool {
	o, _ := mapSinksConfig(oldCfg)
	n, _ := mapSinksConfig(newCfg)
	return o != n
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))
	if _, err := systemd.Stopping(); err != nil {
		a.log.Debug("sd_notify stopping failed", logx.Err(err))
	}

	// Cancel first so background loops, the HTTP server included, start unwinding.
	a.sup.Cancel()

	a.step(ctx, "scheduler", 2*time.Second, func(c context.Context) error { a.jobs.Stop(c); return nil })
	a.step(ctx, "taskengine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	a.step(ctx, "notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	a.step(ctx, "sinks", time.Second, func(context.Context) error { return a.sinks.Close() })
	// waits for http.serve, whose shutdown is bounded on its own
	a.step(ctx, "supervisor", 6*time.Second, func(c context.Context) error { return a.sup.Wait(c) })
	a.step(ctx, "storage", time.Second, func(context.Context) error { return a.store.Close() })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// step runs one shutdown step with an upper bound so one component can't
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
		a.log.Warn("stop step skipped, no time left", logx.String("name", name))
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
		a.log.Warn("stop step deadline reached (continuing)",
			logx.String("name", name),
			logx.Duration("elapsed", time.Since(start)),
		)
		go func() {
			if err := <-done; err != nil {
				a.log.Warn("stop step finished after deadline", logx.String("name", name), logx.Err(err))
			}
		}()
	}
}

func (a *App) health() map[string]any {
	out := map[string]any{
		"engine":    a.engine.Snapshot(),
		"schedules": a.jobs.Snapshot(),
		"notifier": map[string]any{
			"enabled": a.notif.Enabled(),
			"sinks":   a.notif.Sinks(),
			"recent":  len(a.notif.History()),
		},
		"bus": a.bus.Stats(),
	}
	if a.sup != nil {
		out["uptime"] = a.clk.Now().Sub(a.started).Round(time.Second).String()
		out["loops"] = a.sup.Snapshot()
	}
	return out
}
