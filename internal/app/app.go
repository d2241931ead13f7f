// Package app wires configuration, storage, the scheduler, enforcement,
// notifications, the chat control surface and metrics into one daemon.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"lightsout/internal/config"
	"lightsout/internal/control"
	"lightsout/internal/enforce"
	"lightsout/internal/eventbus"
	"lightsout/internal/metrics"
	"lightsout/internal/notifier"
	rtsup "lightsout/internal/runtime/supervisor"
	"lightsout/internal/shutdown"
	"lightsout/internal/storage"
	"lightsout/internal/timerport"
	kit "lightsout/internal/transport"
	"lightsout/internal/transport/telegram"
	logx "lightsout/pkg/logx"
	"lightsout/pkg/power"
)

type App struct {
	cfgm *config.Manager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store
	power *power.Manager

	exec   *enforce.Executor
	timers *timerport.Wall
	svc    *shutdown.Service

	// nil unless telegram is enabled
	adapter *telegram.Adapter
	chat    *notifier.Chat
	router  *control.Router
	updates chan kit.Update

	sink    metrics.Sink
	metrics *metrics.Server // nil when disabled
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	// Forwarding is switched on after the forwarder exists.
	bootCfg := logConfig(cfg)
	finalCfg := bootCfg
	bootCfg.Forward.Enabled = false
	logs, root := logx.New(bootCfg)
	log := root.With(logx.String("comp", "app"))

	a := &App{cfgm: cfgm, log: log, logs: logs, bus: eventbus.New(), sink: metrics.NewNoopSink()}
	ok := false
	defer func() {
		if !ok {
			a.closeEarly()
		}
	}()

	sc, err := cfg.Storage.Open()
	if err != nil {
		return nil, err
	}
	if a.store, err = storage.Open(sc, root.With(logx.String("comp", "storage"))); err != nil {
		return nil, err
	}
	log.Info("storage opened", logx.String("driver", sc.Driver))

	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.sink = metrics.NewPrometheusSink(reg, root)
		a.metrics = metrics.NewServer(metrics.ServerConfig{
			Addr:  cfg.Metrics.Address(),
			Path:  cfg.Metrics.Path,
			Pprof: cfg.Metrics.Pprof,
			Token: cfg.Metrics.Token,
		}, reg, root)
	}

	fan := notifier.Fanout{notifier.NewLog(root)}
	if cfg.Telegram.Enabled {
		poll, err := cfg.Telegram.Poll()
		if err != nil {
			return nil, err
		}
		ad, err := telegram.New(telegram.Config{Token: cfg.Telegram.Token, PollTimeout: poll}, root.With(logx.String("comp", "telegram")))
		if err != nil {
			return nil, err
		}
		a.adapter = ad
		a.chat = notifier.NewChat(chatConfig(cfg), ad, root)
		a.updates = make(chan kit.Update, 64)
		fan = append(fan, a.chat)
		logs.SetForwarder(a.chat)
	}
	logs.Apply(finalCfg)

	timeout, err := cfg.Enforce.Timeout()
	if err != nil {
		return nil, err
	}
	relock, err := cfg.Enforce.Relock()
	if err != nil {
		return nil, err
	}
	a.power = power.New()
	tiers, err := enforce.BuildTiers(cfg.Enforce.TierNames(), a.power, enforce.TierOptions{
		Command:          cfg.Enforce.Command,
		TrustCommandExit: cfg.Enforce.TrustCommandExit,
	})
	if err != nil {
		return nil, err
	}
	sink := a.sink
	blocker := enforce.NewSessionBlocker(a.power, relock, announceBlocking(fan, log), root)
	a.exec = enforce.New(enforce.Config{
		TierTimeout: timeout,
		OnAttempt:   func(at enforce.Attempt) { sink.TierAttempt(at.Tier, at.OK, at.Took) },
	}, tiers, blocker, root)

	resync, err := cfg.Scheduler.Resync()
	if err != nil {
		return nil, err
	}
	shcfg, err := schedulerConfig(cfg)
	if err != nil {
		return nil, err
	}
	// the handler only runs after Start, by which time svc is set
	a.timers = timerport.New(timerport.Config{Resync: resync}, a.onTimer, root)
	a.svc = shutdown.New(shcfg, shutdown.Deps{
		Store:    a.store,
		Timers:   a.timers,
		Notifier: fan,
		Enforcer: a.exec,
		Bus:      a.bus,
	}, root)

	if a.adapter != nil {
		a.router = control.New(control.Config{Owners: cfg.Telegram.OwnerUserIDs}, a.adapter, a.chat, root)
		a.router.Register(control.Commands(control.Deps{
			Scheduler: a.svc,
			Blocker:   a.exec,
			Audit:     a.store,
			Location:  shcfg.Location,
			Snooze:    shcfg.Snooze,
		}, a.router)...)
	}

	ok = true
	return a, nil
}

func (a *App) onTimer(ctx context.Context, f timerport.Fire) {
	if err := a.svc.OnTimerFired(ctx, f); err != nil {
		a.log.Warn("timer fire failed", logx.String("token", f.Token), logx.Err(err))
	}
}

// closeEarly releases what New opened when it fails halfway.
func (a *App) closeEarly() {
	if a.power != nil {
		_ = a.power.Close()
	}
	if a.store != nil {
		_ = a.store.Close()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}

// Scheduler exposes the shutdown service (status, tests).
func (a *App) Scheduler() *shutdown.Service { return a.svc }

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
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	run := a.sup.Context()

	if a.metrics != nil {
		// metrics are optional; a bind failure is not fatal
		if err := a.metrics.Start(run); err != nil {
			a.log.Error("metrics server not started", logx.Err(err))
		}
		a.sup.Go0("metrics.observe", func(c context.Context) {
			metrics.Observe(c, metrics.ObserverConfig{Bus: a.bus, Sink: a.sink, State: a.metricsState}, a.log)
		})
	}

	a.svc.Start(run)
	if err := a.svc.OnHostRestart(run); err != nil {
		return fmt.Errorf("restore schedule: %w", err)
	}
	a.timers.Start(run)

	if a.adapter != nil {
		if err := a.adapter.Start(run, a.updates); err != nil {
			return err
		}
		a.sup.Go("control.dispatch", func(c context.Context) error {
			return a.router.Dispatch(c, a.updates)
		})
		a.sup.Go0("telegram.menu", func(c context.Context) {
			mctx, cancel := context.WithTimeout(c, 10*time.Second)
			defer cancel()
			if err := a.router.PublishMenu(mctx, a.adapter); err != nil {
				a.log.Warn("command menu update failed", logx.Err(err))
			}
		})
	}

	events, unsub := a.bus.Subscribe(128)
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
				a.log.Debug("event", logx.String("type", e.Type), logx.Any("data", e.Data))
			}
		}
	})

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		a.reloadLoop(c, sub)
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.sup.Go0("systemd.watchdog", watchdogLoop(a.log))
	notifyReady(a.log)

	next, has := a.svc.NextShutdown()
	fields := []logx.Field{logx.Bool("telegram", a.adapter != nil), logx.Bool("metrics", a.metrics != nil)}
	if has {
		fields = append(fields, logx.Time("next_shutdown", next))
	}
	a.log.Info("app started", fields...)
	return nil
}

func (a *App) metricsState() metrics.State {
	snap := a.svc.Snapshot()
	next, ok := a.svc.NextShutdown()
	return metrics.State{Armed: len(snap.Armed), NextShutdown: next, HasNext: ok}
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return nil
	}
	notifyStopping(a.log)
	a.log.Info("stopping", logx.String("reason", string(reason)))
	a.sup.Cancel()

	// step bounds one shutdown step so a stuck component cannot stall the rest
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline)", logx.String("name", name))
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
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name), logx.Duration("elapsed", time.Since(start)))
		}
	}

	if a.adapter != nil {
		step("telegram", 2*time.Second, a.adapter.Stop)
	}
	step("timers", time.Second, func(c context.Context) error { a.timers.Stop(c); return nil })
	step("scheduler", 3*time.Second, a.svc.Stop)
	step("enforce", time.Second, func(context.Context) error { a.exec.Close(); return nil })
	if a.chat != nil {
		step("notifier", 2*time.Second, a.chat.Close)
	}
	if a.metrics != nil {
		step("metrics", time.Second, a.metrics.Stop)
	}
	step("power", time.Second, func(context.Context) error { return a.power.Close() })
	step("storage", time.Second, func(context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, a.sup.Wait)

	a.log.Info("stopped")
	return a.logs.Close()
}
