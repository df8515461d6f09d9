// Package app wires config into the subscriber, its backend and the
// supporting services, and owns their lifecycle.
package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"taskrunner/internal/callback"
	"taskrunner/internal/config"
	"taskrunner/internal/eventbus"
	"taskrunner/internal/exceptions"
	"taskrunner/internal/observability/status"
	"taskrunner/internal/runtime/supervisor"
	"taskrunner/internal/storage"
	"taskrunner/internal/task/dispatch"
	"taskrunner/internal/task/executor"
	"taskrunner/internal/task/subscriber"
	"taskrunner/internal/task/subscription"
	logx "taskrunner/pkg/logx"
)

type App struct {
	cfg config.Config

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	store storage.Store

	backend  subscription.Backend
	subs     *subscription.Subscription
	disp     *dispatch.Dispatcher
	sub      subscriber.Subscriber
	telegram *exceptions.TelegramHandler
	recorder *storage.Recorder
	metrics  *status.Collector
	status   *status.Server

	// core runs the subscriber; aux runs everything that must outlive its
	// drain (recorder, notifications, metrics, status).
	core *supervisor.Supervisor
	aux  *supervisor.Supervisor
}

// New builds every component from cfg. ctx bounds startup work such as
// database migrations.
func New(ctx context.Context, cfg config.Config) (*App, error) {
	logSvc, log := logx.New(mapLogging(cfg))
	a := &App{cfg: cfg, logs: logSvc, log: log.Named("app"), bus: eventbus.New()}
	if err := a.build(ctx); err != nil {
		a.closeResources()
		return nil, err
	}
	return a, nil
}

func (a *App) build(ctx context.Context) error {
	log := a.logs.Logger()
	cfg := a.cfg

	// Storage (optional)
	if sc, enabled, err := mapStorageConfig(cfg); err != nil {
		return err
	} else if enabled {
		st, err := storage.Open(ctx, sc, log)
		if err != nil {
			return err
		}
		a.store = st
		a.recorder = storage.NewRecorder(st, a.bus, log)
		a.log.Info("storage enabled", logx.String("driver", sc.Driver))
	}

	sink, tg, err := buildExceptions(cfg.Exceptions, a.store, log)
	if err != nil {
		return err
	}
	a.telegram = tg

	strategy, err := dispatch.StrategyByName(cfg.Dispatcher.Strategy)
	if err != nil {
		return err
	}
	reg, err := buildRegistry(cfg, strategy, nil, a.log)
	if err != nil {
		return err
	}
	callbacks := callback.NewRegistry(log, &http.Client{Timeout: config.Duration(cfg.Callbacks.HTTPTimeout, 10*time.Second)})
	a.disp, err = dispatch.New(strategy, reg,
		dispatch.WithLogger(log),
		dispatch.WithBus(a.bus),
		dispatch.WithExecutorOptions(
			executor.WithCallbacks(callbacks),
			executor.WithDefaultTTL(config.Duration(cfg.Dispatcher.DefaultTTL, 0)),
			executor.WithLogger(log),
		),
	)
	if err != nil {
		return err
	}

	a.backend, err = openBackend(ctx, cfg.Backend, log)
	if err != nil {
		return fmt.Errorf("backend %s: %w", cfg.Backend.Type, err)
	}
	a.subs = subscription.New(a.backend, subscription.Options{
		MaxSize:   cfg.Subscription.MaxSize,
		Semaphore: cfg.Subscription.Semaphore,
		Circuit: subscription.CircuitConfig{
			Trip:       cfg.Subscription.Circuit.Trip,
			BaseDelay:  config.Duration(cfg.Subscription.Circuit.BaseDelay, 0),
			MaxDelay:   config.Duration(cfg.Subscription.Circuit.MaxDelay, 0),
			ResetAfter: config.Duration(cfg.Subscription.Circuit.ResetAfter, 0),
		},
		Exceptions: sink,
		Logger:     log,
		Bus:        a.bus,
	})

	sc := cfg.Subscriber
	a.sub, err = subscriber.New(subscriber.Config{
		Model:        sc.Model,
		PollInterval: config.Duration(sc.PollInterval, 0),
		Workers:      sc.Workers,
		QueueSize:    sc.QueueSize,
		Limit:        sc.Limit,
		DrainTimeout: config.Duration(sc.DrainTimeout, 0),
	}, subscriber.Deps{
		Subscription: a.subs,
		Dispatcher:   a.disp,
		Exceptions:   sink,
		Bus:          a.bus,
		Logger:       log,
	})
	if err != nil {
		return err
	}

	if cfg.Status.Enabled {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.metrics = status.NewCollector(reg, a.sub.Snapshot)
		a.status = status.NewServer(status.Config{
			Address: cfg.Status.Address,
			Pprof:   cfg.Status.Pprof,
			Token:   cfg.Status.Token,
		}, status.Deps{
			Snapshot: a.sub.Snapshot,
			Store:    a.store,
			Gatherer: reg,
			Logger:   log,
		})
	}
	a.log.Info("app built",
		logx.String("model", a.sub.Model()),
		logx.String("backend", cfg.Backend.Type),
		logx.String("strategy", strategy.Name()),
		logx.Int("executors", reg.Len()),
	)
	return nil
}

func (a *App) Subscriber() subscriber.Subscriber { return a.sub }

func (a *App) Backend() subscription.Backend { return a.backend }

// Store is nil when storage is disabled.
func (a *App) Store() storage.Store { return a.store }

func (a *App) Bus() eventbus.Bus { return a.bus }

// StatusAddr is the bound status address, or "" when the server is not serving.
func (a *App) StatusAddr() string {
	if a.status == nil {
		return ""
	}
	return a.status.Addr()
}

// Done is closed when the subscriber context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.core == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.core.Context().Done()
}

// Err returns the first fatal error observed by either supervisor.
func (a *App) Err() error {
	if a.core == nil {
		return nil
	}
	if err := a.core.Err(); err != nil {
		return err
	}
	return a.aux.Err()
}

func (a *App) Start(ctx context.Context) error {
	if a.core != nil {
		return fmt.Errorf("app already started")
	}
	a.core = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))
	a.aux = supervisor.New(context.WithoutCancel(ctx), supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// aux only ends early on a fatal error; take the subscriber down with it.
	a.aux.Go0("aux.watch", func(c context.Context) {
		<-c.Done()
		if err := a.aux.Err(); err != nil {
			a.log.Error("aux service failed", logx.Err(err))
			a.core.Cancel()
		}
	})

	if a.recorder != nil {
		a.aux.Go("storage.recorder", a.recorder.Run)
	}
	if a.telegram != nil {
		a.aux.Go("exceptions.telegram", a.telegram.Run)
	}
	if a.metrics != nil {
		every := config.Duration(a.cfg.Status.SampleEvery, 5*time.Second)
		a.aux.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus, every) })
	}
	if a.status != nil {
		a.aux.Go("status.server", a.status.Run)
	}
	if r, ok := a.backend.(runner); ok {
		a.aux.GoRestart("backend."+a.cfg.Backend.Type, r.Run,
			supervisor.WithRestartBackoff(500*time.Millisecond, 30*time.Second))
	}

	// Keep this debug-level; done events fire once per schedule.
	events, unsub := a.bus.Subscribe(128)
	a.aux.Go0("eventbus.log", func(c context.Context) {
		defer unsub()
		for {
			select {
			case <-c.Done():
				return
			case e, ok := <-events:
				if !ok {
					return
				}
				a.log.Debug("event", logx.String("type", e.Type), logx.Time("time", e.Time))
			}
		}
	})

	a.core.Go("subscriber", a.sub.Run)
	a.log.Info("app started")
	return nil
}

// Stop drains the subscriber first so completion events still reach the
// recorder, then stops the supporting services and closes storage and logs.
func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.core == nil {
		a.closeResources()
		return nil
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		took := time.Since(start)
		if took >= 500*time.Millisecond {
			a.log.Info("stop step end", logx.String("name", name), logx.Duration("took", took))
		} else {
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", took))
		}
	}

	drain := config.Duration(a.cfg.Subscriber.DrainTimeout, 30*time.Second)
	step("subscriber", drain+2*time.Second, a.core.Stop)
	step("services", 3*time.Second, a.aux.Stop)

	err := a.Err()
	a.log.Info("stopped")
	a.closeResources()
	return err
}

func (a *App) closeResources() {
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.log.Warn("storage close failed", logx.Err(err))
		}
	}
	if a.core == nil && a.backend != nil {
		// Never started: the subscriber did not get to stop the backend.
		_ = a.backend.Stop()
	}
	if a.logs != nil {
		_ = a.logs.Close()
	}
}
