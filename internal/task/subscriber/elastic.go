package subscriber

import (
	"context"
	"fmt"
	"runtime"
	"sync/atomic"

	"taskrunner/internal/exceptions"
	"taskrunner/internal/runtime/supervisor"
	"taskrunner/internal/task/executor"
	logx "taskrunner/pkg/logx"
)

// elasticSubscriber runs each schedule on its own goroutine. A slot in sem is
// taken before the goroutine starts and released when it ends, so the number
// of live executions never exceeds the limit. Schedules that find no free
// slot are pushed back to the subscription.
type elasticSubscriber struct {
	*core
	limit int
	sem   chan struct{}
	sup   atomic.Pointer[supervisor.Supervisor]
}

func newElastic(cfg Config, deps Deps) *elasticSubscriber {
	if cfg.Limit <= 0 {
		cfg.Limit = 4 * runtime.NumCPU()
	}
	return &elasticSubscriber{
		core:  newCore(cfg, deps),
		limit: cfg.Limit,
		sem:   make(chan struct{}, cfg.Limit),
	}
}

func (e *elasticSubscriber) Run(ctx context.Context) error {
	e.running.Store(true)
	defer e.running.Store(false)

	sup := supervisor.New(context.WithoutCancel(ctx),
		supervisor.WithLogger(e.log),
		supervisor.WithPanicHook(func(name string, p any, stack string) {
			e.report(ctx, exceptions.Report{Err: fmt.Errorf("%s panic: %v", name, p), Stage: exceptions.StageWorker, Panic: p, Stack: stack})
		}),
	)
	e.sup.Store(sup)
	e.loop(ctx, e)

	dctx, cancel := context.WithTimeout(context.Background(), e.cfg.DrainTimeout)
	defer cancel()
	if err := sup.Wait(dctx); err != nil && dctx.Err() != nil {
		e.log.Warn("subscriber.drain_incomplete", logx.Err(err), logx.Int64("live", int64(len(e.sem))))
		sup.Cancel()
	}
	e.stopSubscription()
	e.log.Info("subscriber.stopped")
	return nil
}

// schedulable stops refilling once the buffer holds limit schedules.
func (e *elasticSubscriber) schedulable() bool {
	return e.deps.Subscription.Len() < e.limit
}

func (e *elasticSubscriber) executable() bool {
	select {
	case e.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (e *elasticSubscriber) submit(_ context.Context, ex *executor.Executor) {
	sup := e.sup.Load()
	sup.Go("task", func(ctx context.Context) error {
		defer func() { <-e.sem }()
		e.execute(ctx, ex)
		return nil
	})
}

func (e *elasticSubscriber) Snapshot() Snapshot {
	snap := e.snapshot()
	snap.Limit = e.limit
	if sup := e.sup.Load(); sup != nil {
		ss := sup.Snapshot()
		snap.Supervisor = &ss
	}
	return snap
}
