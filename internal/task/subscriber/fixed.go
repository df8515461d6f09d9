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

// fixedSubscriber feeds N workers through a channel of capacity Q. The loop is
// the only producer and blocks while the channel is full, so nothing is
// dropped and at most N+Q executors exist at once.
type fixedSubscriber struct {
	*core
	workers int
	queue   chan *executor.Executor
	sup     atomic.Pointer[supervisor.Supervisor]
}

func newFixed(cfg Config, deps Deps) *fixedSubscriber {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers
	}
	return &fixedSubscriber{
		core:    newCore(cfg, deps),
		workers: cfg.Workers,
		queue:   make(chan *executor.Executor, cfg.QueueSize),
	}
}

func (f *fixedSubscriber) Run(ctx context.Context) error {
	f.running.Store(true)
	defer f.running.Store(false)

	// Workers outlive ctx so queued executors are drained.
	sup := supervisor.New(context.WithoutCancel(ctx),
		supervisor.WithLogger(f.log),
		supervisor.WithPanicHook(func(name string, p any, stack string) {
			f.report(ctx, exceptions.Report{Err: fmt.Errorf("worker %s panic: %v", name, p), Stage: exceptions.StageWorker, Panic: p, Stack: stack})
		}),
	)
	f.sup.Store(sup)
	for i := 0; i < f.workers; i++ {
		sup.GoRestart(fmt.Sprintf("worker-%d", i), f.work)
	}

	f.loop(ctx, f)
	close(f.queue)

	dctx, cancel := context.WithTimeout(context.Background(), f.cfg.DrainTimeout)
	defer cancel()
	if err := sup.Wait(dctx); err != nil && dctx.Err() != nil {
		f.log.Warn("subscriber.drain_incomplete", logx.Err(err), logx.Int("queued", len(f.queue)))
		sup.Cancel()
	}
	f.stopSubscription()
	f.log.Info("subscriber.stopped")
	return nil
}

// work consumes executors until the channel is closed.
func (f *fixedSubscriber) work(ctx context.Context) error {
	for ex := range f.queue {
		f.execute(ctx, ex)
	}
	return nil
}

func (f *fixedSubscriber) schedulable() bool { return true }

func (f *fixedSubscriber) executable() bool { return true }

// submit blocks while the work queue is full. Workers keep draining after
// ctx is cancelled, so the send always completes.
func (f *fixedSubscriber) submit(_ context.Context, ex *executor.Executor) {
	f.queue <- ex
}

func (f *fixedSubscriber) Snapshot() Snapshot {
	snap := f.snapshot()
	snap.Workers = f.workers
	snap.QueueSize = cap(f.queue)
	snap.WorkQueue = len(f.queue)
	if sup := f.sup.Load(); sup != nil {
		ss := sup.Snapshot()
		snap.Supervisor = &ss
	}
	return snap
}
