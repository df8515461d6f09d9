package subscriber

import (
	"context"

	"taskrunner/internal/task/executor"
)

// syncSubscriber runs each schedule inline on the loop goroutine.
type syncSubscriber struct {
	*core
	execCtx context.Context
}

func newSync(cfg Config, deps Deps) *syncSubscriber {
	return &syncSubscriber{core: newCore(cfg, deps)}
}

func (s *syncSubscriber) Run(ctx context.Context) error {
	s.running.Store(true)
	defer s.running.Store(false)
	// A running schedule finishes even after ctx is cancelled.
	s.execCtx = context.WithoutCancel(ctx)
	s.loop(ctx, s)
	s.stopSubscription()
	s.log.Info("subscriber.stopped")
	return nil
}

// Refill only once the buffer is empty.
func (s *syncSubscriber) schedulable() bool { return s.deps.Subscription.Len() == 0 }

func (s *syncSubscriber) executable() bool { return true }

func (s *syncSubscriber) submit(_ context.Context, ex *executor.Executor) {
	s.execute(s.execCtx, ex)
}

func (s *syncSubscriber) Snapshot() Snapshot { return s.snapshot() }
