package subscriber

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"

	"taskrunner/internal/eventbus"
	"taskrunner/internal/exceptions"
	"taskrunner/internal/task/executor"
	"taskrunner/internal/task/model"
	logx "taskrunner/pkg/logx"
)

// strategy is what differs between models.
type strategy interface {
	schedulable() bool
	// executable is asked before dispatch and may reserve capacity; the
	// following submit must then release it.
	executable() bool
	submit(ctx context.Context, ex *executor.Executor)
}

// core holds the loop and the completion pipeline shared by every model.
type core struct {
	cfg  Config
	deps Deps
	log  logx.Logger
	sink exceptions.Handler
	bus  eventbus.Bus

	running     atomic.Bool
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
	pushedBack  atomic.Uint64
	loopErrors  atomic.Uint64
	completed   atomic.Uint64
	statuses    map[executor.Status]*atomic.Uint64
}

func newCore(cfg Config, deps Deps) *core {
	c := &core{
		cfg:      cfg,
		deps:     deps,
		log:      deps.Logger.OrNop().Named("subscriber").With(logx.String("model", cfg.Model)),
		sink:     deps.Exceptions,
		bus:      deps.Bus,
		statuses: make(map[executor.Status]*atomic.Uint64, len(executor.TerminalStatuses)),
	}
	if c.sink == nil {
		c.sink = exceptions.Nop
	}
	if c.bus == nil {
		c.bus = eventbus.Discard()
	}
	for _, st := range executor.TerminalStatuses {
		c.statuses[st] = new(atomic.Uint64)
	}
	return c
}

func (c *core) Model() string { return c.cfg.Model }

// loop runs iterations until ctx is cancelled.
func (c *core) loop(ctx context.Context, s strategy) {
	c.log.Info("subscriber.started",
		logx.Int("semaphore", c.deps.Subscription.Semaphore()),
		logx.Int("buffer", c.deps.Subscription.Cap()),
	)
	t := time.NewTimer(0)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
		// Keep going while there is work; pause once idle.
		for ctx.Err() == nil && c.iterate(ctx, s) {
		}
		t.Reset(c.cfg.PollInterval)
	}
}

// iterate handles at most one schedule. It reports whether it made progress.
func (c *core) iterate(ctx context.Context, s strategy) (progress bool) {
	var current *model.Schedule
	defer func() {
		if p := recover(); p != nil {
			progress = false
			c.loopErrors.Add(1)
			id := ""
			if current != nil {
				id = current.ScheduleID
			}
			c.report(ctx, exceptions.Report{
				Err:        fmt.Errorf("loop panic: %v", p),
				Stage:      exceptions.StageLoop,
				ScheduleID: id,
				Panic:      p,
				Stack:      string(debug.Stack()),
			})
		}
	}()

	sub := c.deps.Subscription
	if s.schedulable() {
		sub.Refill(ctx)
	}
	it, ok := sub.TryGet(ctx, false)
	if !ok {
		return false
	}
	current = it

	// Capacity is checked before dispatch; a pushed-back schedule is
	// dispatched once, when it finally runs.
	if !s.executable() {
		c.pushedBack.Add(1)
		if err := sub.Put(ctx, it); err != nil {
			c.log.Warn("subscriber.push_back_failed", logx.String("schedule_id", it.ScheduleID), logx.Err(err))
		}
		return false
	}
	s.submit(ctx, c.deps.Dispatcher.Dispatch(ctx, it))
	return true
}

// execute is the completion pipeline: run, classify, hooks, report, publish.
func (c *core) execute(ctx context.Context, ex *executor.Executor) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		prev := c.maxInFlight.Load()
		if n <= prev || c.maxInFlight.CompareAndSwap(prev, n) {
			break
		}
	}

	id := ex.Schedule().ScheduleID
	defer func() {
		if p := recover(); p != nil {
			stack := string(debug.Stack())
			c.report(ctx, exceptions.Report{
				Err:        fmt.Errorf("pipeline panic: %v", p),
				Stage:      exceptions.StageExecute,
				ScheduleID: id,
				Panic:      p,
				Stack:      stack,
			})
			// DONE must still be reached.
			ex.Finish(ctx, executor.StatusFailed, executor.Failed(fmt.Errorf("pipeline panic: %v", p)))
		}
	}()

	started := time.Now()
	out := ex.Start(ctx)
	st := executor.StatusOf(out)
	if st == executor.StatusFailed {
		c.report(ctx, exceptions.Report{Err: out.Err, Stage: exceptions.StageExecute, ScheduleID: id})
	}
	ex.Finish(ctx, st, out)
	took := time.Since(started)

	c.completed.Add(1)
	if ctr := c.statuses[st]; ctr != nil {
		ctr.Add(1)
	}

	rec := ex.LogRecord()
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	if err := c.deps.Subscription.Report(rctx, rec); err != nil {
		c.log.Warn("schedule.report_failed", logx.String("schedule_id", id), logx.Err(err))
		c.report(ctx, exceptions.Report{Err: err, Stage: exceptions.StageReport, ScheduleID: id})
	}
	cancel()

	c.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleDone, Data: eventbus.Done{
		Record:   rec,
		Duration: took,
		Model:    c.cfg.Model,
	}})
	lvl := c.log.Info
	if st == executor.StatusFailed || st == executor.StatusTimeout {
		lvl = c.log.Warn
	}
	lvl("schedule.done",
		logx.String("schedule_id", id),
		logx.String("status", string(st)),
		logx.Duration("took", took),
		logx.String("error", rec.Result.Error),
	)
}

func (c *core) report(ctx context.Context, r exceptions.Report) {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	c.bus.Publish(eventbus.Event{Type: eventbus.TypeExceptionReported, Data: eventbus.Exception{
		Stage:      r.Stage,
		ScheduleID: r.ScheduleID,
		Error:      r.Message(),
	}})
	exceptions.Safe(ctx, c.sink, r, c.log)
}

// stopSubscription stops the backend and logs what was left buffered.
func (c *core) stopSubscription() {
	sub := c.deps.Subscription
	if n := sub.Len(); n > 0 {
		c.log.Warn("subscriber.abandoned_buffered", logx.Int("count", n))
	}
	if err := sub.Stop(); err != nil {
		c.log.Warn("subscription.stop_failed", logx.Err(err))
	}
}

func (c *core) snapshot() Snapshot {
	sub := c.deps.Subscription
	dispatched, degraded := c.deps.Dispatcher.Counts()
	snap := Snapshot{
		Model:       c.cfg.Model,
		InFlight:    c.inFlight.Load(),
		MaxInFlight: c.maxInFlight.Load(),
		Buffered:    sub.Len(),
		BufferCap:   sub.Cap(),
		Parked:      sub.Parked(),
		Semaphore:   sub.Semaphore(),
		Dispatched:  dispatched,
		Degraded:    degraded,
		PushedBack:  c.pushedBack.Load(),
		LoopErrors:  c.loopErrors.Load(),
		Completed:   c.completed.Load(),
		Running:     c.running.Load(),
		Statuses:    make(map[string]uint64, len(c.statuses)),
	}
	for st, ctr := range c.statuses {
		snap.Statuses[string(st)] = ctr.Load()
	}
	return snap
}
