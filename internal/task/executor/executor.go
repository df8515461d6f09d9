package executor

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"taskrunner/internal/config"
	"taskrunner/internal/task/model"
	logx "taskrunner/pkg/logx"
)

// DefaultTTL is the advisory time budget used when the task config has no ttl.
const DefaultTTL = time.Hour

// TriggerDone fires a callback whatever the outcome status was.
const TriggerDone = "DONE"

// Runner is the unit of work bound to a schedule.
//
// Run must not assume it will be interrupted: timeouts are advisory, and a
// long-running unit of work checks ex.TimedOut() itself.
type Runner interface {
	Run(ctx context.Context, ex *Executor) Outcome
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context, ex *Executor) Outcome

func (f RunnerFunc) Run(ctx context.Context, ex *Executor) Outcome { return f(ctx, ex) }

// Callback is a fire-and-forget completion hook. Delivery results are not observed.
type Callback interface {
	Start(ctx context.Context)
}

// CallbackBuilder constructs callbacks by name.
type CallbackBuilder interface {
	Build(name string, config map[string]any, ex *Executor) (Callback, error)
}

// Result is what an executor produced.
type Result struct {
	Output any    `json:"output,omitempty"`
	Error  string `json:"error,omitempty"`
}

// LogRecord is the completion record emitted for every executor.
type LogRecord struct {
	ScheduleID   string    `json:"schedule_id"`
	Status       Status    `json:"status"`
	Result       Result    `json:"result"`
	Queue        string    `json:"queue,omitempty"`
	ScheduleTime time.Time `json:"schedule_time"`
}

type Option func(*Executor)

// WithCallbacks sets the builder used for schedule callbacks.
func WithCallbacks(b CallbackBuilder) Option { return func(e *Executor) { e.callbacks = b } }

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(e *Executor) {
		if now != nil {
			e.now = now
		}
	}
}

// WithDefaultTTL sets the TTL used when the task config has none.
func WithDefaultTTL(d time.Duration) Option {
	return func(e *Executor) {
		if d > 0 {
			e.defaultTTL = d
		}
	}
}

func WithLogger(log logx.Logger) Option { return func(e *Executor) { e.log = log } }

// WithOnDone registers a hook invoked once, after callbacks and before DONE.
func WithOnDone(fn func(*Executor)) Option { return func(e *Executor) { e.onDoneHook = fn } }

// Executor runs one schedule and owns its lifecycle:
//
//	INIT -> RUNNING -> {SUCCEED|EMPTY|ERROR_BUT_NO_RETRY|FAILED|TIMEOUT} -> DONE
type Executor struct {
	schedule   *model.Schedule
	runner     Runner
	callbacks  CallbackBuilder
	now        func() time.Time
	defaultTTL time.Duration
	log        logx.Logger
	onDoneHook func(*Executor)

	createdAt time.Time
	ttl       time.Duration

	mu         sync.Mutex
	status     Status
	terminal   Status
	result     Result
	startedAt  time.Time
	finishedAt time.Time

	doneOnce sync.Once
}

// New binds runner to schedule.
func New(s *model.Schedule, runner Runner, opts ...Option) *Executor {
	e := &Executor{
		schedule:   s,
		runner:     runner,
		now:        time.Now,
		defaultTTL: DefaultTTL,
		status:     StatusInit,
	}
	for _, o := range opts {
		o(e)
	}
	e.log = e.log.OrNop()
	e.createdAt = e.now()
	e.ttl = ttlFrom(s, e.defaultTTL)
	return e
}

// Degraded returns a base executor with no unit of work. Its result already
// carries message, and running it ends in ERROR_BUT_NO_RETRY.
func Degraded(s *model.Schedule, message string, opts ...Option) *Executor {
	e := New(s, nil, opts...)
	e.result.Error = message
	return e
}

func (e *Executor) Schedule() *model.Schedule { return e.schedule }

// IsDegraded reports whether the executor has no unit of work.
func (e *Executor) IsDegraded() bool { return e.runner == nil }

func (e *Executor) CreatedAt() time.Time { return e.createdAt }

func (e *Executor) TTL() time.Duration { return e.ttl }

// TimedOut reports whether the TTL has elapsed since creation. It is advisory
// and never stops a running unit of work.
func (e *Executor) TimedOut() bool {
	return e.now().Sub(e.createdAt) > e.ttl
}

func (e *Executor) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

// Terminal returns the outcome status, or "" before Finish.
func (e *Executor) Terminal() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.terminal
}

func (e *Executor) Result() Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}

// Duration returns the time between Start and Finish (0 while running).
func (e *Executor) Duration() time.Duration {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.startedAt.IsZero() || e.finishedAt.IsZero() {
		return 0
	}
	return e.finishedAt.Sub(e.startedAt)
}

// Start moves INIT to RUNNING and runs the unit of work. Panics are returned
// as Failed outcomes.
func (e *Executor) Start(ctx context.Context) (out Outcome) {
	e.mu.Lock()
	if e.status != StatusInit {
		e.mu.Unlock()
		return Failed(ErrAlreadyStarted)
	}
	e.status = StatusRunning
	e.startedAt = e.now()
	runner := e.runner
	degraded := e.result.Error
	e.mu.Unlock()

	if runner == nil {
		if degraded != "" {
			return OutcomeOf(nil, fmt.Errorf("%w: %s", ErrNotImplemented, degraded))
		}
		return OutcomeOf(nil, ErrNotImplemented)
	}

	defer func() {
		if r := recover(); r != nil {
			e.log.Error("executor.panic", logx.String("schedule_id", e.schedule.ScheduleID), logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			out = Failed(fmt.Errorf("panic: %v", r))
		}
	}()
	return runner.Run(ctx, e)
}

// Finish records the outcome status and runs the done hooks. Only the first
// call has any effect; it reports whether this call was the one.
func (e *Executor) Finish(ctx context.Context, status Status, o Outcome) bool {
	if !IsTerminal(status) {
		o = Failed(fmt.Errorf("invalid terminal status %q", status))
		status = StatusFailed
	}
	fired := false
	e.doneOnce.Do(func() {
		fired = true
		e.mu.Lock()
		if e.status == StatusInit {
			e.status = StatusRunning
			e.startedAt = e.now()
		}
		if allowedTransition(e.status, status) {
			e.status = status
		}
		e.terminal = status
		e.result = Result{Output: o.Output, Error: o.errorString()}
		e.finishedAt = e.now()
		e.mu.Unlock()

		e.onDone(ctx, status)

		e.mu.Lock()
		e.status = StatusDone
		e.mu.Unlock()
	})
	return fired
}

// Execute is Start + StatusOf + Finish for callers without a pipeline of their own.
func (e *Executor) Execute(ctx context.Context) Status {
	o := e.Start(ctx)
	st := StatusOf(o)
	e.Finish(ctx, st, o)
	return st
}

func (e *Executor) LogRecord() LogRecord {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.terminal
	if st == "" {
		st = e.status
	}
	rec := LogRecord{Status: st, Result: e.result}
	if e.schedule != nil {
		rec.ScheduleID = e.schedule.ScheduleID
		rec.Queue = e.schedule.Queue
		rec.ScheduleTime = e.schedule.ScheduleTime
	}
	return rec
}

func (e *Executor) onDone(ctx context.Context, status Status) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("executor.on_done_panic", logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()

	if cb := e.callbackFor(status); cb != nil && e.callbacks != nil {
		c, err := e.callbacks.Build(cb.Name, cb.Config, e)
		if err != nil {
			e.log.Warn("callback.build_failed", logx.String("callback", cb.Name), logx.String("schedule_id", e.schedule.ScheduleID), logx.Err(err))
		} else if c != nil {
			cctx := context.WithoutCancel(ctx)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						e.log.Error("callback.panic", logx.String("callback", cb.Name), logx.Any("panic", r))
					}
				}()
				c.Start(cctx)
			}()
		}
	}
	if e.onDoneHook != nil {
		e.onDoneHook(e)
	}
}

func (e *Executor) callbackFor(status Status) *model.Callback {
	if e.schedule == nil || e.schedule.Callback == nil {
		return nil
	}
	cb := e.schedule.Callback
	trigger := strings.ToUpper(strings.TrimSpace(cb.TriggerEvent))
	if trigger == TriggerDone || trigger == string(status) {
		return cb
	}
	return nil
}

func ttlFrom(s *model.Schedule, def time.Duration) time.Duration {
	if s == nil {
		return def
	}
	d, err := config.ParseDuration(s.Task.Config["ttl"])
	if err != nil || d <= 0 {
		return def
	}
	return d
}
