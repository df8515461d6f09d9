// Package exceptions is the side channel for unexpected errors raised while
// polling, dispatching or executing schedules.
//
// Handlers must not block the caller for long. A failing handler is logged at
// debug level and otherwise ignored; nothing reported here can stop the
// execution loop.
package exceptions

import (
	"context"
	"fmt"
	"time"

	logx "taskrunner/pkg/logx"
)

// Stages name where a report came from.
const (
	StageRefill   = "refill"
	StageDispatch = "dispatch"
	StageExecute  = "execute"
	StageLoop     = "loop"
	StageWorker   = "worker"
	StageReport   = "report"
)

type Report struct {
	Err        error
	Stage      string
	ScheduleID string
	Panic      any
	Stack      string
	At         time.Time
}

func (r Report) Message() string {
	switch {
	case r.Err != nil:
		return r.Err.Error()
	case r.Panic != nil:
		return fmt.Sprintf("panic: %v", r.Panic)
	default:
		return "unknown error"
	}
}

type Handler interface {
	Handle(ctx context.Context, r Report)
}

type HandlerFunc func(ctx context.Context, r Report)

func (f HandlerFunc) Handle(ctx context.Context, r Report) { f(ctx, r) }

// Nop discards reports.
var Nop Handler = HandlerFunc(func(context.Context, Report) {})

// Multi fans a report out to every handler. A panicking handler does not
// prevent the others from running.
func Multi(log logx.Logger, hs ...Handler) Handler {
	out := make([]Handler, 0, len(hs))
	for _, h := range hs {
		if h != nil {
			out = append(out, h)
		}
	}
	return multi{handlers: out, log: log.OrNop()}
}

type multi struct {
	handlers []Handler
	log      logx.Logger
}

func (m multi) Handle(ctx context.Context, r Report) {
	if r.At.IsZero() {
		r.At = time.Now()
	}
	for _, h := range m.handlers {
		Safe(ctx, h, r, m.log)
	}
}

// Safe calls h and swallows a panic from it.
func Safe(ctx context.Context, h Handler, r Report, log logx.Logger) {
	if h == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			log.Debug("exceptions.handler_panic", logx.Any("panic", p), logx.String("stage", r.Stage))
		}
	}()
	h.Handle(ctx, r)
}

// LogHandler writes reports through logx.
type LogHandler struct {
	Log logx.Logger
}

func (h LogHandler) Handle(_ context.Context, r Report) {
	fields := []logx.Field{
		logx.String("stage", r.Stage),
		logx.String("error", r.Message()),
	}
	if r.ScheduleID != "" {
		fields = append(fields, logx.String("schedule_id", r.ScheduleID))
	}
	if r.Stack != "" {
		fields = append(fields, logx.Stack(r.Stack))
	}
	h.Log.OrNop().Error("exception", fields...)
}
