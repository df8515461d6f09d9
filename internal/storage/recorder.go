package storage

import (
	"context"
	"time"

	"taskrunner/internal/eventbus"
	logx "taskrunner/pkg/logx"
)

// Recorder persists schedule.done events.
type Recorder struct {
	store Store
	bus   eventbus.Bus
	log   logx.Logger
}

func NewRecorder(store Store, bus eventbus.Bus, log logx.Logger) *Recorder {
	return &Recorder{store: store, bus: bus, log: log.OrNop().Named("recorder")}
}

// Run consumes events until ctx is done, then writes whatever is still
// buffered. Write failures are logged.
func (r *Recorder) Run(ctx context.Context) error {
	ch, unsub := r.bus.Subscribe(256)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case ev, ok := <-ch:
					if !ok {
						return nil
					}
					r.handle(ctx, ev)
				default:
					return nil
				}
			}
		case ev, ok := <-ch:
			if !ok {
				return nil
			}
			r.handle(ctx, ev)
		}
	}
}

func (r *Recorder) handle(ctx context.Context, ev eventbus.Event) {
	done, isDone := ev.Data.(eventbus.Done)
	if ev.Type != eventbus.TypeScheduleDone || !isDone {
		return
	}
	rec := Record{
		LogRecord:  done.Record,
		Model:      done.Model,
		DurationMS: done.Duration.Milliseconds(),
		StoredAt:   ev.Time,
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := r.store.AppendRecord(wctx, rec); err != nil {
		r.log.Warn("recorder.append_failed", logx.String("schedule_id", rec.ScheduleID), logx.Err(err))
	}
}
