// Package dispatch resolves schedules to executors.
//
// Dispatch never fails: when no executor matches, or building one goes wrong,
// the caller gets a degraded executor whose result explains why. The only
// fatal error is a strategy/registry key mismatch, reported by New.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"taskrunner/internal/eventbus"
	"taskrunner/internal/task/executor"
	"taskrunner/internal/task/model"
	"taskrunner/internal/task/registry"
	logx "taskrunner/pkg/logx"
)

var ErrKeyFieldMismatch = errors.New("dispatcher key fields do not match registry")

type Option func(*Dispatcher)

func WithLogger(log logx.Logger) Option { return func(d *Dispatcher) { d.log = log } }

func WithBus(bus eventbus.Bus) Option { return func(d *Dispatcher) { d.bus = bus } }

// WithExecutorOptions are passed to every executor the dispatcher builds.
func WithExecutorOptions(opts ...executor.Option) Option {
	return func(d *Dispatcher) { d.execOpts = append(d.execOpts, opts...) }
}

type Dispatcher struct {
	strategy Strategy
	registry *registry.Registry
	log      logx.Logger
	bus      eventbus.Bus
	execOpts []executor.Option

	dispatched atomic.Uint64
	degraded   atomic.Uint64
}

func New(s Strategy, r *registry.Registry, opts ...Option) (*Dispatcher, error) {
	if s == nil || r == nil {
		return nil, fmt.Errorf("%w: strategy and registry are required", ErrKeyFieldMismatch)
	}
	if !registry.SameFields(s.Fields(), r.Fields()) {
		return nil, fmt.Errorf("%w: strategy %s uses %v, registry declares %v", ErrKeyFieldMismatch, s.Name(), s.Fields(), r.Fields())
	}
	d := &Dispatcher{strategy: s, registry: r, bus: eventbus.Discard()}
	for _, o := range opts {
		o(d)
	}
	d.log = d.log.OrNop().Named("dispatch")
	if d.bus == nil {
		d.bus = eventbus.Discard()
	}
	return d, nil
}

func (d *Dispatcher) Strategy() Strategy { return d.strategy }

// Counts returns how many dispatches resolved an executor and how many
// produced a degraded one.
func (d *Dispatcher) Counts() (dispatched, degraded uint64) {
	return d.dispatched.Load(), d.degraded.Load()
}

// Dispatch returns an executor for s. It never returns nil.
func (d *Dispatcher) Dispatch(ctx context.Context, s *model.Schedule) (ex *executor.Executor) {
	defer func() {
		if r := recover(); r != nil {
			ex = d.degrade(s, "", fmt.Sprintf("dispatch panic: %v", r))
		}
	}()
	if s == nil {
		return d.degrade(s, "", "no executor for task: <nil schedule>")
	}

	for _, m := range d.strategy.Candidates(&s.Task) {
		factory, err := d.registry.Lookup(m)
		if errors.Is(err, registry.ErrExecutorNotFound) {
			continue
		}
		if err != nil {
			return d.degrade(s, m.String(), err.Error())
		}
		runner, err := d.build(factory, s, m)
		if err != nil {
			return d.degrade(s, m.String(), err.Error())
		}
		if runner == nil {
			return d.degrade(s, m.String(), fmt.Sprintf("executor factory for %s returned nil", m))
		}
		d.dispatched.Add(1)
		d.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleDispatched, Data: eventbus.Dispatched{
			ScheduleID: s.ScheduleID,
			Task:       s.Task.Name,
			Match:      m.String(),
		}})
		d.log.Debug("schedule.dispatched", logx.String("schedule_id", s.ScheduleID), logx.String("match", m.String()))
		return executor.New(s, runner, d.execOpts...)
	}
	return d.degrade(s, "", "no executor for task: "+s.Describe())
}

func (d *Dispatcher) build(f registry.Factory, s *model.Schedule, m registry.Match) (r executor.Runner, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("executor factory panic: %v", p)
		}
	}()
	return f(s, m)
}

func (d *Dispatcher) degrade(s *model.Schedule, match, reason string) *executor.Executor {
	d.degraded.Add(1)
	id, task := "", ""
	if s != nil {
		id, task = s.ScheduleID, s.Task.Name
	}
	d.log.Warn("schedule.degraded",
		logx.String("schedule_id", id),
		logx.String("task", task),
		logx.String("strategy", d.strategy.Name()),
		logx.String("reason", reason),
	)
	d.bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleDegraded, Data: eventbus.Dispatched{
		ScheduleID: id,
		Task:       task,
		Match:      match,
		Reason:     reason,
	}})
	if s == nil {
		s = &model.Schedule{}
	}
	return executor.Degraded(s, reason, d.execOpts...)
}
