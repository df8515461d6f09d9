// Package subscription buffers schedules pulled from a task center.
//
// A Subscription is a bounded FIFO refilled in bulk from a Backend. The refill
// is serialized by a mutex; Get and Put rely on the channel alone. The buffer
// capacity together with the configured semaphore bounds how much work is
// held locally.
package subscription

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"taskrunner/internal/eventbus"
	"taskrunner/internal/exceptions"
	"taskrunner/internal/task/executor"
	"taskrunner/internal/task/model"
	logx "taskrunner/pkg/logx"
)

const DefaultMaxSize = 100

// ErrBackendPanic wraps a panic raised inside Backend.Request.
var ErrBackendPanic = errors.New("backend panic")

// Backend fetches schedules from the task center.
//
// Request returns at most limit schedules; an empty result means nothing is
// available right now. Implementations own their wire format.
type Backend interface {
	Request(ctx context.Context, limit int) ([]*model.Schedule, error)
	Stop() error
}

// Reporter is implemented by backends that accept completion records.
type Reporter interface {
	Report(ctx context.Context, rec executor.LogRecord) error
}

type Options struct {
	// MaxSize is the buffer capacity. Default DefaultMaxSize.
	MaxSize int
	// Semaphore is the refill target: Refill tops the buffer up to this
	// depth. Default MaxSize.
	Semaphore int
	Circuit   CircuitConfig
	// Exceptions receives backend panics and circuit trips.
	Exceptions exceptions.Handler
	Logger     logx.Logger
	Bus        eventbus.Bus
}

type Subscription struct {
	backend   Backend
	queue     chan *model.Schedule
	semaphore int
	circuit   *circuit
	now       func() time.Time
	log       logx.Logger
	bus       eventbus.Bus
	sink      exceptions.Handler

	refillMu sync.Mutex
	parked   []*model.Schedule // surplus from a backend that ignored limit

	parkedN  atomic.Int64
	refilled atomic.Uint64
	failures atomic.Uint64
	stopped  atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

func New(b Backend, opts Options) *Subscription {
	if opts.MaxSize <= 0 {
		opts.MaxSize = DefaultMaxSize
	}
	if opts.Semaphore <= 0 || opts.Semaphore > opts.MaxSize {
		opts.Semaphore = opts.MaxSize
	}
	if opts.Bus == nil {
		opts.Bus = eventbus.Discard()
	}
	if opts.Exceptions == nil {
		opts.Exceptions = exceptions.Nop
	}
	return &Subscription{
		backend:   b,
		queue:     make(chan *model.Schedule, opts.MaxSize),
		semaphore: opts.Semaphore,
		circuit:   newCircuit(opts.Circuit),
		now:       time.Now,
		log:       opts.Logger.OrNop().Named("subscription"),
		bus:       opts.Bus,
		sink:      opts.Exceptions,
	}
}

func (s *Subscription) Backend() Backend { return s.backend }

func (s *Subscription) Len() int { return len(s.queue) }

func (s *Subscription) Cap() int { return cap(s.queue) }

func (s *Subscription) Semaphore() int { return s.semaphore }

// Parked returns how many surplus schedules wait for the next Update.
func (s *Subscription) Parked() int { return int(s.parkedN.Load()) }

// Stats returns the total number of schedules refilled and failed requests.
func (s *Subscription) Stats() (refilled, failures uint64) {
	return s.refilled.Load(), s.failures.Load()
}

// CircuitOpen reports whether backend requests are paused after repeated
// failures.
func (s *Subscription) CircuitOpen() bool {
	open, _ := s.circuit.open(s.now())
	return open
}

// CircuitTrips counts how often the circuit has opened.
func (s *Subscription) CircuitTrips() uint64 {
	_, trips := s.circuit.snapshot()
	return trips
}

// TryGet takes the next schedule. With block=false it returns immediately;
// with block=true it waits until an item arrives or ctx is done.
func (s *Subscription) TryGet(ctx context.Context, block bool) (*model.Schedule, bool) {
	if !block {
		select {
		case it := <-s.queue:
			return it, true
		default:
			return nil, false
		}
	}
	select {
	case it := <-s.queue:
		return it, true
	case <-ctx.Done():
		return nil, false
	}
}

// Put pushes a schedule back. It blocks while the buffer is full.
func (s *Subscription) Put(ctx context.Context, it *model.Schedule) error {
	if it == nil {
		return nil
	}
	select {
	case s.queue <- it:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Refill tops the buffer up to the semaphore depth.
func (s *Subscription) Refill(ctx context.Context) int {
	return s.Update(ctx, s.semaphore-s.Len())
}

// Update requests up to n schedules from the backend and enqueues them. n is
// clamped to the free capacity. Request errors are logged, not returned; the
// number of enqueued schedules is.
func (s *Subscription) Update(ctx context.Context, n int) int {
	if s.stopped.Load() {
		return 0
	}
	s.refillMu.Lock()
	defer s.refillMu.Unlock()

	if free := cap(s.queue) - len(s.queue); n > free {
		n = free
	}
	if n <= 0 {
		return 0
	}
	requested := n

	added := 0
	for len(s.parked) > 0 && added < n {
		if !s.offer(s.parked[0]) {
			break
		}
		s.parked[0] = nil
		s.parked = s.parked[1:]
		added++
	}

	paused, _ := s.circuit.open(s.now())
	for calls := 0; !paused && added < n && calls < n; calls++ {
		if ctx.Err() != nil {
			break
		}
		items, pr, err := s.request(ctx, n-added)
		tripped := s.circuit.record(s.now(), err)
		if tripped {
			_, until := s.circuit.open(s.now())
			s.log.Warn("subscription.circuit_open", logx.Time("until", until), logx.Err(err))
		}
		if err != nil {
			s.failures.Add(1)
			s.log.Warn("subscription.refill_failed", logx.Err(err), logx.Int("wanted", n-added))
			if pr != nil || tripped {
				s.report(ctx, err, pr)
			}
			break
		}
		if len(items) == 0 {
			break
		}
		for _, it := range items {
			if it == nil {
				continue
			}
			if added < n && s.offer(it) {
				added++
				continue
			}
			s.parked = append(s.parked, it)
		}
	}

	s.parkedN.Store(int64(len(s.parked)))
	if added > 0 {
		s.refilled.Add(uint64(added))
		s.bus.Publish(eventbus.Event{Type: eventbus.TypeSubscriptionRefill, Data: eventbus.Refilled{
			Requested: requested,
			Added:     added,
			Depth:     len(s.queue),
		}})
		s.log.Debug("subscription.refilled", logx.Int("added", added), logx.Int("depth", len(s.queue)))
	}
	return added
}

type recovered struct {
	value any
	stack string
}

// request calls the backend, turning a panic into an ErrBackendPanic error.
func (s *Subscription) request(ctx context.Context, limit int) (items []*model.Schedule, pr *recovered, err error) {
	defer func() {
		if p := recover(); p != nil {
			items = nil
			pr = &recovered{value: p, stack: string(debug.Stack())}
			err = fmt.Errorf("%w: %v", ErrBackendPanic, p)
		}
	}()
	items, err = s.backend.Request(ctx, limit)
	return items, nil, err
}

func (s *Subscription) report(ctx context.Context, err error, pr *recovered) {
	r := exceptions.Report{Err: err, Stage: exceptions.StageRefill, At: s.now()}
	if pr != nil {
		r.Panic, r.Stack = pr.value, pr.stack
	}
	s.bus.Publish(eventbus.Event{Type: eventbus.TypeExceptionReported, Data: eventbus.Exception{
		Stage: r.Stage,
		Error: r.Message(),
	}})
	exceptions.Safe(ctx, s.sink, r, s.log)
}

func (s *Subscription) offer(it *model.Schedule) bool {
	select {
	case s.queue <- it:
		return true
	default:
		return false
	}
}

// Stop stops the backend once. Buffered schedules stay readable.
func (s *Subscription) Stop() error {
	s.stopOnce.Do(func() {
		s.stopped.Store(true)
		s.refillMu.Lock()
		defer s.refillMu.Unlock()
		if s.backend != nil {
			s.stopErr = s.backend.Stop()
		}
		if n := len(s.parked); n > 0 {
			s.log.Warn("subscription.stopped_with_parked", logx.Int("parked", n))
		}
	})
	return s.stopErr
}

// Report forwards rec to the backend when it implements Reporter.
func (s *Subscription) Report(ctx context.Context, rec executor.LogRecord) error {
	r, ok := s.backend.(Reporter)
	if !ok {
		return nil
	}
	return r.Report(ctx, rec)
}
