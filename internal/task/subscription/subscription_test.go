package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"taskrunner/internal/eventbus"
	"taskrunner/internal/exceptions"
	"taskrunner/internal/task/executor"
	"taskrunner/internal/task/model"
)

func schedules(t *testing.T, n int) []*model.Schedule {
	t.Helper()
	out := make([]*model.Schedule, 0, n)
	for i := 0; i < n; i++ {
		s, err := model.ParseSchedule(map[string]any{
			"schedule_id": fmt.Sprintf("s-%d", i),
			"task":        map[string]any{"name": "t"},
		})
		if err != nil {
			t.Fatalf("ParseSchedule: %v", err)
		}
		out = append(out, s)
	}
	return out
}

func TestUpdateRespectsN(t *testing.T) {
	t.Parallel()
	b := NewMemoryBackend(schedules(t, 10)...)
	s := New(b, Options{MaxSize: 8})

	if got := s.Update(context.Background(), 3); got != 3 {
		t.Fatalf("Update(3) = %d", got)
	}
	if s.Len() != 3 || b.Pending() != 7 {
		t.Fatalf("len=%d pending=%d", s.Len(), b.Pending())
	}
	// Clamped to free capacity (8 - 3).
	if got := s.Update(context.Background(), 100); got != 5 {
		t.Fatalf("Update(100) = %d, want 5", got)
	}
	if s.Len() != s.Cap() {
		t.Fatalf("len=%d cap=%d", s.Len(), s.Cap())
	}
	if got := s.Update(context.Background(), 1); got != 0 {
		t.Fatalf("Update on full buffer = %d", got)
	}
}

func TestUpdateParksSurplus(t *testing.T) {
	t.Parallel()
	b := NewMemoryBackend(schedules(t, 5)...)
	b.IgnoreLimit = true
	s := New(b, Options{MaxSize: 10})

	if got := s.Update(context.Background(), 2); got != 2 {
		t.Fatalf("Update(2) = %d", got)
	}
	if s.Len() != 2 || s.Parked() != 3 {
		t.Fatalf("len=%d parked=%d", s.Len(), s.Parked())
	}
	if got := s.Update(context.Background(), 10); got != 3 {
		t.Fatalf("second Update = %d, want 3 parked items", got)
	}
	seen := map[string]bool{}
	for {
		it, ok := s.TryGet(context.Background(), false)
		if !ok {
			break
		}
		seen[it.ScheduleID] = true
	}
	if len(seen) != 5 {
		t.Fatalf("got %d distinct schedules, want 5 (nothing dropped)", len(seen))
	}
}

func TestUpdateEmptyStopsRequesting(t *testing.T) {
	t.Parallel()
	b := NewMemoryBackend()
	s := New(b, Options{MaxSize: 10})
	if got := s.Update(context.Background(), 10); got != 0 {
		t.Fatalf("Update = %d", got)
	}
	if b.Requests() != 1 {
		t.Fatalf("requests = %d, want 1", b.Requests())
	}
}

type failingBackend struct{ calls atomic.Int32 }

func (f *failingBackend) Request(context.Context, int) ([]*model.Schedule, error) {
	f.calls.Add(1)
	return nil, errors.New("center unavailable")
}

func (f *failingBackend) Stop() error { return nil }

func TestUpdateSwallowsErrors(t *testing.T) {
	t.Parallel()
	b := &failingBackend{}
	s := New(b, Options{MaxSize: 4})
	if got := s.Update(context.Background(), 4); got != 0 {
		t.Fatalf("Update = %d", got)
	}
	if b.calls.Load() != 1 {
		t.Fatalf("calls = %d", b.calls.Load())
	}
	if _, failures := s.Stats(); failures != 1 {
		t.Fatalf("failures = %d", failures)
	}
}

// oneAtATime returns a single item per call regardless of limit.
type oneAtATime struct{ left []*model.Schedule }

func (o *oneAtATime) Request(context.Context, int) ([]*model.Schedule, error) {
	if len(o.left) == 0 {
		return nil, nil
	}
	it := o.left[0]
	o.left = o.left[1:]
	return []*model.Schedule{it}, nil
}

func (o *oneAtATime) Stop() error { return nil }

func TestUpdateCallsRepeatedly(t *testing.T) {
	t.Parallel()
	b := &oneAtATime{left: schedules(t, 6)}
	s := New(b, Options{MaxSize: 10})
	if got := s.Update(context.Background(), 4); got != 4 {
		t.Fatalf("Update = %d, want 4", got)
	}
	if len(b.left) != 2 {
		t.Fatalf("left = %d", len(b.left))
	}
}

func TestRefillUsesSemaphore(t *testing.T) {
	t.Parallel()
	bus := eventbus.New()
	events, unsub := bus.Subscribe(4)
	defer unsub()
	b := NewMemoryBackend(schedules(t, 10)...)
	s := New(b, Options{MaxSize: 10, Semaphore: 4, Bus: bus})
	if s.Semaphore() != 4 {
		t.Fatalf("Semaphore = %d", s.Semaphore())
	}
	if got := s.Refill(context.Background()); got != 4 {
		t.Fatalf("Refill = %d", got)
	}
	if got := s.Refill(context.Background()); got != 0 {
		t.Fatalf("second Refill = %d", got)
	}
	select {
	case ev := <-events:
		r, ok := ev.Data.(eventbus.Refilled)
		if ev.Type != eventbus.TypeSubscriptionRefill || !ok || r.Added != 4 {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("no refill event")
	}
}

func TestTryGetAndPut(t *testing.T) {
	t.Parallel()
	s := New(NewMemoryBackend(), Options{MaxSize: 1})
	if _, ok := s.TryGet(context.Background(), false); ok {
		t.Fatal("empty TryGet returned an item")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, ok := s.TryGet(ctx, true); ok {
		t.Fatal("blocking TryGet should give up when ctx ends")
	}

	it := schedules(t, 1)[0]
	if err := s.Put(context.Background(), it); err != nil {
		t.Fatalf("Put: %v", err)
	}
	full, cancelFull := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancelFull()
	if err := s.Put(full, it); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Put on full buffer err = %v", err)
	}
	got, ok := s.TryGet(context.Background(), true)
	if !ok || got != it {
		t.Fatal("TryGet did not return the pushed item")
	}
}

func TestStopAndReport(t *testing.T) {
	t.Parallel()
	b := NewMemoryBackend(schedules(t, 2)...)
	s := New(b, Options{MaxSize: 4})
	if err := s.Report(context.Background(), executor.LogRecord{ScheduleID: "s-0", Status: executor.StatusSucceed}); err != nil {
		t.Fatalf("Report: %v", err)
	}
	if len(b.Records()) != 1 {
		t.Fatal("record not forwarded to backend")
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	_ = s.Stop()
	if !b.Stopped() {
		t.Fatal("backend not stopped")
	}
	if got := s.Update(context.Background(), 2); got != 0 {
		t.Fatalf("Update after Stop = %d", got)
	}
}

func TestCircuitPausesFailingBackend(t *testing.T) {
	t.Parallel()
	b := &failingBackend{}
	s := New(b, Options{MaxSize: 4, Circuit: CircuitConfig{Trip: 2, BaseDelay: time.Second, MaxDelay: 4 * time.Second}})
	now := time.Unix(1_700_000_000, 0)
	s.now = func() time.Time { return now }
	ctx := context.Background()

	s.Update(ctx, 1)
	if s.CircuitOpen() {
		t.Fatal("circuit open after one failure")
	}
	s.Update(ctx, 1)
	if !s.CircuitOpen() || s.CircuitTrips() != 1 {
		t.Fatalf("open=%v trips=%d after trip", s.CircuitOpen(), s.CircuitTrips())
	}
	s.Update(ctx, 1)
	if b.calls.Load() != 2 {
		t.Fatalf("backend called while open: %d", b.calls.Load())
	}

	now = now.Add(1100 * time.Millisecond)
	s.Update(ctx, 1)
	if b.calls.Load() != 3 {
		t.Fatalf("calls after cooldown = %d", b.calls.Load())
	}
	// Third failure doubles the cooldown.
	now = now.Add(1100 * time.Millisecond)
	if !s.CircuitOpen() {
		t.Fatal("cooldown did not double")
	}
	now = now.Add(time.Second)
	if s.CircuitOpen() {
		t.Fatal("circuit still open after doubled cooldown")
	}
}

func TestCircuitDisabled(t *testing.T) {
	t.Parallel()
	b := &failingBackend{}
	s := New(b, Options{MaxSize: 4, Circuit: CircuitConfig{Trip: -1}})
	for i := 0; i < 10; i++ {
		s.Update(context.Background(), 1)
	}
	if b.calls.Load() != 10 || s.CircuitOpen() {
		t.Fatalf("calls=%d open=%v", b.calls.Load(), s.CircuitOpen())
	}
}

func TestCircuitClosesOnSuccess(t *testing.T) {
	t.Parallel()
	c := newCircuit(CircuitConfig{Trip: 3})
	now := time.Now()
	c.record(now, errors.New("x"))
	c.record(now, errors.New("x"))
	c.record(now, nil)
	if fails, _ := c.snapshot(); fails != 0 {
		t.Fatalf("fails = %d after success", fails)
	}
	c.record(now, errors.New("x"))
	if open, _ := c.open(now); open {
		t.Fatal("open after a single failure following success")
	}
	// Stale failures are forgotten.
	c.record(now, errors.New("x"))
	c.record(now.Add(10*time.Minute), errors.New("x"))
	if fails, _ := c.snapshot(); fails != 1 {
		t.Fatalf("fails = %d, want stale failures reset", fails)
	}
}

type panickyBackend struct{ calls atomic.Int32 }

func (p *panickyBackend) Request(context.Context, int) ([]*model.Schedule, error) {
	p.calls.Add(1)
	panic("decoder blew up")
}

func (p *panickyBackend) Stop() error { return nil }

type reportSink struct {
	mu      sync.Mutex
	reports []exceptions.Report
}

func (r *reportSink) Handle(_ context.Context, rep exceptions.Report) {
	r.mu.Lock()
	r.reports = append(r.reports, rep)
	r.mu.Unlock()
}

func (r *reportSink) all() []exceptions.Report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]exceptions.Report(nil), r.reports...)
}

func TestUpdateRecoversBackendPanic(t *testing.T) {
	t.Parallel()
	b := &panickyBackend{}
	sink := &reportSink{}
	s := New(b, Options{MaxSize: 4, Circuit: CircuitConfig{Trip: 2, BaseDelay: time.Minute}, Exceptions: sink})
	ctx := context.Background()

	if got := s.Update(ctx, 2); got != 0 {
		t.Fatalf("Update = %d, want 0", got)
	}
	if _, failures := s.Stats(); failures != 1 {
		t.Fatalf("failures = %d, want 1", failures)
	}
	reps := sink.all()
	if len(reps) != 1 {
		t.Fatalf("reports = %d, want 1", len(reps))
	}
	r := reps[0]
	if r.Stage != exceptions.StageRefill || !errors.Is(r.Err, ErrBackendPanic) || r.Panic == nil || r.Stack == "" {
		t.Fatalf("report = %+v", r)
	}

	// Panics count toward the circuit like any other failure.
	s.Update(ctx, 2)
	if !s.CircuitOpen() {
		t.Fatal("circuit did not open after repeated panics")
	}
	s.Update(ctx, 2)
	if b.calls.Load() != 2 {
		t.Fatalf("backend calls = %d, want 2", b.calls.Load())
	}
}

func TestCircuitTripIsReported(t *testing.T) {
	t.Parallel()
	sink := &reportSink{}
	s := New(&failingBackend{}, Options{MaxSize: 4, Circuit: CircuitConfig{Trip: 3, BaseDelay: time.Minute}, Exceptions: sink})
	for i := 0; i < 3; i++ {
		s.Update(context.Background(), 1)
	}
	reps := sink.all()
	if len(reps) != 1 || reps[0].Stage != exceptions.StageRefill || reps[0].Panic != nil {
		t.Fatalf("reports = %+v, want one refill report at the trip", reps)
	}
}
