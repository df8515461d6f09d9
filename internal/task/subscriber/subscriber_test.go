package subscriber

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
	"taskrunner/internal/task/dispatch"
	"taskrunner/internal/task/executor"
	"taskrunner/internal/task/model"
	"taskrunner/internal/task/registry"
	"taskrunner/internal/task/subscription"
)

type harness struct {
	backend *subscription.MemoryBackend
	sub     *subscription.Subscription
	disp    *dispatch.Dispatcher
	bus     eventbus.Bus

	mu      sync.Mutex
	reports []exceptions.Report
}

func (h *harness) sink() exceptions.Handler {
	return exceptions.HandlerFunc(func(_ context.Context, r exceptions.Report) {
		h.mu.Lock()
		h.reports = append(h.reports, r)
		h.mu.Unlock()
	})
}

func (h *harness) reportCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.reports)
}

func runnerOf(fn func(ctx context.Context, ex *executor.Executor) executor.Outcome) registry.Factory {
	return func(*model.Schedule, registry.Match) (executor.Runner, error) {
		return executor.RunnerFunc(fn), nil
	}
}

func newHarness(t *testing.T, maxSize int, runners map[string]registry.Factory, names ...string) *harness {
	t.Helper()
	b := registry.NewBuilder(dispatch.FieldName)
	for name, f := range runners {
		b.Add(registry.Match{dispatch.FieldName: name}, f)
	}
	reg, err := b.Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	bus := eventbus.New()
	disp, err := dispatch.New(dispatch.Name, reg, dispatch.WithBus(bus))
	if err != nil {
		t.Fatalf("dispatch.New: %v", err)
	}
	items := make([]*model.Schedule, 0, len(names))
	for i, name := range names {
		s, err := model.ParseSchedule(map[string]any{
			"schedule_id": fmt.Sprintf("s-%02d", i),
			"task":        map[string]any{"name": name},
		})
		if err != nil {
			t.Fatalf("ParseSchedule: %v", err)
		}
		items = append(items, s)
	}
	backend := subscription.NewMemoryBackend(items...)
	return &harness{
		backend: backend,
		sub:     subscription.New(backend, subscription.Options{MaxSize: maxSize, Bus: bus}),
		disp:    disp,
		bus:     bus,
	}
}

func (h *harness) start(t *testing.T, cfg Config) (Subscriber, func()) {
	t.Helper()
	cfg.PollInterval = 5 * time.Millisecond
	s, err := New(cfg, Deps{
		Subscription: h.sub,
		Dispatcher:   h.disp,
		Exceptions:   h.sink(),
		Bus:          h.bus,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	stop := func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Run did not return after cancel")
		}
	}
	return s, stop
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestNormalizeModel(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"":             ModelSync,
		"base":         ModelSync,
		"SYNC":         ModelSync,
		"fixed_thread": ModelFixed,
		"fixed":        ModelFixed,
		"thread_pool":  ModelElastic,
		"elastic":      ModelElastic,
	}
	for in, want := range tests {
		got, err := NormalizeModel(in)
		if err != nil || got != want {
			t.Fatalf("NormalizeModel(%q) = %q, %v", in, got, err)
		}
	}
	if _, err := NormalizeModel("actor"); !errors.Is(err, ErrUnknownModel) {
		t.Fatalf("err = %v", err)
	}
}

func TestSyncClassifiesEveryOutcome(t *testing.T) {
	t.Parallel()
	runners := map[string]registry.Factory{
		"ok":     runnerOf(func(context.Context, *executor.Executor) executor.Outcome { return executor.Ok(1) }),
		"empty":  runnerOf(func(context.Context, *executor.Executor) executor.Outcome { return executor.Empty() }),
		"fail":   runnerOf(func(context.Context, *executor.Executor) executor.Outcome { return executor.Failed(errors.New("boom")) }),
		"panic":  runnerOf(func(context.Context, *executor.Executor) executor.Outcome { panic("kaboom") }),
		"reject": runnerOf(func(context.Context, *executor.Executor) executor.Outcome { return executor.NoRetryOutcome("bad input") }),
	}
	h := newHarness(t, 10, runners, "ok", "empty", "fail", "foo", "panic", "reject")
	done, unsub := h.bus.Subscribe(32)
	defer unsub()

	s, stop := h.start(t, Config{Model: "base"})
	waitFor(t, "6 records", func() bool { return len(h.backend.Records()) == 6 })
	stop()

	want := map[string]executor.Status{
		"s-00": executor.StatusSucceed,
		"s-01": executor.StatusEmpty,
		"s-02": executor.StatusFailed,
		"s-03": executor.StatusErrorButNoRetry,
		"s-04": executor.StatusFailed,
		"s-05": executor.StatusErrorButNoRetry,
	}
	for _, rec := range h.backend.Records() {
		if rec.Status != want[rec.ScheduleID] {
			t.Fatalf("%s: status %s, want %s", rec.ScheduleID, rec.Status, want[rec.ScheduleID])
		}
		if rec.Status == executor.StatusEmpty && rec.Result.Error != "" {
			t.Fatalf("EMPTY record carries error %q", rec.Result.Error)
		}
	}
	if got := h.reportCount(); got != 2 {
		t.Fatalf("exception reports = %d, want 2 (fail + panic)", got)
	}

	snap := s.Snapshot()
	if snap.Completed != 6 || snap.Statuses["FAILED"] != 2 || snap.Degraded != 1 {
		t.Fatalf("snapshot = %+v", snap)
	}
	if !h.backend.Stopped() {
		t.Fatal("backend not stopped")
	}

	seen := 0
	for seen < 6 {
		select {
		case ev := <-done:
			if ev.Type == eventbus.TypeScheduleDone {
				seen++
			}
		case <-time.After(time.Second):
			t.Fatalf("saw %d done events, want 6", seen)
		}
	}
}

func TestFixedBlocksProducerWithoutDropping(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	var started atomic.Int32
	runners := map[string]registry.Factory{
		"block": runnerOf(func(context.Context, *executor.Executor) executor.Outcome {
			started.Add(1)
			<-gate
			return executor.Ok(nil)
		}),
	}
	const total = 5
	names := make([]string, total)
	for i := range names {
		names[i] = "block"
	}
	h := newHarness(t, 10, runners, names...)
	s, stop := h.start(t, Config{Model: ModelFixed, Workers: 1, QueueSize: 1})

	// One running, one queued, one held by the blocked producer.
	waitFor(t, "work queue to fill", func() bool {
		snap := s.Snapshot()
		return snap.InFlight == 1 && snap.WorkQueue == 1
	})
	time.Sleep(50 * time.Millisecond)
	snap := s.Snapshot()
	if started.Load() != 1 || snap.Completed != 0 || snap.WorkQueue != 1 {
		t.Fatalf("started=%d snapshot=%+v", started.Load(), snap)
	}
	if held := total - 2 - snap.Buffered - snap.Parked - h.backend.Pending(); held != 1 {
		t.Fatalf("producer should hold exactly one executor, got %d", held)
	}

	close(gate)
	waitFor(t, "all records", func() bool { return len(h.backend.Records()) == total })
	stop()

	ids := map[string]bool{}
	for _, rec := range h.backend.Records() {
		ids[rec.ScheduleID] = true
	}
	if len(ids) != total {
		t.Fatalf("completed %d distinct schedules, want %d", len(ids), total)
	}
}

func TestFixedDrainsOnCancel(t *testing.T) {
	t.Parallel()
	runners := map[string]registry.Factory{
		"slow": runnerOf(func(context.Context, *executor.Executor) executor.Outcome {
			time.Sleep(20 * time.Millisecond)
			return executor.Ok(nil)
		}),
	}
	h := newHarness(t, 10, runners, "slow", "slow", "slow", "slow", "slow", "slow")
	s, stop := h.start(t, Config{Model: ModelFixed, Workers: 2, QueueSize: 4})
	waitFor(t, "first completion", func() bool { return s.Snapshot().Completed >= 1 })
	stop()

	snap := s.Snapshot()
	if snap.InFlight != 0 || snap.WorkQueue != 0 {
		t.Fatalf("work left after drain: %+v", snap)
	}
	if got := len(h.backend.Records()); uint64(got) != snap.Completed {
		t.Fatalf("records=%d completed=%d", got, snap.Completed)
	}
}

func TestElasticNeverExceedsLimit(t *testing.T) {
	t.Parallel()
	var live, peak atomic.Int32
	runners := map[string]registry.Factory{
		"slow": runnerOf(func(context.Context, *executor.Executor) executor.Outcome {
			n := live.Add(1)
			defer live.Add(-1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(15 * time.Millisecond)
			return executor.Ok(nil)
		}),
	}
	const total, limit = 12, 3
	names := make([]string, total)
	for i := range names {
		names[i] = "slow"
	}
	h := newHarness(t, 20, runners, names...)
	s, stop := h.start(t, Config{Model: "thread_pool", Limit: limit})
	waitFor(t, "all records", func() bool { return len(h.backend.Records()) == total })
	stop()

	if peak.Load() > limit {
		t.Fatalf("peak live executions %d exceeds limit %d", peak.Load(), limit)
	}
	snap := s.Snapshot()
	if snap.MaxInFlight > limit || snap.Limit != limit || snap.Completed != total {
		t.Fatalf("snapshot = %+v", snap)
	}
}

func TestElasticPushBackDispatchesOnce(t *testing.T) {
	t.Parallel()
	runners := map[string]registry.Factory{
		"slow": runnerOf(func(context.Context, *executor.Executor) executor.Outcome {
			time.Sleep(100 * time.Millisecond)
			return executor.Ok(nil)
		}),
	}
	h := newHarness(t, 10, runners, "slow", "missing")
	events, unsub := h.bus.Subscribe(256)
	defer unsub()

	s, stop := h.start(t, Config{Model: ModelElastic, Limit: 1})
	waitFor(t, "both records", func() bool { return len(h.backend.Records()) == 2 })
	stop()

	snap := s.Snapshot()
	if snap.PushedBack == 0 {
		t.Fatalf("saturated pool never pushed back: %+v", snap)
	}
	if snap.Dispatched != 1 || snap.Degraded != 1 || snap.Completed != 2 {
		t.Fatalf("dispatched=%d degraded=%d completed=%d pushed_back=%d",
			snap.Dispatched, snap.Degraded, snap.Completed, snap.PushedBack)
	}

	degraded := 0
drain:
	for {
		select {
		case ev := <-events:
			if ev.Type == eventbus.TypeScheduleDegraded {
				degraded++
			}
		default:
			break drain
		}
	}
	if degraded != 1 {
		t.Fatalf("degraded events = %d, want 1", degraded)
	}
}

func TestNewRequiresDeps(t *testing.T) {
	t.Parallel()
	if _, err := New(Config{}, Deps{}); err == nil {
		t.Fatal("missing deps should fail")
	}
}
