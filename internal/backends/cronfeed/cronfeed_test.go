package cronfeed

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	logx "taskrunner/pkg/logx"
)

func entry(name, spec string) Entry {
	return Entry{Name: name, Spec: spec, Queue: "local", Task: map[string]any{"name": "echo", "config": map[string]any{"message": "hi"}}}
}

func TestNewValidatesEntries(t *testing.T) {
	t.Parallel()
	_, err := New(Config{Entries: []Entry{
		entry("", "@hourly"),
		entry("bad", "not a spec"),
		{Name: "notask", Spec: "@hourly"},
		entry("ok", "*/5 * * * *"),
		entry("ok", "@daily"),
	}}, logx.Nop())
	if err == nil {
		t.Fatal("expected error")
	}
	for _, want := range []string{"entry 0", `"bad"`, `"notask"`, "duplicate"} {
		if !strings.Contains(err.Error(), want) {
			t.Fatalf("error %q does not mention %s", err, want)
		}
	}
	if _, err := New(Config{}, logx.Nop()); err == nil {
		t.Fatal("empty config should fail")
	}
}

func TestTriggerGeneratesSchedules(t *testing.T) {
	t.Parallel()
	b, err := New(Config{Entries: []Entry{entry("ping", "@hourly")}}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := b.Trigger("ping"); err != nil {
			t.Fatalf("Trigger: %v", err)
		}
	}
	if err := b.Trigger("nope"); !errors.Is(err, ErrUnknownEntry) {
		t.Fatalf("err = %v", err)
	}

	got, _ := b.Request(context.Background(), 2)
	if len(got) != 2 {
		t.Fatalf("got %d, want 2", len(got))
	}
	s := got[0]
	if s.Generator != "cron:ping" || s.Queue != "local" || s.Task.Name != "echo" || s.ScheduleTime.IsZero() {
		t.Fatalf("schedule = %+v", s)
	}
	if got[0].ScheduleID == got[1].ScheduleID {
		t.Fatal("schedule ids must be unique")
	}
	rest, _ := b.Request(context.Background(), 5)
	if len(rest) != 1 {
		t.Fatalf("rest = %d", len(rest))
	}
}

func TestOverflowIsCounted(t *testing.T) {
	t.Parallel()
	b, err := New(Config{Entries: []Entry{entry("ping", "@hourly")}, Buffer: 2}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	for i := 0; i < 5; i++ {
		_ = b.Trigger("ping")
	}
	if generated, dropped := b.Counts(); generated != 2 || dropped != 3 {
		t.Fatalf("counts = %d/%d", generated, dropped)
	}
}

func TestRunFiresOnSchedule(t *testing.T) {
	t.Parallel()
	b, err := New(Config{Entries: []Entry{entry("tick", "* * * * * *")}}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	deadline := time.Now().Add(4 * time.Second)
	for {
		got, _ := b.Request(ctx, 1)
		if len(got) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("no schedule generated")
		}
		time.Sleep(20 * time.Millisecond)
	}
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestStopSuppressesFires(t *testing.T) {
	t.Parallel()
	b, err := New(Config{Entries: []Entry{entry("ping", "@hourly")}}, logx.Nop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_ = b.Stop()
	_ = b.Trigger("ping")
	if generated, _ := b.Counts(); generated != 0 {
		t.Fatalf("generated = %d after Stop", generated)
	}
}
