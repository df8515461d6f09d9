package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"taskrunner/internal/eventbus"
	"taskrunner/internal/task/executor"
	logx "taskrunner/pkg/logx"
)

func record(id string, st executor.Status) Record {
	return Record{
		LogRecord: executor.LogRecord{
			ScheduleID:   id,
			Status:       st,
			Queue:        "default",
			Result:       executor.Result{Output: "ok"},
			ScheduleTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		Model:      "sync",
		DurationMS: 12,
	}
}

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, d := range []string{"", "none"} {
		st, err := Open(context.Background(), Config{Driver: d}, logx.Nop())
		if st != nil || err != nil {
			t.Fatalf("Open(%q) = %v, %v", d, st, err)
		}
	}
	if _, err := Open(context.Background(), Config{Driver: "mongo"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver should fail")
	}
}

func exerciseStore(t *testing.T, st Store) {
	t.Helper()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c"} {
		if err := st.AppendRecord(ctx, record(id, executor.StatusSucceed)); err != nil {
			t.Fatalf("AppendRecord(%s): %v", id, err)
		}
	}
	if err := st.AppendException(ctx, Exception{Stage: "execute", ScheduleID: "b", Error: "boom"}); err != nil {
		t.Fatalf("AppendException: %v", err)
	}
	got, err := st.RecentRecords(ctx, 2)
	if err != nil {
		t.Fatalf("RecentRecords: %v", err)
	}
	if len(got) != 2 || got[0].ScheduleID != "c" || got[1].ScheduleID != "b" {
		t.Fatalf("recent = %+v", got)
	}
	if got[0].Status != executor.StatusSucceed || got[0].Queue != "default" || got[0].Model != "sync" {
		t.Fatalf("record fields = %+v", got[0])
	}
	if !got[0].ScheduleTime.Equal(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)) {
		t.Fatalf("schedule time = %v", got[0].ScheduleTime)
	}
}

func TestFileStore(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "history.json")
	st, err := Open(context.Background(), Config{Driver: "file", Path: path, Recent: 10}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	exerciseStore(t, st)
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen replays the tail.
	st, err = Open(context.Background(), Config{Driver: "file", Path: path, Recent: 10}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	got, _ := st.RecentRecords(context.Background(), 10)
	if len(got) != 3 || got[0].ScheduleID != "c" {
		t.Fatalf("replayed = %+v", got)
	}
}

func TestSQLiteStore(t *testing.T) {
	st, err := Open(context.Background(), Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "history.db")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	exerciseStore(t, st)
}

func TestRecorder(t *testing.T) {
	t.Parallel()
	st, err := Open(context.Background(), Config{Driver: "file", Path: filepath.Join(t.TempDir(), "h.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()

	bus := eventbus.New()
	rec := NewRecorder(st, bus, logx.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = rec.Run(ctx)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for {
		bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleDone, Data: eventbus.Done{
			Record: executor.LogRecord{ScheduleID: "x", Status: executor.StatusEmpty},
			Model:  "fixed",
		}})
		got, _ := st.RecentRecords(context.Background(), 1)
		if len(got) == 1 {
			if got[0].ScheduleID != "x" || got[0].Model != "fixed" {
				t.Fatalf("record = %+v", got[0])
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("recorder did not persist the event")
		}
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}
