package exceptions

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	tele "gopkg.in/telebot.v4"

	"taskrunner/internal/storage"
	logx "taskrunner/pkg/logx"
)

func TestMultiSurvivesPanickingHandler(t *testing.T) {
	t.Parallel()
	var got []string
	h := Multi(logx.Nop(),
		HandlerFunc(func(context.Context, Report) { panic("sink down") }),
		nil,
		HandlerFunc(func(_ context.Context, r Report) { got = append(got, r.Stage) }),
	)
	h.Handle(context.Background(), Report{Stage: StageExecute, Err: errors.New("x")})
	if len(got) != 1 || got[0] != StageExecute {
		t.Fatalf("got = %v", got)
	}
}

func TestLogHandler(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	LogHandler{Log: logx.NewWriter(&buf, "debug")}.Handle(context.Background(), Report{
		Stage:      StageDispatch,
		ScheduleID: "s-1",
		Panic:      "bad",
	})
	out := buf.String()
	for _, want := range []string{`"stage":"dispatch"`, `"schedule_id":"s-1"`, "panic: bad"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log output %q missing %q", out, want)
		}
	}
}

func TestStoreHandler(t *testing.T) {
	t.Parallel()
	st, err := storage.Open(context.Background(), storage.Config{Driver: "file", Path: filepath.Join(t.TempDir(), "x.json")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer st.Close()
	StoreHandler{Store: st}.Handle(context.Background(), Report{Stage: StageLoop, Err: errors.New("boom")})
	StoreHandler{}.Handle(context.Background(), Report{Stage: StageLoop})
}

type fakeSender struct {
	mu   sync.Mutex
	msgs []string
	err  error
}

func (f *fakeSender) Send(_ tele.Recipient, what interface{}, _ ...interface{}) (*tele.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.msgs = append(f.msgs, what.(string))
	return &tele.Message{}, nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.msgs)
}

func TestTelegramHandlerQueuesAndDrops(t *testing.T) {
	t.Parallel()
	s := &fakeSender{}
	h := NewTelegramHandlerWithSender(TelegramConfig{ChatID: 1, Every: time.Millisecond, Burst: 10, Queue: 2}, s, logx.Nop())

	for i := 0; i < 3; i++ {
		h.Handle(context.Background(), Report{Stage: StageExecute, Err: errors.New("x")})
	}
	if _, dropped := h.Counts(); dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.Run(ctx)
		close(done)
	}()
	deadline := time.Now().Add(2 * time.Second)
	for s.count() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("sent %d messages, want 2", s.count())
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	<-done
	if !strings.Contains(s.msgs[0], "[execute]") {
		t.Fatalf("message = %q", s.msgs[0])
	}
}

func TestFormatReportKeepsStackValidUTF8(t *testing.T) {
	t.Parallel()
	// "é" is two bytes; an odd prefix puts one across the byte limit.
	stack := "x" + strings.Repeat("é", maxStackBytes)
	msg := formatReport(Report{Err: errors.New("boom"), Stage: StageExecute, Stack: stack})
	if !utf8.ValidString(msg) {
		t.Fatal("formatted report is not valid UTF-8")
	}
	if !strings.HasSuffix(msg, "…") {
		t.Fatal("long stack not marked as truncated")
	}
	body := msg[strings.Index(msg, "\n\nx"):]
	if n := len(strings.TrimSuffix(body[2:], "…")); n > maxStackBytes || n < maxStackBytes-1 {
		t.Fatalf("kept %d stack bytes, want %d or %d", n, maxStackBytes-1, maxStackBytes)
	}

	tests := map[string]string{
		"short": "short",
		"":      "",
	}
	for in, want := range tests {
		if got := truncate(in, 10); got != want {
			t.Fatalf("truncate(%q) = %q", in, got)
		}
	}
	if got := truncate("aé", 2); got != "a…" {
		t.Fatalf("truncate split a rune: %q", got)
	}
}
