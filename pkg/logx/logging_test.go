package logx

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestZeroLoggerIsNoop(t *testing.T) {
	t.Parallel()
	var l Logger
	if !l.IsZero() {
		t.Fatal("zero Logger should report IsZero")
	}
	l.Info("ignored", String("k", "v"))
	if l.OrNop().IsZero() {
		t.Fatal("OrNop should return a usable logger")
	}
}

func TestWriterLoggerFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "debug").Named("test")
	l.Warn("schedule.done", Int("n", 3), Err(errors.New("boom")))

	var m map[string]any
	if err := json.Unmarshal(buf.Bytes(), &m); err != nil {
		t.Fatalf("decode log line: %v (%q)", err, buf.String())
	}
	if m["message"] != "schedule.done" {
		t.Fatalf("message = %v", m["message"])
	}
	if m["comp"] != "test" || m["n"] != float64(3) {
		t.Fatalf("unexpected fields: %v", m)
	}
	if m["level"] != "warn" {
		t.Fatalf("level = %v", m["level"])
	}
}

func TestWriterLoggerLevelFilter(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l := NewWriter(&buf, "error")
	l.Info("dropped")
	if buf.Len() != 0 {
		t.Fatalf("expected no output below level, got %q", buf.String())
	}
	if l.Enabled(LevelInfo) {
		t.Fatal("info should be disabled at error level")
	}
}

func TestValidLevel(t *testing.T) {
	t.Parallel()
	for _, s := range []string{"", "debug", "INFO", "warning"} {
		if !ValidLevel(s) {
			t.Fatalf("ValidLevel(%q) = false", s)
		}
	}
	if ValidLevel("verbose") {
		t.Fatal("ValidLevel(verbose) = true")
	}
}

// Not parallel: New sets zerolog globals.
func TestComponentLevels(t *testing.T) {
	path := filepath.Join(t.TempDir(), "taskrunner.log")
	svc, root := New(Config{
		Level:  "warn",
		File:   FileConfig{Enabled: true, Path: path},
		Levels: map[string]string{"backend": "debug", "subscriber.fixed": "error"},
	})

	root.Named("backend.httppoll").Debug("poll")
	root.Named("subscriber").Info("dropped.info")
	root.Named("subscriber").Warn("kept.warn")
	root.Named("subscriber.fixed").Warn("dropped.override")
	root.Info("dropped.root")
	if !root.Named("backend").Enabled(LevelDebug) || root.Enabled(LevelInfo) {
		t.Fatal("Enabled ignores component overrides")
	}
	if err := svc.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var msgs []string
	for _, line := range strings.Split(strings.TrimSpace(string(b)), "\n") {
		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err != nil {
			t.Fatalf("decode %q: %v", line, err)
		}
		msgs = append(msgs, m["message"].(string))
	}
	if got := strings.Join(msgs, ","); got != "poll,kept.warn" {
		t.Fatalf("messages = %s", got)
	}
}
