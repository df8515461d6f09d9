package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func noEnv(string) (string, bool) { return "", false }

func TestLoadYAMLWithDefaults(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "taskrunner.yaml", `
subscriber:
  model: fixed_thread
  workers: 4
  poll_interval: 250ms
executors:
  - match: {name: echo}
    kind: echo
backend:
  type: httppoll
  http:
    base_url: http://center.local/api
    queue: default
    idle_backoff: 5s
`)
	cfg, err := LoadWithEnv(p, noEnv)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Subscriber.Model != "fixed_thread" || cfg.Subscriber.Workers != 4 {
		t.Fatalf("subscriber = %+v", cfg.Subscriber)
	}
	if cfg.Subscription.MaxSize != 100 || cfg.Dispatcher.Strategy != "name" || cfg.Logging.Level != "info" || !cfg.Logging.Console {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if len(cfg.Executors) != 1 || cfg.Executors[0].Match["name"] != "echo" {
		t.Fatalf("executors = %+v", cfg.Executors)
	}
	if got := Duration(cfg.Subscriber.PollInterval, time.Second); got != 250*time.Millisecond {
		t.Fatalf("poll interval = %v", got)
	}
}

func TestParseIsStrict(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"unknown field": `{"subscriber":{"model":"sync","threads":3}}`,
		"trailing data": `{"subscriber":{}} {"x":1}`,
		"bad json":      `{"subscriber":`,
	}
	for name, body := range tests {
		if _, err := Parse("c.json", []byte(body)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestEnvOverridesApplyOnce(t *testing.T) {
	t.Parallel()
	p := writeFile(t, "c.json", `{
		"backend": {"type": "sqlpoll", "sql": {"driver": "pgx", "dsn": "postgres://file"}},
		"exceptions": {"telegram": {"enabled": true, "token": "from-file", "chat_id": 42}}
	}`)
	env := map[string]string{
		EnvLogLevel:      "DEBUG",
		EnvSQLDSN:        "postgres://env",
		EnvTelegramToken: "from-env",
		EnvBackendURL:    "http://ignored",
	}
	cfg, err := LoadWithEnv(p, func(k string) (string, bool) { v, ok := env[k]; return v, ok })
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Logging.Level != "debug" || cfg.Backend.SQL.DSN != "postgres://env" || cfg.Exceptions.Telegram.Token != "from-env" {
		t.Fatalf("env not applied: %+v", cfg)
	}
	if cfg.Backend.HTTP != nil {
		t.Fatal("env must not create backend blocks")
	}
}

func TestValidation(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing backend block", `{"backend":{"type":"httppoll"}}`, "Backend.HTTP"},
		{"unknown backend", `{"backend":{"type":"kafka"}}`, "Backend.Type"},
		{"bad url", `{"backend":{"type":"httppoll","http":{"base_url":"nope"}}}`, "BaseURL"},
		{"bad duration", `{"subscriber":{"poll_interval":"soon"}}`, "subscriber.poll_interval"},
		{"negative duration", `{"subscriber":{"drain_timeout":"-1s"}}`, "subscriber.drain_timeout"},
		{"semaphore", `{"subscription":{"max_size":5,"semaphore":6}}`, "semaphore"},
		{"bad model", `{"subscriber":{"model":"actor"}}`, "Subscriber.Model"},
		{"executor without kind", `{"executors":[{"match":{"name":"x"}}]}`, "Kind"},
		{"telegram without token", `{"exceptions":{"telegram":{"enabled":true,"chat_id":1}}}`, "Token"},
		{"cron without entries", `{"backend":{"type":"cronfeed","cron":{}}}`, "Entries"},
		{"bad timezone", `{"backend":{"type":"cronfeed","cron":{"timezone":"Mars/Base","entries":[{"name":"a","spec":"@hourly","task":{"name":"x"}}]}}}`, "timezone"},
	}
	for _, tt := range tests {
		p := writeFile(t, "c.json", tt.body)
		_, err := LoadWithEnv(p, noEnv)
		if err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Fatalf("%s: err = %v, want mention of %q", tt.name, err, tt.want)
		}
	}
}

func TestParseDurationField(t *testing.T) {
	t.Parallel()
	if d, err := ParseDurationField("x", ""); err != nil || d != 0 {
		t.Fatalf("empty = %v, %v", d, err)
	}
	if _, err := ParseDurationField("x", "-5s"); err == nil {
		t.Fatal("negative duration accepted")
	}
	if d := Duration("", 3*time.Second); d != 3*time.Second {
		t.Fatalf("default = %v", d)
	}
	if d := Duration("bogus", 3*time.Second); d != 3*time.Second {
		t.Fatalf("invalid = %v", d)
	}
}

func TestParseDuration(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   any
		want time.Duration
	}{
		{nil, 0},
		{"", 0},
		{90, 90 * time.Second},
		{int64(2), 2 * time.Second},
		{1.5, 1500 * time.Millisecond},
		{json.Number("3"), 3 * time.Second},
		{" 45 ", 45 * time.Second},
		{"0.25", 250 * time.Millisecond},
		{"1m30s", 90 * time.Second},
	}
	for _, tt := range tests {
		got, err := ParseDuration(tt.in)
		if err != nil || got != tt.want {
			t.Fatalf("ParseDuration(%#v) = %v, %v; want %v", tt.in, got, err, tt.want)
		}
	}
	for _, bad := range []any{"soon", true, []any{1}} {
		if _, err := ParseDuration(bad); !errors.Is(err, ErrBadDuration) {
			t.Fatalf("ParseDuration(%#v) err = %v", bad, err)
		}
	}

	if d, err := ParseDurationField("subscriber.poll_interval", "2"); err != nil || d != 2*time.Second {
		t.Fatalf("bare seconds field = %v, %v", d, err)
	}
	if _, err := ParseDurationField("subscriber.poll_interval", "-5"); err == nil {
		t.Fatal("negative bare seconds accepted")
	}
	if d, err := ParseDurationOrDefault("x", "0", time.Minute); err != nil || d != time.Minute {
		t.Fatalf("zero with default = %v, %v", d, err)
	}
}

func TestParseYAMLShapes(t *testing.T) {
	t.Parallel()
	cfg, err := Parse("c.yaml", []byte("executors:\n  - match: {1: echo}\n    kind: echo\n"))
	if err != nil {
		t.Fatalf("numeric key: %v", err)
	}
	if cfg.Executors[0].Match["1"] != "echo" {
		t.Fatalf("match = %+v", cfg.Executors[0].Match)
	}

	if _, err := Parse("c.yml", nil); err != nil {
		t.Fatalf("empty yaml: %v", err)
	}

	_, err = Parse("c.yaml", []byte("subscriber: {model: sync}\n---\nsubscriber: {model: fixed}\n"))
	if err == nil || !strings.Contains(err.Error(), "trailing document") {
		t.Fatalf("second document err = %v", err)
	}
}
