package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// Environment overrides, applied once by Load.
const (
	EnvLogLevel      = "TASKRUNNER_LOG_LEVEL"
	EnvBackendURL    = "TASKRUNNER_BACKEND_URL"
	EnvSQLDSN        = "TASKRUNNER_SQL_DSN"
	EnvStorageDSN    = "TASKRUNNER_STORAGE_DSN"
	EnvTelegramToken = "TASKRUNNER_TELEGRAM_TOKEN"
	EnvStatusAddress = "TASKRUNNER_STATUS_ADDRESS"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// Load reads path (JSON, or YAML by extension), applies environment overrides
// and defaults, and validates the result.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.LookupEnv)
}

func LoadWithEnv(path string, env LookupFunc) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg, err := Parse(path, b)
	if err != nil {
		return Config{}, err
	}
	if env != nil {
		applyEnv(&cfg, env)
	}
	cfg = withDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse strictly decodes data. Unknown fields and trailing data are errors.
// path only selects the format.
func Parse(path string, data []byte) (Config, error) {
	f := formatOf(path)
	jb := data
	if f == formatYAML {
		var err error
		if jb, err = yamlToJSON(data); err != nil {
			return Config{}, fmt.Errorf("parse yaml config: %w", err)
		}
	}
	var cfg Config
	dec := json.NewDecoder(bytes.NewReader(jb))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse %s config: %w", f, err)
	}
	// reject trailing tokens (e.g. concatenated JSON)
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("invalid config: trailing data")
		}
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config, env LookupFunc) {
	get := func(k string) (string, bool) {
		v, ok := env(k)
		v = strings.TrimSpace(v)
		return v, ok && v != ""
	}
	if v, ok := get(EnvLogLevel); ok {
		cfg.Logging.Level = v
	}
	if v, ok := get(EnvBackendURL); ok && cfg.Backend.HTTP != nil {
		cfg.Backend.HTTP.BaseURL = v
	}
	if v, ok := get(EnvSQLDSN); ok && cfg.Backend.SQL != nil {
		cfg.Backend.SQL.DSN = v
	}
	if v, ok := get(EnvStorageDSN); ok && cfg.Storage != nil {
		cfg.Storage.DSN = v
	}
	if v, ok := get(EnvTelegramToken); ok && cfg.Exceptions.Telegram != nil {
		cfg.Exceptions.Telegram.Token = v
	}
	if v, ok := get(EnvStatusAddress); ok {
		cfg.Status.Address = v
	}
}

func withDefaults(cfg Config) Config {
	cfg.Logging.Level = strings.ToLower(strings.TrimSpace(cfg.Logging.Level))
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	for comp, lv := range cfg.Logging.Levels {
		cfg.Logging.Levels[comp] = strings.ToLower(strings.TrimSpace(lv))
	}
	if !cfg.Logging.Console && !cfg.Logging.File.Enabled {
		cfg.Logging.Console = true
	}
	cfg.Subscriber.Model = strings.ToLower(strings.TrimSpace(cfg.Subscriber.Model))
	if cfg.Subscriber.Model == "" {
		cfg.Subscriber.Model = "sync"
	}
	if cfg.Subscription.MaxSize == 0 {
		cfg.Subscription.MaxSize = 100
	}
	if strings.TrimSpace(cfg.Dispatcher.Strategy) == "" {
		cfg.Dispatcher.Strategy = "name"
	}
	cfg.Backend.Type = strings.ToLower(strings.TrimSpace(cfg.Backend.Type))
	if cfg.Backend.Type == "" {
		cfg.Backend.Type = "memory"
	}
	if cfg.Status.Enabled && cfg.Status.Address == "" {
		cfg.Status.Address = "127.0.0.1:9108"
	}
	return cfg
}

// Validate checks struct tags and every duration field.
func (c Config) Validate() error {
	var errs []error
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed %q", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = append(errs, err)
		}
	}
	if c.Subscription.Semaphore > c.Subscription.MaxSize {
		errs = append(errs, fmt.Errorf("subscription.semaphore (%d) exceeds max_size (%d)", c.Subscription.Semaphore, c.Subscription.MaxSize))
	}
	for path, raw := range c.durations() {
		if _, err := ParseDurationField(path, raw); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Backend.Cron != nil && c.Backend.Cron.Timezone != "" {
		if _, err := time.LoadLocation(c.Backend.Cron.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("backend.cron.timezone: %w", err))
		}
	}
	return errors.Join(errs...)
}

// durations lists every duration field by its config path.
func (c Config) durations() map[string]string {
	m := map[string]string{
		"subscriber.poll_interval": c.Subscriber.PollInterval,
		"subscriber.drain_timeout": c.Subscriber.DrainTimeout,
		"dispatcher.default_ttl":   c.Dispatcher.DefaultTTL,
		"callbacks.http_timeout":   c.Callbacks.HTTPTimeout,
		"status.sample_every":      c.Status.SampleEvery,

		"subscription.circuit.base_delay":  c.Subscription.Circuit.BaseDelay,
		"subscription.circuit.max_delay":   c.Subscription.Circuit.MaxDelay,
		"subscription.circuit.reset_after": c.Subscription.Circuit.ResetAfter,
	}
	if h := c.Backend.HTTP; h != nil {
		m["backend.http.idle_backoff"] = h.IdleBackoff
		m["backend.http.timeout"] = h.Timeout
	}
	if s := c.Backend.SQL; s != nil {
		m["backend.sql.busy_timeout"] = s.BusyTimeout
	}
	if s := c.Backend.Spool; s != nil {
		m["backend.spool.rescan"] = s.Rescan
	}
	if s := c.Storage; s != nil {
		m["storage.busy_timeout"] = s.BusyTimeout
	}
	if t := c.Exceptions.Telegram; t != nil {
		m["exceptions.telegram.every"] = t.Every
	}
	return m
}

// Duration parses a field that Validate already accepted. Empty or invalid
// values yield def.
func Duration(raw string, def time.Duration) time.Duration {
	d, err := ParseDurationOrDefault("", raw, def)
	if err != nil {
		return def
	}
	return d
}
