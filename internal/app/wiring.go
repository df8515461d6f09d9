package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"taskrunner/internal/backends/cronfeed"
	"taskrunner/internal/backends/httppoll"
	"taskrunner/internal/backends/spool"
	"taskrunner/internal/backends/sqlpoll"
	"taskrunner/internal/config"
	"taskrunner/internal/exceptions"
	"taskrunner/internal/executors"
	"taskrunner/internal/storage"
	"taskrunner/internal/task/dispatch"
	"taskrunner/internal/task/model"
	"taskrunner/internal/task/registry"
	"taskrunner/internal/task/subscription"
	logx "taskrunner/pkg/logx"
)

// runner is implemented by backends with a background loop (watchers, cron).
type runner interface {
	Run(ctx context.Context) error
}

func mapLogging(cfg config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		JSON:    cfg.Logging.JSON,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Levels: cfg.Logging.Levels,
	}
}

func mapStorageConfig(cfg config.Config) (storage.Config, bool, error) {
	sc := cfg.Storage
	if sc == nil {
		return storage.Config{}, false, nil
	}
	driver := strings.ToLower(strings.TrimSpace(sc.Driver))
	if driver == "" || driver == "none" {
		return storage.Config{}, false, nil
	}
	path := strings.TrimSpace(sc.Path)
	switch driver {
	case "file":
		return storage.Config{Driver: "file", Path: path, Recent: sc.Recent}, true, nil
	case "sqlite", "sqlite3":
		if path == "" {
			return storage.Config{}, false, fmt.Errorf("storage.path is required when storage.driver=%s", driver)
		}
		busy, err := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		if err != nil {
			return storage.Config{}, false, err
		}
		return storage.Config{Driver: driver, Path: path, BusyTimeout: busy}, true, nil
	case "pgx", "postgres", "postgresql":
		if strings.TrimSpace(sc.DSN) == "" {
			return storage.Config{}, false, fmt.Errorf("storage.dsn is required when storage.driver=%s", driver)
		}
		return storage.Config{Driver: driver, DSN: sc.DSN}, true, nil
	default:
		return storage.Config{}, false, fmt.Errorf("unknown storage.driver: %s", sc.Driver)
	}
}

// buildRegistry registers the configured executor entries under the
// strategy's key fields. With no entries and a name-keyed strategy every
// built-in kind is registered under its own name.
func buildRegistry(cfg config.Config, s dispatch.Strategy, client *http.Client, log logx.Logger) (*registry.Registry, error) {
	catalog := executors.Catalog(client)
	b := registry.NewBuilder(s.Fields()...)
	if len(cfg.Executors) == 0 {
		if registry.SameFields(s.Fields(), []string{dispatch.FieldName}) {
			for _, kind := range executors.Kinds() {
				b.Add(registry.Match{dispatch.FieldName: kind}, catalog[kind])
			}
			log.Info("executors.defaults", logx.Any("kinds", executors.Kinds()))
		} else {
			log.Warn("executors.none_configured", logx.String("strategy", s.Name()))
		}
		return b.Build()
	}
	var errs []error
	for i, e := range cfg.Executors {
		f, err := executors.Lookup(catalog, e.Kind)
		if err != nil {
			errs = append(errs, fmt.Errorf("executors[%d]: %w", i, err))
			continue
		}
		b.Add(registry.Match(e.Match), f)
	}
	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return b.Build()
}

// openBackend builds the configured subscription backend.
func openBackend(ctx context.Context, bc config.BackendConfig, log logx.Logger) (subscription.Backend, error) {
	switch bc.Type {
	case "httppoll":
		h := bc.HTTP
		return httppoll.New(httppoll.Config{
			BaseURL:     h.BaseURL,
			Queue:       h.Queue,
			Rate:        h.Rate,
			Burst:       h.Burst,
			IdleBackoff: config.Duration(h.IdleBackoff, 0),
			Timeout:     config.Duration(h.Timeout, 0),
			Report:      h.Report,
			Headers:     h.Headers,
		}, nil, log)
	case "sqlpoll":
		s := bc.SQL
		return sqlpoll.Open(ctx, sqlpoll.Config{
			Driver:      s.Driver,
			DSN:         s.DSN,
			Queue:       s.Queue,
			Worker:      s.Worker,
			BusyTimeout: config.Duration(s.BusyTimeout, time.Second),
		}, log)
	case "spool":
		s := bc.Spool
		return spool.New(spool.Config{
			Dir:       s.Dir,
			DoneDir:   s.DoneDir,
			FailedDir: s.FailedDir,
			Rescan:    config.Duration(s.Rescan, 0),
		}, log)
	case "cronfeed":
		return openCron(bc.Cron, log)
	case "memory", "":
		mb := subscription.NewMemoryBackend()
		if bc.Memory == nil {
			return mb, nil
		}
		for i, raw := range bc.Memory.Schedules {
			s, err := model.ParseSchedule(raw)
			if err != nil {
				return nil, fmt.Errorf("backend.memory.schedules[%d]: %w", i, err)
			}
			mb.Push(s)
		}
		return mb, nil
	default:
		return nil, fmt.Errorf("unknown backend.type: %s", bc.Type)
	}
}

func openCron(c *config.CronBackend, log logx.Logger) (*cronfeed.Backend, error) {
	loc := time.Local
	if tz := strings.TrimSpace(c.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return nil, fmt.Errorf("backend.cron.timezone: %w", err)
		}
		loc = l
	}
	entries := make([]cronfeed.Entry, 0, len(c.Entries))
	for _, e := range c.Entries {
		entries = append(entries, cronfeed.Entry{
			Name:     e.Name,
			Spec:     e.Spec,
			Queue:    e.Queue,
			Task:     e.Task,
			Config:   e.Config,
			Callback: e.Callback,
		})
	}
	return cronfeed.New(cronfeed.Config{Entries: entries, Buffer: c.Buffer, Location: loc}, log)
}

// buildExceptions assembles the sink. Reports are always logged; the
// telegram handler is returned separately because it needs a Run loop.
func buildExceptions(cfg config.ExceptionsConfig, store storage.Store, log logx.Logger) (exceptions.Handler, *exceptions.TelegramHandler, error) {
	log = log.Named("exceptions")
	hs := []exceptions.Handler{exceptions.LogHandler{Log: log}}
	if cfg.Store {
		if store == nil {
			log.Warn("exceptions.store_without_storage")
		} else {
			hs = append(hs, exceptions.StoreHandler{Store: store, Log: log})
		}
	}
	var tg *exceptions.TelegramHandler
	if t := cfg.Telegram; t != nil && t.Enabled {
		h, err := exceptions.NewTelegramHandler(exceptions.TelegramConfig{
			Token:    t.Token,
			ChatID:   t.ChatID,
			ThreadID: t.ThreadID,
			Every:    config.Duration(t.Every, 0),
			Burst:    t.Burst,
			Queue:    t.Queue,
		}, log)
		if err != nil {
			return nil, nil, fmt.Errorf("exceptions.telegram: %w", err)
		}
		tg = h
		hs = append(hs, h)
	}
	return exceptions.Multi(log, hs...), tg, nil
}
