// Package cronfeed generates schedules locally from cron specs.
package cronfeed

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"

	"taskrunner/internal/task/model"
	logx "taskrunner/pkg/logx"
)

var ErrUnknownEntry = errors.New("unknown cron entry")

// Entry fires Task on Spec. Spec accepts 5 or 6 field cron expressions and
// descriptors such as "@every 1m" or "@hourly".
type Entry struct {
	Name     string
	Spec     string
	Queue    string
	Task     map[string]any
	Config   map[string]any
	Callback map[string]any
}

type Config struct {
	Entries []Entry
	// Buffer holds generated schedules until they are requested. When it is
	// full new fires are dropped and counted. Default 64.
	Buffer   int
	Location *time.Location
}

type Backend struct {
	cron    *cron.Cron
	entries map[string]Entry
	buf     chan *model.Schedule
	log     logx.Logger
	now     func() time.Time

	generated atomic.Uint64
	overflow  atomic.Uint64
	stopped   atomic.Bool
	startOnce sync.Once
	stopOnce  sync.Once
}

func New(cfg Config, log logx.Logger) (*Backend, error) {
	if len(cfg.Entries) == 0 {
		return nil, errors.New("cronfeed: no entries")
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 64
	}
	loc := cfg.Location
	if loc == nil {
		loc = time.Local
	}
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	b := &Backend{
		cron:    cron.New(cron.WithParser(parser), cron.WithLocation(loc)),
		entries: make(map[string]Entry, len(cfg.Entries)),
		buf:     make(chan *model.Schedule, cfg.Buffer),
		log:     log.OrNop().Named("backend.cronfeed"),
		now:     time.Now,
	}

	var errs []error
	for i, e := range cfg.Entries {
		e.Name = strings.TrimSpace(e.Name)
		if e.Name == "" {
			errs = append(errs, fmt.Errorf("entry %d: name is required", i))
			continue
		}
		if _, dup := b.entries[e.Name]; dup {
			errs = append(errs, fmt.Errorf("entry %q: duplicate name", e.Name))
			continue
		}
		if _, err := parser.Parse(strings.TrimSpace(e.Spec)); err != nil {
			errs = append(errs, fmt.Errorf("entry %q: invalid spec %q: %w", e.Name, e.Spec, err))
			continue
		}
		if e.Task == nil {
			errs = append(errs, fmt.Errorf("entry %q: task is required", e.Name))
			continue
		}
		b.entries[e.Name] = e
		entry := e
		if _, err := b.cron.AddFunc(strings.TrimSpace(e.Spec), func() { b.fire(entry) }); err != nil {
			errs = append(errs, fmt.Errorf("entry %q: %w", e.Name, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}
	return b, nil
}

// Trigger fires the named entry immediately.
func (b *Backend) Trigger(name string) error {
	e, ok := b.entries[name]
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownEntry, name)
	}
	b.fire(e)
	return nil
}

func (b *Backend) fire(e Entry) {
	if b.stopped.Load() {
		return
	}
	payload := map[string]any{
		"schedule_id":   uuid.NewString(),
		"schedule_time": b.now().UTC().Format(time.RFC3339Nano),
		"task":          e.Task,
		"generator":     "cron:" + e.Name,
	}
	if e.Queue != "" {
		payload["queue"] = e.Queue
	}
	if e.Config != nil {
		payload["config"] = e.Config
	}
	if e.Callback != nil {
		payload["callback"] = e.Callback
	}
	s, err := model.ParseSchedule(payload)
	if err != nil {
		b.log.Warn("cronfeed.invalid_entry", logx.String("entry", e.Name), logx.Err(err))
		return
	}
	select {
	case b.buf <- s:
		b.generated.Add(1)
	default:
		n := b.overflow.Add(1)
		b.log.Warn("cronfeed.overflow", logx.String("entry", e.Name), logx.Uint64("dropped", n))
	}
}

// Request drains up to limit generated schedules without waiting.
func (b *Backend) Request(_ context.Context, limit int) ([]*model.Schedule, error) {
	var out []*model.Schedule
	for len(out) < limit {
		select {
		case s := <-b.buf:
			out = append(out, s)
		default:
			return out, nil
		}
	}
	return out, nil
}

// Counts returns generated and dropped schedules.
func (b *Backend) Counts() (generated, dropped uint64) { return b.generated.Load(), b.overflow.Load() }

// Run starts the cron scheduler and blocks until ctx is done.
func (b *Backend) Run(ctx context.Context) error {
	b.startOnce.Do(func() {
		b.cron.Start()
		b.log.Info("cronfeed.started", logx.Int("entries", len(b.entries)))
	})
	<-ctx.Done()
	b.halt()
	return nil
}

func (b *Backend) Stop() error {
	b.stopped.Store(true)
	b.halt()
	return nil
}

func (b *Backend) halt() {
	b.stopOnce.Do(func() {
		<-b.cron.Stop().Done()
		generated, dropped := b.Counts()
		b.log.Info("backend.stopped", logx.Uint64("generated", generated), logx.Uint64("dropped", dropped))
	})
}
