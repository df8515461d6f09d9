// Package subscriber runs the poll, dispatch and execute loop.
//
// Three models share the loop and the completion pipeline:
//
//	sync     one goroutine, one schedule at a time
//	fixed    N workers fed through a bounded channel; the loop blocks when it is full
//	elastic  one goroutine per schedule, admitted through a semaphore of size L
//
// Nothing raised by a single schedule stops the loop. Panics and failures go
// to the exception sink and the loop carries on.
package subscriber

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskrunner/internal/eventbus"
	"taskrunner/internal/exceptions"
	"taskrunner/internal/runtime/supervisor"
	"taskrunner/internal/task/dispatch"
	"taskrunner/internal/task/subscription"
	logx "taskrunner/pkg/logx"
)

const (
	ModelSync    = "sync"
	ModelFixed   = "fixed"
	ModelElastic = "elastic"
)

var ErrUnknownModel = errors.New("unknown subscriber model")

type Config struct {
	Model string
	// PollInterval is the pause after an iteration that took no work.
	PollInterval time.Duration
	// Workers and QueueSize configure the fixed model.
	Workers   int
	QueueSize int
	// Limit caps live executions in the elastic model.
	Limit int
	// DrainTimeout bounds how long Run waits for in-flight work on shutdown.
	DrainTimeout time.Duration
}

type Deps struct {
	Subscription *subscription.Subscription
	Dispatcher   *dispatch.Dispatcher
	Exceptions   exceptions.Handler
	Bus          eventbus.Bus
	Logger       logx.Logger
}

type Subscriber interface {
	// Run blocks until ctx is cancelled, drains in-flight work and stops the
	// subscription backend.
	Run(ctx context.Context) error
	Snapshot() Snapshot
	Model() string
}

// Snapshot is a point-in-time view for status endpoints and metrics.
type Snapshot struct {
	Model       string               `json:"model"`
	Workers     int                  `json:"workers,omitempty"`
	QueueSize   int                  `json:"queue_size,omitempty"`
	Limit       int                  `json:"limit,omitempty"`
	InFlight    int64                `json:"in_flight"`
	MaxInFlight int64                `json:"max_in_flight"`
	WorkQueue   int                  `json:"work_queue"`
	Buffered    int                  `json:"buffered"`
	BufferCap   int                  `json:"buffer_cap"`
	Parked      int                  `json:"parked"`
	Semaphore   int                  `json:"semaphore"`
	Dispatched  uint64               `json:"dispatched"`
	Degraded    uint64               `json:"degraded"`
	PushedBack  uint64               `json:"pushed_back"`
	LoopErrors  uint64               `json:"loop_errors"`
	Completed   uint64               `json:"completed"`
	Statuses    map[string]uint64    `json:"statuses"`
	Running     bool                 `json:"running"`
	Supervisor  *supervisor.Snapshot `json:"supervisor,omitempty"`
}

// NormalizeModel maps config names and aliases to a model name.
func NormalizeModel(name string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", ModelSync, "base", "synchronous":
		return ModelSync, nil
	case ModelFixed, "fixed_thread", "fixed_pool":
		return ModelFixed, nil
	case ModelElastic, "thread_pool", "elastic_pool":
		return ModelElastic, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownModel, name)
	}
}

// New selects a model by cfg.Model.
func New(cfg Config, deps Deps) (Subscriber, error) {
	if deps.Subscription == nil || deps.Dispatcher == nil {
		return nil, errors.New("subscriber: subscription and dispatcher are required")
	}
	m, err := NormalizeModel(cfg.Model)
	if err != nil {
		return nil, err
	}
	cfg.Model = m
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}
	switch m {
	case ModelFixed:
		return newFixed(cfg, deps), nil
	case ModelElastic:
		return newElastic(cfg, deps), nil
	default:
		return newSync(cfg, deps), nil
	}
}
