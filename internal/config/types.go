package config

// Config is loaded once at startup and passed down by value. Nothing mutates
// it afterwards.
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Logging      LoggingConfig      `json:"logging"`
	Subscriber   SubscriberConfig   `json:"subscriber"`
	Subscription SubscriptionConfig `json:"subscription"`
	Dispatcher   DispatcherConfig   `json:"dispatcher"`
	Executors    []ExecutorEntry    `json:"executors" validate:"dive"`
	Callbacks    CallbacksConfig    `json:"callbacks"`
	Backend      BackendConfig      `json:"backend"`
	Storage      *StorageConfig     `json:"storage,omitempty"`
	Exceptions   ExceptionsConfig   `json:"exceptions"`
	Status       StatusConfig       `json:"status"`
}

type LoggingConfig struct {
	Level   string      `json:"level" validate:"omitempty,oneof=trace debug info warn warning error"`
	Console bool        `json:"console"`
	JSON    bool        `json:"json,omitempty"`
	File    LoggingFile `json:"file"`

	// Levels overrides Level per component ("subscriber", "backend.httppoll").
	Levels map[string]string `json:"levels,omitempty" validate:"dive,oneof=trace debug info warn warning error"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SubscriberConfig selects the concurrency model.
//
// Defaults:
//   - model: "sync"
//   - poll_interval: "100ms"
//   - workers: NumCPU (fixed)
//   - queue_size: workers (fixed)
//   - limit: 4*NumCPU (elastic)
//   - drain_timeout: "30s"
type SubscriberConfig struct {
	Model        string `json:"model" validate:"omitempty,oneof=sync base synchronous fixed fixed_thread fixed_pool elastic thread_pool elastic_pool"`
	PollInterval string `json:"poll_interval,omitempty"`
	Workers      int    `json:"workers,omitempty" validate:"gte=0"`
	QueueSize    int    `json:"queue_size,omitempty" validate:"gte=0"`
	Limit        int    `json:"limit,omitempty" validate:"gte=0"`
	DrainTimeout string `json:"drain_timeout,omitempty"`
}

// SubscriptionConfig sizes the local buffer. Semaphore is the refill target
// depth and defaults to max_size.
type SubscriptionConfig struct {
	MaxSize   int           `json:"max_size,omitempty" validate:"gte=0"`
	Semaphore int           `json:"semaphore,omitempty" validate:"gte=0"`
	Circuit   CircuitConfig `json:"circuit"`
}

// CircuitConfig pauses backend requests after consecutive failures. Trip
// defaults to 5; a negative trip disables it.
type CircuitConfig struct {
	Trip       int    `json:"trip,omitempty"`
	BaseDelay  string `json:"base_delay,omitempty"`
	MaxDelay   string `json:"max_delay,omitempty"`
	ResetAfter string `json:"reset_after,omitempty"`
}

type DispatcherConfig struct {
	// Strategy is a key strategy name, e.g. "name" or "category_parent_and_optional_name".
	Strategy   string `json:"strategy"`
	DefaultTTL string `json:"default_ttl,omitempty"`
}

// ExecutorEntry registers a built-in kind under a key match.
//
//	{ "match": { "name": "echo" }, "kind": "echo" }
type ExecutorEntry struct {
	Match map[string]string `json:"match" validate:"required,min=1"`
	Kind  string            `json:"kind" validate:"required"`
}

type CallbacksConfig struct {
	// HTTPTimeout is the default for http callbacks without their own timeout.
	HTTPTimeout string `json:"http_timeout,omitempty"`
}

// BackendConfig picks one subscription backend. The block matching Type is
// required.
type BackendConfig struct {
	Type   string         `json:"type" validate:"oneof=httppoll sqlpoll spool cronfeed memory"`
	HTTP   *HTTPBackend   `json:"http,omitempty" validate:"required_if=Type httppoll"`
	SQL    *SQLBackend    `json:"sql,omitempty" validate:"required_if=Type sqlpoll"`
	Spool  *SpoolBackend  `json:"spool,omitempty" validate:"required_if=Type spool"`
	Cron   *CronBackend   `json:"cron,omitempty" validate:"required_if=Type cronfeed"`
	Memory *MemoryBackend `json:"memory,omitempty"`
}

type HTTPBackend struct {
	BaseURL     string            `json:"base_url" validate:"required,url"`
	Queue       string            `json:"queue,omitempty"`
	Rate        float64           `json:"rate,omitempty" validate:"gte=0"`
	Burst       int               `json:"burst,omitempty" validate:"gte=0"`
	IdleBackoff string            `json:"idle_backoff,omitempty"`
	Timeout     string            `json:"timeout,omitempty"`
	Report      bool              `json:"report"`
	Headers     map[string]string `json:"headers,omitempty"`
}

type SQLBackend struct {
	Driver      string `json:"driver" validate:"required,oneof=sqlite sqlite3 pgx postgres postgresql"`
	DSN         string `json:"dsn" validate:"required"`
	Queue       string `json:"queue,omitempty"`
	Worker      string `json:"worker,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

type SpoolBackend struct {
	Dir       string `json:"dir" validate:"required"`
	DoneDir   string `json:"done_dir,omitempty"`
	FailedDir string `json:"failed_dir,omitempty"`
	Rescan    string `json:"rescan,omitempty"`
}

type CronBackend struct {
	Timezone string      `json:"timezone,omitempty"`
	Buffer   int         `json:"buffer,omitempty" validate:"gte=0"`
	Entries  []CronEntry `json:"entries" validate:"required,min=1,dive"`
}

type CronEntry struct {
	Name     string         `json:"name" validate:"required"`
	Spec     string         `json:"spec" validate:"required"`
	Queue    string         `json:"queue,omitempty"`
	Task     map[string]any `json:"task" validate:"required"`
	Config   map[string]any `json:"config,omitempty"`
	Callback map[string]any `json:"callback,omitempty"`
}

// MemoryBackend serves inline schedules, mostly for local runs.
type MemoryBackend struct {
	Schedules []map[string]any `json:"schedules,omitempty"`
}

// StorageConfig controls the optional history store.
//
//	"storage": { "driver": "sqlite", "path": "./data/taskrunner.db" }
type StorageConfig struct {
	Driver      string `json:"driver" validate:"omitempty,oneof=none file sqlite sqlite3 pgx postgres postgresql"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
	Recent      int    `json:"recent,omitempty" validate:"gte=0"`
}

// ExceptionsConfig wires the exception sink. Reports are always logged.
type ExceptionsConfig struct {
	// Store persists reports when storage is enabled.
	Store    bool            `json:"store"`
	Telegram *TelegramConfig `json:"telegram,omitempty"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	Token    string `json:"token" validate:"required_if=Enabled true"`
	ChatID   int64  `json:"chat_id" validate:"required_if=Enabled true"`
	ThreadID int    `json:"thread_id,omitempty"`
	Every    string `json:"every,omitempty"`
	Burst    int    `json:"burst,omitempty" validate:"gte=0"`
	Queue    int    `json:"queue,omitempty" validate:"gte=0"`
}

// StatusConfig controls the optional HTTP status server.
type StatusConfig struct {
	Enabled     bool   `json:"enabled"`
	Address     string `json:"address,omitempty"`
	SampleEvery string `json:"sample_every,omitempty"`
	// Pprof mounts /debug/pprof. Non-loopback addresses need Token.
	Pprof bool   `json:"pprof,omitempty"`
	Token string `json:"token,omitempty"`
}
