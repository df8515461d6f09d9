// Package callback builds the completion hooks named by schedules.
package callback

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"taskrunner/internal/config"
	"taskrunner/internal/task/executor"
	logx "taskrunner/pkg/logx"
)

var ErrUnknownCallback = errors.New("unknown callback")

// Constructor builds a callback for one executor.
type Constructor func(config map[string]any, ex *executor.Executor) (executor.Callback, error)

// Registry maps callback names to constructors. It implements
// executor.CallbackBuilder.
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewRegistry returns a registry with the built-in "log" and "http" callbacks.
func NewRegistry(log logx.Logger, client *http.Client) *Registry {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	r := &Registry{ctors: map[string]Constructor{}}
	log = log.OrNop().Named("callback")
	r.Register("log", func(_ map[string]any, ex *executor.Executor) (executor.Callback, error) {
		return logCallback{log: log, ex: ex}, nil
	})
	r.Register("http", func(cfg map[string]any, ex *executor.Executor) (executor.Callback, error) {
		return newHTTPCallback(cfg, ex, client, log)
	})
	return r
}

func (r *Registry) Register(name string, c Constructor) {
	r.mu.Lock()
	r.ctors[strings.ToLower(strings.TrimSpace(name))] = c
	r.mu.Unlock()
}

func (r *Registry) Build(name string, config map[string]any, ex *executor.Executor) (executor.Callback, error) {
	r.mu.RLock()
	c, ok := r.ctors[strings.ToLower(strings.TrimSpace(name))]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCallback, name)
	}
	return c(config, ex)
}

type logCallback struct {
	log logx.Logger
	ex  *executor.Executor
}

func (c logCallback) Start(context.Context) {
	rec := c.ex.LogRecord()
	c.log.Info("callback.log",
		logx.String("schedule_id", rec.ScheduleID),
		logx.String("status", string(rec.Status)),
		logx.String("queue", rec.Queue),
		logx.Any("result", rec.Result),
	)
}

type httpCallback struct {
	url     string
	timeout time.Duration
	headers map[string]string
	client  *http.Client
	log     logx.Logger
	ex      *executor.Executor
}

func newHTTPCallback(cfg map[string]any, ex *executor.Executor, client *http.Client, log logx.Logger) (*httpCallback, error) {
	url, _ := cfg["url"].(string)
	if strings.TrimSpace(url) == "" {
		return nil, errors.New("http callback: url is required")
	}
	timeout := 5 * time.Second
	if d, err := config.ParseDuration(cfg["timeout"]); err == nil && d > 0 {
		timeout = d
	}
	headers := map[string]string{}
	if hm, ok := cfg["headers"].(map[string]any); ok {
		for k, v := range hm {
			if s, ok := v.(string); ok {
				headers[k] = s
			}
		}
	}
	return &httpCallback{url: url, timeout: timeout, headers: headers, client: client, log: log, ex: ex}, nil
}

// Start posts the log record as JSON. The response status is logged only.
func (c *httpCallback) Start(ctx context.Context) {
	body, err := json.Marshal(c.ex.LogRecord())
	if err != nil {
		c.log.Warn("callback.http_encode_failed", logx.Err(err))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		c.log.Warn("callback.http_failed", logx.String("url", c.url), logx.Err(err))
		return
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Warn("callback.http_failed", logx.String("url", c.url), logx.Err(err))
		return
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	c.log.Debug("callback.http_done", logx.String("url", c.url), logx.Int("status", resp.StatusCode))
}
