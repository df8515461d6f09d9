// Package httppoll pulls schedules from a task center over HTTP.
//
//	GET  <base>/schedules/next?queue=<q>&limit=<n>   200 one object or an array, 202/204 nothing
//	POST <base>/schedules/report                      JSON log record
package httppoll

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"taskrunner/internal/task/executor"
	"taskrunner/internal/task/model"
	logx "taskrunner/pkg/logx"
)

var ErrStatus = errors.New("unexpected task center status")

type Config struct {
	BaseURL string
	Queue   string
	// Rate is the steady request rate while the center has work. Default 5/s.
	Rate  float64
	Burst int
	// IdleBackoff is the request spacing after the center reports no work.
	// Default 2s.
	IdleBackoff time.Duration
	Timeout     time.Duration
	// Report enables POSTing log records back.
	Report  bool
	Headers map[string]string
}

type Backend struct {
	cfg     Config
	base    *url.URL
	client  *http.Client
	limiter *rate.Limiter
	log     logx.Logger

	idle    atomic.Bool
	stopped atomic.Bool
	polls   atomic.Uint64
	empties atomic.Uint64
}

func New(cfg Config, client *http.Client, log logx.Logger) (*Backend, error) {
	base, err := url.Parse(strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("httppoll: invalid base url %q", cfg.BaseURL)
	}
	if cfg.Rate <= 0 {
		cfg.Rate = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if cfg.IdleBackoff <= 0 {
		cfg.IdleBackoff = 2 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	return &Backend{
		cfg:     cfg,
		base:    base,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.Rate), cfg.Burst),
		log:     log.OrNop().Named("backend.httppoll").With(logx.String("queue", cfg.Queue)),
	}, nil
}

// Request asks the center for up to limit schedules. A center with nothing to
// hand out slows polling to IdleBackoff until it returns work again.
func (b *Backend) Request(ctx context.Context, limit int) ([]*model.Schedule, error) {
	if b.stopped.Load() || limit <= 0 {
		return nil, nil
	}
	if err := b.limiter.Wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, nil
		}
		return nil, err
	}
	b.polls.Add(1)

	q := url.Values{}
	q.Set("limit", strconv.Itoa(limit))
	if b.cfg.Queue != "" {
		q.Set("queue", b.cfg.Queue)
	}
	u := b.endpoint("schedules/next")
	u.RawQuery = q.Encode()

	rctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(rctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	b.setHeaders(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
		if err != nil {
			return nil, err
		}
		b.wake()
		items, err := model.DecodeSchedules(body)
		if err != nil {
			return nil, err
		}
		return items, nil
	case http.StatusAccepted, http.StatusNoContent:
		_, _ = io.Copy(io.Discard, resp.Body)
		b.empties.Add(1)
		b.sleep()
		return nil, nil
	default:
		return nil, statusError(resp)
	}
}

// Report posts a finished record when reporting is enabled.
func (b *Backend) Report(ctx context.Context, rec executor.LogRecord) error {
	if !b.cfg.Report {
		return nil
	}
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	rctx, cancel := context.WithTimeout(ctx, b.cfg.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(rctx, http.MethodPost, b.endpoint("schedules/report").String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	b.setHeaders(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

func (b *Backend) Stop() error {
	if b.stopped.CompareAndSwap(false, true) {
		b.client.CloseIdleConnections()
		polls, empties := b.Counts()
		b.log.Info("backend.stopped", logx.Uint64("polls", polls), logx.Uint64("empty_polls", empties))
	}
	return nil
}

// Counts returns total and empty polls.
func (b *Backend) Counts() (polls, empties uint64) { return b.polls.Load(), b.empties.Load() }

// Idle reports whether the backend is polling at IdleBackoff.
func (b *Backend) Idle() bool { return b.idle.Load() }

func (b *Backend) sleep() {
	if b.idle.CompareAndSwap(false, true) {
		b.limiter.SetLimit(rate.Every(b.cfg.IdleBackoff))
		b.limiter.SetBurst(1)
		b.log.Debug("backend.idle", logx.Duration("backoff", b.cfg.IdleBackoff))
	}
}

func (b *Backend) wake() {
	if b.idle.CompareAndSwap(true, false) {
		b.limiter.SetLimit(rate.Limit(b.cfg.Rate))
		b.limiter.SetBurst(b.cfg.Burst)
	}
}

func (b *Backend) endpoint(p string) *url.URL {
	u := *b.base
	u.Path = strings.TrimRight(u.Path, "/") + "/" + p
	return &u
}

func (b *Backend) setHeaders(req *http.Request) {
	for k, v := range b.cfg.Headers {
		req.Header.Set(k, v)
	}
}

func statusError(resp *http.Response) error {
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(snippet))
	if msg == "" {
		return fmt.Errorf("%w: %s", ErrStatus, resp.Status)
	}
	return fmt.Errorf("%w: %s: %s", ErrStatus, resp.Status, msg)
}
