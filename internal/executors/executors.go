// Package executors holds the built-in runners that config entries refer to
// by kind.
//
// Parameters come from the task config, falling back to the schedule config.
package executors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"taskrunner/internal/config"
	"taskrunner/internal/task/executor"
	"taskrunner/internal/task/model"
	"taskrunner/internal/task/registry"
)

const (
	KindEcho   = "echo"
	KindNoop   = "noop"
	KindSleep  = "sleep"
	KindReject = "reject"
	KindFail   = "fail"
	KindHTTP   = "http"
)

var ErrUnknownKind = errors.New("unknown executor kind")

// Catalog maps kinds to registry factories.
func Catalog(client *http.Client) map[string]registry.Factory {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return map[string]registry.Factory{
		KindEcho:   static(executor.RunnerFunc(echo)),
		KindNoop:   static(executor.RunnerFunc(noop)),
		KindSleep:  static(executor.RunnerFunc(sleep)),
		KindReject: static(executor.RunnerFunc(reject)),
		KindFail:   static(executor.RunnerFunc(fail)),
		KindHTTP:   static(httpRunner{client: client}),
	}
}

// Kinds lists the catalog's kinds, sorted.
func Kinds() []string {
	out := make([]string, 0, 6)
	for k := range Catalog(nil) {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Lookup returns the factory for kind.
func Lookup(catalog map[string]registry.Factory, kind string) (registry.Factory, error) {
	f, ok := catalog[strings.ToLower(strings.TrimSpace(kind))]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return f, nil
}

func static(r executor.Runner) registry.Factory {
	return func(*model.Schedule, registry.Match) (executor.Runner, error) { return r, nil }
}

func param(s *model.Schedule, key string) (any, bool) {
	if v, ok := s.Task.Config[key]; ok {
		return v, true
	}
	v, ok := s.Config[key]
	return v, ok
}

func stringParam(s *model.Schedule, key, def string) string {
	v, ok := param(s, key)
	if !ok || v == nil {
		return def
	}
	if str, ok := v.(string); ok {
		return str
	}
	return fmt.Sprint(v)
}

// echo returns config "message", or the task content when it is unset.
func echo(_ context.Context, ex *executor.Executor) executor.Outcome {
	s := ex.Schedule()
	if v, ok := param(s, "message"); ok && v != nil {
		return executor.Ok(v)
	}
	return executor.Ok(s.Task.Content)
}

func noop(context.Context, *executor.Executor) executor.Outcome { return executor.Empty() }

// sleep waits for config "duration", giving up once the executor's TTL has
// passed.
func sleep(ctx context.Context, ex *executor.Executor) executor.Outcome {
	v, _ := param(ex.Schedule(), "duration")
	d, err := config.ParseDuration(v)
	if err != nil {
		return executor.NoRetryOutcome(err.Error())
	}
	started := time.Now()
	deadline := time.NewTimer(d)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()
	for {
		select {
		case <-deadline.C:
			return executor.Ok(time.Since(started).Round(time.Millisecond).String())
		case <-ctx.Done():
			return executor.Failed(ctx.Err())
		case <-tick.C:
			if ex.TimedOut() {
				return executor.TimedOut(fmt.Sprintf("ttl %s exceeded after %s", ex.TTL(), time.Since(started).Round(time.Millisecond)))
			}
		}
	}
}

func reject(_ context.Context, ex *executor.Executor) executor.Outcome {
	return executor.NoRetryOutcome(stringParam(ex.Schedule(), "reason", "rejected"))
}

func fail(_ context.Context, ex *executor.Executor) executor.Outcome {
	return executor.Failed(errors.New(stringParam(ex.Schedule(), "error", "failed")))
}

// httpRunner calls config "url" with config "method" (GET by default).
// 2xx succeeds, 4xx is not retryable and anything else fails.
type httpRunner struct{ client *http.Client }

func (h httpRunner) Run(ctx context.Context, ex *executor.Executor) executor.Outcome {
	s := ex.Schedule()
	target := stringParam(s, "url", "")
	if target == "" {
		return executor.NoRetryOutcome("http executor: url is required")
	}
	method := strings.ToUpper(stringParam(s, "method", http.MethodGet))
	var body io.Reader
	if b := stringParam(s, "body", ""); b != "" {
		body = strings.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return executor.NoRetryOutcome(err.Error())
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return executor.Failed(err)
	}
	defer resp.Body.Close()
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	out := map[string]any{"status": resp.StatusCode, "body": string(snippet)}
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return executor.Ok(out)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return executor.NoRetryOutcome(fmt.Sprintf("%s %s: %s", method, target, resp.Status))
	default:
		return executor.Failed(fmt.Errorf("%s %s: %s", method, target, resp.Status))
	}
}
