// Package status serves health, snapshot, history and Prometheus metrics
// over HTTP.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"taskrunner/internal/storage"
	"taskrunner/internal/task/subscriber"
	logx "taskrunner/pkg/logx"
)

const (
	defaultRecords = 50
	maxRecords     = 1000
)

type Config struct {
	Address string
	// Pprof mounts the profiler under /debug, guarded by Token when set.
	Pprof bool
	Token string
}

type Deps struct {
	Snapshot func() subscriber.Snapshot
	// Store is optional; /records answers 404 without it.
	Store    storage.Store
	Gatherer prometheus.Gatherer
	Logger   logx.Logger
}

type Server struct {
	cfg    Config
	deps   Deps
	log    logx.Logger
	router chi.Router

	mu   sync.Mutex
	addr string
}

func NewServer(cfg Config, deps Deps) *Server {
	if cfg.Address == "" {
		cfg.Address = "127.0.0.1:9108"
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	s := &Server{
		cfg:  cfg,
		deps: deps,
		log:  deps.Logger.OrNop().Named("status"),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/healthz", s.handleHealth)
	r.Get("/snapshot", s.handleSnapshot)
	r.Get("/records", s.handleRecords)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))
	s.mountProfiler(r)
	return r
}

func (s *Server) Handler() http.Handler { return s.router }

// Addr reports the bound address while Run is serving.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Run listens on cfg.Address and serves until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Address)
	if err != nil {
		return err
	}
	srv := &http.Server{Handler: s.router, ReadHeaderTimeout: 5 * time.Second}

	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	s.log.Info("status.listening", logx.String("addr", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		s.log.Warn("status.shutdown_failed", logx.Err(err))
	}
	s.mu.Lock()
	s.addr = ""
	s.mu.Unlock()
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("status.request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
		)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Snapshot == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}
	snap := s.deps.Snapshot()
	code, state := http.StatusOK, "ok"
	if !snap.Running {
		code, state = http.StatusServiceUnavailable, "stopped"
	}
	writeJSON(w, code, map[string]any{"status": state, "model": snap.Model})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Snapshot == nil {
		writeError(w, http.StatusNotFound, "no subscriber")
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Snapshot())
}

func (s *Server) handleRecords(w http.ResponseWriter, r *http.Request) {
	if s.deps.Store == nil {
		writeError(w, http.StatusNotFound, "storage disabled")
		return
	}
	n := defaultRecords
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v <= 0 {
			writeError(w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = min(v, maxRecords)
	}
	recs, err := s.deps.Store.RecentRecords(r.Context(), n)
	if err != nil {
		s.log.Warn("status.records_failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "storage error")
		return
	}
	if recs == nil {
		recs = []storage.Record{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
