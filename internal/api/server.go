package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/realtime-chat-scraper/internal/admission"
	"github.com/JakeFAU/realtime-chat-scraper/internal/pool"
	"github.com/JakeFAU/realtime-chat-scraper/internal/ratelimit"
	"github.com/JakeFAU/realtime-chat-scraper/internal/scraper"
	"github.com/JakeFAU/realtime-chat-scraper/internal/store"
	"github.com/JakeFAU/realtime-chat-scraper/internal/supervisor"
	"github.com/JakeFAU/realtime-chat-scraper/internal/telemetry"
)

const (
	defaultRequestTimeout = 60 * time.Second
	maxStartBody          = 64 << 10
)

// Admission is the scraper lifecycle API served over HTTP.
type Admission interface {
	Start(ctx context.Context, taskID string, opts scraper.Options) (supervisor.StartResult, error)
	Stop(taskID string) supervisor.StopResult
	GetState(taskID string) (scraper.State, bool)
	List() []scraper.State
}

// LoadReporter exposes admission semaphore occupancy.
type LoadReporter interface {
	Metrics() admission.LoadMetrics
}

// PoolReporter exposes resource pool statistics.
type PoolReporter interface {
	Stats() pool.Stats
}

// Options wires the server's collaborators. Admission and Load are required.
type Options struct {
	Admission Admission
	Load      LoadReporter
	// Pool is nil when workers do not use pooled browsers.
	Pool PoolReporter
	// Runs is nil when run history is not persisted.
	Runs store.RunRepository
	// Limiter and StartRule rate limit scraper starts per caller.
	Limiter   *ratelimit.GCRA
	StartRule ratelimit.Rule
	// APIKey enables X-API-Key authentication when non-empty.
	APIKey         string
	RequestTimeout time.Duration
	// Ready reports whether downstream dependencies are usable.
	Ready  func(ctx context.Context) error
	Logger *zap.Logger
}

// Server wires HTTP handlers to the supervisor.
type Server struct {
	router chi.Router
	opts   Options
	logger *zap.Logger
	runs   *RunsHandler
}

// NewServer constructs a Server with middleware and routes.
func NewServer(opts Options) (*Server, error) {
	if opts.Admission == nil {
		return nil, errors.New("admission api is required")
	}
	if opts.Load == nil {
		return nil, errors.New("load reporter is required")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	s := &Server{
		opts:   opts,
		logger: opts.Logger,
		runs:   NewRunsHandler(opts.Runs, opts.Logger),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))
	r.Use(recoverMiddleware(s.logger))
	r.Use(telemetry.Middleware)
	r.Use(timeoutMiddleware(opts.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Get("/admission", s.admissionMetrics)
		r.Get("/pool", s.poolStats)
		r.Route("/scrapers", func(r chi.Router) {
			r.Get("/", s.listScrapers)
			r.Route("/{task_id}", func(r chi.Router) {
				r.Get("/", s.getScraper)
				start := http.HandlerFunc(s.startScraper)
				if opts.Limiter != nil && opts.StartRule.Key != "" {
					r.With(ratelimit.Middleware(opts.Limiter, opts.StartRule, ratelimit.CallerID, s.logger)).
						Post("/start", start)
				} else {
					r.Post("/start", start)
				}
				r.Post("/stop", s.stopScraper)
			})
		})
		r.Route("/runs", func(r chi.Router) {
			r.Get("/", s.runs.ListRuns)
			r.Get("/{run_id}", s.runs.GetRun)
		})
	})

	s.router = r
	return s, nil
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.opts.Ready != nil {
		if err := s.opts.Ready(r.Context()); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type startRequest struct {
	SkipLangs []string `json:"skip_langs"`
}

func (s *Server) startScraper(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	var req startRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, maxStartBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	res, err := s.opts.Admission.Start(r.Context(), taskID, scraper.Options{SkipLangs: req.SkipLangs})
	switch {
	case errors.Is(err, supervisor.ErrInvalidTask):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		s.logger.Error("start scraper failed", zap.String("task_id", taskID), zap.Error(err))
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	}
	if res == supervisor.StartResultAlreadyRunning {
		writeJSON(w, http.StatusConflict, map[string]string{"status": string(res), "task_id": taskID})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": string(res), "task_id": taskID})
}

func (s *Server) stopScraper(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	res := s.opts.Admission.Stop(taskID)
	status := http.StatusOK
	if res == supervisor.StopResultNotFound {
		status = http.StatusNotFound
	}
	writeJSON(w, status, map[string]string{"status": string(res), "task_id": taskID})
}

func (s *Server) getScraper(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "task_id")
	state, ok := s.opts.Admission.GetState(taskID)
	if !ok {
		writeError(w, http.StatusNotFound, "scraper not found")
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) listScrapers(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"scrapers": s.opts.Admission.List()})
}

func (s *Server) admissionMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Load.Metrics())
}

func (s *Server) poolStats(w http.ResponseWriter, _ *http.Request) {
	if s.opts.Pool == nil {
		writeError(w, http.StatusNotFound, "resource pool not in use")
		return
	}
	writeJSON(w, http.StatusOK, s.opts.Pool.Stats())
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := r.Header.Get("X-Request-ID")
		if reqID == "" {
			reqID = uuid.NewString()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RequestID returns the id assigned to the request, if any.
func RequestID(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", RequestID(r.Context())),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
