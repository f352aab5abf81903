package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"

	"github.com/rendis/lakeflow/internal/engine"
	"github.com/rendis/lakeflow/internal/jobs"
	"github.com/rendis/lakeflow/internal/store"
	"github.com/rendis/lakeflow/internal/streaming"
)

// RunService is the run manager surface the API exposes.
type RunService interface {
	StartRun(ctx context.Context, params map[string]any, trigger string) (string, error)
	GetStatus(ctx context.Context, runID string) (*engine.StatusReport, error)
	GetRun(ctx context.Context, runID string) (*store.RunRecord, error)
	Cancel(ctx context.Context, runID string) (*store.RunRecord, error)
	ResumeAsync(ctx context.Context, runID string) (*store.RunRecord, error)
	ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.RunRecord, error)
	Events(ctx context.Context, runID string, since int64) ([]*store.Event, error)
	Replay(ctx context.Context, runID string) (*store.Replay, error)
	Pipeline() *engine.Pipeline
	PoolMetrics() engine.PoolMetrics
}

// TriggerService manages cron triggers.
type TriggerService interface {
	AddTrigger(ctx context.Context, cronExpr string, params map[string]any) (*store.Trigger, error)
	SetEnabled(ctx context.Context, id string, enabled bool) error
	ListTriggers(ctx context.Context, filter store.TriggerFilter) ([]*store.Trigger, error)
}

// Server is the HTTP trigger and inspection API.
type Server struct {
	runs        RunService
	triggers    TriggerService
	hub         streaming.EventHub
	breakers    *jobs.BreakerRegistry
	logger      *slog.Logger
	corsOrigins []string
	router      chi.Router
}

// ServerOption configures the server.
type ServerOption func(*Server)

// WithTriggers enables the /triggers routes.
func WithTriggers(t TriggerService) ServerOption {
	return func(s *Server) {
		s.triggers = t
	}
}

// WithEventHub enables live event streaming on /runs/{id}/stream.
func WithEventHub(hub streaming.EventHub) ServerOption {
	return func(s *Server) {
		s.hub = hub
	}
}

// WithBreakers reports per-job circuit state on /health. nil is ignored.
func WithBreakers(b *jobs.BreakerRegistry) ServerOption {
	return func(s *Server) {
		s.breakers = b
	}
}

// WithCORS allows the given browser origins.
func WithCORS(origins []string) ServerOption {
	return func(s *Server) {
		s.corsOrigins = origins
	}
}

// NewServer creates a Server over runs.
func NewServer(runs RunService, logger *slog.Logger, opts ...ServerOption) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{runs: runs, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.setupRouter()
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRouter() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	if len(s.corsOrigins) > 0 {
		r.Use(cors.New(cors.Options{
			AllowedOrigins: s.corsOrigins,
			AllowedMethods: []string{"GET", "POST", "PUT", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Content-Type", "X-Request-ID"},
			ExposedHeaders: []string{"X-Request-ID"},
			MaxAge:         300,
		}).Handler)
	}

	r.Get("/health", s.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/diagram", s.handleDiagram)

		r.Route("/runs", func(r chi.Router) {
			r.Post("/", s.handleStartRun)
			r.Get("/", s.handleListRuns)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetRun)
				r.Post("/cancel", s.handleCancelRun)
				r.Post("/resume", s.handleResumeRun)
				r.Get("/events", s.handleRunEvents)
				r.Get("/diagram", s.handleDiagram)
				if s.hub != nil {
					r.Get("/stream", s.handleRunStream)
				}
			})
		})

		r.Post("/notifications/object-created", s.handleObjectCreated)

		if s.triggers != nil {
			r.Route("/triggers", func(r chi.Router) {
				r.Get("/", s.handleListTriggers)
				r.Post("/", s.handleCreateTrigger)
				r.Put("/{id}", s.handleUpdateTrigger)
			})
		}
	})

	return r
}

// loggingMiddleware logs HTTP requests using structured logging.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			s.logger.Debug("http request",
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Int("status", ww.Status()),
				slog.Duration("duration", time.Since(start)),
				slog.String("request_id", middleware.GetReqID(r.Context())),
			)
		}()

		next.ServeHTTP(ww, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	body := map[string]any{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
		"pool":   s.runs.PoolMetrics(),
	}
	if s.breakers != nil {
		body["breakers"] = s.breakers.Snapshot()
	}
	respondJSON(w, http.StatusOK, body)
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("starting API server", slog.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode response", "error", err)
		}
	}
}

// respondError sends a JSON error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}
