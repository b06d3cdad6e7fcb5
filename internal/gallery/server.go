// Package gallery serves the HTTP API the gallery view consumes: paginated,
// filterable listings, single results, raw media, deletes and settings.
package gallery

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/muaviaUsmani/genvault/internal/logger"
	"github.com/muaviaUsmani/genvault/internal/result"
	"github.com/muaviaUsmani/genvault/internal/runner"
	"github.com/muaviaUsmani/genvault/internal/settings"
)

// Results is the part of *result.Service the gallery uses
type Results interface {
	ListPage(ctx context.Context, filter result.Filter, offset, limit int) (*result.Page, error)
	Get(ctx context.Context, id string) (*result.SavedResult, error)
	Delete(ctx context.Context, id string) error
	Open(ctx context.Context, id string) (*result.Media, error)
}

// Settings is the part of *settings.Manager the gallery uses
type Settings interface {
	Get() (settings.Settings, error)
	Update(fn func(*settings.Settings)) (settings.Settings, error)
}

// Predictions runs a prediction end to end; implemented by *runner.Runner
type Predictions interface {
	Run(ctx context.Context, model string, input map[string]interface{}, opts ...result.CreateOption) (*runner.Outcome, error)
}

// Server wires the gallery routes
type Server struct {
	results     Results
	settings    Settings
	predictions Predictions
	gatherer    prometheus.Gatherer
	log         logger.Logger
}

// Option configures a Server
type Option func(*Server)

// WithPredictions enables POST /api/predictions
func WithPredictions(p Predictions) Option {
	return func(s *Server) { s.predictions = p }
}

// WithGatherer exposes the registry on /metrics
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// NewServer creates the gallery server
func NewServer(results Results, cfg Settings, opts ...Option) *Server {
	s := &Server{
		results:  results,
		settings: cfg,
		log:      logger.Default().WithComponent(logger.ComponentGallery).WithSource(logger.LogSourceInternal),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler returns the router
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/results", s.handleList)
		r.Get("/results/{id}", s.handleGet)
		r.Delete("/results/{id}", s.handleDelete)

		r.Get("/settings", s.handleGetSettings)
		r.Put("/settings", s.handleUpdateSettings)

		if s.predictions != nil {
			r.Post("/predictions", s.handleRunPrediction)
		}
	})

	r.Get("/media/{id}", s.handleMedia)

	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.DebugContext(r.Context(), "Request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", chimiddleware.GetReqID(r.Context()))
	})
}
