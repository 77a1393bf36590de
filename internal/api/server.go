package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"

	mpkg "github.com/local/convertqueue/internal/metrics"
	"github.com/local/convertqueue/internal/status"
	"github.com/local/convertqueue/internal/statuscheck"
	"github.com/local/convertqueue/internal/submission"
)

type Submitter interface {
	Submit(ctx context.Context, req submission.Request) (string, error)
}

type Projector interface {
	Project(ctx context.Context, id string) (status.Projection, error)
}

// Artifacts resolves download names to files in the output area.
type Artifacts interface {
	OutputPath(name string) (string, error)
}

type HealthReporter interface {
	Summary(ctx context.Context) statuscheck.Summary
}

type Dependencies struct {
	Submitter Submitter
	Projector Projector
	Artifacts Artifacts
	// Health is optional; without it /api/health/deps is not mounted.
	Health HealthReporter
}

type Options struct {
	MaxUploadBytes int64
	// StaticDir is served at / when set.
	StaticDir string
}

// Server is the public HTTP surface: submission, polling and downloads.
type Server struct {
	deps Dependencies
	opts Options
}

func New(deps Dependencies, opts Options) *Server {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = 100 << 20
	}
	return &Server{deps: deps, opts: opts}
}

// Handler builds the router wrapped in permissive CORS.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)

	r.Post("/api/convert", s.handleConvert)
	r.Get("/api/status/{jobId}", s.handleStatus)
	r.Get("/api/download/{filename}", s.handleDownload)
	r.Get("/download/{filename}", s.handleDownload)
	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
	})
	if s.deps.Health != nil {
		r.Get("/api/health/deps", s.handleDeps)
	}
	r.Handle("/metrics", mpkg.Handler())

	if s.opts.StaticDir != "" {
		r.Handle("/*", http.FileServer(http.Dir(s.opts.StaticDir)))
	}

	return cors.Default().Handler(r)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}
