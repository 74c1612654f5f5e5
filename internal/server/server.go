// Package server exposes the extraction pipeline and the extension channel
// over HTTP.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"

	"github.com/jmylchreest/notedown/internal/archive"
	"github.com/jmylchreest/notedown/internal/logger"
	"github.com/jmylchreest/notedown/internal/protocol"
	"github.com/jmylchreest/notedown/pkg/note"
	"github.com/jmylchreest/notedown/pkg/notedown"
)

// Defaults.
const (
	DefaultAddr           = "127.0.0.1:8787"
	DefaultRequestTimeout = 60 * time.Second
	DefaultMaxBody        = 4 << 20
	DefaultKeepAlive      = 15 * time.Second
)

// Pipeline is the server-side extraction and rewrite pipeline.
type Pipeline interface {
	Extract(ctx context.Context, input string) (note.Extraction, error)
	Optimize(ctx context.Context, md, instructions string, opts ...notedown.OptimizeOption) (string, error)
}

// Archive reads stored notes.
type Archive interface {
	Get(key string) (*archive.Entry, error)
	List(limit, offset int) ([]archive.Summary, error)
}

// Channel is the coordinator's external entry point.
type Channel interface {
	ID() string
	Post(ctx context.Context, msg protocol.Message, origin string) (protocol.Response, error)
}

// Broadcasts is the source of extracted-note notifications.
type Broadcasts interface {
	Subscribe(buffer int) (<-chan protocol.Message, func())
}

// Origins decides which host pages may use the extension routes.
type Origins interface {
	Allowed(origin string) bool
}

// Config configures the server.
type Config struct {
	Addr           string
	RequestTimeout time.Duration
	MaxBody        int64
	KeepAlive      time.Duration
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:           DefaultAddr,
		RequestTimeout: DefaultRequestTimeout,
		MaxBody:        DefaultMaxBody,
		KeepAlive:      DefaultKeepAlive,
	}
}

// Option configures a Server.
type Option func(*Server)

// WithConfig replaces the configuration. Zero fields keep their defaults.
func WithConfig(cfg Config) Option {
	return func(s *Server) {
		if cfg.Addr != "" {
			s.cfg.Addr = cfg.Addr
		}
		if cfg.RequestTimeout > 0 {
			s.cfg.RequestTimeout = cfg.RequestTimeout
		}
		if cfg.MaxBody > 0 {
			s.cfg.MaxBody = cfg.MaxBody
		}
		if cfg.KeepAlive > 0 {
			s.cfg.KeepAlive = cfg.KeepAlive
		}
	}
}

// WithArchive mounts the archive routes.
func WithArchive(a Archive) Option {
	return func(s *Server) { s.archive = a }
}

// WithChannel mounts the extension routes.
func WithChannel(ch Channel, events Broadcasts, origins Origins) Option {
	return func(s *Server) {
		s.channel = ch
		s.events = events
		s.origins = origins
	}
}

// Server is the HTTP surface.
type Server struct {
	cfg      Config
	pipeline Pipeline
	archive  Archive
	channel  Channel
	events   Broadcasts
	origins  Origins
	validate *validator.Validate
	router   chi.Router
}

// New creates a server around pipeline.
func New(pipeline Pipeline, opts ...Option) *Server {
	s := &Server{
		cfg:      DefaultConfig(),
		pipeline: pipeline,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.router = s.routes()
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowOriginFunc: s.allowOrigin,
		AllowedMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:  []string{"Accept", "Content-Type", protocol.ExtensionIDHeader},
		MaxAge:          300,
	}))

	r.Get("/healthz", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Use(middleware.Timeout(s.cfg.RequestTimeout))
		r.Post("/extract", s.handleExtract)
		r.Post("/optimize", s.handleOptimize)
		if s.archive != nil {
			r.Get("/notes", s.handleListNotes)
			r.Get("/notes/{noteID}", s.handleGetNote)
		}
	})

	if s.channel != nil {
		r.Route("/extension", func(r chi.Router) {
			r.With(middleware.Timeout(s.cfg.RequestTimeout)).Post("/message", s.handleMessage)
			if s.events != nil {
				r.Get("/events", s.handleEvents)
			}
		})
	}

	return r
}

// allowOrigin admits every origin on the API routes when no allow-list is
// configured; the extension routes check the list themselves.
func (s *Server) allowOrigin(_ *http.Request, origin string) bool {
	if s.origins == nil {
		return true
	}
	return s.origins.Allowed(origin)
}

// ListenAndServe serves until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	logger.Info("server shutting down")
	return srv.Shutdown(shutdownCtx)
}
