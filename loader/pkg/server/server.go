package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	sentryhttp "github.com/getsentry/sentry-go/http"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/lakeetl/loader/pkg/track"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultTrackLimit = 20
	maxTrackLimit     = 500
)

// Maintainer is the view of the orchestrator the server reports on.
type Maintainer interface {
	LastSuccess() time.Time
	Interval() time.Duration
	Manager() *track.Manager
}

type Config struct {
	Logger     *slog.Logger
	Clock      clockwork.Clock
	Maintainer Maintainer
	ListenAddr string
	// Sentry wraps handlers with sentry's middleware when set.
	Sentry bool
}

func (cfg *Config) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Maintainer == nil {
		return errors.New("maintainer is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "0.0.0.0:8080"
	}
	return nil
}

type Server struct {
	log    *slog.Logger
	cfg    Config
	http   *http.Server
	router chi.Router

	shuttingDown atomic.Bool
}

func New(cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{log: cfg.Logger, cfg: cfg}
	s.router = s.routes()
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	if s.cfg.Sentry {
		r.Use(sentryhttp.New(sentryhttp.Options{Repanic: true}).Handle)
	}
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))
		r.Get("/api/tracks", s.getTracks)
	})
	return r
}

// readyz reports ready while maintenance has succeeded within the last
// three intervals.
func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	if s.shuttingDown.Load() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("shutting down"))
		return
	}
	last := s.cfg.Maintainer.LastSuccess()
	if last.IsZero() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("no successful maintenance run yet"))
		return
	}
	if age := s.cfg.Clock.Since(last); age > 3*s.cfg.Maintainer.Interval() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("last successful maintenance run was " + age.Truncate(time.Second).String() + " ago"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

type tracksResponse struct {
	Tracks []track.TrackStatus `json:"tracks"`
	Error  string              `json:"error,omitempty"`
}

func (s *Server) getTracks(w http.ResponseWriter, r *http.Request) {
	limit := defaultTrackLimit
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 {
			limit = min(parsed, maxTrackLimit)
		}
	}

	w.Header().Set("Content-Type", "application/json")
	tracks, err := s.cfg.Maintainer.Manager().Status(r.Context(), limit)
	if err != nil {
		s.log.Error("server: failed to load tracks", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(tracksResponse{Error: "failed to load tracks"})
		return
	}
	_ = json.NewEncoder(w).Encode(tracksResponse{Tracks: tracks})
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.log.Info("server: listening", "address", listener.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.http.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	s.shuttingDown.Store(true)
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := s.http.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
