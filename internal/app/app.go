// Package app wires the subsystems into a running HTTP server: the chat
// WebSocket endpoint, the session REST surface, health probes and the
// Prometheus scrape endpoint. New assembles, Run serves until the context
// is canceled, Shutdown tears down in order.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vocalia-ai/vocalia/internal/config"
	"github.com/vocalia-ai/vocalia/internal/health"
	"github.com/vocalia-ai/vocalia/internal/observe"
	"github.com/vocalia-ai/vocalia/internal/session"
	"github.com/vocalia-ai/vocalia/internal/store"
	"github.com/vocalia-ai/vocalia/internal/ws"
)

// shutdownGrace bounds the drain of live sessions and the HTTP listener.
const shutdownGrace = 10 * time.Second

// Store is the storage surface the HTTP layer needs. *store.Store satisfies
// it; tests inject fakes.
type Store interface {
	session.Store
	UserActive(ctx context.Context, userID int64) (bool, error)
	Ping(ctx context.Context) error
	ListSessions(ctx context.Context, userID int64, limit int) ([]store.SessionSummary, error)
	SessionMessages(ctx context.Context, sessionID string, limit int) ([]store.ChatMessage, error)
	DeleteSession(ctx context.Context, sessionID string, userID int64) error
}

// App owns the HTTP server and the session manager lifecycle.
type App struct {
	cfg      *config.Config
	store    Store
	sessions *session.Manager
	nc       *nats.Conn
	metrics  *observe.Metrics
	log      *slog.Logger

	srv      *http.Server
	closers  []func(context.Context) error
	stopOnce sync.Once
}

// Option configures an App.
type Option func(*App)

// WithNATS attaches the analysis queue connection so readiness covers it.
func WithNATS(nc *nats.Conn) Option {
	return func(a *App) { a.nc = nc }
}

// WithLogger overrides the default logger.
func WithLogger(log *slog.Logger) Option {
	return func(a *App) { a.log = log }
}

// WithMetrics overrides the default metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(a *App) { a.metrics = m }
}

// WithCloser registers a teardown step run during Shutdown, after the HTTP
// listener and the sessions are drained.
func WithCloser(fn func(context.Context) error) Option {
	return func(a *App) { a.closers = append(a.closers, fn) }
}

// New assembles the application around an already constructed store and
// session manager.
func New(cfg *config.Config, st Store, sessions *session.Manager, opts ...Option) *App {
	a := &App{
		cfg:      cfg,
		store:    st,
		sessions: sessions,
		log:      slog.Default(),
	}
	for _, o := range opts {
		o(a)
	}
	if a.metrics == nil {
		a.metrics = observe.DefaultMetrics()
	}
	a.srv = &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return a
}

// Handler builds the route table. The WebSocket endpoint bypasses the
// observability middleware because the upgrade needs the raw response writer.
func (a *App) Handler() http.Handler {
	audio := session.AudioParams{
		SampleRate:      a.cfg.Server.Audio.SampleRate,
		FrameDurationMs: a.cfg.Server.Audio.FrameDurationMs,
	}
	wsHandler := ws.NewHandler(a.sessions, a.store, a.cfg.Auth.JWTSecret, audio, a.log)

	checkers := []health.Checker{health.Database(a.store)}
	if a.nc != nil {
		checkers = append(checkers, health.Queue(a.nc))
	}

	instrumented := http.NewServeMux()
	health.New(checkers...).Register(instrumented)
	instrumented.Handle("GET /metrics", promhttp.Handler())
	a.registerAPI(instrumented)

	root := http.NewServeMux()
	root.Handle("GET /ws/chat", wsHandler)
	root.Handle("/", observe.Middleware(a.metrics)(instrumented))
	return root
}

// Run serves HTTP until ctx is canceled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if tls := a.cfg.Server.TLS; tls != nil {
			err = a.srv.ListenAndServeTLS(tls.CertFile, tls.KeyFile)
		} else {
			err = a.srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	a.log.Info("server listening", "addr", a.cfg.Server.ListenAddr, "tls", a.cfg.Server.TLS != nil)

	select {
	case err := <-errCh:
		return fmt.Errorf("app: serve: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	return a.Shutdown(shutdownCtx)
}

// Shutdown drains live sessions, stops the listener and runs the registered
// closers in order. Safe to call more than once.
func (a *App) Shutdown(ctx context.Context) error {
	var err error
	a.stopOnce.Do(func() {
		a.log.Info("shutting down", "open_sessions", a.sessions.Count())

		a.sessions.CloseAll(ctx)
		if sErr := a.srv.Shutdown(ctx); sErr != nil {
			err = fmt.Errorf("app: http shutdown: %w", sErr)
		}
		for _, closer := range a.closers {
			if cErr := closer(ctx); cErr != nil {
				a.log.Warn("closer failed", "err", cErr)
			}
		}
		a.log.Info("shutdown complete")
	})
	return err
}
