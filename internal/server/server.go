package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"

	"github.com/rickgao/newmq/internal/broker"
	"github.com/rickgao/newmq/internal/session"
)

// Config holds HTTP listener settings.
type Config struct {
	Addr              string
	Path              string // websocket endpoint
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
	Session           session.Config
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Addr:              "127.0.0.1:7878",
		Path:              "/",
		ReadHeaderTimeout: 10 * time.Second,
		ShutdownTimeout:   10 * time.Second,
		Session:           session.DefaultConfig(),
	}
}

// HealthCheck reports whether a dependency is usable.
type HealthCheck func(ctx context.Context) error

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithHealthCheck adds a named component to /health. A failing check marks
// the broker unhealthy.
func WithHealthCheck(name string, check HealthCheck) Option {
	return func(s *Server) {
		s.checks[name] = check
	}
}

// WithStats adds a named section to /stats.
func WithStats(name string, fn func() any) Option {
	return func(s *Server) {
		s.stats[name] = fn
	}
}

// Server accepts websocket clients and binds each to the broker.
type Server struct {
	cfg      Config
	broker   *broker.Broker
	handler  *session.Handler
	logger   *slog.Logger
	upgrader websocket.Upgrader
	router   chi.Router
	checks   map[string]HealthCheck
	stats    map[string]func() any

	startedAt time.Time

	// Sessions outlive their HTTP request once hijacked; they are tracked
	// here and told to close through sessionsCtx.
	sessionsCtx    context.Context
	cancelSessions context.CancelFunc
	sessions       sync.WaitGroup
	mu             sync.Mutex
	closing        bool
}

// New creates a Server for b.
func New(cfg Config, b *broker.Broker, opts ...Option) *Server {
	s := &Server{
		cfg:       cfg,
		broker:    b,
		logger:    slog.Default(),
		checks:    make(map[string]HealthCheck),
		stats:     make(map[string]func() any),
		startedAt: time.Now(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default()
	}

	s.handler = session.NewHandler(b, s.logger)
	s.sessionsCtx, s.cancelSessions = context.WithCancel(context.Background())
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler serving all routes.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(s.logger))
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/stats", s.handleStats)
	r.Get("/stats/connections/{id}", s.handleConnection)
	r.Get(s.cfg.Path, s.handleWebsocket)
	return r
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully: the listener closes, open sessions get a close frame and are
// unregistered from the broker.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ErrorLog:          slog.NewLogLogger(s.logger.Handler(), slog.LevelWarn),
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.Serve(ln)
	}()

	s.logger.Info("broker listening",
		"addr", ln.Addr().String(),
		"path", s.cfg.Path,
	)

	select {
	case err := <-errCh:
		s.closeSessions(context.Background())
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown incomplete", "error", err)
	}
	s.closeSessions(shutdownCtx)

	s.logger.Info("server stopped")
	return nil
}

// closeSessions stops accepting sessions, closes the open ones and waits for
// them to unregister.
func (s *Server) closeSessions(ctx context.Context) {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	s.cancelSessions()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.logger.Warn("timed out waiting for sessions to close")
	}
}

// track registers a session unless the server is shutting down.
func (s *Server) track() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closing {
		return false
	}
	s.sessions.Add(1)
	return true
}

func (s *Server) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// The upgrader has already replied with an HTTP error.
		s.logger.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	if !s.track() {
		conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(time.Second),
		)
		conn.Close()
		return
	}
	defer s.sessions.Done()

	session.New(conn, s.handler, s.cfg.Session, s.logger).Serve(s.sessionsCtx)
}

// requestLogger logs each request with slog once it completes.
func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()

			next.ServeHTTP(ww, r)

			logger.Debug("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start),
				"request_id", middleware.GetReqID(r.Context()),
			)
		})
	}
}
