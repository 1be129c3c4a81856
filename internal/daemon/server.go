package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"repoagent/internal/config"
	"repoagent/internal/logger"
	"repoagent/internal/observability"
	"repoagent/pkg/session"

	cron "github.com/robfig/cron/v3"
)

// TokenHeader carries the shared token on authenticated requests.
const TokenHeader = "X-Agent-Token"

// Config holds the facade dependencies.
type Config struct {
	Daemon  config.DaemonConfig
	Manager *session.Manager
	LogFile *logger.Logger // optional; rotated files get pruned daily
	Logger  zerolog.Logger
}

// Server serves the session manager over HTTP.
type Server struct {
	cfg     config.DaemonConfig
	manager *session.Manager
	logFile *logger.Logger
	logger  zerolog.Logger

	httpServer *http.Server
	listener   net.Listener
	upgrader   websocket.Upgrader
	scheduler  *cron.Cron

	inFlight       sync.WaitGroup
	stopCh         chan struct{}
	shutdownMu     sync.RWMutex
	isShuttingDown bool
}

// NewServer wires the facade. It does not start listening.
func NewServer(cfg Config) (*Server, error) {
	if cfg.Manager == nil {
		return nil, fmt.Errorf("session manager is required")
	}
	if cfg.Daemon.Port < 0 || cfg.Daemon.Port > 65535 {
		return nil, fmt.Errorf("invalid port: %d", cfg.Daemon.Port)
	}

	observability.EnsureRegistered()

	return &Server{
		cfg:     cfg.Daemon,
		manager: cfg.Manager,
		logFile: cfg.LogFile,
		logger:  cfg.Logger,
		stopCh:  make(chan struct{}),
		upgrader: websocket.Upgrader{
			// The token check runs before the upgrade; browser origins
			// are not part of the deployment surface.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// Handler builds the routed handler with the full middleware chain.
// Exposed separately from Start so tests can serve it directly.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", observability.MetricsHandler())
	mux.HandleFunc("POST /sessions", s.handleEnsureSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleSessionStatus)
	mux.HandleFunc("POST /sessions/{id}/turns", s.handleSubmitTurn)
	mux.HandleFunc("GET /sessions/{id}/events", s.handlePollEvents)
	mux.HandleFunc("POST /sessions/{id}/cancel", s.handleCancel)
	mux.HandleFunc("POST /sessions/{id}/clear", s.handleClear)
	mux.HandleFunc("GET /sessions/{id}/stream", s.handleStream)
	return s.withObservability(s.withAuth(s.withRecover(mux)))
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr())
	if err != nil {
		return fmt.Errorf("daemon listen on %s: %w", s.cfg.ListenAddr(), err)
	}
	s.listener = ln
	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.startHousekeeping()
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("daemon listening")

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("daemon server error")
		}
	}()
	return nil
}

// Addr reports the bound address once Start has run.
func (s *Server) Addr() string {
	if s.listener == nil {
		return s.cfg.ListenAddr()
	}
	return s.listener.Addr().String()
}

// Manager exposes the session manager for collaborators that feed it
// outside the HTTP surface, such as the repository watcher.
func (s *Server) Manager() *session.Manager {
	return s.manager
}

// Stop drains in-flight requests up to the configured timeout, closes
// live streams, and cancels running turns through the manager.
// Idempotent.
func (s *Server) Stop() error {
	s.shutdownMu.Lock()
	if s.isShuttingDown {
		s.shutdownMu.Unlock()
		return nil
	}
	s.isShuttingDown = true
	s.shutdownMu.Unlock()

	s.logger.Info().Msg("shutting down daemon")
	s.stopHousekeeping()
	close(s.stopCh)

	timeout := time.Duration(s.cfg.ShutdownTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	// Shutdown does not cover hijacked websocket connections; the
	// in-flight group does.
	drained := make(chan struct{})
	go func() {
		s.inFlight.Wait()
		close(drained)
	}()
	select {
	case <-drained:
	case <-ctx.Done():
		s.logger.Warn().Msg("shutdown timeout reached before requests drained")
	}

	s.manager.Close()
	s.logger.Info().Msg("daemon stopped")
	return err
}
