package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"repoagent/internal/config"
	"repoagent/internal/daemon"
	"repoagent/internal/logger"
	"repoagent/internal/tracing"
	"repoagent/pkg/agent"
	"repoagent/pkg/repotools"
	"repoagent/pkg/session"
	"repoagent/pkg/toolexecutor"
	"repoagent/pkg/watcher"
)

var (
	serveHost string
	servePort int
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the session daemon in the foreground",
	Long: `Run the agentd session daemon in the foreground.
The daemon serves the HTTP session facade, executes turns against the
configured model backend, and watches the repository for changes.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "bind host (default from config)")
	serveCmd.Flags().IntVar(&servePort, "port", 0, "bind port (default from config)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if serveHost != "" {
		cfg.Daemon.Host = serveHost
	}
	if servePort != 0 {
		cfg.Daemon.Port = servePort
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logFile, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   cfg.Logging.Console,
		Pretty:    cfg.Logging.Pretty,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logFile.Close()
	zl := logFile.GetZerolog()

	if err := tracing.InitOpenTelemetry("agentd"); err != nil {
		zl.Warn().Err(err).Msg("tracing initialization failed")
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.ShutdownOpenTelemetry(ctx)
	}()

	srv, err := newDaemonServer(cfg, logFile)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	zl.Info().
		Str("addr", srv.Addr()).
		Str("provider", config.NormalizeProvider(cfg.Model.Provider)).
		Str("model", cfg.Model.ResolvedModelID()).
		Str("root", cfg.Root).
		Msg("agentd daemon started")

	var w *watcher.Watcher
	if cfg.Watcher.Enabled {
		w, err = watcher.New(watcher.Config{
			Root:     cfg.Root,
			Debounce: time.Duration(cfg.Watcher.DebounceMS) * time.Millisecond,
			Notifier: srv.Manager(),
			Logger:   zl,
		})
		if err != nil {
			zl.Warn().Err(err).Msg("repository watcher unavailable")
		} else if err := w.Start(); err != nil {
			zl.Warn().Err(err).Msg("repository watcher failed to start")
			w = nil
		} else {
			zl.Info().Str("root", cfg.Root).Msg("repository watcher started")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	zl.Info().Msg("shutdown signal received")

	if w != nil {
		_ = w.Stop()
	}
	if err := srv.Stop(); err != nil {
		zl.Error().Err(err).Msg("daemon shutdown reported an error")
		return err
	}
	return nil
}

// newDaemonServer assembles the daemon: model backend, tool executor,
// repository tools, turn runner, session manager, HTTP facade.
func newDaemonServer(cfg *config.Config, logFile *logger.Logger) (*daemon.Server, error) {
	zl := logFile.GetZerolog()

	backend, err := agent.NewBackend(cfg.Model)
	if err != nil {
		return nil, fmt.Errorf("failed to build model backend: %w", err)
	}

	executor := toolexecutor.New(time.Duration(cfg.Agent.ToolTimeoutSeconds) * time.Second)
	if err := repotools.Register(executor, cfg.Root); err != nil {
		return nil, fmt.Errorf("failed to register repository tools: %w", err)
	}

	runner, err := agent.NewRunner(agent.Config{
		Backend:      backend,
		Executor:     executor,
		Model:        cfg.Model.ResolvedModelID(),
		Temperature:  cfg.Model.Temperature,
		MaxTokens:    cfg.Model.MaxTokens,
		MaxToolCalls: cfg.Agent.MaxToolCalls,
		CacheDepth:   cfg.Agent.CacheDepth,
		MaxRetries:   cfg.Agent.MaxRetries,
		Logger:       zl,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build turn runner: %w", err)
	}

	manager, err := session.NewManager(session.Config{
		Runner:        runner,
		EventCapacity: cfg.Daemon.EventCapacity,
		Logger:        zl,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build session manager: %w", err)
	}

	srv, err := daemon.NewServer(daemon.Config{
		Daemon:  cfg.Daemon,
		Manager: manager,
		LogFile: logFile,
		Logger:  zl,
	})
	if err != nil {
		manager.Close()
		return nil, fmt.Errorf("failed to build daemon server: %w", err)
	}
	return srv, nil
}
