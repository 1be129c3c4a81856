// Package supervisor spawns a daemon child process for front-ends that
// want a private daemon instead of attaching to a running one, and
// tears it down without leaving orphans.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"repoagent/pkg/remote"
)

// ErrStartupTimeout reports a child that never answered its health
// probe. The child is killed before this is returned.
var ErrStartupTimeout = errors.New("daemon did not become healthy before the startup deadline")

const (
	DefaultStartupTimeout = 15 * time.Second
	DefaultStopGrace      = 5 * time.Second

	healthPollInterval = 100 * time.Millisecond
)

// tokenEnvVar is the config loader's environment binding for
// daemon.token. Passing the token here keeps it out of argv and
// process listings.
const tokenEnvVar = "AGENTD_DAEMON_TOKEN"

// Options configures the spawned daemon.
type Options struct {
	Host           string
	Port           int
	Token          string
	ConfigFile     string        // forwarded to the child when set
	Env            []string      // extra child environment, KEY=value entries
	StartupTimeout time.Duration // default 15s
	StopGrace      time.Duration // SIGTERM to SIGKILL, default 5s
	Stderr         io.Writer     // child stderr, default inherit
	Logger         zerolog.Logger

	// Binary and Args override the spawned command. Tests use them;
	// production leaves them empty and gets `<self> serve`.
	Binary string
	Args   []string
}

// Handle owns a running daemon child.
type Handle struct {
	cmd    *exec.Cmd
	client *remote.Client
	grace  time.Duration
	logger zerolog.Logger

	mu       sync.Mutex
	stopped  bool
	waitErr  error
	waitDone chan struct{}
}

// Start spawns the daemon and blocks until its health probe answers.
// On any failure the child is already dead when Start returns.
func Start(ctx context.Context, opts Options) (*Handle, error) {
	if opts.Host == "" {
		opts.Host = "127.0.0.1"
	}
	if opts.Port <= 0 || opts.Port > 65535 {
		return nil, fmt.Errorf("invalid daemon port: %d", opts.Port)
	}
	if opts.StartupTimeout <= 0 {
		opts.StartupTimeout = DefaultStartupTimeout
	}
	if opts.StopGrace <= 0 {
		opts.StopGrace = DefaultStopGrace
	}

	binary := opts.Binary
	if binary == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, fmt.Errorf("cannot locate own executable: %w", err)
		}
		binary = exe
	}
	args := opts.Args
	if args == nil {
		args = []string{"serve", "--host", opts.Host, "--port", strconv.Itoa(opts.Port)}
		if opts.ConfigFile != "" {
			args = append(args, "--config", opts.ConfigFile)
		}
	}

	cmd := exec.Command(binary, args...)
	cmd.Env = append(os.Environ(), opts.Env...)
	if opts.Token != "" {
		cmd.Env = append(cmd.Env, tokenEnvVar+"="+opts.Token)
	}
	if opts.Stderr != nil {
		cmd.Stderr = opts.Stderr
	} else {
		cmd.Stderr = os.Stderr
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start daemon process: %w", err)
	}

	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	h := &Handle{
		cmd:      cmd,
		client:   remote.NewClient("http://"+addr, opts.Token),
		grace:    opts.StopGrace,
		logger:   opts.Logger,
		waitDone: make(chan struct{}),
	}
	go func() {
		h.waitErr = cmd.Wait()
		close(h.waitDone)
	}()

	opts.Logger.Info().Int("pid", cmd.Process.Pid).Str("addr", addr).Msg("daemon child started")

	if err := h.awaitHealthy(ctx, opts.StartupTimeout); err != nil {
		_ = h.Stop()
		return nil, err
	}
	opts.Logger.Info().Str("addr", addr).Msg("daemon child healthy")
	return h, nil
}

func (h *Handle) awaitHealthy(ctx context.Context, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(healthPollInterval)
	defer ticker.Stop()

	for {
		probeCtx, cancel := context.WithTimeout(ctx, healthPollInterval)
		err := h.client.Health(probeCtx)
		cancel()
		if err == nil {
			return nil
		}
		if time.Now().After(deadline) {
			return ErrStartupTimeout
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.waitDone:
			if h.waitErr != nil {
				return fmt.Errorf("daemon exited during startup: %w", h.waitErr)
			}
			return errors.New("daemon exited during startup")
		case <-ticker.C:
		}
	}
}

// Client returns the remote client bound to the child, token already
// attached.
func (h *Handle) Client() *remote.Client {
	return h.client
}

// Pid reports the child process id.
func (h *Handle) Pid() int {
	return h.cmd.Process.Pid
}

// Done is closed once the child has exited and been reaped.
func (h *Handle) Done() <-chan struct{} {
	return h.waitDone
}

// Stop terminates the child: SIGTERM for a graceful daemon shutdown,
// SIGKILL when the grace period runs out. Idempotent; concurrent
// callers all block until the child is reaped.
func (h *Handle) Stop() error {
	h.mu.Lock()
	alreadyStopped := h.stopped
	h.stopped = true
	h.mu.Unlock()
	if alreadyStopped {
		<-h.waitDone
		return nil
	}

	select {
	case <-h.waitDone:
		return nil
	default:
	}

	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		// The child won the race and is already gone.
		<-h.waitDone
		return nil
	}

	select {
	case <-h.waitDone:
		h.logger.Info().Int("pid", h.cmd.Process.Pid).Msg("daemon child stopped")
		return nil
	case <-time.After(h.grace):
	}

	h.logger.Warn().Int("pid", h.cmd.Process.Pid).Msg("daemon child ignored SIGTERM, killing")
	_ = h.cmd.Process.Kill()
	<-h.waitDone
	return nil
}
