package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"repoagent/internal/config"
	"repoagent/internal/supervisor"
	"repoagent/pkg/agent"
	"repoagent/pkg/remote"
	"repoagent/pkg/session"
)

// pollInterval paces the REPL's event polling while a turn runs.
const pollInterval = 300 * time.Millisecond

// errInterrupted reports a second Ctrl+C during a running turn.
var errInterrupted = errors.New("interrupted")

var (
	chatSessionID string
	chatAttach    string
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Open an interactive session",
	Long: `Open an interactive question-and-answer session.
Without --attach, chat starts a private daemon subprocess and stops it
again on exit. With --attach host:port it talks to a running daemon.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatSessionID, "session", "s", "", "session id to open or resume (default: new session)")
	chatCmd.Flags().StringVar(&chatAttach, "attach", "", "attach to a running daemon at host:port instead of spawning one")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()

	var client *remote.Client
	if chatAttach != "" {
		client = remote.NewClient("http://"+chatAttach, cfg.Daemon.Token)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := client.Health(ctx)
		cancel()
		if err != nil {
			return fmt.Errorf("no daemon reachable at %s: %w", chatAttach, err)
		}
	} else {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid configuration: %w", err)
		}
		fmt.Fprintln(out, "Starting daemon...")
		handle, err := supervisor.Start(context.Background(), supervisor.Options{
			Host:           cfg.Daemon.Host,
			Port:           cfg.Daemon.Port,
			Token:          cfg.Daemon.Token,
			ConfigFile:     cfgFile,
			Env:            childEnv(),
			StartupTimeout: time.Duration(cfg.Supervisor.StartupTimeoutSeconds) * time.Second,
			StopGrace:      time.Duration(cfg.Supervisor.GraceSeconds) * time.Second,
		})
		if err != nil {
			return fmt.Errorf("failed to start daemon: %w", err)
		}
		defer func() {
			fmt.Fprintln(out, "Stopping daemon...")
			if err := handle.Stop(); err != nil {
				fmt.Fprintf(out, "daemon did not stop cleanly: %v\n", err)
			}
		}()
		client = handle.Client()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	info, err := client.EnsureSession(ctx, chatSessionID)
	cancel()
	if err != nil {
		return fmt.Errorf("failed to open session: %w", err)
	}

	r := &repl{client: client, id: info.SessionID, out: out}
	r.printBanner(cfg, info)
	return r.run(os.Stdin, info.LastSequence)
}

// childEnv quiets the spawned daemon's console so its logs do not
// interleave with the prompt, and forwards the root override.
func childEnv() []string {
	level := "warn"
	if logLevel != "" {
		level = logLevel
	}
	env := []string{"AGENTD_LOGGING_LEVEL=" + level}
	if rootDir != "" {
		env = append(env, "AGENTD_ROOT="+rootDir)
	}
	return env
}

// repl drives one interactive chat against the daemon.
type repl struct {
	client *remote.Client
	id     string
	out    io.Writer
	sigCh  chan os.Signal
}

func (r *repl) printBanner(cfg *config.Config, info session.StatusInfo) {
	fmt.Fprintf(r.out, "\nagentd %s | session %s | %s (%s)\n",
		version, info.SessionID,
		config.NormalizeProvider(cfg.Model.Provider), cfg.Model.ResolvedModelID())
	if info.Turns > 0 {
		fmt.Fprintf(r.out, "Resumed after %d turns.\n", info.Turns)
	}
	fmt.Fprintln(r.out, "Ask about the repository. /help lists commands.")
	fmt.Fprintln(r.out)
}

// run reads prompt lines until EOF, /quit, or an interrupt. Stdin is
// consumed on a goroutine so signals stay responsive at the prompt.
func (r *repl) run(in io.Reader, cursor uint64) error {
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(in)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	r.sigCh = make(chan os.Signal, 2)
	signal.Notify(r.sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(r.sigCh)

	for {
		fmt.Fprint(r.out, "> ")
		select {
		case line, ok := <-lines:
			if !ok {
				fmt.Fprintln(r.out, "\nGoodbye!")
				return nil
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if strings.HasPrefix(line, "/") {
				quit := r.command(line)
				if quit {
					return nil
				}
				continue
			}
			next, err := r.ask(line, cursor)
			cursor = next
			if errors.Is(err, errInterrupted) {
				return nil
			}
			if err != nil {
				return err
			}
		case <-r.sigCh:
			fmt.Fprintln(r.out, "\nGoodbye!")
			return nil
		}
	}
}

// command dispatches a slash command. The returned bool requests quit.
func (r *repl) command(line string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch strings.ToLower(strings.Fields(line)[0]) {
	case "/help":
		fmt.Fprintln(r.out, "Commands:")
		fmt.Fprintln(r.out, "  /status   show session status")
		fmt.Fprintln(r.out, "  /clear    reset the conversation history")
		fmt.Fprintln(r.out, "  /cancel   cancel the running turn")
		fmt.Fprintln(r.out, "  /quit     leave the session")
		fmt.Fprintln(r.out, "Anything else is sent to the agent as a question.")
	case "/status":
		info, err := r.client.Status(ctx, r.id)
		if err != nil {
			fmt.Fprintf(r.out, "status failed: %v\n", err)
			return false
		}
		fmt.Fprintf(r.out, "Session: %s\n", info.SessionID)
		fmt.Fprintf(r.out, "Status: %s\n", info.Status)
		fmt.Fprintf(r.out, "Turns: %d\n", info.Turns)
		fmt.Fprintf(r.out, "Budget remaining: %d\n", info.BudgetRemaining)
	case "/clear":
		err := r.client.Clear(ctx, r.id)
		switch {
		case errors.Is(err, remote.ErrSessionBusy):
			fmt.Fprintln(r.out, "Cannot clear while a turn is running; /cancel it first.")
		case err != nil:
			fmt.Fprintf(r.out, "clear failed: %v\n", err)
		default:
			fmt.Fprintln(r.out, "History cleared.")
		}
	case "/cancel":
		if err := r.client.Cancel(ctx, r.id); err != nil {
			fmt.Fprintf(r.out, "cancel failed: %v\n", err)
			return false
		}
		fmt.Fprintln(r.out, "Cancel requested.")
	case "/quit", "/exit":
		fmt.Fprintln(r.out, "Goodbye!")
		return true
	default:
		fmt.Fprintf(r.out, "Unknown command %q. /help lists commands.\n", line)
	}
	return false
}

// ask submits the input as a turn and follows it to completion.
func (r *repl) ask(input string, cursor uint64) (uint64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := r.client.SubmitTurn(ctx, r.id, input)
	cancel()
	if err != nil {
		switch {
		case errors.Is(err, remote.ErrSessionBusy):
			fmt.Fprintln(r.out, "A turn is already running; /cancel stops it.")
			return cursor, nil
		case errors.Is(err, remote.ErrNotFound):
			return cursor, fmt.Errorf("session %s no longer exists", r.id)
		default:
			return cursor, fmt.Errorf("failed to submit turn: %w", err)
		}
	}
	return r.followTurn(cursor)
}

// followTurn polls the event log until the turn's terminal status
// transition, rendering events as they arrive. The first Ctrl+C
// requests cancellation, the second aborts the REPL.
func (r *repl) followTurn(cursor uint64) (uint64, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	interrupts := 0
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			res, err := r.client.PollEvents(ctx, r.id, cursor, 0)
			cancel()
			if err != nil {
				return cursor, fmt.Errorf("lost the daemon while waiting for the turn: %w", err)
			}
			done := false
			for _, e := range res.Events {
				cursor = e.Sequence
				r.render(e)
				if isTerminal(e) {
					done = true
				}
			}
			if done {
				return cursor, nil
			}
		case <-r.sigCh:
			interrupts++
			if interrupts > 1 {
				fmt.Fprintln(r.out, "\nGoodbye!")
				return cursor, errInterrupted
			}
			fmt.Fprintln(r.out, "\nCancelling turn... press Ctrl+C again to quit.")
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			_ = r.client.Cancel(ctx, r.id)
			cancel()
		}
	}
}

// isTerminal reports whether e is the status transition that ends a turn.
func isTerminal(e session.Event) bool {
	if e.Kind != session.EventStatusChange {
		return false
	}
	to, _ := e.Payload["to"].(string)
	return to == session.StatusIdle
}

// render prints one event in REPL form. Bookkeeping kinds the user
// already knows about (their own message, intermediate status moves)
// stay silent.
func (r *repl) render(e session.Event) {
	switch e.Kind {
	case agent.EventToolCall:
		tool, _ := e.Payload["tool"].(string)
		suffix := ""
		if cached, _ := e.Payload["cached"].(bool); cached {
			suffix = " (cached)"
		}
		fmt.Fprintf(r.out, "→ %s(%s)%s\n", tool, compactArgs(e.Payload["args"]), suffix)
	case agent.EventToolResult:
		if ok, _ := e.Payload["ok"].(bool); ok {
			fmt.Fprintf(r.out, "  ✓ %s (%s)\n", preview(e.Payload["output"]), durationLabel(e.Payload["duration_ms"]))
		} else {
			fmt.Fprintf(r.out, "  ✗ %s\n", preview(e.Payload["error"]))
		}
	case agent.EventWarning:
		msg, _ := e.Payload["message"].(string)
		fmt.Fprintf(r.out, "! %s\n", msg)
	case agent.EventModelText:
		text, _ := e.Payload["text"].(string)
		fmt.Fprintf(r.out, "\n%s\n\n", strings.TrimSpace(text))
	case agent.EventError:
		msg, _ := e.Payload["message"].(string)
		fmt.Fprintf(r.out, "error: %s\n", msg)
	case session.EventStatusChange:
		outcome, _ := e.Payload["outcome"].(string)
		if outcome != "" && outcome != string(agent.OutcomeCompleted) {
			fmt.Fprintf(r.out, "(turn %s)\n", strings.ReplaceAll(outcome, "_", " "))
		}
	}
}

// compactArgs renders tool arguments as single-line JSON.
func compactArgs(args interface{}) string {
	if args == nil {
		return ""
	}
	data, err := json.Marshal(args)
	if err != nil {
		return fmt.Sprintf("%v", args)
	}
	return string(data)
}

// preview flattens a tool result to one bounded line.
func preview(v interface{}) string {
	s, _ := v.(string)
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = strings.TrimSpace(s[:i]) + " ..."
	}
	const max = 100
	if runes := []rune(s); len(runes) > max {
		s = string(runes[:max]) + "..."
	}
	if s == "" {
		return "(empty)"
	}
	return s
}

// durationLabel formats the duration_ms payload field, which arrives as
// a JSON number.
func durationLabel(v interface{}) string {
	switch d := v.(type) {
	case float64:
		return fmt.Sprintf("%dms", int64(d))
	case int64:
		return fmt.Sprintf("%dms", d)
	default:
		return "0ms"
	}
}
