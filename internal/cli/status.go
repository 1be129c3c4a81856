package cli

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"repoagent/pkg/remote"
	"repoagent/pkg/session"
)

var statusAddr string

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	Long:  `Query a running daemon for its health and session list.`,
	RunE:  runStatus,
}

func init() {
	statusCmd.Flags().StringVar(&statusAddr, "addr", "", "daemon address host:port (default from config)")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	addr := statusAddr
	if addr == "" {
		addr = cfg.Daemon.ListenAddr()
	}
	client := remote.NewClient("http://"+addr, cfg.Daemon.Token)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	out := cmd.OutOrStdout()
	if err := client.Health(ctx); err != nil {
		fmt.Fprintln(out, "Status: not running")
		fmt.Fprintf(out, "Address: %s\n", addr)
		return nil
	}

	sessions, err := client.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sessions: %w", err)
	}
	writeStatus(out, addr, sessions)
	return nil
}

func writeStatus(out io.Writer, addr string, sessions []session.StatusInfo) {
	fmt.Fprintln(out, "Status: running")
	fmt.Fprintf(out, "Address: %s\n", addr)
	fmt.Fprintf(out, "Sessions: %d\n", len(sessions))
	for _, s := range sessions {
		fmt.Fprintf(out, "  %-14s %-10s turns=%-3d budget=%-3d last_seq=%d\n",
			s.SessionID, s.Status, s.Turns, s.BudgetRemaining, s.LastSequence)
	}
}
