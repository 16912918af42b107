package cmd

import (
	"fmt"
	"io"
	"os"
	"syscall"

	"github.com/spf13/cobra"

	"firestige.xyz/otus/internal/daemon"
)

var foreground bool

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the service",
	Long:  "Start the otus service and begin processing tasks.",
	RunE: func(cmd *cobra.Command, args []string) error {
		if foreground {
			return runForeground()
		}
		return runStart(cmd.OutOrStdout())
	},
}

func init() {
	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run in foreground mode (for systemd)")
	rootCmd.AddCommand(startCmd)
}

// runStart ensures the daemon is running in the background, spawning it via
// internal/daemon.EnsureDaemonRunning if no socket is already live.
func runStart(out io.Writer) error {
	if err := daemon.EnsureDaemonRunning(); err != nil {
		return fmt.Errorf("failed to start: %w", err)
	}
	fmt.Fprintln(out, "✓ Service started successfully")
	return nil
}

// runForeground re-execs the current binary as `otus daemon`, the same
// subcommand a user could invoke directly — this is what systemd unit files
// should point at instead of `otus start`.
func runForeground() error {
	fmt.Println("Starting in foreground mode...")

	execPath, err := os.Executable()
	if err != nil {
		return err
	}

	return syscall.Exec(execPath, []string{execPath, "daemon"}, os.Environ())
}
