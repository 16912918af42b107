// Package cmd implements CLI commands.
package cmd

import (
	"log/slog"

	"github.com/spf13/cobra"

	"firestige.xyz/otus/internal/daemon"
)

// daemonCmd represents the daemon command
var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run Otus daemon in foreground",
	Long: `Run the Otus daemon process in foreground.

The daemon will:
  1. Load global configuration from config file
  2. Initialize logging and metrics
  3. Start UDS server for CLI control
  4. Start Kafka command consumer (if configured)
  5. Wait for tasks to be created via CLI or Kafka
  6. Handle signals for graceful shutdown (SIGTERM, SIGINT) and reload (SIGHUP)`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDaemon()
	},
}

var pidFile string

func init() {
	daemonCmd.Flags().StringVarP(&pidFile, "pidfile", "p", "/var/run/otus.pid",
		"PID file path")
}

func runDaemon() error {
	d, err := daemon.New(configFile, socketPath, pidFile)
	if err != nil {
		return err
	}
	if err := d.Start(); err != nil {
		return err
	}
	slog.Info("otus daemon ready", "config", configFile, "socket", socketPath)
	return d.Run()
}
