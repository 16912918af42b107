// Package cmd implements CLI commands.
package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/otus/internal/command"
)

// stopCmd represents the stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the Otus daemon",
	Long: `Stop all tasks running on the Otus daemon.

This command lists the running tasks via Unix Domain Socket and deletes each one.
It does not send daemon_shutdown: the daemon process itself keeps running.`,
	Run: func(cmd *cobra.Command, args []string) {
		runStopCommand()
	},
}

func runStopCommand() {
	// Stops the daemon's tasks one by one via task_delete; the daemon process
	// is left running (this command does not call daemon_shutdown).

	client := command.NewUDSClient(socketPath, 10*time.Second)
	ctx := context.Background()

	// Check if daemon is running by trying to connect
	err := client.Ping(ctx)
	if err != nil {
		exitWithError("daemon is not running or socket is inaccessible", err)
	}

	// Get list of tasks
	resp, err := client.TaskList(ctx)
	if err != nil {
		exitWithError("failed to list tasks", err)
	}

	if resp.Error != nil {
		exitWithError(fmt.Sprintf("task_list failed: %s", resp.Error.Message), nil)
	}

	result, ok := resp.Result.(map[string]interface{})
	if !ok {
		exitWithError("invalid response format", nil)
	}

	taskList, ok := result["tasks"].([]interface{})
	if !ok {
		exitWithError("invalid task list format", nil)
	}

	if len(taskList) == 0 {
		fmt.Println("No running tasks. Daemon can be stopped manually (kill daemon process).")
		fmt.Println("Note: this command does not stop the daemon process itself.")
		return
	}

	fmt.Printf("Found %d running task(s). Stopping all tasks...\n", len(taskList))

	// Delete each task
	for _, taskID := range taskList {
		id, ok := taskID.(string)
		if !ok {
			continue
		}

		fmt.Printf("Stopping task %s...\n", id)
		resp, err := client.TaskDelete(ctx, id)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to stop task %s: %v\n", id, err)
			continue
		}

		if resp.Error != nil {
			fmt.Fprintf(os.Stderr, "Warning: task_delete %s failed: %s\n", id, resp.Error.Message)
		}
	}

	fmt.Println("All tasks stopped.")
	fmt.Println("Note: To fully stop the daemon, kill the daemon process manually.")
	fmt.Println("      This command does not send daemon_shutdown.")
}
