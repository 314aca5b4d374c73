package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/aixterm/aixterm/pkg/runtimepaths"
	"github.com/aixterm/aixterm/pkg/spawnclient"
)

type serverStatusView struct {
	Name      string `json:"name"`
	Running   bool   `json:"running"`
	PID       int    `json:"pid"`
	Uptime    string `json:"uptime"`
	ToolCount int    `json:"tool_count"`
}

type statusResult struct {
	Running     bool               `json:"running"`
	Uptime      string             `json:"uptime"`
	ToolServers []serverStatusView `json:"tool_servers"`
	Cleanup     *cleanupStatusView `json:"cleanup,omitempty"`
}

type cleanupStatusView struct {
	FilesDeleted int    `json:"files_deleted"`
	BytesFreed   int64  `json:"bytes_freed"`
	LastSweep    string `json:"last_sweep"`
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether the aixterm service is running and what it's doing",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runStatus(cmd)
		},
	}
}

func runStatus(cmd *cobra.Command) error {
	paths, err := runtimepaths.Resolve()
	if err != nil {
		return fmt.Errorf("resolve runtime paths: %w", err)
	}

	if !socketIsLive(paths.SocketPath) {
		cmd.Printf("%s aixterm Status\n", logo)
		cmd.Println("Status: Stopped")
		cmd.Println("\nUse 'aixterm service start' to start the service")
		return nil
	}

	env := spawnclient.Query(spawnclient.Options{SocketPath: paths.SocketPath, LockPath: paths.LockPath}, map[string]any{"type": "status"})
	if env.Status == "error" {
		if env.Error != nil {
			return fmt.Errorf("%s: %s", env.Error.Code, env.Error.Message)
		}
		return fmt.Errorf("service returned an error")
	}

	var result statusResult
	if err := json.Unmarshal(env.Result, &result); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}

	uptime, err := time.ParseDuration(result.Uptime)
	if err != nil {
		uptime = 0
	}

	cmd.Printf("%s aixterm Status\n", logo)
	cmd.Println("Status: Running")
	cmd.Printf("  Uptime: %s\n", formatUptime(uptime))

	if len(result.ToolServers) > 0 {
		cmd.Println("\nTool servers:")
		for _, s := range result.ToolServers {
			state := "stopped"
			if s.Running {
				state = fmt.Sprintf("running (pid %d, %d tools)", s.PID, s.ToolCount)
			}
			cmd.Printf("  %s: %s\n", s.Name, state)
		}
	}

	if result.Cleanup != nil {
		cmd.Println("\nCleanup:")
		cmd.Printf("  Files deleted: %d\n", result.Cleanup.FilesDeleted)
		cmd.Printf("  Bytes freed:   %d\n", result.Cleanup.BytesFreed)
		if result.Cleanup.LastSweep != "" {
			cmd.Printf("  Last sweep:    %s\n", result.Cleanup.LastSweep)
		}
	}

	return nil
}

// formatUptime renders a duration the way the service's status report
// expects to be read at a glance.
func formatUptime(d time.Duration) string {
	if d < time.Minute {
		return d.Round(time.Second).String()
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	}
	if d < 24*time.Hour {
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
	days := int(d.Hours() / 24)
	hours := int(d.Hours()) % 24
	return fmt.Sprintf("%dd %dh", days, hours)
}
