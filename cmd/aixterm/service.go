package main

import (
	"bufio"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/aixterm/aixterm/pkg/config"
	"github.com/aixterm/aixterm/pkg/runtimepaths"
	"github.com/aixterm/aixterm/pkg/spawnclient"
)

func newServiceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the background aixterm service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	var configPath string
	runCmd := &cobra.Command{
		Use:    "run",
		Short:  "Run the service in the foreground (internal: invoked by auto-spawn and `service start`)",
		Args:   cobra.NoArgs,
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServiceForeground(cmd.Context(), configPath)
		},
	}
	runCmd.Flags().StringVar(&configPath, "config", "", "override the config file path")

	cmd.AddCommand(
		runCmd,
		newServiceStartCommand(),
		newServiceStopCommand(),
		newServiceRestartCommand(),
		newServiceLogsCommand(),
	)
	return cmd
}

func newServiceStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the service as a detached background process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := runtimepaths.Resolve()
			if err != nil {
				return err
			}
			if socketIsLive(paths.SocketPath) {
				cmd.Println("aixterm service is already running")
				return nil
			}
			if err := forkServiceDetached(paths.ConfigPath); err != nil {
				return fmt.Errorf("start service: %w", err)
			}
			waitForSocket(paths.SocketPath, 2*time.Second)
			cmd.Println("aixterm service started")
			return nil
		},
	}
}

func newServiceStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the running service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := runtimepaths.Resolve()
			if err != nil {
				return err
			}
			if !socketIsLive(paths.SocketPath) {
				cmd.Println("aixterm service is not running")
				return nil
			}
			if err := sendShutdown(paths.SocketPath); err != nil {
				return fmt.Errorf("stop service: %w", err)
			}
			cmd.Println("aixterm service stopped")
			return nil
		},
	}
}

func newServiceRestartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restart",
		Short: "Restart the service",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := runtimepaths.Resolve()
			if err != nil {
				return err
			}
			if socketIsLive(paths.SocketPath) {
				if err := sendShutdown(paths.SocketPath); err != nil {
					return fmt.Errorf("stop service: %w", err)
				}
				waitForSocketGone(paths.SocketPath, 2*time.Second)
			}
			if err := forkServiceDetached(paths.ConfigPath); err != nil {
				return fmt.Errorf("start service: %w", err)
			}
			waitForSocket(paths.SocketPath, 2*time.Second)
			cmd.Println("aixterm service restarted")
			return nil
		},
	}
}

func newServiceLogsCommand() *cobra.Command {
	var lines int
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Print the tail of the service's log file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := runtimepaths.Resolve()
			if err != nil {
				return err
			}
			cfg, err := config.LoadConfig(paths.ConfigPath)
			if err != nil {
				return err
			}
			if cfg.Logging.File == "" {
				return fmt.Errorf("no log file configured (set logging.file in %s)", paths.ConfigPath)
			}
			return tailFile(cmd, cfg.Logging.File, lines)
		},
	}
	cmd.Flags().IntVarP(&lines, "lines", "n", 50, "number of trailing lines to print")
	return cmd
}

func tailFile(cmd *cobra.Command, path string, n int) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	var buf []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		buf = append(buf, scanner.Text())
		if len(buf) > n {
			buf = buf[1:]
		}
	}
	for _, line := range buf {
		cmd.Println(line)
	}
	return nil
}

// socketIsLive reports whether something is listening on path right now.
func socketIsLive(path string) bool {
	if _, err := os.Stat(path); err != nil {
		return false
	}
	conn, err := net.DialTimeout("unix", path, 200*time.Millisecond)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

func waitForSocket(path string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if socketIsLive(path) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func waitForSocketGone(path string, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !socketIsLive(path) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// sendShutdown sends a control/shutdown request over an existing
// connection; it does not auto-spawn, since a missing service is a no-op,
// not a reason to start one just to stop it.
func sendShutdown(socketPath string) error {
	conn, err := net.DialTimeout("unix", socketPath, 2*time.Second)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer conn.Close()

	env := spawnclient.Send(conn, map[string]any{"type": "control", "command": "shutdown"})
	if env.Status == "error" && env.Error != nil {
		return fmt.Errorf("%s: %s", env.Error.Code, env.Error.Message)
	}
	return nil
}

// forkServiceDetached launches "<self> service run" as a session leader
// with stdio redirected to /dev/null, the same shape spawnclient uses for
// implicit auto-spawn, but invoked explicitly by `service start`/`restart`.
func forkServiceDetached(configPath string) error {
	self, err := os.Executable()
	if err != nil {
		return err
	}

	args := []string{"service", "run"}
	if configPath != "" {
		args = append(args, "--config", configPath)
	}

	cmd := exec.Command(self, args...)
	devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	cmd.Stdin = devnull
	cmd.Stdout = devnull
	cmd.Stderr = devnull
	setNewSession(cmd)

	return cmd.Start()
}

func resolveConfigPath(override string) (runtimepaths.Paths, error) {
	paths, err := runtimepaths.Resolve()
	if err != nil {
		return paths, err
	}
	if override != "" {
		paths.ConfigPath = filepath.Clean(override)
	}
	return paths, nil
}
