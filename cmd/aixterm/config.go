package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/aixterm/aixterm/pkg/config"
	"github.com/aixterm/aixterm/pkg/runtimepaths"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and initialize aixterm's configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return cmd.Help()
		},
	}

	cmd.AddCommand(newConfigPathCommand(), newConfigShowCommand(), newConfigInitCommand())
	return cmd
}

func newConfigPathCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "path",
		Short: "Print the resolved config file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := runtimepaths.Resolve()
			if err != nil {
				return err
			}
			cmd.Println(paths.ConfigPath)
			return nil
		},
	}
}

func newConfigShowCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the active configuration as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := runtimepaths.Resolve()
			if err != nil {
				return err
			}
			cfg, err := config.LoadConfig(paths.ConfigPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, err := json.MarshalIndent(cfg, "", "  ")
			if err != nil {
				return err
			}
			cmd.Println(string(data))
			return nil
		},
	}
}

func newConfigInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file if none exists",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			paths, err := runtimepaths.Resolve()
			if err != nil {
				return err
			}
			if _, err := os.Stat(paths.ConfigPath); err == nil {
				cmd.Printf("Config already exists at %s\n", paths.ConfigPath)
				return nil
			}
			if err := config.SaveConfig(paths.ConfigPath, config.DefaultConfig()); err != nil {
				return fmt.Errorf("save default config: %w", err)
			}
			cmd.Printf("%s aixterm is ready! Config written to %s\n", logo, paths.ConfigPath)
			return nil
		},
	}
}
