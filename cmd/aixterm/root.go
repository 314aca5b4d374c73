package main

import (
	"strings"

	"github.com/spf13/cobra"

	"github.com/aixterm/aixterm/pkg/logger"
)

const logo = "»"

var version = "dev"

// NewRootCommand builds the aixterm CLI: positional arguments are joined
// into an implicit query, with status/service/config/version as explicit
// subcommands. A bare invocation returns an error; stdin is not read.
func NewRootCommand() *cobra.Command {
	var planning bool
	var stream bool
	var files []string
	var debug bool

	cmd := &cobra.Command{
		Use:           "aixterm [query]",
		Short:         "Terminal-resident AI assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if debug {
				logger.SetLevel(logger.DEBUG)
			}
			return runQuery(cmd.Context(), strings.Join(args, " "), files, planning, stream)
		},
	}

	cmd.Flags().BoolVarP(&planning, "plan", "p", false, "use the planning-mode system prompt")
	cmd.Flags().BoolVar(&stream, "stream", true, "stream the response as it's generated")
	cmd.Flags().StringArrayVarP(&files, "file", "f", nil, "include a file's contents as context (repeatable)")
	cmd.Flags().BoolVarP(&debug, "debug", "d", false, "enable debug logging")

	cmd.AddCommand(
		newStatusCommand(),
		newServiceCommand(),
		newConfigCommand(),
		newVersionCommand(),
	)

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the aixterm version",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.Printf("%s aixterm %s\n", logo, version)
			return nil
		},
	}
}

func parseLogLevel(s string) logger.LogLevel {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return logger.DEBUG
	case "warn", "warning":
		return logger.WARN
	case "error":
		return logger.ERROR
	default:
		return logger.INFO
	}
}
