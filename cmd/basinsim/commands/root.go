// Package commands implements the basinsim CLI.
package commands

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/atmx/water-market/internal/config"
)

var logLevel string

var rootCmd = newRootCmd()

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "basinsim",
		Short: "basinsim - water-rights market simulator",
		Long: `basinsim runs a water-rights market over a river basin offline.

A basin document (YAML) describes the flow network, the participants and the
market settings. Each round participants bid, the basin repairs flow-balance
violations, a discriminatory-price double auction clears the bids and every
participant learns from the outcome until the market converges.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "engine log level (debug, info, warn, error)")
	cmd.AddCommand(newRunCmd(), newValidateCmd())
	return cmd
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

// engineLogger logs engine events as text to stderr.
func engineLogger(stderr io.Writer) (*slog.Logger, error) {
	level, err := config.ParseLevel(logLevel)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})), nil
}

func init() {
	// Force color output even when not connected to TTY.
	// Users can disable with NO_COLOR environment variable.
	if os.Getenv("NO_COLOR") == "" {
		color.NoColor = false
	}
}

var (
	green  = color.New(color.FgGreen)
	yellow = color.New(color.FgYellow)
	red    = color.New(color.FgRed, color.Bold)
	cyan   = color.New(color.FgCyan)
)

// fail prints a red title and explanation to stderr and returns a plain
// error for cobra.
func fail(cmd *cobra.Command, title string, err error) error {
	red.Fprintf(cmd.ErrOrStderr(), "%s\n\n", title)
	fmt.Fprintf(cmd.ErrOrStderr(), "%v\n", err)
	return fmt.Errorf("%s: %w", title, err)
}
