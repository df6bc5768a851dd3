// Command track-facility runs a facility health-check kiosk: it walks a
// subject through temperature, pulse and alcohol measurements read from a
// sensor station and submits the result to the backend.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/kuatovakamila/track-facility-akimat/internal/config"
)

var version = "dev"

var (
	configPath string
	logLevel   string
	logFormat  string
)

func main() {
	cmd := NewCommand()
	if err := cmd.Execute(); err != nil {
		handleCmdError(err)
		os.Exit(1)
	}
}

func handleCmdError(err error) {
	if errors.Is(err, errUnreachable) {
		fmt.Fprintln(os.Stderr, "\nError: kiosk status server is not reachable")
		fmt.Fprintln(os.Stderr, "Is the daemon running with --http enabled?")
	}
}

// NewCommand builds the root command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "track-facility",
		Short: "track-facility runs a health-check kiosk",
		Long: `track-facility runs a health-check kiosk.

It reads temperature, pulse and alcohol measurements from a sensor station,
guides the subject through each phase and submits the result.`,
		SilenceUsage: true,
	}

	globalFlags := cmd.PersistentFlags()
	globalFlags.StringVar(&configPath, "config", "", "config file path (JSON)")
	globalFlags.StringVarP(&logLevel, "log-level", "l", "", "log level (debug, info, warn, error)")
	globalFlags.StringVar(&logFormat, "log-format", "", "log format (json, console)")

	cmd.AddCommand(
		NewRunCommand(),
		NewWatchCommand(),
		NewVersionCommand(),
	)
	return cmd
}

// NewVersionCommand prints the build version.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

// loadConfig applies the global flags on top of the loaded configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if logFormat != "" {
		cfg.Log.Format = logFormat
	}
	return cfg, nil
}
