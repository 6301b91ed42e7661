package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/bidmatch/internal/config"
	"github.com/custodia-labs/bidmatch/internal/runtime"
)

const app = "bidmatch"

var (
	cfgFile   string
	debugLogs bool
	jsonLogs  bool

	rootCmd = &cobra.Command{
		Use:           app,
		Short:         "bidmatch matches government contract opportunities against company capabilities",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default $CONFIG_FILE)")
	rootCmd.PersistentFlags().BoolVarP(&debugLogs, "debug", "d", false, "verbose/debug output")
	rootCmd.PersistentFlags().BoolVarP(&jsonLogs, "json", "j", false, "json format for logging")

	rootCmd.AddCommand(serveCmd, workerCmd, allCmd, processCmd, enqueueCmd, tokenCmd, kbLoadCmd, versionCmd)
}

// loadConfig reads configuration and applies the logging flags on top.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if cmd.Flags().Changed("debug") && debugLogs {
		cfg.Log.Level = "debug"
	}
	if cmd.Flags().Changed("json") {
		cfg.Log.Format = "text"
		if jsonLogs {
			cfg.Log.Format = "json"
		}
	}
	return cfg, nil
}

// newLogger builds the process logger and installs it as the slog default.
// Logs go to stderr so command output on stdout stays machine-readable.
func newLogger(cfg config.LogConfig, w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level)}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}
	logger := slog.New(handler).With("app", app, "version", version)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildApp loads configuration and wires the runtime for a command.
func buildApp(cmd *cobra.Command) (*runtime.App, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	logger := newLogger(cfg.Log, os.Stderr)
	a, err := runtime.Build(cmd.Context(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("build runtime: %w", err)
	}
	return a, nil
}

func closeApp(a *runtime.App) {
	if err := a.Close(); err != nil {
		a.Logger.Warn("error closing resources", "error", err)
	}
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", app, version)
	},
}
