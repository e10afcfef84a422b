package main

import (
	"log/slog"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/log"
	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

var (
	configPath string
	logLevel   string
	logFormat  string
)

var rootCmd = &cobra.Command{
	Use:           "votingd",
	Short:         "Secret ballot voting with key escrow, Merkle audit ledger and on-chain anchoring",
	SilenceUsage:  true,
	SilenceErrors: false,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (.yaml or .toml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override the configured log level")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "override the configured log format (terminal, json)")
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "trace":
		return log.LevelTrace, nil
	case "debug":
		return log.LevelDebug, nil
	case "", "info":
		return log.LevelInfo, nil
	case "warn", "warning":
		return log.LevelWarn, nil
	case "error":
		return log.LevelError, nil
	case "crit":
		return log.LevelCrit, nil
	}
	return 0, errors.Errorf("unknown log level %q", s)
}

// setupLogging installs the root go-ethereum logger. Flags win over the config.
func setupLogging(level, format string) error {
	if logLevel != "" {
		level = logLevel
	}
	if logFormat != "" {
		format = logFormat
	}
	lvl, err := parseLevel(level)
	if err != nil {
		return err
	}
	var h slog.Handler
	switch format {
	case "json":
		h = log.JSONHandlerWithLevel(os.Stderr, lvl)
	case "", "terminal":
		h = log.NewTerminalHandlerWithLevel(os.Stderr, lvl, !color.NoColor)
	default:
		return errors.Errorf("unknown log format %q", format)
	}
	log.SetDefault(log.NewLogger(h))
	return nil
}
