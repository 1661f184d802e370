// Package cmd is the crystalyse-audit command tree.
package cmd

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/cmd/logs"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/config"
)

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "crystalyse-audit",
	Short: "Provenance capture and computational-honesty gate for CrystaLyse",
	Long: `crystalyse-audit records every tool call a materials-discovery agent makes,
keeps the values those tools actually computed, and checks the numbers in the
agent's responses against them before they are shown.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// exitCodeError carries a wrapped backend's non-zero exit status.
type exitCodeError struct{ code int }

func (e exitCodeError) Error() string { return fmt.Sprintf("backend exited with status %d", e.code) }

// Execute runs the CLI and returns the process exit code.
func Execute() int {
	err := rootCmd.Execute()
	if err == nil {
		return 0
	}
	var exitErr exitCodeError
	if errors.As(err, &exitErr) {
		return exitErr.code
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	return 1
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", config.DefaultFile, "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
	rootCmd.AddCommand(logs.NewCommand(loadConfig))
}

func newLogger(w io.Writer, verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

// loadConfig loads, resolves and validates the config and builds the logger
// every command writes to. Logs go to stderr; stdout may be a protocol stream.
func loadConfig() (*config.Config, *slog.Logger, error) {
	logger := newLogger(os.Stderr, verbose)
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, nil, fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.ResolvePlaceholders(); err != nil {
		return nil, nil, fmt.Errorf("resolving config placeholders: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("invalid config %s: %w", cfgFile, err)
	}
	logger.Debug("config loaded", "path", cfgFile, "output_dir", cfg.OutputDir, "gate_mode", cfg.GateMode)
	return cfg, logger, nil
}
