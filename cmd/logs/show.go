// Package logs implements `crystalyse-audit logs show|clear` over the local
// session index.
package logs

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"

	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/config"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/localstore"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/webui"
)

// Loader returns the validated config and the CLI logger.
type Loader func() (*config.Config, *slog.Logger, error)

// NewCommand returns the `logs` command with its show and clear subcommands.
func NewCommand(load Loader) *cobra.Command {
	logsCmd := &cobra.Command{
		Use:   "logs",
		Short: "Browse or clear the local session index",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Serve a local web viewer over the session index",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			port, _ := cmd.Flags().GetInt("port")
			if !cmd.Flags().Changed("port") {
				port = cfg.UIPort
			}
			noBrowser, _ := cmd.Flags().GetBool("no-browser")
			return show(cmd, cfg, logger, port, !noBrowser)
		},
	}
	showCmd.Flags().Int("port", webui.DefaultPort, "port for the local viewer (default: ui_port from config)")
	showCmd.Flags().Bool("no-browser", false, "do not open a browser")

	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete everything in the session index",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			yes, _ := cmd.Flags().GetBool("yes")
			return clearIndex(cmd, cfg, logger, yes, confirm)
		},
	}
	clearCmd.Flags().BoolP("yes", "y", false, "skip the confirmation prompt")

	logsCmd.AddCommand(showCmd, clearCmd)
	return logsCmd
}

// IndexPath is index_db from the config, or the per-user default.
func IndexPath(cfg *config.Config) (string, error) {
	if cfg.IndexDB != "" {
		return cfg.IndexDB, nil
	}
	return localstore.DefaultPath()
}

func show(cmd *cobra.Command, cfg *config.Config, logger *slog.Logger, port int, open bool) error {
	path, err := IndexPath(cfg)
	if err != nil {
		return err
	}
	store, err := localstore.Open(path, logger)
	if err != nil {
		return fmt.Errorf("opening session index: %w", err)
	}
	defer store.Close()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Local session viewer at http://localhost:%d\n", port)
	fmt.Fprintf(out, "Sessions are read from: %s\n", path)
	fmt.Fprintln(out, "Press Ctrl+C to stop the server.")

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return webui.Serve(ctx, store, port, open, logger)
}

// confirm asks before a destructive operation. It reports false on "no"
// and on an aborted prompt.
func confirm(label string) (bool, error) {
	prompt := promptui.Prompt{Label: label, IsConfirm: true}
	if _, err := prompt.Run(); err != nil {
		if errors.Is(err, promptui.ErrAbort) || errors.Is(err, promptui.ErrInterrupt) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func clearIndex(cmd *cobra.Command, cfg *config.Config, logger *slog.Logger, yes bool, ask func(string) (bool, error)) error {
	path, err := IndexPath(cfg)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if _, err := os.Stat(path); os.IsNotExist(err) {
		fmt.Fprintln(out, "No session index found to clear.")
		return nil
	}

	if !yes {
		ok, err := ask(fmt.Sprintf("Delete all indexed sessions in %s", path))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(out, "Operation cancelled.")
			return nil
		}
	}

	store, err := localstore.Open(path, logger)
	if err != nil {
		return fmt.Errorf("opening session index: %w", err)
	}
	defer store.Close()
	if err := store.Clear(); err != nil {
		return err
	}
	fmt.Fprintf(out, "Cleared session index: %s\n", path)
	return nil
}
