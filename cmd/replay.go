package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/trace"
)

var replayCmd = &cobra.Command{
	Use:   "replay <session-dir>",
	Short: "Rebuild a session summary from its event log",
	Args:  cobra.ExactArgs(1),
	RunE:  runReplay,
}

func init() {
	replayCmd.Flags().Bool("json", false, "print the summary as JSON")
	rootCmd.AddCommand(replayCmd)
}

func runReplay(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	asJSON, _ := cmd.Flags().GetBool("json")

	h, res, err := trace.Replay(cmd.Context(), args[0], cfg.TraceConfig(logger))
	if err != nil {
		return err
	}
	defer h.Close(context.Background())

	if res.Skipped > 0 {
		logger.Warn("unreadable event log lines skipped", "skipped", res.Skipped, "events", res.Events)
	}
	out := cmd.OutOrStdout()
	if asJSON {
		fmt.Fprintln(out, string(h.SummaryJSON()))
		return nil
	}
	summary, _ := h.Summary()
	printSummary(out, summary)
	return nil
}
