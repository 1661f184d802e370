package cmd

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/config"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/gate"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/registry"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/trace"
)

var gateCmd = &cobra.Command{
	Use:   "gate <session-dir> <response.md>",
	Short: "Check the numbers in a response against a session's computed values",
	Long: `Reads the value registry from the session's artifacts.json and gates every
number in the markdown response. The gated response is written to stdout and
the verdicts to stderr. In strict mode blocked numbers are redacted.`,
	Args: cobra.ExactArgs(2),
	RunE: runGate,
}

func init() {
	gateCmd.Flags().String("mode", "", "gate mode, strict or audit (default: gate_mode from config)")
	gateCmd.Flags().Bool("json", false, "print decisions as JSON instead of the response")
	gateCmd.Flags().Bool("fail-on-block", false, "exit with status 2 when any number is blocked or flagged")
	rootCmd.AddCommand(gateCmd)
}

// sessionGate builds a gate over the registry persisted in dir.
func sessionGate(cfg *config.Config, dir string, mode gate.Mode, logger *slog.Logger) (*gate.Gate, error) {
	artifacts, err := trace.LoadArtifacts(dir)
	if err != nil {
		return nil, fmt.Errorf("loading session artifacts: %w", err)
	}
	reg := registry.New(registry.Options{Precision: cfg.Precision, ToolPrecision: cfg.ToolPrecision})
	if err := reg.Restore(artifacts.Registry); err != nil {
		return nil, fmt.Errorf("restoring registry: %w", err)
	}
	logger.Debug("registry restored", "session_id", artifacts.SessionID, "entries", reg.Len())
	return gate.New(reg, mode, logger), nil
}

func runGate(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	mode := cfg.Mode()
	if m, _ := cmd.Flags().GetString("mode"); m != "" {
		if mode, err = gate.ParseMode(m); err != nil {
			return err
		}
	}
	asJSON, _ := cmd.Flags().GetBool("json")
	failOnBlock, _ := cmd.Flags().GetBool("fail-on-block")

	doc, err := os.ReadFile(args[1])
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	g, err := sessionGate(cfg, args[0], mode, logger)
	if err != nil {
		return err
	}
	gated, decisions := g.Apply(string(doc))

	out := cmd.OutOrStdout()
	var failed int
	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(decisions); err != nil {
			return err
		}
		for _, d := range decisions {
			if d.Verdict != gate.Pass {
				failed++
			}
		}
	} else {
		fmt.Fprint(out, gated)
		headerStyle.Fprintf(cmd.ErrOrStderr(), "Gate (%s): %d numbers\n", mode, len(decisions))
		failed = printDecisions(cmd.ErrOrStderr(), decisions)
	}
	if failOnBlock && failed > 0 {
		return exitCodeError{code: 2}
	}
	return nil
}
