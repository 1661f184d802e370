package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/config"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/localstore"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/placeholder"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/trace"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/types"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/wrapper"
)

var wrapCmd = &cobra.Command{
	Use:   "wrap [--profile name] [-- command [args...]]",
	Short: "Run an MCP tool server and audit its tool calls",
	Long: `Runs an MCP server over stdio, proxying its traffic unchanged, and records
every tools/call exchange into a session under output_dir. Either name a
wrapper profile from the config file or give the command after "--".`,
	RunE: runWrap,
}

func init() {
	wrapCmd.Flags().String("profile", "", "wrapper profile from the config file")
	wrapCmd.Flags().String("session-id", "", "session id (default: generated)")
	// Flags after the backend command belong to the backend.
	wrapCmd.Flags().SetInterspersed(false)
	rootCmd.AddCommand(wrapCmd)
}

type backend struct {
	command string
	args    []string
	env     map[string]string
	alias   string
}

// backendFor picks the command to wrap: a profile or a direct command, not both.
func backendFor(cfg *config.Config, profileName string, args []string) (backend, error) {
	if profileName != "" && len(args) > 0 {
		return backend{}, fmt.Errorf("cannot specify a direct command (%q) when --profile (%q) is also provided", args[0], profileName)
	}
	if profileName == "" {
		if len(args) == 0 {
			return backend{}, fmt.Errorf("no command or --profile specified")
		}
		return backend{command: args[0], args: args[1:], alias: args[0]}, nil
	}

	profile, err := cfg.Profile(profileName)
	if err != nil {
		return backend{}, err
	}
	env, err := placeholder.ResolveMap(profile.Env)
	if err != nil {
		return backend{}, fmt.Errorf("resolving env placeholders for profile %q: %w", profileName, err)
	}
	alias := profile.Alias
	if alias == "" {
		alias = profileName
	}
	return backend{command: profile.Command, args: profile.Args, env: env, alias: alias}, nil
}

func runWrap(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	profileName, _ := cmd.Flags().GetString("profile")
	if id, _ := cmd.Flags().GetString("session-id"); id != "" {
		cfg.SessionID = id
	}
	b, err := backendFor(cfg, profileName, args)
	if err != nil {
		return err
	}
	logger = logger.With("server", b.alias)

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h := trace.New(cfg.TraceConfig(logger))
	code, runErr := wrapper.Run(ctx, wrapper.Options{
		Command: b.command,
		Args:    b.args,
		Env:     b.env,
		Handler: h,
		Stdin:   cmd.InOrStdin(),
		Stdout:  cmd.OutOrStdout(),
		Stderr:  cmd.ErrOrStderr(),
		Logger:  logger,
	})

	// The agent's stdout is the protocol channel, so the summary goes to stderr.
	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.AbandonTimeout+5*time.Second)
	defer cancel()
	summary, finErr := h.EndSession(closeCtx)
	if err := h.Close(closeCtx); err != nil {
		logger.Warn("closing audit session", "error", err)
	}
	if finErr != nil {
		logger.Error("session summary not persisted", "session_id", summary.SessionID, "error", finErr)
	} else {
		printSummary(cmd.ErrOrStderr(), summary)
		if cfg.IndexDB != "" {
			indexSession(cfg.IndexDB, h.Dir(), summary, logger)
		}
	}

	if runErr != nil {
		return runErr
	}
	if code != 0 {
		return exitCodeError{code: code}
	}
	return nil
}

// indexSession adds a finished session to the index. Failures are logged;
// the session on disk is the source of truth.
func indexSession(path, dir string, summary types.SessionSummary, logger *slog.Logger) {
	store, err := localstore.Open(path, logger)
	if err != nil {
		logger.Warn("open session index", "path", path, "error", err)
		return
	}
	defer store.Close()
	artifacts, err := trace.LoadArtifacts(dir)
	if err != nil {
		logger.Warn("read artifacts for index", "dir", dir, "error", err)
		return
	}
	if err := store.SaveSession(summary, artifacts); err != nil {
		logger.Warn("index session", "session_id", summary.SessionID, "error", err)
		return
	}
	logger.Debug("session indexed", "session_id", summary.SessionID, "index", path)
}
