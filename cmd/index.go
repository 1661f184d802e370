package cmd

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"

	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/cmd/logs"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/localstore"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/trace"
)

const defaultIndexPattern = "**/" + trace.SummaryFile

var indexCmd = &cobra.Command{
	Use:   "index [root]",
	Short: "Load session directories into the local index",
	Long: `Finds every session under root (default: output_dir) whose summary.json
matches --pattern and stores its summary, records and registry entries in the
SQLite index browsed by "logs show".`,
	Args: cobra.MaximumNArgs(1),
	RunE: runIndex,
}

func init() {
	indexCmd.Flags().String("pattern", defaultIndexPattern, "doublestar glob for summary files, relative to root")
	rootCmd.AddCommand(indexCmd)
}

type indexResult struct {
	Indexed int
	Skipped int
}

// indexSessions stores every session whose summary file matches pattern.
// Sessions that cannot be read are skipped and logged.
func indexSessions(store *localstore.Store, root, pattern string, progress io.Writer, logger *slog.Logger) (indexResult, error) {
	var res indexResult
	if !doublestar.ValidatePattern(pattern) {
		return res, fmt.Errorf("invalid pattern %q", pattern)
	}
	matches, err := doublestar.Glob(os.DirFS(root), pattern, doublestar.WithFilesOnly())
	if err != nil {
		return res, fmt.Errorf("globbing %s: %w", root, err)
	}
	if len(matches) == 0 {
		return res, nil
	}

	bar := progressbar.NewOptions(len(matches),
		progressbar.OptionSetDescription("Indexing sessions"),
		progressbar.OptionSetWriter(progress),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
	)
	for _, m := range matches {
		dir := filepath.Join(root, filepath.Dir(filepath.FromSlash(m)))
		if err := indexDir(store, dir); err != nil {
			logger.Warn("skipping session", "dir", dir, "error", err)
			res.Skipped++
		} else {
			res.Indexed++
		}
		bar.Add(1)
	}
	bar.Finish()
	return res, nil
}

func indexDir(store *localstore.Store, dir string) error {
	summary, err := trace.LoadSummary(dir)
	if err != nil {
		return err
	}
	if summary.SessionID == "" {
		return fmt.Errorf("%s has no session_id", trace.SummaryFile)
	}
	artifacts, err := trace.LoadArtifacts(dir)
	if errors.Is(err, fs.ErrNotExist) {
		// A summary alone still indexes; there are just no records.
		artifacts = trace.Artifacts{SessionID: summary.SessionID}
	} else if err != nil {
		return err
	}
	if summary.OutputDir == "" {
		summary.OutputDir = dir
	}
	return store.SaveSession(summary, artifacts)
}

func runIndex(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	root := cfg.OutputDir
	if len(args) == 1 {
		root = args[0]
	}
	pattern, _ := cmd.Flags().GetString("pattern")

	path, err := logs.IndexPath(cfg)
	if err != nil {
		return err
	}
	store, err := localstore.Open(path, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	res, err := indexSessions(store, root, pattern, cmd.ErrOrStderr(), logger)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Indexed %s sessions from %s into %s\n", passStyle.Sprint(res.Indexed), root, path)
	if res.Skipped > 0 {
		fmt.Fprintf(out, "Skipped %s unreadable sessions (see warnings)\n", flagStyle.Sprint(res.Skipped))
	}
	return nil
}
