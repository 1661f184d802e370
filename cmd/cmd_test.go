package cmd

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/fatih/color"

	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/config"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/gate"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/localstore"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/trace"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/types"
)

func init() {
	color.NoColor = true
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recordedSession runs one MACE call through a handler and returns the
// persisted session directory.
func recordedSession(t *testing.T, root, id string) string {
	t.Helper()
	h := trace.New(trace.Config{OutputDir: root, SessionID: id, Logger: quietLogger()})
	h.StartSession()
	h.ToolStart("c1", "mace_mp", map[string]any{"formula": "MgO"})
	h.ToolEnd("c1", map[string]any{
		"formula":          "MgO",
		"formation_energy": -3.05,
		"forces":           []any{[]any{0.0, 0.0, 0.01}},
	}, "")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := h.EndSession(ctx); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if err := h.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	return h.Dir()
}

func TestBackendFor(t *testing.T) {
	t.Setenv("BACKEND_TOKEN", "s3cret")
	cfg := config.DefaultConfig()
	cfg.Wrappers = map[string]config.WrapperProfile{
		"chem": {
			Command: "python",
			Args:    []string{"-m", "chemistry_unified"},
			Env:     map[string]string{"TOKEN": "{{env:BACKEND_TOKEN}}"},
			Alias:   "chemistry",
		},
		"bare": {Command: "mace-server"},
	}

	b, err := backendFor(cfg, "chem", nil)
	if err != nil {
		t.Fatalf("profile: %v", err)
	}
	if b.command != "python" || len(b.args) != 2 || b.env["TOKEN"] != "s3cret" || b.alias != "chemistry" {
		t.Errorf("profile backend = %+v", b)
	}
	if b, _ := backendFor(cfg, "bare", nil); b.alias != "bare" {
		t.Errorf("alias defaults to profile name, got %q", b.alias)
	}

	b, err = backendFor(cfg, "", []string{"uvx", "mace-mcp", "--port", "0"})
	if err != nil || b.command != "uvx" || len(b.args) != 3 || b.alias != "uvx" {
		t.Errorf("direct backend = %+v, %v", b, err)
	}

	for name, tc := range map[string]struct {
		profile string
		args    []string
	}{
		"both":            {"chem", []string{"uvx"}},
		"neither":         {"", nil},
		"unknown profile": {"nope", nil},
	} {
		if _, err := backendFor(cfg, tc.profile, tc.args); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestSessionGate(t *testing.T) {
	dir := recordedSession(t, t.TempDir(), "gate-session")
	cfg := config.DefaultConfig()

	g, err := sessionGate(cfg, dir, gate.ModeStrict, quietLogger())
	if err != nil {
		t.Fatalf("sessionGate: %v", err)
	}
	out, decisions := g.Apply("MgO formation energy is -3.05 eV/atom. CaO formation energy is -2.90 eV/atom.")
	if len(decisions) != 2 {
		t.Fatalf("decisions = %+v", decisions)
	}
	if decisions[0].Verdict != gate.Pass || decisions[1].Verdict != gate.Block {
		t.Errorf("verdicts = %s, %s", decisions[0].Verdict, decisions[1].Verdict)
	}
	if !strings.Contains(out, "-3.05 eV/atom") || !strings.Contains(out, gate.Redaction) {
		t.Errorf("gated output = %q", out)
	}

	var buf bytes.Buffer
	if failed := printDecisions(&buf, decisions); failed != 1 {
		t.Errorf("failed = %d, want 1", failed)
	}
	if !strings.Contains(buf.String(), "PASS") || !strings.Contains(buf.String(), "BLOCK") {
		t.Errorf("decision listing = %q", buf.String())
	}

	if _, err := sessionGate(cfg, t.TempDir(), gate.ModeAudit, quietLogger()); err == nil {
		t.Error("expected error for a directory without artifacts")
	}
}

func TestIndexSessions(t *testing.T) {
	root := t.TempDir()
	recordedSession(t, root, "alpha")
	recordedSession(t, root, "beta")
	broken := filepath.Join(root, "broken")
	if err := os.MkdirAll(broken, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(broken, trace.SummaryFile), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	store, err := localstore.OpenMemory(quietLogger())
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()

	res, err := indexSessions(store, root, defaultIndexPattern, io.Discard, quietLogger())
	if err != nil {
		t.Fatalf("indexSessions: %v", err)
	}
	if res.Indexed != 2 || res.Skipped != 1 {
		t.Errorf("result = %+v", res)
	}
	matches, err := store.FindValue(-3.05, "eV/atom")
	if err != nil || len(matches) != 2 {
		t.Errorf("FindValue = %+v, %v", matches, err)
	}

	if _, err := indexSessions(store, root, "[", io.Discard, quietLogger()); err == nil {
		t.Error("expected error for invalid pattern")
	}
	empty, err := indexSessions(store, t.TempDir(), defaultIndexPattern, io.Discard, quietLogger())
	if err != nil || empty.Indexed != 0 {
		t.Errorf("empty root = %+v, %v", empty, err)
	}
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	printSummary(&buf, types.SessionSummary{
		SessionID:             "s1",
		RecordCount:           16,
		MaterialsFound:        16,
		UnresolvedInvocations: 1,
		IncompleteInvocations: []string{"c9"},
		PerToolStats: map[string]types.ToolStats{
			"generate": {Invocations: 1, Completed: 1, Records: 16, ResolvedAs: map[string]int{"chemeleon": 1}},
			"calc":     {Invocations: 1, Incomplete: 1},
		},
	})
	out := buf.String()
	for _, want := range []string{"Session s1", "Materials found", "no (1 incomplete)", "chemeleon×1", "calc"} {
		if !strings.Contains(out, want) {
			t.Errorf("summary output missing %q:\n%s", want, out)
		}
	}
	if strings.Index(out, "calc") > strings.Index(out, "generate") {
		t.Error("tools should be listed in name order")
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	newLogger(&buf, false).Debug("hidden")
	if buf.Len() != 0 {
		t.Errorf("debug logged without --verbose: %q", buf.String())
	}
	newLogger(&buf, true).Debug("shown")
	if !strings.Contains(buf.String(), "shown") {
		t.Errorf("debug not logged with --verbose: %q", buf.String())
	}
}

func TestExitCodeError(t *testing.T) {
	if (exitCodeError{code: 3}).Error() != "backend exited with status 3" {
		t.Error("unexpected message")
	}
}
