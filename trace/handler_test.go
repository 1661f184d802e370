package trace

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/eventlog"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/gate"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/identity"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/payload"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/types"
)

var fixedNow = time.Date(2026, 10, 14, 9, 30, 0, 0, time.UTC)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestHandler(t *testing.T, cfg Config) *Handler {
	t.Helper()
	if cfg.OutputDir == "" {
		cfg.OutputDir = t.TempDir()
	}
	if cfg.SessionID == "" {
		cfg.SessionID = "test-session"
	}
	cfg.Logger = quietLogger()
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return fixedNow }
	}
	h := New(cfg)
	t.Cleanup(func() { closeHandler(t, h) })
	return h
}

func closeHandler(t *testing.T, h *Handler) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.Close(ctx); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func maceOutput(formula string, energy float64) map[string]any {
	return map[string]any{
		"formula":          formula,
		"formation_energy": energy,
		"forces":           []any{[]any{0.0, 0.0, 0.01}},
	}
}

func eventsOf(t *testing.T, h *Handler, typ types.EventType) []types.Event {
	t.Helper()
	events, err := eventlog.ReadAll(filepath.Join(h.Dir(), EventsFile))
	if err != nil {
		t.Fatalf("read events: %v", err)
	}
	var out []types.Event
	for _, e := range events {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out
}

func TestUnknownWrapperStructureGeneration(t *testing.T) {
	h := newTestHandler(t, Config{})
	formulas := []string{
		"MgO", "CaO", "ZnO", "NaCl", "KCl", "LiF", "Fe2O3", "TiO2",
		"Al2O3", "SiO2", "MgFe2O4", "CaTiO3", "BaTiO3", "SrTiO3", "LiCoO2", "ZrO2",
	}
	structures := make([]any, len(formulas))
	for i, f := range formulas {
		structures[i] = map[string]any{"composition": f}
	}

	h.StartSession()
	h.ToolStart("call-1", "unknown_tool", map[string]any{"n": 16})
	h.ToolEnd("call-1", structures, "")
	summary, err := h.EndSession(context.Background())
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}

	if summary.MaterialsFound != 16 {
		t.Errorf("materials_found = %d, want 16", summary.MaterialsFound)
	}
	if summary.WithEnergy != 0 {
		t.Errorf("with_energy = %d, want 0", summary.WithEnergy)
	}
	if summary.RecordCount != 16 || summary.UniqueIdentifiers != 16 {
		t.Errorf("records = %d unique = %d", summary.RecordCount, summary.UniqueIdentifiers)
	}
	if summary.RegistryEntries != 0 {
		t.Errorf("registry_entries = %d, want 0", summary.RegistryEntries)
	}
	stats := summary.PerToolStats["unknown_tool"]
	if stats.ResolvedAs["chemeleon"] != 1 {
		t.Errorf("resolved_as = %v", stats.ResolvedAs)
	}

	g := h.NewGate(gate.ModeStrict)
	_, decisions := g.Apply("MgFe2O4 formation energy is -4.5 eV/atom")
	if len(decisions) != 1 || decisions[0].Verdict != gate.Block {
		t.Fatalf("decisions = %+v", decisions)
	}
}

func TestFinalizeIsIdempotent(t *testing.T) {
	h := newTestHandler(t, Config{})
	h.StartSession()
	h.ToolStart("c1", "energy_calculator", nil)
	h.ToolEnd("c1", maceOutput("MgO", -3.05), "")
	h.AssistantOutput("MgO formation energy is -3.05 eV/atom")

	first, err := h.Finalize(context.Background())
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	firstJSON := h.SummaryJSON()
	second, err := h.Finalize(context.Background())
	if err != nil {
		t.Fatalf("second Finalize: %v", err)
	}
	if !bytes.Equal(firstJSON, h.SummaryJSON()) {
		t.Error("summary JSON changed between Finalize calls")
	}
	if first.RecordCount != second.RecordCount || first.EndedAt != second.EndedAt {
		t.Errorf("summaries differ: %+v vs %+v", first, second)
	}
	if h.State() != StateClosed {
		t.Errorf("state = %s", h.State())
	}

	onDisk, err := os.ReadFile(filepath.Join(h.Dir(), SummaryFile))
	if err != nil {
		t.Fatalf("read summary: %v", err)
	}
	if !bytes.Equal(onDisk, firstJSON) {
		t.Error("persisted summary differs from SummaryJSON")
	}
	if !first.Complete {
		t.Error("session without incomplete invocations should be complete")
	}
}

func TestFinalizeWithoutSessionEnd(t *testing.T) {
	h := newTestHandler(t, Config{})
	h.ToolStart("c1", "mace", nil)
	h.ToolEnd("c1", maceOutput("CaO", -2.9), "")

	summary, err := h.Finalize(context.Background())
	if err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if summary.RecordCount != 1 {
		t.Errorf("records = %d", summary.RecordCount)
	}
	closeHandler(t, h)

	starts := eventsOf(t, h, types.EventSessionStart)
	if len(starts) != 1 || starts[0].Payload["implicit"] != true {
		t.Errorf("session_start events = %+v", starts)
	}
	ends := eventsOf(t, h, types.EventSessionEnd)
	if len(ends) != 1 || ends[0].Payload["implicit"] != true {
		t.Errorf("session_end events = %+v", ends)
	}
	if len(eventsOf(t, h, types.EventWarning)) == 0 {
		t.Error("implicit start should log a warning")
	}
}

func TestExtractionFailureFailsClosed(t *testing.T) {
	h := newTestHandler(t, Config{
		Extract: func(payload.Payload, identity.Identity) ([]types.Record, error) {
			panic("malformed payload")
		},
	})
	h.StartSession()
	h.ToolStart("c1", "mace", nil)
	h.ToolEnd("c1", maceOutput("MgO", -3.05), "")
	h.ToolStart("c2", "mace", nil)
	h.ToolEnd("c2", maceOutput("CaO", -2.9), "")

	summary, err := h.EndSession(context.Background())
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if summary.RecordCount != 0 || summary.RegistryEntries != 0 {
		t.Errorf("records = %d entries = %d, want none", summary.RecordCount, summary.RegistryEntries)
	}
	for _, inv := range h.Invocations() {
		if inv.Status != types.StatusCompleted {
			t.Errorf("%s status = %s", inv.CallID, inv.Status)
		}
	}

	g := h.NewGate(gate.ModeStrict)
	d := g.ClassifyAndGate(gate.Claim{Text: "formation energy", Value: -3.05, Unit: "eV/atom", SigFigs: 3})
	if d.Verdict != gate.Block {
		t.Errorf("verdict = %s, want block", d.Verdict)
	}

	closeHandler(t, h)
	if n := len(eventsOf(t, h, types.EventWarning)); n != 2 {
		t.Errorf("got %d warnings, want one per failed extraction", n)
	}
}

func TestExtractErrorIsWarning(t *testing.T) {
	h := newTestHandler(t, Config{
		Extract: func(payload.Payload, identity.Identity) ([]types.Record, error) {
			return nil, errors.New("unexpected shape")
		},
	})
	h.ToolStart("c1", "mace", nil)
	h.ToolEnd("c1", maceOutput("MgO", -3.05), "")
	summary, _ := h.Finalize(context.Background())
	if summary.RecordCount != 0 {
		t.Errorf("records = %d", summary.RecordCount)
	}
}

func TestIncompleteInvocations(t *testing.T) {
	h := newTestHandler(t, Config{AbandonTimeout: 20 * time.Millisecond})
	h.StartSession()
	h.ToolStart("done", "mace", nil)
	h.ToolEnd("done", maceOutput("MgO", -3.05), "")
	h.ToolStart("hung", "mace", nil)

	summary, err := h.EndSession(context.Background())
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if len(summary.IncompleteInvocations) != 1 || summary.IncompleteInvocations[0] != "hung" {
		t.Errorf("incomplete = %v", summary.IncompleteInvocations)
	}
	if summary.Complete {
		t.Error("summary with an incomplete invocation must not be complete")
	}
	if summary.UnresolvedInvocations != 0 {
		t.Errorf("incomplete invocation counted as unresolved")
	}

	h.ToolEnd("hung", maceOutput("CaO", -2.9), "")
	for _, inv := range h.Invocations() {
		if inv.CallID == "hung" && inv.Status != types.StatusIncomplete {
			t.Errorf("late tool_end changed status to %s", inv.Status)
		}
	}
	if h.Registry().Len() != 1 {
		t.Errorf("late tool_end registered values: %d entries", h.Registry().Len())
	}
}

func TestFinalizeWaitsForInflight(t *testing.T) {
	release := make(chan struct{})
	h := newTestHandler(t, Config{
		AbandonTimeout: 5 * time.Second,
		Extract: func(p payload.Payload, id identity.Identity) ([]types.Record, error) {
			<-release
			v := -3.05
			return []types.Record{{Identifier: "MgO", Property: "formation_energy", Value: &v, Unit: "eV/atom", SourceTool: id.Name}}, nil
		},
	})
	h.StartSession()
	h.ToolStart("c1", "mace", nil)

	ended := make(chan struct{})
	go func() {
		h.ToolEnd("c1", maceOutput("MgO", -3.05), "")
		close(ended)
	}()

	done := make(chan types.SessionSummary)
	go func() {
		s, _ := h.Finalize(context.Background())
		done <- s
	}()

	time.Sleep(20 * time.Millisecond)
	close(release)
	summary := <-done
	<-ended
	if summary.RecordCount != 1 || len(summary.IncompleteInvocations) != 0 {
		t.Errorf("summary = %+v", summary)
	}
}

func TestOrphanAndDuplicateToolEnd(t *testing.T) {
	h := newTestHandler(t, Config{})
	h.StartSession()
	h.ToolEnd("ghost", maceOutput("MgO", -3.05), "")
	h.ToolStart("c1", "mace", nil)
	h.ToolStart("c1", "mace", nil)
	h.ToolEnd("c1", maceOutput("MgO", -3.05), "")
	h.ToolEnd("c1", maceOutput("MgO", -3.05), "")

	summary, _ := h.EndSession(context.Background())
	if summary.OrphanToolEnds != 1 {
		t.Errorf("orphans = %d, want 1", summary.OrphanToolEnds)
	}
	if summary.PerToolStats["mace"].Invocations != 1 || summary.RecordCount != 1 {
		t.Errorf("stats = %+v records = %d", summary.PerToolStats["mace"], summary.RecordCount)
	}
}

func TestFailedToolRecordsNothing(t *testing.T) {
	h := newTestHandler(t, Config{})
	h.ToolStart("c1", "mace", map[string]any{"tool": "mace"})
	h.ToolEnd("c1", maceOutput("MgO", -3.05), "calculator diverged")
	summary, _ := h.Finalize(context.Background())

	stats := summary.PerToolStats["mace"]
	if stats.Failed != 1 || stats.Records != 0 {
		t.Errorf("stats = %+v", stats)
	}
	inv := h.Invocations()[0]
	if inv.Status != types.StatusFailed || inv.ErrorDetails != "calculator diverged" {
		t.Errorf("invocation = %+v", inv)
	}
}

func TestUnresolvedInvocation(t *testing.T) {
	h := newTestHandler(t, Config{})
	h.ToolStart("c1", "mystery", nil)
	h.ToolEnd("c1", map[string]any{"status": "ok"}, "")
	summary, _ := h.Finalize(context.Background())
	if summary.UnresolvedInvocations != 1 || summary.PerToolStats["mystery"].Unresolved != 1 {
		t.Errorf("summary = %+v", summary)
	}
	if h.Invocations()[0].ResolvedTool != nil {
		t.Error("unresolved invocation has a resolved tool")
	}
}

func TestConcurrentInvocations(t *testing.T) {
	h := newTestHandler(t, Config{})
	h.StartSession()

	const n = 40
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := fmt.Sprintf("c%02d", i)
			h.ToolStart(id, "mace", nil)
			h.ToolEnd(id, maceOutput("MgO", -3.0-float64(i)/100), "")
		}(i)
	}
	wg.Wait()

	summary, _ := h.EndSession(context.Background())
	if summary.RecordCount != n || summary.RegistryEntries != n {
		t.Errorf("records = %d entries = %d, want %d", summary.RecordCount, summary.RegistryEntries, n)
	}
	for _, inv := range h.Invocations() {
		if len(inv.Records) != 1 || inv.Records[0].CallID != inv.CallID {
			t.Errorf("%s records = %+v", inv.CallID, inv.Records)
		}
	}
}

func TestHandlersAreIsolated(t *testing.T) {
	dir := t.TempDir()
	a := newTestHandler(t, Config{OutputDir: dir, SessionID: "a"})
	b := newTestHandler(t, Config{OutputDir: dir, SessionID: "b"})

	var wg sync.WaitGroup
	for _, tc := range []struct {
		h      *Handler
		energy float64
	}{{a, -3.05}, {b, -2.9}} {
		wg.Add(1)
		go func(h *Handler, e float64) {
			defer wg.Done()
			h.ToolStart("c1", "mace", nil)
			h.ToolEnd("c1", maceOutput("MgO", e), "")
			h.Finalize(context.Background())
		}(tc.h, tc.energy)
	}
	wg.Wait()

	if a.Registry().Contains(-2.9, "eV/atom", "mace") || !a.Registry().Contains(-3.05, "eV/atom", "mace") {
		t.Error("handler a sees the wrong values")
	}
	if b.Registry().Contains(-3.05, "eV/atom", "mace") || !b.Registry().Contains(-2.9, "eV/atom", "mace") {
		t.Error("handler b sees the wrong values")
	}
	if a.Dir() == b.Dir() {
		t.Error("sessions share a directory")
	}
}

func TestGateDecisionsAreLogged(t *testing.T) {
	h := newTestHandler(t, Config{})
	h.ToolStart("c1", "mace", nil)
	h.ToolEnd("c1", maceOutput("MgO", -3.05), "")
	h.Finalize(context.Background())

	out, decisions := h.NewGate(gate.ModeStrict).Apply("MgO has a formation energy of -3.05 eV/atom. ZnO has a formation energy of -1.20 eV/atom.")
	if len(decisions) != 2 || decisions[0].Verdict != gate.Pass || decisions[1].Verdict != gate.Block {
		t.Fatalf("decisions = %+v", decisions)
	}
	if out == "" {
		t.Fatal("empty output")
	}
	closeHandler(t, h)

	logged := eventsOf(t, h, types.EventGateDecision)
	if len(logged) != 2 {
		t.Fatalf("logged %d gate decisions", len(logged))
	}
	if logged[0].Payload["verdict"] != "pass" || logged[0].Payload["artifact_hash"] == nil {
		t.Errorf("first decision = %+v", logged[0].Payload)
	}
}

func TestPersistFailureIsRetryable(t *testing.T) {
	base := t.TempDir()
	blocker := filepath.Join(base, "blocker")
	if err := os.WriteFile(blocker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	h := newTestHandler(t, Config{OutputDir: blocker})
	h.ToolStart("c1", "mace", nil)
	h.ToolEnd("c1", maceOutput("MgO", -3.05), "")

	summary, err := h.Finalize(context.Background())
	if !errors.Is(err, types.ErrPersistence) {
		t.Fatalf("Finalize error = %v, want ErrPersistence", err)
	}
	if summary.RecordCount != 1 {
		t.Errorf("summary lost state: %+v", summary)
	}

	if err := os.Remove(blocker); err != nil {
		t.Fatal(err)
	}
	if err := h.Persist(); err != nil {
		t.Fatalf("retry Persist: %v", err)
	}
	if _, err := LoadSummary(h.Dir()); err != nil {
		t.Errorf("LoadSummary: %v", err)
	}
	artifacts, err := LoadArtifacts(h.Dir())
	if err != nil {
		t.Fatalf("LoadArtifacts: %v", err)
	}
	if len(artifacts.Invocations) != 1 || len(artifacts.Registry) != 1 {
		t.Errorf("artifacts = %+v", artifacts)
	}
}

func TestReplayReproducesSummary(t *testing.T) {
	dir := t.TempDir()
	h := New(Config{
		OutputDir:       dir,
		SessionID:       "replayed",
		PersistRaw:      true,
		PreviewMaxBytes: 64,
		Logger:          quietLogger(),
		Now:             func() time.Time { return fixedNow },
	})
	h.StartSession()
	h.ToolStart("c1", "mace", nil)
	h.ToolEnd("c1", maceOutput("MgO", -3.05), "")
	h.ToolStart("c2", "chemistry_unified", map[string]any{"tool": "chemistry_unified"})
	h.ToolEnd("c2", `{"generated_structures": [{"composition": "CaTiO3"}, {"composition": "SrTiO3"}]}`, "")
	h.AssistantOutput("done")
	if _, err := h.EndSession(context.Background()); err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	closeHandler(t, h)
	want := h.SummaryJSON()

	if _, err := os.Stat(RawPath(filepath.Join(h.Dir(), RawDir), "c1")); err != nil {
		t.Fatalf("raw payload missing: %v", err)
	}

	r, res, err := Replay(context.Background(), h.Dir(), Config{
		Logger: quietLogger(),
		Now:    func() time.Time { return fixedNow },
	})
	if err != nil {
		t.Fatalf("Replay: %v", err)
	}
	defer closeHandler(t, r)
	if res.Skipped != 0 {
		t.Errorf("skipped %d lines", res.Skipped)
	}
	if got := r.SummaryJSON(); !bytes.Equal(got, want) {
		t.Errorf("replayed summary differs:\n got %s\nwant %s", got, want)
	}
	if r.AssistantText() != "done" {
		t.Errorf("assistant text = %q", r.AssistantText())
	}
}

func TestMaterialsFoundAcrossSections(t *testing.T) {
	h := newTestHandler(t, Config{})
	h.StartSession()
	h.ToolStart("c1", "chemistry_unified", nil)
	h.ToolEnd("c1", map[string]any{
		"generated_structures": []any{
			map[string]any{"composition": "MgFe2O4"},
			map[string]any{"composition": "CaTiO3"},
		},
		"energy_calculations": []any{
			map[string]any{"formula": "MgFe2O4", "formation_energy": -2.11},
		},
	}, "")
	summary, err := h.EndSession(context.Background())
	if err != nil {
		t.Fatalf("EndSession: %v", err)
	}
	if summary.UniqueIdentifiers != 2 || summary.MaterialsFound != 2 || summary.WithEnergy != 1 {
		t.Errorf("unique = %d materials = %d with_energy = %d, want 2, 2, 1",
			summary.UniqueIdentifiers, summary.MaterialsFound, summary.WithEnergy)
	}
}

func TestCountMaterials(t *testing.T) {
	e := -3.05
	rec := func(id, path string, withEnergy bool) types.Record {
		r := types.Record{Identifier: id, Path: path, Property: "formation_energy"}
		if withEnergy {
			r.Value = &e
		}
		return r
	}
	tests := []struct {
		name             string
		records          []types.Record
		found, withValue int
	}{
		{"polymorphs in one list", []types.Record{rec("MgO", "$[0]", false), rec("MgO", "$[1]", false), rec("MgO", "$[2]", true)}, 3, 1},
		{"same formula in two sections", []types.Record{rec("MgO", "$.structures[0]", false), rec("MgO", "$.energies[0]", true)}, 1, 1},
		{"several properties of one item", []types.Record{rec("MgO", "$", true), rec("MgO", "$", true)}, 1, 1},
		{"text lines", []types.Record{rec("MgO", "line:1", true), rec("MgO", "line:4", false), rec("ZnO", "line:2", true)}, 2, 2},
		{"unidentified items by path", []types.Record{rec("", "$[0]", false), rec("", "$[1]", false)}, 2, 0},
	}
	for _, tt := range tests {
		found, withValue := countMaterials(tt.records)
		if found != tt.found || withValue != tt.withValue {
			t.Errorf("%s: countMaterials = %d, %d, want %d, %d", tt.name, found, withValue, tt.found, tt.withValue)
		}
	}
}
