package trace

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/types"
)

// File names inside a session directory.
const (
	EventsFile    = "events.jsonl"
	SummaryFile   = "summary.json"
	ArtifactsFile = "artifacts.json"
	OutputFile    = "assistant_output.md"
	RawDir        = "raw"
)

// Artifacts is the record catalog persisted next to the summary.
type Artifacts struct {
	SessionID      string                 `json:"session_id"`
	CatalogVersion string                 `json:"catalog_version"`
	Invocations    []types.ToolInvocation `json:"invocations"`
	Registry       []types.RegistryEntry  `json:"registry"`
}

// Persist writes summary, artifacts and assistant output into the session
// directory. It can be retried after a failure; in-memory state is never
// discarded. Files are replaced atomically.
func (h *Handler) Persist() error {
	h.mu.Lock()
	if h.summary == nil {
		h.mu.Unlock()
		return fmt.Errorf("%w: session not finalized", types.ErrPersistence)
	}
	if h.cfg.ReadOnly {
		h.mu.Unlock()
		return nil
	}
	dir := h.dir
	summaryJSON := append([]byte(nil), h.summaryJSON...)
	artifacts := Artifacts{
		SessionID:      h.sessionID,
		CatalogVersion: h.catalog.Version,
		Invocations:    h.invocationsLocked(),
		Registry:       h.reg.Snapshot(),
	}
	output := h.output.String()
	h.mu.Unlock()

	artifactsJSON, err := json.MarshalIndent(artifacts, "", "  ")
	if err != nil {
		return h.persistFailed(err)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return h.persistFailed(err)
	}
	var errs []error
	for name, data := range map[string][]byte{
		SummaryFile:   summaryJSON,
		ArtifactsFile: artifactsJSON,
		OutputFile:    []byte(output),
	} {
		if err := writeFileAtomic(filepath.Join(dir, name), data); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		return h.persistFailed(err)
	}
	h.log.Debug("session persisted", "dir", dir)
	return nil
}

func (h *Handler) persistFailed(err error) error {
	h.warn("session persistence failed; state kept in memory", "error", err.Error())
	return fmt.Errorf("%w: %v", types.ErrPersistence, err)
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return nil
}

// LoadArtifacts reads artifacts.json from a session directory.
func LoadArtifacts(dir string) (Artifacts, error) {
	var a Artifacts
	b, err := os.ReadFile(filepath.Join(dir, ArtifactsFile))
	if err != nil {
		return a, err
	}
	if err := json.Unmarshal(b, &a); err != nil {
		return a, fmt.Errorf("decode %s: %w", ArtifactsFile, err)
	}
	return a, nil
}

// LoadSummary reads summary.json from a session directory.
func LoadSummary(dir string) (types.SessionSummary, error) {
	var s types.SessionSummary
	b, err := os.ReadFile(filepath.Join(dir, SummaryFile))
	if err != nil {
		return s, err
	}
	if err := json.Unmarshal(b, &s); err != nil {
		return s, fmt.Errorf("decode %s: %w", SummaryFile, err)
	}
	return s, nil
}
