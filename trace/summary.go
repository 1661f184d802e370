package trace

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/extract"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/types"
)

// Finalize waits (bounded by the abandon timeout and ctx) for in-flight
// invocations, marks the rest incomplete, computes the session summary and
// persists the session. It works with or without a prior session_end and is
// idempotent: every call returns the same summary.
//
// The returned error only reports persistence problems; the summary is
// always valid.
func (h *Handler) Finalize(ctx context.Context) (types.SessionSummary, error) {
	h.mu.Lock()
	switch {
	case h.summary != nil:
		s := copySummary(*h.summary)
		h.mu.Unlock()
		return s, nil
	case h.state == StateFinalizing:
		done := h.finalized
		h.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
			return types.SessionSummary{}, ctx.Err()
		}
		return h.Finalize(ctx)
	}
	h.ensureActiveLocked(h.now())
	if !h.sessionEnd {
		h.sessionEnd = true
		h.endedAt = h.now()
		h.logLocked(types.EventSessionEnd, map[string]any{"implicit": true})
	}
	h.state = StateFinalizing
	h.mu.Unlock()

	h.awaitInflight(ctx)

	h.mu.Lock()
	var abandoned []string
	for _, id := range h.order {
		inv := h.invocations[id]
		if inv.Status == types.StatusRunning {
			inv.Status = types.StatusIncomplete
			abandoned = append(abandoned, id)
		}
	}
	if len(abandoned) > 0 {
		h.warnLocked("invocations still running at finalization marked incomplete", "call_ids", abandoned)
	}
	events := h.events
	h.mu.Unlock()

	// Counting drops only makes sense once queued events reached the sink.
	if events != nil {
		flushCtx, cancel := context.WithTimeout(ctx, time.Second)
		if err := events.Flush(flushCtx); err != nil {
			h.log.Warn("event log not fully flushed before summary", "error", err)
		}
		cancel()
	}

	h.mu.Lock()
	summary := h.buildSummaryLocked()
	b, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		h.warnLocked("encode summary", "error", err.Error())
	}
	h.summary = &summary
	h.summaryJSON = b
	h.state = StateClosed
	h.mu.Unlock()

	h.log.Info("audit session finalized",
		"session_id", summary.SessionID,
		"records", summary.RecordCount,
		"registry_entries", summary.RegistryEntries,
		"incomplete", len(summary.IncompleteInvocations),
	)

	persistErr := h.Persist()
	close(h.finalized)
	return copySummary(summary), persistErr
}

func copySummary(s types.SessionSummary) types.SessionSummary {
	stats := make(map[string]types.ToolStats, len(s.PerToolStats))
	for k, v := range s.PerToolStats {
		if v.ResolvedAs != nil {
			resolved := make(map[string]int, len(v.ResolvedAs))
			for name, n := range v.ResolvedAs {
				resolved[name] = n
			}
			v.ResolvedAs = resolved
		}
		stats[k] = v
	}
	s.PerToolStats = stats
	s.IncompleteInvocations = append([]string{}, s.IncompleteInvocations...)
	return s
}

// awaitInflight blocks until no invocation is running, the abandon timeout
// elapses or ctx is done.
func (h *Handler) awaitInflight(ctx context.Context) {
	timer := time.NewTimer(h.cfg.AbandonTimeout)
	defer timer.Stop()
	for {
		h.mu.Lock()
		running := 0
		for _, inv := range h.invocations {
			if inv.Status == types.StatusRunning {
				running++
			}
		}
		ch := h.changed
		h.mu.Unlock()
		if running == 0 {
			return
		}
		select {
		case <-ch:
		case <-timer.C:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (h *Handler) buildSummaryLocked() types.SessionSummary {
	s := types.SessionSummary{
		SessionID:             h.sessionID,
		StartedAt:             h.startedAt.Round(0),
		EndedAt:               h.endedAt.Round(0),
		PerToolStats:          make(map[string]types.ToolStats),
		RegistryEntries:       h.reg.Len(),
		IncompleteInvocations: []string{},
		OrphanToolEnds:        h.orphans,
		OutputDir:             h.dir,
	}
	if s.EndedAt.Before(s.StartedAt) {
		s.EndedAt = s.StartedAt
	}
	s.TotalTimeMs = s.EndedAt.Sub(s.StartedAt).Milliseconds()

	identifiers := make(map[string]bool)

	for _, id := range h.order {
		inv := h.invocations[id]
		stats := s.PerToolStats[inv.WrapperName]
		stats.Invocations++
		switch inv.Status {
		case types.StatusCompleted:
			stats.Completed++
		case types.StatusFailed:
			stats.Failed++
		case types.StatusIncomplete:
			stats.Incomplete++
			s.IncompleteInvocations = append(s.IncompleteInvocations, inv.CallID)
		}
		if inv.DurationMs != nil {
			stats.TotalDurationMs += *inv.DurationMs
		}
		if inv.Status != types.StatusIncomplete {
			if inv.ResolvedTool == nil {
				stats.Unresolved++
				s.UnresolvedInvocations++
			} else {
				if stats.ResolvedAs == nil {
					stats.ResolvedAs = make(map[string]int)
				}
				stats.ResolvedAs[*inv.ResolvedTool]++
			}
		}
		stats.Records += len(inv.Records)
		s.PerToolStats[inv.WrapperName] = stats

		for _, r := range inv.Records {
			s.RecordCount++
			identifiers[r.Identifier] = true
		}
		found, energy := countMaterials(inv.Records)
		s.MaterialsFound += found
		s.WithEnergy += energy
	}
	sort.Strings(s.IncompleteInvocations)

	s.UniqueIdentifiers = len(identifiers)
	if h.events != nil {
		s.EventsDropped = h.events.Stats().Dropped
	}
	s.Complete = len(s.IncompleteInvocations) == 0 && s.EventsDropped == 0
	return s
}

// countMaterials counts the items one invocation reported, and how many of
// them carry an energy. Items of the same section (a list, or the payload
// itself) are distinct even when they share a formula, so polymorphs each
// count. A formula repeated under another section, such as the structures
// and the energies of one batch, is the same material and counts once.
func countMaterials(records []types.Record) (found, withEnergy int) {
	type tally struct{ items, energy map[string]bool }
	// identifier -> section -> paths
	sections := make(map[string]map[string]*tally)
	for _, r := range records {
		id := r.Identifier
		if id == "" {
			// Unidentified items are only told apart by path.
			id = "\x00" + r.Path
		}
		bySection := sections[id]
		if bySection == nil {
			bySection = make(map[string]*tally)
			sections[id] = bySection
		}
		sec := section(r.Path)
		t := bySection[sec]
		if t == nil {
			t = &tally{items: make(map[string]bool), energy: make(map[string]bool)}
			bySection[sec] = t
		}
		t.items[r.Path] = true
		if r.HasValue() && extract.IsEnergy(r.Property) {
			t.energy[r.Path] = true
		}
	}
	for _, bySection := range sections {
		items, energy := 0, 0
		for _, t := range bySection {
			items = max(items, len(t.items))
			energy = max(energy, len(t.energy))
		}
		found += items
		withEnergy += energy
	}
	return found, withEnergy
}

// section strips the trailing list index from an item path:
// "$.energy_calculations[3]" is in section "$.energy_calculations".
func section(path string) string {
	if strings.HasSuffix(path, "]") {
		if i := strings.LastIndexByte(path, '['); i >= 0 {
			return path[:i]
		}
	}
	return path
}

// Summary returns the finalized summary, if any.
func (h *Handler) Summary() (types.SessionSummary, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.summary == nil {
		return types.SessionSummary{}, false
	}
	return copySummary(*h.summary), true
}

// SummaryJSON returns the serialized summary exactly as persisted, or nil
// before finalization.
func (h *Handler) SummaryJSON() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]byte(nil), h.summaryJSON...)
}
