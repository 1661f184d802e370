// Package registry keeps the set of values a session actually computed.
//
// Entries are deduplicated on the canonical (value, unit, source_tool)
// tuple: values are rounded to a fixed number of significant figures and
// units are normalized before hashing, so float noise never splits an entry.
package registry

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/canonical"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/types"
)

const DefaultPrecision = 6

type Options struct {
	// Precision is the number of significant figures kept (default 6).
	Precision int
	// ToolPrecision overrides Precision for individual tools.
	ToolPrecision map[string]int
	Now           func() time.Time
}

type valueKey struct {
	value string
	unit  string
}

// Registry is safe for concurrent use. Create one per session.
type Registry struct {
	opts Options

	mu      sync.RWMutex
	entries map[string]*types.RegistryEntry
	order   []string
	byValue map[valueKey][]string
	byUnit  map[string][]string
}

func New(opts Options) *Registry {
	if opts.Precision <= 0 {
		opts.Precision = DefaultPrecision
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Registry{
		opts:    opts,
		entries: make(map[string]*types.RegistryEntry),
		byValue: make(map[valueKey][]string),
		byUnit:  make(map[string][]string),
	}
}

func (r *Registry) precisionFor(tool string) int {
	if p, ok := r.opts.ToolPrecision[tool]; ok && p > 0 {
		return p
	}
	return r.opts.Precision
}

// Register inserts the record's value. It returns false for identifier-only
// records and for records without a source tool.
func (r *Registry) Register(rec types.Record) (types.RegistryEntry, bool) {
	if rec.Value == nil || rec.SourceTool == "" {
		return types.RegistryEntry{}, false
	}
	v := *rec.Value
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return types.RegistryEntry{}, false
	}

	rounded := Round(v, r.precisionFor(rec.SourceTool))
	unit := NormalizeUnit(rec.Unit)
	hash, err := ArtifactHash(rounded, unit, rec.SourceTool)
	if err != nil {
		return types.RegistryEntry{}, false
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[hash]
	if !ok {
		firstSeen := rec.ExtractedAt
		if firstSeen.IsZero() {
			firstSeen = r.opts.Now().UTC()
		}
		entry = &types.RegistryEntry{
			Value:        rounded,
			Unit:         unit,
			SourceTool:   rec.SourceTool,
			ArtifactHash: hash,
			FirstSeenAt:  firstSeen,
		}
		r.insertLocked(entry)
	}
	entry.Occurrences++
	entry.Identifiers = addUnique(entry.Identifiers, rec.Identifier)
	entry.Properties = addUnique(entry.Properties, rec.Property)
	return copyEntry(entry), true
}

func (r *Registry) insertLocked(entry *types.RegistryEntry) {
	h := entry.ArtifactHash
	r.entries[h] = entry
	r.order = append(r.order, h)
	k := valueKey{value: formatValue(entry.Value), unit: entry.Unit}
	r.byValue[k] = append(r.byValue[k], h)
	r.byUnit[entry.Unit] = append(r.byUnit[entry.Unit], h)
}

// Contains reports whether the tool computed value in unit.
func (r *Registry) Contains(value float64, unit, sourceTool string) bool {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return false
	}
	hash, err := ArtifactHash(Round(value, r.precisionFor(sourceTool)), NormalizeUnit(unit), sourceTool)
	if err != nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[hash]
	return ok
}

// Lookup returns every entry with value and unit, from any tool.
func (r *Registry) Lookup(value float64, unit string) []types.RegistryEntry {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return nil
	}
	unit = NormalizeUnit(unit)

	precisions := map[int]bool{r.opts.Precision: true}
	for _, p := range r.opts.ToolPrecision {
		if p > 0 {
			precisions[p] = true
		}
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	var out []types.RegistryEntry
	for p := range precisions {
		for _, h := range r.byValue[valueKey{value: formatValue(Round(value, p)), unit: unit}] {
			if seen[h] {
				continue
			}
			seen[h] = true
			out = append(out, copyEntry(r.entries[h]))
		}
	}
	sortEntries(out)
	return out
}

// ByUnit returns the entries recorded in unit, in insertion order.
func (r *Registry) ByUnit(unit string) []types.RegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	hashes := r.byUnit[NormalizeUnit(unit)]
	out := make([]types.RegistryEntry, 0, len(hashes))
	for _, h := range hashes {
		out = append(out, copyEntry(r.entries[h]))
	}
	return out
}

// Snapshot returns all entries ordered by first sighting.
func (r *Registry) Snapshot() []types.RegistryEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]types.RegistryEntry, 0, len(r.order))
	for _, h := range r.order {
		out = append(out, copyEntry(r.entries[h]))
	}
	sortEntries(out)
	return out
}

// Restore loads previously persisted entries, e.g. from artifacts.json.
// Entries whose hash does not match their content are rejected.
func (r *Registry) Restore(entries []types.RegistryEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range entries {
		hash, err := ArtifactHash(e.Value, NormalizeUnit(e.Unit), e.SourceTool)
		if err != nil {
			return err
		}
		if hash != e.ArtifactHash {
			return fmt.Errorf("registry entry %s: hash mismatch", e.ArtifactHash)
		}
		if _, ok := r.entries[hash]; ok {
			continue
		}
		entry := copyEntry(&e)
		entry.Unit = NormalizeUnit(e.Unit)
		r.insertLocked(&entry)
	}
	return nil
}

// Len returns the number of distinct entries.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Precision returns the significant figures used for tool.
func (r *Registry) Precision(tool string) int {
	return r.precisionFor(tool)
}

// ArtifactHash hashes the canonical JSON of the (value, unit, source_tool)
// tuple. value must already be rounded.
func ArtifactHash(value float64, unit, sourceTool string) (string, error) {
	return canonical.Hash(map[string]any{
		"value":       value,
		"unit":        unit,
		"source_tool": sourceTool,
	})
}

// Round keeps sig significant figures.
func Round(v float64, sig int) float64 {
	if v == 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	if sig <= 0 {
		sig = DefaultPrecision
	}
	f, err := strconv.ParseFloat(strconv.FormatFloat(v, 'e', sig-1, 64), 64)
	if err != nil {
		return v
	}
	return f
}

func formatValue(v float64) string {
	if v == 0 {
		return "0"
	}
	return strconv.FormatFloat(v, 'g', -1, 64)
}

func addUnique(list []string, s string) []string {
	if s == "" {
		return list
	}
	for _, existing := range list {
		if existing == s {
			return list
		}
	}
	list = append(list, s)
	sort.Strings(list)
	return list
}

func copyEntry(e *types.RegistryEntry) types.RegistryEntry {
	c := *e
	c.Identifiers = append([]string(nil), e.Identifiers...)
	c.Properties = append([]string(nil), e.Properties...)
	return c
}

func sortEntries(entries []types.RegistryEntry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].FirstSeenAt.Equal(entries[j].FirstSeenAt) {
			return entries[i].FirstSeenAt.Before(entries[j].FirstSeenAt)
		}
		return entries[i].ArtifactHash < entries[j].ArtifactHash
	})
}
