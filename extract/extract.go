// Package extract pulls domain records (a formula plus optional numeric
// properties) out of heterogeneous tool outputs.
//
// Extraction is conservative. A record is only produced when its identifier
// is a real chemical formula and its value is unambiguous; anything else is
// dropped, which under-reports provenance instead of inventing it.
package extract

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/identity"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/payload"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/types"
)

// DefaultMaxDepth bounds how far below an identified object nested
// properties are still attributed to it.
const DefaultMaxDepth = 8

// Extractor turns payloads into records.
type Extractor struct {
	MaxDepth int
	Now      func() time.Time
}

// New returns an Extractor with default limits.
func New() *Extractor {
	return &Extractor{MaxDepth: DefaultMaxDepth, Now: time.Now}
}

// Extract uses a default Extractor.
func Extract(p payload.Payload, id identity.Identity) ([]types.Record, error) {
	return New().Extract(p, id)
}

// Extract returns the records found in p, attributed to id. It never panics;
// internal failures yield no records and an error wrapping
// types.ErrExtraction.
func (x *Extractor) Extract(p payload.Payload, id identity.Identity) (records []types.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			records = nil
			err = fmt.Errorf("%w: %v", types.ErrExtraction, r)
		}
	}()
	if id.Name == "" {
		return nil, fmt.Errorf("%w: no source tool", types.ErrExtraction)
	}

	w := &walker{maxDepth: x.MaxDepth}
	if w.maxDepth <= 0 {
		w.maxDepth = DefaultMaxDepth
	}
	switch p.Kind {
	case payload.KindObject:
		w.object(p.Object, "$", nil, 0)
	case payload.KindList:
		w.list(p.List, "$", nil, 0)
	case payload.KindText:
		w.text(p.Text)
	}

	now := time.Now
	if x.Now != nil {
		now = x.Now
	}
	return w.records(id.Name, now().UTC()), nil
}

// item is one identified object (or text line) in the payload. Every record
// belongs to exactly one item.
type item struct {
	id    string
	path  string
	props map[string][]candidate
}

type candidate struct {
	value   float64
	unit    string
	context string
}

func (it *item) add(prop string, c candidate) {
	if it.props == nil {
		it.props = make(map[string][]candidate)
	}
	it.props[prop] = append(it.props[prop], c)
}

type walker struct {
	maxDepth int
	items    []*item
}

func (w *walker) newItem(id, path string) *item {
	it := &item{id: id, path: path}
	w.items = append(w.items, it)
	return it
}

// object walks obj. owner is the nearest identified ancestor, or nil.
func (w *walker) object(obj map[string]any, path string, owner *item, depth int) {
	w.objectAs(obj, path, owner, depth, "")
}

func (w *walker) objectAs(obj map[string]any, path string, owner *item, depth int, keyID string) {
	if depth > w.maxDepth {
		return
	}

	own, ambiguous := ownIdentifier(obj)
	if ambiguous {
		// Conflicting identifiers: this object and its anonymous children are
		// unattributable. Identified descendants still count.
		w.children(obj, path, nil, depth, true)
		return
	}
	if own == "" && keyID != "" {
		own = keyID
	}
	if own != "" {
		owner = w.newItem(own, path)
	}

	if owner != nil {
		w.properties(obj, path, owner)
	}
	w.children(obj, path, owner, depth, false)
}

func (w *walker) children(obj map[string]any, path string, owner *item, depth int, blocked bool) {
	for _, k := range sortedKeys(obj) {
		childPath := path + "." + k
		switch v := obj[k].(type) {
		case map[string]any:
			if _, isProp := LookupProperty(k); isProp {
				if _, hasValue := v["value"]; hasValue {
					continue
				}
			}
			keyID := ""
			if isStrictFormula(k) {
				keyID = k
			}
			if blocked {
				// Only objects carrying their own identity survive here.
				if id, amb := ownIdentifier(v); (id != "" && !amb) || keyID != "" {
					w.objectAs(v, childPath, nil, depth+1, keyID)
				} else {
					w.children(v, childPath, nil, depth+1, true)
				}
				continue
			}
			w.objectAs(v, childPath, owner, depth+1, keyID)
		case []any:
			if blocked {
				w.listBlocked(v, childPath, depth+1)
				continue
			}
			w.list(v, childPath, owner, depth+1)
		}
	}
}

func (w *walker) list(list []any, path string, owner *item, depth int) {
	if depth > w.maxDepth {
		return
	}
	for i, elem := range list {
		elemPath := path + "[" + strconv.Itoa(i) + "]"
		switch v := elem.(type) {
		case map[string]any:
			w.object(v, elemPath, owner, depth)
		case []any:
			w.list(v, elemPath, owner, depth+1)
		case string:
			// A bare formula in a list, e.g. ["MgO", "CaTiO3"].
			if owner == nil && isStrictFormula(v) {
				w.newItem(v, elemPath)
			}
		}
	}
}

func (w *walker) listBlocked(list []any, path string, depth int) {
	if depth > w.maxDepth {
		return
	}
	for i, elem := range list {
		if v, ok := elem.(map[string]any); ok {
			elemPath := path + "[" + strconv.Itoa(i) + "]"
			if id, amb := ownIdentifier(v); id != "" && !amb {
				w.object(v, elemPath, nil, depth+1)
			} else {
				w.children(v, elemPath, nil, depth+1, true)
			}
		}
	}
}

// properties collects the numeric properties of one object scope.
func (w *walker) properties(obj map[string]any, path string, owner *item) {
	var keys []string
	for _, k := range sortedKeys(obj) {
		if _, ok := LookupProperty(k); ok {
			keys = append(keys, k)
		}
	}
	scopeUnit := ""
	if len(keys) == 1 {
		scopeUnit = stringField(obj, "unit", "units")
	}

	for _, k := range keys {
		prop, _ := LookupProperty(k)
		raw := obj[k]
		unit := ""
		if m, ok := raw.(map[string]any); ok {
			raw = m["value"]
			unit = stringField(m, "unit", "units")
		}
		value, ok := number(raw)
		if !ok {
			continue
		}
		if unit == "" {
			unit = stringField(obj, k+"_unit", k+"_units")
		}
		if unit == "" {
			unit = scopeUnit
		}
		if unit == "" {
			unit = prop.DefaultUnit
		}
		owner.add(prop.Name, candidate{
			value:   value,
			unit:    unit,
			context: fmt.Sprintf("%s.%s=%s %s", path, k, strconv.FormatFloat(value, 'g', -1, 64), unit),
		})
	}
}

// ownIdentifier returns the formula an object declares for itself. Two
// different formulas make the object ambiguous.
func ownIdentifier(obj map[string]any) (id string, ambiguous bool) {
	for _, k := range identifierKeys {
		s, ok := obj[k].(string)
		if !ok || !IsFormula(s) {
			continue
		}
		if id != "" && s != id {
			return "", true
		}
		id = s
	}
	return id, false
}

// records flattens items. A property seen with conflicting values inside one
// item is discarded. Items left without properties become identifier-only
// records.
func (w *walker) records(source string, at time.Time) []types.Record {
	var out []types.Record
	for _, it := range w.items {
		props := make([]string, 0, len(it.props))
		for name := range it.props {
			props = append(props, name)
		}
		sort.Strings(props)

		emitted := 0
		for _, name := range props {
			c, ok := agree(it.props[name])
			if !ok {
				continue
			}
			v := c.value
			out = append(out, types.Record{
				Identifier:  it.id,
				Property:    name,
				Value:       &v,
				Unit:        c.unit,
				SourceTool:  source,
				Path:        it.path,
				ExtractedAt: at,
				RawContext:  c.context,
			})
			emitted++
		}
		if emitted == 0 {
			out = append(out, types.Record{
				Identifier:  it.id,
				SourceTool:  source,
				Path:        it.path,
				ExtractedAt: at,
			})
		}
	}
	return out
}

func agree(cs []candidate) (candidate, bool) {
	if len(cs) == 0 {
		return candidate{}, false
	}
	first := cs[0]
	for _, c := range cs[1:] {
		if c.value != first.value || c.unit != first.unit {
			return candidate{}, false
		}
	}
	return first, true
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
