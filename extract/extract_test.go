package extract

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/identity"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/payload"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/types"
)

var testID = identity.Identity{Name: "mace", Kind: "energy", CatalogVersion: identity.CatalogVersion}

func extractRaw(t *testing.T, raw any) []types.Record {
	t.Helper()
	x := New()
	x.Now = func() time.Time { return time.Date(2026, 10, 14, 0, 0, 0, 0, time.UTC) }
	recs, err := x.Extract(payload.Decode(raw), testID)
	if err != nil {
		t.Fatalf("Extract: %v", err)
	}
	return recs
}

func find(recs []types.Record, identifier, property string) (types.Record, bool) {
	for _, r := range recs {
		if r.Identifier == identifier && r.Property == property {
			return r, true
		}
	}
	return types.Record{}, false
}

func TestIsFormula(t *testing.T) {
	tests := []struct {
		in     string
		loose  bool
		strict bool
	}{
		{"MgFe2O4", true, true},
		{"Ca3(PO4)2", true, true},
		{"Li0.5CoO2", true, true},
		{"Fe", true, false},
		{"In", true, false},
		{"NaCl", true, true},
		{"Xy2", false, false},
		{"mgo", false, false},
		{"Ca3(PO4", false, false},
		{"", false, false},
		{"H2O)", false, false},
		{"Energy", false, false},
	}
	for _, tt := range tests {
		if got := IsFormula(tt.in); got != tt.loose {
			t.Errorf("IsFormula(%q) = %v, want %v", tt.in, got, tt.loose)
		}
		if got := isStrictFormula(tt.in); got != tt.strict {
			t.Errorf("isStrictFormula(%q) = %v, want %v", tt.in, got, tt.strict)
		}
	}
}

func TestIdentifierOnlyList(t *testing.T) {
	raw := make([]any, 16)
	for i := range raw {
		raw[i] = map[string]any{"composition": fmt.Sprintf("Mg%dFe2O4", i+1)}
	}
	recs := extractRaw(t, raw)
	if len(recs) != 16 {
		t.Fatalf("got %d records, want 16", len(recs))
	}
	for i, r := range recs {
		if r.HasValue() {
			t.Errorf("record %d has a value", i)
		}
		if r.SourceTool != "mace" || r.ExtractedAt.IsZero() {
			t.Errorf("record %d missing provenance: %+v", i, r)
		}
		if want := fmt.Sprintf("$[%d]", i); r.Path != want {
			t.Errorf("record %d path = %q, want %q", i, r.Path, want)
		}
	}
}

func TestPropertiesAndUnits(t *testing.T) {
	recs := extractRaw(t, []any{
		map[string]any{"formula": "MgO", "formation_energy": -3.05, "band_gap": 7.8},
		map[string]any{"formula": "NaCl", "energy": map[string]any{"value": -27.1, "unit": "eV"}},
		map[string]any{"formula": "CaO", "density": "3.34", "density_unit": "g/cm3"},
		map[string]any{"formula": "SrO", "volume": 60.2, "unit": "A^3"},
	})

	tests := []struct {
		id, prop string
		value    float64
		unit     string
	}{
		{"MgO", "formation_energy", -3.05, "eV/atom"},
		{"MgO", "band_gap", 7.8, "eV"},
		{"NaCl", "energy", -27.1, "eV"},
		{"CaO", "density", 3.34, "g/cm3"},
		{"SrO", "volume", 60.2, "A^3"},
	}
	for _, tt := range tests {
		r, ok := find(recs, tt.id, tt.prop)
		if !ok {
			t.Errorf("missing %s %s", tt.id, tt.prop)
			continue
		}
		if *r.Value != tt.value || r.Unit != tt.unit {
			t.Errorf("%s %s = %v %s, want %v %s", tt.id, tt.prop, *r.Value, r.Unit, tt.value, tt.unit)
		}
	}
}

func TestNestedPropertiesAttributedToAncestor(t *testing.T) {
	raw := map[string]any{
		"comprehensive_analysis": map[string]any{
			"candidates": []any{
				map[string]any{
					"composition": "MgFe2O4",
					"analysis": map[string]any{
						"energetics": map[string]any{
							"thermo": map[string]any{"formation_energy": -2.136},
						},
					},
				},
			},
		},
	}
	recs := extractRaw(t, raw)
	r, ok := find(recs, "MgFe2O4", "formation_energy")
	if !ok {
		t.Fatalf("nested formation energy not extracted: %+v", recs)
	}
	if *r.Value != -2.136 {
		t.Errorf("value = %v", *r.Value)
	}
	if r.Path != "$.comprehensive_analysis.candidates[0]" {
		t.Errorf("path = %q, want the identified ancestor", r.Path)
	}
}

func TestFormulaKeyedObject(t *testing.T) {
	recs := extractRaw(t, map[string]any{
		"energy_calculations": map[string]any{
			"CaTiO3": map[string]any{"formation_energy": -3.6},
			"SrTiO3": map[string]any{"formation_energy": -3.5},
		},
	})
	if _, ok := find(recs, "CaTiO3", "formation_energy"); !ok {
		t.Error("CaTiO3 missing")
	}
	if _, ok := find(recs, "SrTiO3", "formation_energy"); !ok {
		t.Error("SrTiO3 missing")
	}
}

func TestAmbiguityIsDiscarded(t *testing.T) {
	t.Run("conflicting values", func(t *testing.T) {
		recs := extractRaw(t, map[string]any{
			"formula":                   "MgO",
			"formation_energy":          -3.0,
			"formation_energy_per_atom": -2.9,
		})
		if _, ok := find(recs, "MgO", "formation_energy"); ok {
			t.Error("conflicting formation energies must be dropped")
		}
		if _, ok := find(recs, "MgO", ""); !ok {
			t.Error("identifier-only record expected once values are dropped")
		}
	})
	t.Run("conflicting identifiers", func(t *testing.T) {
		recs := extractRaw(t, map[string]any{"formula": "MgO", "composition": "CaO", "energy": -1.0})
		if len(recs) != 0 {
			t.Errorf("got %+v, want nothing", recs)
		}
	})
	t.Run("no identifier", func(t *testing.T) {
		recs := extractRaw(t, map[string]any{"formation_energy": -1.0})
		if len(recs) != 0 {
			t.Errorf("got %+v, want nothing", recs)
		}
	})
	t.Run("non numeric", func(t *testing.T) {
		recs := extractRaw(t, map[string]any{"formula": "MgO", "energy": "low", "band_gap": true})
		if len(recs) != 1 || recs[0].HasValue() {
			t.Errorf("got %+v, want one identifier-only record", recs)
		}
	})
}

func TestTextPayload(t *testing.T) {
	text := "Results\n" +
		"MgO formation energy: -3.05 eV/atom, band gap 7.8 eV\n" +
		"composition: CaTiO3\n" +
		"MgO and CaO energy -1.2 eV\n" +
		"energy -5.0 eV\n"
	recs := extractRaw(t, text)

	if r, ok := find(recs, "MgO", "formation_energy"); !ok || *r.Value != -3.05 || r.Unit != "eV/atom" {
		t.Errorf("MgO formation energy = %+v", r)
	}
	if _, ok := find(recs, "MgO", "band_gap"); !ok {
		t.Error("MgO band gap missing")
	}
	if r, ok := find(recs, "CaTiO3", ""); !ok || r.Path != "line:3" {
		t.Errorf("CaTiO3 declaration = %+v", r)
	}
	if _, ok := find(recs, "CaO", "energy"); ok {
		t.Error("line with two formulas must be discarded")
	}
	if len(recs) != 3 {
		t.Errorf("got %d records, want 3: %+v", len(recs), recs)
	}
}

func TestSeparateInvocationsStayDistinct(t *testing.T) {
	a := extractRaw(t, map[string]any{"formula": "MgO", "energy": -1.5})
	b := extractRaw(t, map[string]any{"formula": "MgO", "energy": -1.5})
	if len(a) != 1 || len(b) != 1 {
		t.Fatalf("records = %d, %d", len(a), len(b))
	}
	if a[0].Value == b[0].Value {
		t.Error("records must not share value pointers")
	}
}

func TestExtractRequiresSource(t *testing.T) {
	_, err := New().Extract(payload.Decode(`{"formula":"MgO"}`), identity.Identity{})
	if !errors.Is(err, types.ErrExtraction) {
		t.Errorf("err = %v, want ErrExtraction", err)
	}
}

func TestDepthLimit(t *testing.T) {
	var leaf any = map[string]any{"formation_energy": -1.0}
	for i := 0; i < 12; i++ {
		leaf = map[string]any{"next": leaf}
	}
	recs := extractRaw(t, map[string]any{"formula": "MgO", "deep": leaf})
	if _, ok := find(recs, "MgO", "formation_energy"); ok {
		t.Error("value below the depth limit must not be attributed")
	}
}

func TestTruncateKeepsRunesWhole(t *testing.T) {
	// "Å" is two bytes; the cut falls between them.
	s := strings.Repeat("a", maxContext-1) + "Å and more"
	got := truncate(s)
	if !utf8.ValidString(got) {
		t.Fatalf("truncate produced invalid UTF-8: %q", got[len(got)-4:])
	}
	if len(got) != maxContext-1 {
		t.Errorf("len = %d, want %d", len(got), maxContext-1)
	}
	if short := "MgO −3.05"; truncate(short) != short {
		t.Errorf("short context changed: %q", truncate(short))
	}
}

func TestFindFormulas(t *testing.T) {
	got := FindFormulas("Compared with ZnO, MgO (and again ZnO) on a CPU with SCF")
	if strings.Join(got, ",") != "ZnO,MgO" {
		t.Errorf("FindFormulas = %v", got)
	}
	if _, ok := FindFormula("Compared with ZnO, MgO"); ok {
		t.Error("FindFormula must reject two formulas")
	}
}

func TestFindPhrases(t *testing.T) {
	s := "MgO has a band gap of 7.8 eV and a formation energy of -3.05 eV/atom"
	phrases := FindPhrases(s)
	if len(phrases) != 2 {
		t.Fatalf("phrases = %+v", phrases)
	}
	if phrases[0].Property.Name != "band_gap" || phrases[1].Property.Name != "formation_energy" {
		t.Errorf("properties = %s, %s", phrases[0].Property.Name, phrases[1].Property.Name)
	}
	if s[phrases[1].Start:phrases[1].End] != "formation energy" {
		t.Errorf("range = %q", s[phrases[1].Start:phrases[1].End])
	}
	if p, ok := LookupPhrase(s); !ok || p.Name != "band_gap" {
		t.Errorf("LookupPhrase = %+v, %v", p, ok)
	}
}
