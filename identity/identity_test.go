package identity

import (
	"testing"

	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/payload"
)

func TestResolveSignatures(t *testing.T) {
	tests := []struct {
		name string
		args map[string]any
		raw  any
		want string // "" means unresolved
	}{
		{
			name: "unified analysis",
			raw:  map[string]any{"generated_structures": []any{}, "comprehensive_analysis": map[string]any{}},
			want: "chemistry_unified",
		},
		{
			name: "mace energy object",
			raw:  map[string]any{"formula": "MgO", "formation_energy": -3.1, "forces": []any{}},
			want: "mace",
		},
		{
			name: "mace energy list as json text",
			raw:  `[{"composition": "NaCl", "energy_per_atom": -3.5}]`,
			want: "mace",
		},
		{
			name: "smact validity",
			raw:  map[string]any{"composition": "Na2O", "is_valid": true},
			want: "smact",
		},
		{
			name: "pymatgen symmetry",
			raw:  map[string]any{"space_group": "Fm-3m", "crystal_system": "cubic"},
			want: "pymatgen",
		},
		{
			name: "chemeleon list",
			raw:  []any{map[string]any{"composition": "MgFe2O4"}, map[string]any{"composition": "CaTiO3"}},
			want: "chemeleon",
		},
		{
			name: "chemeleon wrapped",
			raw:  map[string]any{"structures": []any{map[string]any{"composition": "MgFe2O4"}}},
			want: "chemeleon",
		},
		{
			name: "explicit argument",
			args: map[string]any{"tool": "SMACT"},
			raw:  "free text",
			want: "smact",
		},
		{
			name: "explicit alias",
			args: map[string]any{"backend": "mace-mp"},
			want: "mace",
		},
		{
			name: "unknown explicit name falls through to signatures",
			args: map[string]any{"tool": "superdft"},
			raw:  map[string]any{"space_group": "P1", "lattice": map[string]any{}},
			want: "pymatgen",
		},
		{
			name: "unknown shape",
			args: map[string]any{"tool": "superdft"},
			raw:  map[string]any{"answer": 42},
		},
		{
			name: "empty",
		},
		{
			name: "mixed list is not chemeleon",
			raw:  []any{map[string]any{"composition": "MgO"}, "oops"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id, ok := Resolve(tt.args, payload.Decode(tt.raw))
			if tt.want == "" {
				if ok {
					t.Fatalf("Resolve = %+v, want unresolved", id)
				}
				return
			}
			if !ok {
				t.Fatalf("Resolve unresolved, want %s", tt.want)
			}
			if id.Name != tt.want {
				t.Errorf("Resolve = %s, want %s", id.Name, tt.want)
			}
			if id.CatalogVersion != CatalogVersion {
				t.Errorf("catalog version = %q", id.CatalogVersion)
			}
		})
	}
}

func TestResolvedNamesAreCatalogEntries(t *testing.T) {
	cat := Default()
	known := map[string]bool{}
	for _, n := range cat.Names() {
		known[n] = true
	}

	inputs := []any{
		nil, "", "text", 1.5, []any{}, map[string]any{},
		map[string]any{"energy": 1.0, "model": "mace-mp-0"},
		map[string]any{"validation_results": []any{}},
		[]any{map[string]any{"composition": "X"}},
	}
	argSets := []map[string]any{nil, {"tool": "made_up"}, {"tool_name": "Pymatgen"}, {"tool": 7}}

	for _, raw := range inputs {
		for _, args := range argSets {
			id, ok := cat.Resolve(args, payload.Decode(raw))
			if ok && !known[id.Name] {
				t.Errorf("Resolve(%v, %v) = %q, not in catalog", args, raw, id.Name)
			}
		}
	}
}

func TestCatalogOrderWins(t *testing.T) {
	always := func(payload.Payload) bool { return true }
	cat := Catalog{Version: "test"}.
		Append("test", Signature{Name: "first", Match: always}).
		Append("test", Signature{Name: "second", Match: always})

	id, ok := cat.Resolve(nil, payload.Decode("x"))
	if !ok || id.Name != "first" {
		t.Errorf("Resolve = %+v, want first", id)
	}
}

func TestPanickingSignatureDoesNotMatch(t *testing.T) {
	cat := Catalog{Version: "test"}.
		Append("test", Signature{Name: "boom", Match: func(payload.Payload) bool { panic("bad predicate") }}).
		Append("test", Signature{Name: "ok", Match: func(payload.Payload) bool { return true }})

	id, ok := cat.Resolve(nil, payload.Decode("x"))
	if !ok || id.Name != "ok" {
		t.Errorf("Resolve = %+v, want ok", id)
	}
}

func TestAppendDoesNotMutate(t *testing.T) {
	base := Default()
	ext := base.Append("2026.11", Signature{Name: "vasp", Kind: "dft"})
	if len(base.Signatures) == len(ext.Signatures) {
		t.Error("Append mutated the base catalog")
	}
	if _, ok := ext.Lookup("VASP"); !ok {
		t.Error("appended signature not found by Lookup")
	}
}
