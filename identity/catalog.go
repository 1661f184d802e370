package identity

import "github.com/ryannduma/CrystaLyse.AI/packages/provenance/payload"

// CatalogVersion is bumped whenever a signature is added or reordered.
const CatalogVersion = "2026.10"

var (
	energyKeys     = []string{"formation_energy", "formation_energy_per_atom", "energy_per_atom", "total_energy", "energy"}
	maceMarkers    = []string{"forces", "stress", "mace_model", "model"}
	identifierKeys = []string{"composition", "formula", "reduced_formula", "material"}
)

// Default returns the built-in catalog.
func Default() Catalog {
	return Catalog{
		Version: CatalogVersion,
		Signatures: []Signature{
			{
				Name:    "chemistry_unified",
				Kind:    "analysis",
				Aliases: []string{"unified", "chemistry-unified"},
				Match:   matchUnified,
			},
			{
				Name:    "mace",
				Kind:    "energy",
				Aliases: []string{"mace_mp", "mace-calculator"},
				Match:   matchMACE,
			},
			{
				Name:    "smact",
				Kind:    "composition_validation",
				Aliases: []string{"smact_validity"},
				Match:   matchSMACT,
			},
			{
				Name:    "pymatgen",
				Kind:    "symmetry_analysis",
				Aliases: []string{"pmg"},
				Match:   matchPymatgen,
			},
			{
				Name:    "chemeleon",
				Kind:    "structure_generation",
				Aliases: []string{"chemeleon_csp"},
				Match:   matchChemeleon,
			},
		},
	}
}

func matchUnified(p payload.Payload) bool {
	return p.HasKey("generated_structures", "energy_calculations", "validation_results", "comprehensive_analysis")
}

func matchMACE(p payload.Payload) bool {
	if p.Kind == payload.KindList {
		objs := p.Objects()
		if len(objs) == 0 {
			return false
		}
		for _, obj := range objs {
			if !isMACEObject(payload.Payload{Kind: payload.KindObject, Object: obj}) {
				return false
			}
		}
		return true
	}
	return isMACEObject(p)
}

func isMACEObject(p payload.Payload) bool {
	if !p.HasKey(energyKeys...) {
		return false
	}
	return p.HasKey(maceMarkers...) || p.HasKey(identifierKeys...)
}

func matchSMACT(p payload.Payload) bool {
	isSMACT := func(q payload.Payload) bool {
		return q.HasKey("is_valid", "smact_valid") && q.HasKey("composition", "formula")
	}
	if p.Kind == payload.KindList {
		objs := p.Objects()
		if len(objs) == 0 {
			return false
		}
		for _, obj := range objs {
			if !isSMACT(payload.Payload{Kind: payload.KindObject, Object: obj}) {
				return false
			}
		}
		return true
	}
	return isSMACT(p)
}

func matchPymatgen(p payload.Payload) bool {
	return p.HasKey("space_group") && p.HasKey("lattice", "crystal_system")
}

func matchChemeleon(p payload.Payload) bool {
	if p.Kind == payload.KindObject {
		return allCompositions(p.Field("structures"))
	}
	return allCompositions(p)
}

func allCompositions(p payload.Payload) bool {
	if p.Kind != payload.KindList || len(p.List) == 0 {
		return false
	}
	for _, item := range p.List {
		obj, ok := item.(map[string]any)
		if !ok {
			return false
		}
		if _, ok := obj["composition"]; !ok {
			return false
		}
	}
	return true
}
