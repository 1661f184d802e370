package extract

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Property describes a numeric property the extractor knows how to read.
type Property struct {
	Name        string
	DefaultUnit string
	Energy      bool
}

var (
	formationEnergy = Property{Name: "formation_energy", DefaultUnit: "eV/atom", Energy: true}
	energyPerAtom   = Property{Name: "energy_per_atom", DefaultUnit: "eV/atom", Energy: true}
	totalEnergy     = Property{Name: "total_energy", DefaultUnit: "eV", Energy: true}
	energy          = Property{Name: "energy", DefaultUnit: "eV", Energy: true}
	energyAboveHull = Property{Name: "energy_above_hull", DefaultUnit: "eV/atom", Energy: true}
	bandGap         = Property{Name: "band_gap", DefaultUnit: "eV"}
	density         = Property{Name: "density", DefaultUnit: "g/cm^3"}
	volume          = Property{Name: "volume", DefaultUnit: "Å^3"}
)

// propertyKeys maps structured payload keys onto properties.
var propertyKeys = map[string]Property{
	"formation_energy":          formationEnergy,
	"formation_energy_per_atom": formationEnergy,
	"e_form":                    formationEnergy,
	"energy_per_atom":           energyPerAtom,
	"total_energy":              totalEnergy,
	"energy":                    energy,
	"e_above_hull":              energyAboveHull,
	"energy_above_hull":         energyAboveHull,
	"band_gap":                  bandGap,
	"bandgap":                   bandGap,
	"density":                   density,
	"volume":                    volume,
}

// identifierKeys are tried in order when looking for an object's formula.
var identifierKeys = []string{"composition", "formula", "reduced_formula", "pretty_formula"}

// LookupProperty finds a property by structured key or canonical name.
func LookupProperty(key string) (Property, bool) {
	p, ok := propertyKeys[strings.ToLower(key)]
	return p, ok
}

// IsEnergy reports whether the named property belongs to the energy family.
func IsEnergy(name string) bool {
	p, ok := propertyKeys[name]
	return ok && p.Energy
}

// number reads a finite float out of a decoded JSON value or numeric string.
func number(v any) (float64, bool) {
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		s := strings.TrimSpace(strings.ReplaceAll(n, "−", "-"))
		parsed, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func stringField(obj map[string]any, keys ...string) string {
	for _, k := range keys {
		if s, ok := obj[k].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}
