package registry

import "strings"

var unitAliases = map[string]string{
	"ev/atom":     "eV/atom",
	"ev atom^-1":  "eV/atom",
	"ev atom-1":   "eV/atom",
	"ev per atom": "eV/atom",
	"ev/at":       "eV/atom",
	"mev/atom":    "meV/atom",
	"mev atom^-1": "meV/atom",
	"ev":          "eV",
	"mev":         "meV",
	"g/cm^3":      "g/cm^3",
	"g/cm3":       "g/cm^3",
	"g cm^-3":     "g/cm^3",
	"g/cc":        "g/cm^3",
	"å^3":         "Å^3",
	"å3":          "Å^3",
	"å³":          "Å^3",
	"a^3":         "Å^3",
	"a3":          "Å^3",
	"angstrom^3":  "Å^3",
	"ang^3":       "Å^3",
}

// NormalizeUnit maps the spellings tools use onto one canonical form.
// Unknown units are returned trimmed, with inner whitespace collapsed.
func NormalizeUnit(u string) string {
	u = strings.Join(strings.Fields(u), " ")
	if u == "" {
		return ""
	}
	if canon, ok := unitAliases[strings.ToLower(u)]; ok {
		return canon
	}
	return u
}
