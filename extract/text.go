package extract

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	declRe = regexp.MustCompile(`(?i)\b(?:composition|formula)\s*[:=]\s*([A-Za-z0-9().]+)`)

	// Longer phrases come first so "formation energy" wins over "energy".
	propRe = regexp.MustCompile(`(?i)\b(formation[ _]energy(?:[ _]per[ _]atom)?|energy[ _]above[ _]hull|e_above_hull|band[ _]?gap|energy[ _]per[ _]atom|total[ _]energy|density|volume|energy)\b` +
		`\s*(?:\([^)]*\))?\s*(?:[:=]|\bis\b|\bof\b)?\s*` +
		`([-+−]?\d+(?:\.\d+)?(?:[eE][-+]?\d+)?)` +
		`(?:\s*(eV/atom|eV atom\^-1|meV/atom|eV|meV|g/cm\^?3|g cm\^-3|Å\^?3|A\^3))?`)

	tokenRe = regexp.MustCompile(`[A-Za-z0-9()]+`)
)

var phraseProperty = map[string]Property{
	"formation energy":          formationEnergy,
	"formation energy per atom": formationEnergy,
	"energy above hull":         energyAboveHull,
	"e above hull":              energyAboveHull,
	"band gap":                  bandGap,
	"bandgap":                   bandGap,
	"energy per atom":           energyPerAtom,
	"total energy":              totalEnergy,
	"density":                   density,
	"volume":                    volume,
	"energy":                    energy,
}

const maxContext = 200

// Acronyms that happen to spell valid formulas.
var notFormulas = map[string]bool{
	"CPU": true, "CSP": true, "SCF": true, "NPT": true, "NaN": true,
	"OK": true, "NO": true, "ON": true, "OFF": true, "IO": true,
	"CIF": true, "SCAN": true, "VASP": true,
}

// text scans free text line by line. A property is only taken from a line
// that names exactly one formula.
func (w *walker) text(s string) {
	for n, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		path := "line:" + strconv.Itoa(n+1)

		if m := declRe.FindStringSubmatch(line); m != nil && IsFormula(m[1]) {
			if !propRe.MatchString(line) {
				w.newItem(m[1], path)
				continue
			}
		}

		matches := propRe.FindAllStringSubmatch(line, -1)
		if len(matches) == 0 {
			continue
		}
		formula, ok := singleFormula(line)
		if !ok {
			continue
		}
		it := w.newItem(formula, path)
		for _, m := range matches {
			phrase := strings.ToLower(strings.NewReplacer("_", " ").Replace(m[1]))
			prop, ok := phraseProperty[phrase]
			if !ok {
				continue
			}
			value, ok := number(m[2])
			if !ok {
				continue
			}
			unit := m[3]
			if unit == "" {
				unit = prop.DefaultUnit
			}
			it.add(prop.Name, candidate{value: value, unit: unit, context: truncate(line)})
		}
	}
}

// singleFormula returns the only distinct formula-like token on the line.
func singleFormula(line string) (string, bool) {
	found := ""
	for _, tok := range tokenRe.FindAllString(line, -1) {
		if notFormulas[tok] || !isStrictFormula(tok) {
			continue
		}
		if found != "" && tok != found {
			return "", false
		}
		found = tok
	}
	return found, found != ""
}

// truncate cuts s to at most maxContext bytes on a rune boundary.
func truncate(s string) string {
	if len(s) <= maxContext {
		return s
	}
	n := maxContext
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

var phraseRe = regexp.MustCompile(`(?i)\b(formation[ _]energy(?:[ _]per[ _]atom)?|energy[ _]above[ _]hull|e_above_hull|band[ _]?gap|energy[ _]per[ _]atom|total[ _]energy|density|volume|energy)\b`)

// PhraseMatch is a property phrase found in free text, with its byte range.
type PhraseMatch struct {
	Property   Property
	Start, End int
}

// FindPhrases returns every property phrase named in s, in order.
func FindPhrases(s string) []PhraseMatch {
	var out []PhraseMatch
	for _, loc := range phraseRe.FindAllStringSubmatchIndex(s, -1) {
		phrase := strings.ToLower(strings.NewReplacer("_", " ").Replace(s[loc[2]:loc[3]]))
		if p, ok := phraseProperty[phrase]; ok {
			out = append(out, PhraseMatch{Property: p, Start: loc[0], End: loc[1]})
		}
	}
	return out
}

// LookupPhrase finds the first property named in free text.
func LookupPhrase(s string) (Property, bool) {
	phrases := FindPhrases(s)
	if len(phrases) == 0 {
		return Property{}, false
	}
	return phrases[0].Property, true
}

// FindFormula returns the only distinct formula named in free text. Text
// naming several formulas has none.
func FindFormula(s string) (string, bool) {
	return singleFormula(s)
}

// FindFormulas returns the distinct formulas named in free text, in order
// of first appearance.
func FindFormulas(s string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, tok := range tokenRe.FindAllString(s, -1) {
		if seen[tok] || notFormulas[tok] || !isStrictFormula(tok) {
			continue
		}
		seen[tok] = true
		out = append(out, tok)
	}
	return out
}
