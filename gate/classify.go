package gate

import (
	"math"
	"regexp"
	"strings"

	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/extract"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/registry"
)

var (
	// A citation names its source: a reference number, an author and year,
	// a DOI or a database entry id. Words like "reported" are not enough.
	citationRe = regexp.MustCompile(`\[\d+(?:\s*[,–-]\s*\d+)*\]` +
		`|\([A-Z][A-Za-z-]+(?:\s+et al\.?)?,?\s+(?:19|20)\d{2}[a-z]?\)` +
		`|\b[A-Z][A-Za-z-]+(?:\s+et al\.?)?\s+\((?:19|20)\d{2}[a-z]?\)` +
		`|(?i:\bdoi:\s*10\.\d{4,}/\S+|\bmp-\d+\b|\bICSD\s*#?\s*\d+)`)

	contextualRe = regexp.MustCompile(`(?i)\b(?:room temperature|standard conditions|ambient|constant|avogadro|boltzmann|STP)\b`)

	statisticalRe = regexp.MustCompile(`(?i)\b(?:average|mean|median|std|standard deviation|variance|range|spread|minimum|maximum|lowest|highest)\b`)

	derivedRe = regexp.MustCompile(`(?i)\b(?:difference|ratio|derived|calculated from|computed from|relative to|delta)\b|Δ`)

	// An explicit formula such as "a - b = c".
	formulaRe = regexp.MustCompile(`\d\s*[-−+×*/]\s*\(?\s*[-−]?\d[^=]*=\s*[-−]?\d`)
)

// propertyUnits are units tool-computed properties are reported in.
var propertyUnits = map[string]bool{
	"eV/atom":  true,
	"meV/atom": true,
	"eV":       true,
	"meV":      true,
	"g/cm^3":   true,
	"Å^3":      true,
	"Å":        true,
	"GPa":      true,
}

type constant struct {
	value float64
	units []string
}

var constants = []constant{
	{298.15, []string{"K", ""}},
	{298, []string{"K"}},
	{273.15, []string{"K", ""}},
	{25, []string{"°C"}},
	{0, []string{"K", "°C"}},
	{101325, []string{"Pa"}},
	{1, []string{"atm", "bar"}},
	{6.02214076e23, []string{"", "mol^-1", "1/mol"}},
	{8.314, []string{"", "J/(mol K)", "J/mol/K"}},
	{1.380649e-23, []string{"", "J/K"}},
	{96485, []string{"", "C/mol"}},
	{1.602176634e-19, []string{"", "C", "J"}},
}

func isConstant(v float64, unit string) bool {
	for _, c := range constants {
		if math.Abs(c.value-v) > 1e-3*math.Max(1, math.Abs(c.value)) {
			continue
		}
		for _, u := range c.units {
			if u == unit {
				return true
			}
		}
	}
	return false
}

// Classify assigns exactly one category to a claim from its text and unit.
// A citation in the number's own clause makes it literature. Condition words
// make it contextual only when no property is named.
func Classify(c Claim) Category {
	unit := registry.NormalizeUnit(c.Unit)
	clause := c.Clause
	if clause == "" {
		clause = clauseOf(c.Text, c.Literal)
	}
	switch {
	case citationRe.MatchString(clause):
		return Literature
	case isConstant(c.Value, unit):
		return Contextual
	case contextualRe.MatchString(clause) && !propertyUnits[unit] && c.Property == "" && len(extract.FindPhrases(clause)) == 0:
		return Contextual
	case statisticalRe.MatchString(c.Text):
		return Statistical
	case len(c.References) > 0 || derivedRe.MatchString(c.Text) || formulaRe.MatchString(c.Text):
		return Derived
	case propertyUnits[unit] || c.Property != "":
		return MaterialProperty
	}
	if _, ok := extract.LookupPhrase(c.Text); ok {
		return MaterialProperty
	}
	return Unclassified
}

// clauseOf returns the clause of text holding the first occurrence of
// literal, or all of text when literal is not found.
func clauseOf(text, literal string) string {
	if literal == "" {
		return text
	}
	i := strings.Index(text, literal)
	if i < 0 {
		return text
	}
	start, end := clauseAt(text, i)
	return text[start:end]
}

// clauseAt returns the bounds of the clause around pos. Clauses end at
// commas and semicolons outside brackets and parentheses.
func clauseAt(s string, pos int) (int, int) {
	start, depth := 0, 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(', '[':
			depth++
		case ')', ']':
			if depth > 0 {
				depth--
			}
		case ',', ';':
			if depth > 0 || isDigitComma(s, i) {
				continue
			}
			if i >= pos {
				return start, i
			}
			start = i + 1
		}
	}
	return start, len(s)
}

// isDigitComma reports a thousands separator such as "1,000".
func isDigitComma(s string, i int) bool {
	return s[i] == ',' && i > 0 && i+1 < len(s) && isDigit(s[i-1]) && isDigit(s[i+1])
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }
