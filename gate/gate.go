// Package gate checks the numeric claims of an agent response against the
// values a session actually computed.
//
// Only material-property claims are looked up in the registry. Derived and
// statistical claims must build on values that already passed in the same
// response. Literature and contextual numbers pass but are marked as not
// computed. In strict mode a miss blocks the claim; in audit mode it is only
// flagged.
package gate

import (
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/extract"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/registry"
	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/types"
)

type Mode string

const (
	ModeStrict Mode = "strict"
	ModeAudit  Mode = "audit"
)

// ParseMode accepts "strict" or "audit".
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case ModeStrict, ModeAudit:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown gate mode %q (want strict or audit)", s)
}

// genericEnergy is the property named by a bare "energy".
const genericEnergy = "energy"

type Verdict string

const (
	Pass  Verdict = "pass"
	Block Verdict = "block"
	Flag  Verdict = "flag"
)

type Category string

const (
	MaterialProperty Category = "material_property"
	Derived          Category = "derived"
	Literature       Category = "literature"
	Contextual       Category = "contextual"
	Statistical      Category = "statistical"
	Unclassified     Category = "unclassified"
)

// Claim is one number in a response, with the text around it.
type Claim struct {
	Text    string  `json:"text"`
	Literal string  `json:"literal"`
	Value   float64 `json:"value"`
	Unit    string  `json:"unit,omitempty"`
	SigFigs int     `json:"sig_figs"`
	// Identifier is set when the text names exactly one formula; Materials
	// lists every formula it names.
	Identifier string   `json:"identifier,omitempty"`
	Materials  []string `json:"materials,omitempty"`
	Property   string   `json:"property,omitempty"`
	Category   Category `json:"category,omitempty"`
	// Clause is the part of Text the number sits in.
	Clause string `json:"clause,omitempty"`
	// References are the operands of a derived or statistical claim.
	References []float64 `json:"references,omitempty"`
	// Start and End are byte offsets of the number and its unit in the
	// source document, or -1 when unknown.
	Start int `json:"start"`
	End   int `json:"end"`

	// source range of the enclosing paragraph or cell
	blockStart, blockEnd int
}

// Decision is the gate outcome for one claim.
type Decision struct {
	Claim            Claim                `json:"claim"`
	Verdict          Verdict              `json:"verdict"`
	Category         Category             `json:"category"`
	Reason           string               `json:"reason"`
	NonComputational bool                 `json:"non_computational,omitempty"`
	Entry            *types.RegistryEntry `json:"entry,omitempty"`
}

// Registry is the part of the value registry the gate reads.
type Registry interface {
	Lookup(value float64, unit string) []types.RegistryEntry
	ByUnit(unit string) []types.RegistryEntry
}

type passedValue struct {
	value float64
	unit  string
}

// Gate evaluates the claims of one response in order. It remembers which
// values passed so later derived and statistical claims can refer to them.
type Gate struct {
	reg  Registry
	mode Mode
	log  *slog.Logger

	// OnDecision is called for every decision, e.g. to log it.
	OnDecision func(Decision)

	mu     sync.Mutex
	passed []passedValue
}

// New returns a gate over reg. An unknown mode is treated as audit.
func New(reg Registry, mode Mode, logger *slog.Logger) *Gate {
	if mode != ModeStrict {
		mode = ModeAudit
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{reg: reg, mode: mode, log: logger.With("component", "gate")}
}

func (g *Gate) Mode() Mode { return g.mode }

// Reset forgets passed values before gating a new response.
func (g *Gate) Reset() {
	g.mu.Lock()
	g.passed = nil
	g.mu.Unlock()
}

// ClassifyAndGate classifies c (unless it is already classified) and
// returns the verdict.
func (g *Gate) ClassifyAndGate(c Claim) Decision {
	if c.Category == "" {
		c.Category = Classify(c)
	}
	if c.SigFigs <= 0 {
		c.SigFigs = registry.DefaultPrecision
	}
	c.Unit = registry.NormalizeUnit(c.Unit)

	g.mu.Lock()
	d := g.decideLocked(c)
	// Statistics are not operands of later statistics.
	if d.Verdict == Pass && !d.NonComputational && c.Category != Statistical {
		g.passed = append(g.passed, passedValue{value: c.Value, unit: c.Unit})
	}
	g.mu.Unlock()

	if d.Verdict != Pass {
		g.log.Debug("claim not verified", "verdict", d.Verdict, "category", d.Category, "literal", c.Literal, "unit", c.Unit, "reason", d.Reason)
	}
	if g.OnDecision != nil {
		g.OnDecision(d)
	}
	return d
}

func (g *Gate) decideLocked(c Claim) Decision {
	d := Decision{Claim: c, Category: c.Category}
	switch c.Category {
	case Literature:
		d.Verdict, d.NonComputational, d.Reason = Pass, true, "attributed to literature"
	case Contextual:
		d.Verdict, d.NonComputational, d.Reason = Pass, true, "known constant or condition"
	case Unclassified:
		d.Verdict, d.Reason = Pass, "no computational claim recognized"
	case MaterialProperty:
		if e, ok := g.match(c); ok {
			d.Verdict, d.Entry, d.Reason = Pass, e, "matches registry entry "+short(e.ArtifactHash)
			return d
		}
		d.Verdict, d.Reason = g.miss(), "no registry entry for this value"
	case Derived:
		reason, ok := g.referencesPassedLocked(c)
		if ok {
			d.Verdict, d.Reason = Pass, reason
			return d
		}
		d.Verdict, d.Reason = g.miss(), reason
		g.registryFallback(&d, c)
	case Statistical:
		reason, ok := g.statisticHoldsLocked(c)
		if ok {
			d.Verdict, d.Reason = Pass, reason
			return d
		}
		d.Verdict, d.Reason = g.miss(), reason
		g.registryFallback(&d, c)
	default:
		d.Verdict, d.Reason = g.miss(), fmt.Sprintf("unknown category %q", c.Category)
	}
	return d
}

// registryFallback passes a derived or statistical claim whose value was
// itself computed by a tool.
func (g *Gate) registryFallback(d *Decision, c Claim) {
	if e, ok := g.match(c); ok {
		d.Verdict, d.Entry, d.Reason = Pass, e, "matches registry entry "+short(e.ArtifactHash)
	}
}

func (g *Gate) miss() Verdict {
	if g.mode == ModeStrict {
		return Block
	}
	return Flag
}

// match finds a registry entry for the claim. Display rounding is tolerated
// only when the claim shows at least three significant figures.
func (g *Gate) match(c Claim) (*types.RegistryEntry, bool) {
	if g.reg == nil {
		return nil, false
	}
	for _, e := range g.reg.Lookup(c.Value, c.Unit) {
		if agrees(c, e) {
			return &e, true
		}
	}
	if c.SigFigs < 3 {
		return nil, false
	}
	for _, e := range g.reg.ByUnit(c.Unit) {
		if roundsTo(e.Value, c) && agrees(c, e) {
			return &e, true
		}
	}
	return nil, false
}

// roundsTo reports whether v, rounded the way the claim is displayed, is the
// claimed value. Claims shown with fewer than three significant figures
// must match exactly.
func roundsTo(v float64, c Claim) bool {
	if equalish(v, c.Value) {
		return true
	}
	return c.SigFigs >= 3 && registry.Round(v, c.SigFigs) == registry.Round(c.Value, c.SigFigs)
}

// agrees reports whether a registry entry can back the claim: it must be
// about one of the materials the claim names and about the same property.
func agrees(c Claim, e types.RegistryEntry) bool {
	return identifierAgrees(c, e) && propertyAgrees(c, e)
}

func identifierAgrees(c Claim, e types.RegistryEntry) bool {
	named := c.Materials
	if len(named) == 0 && c.Identifier != "" {
		named = []string{c.Identifier}
	}
	if len(named) == 0 || len(e.Identifiers) == 0 {
		return true
	}
	for _, id := range e.Identifiers {
		for _, n := range named {
			if id == n {
				return true
			}
		}
	}
	return false
}

// propertyAgrees compares the claimed property with the entry's. A bare
// "energy" matches any property of the energy family.
func propertyAgrees(c Claim, e types.RegistryEntry) bool {
	if c.Property == "" || len(e.Properties) == 0 {
		return true
	}
	for _, p := range e.Properties {
		if p == c.Property {
			return true
		}
		if c.Property == genericEnergy && extract.IsEnergy(p) {
			return true
		}
		if p == genericEnergy && extract.IsEnergy(c.Property) {
			return true
		}
	}
	return false
}

func (g *Gate) referencesPassedLocked(c Claim) (string, bool) {
	if len(c.References) == 0 {
		return "derived value without disclosed operands", false
	}
	for _, ref := range c.References {
		if !g.passedLocked(ref) {
			return fmt.Sprintf("operand %s has not passed the gate", formatFloat(ref)), false
		}
	}
	return "all operands passed the gate", true
}

func (g *Gate) passedLocked(v float64) bool {
	for _, p := range g.passed {
		if equalish(p.value, v) {
			return true
		}
	}
	return false
}

func (g *Gate) statisticHoldsLocked(c Claim) (string, bool) {
	var values []float64
	if len(c.References) > 0 {
		for _, ref := range c.References {
			if !g.passedLocked(ref) {
				return fmt.Sprintf("value %s has not passed the gate", formatFloat(ref)), false
			}
		}
		values = c.References
	} else {
		for _, p := range g.passed {
			if p.unit == c.Unit {
				values = append(values, p.value)
			}
		}
	}
	if len(values) == 0 {
		return "statistic over no verified values", false
	}
	for _, st := range describe(values) {
		if roundsTo(st.value, c) {
			return fmt.Sprintf("%s of %d verified values", st.name, len(values)), true
		}
	}
	return "does not match any statistic of the verified values", false
}

func equalish(a, b float64) bool {
	if a == b {
		return true
	}
	scale := math.Max(math.Abs(a), math.Abs(b))
	return math.Abs(a-b) <= 1e-9*scale
}

func short(hash string) string {
	if len(hash) > 12 {
		return hash[:12]
	}
	return hash
}
