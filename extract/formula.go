package extract

import "strings"

var elementSymbols = func() map[string]bool {
	const table = `H He Li Be B C N O F Ne Na Mg Al Si P S Cl Ar K Ca Sc Ti V Cr Mn Fe Co Ni Cu Zn
Ga Ge As Se Br Kr Rb Sr Y Zr Nb Mo Tc Ru Rh Pd Ag Cd In Sn Sb Te I Xe Cs Ba La Ce Pr Nd Pm Sm
Eu Gd Tb Dy Ho Er Tm Yb Lu Hf Ta W Re Os Ir Pt Au Hg Tl Pb Bi Po At Rn Fr Ra Ac Th Pa U Np Pu
Am Cm Bk Cf Es Fm Md No Lr Rf Db Sg Bh Hs Mt Ds Rg Cn Nh Fl Mc Lv Ts Og`
	m := make(map[string]bool, 118)
	for _, sym := range strings.Fields(table) {
		m[sym] = true
	}
	return m
}()

type formulaInfo struct {
	symbols  int
	hasCount bool
}

// IsFormula reports whether s is a chemical formula built from real element
// symbols, e.g. "MgFe2O4", "Ca3(PO4)2" or "Fe".
func IsFormula(s string) bool {
	_, ok := parseFormula(s)
	return ok
}

// isStrictFormula additionally rejects bare element symbols ("In", "As",
// "I") that collide with ordinary words in free text.
func isStrictFormula(s string) bool {
	info, ok := parseFormula(s)
	return ok && (info.symbols >= 2 || info.hasCount)
}

func parseFormula(s string) (formulaInfo, bool) {
	if s == "" || len(s) > 64 {
		return formulaInfo{}, false
	}
	p := formulaParser{s: s}
	info, ok := p.sequence(0)
	if !ok || p.pos != len(s) || info.symbols == 0 {
		return formulaInfo{}, false
	}
	return info, true
}

type formulaParser struct {
	s   string
	pos int
}

func (p *formulaParser) sequence(depth int) (formulaInfo, bool) {
	var info formulaInfo
	for p.pos < len(p.s) {
		c := p.s[p.pos]
		switch {
		case c == '(':
			if depth > 2 {
				return info, false
			}
			p.pos++
			inner, ok := p.sequence(depth + 1)
			if !ok || inner.symbols == 0 || p.pos >= len(p.s) || p.s[p.pos] != ')' {
				return info, false
			}
			p.pos++
			info.symbols += inner.symbols
			info.hasCount = info.hasCount || inner.hasCount || p.count()
		case c == ')':
			return info, depth > 0
		case c >= 'A' && c <= 'Z':
			sym := p.s[p.pos : p.pos+1]
			if p.pos+1 < len(p.s) {
				if n := p.s[p.pos+1]; n >= 'a' && n <= 'z' {
					sym = p.s[p.pos : p.pos+2]
				}
			}
			if !elementSymbols[sym] {
				return info, false
			}
			p.pos += len(sym)
			info.symbols++
			if p.count() {
				info.hasCount = true
			}
		default:
			return info, false
		}
	}
	return info, depth == 0
}

// count consumes an optional stoichiometric count such as "2" or "0.5".
func (p *formulaParser) count() bool {
	start := p.pos
	for p.pos < len(p.s) && isDigit(p.s[p.pos]) {
		p.pos++
	}
	if p.pos == start {
		return false
	}
	if p.pos+1 < len(p.s) && p.s[p.pos] == '.' && isDigit(p.s[p.pos+1]) {
		p.pos++
		for p.pos < len(p.s) && isDigit(p.s[p.pos]) {
			p.pos++
		}
	}
	return true
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
