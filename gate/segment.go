package gate

import (
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/extension"
	east "github.com/yuin/goldmark/extension/ast"
	"github.com/yuin/goldmark/text"

	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/extract"
)

// Redaction replaces blocked numbers in strict mode.
const Redaction = "[unverified]"

var markdown = goldmark.New(goldmark.WithExtensions(extension.GFM))

var (
	numberRe     = regexp.MustCompile(`[-−+]?\d+(?:\.\d+)?(?:[eE][-+]?\d+)?`)
	unitRe       = regexp.MustCompile(`^\s?(eV/atom|eV atom\^-1|eV/f\.u\.|meV/atom|eV|meV|g/cm\^?3|g cm\^-3|Å\^?3|Å³|A\^3|Å|GPa|K|°C|%|atm|bar|Pa|kJ/mol)`)
	headerUnitRe = regexp.MustCompile(`[(\[]([^)\]]+)[)\]]`)
)

// piece maps a run of block text back to the source document.
type piece struct {
	off, src, n int
}

// span is inline text collected from one block (paragraph, heading, table
// cell) with enough bookkeeping to find claim offsets in the source.
type span struct {
	b      strings.Builder
	pieces []piece
}

// add appends value, read from src in the source (-1 for synthetic text).
// Text contiguous with the previous piece in both span and source extends
// that piece.
func (s *span) add(value []byte, src int) {
	if src >= 0 {
		off := s.b.Len()
		if n := len(s.pieces); n > 0 {
			last := &s.pieces[n-1]
			if last.src+last.n == src && last.off+last.n == off {
				last.n += len(value)
				s.b.Write(value)
				return
			}
		}
		s.pieces = append(s.pieces, piece{off: off, src: src, n: len(value)})
	}
	s.b.Write(value)
}

func (s *span) String() string { return s.b.String() }

// source maps [start, end) of the span text to source offsets. A range that
// straddles formatting, such as "**-9.99** eV", cannot be mapped.
func (s *span) source(start, end int) (int, int) {
	for _, p := range s.pieces {
		if start >= p.off && end <= p.off+p.n {
			return p.src + start - p.off, p.src + end - p.off
		}
	}
	return -1, -1
}

// bounds is the source range covered by the span, or -1, -1.
func (s *span) bounds() (int, int) {
	if len(s.pieces) == 0 {
		return -1, -1
	}
	start, end := s.pieces[0].src, s.pieces[0].src+s.pieces[0].n
	for _, p := range s.pieces[1:] {
		start = min(start, p.src)
		end = max(end, p.src+p.n)
	}
	return start, end
}

// locate sets the claim's source offsets from the span: number and unit
// when they are contiguous in the source, else the number alone.
func (s *span) locate(c *Claim, m numberMatch) {
	c.Start, c.End = s.source(m.start, m.end)
	if c.Start < 0 {
		c.Start, c.End = s.source(m.start, m.start+len(m.literal))
	}
	c.blockStart, c.blockEnd = s.bounds()
}

// Segment splits a markdown response into numeric claims in document order.
// Code is skipped, prose is split into sentences, and each GFM table row is
// one segment whose cells inherit units from the header.
func Segment(doc string) []Claim {
	src := []byte(doc)
	root := markdown.Parser().Parse(text.NewReader(src))

	var claims []Claim
	var header []string
	_ = ast.Walk(root, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch n.Kind() {
		case ast.KindFencedCodeBlock, ast.KindCodeBlock, ast.KindHTMLBlock:
			return ast.WalkSkipChildren, nil
		case east.KindTable:
			header = nil
		case east.KindTableHeader:
			for _, cell := range cells(n, src) {
				header = append(header, cell.String())
			}
			return ast.WalkSkipChildren, nil
		case east.KindTableRow:
			claims = append(claims, rowClaims(cells(n, src), header)...)
			return ast.WalkSkipChildren, nil
		case ast.KindParagraph, ast.KindHeading, ast.KindTextBlock:
			s := &span{}
			collect(n, src, s)
			claims = append(claims, proseClaims(s)...)
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return claims
}

func cells(row ast.Node, src []byte) []*span {
	var out []*span
	for c := row.FirstChild(); c != nil; c = c.NextSibling() {
		s := &span{}
		collect(c, src, s)
		out = append(out, s)
	}
	return out
}

// collect gathers the inline text under n, leaving out code spans, raw
// HTML and autolinks.
func collect(n ast.Node, src []byte, s *span) {
	for c := n.FirstChild(); c != nil; c = c.NextSibling() {
		switch c.Kind() {
		case ast.KindCodeSpan, ast.KindRawHTML, ast.KindAutoLink:
			s.add([]byte(" "), -1)
			continue
		case ast.KindText:
			t := c.(*ast.Text)
			s.add(t.Segment.Value(src), t.Segment.Start)
			if t.SoftLineBreak() || t.HardLineBreak() {
				s.add([]byte(" "), -1)
			}
			continue
		case ast.KindString:
			s.add(c.(*ast.String).Value, -1)
			continue
		}
		collect(c, src, s)
	}
}

type numberMatch struct {
	literal    string
	value      float64
	unit       string
	start, end int // within the span text, number plus unit
}

// numbers finds standalone numbers (not digits inside formulas, ids or
// citation brackets) in s[from:to].
func numbers(s string, from, to int) []numberMatch {
	var out []numberMatch
	seg := s[from:to]
	for _, loc := range numberRe.FindAllStringIndex(seg, -1) {
		start, end := from+loc[0], from+loc[1]
		if start > 0 {
			prev := s[start-1]
			if isWordByte(prev) || prev == '.' || prev == '^' || prev == '_' || prev == '/' {
				continue
			}
			if prev == '[' && end < len(s) && (s[end] == ']' || s[end] == ',') {
				continue
			}
		}
		literal := s[start:end]
		value, err := strconv.ParseFloat(strings.NewReplacer("−", "-", "+", "").Replace(literal), 64)
		if err != nil {
			continue
		}
		unit := ""
		if m := unitRe.FindStringSubmatchIndex(s[end:to]); m != nil {
			uEnd := end + m[1]
			if uEnd >= len(s) || !isWordByte(s[uEnd]) {
				unit = s[end+m[2] : end+m[3]]
				end = uEnd
			}
		}
		if unit == "" && end < len(s) && isWordByte(s[end]) {
			// "3D", "2nd"
			continue
		}
		out = append(out, numberMatch{literal: literal, value: value, unit: unit, start: start, end: end})
	}
	return out
}

func isWordByte(b byte) bool {
	return b >= 'a' && b <= 'z' || b >= 'A' && b <= 'Z' || b >= '0' && b <= '9'
}

func proseClaims(s *span) []Claim {
	txt := s.String()
	var out []Claim
	for _, bounds := range sentences(txt) {
		raw := txt[bounds[0]:bounds[1]]
		sentence := strings.TrimSpace(raw)
		matches := numbers(txt, bounds[0], bounds[1])
		if len(matches) == 0 {
			continue
		}
		materials := extract.FindFormulas(sentence)
		phrases := extract.FindPhrases(raw)
		var sentenceClaims []Claim
		for _, m := range matches {
			pos := m.start - bounds[0]
			c := newClaim(sentence, m, materials, nearestProperty(phrases, pos))
			cs, ce := clauseAt(raw, pos)
			c.Clause = strings.TrimSpace(raw[cs:ce])
			s.locate(&c, m)
			sentenceClaims = append(sentenceClaims, c)
		}
		linkDerived(sentence, sentenceClaims)
		out = append(out, sentenceClaims...)
	}
	return out
}

// linkDerived makes the last number of a disclosed calculation refer to the
// numbers before it.
func linkDerived(sentence string, claims []Claim) {
	if len(claims) < 2 || !(derivedRe.MatchString(sentence) || formulaRe.MatchString(sentence)) {
		return
	}
	if statisticalRe.MatchString(sentence) || citationRe.MatchString(sentence) {
		return
	}
	last := &claims[len(claims)-1]
	for _, c := range claims[:len(claims)-1] {
		last.References = append(last.References, c.Value)
	}
}

func rowClaims(row []*span, header []string) []Claim {
	texts := make([]string, len(row))
	for i, c := range row {
		texts[i] = strings.TrimSpace(c.String())
	}
	rowText := strings.Join(texts, " | ")
	materials := extract.FindFormulas(rowText)

	var out []Claim
	for col, cell := range row {
		txt := cell.String()
		colHeader := ""
		if col < len(header) {
			colHeader = strings.TrimSpace(header[col])
		}
		context := rowText
		if colHeader != "" {
			context = colHeader + ": " + rowText
		}
		prop := ""
		if p, ok := extract.LookupPhrase(colHeader); ok {
			prop = p.Name
		}
		for _, m := range numbers(txt, 0, len(txt)) {
			if m.unit == "" {
				m.unit = headerUnit(colHeader)
			}
			c := newClaim(context, m, materials, prop)
			c.Clause = rowText
			cell.locate(&c, m)
			out = append(out, c)
		}
	}
	return out
}

func headerUnit(h string) string {
	for _, m := range headerUnitRe.FindAllStringSubmatch(h, -1) {
		if u := unitRe.FindStringSubmatch(strings.TrimSpace(m[1])); u != nil {
			return u[1]
		}
	}
	return ""
}

// nearestProperty picks the property phrase closest before pos, or the first
// one after it.
func nearestProperty(phrases []extract.PhraseMatch, pos int) string {
	name := ""
	for _, p := range phrases {
		if p.Start > pos {
			if name == "" {
				name = p.Property.Name
			}
			break
		}
		name = p.Property.Name
	}
	return name
}

func newClaim(context string, m numberMatch, materials []string, prop string) Claim {
	id := ""
	if len(materials) == 1 {
		id = materials[0]
	}
	return Claim{
		Text:       context,
		Literal:    m.literal,
		Value:      m.value,
		Unit:       m.unit,
		SigFigs:    SigFigs(m.literal),
		Identifier: id,
		Materials:  materials,
		Property:   prop,
		Start:      -1,
		End:        -1,
	}
}

var abbreviations = map[string]bool{"al": true, "e.g": true, "i.e": true, "vs": true, "approx": true, "fig": true, "eq": true, "ca": true}

// sentences returns [start, end) bounds of the sentences in s. A period
// only ends a sentence when followed by whitespace and an upper-case letter,
// so decimals and abbreviations stay intact.
func sentences(s string) [][2]int {
	var out [][2]int
	start := 0
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		j := i + 1
		for j < len(s) && (s[j] == ' ' || s[j] == '\t') {
			j++
		}
		if j == i+1 || j >= len(s) || s[j] < 'A' || s[j] > 'Z' {
			continue
		}
		if c == '.' && abbreviations[strings.ToLower(lastWord(s[start:i]))] {
			continue
		}
		out = append(out, [2]int{start, i + 1})
		start = j
	}
	if start < len(s) {
		out = append(out, [2]int{start, len(s)})
	}
	return out
}

func lastWord(s string) string {
	if i := strings.LastIndexAny(s, " \t("); i >= 0 {
		return s[i+1:]
	}
	return s
}

// SigFigs counts the significant figures of a number as written.
// Trailing zeros of an integer are counted.
func SigFigs(literal string) int {
	s := strings.TrimLeft(literal, "-−+")
	if i := strings.IndexAny(s, "eE"); i >= 0 {
		s = s[:i]
	}
	s = strings.Replace(s, ".", "", 1)
	s = strings.TrimLeft(s, "0")
	if s == "" {
		return 1
	}
	return len(s)
}

// Apply gates every claim of a response in order. In strict mode blocked
// numbers are replaced with Redaction; audit mode returns doc unchanged.
// Every blocked claim is redacted: when a number cannot be mapped back to
// the source exactly, its whole paragraph or cell is replaced instead.
func (g *Gate) Apply(doc string) (string, []Decision) {
	g.Reset()
	claims := Segment(doc)
	decisions := make([]Decision, 0, len(claims))
	var redact [][2]int
	cursor := 0
	for _, c := range claims {
		d := g.ClassifyAndGate(c)
		if d.Verdict == Block {
			r := redaction(doc, c, cursor)
			d.Claim.Start, d.Claim.End = r[0], r[1]
			redact = append(redact, r)
		}
		cursor = max(cursor, d.Claim.End)
		decisions = append(decisions, d)
	}
	if g.mode != ModeStrict || len(redact) == 0 {
		return doc, decisions
	}

	sort.Slice(redact, func(i, j int) bool { return redact[i][0] < redact[j][0] })
	var b strings.Builder
	last := 0
	for _, r := range redact {
		if r[1] <= last {
			continue
		}
		if r[0] < last {
			// Overlaps a previous range, e.g. a paragraph already replaced.
			last = r[1]
			continue
		}
		b.WriteString(doc[last:r[0]])
		b.WriteString(Redaction)
		last = r[1]
	}
	b.WriteString(doc[last:])
	return b.String(), decisions
}

// redaction returns the source range to replace for a blocked claim: its
// own offsets, else the first standalone occurrence of its literal in its
// block after cursor, else the whole block. With no source position at all
// the whole document goes.
func redaction(doc string, c Claim, cursor int) [2]int {
	if c.Start >= 0 && c.End <= len(doc) {
		return [2]int{c.Start, c.End}
	}
	if c.blockStart < 0 || c.blockEnd <= c.blockStart || c.blockEnd > len(doc) {
		return [2]int{0, len(doc)}
	}
	if from := max(cursor, c.blockStart); c.Literal != "" && from < c.blockEnd {
		if i := standaloneIndex(doc[from:c.blockEnd], c.Literal); i >= 0 {
			return [2]int{from + i, from + i + len(c.Literal)}
		}
	}
	return [2]int{c.blockStart, c.blockEnd}
}

// standaloneIndex finds literal in s where it is not part of a longer word
// or number.
func standaloneIndex(s, literal string) int {
	for off := 0; off < len(s); {
		i := strings.Index(s[off:], literal)
		if i < 0 {
			return -1
		}
		start, end := off+i, off+i+len(literal)
		if (start == 0 || !isWordByte(s[start-1]) && s[start-1] != '.') &&
			(end == len(s) || !isWordByte(s[end])) {
			return start
		}
		off = start + 1
	}
	return -1
}
