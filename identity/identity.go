// Package identity maps a generic tool wrapper invocation onto a concrete
// backend using an ordered, versioned catalog of structural signatures.
//
// Resolution is deterministic: the first explicit argument naming a catalog
// entry wins, then the first matching signature in catalog order. Anything
// else is unresolved; there is no scoring and no guessing.
package identity

import (
	"strings"

	"github.com/ryannduma/CrystaLyse.AI/packages/provenance/payload"
)

// Identity is a resolved backend.
type Identity struct {
	Name           string `json:"name"`
	Kind           string `json:"kind"`
	CatalogVersion string `json:"catalog_version"`
	// Via is "argument" or "signature".
	Via string `json:"via"`
}

// Signature recognizes one backend from the shape of its output.
type Signature struct {
	Name    string
	Kind    string
	Aliases []string
	Match   func(p payload.Payload) bool
}

// Catalog is an ordered list of signatures. Order is significant: earlier
// signatures win when several match.
type Catalog struct {
	Version    string
	Signatures []Signature
}

// ArgumentKeys are the invocation argument fields that may name a tool.
var ArgumentKeys = []string{"tool", "tool_name", "backend", "tool_identity"}

// Append returns a new catalog with sig added at the end.
func (c Catalog) Append(version string, sig Signature) Catalog {
	sigs := make([]Signature, 0, len(c.Signatures)+1)
	sigs = append(sigs, c.Signatures...)
	sigs = append(sigs, sig)
	return Catalog{Version: version, Signatures: sigs}
}

// Lookup finds a catalog entry by name or alias, case-insensitively.
func (c Catalog) Lookup(name string) (Signature, bool) {
	name = normalizeName(name)
	if name == "" {
		return Signature{}, false
	}
	for _, sig := range c.Signatures {
		if normalizeName(sig.Name) == name {
			return sig, true
		}
		for _, alias := range sig.Aliases {
			if normalizeName(alias) == name {
				return sig, true
			}
		}
	}
	return Signature{}, false
}

// Names lists the catalog identities in order.
func (c Catalog) Names() []string {
	names := make([]string, len(c.Signatures))
	for i, sig := range c.Signatures {
		names[i] = sig.Name
	}
	return names
}

// Resolve applies the resolution order to one invocation. A signature whose
// predicate panics is treated as not matching.
func (c Catalog) Resolve(args map[string]any, p payload.Payload) (Identity, bool) {
	for _, key := range ArgumentKeys {
		raw, ok := args[key].(string)
		if !ok {
			continue
		}
		if sig, ok := c.Lookup(raw); ok {
			return c.identity(sig, "argument"), true
		}
	}
	for _, sig := range c.Signatures {
		if sig.Match != nil && safeMatch(sig.Match, p) {
			return c.identity(sig, "signature"), true
		}
	}
	return Identity{}, false
}

func (c Catalog) identity(sig Signature, via string) Identity {
	return Identity{Name: sig.Name, Kind: sig.Kind, CatalogVersion: c.Version, Via: via}
}

func safeMatch(match func(payload.Payload) bool, p payload.Payload) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return match(p)
}

func normalizeName(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.NewReplacer("-", "_", " ", "_").Replace(s)
}

// Resolve resolves against the default catalog.
func Resolve(args map[string]any, p payload.Payload) (Identity, bool) {
	return Default().Resolve(args, p)
}
