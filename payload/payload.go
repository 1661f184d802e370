// Package payload decodes loosely typed tool outputs into a small tagged
// union so callers can match on shape instead of assuming a schema.
package payload

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Kind tags the shape of a decoded payload.
type Kind int

const (
	KindEmpty Kind = iota
	KindText
	KindObject
	KindList
	KindScalar
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindObject:
		return "object"
	case KindList:
		return "list"
	case KindScalar:
		return "scalar"
	default:
		return "empty"
	}
}

// Payload is exactly one of Text, Object, List or Scalar, selected by Kind.
type Payload struct {
	Kind   Kind
	Text   string
	Object map[string]any
	List   []any
	Scalar any
}

// Decode never fails: anything it cannot interpret structurally becomes text
// (or empty). Strings holding JSON documents are parsed, and MCP style
// {"content":[{"type":"text","text":...}]} envelopes are unwrapped.
func Decode(raw any) Payload {
	return decode(raw, 0)
}

const maxUnwrapDepth = 4

func decode(raw any, depth int) Payload {
	switch v := raw.(type) {
	case nil:
		return Payload{Kind: KindEmpty}
	case Payload:
		return v
	case string:
		return decodeText(v, depth)
	case []byte:
		return decodeText(string(v), depth)
	case json.RawMessage:
		return decodeText(string(v), depth)
	case map[string]any:
		if inner, ok := unwrapContent(v); ok && depth < maxUnwrapDepth {
			return decodeText(inner, depth+1)
		}
		return Payload{Kind: KindObject, Object: v}
	case []any:
		return Payload{Kind: KindList, List: v}
	case []map[string]any:
		list := make([]any, len(v))
		for i, m := range v {
			list[i] = m
		}
		return Payload{Kind: KindList, List: list}
	case bool, float64, float32, int, int64, json.Number:
		return Payload{Kind: KindScalar, Scalar: v}
	default:
		// Typed values (structs, typed maps) go through a JSON round trip so
		// the rest of the pipeline only ever sees generic shapes.
		b, err := json.Marshal(v)
		if err != nil {
			return Payload{Kind: KindEmpty}
		}
		var generic any
		if err := json.Unmarshal(b, &generic); err != nil {
			return Payload{Kind: KindEmpty}
		}
		return decode(generic, depth)
	}
}

func decodeText(s string, depth int) Payload {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return Payload{Kind: KindEmpty}
	}
	if depth < maxUnwrapDepth && (trimmed[0] == '{' || trimmed[0] == '[') {
		dec := json.NewDecoder(bytes.NewReader([]byte(trimmed)))
		var generic any
		if err := dec.Decode(&generic); err == nil && !dec.More() {
			return decode(generic, depth+1)
		}
	}
	return Payload{Kind: KindText, Text: s}
}

// unwrapContent joins the text parts of an MCP tool result envelope.
func unwrapContent(obj map[string]any) (string, bool) {
	content, ok := obj["content"].([]any)
	if !ok || len(content) == 0 {
		return "", false
	}
	for k := range obj {
		if k != "content" && k != "isError" && k != "_meta" {
			return "", false
		}
	}
	var parts []string
	for _, c := range content {
		part, ok := c.(map[string]any)
		if !ok || part["type"] != "text" {
			return "", false
		}
		text, ok := part["text"].(string)
		if !ok {
			return "", false
		}
		parts = append(parts, text)
	}
	return strings.Join(parts, "\n"), true
}

// Objects returns the list elements that are objects, preserving order.
func (p Payload) Objects() []map[string]any {
	if p.Kind != KindList {
		return nil
	}
	out := make([]map[string]any, 0, len(p.List))
	for _, item := range p.List {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

// HasKey reports whether the payload is an object carrying any of keys.
func (p Payload) HasKey(keys ...string) bool {
	if p.Kind != KindObject {
		return false
	}
	for _, k := range keys {
		if _, ok := p.Object[k]; ok {
			return true
		}
	}
	return false
}

// Field returns a nested value as a payload, or an empty payload.
func (p Payload) Field(key string) Payload {
	if p.Kind != KindObject {
		return Payload{Kind: KindEmpty}
	}
	v, ok := p.Object[key]
	if !ok {
		return Payload{Kind: KindEmpty}
	}
	return Decode(v)
}
