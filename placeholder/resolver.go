// Package placeholder expands {{env:VAR}}, {{file:path}} and
// {{keyring:service:account}} references in configuration values.
package placeholder

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/zalando/go-keyring"
)

var placeholderRegex = regexp.MustCompile(`{{\s*(env|keyring|file)\s*:\s*([^}]+?)\s*}}`)

// Contains reports whether s has at least one placeholder.
func Contains(s string) bool {
	return placeholderRegex.MatchString(s)
}

// Resolve expands every placeholder in value. On error the unresolved
// placeholder is left in place and the first error is returned.
func Resolve(value string) (string, error) {
	var firstErr error
	resolved := placeholderRegex.ReplaceAllStringFunc(value, func(match string) string {
		if firstErr != nil {
			return match
		}
		parts := placeholderRegex.FindStringSubmatch(match)
		out, err := lookup(parts[1], parts[2])
		if err != nil {
			firstErr = err
			return match
		}
		return out
	})
	return resolved, firstErr
}

func lookup(kind, ref string) (string, error) {
	switch kind {
	case "env":
		v, ok := os.LookupEnv(ref)
		if !ok {
			return "", fmt.Errorf("environment variable %q not set", ref)
		}
		return v, nil
	case "file":
		b, err := os.ReadFile(ref)
		if err != nil {
			return "", fmt.Errorf("read placeholder file: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	case "keyring":
		service, account, ok := strings.Cut(ref, ":")
		if !ok {
			return "", fmt.Errorf("invalid keyring reference %q, want service:account", ref)
		}
		secret, err := keyring.Get(service, account)
		if err != nil {
			return "", fmt.Errorf("keyring %s:%s: %w", service, account, err)
		}
		return secret, nil
	}
	return "", fmt.Errorf("unknown placeholder type %q", kind)
}

// ResolveMap resolves every value of m into a new map. All keys are kept;
// the error names the first key (in sorted order) that failed.
func ResolveMap(m map[string]string) (map[string]string, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]string, len(m))
	var firstErr error
	for _, k := range keys {
		v, err := Resolve(m[k])
		if err != nil && firstErr == nil {
			firstErr = fmt.Errorf("resolve %s: %w", k, err)
		}
		out[k] = v
	}
	return out, firstErr
}
