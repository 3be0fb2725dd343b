// Package template implements path resolution and placeholder filling over
// pipeline contexts. Paths are dot-delimited (numeric segments index into
// lists); templates embed context values with {path} placeholders.
package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/rendis/promptflow/pkg/schema"
)

// Resolve navigates a dot-delimited path inside nested maps and lists.
// A direct key lookup is tried first so keys containing dots still resolve.
func Resolve(data map[string]any, path string) (any, error) {
	if path == "" {
		return nil, schema.NewError(schema.ErrCodeTemplate, "empty path")
	}
	if val, ok := data[path]; ok {
		return val, nil
	}
	return traverse(data, path)
}

func traverse(root any, path string) (any, error) {
	segments := strings.Split(path, ".")
	current := root

	for i, seg := range segments {
		if seg == "" {
			return nil, schema.NewErrorf(schema.ErrCodeTemplate,
				"empty segment in path %q at position %d", path, i)
		}

		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				available := mapKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeTemplate,
					"key %q not found in %q; available: [%s]", seg, path, strings.Join(available, ", ")).
					WithDetails(map[string]any{"path": path, "available_keys": available})
			}
			current = val
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil {
				return nil, schema.NewErrorf(schema.ErrCodeTemplate,
					"cannot index list with %q in %q", seg, path)
			}
			if idx < 0 || idx >= len(v) {
				return nil, schema.NewErrorf(schema.ErrCodeTemplate,
					"index %d out of range (len %d) in %q", idx, len(v), path)
			}
			current = v[idx]
		default:
			return nil, schema.NewErrorf(schema.ErrCodeTemplate,
				"cannot traverse into %T at %q in %q", current, seg, path)
		}
	}

	return current, nil
}

// Set writes a value at a dot-delimited path, creating intermediate maps as
// needed. Numeric segments index into existing lists.
func Set(data map[string]any, path string, value any) error {
	if path == "" {
		return schema.NewError(schema.ErrCodeTemplate, "empty path")
	}

	segments := strings.Split(path, ".")
	var current any = data

	for i, seg := range segments[:len(segments)-1] {
		switch v := current.(type) {
		case map[string]any:
			next, ok := v[seg]
			if !ok {
				child := make(map[string]any)
				v[seg] = child
				current = child
				continue
			}
			current = next
		case []any:
			idx, err := strconv.Atoi(seg)
			if err != nil || idx < 0 || idx >= len(v) {
				return schema.NewErrorf(schema.ErrCodeTemplate,
					"cannot index list with %q in %q", seg, path)
			}
			current = v[idx]
		default:
			return schema.NewErrorf(schema.ErrCodeTemplate,
				"cannot traverse into %T at segment %d of %q", current, i, path)
		}
	}

	last := segments[len(segments)-1]
	switch v := current.(type) {
	case map[string]any:
		v[last] = value
	case []any:
		idx, err := strconv.Atoi(last)
		if err != nil || idx < 0 || idx >= len(v) {
			return schema.NewErrorf(schema.ErrCodeTemplate,
				"cannot index list with %q in %q", last, path)
		}
		v[idx] = value
	default:
		return schema.NewErrorf(schema.ErrCodeTemplate,
			"cannot set %q on %T", path, current)
	}
	return nil
}

// Fill replaces every {path} placeholder in tmpl with the value resolved from
// data. Braced fragments that do not look like a path (spaces, quotes, nested
// braces) are left untouched, so JSON snippets survive in prompt templates.
// A well-formed placeholder whose path cannot be resolved is an error.
func Fill(data map[string]any, tmpl string) (string, error) {
	var result strings.Builder
	result.Grow(len(tmpl))

	i := 0
	for i < len(tmpl) {
		idx := strings.IndexByte(tmpl[i:], '{')
		if idx == -1 {
			result.WriteString(tmpl[i:])
			break
		}
		result.WriteString(tmpl[i : i+idx])
		start := i + idx + 1

		end := strings.IndexByte(tmpl[start:], '}')
		if end == -1 {
			result.WriteString(tmpl[i+idx:])
			break
		}
		end += start

		path := tmpl[start:end]
		if !isPath(path) {
			result.WriteString(tmpl[i+idx : start])
			i = start
			continue
		}

		val, err := Resolve(data, path)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodeTemplate,
				"cannot fill placeholder {%s}: %s", path, err.Error()).WithCause(err)
		}
		result.WriteString(stringify(val))
		i = end + 1
	}

	return result.String(), nil
}

// Vars extracts the placeholder paths referenced by a template, in order of
// first appearance.
func Vars(tmpl string) []string {
	var paths []string
	seen := make(map[string]bool)

	i := 0
	for i < len(tmpl) {
		idx := strings.IndexByte(tmpl[i:], '{')
		if idx == -1 {
			break
		}
		start := i + idx + 1
		end := strings.IndexByte(tmpl[start:], '}')
		if end == -1 {
			break
		}
		end += start

		path := tmpl[start:end]
		if isPath(path) {
			if !seen[path] {
				seen[path] = true
				paths = append(paths, path)
			}
			i = end + 1
			continue
		}
		i = start
	}

	return paths
}

// RootVars returns the deduplicated root context keys referenced by a template.
func RootVars(tmpl string) []string {
	var roots []string
	seen := make(map[string]bool)
	for _, path := range Vars(tmpl) {
		root := path
		if dot := strings.IndexByte(path, '.'); dot != -1 {
			root = path[:dot]
		}
		if !seen[root] {
			seen[root] = true
			roots = append(roots, root)
		}
	}
	return roots
}

// isPath reports whether s is a valid placeholder path: dot-delimited
// segments of letters, digits and underscores, starting with a letter,
// underscore or digit (digits allow list indexing).
func isPath(s string) bool {
	if s == "" {
		return false
	}
	for _, seg := range strings.Split(s, ".") {
		if seg == "" {
			return false
		}
		for _, r := range seg {
			if !isPathRune(r) {
				return false
			}
		}
	}
	return true
}

func isPathRune(r rune) bool {
	return r == '_' || (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9')
}

// stringify converts a resolved value into its inline text representation.
// Strings are embedded as-is; complex types are JSON-encoded.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		key := keys[i]
		j := i - 1
		for j >= 0 && keys[j] > key {
			keys[j+1] = keys[j]
			j--
		}
		keys[j+1] = key
	}
	return keys
}
