package schema

import (
	"fmt"
	"sort"
	"strings"
)

// StepKind enumerates the step variants of a workflow declaration.
type StepKind string

const (
	KindWorkflow StepKind = "workflow"
	KindMap      StepKind = "map"
	KindPrompt   StepKind = "prompt"
	KindFormat   StepKind = "format"
	KindFiles    StepKind = "files"
	KindFileSave StepKind = "file_save"
	KindReduce   StepKind = "reduce"
	KindRoute    StepKind = "route"
	KindIf       StepKind = "if"
	KindAction   StepKind = "action"
)

// tagKeys maps each declaration's discriminating key to its step kind.
// A well-formed declaration carries exactly one of these keys.
var tagKeys = map[string]StepKind{
	"steps":  KindWorkflow,
	"map":    KindMap,
	"prompt": KindPrompt,
	"format": KindFormat,
	"files":  KindFiles,
	"save":   KindFileSave,
	"reduce": KindReduce,
	"route":  KindRoute,
	"if":     KindIf,
	"action": KindAction,
}

// Decl is a parsed step (or workflow) declaration: the raw YAML mapping with
// typed accessors. Values keep whatever shape the YAML decoder produced.
type Decl map[string]any

// DetectKind returns the step variant a declaration describes. Declarations
// matching zero or more than one discriminating key are rejected.
func DetectKind(decl Decl) (StepKind, error) {
	var found []string
	for key := range tagKeys {
		if _, ok := decl[key]; ok {
			found = append(found, key)
		}
	}
	switch len(found) {
	case 1:
		return tagKeys[found[0]], nil
	case 0:
		return "", NewErrorf(ErrCodeValidation,
			"step declaration matches no known variant; expected one of: %s", strings.Join(sortedTagKeys(), ", "))
	default:
		sort.Strings(found)
		return "", NewErrorf(ErrCodeValidation,
			"step declaration is ambiguous: multiple variant keys present: %s", strings.Join(found, ", "))
	}
}

func sortedTagKeys() []string {
	keys := make([]string, 0, len(tagKeys))
	for k := range tagKeys {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ID returns the declaration's step id, or "" when absent.
func (d Decl) ID() string {
	return d.String("id")
}

// String returns the string value at key, or "" when absent or not a string.
func (d Decl) String(key string) string {
	s, _ := d[key].(string)
	return s
}

// Bool returns the bool value at key, or def when absent or not a bool.
func (d Decl) Bool(key string, def bool) bool {
	if b, ok := d[key].(bool); ok {
		return b
	}
	return def
}

// Int returns the integer value at key, or def when absent. YAML decoders
// may produce int or float64 for numeric scalars; both are accepted.
func (d Decl) Int(key string, def int) int {
	switch v := d[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

// Map returns the nested mapping at key, or nil when absent. YAML decoding
// into map[string]any keeps nested mappings as map[string]any already.
func (d Decl) Map(key string) Decl {
	if m, ok := d[key].(map[string]any); ok {
		return Decl(m)
	}
	if m, ok := d[key].(Decl); ok {
		return m
	}
	return nil
}

// List returns the sequence at key, or nil when absent.
func (d Decl) List(key string) []any {
	l, _ := d[key].([]any)
	return l
}

// StepDecls returns the child step declarations at key. Non-mapping entries
// are reported as validation errors.
func (d Decl) StepDecls(key string) ([]Decl, error) {
	raw, ok := d[key]
	if !ok {
		return nil, nil
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, NewErrorf(ErrCodeValidation, "%q must be a list of step declarations, got %T", key, raw)
	}
	decls := make([]Decl, 0, len(list))
	for i, entry := range list {
		m, ok := entry.(map[string]any)
		if !ok {
			return nil, NewErrorf(ErrCodeValidation, "%q entry %d must be a mapping, got %T", key, i, entry)
		}
		decls = append(decls, Decl(m))
	}
	return decls, nil
}

// RequireString returns the string at key or a validation error naming the
// declaration's step id.
func (d Decl) RequireString(key string) (string, error) {
	v, ok := d[key]
	if !ok {
		return "", NewErrorf(ErrCodeValidation, "missing required field %q", key).WithStep(d.ID())
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", NewErrorf(ErrCodeValidation, "field %q must be a non-empty string, got %v", key, fmt.Sprintf("%T", v)).WithStep(d.ID())
	}
	return s, nil
}
