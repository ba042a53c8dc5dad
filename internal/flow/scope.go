package flow

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/zapflowhq/zapflow/internal/models"
)

// templatePattern matches {{key}} tokens, tolerating inner whitespace.
var templatePattern = regexp.MustCompile(`\{\{\s*([^{}]+?)\s*\}\}`)

// Scope is the per-conversation variable store merged with read-only contact
// attributes. Variables win over contact attributes during interpolation;
// unresolved tokens are left unchanged.
type Scope struct {
	Variables map[string]any
	contact   map[string]string
}

// NewScope creates a scope over existing conversation variables and a
// contact's attributes. The variables map is used directly, not copied.
func NewScope(vars map[string]any, contact *models.Contact) *Scope {
	if vars == nil {
		vars = make(map[string]any)
	}
	return &Scope{Variables: vars, contact: contact.Attributes()}
}

// normalizeKey lower-cases and trims a template key.
func normalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// Set writes a variable under the normalized key.
func (s *Scope) Set(key string, value any) {
	s.Variables[normalizeKey(key)] = value
}

// Get reads a variable by normalized key.
func (s *Scope) Get(key string) (any, bool) {
	v, ok := s.Variables[normalizeKey(key)]
	return v, ok
}

// StringVar returns the string rendering of a variable, falling back to
// contact attributes, or "" if unresolved.
func (s *Scope) StringVar(key string) string {
	k := normalizeKey(key)
	if v, ok := s.Variables[k]; ok {
		return stringify(v)
	}
	if v, ok := s.contact[k]; ok {
		return v
	}
	return ""
}

// MergeObject writes every top-level key of an external response object into
// the scope, normalizing each key individually.
func (s *Scope) MergeObject(obj map[string]any) {
	for k, v := range obj {
		s.Variables[normalizeKey(k)] = v
	}
}

// Interpolate replaces every {{key}} token with, in order of precedence, the
// conversation variable, the contact attribute, or the literal token unchanged.
func (s *Scope) Interpolate(template string) string {
	return templatePattern.ReplaceAllStringFunc(template, func(token string) string {
		key := normalizeKey(templatePattern.FindStringSubmatch(token)[1])
		if v, ok := s.Variables[key]; ok {
			return stringify(v)
		}
		if v, ok := s.contact[key]; ok {
			return v
		}
		return token
	})
}

// stringify renders a variable value for interpolation.
func stringify(v any) string {
	switch val := v.(type) {
	case string:
		return val
	case nil:
		return ""
	case float64:
		// JSON numbers decode as float64; render integers without decimals.
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%v", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
