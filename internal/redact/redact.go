// Package redact masks credentials in activity attributes before they are
// stored or pushed to observers.
package redact

import (
	"regexp"
	"strings"

	"github.com/bcrosbie/activityhub/internal/domain"
)

const Mask = "[REDACTED]"

var defaultSensitiveKeys = []string{
	"password", "passwd", "secret", "token", "key", "apikey", "authorization", "credentials", "cookie",
}

type Redactor struct {
	enabled   bool
	rules     []redactionRule
	sensitive map[string]struct{}
}

type redactionRule struct {
	re    *regexp.Regexp
	label string
}

// New builds a redactor. custom holds extra value patterns; invalid ones are
// skipped. extraKeys adds attribute key segments that are always masked.
func New(enabled bool, custom []string, extraKeys []string) *Redactor {
	rules := []redactionRule{
		{re: regexp.MustCompile(`(?is)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`), label: "[REDACTED_PRIVATE_KEY]"},
		{re: regexp.MustCompile(`(?i)bearer\s+[A-Za-z0-9\-._~+/]+=*`), label: "Bearer [REDACTED]"},
		{re: regexp.MustCompile(`AKIA[0-9A-Z]{16}`), label: "[REDACTED_AWS_KEY]"},
		{re: regexp.MustCompile(`(?i)(api[_-]?key|token|secret|password)\s*[:=]\s*['"]?[^\s'"]+`), label: "$1=[REDACTED]"},
	}
	for _, pattern := range custom {
		pattern = strings.TrimSpace(pattern)
		if pattern == "" {
			continue
		}
		re, err := regexp.Compile(pattern)
		if err != nil {
			continue
		}
		rules = append(rules, redactionRule{re: re, label: "[REDACTED_CUSTOM]"})
	}

	sensitive := map[string]struct{}{}
	for _, key := range append(defaultSensitiveKeys, extraKeys...) {
		if key = strings.ToLower(strings.TrimSpace(key)); key != "" {
			sensitive[key] = struct{}{}
		}
	}
	return &Redactor{
		enabled:   enabled,
		rules:     rules,
		sensitive: sensitive,
	}
}

func (r *Redactor) Apply(input string) string {
	if r == nil || !r.enabled || input == "" {
		return input
	}
	out := input
	for _, rule := range r.rules {
		out = rule.re.ReplaceAllString(out, rule.label)
	}
	return out
}

// FilterAttributes masks the whole value of a sensitive key and scrubs
// credential-looking text out of every other string, descending into lists
// and maps. The input is not modified.
func (r *Redactor) FilterAttributes(attrs domain.Attributes) domain.Attributes {
	if r == nil || !r.enabled || len(attrs) == 0 {
		return attrs
	}
	out := make(domain.Attributes, len(attrs))
	for key, value := range attrs {
		out[key] = r.filterValue(key, value)
	}
	return out
}

func (r *Redactor) filterValue(key string, value domain.Value) domain.Value {
	if r.SensitiveKey(key) && !value.IsNull() {
		return domain.String(Mask)
	}
	switch value.Kind() {
	case domain.KindString:
		s, _ := value.AsString()
		return domain.String(r.Apply(s))
	case domain.KindList:
		items, _ := value.AsList()
		filtered := make([]domain.Value, len(items))
		for i, item := range items {
			filtered[i] = r.filterValue("", item)
		}
		return domain.List(filtered...)
	case domain.KindMap:
		entries, _ := value.AsMap()
		filtered := make(map[string]domain.Value, len(entries))
		for k, item := range entries {
			filtered[k] = r.filterValue(k, item)
		}
		return domain.Map(filtered)
	default:
		return value
	}
}

// SensitiveKey reports whether any segment of key, split on '_', '-', '.'
// and camel case, names a credential. "api_key" and "githubToken" match,
// "tokens_used" does not.
func (r *Redactor) SensitiveKey(key string) bool {
	if r == nil || key == "" {
		return false
	}
	if _, ok := r.sensitive[strings.ToLower(key)]; ok {
		return true
	}
	for _, segment := range splitKey(key) {
		if _, ok := r.sensitive[segment]; ok {
			return true
		}
	}
	return false
}

func splitKey(key string) []string {
	var segments []string
	var current strings.Builder
	flush := func() {
		if current.Len() > 0 {
			segments = append(segments, strings.ToLower(current.String()))
			current.Reset()
		}
	}
	runes := []rune(key)
	for i, ch := range runes {
		switch {
		case ch == '_' || ch == '-' || ch == '.' || ch == ' ':
			flush()
		case ch >= 'A' && ch <= 'Z' && i > 0 && runes[i-1] >= 'a' && runes[i-1] <= 'z':
			flush()
			current.WriteRune(ch)
		default:
			current.WriteRune(ch)
		}
	}
	flush()
	return segments
}
