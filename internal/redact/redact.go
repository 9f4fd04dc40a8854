// Package redact removes credentials from connection labels and error
// text before they are written to history.
package redact

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/HakAl/relayview/internal/config"
	"github.com/HakAl/relayview/internal/store"
)

// RedactedValue is the replacement for redacted content.
const RedactedValue = "[REDACTED]"

var (
	// queryParamPattern matches one name=value pair of a query string,
	// including the leading separator.
	queryParamPattern = regexp.MustCompile(`([?&;])([^=&;?#\s"']+)=([^&;#\s"']*)`)

	// apiKeyPattern matches common API key formats: sk-..., key-..., api_key=...
	apiKeyPattern = regexp.MustCompile(`(?i)(sk-[a-zA-Z0-9_-]{20,}|key-[a-zA-Z0-9_-]{20,}|api[_-]?key[=:]["']?[a-zA-Z0-9_-]{20,})`)
)

// Redactor handles credential redaction.
type Redactor struct {
	always   map[string]bool
	patterns []*regexp.Regexp
	apiKeys  bool
}

// New creates a Redactor from cfg. Parameter names match case-insensitively.
func New(cfg *config.RedactionConfig) (*Redactor, error) {
	r := &Redactor{
		always:  make(map[string]bool, len(cfg.AlwaysRedactParams)),
		apiKeys: cfg.RedactAPIKeys,
	}
	for _, name := range cfg.AlwaysRedactParams {
		r.always[strings.ToLower(name)] = true
	}
	for _, pattern := range cfg.PatternRedactParams {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			return nil, fmt.Errorf("redaction pattern %q: %w", pattern, err)
		}
		r.patterns = append(r.patterns, re)
	}
	return r, nil
}

// ShouldRedactParam reports whether the value of query parameter name
// is a credential.
func (r *Redactor) ShouldRedactParam(name string) bool {
	if unescaped, err := url.QueryUnescape(name); err == nil {
		name = unescaped
	}
	name = strings.ToLower(name)
	if r.always[name] {
		return true
	}
	for _, re := range r.patterns {
		if re.MatchString(name) {
			return true
		}
	}
	return false
}

// String redacts sensitive query parameter values and API keys in s.
// Everything else is returned unchanged.
func (r *Redactor) String(s string) string {
	if strings.ContainsAny(s, "?&;") {
		s = queryParamPattern.ReplaceAllStringFunc(s, func(match string) string {
			m := queryParamPattern.FindStringSubmatch(match)
			if m[3] == "" || !r.ShouldRedactParam(m[2]) {
				return match
			}
			return m[1] + m[2] + "=" + RedactedValue
		})
	}
	if r.apiKeys {
		s = apiKeyPattern.ReplaceAllStringFunc(s, redactAPIKey)
	}
	return s
}

// redactAPIKey keeps the key's prefix for context.
func redactAPIKey(match string) string {
	lower := strings.ToLower(match)
	switch {
	case strings.HasPrefix(lower, "sk-"):
		return "sk-" + RedactedValue
	case strings.HasPrefix(lower, "key-"):
		return "key-" + RedactedValue
	}
	if i := strings.IndexAny(match, "=:"); i >= 0 {
		return match[:i+1] + RedactedValue
	}
	return RedactedValue
}

// Record redacts rec's label and detail in place. It matches the
// store.Recorder scrub hook.
func (r *Redactor) Record(rec *store.Record) {
	rec.Label = r.String(rec.Label)
	rec.Detail = r.String(rec.Detail)
}
