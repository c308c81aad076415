// Package redact scrubs secrets from text that leaves the core: error
// messages, log lines, and wire responses. Structural maskers run first,
// then a regex sweep; both are compiled once at startup.
package redact

import (
	"log/slog"
	"regexp"
)

// Masker handles content that needs structural awareness beyond a regex,
// like the colon-delimited session token format.
type Masker interface {
	Name() string
	// AppliesTo is a cheap pre-check; Mask must return its input unchanged
	// when it cannot parse the content.
	AppliesTo(content string) bool
	Mask(content string) string
}

// CompiledPattern is one pre-compiled regex with its replacement
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
}

// builtinPatterns are the regexes every redactor carries. Order matters:
// the broad hex sweep runs last so the targeted patterns report what kind
// of secret was caught.
var builtinPatterns = []struct {
	name        string
	pattern     string
	replacement string
}{
	{
		name:        "bearer_token",
		pattern:     `(?i)bearer\s+[A-Za-z0-9._:~+/=-]+`,
		replacement: "Bearer [REDACTED]",
	},
	{
		name:        "credential_field",
		pattern:     `(?i)("(?:credential|password|secret)"\s*:\s*")[^"]*(")`,
		replacement: "${1}[REDACTED]${2}",
	},
	{
		name: "secret_assignment",
		// the [\w-]* prefix catches compound names like auth_secret
		pattern:     `(?i)\b([\w-]*(?:credential|password|secret)|api[_-]?key)\s*[:=]\s*[^\s"',;]+`,
		replacement: "${1}=[REDACTED]",
	},
	{
		name:        "hex_secret",
		pattern:     `\b[0-9a-f]{64}\b`,
		replacement: "[REDACTED_HEX]",
	},
}

// Redactor applies the compiled masking set. Created once at startup;
// stateless afterwards and safe for concurrent use.
type Redactor struct {
	patterns []*CompiledPattern
	maskers  []Masker
	logger   *slog.Logger
}

// NewRedactor compiles the built-in patterns and registers the structural
// maskers. Invalid patterns are logged and skipped.
func NewRedactor(logger *slog.Logger) *Redactor {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Redactor{logger: logger.With("component", "redactor")}
	for _, spec := range builtinPatterns {
		compiled, err := regexp.Compile(spec.pattern)
		if err != nil {
			r.logger.Error("failed to compile masking pattern, skipping",
				"pattern", spec.name, "error", err)
			continue
		}
		r.patterns = append(r.patterns, &CompiledPattern{
			Name:        spec.name,
			Regex:       compiled,
			Replacement: spec.replacement,
		})
	}
	r.maskers = append(r.maskers, &SessionTokenMasker{})
	return r
}

// Redact scrubs secrets from text. Structural maskers run first, then the
// regex sweep.
func (r *Redactor) Redact(text string) string {
	if text == "" {
		return text
	}
	masked := text
	for _, masker := range r.maskers {
		if masker.AppliesTo(masked) {
			masked = masker.Mask(masked)
		}
	}
	for _, pattern := range r.patterns {
		masked = pattern.Regex.ReplaceAllString(masked, pattern.Replacement)
	}
	return masked
}

// Error scrubs an error's message for wire responses. A nil error redacts
// to the empty string.
func (r *Redactor) Error(err error) string {
	if err == nil {
		return ""
	}
	return r.Redact(err.Error())
}

// Patterns returns how many regex patterns compiled, for startup logging
func (r *Redactor) Patterns() int {
	return len(r.patterns)
}
