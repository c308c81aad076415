package redact

import (
	"regexp"
	"strings"
)

// SessionTokenMasker recognizes the session token wire format, four or more
// colon-separated fields ending in a unix timestamp and a 64-hex MAC, and
// masks the whole token. The hex sweep alone would leave the session and
// agent ids exposed.
type SessionTokenMasker struct{}

var tokenCandidate = regexp.MustCompile(`\S+`)

func (m *SessionTokenMasker) Name() string { return "session_token" }

func (m *SessionTokenMasker) AppliesTo(content string) bool {
	return strings.Contains(content, ":")
}

func (m *SessionTokenMasker) Mask(content string) string {
	return tokenCandidate.ReplaceAllStringFunc(content, func(field string) string {
		core := strings.Trim(field, `"'().,;[]`)
		if core == "" || !isSessionToken(core) {
			return field
		}
		return strings.Replace(field, core, "[REDACTED_TOKEN]", 1)
	})
}

func isSessionToken(field string) bool {
	parts := strings.Split(field, ":")
	if len(parts) < 4 || parts[0] == "" {
		return false
	}
	mac := parts[len(parts)-1]
	if len(mac) != 64 || !isLowerHex(mac) {
		return false
	}
	return isDigits(parts[len(parts)-2])
}

func isLowerHex(s string) bool {
	for _, c := range s {
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return len(s) > 0
}

func isDigits(s string) bool {
	for _, c := range s {
		if c < '0' || c > '9' {
			return false
		}
	}
	return len(s) > 0
}
