// Package sanitize scrubs credentials and personal data from error text
// before it reaches database columns, spans, or operator tooling, and bounds
// its length.
package sanitize

import (
	"regexp"
	"strings"
)

const (
	maxStoredErrorRunes = 512
	truncationMarker    = "... (truncated)"
	redacted            = "[REDACTED]"
)

type redactionRule struct {
	pattern     *regexp.Regexp
	replacement string
}

var redactionRules = []redactionRule{
	// user:password@ in connection strings
	{
		pattern:     regexp.MustCompile(`(?i)\b([a-z][a-z0-9+.-]*://[^:\s/]+):([^@\s]+)@`),
		replacement: `$1:` + redacted + `@`,
	},
	// Authorization bearer tokens
	{
		pattern:     regexp.MustCompile(`(?i)\bbearer\s+[a-z0-9\-._~+/]+=*\b`),
		replacement: "Bearer " + redacted,
	},
	// Bare JWTs
	{
		pattern:     regexp.MustCompile(`\beyJ[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\.[a-zA-Z0-9_-]+\b`),
		replacement: redacted,
	},
	// key=value style secrets in messages
	{
		pattern:     regexp.MustCompile(`(?i)\b(api[-_ ]?key|access[-_ ]?token|refresh[-_ ]?token|password|secret|private[-_ ]?key|client[-_ ]?secret)\s*[:=]\s*([^\s,;]+)`),
		replacement: `$1=` + redacted,
	},
	// secrets in query strings
	{
		pattern:     regexp.MustCompile(`(?i)([?&](?:password|pass|pwd|token|api[_-]?key|access[_-]?token|refresh[_-]?token)=)([^&\s]+)`),
		replacement: `$1` + redacted,
	},
	// AWS access key ids
	{
		pattern:     regexp.MustCompile(`\b(AKIA|ASIA)[A-Z0-9]{16}\b`),
		replacement: redacted,
	},
	// email addresses
	{
		pattern:     regexp.MustCompile(`(?i)\b[A-Z0-9._%+\-]+@[A-Z0-9.\-]+\.[A-Z]{2,}\b`),
		replacement: redacted,
	},
}

var cardLengthNumberPattern = regexp.MustCompile(`\b\d{12,19}\b`)

// Error sanitizes err.Error(); nil yields the empty string.
func Error(err error) string {
	if err == nil {
		return ""
	}

	return Message(err.Error())
}

// Message redacts sensitive values and enforces a bounded length.
func Message(msg string) string {
	msg = strings.TrimSpace(msg)

	for _, rule := range redactionRules {
		msg = rule.pattern.ReplaceAllString(msg, rule.replacement)
	}

	msg = redactCardNumbers(msg)

	return boundLength(msg)
}

// redactCardNumbers replaces card-length digit runs that pass the Luhn check.
// Plain numeric ids of the same length are left alone.
func redactCardNumbers(msg string) string {
	return cardLengthNumberPattern.ReplaceAllStringFunc(msg, func(candidate string) string {
		if !passesLuhn(candidate) {
			return candidate
		}

		return redacted
	})
}

func passesLuhn(number string) bool {
	sum := 0
	double := false

	for i := len(number) - 1; i >= 0; i-- {
		digit := int(number[i] - '0')
		if digit < 0 || digit > 9 {
			return false
		}

		if double {
			digit *= 2
			if digit > 9 {
				digit -= 9
			}
		}

		sum += digit
		double = !double
	}

	return sum%10 == 0
}

func boundLength(msg string) string {
	runes := []rune(msg)
	if len(runes) <= maxStoredErrorRunes {
		return msg
	}

	marker := []rune(truncationMarker)

	return string(runes[:maxStoredErrorRunes-len(marker)]) + truncationMarker
}
