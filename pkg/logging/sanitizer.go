package logging

import (
	"regexp"
	"strings"
)

const (
	// RedactedText is the replacement text for sensitive data
	RedactedText = "[REDACTED]"
)

var (
	// password=xxx, secret=xxx, token=xxx (until next delimiter)
	secretPattern = regexp.MustCompile(`(?i)(password|pwd|secret|token)=[^;&\s]+`)

	// Bearer tokens (three base64 segments separated by dots)
	jwtPattern = regexp.MustCompile(`Bearer\s+[A-Za-z0-9-_]+\.[A-Za-z0-9-_]+\.[A-Za-z0-9-_]*`)

	// OpenAI/Anthropic style keys and key=value API keys
	apiKeyPattern = regexp.MustCompile(`(?i)(api[_-]?key|apikey|key)=[A-Za-z0-9-_]{20,}|sk-[A-Za-z0-9-_]{20,}`)

	// user:pass@host in connection URLs
	connStringPattern = regexp.MustCompile(`://[^:/\s]+:[^@\s]+@[^/\s]+`)

	// International phone numbers, with or without separators
	phonePattern = regexp.MustCompile(`\+?\d[\d\s\-()]{8,}\d`)
)

// SanitizeError sanitizes error messages that might contain credentials or
// customer phone numbers. Use this before logging errors from provider,
// database or webhook operations.
func SanitizeError(err error) string {
	if err == nil {
		return ""
	}
	return SanitizeText(err.Error())
}

// SanitizeText applies every redaction pattern to s.
func SanitizeText(s string) string {
	if s == "" {
		return ""
	}

	sanitized := secretPattern.ReplaceAllString(s, "${1}="+RedactedText)
	sanitized = jwtPattern.ReplaceAllString(sanitized, "Bearer "+RedactedText)
	sanitized = apiKeyPattern.ReplaceAllStringFunc(sanitized, func(m string) string {
		if strings.HasPrefix(m, "sk-") {
			return RedactedText
		}
		name, _, _ := strings.Cut(m, "=")
		return name + "=" + RedactedText
	})
	sanitized = connStringPattern.ReplaceAllString(sanitized, "://"+RedactedText+"@"+RedactedText)
	sanitized = phonePattern.ReplaceAllStringFunc(sanitized, func(m string) string {
		if countDigits(m) < 10 {
			return m
		}
		return RedactPhone(m)
	})

	return sanitized
}

// RedactPhone masks all but the country prefix and the last two digits of a
// phone number, e.g. "+905551112233" -> "+90********33".
func RedactPhone(phone string) string {
	digits := make([]rune, 0, len(phone))
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			digits = append(digits, r)
		}
	}
	if len(digits) < 6 {
		return RedactedText
	}

	var b strings.Builder
	if strings.HasPrefix(strings.TrimSpace(phone), "+") {
		b.WriteByte('+')
	}
	b.WriteString(string(digits[:2]))
	b.WriteString(strings.Repeat("*", len(digits)-4))
	b.WriteString(string(digits[len(digits)-2:]))
	return b.String()
}

func countDigits(s string) int {
	n := 0
	for _, r := range s {
		if r >= '0' && r <= '9' {
			n++
		}
	}
	return n
}

// TruncateString truncates s to maxLen runes and adds an ellipsis if needed.
func TruncateString(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
