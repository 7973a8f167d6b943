// Package phone normalizes customer phone numbers into the E.164-like form used
// as customer identity. Numbers without a country code are assumed Turkish (+90).
package phone

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/recete-ai/recete-engine/pkg/apperrors"
)

// DefaultCountryCode is prepended to national-format numbers.
const DefaultCountryCode = "+90"

var (
	stripPattern = regexp.MustCompile(`[^\d+]`)
	validPattern = regexp.MustCompile(`^\+\d{10,}$`)
)

// Normalize converts raw into "+<digits>". A leading national "0" is replaced
// with the default country code and numbers without "+" get it prepended.
// Returns an error wrapping apperrors.ErrInvalidPhone when the result is not a
// "+" followed by at least 10 digits.
func Normalize(raw string) (string, error) {
	cleaned := stripPattern.ReplaceAllString(raw, "")

	switch {
	case cleaned == "":
		return "", fmt.Errorf("%w: %q has no digits", apperrors.ErrInvalidPhone, raw)
	case strings.HasPrefix(cleaned, "0"):
		cleaned = DefaultCountryCode + cleaned[1:]
	case !strings.HasPrefix(cleaned, "+"):
		cleaned = DefaultCountryCode + cleaned
	}

	if !validPattern.MatchString(cleaned) {
		return "", fmt.Errorf("%w: %q", apperrors.ErrInvalidPhone, raw)
	}
	return cleaned, nil
}

// NormalizeOrEmpty is Normalize for callers that degrade to "no phone".
func NormalizeOrEmpty(raw string) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}
	normalized, err := Normalize(raw)
	if err != nil {
		return ""
	}
	return normalized
}
