package util

import (
	"strings"

	apperrors "github.com/openclaw/device-gateway/internal/errors"
)

const (
	minPhoneDigits = 10
	maxPhoneDigits = 15
	// Longest local number still treated as missing its country prefix.
	maxLocalDigits = 12
)

// NormalizePhone reduces a user-entered number to international digits
// without a leading plus, prefixing countryCode onto local forms.
func NormalizePhone(raw, countryCode string) (string, error) {
	digits := strings.Map(func(r rune) rune {
		if r >= '0' && r <= '9' {
			return r
		}
		return -1
	}, raw)

	switch {
	case digits == "":
		return "", apperrors.InvalidPhone(raw)
	case strings.HasPrefix(digits, "0"):
		digits = countryCode + digits[1:]
	case strings.HasPrefix(digits, "8") && len(digits) <= maxLocalDigits:
		digits = countryCode + digits
	case !strings.HasPrefix(digits, countryCode) && len(digits) <= maxLocalDigits:
		digits = countryCode + digits
	}

	if len(digits) < minPhoneDigits || len(digits) > maxPhoneDigits {
		return "", apperrors.InvalidPhone(raw)
	}
	return digits, nil
}
