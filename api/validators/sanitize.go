package validators

import (
	"strings"
	"unicode/utf8"
)

// SanitizeString trims whitespace and truncates to maxLen bytes without
// splitting a UTF-8 sequence.
func SanitizeString(input string, maxLen int) string {
	trimmed := strings.TrimSpace(input)
	if maxLen <= 0 || len(trimmed) <= maxLen {
		return trimmed
	}
	cut := maxLen
	for cut > 0 && !utf8.RuneStart(trimmed[cut]) {
		cut--
	}
	return trimmed[:cut]
}

// SanitizeOptional applies SanitizeString and maps blank input to nil.
func SanitizeOptional(input *string, maxLen int) *string {
	if input == nil {
		return nil
	}
	clean := SanitizeString(*input, maxLen)
	if clean == "" {
		return nil
	}
	return &clean
}
