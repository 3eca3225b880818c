package textutil

import (
	"slices"
	"strings"
	"unicode/utf8"
)

// Gateway metadata limits. Stripe enforces these; Paystack is more lenient.
const (
	MaxMetadataKeys       = 50
	MaxMetadataKeyRunes   = 40
	MaxMetadataValueRunes = 500
)

// GatewayMetadata returns a copy of values that a payment gateway will accept: keys and values
// are run through PlainText, blank entries are dropped and both sides are truncated. When more
// than MaxMetadataKeys remain the lexically smallest keys win. Returns nil when nothing is left.
func GatewayMetadata(values map[string]string) map[string]string {
	if len(values) == 0 {
		return nil
	}
	keys := make([]string, 0, len(values))
	cleaned := make(map[string]string, len(values))
	for rawKey, rawValue := range values {
		key := truncateRunes(PlainText(rawKey), MaxMetadataKeyRunes)
		value := truncateRunes(PlainText(rawValue), MaxMetadataValueRunes)
		if key == "" || value == "" {
			continue
		}
		if _, dup := cleaned[key]; !dup {
			keys = append(keys, key)
		}
		cleaned[key] = value
	}
	if len(keys) == 0 {
		return nil
	}
	slices.Sort(keys)
	for _, key := range keys[min(len(keys), MaxMetadataKeys):] {
		delete(cleaned, key)
	}
	return cleaned
}

func truncateRunes(value string, limit int) string {
	if utf8.RuneCountInString(value) <= limit {
		return value
	}
	runes := []rune(value)
	return strings.TrimSpace(string(runes[:limit]))
}
