package core

import (
	"strings"

	"github.com/google/uuid"
)

// NewID generates an opaque identifier with a short type prefix, e.g.
// "run_3f8a...". Prefixes keep ids self-describing in logs and deliveries.
func NewID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	if prefix == "" {
		return id
	}
	return prefix + "_" + id
}

// NewUUID generates a bare UUID string for envelope ids, where external
// producers supply compatible ids of their own.
func NewUUID() string {
	return uuid.NewString()
}

// NormalizeKey lowercases and trims a correlation key. Run keys and
// idempotency keys compare equal after normalization.
func NormalizeKey(key string) string {
	return strings.ToLower(strings.TrimSpace(key))
}

// ValidSlug reports whether s is a lowercase slug: letters, digits and
// hyphens, starting and ending alphanumeric.
func ValidSlug(s string) bool {
	if s == "" || len(s) > 100 {
		return false
	}
	for i, r := range s {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= '0' && r <= '9':
		case r == '-':
			if i == 0 || i == len(s)-1 {
				return false
			}
		default:
			return false
		}
	}
	return true
}
