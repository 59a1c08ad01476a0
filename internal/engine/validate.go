package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/lazypower/chronicle/internal/store"
)

func invalid(field, format string, args ...any) error {
	return &store.ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// required takes alternating field names and values.
func required(pairs ...string) error {
	for i := 0; i+1 < len(pairs); i += 2 {
		if strings.TrimSpace(pairs[i+1]) == "" {
			return invalid(pairs[i], "required")
		}
	}
	return nil
}

// validFromOr defaults a zero valid_from to now and rejects instants at or
// past the open-ended sentinel, which would leave an empty interval.
func validFromOr(t, now time.Time) (time.Time, error) {
	if t.IsZero() {
		return now, nil
	}
	if !t.Before(store.OpenEnded) {
		return time.Time{}, invalid("valid_from", "must precede valid_to (%s)", store.OpenEnded.Format(time.RFC3339))
	}
	return t.UTC(), nil
}

// validKeyChar returns true if the character is allowed in a key.
// Allowed: lowercase alphanumeric, hyphens, underscores, dots, colons.
func validKeyChar(r rune) bool {
	return (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' || r == ':'
}

// NormalizeKey folds a preference key, event type or relationship type to
// [a-z0-9_.:-]. Uppercase becomes lowercase, runs of spaces become a single
// underscore, other characters are dropped.
func NormalizeKey(key string) string {
	key = strings.TrimSpace(key)
	if key == "" {
		return ""
	}

	var b strings.Builder
	prevSep := false
	for _, r := range strings.ToLower(key) {
		if validKeyChar(r) {
			b.WriteRune(r)
			prevSep = r == '_'
		} else if r == ' ' || r == '\t' || r == '/' {
			if !prevSep && b.Len() > 0 {
				b.WriteByte('_')
				prevSep = true
			}
		}
	}
	return strings.Trim(b.String(), "_")
}

func validUrgency(u string) bool {
	switch u {
	case "low", "normal", "high":
		return true
	}
	return false
}

func validConfidence(c float64) bool {
	return c >= 0 && c <= 1
}
