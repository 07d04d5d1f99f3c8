// Package ids generates and validates the canonical identifier form used at
// every federation boundary: 36-char lowercase hex, dashed 8-4-4-4-12.
package ids

import (
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/gitswarm/gitswarm/internal/errkind"
)

var (
	canonicalPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)
	bareHexPattern   = regexp.MustCompile(`^[0-9a-f]{32}$`)
)

// New returns a fresh canonical identifier (v4 UUID shape).
func New() string {
	return uuid.NewString()
}

// IsValid reports whether s is exactly the canonical dashed form.
func IsValid(s string) bool {
	return canonicalPattern.MatchString(s)
}

// Validate returns an invalid_id error unless s is canonical.
func Validate(s string) error {
	if !IsValid(s) {
		return errkind.New(errkind.InvalidID, "not a canonical id: %q", s)
	}
	return nil
}

// ValidateAll validates every id in order and returns the first failure.
func ValidateAll(ss ...string) error {
	for _, s := range ss {
		if err := Validate(s); err != nil {
			return err
		}
	}
	return nil
}

// Normalize accepts the canonical dashed form or a 32-char unbroken lowercase
// hex form and returns the dashed form. This is the only coercion permitted;
// it exists for the one-time legacy upgrade path. All other inputs are
// rejected with invalid_id.
func Normalize(s string) (string, error) {
	if IsValid(s) {
		return s, nil
	}
	if bareHexPattern.MatchString(s) {
		var b strings.Builder
		b.Grow(36)
		b.WriteString(s[0:8])
		b.WriteByte('-')
		b.WriteString(s[8:12])
		b.WriteByte('-')
		b.WriteString(s[12:16])
		b.WriteByte('-')
		b.WriteString(s[16:20])
		b.WriteByte('-')
		b.WriteString(s[20:32])
		return b.String(), nil
	}
	return "", errkind.New(errkind.InvalidID, "cannot normalize id: %q", s)
}
