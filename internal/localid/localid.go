// Package localid generates client-side identifiers for queued sales.
//
// A local ID distinguishes a sale before the server assigns its authoritative
// identifier. The format is a millisecond timestamp followed by a random
// suffix, so an ID stays unique when two sales are recorded in the same
// millisecond. The suffix is random, not ordered: submission order comes from
// the store's insertion order, never from comparing IDs.
package localid

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Format: <unix-millis>-<8 hex chars>, e.g. "1756500000123-9f3a01bc".
var localIDRegex = regexp.MustCompile(`^\d{13}-[0-9a-f]{8}$`)

// New generates a new local ID for the current time.
func New() string {
	return NewAt(time.Now())
}

// NewAt generates a local ID with an explicit timestamp. Used by tests to
// control ordering.
func NewAt(t time.Time) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("%013d-%s", t.UnixMilli(), suffix)
}

// IsValid checks if a string is a well-formed local ID.
func IsValid(s string) bool {
	return localIDRegex.MatchString(s)
}

// Validate returns an error if the string is not a well-formed local ID.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid local ID format: %q", s)
	}
	return nil
}

// Timestamp extracts the creation time encoded in a local ID.
func Timestamp(s string) (time.Time, error) {
	if err := Validate(s); err != nil {
		return time.Time{}, err
	}
	millis, err := strconv.ParseInt(s[:13], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid local ID timestamp: %w", err)
	}
	return time.UnixMilli(millis), nil
}
