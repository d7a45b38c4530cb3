package storage

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrInvalidKey is matched (with errors.Is) by every ValidationError.
var ErrInvalidKey = errors.New("invalid key")

// ValidationError reports a key or edge endpoint that cannot be stored.
//
// It signals a programming error rather than a data state, so it is the one
// failure the managers return instead of folding it into a false result.
type ValidationError struct {
	Field  string // "key", "source" or "target"
	Value  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrInvalidKey
}

// validateKey rejects keys that would not survive a JSON round trip. The
// empty string is a valid key.
func validateKey(field, key string) error {
	if !utf8.ValidString(key) {
		return &ValidationError{Field: field, Value: key, Reason: "must be valid utf-8"}
	}
	return nil
}
