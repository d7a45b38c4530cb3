package storage

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// NewIntentID returns a new intent id.
//
// Format: <timestamp-nanos>-<uuid>
//
// The timestamp is zero-padded hex, so ids sort in creation order.
func NewIntentID() (string, error) {
	// Get the current time in UTC...
	now := time.Now().UTC().UnixNano()

	// Generate a random part...
	id, err := uuid.NewRandom()
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("%016x-%s", now, id), nil
}
