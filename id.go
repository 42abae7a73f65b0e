package d2e

import "github.com/google/uuid"

// NewID generates a globally unique, time-sortable UUIDv7 (RFC 9562).
// Used for correlation ids and client-side activity ids.
func NewID() string {
	return uuid.Must(uuid.NewV7()).String()
}
