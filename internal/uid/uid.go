// Package uid provides unique identifier generation.
package uid

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// New returns a fresh random UUID in its unformatted 32-character hex form,
// e.g. "067e61623b6f4ae2a1712470b63dff00". It is used for object keys and
// request IDs.
func New() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}
