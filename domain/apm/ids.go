package apm

import (
	"encoding/hex"

	"github.com/google/uuid"
)

// newTraceID returns a random 128-bit identifier, hex encoded.
func newTraceID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// newSpanID returns a random 64-bit identifier, hex encoded.
func newSpanID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:8])
}
