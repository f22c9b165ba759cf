package util

import "github.com/google/uuid"

// GenerateUUID returns a random v4 UUID used for idempotency keys and
// locally assigned ids. It panics only if the system entropy source fails.
func GenerateUUID() string {
	return uuid.New().String()
}
