package xid

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// New returns a prefixed, time-ordered random id for persisted entities.
func New(prefix string) string {
	buf := make([]byte, 8)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
	}
	return fmt.Sprintf("%s-%d-%s", prefix, time.Now().UnixNano(), hex.EncodeToString(buf))
}

// NewIdempotencyKey returns a client-style idempotency key for callers that did
// not supply one. UUIDs keep these distinguishable from entity ids in logs.
func NewIdempotencyKey() string {
	return uuid.NewString()
}
