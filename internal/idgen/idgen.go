// Package idgen generates identifiers for sessions, requests and client operations.
package idgen

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a random (v4) UUID string.
func New() string {
	return uuid.NewString()
}

// WithPrefix returns prefix followed by 32 hex chars, e.g. "op_3f2a...".
func WithPrefix(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ClientOpID returns an idempotency key for a client-side mutation.
// The key is unique per call; replays of the same operation must reuse it.
func ClientOpID() string {
	return WithPrefix("op_")
}

// SessionID returns an identifier for one push connection or engine instance.
func SessionID() string {
	return WithPrefix("ses_")
}

// Valid reports whether s looks like an ID produced by this package for
// the given prefix. Empty prefixes accept plain UUIDs.
func Valid(prefix, s string) bool {
	if prefix == "" {
		_, err := uuid.Parse(s)
		return err == nil
	}
	rest, ok := strings.CutPrefix(s, prefix)
	if !ok || len(rest) != 32 {
		return false
	}
	_, err := uuid.Parse(rest)
	return err == nil
}
