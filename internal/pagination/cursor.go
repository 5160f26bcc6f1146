// Package pagination provides opaque cursors over mutation sequence IDs.
package pagination

import (
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidCursor is returned for cursors that fail to decode or were
// issued for a different filter.
var ErrInvalidCursor = errors.New("invalid cursor")

const (
	DefaultLimit = 50
	MaxLimit     = 500
)

// Cursor is a position in a newest-first history listing: the next page
// holds records with a sequence ID strictly below BeforeSeq.
type Cursor struct {
	Scope     string
	BeforeSeq int64
}

// Encode returns an opaque cursor for scope (the child filter, possibly
// empty) and a sequence ID.
func Encode(scope string, beforeSeq int64) string {
	raw := fmt.Sprintf("v1|%s|%d", scope, beforeSeq)
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

// Decode parses an opaque cursor and checks it belongs to scope. Returns
// nil for empty input.
func Decode(s, scope string) (*Cursor, error) {
	if s == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, ErrInvalidCursor
	}
	parts := strings.Split(string(raw), "|")
	if len(parts) != 3 || parts[0] != "v1" {
		return nil, ErrInvalidCursor
	}
	if parts[1] != scope {
		return nil, ErrInvalidCursor
	}
	seq, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || seq <= 0 {
		return nil, ErrInvalidCursor
	}
	return &Cursor{Scope: parts[1], BeforeSeq: seq}, nil
}

// ClampLimit maps a requested page size into [1, MaxLimit], defaulting
// non-positive values.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// ComputePage takes items fetched with limit+1, trims them to limit and
// returns the cursor for the next page when more remain.
func ComputePage[T any](items []T, limit int, scope string, seqOf func(T) int64) ([]T, string, bool) {
	if len(items) <= limit {
		return items, "", false
	}
	items = items[:limit]
	return items, Encode(scope, seqOf(items[len(items)-1])), true
}
