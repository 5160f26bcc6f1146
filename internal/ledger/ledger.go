// Package ledger is the authoritative store of per-child point balances.
//
// Every accepted mutation:
//  1. is validated and normalized (child key trimmed and lower-cased)
//  2. is applied as one clamped increment, so a balance never goes below zero
//  3. appends exactly one immutable MutationRecord in the same atomic step
//  4. is published exactly once to the broadcast channel
//
// A mutation carrying a ClientOpID that was already committed is answered
// with the original result and changes nothing.
package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/pointsync/internal/validation"
)

var (
	// ErrValidation is matched by every *ValidationError.
	ErrValidation = validation.ErrInvalid
	// ErrStoreUnavailable means the store could not be reached or timed
	// out. The caller may retry, ideally with the same ClientOpID.
	ErrStoreUnavailable = errors.New("ledger store unavailable")
	// ErrRecordNotFound means no mutation was committed under a sequence ID.
	ErrRecordNotFound = errors.New("mutation record not found")
)

// ValidationError names the rejected field.
type ValidationError = validation.FieldError

// NoteUnderflowClamped is returned with results whose debit was clamped.
const NoteUnderflowClamped = "underflow_clamped"

const (
	DefaultMaxDelta          = 1000
	DefaultMaxReasonLength   = 200
	DefaultMaxChildKeyLength = 64
	DefaultStoreTimeout      = 5 * time.Second
)

// Direction is the sign of a mutation.
type Direction string

const (
	Credit Direction = "credit"
	Debit  Direction = "debit"
)

// Valid reports whether d is credit or debit.
func (d Direction) Valid() bool {
	return d == Credit || d == Debit
}

// Sign returns +1 for credit and -1 for debit.
func (d Direction) Sign() int64 {
	if d == Debit {
		return -1
	}
	return 1
}

// Balance is the current total for one child.
type Balance struct {
	ChildKey       string    `json:"childKey"`
	Value          int64     `json:"value"`
	LastSequenceID int64     `json:"lastSequenceId"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// MutationRecord is one committed mutation. Delta is the requested signed
// amount; AppliedDelta is what actually moved the balance.
type MutationRecord struct {
	SequenceID   int64     `json:"sequenceId"`
	ChildKey     string    `json:"childKey"`
	Direction    Direction `json:"direction"`
	Delta        int64     `json:"delta"`
	AppliedDelta int64     `json:"appliedDelta"`
	BalanceAfter int64     `json:"balanceAfter"`
	Clamped      bool      `json:"clamped"`
	Reason       string    `json:"reason"`
	ClientOpID   string    `json:"clientOpId,omitempty"`
	OccurredAt   time.Time `json:"occurredAt"`
}

// Mutation is a requested change. Delta is the unsigned magnitude.
type Mutation struct {
	ChildKey   string
	Delta      int64
	Reason     string
	Direction  Direction
	ClientOpID string
}

// Signed returns Delta with the direction's sign applied.
func (m Mutation) Signed() int64 {
	return m.Direction.Sign() * m.Delta
}

// Result is the outcome of an accepted mutation.
type Result struct {
	NewTotal  int64           `json:"newTotal"`
	Clamped   bool            `json:"clamped"`
	Duplicate bool            `json:"duplicate"`
	Record    *MutationRecord `json:"record"`
}

// Note returns NoteUnderflowClamped for clamped results.
func (r *Result) Note() string {
	if r.Clamped {
		return NoteUnderflowClamped
	}
	return ""
}

func duplicateOf(rec *MutationRecord) *Result {
	return &Result{NewTotal: rec.BalanceAfter, Clamped: rec.Clamped, Duplicate: true, Record: rec}
}

// Snapshot is a consistent view of every balance. LastSequenceID is the
// highest sequence reflected; Sequences holds the same per child.
type Snapshot struct {
	Balances       map[string]int64 `json:"balances"`
	Sequences      map[string]int64 `json:"sequences"`
	LastSequenceID int64            `json:"lastSequenceId"`
	FetchedAt      time.Time        `json:"fetchedAt"`
}

// HistoryQuery selects records newest first. Empty ChildKey means all
// children; BeforeSeq > 0 restricts to older records.
type HistoryQuery struct {
	ChildKey  string
	BeforeSeq int64
	Limit     int
}

// Store persists balances and mutation records. Apply must perform the
// clamped increment and the record append as one atomic step, and must
// return the original record with Duplicate set for a ClientOpID it has
// already committed.
type Store interface {
	Apply(ctx context.Context, m Mutation) (*Result, error)
	GetBalance(ctx context.Context, childKey string) (*Balance, error)
	Snapshot(ctx context.Context) (*Snapshot, error)
	History(ctx context.Context, q HistoryQuery) ([]*MutationRecord, error)
	Records(ctx context.Context, childKey string) ([]*MutationRecord, error)
	Record(ctx context.Context, seq int64) (*MutationRecord, error)
	Ping(ctx context.Context) error
}

// Publisher receives each newly committed mutation, in commit order per
// child. originSession is excluded from the fan-out.
type Publisher interface {
	PublishMutation(ctx context.Context, rec *MutationRecord, originSession string)
}

// clamp applies signed to current and returns the new value and the
// effective delta.
func clamp(current, signed int64) (next, applied int64, clamped bool) {
	next = current + signed
	if next < 0 {
		return 0, -current, true
	}
	return next, signed, false
}

// RebuildBalance replays records in sequence order using the requested
// deltas and the same clamp the store applies.
func RebuildBalance(records []*MutationRecord) int64 {
	var v int64
	for _, r := range records {
		v, _, _ = clamp(v, r.Delta)
	}
	return v
}

// SumApplied returns the sum of effective deltas.
func SumApplied(records []*MutationRecord) int64 {
	var sum int64
	for _, r := range records {
		sum += r.AppliedDelta
	}
	return sum
}
