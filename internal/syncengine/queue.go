package syncengine

import (
	"errors"
	"sync"
	"time"

	"github.com/mbd888/pointsync/internal/ledger"
)

// ErrOpNotFound is returned when a queue has no operation with the id.
var ErrOpNotFound = errors.New("pending operation not found")

// OpState is where a pending operation sits in its lifecycle:
// optimistic -> committing -> confirmed | queued -> retrying -> confirmed | rejected.
type OpState string

const (
	StateOptimistic OpState = "optimistic"
	StateCommitting OpState = "committing"
	StateQueued     OpState = "queued"
	StateRetrying   OpState = "retrying"
	StateConfirmed  OpState = "confirmed"
	StateRejected   OpState = "rejected"
)

// Terminal reports whether no further transition can happen.
func (s OpState) Terminal() bool {
	return s == StateConfirmed || s == StateRejected
}

// PendingOperation is a locally accepted mutation not yet confirmed by
// the ledger.
type PendingOperation struct {
	ClientOpID string           `json:"clientOpId"`
	ChildKey   string           `json:"childKey"`
	Delta      int64            `json:"delta"`
	Reason     string           `json:"reason"`
	Direction  ledger.Direction `json:"direction"`
	CreatedAt  time.Time        `json:"createdAt"`
	Attempts   int              `json:"attempts"`
	State      OpState          `json:"state"`
	LastError  string           `json:"lastError,omitempty"`
}

// Signed returns Delta with the direction's sign applied.
func (p PendingOperation) Signed() int64 {
	return p.Direction.Sign() * p.Delta
}

// Mutation converts the operation into a ledger request.
func (p PendingOperation) Mutation() ledger.Mutation {
	return ledger.Mutation{
		ChildKey:   p.ChildKey,
		Delta:      p.Delta,
		Reason:     p.Reason,
		Direction:  p.Direction,
		ClientOpID: p.ClientOpID,
	}
}

// Queue persists pending operations in submission order. The engine keeps
// its own in-memory copy and writes through.
type Queue interface {
	Push(op PendingOperation) error
	Update(op PendingOperation) error
	Remove(clientOpID string) error
	List() ([]PendingOperation, error)
	Close() error
}

// MemoryQueue is the default, process-lifetime queue.
type MemoryQueue struct {
	mu  sync.Mutex
	ops []PendingOperation
}

// NewMemoryQueue creates an empty in-memory queue.
func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{}
}

func (q *MemoryQueue) Push(op PendingOperation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.ops = append(q.ops, op)
	return nil
}

func (q *MemoryQueue) Update(op PendingOperation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.ops {
		if q.ops[i].ClientOpID == op.ClientOpID {
			q.ops[i] = op
			return nil
		}
	}
	return ErrOpNotFound
}

func (q *MemoryQueue) Remove(clientOpID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i := range q.ops {
		if q.ops[i].ClientOpID == clientOpID {
			q.ops = append(q.ops[:i], q.ops[i+1:]...)
			return nil
		}
	}
	return ErrOpNotFound
}

func (q *MemoryQueue) List() ([]PendingOperation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingOperation, len(q.ops))
	copy(out, q.ops)
	return out, nil
}

func (q *MemoryQueue) Close() error { return nil }

var _ Queue = (*MemoryQueue)(nil)
