package ledger

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory ledger store for development and tests.
// A single lock covers the balance update, the record append and the
// sequence counter.
type MemoryStore struct {
	mu       sync.RWMutex
	balances map[string]*Balance
	records  []*MutationRecord
	byOpID   map[string]*MutationRecord
	seq      int64
	now      func() time.Time
}

// NewMemoryStore creates a new in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		balances: make(map[string]*Balance),
		byOpID:   make(map[string]*MutationRecord),
		now:      time.Now,
	}
}

func (m *MemoryStore) Apply(ctx context.Context, mut Mutation) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, storeError("apply", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if mut.ClientOpID != "" {
		if rec, ok := m.byOpID[mut.ClientOpID]; ok {
			cp := *rec
			return duplicateOf(&cp), nil
		}
	}

	bal, ok := m.balances[mut.ChildKey]
	if !ok {
		bal = &Balance{ChildKey: mut.ChildKey}
		m.balances[mut.ChildKey] = bal
	}

	signed := mut.Signed()
	next, applied, clamped := clamp(bal.Value, signed)
	now := m.now().UTC()

	m.seq++
	rec := &MutationRecord{
		SequenceID:   m.seq,
		ChildKey:     mut.ChildKey,
		Direction:    mut.Direction,
		Delta:        signed,
		AppliedDelta: applied,
		BalanceAfter: next,
		Clamped:      clamped,
		Reason:       mut.Reason,
		ClientOpID:   mut.ClientOpID,
		OccurredAt:   now,
	}
	m.records = append(m.records, rec)
	if mut.ClientOpID != "" {
		m.byOpID[mut.ClientOpID] = rec
	}

	bal.Value = next
	bal.LastSequenceID = rec.SequenceID
	bal.UpdatedAt = now

	cp := *rec
	return &Result{NewTotal: next, Clamped: clamped, Record: &cp}, nil
}

func (m *MemoryStore) GetBalance(ctx context.Context, childKey string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if bal, ok := m.balances[childKey]; ok {
		cp := *bal
		return &cp, nil
	}
	return &Balance{ChildKey: childKey}, nil
}

func (m *MemoryStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	snap := &Snapshot{
		Balances:       make(map[string]int64, len(m.balances)),
		Sequences:      make(map[string]int64, len(m.balances)),
		LastSequenceID: m.seq,
		FetchedAt:      m.now().UTC(),
	}
	for k, b := range m.balances {
		snap.Balances[k] = b.Value
		snap.Sequences[k] = b.LastSequenceID
	}
	return snap, nil
}

func (m *MemoryStore) History(ctx context.Context, q HistoryQuery) ([]*MutationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*MutationRecord, 0, q.Limit)
	for i := len(m.records) - 1; i >= 0 && len(out) < q.Limit; i-- {
		r := m.records[i]
		if q.BeforeSeq > 0 && r.SequenceID >= q.BeforeSeq {
			continue
		}
		if q.ChildKey != "" && r.ChildKey != q.ChildKey {
			continue
		}
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// Record returns the mutation committed under seq. Sequence IDs are dense
// from 1, so the record sits at index seq-1.
func (m *MemoryStore) Record(ctx context.Context, seq int64) (*MutationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if seq < 1 || seq > int64(len(m.records)) {
		return nil, ErrRecordNotFound
	}
	cp := *m.records[seq-1]
	return &cp, nil
}

func (m *MemoryStore) Records(ctx context.Context, childKey string) ([]*MutationRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*MutationRecord
	for _, r := range m.records {
		if r.ChildKey == childKey {
			cp := *r
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SequenceID < out[j].SequenceID })
	return out, nil
}

func (m *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
