package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/pointsync/internal/logging"
	"github.com/mbd888/pointsync/internal/pagination"
	"github.com/mbd888/pointsync/internal/syncutil"
	"github.com/mbd888/pointsync/internal/traces"
	"github.com/mbd888/pointsync/internal/validation"
)

// storeError wraps a store failure so it matches ErrStoreUnavailable.
func storeError(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// Limits bound accepted mutations.
type Limits struct {
	MaxDelta          int64
	MaxReasonLength   int
	MaxChildKeyLength int
}

// DefaultLimits returns the stock mutation bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxDelta:          DefaultMaxDelta,
		MaxReasonLength:   DefaultMaxReasonLength,
		MaxChildKeyLength: DefaultMaxChildKeyLength,
	}
}

// Service validates and applies mutations and serves reads.
type Service struct {
	store        Store
	publisher    Publisher
	locks        *syncutil.ContextShardedMutex
	limits       Limits
	storeTimeout time.Duration
	logger       *slog.Logger
}

// Option configures a Service.
type Option func(*Service)

// WithPublisher sets where committed mutations are broadcast.
func WithPublisher(p Publisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithLimits overrides the mutation bounds. Zero fields keep defaults.
func WithLimits(l Limits) Option {
	return func(s *Service) {
		if l.MaxDelta > 0 {
			s.limits.MaxDelta = l.MaxDelta
		}
		if l.MaxReasonLength > 0 {
			s.limits.MaxReasonLength = l.MaxReasonLength
		}
		if l.MaxChildKeyLength > 0 {
			s.limits.MaxChildKeyLength = l.MaxChildKeyLength
		}
	}
}

// WithStoreTimeout bounds every store call.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.storeTimeout = d
		}
	}
}

// NewService creates a mutation service over store.
func NewService(store Store, logger *slog.Logger, opts ...Option) *Service {
	s := &Service{
		store:        store,
		locks:        syncutil.NewContextShardedMutex(),
		limits:       DefaultLimits(),
		storeTimeout: DefaultStoreTimeout,
		logger:       logger,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Store returns the underlying store.
func (s *Service) Store() Store {
	return s.store
}

// Limits returns the active mutation bounds.
func (s *Service) Limits() Limits {
	return s.limits
}

// Normalize validates m and returns it with the child key and reason
// cleaned up. Failures are *ValidationError.
func (s *Service) Normalize(m Mutation) (Mutation, error) {
	m.ChildKey = validation.NormalizeKey(m.ChildKey)
	m.Reason = validation.SanitizeString(m.Reason)
	m.ClientOpID = validation.SanitizeString(m.ClientOpID)

	err := validation.First(
		validation.Required("childKey", m.ChildKey),
		validation.MaxLength("childKey", m.ChildKey, s.limits.MaxChildKeyLength),
		validation.InRange("delta", m.Delta, 1, s.limits.MaxDelta),
		validation.Required("reason", m.Reason),
		validation.MaxLength("reason", m.Reason, s.limits.MaxReasonLength),
		validation.OneOf("direction", string(m.Direction), string(Credit), string(Debit)),
		validation.MaxLength("clientOpId", m.ClientOpID, 64),
	)
	return m, err
}

// Apply validates and commits one mutation, then publishes it to every
// session except originSession. Per child, apply and publish run under
// one lock so broadcasts leave in commit order.
func (s *Service) Apply(ctx context.Context, m Mutation, originSession string) (*Result, error) {
	m, err := s.Normalize(m)
	if err != nil {
		mutationsTotal.WithLabelValues(directionLabel(m.Direction), "rejected").Inc()
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "ledger.Apply",
		traces.ChildKey(m.ChildKey),
		traces.Delta(m.Signed()),
		traces.Direction(string(m.Direction)),
		traces.ClientOpID(m.ClientOpID),
	)
	defer span.End()
	done := observeOp("apply")
	defer done()

	storeCtx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	unlock, err := s.locks.LockContext(storeCtx, m.ChildKey)
	if err != nil {
		err = storeError("lock", err)
		traces.RecordError(span, err)
		mutationsTotal.WithLabelValues(string(m.Direction), "unavailable").Inc()
		return nil, err
	}
	defer unlock()

	res, err := s.store.Apply(storeCtx, m)
	if err != nil {
		if !errors.Is(err, ErrStoreUnavailable) {
			err = storeError("apply", err)
		}
		traces.RecordError(span, err)
		mutationsTotal.WithLabelValues(string(m.Direction), "unavailable").Inc()
		logging.L(ctx).Warn("mutation not applied", "child", m.ChildKey, "error", err)
		return nil, err
	}

	span.SetAttributes(traces.SequenceID(res.Record.SequenceID), traces.Clamped(res.Clamped))
	mutationsTotal.WithLabelValues(string(m.Direction), outcome(res)).Inc()

	if res.Duplicate {
		logging.L(ctx).Info("duplicate mutation ignored",
			"child", m.ChildKey, "client_op_id", m.ClientOpID, "sequence_id", res.Record.SequenceID)
		return res, nil
	}

	logging.L(ctx).Info("mutation applied",
		"child", m.ChildKey,
		"sequence_id", res.Record.SequenceID,
		"delta", res.Record.Delta,
		"applied_delta", res.Record.AppliedDelta,
		"new_total", res.NewTotal,
		"clamped", res.Clamped,
	)

	if s.publisher != nil {
		s.publisher.PublishMutation(ctx, res.Record, originSession)
	}
	return res, nil
}

// Balance returns one child's balance; unknown children are zero.
func (s *Service) Balance(ctx context.Context, childKey string) (*Balance, error) {
	childKey = validation.NormalizeKey(childKey)
	if err := validation.First(validation.Required("childKey", childKey)); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	bal, err := s.store.GetBalance(ctx, childKey)
	if err != nil {
		return nil, wrapStore("balance", err)
	}
	return bal, nil
}

// Snapshot returns every balance with the highest sequence reflected.
func (s *Service) Snapshot(ctx context.Context) (*Snapshot, error) {
	done := observeOp("snapshot")
	defer done()

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	snap, err := s.store.Snapshot(ctx)
	if err != nil {
		return nil, wrapStore("snapshot", err)
	}
	return snap, nil
}

// Record returns the mutation committed under seq, or ErrRecordNotFound.
func (s *Service) Record(ctx context.Context, seq int64) (*MutationRecord, error) {
	if seq <= 0 {
		return nil, ErrRecordNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	rec, err := s.store.Record(ctx, seq)
	if errors.Is(err, ErrRecordNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, wrapStore("record", err)
	}
	return rec, nil
}

// HistoryPage is one page of records, newest first.
type HistoryPage struct {
	Records    []*MutationRecord `json:"records"`
	NextCursor string            `json:"nextCursor,omitempty"`
	HasMore    bool              `json:"hasMore"`
}

// History pages through records newest first. cursor is the opaque value
// from a previous page's NextCursor.
func (s *Service) History(ctx context.Context, childKey string, limit int, cursor string) (*HistoryPage, error) {
	done := observeOp("history")
	defer done()

	childKey = validation.NormalizeKey(childKey)
	limit = pagination.ClampLimit(limit)

	c, err := pagination.Decode(cursor, childKey)
	if err != nil {
		return nil, &ValidationError{Field: "cursor", Message: "is invalid"}
	}
	q := HistoryQuery{ChildKey: childKey, Limit: limit + 1}
	if c != nil {
		q.BeforeSeq = c.BeforeSeq
	}

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	records, err := s.store.History(ctx, q)
	if err != nil {
		return nil, wrapStore("history", err)
	}

	page, next, more := pagination.ComputePage(records, limit, childKey, func(r *MutationRecord) int64 {
		return r.SequenceID
	})
	if page == nil {
		page = []*MutationRecord{}
	}
	return &HistoryPage{Records: page, NextCursor: next, HasMore: more}, nil
}

// Ping checks the store.
func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

func wrapStore(op string, err error) error {
	if errors.Is(err, ErrStoreUnavailable) {
		return err
	}
	return storeError(op, err)
}

func outcome(res *Result) string {
	switch {
	case res.Duplicate:
		return "duplicate"
	case res.Clamped:
		return "clamped"
	default:
		return "applied"
	}
}

func directionLabel(d Direction) string {
	if d.Valid() {
		return string(d)
	}
	return "invalid"
}
