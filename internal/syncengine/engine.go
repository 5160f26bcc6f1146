// Package syncengine keeps a client's view of the points ledger current.
// It applies mutations optimistically, commits them in order, queues
// them while the ledger is unreachable and merges pushes and periodic
// snapshots without double-applying anything.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/pointsync/internal/circuitbreaker"
	"github.com/mbd888/pointsync/internal/idgen"
	"github.com/mbd888/pointsync/internal/ledger"
	"github.com/mbd888/pointsync/internal/realtime"
	"github.com/mbd888/pointsync/internal/retry"
	"github.com/mbd888/pointsync/internal/syncutil"
	"github.com/mbd888/pointsync/internal/validation"
)

var (
	// ErrQueueFull is returned by Apply when the pending queue is at capacity.
	ErrQueueFull = errors.New("pending queue full")

	// ErrLedgerUnavailable wraps every transient commit or fetch failure.
	ErrLedgerUnavailable = errors.New("ledger unavailable")

	// ErrConflictStale marks a snapshot that lost to a newer commit or
	// fetch. It is counted, never returned.
	ErrConflictStale = errors.New("stale snapshot discarded")
)

const breakerKey = "ledger"

// Transport is the engine's view of the ledger service.
type Transport interface {
	Mutate(ctx context.Context, m ledger.Mutation) (*ledger.Result, error)
	Balances(ctx context.Context) (*ledger.Snapshot, error)
}

// BalanceView is what the UI shows for one child. Shown is the clamped
// replay of pending operations over Confirmed.
type BalanceView struct {
	ChildKey       string `json:"childKey"`
	Confirmed      int64  `json:"confirmed"`
	Shown          int64  `json:"shown"`
	Provisional    bool   `json:"provisional"`
	Pending        int    `json:"pending"`
	LastSequenceID int64  `json:"lastSequenceId"`
}

// Listener receives engine notifications. Calls are synchronous on the
// goroutine that caused them and are made without engine locks held.
type Listener interface {
	BalanceChanged(view BalanceView)
	ConnectivityChanged(offline bool)
	OperationRejected(op PendingOperation, err error)
	RetriesExhausted(op PendingOperation)
}

// NopListener ignores every notification.
type NopListener struct{}

func (NopListener) BalanceChanged(BalanceView)               {}
func (NopListener) ConnectivityChanged(bool)                 {}
func (NopListener) OperationRejected(PendingOperation, error) {}
func (NopListener) RetriesExhausted(PendingOperation)         {}

// Config tunes an Engine. Zero fields take the defaults.
type Config struct {
	SessionID        string
	ResyncInterval   time.Duration
	CallTimeout      time.Duration
	QueueCap         int
	MaxAttempts      int
	FreezeDuration   time.Duration
	HistoryLimit     int
	BreakerThreshold int
	BreakerCooldown  time.Duration
	Backoff          retry.Backoff
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		ResyncInterval:   2 * time.Minute,
		CallTimeout:      10 * time.Second,
		QueueCap:         100,
		MaxAttempts:      8,
		FreezeDuration:   DefaultFreezeDuration,
		HistoryLimit:     200,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
		Backoff:          retry.DefaultBackoff,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.SessionID == "" {
		c.SessionID = idgen.SessionID()
	}
	if c.ResyncInterval <= 0 {
		c.ResyncInterval = d.ResyncInterval
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	if c.QueueCap <= 0 {
		c.QueueCap = d.QueueCap
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.FreezeDuration <= 0 {
		c.FreezeDuration = d.FreezeDuration
	}
	if c.HistoryLimit <= 0 {
		c.HistoryLimit = d.HistoryLimit
	}
	if c.BreakerThreshold <= 0 {
		c.BreakerThreshold = d.BreakerThreshold
	}
	if c.BreakerCooldown <= 0 {
		c.BreakerCooldown = d.BreakerCooldown
	}
	if c.Backoff.Base <= 0 {
		c.Backoff = d.Backoff
	}
	return c
}

// Option configures an Engine.
type Option func(*Engine)

// WithQueue sets the pending-operation store (default MemoryQueue).
func WithQueue(q Queue) Option {
	return func(e *Engine) { e.queue = q }
}

// WithListener sets the notification sink.
func WithListener(l Listener) Option {
	return func(e *Engine) { e.listener = l }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithClock replaces time.Now for the freeze window and breaker.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// Outcome is where an applied operation ended up when Apply returned.
// Result is set only for confirmed operations.
type Outcome struct {
	Op     PendingOperation
	Result *ledger.Result
}

// Stats is a point-in-time summary of the engine.
type Stats struct {
	SessionID     string    `json:"sessionId"`
	Pending       int       `json:"pending"`
	Offline       bool      `json:"offline"`
	Frozen        bool      `json:"frozen"`
	StaleDiscards int64     `json:"staleDiscards"`
	LastCommitAt  time.Time `json:"lastCommitAt"`
	LastResyncAt  time.Time `json:"lastResyncAt"`
}

// resolution records how a watched operation left the queue.
type resolution struct {
	out Outcome
	err error
}

type childState struct {
	confirmed int64
	lastSeq   int64
	seqTick   uint64 // clock when lastSeq was learned
}

// Engine is one client's sync state. Mutating flows (commit and flush)
// are serialized by flow; all state is guarded by mu, which is never
// held across a network call.
type Engine struct {
	cfg       Config
	transport Transport
	queue     Queue
	listener  Listener
	logger    *slog.Logger
	now       func() time.Time
	breaker   *circuitbreaker.Breaker
	freeze    *FreezeWindow

	flow syncutil.ContextMutex

	mu             sync.RWMutex
	children       map[string]*childState
	pending        []PendingOperation
	waiting        map[string]*resolution
	history        []ledger.MutationRecord
	offline        bool
	failures       int
	clock          uint64
	lastCommitTick uint64
	lastFetchTick  uint64
	lastCommitAt   time.Time
	lastResyncAt   time.Time
	resyncDeferred bool
	staleDiscards  int64

	resyncCh chan struct{}
	flushCh  chan struct{}
	deferCh  chan struct{}
	retryCh  chan time.Duration
}

// New creates an engine and restores any operations left in the queue.
func New(transport Transport, cfg Config, opts ...Option) (*Engine, error) {
	e := &Engine{
		cfg:       cfg.withDefaults(),
		transport: transport,
		listener:  NopListener{},
		logger:    slog.Default(),
		now:       time.Now,
		children:  make(map[string]*childState),
		waiting:   make(map[string]*resolution),
		resyncCh:  make(chan struct{}, 1),
		flushCh:   make(chan struct{}, 1),
		deferCh:   make(chan struct{}, 1),
		retryCh:   make(chan time.Duration, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.queue == nil {
		e.queue = NewMemoryQueue()
	}
	e.freeze = NewFreezeWindow(e.cfg.FreezeDuration, e.now)
	e.breaker = circuitbreaker.New(e.cfg.BreakerThreshold, e.cfg.BreakerCooldown, circuitbreaker.WithClock(e.now))
	e.logger = e.logger.With("component", "syncengine", "session_id", e.cfg.SessionID)

	restored, err := e.queue.List()
	if err != nil {
		return nil, fmt.Errorf("restore pending queue: %w", err)
	}
	for _, op := range restored {
		if op.State != StateQueued {
			op.State = StateQueued
			if err := e.queue.Update(op); err != nil {
				e.logger.Warn("failed to persist restored operation", "client_op_id", op.ClientOpID, "error", err)
			}
		}
		e.pending = append(e.pending, op)
	}
	if len(restored) > 0 {
		e.logger.Info("restored pending operations", "count", len(restored))
		e.poke(e.flushCh)
	}
	return e, nil
}

// SessionID identifies this engine on the push channel.
func (e *Engine) SessionID() string {
	return e.cfg.SessionID
}

// Apply validates and optimistically applies a mutation, then commits the
// queue in order. Transient failures leave the operation queued and are
// not errors; validation failures and ErrQueueFull are.
func (e *Engine) Apply(ctx context.Context, childKey string, direction ledger.Direction, delta int64, reason string) (*Outcome, error) {
	childKey = validation.NormalizeKey(childKey)
	reason = validation.SanitizeString(reason)
	if err := validation.First(
		validation.Required("childKey", childKey),
		validation.InRange("delta", delta, 1, math.MaxInt32),
		validation.Required("reason", reason),
		validation.OneOf("direction", string(direction), string(ledger.Credit), string(ledger.Debit)),
	); err != nil {
		return nil, err
	}

	op := PendingOperation{
		ClientOpID: idgen.ClientOpID(),
		ChildKey:   childKey,
		Delta:      delta,
		Reason:     reason,
		Direction:  direction,
		CreatedAt:  e.now().UTC(),
		State:      StateOptimistic,
	}

	e.mu.Lock()
	if len(e.pending) >= e.cfg.QueueCap {
		e.mu.Unlock()
		return nil, ErrQueueFull
	}
	if err := e.queue.Push(op); err != nil {
		e.mu.Unlock()
		return nil, fmt.Errorf("queue operation: %w", err)
	}
	e.pending = append(e.pending, op)
	e.waiting[op.ClientOpID] = nil
	view := e.viewLocked(childKey)
	e.mu.Unlock()
	e.listener.BalanceChanged(view)

	err := e.flush(ctx)

	e.mu.Lock()
	res := e.waiting[op.ClientOpID]
	delete(e.waiting, op.ClientOpID)
	if res == nil {
		for _, p := range e.pending {
			if p.ClientOpID == op.ClientOpID {
				res = &resolution{out: Outcome{Op: p}}
				break
			}
		}
	}
	e.mu.Unlock()

	if err != nil {
		e.logger.Debug("operation left queued", "client_op_id", op.ClientOpID, "error", err)
		if ctx.Err() != nil {
			e.poke(e.flushCh)
		}
	}
	if res == nil {
		return &Outcome{Op: op}, nil
	}
	return &res.out, res.err
}

// Flush commits queued operations in order and stops at the first
// transient failure, which is returned wrapped in ErrLedgerUnavailable.
func (e *Engine) Flush(ctx context.Context) error {
	return e.flush(ctx)
}

func (e *Engine) flush(ctx context.Context) error {
	unlock, err := e.flow.LockContext(ctx)
	if err != nil {
		return err
	}
	defer unlock()

	for {
		op, ok := e.head()
		if !ok {
			return nil
		}

		if !e.breaker.Allow(breakerKey) {
			e.park(op, nil)
			return fmt.Errorf("%w: circuit open", ErrLedgerUnavailable)
		}

		if op.Attempts > 0 {
			op.State = StateRetrying
		} else {
			op.State = StateCommitting
		}
		op.Attempts++
		e.updateOp(op)

		callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
		res, err := e.transport.Mutate(callCtx, op.Mutation())
		cancel()

		switch {
		case err == nil:
			e.breaker.RecordSuccess(breakerKey)
			op.State = StateConfirmed
			op.LastError = ""
			e.confirm(op, res)
		case errors.Is(err, ledger.ErrValidation):
			// The ledger answered, so it is reachable.
			e.breaker.RecordSuccess(breakerKey)
			op.State = StateRejected
			op.LastError = err.Error()
			e.reject(op, err)
		default:
			e.breaker.RecordFailure(breakerKey)
			e.park(op, err)
			return fmt.Errorf("commit %s: %w: %w", op.ClientOpID, ErrLedgerUnavailable, err)
		}
	}
}

func (e *Engine) head() (PendingOperation, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if len(e.pending) == 0 {
		return PendingOperation{}, false
	}
	return e.pending[0], true
}

// updateOp replaces the in-memory copy and writes it through.
func (e *Engine) updateOp(op PendingOperation) {
	e.mu.Lock()
	for i := range e.pending {
		if e.pending[i].ClientOpID == op.ClientOpID {
			e.pending[i] = op
			break
		}
	}
	e.mu.Unlock()
	if err := e.queue.Update(op); err != nil {
		e.logger.Warn("failed to persist operation state", "client_op_id", op.ClientOpID, "error", err)
	}
}

func (e *Engine) removeLocked(id string) {
	for i := range e.pending {
		if e.pending[i].ClientOpID == id {
			e.pending = append(e.pending[:i], e.pending[i+1:]...)
			break
		}
	}
	if err := e.queue.Remove(id); err != nil && !errors.Is(err, ErrOpNotFound) {
		e.logger.Warn("failed to remove operation from queue", "client_op_id", id, "error", err)
	}
}

// resolveLocked hands the final state to an Apply waiting on op.
func (e *Engine) resolveLocked(op PendingOperation, res *ledger.Result, err error) {
	if _, ok := e.waiting[op.ClientOpID]; ok {
		e.waiting[op.ClientOpID] = &resolution{out: Outcome{Op: op, Result: res}, err: err}
	}
}

func (e *Engine) confirm(op PendingOperation, res *ledger.Result) {
	e.mu.Lock()
	e.removeLocked(op.ClientOpID)
	e.resolveLocked(op, res, nil)
	st := e.childLocked(op.ChildKey)
	if rec := res.Record; rec != nil {
		if rec.SequenceID > st.lastSeq {
			st.confirmed = res.NewTotal
			st.lastSeq = rec.SequenceID
			st.seqTick = e.clock + 1
		}
		e.appendHistoryLocked(*rec)
	}
	e.clock++
	e.lastCommitTick = e.clock
	e.lastCommitAt = e.now().UTC()
	e.failures = 0
	wasOffline := e.offline
	e.offline = false
	view := e.viewLocked(op.ChildKey)
	e.mu.Unlock()

	e.logger.Debug("operation confirmed",
		"client_op_id", op.ClientOpID, "child", op.ChildKey, "new_total", res.NewTotal, "duplicate", res.Duplicate)
	e.listener.BalanceChanged(view)
	if wasOffline {
		e.listener.ConnectivityChanged(false)
	}
}

func (e *Engine) reject(op PendingOperation, err error) {
	e.mu.Lock()
	e.removeLocked(op.ClientOpID)
	e.resolveLocked(op, nil, err)
	view := e.viewLocked(op.ChildKey)
	e.mu.Unlock()

	e.logger.Warn("operation rejected", "client_op_id", op.ClientOpID, "child", op.ChildKey, "error", err)
	e.listener.OperationRejected(op, err)
	e.listener.BalanceChanged(view)
}

// park leaves op queued after a failed or skipped attempt and schedules a
// retry. A nil cause means the attempt was short-circuited.
func (e *Engine) park(op PendingOperation, cause error) {
	op.State = StateQueued
	if cause != nil {
		op.LastError = cause.Error()
	}
	e.updateOp(op)
	e.queueWaiting()

	e.mu.Lock()
	if cause != nil {
		e.failures++
	}
	delay := e.cfg.Backoff.Delay(e.failures)
	wasOffline := e.offline
	e.offline = true
	e.mu.Unlock()

	if cause != nil {
		e.logger.Info("commit failed, operation queued",
			"client_op_id", op.ClientOpID, "attempts", op.Attempts, "retry_in", delay, "error", cause)
	}
	if !wasOffline {
		e.listener.ConnectivityChanged(true)
	}
	if cause != nil && op.Attempts == e.cfg.MaxAttempts {
		e.logger.Warn("operation retries exhausted", "client_op_id", op.ClientOpID, "attempts", op.Attempts)
		e.listener.RetriesExhausted(op)
	}
	e.scheduleRetry(delay)
}

// queueWaiting moves operations still in optimistic state behind a
// blocked head to queued.
func (e *Engine) queueWaiting() {
	e.mu.Lock()
	var moved []PendingOperation
	for i := range e.pending {
		if e.pending[i].State == StateOptimistic {
			e.pending[i].State = StateQueued
			moved = append(moved, e.pending[i])
		}
	}
	e.mu.Unlock()
	for _, op := range moved {
		if err := e.queue.Update(op); err != nil {
			e.logger.Warn("failed to persist operation state", "client_op_id", op.ClientOpID, "error", err)
		}
	}
}

func (e *Engine) scheduleRetry(d time.Duration) {
	select {
	case <-e.retryCh:
	default:
	}
	select {
	case e.retryCh <- d:
	default:
	}
}

func (e *Engine) poke(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

// Resync flushes the queue and then replaces confirmed values with the
// ledger's snapshot. It is a no-op while an edit is in progress; the
// skipped resync runs on EndEdit.
func (e *Engine) Resync(ctx context.Context) error {
	if e.freeze.Active() {
		e.deferResync()
		e.logger.Debug("resync deferred while editing")
		return nil
	}

	if e.PendingCount() > 0 {
		if err := e.Flush(ctx); err != nil {
			e.logger.Debug("flush before resync incomplete", "error", err)
		}
	}

	if !e.breaker.Allow(breakerKey) {
		return fmt.Errorf("fetch balances: %w: circuit open", ErrLedgerUnavailable)
	}

	e.mu.Lock()
	e.clock++
	tick := e.clock
	e.resyncDeferred = false
	e.mu.Unlock()

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.CallTimeout)
	snap, err := e.transport.Balances(callCtx)
	cancel()
	if err != nil {
		e.breaker.RecordFailure(breakerKey)
		e.setOffline(true)
		return fmt.Errorf("fetch balances: %w: %w", ErrLedgerUnavailable, err)
	}
	e.breaker.RecordSuccess(breakerKey)

	if err := e.applySnapshot(tick, snap); err != nil && !errors.Is(err, ErrConflictStale) {
		return err
	}
	return nil
}

// applySnapshot merges a fetch issued at tick. A fetch issued before the
// last commit, or older than one already applied, is discarded whole.
// Per child, a sequence older than what is known is ignored, unless the
// known sequence was learned before the fetch and is still beyond the
// ledger's last sequence: the ledger never issued it.
func (e *Engine) applySnapshot(tick uint64, snap *ledger.Snapshot) error {
	e.mu.Lock()
	if tick < e.lastCommitTick || tick < e.lastFetchTick {
		e.staleDiscards++
		e.mu.Unlock()
		e.logger.Debug("discarding stale snapshot", "fetch_tick", tick, "snapshot_seq", snap.LastSequenceID)
		return ErrConflictStale
	}
	e.lastFetchTick = tick
	e.lastResyncAt = e.now().UTC()

	keys := make([]string, 0, len(snap.Balances))
	for k := range snap.Balances {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var changed []BalanceView
	for _, child := range keys {
		value := snap.Balances[child]
		seq := snap.Sequences[child]
		st, known := e.children[child]
		if known && seq < st.lastSeq && !(st.lastSeq > snap.LastSequenceID && st.seqTick < tick) {
			continue
		}
		if known && st.confirmed == value && st.lastSeq == seq {
			continue
		}
		if known && seq < st.lastSeq {
			e.logger.Warn("replacing sequence the ledger never issued",
				"child", child, "known_seq", st.lastSeq, "ledger_seq", snap.LastSequenceID)
		}
		st = e.childLocked(child)
		st.confirmed = value
		st.lastSeq = seq
		st.seqTick = tick
		changed = append(changed, e.viewLocked(child))
	}
	wasOffline := e.offline
	e.offline = false
	e.mu.Unlock()

	for _, v := range changed {
		e.listener.BalanceChanged(v)
	}
	if wasOffline {
		e.listener.ConnectivityChanged(false)
	}
	return nil
}

func (e *Engine) setOffline(v bool) {
	e.mu.Lock()
	changed := e.offline != v
	e.offline = v
	e.mu.Unlock()
	if changed {
		e.listener.ConnectivityChanged(v)
	}
}

// Deliver merges a push-channel event. Safe to call from any goroutine.
func (e *Engine) Deliver(ev realtime.Event) {
	switch ev := ev.(type) {
	case realtime.MutationApplied:
		e.applyPush(ev)
	case realtime.ResyncRequired:
		e.RequestResync()
	}
}

func (e *Engine) applyPush(ev realtime.MutationApplied) {
	if ev.OriginSessionID != "" && ev.OriginSessionID == e.cfg.SessionID {
		return
	}
	if e.freeze.Active() {
		e.deferResync()
		return
	}

	childKey := validation.NormalizeKey(ev.ChildKey)
	e.mu.Lock()
	if ev.ClientOpID != "" {
		for _, op := range e.pending {
			if op.ClientOpID == ev.ClientOpID {
				// Our own commit, echoed before its response arrived.
				e.mu.Unlock()
				return
			}
		}
	}
	st := e.childLocked(childKey)
	if ev.SequenceID <= st.lastSeq {
		e.mu.Unlock()
		return
	}
	st.confirmed = ev.NewTotal
	st.lastSeq = ev.SequenceID
	st.seqTick = e.clock
	e.appendHistoryLocked(recordFromEvent(childKey, ev))
	view := e.viewLocked(childKey)
	e.mu.Unlock()

	e.listener.BalanceChanged(view)
}

func recordFromEvent(childKey string, ev realtime.MutationApplied) ledger.MutationRecord {
	return ledger.MutationRecord{
		SequenceID:   ev.SequenceID,
		ChildKey:     childKey,
		Direction:    ledger.Direction(ev.Direction),
		Delta:        ev.Delta,
		AppliedDelta: ev.AppliedDelta,
		BalanceAfter: ev.NewTotal,
		Clamped:      ev.Clamped,
		Reason:       ev.Reason,
		ClientOpID:   ev.ClientOpID,
		OccurredAt:   ev.OccurredAt,
	}
}

// deferResync records a resync skipped while frozen. It runs when the
// window ends, through EndEdit or expiry.
func (e *Engine) deferResync() {
	e.mu.Lock()
	e.resyncDeferred = true
	e.mu.Unlock()
	e.poke(e.deferCh)
}

// RequestResync asks Run to resync soon.
func (e *Engine) RequestResync() {
	e.poke(e.resyncCh)
}

// BeginEdit freezes resync for the freeze duration.
func (e *Engine) BeginEdit() {
	e.freeze.Begin()
}

// EndEdit lifts the freeze and runs any resync skipped meanwhile.
func (e *Engine) EndEdit() {
	e.freeze.End()
	e.mu.Lock()
	deferred := e.resyncDeferred
	e.mu.Unlock()
	if deferred {
		e.RequestResync()
	}
}

// Run drives periodic resync, push-triggered resync and queued retries
// until ctx is done. It resyncs once on start.
func (e *Engine) Run(ctx context.Context) error {
	ticker := time.NewTicker(e.cfg.ResyncInterval)
	defer ticker.Stop()

	var (
		retryTimer  *time.Timer
		retryC      <-chan time.Time
		freezeTimer *time.Timer
		freezeC     <-chan time.Time
	)
	defer func() {
		if retryTimer != nil {
			retryTimer.Stop()
		}
		if freezeTimer != nil {
			freezeTimer.Stop()
		}
	}()

	e.runResync(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			e.runResync(ctx)
		case <-e.resyncCh:
			e.runResync(ctx)
		case <-e.flushCh:
			e.runFlush(ctx)
		case d := <-e.retryCh:
			if retryTimer != nil {
				retryTimer.Stop()
			}
			retryTimer = time.NewTimer(d)
			retryC = retryTimer.C
		case <-retryC:
			retryC = nil
			e.runFlush(ctx)
		case <-e.deferCh:
			freezeC = e.watchFreeze(&freezeTimer)
		case <-freezeC:
			freezeC = e.watchFreeze(&freezeTimer)
		}
	}
}

// watchFreeze arms timer for the end of the freeze window. Once the window
// is over it requests the deferred resync, if any, and returns nil.
func (e *Engine) watchFreeze(timer **time.Timer) <-chan time.Time {
	if *timer != nil {
		(*timer).Stop()
	}
	until := e.freeze.Until()
	if until.IsZero() {
		e.mu.RLock()
		deferred := e.resyncDeferred
		e.mu.RUnlock()
		if deferred {
			e.RequestResync()
		}
		return nil
	}
	*timer = time.NewTimer(until.Sub(e.now()))
	return (*timer).C
}

func (e *Engine) runResync(ctx context.Context) {
	if err := e.Resync(ctx); err != nil && ctx.Err() == nil {
		e.logger.Info("resync failed", "error", err)
	}
}

func (e *Engine) runFlush(ctx context.Context) {
	if e.PendingCount() == 0 {
		return
	}
	if err := e.Flush(ctx); err != nil && ctx.Err() == nil {
		e.logger.Debug("retry flush incomplete", "error", err)
	}
}

func (e *Engine) childLocked(childKey string) *childState {
	st, ok := e.children[childKey]
	if !ok {
		st = &childState{}
		e.children[childKey] = st
	}
	return st
}

func (e *Engine) viewLocked(childKey string) BalanceView {
	v := BalanceView{ChildKey: childKey}
	if st, ok := e.children[childKey]; ok {
		v.Confirmed = st.confirmed
		v.LastSequenceID = st.lastSeq
	}
	v.Shown = v.Confirmed
	for _, op := range e.pending {
		if op.ChildKey != childKey {
			continue
		}
		v.Shown = max(0, v.Shown+op.Signed())
		v.Pending++
	}
	v.Provisional = v.Pending > 0
	return v
}

// appendHistoryLocked keeps history newest first, unique by sequence and
// bounded by HistoryLimit.
func (e *Engine) appendHistoryLocked(rec ledger.MutationRecord) {
	i := sort.Search(len(e.history), func(i int) bool {
		return e.history[i].SequenceID <= rec.SequenceID
	})
	if i < len(e.history) && e.history[i].SequenceID == rec.SequenceID {
		return
	}
	e.history = append(e.history, ledger.MutationRecord{})
	copy(e.history[i+1:], e.history[i:])
	e.history[i] = rec
	if len(e.history) > e.cfg.HistoryLimit {
		e.history = e.history[:e.cfg.HistoryLimit]
	}
}

// Balance returns the view for one child.
func (e *Engine) Balance(childKey string) BalanceView {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.viewLocked(validation.NormalizeKey(childKey))
}

// Balances returns every known child, sorted by key. Children that only
// have pending operations are included.
func (e *Engine) Balances() []BalanceView {
	e.mu.RLock()
	defer e.mu.RUnlock()

	seen := make(map[string]struct{}, len(e.children))
	for k := range e.children {
		seen[k] = struct{}{}
	}
	for _, op := range e.pending {
		seen[op.ChildKey] = struct{}{}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make([]BalanceView, 0, len(keys))
	for _, k := range keys {
		out = append(out, e.viewLocked(k))
	}
	return out
}

// History returns confirmed records seen by this engine, newest first.
func (e *Engine) History() []ledger.MutationRecord {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]ledger.MutationRecord, len(e.history))
	copy(out, e.history)
	return out
}

// Pending returns a copy of the queue in submission order.
func (e *Engine) Pending() []PendingOperation {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]PendingOperation, len(e.pending))
	copy(out, e.pending)
	return out
}

// PendingCount returns the queue length.
func (e *Engine) PendingCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.pending)
}

// Offline reports whether the last ledger call failed.
func (e *Engine) Offline() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.offline
}

// Stats returns a summary of the engine.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return Stats{
		SessionID:     e.cfg.SessionID,
		Pending:       len(e.pending),
		Offline:       e.offline,
		Frozen:        e.freeze.Active(),
		StaleDiscards: e.staleDiscards,
		LastCommitAt:  e.lastCommitAt,
		LastResyncAt:  e.lastResyncAt,
	}
}
