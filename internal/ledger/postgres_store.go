package ledger

import (
	"context"
	"database/sql"
	"errors"

	"github.com/lib/pq"
)

const uniqueViolation = "23505"

const recordColumns = `sequence_id, child_key, direction, delta, applied_delta, balance_after,
	clamped, reason, COALESCE(client_op_id, ''), occurred_at`

// PostgresStore implements Store with PostgreSQL. The schema lives in
// migrations/ and is applied by cmd/migrate.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed ledger store
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Apply locks the child's balance row, applies the clamped increment and
// appends the record in one transaction.
func (p *PostgresStore) Apply(ctx context.Context, m Mutation) (*Result, error) {
	res, err := p.apply(ctx, m)
	if err == nil {
		return res, nil
	}

	// Two requests carrying the same ClientOpID for different children
	// can race past the lookup; the unique index catches the loser.
	var pqErr *pq.Error
	if m.ClientOpID != "" && errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		rec, lookupErr := p.recordByOpID(ctx, p.db, m.ClientOpID)
		if lookupErr == nil && rec != nil {
			return duplicateOf(rec), nil
		}
	}
	return nil, storeError("apply", err)
}

func (p *PostgresStore) apply(ctx context.Context, m Mutation) (*Result, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback() //nolint:errcheck

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO balances (child_key, value, updated_at)
		VALUES ($1, 0, NOW())
		ON CONFLICT (child_key) DO NOTHING
	`, m.ChildKey); err != nil {
		return nil, err
	}

	var previous int64
	if err := tx.QueryRowContext(ctx, `
		SELECT value FROM balances WHERE child_key = $1 FOR UPDATE
	`, m.ChildKey).Scan(&previous); err != nil {
		return nil, err
	}

	// Checked under the row lock so a replay of the same op for the same
	// child always sees the committed original.
	if m.ClientOpID != "" {
		rec, err := p.recordByOpID(ctx, tx, m.ClientOpID)
		if err != nil {
			return nil, err
		}
		if rec != nil {
			return duplicateOf(rec), nil
		}
	}

	signed := m.Signed()
	var next int64
	if err := tx.QueryRowContext(ctx, `
		UPDATE balances
		SET value = GREATEST(0, value + $2), updated_at = NOW()
		WHERE child_key = $1
		RETURNING value
	`, m.ChildKey, signed).Scan(&next); err != nil {
		return nil, err
	}

	applied := next - previous
	clamped := applied != signed

	rec := &MutationRecord{
		ChildKey:     m.ChildKey,
		Direction:    m.Direction,
		Delta:        signed,
		AppliedDelta: applied,
		BalanceAfter: next,
		Clamped:      clamped,
		Reason:       m.Reason,
		ClientOpID:   m.ClientOpID,
	}
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO mutation_records
			(child_key, direction, delta, applied_delta, balance_after, clamped, reason, client_op_id, occurred_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NOW())
		RETURNING sequence_id, occurred_at
	`, rec.ChildKey, string(rec.Direction), rec.Delta, rec.AppliedDelta, rec.BalanceAfter,
		rec.Clamped, rec.Reason, rec.ClientOpID,
	).Scan(&rec.SequenceID, &rec.OccurredAt); err != nil {
		return nil, err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE balances SET last_sequence_id = $2 WHERE child_key = $1
	`, m.ChildKey, rec.SequenceID); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &Result{NewTotal: next, Clamped: clamped, Record: rec}, nil
}

type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (p *PostgresStore) recordByOpID(ctx context.Context, q queryer, opID string) (*MutationRecord, error) {
	row := q.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM mutation_records WHERE client_op_id = $1`, opID)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return rec, err
}

func (p *PostgresStore) GetBalance(ctx context.Context, childKey string) (*Balance, error) {
	bal := &Balance{ChildKey: childKey}
	err := p.db.QueryRowContext(ctx, `
		SELECT value, last_sequence_id, updated_at FROM balances WHERE child_key = $1
	`, childKey).Scan(&bal.Value, &bal.LastSequenceID, &bal.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return &Balance{ChildKey: childKey}, nil
	}
	if err != nil {
		return nil, storeError("get balance", err)
	}
	return bal, nil
}

// Snapshot reads every balance in a single statement, so balances and
// sequences come from one MVCC snapshot.
func (p *PostgresStore) Snapshot(ctx context.Context) (*Snapshot, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT child_key, value, last_sequence_id, NOW() FROM balances
	`)
	if err != nil {
		return nil, storeError("snapshot", err)
	}
	defer rows.Close()

	snap := &Snapshot{Balances: map[string]int64{}, Sequences: map[string]int64{}}
	for rows.Next() {
		var key string
		var value, seq int64
		if err := rows.Scan(&key, &value, &seq, &snap.FetchedAt); err != nil {
			return nil, storeError("snapshot", err)
		}
		snap.Balances[key] = value
		snap.Sequences[key] = seq
		if seq > snap.LastSequenceID {
			snap.LastSequenceID = seq
		}
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("snapshot", err)
	}
	if snap.FetchedAt.IsZero() {
		if err := p.db.QueryRowContext(ctx, `SELECT NOW()`).Scan(&snap.FetchedAt); err != nil {
			return nil, storeError("snapshot", err)
		}
	}
	snap.FetchedAt = snap.FetchedAt.UTC()
	return snap, nil
}

func (p *PostgresStore) History(ctx context.Context, q HistoryQuery) ([]*MutationRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM mutation_records
		WHERE ($1::TEXT = '' OR child_key = $1::TEXT)
		  AND ($2::BIGINT = 0 OR sequence_id < $2)
		ORDER BY sequence_id DESC
		LIMIT $3
	`, q.ChildKey, q.BeforeSeq, q.Limit)
	if err != nil {
		return nil, storeError("history", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (p *PostgresStore) Records(ctx context.Context, childKey string) ([]*MutationRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+recordColumns+`
		FROM mutation_records
		WHERE child_key = $1
		ORDER BY sequence_id ASC
	`, childKey)
	if err != nil {
		return nil, storeError("records", err)
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (p *PostgresStore) Record(ctx context.Context, seq int64) (*MutationRecord, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM mutation_records WHERE sequence_id = $1`, seq)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, storeError("record", err)
	}
	return rec, nil
}

func (p *PostgresStore) Ping(ctx context.Context) error {
	if err := p.db.PingContext(ctx); err != nil {
		return storeError("ping", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (*MutationRecord, error) {
	rec := &MutationRecord{}
	var dir string
	err := row.Scan(&rec.SequenceID, &rec.ChildKey, &dir, &rec.Delta, &rec.AppliedDelta,
		&rec.BalanceAfter, &rec.Clamped, &rec.Reason, &rec.ClientOpID, &rec.OccurredAt)
	if err != nil {
		return nil, err
	}
	rec.Direction = Direction(dir)
	rec.OccurredAt = rec.OccurredAt.UTC()
	return rec, nil
}

func collectRecords(rows *sql.Rows) ([]*MutationRecord, error) {
	var out []*MutationRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storeError("scan record", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storeError("scan record", err)
	}
	return out, nil
}

// Compile-time assertion that PostgresStore implements Store.
var _ Store = (*PostgresStore)(nil)
