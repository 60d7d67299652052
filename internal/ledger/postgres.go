package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// advisoryLockKey is a stable PostgreSQL advisory lock key used to serialise
// concurrent Append calls. The value is arbitrary but must be consistent
// across all instances writing to the same database.
const advisoryLockKey = int64(7_214_509_861)

// pgUniqueViolation is the PostgreSQL error code for unique_violation.
const pgUniqueViolation = "23505"

// PostgresStore persists the event log to a PostgreSQL database.
// It implements the Store interface.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Append implements Store.
// It acquires a PostgreSQL advisory lock, reads the chain tail, computes the
// new event hash, and inserts it — all within a single transaction. The lock
// makes sequence assignment the single serialization point across instances.
func (s *PostgresStore) Append(ctx context.Context, e *Event) (int64, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	// Serialise concurrent appends with a transaction-scoped advisory lock.
	// The lock is automatically released when the transaction commits or rolls back.
	if _, err := tx.Exec(ctx, "SELECT pg_advisory_xact_lock($1)", advisoryLockKey); err != nil {
		return 0, fmt.Errorf("acquire advisory lock: %w", err)
	}

	// Read the current tail of the chain.
	var prevSeq int64
	var prevHash string
	if err := tx.QueryRow(ctx,
		"SELECT seq, hash FROM ledger_events ORDER BY seq DESC LIMIT 1",
	).Scan(&prevSeq, &prevHash); err != nil {
		return 0, fmt.Errorf("read ledger tail: %w", err)
	}

	e.Seq = prevSeq + 1
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.RecordedAt.IsZero() {
		e.RecordedAt = time.Now().UTC()
	}
	e.PrevHash = prevHash
	e.Hash = hashEvent(e)

	if _, err := tx.Exec(ctx,
		`INSERT INTO ledger_events (seq, id, kind, delegation_id, position_id, agent_id, idempotency_key, recorded_at, payload, prev_hash, hash)
		 VALUES ($1, $2, $3, $4, $5, $6, NULLIF($7, ''), $8, $9, $10, $11)`,
		e.Seq, e.ID, string(e.Kind), e.DelegationID, e.PositionID, e.AgentID,
		e.IdempotencyKey, e.RecordedAt, e.Payload, e.PrevHash, e.Hash,
	); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation {
			return 0, ErrDuplicateIdempotencyKey
		}
		return 0, fmt.Errorf("insert ledger event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit ledger tx: %w", err)
	}

	s.logger.Debug("ledger event appended",
		zap.Int64("seq", e.Seq),
		zap.String("kind", string(e.Kind)),
		zap.String("delegation_id", e.DelegationID.String()),
	)
	return e.Seq, nil
}

const eventColumns = "seq, id, kind, delegation_id, position_id, agent_id, COALESCE(idempotency_key, ''), recorded_at, payload, prev_hash, hash"

func scanEvent(row pgx.Row) (*Event, error) {
	e := &Event{}
	var kind string
	if err := row.Scan(
		&e.Seq, &e.ID, &kind, &e.DelegationID, &e.PositionID, &e.AgentID,
		&e.IdempotencyKey, &e.RecordedAt, &e.Payload, &e.PrevHash, &e.Hash,
	); err != nil {
		return nil, err
	}
	e.Kind = Kind(kind)
	return e, nil
}

// ReadSince implements Store.
func (s *PostgresStore) ReadSince(ctx context.Context, afterSeq int64, limit int) ([]*Event, error) {
	query := "SELECT " + eventColumns + " FROM ledger_events WHERE seq > $1 AND kind <> 'genesis' ORDER BY seq ASC"
	args := []any{afterSeq}
	if limit > 0 {
		query += " LIMIT $2"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query ledger events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan ledger event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, seq int64) (*Event, error) {
	e, err := scanEvent(s.pool.QueryRow(ctx,
		"SELECT "+eventColumns+" FROM ledger_events WHERE seq = $1", seq,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get ledger event %d: %w", seq, err)
	}
	return e, nil
}

// ByIdempotencyKey implements Store.
func (s *PostgresStore) ByIdempotencyKey(ctx context.Context, key string) (*Event, error) {
	e, err := scanEvent(s.pool.QueryRow(ctx,
		"SELECT "+eventColumns+" FROM ledger_events WHERE idempotency_key = $1", key,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get ledger event by key: %w", err)
	}
	return e, nil
}

// Head implements Store.
func (s *PostgresStore) Head(ctx context.Context) (int64, error) {
	var seq int64
	if err := s.pool.QueryRow(ctx,
		"SELECT seq FROM ledger_events ORDER BY seq DESC LIMIT 1",
	).Scan(&seq); err != nil {
		return 0, fmt.Errorf("get ledger head: %w", err)
	}
	return seq, nil
}

// Verify implements Store. It streams all rows ordered by seq and validates
// the hash chain. O(n) in ledger length; may be slow for very large ledgers.
func (s *PostgresStore) Verify(ctx context.Context) error {
	rows, err := s.pool.Query(ctx,
		"SELECT "+eventColumns+" FROM ledger_events ORDER BY seq ASC",
	)
	if err != nil {
		return fmt.Errorf("query ledger: %w", err)
	}
	defer rows.Close()

	var prev *Event
	for rows.Next() {
		curr, err := scanEvent(rows)
		if err != nil {
			return fmt.Errorf("scan ledger row: %w", err)
		}

		if prev == nil {
			// Validate genesis: hash must be the well-known constant.
			if curr.Hash != GenesisHash {
				return errGenesisHash(curr.Hash)
			}
			prev = curr
			continue
		}

		if curr.PrevHash != prev.Hash {
			return errChainBroken(curr.Seq)
		}
		if curr.Hash != hashEvent(curr) {
			return errBadHash(curr.Seq)
		}
		prev = curr
	}
	return rows.Err()
}

// Root implements Store.
func (s *PostgresStore) Root(ctx context.Context) (string, error) {
	var hash string
	if err := s.pool.QueryRow(ctx,
		"SELECT hash FROM ledger_events ORDER BY seq DESC LIMIT 1",
	).Scan(&hash); err != nil {
		return "", fmt.Errorf("get ledger root: %w", err)
	}
	return hash, nil
}
