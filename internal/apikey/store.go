package apikey

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is the Postgres-backed KeyStore.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore creates a PostgresStore on the given pool.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

const keyColumns = `id, principal_id, name, tier, key_hash, prefix, created_at, last_used_at, revoked_at`

// Insert implements KeyStore.
func (s *PostgresStore) Insert(ctx context.Context, key *APIKey) error {
	query := `INSERT INTO api_keys (` + keyColumns + `)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err := s.db.Exec(ctx, query,
		key.ID, key.PrincipalID, key.Name, key.Tier, key.KeyHash, key.Prefix,
		key.CreatedAt, key.LastUsedAt, key.RevokedAt,
	)
	return err
}

// Get implements KeyStore.
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (*APIKey, error) {
	row := s.db.QueryRow(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE id = $1`, id)
	return scanKey(row)
}

// ListByPrefix implements KeyStore.
func (s *PostgresStore) ListByPrefix(ctx context.Context, prefix string) ([]*APIKey, error) {
	rows, err := s.db.Query(ctx, `SELECT `+keyColumns+` FROM api_keys WHERE prefix = $1`, prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectKeys(rows)
}

// ListByPrincipal implements KeyStore.
func (s *PostgresStore) ListByPrincipal(ctx context.Context, principalID string) ([]*APIKey, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE principal_id = $1 ORDER BY created_at DESC`,
		principalID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectKeys(rows)
}

// Touch implements KeyStore.
func (s *PostgresStore) Touch(ctx context.Context, id uuid.UUID, at time.Time) error {
	_, err := s.db.Exec(ctx, `UPDATE api_keys SET last_used_at = $2 WHERE id = $1`, id, at)
	return err
}

// Revoke implements KeyStore.
func (s *PostgresStore) Revoke(ctx context.Context, id uuid.UUID, at time.Time) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE api_keys SET revoked_at = $2 WHERE id = $1 AND revoked_at IS NULL`, id, at)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanKey(row rowScanner) (*APIKey, error) {
	var key APIKey
	err := row.Scan(
		&key.ID, &key.PrincipalID, &key.Name, &key.Tier, &key.KeyHash, &key.Prefix,
		&key.CreatedAt, &key.LastUsedAt, &key.RevokedAt,
	)
	if err != nil {
		return nil, ErrNotFound
	}
	return &key, nil
}

func collectKeys(rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}) ([]*APIKey, error) {
	var keys []*APIKey
	for rows.Next() {
		var key APIKey
		if err := rows.Scan(
			&key.ID, &key.PrincipalID, &key.Name, &key.Tier, &key.KeyHash, &key.Prefix,
			&key.CreatedAt, &key.LastUsedAt, &key.RevokedAt,
		); err != nil {
			return nil, err
		}
		keys = append(keys, &key)
	}
	return keys, rows.Err()
}

// MemoryStore is an in-memory KeyStore for development and tests.
type MemoryStore struct {
	mu   sync.RWMutex
	keys map[uuid.UUID]*APIKey
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{keys: make(map[uuid.UUID]*APIKey)}
}

// Insert implements KeyStore.
func (m *MemoryStore) Insert(_ context.Context, key *APIKey) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *key
	m.keys[key.ID] = &cp
	return nil
}

// Get implements KeyStore.
func (m *MemoryStore) Get(_ context.Context, id uuid.UUID) (*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.keys[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *key
	return &cp, nil
}

// ListByPrefix implements KeyStore.
func (m *MemoryStore) ListByPrefix(_ context.Context, prefix string) ([]*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*APIKey
	for _, key := range m.keys {
		if key.Prefix == prefix {
			cp := *key
			out = append(out, &cp)
		}
	}
	return out, nil
}

// ListByPrincipal implements KeyStore.
func (m *MemoryStore) ListByPrincipal(_ context.Context, principalID string) ([]*APIKey, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*APIKey
	for _, key := range m.keys {
		if key.PrincipalID == principalID {
			cp := *key
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Touch implements KeyStore.
func (m *MemoryStore) Touch(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[id]
	if !ok {
		return ErrNotFound
	}
	key.LastUsedAt = &at
	return nil
}

// Revoke implements KeyStore.
func (m *MemoryStore) Revoke(_ context.Context, id uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[id]
	if !ok || key.RevokedAt != nil {
		return ErrNotFound
	}
	key.RevokedAt = &at
	return nil
}
