package apikey

import (
	"context"
	"database/sql"

	"github.com/lib/pq"
)

// PostgresStore persists API keys in the credential database.
type PostgresStore struct {
	db *sql.DB
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore ensures the api_keys table exists.
func NewPostgresStore(db *sql.DB) (*PostgresStore, error) {
	store := &PostgresStore{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

func (s *PostgresStore) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS api_keys (
		id VARCHAR(64) PRIMARY KEY,
		user_id VARCHAR(255) NOT NULL,
		name TEXT NOT NULL,
		key_hash TEXT NOT NULL UNIQUE,
		scopes TEXT[] NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_used_at TIMESTAMPTZ,
		revoked_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_api_keys_user ON api_keys(user_id);
	`
	_, err := s.db.Exec(query)
	return err
}

// Insert stores a new key record.
func (s *PostgresStore) Insert(ctx context.Context, key *Key) error {
	query := `
		INSERT INTO api_keys (id, user_id, name, key_hash, scopes, created_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`
	_, err := s.db.ExecContext(ctx, query,
		key.ID, key.UserID, key.Name, key.KeyHash, pq.Array(key.Scopes), key.CreatedAt)
	return err
}

// GetByHash fetches a live key by digest. Revoked keys yield nil.
func (s *PostgresStore) GetByHash(ctx context.Context, keyHash string) (*Key, error) {
	query := `
		SELECT id, user_id, name, key_hash, scopes, created_at, last_used_at
		FROM api_keys
		WHERE key_hash = $1 AND revoked_at IS NULL
	`
	var key Key
	var scopes []string
	var lastUsed sql.NullTime
	err := s.db.QueryRowContext(ctx, query, keyHash).Scan(
		&key.ID, &key.UserID, &key.Name, &key.KeyHash, pq.Array(&scopes), &key.CreatedAt, &lastUsed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	key.Scopes = scopes
	if lastUsed.Valid {
		key.LastUsedAt = &lastUsed.Time
	}
	return &key, nil
}

// CountActive counts a user's unrevoked keys.
func (s *PostgresStore) CountActive(ctx context.Context, userID string) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM api_keys WHERE user_id = $1 AND revoked_at IS NULL`, userID).Scan(&count)
	return count, err
}

// ListByUser returns all of a user's keys, newest first.
func (s *PostgresStore) ListByUser(ctx context.Context, userID string) ([]*Key, error) {
	query := `
		SELECT id, user_id, name, key_hash, scopes, created_at, last_used_at, revoked_at
		FROM api_keys
		WHERE user_id = $1
		ORDER BY created_at DESC
	`
	rows, err := s.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*Key
	for rows.Next() {
		var key Key
		var scopes []string
		var lastUsed, revoked sql.NullTime
		if err := rows.Scan(&key.ID, &key.UserID, &key.Name, &key.KeyHash, pq.Array(&scopes),
			&key.CreatedAt, &lastUsed, &revoked); err != nil {
			return nil, err
		}
		key.Scopes = scopes
		if lastUsed.Valid {
			key.LastUsedAt = &lastUsed.Time
		}
		if revoked.Valid {
			key.RevokedAt = &revoked.Time
		}
		keys = append(keys, &key)
	}
	return keys, rows.Err()
}

// Revoke soft-revokes a key, scoped to its owner.
func (s *PostgresStore) Revoke(ctx context.Context, userID, keyID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET revoked_at = NOW() WHERE id = $1 AND user_id = $2 AND revoked_at IS NULL`,
		keyID, userID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrInvalidKey
	}
	return nil
}

// TouchLastUsed updates the usage timestamp.
func (s *PostgresStore) TouchLastUsed(ctx context.Context, keyHash string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE api_keys SET last_used_at = NOW() WHERE key_hash = $1`, keyHash)
	return err
}
