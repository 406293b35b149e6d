package oauth

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/lib/pq"
)

// Store is the durable credential store backed by Postgres. Every write is a
// single atomic statement; single-use consumption relies on row-level
// conditional updates, which stay correct across multiple process instances.
type Store struct {
	db *sql.DB
}

// NewStoreFromEnv opens the credential database using AUTH_DATABASE_URL or
// DATABASE_URL and ensures the schema exists.
func NewStoreFromEnv() (*Store, error) {
	connString := os.Getenv("AUTH_DATABASE_URL")
	if connString == "" {
		connString = os.Getenv("DATABASE_URL")
	}
	if connString == "" {
		return nil, fmt.Errorf("AUTH_DATABASE_URL or DATABASE_URL is required")
	}
	return NewStore(connString)
}

// NewStore opens the credential database and ensures the schema exists.
func NewStore(connString string) (*Store, error) {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}
	db.SetMaxOpenConns(parseEnvInt("AUTH_DB_MAX_OPEN_CONNS", 10))
	db.SetMaxIdleConns(parseEnvInt("AUTH_DB_MAX_IDLE_CONNS", 2))
	db.SetConnMaxLifetime(parseEnvDuration("AUTH_DB_CONN_MAX_LIFETIME", 5*time.Minute))

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		return nil, err
	}
	return store, nil
}

// Close closes the database connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DB exposes the underlying pool for collaborators sharing the same database,
// such as the API key store.
func (s *Store) DB() *sql.DB {
	return s.db
}

// SaveClient stores or updates an OAuth client registration.
func (s *Store) SaveClient(ctx context.Context, client *Client) error {
	query := `
		INSERT INTO oauth_clients
			(client_id, client_name, client_secret_hash, redirect_uris, grant_types, response_types, scope, token_endpoint_auth_method, is_active, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
		ON CONFLICT (client_id)
		DO UPDATE SET
			client_name = EXCLUDED.client_name,
			client_secret_hash = EXCLUDED.client_secret_hash,
			redirect_uris = EXCLUDED.redirect_uris,
			grant_types = EXCLUDED.grant_types,
			response_types = EXCLUDED.response_types,
			scope = EXCLUDED.scope,
			token_endpoint_auth_method = EXCLUDED.token_endpoint_auth_method,
			is_active = EXCLUDED.is_active,
			updated_at = EXCLUDED.updated_at
	`

	now := time.Now()
	if client.CreatedAt.IsZero() {
		client.CreatedAt = now
	}
	client.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, query,
		client.ClientID,
		nullableString(client.ClientName),
		nullableString(client.ClientSecretHash),
		pq.Array(client.RedirectURIs),
		pq.Array(client.GrantTypes),
		pq.Array(client.ResponseTypes),
		nullableString(client.Scope),
		client.TokenEndpointAuthMethod,
		client.IsActive,
		client.CreatedAt,
		client.UpdatedAt,
	)
	return err
}

// GetClient fetches an active client by id. Inactive clients yield nil,
// indistinguishable from nonexistent ones.
func (s *Store) GetClient(ctx context.Context, clientID string) (*Client, error) {
	query := `
		SELECT client_id, client_name, client_secret_hash, redirect_uris, grant_types, response_types, scope, token_endpoint_auth_method, is_active, created_at, updated_at
		FROM oauth_clients
		WHERE client_id = $1 AND is_active = TRUE
	`

	var client Client
	var redirectURIs, grantTypes, responseTypes []string
	var clientName, secretHash, scope sql.NullString

	err := s.db.QueryRowContext(ctx, query, clientID).Scan(
		&client.ClientID,
		&clientName,
		&secretHash,
		pq.Array(&redirectURIs),
		pq.Array(&grantTypes),
		pq.Array(&responseTypes),
		&scope,
		&client.TokenEndpointAuthMethod,
		&client.IsActive,
		&client.CreatedAt,
		&client.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	client.ClientName = clientName.String
	client.ClientSecretHash = secretHash.String
	client.RedirectURIs = redirectURIs
	client.GrantTypes = grantTypes
	client.ResponseTypes = responseTypes
	client.Scope = scope.String
	return &client, nil
}

// DeactivateClient soft-disables a client. Rows are never deleted because
// issued tokens may still reference them.
func (s *Store) DeactivateClient(ctx context.Context, clientID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE oauth_clients SET is_active = FALSE, updated_at = NOW() WHERE client_id = $1`, clientID)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SaveAuthorizationCode persists an authorization code record. The caller is
// expected to have hashed the code value already.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error {
	query := `
		INSERT INTO oauth_auth_codes
			(code_hash, client_id, account_id, grant_id, redirect_uri, scope, code_challenge, code_challenge_method, nonce, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
	`
	_, err := s.db.ExecContext(ctx, query,
		code.CodeHash,
		code.ClientID,
		code.AccountID,
		nullableString(code.GrantID),
		code.RedirectURI,
		nullableString(code.Scope),
		nullableString(code.CodeChallenge),
		nullableString(code.CodeChallengeMethod),
		nullableString(code.Nonce),
		code.CreatedAt,
		code.ExpiresAt,
	)
	return err
}

// GetAuthorizationCode fetches an authorization code by hash. Consumed codes
// are returned with ConsumedAt set so the caller can detect replay; expiry is
// the caller's check, the row carries ExpiresAt.
func (s *Store) GetAuthorizationCode(ctx context.Context, codeHash string) (*AuthorizationCode, error) {
	query := `
		SELECT code_hash, client_id, account_id, grant_id, redirect_uri, scope, code_challenge, code_challenge_method, nonce, created_at, expires_at, consumed_at
		FROM oauth_auth_codes
		WHERE code_hash = $1
	`

	var code AuthorizationCode
	var grantID, scope, challenge, method, nonce sql.NullString
	var consumedAt sql.NullTime

	err := s.db.QueryRowContext(ctx, query, codeHash).Scan(
		&code.CodeHash,
		&code.ClientID,
		&code.AccountID,
		&grantID,
		&code.RedirectURI,
		&scope,
		&challenge,
		&method,
		&nonce,
		&code.CreatedAt,
		&code.ExpiresAt,
		&consumedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	code.GrantID = grantID.String
	code.Scope = scope.String
	code.CodeChallenge = challenge.String
	code.CodeChallengeMethod = method.String
	code.Nonce = nonce.String
	if consumedAt.Valid {
		code.ConsumedAt = &consumedAt.Time
	}
	return &code, nil
}

// ConsumeAuthorizationCode marks a code consumed exactly once. The conditional
// update is the mechanism that prevents two concurrent exchanges of the same
// code from both succeeding: exactly one caller sees a row affected.
func (s *Store) ConsumeAuthorizationCode(ctx context.Context, codeHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE oauth_auth_codes SET consumed_at = NOW() WHERE code_hash = $1 AND consumed_at IS NULL`, codeHash)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	// Zero rows: either the code was already consumed (replay) or it never
	// existed. Distinguish so the caller can revoke the grant on replay.
	var exists bool
	err = s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM oauth_auth_codes WHERE code_hash = $1)`, codeHash).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		return ErrReplayDetected
	}
	return ErrNotFound
}

// DeleteAuthorizationCode removes a code row outright, used when an exchange
// fails validation after consumption and the code should not linger.
func (s *Store) DeleteAuthorizationCode(ctx context.Context, codeHash string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM oauth_auth_codes WHERE code_hash = $1`, codeHash)
	return err
}

// SaveAccessToken records an issued access token by jti.
func (s *Store) SaveAccessToken(ctx context.Context, token *AccessToken) error {
	query := `
		INSERT INTO oauth_access_tokens
			(jti, client_id, account_id, grant_id, scope, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`
	_, err := s.db.ExecContext(ctx, query,
		token.JTI,
		token.ClientID,
		token.AccountID,
		nullableString(token.GrantID),
		nullableString(token.Scope),
		token.CreatedAt,
		token.ExpiresAt,
	)
	return err
}

// GetAccessToken fetches a live access token by jti. Revoked rows yield nil.
func (s *Store) GetAccessToken(ctx context.Context, jti string) (*AccessToken, error) {
	query := `
		SELECT jti, client_id, account_id, grant_id, scope, created_at, expires_at
		FROM oauth_access_tokens
		WHERE jti = $1 AND revoked_at IS NULL
	`

	var token AccessToken
	var grantID, scope sql.NullString
	err := s.db.QueryRowContext(ctx, query, jti).Scan(
		&token.JTI,
		&token.ClientID,
		&token.AccountID,
		&grantID,
		&scope,
		&token.CreatedAt,
		&token.ExpiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	token.GrantID = grantID.String
	token.Scope = scope.String
	return &token, nil
}

// RevokeAccessToken soft-revokes an access token. The row is retained for
// audit; subsequent lookups yield nil.
func (s *Store) RevokeAccessToken(ctx context.Context, jti string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE oauth_access_tokens SET revoked_at = NOW() WHERE jti = $1 AND revoked_at IS NULL`, jti)
	if err != nil {
		return err
	}
	return requireRow(res)
}

// SaveRefreshToken persists a refresh token record keyed by hash.
func (s *Store) SaveRefreshToken(ctx context.Context, token *RefreshToken) error {
	query := `
		INSERT INTO oauth_refresh_tokens
			(token_hash, client_id, account_id, grant_id, access_token_jti, scope, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`
	_, err := s.db.ExecContext(ctx, query,
		token.TokenHash,
		token.ClientID,
		token.AccountID,
		nullableString(token.GrantID),
		nullableString(token.AccessTokenJTI),
		nullableString(token.Scope),
		token.CreatedAt,
		token.ExpiresAt,
	)
	return err
}

// GetRefreshToken fetches a refresh token by hash, excluding revoked rows.
// Rotated rows are returned with RotatedAt set: presenting one is a replay of
// a superseded credential and the caller should revoke the whole grant.
func (s *Store) GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error) {
	query := `
		SELECT token_hash, client_id, account_id, grant_id, access_token_jti, scope, created_at, expires_at, rotated_at
		FROM oauth_refresh_tokens
		WHERE token_hash = $1 AND revoked_at IS NULL
	`

	var token RefreshToken
	var grantID, jti, scope sql.NullString
	var rotatedAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(
		&token.TokenHash,
		&token.ClientID,
		&token.AccountID,
		&grantID,
		&jti,
		&scope,
		&token.CreatedAt,
		&token.ExpiresAt,
		&rotatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	token.GrantID = grantID.String
	token.AccessTokenJTI = jti.String
	token.Scope = scope.String
	if rotatedAt.Valid {
		token.RotatedAt = &rotatedAt.Time
	}
	return &token, nil
}

// RotateRefreshToken retires a refresh token exactly once, the rotation
// equivalent of code consumption. Two concurrent rotations of the same token
// cannot both succeed.
func (s *Store) RotateRefreshToken(ctx context.Context, tokenHash string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE oauth_refresh_tokens SET rotated_at = NOW() WHERE token_hash = $1 AND rotated_at IS NULL AND revoked_at IS NULL`, tokenHash)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 1 {
		return nil
	}

	var exists bool
	err = s.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM oauth_refresh_tokens WHERE token_hash = $1 AND revoked_at IS NULL)`, tokenHash).Scan(&exists)
	if err != nil {
		return err
	}
	if exists {
		return ErrReplayDetected
	}
	return ErrNotFound
}

// RevokeRefreshToken soft-revokes a refresh token and cascades to the access
// token it issued, if any is linked and still live.
func (s *Store) RevokeRefreshToken(ctx context.Context, tokenHash string) error {
	var jti sql.NullString
	err := s.db.QueryRowContext(ctx,
		`UPDATE oauth_refresh_tokens SET revoked_at = NOW() WHERE token_hash = $1 AND revoked_at IS NULL RETURNING access_token_jti`,
		tokenHash).Scan(&jti)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if jti.Valid && jti.String != "" {
		_, err = s.db.ExecContext(ctx,
			`UPDATE oauth_access_tokens SET revoked_at = NOW() WHERE jti = $1 AND revoked_at IS NULL`, jti.String)
	}
	return err
}

// RevokeGrant soft-revokes every persisted access and refresh token carrying
// the grant id and reports how many rows were touched. Ephemeral records for
// the grant are the adapter's responsibility.
func (s *Store) RevokeGrant(ctx context.Context, grantID string) (int64, error) {
	var total int64
	res, err := s.db.ExecContext(ctx,
		`UPDATE oauth_access_tokens SET revoked_at = NOW() WHERE grant_id = $1 AND revoked_at IS NULL`, grantID)
	if err != nil {
		return total, err
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}

	res, err = s.db.ExecContext(ctx,
		`UPDATE oauth_refresh_tokens SET revoked_at = NOW() WHERE grant_id = $1 AND revoked_at IS NULL`, grantID)
	if err != nil {
		return total, err
	}
	if n, err := res.RowsAffected(); err == nil {
		total += n
	}
	return total, nil
}

func (s *Store) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS oauth_clients (
		client_id VARCHAR(255) PRIMARY KEY,
		client_name TEXT,
		client_secret_hash TEXT,
		redirect_uris TEXT[] NOT NULL,
		grant_types TEXT[] NOT NULL,
		response_types TEXT[] NOT NULL,
		scope TEXT,
		token_endpoint_auth_method VARCHAR(50) NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS oauth_auth_codes (
		code_hash TEXT PRIMARY KEY,
		client_id VARCHAR(255) NOT NULL,
		account_id VARCHAR(255) NOT NULL,
		grant_id VARCHAR(255),
		redirect_uri TEXT NOT NULL,
		scope TEXT,
		code_challenge TEXT,
		code_challenge_method TEXT,
		nonce TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at TIMESTAMPTZ NOT NULL,
		consumed_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS oauth_access_tokens (
		jti TEXT PRIMARY KEY,
		client_id VARCHAR(255) NOT NULL,
		account_id VARCHAR(255) NOT NULL,
		grant_id VARCHAR(255),
		scope TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at TIMESTAMPTZ NOT NULL,
		revoked_at TIMESTAMPTZ
	);

	CREATE TABLE IF NOT EXISTS oauth_refresh_tokens (
		token_hash TEXT PRIMARY KEY,
		client_id VARCHAR(255) NOT NULL,
		account_id VARCHAR(255) NOT NULL,
		grant_id VARCHAR(255),
		access_token_jti TEXT,
		scope TEXT,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		expires_at TIMESTAMPTZ NOT NULL,
		revoked_at TIMESTAMPTZ,
		rotated_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_oauth_auth_codes_expires ON oauth_auth_codes(expires_at);
	CREATE INDEX IF NOT EXISTS idx_oauth_auth_codes_grant ON oauth_auth_codes(grant_id);
	CREATE INDEX IF NOT EXISTS idx_oauth_access_tokens_grant ON oauth_access_tokens(grant_id);
	CREATE INDEX IF NOT EXISTS idx_oauth_access_tokens_account ON oauth_access_tokens(account_id);
	CREATE INDEX IF NOT EXISTS idx_oauth_refresh_tokens_grant ON oauth_refresh_tokens(grant_id);
	CREATE INDEX IF NOT EXISTS idx_oauth_refresh_tokens_account ON oauth_refresh_tokens(account_id);
	`

	_, err := s.db.Exec(query)
	return err
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func nullableString(val string) sql.NullString {
	if val == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: val, Valid: true}
}

func parseEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

func parseEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if parsed, err := time.ParseDuration(val); err == nil {
			return parsed
		}
	}
	return fallback
}
