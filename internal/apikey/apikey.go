// Package apikey implements programmatic API keys: issuance with a per-user
// cap, authentication by hash lookup, and soft revocation. A key is a fixed
// textual prefix plus a high-entropy random suffix; only its SHA-256 digest
// is stored, so a raw key is never retrievable after issuance.
package apikey

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/studyloop/studyloop-auth/internal/auth"
	"github.com/studyloop/studyloop-auth/internal/oauth"
)

// Prefix marks a bearer credential as an API key rather than a session token.
const Prefix = "sk_"

// secretBytes is the entropy of the random suffix (43 base64url chars).
const secretBytes = 32

var (
	// ErrInvalidKey is returned for unknown, revoked and expired keys alike.
	ErrInvalidKey = errors.New("apikey: invalid API key")

	// ErrTooManyKeys is returned when issuing would exceed the per-user cap.
	ErrTooManyKeys = errors.New("apikey: key limit reached for user")
)

// Key is an issued API key record. The raw secret exists only in the Issue
// return value.
type Key struct {
	ID         string
	UserID     string
	Name       string
	KeyHash    string
	Scopes     []string
	CreatedAt  time.Time
	LastUsedAt *time.Time
	RevokedAt  *time.Time
}

// Store persists API key records.
type Store interface {
	Insert(ctx context.Context, key *Key) error
	GetByHash(ctx context.Context, keyHash string) (*Key, error) // nil for revoked or unknown
	CountActive(ctx context.Context, userID string) (int, error)
	ListByUser(ctx context.Context, userID string) ([]*Key, error)
	Revoke(ctx context.Context, userID, keyID string) error
	TouchLastUsed(ctx context.Context, keyHash string) error
}

// Service issues and authenticates API keys.
type Service struct {
	store      Store
	maxPerUser int
	logger     *slog.Logger
}

// NewService creates the API key service. maxPerUser <= 0 means no cap.
func NewService(store Store, maxPerUser int, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, maxPerUser: maxPerUser, logger: logger}
}

// IsAPIKey reports whether a bearer credential is API-key-shaped.
func IsAPIKey(raw string) bool {
	return strings.HasPrefix(raw, Prefix)
}

// Matches implements the middleware's credential classification.
func (s *Service) Matches(raw string) bool {
	return IsAPIKey(raw)
}

// Issue creates a key for a user and returns the raw secret exactly once.
func (s *Service) Issue(ctx context.Context, userID, name string, scopes []string) (string, *Key, error) {
	if s.maxPerUser > 0 {
		count, err := s.store.CountActive(ctx, userID)
		if err != nil {
			return "", nil, err
		}
		if count >= s.maxPerUser {
			return "", nil, ErrTooManyKeys
		}
	}

	secret, err := oauth.RandomString(secretBytes)
	if err != nil {
		return "", nil, fmt.Errorf("failed to generate key: %w", err)
	}
	raw := Prefix + secret

	key := &Key{
		ID:        uuid.NewString(),
		UserID:    userID,
		Name:      name,
		KeyHash:   oauth.HashToken(raw),
		Scopes:    scopes,
		CreatedAt: time.Now(),
	}
	if err := s.store.Insert(ctx, key); err != nil {
		return "", nil, err
	}
	return raw, key, nil
}

// Authenticate resolves a presented API key to an identity by hash lookup.
// Unknown and revoked keys are indistinguishable to the caller.
func (s *Service) Authenticate(ctx context.Context, raw string) (*auth.Identity, error) {
	if !IsAPIKey(raw) {
		return nil, ErrInvalidKey
	}
	keyHash := oauth.HashToken(raw)
	key, err := s.store.GetByHash(ctx, keyHash)
	if err != nil {
		return nil, err
	}
	if key == nil {
		return nil, ErrInvalidKey
	}

	// Usage timestamp is best-effort and must not cancel with the caller.
	if err := s.store.TouchLastUsed(context.WithoutCancel(ctx), keyHash); err != nil {
		s.logger.Warn("failed to touch api key last_used_at", "key_id", key.ID, "error", err)
	}

	return &auth.Identity{
		UserID:    key.UserID,
		AuthType:  auth.AuthTypeAPIKey,
		Scopes:    key.Scopes,
		SubjectID: key.ID,
	}, nil
}

// List returns a user's keys, revoked ones included, for the admin surface.
func (s *Service) List(ctx context.Context, userID string) ([]*Key, error) {
	return s.store.ListByUser(ctx, userID)
}

// Revoke soft-revokes a key owned by the user.
func (s *Service) Revoke(ctx context.Context, userID, keyID string) error {
	return s.store.Revoke(ctx, userID, keyID)
}
