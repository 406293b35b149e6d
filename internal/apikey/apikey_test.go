package apikey

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/studyloop/studyloop-auth/internal/auth"
	"github.com/studyloop/studyloop-auth/internal/oauth"
)

type memKeyStore struct {
	mu   sync.Mutex
	keys map[string]*Key // by id
}

func newMemKeyStore() *memKeyStore {
	return &memKeyStore{keys: make(map[string]*Key)}
}

func (m *memKeyStore) Insert(_ context.Context, key *Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *key
	m.keys[key.ID] = &copied
	return nil
}

func (m *memKeyStore) GetByHash(_ context.Context, keyHash string) (*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range m.keys {
		if key.KeyHash == keyHash && key.RevokedAt == nil {
			copied := *key
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memKeyStore) CountActive(_ context.Context, userID string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, key := range m.keys {
		if key.UserID == userID && key.RevokedAt == nil {
			count++
		}
	}
	return count, nil
}

func (m *memKeyStore) ListByUser(_ context.Context, userID string) ([]*Key, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Key
	for _, key := range m.keys {
		if key.UserID == userID {
			copied := *key
			out = append(out, &copied)
		}
	}
	return out, nil
}

func (m *memKeyStore) Revoke(_ context.Context, userID, keyID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	key, ok := m.keys[keyID]
	if !ok || key.UserID != userID || key.RevokedAt != nil {
		return ErrInvalidKey
	}
	now := time.Now()
	key.RevokedAt = &now
	return nil
}

func (m *memKeyStore) TouchLastUsed(_ context.Context, keyHash string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range m.keys {
		if key.KeyHash == keyHash {
			now := time.Now()
			key.LastUsedAt = &now
		}
	}
	return nil
}

var _ Store = (*memKeyStore)(nil)

func TestIssueFormatAndHashing(t *testing.T) {
	store := newMemKeyStore()
	svc := NewService(store, 10, nil)

	raw, key, err := svc.Issue(context.Background(), "u-1", "ci key", []string{"apikeys:manage"})
	require.NoError(t, err)
	require.NotNil(t, key)

	assert.True(t, strings.HasPrefix(raw, Prefix))
	assert.True(t, IsAPIKey(raw))
	assert.True(t, svc.Matches(raw))
	assert.False(t, svc.Matches("eyJhbGciOi..."))

	// Only the digest is stored.
	assert.Equal(t, oauth.HashToken(raw), key.KeyHash)
	assert.NotContains(t, key.KeyHash, raw)
	assert.Equal(t, "u-1", key.UserID)
	assert.Equal(t, []string{"apikeys:manage"}, key.Scopes)
}

func TestIssueEnforcesCap(t *testing.T) {
	store := newMemKeyStore()
	svc := NewService(store, 2, nil)
	ctx := context.Background()

	_, _, err := svc.Issue(ctx, "u-1", "one", nil)
	require.NoError(t, err)
	_, _, err = svc.Issue(ctx, "u-1", "two", nil)
	require.NoError(t, err)

	_, _, err = svc.Issue(ctx, "u-1", "three", nil)
	assert.ErrorIs(t, err, ErrTooManyKeys)

	// Other users are unaffected, and revocation frees a slot.
	_, _, err = svc.Issue(ctx, "u-2", "other", nil)
	require.NoError(t, err)

	keys, err := svc.List(ctx, "u-1")
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(ctx, "u-1", keys[0].ID))

	_, _, err = svc.Issue(ctx, "u-1", "three", nil)
	assert.NoError(t, err)
}

func TestAuthenticate(t *testing.T) {
	store := newMemKeyStore()
	svc := NewService(store, 0, nil)
	ctx := context.Background()

	raw, key, err := svc.Issue(ctx, "u-1", "ci key", []string{"read"})
	require.NoError(t, err)

	identity, err := svc.Authenticate(ctx, raw)
	require.NoError(t, err)
	assert.Equal(t, "u-1", identity.UserID)
	assert.Equal(t, auth.AuthTypeAPIKey, identity.AuthType)
	assert.Equal(t, key.ID, identity.SubjectID)
	assert.Equal(t, []string{"read"}, identity.Scopes)

	// The lookup touched last_used_at.
	keys, err := svc.List(ctx, "u-1")
	require.NoError(t, err)
	require.Len(t, keys, 1)
	assert.NotNil(t, keys[0].LastUsedAt)
}

func TestAuthenticateRejections(t *testing.T) {
	store := newMemKeyStore()
	svc := NewService(store, 0, nil)
	ctx := context.Background()

	_, err := svc.Authenticate(ctx, "not-an-api-key")
	assert.ErrorIs(t, err, ErrInvalidKey)

	_, err = svc.Authenticate(ctx, Prefix+"never-issued")
	assert.ErrorIs(t, err, ErrInvalidKey)

	raw, key, err := svc.Issue(ctx, "u-1", "doomed", nil)
	require.NoError(t, err)
	require.NoError(t, svc.Revoke(ctx, "u-1", key.ID))

	// Revoked keys look exactly like unknown ones.
	_, err = svc.Authenticate(ctx, raw)
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestRevokeOwnership(t *testing.T) {
	store := newMemKeyStore()
	svc := NewService(store, 0, nil)
	ctx := context.Background()

	_, key, err := svc.Issue(ctx, "u-1", "mine", nil)
	require.NoError(t, err)

	// Another user cannot revoke it.
	assert.ErrorIs(t, svc.Revoke(ctx, "u-2", key.ID), ErrInvalidKey)
	assert.ErrorIs(t, svc.Revoke(ctx, "u-1", "no-such-key"), ErrInvalidKey)

	require.NoError(t, svc.Revoke(ctx, "u-1", key.ID))
	assert.ErrorIs(t, svc.Revoke(ctx, "u-1", key.ID), ErrInvalidKey)
}

func TestIssuedKeysAreUnique(t *testing.T) {
	store := newMemKeyStore()
	svc := NewService(store, 0, nil)
	ctx := context.Background()

	seen := make(map[string]bool)
	for i := 0; i < 16; i++ {
		raw, _, err := svc.Issue(ctx, "u-1", "k", nil)
		require.NoError(t, err)
		assert.False(t, seen[raw])
		seen[raw] = true
	}
}
