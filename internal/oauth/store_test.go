package oauth

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newIntegrationStore connects to the database named by TEST_DATABASE_URL and
// skips the test when none is configured. Rows are keyed by fresh uuids so
// runs do not collide.
func newIntegrationStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	store, err := NewStore(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestStoreClientLifecycle(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()
	clientID := "test-client-" + uuid.NewString()

	client := &Client{
		ClientID:                clientID,
		ClientName:              "Integration Client",
		RedirectURIs:            []string{"https://app/cb", "https://app/cb2"},
		GrantTypes:              []string{"authorization_code", "refresh_token"},
		ResponseTypes:           []string{"code"},
		Scope:                   "openid profile",
		TokenEndpointAuthMethod: "client_secret_basic",
		IsActive:                true,
	}
	require.NoError(t, store.SaveClient(ctx, client))

	got, err := store.GetClient(ctx, clientID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, client.RedirectURIs, got.RedirectURIs)
	assert.Equal(t, client.GrantTypes, got.GrantTypes)
	assert.True(t, got.IsActive)

	// Upsert replaces in place.
	client.ClientName = "Renamed Client"
	require.NoError(t, store.SaveClient(ctx, client))
	got, err = store.GetClient(ctx, clientID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "Renamed Client", got.ClientName)

	require.NoError(t, store.DeactivateClient(ctx, clientID))
	got, err = store.GetClient(ctx, clientID)
	require.NoError(t, err)
	assert.Nil(t, got, "deactivated client must be invisible to lookups")

	assert.ErrorIs(t, store.DeactivateClient(ctx, "missing-"+uuid.NewString()), ErrNotFound)
}

func TestStoreAuthorizationCodeConsumeOnce(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()
	hash := HashToken(uuid.NewString())

	now := time.Now()
	require.NoError(t, store.SaveAuthorizationCode(ctx, &AuthorizationCode{
		CodeHash:    hash,
		ClientID:    "cli1",
		AccountID:   "42",
		GrantID:     "grant-" + uuid.NewString(),
		RedirectURI: "https://app/cb",
		Scope:       "openid",
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Minute),
	}))

	code, err := store.GetAuthorizationCode(ctx, hash)
	require.NoError(t, err)
	require.NotNil(t, code)
	assert.Nil(t, code.ConsumedAt)

	require.NoError(t, store.ConsumeAuthorizationCode(ctx, hash))
	assert.ErrorIs(t, store.ConsumeAuthorizationCode(ctx, hash), ErrReplayDetected)
	assert.ErrorIs(t, store.ConsumeAuthorizationCode(ctx, HashToken(uuid.NewString())), ErrNotFound)

	code, err = store.GetAuthorizationCode(ctx, hash)
	require.NoError(t, err)
	require.NotNil(t, code)
	assert.NotNil(t, code.ConsumedAt)

	require.NoError(t, store.DeleteAuthorizationCode(ctx, hash))
	code, err = store.GetAuthorizationCode(ctx, hash)
	require.NoError(t, err)
	assert.Nil(t, code)
}

func TestStoreConcurrentConsume(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()
	hash := HashToken(uuid.NewString())

	now := time.Now()
	require.NoError(t, store.SaveAuthorizationCode(ctx, &AuthorizationCode{
		CodeHash:    hash,
		ClientID:    "cli1",
		AccountID:   "42",
		RedirectURI: "https://app/cb",
		CreatedAt:   now,
		ExpiresAt:   now.Add(time.Minute),
	}))

	const callers = 8
	results := make(chan error, callers)
	var start sync.WaitGroup
	start.Add(1)
	for i := 0; i < callers; i++ {
		go func() {
			start.Wait()
			results <- store.ConsumeAuthorizationCode(ctx, hash)
		}()
	}
	start.Done()

	successes := 0
	for i := 0; i < callers; i++ {
		if err := <-results; err == nil {
			successes++
		} else {
			assert.ErrorIs(t, err, ErrReplayDetected)
		}
	}
	assert.Equal(t, 1, successes, "the conditional update admits exactly one winner")
}

func TestStoreAccessTokenLifecycle(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()
	jti := uuid.NewString()

	now := time.Now()
	require.NoError(t, store.SaveAccessToken(ctx, &AccessToken{
		JTI:       jti,
		ClientID:  "cli1",
		AccountID: "42",
		Scope:     "openid profile",
		CreatedAt: now,
		ExpiresAt: now.Add(15 * time.Minute),
	}))

	token, err := store.GetAccessToken(ctx, jti)
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.Equal(t, "42", token.AccountID)

	require.NoError(t, store.RevokeAccessToken(ctx, jti))
	assert.ErrorIs(t, store.RevokeAccessToken(ctx, jti), ErrNotFound)

	token, err = store.GetAccessToken(ctx, jti)
	require.NoError(t, err)
	assert.Nil(t, token)
}

func TestStoreRefreshTokenRotationAndCascade(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()

	now := time.Now()
	jti := uuid.NewString()
	require.NoError(t, store.SaveAccessToken(ctx, &AccessToken{
		JTI: jti, ClientID: "cli1", AccountID: "42",
		CreatedAt: now, ExpiresAt: now.Add(15 * time.Minute),
	}))

	hash := HashToken(uuid.NewString())
	require.NoError(t, store.SaveRefreshToken(ctx, &RefreshToken{
		TokenHash: hash, ClientID: "cli1", AccountID: "42",
		AccessTokenJTI: jti,
		CreatedAt:      now, ExpiresAt: now.Add(24 * time.Hour),
	}))

	require.NoError(t, store.RotateRefreshToken(ctx, hash))
	assert.ErrorIs(t, store.RotateRefreshToken(ctx, hash), ErrReplayDetected)

	token, err := store.GetRefreshToken(ctx, hash)
	require.NoError(t, err)
	require.NotNil(t, token)
	assert.NotNil(t, token.RotatedAt)

	// Revocation cascades to the linked access token and removes the refresh
	// token from sight.
	require.NoError(t, store.RevokeRefreshToken(ctx, hash))
	token, err = store.GetRefreshToken(ctx, hash)
	require.NoError(t, err)
	assert.Nil(t, token)

	access, err := store.GetAccessToken(ctx, jti)
	require.NoError(t, err)
	assert.Nil(t, access)

	assert.ErrorIs(t, store.RevokeRefreshToken(ctx, hash), ErrNotFound)
	assert.ErrorIs(t, store.RotateRefreshToken(ctx, hash), ErrNotFound,
		"revoked tokens are gone, not replayed")
}

func TestStoreRevokeGrant(t *testing.T) {
	store := newIntegrationStore(t)
	ctx := context.Background()
	grantID := "grant-" + uuid.NewString()

	now := time.Now()
	jti := uuid.NewString()
	require.NoError(t, store.SaveAccessToken(ctx, &AccessToken{
		JTI: jti, ClientID: "cli1", AccountID: "42", GrantID: grantID,
		CreatedAt: now, ExpiresAt: now.Add(15 * time.Minute),
	}))
	hash := HashToken(uuid.NewString())
	require.NoError(t, store.SaveRefreshToken(ctx, &RefreshToken{
		TokenHash: hash, ClientID: "cli1", AccountID: "42", GrantID: grantID,
		CreatedAt: now, ExpiresAt: now.Add(24 * time.Hour),
	}))

	revoked, err := store.RevokeGrant(ctx, grantID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, revoked)

	token, err := store.GetAccessToken(ctx, jti)
	require.NoError(t, err)
	assert.Nil(t, token)

	refresh, err := store.GetRefreshToken(ctx, hash)
	require.NoError(t, err)
	assert.Nil(t, refresh)

	// Idempotent: a second pass touches nothing.
	revoked, err = store.RevokeGrant(ctx, grantID)
	require.NoError(t, err)
	assert.Zero(t, revoked)
}
