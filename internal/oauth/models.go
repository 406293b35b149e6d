package oauth

import "time"

// Client represents a registered OAuth client. Clients are soft-disabled via
// IsActive rather than deleted, since issued tokens may still reference them.
type Client struct {
	ClientID                string
	ClientName              string
	ClientSecretHash        string
	RedirectURIs            []string
	GrantTypes              []string
	ResponseTypes           []string
	Scope                   string
	TokenEndpointAuthMethod string
	IsActive                bool
	CreatedAt               time.Time
	UpdatedAt               time.Time
}

// AuthorizationCode is a single-use credential stored by hash. ConsumedAt
// transitions nil -> timestamp exactly once via a conditional update.
type AuthorizationCode struct {
	CodeHash            string
	ClientID            string
	AccountID           string
	GrantID             string
	RedirectURI         string
	Scope               string
	CodeChallenge       string
	CodeChallengeMethod string
	Nonce               string
	CreatedAt           time.Time
	ExpiresAt           time.Time
	ConsumedAt          *time.Time
}

// AccessToken is looked up by its plaintext jti, not by hash: the jti is an
// opaque identifier carried inside a signed token, never a presented secret.
type AccessToken struct {
	JTI       string
	ClientID  string
	AccountID string
	GrantID   string
	Scope     string
	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
}

// RefreshToken is stored by hash. RotatedAt marks a token retired by
// rotation; a caller presenting a rotated token is replaying a superseded
// credential.
type RefreshToken struct {
	TokenHash      string
	ClientID       string
	AccountID      string
	GrantID        string
	AccessTokenJTI string
	Scope          string
	CreatedAt      time.Time
	ExpiresAt      time.Time
	RevokedAt      *time.Time
	RotatedAt      *time.Time
}
