package oauth

import (
	"context"
	"time"
)

// Kind identifies a credential model handled by the adapter facade. It is a
// closed set: every kind gets a typed adapter at registry construction, so
// there is no invalid-tag branch at call time.
type Kind int

const (
	KindClient Kind = iota
	KindAuthorizationCode
	KindAccessToken
	KindRefreshToken
	KindSession
	KindInteraction
	KindGrant
)

// String returns the model name used as the ephemeral storage namespace.
func (k Kind) String() string {
	switch k {
	case KindClient:
		return "Client"
	case KindAuthorizationCode:
		return "AuthorizationCode"
	case KindAccessToken:
		return "AccessToken"
	case KindRefreshToken:
		return "RefreshToken"
	case KindSession:
		return "Session"
	case KindInteraction:
		return "Interaction"
	case KindGrant:
		return "Grant"
	}
	return "Unknown"
}

// Adapter is the uniform contract the protocol engine drives for every
// credential kind. Find returns nil for anything that should look nonexistent
// to the caller: unknown, expired, inactive and revoked alike.
type Adapter interface {
	Upsert(ctx context.Context, id string, payload Payload, expiresIn time.Duration) error
	Find(ctx context.Context, id string) (Payload, error)
	FindByUID(ctx context.Context, uid string) (Payload, error)
	Consume(ctx context.Context, id string) error
	Destroy(ctx context.Context, id string) error
	RevokeByGrantID(ctx context.Context, grantID string) error
}

// CredentialStore is the durable side of the facade. *Store implements it
// against Postgres; tests substitute an in-memory double.
type CredentialStore interface {
	SaveClient(ctx context.Context, client *Client) error
	GetClient(ctx context.Context, clientID string) (*Client, error)
	DeactivateClient(ctx context.Context, clientID string) error

	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error
	GetAuthorizationCode(ctx context.Context, codeHash string) (*AuthorizationCode, error)
	ConsumeAuthorizationCode(ctx context.Context, codeHash string) error
	DeleteAuthorizationCode(ctx context.Context, codeHash string) error

	SaveAccessToken(ctx context.Context, token *AccessToken) error
	GetAccessToken(ctx context.Context, jti string) (*AccessToken, error)
	RevokeAccessToken(ctx context.Context, jti string) error

	SaveRefreshToken(ctx context.Context, token *RefreshToken) error
	GetRefreshToken(ctx context.Context, tokenHash string) (*RefreshToken, error)
	RotateRefreshToken(ctx context.Context, tokenHash string) error
	RevokeRefreshToken(ctx context.Context, tokenHash string) error

	RevokeGrant(ctx context.Context, grantID string) (int64, error)
}

var _ CredentialStore = (*Store)(nil)

// Registry is the facade's dispatch point: one adapter per kind, durable
// kinds routed to the credential store, everything else to the ephemeral
// store.
type Registry struct {
	adapters map[Kind]Adapter
}

// NewRegistry builds the adapter set.
func NewRegistry(store CredentialStore, ephemeral EphemeralStore, cfg Config) *Registry {
	revoker := grantRevoker{store: store, ephemeral: ephemeral}
	adapters := map[Kind]Adapter{
		KindClient:            &clientAdapter{store: store},
		KindAuthorizationCode: &codeAdapter{store: store, ttl: cfg.AuthCodeTTL, grantRevoker: revoker},
		KindAccessToken:       &accessTokenAdapter{store: store, ttl: cfg.AccessTokenTTL, grantRevoker: revoker},
		KindRefreshToken:      &refreshTokenAdapter{store: store, ttl: cfg.RefreshTokenTTL, grantRevoker: revoker},
	}
	for _, kind := range []Kind{KindSession, KindInteraction, KindGrant} {
		adapters[kind] = &ephemeralAdapter{
			store:        ephemeral,
			model:        kind.String(),
			ttl:          cfg.EphemeralTTL,
			grantRevoker: revoker,
		}
	}
	return &Registry{adapters: adapters}
}

// Adapter returns the adapter for a kind.
func (r *Registry) Adapter(kind Kind) Adapter {
	return r.adapters[kind]
}

// grantRevoker implements full grant revocation: soft-revoke every persisted
// token carrying the grant id and drop every ephemeral record for it.
type grantRevoker struct {
	store     CredentialStore
	ephemeral EphemeralStore
}

func (g grantRevoker) RevokeByGrantID(ctx context.Context, grantID string) error {
	if grantID == "" {
		return nil
	}
	if _, err := g.store.RevokeGrant(ctx, grantID); err != nil {
		return err
	}
	_, err := g.ephemeral.DeleteByGrantID(ctx, grantID)
	return err
}

// payload field helpers

func pString(p Payload, key string) string {
	s, _ := p[key].(string)
	return s
}

func pStrings(p Payload, key string) []string {
	switch v := p[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// clientAdapter routes KindClient. Clients have no expiry and no grant; their
// lifecycle is administrative.
type clientAdapter struct {
	store CredentialStore
}

func (a *clientAdapter) Upsert(ctx context.Context, id string, payload Payload, _ time.Duration) error {
	active := true
	if v, ok := payload["isActive"].(bool); ok {
		active = v
	}
	return a.store.SaveClient(ctx, &Client{
		ClientID:                id,
		ClientName:              pString(payload, "clientName"),
		ClientSecretHash:        pString(payload, "clientSecretHash"),
		RedirectURIs:            pStrings(payload, "redirectUris"),
		GrantTypes:              pStrings(payload, "grantTypes"),
		ResponseTypes:           pStrings(payload, "responseTypes"),
		Scope:                   pString(payload, "scope"),
		TokenEndpointAuthMethod: pString(payload, "tokenEndpointAuthMethod"),
		IsActive:                active,
	})
}

func (a *clientAdapter) Find(ctx context.Context, id string) (Payload, error) {
	client, err := a.store.GetClient(ctx, id)
	if err != nil || client == nil {
		return nil, err
	}
	return Payload{
		"clientId":                client.ClientID,
		"clientName":              client.ClientName,
		"clientSecretHash":        client.ClientSecretHash,
		"redirectUris":            client.RedirectURIs,
		"grantTypes":              client.GrantTypes,
		"responseTypes":           client.ResponseTypes,
		"scope":                   client.Scope,
		"tokenEndpointAuthMethod": client.TokenEndpointAuthMethod,
	}, nil
}

func (a *clientAdapter) FindByUID(context.Context, string) (Payload, error) {
	return nil, ErrUnsupported
}

func (a *clientAdapter) Consume(context.Context, string) error {
	return ErrUnsupported
}

func (a *clientAdapter) Destroy(ctx context.Context, id string) error {
	return a.store.DeactivateClient(ctx, id)
}

func (a *clientAdapter) RevokeByGrantID(context.Context, string) error {
	return nil
}

// codeAdapter routes KindAuthorizationCode. Ids are raw code values; only
// their digest is stored.
type codeAdapter struct {
	store CredentialStore
	ttl   time.Duration
	grantRevoker
}

func (a *codeAdapter) Upsert(ctx context.Context, id string, payload Payload, expiresIn time.Duration) error {
	if expiresIn <= 0 {
		expiresIn = a.ttl
	}
	now := time.Now()
	return a.store.SaveAuthorizationCode(ctx, &AuthorizationCode{
		CodeHash:            HashToken(id),
		ClientID:            pString(payload, "clientId"),
		AccountID:           pString(payload, "accountId"),
		GrantID:             pString(payload, "grantId"),
		RedirectURI:         pString(payload, "redirectUri"),
		Scope:               pString(payload, "scope"),
		CodeChallenge:       pString(payload, "codeChallenge"),
		CodeChallengeMethod: pString(payload, "codeChallengeMethod"),
		Nonce:               pString(payload, "nonce"),
		CreatedAt:           now,
		ExpiresAt:           now.Add(expiresIn),
	})
}

func (a *codeAdapter) Find(ctx context.Context, id string) (Payload, error) {
	code, err := a.store.GetAuthorizationCode(ctx, HashToken(id))
	if err != nil || code == nil {
		return nil, err
	}
	payload := Payload{
		"clientId":            code.ClientID,
		"accountId":           code.AccountID,
		"grantId":             code.GrantID,
		"redirectUri":         code.RedirectURI,
		"scope":               code.Scope,
		"codeChallenge":       code.CodeChallenge,
		"codeChallengeMethod": code.CodeChallengeMethod,
		"nonce":               code.Nonce,
		"expiresAt":           code.ExpiresAt,
	}
	if code.ConsumedAt != nil {
		payload["consumedAt"] = *code.ConsumedAt
	}
	return payload, nil
}

func (a *codeAdapter) FindByUID(context.Context, string) (Payload, error) {
	return nil, ErrUnsupported
}

func (a *codeAdapter) Consume(ctx context.Context, id string) error {
	return a.store.ConsumeAuthorizationCode(ctx, HashToken(id))
}

func (a *codeAdapter) Destroy(ctx context.Context, id string) error {
	return a.store.DeleteAuthorizationCode(ctx, HashToken(id))
}

// accessTokenAdapter routes KindAccessToken. The id is the jti itself: it is
// never a presented secret, so it is stored in the clear for exact-match
// lookup.
type accessTokenAdapter struct {
	store CredentialStore
	ttl   time.Duration
	grantRevoker
}

func (a *accessTokenAdapter) Upsert(ctx context.Context, id string, payload Payload, expiresIn time.Duration) error {
	if expiresIn <= 0 {
		expiresIn = a.ttl
	}
	now := time.Now()
	return a.store.SaveAccessToken(ctx, &AccessToken{
		JTI:       id,
		ClientID:  pString(payload, "clientId"),
		AccountID: pString(payload, "accountId"),
		GrantID:   pString(payload, "grantId"),
		Scope:     pString(payload, "scope"),
		CreatedAt: now,
		ExpiresAt: now.Add(expiresIn),
	})
}

func (a *accessTokenAdapter) Find(ctx context.Context, id string) (Payload, error) {
	token, err := a.store.GetAccessToken(ctx, id)
	if err != nil || token == nil {
		return nil, err
	}
	return Payload{
		"jti":       token.JTI,
		"clientId":  token.ClientID,
		"accountId": token.AccountID,
		"grantId":   token.GrantID,
		"scope":     token.Scope,
		"expiresAt": token.ExpiresAt,
	}, nil
}

func (a *accessTokenAdapter) FindByUID(context.Context, string) (Payload, error) {
	return nil, ErrUnsupported
}

func (a *accessTokenAdapter) Consume(context.Context, string) error {
	return ErrUnsupported
}

func (a *accessTokenAdapter) Destroy(ctx context.Context, id string) error {
	return a.store.RevokeAccessToken(ctx, id)
}

// refreshTokenAdapter routes KindRefreshToken. Consume is rotation: the old
// token is retired exactly once, and a rotated token showing up again in Find
// carries rotatedAt as the replay signal.
type refreshTokenAdapter struct {
	store CredentialStore
	ttl   time.Duration
	grantRevoker
}

func (a *refreshTokenAdapter) Upsert(ctx context.Context, id string, payload Payload, expiresIn time.Duration) error {
	if expiresIn <= 0 {
		expiresIn = a.ttl
	}
	now := time.Now()
	return a.store.SaveRefreshToken(ctx, &RefreshToken{
		TokenHash:      HashToken(id),
		ClientID:       pString(payload, "clientId"),
		AccountID:      pString(payload, "accountId"),
		GrantID:        pString(payload, "grantId"),
		AccessTokenJTI: pString(payload, "accessTokenJti"),
		Scope:          pString(payload, "scope"),
		CreatedAt:      now,
		ExpiresAt:      now.Add(expiresIn),
	})
}

func (a *refreshTokenAdapter) Find(ctx context.Context, id string) (Payload, error) {
	token, err := a.store.GetRefreshToken(ctx, HashToken(id))
	if err != nil || token == nil {
		return nil, err
	}
	payload := Payload{
		"clientId":       token.ClientID,
		"accountId":      token.AccountID,
		"grantId":        token.GrantID,
		"accessTokenJti": token.AccessTokenJTI,
		"scope":          token.Scope,
		"expiresAt":      token.ExpiresAt,
	}
	if token.RotatedAt != nil {
		payload["rotatedAt"] = *token.RotatedAt
	}
	return payload, nil
}

func (a *refreshTokenAdapter) FindByUID(context.Context, string) (Payload, error) {
	return nil, ErrUnsupported
}

func (a *refreshTokenAdapter) Consume(ctx context.Context, id string) error {
	return a.store.RotateRefreshToken(ctx, HashToken(id))
}

func (a *refreshTokenAdapter) Destroy(ctx context.Context, id string) error {
	return a.store.RevokeRefreshToken(ctx, HashToken(id))
}

// ephemeralAdapter routes the interactive kinds (Session, Interaction,
// Grant) to the ephemeral store.
type ephemeralAdapter struct {
	store EphemeralStore
	model string
	ttl   time.Duration
	grantRevoker
}

func (a *ephemeralAdapter) Upsert(ctx context.Context, id string, payload Payload, expiresIn time.Duration) error {
	if expiresIn <= 0 {
		expiresIn = a.ttl
	}
	return a.store.Set(ctx, a.model, id, payload, expiresIn)
}

func (a *ephemeralAdapter) Find(ctx context.Context, id string) (Payload, error) {
	return a.store.Get(ctx, a.model, id)
}

func (a *ephemeralAdapter) FindByUID(ctx context.Context, uid string) (Payload, error) {
	return a.store.Find(ctx, a.model, func(p Payload) bool {
		return p.UID() == uid
	})
}

func (a *ephemeralAdapter) Consume(ctx context.Context, id string) error {
	return a.store.Consume(ctx, a.model, id)
}

func (a *ephemeralAdapter) Destroy(ctx context.Context, id string) error {
	return a.store.Delete(ctx, a.model, id)
}
