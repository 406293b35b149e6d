package auth

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// SessionValidator verifies a signed session artifact and resolves it to an
// identity. Token signing lives with the identity provider; only verification
// happens here.
type SessionValidator interface {
	Validate(ctx context.Context, token string) (*Identity, error)
}

// SessionVerifier validates RS256 session JWTs against a JWKS endpoint.
type SessionVerifier struct {
	jwksURL    string
	authHeader string
	httpClient *http.Client

	keysMutex  sync.RWMutex
	publicKeys map[string]*rsa.PublicKey
}

var _ SessionValidator = (*SessionVerifier)(nil)

type sessionClaims struct {
	jwt.RegisteredClaims
	SessionID string `json:"sid"`
	Scope     string `json:"scp"`
}

// NewSessionVerifier creates a verifier for the given JWKS endpoint. The
// authHeader value, if set, is sent as the Authorization header when fetching
// keys (identity providers that guard their JWKS endpoint).
func NewSessionVerifier(jwksURL, authHeader string) *SessionVerifier {
	return &SessionVerifier{
		jwksURL:    jwksURL,
		authHeader: authHeader,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		publicKeys: make(map[string]*rsa.PublicKey),
	}
}

// Validate parses and verifies a session JWT, returning the session identity.
func (v *SessionVerifier) Validate(ctx context.Context, tokenString string) (*Identity, error) {
	token, err := jwt.ParseWithClaims(tokenString, &sessionClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		kid, ok := token.Header["kid"].(string)
		if !ok {
			return nil, fmt.Errorf("missing kid in token header")
		}
		return v.publicKey(ctx, kid)
	})
	if err != nil {
		return nil, fmt.Errorf("session verification failed: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid session token")
	}

	claims, ok := token.Claims.(*sessionClaims)
	if !ok {
		return nil, fmt.Errorf("invalid claims type")
	}

	scopes := strings.Fields(claims.Scope)
	if len(scopes) == 0 {
		// Interactive sessions carry full account access unless narrowed.
		scopes = []string{"*"}
	}

	return &Identity{
		UserID:    claims.Subject,
		AuthType:  AuthTypeSession,
		Scopes:    scopes,
		SubjectID: claims.SessionID,
	}, nil
}

func (v *SessionVerifier) publicKey(ctx context.Context, kid string) (*rsa.PublicKey, error) {
	v.keysMutex.RLock()
	key, exists := v.publicKeys[kid]
	v.keysMutex.RUnlock()
	if exists {
		return key, nil
	}

	if err := v.refreshKeys(ctx); err != nil {
		return nil, err
	}

	v.keysMutex.RLock()
	key, exists = v.publicKeys[kid]
	v.keysMutex.RUnlock()
	if !exists {
		return nil, fmt.Errorf("public key not found for kid %s", kid)
	}
	return key, nil
}

func (v *SessionVerifier) refreshKeys(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.jwksURL, nil)
	if err != nil {
		return err
	}
	if v.authHeader != "" {
		req.Header.Set("Authorization", v.authHeader)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to fetch JWKS: status %d", resp.StatusCode)
	}

	var jwks struct {
		Keys []struct {
			Kid string `json:"kid"`
			Kty string `json:"kty"`
			N   string `json:"n"`
			E   string `json:"e"`
		} `json:"keys"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&jwks); err != nil {
		return err
	}

	v.keysMutex.Lock()
	defer v.keysMutex.Unlock()
	for _, key := range jwks.Keys {
		if key.Kty != "RSA" {
			continue
		}
		nBytes, err := base64.RawURLEncoding.DecodeString(key.N)
		if err != nil {
			continue
		}
		eBytes, err := base64.RawURLEncoding.DecodeString(key.E)
		if err != nil {
			continue
		}
		eInt := 0
		for _, b := range eBytes {
			eInt = eInt<<8 + int(b)
		}
		v.publicKeys[key.Kid] = &rsa.PublicKey{
			N: new(big.Int).SetBytes(nBytes),
			E: eInt,
		}
	}
	return nil
}
