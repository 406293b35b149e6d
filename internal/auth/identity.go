package auth

import (
	"context"
	"net/http"
	"regexp"
	"strings"
)

// AuthType distinguishes how a caller proved its identity.
const (
	AuthTypeSession = "session"
	AuthTypeAPIKey  = "api_key"
)

// Identity is the uniform result of authentication, regardless of whether the
// caller presented a session token or an API key.
type Identity struct {
	UserID    string
	AuthType  string
	Scopes    []string
	SubjectID string // session id or API key id, for audit
}

// HasScope reports whether the identity carries the named scope. A "*" scope
// grants everything.
func (id *Identity) HasScope(scope string) bool {
	for _, s := range id.Scopes {
		if s == "*" || s == scope {
			return true
		}
	}
	return false
}

type contextKey int

const (
	identityContextKey contextKey = iota
	requestIDContextKey
)

// WithIdentity attaches an identity to the context.
func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, id)
}

// IdentityFromContext extracts the authenticated identity.
func IdentityFromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(identityContextKey).(*Identity)
	return id, ok
}

// WithRequestID attaches a request id to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDContextKey, requestID)
}

// RequestIDFromContext extracts the request id, if any.
func RequestIDFromContext(ctx context.Context) string {
	id, _ := ctx.Value(requestIDContextKey).(string)
	return id
}

// requestIDPattern constrains inbound request ids so an upstream value cannot
// smuggle header-breaking characters into responses or logs.
var requestIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

func validRequestID(id string) bool {
	return requestIDPattern.MatchString(id)
}

// ExtractBearer pulls the bearer credential from the Authorization header.
func ExtractBearer(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
