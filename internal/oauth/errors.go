package oauth

import "errors"

var (
	// ErrNotFound is returned by Consume and Destroy when no row matched.
	// Lookups never return it: Find yields nil for unknown, expired, inactive
	// and revoked credentials alike so callers cannot enumerate which it was.
	ErrNotFound = errors.New("oauth: credential not found")

	// ErrReplayDetected is returned when a single-use credential is consumed
	// a second time: an authorization code whose consumed_at is already set,
	// or a refresh token already retired by rotation. It is distinct from
	// ErrNotFound so the protocol engine can revoke the whole grant instead
	// of merely denying the request.
	ErrReplayDetected = errors.New("oauth: credential already consumed")

	// ErrUnsupported is returned for adapter operations that have no meaning
	// for the credential kind, such as FindByUID on a durable credential.
	ErrUnsupported = errors.New("oauth: operation not supported for this credential kind")
)
