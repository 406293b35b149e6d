// Package auth implements the request-authentication pipeline wrapping every
// inbound API call: authenticate, rate-limit, execute, finalize. Each stage
// produces a terminal response on failure, and every terminal response
// carries the request id.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/studyloop/studyloop-auth/internal/ratelimit"
	"github.com/studyloop/studyloop-auth/internal/usage"
)

// RequestIDHeader carries the correlation id on every response.
const RequestIDHeader = "X-Request-ID"

// APIKeyAuthenticator resolves API-key-shaped bearer credentials.
type APIKeyAuthenticator interface {
	// Matches reports whether the credential looks like an API key (as
	// opposed to a session token).
	Matches(credential string) bool

	// Authenticate resolves the key to an identity by hash lookup.
	Authenticate(ctx context.Context, credential string) (*Identity, error)
}

// Authenticator is the middleware wrapping protected routes.
type Authenticator struct {
	sessions SessionValidator
	apiKeys  APIKeyAuthenticator
	limiter  ratelimit.Limiter
	usage    usage.Recorder
	logger   *slog.Logger
}

// NewAuthenticator wires the pipeline's collaborators. limiter and recorder
// may be nil, which disables metering and usage recording respectively.
func NewAuthenticator(sessions SessionValidator, apiKeys APIKeyAuthenticator, limiter ratelimit.Limiter, recorder usage.Recorder, logger *slog.Logger) *Authenticator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Authenticator{
		sessions: sessions,
		apiKeys:  apiKeys,
		limiter:  limiter,
		usage:    recorder,
		logger:   logger,
	}
}

// Middleware wraps a handler with the authenticate -> rate-limit -> execute
// -> finalize pipeline.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get(RequestIDHeader)
		if !validRequestID(requestID) {
			requestID = uuid.NewString()
		}
		w.Header().Set(RequestIDHeader, requestID)

		ctx := WithRequestID(r.Context(), requestID)
		logger := a.logger.With("request_id", requestID)

		record := func(status int, identity *Identity, rateLimited bool) {
			if a.usage == nil {
				return
			}
			ev := usage.Event{
				RequestID:   requestID,
				Method:      r.Method,
				Path:        r.URL.Path,
				Status:      status,
				Latency:     time.Since(start),
				RateLimited: rateLimited,
				Time:        start,
			}
			if identity != nil {
				ev.UserID = identity.UserID
				ev.AuthType = identity.AuthType
				ev.SubjectID = identity.SubjectID
			}
			// Best effort, detached from request cancellation: a recording
			// failure must never fail the request that produced it.
			if err := a.usage.Record(context.WithoutCancel(ctx), ev); err != nil {
				logger.Warn("usage recording failed", "error", err)
			}
		}

		// Stage 1: authenticate.
		credential := ExtractBearer(r)
		if credential == "" {
			writeError(w, http.StatusUnauthorized, ErrorCodeMissingCredential, "authentication required", requestID)
			record(http.StatusUnauthorized, nil, false)
			return
		}

		var identity *Identity
		var err error
		if a.apiKeys != nil && a.apiKeys.Matches(credential) {
			identity, err = a.apiKeys.Authenticate(ctx, credential)
		} else {
			identity, err = a.sessions.Validate(ctx, credential)
		}
		if err != nil || identity == nil {
			logger.Info("authentication rejected", "error", err)
			writeError(w, http.StatusUnauthorized, ErrorCodeInvalidCredential, "invalid credential", requestID)
			record(http.StatusUnauthorized, nil, false)
			return
		}

		// Stage 2: rate-limit. Only API-key traffic is metered; sessions are
		// already gated by interactive login.
		if identity.AuthType == AuthTypeAPIKey && a.limiter != nil {
			decision, limitErr := a.limiter.Allow(ctx, identity.SubjectID)
			if limitErr != nil {
				// A limiter outage fails open: availability over strictness.
				logger.Error("rate limiter unavailable", "error", limitErr)
			} else {
				setRateLimitHeaders(w, decision)
				if !decision.Allowed {
					w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfterSeconds(decision.Reset)))
					writeError(w, http.StatusTooManyRequests, ErrorCodeRateLimited, "rate limit exceeded", requestID)
					record(http.StatusTooManyRequests, identity, true)
					return
				}
			}
		}

		// Stage 3: execute, with panic containment. The client gets a
		// generic body; the full error stays server-side under the same id.
		ctx = WithIdentity(ctx, identity)
		sw := &statusWriter{ResponseWriter: w}

		defer func() {
			if rec := recover(); rec != nil {
				logger.Error("handler panic",
					"panic", fmt.Sprint(rec),
					"stack", string(debug.Stack()),
					"method", r.Method,
					"path", r.URL.Path,
					"user_id", identity.UserID,
				)
				if !sw.wroteHeader {
					writeError(w, http.StatusInternalServerError, ErrorCodeInternalError, "internal error", requestID)
				}
				record(http.StatusInternalServerError, identity, false)
			}
		}()

		next.ServeHTTP(sw, r.WithContext(ctx))

		// Stage 4: finalize.
		record(sw.status(), identity, false)
	})
}

func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	w.Header().Set("X-RateLimit-Limit", fmt.Sprintf("%d", d.Limit))
	w.Header().Set("X-RateLimit-Remaining", fmt.Sprintf("%d", d.Remaining))
	w.Header().Set("X-RateLimit-Reset", fmt.Sprintf("%d", d.Reset.Unix()))
}

func retryAfterSeconds(reset time.Time) int {
	secs := int(time.Until(reset).Seconds()) + 1
	if secs < 1 {
		secs = 1
	}
	return secs
}

// statusWriter captures the handler's status code for usage recording.
type statusWriter struct {
	http.ResponseWriter
	code        int
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(code int) {
	if !w.wroteHeader {
		w.code = code
		w.wroteHeader = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if !w.wroteHeader {
		w.code = http.StatusOK
		w.wroteHeader = true
	}
	return w.ResponseWriter.Write(b)
}

// Unwrap exposes the underlying writer so http.ResponseController can reach
// Flush and Hijack on it.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusWriter) status() int {
	if !w.wroteHeader {
		return http.StatusOK
	}
	return w.code
}
