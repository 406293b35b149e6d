package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/studyloop/studyloop-auth/internal/apikey"
	"github.com/studyloop/studyloop-auth/internal/auth"
	"github.com/studyloop/studyloop-auth/internal/oauth"
)

// apiHandlers serves the small authenticated surface this service owns: the
// caller's identity, API key management, and token revocation. The OAuth
// protocol endpoints themselves belong to the protocol engine, which drives
// the adapter registry directly.
type apiHandlers struct {
	registry *oauth.Registry
	keys     *apikey.Service
	logger   *slog.Logger
}

const manageKeysScope = "apikeys:manage"

func (h *apiHandlers) handleMe(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "no identity", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":   identity.UserID,
		"auth_type": identity.AuthType,
		"scopes":    identity.Scopes,
	})
}

func (h *apiHandlers) handleListKeys(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireScope(w, r, manageKeysScope)
	if !ok {
		return
	}

	keys, err := h.keys.List(r.Context(), identity.UserID)
	if err != nil {
		h.logger.Error("failed to list api keys", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(keys))
	for _, key := range keys {
		entry := map[string]any{
			"id":         key.ID,
			"name":       key.Name,
			"scopes":     key.Scopes,
			"created_at": key.CreatedAt.Format(time.RFC3339),
			"revoked":    key.RevokedAt != nil,
		}
		if key.LastUsedAt != nil {
			entry["last_used_at"] = key.LastUsedAt.Format(time.RFC3339)
		}
		out = append(out, entry)
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": out})
}

func (h *apiHandlers) handleCreateKey(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireScope(w, r, manageKeysScope)
	if !ok {
		return
	}

	var req struct {
		Name   string   `json:"name"`
		Scopes []string `json:"scopes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if len(req.Scopes) == 0 {
		req.Scopes = []string{"*"}
	}

	raw, key, err := h.keys.Issue(r.Context(), identity.UserID, req.Name, req.Scopes)
	if errors.Is(err, apikey.ErrTooManyKeys) {
		http.Error(w, "key limit reached", http.StatusConflict)
		return
	}
	if err != nil {
		h.logger.Error("failed to issue api key", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	// The raw key appears in this response and nowhere else.
	writeJSON(w, http.StatusCreated, map[string]any{
		"id":     key.ID,
		"name":   key.Name,
		"key":    raw,
		"scopes": key.Scopes,
	})
}

func (h *apiHandlers) handleRevokeKey(w http.ResponseWriter, r *http.Request) {
	identity, ok := h.requireScope(w, r, manageKeysScope)
	if !ok {
		return
	}

	keyID := r.PathValue("id")
	if keyID == "" {
		http.Error(w, "key id is required", http.StatusBadRequest)
		return
	}

	if err := h.keys.Revoke(r.Context(), identity.UserID, keyID); err != nil {
		if errors.Is(err, apikey.ErrInvalidKey) {
			http.Error(w, "key not found", http.StatusNotFound)
			return
		}
		h.logger.Error("failed to revoke api key", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRevokeToken soft-revokes a credential the caller owns: an access
// token by jti, or a refresh token by its raw value.
func (h *apiHandlers) handleRevokeToken(w http.ResponseWriter, r *http.Request) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "no identity", http.StatusInternalServerError)
		return
	}

	var req struct {
		Token string `json:"token"`
		Kind  string `json:"kind"` // "access" or "refresh"
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Token == "" {
		http.Error(w, "token is required", http.StatusBadRequest)
		return
	}

	kind := oauth.KindAccessToken
	if req.Kind == "refresh" {
		kind = oauth.KindRefreshToken
	}
	adapter := h.registry.Adapter(kind)

	// Ownership check before revocation: the token must resolve to the
	// caller. Unknown tokens 404 without revealing whether they ever existed.
	payload, err := adapter.Find(r.Context(), req.Token)
	if err != nil {
		h.logger.Error("token lookup failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if payload == nil || payload["accountId"] != identity.UserID {
		http.Error(w, "token not found", http.StatusNotFound)
		return
	}

	// Writes run to completion even if the caller goes away.
	ctx := context.WithoutCancel(r.Context())
	if err := adapter.Destroy(ctx, req.Token); err != nil && !errors.Is(err, oauth.ErrNotFound) {
		h.logger.Error("token revocation failed", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *apiHandlers) requireScope(w http.ResponseWriter, r *http.Request, scope string) (*auth.Identity, bool) {
	identity, ok := auth.IdentityFromContext(r.Context())
	if !ok {
		http.Error(w, "no identity", http.StatusInternalServerError)
		return nil, false
	}
	if !identity.HasScope(scope) {
		writeJSON(w, http.StatusForbidden, map[string]any{
			"error":      auth.ErrorCodeInsufficientScope,
			"request_id": auth.RequestIDFromContext(r.Context()),
		})
		return nil, false
	}
	return identity, true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
