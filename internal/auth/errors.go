package auth

import (
	"encoding/json"
	"net/http"
)

// Machine-readable error codes carried in error response bodies.
const (
	ErrorCodeMissingCredential = "missing_credential"
	ErrorCodeInvalidCredential = "invalid_credential"
	ErrorCodeInsufficientScope = "insufficient_scope"
	ErrorCodeRateLimited       = "rate_limited"
	ErrorCodeInternalError     = "internal_error"
)

// errorBody is the uniform JSON error response. The message is always
// generic; anything useful for debugging goes to the server log under the
// same request id.
type errorBody struct {
	Error     string `json:"error"`
	Message   string `json:"message,omitempty"`
	RequestID string `json:"request_id"`
}

func writeError(w http.ResponseWriter, status int, code, message, requestID string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{
		Error:     code,
		Message:   message,
		RequestID: requestID,
	})
}
