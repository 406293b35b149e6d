package oauth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"

	"golang.org/x/crypto/bcrypt"
)

// RandomString returns a base64url-encoded string of length bytes of entropy.
func RandomString(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// HashToken returns the hex-encoded SHA-256 digest of a secret, used for
// lookup-by-hash storage of authorization codes, refresh tokens and API keys.
// Plain SHA-256 is sufficient because the inputs are high-entropy random
// values; client secrets are bcrypt-hashed instead since they are compared
// after fetch, not looked up.
func HashToken(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// HashClientSecret bcrypt-hashes a client secret for storage on the client
// record.
func HashClientSecret(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyClientSecret reports whether a presented secret matches the stored
// bcrypt hash.
func VerifyClientSecret(hash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(secret)) == nil
}
