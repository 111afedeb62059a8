package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"

	"github.com/fairlinestudio/open-pay-go/internal/platform/errs"
)

// NewRefreshToken returns a base64url-encoded 64-byte random secret and the
// SHA-256 hex digest that is the only form ever persisted.
func NewRefreshToken() (token, hash string, err error) {
	buf := make([]byte, 64)
	if _, err := rand.Read(buf); err != nil {
		return "", "", errs.Wrap(errs.Fatal, "entropy source failed", err)
	}
	token = base64.RawURLEncoding.EncodeToString(buf)
	return token, HashToken(token), nil
}

func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}
