package auth

import (
	"golang.org/x/crypto/bcrypt"

	"github.com/fairlinestudio/open-pay-go/internal/platform/errs"
)

const minBcryptCost = 12

// Hasher wraps bcrypt with a floor on the cost factor.
type Hasher struct {
	cost int
}

func NewHasher(cost int) *Hasher {
	if cost < minBcryptCost {
		cost = minBcryptCost
	}
	return &Hasher{cost: cost}
}

func (h *Hasher) Hash(password string) (string, error) {
	if password == "" {
		return "", errs.E(errs.InvalidInput, "password must not be empty")
	}
	out, err := bcrypt.GenerateFromPassword([]byte(password), h.cost)
	if err != nil {
		return "", errs.Wrap(errs.Fatal, "password hashing failed", err)
	}
	return string(out), nil
}

// Compare reports whether password matches hash. Hash format errors count
// as a mismatch.
func Compare(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
