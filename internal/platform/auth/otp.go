package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"math/big"
	"time"

	"github.com/fairlinestudio/open-pay-go/internal/platform/clock"
	"github.com/fairlinestudio/open-pay-go/internal/platform/errs"
)

const (
	DefaultOTPLength   = 6
	DefaultOTPAttempts = 3
	DefaultOTPLifetime = 10 * time.Minute
)

// Challenge is a single-use one-time code. The code itself is kept by the
// caller only long enough to deliver it; verification consumes the
// challenge.
type Challenge struct {
	Code        string    `json:"code"`
	Channel     string    `json:"channel"`
	ExpiresAt   time.Time `json:"expiresAt"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"maxAttempts"`
	Used        bool      `json:"used"`
}

// NewChallenge issues a fixed-length decimal code. Lengths outside 4..10
// are clamped.
func NewChallenge(length int, channel string, lifetime time.Duration, maxAttempts int, clk clock.Clock) (Challenge, error) {
	if length < 4 {
		length = 4
	}
	if length > 10 {
		length = 10
	}
	if lifetime <= 0 {
		lifetime = DefaultOTPLifetime
	}
	if maxAttempts <= 0 {
		maxAttempts = DefaultOTPAttempts
	}
	code := make([]byte, length)
	for i := range code {
		n, err := rand.Int(rand.Reader, big.NewInt(10))
		if err != nil {
			return Challenge{}, errs.Wrap(errs.Fatal, "entropy source failed", err)
		}
		code[i] = byte('0' + n.Int64())
	}
	return Challenge{
		Code:        string(code),
		Channel:     channel,
		ExpiresAt:   clk.Now().UTC().Add(lifetime),
		MaxAttempts: maxAttempts,
	}, nil
}

// Verify consumes one attempt. A matching code succeeds at most once;
// expired or exhausted challenges never succeed. The caller persists the
// mutated challenge (or deletes it once Used).
func (c *Challenge) Verify(code string, clk clock.Clock) error {
	if c.Used {
		return errs.E(errs.Unauthenticated, "code already used")
	}
	if !clk.Now().UTC().Before(c.ExpiresAt) {
		return errs.E(errs.Expired, "code expired")
	}
	if c.Attempts >= c.MaxAttempts {
		return errs.E(errs.RateLimited, "too many attempts")
	}
	c.Attempts++
	if subtle.ConstantTimeCompare([]byte(c.Code), []byte(code)) != 1 {
		return errs.E(errs.Unauthenticated, "code mismatch")
	}
	c.Used = true
	return nil
}
