package auth

import (
	"testing"
	"time"

	"github.com/fairlinestudio/open-pay-go/internal/platform/clock"
	"github.com/fairlinestudio/open-pay-go/internal/platform/errs"
)

func fixedClock() *clock.Fixed {
	return &clock.Fixed{T: time.Date(2026, 5, 5, 11, 0, 0, 0, time.UTC)}
}

func TestSignAndParseRoundtrip(t *testing.T) {
	clk := fixedClock()
	signer := NewSigner("secret", 15*time.Minute, clk)
	verifier := NewVerifier("secret", clk)

	token, exp, err := signer.Sign(Claims{
		UserID:      "u1",
		TenantID:    "t1",
		Roles:       []string{"player"},
		Permissions: []string{"wallet:read"},
	})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	if !exp.Equal(clk.T.Add(15 * time.Minute)) {
		t.Fatalf("exp = %v", exp)
	}

	got, err := verifier.Parse(token)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got.UserID != "u1" || got.TenantID != "t1" {
		t.Fatalf("claims: %+v", got)
	}
	if !got.HasAnyRole("admin", "player") || got.HasAnyRole("admin") {
		t.Fatalf("role check: %+v", got.Roles)
	}
	if !got.HasPermission("wallet:read") {
		t.Fatalf("permission check: %+v", got.Permissions)
	}
}

func TestParseExpiredToken(t *testing.T) {
	clk := fixedClock()
	signer := NewSigner("secret", time.Minute, clk)
	verifier := NewVerifier("secret", clk)

	token, _, err := signer.Sign(Claims{UserID: "u1"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	clk.Advance(2 * time.Minute)
	if _, err := verifier.Parse(token); !errs.Is(err, errs.Expired) {
		t.Fatalf("err = %v, want Expired", err)
	}
}

func TestParseRejectsWrongSecret(t *testing.T) {
	clk := fixedClock()
	signer := NewSigner("secret", time.Minute, clk)
	token, _, err := signer.Sign(Claims{UserID: "u1"})
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	verifier := NewVerifier("other-secret", clk)
	if _, err := verifier.Parse(token); !errs.Is(err, errs.Unauthenticated) {
		t.Fatalf("err = %v, want Unauthenticated", err)
	}
}

func TestRefreshTokenHashIsStable(t *testing.T) {
	token, hash, err := NewRefreshToken()
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if token == "" || hash == "" {
		t.Fatalf("empty output")
	}
	if HashToken(token) != hash {
		t.Fatalf("hash mismatch")
	}
	other, _, _ := NewRefreshToken()
	if other == token {
		t.Fatalf("tokens not unique")
	}
}

func TestHasherFloorsCost(t *testing.T) {
	h := NewHasher(4)
	hash, err := h.Hash("pa55word")
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	if !Compare(hash, "pa55word") {
		t.Fatalf("compare failed for correct password")
	}
	if Compare(hash, "wrong") {
		t.Fatalf("compare accepted wrong password")
	}
	if Compare("not-a-hash", "pa55word") {
		t.Fatalf("malformed hash accepted")
	}
}

func TestOTPSingleUse(t *testing.T) {
	clk := fixedClock()
	c, err := NewChallenge(6, "email", 0, 0, clk)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if len(c.Code) != 6 {
		t.Fatalf("code length = %d", len(c.Code))
	}
	if err := c.Verify(c.Code, clk); err != nil {
		t.Fatalf("first verify: %v", err)
	}
	if err := c.Verify(c.Code, clk); !errs.Is(err, errs.Unauthenticated) {
		t.Fatalf("second verify err = %v, want Unauthenticated", err)
	}
}

func TestOTPExpiryAndAttempts(t *testing.T) {
	clk := fixedClock()
	c, _ := NewChallenge(4, "sms", time.Minute, 2, clk)

	if err := c.Verify("xxxx", clk); !errs.Is(err, errs.Unauthenticated) {
		t.Fatalf("wrong code err = %v", err)
	}
	if err := c.Verify("yyyy", clk); !errs.Is(err, errs.Unauthenticated) {
		t.Fatalf("wrong code err = %v", err)
	}
	// attempts exhausted, even the right code is refused
	if err := c.Verify(c.Code, clk); !errs.Is(err, errs.RateLimited) {
		t.Fatalf("exhausted err = %v, want RateLimited", err)
	}

	fresh, _ := NewChallenge(4, "sms", time.Minute, 3, clk)
	clk.Advance(2 * time.Minute)
	if err := fresh.Verify(fresh.Code, clk); !errs.Is(err, errs.Expired) {
		t.Fatalf("expired err = %v, want Expired", err)
	}
}

func TestOTPLengthClamped(t *testing.T) {
	clk := fixedClock()
	small, _ := NewChallenge(1, "email", 0, 0, clk)
	big, _ := NewChallenge(20, "email", 0, 0, clk)
	if len(small.Code) != 4 || len(big.Code) != 10 {
		t.Fatalf("lengths: %d, %d", len(small.Code), len(big.Code))
	}
}

func TestDeviceID(t *testing.T) {
	if got := DeviceID("client-id", "ua", "1.2.3.4"); got != "client-id" {
		t.Fatalf("supplied id not honoured: %q", got)
	}
	a := DeviceID("", "Mozilla/5.0", "10.0.0.1")
	b := DeviceID("", "Mozilla/5.0", "10.0.0.1")
	c := DeviceID("", "Mozilla/5.0", "10.0.0.2")
	if a != b || a == c {
		t.Fatalf("fingerprint not deterministic: %q %q %q", a, b, c)
	}
	if len(a) != 32 {
		t.Fatalf("fingerprint length = %d", len(a))
	}
	if DeviceID("", "", "") != DeviceID("", "unknown", "unknown") {
		t.Fatalf("empty inputs should default to unknown")
	}
}
