package auth

import (
	"context"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fairlinestudio/open-pay-go/internal/platform/clock"
	"github.com/fairlinestudio/open-pay-go/internal/platform/errs"
)

type contextKey string

const claimsContextKey contextKey = "claims"

// Claims is the verified identity carried on requests.
type Claims struct {
	UserID      string
	TenantID    string
	Roles       []string
	Permissions []string
}

func (c Claims) HasAnyRole(roles ...string) bool {
	for _, want := range roles {
		for _, have := range c.Roles {
			if have == want {
				return true
			}
		}
	}
	return false
}

func (c Claims) HasPermission(p string) bool {
	for _, have := range c.Permissions {
		if have == p {
			return true
		}
	}
	return false
}

// Signer issues HS256 access tokens.
type Signer struct {
	secret []byte
	ttl    time.Duration
	clk    clock.Clock
}

func NewSigner(secret string, ttl time.Duration, clk clock.Clock) *Signer {
	return &Signer{secret: []byte(secret), ttl: ttl, clk: clk}
}

func (s *Signer) Sign(c Claims) (string, time.Time, error) {
	now := s.clk.Now().UTC()
	exp := now.Add(s.ttl)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":         c.UserID,
		"tid":         c.TenantID,
		"roles":       c.Roles,
		"permissions": c.Permissions,
		"type":        "access",
		"iat":         now.Unix(),
		"exp":         exp.Unix(),
	})
	signed, err := tok.SignedString(s.secret)
	if err != nil {
		return "", time.Time{}, errs.Wrap(errs.Fatal, "token signing failed", err)
	}
	return signed, exp, nil
}

// Verifier validates tokens issued by a Signer sharing the same secret.
type Verifier struct {
	secret []byte
	clk    clock.Clock
}

func NewVerifier(secret string, clk clock.Clock) *Verifier {
	return &Verifier{secret: []byte(secret), clk: clk}
}

func (v *Verifier) Parse(tokenString string) (Claims, error) {
	claims := jwt.MapClaims{}
	tok, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if token.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(5*time.Second),
		jwt.WithTimeFunc(func() time.Time { return v.clk.Now().UTC() }),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, errs.E(errs.Expired, "access token expired")
		}
		return Claims{}, errs.E(errs.Unauthenticated, "invalid access token")
	}
	if !tok.Valid {
		return Claims{}, errs.E(errs.Unauthenticated, "invalid access token")
	}
	if t, _ := claims["type"].(string); t != "access" {
		return Claims{}, errs.E(errs.Unauthenticated, "not an access token")
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Claims{}, errs.E(errs.Unauthenticated, "missing subject claim")
	}
	tid, _ := claims["tid"].(string)
	return Claims{
		UserID:      sub,
		TenantID:    tid,
		Roles:       stringSlice(claims["roles"]),
		Permissions: permissionList(claims["permissions"]),
	}, nil
}

func stringSlice(v any) []string {
	raw, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(raw))
	for _, e := range raw {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// permissionList accepts both wire shapes: a list of names or a name-to-bool
// map.
func permissionList(v any) []string {
	if m, ok := v.(map[string]any); ok {
		out := make([]string, 0, len(m))
		for name, enabled := range m {
			if on, _ := enabled.(bool); on {
				out = append(out, name)
			}
		}
		return out
	}
	return stringSlice(v)
}

func WithClaims(ctx context.Context, c Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, c)
}

func ClaimsFromContext(ctx context.Context) (Claims, bool) {
	c, ok := ctx.Value(claimsContextKey).(Claims)
	return c, ok
}
