package server

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/fairlinestudio/open-pay-go/internal/platform/auth"
	"github.com/fairlinestudio/open-pay-go/internal/platform/bus"
	"github.com/fairlinestudio/open-pay-go/internal/platform/cache"
	"github.com/fairlinestudio/open-pay-go/internal/platform/clock"
	"github.com/fairlinestudio/open-pay-go/internal/platform/errs"
	"github.com/fairlinestudio/open-pay-go/internal/platform/repo"
)

const (
	UserStatusPending   = "pending"
	UserStatusActive    = "active"
	UserStatusSuspended = "suspended"

	SessionStatusActive  = "active"
	SessionStatusRevoked = "revoked"
)

type User struct {
	repo.Meta        `bson:",inline"`
	TenantID         string    `json:"tenantId" bson:"tenantId"`
	Username         string    `json:"username" bson:"username"`
	Email            string    `json:"email" bson:"email"`
	Phone            string    `json:"phone,omitempty" bson:"phone,omitempty"`
	PasswordHash     string    `json:"passwordHash" bson:"passwordHash"`
	Status           string    `json:"status" bson:"status"`
	Roles            []string  `json:"roles" bson:"roles"`
	Permissions      []string  `json:"permissions,omitempty" bson:"permissions,omitempty"`
	BirthDate        string    `json:"birthDate,omitempty" bson:"birthDate,omitempty"`
	ReferredBy       string    `json:"referredBy,omitempty" bson:"referredBy,omitempty"`
	TwoFactorEnabled bool      `json:"twoFactorEnabled" bson:"twoFactorEnabled"`
	TwoFactorChannel string    `json:"twoFactorChannel,omitempty" bson:"twoFactorChannel,omitempty"`
	FailedAttempts   int       `json:"failedAttempts" bson:"failedAttempts"`
	LockedUntil      time.Time `json:"lockedUntil,omitempty" bson:"lockedUntil,omitempty"`
	LastLoginAt      time.Time `json:"lastLoginAt,omitempty" bson:"lastLoginAt,omitempty"`
}

// UserView is the wire-safe projection of a user. Credential material never
// leaves the service.
type UserView struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	Username    string    `json:"username"`
	Email       string    `json:"email"`
	Phone       string    `json:"phone,omitempty"`
	Status      string    `json:"status"`
	Roles       []string  `json:"roles"`
	LastLoginAt time.Time `json:"lastLoginAt,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (u *User) View() UserView {
	return UserView{
		ID:          u.ID,
		TenantID:    u.TenantID,
		Username:    u.Username,
		Email:       u.Email,
		Phone:       u.Phone,
		Status:      u.Status,
		Roles:       u.Roles,
		LastLoginAt: u.LastLoginAt,
		CreatedAt:   u.CreatedAt,
	}
}

type Session struct {
	repo.Meta        `bson:",inline"`
	UserID           string    `json:"userId" bson:"userId"`
	TenantID         string    `json:"tenantId" bson:"tenantId"`
	DeviceID         string    `json:"deviceId" bson:"deviceId"`
	UserAgent        string    `json:"userAgent,omitempty" bson:"userAgent,omitempty"`
	IP               string    `json:"ip,omitempty" bson:"ip,omitempty"`
	RefreshTokenHash string    `json:"refreshTokenHash" bson:"refreshTokenHash"`
	Status           string    `json:"status" bson:"status"`
	ExpiresAt        time.Time `json:"expiresAt" bson:"expiresAt"`
	LastUsedAt       time.Time `json:"lastUsedAt" bson:"lastUsedAt"`
}

// IdentityConfig carries the tunables loaded from the config store.
type IdentityConfig struct {
	AccessTTL         time.Duration
	SessionTTL        time.Duration
	LockoutThreshold  int
	LockoutDuration   time.Duration
	MaxActiveSessions int
	RevokedRetention  time.Duration
	OTPLength         int
	OTPLifetime       time.Duration
}

func (c IdentityConfig) withDefaults() IdentityConfig {
	if c.AccessTTL <= 0 {
		c.AccessTTL = 15 * time.Minute
	}
	if c.SessionTTL <= 0 {
		c.SessionTTL = 30 * 24 * time.Hour
	}
	if c.LockoutThreshold <= 0 {
		c.LockoutThreshold = 5
	}
	if c.LockoutDuration <= 0 {
		c.LockoutDuration = 15 * time.Minute
	}
	if c.MaxActiveSessions <= 0 {
		c.MaxActiveSessions = 10
	}
	if c.RevokedRetention <= 0 {
		c.RevokedRetention = 30 * 24 * time.Hour
	}
	if c.OTPLength <= 0 {
		c.OTPLength = auth.DefaultOTPLength
	}
	if c.OTPLifetime <= 0 {
		c.OTPLifetime = auth.DefaultOTPLifetime
	}
	return c
}

type IdentityService struct {
	users    *repo.Repository[*User]
	sessions *repo.Repository[*Session]
	signer   *auth.Signer
	hasher   *auth.Hasher
	otps     cache.Cache
	broker   bus.Bus
	clk      clock.Clock
	metrics  *Metrics
	cfg      IdentityConfig
}

func NewIdentityService(
	users *repo.Repository[*User],
	sessions *repo.Repository[*Session],
	signer *auth.Signer,
	hasher *auth.Hasher,
	otps cache.Cache,
	broker bus.Bus,
	clk clock.Clock,
	m *Metrics,
	cfg IdentityConfig,
) *IdentityService {
	return &IdentityService{
		users:    users,
		sessions: sessions,
		signer:   signer,
		hasher:   hasher,
		otps:     otps,
		broker:   broker,
		clk:      clk,
		metrics:  m,
		cfg:      cfg.withDefaults(),
	}
}

func UserIndexes() []repo.Index {
	return []repo.Index{
		{Fields: []string{"tenantId", "username"}, Unique: true},
		{Fields: []string{"tenantId", "email"}, Unique: true},
		{Fields: []string{"tenantId", "phone"}},
	}
}

func SessionIndexes() []repo.Index {
	return []repo.Index{
		{Fields: []string{"refreshTokenHash"}, Unique: true},
		{Fields: []string{"userId", "deviceId", "status"}},
		{Fields: []string{"expiresAt"}},
	}
}

type RegisterRequest struct {
	TenantID   string
	Username   string
	Email      string
	Phone      string
	Password   string
	BirthDate  string
	ReferredBy string
	Roles      []string
}

func (s *IdentityService) Register(ctx context.Context, req RegisterRequest) (*User, error) {
	if req.Username == "" || req.Email == "" {
		return nil, errs.E(errs.InvalidInput, "username and email are required")
	}
	hash, err := s.hasher.Hash(req.Password)
	if err != nil {
		return nil, err
	}
	roles := req.Roles
	if len(roles) == 0 {
		roles = []string{"player"}
	}
	u := &User{
		TenantID:     req.TenantID,
		Username:     strings.ToLower(strings.TrimSpace(req.Username)),
		Email:        strings.ToLower(strings.TrimSpace(req.Email)),
		Phone:        normalizePhone(req.Phone),
		PasswordHash: hash,
		Status:       UserStatusPending,
		Roles:        roles,
		BirthDate:    req.BirthDate,
		ReferredBy:   req.ReferredBy,
	}
	if err := s.users.Create(ctx, u); err != nil {
		if errs.Is(err, errs.Conflict) {
			return nil, errs.E(errs.Conflict, "username or email already registered")
		}
		return nil, err
	}
	s.publish(ctx, "user.registered", u, map[string]any{
		"username":   u.Username,
		"email":      u.Email,
		"referredBy": u.ReferredBy,
	})
	return u, nil
}

type LoginRequest struct {
	TenantID   string
	Identifier string
	Password   string
	OTPCode    string
	DeviceID   string
	UserAgent  string
	IP         string
}

type LoginResult struct {
	UserID            string    `json:"userId"`
	SessionID         string    `json:"sessionId"`
	AccessToken       string    `json:"accessToken,omitempty"`
	AccessExpiresAt   time.Time `json:"accessExpiresAt,omitempty"`
	RefreshToken      string    `json:"refreshToken,omitempty"`
	TwoFactorRequired bool      `json:"twoFactorRequired,omitempty"`
	TwoFactorChannel  string    `json:"twoFactorChannel,omitempty"`
}

// Login authenticates a credential pair and opens (or rotates) the device
// session. Accounts requiring a second factor get a challenge on the first
// call and complete on the second call carrying the code. Absent users,
// wrong passwords, suspensions and lockouts all surface as the same
// credential failure.
func (s *IdentityService) Login(ctx context.Context, req LoginRequest) (LoginResult, error) {
	invalid := errs.E(errs.Unauthenticated, "invalid credentials")
	now := s.clk.Now().UTC()

	u, err := s.findByIdentifier(ctx, req.TenantID, req.Identifier)
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			s.metrics.loginAttempt("invalid_credentials")
			return LoginResult{}, invalid
		}
		return LoginResult{}, err
	}
	if u.Status == UserStatusSuspended {
		s.metrics.loginAttempt("suspended")
		return LoginResult{}, invalid
	}
	if u.LockedUntil.After(now) {
		s.metrics.loginAttempt("locked")
		return LoginResult{}, invalid
	}
	if !auth.Compare(u.PasswordHash, req.Password) {
		s.metrics.loginAttempt("invalid_credentials")
		return LoginResult{}, s.recordFailure(ctx, u, invalid)
	}

	if u.TwoFactorEnabled {
		if req.OTPCode == "" {
			if err := s.issueChallenge(ctx, u); err != nil {
				return LoginResult{}, err
			}
			s.metrics.loginAttempt("two_factor_required")
			return LoginResult{
				UserID:            u.ID,
				TwoFactorRequired: true,
				TwoFactorChannel:  u.TwoFactorChannel,
			}, nil
		}
		if err := s.verifyChallenge(ctx, u, req.OTPCode); err != nil {
			s.metrics.loginAttempt("two_factor_failed")
			return LoginResult{}, err
		}
	}

	u.FailedAttempts = 0
	u.LockedUntil = time.Time{}
	u.LastLoginAt = now
	if u.Status == UserStatusPending {
		u.Status = UserStatusActive
	}
	if err := s.users.Update(ctx, u); err != nil {
		return LoginResult{}, err
	}

	deviceID := auth.DeviceID(req.DeviceID, req.UserAgent, req.IP)
	sess, refresh, err := s.openSession(ctx, u, deviceID, req.UserAgent, req.IP)
	if err != nil {
		return LoginResult{}, err
	}

	access, exp, err := s.signer.Sign(auth.Claims{
		UserID:      u.ID,
		TenantID:    u.TenantID,
		Roles:       u.Roles,
		Permissions: u.Permissions,
	})
	if err != nil {
		return LoginResult{}, err
	}

	s.metrics.loginAttempt("success")
	s.publish(ctx, "user.logged_in", u, map[string]any{"sessionId": sess.ID, "deviceId": deviceID})
	return LoginResult{
		UserID:          u.ID,
		SessionID:       sess.ID,
		AccessToken:     access,
		AccessExpiresAt: exp,
		RefreshToken:    refresh,
	}, nil
}

// openSession reuses the active session for this device, rotating its
// refresh secret, or creates a fresh one. Rotation happens only here;
// access-token refreshes keep the secret stable.
func (s *IdentityService) openSession(ctx context.Context, u *User, deviceID, userAgent, ip string) (*Session, string, error) {
	now := s.clk.Now().UTC()
	secret, hash, err := auth.NewRefreshToken()
	if err != nil {
		return nil, "", err
	}

	existing, err := s.sessions.FindOne(ctx, repo.Filter{
		"userId":   u.ID,
		"deviceId": deviceID,
		"status":   SessionStatusActive,
	})
	if err == nil && existing.ExpiresAt.After(now) {
		existing.RefreshTokenHash = hash
		existing.ExpiresAt = now.Add(s.cfg.SessionTTL)
		existing.LastUsedAt = now
		existing.UserAgent = userAgent
		existing.IP = ip
		if err := s.sessions.Update(ctx, existing); err != nil {
			return nil, "", err
		}
		return existing, secret, nil
	}
	if err != nil && !errs.Is(err, errs.NotFound) {
		return nil, "", err
	}

	if err := s.pruneSessions(ctx, u.ID); err != nil {
		return nil, "", err
	}
	sess := &Session{
		UserID:           u.ID,
		TenantID:         u.TenantID,
		DeviceID:         deviceID,
		UserAgent:        userAgent,
		IP:               ip,
		RefreshTokenHash: hash,
		Status:           SessionStatusActive,
		ExpiresAt:        now.Add(s.cfg.SessionTTL),
		LastUsedAt:       now,
	}
	if err := s.sessions.Create(ctx, sess); err != nil {
		return nil, "", err
	}
	s.metrics.sessionOpened()
	return sess, secret, nil
}

// pruneSessions revokes the oldest active sessions once the soft cap is
// reached, making room for the one about to open.
func (s *IdentityService) pruneSessions(ctx context.Context, userID string) error {
	active, err := s.sessions.FindMany(ctx, repo.Query{
		Filter: repo.Filter{"userId": userID, "status": SessionStatusActive},
		Sort:   "lastUsedAt",
	})
	if err != nil {
		return err
	}
	excess := len(active) - s.cfg.MaxActiveSessions + 1
	for i := 0; i < excess && i < len(active); i++ {
		active[i].Status = SessionStatusRevoked
		if err := s.sessions.Update(ctx, active[i]); err != nil {
			return err
		}
		s.metrics.sessionClosed(1)
	}
	return nil
}

// RefreshAccess exchanges a refresh secret for a new access token. The
// refresh secret itself is not rotated.
func (s *IdentityService) RefreshAccess(ctx context.Context, refreshSecret string) (LoginResult, error) {
	invalid := errs.E(errs.Unauthenticated, "invalid refresh token")
	if refreshSecret == "" {
		return LoginResult{}, invalid
	}
	now := s.clk.Now().UTC()

	sess, err := s.sessions.FindOne(ctx, repo.Filter{"refreshTokenHash": auth.HashToken(refreshSecret)})
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return LoginResult{}, invalid
		}
		return LoginResult{}, err
	}
	if sess.Status != SessionStatusActive {
		return LoginResult{}, invalid
	}
	if !sess.ExpiresAt.After(now) {
		return LoginResult{}, errs.E(errs.Expired, "session expired")
	}

	u, err := s.users.FindByID(ctx, sess.UserID)
	if err != nil {
		return LoginResult{}, invalid
	}
	if u.Status != UserStatusActive {
		return LoginResult{}, invalid
	}

	sess.LastUsedAt = now
	if err := s.sessions.Update(ctx, sess); err != nil {
		return LoginResult{}, err
	}

	access, exp, err := s.signer.Sign(auth.Claims{
		UserID:      u.ID,
		TenantID:    u.TenantID,
		Roles:       u.Roles,
		Permissions: u.Permissions,
	})
	if err != nil {
		return LoginResult{}, err
	}
	return LoginResult{
		UserID:          u.ID,
		SessionID:       sess.ID,
		AccessToken:     access,
		AccessExpiresAt: exp,
	}, nil
}

// Logout revokes the session holding the given refresh secret.
func (s *IdentityService) Logout(ctx context.Context, refreshSecret string) error {
	sess, err := s.sessions.FindOne(ctx, repo.Filter{"refreshTokenHash": auth.HashToken(refreshSecret)})
	if err != nil {
		if errs.Is(err, errs.NotFound) {
			return nil // already gone, logout is idempotent
		}
		return err
	}
	if sess.Status == SessionStatusRevoked {
		return nil
	}
	sess.Status = SessionStatusRevoked
	if err := s.sessions.Update(ctx, sess); err != nil {
		return err
	}
	s.metrics.sessionClosed(1)
	s.publishByID(ctx, "user.logged_out", sess.UserID, sess.TenantID, map[string]any{"sessionId": sess.ID})
	return nil
}

// LogoutAll revokes every active session a user holds.
func (s *IdentityService) LogoutAll(ctx context.Context, userID string) (int, error) {
	active, err := s.sessions.FindMany(ctx, repo.Query{
		Filter: repo.Filter{"userId": userID, "status": SessionStatusActive},
	})
	if err != nil {
		return 0, err
	}
	for _, sess := range active {
		sess.Status = SessionStatusRevoked
		if err := s.sessions.Update(ctx, sess); err != nil {
			return 0, err
		}
	}
	if len(active) > 0 {
		s.metrics.sessionClosed(len(active))
		s.publishByID(ctx, "user.logged_out", userID, active[0].TenantID, map[string]any{"sessions": len(active)})
	}
	return len(active), nil
}

// CleanupExpiredSessions deletes sessions past their expiry and revoked
// sessions older than the retention window. Run periodically.
func (s *IdentityService) CleanupExpiredSessions(ctx context.Context) (int, error) {
	now := s.clk.Now().UTC()
	deleted := 0

	expired, err := s.sessions.FindMany(ctx, repo.Query{
		Filter: repo.Filter{"expiresAt": repo.Range{Lt: now}},
	})
	if err != nil {
		return 0, err
	}
	for _, sess := range expired {
		if err := s.sessions.Delete(ctx, sess.ID); err != nil && !errs.Is(err, errs.NotFound) {
			return deleted, err
		}
		if sess.Status == SessionStatusActive {
			s.metrics.sessionClosed(1)
		}
		deleted++
	}

	stale, err := s.sessions.FindMany(ctx, repo.Query{
		Filter: repo.Filter{
			"status":    SessionStatusRevoked,
			"updatedAt": repo.Range{Lt: now.Add(-s.cfg.RevokedRetention)},
		},
	})
	if err != nil {
		return deleted, err
	}
	for _, sess := range stale {
		if err := s.sessions.Delete(ctx, sess.ID); err != nil && !errs.Is(err, errs.NotFound) {
			return deleted, err
		}
		deleted++
	}

	s.metrics.sessionsCleaned(deleted)
	return deleted, nil
}

func (s *IdentityService) User(ctx context.Context, id string) (*User, error) {
	return s.users.FindByID(ctx, id)
}

func (s *IdentityService) SetUserStatus(ctx context.Context, id, status string) error {
	switch status {
	case UserStatusPending, UserStatusActive, UserStatusSuspended:
	default:
		return errs.E(errs.InvalidInput, "unknown user status", "status", status)
	}
	u, err := s.users.FindByID(ctx, id)
	if err != nil {
		return err
	}
	u.Status = status
	if err := s.users.Update(ctx, u); err != nil {
		return err
	}
	if status == UserStatusSuspended {
		_, err = s.LogoutAll(ctx, id)
	}
	return err
}

func (s *IdentityService) recordFailure(ctx context.Context, u *User, invalid error) error {
	u.FailedAttempts++
	if u.FailedAttempts >= s.cfg.LockoutThreshold {
		u.LockedUntil = s.clk.Now().UTC().Add(s.cfg.LockoutDuration)
		u.FailedAttempts = 0
		s.metrics.lockout()
	}
	if err := s.users.Update(ctx, u); err != nil {
		return err
	}
	return invalid
}

func (s *IdentityService) otpKey(userID string) string {
	return "otp_challenge:" + userID
}

func (s *IdentityService) issueChallenge(ctx context.Context, u *User) error {
	ch, err := auth.NewChallenge(s.cfg.OTPLength, u.TwoFactorChannel, s.cfg.OTPLifetime, auth.DefaultOTPAttempts, s.clk)
	if err != nil {
		return err
	}
	raw, err := json.Marshal(ch)
	if err != nil {
		return errs.Wrap(errs.Fatal, "challenge encode failed", err)
	}
	if err := s.otps.Set(ctx, s.otpKey(u.ID), string(raw), s.cfg.OTPLifetime); err != nil {
		return errs.Wrap(errs.DependencyUnavailable, "challenge store failed", err)
	}
	s.publish(ctx, "user.otp_issued", u, map[string]any{
		"channel": ch.Channel,
		"code":    ch.Code,
	})
	return nil
}

func (s *IdentityService) verifyChallenge(ctx context.Context, u *User, code string) error {
	raw, ok, err := s.otps.Get(ctx, s.otpKey(u.ID))
	if err != nil {
		return errs.Wrap(errs.DependencyUnavailable, "challenge lookup failed", err)
	}
	if !ok {
		return errs.E(errs.Expired, "verification code expired")
	}
	var ch auth.Challenge
	if err := json.Unmarshal([]byte(raw), &ch); err != nil {
		return errs.Wrap(errs.Fatal, "challenge decode failed", err)
	}
	verr := ch.Verify(code, s.clk)
	if verr == nil || ch.Used {
		_ = s.otps.Delete(ctx, s.otpKey(u.ID))
		return verr
	}
	// Persist the spent attempt so retries count against the budget.
	if updated, err := json.Marshal(ch); err == nil {
		_ = s.otps.Set(ctx, s.otpKey(u.ID), string(updated), s.cfg.OTPLifetime)
	}
	return verr
}

func (s *IdentityService) findByIdentifier(ctx context.Context, tenantID, identifier string) (*User, error) {
	id := strings.TrimSpace(identifier)
	if id == "" {
		return nil, errs.E(errs.NotFound, "user not found")
	}
	var f repo.Filter
	switch {
	case strings.Contains(id, "@"):
		f = repo.Filter{"email": strings.ToLower(id)}
	case isPhone(id):
		f = repo.Filter{"phone": normalizePhone(id)}
	default:
		f = repo.Filter{"username": strings.ToLower(id)}
	}
	if tenantID != "" {
		f["tenantId"] = tenantID
	}
	return s.users.FindOne(ctx, f)
}

func (s *IdentityService) publish(ctx context.Context, eventType string, u *User, data map[string]any) {
	s.publishByID(ctx, eventType, u.ID, u.TenantID, data)
}

func (s *IdentityService) publishByID(ctx context.Context, eventType, userID, tenantID string, data map[string]any) {
	if s.broker == nil {
		return
	}
	_ = s.broker.Publish(ctx, bus.ChannelAuth, bus.Envelope{
		EventType: eventType,
		UserID:    userID,
		TenantID:  tenantID,
		Data:      data,
		Timestamp: s.clk.Now().UTC(),
	})
}

func normalizePhone(p string) string {
	var b strings.Builder
	for _, r := range p {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

func isPhone(s string) bool {
	digits := 0
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
			digits++
		case r == '+' || r == ' ' || r == '-' || r == '(' || r == ')':
		default:
			return false
		}
	}
	return digits >= 7
}
