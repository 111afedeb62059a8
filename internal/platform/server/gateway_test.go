package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fairlinestudio/open-pay-go/internal/platform/auth"
	"github.com/fairlinestudio/open-pay-go/internal/platform/cache"
	"github.com/fairlinestudio/open-pay-go/internal/platform/clock"
	"github.com/fairlinestudio/open-pay-go/internal/platform/config"
	"github.com/fairlinestudio/open-pay-go/internal/platform/opstate"
	"github.com/fairlinestudio/open-pay-go/internal/platform/ratelimit"
	"github.com/fairlinestudio/open-pay-go/internal/platform/recovery"
	"github.com/fairlinestudio/open-pay-go/internal/platform/repo"
)

type gatewayEnv struct {
	handler http.Handler
	signer  *auth.Signer
	clk     *clock.Fixed
	wallet  *WalletService
	bonus   *BonusService
	configs *config.Store
}

func newGatewayEnv(t *testing.T, rateMax int64) *gatewayEnv {
	t.Helper()
	wallet, clk := testWallet(t)

	users := repo.New(
		repo.NewMemory(func() *User { return &User{} }),
		nil, clk, func() *User { return &User{} },
		repo.Config{Collection: "users", Indexes: UserIndexes()},
	)
	sessions := repo.New(
		repo.NewMemory(func() *Session { return &Session{} }),
		nil, clk, func() *Session { return &Session{} },
		repo.Config{Collection: "sessions", Indexes: SessionIndexes()},
	)
	templates := repo.New(
		repo.NewMemory(func() *BonusTemplate { return &BonusTemplate{} }),
		nil, clk, func() *BonusTemplate { return &BonusTemplate{} },
		repo.Config{Collection: "bonus_templates", Indexes: BonusTemplateIndexes()},
	)
	bonuses := repo.New(
		repo.NewMemory(func() *UserBonus { return &UserBonus{} }),
		nil, clk, func() *UserBonus { return &UserBonus{} },
		repo.Config{Collection: "user_bonuses", Indexes: UserBonusIndexes()},
	)
	notifications := repo.New(
		repo.NewMemory(func() *Notification { return &Notification{} }),
		nil, clk, func() *Notification { return &Notification{} },
		repo.Config{Collection: "notifications", Indexes: NotificationIndexes()},
	)
	for _, ensure := range []func(context.Context) error{
		users.EnsureIndexes, sessions.EnsureIndexes,
		templates.EnsureIndexes, bonuses.EnsureIndexes, notifications.EnsureIndexes,
	} {
		if err := ensure(context.Background()); err != nil {
			t.Fatalf("EnsureIndexes: %v", err)
		}
	}

	signer := auth.NewSigner("gw-secret", 15*time.Minute, clk)
	identity := NewIdentityService(
		users, sessions, signer, auth.NewHasher(0),
		cache.NewMemory(clk), nil, clk, nil, IdentityConfig{},
	)

	bonus := NewBonusService(templates, bonuses, wallet, nil, clk, nil)
	bonus.Register(NewDailyLoginHandler())
	bonus.Register(NewBirthdayHandler(users))
	bonus.Register(NewFlashHandler(bonuses))
	bonus.Register(NewReferralHandler(users))
	bonus.Register(NewSeasonalHandler())

	notify := NewNotifyService(notifications, clk, nil, nil)
	notify.RegisterSender(&stubSender{channel: "email"})

	configs := config.NewStore(config.NewMemoryBackend(), clk, nil)

	fw := recovery.NewFramework(opstate.NewTracker(cache.NewMemory(clk), clk), nil)
	fw.Register(NewTransferRecoveryHandler(wallet))

	gw := NewGateway(
		identity, wallet, bonus, notify, configs, fw,
		auth.NewVerifier("gw-secret", clk),
		ratelimit.New(cache.NewMemory(clk), clk, rateMax, time.Minute),
		nil, nil,
	)
	return &gatewayEnv{
		handler: gw.Router(),
		signer:  signer,
		clk:     clk,
		wallet:  wallet,
		bonus:   bonus,
		configs: configs,
	}
}

func testGateway(t *testing.T) *gatewayEnv {
	t.Helper()
	return newGatewayEnv(t, 1000)
}

func (env *gatewayEnv) token(t *testing.T, userID string, roles ...string) string {
	t.Helper()
	if len(roles) == 0 {
		roles = []string{"player"}
	}
	tok, _, err := env.signer.Sign(auth.Claims{UserID: userID, TenantID: "t1", Roles: roles})
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func (env *gatewayEnv) do(t *testing.T, method, path, token string, body any) (int, mutationResponse) {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(raw)
	} else {
		rd = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, rd)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	resp := rec.Result()
	defer resp.Body.Close()
	var envl mutationResponse
	if err := json.NewDecoder(resp.Body).Decode(&envl); err != nil {
		t.Fatalf("decode envelope: %v", err)
	}
	return resp.StatusCode, envl
}

// dataAs re-decodes the envelope's data into a typed value.
func dataAs(t *testing.T, data, dst any) {
	t.Helper()
	raw, err := json.Marshal(data)
	if err != nil {
		t.Fatalf("marshal data: %v", err)
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
}

func TestGatewayRequiresBearer(t *testing.T) {
	env := testGateway(t)

	status, envl := env.do(t, http.MethodGet, "/auth/me", "", nil)
	if status != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", status)
	}
	if envl.Success || len(envl.Errors) == 0 {
		t.Errorf("envelope = %+v, want failure with errors", envl)
	}

	status, _ = env.do(t, http.MethodGet, "/auth/me", "not-a-jwt", nil)
	if status != http.StatusUnauthorized {
		t.Errorf("garbage token status = %d, want 401", status)
	}
}

func TestGatewayExpiredTokenIsGone(t *testing.T) {
	env := testGateway(t)
	tok := env.token(t, "u1")
	env.clk.Advance(16 * time.Minute)

	status, _ := env.do(t, http.MethodGet, "/auth/me", tok, nil)
	if status != http.StatusGone {
		t.Errorf("status = %d, want 410 for expired token", status)
	}
}

func TestGatewayRolePredicate(t *testing.T) {
	env := testGateway(t)

	status, _ := env.do(t, http.MethodPost, "/bonus/templates", env.token(t, "u1"), BonusTemplate{
		Code: "x", Type: "daily_login", Value: 1, Currency: "EUR", Enabled: true,
	})
	if status != http.StatusForbidden {
		t.Fatalf("player creating template: status = %d, want 403", status)
	}

	status, envl := env.do(t, http.MethodPost, "/bonus/templates", env.token(t, "ops", "admin"), BonusTemplate{
		Code: "x", Type: "daily_login", Value: 100, Currency: "EUR", Enabled: true,
	})
	if status != http.StatusOK || !envl.Success {
		t.Fatalf("admin creating template: status = %d envelope = %+v", status, envl)
	}
}

func TestGatewayTransferEnvelope(t *testing.T) {
	env := testGateway(t)
	uA := mustWallet(t, env.wallet, "uA")
	mustWallet(t, env.wallet, "uB")
	deposit(t, env.wallet, uA, 10000)

	status, envl := env.do(t, http.MethodPost, "/wallet/transfers", env.token(t, "uA"), map[string]any{
		"toUserId": "uB", "amount": 1000, "currency": "EUR",
	})
	if status != http.StatusOK {
		t.Fatalf("status = %d, want 200; envelope %+v", status, envl)
	}
	var tr Transfer
	dataAs(t, envl.Data, &tr)
	if tr.Status != TransferStatusApproved {
		t.Errorf("transfer status = %s, want approved", tr.Status)
	}
	if envl.SagaID == "" || envl.SagaID != tr.ID {
		t.Errorf("sagaId = %q, want the transfer id %q", envl.SagaID, tr.ID)
	}

	// Spending beyond the balance surfaces the failed transfer in the
	// envelope rather than a bare error.
	status, envl = env.do(t, http.MethodPost, "/wallet/transfers", env.token(t, "uA"), map[string]any{
		"toUserId": "uB", "amount": 999999, "currency": "EUR",
	})
	if status != http.StatusUnprocessableEntity {
		t.Fatalf("status = %d, want 422", status)
	}
	if envl.Success || len(envl.Errors) == 0 || envl.SagaID == "" {
		t.Errorf("failed transfer envelope = %+v, want failure with reason and sagaId", envl)
	}
}

func TestGatewayBlocksForeignTransferSource(t *testing.T) {
	env := testGateway(t)
	uA := mustWallet(t, env.wallet, "uA")
	mustWallet(t, env.wallet, "uB")
	deposit(t, env.wallet, uA, 10000)

	status, _ := env.do(t, http.MethodPost, "/wallet/transfers", env.token(t, "uB"), map[string]any{
		"fromUserId": "uA", "toUserId": "uB", "amount": 1000, "currency": "EUR",
	})
	if status != http.StatusForbidden {
		t.Errorf("status = %d, want 403 when sourcing another user's funds", status)
	}

	status, _ = env.do(t, http.MethodPost, "/wallet/transfers", env.token(t, "ops", "admin"), map[string]any{
		"fromUserId": "uA", "toUserId": "uB", "amount": 1000, "currency": "EUR",
	})
	if status != http.StatusOK {
		t.Errorf("admin on-behalf transfer status = %d, want 200", status)
	}
}

func TestGatewayWalletOwnership(t *testing.T) {
	env := testGateway(t)
	w := mustWallet(t, env.wallet, "uA")
	deposit(t, env.wallet, w, 500)

	status, envl := env.do(t, http.MethodGet, "/wallet/wallets/"+w.ID+"/balance", env.token(t, "uA"), nil)
	if status != http.StatusOK {
		t.Fatalf("owner read status = %d", status)
	}
	var payload struct {
		Balances WalletBalances `json:"balances"`
	}
	dataAs(t, envl.Data, &payload)
	if payload.Balances.Real != 500 {
		t.Errorf("real balance = %d, want 500", payload.Balances.Real)
	}

	if status, _ := env.do(t, http.MethodGet, "/wallet/wallets/"+w.ID+"/balance", env.token(t, "uB"), nil); status != http.StatusForbidden {
		t.Errorf("foreign read status = %d, want 403", status)
	}
	if status, _ := env.do(t, http.MethodGet, "/wallet/wallets/"+w.ID+"/balance", env.token(t, "ops", "admin"), nil); status != http.StatusOK {
		t.Errorf("admin read status = %d, want 200", status)
	}
}

func TestGatewayStatusMapping(t *testing.T) {
	env := testGateway(t)
	admin := env.token(t, "ops", "admin")

	if status, _ := env.do(t, http.MethodGet, "/wallet/transfers/absent", admin, nil); status != http.StatusNotFound {
		t.Errorf("missing transfer status = %d, want 404", status)
	}

	req := httptest.NewRequest(http.MethodPost, "/wallet/transfers", strings.NewReader("{"))
	req.Header.Set("Authorization", "Bearer "+admin)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", rec.Code)
	}

	w := mustWallet(t, env.wallet, "uA")
	if status, _ := env.do(t, http.MethodPost, "/wallet/transactions", admin, map[string]any{
		"walletId": w.ID, "userId": "uA", "type": "withdrawal", "amount": 10,
	}); status != http.StatusUnprocessableEntity {
		t.Errorf("overdraw status = %d, want 422", status)
	}
}

func TestGatewayRateLimitPerUser(t *testing.T) {
	env := newGatewayEnv(t, 2)
	tok := env.token(t, "u1")

	for i := 0; i < 2; i++ {
		if status, _ := env.do(t, http.MethodGet, "/bonus/mine", tok, nil); status != http.StatusOK {
			t.Fatalf("request %d status = %d, want 200", i+1, status)
		}
	}
	status, _ := env.do(t, http.MethodGet, "/bonus/mine", tok, nil)
	if status != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429 once the window is spent", status)
	}

	// Another user still has its own budget.
	if status, _ := env.do(t, http.MethodGet, "/bonus/mine", env.token(t, "u2"), nil); status != http.StatusOK {
		t.Errorf("other user status = %d, want 200", status)
	}
}

func TestGatewayBonusClaimUsesCallerIdentity(t *testing.T) {
	env := testGateway(t)
	seedGatewayTemplate(t, env)

	status, envl := env.do(t, http.MethodPost, "/bonus/claims", env.token(t, "u1"), map[string]any{"code": "daily"})
	if status != http.StatusOK {
		t.Fatalf("claim status = %d envelope %+v", status, envl)
	}
	var ub UserBonus
	dataAs(t, envl.Data, &ub)
	if ub.UserID != "u1" || ub.Status != BonusStatusActive {
		t.Errorf("claimed bonus = %s/%s, want u1/active", ub.UserID, ub.Status)
	}

	if status, _ := env.do(t, http.MethodPost, "/bonus/claims", env.token(t, "u1"), map[string]any{"code": "daily"}); status != http.StatusConflict {
		t.Errorf("duplicate claim status = %d, want 409", status)
	}
}

func seedGatewayTemplate(t *testing.T, env *gatewayEnv) {
	t.Helper()
	if err := env.bonus.CreateTemplate(context.Background(), &BonusTemplate{
		Code: "daily", Type: "daily_login", Name: "Daily login",
		Value: 500, Currency: "EUR", TurnoverMultiplier: 10, Enabled: true,
	}); err != nil {
		t.Fatalf("seed template: %v", err)
	}
}

func TestGatewayConfigSensitiveFiltering(t *testing.T) {
	env := testGateway(t)
	ctx := context.Background()
	_, err := env.configs.Set(ctx, "payment", "psp", map[string]any{
		"url": "https://psp.example.test", "apiKey": "sk-secret",
	}, config.Scope{ActorID: "ops", Capabilities: []string{"admin"}}, []string{"apiKey"}, "psp connection")
	if err != nil {
		t.Fatalf("seed config: %v", err)
	}

	status, envl := env.do(t, http.MethodGet, "/config/payment/psp", env.token(t, "u1"), nil)
	if status != http.StatusOK {
		t.Fatalf("player read status = %d", status)
	}
	var got struct {
		Value map[string]any `json:"value"`
	}
	dataAs(t, envl.Data, &got)
	if _, leaked := got.Value["apiKey"]; leaked {
		t.Error("sensitive path leaked to unprivileged reader")
	}
	if got.Value["url"] != "https://psp.example.test" {
		t.Errorf("url = %v, want the public part intact", got.Value["url"])
	}

	status, envl = env.do(t, http.MethodGet, "/config/payment/psp?includeSensitive=true", env.token(t, "ops", "admin"), nil)
	if status != http.StatusOK {
		t.Fatalf("admin read status = %d", status)
	}
	dataAs(t, envl.Data, &got)
	if got.Value["apiKey"] != "sk-secret" {
		t.Errorf("privileged read missing sensitive path: %v", got.Value)
	}
}

func TestGatewayRecoverEndpoint(t *testing.T) {
	env := testGateway(t)
	uA := mustWallet(t, env.wallet, "uA")
	mustWallet(t, env.wallet, "uB")
	deposit(t, env.wallet, uA, 10000)

	tr, err := env.wallet.CreateTransfer(context.Background(), TransferRequest{
		FromUserID: "uA", ToUserID: "uB", Amount: 700, Currency: "EUR",
	})
	if err != nil {
		t.Fatalf("CreateTransfer: %v", err)
	}

	if status, _ := env.do(t, http.MethodPost, "/recovery/transfer/"+tr.ID, env.token(t, "u1"), nil); status != http.StatusForbidden {
		t.Fatalf("player recovery status = %d, want 403", status)
	}

	status, envl := env.do(t, http.MethodPost, "/recovery/transfer/"+tr.ID, env.token(t, "ops", "admin"), nil)
	if status != http.StatusOK {
		t.Fatalf("recover status = %d", status)
	}
	var outcome recovery.Outcome
	dataAs(t, envl.Data, &outcome)
	if outcome.Action != recovery.ActionReversed {
		t.Errorf("action = %s, want reversed", outcome.Action)
	}
	if got := realBalance(t, env.wallet, uA); got != 10000 {
		t.Errorf("uA balance = %d, want restored 10000", got)
	}
}
