package server

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/fairlinestudio/open-pay-go/internal/platform/auth"
	"github.com/fairlinestudio/open-pay-go/internal/platform/config"
	"github.com/fairlinestudio/open-pay-go/internal/platform/errs"
	"github.com/fairlinestudio/open-pay-go/internal/platform/ratelimit"
	"github.com/fairlinestudio/open-pay-go/internal/platform/recovery"
)

// mutationResponse is the uniform JSON envelope. Queries use it too, so
// clients parse one shape everywhere.
type mutationResponse struct {
	Success bool     `json:"success"`
	Data    any      `json:"data,omitempty"`
	Errors  []string `json:"errors,omitempty"`
	SagaID  string   `json:"sagaId,omitempty"`
}

// statusOf maps an error kind to its HTTP status.
func statusOf(kind errs.Kind) int {
	switch kind {
	case errs.InvalidInput:
		return http.StatusBadRequest
	case errs.Unauthenticated:
		return http.StatusUnauthorized
	case errs.Forbidden:
		return http.StatusForbidden
	case errs.NotFound:
		return http.StatusNotFound
	case errs.Conflict, errs.DuplicateOperation, errs.TransientConflict:
		return http.StatusConflict
	case errs.InsufficientFunds, errs.CurrencyMismatch:
		return http.StatusUnprocessableEntity
	case errs.Expired:
		return http.StatusGone
	case errs.RateLimited:
		return http.StatusTooManyRequests
	case errs.DependencyUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// Gateway fronts every service with one router: bearer validation, role
// predicates, per-(tenant,user) rate limiting, and the response envelope.
type Gateway struct {
	identity  *IdentityService
	wallet    *WalletService
	bonus     *BonusService
	notify    *NotifyService
	configs   *config.Store
	framework *recovery.Framework
	verifier  *auth.Verifier
	limiter   *ratelimit.Limiter
	log       *zap.Logger
	metrics   *Metrics
	timeout   time.Duration
}

func NewGateway(
	identity *IdentityService,
	wallet *WalletService,
	bonus *BonusService,
	notify *NotifyService,
	configs *config.Store,
	framework *recovery.Framework,
	verifier *auth.Verifier,
	limiter *ratelimit.Limiter,
	log *zap.Logger,
	m *Metrics,
) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		identity:  identity,
		wallet:    wallet,
		bonus:     bonus,
		notify:    notify,
		configs:   configs,
		framework: framework,
		verifier:  verifier,
		limiter:   limiter,
		log:       log,
		metrics:   m,
		timeout:   30 * time.Second,
	}
}

// Router builds the full route table. Handlers run under a request-scoped
// deadline; services observe it through the context.
func (g *Gateway) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(g.withDeadline)

	r.HandleFunc("/auth/register", g.public(g.handleRegister)).Methods(http.MethodPost)
	r.HandleFunc("/auth/login", g.public(g.handleLogin)).Methods(http.MethodPost)
	r.HandleFunc("/auth/refresh", g.public(g.handleRefresh)).Methods(http.MethodPost)
	r.HandleFunc("/auth/logout", g.public(g.handleLogout)).Methods(http.MethodPost)
	r.HandleFunc("/auth/logout_all", g.authenticated(g.handleLogoutAll)).Methods(http.MethodPost)
	r.HandleFunc("/auth/me", g.authenticated(g.handleMe)).Methods(http.MethodGet)
	r.HandleFunc("/auth/users/{id}/status", g.authenticated(g.handleSetUserStatus, "admin", "system")).Methods(http.MethodPost)

	r.HandleFunc("/wallet/wallets", g.authenticated(g.handleCreateWallet)).Methods(http.MethodPost)
	r.HandleFunc("/wallet/wallets/{id}/balance", g.authenticated(g.handleBalances)).Methods(http.MethodGet)
	r.HandleFunc("/wallet/wallets/{id}/transactions", g.authenticated(g.handleWalletTransactions)).Methods(http.MethodGet)
	r.HandleFunc("/wallet/wallets/{id}/status", g.authenticated(g.handleSetWalletStatus, "admin", "system")).Methods(http.MethodPost)
	r.HandleFunc("/wallet/transactions", g.authenticated(g.handleCreateWalletTransaction, "admin", "system")).Methods(http.MethodPost)
	r.HandleFunc("/wallet/transfers", g.authenticated(g.handleCreateTransfer)).Methods(http.MethodPost)
	r.HandleFunc("/wallet/transfers/{id}", g.authenticated(g.handleGetTransfer)).Methods(http.MethodGet)

	r.HandleFunc("/bonus/claims", g.authenticated(g.handleClaimBonus)).Methods(http.MethodPost)
	r.HandleFunc("/bonus/mine", g.authenticated(g.handleMyBonuses)).Methods(http.MethodGet)
	r.HandleFunc("/bonus/templates", g.authenticated(g.handleCreateTemplate, "admin", "system")).Methods(http.MethodPost)
	r.HandleFunc("/bonus/templates/{code}/enabled", g.authenticated(g.handleSetTemplateEnabled, "admin", "system")).Methods(http.MethodPost)
	r.HandleFunc("/bonus/bonuses/{id}/forfeit", g.authenticated(g.handleForfeitBonus, "admin", "system")).Methods(http.MethodPost)

	r.HandleFunc("/notify/send", g.authenticated(g.handleSendNotification, "admin", "system")).Methods(http.MethodPost)
	r.HandleFunc("/notify/mine", g.authenticated(g.handleMyNotifications)).Methods(http.MethodGet)
	r.HandleFunc("/notify/{id}/delivered", g.authenticated(g.handleMarkDelivered, "system")).Methods(http.MethodPost)
	r.HandleFunc("/notify/{id}/bounced", g.authenticated(g.handleMarkBounced, "system")).Methods(http.MethodPost)

	r.HandleFunc("/config/{service}/{key}", g.authenticated(g.handleGetConfig)).Methods(http.MethodGet)
	r.HandleFunc("/config/{service}/{key}", g.authenticated(g.handleSetConfig, "admin", "system")).Methods(http.MethodPut)
	r.HandleFunc("/config/{service}/{key}", g.authenticated(g.handleDeleteConfig, "admin", "system")).Methods(http.MethodDelete)

	r.HandleFunc("/recovery/types", g.authenticated(g.handleRecoveryTypes, "admin", "system")).Methods(http.MethodGet)
	r.HandleFunc("/recovery/{type}/{id}", g.authenticated(g.handleRecover, "admin", "system")).Methods(http.MethodPost)

	return r
}

func (g *Gateway) withDeadline(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), g.timeout)
		defer cancel()
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// public rate-limits unauthenticated routes by client address.
func (g *Gateway) public(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := g.limiter.Allow(r.Context(), "", clientIP(r)); err != nil {
			g.metrics.rateLimited()
			g.writeError(w, err)
			return
		}
		next(w, r)
	}
}

// authenticated validates the bearer token, checks the role predicate, and
// rate-limits by (tenant, user).
func (g *Gateway) authenticated(next http.HandlerFunc, roles ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		raw := bearerToken(r)
		if raw == "" {
			g.writeError(w, errs.E(errs.Unauthenticated, "missing bearer token"))
			return
		}
		claims, err := g.verifier.Parse(raw)
		if err != nil {
			g.writeError(w, err)
			return
		}
		if len(roles) > 0 && !claims.HasAnyRole(roles...) {
			g.writeError(w, errs.E(errs.Forbidden, "missing required role"))
			return
		}
		if err := g.limiter.Allow(r.Context(), claims.TenantID, claims.UserID); err != nil {
			g.metrics.rateLimited()
			g.writeError(w, err)
			return
		}
		next(w, r.WithContext(auth.WithClaims(r.Context(), claims)))
	}
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if len(h) > 7 && strings.EqualFold(h[:7], "Bearer ") {
		return strings.TrimSpace(h[7:])
	}
	return ""
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		if i := strings.IndexByte(fwd, ','); i > 0 {
			return strings.TrimSpace(fwd[:i])
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decode(r *http.Request, dst any) error {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return errs.E(errs.InvalidInput, "malformed request body")
	}
	return nil
}

func (g *Gateway) writeData(w http.ResponseWriter, data any) {
	g.writeEnvelope(w, http.StatusOK, mutationResponse{Success: true, Data: data})
}

func (g *Gateway) writeSaga(w http.ResponseWriter, data any, sagaID string) {
	g.writeEnvelope(w, http.StatusOK, mutationResponse{Success: true, Data: data, SagaID: sagaID})
}

func (g *Gateway) writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	msg := err.Error()
	if kind == errs.Fatal {
		// Internal detail stays in the log.
		g.log.Error("request failed", zap.Error(err))
		msg = string(errs.Fatal) + ": internal error"
	}
	g.writeEnvelope(w, statusOf(kind), mutationResponse{Success: false, Errors: []string{msg}})
}

func (g *Gateway) writeEnvelope(w http.ResponseWriter, status int, env mutationResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(env); err != nil {
		g.log.Warn("response write failed", zap.Error(err))
	}
}

func mustClaims(r *http.Request) auth.Claims {
	c, _ := auth.ClaimsFromContext(r.Context())
	return c
}

// scopeOf derives the config resolution scope from the verified claims.
// Sensitive values stay filtered unless the caller both asks and holds a
// privileged role.
func scopeOf(r *http.Request, c auth.Claims) config.Scope {
	return config.Scope{
		Brand:            r.Header.Get("X-Brand"),
		TenantID:         c.TenantID,
		ActorID:          c.UserID,
		Capabilities:     c.Roles,
		IncludeSensitive: r.URL.Query().Get("includeSensitive") == "true",
	}
}

func (g *Gateway) handleRegister(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TenantID   string `json:"tenantId"`
		Username   string `json:"username"`
		Email      string `json:"email"`
		Phone      string `json:"phone"`
		Password   string `json:"password"`
		BirthDate  string `json:"birthDate"`
		ReferredBy string `json:"referredBy"`
	}
	if err := decode(r, &body); err != nil {
		g.writeError(w, err)
		return
	}
	u, err := g.identity.Register(r.Context(), RegisterRequest{
		TenantID:   body.TenantID,
		Username:   body.Username,
		Email:      body.Email,
		Phone:      body.Phone,
		Password:   body.Password,
		BirthDate:  body.BirthDate,
		ReferredBy: body.ReferredBy,
	})
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeData(w, u.View())
}

func (g *Gateway) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TenantID   string `json:"tenantId"`
		Identifier string `json:"identifier"`
		Password   string `json:"password"`
		OTPCode    string `json:"otpCode"`
		DeviceID   string `json:"deviceId"`
	}
	if err := decode(r, &body); err != nil {
		g.writeError(w, err)
		return
	}
	res, err := g.identity.Login(r.Context(), LoginRequest{
		TenantID:   body.TenantID,
		Identifier: body.Identifier,
		Password:   body.Password,
		OTPCode:    body.OTPCode,
		DeviceID:   body.DeviceID,
		UserAgent:  r.UserAgent(),
		IP:         clientIP(r),
	})
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeData(w, res)
}

func (g *Gateway) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decode(r, &body); err != nil {
		g.writeError(w, err)
		return
	}
	res, err := g.identity.RefreshAccess(r.Context(), body.RefreshToken)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeData(w, res)
}

func (g *Gateway) handleLogout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := decode(r, &body); err != nil {
		g.writeError(w, err)
		return
	}
	if err := g.identity.Logout(r.Context(), body.RefreshToken); err != nil {
		g.writeError(w, err)
		return
	}
	g.writeData(w, nil)
}

func (g *Gateway) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	c := mustClaims(r)
	n, err := g.identity.LogoutAll(r.Context(), c.UserID)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeData(w, map[string]any{"revoked": n})
}

func (g *Gateway) handleMe(w http.ResponseWriter, r *http.Request) {
	c := mustClaims(r)
	u, err := g.identity.User(r.Context(), c.UserID)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeData(w, u.View())
}

func (g *Gateway) handleSetUserStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if err := decode(r, &body); err != nil {
		g.writeError(w, err)
		return
	}
	if err := g.identity.SetUserStatus(r.Context(), mux.Vars(r)["id"], body.Status); err != nil {
		g.writeError(w, err)
		return
	}
	g.writeData(w, nil)
}

func (g *Gateway) handleCreateWallet(w http.ResponseWriter, r *http.Request) {
	c := mustClaims(r)
	var body struct {
		Currency string `json:"currency"`
		Category string `json:"category"`
	}
	if err := decode(r, &body); err != nil {
		g.writeError(w, err)
		return
	}
	wlt, err := g.wallet.CreateWallet(r.Context(), c.UserID, c.TenantID, body.Currency, body.Category)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeData(w, wlt)
}

// ownWallet loads the wallet and rejects callers reading someone else's,
// unless they hold an operator role.
func (g *Gateway) ownWallet(r *http.Request, id string) (*Wallet, error) {
	wlt, err := g.wallet.Wallet(r.Context(), id)
	if err != nil {
		return nil, err
	}
	c := mustClaims(r)
	if wlt.OwnerID != c.UserID && !c.HasAnyRole("admin", "system") {
		return nil, errs.E(errs.Forbidden, "wallet belongs to another user")
	}
	return wlt, nil
}

func (g *Gateway) handleBalances(w http.ResponseWriter, r *http.Request) {
	wlt, err := g.ownWallet(r, mux.Vars(r)["id"])
	if err != nil {
		g.writeError(w, err)
		return
	}
	b, err := g.wallet.Balances(r.Context(), wlt.ID)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeData(w, map[string]any{"wallet": wlt, "balances": b})
}

func (g *Gateway) handleWalletTransactions(w http.ResponseWriter, r *http.Request) {
	wlt, err := g.ownWallet(r, mux.Vars(r)["id"])
	if err != nil {
		g.writeError(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	page, err := g.wallet.WalletTransactions(r.Context(), wlt.ID, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeData(w, map[string]any{"items": page.Items, "nextCursor": page.NextCursor})
}

func (g *Gateway) handleSetWalletStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
	}
	if err := decode(r, &body); err != nil {
		g.writeError(w, err)
		return
	}
	wlt, err := g.wallet.SetWalletStatus(r.Context(), mux.Vars(r)["id"], body.Status)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeData(w, wlt)
}

func (g *Gateway) handleCreateWalletTransaction(w http.ResponseWriter, r *http.Request) {
	var body struct {
		WalletID    string `json:"walletId"`
		UserID      string `json:"userId"`
		Type        string `json:"type"`
		BalanceType string `json:"balanceType"`
		Amount      int64  `json:"amount"`
		Description string `json:"description"`
		ExternalRef string `json:"externalRef"`
	}
	if err := decode(r, &body); err != nil {
		g.writeError(w, err)
		return
	}
	tx, err := g.wallet.CreateWalletTransaction(r.Context(), WalletTransactionRequest{
		WalletID:    body.WalletID,
		UserID:      body.UserID,
		Type:        body.Type,
		BalanceType: body.BalanceType,
		Amount:      body.Amount,
		Description: body.Description,
		ExternalRef: body.ExternalRef,
	})
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeData(w, tx)
}

func (g *Gateway) handleCreateTransfer(w http.ResponseWriter, r *http.Request) {
	c := mustClaims(r)
	var body struct {
		FromUserID      string `json:"fromUserId"`
		ToUserID        string `json:"toUserId"`
		Amount          int64  `json:"amount"`
		FeeAmount       int64  `json:"feeAmount"`
		Currency        string `json:"currency"`
		FromBalanceType string `json:"fromBalanceType"`
		ToBalanceType   string `json:"toBalanceType"`
		Method          string `json:"method"`
		ExternalRef     string `json:"externalRef"`
	}
	if err := decode(r, &body); err != nil {
		g.writeError(w, err)
		return
	}
	// Players move only their own funds. Operators may act on behalf of a
	// user.
	from := c.UserID
	if body.FromUserID != "" && body.FromUserID != c.UserID {
		if !c.HasAnyRole("admin", "system") {
			g.writeError(w, errs.E(errs.Forbidden, "cannot transfer from another user"))
			return
		}
		from = body.FromUserID
	}
	tr, err := g.wallet.CreateTransfer(r.Context(), TransferRequest{
		FromUserID:      from,
		ToUserID:        body.ToUserID,
		TenantID:        c.TenantID,
		Amount:          body.Amount,
		FeeAmount:       body.FeeAmount,
		Currency:        body.Currency,
		FromBalanceType: body.FromBalanceType,
		ToBalanceType:   body.ToBalanceType,
		Method:          body.Method,
		ExternalRef:     body.ExternalRef,
	})
	if err != nil {
		g.writeError(w, err)
		return
	}
	if tr.Status == TransferStatusFailed {
		g.writeEnvelope(w, http.StatusUnprocessableEntity, mutationResponse{
			Success: false,
			Data:    tr,
			Errors:  []string{tr.FailureReason},
			SagaID:  tr.ID,
		})
		return
	}
	g.writeSaga(w, tr, tr.ID)
}

func (g *Gateway) handleGetTransfer(w http.ResponseWriter, r *http.Request) {
	c := mustClaims(r)
	tr, err := g.wallet.Transfer(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		g.writeError(w, err)
		return
	}
	if tr.FromUserID != c.UserID && tr.ToUserID != c.UserID && !c.HasAnyRole("admin", "system") {
		g.writeError(w, errs.E(errs.Forbidden, "transfer belongs to other users"))
		return
	}
	g.writeSaga(w, tr, tr.ID)
}

func (g *Gateway) handleClaimBonus(w http.ResponseWriter, r *http.Request) {
	c := mustClaims(r)
	var body struct {
		Code      string `json:"code"`
		RefereeID string `json:"refereeId"`
	}
	if err := decode(r, &body); err != nil {
		g.writeError(w, err)
		return
	}
	ub, err := g.bonus.Claim(r.Context(), BonusClaim{
		UserID:    c.UserID,
		TenantID:  c.TenantID,
		Code:      body.Code,
		RefereeID: body.RefereeID,
	})
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeData(w, ub)
}

func (g *Gateway) handleMyBonuses(w http.ResponseWriter, r *http.Request) {
	c := mustClaims(r)
	list, err := g.bonus.UserBonuses(r.Context(), c.UserID)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeData(w, list)
}

func (g *Gateway) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var tpl BonusTemplate
	if err := decode(r, &tpl); err != nil {
		g.writeError(w, err)
		return
	}
	if err := g.bonus.CreateTemplate(r.Context(), &tpl); err != nil {
		g.writeError(w, err)
		return
	}
	g.writeData(w, tpl)
}

func (g *Gateway) handleSetTemplateEnabled(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Enabled bool `json:"enabled"`
	}
	if err := decode(r, &body); err != nil {
		g.writeError(w, err)
		return
	}
	if err := g.bonus.SetTemplateEnabled(r.Context(), mux.Vars(r)["code"], body.Enabled); err != nil {
		g.writeError(w, err)
		return
	}
	g.writeData(w, nil)
}

func (g *Gateway) handleForfeitBonus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &body); err != nil {
		g.writeError(w, err)
		return
	}
	ub, err := g.bonus.Forfeit(r.Context(), mux.Vars(r)["id"], body.Reason)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeData(w, ub)
}

func (g *Gateway) handleSendNotification(w http.ResponseWriter, r *http.Request) {
	var body NotificationRequest
	if err := decode(r, &body); err != nil {
		g.writeError(w, err)
		return
	}
	n, err := g.notify.Send(r.Context(), body)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeData(w, n)
}

func (g *Gateway) handleMyNotifications(w http.ResponseWriter, r *http.Request) {
	c := mustClaims(r)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	page, err := g.notify.UserNotifications(r.Context(), c.UserID, r.URL.Query().Get("cursor"), limit)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeData(w, map[string]any{"items": page.Items, "nextCursor": page.NextCursor})
}

func (g *Gateway) handleMarkDelivered(w http.ResponseWriter, r *http.Request) {
	n, err := g.notify.MarkDelivered(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeData(w, n)
}

func (g *Gateway) handleMarkBounced(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &body); err != nil {
		g.writeError(w, err)
		return
	}
	n, err := g.notify.MarkBounced(r.Context(), mux.Vars(r)["id"], body.Reason)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeData(w, n)
}

func (g *Gateway) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	c := mustClaims(r)
	vars := mux.Vars(r)
	v, err := g.configs.Get(r.Context(), vars["service"], vars["key"], scopeOf(r, c))
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeData(w, map[string]any{"key": vars["key"], "value": v})
}

func (g *Gateway) handleSetConfig(w http.ResponseWriter, r *http.Request) {
	c := mustClaims(r)
	vars := mux.Vars(r)
	var body struct {
		Value          any      `json:"value"`
		SensitivePaths []string `json:"sensitivePaths"`
		Description    string   `json:"description"`
	}
	if err := decode(r, &body); err != nil {
		g.writeError(w, err)
		return
	}
	e, err := g.configs.Set(r.Context(), vars["service"], vars["key"], body.Value, scopeOf(r, c), body.SensitivePaths, body.Description)
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeData(w, map[string]any{"key": e.Key, "version": e.Version})
}

func (g *Gateway) handleDeleteConfig(w http.ResponseWriter, r *http.Request) {
	c := mustClaims(r)
	vars := mux.Vars(r)
	if err := g.configs.Delete(r.Context(), vars["service"], vars["key"], scopeOf(r, c)); err != nil {
		g.writeError(w, err)
		return
	}
	g.writeData(w, nil)
}

func (g *Gateway) handleRecoveryTypes(w http.ResponseWriter, r *http.Request) {
	g.writeData(w, map[string]any{"types": g.framework.Types()})
}

func (g *Gateway) handleRecover(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	outcome, err := g.framework.Recover(r.Context(), vars["type"], vars["id"])
	if err != nil {
		g.writeError(w, err)
		return
	}
	g.writeData(w, outcome)
}

// DatabaseStrategy resolves which database a service's collections live in
// for a given brand and tenant. The mapping lives in the config store under
// the service's "database.name" key, so rehoming a tenant is a config
// change, not a deploy.
type DatabaseStrategy struct {
	Configs *config.Store
}

func (d DatabaseStrategy) DatabaseFor(ctx context.Context, service, brand, tenantID string) string {
	scope := config.Scope{
		Brand:            brand,
		TenantID:         tenantID,
		Capabilities:     []string{"system"},
		IncludeSensitive: true,
	}
	if v, ok := d.Configs.GetOr(ctx, service, "database.name", scope, "").(string); ok && v != "" {
		return v
	}
	return "open_pay_" + service
}
