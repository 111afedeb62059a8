package server

import (
	"context"
	"time"

	"github.com/fairlinestudio/open-pay-go/internal/platform/bus"
	"github.com/fairlinestudio/open-pay-go/internal/platform/clock"
	"github.com/fairlinestudio/open-pay-go/internal/platform/errs"
	"github.com/fairlinestudio/open-pay-go/internal/platform/repo"
)

const (
	BonusStatusPending   = "pending"
	BonusStatusActive    = "active"
	BonusStatusExpired   = "expired"
	BonusStatusForfeited = "forfeited"
	BonusStatusConverted = "converted"
)

// ReferralTier scales the base value once enough referred users qualified.
type ReferralTier struct {
	MinReferrals int   `json:"minReferrals" bson:"minReferrals"`
	Multiplier   int64 `json:"multiplier" bson:"multiplier"`
}

// BonusTemplate is the configured shape of one bonus. Templates are
// addressed by code; the type selects the handler that interprets them.
type BonusTemplate struct {
	repo.Meta          `bson:",inline"`
	Code               string         `json:"code" bson:"code"`
	Type               string         `json:"type" bson:"type"`
	Name               string         `json:"name" bson:"name"`
	TenantID           string         `json:"tenantId,omitempty" bson:"tenantId,omitempty"`
	Enabled            bool           `json:"enabled" bson:"enabled"`
	Value              int64          `json:"value" bson:"value"`
	Currency           string         `json:"currency" bson:"currency"`
	TurnoverMultiplier int64          `json:"turnoverMultiplier" bson:"turnoverMultiplier"`
	ExpiryDays         int            `json:"expiryDays" bson:"expiryDays"`
	ValidFrom          time.Time      `json:"validFrom,omitempty" bson:"validFrom,omitempty"`
	ValidUntil         time.Time      `json:"validUntil,omitempty" bson:"validUntil,omitempty"`
	MaxUses            int64          `json:"maxUses,omitempty" bson:"maxUses,omitempty"`
	Tiers              []ReferralTier `json:"tiers,omitempty" bson:"tiers,omitempty"`
}

// UserBonus tracks one awarded bonus through its life. CurrentValue never
// exceeds OriginalValue; TurnoverProgress never decreases while active.
type UserBonus struct {
	repo.Meta        `bson:",inline"`
	UserID           string    `json:"userId" bson:"userId"`
	TenantID         string    `json:"tenantId,omitempty" bson:"tenantId,omitempty"`
	TemplateCode     string    `json:"templateCode" bson:"templateCode"`
	Type             string    `json:"type" bson:"type"`
	Status           string    `json:"status" bson:"status"`
	OriginalValue    int64     `json:"originalValue" bson:"originalValue"`
	CurrentValue     int64     `json:"currentValue" bson:"currentValue"`
	TurnoverRequired int64     `json:"turnoverRequired" bson:"turnoverRequired"`
	TurnoverProgress int64     `json:"turnoverProgress" bson:"turnoverProgress"`
	Currency         string    `json:"currency" bson:"currency"`
	ClaimWindow      string    `json:"claimWindow" bson:"claimWindow"`
	ExpiresAt        time.Time `json:"expiresAt,omitempty" bson:"expiresAt,omitempty"`
	RefereeID        string    `json:"refereeId,omitempty" bson:"refereeId,omitempty"`
	ReferrerID       string    `json:"referrerId,omitempty" bson:"referrerId,omitempty"`
	ConvertedAt      time.Time `json:"convertedAt,omitempty" bson:"convertedAt,omitempty"`
	ForfeitReason    string    `json:"forfeitReason,omitempty" bson:"forfeitReason,omitempty"`
}

func BonusTemplateIndexes() []repo.Index {
	return []repo.Index{
		{Fields: []string{"code"}, Unique: true},
	}
}

func UserBonusIndexes() []repo.Index {
	return []repo.Index{
		{Fields: []string{"userId", "templateCode", "claimWindow"}, Unique: true},
		{Fields: []string{"userId", "status"}},
		{Fields: []string{"status", "expiresAt"}},
	}
}

// BonusClaim is the request context a handler validates against.
type BonusClaim struct {
	UserID    string
	TenantID  string
	Code      string
	RefereeID string
}

// BonusHandler adapts one bonus type to the shared claim pipeline:
// Validate -> Calculate -> Persist -> Award. Embed BaseBonusHandler for the
// default calculations and override what the type needs.
type BonusHandler interface {
	Type() string
	// ValidateSpecific applies the type's eligibility rules on top of the
	// shared template checks.
	ValidateSpecific(ctx context.Context, tpl *BonusTemplate, claim BonusClaim, now time.Time) error
	// CalculateValue returns the award in minor units.
	CalculateValue(ctx context.Context, tpl *BonusTemplate, claim BonusClaim) (int64, error)
	CalculateExpiration(tpl *BonusTemplate, now time.Time) time.Time
	CalculateTurnover(tpl *BonusTemplate, value int64) int64
	// ClaimWindow keys the one-claim-per-window rule: equal keys for the
	// same (user, template) collide.
	ClaimWindow(tpl *BonusTemplate, claim BonusClaim, now time.Time) string
	// BuildUserBonus fills type-specific fields on the record about to be
	// persisted.
	BuildUserBonus(tpl *BonusTemplate, claim BonusClaim, ub *UserBonus)
	OnAwarded(ctx context.Context, ub *UserBonus) error
}

// BaseBonusHandler supplies the default behaviour: template value, template
// turnover multiplier, template expiry days, one claim per template ever.
type BaseBonusHandler struct{}

func (BaseBonusHandler) ValidateSpecific(context.Context, *BonusTemplate, BonusClaim, time.Time) error {
	return nil
}

func (BaseBonusHandler) CalculateValue(_ context.Context, tpl *BonusTemplate, _ BonusClaim) (int64, error) {
	return tpl.Value, nil
}

func (BaseBonusHandler) CalculateExpiration(tpl *BonusTemplate, now time.Time) time.Time {
	if tpl.ExpiryDays <= 0 {
		return time.Time{}
	}
	return now.AddDate(0, 0, tpl.ExpiryDays)
}

func (BaseBonusHandler) CalculateTurnover(tpl *BonusTemplate, value int64) int64 {
	if tpl.TurnoverMultiplier <= 0 {
		return 0
	}
	return value * tpl.TurnoverMultiplier
}

func (BaseBonusHandler) ClaimWindow(tpl *BonusTemplate, _ BonusClaim, _ time.Time) string {
	return tpl.Code
}

func (BaseBonusHandler) BuildUserBonus(*BonusTemplate, BonusClaim, *UserBonus) {}

func (BaseBonusHandler) OnAwarded(context.Context, *UserBonus) error { return nil }

type BonusService struct {
	templates *repo.Repository[*BonusTemplate]
	bonuses   *repo.Repository[*UserBonus]
	wallet    *WalletService
	handlers  map[string]BonusHandler
	broker    bus.Bus
	clk       clock.Clock
	metrics   *Metrics
}

func NewBonusService(
	templates *repo.Repository[*BonusTemplate],
	bonuses *repo.Repository[*UserBonus],
	wallet *WalletService,
	broker bus.Bus,
	clk clock.Clock,
	m *Metrics,
) *BonusService {
	return &BonusService{
		templates: templates,
		bonuses:   bonuses,
		wallet:    wallet,
		handlers:  make(map[string]BonusHandler),
		broker:    broker,
		clk:       clk,
		metrics:   m,
	}
}

func (s *BonusService) Register(h BonusHandler) {
	s.handlers[h.Type()] = h
}

func (s *BonusService) now() time.Time {
	return s.clk.Now().UTC()
}

func (s *BonusService) CreateTemplate(ctx context.Context, tpl *BonusTemplate) error {
	if tpl.Code == "" || tpl.Type == "" {
		return errs.E(errs.InvalidInput, "template code and type are required")
	}
	if _, ok := s.handlers[tpl.Type]; !ok {
		return errs.E(errs.InvalidInput, "no handler registered for bonus type", "type", tpl.Type)
	}
	if tpl.Value <= 0 {
		return errs.E(errs.InvalidInput, "template value must be a positive integer", "value", tpl.Value)
	}
	if tpl.Currency == "" {
		return errs.E(errs.InvalidInput, "template currency is required")
	}
	if err := s.templates.Create(ctx, tpl); err != nil {
		if errs.Is(err, errs.Conflict) {
			return errs.E(errs.Conflict, "template code already exists", "code", tpl.Code)
		}
		return err
	}
	return nil
}

func (s *BonusService) Template(ctx context.Context, code string) (*BonusTemplate, error) {
	return s.templates.FindOne(ctx, repo.Filter{"code": code})
}

func (s *BonusService) SetTemplateEnabled(ctx context.Context, code string, enabled bool) error {
	tpl, err := s.Template(ctx, code)
	if err != nil {
		return err
	}
	tpl.Enabled = enabled
	return s.templates.Update(ctx, tpl)
}

// Claim runs the shared pipeline for one user against one template. The
// claim-window unique index backs the one-claim-per-window rule even under
// concurrent claims.
func (s *BonusService) Claim(ctx context.Context, claim BonusClaim) (*UserBonus, error) {
	if claim.UserID == "" || claim.Code == "" {
		return nil, errs.E(errs.InvalidInput, "user id and bonus code are required")
	}
	tpl, err := s.Template(ctx, claim.Code)
	if err != nil {
		return nil, err
	}
	if !tpl.Enabled {
		return nil, errs.E(errs.Forbidden, "bonus is not available", "code", tpl.Code)
	}
	if tpl.TenantID != "" && claim.TenantID != "" && tpl.TenantID != claim.TenantID {
		return nil, errs.E(errs.NotFound, "bonus not found for tenant", "code", tpl.Code)
	}
	h, ok := s.handlers[tpl.Type]
	if !ok {
		return nil, errs.E(errs.InvalidInput, "no handler registered for bonus type", "type", tpl.Type)
	}

	now := s.now()
	if !tpl.ValidFrom.IsZero() && now.Before(tpl.ValidFrom) {
		return nil, errs.E(errs.Forbidden, "bonus is not yet active", "code", tpl.Code)
	}
	if !tpl.ValidUntil.IsZero() && now.After(tpl.ValidUntil) {
		return nil, errs.E(errs.Expired, "bonus is no longer active", "code", tpl.Code)
	}
	if err := h.ValidateSpecific(ctx, tpl, claim, now); err != nil {
		return nil, err
	}

	window := h.ClaimWindow(tpl, claim, now)
	taken, err := s.bonuses.Exists(ctx, repo.Filter{
		"userId": claim.UserID, "templateCode": tpl.Code, "claimWindow": window,
	})
	if err != nil {
		return nil, err
	}
	if taken {
		return nil, errs.E(errs.DuplicateOperation, "bonus already claimed in this window",
			"code", tpl.Code, "window", window)
	}

	value, err := h.CalculateValue(ctx, tpl, claim)
	if err != nil {
		return nil, err
	}
	if value <= 0 {
		return nil, errs.E(errs.InvalidInput, "calculated bonus value is not positive", "code", tpl.Code)
	}

	ub := &UserBonus{
		UserID:           claim.UserID,
		TenantID:         claim.TenantID,
		TemplateCode:     tpl.Code,
		Type:             tpl.Type,
		Status:           BonusStatusPending,
		OriginalValue:    value,
		CurrentValue:     value,
		TurnoverRequired: h.CalculateTurnover(tpl, value),
		Currency:         tpl.Currency,
		ClaimWindow:      window,
		ExpiresAt:        h.CalculateExpiration(tpl, now),
	}
	h.BuildUserBonus(tpl, claim, ub)
	if err := s.bonuses.Create(ctx, ub); err != nil {
		if errs.Is(err, errs.Conflict) {
			return nil, errs.E(errs.DuplicateOperation, "bonus already claimed in this window",
				"code", tpl.Code, "window", window)
		}
		return nil, err
	}

	if err := s.award(ctx, tpl, ub); err != nil {
		// Nothing was credited: withdraw the claim so the window reopens.
		_ = s.bonuses.Delete(ctx, ub.ID)
		return nil, err
	}
	ub.Status = BonusStatusActive
	if err := s.bonuses.Update(ctx, ub); err != nil {
		return nil, err
	}
	if err := h.OnAwarded(ctx, ub); err != nil {
		return nil, err
	}

	s.metrics.bonusAward(tpl.Type)
	s.publish(ctx, "bonus.awarded", ub, map[string]any{
		"code":             tpl.Code,
		"type":             tpl.Type,
		"value":            ub.OriginalValue,
		"currency":         ub.Currency,
		"turnoverRequired": ub.TurnoverRequired,
	})

	// No wagering requirement: the funds are released right away. If the
	// conversion fails the bonus stays active and the next wager retries it.
	if ub.TurnoverRequired == 0 {
		_ = s.convert(ctx, ub)
	}
	return ub, nil
}

// award credits the user's bonus balance. The external ref pins the credit
// to this record, so a replayed award cannot double-credit.
func (s *BonusService) award(ctx context.Context, tpl *BonusTemplate, ub *UserBonus) error {
	w, err := s.wallet.CreateWallet(ctx, ub.UserID, ub.TenantID, ub.Currency, "main")
	if err != nil {
		return err
	}
	_, err = s.wallet.CreateWalletTransaction(ctx, WalletTransactionRequest{
		WalletID:    w.ID,
		UserID:      ub.UserID,
		Type:        "bonus_credit",
		BalanceType: BalanceBonus,
		Amount:      ub.OriginalValue,
		Description: tpl.Name,
		ExternalRef: "bonus:" + ub.ID,
	})
	return err
}

// UserBonuses lists a user's bonuses, newest first.
func (s *BonusService) UserBonuses(ctx context.Context, userID string) ([]*UserBonus, error) {
	return s.bonuses.FindMany(ctx, repo.Query{
		Filter: repo.Filter{"userId": userID},
		Sort:   "-createdAt",
	})
}

func (s *BonusService) UserBonus(ctx context.Context, id string) (*UserBonus, error) {
	return s.bonuses.FindByID(ctx, id)
}

// RecordTurnover applies one wagered amount toward every active bonus the
// user holds in that currency. Progress only grows; reaching the required
// turnover converts the bonus into real funds.
func (s *BonusService) RecordTurnover(ctx context.Context, userID string, amount int64, currency string) error {
	if amount <= 0 || userID == "" {
		return nil
	}
	active, err := s.bonuses.FindMany(ctx, repo.Query{
		Filter: repo.Filter{"userId": userID, "status": BonusStatusActive},
		Sort:   "createdAt",
	})
	if err != nil {
		return err
	}
	for _, ub := range active {
		if ub.Currency != currency {
			continue
		}
		ub.TurnoverProgress += amount
		if err := s.bonuses.Update(ctx, ub); err != nil {
			return err
		}
		if ub.TurnoverProgress >= ub.TurnoverRequired {
			if err := s.convert(ctx, ub); err != nil {
				// Progress is saved; conversion retries on the next wager.
				return err
			}
		}
	}
	return nil
}

func (s *BonusService) convert(ctx context.Context, ub *UserBonus) error {
	moved, err := s.wallet.ConvertBonus(ctx, ub.UserID, ub.Currency, ub.CurrentValue, "bonus_conversion:"+ub.ID)
	if err != nil {
		return err
	}
	ub.Status = BonusStatusConverted
	ub.CurrentValue = moved
	ub.ConvertedAt = s.now()
	if err := s.bonuses.Update(ctx, ub); err != nil {
		return err
	}
	s.publish(ctx, "bonus.wagering_completed", ub, map[string]any{
		"code":           ub.TemplateCode,
		"convertedValue": moved,
		"currency":       ub.Currency,
	})
	return nil
}

// Forfeit reclaims a bonus before its natural end, returning whatever the
// bonus account still holds to the system pool.
func (s *BonusService) Forfeit(ctx context.Context, id, reason string) (*UserBonus, error) {
	ub, err := s.bonuses.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	switch ub.Status {
	case BonusStatusPending, BonusStatusActive:
	default:
		return nil, errs.E(errs.Conflict, "bonus is already terminal", "status", ub.Status)
	}
	reclaimed, err := s.wallet.ReclaimBonus(ctx, ub.UserID, ub.Currency, ub.CurrentValue, "bonus_forfeit:"+ub.ID)
	if err != nil {
		return nil, err
	}
	ub.Status = BonusStatusForfeited
	ub.CurrentValue -= reclaimed
	if ub.CurrentValue < 0 {
		ub.CurrentValue = 0
	}
	ub.ForfeitReason = reason
	if err := s.bonuses.Update(ctx, ub); err != nil {
		return nil, err
	}
	s.publish(ctx, "bonus.forfeited", ub, map[string]any{
		"code":   ub.TemplateCode,
		"reason": reason,
	})
	return ub, nil
}

// ExpireBonuses sweeps overdue bonuses into the expired state and reclaims
// their remaining value. Run periodically. Per-bonus failures stop the pass
// so the next run retries from a clean read.
func (s *BonusService) ExpireBonuses(ctx context.Context) (int, error) {
	now := s.now()
	due, err := s.bonuses.FindMany(ctx, repo.Query{
		Filter: repo.Filter{
			"status":    repo.In{BonusStatusPending, BonusStatusActive},
			"expiresAt": repo.Range{Gt: time.Time{}, Lte: now},
		},
	})
	if err != nil {
		return 0, err
	}
	expired := 0
	for _, ub := range due {
		reclaimed, err := s.wallet.ReclaimBonus(ctx, ub.UserID, ub.Currency, ub.CurrentValue, "bonus_expiry:"+ub.ID)
		if err != nil {
			return expired, err
		}
		ub.Status = BonusStatusExpired
		ub.CurrentValue -= reclaimed
		if ub.CurrentValue < 0 {
			ub.CurrentValue = 0
		}
		if err := s.bonuses.Update(ctx, ub); err != nil {
			return expired, err
		}
		expired++
		s.publish(ctx, "bonus.expired", ub, map[string]any{"code": ub.TemplateCode})
	}
	return expired, nil
}

// SubscribeTurnover feeds wager events from the payment channel into
// turnover tracking.
func (s *BonusService) SubscribeTurnover(b bus.Bus) {
	b.Subscribe(bus.ChannelPayment, func(ctx context.Context, env bus.Envelope) {
		if env.EventType != "payment.bet" {
			return
		}
		amount := bus.Int64(env.Data["amount"])
		currency, _ := env.Data["currency"].(string)
		_ = s.RecordTurnover(ctx, env.UserID, amount, currency)
	})
}

func (s *BonusService) publish(ctx context.Context, eventType string, ub *UserBonus, data map[string]any) {
	if s.broker == nil {
		return
	}
	_ = s.broker.Publish(ctx, bus.ChannelBonus, bus.Envelope{
		EventType: eventType,
		UserID:    ub.UserID,
		TenantID:  ub.TenantID,
		Data:      data,
		Timestamp: s.clk.Now().UTC(),
	})
}
