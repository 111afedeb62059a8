package server

import (
	"context"
	"time"

	"github.com/fairlinestudio/open-pay-go/internal/platform/errs"
	"github.com/fairlinestudio/open-pay-go/internal/platform/repo"
)

// DailyLoginHandler grants a fixed amount once per calendar day (UTC).
type DailyLoginHandler struct {
	BaseBonusHandler
}

func NewDailyLoginHandler() *DailyLoginHandler { return &DailyLoginHandler{} }

func (*DailyLoginHandler) Type() string { return "daily_login" }

func (*DailyLoginHandler) ClaimWindow(_ *BonusTemplate, _ BonusClaim, now time.Time) string {
	return now.Format("2006-01-02")
}

// BirthdayHandler grants once per year on the user's stored birth date.
type BirthdayHandler struct {
	BaseBonusHandler
	users *repo.Repository[*User]
}

func NewBirthdayHandler(users *repo.Repository[*User]) *BirthdayHandler {
	return &BirthdayHandler{users: users}
}

func (*BirthdayHandler) Type() string { return "birthday" }

func (h *BirthdayHandler) ValidateSpecific(ctx context.Context, _ *BonusTemplate, claim BonusClaim, now time.Time) error {
	u, err := h.users.FindByID(ctx, claim.UserID)
	if err != nil {
		return err
	}
	if u.BirthDate == "" {
		return errs.E(errs.InvalidInput, "no birth date on record")
	}
	birth, err := time.Parse("2006-01-02", u.BirthDate)
	if err != nil {
		return errs.Wrap(errs.InvalidInput, "birth date on record is malformed", err)
	}
	if birth.Month() != now.Month() || birth.Day() != now.Day() {
		return errs.E(errs.Forbidden, "bonus is only claimable on the birth date")
	}
	return nil
}

func (*BirthdayHandler) ClaimWindow(_ *BonusTemplate, _ BonusClaim, now time.Time) string {
	return now.Format("2006")
}

// FlashHandler limits a short campaign to a fixed number of total claims.
// The shared pipeline already enforces the validity window; this handler
// adds the supply cap.
type FlashHandler struct {
	BaseBonusHandler
	bonuses *repo.Repository[*UserBonus]
}

func NewFlashHandler(bonuses *repo.Repository[*UserBonus]) *FlashHandler {
	return &FlashHandler{bonuses: bonuses}
}

func (*FlashHandler) Type() string { return "flash" }

func (h *FlashHandler) ValidateSpecific(ctx context.Context, tpl *BonusTemplate, _ BonusClaim, _ time.Time) error {
	if tpl.ValidFrom.IsZero() || tpl.ValidUntil.IsZero() {
		return errs.E(errs.InvalidInput, "flash bonus needs a validity window", "code", tpl.Code)
	}
	if tpl.MaxUses <= 0 {
		return nil
	}
	used, err := h.bonuses.Count(ctx, repo.Filter{"templateCode": tpl.Code})
	if err != nil {
		return err
	}
	if used >= tpl.MaxUses {
		return errs.E(errs.Forbidden, "bonus supply is exhausted", "code", tpl.Code)
	}
	return nil
}

// ReferralHandler pays the referrer once per referred account, scaled by
// the highest tier the referrer's qualified referral count reaches.
type ReferralHandler struct {
	BaseBonusHandler
	users *repo.Repository[*User]
}

func NewReferralHandler(users *repo.Repository[*User]) *ReferralHandler {
	return &ReferralHandler{users: users}
}

func (*ReferralHandler) Type() string { return "referral" }

func (h *ReferralHandler) ValidateSpecific(ctx context.Context, _ *BonusTemplate, claim BonusClaim, _ time.Time) error {
	if claim.RefereeID == "" {
		return errs.E(errs.InvalidInput, "referral claim needs the referred user id")
	}
	referee, err := h.users.FindByID(ctx, claim.RefereeID)
	if err != nil {
		return err
	}
	if referee.ReferredBy != claim.UserID {
		return errs.E(errs.Forbidden, "user was not referred by the claimant")
	}
	if referee.Status != UserStatusActive {
		return errs.E(errs.Forbidden, "referred user has not activated yet")
	}
	return nil
}

func (h *ReferralHandler) CalculateValue(ctx context.Context, tpl *BonusTemplate, claim BonusClaim) (int64, error) {
	referrals, err := h.users.Count(ctx, repo.Filter{
		"referredBy": claim.UserID, "status": UserStatusActive,
	})
	if err != nil {
		return 0, err
	}
	multiplier := int64(1)
	for _, tier := range tpl.Tiers {
		if referrals >= int64(tier.MinReferrals) && tier.Multiplier > multiplier {
			multiplier = tier.Multiplier
		}
	}
	return tpl.Value * multiplier, nil
}

func (*ReferralHandler) ClaimWindow(_ *BonusTemplate, claim BonusClaim, _ time.Time) string {
	return "referee:" + claim.RefereeID
}

func (*ReferralHandler) BuildUserBonus(_ *BonusTemplate, claim BonusClaim, ub *UserBonus) {
	ub.RefereeID = claim.RefereeID
	ub.ReferrerID = claim.UserID
}

// SeasonalHandler runs a dated campaign claimable once per user. Campaign
// bounds come from the template's validity window.
type SeasonalHandler struct {
	BaseBonusHandler
}

func NewSeasonalHandler() *SeasonalHandler { return &SeasonalHandler{} }

func (*SeasonalHandler) Type() string { return "seasonal" }

func (*SeasonalHandler) ValidateSpecific(_ context.Context, tpl *BonusTemplate, _ BonusClaim, _ time.Time) error {
	if tpl.ValidFrom.IsZero() || tpl.ValidUntil.IsZero() {
		return errs.E(errs.InvalidInput, "seasonal bonus needs a validity window", "code", tpl.Code)
	}
	return nil
}
