package server

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/fairlinestudio/open-pay-go/internal/platform/bus"
	"github.com/fairlinestudio/open-pay-go/internal/platform/repo"
)

// BindEvents subscribes the dispatcher to the integration channels and
// translates domain events into sends. Translation failures are logged and
// swallowed; they never reach the publisher.
func (s *NotifyService) BindEvents(b bus.Bus, users *repo.Repository[*User]) {
	b.Subscribe(bus.ChannelAuth, func(ctx context.Context, env bus.Envelope) {
		switch env.EventType {
		case "user.registered":
			to, _ := env.Data["email"].(string)
			s.send(ctx, NotificationRequest{
				UserID:   env.UserID,
				TenantID: env.TenantID,
				Channel:  "email",
				To:       to,
				Subject:  "Welcome aboard",
				Body:     "Your account is ready. Log in to activate it.",
			})
		case "user.otp_issued":
			u, err := users.FindByID(ctx, env.UserID)
			if err != nil {
				s.log.Warn("otp notification skipped, user unresolved",
					zap.String("userId", env.UserID), zap.Error(err))
				return
			}
			code, _ := env.Data["code"].(string)
			channel, _ := env.Data["channel"].(string)
			s.send(ctx, otpRequest(u, channel, code, env.TenantID))
		}
	})

	b.Subscribe(bus.ChannelPayment, func(ctx context.Context, env bus.Envelope) {
		amount := bus.Int64(env.Data["amount"])
		currency, _ := env.Data["currency"].(string)
		switch env.EventType {
		case "payment.deposit":
			u, err := users.FindByID(ctx, env.UserID)
			if err != nil {
				return
			}
			s.SendMultiChannel(ctx, NotificationRequest{
				UserID:   env.UserID,
				TenantID: env.TenantID,
				To:       u.Email,
				Subject:  "Deposit received",
				Body:     fmt.Sprintf("We credited %s to your wallet.", formatAmount(amount, currency)),
			}, []string{"email", "socket"})
		case "payment.withdrawal":
			u, err := users.FindByID(ctx, env.UserID)
			if err != nil {
				return
			}
			s.send(ctx, NotificationRequest{
				UserID:   env.UserID,
				TenantID: env.TenantID,
				Channel:  "email",
				To:       u.Email,
				Subject:  "Withdrawal processed",
				Body:     fmt.Sprintf("Your withdrawal of %s is on its way.", formatAmount(amount, currency)),
			})
		case "payment.transfer_completed":
			body := fmt.Sprintf("Transfer of %s completed.", formatAmount(amount, currency))
			s.send(ctx, NotificationRequest{
				UserID:   env.UserID,
				TenantID: env.TenantID,
				Channel:  "socket",
				Subject:  "Transfer sent",
				Body:     body,
			})
			if to, _ := env.Data["toUserId"].(string); to != "" {
				s.send(ctx, NotificationRequest{
					UserID:   to,
					TenantID: env.TenantID,
					Channel:  "socket",
					Subject:  "Transfer received",
					Body:     body,
				})
			}
		}
	})

	b.Subscribe(bus.ChannelBonus, func(ctx context.Context, env bus.Envelope) {
		switch env.EventType {
		case "bonus.awarded":
			value := bus.Int64(env.Data["value"])
			currency, _ := env.Data["currency"].(string)
			s.send(ctx, NotificationRequest{
				UserID:   env.UserID,
				TenantID: env.TenantID,
				Channel:  "socket",
				Subject:  "Bonus credited",
				Body:     fmt.Sprintf("A bonus of %s was added to your bonus balance.", formatAmount(value, currency)),
			})
		case "bonus.wagering_completed":
			value := bus.Int64(env.Data["convertedValue"])
			currency, _ := env.Data["currency"].(string)
			s.send(ctx, NotificationRequest{
				UserID:   env.UserID,
				TenantID: env.TenantID,
				Channel:  "socket",
				Subject:  "Bonus released",
				Body:     fmt.Sprintf("%s moved from bonus to your real balance.", formatAmount(value, currency)),
			})
		case "bonus.expired":
			s.send(ctx, NotificationRequest{
				UserID:   env.UserID,
				TenantID: env.TenantID,
				Channel:  "socket",
				Subject:  "Bonus expired",
				Body:     "An unfinished bonus expired and was removed.",
			})
		}
	})
}

// send is the fire-and-forget form used by event handlers.
func (s *NotifyService) send(ctx context.Context, req NotificationRequest) {
	if _, err := s.Send(ctx, req); err != nil {
		s.log.Warn("event notification failed",
			zap.String("channel", req.Channel),
			zap.String("userId", req.UserID),
			zap.Error(err))
	}
}

// otpRequest picks the delivery route for a challenge code. Unroutable
// challenge channels fall back to email.
func otpRequest(u *User, channel, code, tenantID string) NotificationRequest {
	req := NotificationRequest{
		UserID:   u.ID,
		TenantID: tenantID,
		Priority: "high",
		Subject:  "Your verification code",
		Body:     fmt.Sprintf("Your one-time code is %s. It expires shortly.", code),
	}
	switch channel {
	case "sms", "whatsapp":
		req.Channel = channel
		req.To = u.Phone
	default:
		req.Channel = "email"
		req.To = u.Email
	}
	return req
}

// formatAmount renders minor units with two decimals, which covers the
// currencies the platform settles in.
func formatAmount(minor int64, currency string) string {
	sign := ""
	if minor < 0 {
		sign = "-"
		minor = -minor
	}
	return fmt.Sprintf("%s%d.%02d %s", sign, minor/100, minor%100, currency)
}
