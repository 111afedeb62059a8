package server

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/fairlinestudio/open-pay-go/internal/platform/breaker"
	"github.com/fairlinestudio/open-pay-go/internal/platform/clock"
	"github.com/fairlinestudio/open-pay-go/internal/platform/errs"
	"github.com/fairlinestudio/open-pay-go/internal/platform/repo"
)

const (
	NotificationStatusPending   = "pending"
	NotificationStatusQueued    = "queued"
	NotificationStatusSent      = "sent"
	NotificationStatusDelivered = "delivered"
	NotificationStatusFailed    = "failed"
	NotificationStatusBounced   = "bounced"
)

// userBoundChannels deliver over a live connection addressed by user id.
// Every other channel needs an explicit destination.
var userBoundChannels = map[string]bool{"socket": true, "sse": true}

var notifyChannels = map[string]bool{
	"email": true, "sms": true, "whatsapp": true,
	"push": true, "socket": true, "sse": true,
}

type Notification struct {
	repo.Meta `bson:",inline"`
	UserID    string    `json:"userId,omitempty" bson:"userId,omitempty"`
	TenantID  string    `json:"tenantId,omitempty" bson:"tenantId,omitempty"`
	Channel   string    `json:"channel" bson:"channel"`
	Priority  string    `json:"priority" bson:"priority"`
	To        string    `json:"to,omitempty" bson:"to,omitempty"`
	Subject   string    `json:"subject,omitempty" bson:"subject,omitempty"`
	Body      string    `json:"body,omitempty" bson:"body,omitempty"`
	Status    string    `json:"status" bson:"status"`
	Error     string    `json:"error,omitempty" bson:"error,omitempty"`
	SentAt    time.Time `json:"sentAt,omitempty" bson:"sentAt,omitempty"`
}

func NotificationIndexes() []repo.Index {
	return []repo.Index{
		{Fields: []string{"userId", "createdAt"}},
		{Fields: []string{"status"}},
	}
}

// Sender is one delivery adapter. Implementations must be safe for
// concurrent use.
type Sender interface {
	Channel() string
	Send(ctx context.Context, n *Notification) error
}

// LogSender is the development adapter: it accepts everything and writes a
// log line instead of delivering. Body content never reaches the log.
type LogSender struct {
	channel string
	log     *zap.Logger
}

func NewLogSender(channel string, log *zap.Logger) *LogSender {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogSender{channel: channel, log: log}
}

func (s *LogSender) Channel() string { return s.channel }

func (s *LogSender) Send(_ context.Context, n *Notification) error {
	s.log.Info("notification dispatched",
		zap.String("channel", s.channel),
		zap.String("to", n.To),
		zap.String("userId", n.UserID),
		zap.String("subject", n.Subject))
	return nil
}

// NotifyService persists every send attempt and routes it to the channel's
// adapter behind a per-channel circuit breaker, so one dead provider cannot
// drag the others down.
type NotifyService struct {
	notifications *repo.Repository[*Notification]
	senders       map[string]Sender
	breakers      map[string]*gobreaker.CircuitBreaker
	clk           clock.Clock
	log           *zap.Logger
	metrics       *Metrics
}

func NewNotifyService(
	notifications *repo.Repository[*Notification],
	clk clock.Clock,
	log *zap.Logger,
	m *Metrics,
) *NotifyService {
	if log == nil {
		log = zap.NewNop()
	}
	return &NotifyService{
		notifications: notifications,
		senders:       make(map[string]Sender),
		breakers:      make(map[string]*gobreaker.CircuitBreaker),
		clk:           clk,
		log:           log,
		metrics:       m,
	}
}

func (s *NotifyService) RegisterSender(snd Sender) {
	ch := snd.Channel()
	s.senders[ch] = snd
	s.breakers[ch] = breaker.New("notify_" + ch)
}

type NotificationRequest struct {
	UserID   string `json:"userId,omitempty"`
	TenantID string `json:"tenantId,omitempty"`
	Channel  string `json:"channel"`
	Priority string `json:"priority,omitempty"`
	To       string `json:"to,omitempty"`
	Subject  string `json:"subject,omitempty"`
	Body     string `json:"body,omitempty"`
}

// Send persists the notification and attempts delivery once. The returned
// record is non-nil whenever it was persisted, including failed attempts;
// the error then reports why delivery did not happen.
func (s *NotifyService) Send(ctx context.Context, req NotificationRequest) (*Notification, error) {
	if !notifyChannels[req.Channel] {
		return nil, errs.E(errs.InvalidInput, "unknown notification channel", "channel", req.Channel)
	}
	if userBoundChannels[req.Channel] {
		if req.UserID == "" {
			return nil, errs.E(errs.InvalidInput, "channel requires a user id", "channel", req.Channel)
		}
	} else if req.To == "" {
		return nil, errs.E(errs.InvalidInput, "channel requires a destination", "channel", req.Channel)
	}
	snd, ok := s.senders[req.Channel]
	if !ok {
		return nil, errs.E(errs.DependencyUnavailable, "no sender registered for channel", "channel", req.Channel)
	}
	if req.Priority == "" {
		req.Priority = "normal"
	}

	n := &Notification{
		UserID:   req.UserID,
		TenantID: req.TenantID,
		Channel:  req.Channel,
		Priority: req.Priority,
		To:       req.To,
		Subject:  req.Subject,
		Body:     req.Body,
		Status:   NotificationStatusPending,
	}
	if err := s.notifications.Create(ctx, n); err != nil {
		return nil, err
	}
	n.Status = NotificationStatusQueued
	if err := s.notifications.Update(ctx, n); err != nil {
		return n, err
	}

	err := breaker.Do(s.breakers[req.Channel], func() error {
		return snd.Send(ctx, n)
	})
	if err != nil {
		n.Status = NotificationStatusFailed
		n.Error = err.Error()
		if uerr := s.notifications.Update(ctx, n); uerr != nil {
			s.log.Error("failed notification not recorded", zap.String("id", n.ID), zap.Error(uerr))
		}
		s.metrics.notificationSend(req.Channel, "failed")
		return n, err
	}

	n.Status = NotificationStatusSent
	n.SentAt = s.clk.Now().UTC()
	if err := s.notifications.Update(ctx, n); err != nil {
		return n, err
	}
	s.metrics.notificationSend(req.Channel, "sent")
	return n, nil
}

// SendMultiChannel fans the same content out to several channels. Attempts
// are independent: a failure on one channel never stops the others. The
// result holds one record per persisted attempt.
func (s *NotifyService) SendMultiChannel(ctx context.Context, req NotificationRequest, channels []string) []*Notification {
	out := make([]*Notification, 0, len(channels))
	for _, ch := range channels {
		r := req
		r.Channel = ch
		n, err := s.Send(ctx, r)
		if err != nil {
			s.log.Warn("notification channel attempt failed",
				zap.String("channel", ch),
				zap.String("userId", req.UserID),
				zap.Error(err))
		}
		if n != nil {
			out = append(out, n)
		}
	}
	return out
}

// MarkDelivered records a provider delivery receipt. Only sent
// notifications can become delivered.
func (s *NotifyService) MarkDelivered(ctx context.Context, id string) (*Notification, error) {
	return s.transition(ctx, id, NotificationStatusSent, NotificationStatusDelivered, "")
}

// MarkBounced records a provider bounce for a sent notification.
func (s *NotifyService) MarkBounced(ctx context.Context, id, reason string) (*Notification, error) {
	return s.transition(ctx, id, NotificationStatusSent, NotificationStatusBounced, reason)
}

func (s *NotifyService) transition(ctx context.Context, id, from, to, reason string) (*Notification, error) {
	n, err := s.notifications.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if n.Status != from {
		return nil, errs.E(errs.Conflict, "notification status does not allow this transition",
			"status", n.Status, "requested", to)
	}
	n.Status = to
	if reason != "" {
		n.Error = reason
	}
	if err := s.notifications.Update(ctx, n); err != nil {
		return nil, err
	}
	return n, nil
}

func (s *NotifyService) Notification(ctx context.Context, id string) (*Notification, error) {
	return s.notifications.FindByID(ctx, id)
}

func (s *NotifyService) UserNotifications(ctx context.Context, userID, cursor string, limit int) (repo.Page[*Notification], error) {
	return s.notifications.Paginate(ctx, repo.Query{
		Filter: repo.Filter{"userId": userID},
		Sort:   "-createdAt",
	}, cursor, limit)
}
