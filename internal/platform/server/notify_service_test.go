package server

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/fairlinestudio/open-pay-go/internal/platform/bus"
	"github.com/fairlinestudio/open-pay-go/internal/platform/clock"
	"github.com/fairlinestudio/open-pay-go/internal/platform/errs"
	"github.com/fairlinestudio/open-pay-go/internal/platform/repo"
)

type stubSender struct {
	channel string
	fail    error

	mu       sync.Mutex
	attempts int
	sent     []Notification
}

func (s *stubSender) Channel() string { return s.channel }

func (s *stubSender) Send(_ context.Context, n *Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.fail != nil {
		return s.fail
	}
	s.sent = append(s.sent, *n)
	return nil
}

func (s *stubSender) tally() (attempts, delivered int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts, len(s.sent)
}

func testNotify(t *testing.T) (*NotifyService, *clock.Fixed) {
	t.Helper()
	clk := &clock.Fixed{T: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
	notifications := repo.New(
		repo.NewMemory(func() *Notification { return &Notification{} }),
		nil, clk, func() *Notification { return &Notification{} },
		repo.Config{Collection: "notifications", Indexes: NotificationIndexes()},
	)
	if err := notifications.EnsureIndexes(context.Background()); err != nil {
		t.Fatalf("EnsureIndexes: %v", err)
	}
	return NewNotifyService(notifications, clk, nil, nil), clk
}

func TestSendPersistsAndDelivers(t *testing.T) {
	svc, clk := testNotify(t)
	ctx := context.Background()
	email := &stubSender{channel: "email"}
	svc.RegisterSender(email)

	n, err := svc.Send(ctx, NotificationRequest{
		UserID: "u1", Channel: "email", To: "u1@example.test",
		Subject: "Hello", Body: "First message",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if n.Status != NotificationStatusSent {
		t.Errorf("status = %s, want sent", n.Status)
	}
	if !n.SentAt.Equal(clk.T) {
		t.Errorf("sentAt = %v, want %v", n.SentAt, clk.T)
	}
	if n.Priority != "normal" {
		t.Errorf("priority = %s, want normal default", n.Priority)
	}
	if _, delivered := email.tally(); delivered != 1 {
		t.Errorf("adapter deliveries = %d, want 1", delivered)
	}

	stored, err := svc.Notification(ctx, n.ID)
	if err != nil {
		t.Fatalf("Notification: %v", err)
	}
	if stored.Status != NotificationStatusSent {
		t.Errorf("stored status = %s, want sent", stored.Status)
	}
}

func TestSendValidation(t *testing.T) {
	svc, _ := testNotify(t)
	ctx := context.Background()
	svc.RegisterSender(&stubSender{channel: "email"})

	cases := []struct {
		name string
		req  NotificationRequest
		kind errs.Kind
	}{
		{"unknown channel", NotificationRequest{Channel: "pigeon", To: "x"}, errs.InvalidInput},
		{"socket without user", NotificationRequest{Channel: "socket"}, errs.InvalidInput},
		{"email without destination", NotificationRequest{Channel: "email", UserID: "u1"}, errs.InvalidInput},
		{"no sender registered", NotificationRequest{Channel: "sms", To: "+3580000"}, errs.DependencyUnavailable},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			n, err := svc.Send(ctx, tc.req)
			if !errs.Is(err, tc.kind) {
				t.Errorf("kind = %v, want %v", errs.KindOf(err), tc.kind)
			}
			if n != nil {
				t.Errorf("rejected request persisted a record")
			}
		})
	}
}

func TestSendFailureRecordsError(t *testing.T) {
	svc, _ := testNotify(t)
	ctx := context.Background()
	svc.RegisterSender(&stubSender{channel: "email", fail: errors.New("smtp refused")})

	n, err := svc.Send(ctx, NotificationRequest{Channel: "email", To: "u1@example.test"})
	if err == nil {
		t.Fatal("failed delivery returned nil error")
	}
	if n == nil {
		t.Fatal("failed delivery returned no record")
	}
	if n.Status != NotificationStatusFailed {
		t.Errorf("status = %s, want failed", n.Status)
	}
	if !strings.Contains(n.Error, "smtp refused") {
		t.Errorf("error = %q, want the adapter failure", n.Error)
	}
}

func TestBreakerShieldsDeadChannel(t *testing.T) {
	svc, _ := testNotify(t)
	ctx := context.Background()
	dead := &stubSender{channel: "sms", fail: errors.New("gateway down")}
	svc.RegisterSender(dead)

	for i := 0; i < 5; i++ {
		if _, err := svc.Send(ctx, NotificationRequest{Channel: "sms", To: "+3580000"}); err == nil {
			t.Fatalf("send %d unexpectedly succeeded", i+1)
		}
	}
	attemptsBefore, _ := dead.tally()

	_, err := svc.Send(ctx, NotificationRequest{Channel: "sms", To: "+3580000"})
	if !errs.Is(err, errs.DependencyUnavailable) {
		t.Fatalf("kind = %v, want dependency_unavailable once the circuit opens", errs.KindOf(err))
	}
	if attemptsAfter, _ := dead.tally(); attemptsAfter != attemptsBefore {
		t.Errorf("adapter called %d times after circuit opened, want fail-fast", attemptsAfter-attemptsBefore)
	}
}

func TestSendMultiChannelIndependent(t *testing.T) {
	svc, _ := testNotify(t)
	ctx := context.Background()
	email := &stubSender{channel: "email"}
	svc.RegisterSender(email)
	svc.RegisterSender(&stubSender{channel: "sms", fail: errors.New("gateway down")})

	out := svc.SendMultiChannel(ctx, NotificationRequest{
		UserID: "u1", To: "u1@example.test", Subject: "Both",
	}, []string{"email", "sms", "pigeon"})

	if len(out) != 2 {
		t.Fatalf("persisted attempts = %d, want 2 (unknown channel skipped)", len(out))
	}
	byChannel := map[string]string{}
	for _, n := range out {
		byChannel[n.Channel] = n.Status
	}
	if byChannel["email"] != NotificationStatusSent {
		t.Errorf("email status = %s, want sent", byChannel["email"])
	}
	if byChannel["sms"] != NotificationStatusFailed {
		t.Errorf("sms status = %s, want failed", byChannel["sms"])
	}
	if _, delivered := email.tally(); delivered != 1 {
		t.Errorf("email deliveries = %d, want 1 despite sms failure", delivered)
	}
}

func TestDeliveryReceiptTransitions(t *testing.T) {
	svc, _ := testNotify(t)
	ctx := context.Background()
	svc.RegisterSender(&stubSender{channel: "email"})

	n, err := svc.Send(ctx, NotificationRequest{Channel: "email", To: "u1@example.test"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}

	got, err := svc.MarkDelivered(ctx, n.ID)
	if err != nil {
		t.Fatalf("MarkDelivered: %v", err)
	}
	if got.Status != NotificationStatusDelivered {
		t.Errorf("status = %s, want delivered", got.Status)
	}
	if _, err := svc.MarkDelivered(ctx, n.ID); !errs.Is(err, errs.Conflict) {
		t.Errorf("second receipt kind = %v, want conflict", errs.KindOf(err))
	}
	if _, err := svc.MarkBounced(ctx, n.ID, "late bounce"); !errs.Is(err, errs.Conflict) {
		t.Errorf("bounce after delivery kind = %v, want conflict", errs.KindOf(err))
	}

	second, err := svc.Send(ctx, NotificationRequest{Channel: "email", To: "u1@example.test"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	bounced, err := svc.MarkBounced(ctx, second.ID, "mailbox full")
	if err != nil {
		t.Fatalf("MarkBounced: %v", err)
	}
	if bounced.Status != NotificationStatusBounced || bounced.Error != "mailbox full" {
		t.Errorf("bounced = %s/%q, want bounced/mailbox full", bounced.Status, bounced.Error)
	}
}

func TestEventsTranslateIntoSends(t *testing.T) {
	svc, clk := testNotify(t)
	ctx := context.Background()
	b := bus.NewMemory(nil)
	defer b.Close()

	users := repo.New(
		repo.NewMemory(func() *User { return &User{} }),
		nil, clk, func() *User { return &User{} },
		repo.Config{Collection: "users", Indexes: UserIndexes()},
	)
	u := &User{Username: "u1", Email: "u1@example.test", Phone: "+358401111", Status: UserStatusActive}
	u.ID = "u1"
	if err := users.Create(ctx, u); err != nil {
		t.Fatalf("seed user: %v", err)
	}

	sms := &stubSender{channel: "sms"}
	email := &stubSender{channel: "email"}
	svc.RegisterSender(sms)
	svc.RegisterSender(email)
	svc.RegisterSender(&stubSender{channel: "socket"})
	svc.BindEvents(b, users)

	_ = b.Publish(ctx, bus.ChannelAuth, bus.Envelope{
		EventType: "user.otp_issued", UserID: "u1",
		Data: map[string]any{"channel": "sms", "code": "482913"},
	})
	_ = b.Publish(ctx, bus.ChannelAuth, bus.Envelope{
		EventType: "user.registered", UserID: "u1",
		Data: map[string]any{"email": "u1@example.test"},
	})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		page, err := svc.UserNotifications(ctx, "u1", "", 10)
		if err != nil {
			t.Fatalf("UserNotifications: %v", err)
		}
		if len(page.Items) >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	smsMsgs := func() []Notification {
		sms.mu.Lock()
		defer sms.mu.Unlock()
		return append([]Notification(nil), sms.sent...)
	}()
	if len(smsMsgs) != 1 {
		t.Fatalf("sms deliveries = %d, want the otp", len(smsMsgs))
	}
	if smsMsgs[0].To != "+358401111" {
		t.Errorf("otp destination = %s, want the stored phone", smsMsgs[0].To)
	}
	if !strings.Contains(smsMsgs[0].Body, "482913") {
		t.Errorf("otp body %q misses the code", smsMsgs[0].Body)
	}
	if smsMsgs[0].Priority != "high" {
		t.Errorf("otp priority = %s, want high", smsMsgs[0].Priority)
	}
	if _, welcomed := email.tally(); welcomed != 1 {
		t.Errorf("welcome emails = %d, want 1", welcomed)
	}
}
