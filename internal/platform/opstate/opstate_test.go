package opstate

import (
	"context"
	"testing"
	"time"

	"github.com/fairlinestudio/open-pay-go/internal/platform/cache"
	"github.com/fairlinestudio/open-pay-go/internal/platform/clock"
	"github.com/fairlinestudio/open-pay-go/internal/platform/errs"
)

func newTracker(t *testing.T) (*Tracker, *clock.Fixed) {
	t.Helper()
	clk := &clock.Fixed{T: time.Date(2026, 5, 2, 8, 0, 0, 0, time.UTC)}
	return NewTracker(cache.NewMemory(clk), clk), clk
}

func TestLifecycleAndTimestampFormat(t *testing.T) {
	tr, clk := newTracker(t)
	ctx := context.Background()

	s, err := tr.SetState(ctx, "transfer", "op-1", "", []string{"debit", "credit"})
	if err != nil {
		t.Fatalf("set: %v", err)
	}
	if s.Status != StatusPending {
		t.Fatalf("status = %q", s.Status)
	}
	started, err := s.StartedTime()
	if err != nil || !started.Equal(clk.T) {
		t.Fatalf("startedAt not ISO-8601 round-trippable: %q, %v", s.StartedAt, err)
	}

	clk.Advance(5 * time.Second)
	if err := tr.UpdateHeartbeat(ctx, "transfer", "op-1", "credit"); err != nil {
		t.Fatalf("heartbeat: %v", err)
	}
	got, err := tr.Get(ctx, "transfer", "op-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusInProgress || got.CurrentStep != "credit" {
		t.Fatalf("after heartbeat: %+v", got)
	}
	hb, _ := got.HeartbeatTime()
	if !hb.After(started) {
		t.Fatalf("heartbeat not refreshed: %v", hb)
	}

	if err := tr.MarkCompleted(ctx, "transfer", "op-1"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ = tr.Get(ctx, "transfer", "op-1")
	if got.Status != StatusCompleted {
		t.Fatalf("status = %q", got.Status)
	}
}

func TestTTLsExpireByStatus(t *testing.T) {
	tr, clk := newTracker(t)
	ctx := context.Background()

	if _, err := tr.SetState(ctx, "transfer", "active", StatusInProgress, nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := tr.SetState(ctx, "transfer", "done", StatusInProgress, nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := tr.MarkCompleted(ctx, "transfer", "done"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	clk.Advance(90 * time.Second)
	if _, err := tr.Get(ctx, "transfer", "active"); !errs.Is(err, errs.NotFound) {
		t.Fatalf("in-flight entry should expire at 60s, err = %v", err)
	}
	if _, err := tr.Get(ctx, "transfer", "done"); err != nil {
		t.Fatalf("terminal entry should survive 90s: %v", err)
	}

	clk.Advance(4 * time.Minute)
	if _, err := tr.Get(ctx, "transfer", "done"); !errs.Is(err, errs.NotFound) {
		t.Fatalf("terminal entry should expire at 300s, err = %v", err)
	}
}

func TestFindStuckFiltersByAgeStatusAndType(t *testing.T) {
	tr, clk := newTracker(t)
	ctx := context.Background()

	if _, err := tr.SetState(ctx, "transfer", "stale", StatusInProgress, nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := tr.SetState(ctx, "withdrawal", "other-type", StatusInProgress, nil); err != nil {
		t.Fatalf("set: %v", err)
	}

	clk.Advance(30 * time.Second)
	if _, err := tr.SetState(ctx, "transfer", "fresh", StatusInProgress, nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	if _, err := tr.SetState(ctx, "transfer", "finished", StatusCompleted, nil); err != nil {
		t.Fatalf("set: %v", err)
	}

	stuck, err := tr.FindStuck(ctx, "transfer", 20*time.Second)
	if err != nil {
		t.Fatalf("find stuck: %v", err)
	}
	if len(stuck) != 1 || stuck[0].OperationID != "stale" {
		t.Fatalf("stuck = %+v, want only op stale", stuck)
	}
}

func TestDeleteState(t *testing.T) {
	tr, _ := newTracker(t)
	ctx := context.Background()
	if _, err := tr.SetState(ctx, "transfer", "op-1", "", nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := tr.DeleteState(ctx, "transfer", "op-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := tr.Get(ctx, "transfer", "op-1"); !errs.Is(err, errs.NotFound) {
		t.Fatalf("err = %v, want NotFound", err)
	}
}

func TestMarkFailedAfterEntryExpiredStillRecordsOutcome(t *testing.T) {
	tr, clk := newTracker(t)
	ctx := context.Background()
	if _, err := tr.SetState(ctx, "transfer", "op-1", StatusInProgress, nil); err != nil {
		t.Fatalf("set: %v", err)
	}
	clk.Advance(2 * time.Minute)
	if err := tr.MarkFailed(ctx, "transfer", "op-1", "ledger post aborted"); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	got, err := tr.Get(ctx, "transfer", "op-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != StatusFailed || got.Error == "" {
		t.Fatalf("got %+v", got)
	}
}

func TestTypeOfKey(t *testing.T) {
	if got := TypeOfKey("operation_state:transfer:op-1"); got != "transfer" {
		t.Fatalf("got %q", got)
	}
	if got := TypeOfKey("garbage"); got != "" {
		t.Fatalf("got %q", got)
	}
}
