package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/fairlinestudio/open-pay-go/internal/platform/cache"
	"github.com/fairlinestudio/open-pay-go/internal/platform/clock"
	"github.com/fairlinestudio/open-pay-go/internal/platform/errs"
)

func TestFixedWindow(t *testing.T) {
	clk := &clock.Fixed{T: time.Date(2026, 5, 6, 14, 0, 0, 0, time.UTC)}
	l := New(cache.NewMemory(clk), clk, 3, time.Minute)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := l.Allow(ctx, "t1", "u1"); err != nil {
			t.Fatalf("hit %d rejected: %v", i, err)
		}
	}
	if err := l.Allow(ctx, "t1", "u1"); !errs.Is(err, errs.RateLimited) {
		t.Fatalf("err = %v, want RateLimited", err)
	}

	// a different principal has its own budget
	if err := l.Allow(ctx, "t1", "u2"); err != nil {
		t.Fatalf("other user rejected: %v", err)
	}
	if err := l.Allow(ctx, "t2", "u1"); err != nil {
		t.Fatalf("other tenant rejected: %v", err)
	}

	// a new window resets the count
	clk.Advance(time.Minute)
	if err := l.Allow(ctx, "t1", "u1"); err != nil {
		t.Fatalf("new window rejected: %v", err)
	}
}
