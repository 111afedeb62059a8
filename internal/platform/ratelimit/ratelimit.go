// Package ratelimit is a fixed-window counter on the shared cache, so the
// limit holds across replicas.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/fairlinestudio/open-pay-go/internal/platform/cache"
	"github.com/fairlinestudio/open-pay-go/internal/platform/clock"
	"github.com/fairlinestudio/open-pay-go/internal/platform/errs"
)

type Limiter struct {
	cache  cache.Cache
	clk    clock.Clock
	max    int64
	window time.Duration
}

func New(c cache.Cache, clk clock.Clock, max int64, window time.Duration) *Limiter {
	if max <= 0 {
		max = 100
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Limiter{cache: c, clk: clk, max: max, window: window}
}

// Allow counts one hit for (tenantID, userID) in the current window and
// returns RateLimited once the window's budget is spent. Cache failures let
// the request through rather than blocking traffic.
func (l *Limiter) Allow(ctx context.Context, tenantID, userID string) error {
	window := l.clk.Now().UTC().Unix() / int64(l.window.Seconds())
	key := fmt.Sprintf("rate_limit:%s:%s:%d", tenantID, userID, window)
	n, err := l.cache.Incr(ctx, key, l.window)
	if err != nil {
		return nil
	}
	if n > l.max {
		return errs.E(errs.RateLimited, "rate limit exceeded",
			"tenantId", tenantID, "userId", userID)
	}
	return nil
}
