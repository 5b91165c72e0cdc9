// Package ratelimit paces outbound REST calls with golang.org/x/time/rate,
// the godoc-standard usage of the token-bucket limiter. It backs the
// warmup-phase historical-candle backfill and the per-tick orderbook
// fetch, so a burst of tick events cannot exceed an exchange's rate
// limit.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter wraps *rate.Limiter with the two call shapes this engine needs:
// blocking-wait before a REST call, and a non-blocking check for callers
// that would rather skip an optional fetch than stall the hot path.
type Limiter struct {
	rl *rate.Limiter
}

// New constructs a Limiter allowing ratePerSec sustained requests per
// second with the given burst size.
func New(ratePerSec float64, burst int) *Limiter {
	return &Limiter{rl: rate.NewLimiter(rate.Limit(ratePerSec), burst)}
}

// Wait blocks until a token is available or ctx is cancelled.
func (l *Limiter) Wait(ctx context.Context) error {
	return l.rl.Wait(ctx)
}

// Allow reports whether a token is immediately available, consuming it if
// so. Used on the tick-signal hot path where blocking would stall the event
// loop's consumer task.
func (l *Limiter) Allow() bool {
	return l.rl.Allow()
}
