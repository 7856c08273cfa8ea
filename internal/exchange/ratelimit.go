package exchange

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Request weights mirror the venue's counter costs. Order placement and
// cancellation are cheap, history pulls are heavy.
const (
	weightOrder   = 1
	weightQuery   = 1
	weightOHLC    = 2
	weightHistory = 2
)

// limiter wraps a token bucket with a weight-aware Wait plus a penalty box
// applied when the venue answers with a throttle response.
type limiter struct {
	bucket *rate.Limiter

	mu         sync.Mutex
	penaltyEnd time.Time
}

// newLimiter allows roughly perSecond weight units per second with a burst
// of one second's allowance.
func newLimiter(perSecond float64) *limiter {
	burst := int(perSecond)
	if burst < 1 {
		burst = 1
	}
	return &limiter{bucket: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

// wait blocks until the weighted request may proceed, honoring any penalty
// window first.
func (l *limiter) wait(ctx context.Context, weight int) error {
	l.mu.Lock()
	wait := time.Until(l.penaltyEnd)
	l.mu.Unlock()
	if wait > 0 {
		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return l.bucket.WaitN(ctx, weight)
}

// penalize pauses all requests for d, typically the venue's Retry-After.
func (l *limiter) penalize(d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	l.mu.Lock()
	if end := time.Now().Add(d); end.After(l.penaltyEnd) {
		l.penaltyEnd = end
	}
	l.mu.Unlock()
}
