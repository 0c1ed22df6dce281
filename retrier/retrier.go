package retrier

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"
)

// Retrier reruns an operation with exponential backoff and jitter. Callers
// that must not retry (the engine's network fetch adapter) simply don't use
// one; the proxy uses it for transient upstream failures.
type Retrier struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	factor      float64
	jitter      float64
}

func NewRetrier(maxAttempts int, baseDelay, maxDelay time.Duration, factor, jitter float64) *Retrier {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	return &Retrier{
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
		factor:      factor,
		jitter:      jitter,
	}
}

// Run executes fn until it succeeds, the attempt budget is spent, or ctx is
// cancelled between attempts.
func (r *Retrier) Run(ctx context.Context, fn func() error) error {
	var err error
	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}

		if attempt == r.maxAttempts-1 {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.delay(attempt)):
		}
	}
	return fmt.Errorf("max retry attempts reached: %w", err)
}

func (r *Retrier) delay(attempt int) time.Duration {
	d := float64(r.baseDelay) * math.Pow(r.factor, float64(attempt))
	if d > float64(r.maxDelay) {
		d = float64(r.maxDelay)
	}
	d += rand.Float64() * r.jitter * d
	return time.Duration(d)
}
