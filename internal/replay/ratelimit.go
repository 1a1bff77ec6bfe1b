package replay

import (
	"context"

	"golang.org/x/time/rate"
)

// NewBWLimiter creates a rate.Limiter that caps replay throughput to
// bytesPerSec. The burst is set to 1 MB so a full copy chunk normally needs
// a single token grab.
func NewBWLimiter(bytesPerSec int64) *rate.Limiter {
	burst := 1 << 20 // 1 MB
	if bytesPerSec < int64(burst) {
		burst = int(bytesPerSec)
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// throttle returns a function that blocks until n bytes may pass. Requests
// larger than the burst are split. A nil limiter never blocks.
func throttle(ctx context.Context, l *rate.Limiter) func(int) error {
	if l == nil {
		return nil
	}
	return func(n int) error {
		for n > 0 {
			k := min(n, l.Burst())
			if err := l.WaitN(ctx, k); err != nil {
				return err
			}
			n -= k
		}
		return nil
	}
}
