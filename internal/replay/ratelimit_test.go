package replay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBWLimiter(t *testing.T) {
	l := NewBWLimiter(10 << 20)
	assert.Equal(t, 1<<20, l.Burst())

	small := NewBWLimiter(4096)
	assert.Equal(t, 4096, small.Burst())
}

func TestThrottleNilLimiter(t *testing.T) {
	assert.Nil(t, throttle(context.Background(), nil))
}

func TestThrottleSplitsAboveBurst(t *testing.T) {
	l := NewBWLimiter(1024)
	wait := throttle(context.Background(), l)
	require.NotNil(t, wait)

	// 2 KiB at 1 KiB/s with a 1 KiB burst needs about one second.
	start := time.Now()
	require.NoError(t, wait(2048))
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestThrottleCancelled(t *testing.T) {
	l := NewBWLimiter(1024)
	ctx, cancel := context.WithCancel(context.Background())
	wait := throttle(ctx, l)
	require.NoError(t, wait(1024))

	cancel()
	assert.Error(t, wait(1024))
}
