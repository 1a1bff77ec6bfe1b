package lifecycle

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestGuard() *Guard {
	return NewGuard(slog.New(slog.DiscardHandler), time.Second)
}

func TestTeardownReverseOrder(t *testing.T) {
	t.Parallel()

	g := newTestGuard()
	var order []string
	for _, name := range []string{"server", "routing table", "device"} {
		g.Add(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}
	assert.Equal(t, []string{"device", "routing table", "server"}, g.Pending())

	require.NoError(t, g.Teardown(context.Background()))
	assert.Equal(t, []string{"device", "routing table", "server"}, order)
	assert.Empty(t, g.Pending())
}

func TestTeardownRunsOnce(t *testing.T) {
	t.Parallel()

	g := newTestGuard()
	var calls atomic.Int32
	g.Add("server", func(context.Context) error {
		calls.Add(1)
		return nil
	})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = g.Teardown(context.Background())
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), calls.Load())
}

func TestTeardownContinuesAfterFailure(t *testing.T) {
	t.Parallel()

	g := newTestGuard()
	boom := errors.New("boom")
	var released bool
	g.Add("first", func(context.Context) error {
		released = true
		return nil
	})
	g.Add("second", func(context.Context) error { return boom })

	err := g.Teardown(context.Background())
	require.ErrorIs(t, err, boom)
	assert.Contains(t, err.Error(), "release second")
	assert.True(t, released)

	// The recorded result is returned again.
	assert.ErrorIs(t, g.Teardown(context.Background()), boom)
}

func TestTeardownIgnoresCallerCancellation(t *testing.T) {
	t.Parallel()

	g := newTestGuard()
	var sawCancel bool
	g.Add("server", func(ctx context.Context) error {
		sawCancel = ctx.Err() != nil
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.NoError(t, g.Teardown(ctx))
	assert.False(t, sawCancel)
}

func TestTeardownTimeout(t *testing.T) {
	t.Parallel()

	g := NewGuard(slog.New(slog.DiscardHandler), 20*time.Millisecond)
	g.Add("stuck", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	assert.ErrorIs(t, g.Teardown(context.Background()), context.DeadlineExceeded)
}

func TestAddAfterTeardownReleasesImmediately(t *testing.T) {
	t.Parallel()

	g := newTestGuard()
	require.NoError(t, g.Teardown(context.Background()))

	var released bool
	g.Add("late", func(context.Context) error {
		released = true
		return nil
	})
	assert.True(t, released)
	assert.Empty(t, g.Pending())
}

func TestRunKeepsOriginalError(t *testing.T) {
	t.Parallel()

	g := newTestGuard()
	g.Add("server", func(context.Context) error { return errors.New("stop failed") })

	attachErr := errors.New("attach failed")
	err := g.Run(context.Background(), func(context.Context) error { return attachErr })
	assert.Equal(t, attachErr, err)
}

func TestRunReturnsTeardownError(t *testing.T) {
	t.Parallel()

	g := newTestGuard()
	stopErr := errors.New("stop failed")
	g.Add("server", func(context.Context) error { return stopErr })

	err := g.Run(context.Background(), func(context.Context) error { return nil })
	assert.ErrorIs(t, err, stopErr)
}

func TestNotifyContext(t *testing.T) {
	ctx, stop := NotifyContext(context.Background())
	defer stop()

	require.NoError(t, syscall.Kill(os.Getpid(), syscall.SIGHUP))
	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled by SIGHUP")
	}
}
