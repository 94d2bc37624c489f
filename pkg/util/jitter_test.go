package util

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJitterWithinBounds(t *testing.T) {
	base := 100 * time.Millisecond
	for i := 0; i < 200; i++ {
		d := Jitter(base, 0.1)
		assert.GreaterOrEqual(t, d, 90*time.Millisecond)
		assert.LessOrEqual(t, d, 110*time.Millisecond)
	}

	assert.Equal(t, base, Jitter(base, 0))
}

func TestBumpDefersNextTick(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	ticker := NewJitterTicker(ctx, 200*time.Millisecond, 0)
	defer ticker.Stop()

	time.Sleep(100 * time.Millisecond)
	ticker.Bump()

	// The original deadline (200ms from start) has been pushed out to a
	// fresh full interval from the bump.
	select {
	case <-ticker.C:
		t.Fatal("tick fired inside the deferred window")
	case <-time.After(150 * time.Millisecond):
	}

	select {
	case tick := <-ticker.C:
		require.False(t, tick.IsZero())
	case <-time.After(500 * time.Millisecond):
		t.Fatal("deferred tick never fired")
	}
}

func TestStopClosesChannel(t *testing.T) {
	ticker := NewJitterTicker(context.Background(), time.Hour, 0)
	ticker.Stop()

	select {
	case _, ok := <-ticker.C:
		require.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("channel not closed after Stop")
	}
}
