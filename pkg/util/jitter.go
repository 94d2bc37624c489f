package util

import (
	"context"
	"math/rand/v2"
	"time"
)

// JitterTicker ticks around a base interval randomized by ±percent so
// concurrent nodes do not synchronize their gossip rounds. Bump resets the
// timer, deferring the next tick after out-of-band activity.
type JitterTicker struct {
	C    <-chan time.Time
	bump chan struct{}
	stop context.CancelFunc
}

func NewJitterTicker(ctx context.Context, base time.Duration, percent float64) *JitterTicker {
	tickCh := make(chan time.Time)
	bump := make(chan struct{}, 1)
	ctx, cancel := context.WithCancel(ctx)

	go func() {
		defer close(tickCh)
		timer := time.NewTimer(Jitter(base, percent))
		defer timer.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-bump:
				timer.Reset(Jitter(base, percent))
			case t := <-timer.C:
				select {
				case <-ctx.Done():
					return
				case tickCh <- t:
				}
				timer.Reset(Jitter(base, percent))
			}
		}
	}()

	return &JitterTicker{C: tickCh, bump: bump, stop: cancel}
}

func (t *JitterTicker) Bump() {
	select {
	case t.bump <- struct{}{}:
	default:
	}
}

func (t *JitterTicker) Stop() {
	t.stop()
}

// Jitter returns d randomized by ±percent (0–1).
// e.g. Jitter(30*time.Second, 0.1) → 27s–33s.
func Jitter(d time.Duration, percent float64) time.Duration {
	if percent <= 0 {
		return d
	}
	delta := time.Duration(float64(d) * percent)
	if delta <= 0 {
		return d
	}
	// Sample in [0, 2*delta] then shift to [-delta, +delta].
	n := int64(delta)*2 + 1
	offset := time.Duration(rand.N(n)) - delta //nolint:gosec
	return d + offset
}
