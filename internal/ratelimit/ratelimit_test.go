package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJitterPacer_DelayWithinBounds(t *testing.T) {
	p := NewJitterPacer(2*time.Second, 10*time.Second)

	for i := 0; i < 100; i++ {
		d := p.nextDelay()
		assert.GreaterOrEqual(t, d, 2*time.Second)
		assert.LessOrEqual(t, d, 10*time.Second)
	}
}

func TestJitterPacer_FixedDelay(t *testing.T) {
	p := NewJitterPacer(5*time.Millisecond, 5*time.Millisecond)

	start := time.Now()
	require.NoError(t, p.Wait(context.Background()))
	assert.GreaterOrEqual(t, time.Since(start), 5*time.Millisecond)
	assert.Equal(t, 5*time.Millisecond, p.LastDelay())
}

func TestJitterPacer_InvertedBounds(t *testing.T) {
	p := NewJitterPacer(3*time.Second, time.Second)
	lo, hi := p.Bounds()
	assert.Equal(t, 3*time.Second, lo)
	assert.Equal(t, 3*time.Second, hi)
}

func TestJitterPacer_Cancellation(t *testing.T) {
	p := NewJitterPacer(time.Minute, time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := p.Wait(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), time.Second)
}

func TestJitterPacer_ZeroDelay(t *testing.T) {
	p := NewJitterPacer(0, 0)
	assert.NoError(t, p.Wait(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Wait(ctx), context.Canceled)
}

func TestAdaptivePacer(t *testing.T) {
	p := NewAdaptivePacer(2*time.Second, 10*time.Second)

	for i := 0; i < 3; i++ {
		p.RecordError()
	}
	lo, hi := p.Bounds()
	assert.Equal(t, 3*time.Second, lo)
	assert.Equal(t, 15*time.Second, hi)

	for i := 0; i < 6; i++ {
		p.RecordSuccess()
	}
	lo, hi = p.Bounds()
	assert.Equal(t, 2700*time.Millisecond, lo)
	assert.Equal(t, 13500*time.Millisecond, hi)

	// Never narrower than the configured range.
	for i := 0; i < 100; i++ {
		p.RecordSuccess()
	}
	lo, hi = p.Bounds()
	assert.Equal(t, 2*time.Second, lo)
	assert.Equal(t, 10*time.Second, hi)
}

func TestAdaptivePacer_Ceiling(t *testing.T) {
	p := NewAdaptivePacer(50*time.Second, 100*time.Second)
	for i := 0; i < 30; i++ {
		p.RecordError()
	}
	lo, hi := p.Bounds()
	assert.Equal(t, time.Minute, lo)
	assert.Equal(t, 2*time.Minute, hi)
}
