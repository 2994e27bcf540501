// Package ratelimit paces the harvest loop between pages.
package ratelimit

import (
	"context"
	"math/rand"
	"sync"
	"time"
)

// JitterPacer sleeps a random duration in [min, max] on every Wait.
type JitterPacer struct {
	mu       sync.Mutex
	minDelay time.Duration
	maxDelay time.Duration
	rng      *rand.Rand
	last     time.Duration
}

func NewJitterPacer(minDelay, maxDelay time.Duration) *JitterPacer {
	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	return &JitterPacer{
		minDelay: minDelay,
		maxDelay: maxDelay,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

func (p *JitterPacer) Wait(ctx context.Context) error {
	delay := p.nextDelay()
	if delay <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (p *JitterPacer) SetDelay(minDelay, maxDelay time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if maxDelay < minDelay {
		maxDelay = minDelay
	}
	p.minDelay = minDelay
	p.maxDelay = maxDelay
}

// Bounds returns the current delay range.
func (p *JitterPacer) Bounds() (time.Duration, time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.minDelay, p.maxDelay
}

// LastDelay returns the delay chosen by the most recent Wait.
func (p *JitterPacer) LastDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.last
}

func (p *JitterPacer) nextDelay() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()

	delay := p.minDelay
	if delta := p.maxDelay - p.minDelay; delta > 0 {
		delay += time.Duration(p.rng.Int63n(int64(delta) + 1))
	}
	p.last = delay
	return delay
}

// AdaptivePacer widens its delay range after repeated source errors and
// narrows it back towards the configured floor after sustained success.
type AdaptivePacer struct {
	*JitterPacer
	floorMin      time.Duration
	floorMax      time.Duration
	errorCount    int
	successCount  int
	maxErrorCount int
	backoffFactor float64
	ceiling       time.Duration
}

func NewAdaptivePacer(minDelay, maxDelay time.Duration) *AdaptivePacer {
	p := NewJitterPacer(minDelay, maxDelay)
	return &AdaptivePacer{
		JitterPacer:   p,
		floorMin:      p.minDelay,
		floorMax:      p.maxDelay,
		maxErrorCount: 3,
		backoffFactor: 1.5,
		ceiling:       2 * time.Minute,
	}
}

func (a *AdaptivePacer) RecordSuccess() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.successCount++
	a.errorCount = 0

	if a.successCount > 5 {
		a.minDelay = max(time.Duration(float64(a.minDelay)*0.9), a.floorMin)
		a.maxDelay = max(time.Duration(float64(a.maxDelay)*0.9), a.floorMax)
		a.successCount = 0
	}
}

func (a *AdaptivePacer) RecordError() {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.errorCount++
	a.successCount = 0

	if a.errorCount >= a.maxErrorCount {
		a.minDelay = min(time.Duration(float64(a.minDelay)*a.backoffFactor), a.ceiling/2)
		a.maxDelay = min(time.Duration(float64(a.maxDelay)*a.backoffFactor), a.ceiling)
		a.errorCount = 0
	}
}
