package scheduler

import (
	"fmt"
	"sync"
	"time"
)

// AdaptivePoller tunes the sleep between scheduling cycles. Event activity
// shrinks the interval toward the minimum; idle cycles grow it toward the
// maximum. The interval never leaves [min, max].
type AdaptivePoller struct {
	mu       sync.Mutex
	interval time.Duration

	def      time.Duration
	min      time.Duration
	max      time.Duration
	cooldown float64 // shrink factor, in (0, 1)
	backoff  float64 // growth factor, > 1
}

// NewAdaptivePoller validates the factor ranges and returns a poller starting
// at the default interval.
func NewAdaptivePoller(def, min, max time.Duration, cooldown, backoff float64) (*AdaptivePoller, error) {
	if min <= 0 {
		return nil, fmt.Errorf("min interval must be positive, got %v", min)
	}
	if def < min || def > max {
		return nil, fmt.Errorf("default interval %v must be within [%v, %v]", def, min, max)
	}
	if min > max {
		return nil, fmt.Errorf("min interval %v exceeds max %v", min, max)
	}
	if cooldown <= 0 || cooldown >= 1 {
		return nil, fmt.Errorf("cooldown factor must be in (0, 1), got %g", cooldown)
	}
	if backoff <= 1 {
		return nil, fmt.Errorf("backoff factor must be > 1, got %g", backoff)
	}

	return &AdaptivePoller{
		interval: def,
		def:      def,
		min:      min,
		max:      max,
		cooldown: cooldown,
		backoff:  backoff,
	}, nil
}

// OnEventDetected shrinks the interval toward the minimum.
func (p *AdaptivePoller) OnEventDetected() {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := time.Duration(float64(p.interval) * p.cooldown)
	if next < p.min {
		next = p.min
	}
	p.interval = next
}

// OnIdleCycle grows the interval toward the maximum.
func (p *AdaptivePoller) OnIdleCycle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	next := time.Duration(float64(p.interval) * p.backoff)
	if next > p.max {
		next = p.max
	}
	p.interval = next
}

// Reset restores the default interval.
func (p *AdaptivePoller) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.interval = p.def
}

// Interval returns the current poll interval.
func (p *AdaptivePoller) Interval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interval
}
