package realtime

import (
	"math/rand/v2"
	"time"
)

// Reconnection defaults.
const (
	DefaultMaxAttempts = 5
	DefaultBaseDelay   = time.Second
	DefaultMaxDelay    = 30 * time.Second
	DefaultJitterBound = time.Second
)

// ReconnectionPlan bounds how a Client retries after an unexpected close.
type ReconnectionPlan struct {
	MaxAttempts int
	Base        time.Duration
	Cap         time.Duration
	JitterBound time.Duration
}

// DefaultReconnectionPlan returns the plan used when none is configured.
func DefaultReconnectionPlan() ReconnectionPlan {
	return ReconnectionPlan{
		MaxAttempts: DefaultMaxAttempts,
		Base:        DefaultBaseDelay,
		Cap:         DefaultMaxDelay,
		JitterBound: DefaultJitterBound,
	}
}

// Delay returns min(Cap, Base * 2^(attempt-1)) + jitter. Attempts below 1 are
// treated as 1 and jitter is clamped into [0, JitterBound).
func (p ReconnectionPlan) Delay(attempt int, jitter time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := p.Base
	for i := 1; i < attempt && delay < p.Cap; i++ {
		delay *= 2
	}
	if delay > p.Cap {
		delay = p.Cap
	}

	return delay + p.clampJitter(jitter)
}

func (p ReconnectionPlan) clampJitter(jitter time.Duration) time.Duration {
	if jitter < 0 || p.JitterBound <= 0 {
		return 0
	}
	if jitter >= p.JitterBound {
		return p.JitterBound - 1
	}
	return jitter
}

// JitterFunc returns a random offset in [0, bound).
type JitterFunc func(bound time.Duration) time.Duration

// RandomJitter draws uniformly from [0, bound).
func RandomJitter(bound time.Duration) time.Duration {
	if bound <= 0 {
		return 0
	}
	return rand.N(bound)
}
