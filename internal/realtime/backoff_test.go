package realtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconnectionPlan_Delay(t *testing.T) {
	plan := DefaultReconnectionPlan()

	tests := []struct {
		name    string
		attempt int
		jitter  time.Duration
		want    time.Duration
	}{
		{"first attempt uses base", 1, 0, time.Second},
		{"second attempt doubles", 2, 0, 2 * time.Second},
		{"fifth attempt", 5, 0, 16 * time.Second},
		{"sixth attempt reaches cap", 6, 0, 30 * time.Second},
		{"large attempt stays capped", 64, 0, 30 * time.Second},
		{"zero attempt treated as first", 0, 0, time.Second},
		{"jitter is added", 3, 250 * time.Millisecond, 4*time.Second + 250*time.Millisecond},
		{"jitter above bound is clamped", 1, 5 * time.Second, 2*time.Second - 1},
		{"negative jitter is ignored", 1, -time.Second, time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, plan.Delay(tt.attempt, tt.jitter))
		})
	}
}

func TestReconnectionPlan_Properties(t *testing.T) {
	plan := DefaultReconnectionPlan()

	var previous time.Duration
	for attempt := 1; attempt <= plan.MaxAttempts; attempt++ {
		base := plan.Delay(attempt, 0)
		assert.LessOrEqual(t, base, plan.Cap)
		assert.GreaterOrEqual(t, base, previous, "delay must not decrease")
		previous = base

		for i := 0; i < 100; i++ {
			jitter := RandomJitter(plan.JitterBound)
			assert.GreaterOrEqual(t, jitter, time.Duration(0))
			assert.Less(t, jitter, plan.JitterBound)
			assert.Equal(t, base+jitter, plan.Delay(attempt, jitter))
		}
	}
}

func TestRandomJitter_ZeroBound(t *testing.T) {
	assert.Zero(t, RandomJitter(0))
	assert.Zero(t, RandomJitter(-time.Second))
}
