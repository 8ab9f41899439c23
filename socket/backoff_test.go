package socket

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextBackoffDelay(t *testing.T) {
	tests := []struct {
		name    string
		cfg     BackoffConfig
		attempt int
		want    time.Duration
	}{
		{"default is fixed", DefaultBackoff(), 5, time.Second},
		{"first attempt", BackoffConfig{InitialDelay: 250 * time.Millisecond, Multiplier: 2}, 1, 250 * time.Millisecond},
		{"grows", BackoffConfig{InitialDelay: 250 * time.Millisecond, Multiplier: 2}, 3, time.Second},
		{"capped", BackoffConfig{InitialDelay: time.Second, Multiplier: 2, MaxDelay: 3 * time.Second}, 10, 3 * time.Second},
		{"multiplier below one is fixed", BackoffConfig{InitialDelay: time.Second, Multiplier: 0.1}, 4, time.Second},
		{"zero delay", BackoffConfig{}, 3, 0},
		{"attempt zero treated as first", BackoffConfig{InitialDelay: time.Second, Multiplier: 2}, 0, time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NextBackoffDelay(tt.cfg, tt.attempt, nil))
		})
	}
}

func TestNextBackoffDelayJitterBounds(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: time.Second, Multiplier: 1, Jitter: true}
	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 100; i++ {
		d := NextBackoffDelay(cfg, 1, rng)
		assert.GreaterOrEqual(t, d, 500*time.Millisecond)
		assert.Less(t, d, 1500*time.Millisecond)
	}
	assert.Equal(t, 500*time.Millisecond, NextBackoffDelay(cfg, 1, nil))
}
