package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextDelayGrowsExponentially(t *testing.T) {
	p := New(Config{
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
		JitterFactor: 0, // deterministic for this assertion
	})

	first := p.NextDelay()
	second := p.NextDelay()
	third := p.NextDelay()

	assert.Equal(t, time.Second, first)
	assert.Equal(t, 2*time.Second, second)
	assert.Equal(t, 4*time.Second, third)
}

func TestNextDelayCapsAtMax(t *testing.T) {
	p := New(Config{
		InitialDelay: time.Second,
		MaxDelay:     5 * time.Second,
		Multiplier:   10.0,
		JitterFactor: 0,
	})

	p.NextDelay()
	p.NextDelay()
	capped := p.NextDelay()

	assert.Equal(t, 5*time.Second, capped)
}

func TestJitterNeverShrinksBelowBase(t *testing.T) {
	p := New(Config{
		InitialDelay: time.Second,
		MaxDelay:     time.Minute,
		Multiplier:   2.0,
		JitterFactor: 0.5,
	})

	for i := 0; i < 20; i++ {
		d := p.NextDelay()
		assert.GreaterOrEqual(t, d, time.Second)
	}
}

func TestResetClearsAttempts(t *testing.T) {
	p := New(Config{})
	p.NextDelay()
	p.NextDelay()
	assert.Equal(t, 2, p.Attempts())

	p.Reset()
	assert.Equal(t, 0, p.Attempts())
}

func TestShouldRetryRespectsMaxAttempts(t *testing.T) {
	p := New(Config{MaxAttempts: 2})
	assert.True(t, p.ShouldRetry())
	p.NextDelay()
	assert.True(t, p.ShouldRetry())
	p.NextDelay()
	assert.False(t, p.ShouldRetry())
}

func TestShouldRetryUnlimitedByDefault(t *testing.T) {
	p := New(Config{})
	for i := 0; i < 100; i++ {
		p.NextDelay()
	}
	assert.True(t, p.ShouldRetry())
}
