package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoffDoublesPerAttempt(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 30 * time.Second, Factor: 2, MaxDelay: time.Hour}

	assert.Equal(t, 30*time.Second, p.Backoff(0))
	assert.Equal(t, 60*time.Second, p.Backoff(1))
	assert.Equal(t, 120*time.Second, p.Backoff(2))
	assert.Equal(t, 240*time.Second, p.Backoff(3))
}

func TestBackoffCapsAtMaxDelay(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 50, BaseDelay: 30 * time.Second, Factor: 2, MaxDelay: time.Hour}

	assert.Equal(t, time.Hour, p.Backoff(10))
	assert.Equal(t, time.Hour, p.Backoff(40)) // overflow territory still caps
}

func TestBackoffJitterStaysWithinSpread(t *testing.T) {
	p := RetryPolicy{MaxAttempts: 5, BaseDelay: 30 * time.Second, Factor: 2, MaxDelay: time.Hour, Jitter: 0.2}

	for i := 0; i < 100; i++ {
		d := p.Backoff(1)
		assert.GreaterOrEqual(t, d, 48*time.Second)
		assert.LessOrEqual(t, d, 72*time.Second)
	}
}

func TestBackoffNegativeAttempt(t *testing.T) {
	p := DefaultRetryPolicy()
	p.Jitter = 0

	assert.Equal(t, p.BaseDelay, p.Backoff(-3))
}

func TestExhausted(t *testing.T) {
	p := DefaultRetryPolicy()

	assert.False(t, p.Exhausted(0))
	assert.False(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))
	assert.True(t, p.Exhausted(9))
}

func TestDefaultRetryPolicy(t *testing.T) {
	p := DefaultRetryPolicy()

	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, 30*time.Second, p.BaseDelay)
	assert.Equal(t, 2.0, p.Factor)
	assert.Equal(t, time.Hour, p.MaxDelay)
	assert.Equal(t, 0.2, p.Jitter)
}
