package ingest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiterAllowsUpToCapacityThenBlocks(t *testing.T) {
	now := time.Unix(0, 0)
	limiter := NewRateLimiter(60, func() time.Time { return now })

	for i := 0; i < 60; i++ {
		ok, _ := limiter.Allow("ns-a")
		require.True(t, ok, "request %d should be allowed", i)
	}
	ok, retryAfter := limiter.Allow("ns-a")
	assert.False(t, ok)
	assert.Equal(t, 60, retryAfter, "retry-after hint is the spec's fixed 60s, not a computed refill estimate")
}

func TestRateLimiterRefillsOverTimeConvergesToLimit(t *testing.T) {
	now := time.Unix(0, 0)
	limiter := NewRateLimiter(60, func() time.Time { return now })

	for i := 0; i < 60; i++ {
		limiter.Allow("ns-a")
	}
	ok, _ := limiter.Allow("ns-a")
	require.False(t, ok)

	// One second later, one token per second should have refilled.
	now = now.Add(time.Second)
	ok, _ = limiter.Allow("ns-a")
	assert.True(t, ok)
	ok, _ = limiter.Allow("ns-a")
	assert.False(t, ok)
}

func TestRateLimiterBucketsAreIndependentPerNamespace(t *testing.T) {
	now := time.Unix(0, 0)
	limiter := NewRateLimiter(1, func() time.Time { return now })

	ok, _ := limiter.Allow("ns-a")
	require.True(t, ok)
	ok, _ = limiter.Allow("ns-b")
	assert.True(t, ok, "a separate namespace must have its own budget")
}

func TestRateLimiterForgetResetsBudget(t *testing.T) {
	now := time.Unix(0, 0)
	limiter := NewRateLimiter(1, func() time.Time { return now })

	limiter.Allow("ns-a")
	ok, _ := limiter.Allow("ns-a")
	require.False(t, ok)

	limiter.Forget("ns-a")
	ok, _ = limiter.Allow("ns-a")
	assert.True(t, ok)
}
