package ingest

import (
	"sync"
	"time"
)

// RateLimiter is a per-namespace token bucket capping request *count* per
// minute. Adapted from the teacher's internal/networking/bandwidth.go
// BandwidthRegulator, which buckets byte throughput per client; here the
// budget unit is "one accepted event" and the key is a namespace name
// instead of a connection id (spec.md §4.1: rate limits are enforced per
// namespace, not per connection).
type RateLimiter struct {
	mu          sync.Mutex
	buckets     map[string]*bucket
	capacity    float64
	refillPerS  float64
	now         func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

// NewRateLimiter builds a limiter enforcing perMinute accepted events per
// namespace, refilled continuously (perMinute/60 tokens per second).
func NewRateLimiter(perMinute int, clock func() time.Time) *RateLimiter {
	if perMinute <= 0 {
		perMinute = 10000
	}
	if clock == nil {
		clock = time.Now
	}
	capacity := float64(perMinute)
	return &RateLimiter{
		buckets:    make(map[string]*bucket),
		capacity:   capacity,
		refillPerS: capacity / 60.0,
		now:        clock,
	}
}

func (r *RateLimiter) replenish(b *bucket, now time.Time) {
	if now.Before(b.last) {
		return
	}
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		b.last = now
		return
	}
	b.tokens += elapsed * r.refillPerS
	if b.tokens > r.capacity {
		b.tokens = r.capacity
	}
	b.last = now
}

// retryAfterSeconds is the retry-after hint attached to a RateLimited
// response (spec.md §4.1 step 4: a fixed 60s, not the bucket's own refill
// estimate).
const retryAfterSeconds = 60

// Allow charges one token against namespace's budget, returning false (and
// the retry-after hint in seconds) if the namespace is currently exhausted.
func (r *RateLimiter) Allow(namespace string) (bool, int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	b, ok := r.buckets[namespace]
	if !ok {
		b = &bucket{tokens: r.capacity, last: now}
		r.buckets[namespace] = b
	}
	r.replenish(b, now)

	if b.tokens < 1 {
		return false, retryAfterSeconds
	}
	b.tokens--
	return true, 0
}

// Forget removes a namespace's bucket, used when a namespace is deleted.
func (r *RateLimiter) Forget(namespace string) {
	r.mu.Lock()
	delete(r.buckets, namespace)
	r.mu.Unlock()
}
