package snowflake_proxy

import (
	"fmt"
	"sync"
	"time"
)

// MinRateLimit is the lowest bytes-per-second a TokenBucketRateLimiter will
// accept; configuring anything lower is almost certainly a mistake (it would
// stall every session), so NewTokenBucketRateLimiter rejects it outright.
const MinRateLimit = 10 * 1024 // 10 KiB/s

// DefaultRateLimitWindow is how far back, in seconds, the token bucket looks
// when computing the current send rate.
const DefaultRateLimitWindow = 5.0

// RateLimiter gates outbound sends across every session sharing it. A single
// instance is shared by reference across all sessions owned by one
// Scheduler; because the scheduler's event loop is single-threaded, no
// internal locking would be required there, but the token-bucket variant
// still takes a mutex so it is safe to share across goroutines in hosts that
// don't follow that model (e.g. the per-session goroutines backing the
// webrtc/websocket transports in this package).
type RateLimiter interface {
	// IsLimited reports whether the limiter is currently refusing sends.
	IsLimited() bool
	// Update records n more bytes having been sent just now.
	Update(n int64)
	// When returns how many seconds until IsLimited would next return false,
	// assuming no further Update calls in the meantime.
	When() time.Duration
}

// NullRateLimiter never limits; Update is a no-op.
type NullRateLimiter struct{}

func (NullRateLimiter) IsLimited() bool    { return false }
func (NullRateLimiter) Update(n int64)     {}
func (NullRateLimiter) When() time.Duration { return 0 }

type rateEvent struct {
	at    time.Time
	bytes int64
}

// TokenBucketRateLimiter tracks a sliding history of send events and refuses
// sends once the cumulative bytes sent in the last Window seconds reaches
// Capacity, per spec.md's token-bucket rate limiter (§4.1).
type TokenBucketRateLimiter struct {
	capacity int64
	window   time.Duration

	mu      sync.Mutex
	history []rateEvent
	now     func() time.Time
}

// NewTokenBucketRateLimiter builds a limiter with the given bytes-per-second
// ceiling and history window (seconds). It rejects rateLimitBytes below
// MinRateLimit, per spec.md's configuration-rejection rule (§4.1, §7).
func NewTokenBucketRateLimiter(rateLimitBytes int64, windowSeconds float64) (*TokenBucketRateLimiter, error) {
	if rateLimitBytes < MinRateLimit {
		return nil, fmt.Errorf("rate limit %d bytes/s is below the minimum of %d bytes/s", rateLimitBytes, MinRateLimit)
	}
	if windowSeconds <= 0 {
		windowSeconds = DefaultRateLimitWindow
	}
	window := time.Duration(windowSeconds * float64(time.Second))
	return &TokenBucketRateLimiter{
		capacity: int64(float64(rateLimitBytes) * windowSeconds),
		window:   window,
		now:      time.Now,
	}, nil
}

func (r *TokenBucketRateLimiter) prune(now time.Time) int64 {
	cutoff := now.Add(-r.window)
	var sum int64
	i := 0
	for ; i < len(r.history); i++ {
		if r.history[i].at.After(cutoff) {
			break
		}
	}
	r.history = r.history[i:]
	for _, e := range r.history {
		sum += e.bytes
	}
	return sum
}

func (r *TokenBucketRateLimiter) IsLimited() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prune(r.now()) >= r.capacity
}

func (r *TokenBucketRateLimiter) Update(n int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.history = append(r.history, rateEvent{at: r.now(), bytes: n})
	r.prune(r.now())
}

// When returns how long until the oldest event in the history ages out of
// the window, which is the earliest time at which cumulative usage could
// drop back under capacity.
func (r *TokenBucketRateLimiter) When() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.now()
	if r.prune(now) < r.capacity || len(r.history) == 0 {
		return 0
	}
	oldest := r.history[0].at
	wait := oldest.Add(r.window).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}
