package relay

import (
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

type rateBucket struct {
	count        int
	windowEndsAt time.Time
}

// rateLimiter is a fixed-window per-key limiter. Buckets are held in a TTL
// cache so addresses that stop hammering us are forgotten after one window
// rather than accumulating forever.
type rateLimiter struct {
	limit  int
	window time.Duration

	mu      sync.Mutex
	buckets *ttlcache.Cache[string, *rateBucket]
}

func newRateLimiter(limit int, window time.Duration) *rateLimiter {
	if limit <= 0 {
		limit = 60
	}
	if window <= 0 {
		window = time.Minute
	}
	buckets := ttlcache.New[string, *rateBucket](
		ttlcache.WithTTL[string, *rateBucket](window),
		ttlcache.WithDisableTouchOnHit[string, *rateBucket](),
	)
	go buckets.Start()
	return &rateLimiter{
		limit:   limit,
		window:  window,
		buckets: buckets,
	}
}

// allow reports whether an event for key at time now fits within the window.
func (l *rateLimiter) allow(key string, now time.Time) bool {
	if key == "" {
		key = "unknown"
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	item := l.buckets.Get(key)
	if item == nil || now.After(item.Value().windowEndsAt) || now.Equal(item.Value().windowEndsAt) {
		l.buckets.Set(key, &rateBucket{
			count:        1,
			windowEndsAt: now.Add(l.window),
		}, l.window)
		return true
	}

	bucket := item.Value()
	bucket.count++
	return bucket.count <= l.limit
}

func (l *rateLimiter) stop() {
	l.buckets.Stop()
}
