package utils

import (
	"rentals-server/logging"
	"sync"
	"time"

	"github.com/kataras/iris/v12"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// RateLimiter keeps one token bucket per client IP. Idle buckets are swept
// in the background until Stop is called.
type RateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*visitor
	rate     rate.Limit
	burst    int
	idle     time.Duration
	stop     chan struct{}
	stopOnce sync.Once
}

type visitor struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewRateLimiter(perMinute int, burst int) *RateLimiter {
	return newRateLimiter(perMinute, burst, 10*time.Minute, time.Minute)
}

func newRateLimiter(perMinute, burst int, idle, sweep time.Duration) *RateLimiter {
	rl := &RateLimiter{
		limiters: make(map[string]*visitor),
		rate:     rate.Limit(float64(perMinute) / 60),
		burst:    burst,
		idle:     idle,
		stop:     make(chan struct{}),
	}
	go rl.sweep(sweep)
	return rl
}

func (rl *RateLimiter) sweep(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			rl.Cleanup()
		case <-rl.stop:
			return
		}
	}
}

// Stop ends the background sweep.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() { close(rl.stop) })
}

func (rl *RateLimiter) getLimiter(key string) *rate.Limiter {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	v, ok := rl.limiters[key]
	if !ok {
		v = &visitor{limiter: rate.NewLimiter(rl.rate, rl.burst)}
		rl.limiters[key] = v
	}
	v.lastSeen = time.Now()
	return v.limiter
}

// Cleanup drops buckets that have been idle longer than the idle window.
func (rl *RateLimiter) Cleanup() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	cutoff := time.Now().Add(-rl.idle)
	for key, v := range rl.limiters {
		if v.lastSeen.Before(cutoff) {
			delete(rl.limiters, key)
		}
	}
}

// Buckets reports how many clients currently hold a bucket.
func (rl *RateLimiter) Buckets() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.limiters)
}

// Handler answers 429 once a client exhausts its bucket.
func (rl *RateLimiter) Handler(ctx iris.Context) {
	key := ClientIP(ctx)
	if !rl.getLimiter(key).Allow() {
		logging.Log.WithFields(logrus.Fields{
			"ip":   key,
			"path": ctx.Path(),
		}).Warn("rate limit exceeded")
		ctx.Header("Retry-After", "60")
		JSONError(ctx, iris.StatusTooManyRequests, "rate_limited", "too many requests, try again later")
		return
	}
	ctx.Next()
}
