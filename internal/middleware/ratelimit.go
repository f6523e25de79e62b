package middleware

import (
	"context"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/agis-digital/agis-api/internal/service"
	appErrors "github.com/agis-digital/agis-api/pkg/errors"
	"github.com/agis-digital/agis-api/pkg/response"
)

// LimiterOptions configures a fixed-window rate limiter instance.
type LimiterOptions struct {
	Name    string
	Window  time.Duration
	Max     int
	Message string
}

type rateLimitEntry struct {
	count   int
	resetAt time.Time
}

// Limiter is a process-local fixed-window counter keyed by client identity.
// Check-then-increment is atomic per key under the mutex. Entries are
// evicted lazily on access past expiry and by the periodic sweep; state loss
// on restart fails open to a fresh window.
type Limiter struct {
	opts    LimiterOptions
	mu      sync.Mutex
	entries map[string]*rateLimitEntry

	// now is the time source for window arithmetic; swapped in tests.
	now func() time.Time
}

// NewLimiter builds a limiter with the provided options.
func NewLimiter(opts LimiterOptions) *Limiter {
	if opts.Window <= 0 {
		opts.Window = time.Minute
	}
	if opts.Max <= 0 {
		opts.Max = 60
	}
	if opts.Message == "" {
		opts.Message = "too many requests"
	}
	return &Limiter{
		opts:    opts,
		entries: make(map[string]*rateLimitEntry),
		now:     time.Now,
	}
}

// Allow records a request for the key and reports whether it is admitted.
// When rejected, retryAfter carries the whole seconds until the window
// resets (at least 1) and the counter is not incremented further.
func (l *Limiter) Allow(key string) (allowed bool, retryAfter int) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[key]
	if !ok || now.After(entry.resetAt) {
		l.entries[key] = &rateLimitEntry{count: 1, resetAt: now.Add(l.opts.Window)}
		return true, 0
	}

	if entry.count >= l.opts.Max {
		secs := int(entry.resetAt.Sub(now).Seconds())
		if secs < 1 {
			secs = 1
		}
		return false, secs
	}

	entry.count++
	return true, 0
}

// Sweep removes expired entries to bound memory.
func (l *Limiter) Sweep() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	for key, entry := range l.entries {
		if now.After(entry.resetAt) {
			delete(l.entries, key)
		}
	}
}

// StartSweeper runs Sweep on the given interval until ctx is cancelled.
func (l *Limiter) StartSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.Sweep()
			}
		}
	}()
}

// RateLimit gates requests through the limiter, keyed by client IP.
func RateLimit(l *Limiter, metrics *service.MetricsService) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, retryAfter := l.Allow(c.ClientIP())
		if !allowed {
			metrics.RecordRateLimited(l.opts.Name)
			response.Error(c, appErrors.RateLimited(l.opts.Message, retryAfter))
			c.Abort()
			return
		}
		c.Next()
	}
}
