package middleware

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestLimiter(max int, window time.Duration) (*Limiter, *time.Time) {
	l := NewLimiter(LimiterOptions{Name: "test", Window: window, Max: max})
	current := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return current }
	return l, &current
}

func TestLimiterAllowsUpToMax(t *testing.T) {
	l, _ := newTestLimiter(5, time.Minute)

	for i := 0; i < 5; i++ {
		allowed, retryAfter := l.Allow("10.0.0.1")
		require.True(t, allowed, "request %d should be admitted", i+1)
		assert.Zero(t, retryAfter)
	}

	allowed, retryAfter := l.Allow("10.0.0.1")
	assert.False(t, allowed)
	assert.Greater(t, retryAfter, 0)
	assert.LessOrEqual(t, retryAfter, 60)
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	l, _ := newTestLimiter(1, time.Minute)

	allowed, _ := l.Allow("10.0.0.1")
	require.True(t, allowed)
	allowed, _ = l.Allow("10.0.0.1")
	require.False(t, allowed)

	allowed, _ = l.Allow("10.0.0.2")
	assert.True(t, allowed)
}

func TestLimiterWindowReset(t *testing.T) {
	l, current := newTestLimiter(2, time.Minute)

	l.Allow("10.0.0.1")
	l.Allow("10.0.0.1")
	allowed, _ := l.Allow("10.0.0.1")
	require.False(t, allowed)

	*current = current.Add(61 * time.Second)

	allowed, retryAfter := l.Allow("10.0.0.1")
	assert.True(t, allowed, "a new window starts after expiry")
	assert.Zero(t, retryAfter)

	allowed, _ = l.Allow("10.0.0.1")
	assert.True(t, allowed, "reset window counts from one, not from the old total")
}

func TestLimiterRetryAfterShrinksWithinWindow(t *testing.T) {
	l, current := newTestLimiter(1, time.Minute)

	l.Allow("10.0.0.1")

	_, first := l.Allow("10.0.0.1")
	*current = current.Add(40 * time.Second)
	_, later := l.Allow("10.0.0.1")

	assert.Equal(t, 60, first)
	assert.Equal(t, 20, later)
}

func TestLimiterSweepEvictsExpiredEntries(t *testing.T) {
	l, current := newTestLimiter(5, time.Minute)

	l.Allow("10.0.0.1")
	l.Allow("10.0.0.2")
	require.Len(t, l.entries, 2)

	*current = current.Add(2 * time.Minute)
	l.Allow("10.0.0.3")
	l.Sweep()

	assert.Len(t, l.entries, 1)
	_, ok := l.entries["10.0.0.3"]
	assert.True(t, ok)
}

func TestLimiterConcurrentRequestsNeverExceedMax(t *testing.T) {
	const max = 50
	l, _ := newTestLimiter(max, time.Minute)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if ok, _ := l.Allow("10.0.0.1"); ok {
				mu.Lock()
				admitted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, max, admitted)
}
