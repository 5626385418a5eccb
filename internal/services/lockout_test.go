// internal/services/lockout_test.go
package services

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// newGuard builds a store with a controllable clock and no sweep goroutine
// interference (the sweep only deletes idle keys, which these tests never
// leave idle long enough to hit).
func newGuard(maxAttempts int, window, lockout time.Duration, clock *time.Time) *MemoryLockoutStore {
	store := NewMemoryLockoutStore(maxAttempts, window, lockout)
	if clock != nil {
		store.now = func() time.Time { return *clock }
	}
	return store
}

func TestLockoutKey(t *testing.T) {
	assert.Equal(t, "abc|1.2.3.4|example.com", LockoutKey("abc", "1.2.3.4", "example.com"))
}

func TestLockoutThreshold(t *testing.T) {
	guard := newGuard(3, 15*time.Minute, 15*time.Minute, nil)

	for i := 0; i < 3; i++ {
		decision := guard.CheckAndRecord("k")
		assert.True(t, decision.Allowed, "attempt %d should pass", i+1)
	}

	decision := guard.CheckAndRecord("k")
	assert.False(t, decision.Allowed)
	assert.Greater(t, decision.RetryAfter, time.Duration(0))
}

func TestLockoutRemainingCountsDown(t *testing.T) {
	guard := newGuard(3, 15*time.Minute, 15*time.Minute, nil)

	assert.Equal(t, 2, guard.CheckAndRecord("k").Remaining)
	assert.Equal(t, 1, guard.CheckAndRecord("k").Remaining)
	assert.Equal(t, 0, guard.CheckAndRecord("k").Remaining)
}

func TestLockoutKeysAreIndependent(t *testing.T) {
	guard := newGuard(2, 15*time.Minute, 15*time.Minute, nil)

	guard.CheckAndRecord("a")
	guard.CheckAndRecord("a")
	assert.False(t, guard.CheckAndRecord("a").Allowed)

	// A different tuple is unaffected.
	assert.True(t, guard.CheckAndRecord("b").Allowed)
}

func TestLockoutExpires(t *testing.T) {
	clock := time.Now()
	guard := newGuard(2, 15*time.Minute, 15*time.Minute, &clock)

	guard.CheckAndRecord("k")
	guard.CheckAndRecord("k")
	locked := guard.CheckAndRecord("k")
	assert.False(t, locked.Allowed)

	// Still locked just before expiry.
	clock = clock.Add(14 * time.Minute)
	assert.False(t, guard.CheckAndRecord("k").Allowed)

	// Clear after the lockout elapses; the counter starts over.
	clock = clock.Add(2 * time.Minute)
	assert.True(t, guard.CheckAndRecord("k").Allowed)
	assert.True(t, guard.CheckAndRecord("k").Allowed)
}

func TestLockoutDeniedAttemptsDoNotExtend(t *testing.T) {
	clock := time.Now()
	guard := newGuard(1, 15*time.Minute, 10*time.Minute, &clock)

	guard.CheckAndRecord("k")
	first := guard.CheckAndRecord("k")
	assert.False(t, first.Allowed)
	assert.Equal(t, 10*time.Minute, first.RetryAfter)

	// Hammering during the lockout reports a shrinking RetryAfter, not a
	// renewed one.
	clock = clock.Add(4 * time.Minute)
	during := guard.CheckAndRecord("k")
	assert.False(t, during.Allowed)
	assert.Equal(t, 6*time.Minute, during.RetryAfter)
}

func TestLockoutSlidingWindow(t *testing.T) {
	clock := time.Now()
	guard := newGuard(2, 10*time.Minute, 15*time.Minute, &clock)

	guard.CheckAndRecord("k")

	// The first attempt falls out of the window before the next two.
	clock = clock.Add(11 * time.Minute)
	assert.True(t, guard.CheckAndRecord("k").Allowed)
	assert.True(t, guard.CheckAndRecord("k").Allowed)
	assert.False(t, guard.CheckAndRecord("k").Allowed)
}

func TestLockoutConcurrentAttempts(t *testing.T) {
	guard := newGuard(5, 15*time.Minute, 15*time.Minute, nil)

	var wg sync.WaitGroup
	allowed := make(chan bool, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			allowed <- guard.CheckAndRecord("k").Allowed
		}()
	}
	wg.Wait()
	close(allowed)

	var passes int
	for ok := range allowed {
		if ok {
			passes++
		}
	}
	// Exactly maxAttempts slip through no matter the interleaving.
	assert.Equal(t, 5, passes)
}
