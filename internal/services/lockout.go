// internal/services/lockout.go
package services

import (
	"sync"
	"time"
)

// LockoutDecision is the outcome of one attempt against the guard.
type LockoutDecision struct {
	Allowed    bool
	RetryAfter time.Duration
	Remaining  int
}

// LockoutStore is the per-key-tuple attempt guard. CheckAndRecord evaluates
// and records the attempt atomically with respect to concurrent requests
// for the same key, so two simultaneous calls cannot both slip under the
// threshold. Implementations other than the in-memory one (a transactional
// counter over the audit table, a redis store) can sit behind the same
// contract.
type LockoutStore interface {
	CheckAndRecord(key string) LockoutDecision
}

// LockoutKey builds the guard key from the attempt's identifying tuple.
// The identifier is expected to be hashed by the caller.
func LockoutKey(identifierHash, ip, domain string) string {
	return identifierHash + "|" + ip + "|" + domain
}

type attemptState struct {
	attempts    []time.Time
	lockedUntil time.Time
	lastSeen    time.Time
}

// MemoryLockoutStore tracks attempts per key tuple over a sliding window.
// Once the attempt count inside the window exceeds maxAttempts, the key is
// locked for the lockout duration regardless of whether the underlying
// license is valid.
type MemoryLockoutStore struct {
	mtx         sync.Mutex
	entries     map[string]*attemptState
	maxAttempts int
	window      time.Duration
	lockout     time.Duration
	now         func() time.Time
}

func NewMemoryLockoutStore(maxAttempts int, window, lockout time.Duration) *MemoryLockoutStore {
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	store := &MemoryLockoutStore{
		entries:     make(map[string]*attemptState),
		maxAttempts: maxAttempts,
		window:      window,
		lockout:     lockout,
		now:         time.Now,
	}

	go store.sweep()

	return store
}

func (s *MemoryLockoutStore) CheckAndRecord(key string) LockoutDecision {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	now := s.now()

	state, exists := s.entries[key]
	if !exists {
		state = &attemptState{}
		s.entries[key] = state
	}
	state.lastSeen = now

	if !state.lockedUntil.IsZero() {
		if now.Before(state.lockedUntil) {
			return LockoutDecision{
				Allowed:    false,
				RetryAfter: state.lockedUntil.Sub(now),
			}
		}
		// Lockout elapsed; the key starts clear again.
		state.lockedUntil = time.Time{}
		state.attempts = state.attempts[:0]
	}

	// Roll expired attempts off the window.
	cutoff := now.Add(-s.window)
	kept := state.attempts[:0]
	for _, t := range state.attempts {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	state.attempts = append(kept, now)

	if len(state.attempts) > s.maxAttempts {
		state.lockedUntil = now.Add(s.lockout)
		return LockoutDecision{
			Allowed:    false,
			RetryAfter: s.lockout,
		}
	}

	return LockoutDecision{
		Allowed:   true,
		Remaining: s.maxAttempts - len(state.attempts),
	}
}

// sweep drops keys that have gone quiet so the map does not grow without
// bound under scanning traffic.
func (s *MemoryLockoutStore) sweep() {
	idle := s.window + s.lockout
	if idle < time.Minute {
		idle = time.Minute
	}

	for {
		time.Sleep(time.Minute)
		s.mtx.Lock()
		cutoff := s.now().Add(-idle)
		for key, state := range s.entries {
			if state.lastSeen.Before(cutoff) && s.now().After(state.lockedUntil) {
				delete(s.entries, key)
			}
		}
		s.mtx.Unlock()
	}
}
