package engine

import (
	"sync"
	"time"
)

// Lock lifetimes. A holder that dies without unlocking is released by the
// sweeper after lockTimeout; the on-chain nullifier set remains the real
// double-spend authority either way.
const (
	lockTimeout   = 5 * time.Minute
	sweepInterval = time.Minute
)

// lockEntry records who holds a commitment and since when.
type lockEntry struct {
	lockedAt  time.Time
	operation string
}

// LockService serializes spends of the same note within this process.
//
// Commitments are not global identifiers: this service only prevents a
// single client from racing itself between selection and submission.
type LockService struct {
	mu    sync.Mutex
	locks map[string]lockEntry
	stop  chan struct{}
	once  sync.Once
}

// NewLockService creates the service and starts its sweeper.
func NewLockService() *LockService {
	s := &LockService{
		locks: make(map[string]lockEntry),
		stop:  make(chan struct{}),
	}
	go s.sweep()
	return s
}

// TryLock acquires all commitments or none. operation tags the holder for
// diagnostics.
func (s *LockService) TryLock(commitments []string, operation string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	for _, c := range commitments {
		if entry, held := s.locks[c]; held && now.Sub(entry.lockedAt) < lockTimeout {
			return false
		}
	}
	for _, c := range commitments {
		s.locks[c] = lockEntry{lockedAt: now, operation: operation}
	}
	return true
}

// Unlock releases the commitments. Releasing a commitment that is not held
// is a no-op.
func (s *LockService) Unlock(commitments []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range commitments {
		delete(s.locks, c)
	}
}

// Held reports whether a commitment is currently locked.
func (s *LockService) Held(commitment string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, held := s.locks[commitment]
	return held && time.Since(entry.lockedAt) < lockTimeout
}

// Close stops the sweeper.
func (s *LockService) Close() {
	s.once.Do(func() { close(s.stop) })
}

func (s *LockService) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.mu.Lock()
			now := time.Now()
			for c, entry := range s.locks {
				if now.Sub(entry.lockedAt) >= lockTimeout {
					delete(s.locks, c)
				}
			}
			s.mu.Unlock()
		case <-s.stop:
			return
		}
	}
}
