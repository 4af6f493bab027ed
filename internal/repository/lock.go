package repository

import (
	"sync"
)

// monthLocks serializes recalculations per patient-month inside one
// process. Postgres deployments use pg_try_advisory_xact_lock instead;
// the sqlite tier is single-process, so an in-process registry is
// sufficient.
type monthLocks struct {
	mu   sync.Mutex
	held map[string]struct{}
}

func newMonthLocks() *monthLocks {
	return &monthLocks{held: make(map[string]struct{})}
}

// tryLock acquires the key without blocking. Returns false when the
// key is already held by another recalculation.
func (l *monthLocks) tryLock(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, taken := l.held[key]; taken {
		return false
	}
	l.held[key] = struct{}{}
	return true
}

func (l *monthLocks) unlock(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, key)
}
