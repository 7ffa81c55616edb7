package workflow

import "sync"

// VersionLocks is a keyed mutex. Entries are reference counted and removed
// once the last holder or waiter releases them.
type VersionLocks struct {
	mu    sync.Mutex
	locks map[string]*versionLock
}

type versionLock struct {
	mu   sync.Mutex
	refs int
}

// NewVersionLocks creates an empty lock table.
func NewVersionLocks() *VersionLocks {
	return &VersionLocks{locks: make(map[string]*versionLock)}
}

// Lock blocks until the version's lock is held and returns its release func.
func (l *VersionLocks) Lock(versionID string) (unlock func()) {
	l.mu.Lock()
	vl, ok := l.locks[versionID]
	if !ok {
		vl = &versionLock{}
		l.locks[versionID] = vl
	}
	vl.refs++
	l.mu.Unlock()

	vl.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			vl.mu.Unlock()
			l.mu.Lock()
			vl.refs--
			if vl.refs == 0 {
				delete(l.locks, versionID)
			}
			l.mu.Unlock()
		})
	}
}

// Len returns the number of versions currently locked or awaited.
func (l *VersionLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
