package backups

import "sync"

// ownerLocks serializes read-decide-write sequences per owner inside this process.
// Entries are reference counted and dropped once the last holder releases them.
type ownerLocks struct {
	mu      sync.Mutex
	entries map[string]*ownerLockEntry
}

type ownerLockEntry struct {
	mu   sync.Mutex
	refs int
}

func newOwnerLocks() *ownerLocks {
	return &ownerLocks{entries: make(map[string]*ownerLockEntry)}
}

// acquire blocks until the owner's lock is held and returns its release func.
func (locks *ownerLocks) acquire(owner string) func() {
	locks.mu.Lock()
	entry, ok := locks.entries[owner]
	if !ok {
		entry = &ownerLockEntry{}
		locks.entries[owner] = entry
	}
	entry.refs++
	locks.mu.Unlock()

	entry.mu.Lock()
	return func() {
		entry.mu.Unlock()
		locks.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(locks.entries, owner)
		}
		locks.mu.Unlock()
	}
}

func (locks *ownerLocks) size() int {
	locks.mu.Lock()
	defer locks.mu.Unlock()
	return len(locks.entries)
}
