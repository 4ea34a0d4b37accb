package statecache

import (
	"sync"
)

// Shard writers mutate disjoint parts of the state tree and may run together,
// but an export must observe the tree between updates, never halfway through
// one. The stateWRMutex inverts sync.RWMutex to express exactly that: any
// number of concurrent writers, or a single exclusive reader. The zero value
// for a stateWRMutex is an unlocked mutex.
//
// The guarantees provided by sync.RWMutex regarding the Go memory model apply
// here as well: the n'th call to WUnlock synchronises before the m'th call to
// Lock returns, for n < m.
type stateWRMutex sync.RWMutex

// WLock locks wr for writing. It should not be used for recursive write locking;
// a blocked Lock call excludes new writers from acquiring the lock.
func (wr *stateWRMutex) WLock() {
	(*sync.RWMutex)(wr).RLock()
}

// WUnlock undoes a single WLock call; it does not affect other simultaneous
// writers.
func (wr *stateWRMutex) WUnlock() {
	(*sync.RWMutex)(wr).RUnlock()
}

// Lock locks wr for reading. If the lock is already locked for writing or
// reading, Lock blocks until the lock is available.
func (wr *stateWRMutex) Lock() {
	(*sync.RWMutex)(wr).Lock()
}

// Unlock unlocks wr for reading.
func (wr *stateWRMutex) Unlock() {
	(*sync.RWMutex)(wr).Unlock()
}
