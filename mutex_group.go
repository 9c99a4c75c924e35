package parkinglot

import (
	"github.com/llxisdsh/pb"
)

// MutexGroup locks on arbitrary comparable keys, managing one Mutex per
// live key.
//
// Features:
//   - Infinite keys: no need to pre-allocate locks.
//   - Auto-cleanup: a key's mutex is removed once it is unlocked with
//     nobody else holding or waiting.
//
// Usage:
//
//	var g MutexGroup[string]
//	g.Lock("user-123")
//	// critical section for user-123
//	g.Unlock("user-123")
//
// Implementation note: entries are reference counted so a key can be
// deleted safely while other goroutines race to lock it.
type MutexGroup[K comparable] struct {
	_ noCopy
	m pb.MapOf[K, *mutexGroupEntry]
}

type mutexGroupEntry struct {
	mu  Mutex
	ref int32
}

// Lock locks the mutex for key k, blocking until it is available.
func (g *MutexGroup[K]) Lock(k K) {
	g.retain(k).mu.Lock()
}

// TryLock attempts to lock the mutex for key k without blocking and
// reports whether it succeeded.
func (g *MutexGroup[K]) TryLock(k K) bool {
	e := g.retain(k)
	if e.mu.TryLock() {
		return true
	}
	g.release(k)
	return false
}

// Unlock unlocks the mutex for key k and drops the key from the group
// when no other goroutine holds or waits for it. Unlocking a key that is
// not in the group is a no-op.
func (g *MutexGroup[K]) Unlock(k K) {
	e, ok := g.m.Load(k)
	if !ok {
		return
	}
	e.mu.Unlock()
	g.release(k)
}

// Len reports how many keys currently have a live mutex.
func (g *MutexGroup[K]) Len() int {
	return g.m.Size()
}

func (g *MutexGroup[K]) retain(k K) *mutexGroupEntry {
	e, _ := g.m.ProcessEntry(k, func(
		loaded *pb.EntryOf[K, *mutexGroupEntry],
	) (*pb.EntryOf[K, *mutexGroupEntry], *mutexGroupEntry, bool) {
		if loaded != nil {
			loaded.Value.ref++
			return loaded, loaded.Value, true
		}
		e := &mutexGroupEntry{ref: 1}
		return &pb.EntryOf[K, *mutexGroupEntry]{Value: e}, e, false
	})
	return e
}

func (g *MutexGroup[K]) release(k K) {
	g.m.ProcessEntry(k, func(
		loaded *pb.EntryOf[K, *mutexGroupEntry],
	) (*pb.EntryOf[K, *mutexGroupEntry], *mutexGroupEntry, bool) {
		if loaded == nil {
			return nil, nil, false
		}
		loaded.Value.ref--
		if loaded.Value.ref <= 0 {
			return nil, nil, true
		}
		return loaded, loaded.Value, true
	})
}
