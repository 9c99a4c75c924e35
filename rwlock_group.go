package parkinglot

import (
	"github.com/llxisdsh/pb"
)

// RWLockGroup is MutexGroup's reader-writer counterpart: one RWLock per
// live key, with the same reference-counted auto-cleanup.
type RWLockGroup[K comparable] struct {
	_ noCopy
	m pb.MapOf[K, *rwGroupEntry]
}

type rwGroupEntry struct {
	mu  RWLock
	ref int32
}

// Lock locks the key's lock for writing.
func (g *RWLockGroup[K]) Lock(k K) {
	g.retain(k).mu.Lock()
}

// RLock locks the key's lock for reading.
func (g *RWLockGroup[K]) RLock(k K) {
	g.retain(k).mu.RLock()
}

// Unlock releases the key's write lock and drops the key from the group
// when nobody else holds or waits for it. Unlocking a key that is not in
// the group is a no-op.
func (g *RWLockGroup[K]) Unlock(k K) {
	e, ok := g.m.Load(k)
	if !ok {
		return
	}
	e.mu.Unlock()
	g.release(k)
}

// RUnlock releases one read hold on the key's lock.
func (g *RWLockGroup[K]) RUnlock(k K) {
	e, ok := g.m.Load(k)
	if !ok {
		return
	}
	e.mu.RUnlock()
	g.release(k)
}

// Len reports how many keys currently have a live lock.
func (g *RWLockGroup[K]) Len() int {
	return g.m.Size()
}

func (g *RWLockGroup[K]) retain(k K) *rwGroupEntry {
	e, _ := g.m.ProcessEntry(k, func(
		loaded *pb.EntryOf[K, *rwGroupEntry],
	) (*pb.EntryOf[K, *rwGroupEntry], *rwGroupEntry, bool) {
		if loaded != nil {
			loaded.Value.ref++
			return loaded, loaded.Value, true
		}
		e := &rwGroupEntry{ref: 1}
		return &pb.EntryOf[K, *rwGroupEntry]{Value: e}, e, false
	})
	return e
}

func (g *RWLockGroup[K]) release(k K) {
	g.m.ProcessEntry(k, func(
		loaded *pb.EntryOf[K, *rwGroupEntry],
	) (*pb.EntryOf[K, *rwGroupEntry], *rwGroupEntry, bool) {
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
