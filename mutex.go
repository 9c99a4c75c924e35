package parkinglot

import (
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/faern/parking-lot/internal/opt"
	"github.com/faern/parking-lot/internal/parking"
)

// Mutex is a mutual exclusion lock built on a single word and the parking
// core. The uncontended paths are one compare-and-swap; contended
// goroutines spin briefly, then park on the mutex's own address.
//
// Unlocking normally just releases the word and lets the woken waiter race
// newcomers for it; barging keeps throughput up. A waiter that has been
// parked past an internal threshold is instead handed the mutex directly,
// which bounds how long barging can starve it; UnlockFair forces that
// handoff every time a waiter exists.
//
// The zero value is an unlocked mutex. A Mutex must not be copied after
// first use.
//
// state 32-bit:
//   - bit 0: locked
//   - bit 1: parked, one or more waiters queued on the mutex's address
type Mutex struct {
	_     noCopy
	state atomic.Uint32
}

const (
	mutexLockedBit uint32 = 1 << 0
	mutexParkedBit uint32 = 1 << 1
)

func (m *Mutex) key() parking.Key {
	return parking.KeyOf(unsafe.Pointer(m))
}

// Lock acquires the mutex, blocking until it is available.
func (m *Mutex) Lock() {
	if m.state.CompareAndSwap(0, mutexLockedBit) {
		return
	}
	m.lockSlow(time.Time{})
}

// TryLock attempts to acquire the mutex without blocking and reports
// whether it succeeded.
func (m *Mutex) TryLock() bool {
	for {
		s := m.state.Load()
		if s&mutexLockedBit != 0 {
			return false
		}
		if m.state.CompareAndSwap(s, s|mutexLockedBit) {
			return true
		}
	}
}

// TryLockFor acquires the mutex like Lock but gives up after d. It reports
// whether the mutex was acquired.
func (m *Mutex) TryLockFor(d time.Duration) bool {
	if m.state.CompareAndSwap(0, mutexLockedBit) {
		return true
	}
	return m.lockSlow(time.Now().Add(d))
}

func (m *Mutex) lockSlow(deadline time.Time) bool {
	var spins int
	s := m.state.Load()
	for {
		if s&mutexLockedBit == 0 {
			// Free, though possibly with waiters queued: barge.
			if m.state.CompareAndSwap(s, s|mutexLockedBit) {
				return true
			}
			s = m.state.Load()
			continue
		}
		if s&mutexParkedBit == 0 {
			// Held but with an empty queue: spin while the runtime
			// thinks it is worthwhile, then announce the queue.
			if opt.TrySpin(&spins) {
				s = m.state.Load()
				continue
			}
			if !m.state.CompareAndSwap(s, s|mutexParkedBit) {
				s = m.state.Load()
				continue
			}
		}
		res := parking.Park(
			m.key(),
			func() bool {
				return m.state.Load() == mutexLockedBit|mutexParkedBit
			},
			nil,
			func(_ parking.Key, wasLast bool) {
				if wasLast {
					m.state.And(^mutexParkedBit)
				}
			},
			parking.DefaultParkToken,
			deadline,
		)
		switch {
		case res.Unparked() && res.Token == tokenHandoff:
			// The unlocker kept the word marked held and gave it
			// to us directly.
			return true
		case res.TimedOut():
			return false
		}
		// Woken to re-contend, or validate lost a race: go again.
		spins = 0
		s = m.state.Load()
	}
}

// Unlock releases the mutex. It panics if the mutex is not locked.
func (m *Mutex) Unlock() {
	if m.state.CompareAndSwap(mutexLockedBit, 0) {
		return
	}
	m.unlockSlow(false)
}

// UnlockFair releases the mutex like Unlock but always hands it directly
// to the longest-queued waiter when one is parked, instead of letting it
// re-contend. Useful when the caller knows barging would starve the queue.
func (m *Mutex) UnlockFair() {
	if m.state.CompareAndSwap(mutexLockedBit, 0) {
		return
	}
	m.unlockSlow(true)
}

func (m *Mutex) unlockSlow(forceFair bool) {
	if m.state.Load()&mutexLockedBit == 0 {
		panic("parkinglot: unlock of unlocked Mutex")
	}
	parking.UnparkOne(m.key(), func(res parking.UnparkResult) parking.UnparkToken {
		if res.Unparked != 0 && (forceFair || res.BeFair) {
			// Hand the mutex over without unlocking it; only the
			// parked bit needs correcting.
			if !res.HaveMore {
				m.state.Store(mutexLockedBit)
			}
			return tokenHandoff
		}
		if res.HaveMore {
			m.state.Store(mutexParkedBit)
		} else {
			m.state.Store(0)
		}
		return tokenNormal
	})
}

// markParkedIfLocked atomically sets the parked bit if the mutex is
// currently locked. Cond uses it to decide between moving a waiter onto
// this mutex's queue and waking the waiter directly.
func (m *Mutex) markParkedIfLocked() bool {
	for {
		s := m.state.Load()
		if s&mutexLockedBit == 0 {
			return false
		}
		if m.state.CompareAndSwap(s, s|mutexParkedBit) {
			return true
		}
	}
}
