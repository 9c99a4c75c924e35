package parkinglot

import (
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/faern/parking-lot/internal/opt"
	"github.com/faern/parking-lot/internal/parking"
)

// RWLock is a reader-writer lock built on a single word and the parking
// core. Any number of readers or a single writer hold it at a time.
//
// Readers and writers park on the same key and are told apart by their
// park tokens. Release picks the class to wake: with a writer queued,
// exactly the first queued writer is woken, ahead of any readers; with no
// writer waiting, all queued readers are released as one batch. A parked
// writer also stops new readers from acquiring, so a steady stream of
// readers cannot starve it. Woken goroutines re-contend for the word; the
// RWLock never hands it over directly.
//
// The zero value is an unlocked lock. An RWLock must not be copied after
// first use.
//
// state 32-bit:
//   - bit 0: a writer holds the lock
//   - bit 1: parked readers queued
//   - bit 2: parked writers queued
//   - bits 3..31: reader count
type RWLock struct {
	_     noCopy
	state atomic.Uint32
}

const (
	rwWriterBit        uint32 = 1 << 0
	rwParkedReadersBit uint32 = 1 << 1
	rwParkedWritersBit uint32 = 1 << 2
	rwReaderShift             = 3
	rwReaderUnit       uint32 = 1 << rwReaderShift

	rwParkedMask = rwParkedReadersBit | rwParkedWritersBit
)

// Park tokens telling the release path which class a waiter belongs to.
const (
	rwTokenReader parking.ParkToken = 1
	rwTokenWriter parking.ParkToken = 2
)

func (rw *RWLock) key() parking.Key {
	return parking.KeyOf(unsafe.Pointer(rw))
}

// Lock acquires the write lock, blocking until no reader or writer holds
// the lock.
func (rw *RWLock) Lock() {
	if rw.state.CompareAndSwap(0, rwWriterBit) {
		return
	}
	rw.lockSlow()
}

// TryLock attempts to acquire the write lock without blocking and reports
// whether it succeeded.
func (rw *RWLock) TryLock() bool {
	for {
		s := rw.state.Load()
		if s&rwWriterBit != 0 || s>>rwReaderShift != 0 {
			return false
		}
		if rw.state.CompareAndSwap(s, s|rwWriterBit) {
			return true
		}
	}
}

func (rw *RWLock) lockSlow() {
	var spins int
	s := rw.state.Load()
	for {
		if s&rwWriterBit == 0 && s>>rwReaderShift == 0 {
			if rw.state.CompareAndSwap(s, s|rwWriterBit) {
				return
			}
			s = rw.state.Load()
			continue
		}
		if s&rwParkedWritersBit == 0 {
			if opt.TrySpin(&spins) {
				s = rw.state.Load()
				continue
			}
			if !rw.state.CompareAndSwap(s, s|rwParkedWritersBit) {
				s = rw.state.Load()
				continue
			}
		}
		parking.Park(
			rw.key(),
			func() bool {
				s := rw.state.Load()
				return (s&rwWriterBit != 0 || s>>rwReaderShift != 0) &&
					s&rwParkedWritersBit != 0
			},
			nil, nil,
			rwTokenWriter,
			time.Time{},
		)
		spins = 0
		s = rw.state.Load()
	}
}

// Unlock releases the write lock and wakes parked waiters. It panics if
// the lock is not write-locked.
func (rw *RWLock) Unlock() {
	if rw.state.CompareAndSwap(rwWriterBit, 0) {
		return
	}
	s := rw.state.Load()
	if s&rwWriterBit == 0 {
		if s>>rwReaderShift != 0 {
			panic("parkinglot: write-unlock of read-locked RWLock")
		}
		panic("parkinglot: unlock of unlocked RWLock")
	}
	rw.wake(rwWriterBit)
}

// RLock acquires a read lock. It blocks while a writer holds the lock or
// waits for it: readers arriving after a writer queue up behind it.
func (rw *RWLock) RLock() {
	var spins int
	s := rw.state.Load()
	for {
		if s&(rwWriterBit|rwParkedWritersBit) == 0 {
			if rw.state.CompareAndSwap(s, s+rwReaderUnit) {
				return
			}
			s = rw.state.Load()
			continue
		}
		if s&rwParkedReadersBit == 0 {
			if opt.TrySpin(&spins) {
				s = rw.state.Load()
				continue
			}
			if !rw.state.CompareAndSwap(s, s|rwParkedReadersBit) {
				s = rw.state.Load()
				continue
			}
		}
		parking.Park(
			rw.key(),
			func() bool {
				s := rw.state.Load()
				return s&(rwWriterBit|rwParkedWritersBit) != 0 &&
					s&rwParkedReadersBit != 0
			},
			nil, nil,
			rwTokenReader,
			time.Time{},
		)
		spins = 0
		s = rw.state.Load()
	}
}

// TryRLock attempts to acquire a read lock without blocking and reports
// whether it succeeded. It fails while a writer holds or waits for the
// lock.
func (rw *RWLock) TryRLock() bool {
	for {
		s := rw.state.Load()
		if s&(rwWriterBit|rwParkedWritersBit) != 0 {
			return false
		}
		if rw.state.CompareAndSwap(s, s+rwReaderUnit) {
			return true
		}
	}
}

// RUnlock releases a read lock; the last reader out wakes parked waiters.
// It panics if the lock is not read-locked.
func (rw *RWLock) RUnlock() {
	s := rw.state.Add(^(rwReaderUnit - 1))
	if (s+rwReaderUnit)>>rwReaderShift == 0 {
		panic("parkinglot: read-unlock of unlocked RWLock")
	}
	if s>>rwReaderShift == 0 && s&rwParkedMask != 0 && s&rwWriterBit == 0 {
		rw.wake(0)
	}
}

// wake clears release's bits and wakes the right class of waiters: with a
// writer parked, only the first queued writer; otherwise every queued
// waiter in one batch. The released bits and the parked bits are corrected
// inside the filter callback, under the bucket lock, so a parker
// validating against them cannot miss the change. Bits are cleared rather
// than blindly stored, since readers may be acquiring concurrently on the
// fast path.
func (rw *RWLock) wake(release uint32) {
	preferWriter := rw.state.Load()&rwParkedWritersBit != 0
	var (
		wokeWriter  bool
		moreWriters bool
		moreReaders bool
	)
	parking.UnparkFilter(
		rw.key(),
		func(tok parking.ParkToken) parking.FilterOp {
			if !preferWriter {
				// No writer queued: release everything at once;
				// the woken goroutines re-contend themselves.
				return parking.FilterUnpark
			}
			if tok == rwTokenWriter {
				if wokeWriter {
					moreWriters = true
					return parking.FilterSkip
				}
				wokeWriter = true
				return parking.FilterUnpark
			}
			moreReaders = true
			return parking.FilterSkip
		},
		func(res parking.UnparkResult) parking.UnparkToken {
			drop := release
			if !moreReaders {
				drop |= rwParkedReadersBit
			}
			if !moreWriters {
				drop |= rwParkedWritersBit
			}
			rw.state.And(^drop)
			return tokenNormal
		},
	)
}
