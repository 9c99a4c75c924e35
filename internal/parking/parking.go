// Package parking implements the wait-queue core the exported primitives
// are built on: goroutines park on an address-sized key and are woken one
// at a time, in batches, by class, or moved between keys, with a token
// handed from each unparker to each woken goroutine.
package parking

import (
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/faern/parking-lot/internal/opt"
)

// fairTimeout is the queue time past which UnparkResult.BeFair is set for a
// woken waiter. Handing a contended word over directly costs throughput, so
// it is reserved for waiters that have already been stuck this long.
const fairTimeout = time.Millisecond

// numBuckets is the size of the bucket table. Prime, so bucket indices do
// not correlate with allocation patterns; the same table size the runtime
// uses for its semaphores.
const numBuckets = 251

// waiter is one parked goroutine. It sits in at most one bucket queue from
// enqueue until an unpark operation or its own timeout removes it, and its
// address stays stable while linked. Waiters are pooled so the steady-state
// park path does not allocate.
type waiter struct {
	// key is the wait point this waiter is queued on. It changes when
	// the waiter is requeued, which only happens with both bucket locks
	// held; the owner re-reads it when re-locking after a timeout.
	key atomic.Uintptr

	// next links the waiter into its bucket queue. Bucket lock.
	next *waiter

	// queuedAt is when the waiter was enqueued, for the fairness check.
	// It survives a requeue: waiting on the target key continues the
	// same wait.
	queuedAt time.Time

	// parkToken says why this waiter parked. Written by the owner before
	// enqueueing, read by unparkers under the bucket lock.
	parkToken ParkToken

	// unparkToken is filled in by the unparker, under the bucket lock,
	// before the parker is released. The owner reads it only after its
	// park returned unparked.
	unparkToken UnparkToken

	parker threadParker
}

var waiterPool = sync.Pool{
	New: func() any {
		w := new(waiter)
		w.parker.wake = make(chan struct{}, 1)
		return w
	},
}

func acquireWaiter() *waiter {
	w := waiterPool.Get().(*waiter)
	w.unparkToken = DefaultUnparkToken
	return w
}

func releaseWaiter(w *waiter) {
	waiterPool.Put(w)
}

// bucket is one slot of the table: a short-lived spin lock and a FIFO queue
// of the waiters whose keys hash here. Padded so neighbouring buckets do
// not share a cache line.
type bucket struct {
	mu   uint32
	head *waiter
	tail *waiter
	_    [(opt.CacheLineSize_ - unsafe.Sizeof(struct {
		mu   uint32
		head *waiter
		tail *waiter
	}{})%opt.CacheLineSize_) % opt.CacheLineSize_]byte
}

func (b *bucket) lock() {
	if atomic.CompareAndSwapUint32(&b.mu, 0, 1) {
		return
	}
	b.lockSlow()
}

func (b *bucket) lockSlow() {
	var spins int
	for {
		if atomic.LoadUint32(&b.mu) == 0 &&
			atomic.CompareAndSwapUint32(&b.mu, 0, 1) {
			return
		}
		opt.Delay(&spins)
	}
}

func (b *bucket) unlock() {
	atomic.StoreUint32(&b.mu, 0)
}

// pushBack appends w to the queue. Caller holds the bucket lock.
func (b *bucket) pushBack(w *waiter) {
	w.next = nil
	if b.tail != nil {
		b.tail.next = w
	} else {
		b.head = w
	}
	b.tail = w
}

// A Lot is an independent parking space: a fixed table of bucket queues
// indexed by key hash. Its zero value is ready to use. The package-level
// functions share one process-wide Lot, which is what the primitives in
// the root package park on; tests construct private instances.
type Lot struct {
	buckets [numBuckets]bucket
}

var defaultLot Lot

func (lot *Lot) bucketIndex(key Key) uintptr {
	// Keys are word-aligned addresses in practice, so the low bits carry
	// no information.
	return (uintptr(key) >> 3) % numBuckets
}

func (lot *Lot) bucketFor(key Key) *bucket {
	return &lot.buckets[lot.bucketIndex(key)]
}

// lockParked re-locks the bucket a parked waiter currently belongs to. The
// waiter may have been requeued since it went to sleep, so its key is
// re-read after taking the lock and the lookup retried on a mismatch; once
// they agree a concurrent requeue is excluded, because it would need this
// same lock.
func (lot *Lot) lockParked(w *waiter) (*bucket, Key) {
	for {
		key := Key(w.key.Load())
		b := lot.bucketFor(key)
		b.lock()
		if Key(w.key.Load()) == key {
			return b, key
		}
		b.unlock()
	}
}

// lockPair locks the buckets for two keys in index order, so that two
// concurrent requeues in opposite directions cannot deadlock. A single
// lock is taken when both keys hash to the same bucket.
func (lot *Lot) lockPair(keyFrom, keyTo Key) (from, to *bucket) {
	i1 := lot.bucketIndex(keyFrom)
	i2 := lot.bucketIndex(keyTo)
	from = &lot.buckets[i1]
	to = &lot.buckets[i2]
	switch {
	case i1 < i2:
		from.lock()
		to.lock()
	case i2 < i1:
		to.lock()
		from.lock()
	default:
		from.lock()
	}
	return from, to
}

func unlockPair(from, to *bucket) {
	from.unlock()
	if to != from {
		to.unlock()
	}
}

// Park queues the calling goroutine on key and blocks it until an unpark
// operation on that key wakes it, or until the deadline passes. A zero
// deadline parks forever.
//
// validate runs under the bucket lock before the goroutine is enqueued. It
// re-checks the condition that led here, typically "the state word still
// says to wait", atomically with respect to unparkers, which all take the
// same lock. If it returns false nothing is queued, the goroutine never
// sleeps and Park returns ParkInvalid. A nil validate always passes.
//
// beforeSleep runs after the goroutine is enqueued and the bucket lock is
// released, but before it blocks. At that point the waiter is already
// discoverable by unparkers, so this is where a caller can release an
// outer resource (a condition variable releases its mutex here) without a
// wakeup slipping through the gap.
//
// timedOut runs under the bucket lock when the wait expired and the waiter
// removed itself. It receives the key the waiter was queued on at that
// point (requeueing may have changed it) and whether it was the last
// waiter for that key. If an unpark wins the race to the bucket lock
// against an expiring wait, the wait counts as unparked, timedOut does not
// run and the unparker's token is returned: a completed handoff is never
// overridden by a late timeout.
func (lot *Lot) Park(
	key Key,
	validate func() bool,
	beforeSleep func(),
	timedOut func(key Key, wasLast bool),
	token ParkToken,
	deadline time.Time,
) ParkResult {
	w := acquireWaiter()
	w.key.Store(uintptr(key))
	w.parkToken = token
	w.parker.prepare()

	b := lot.bucketFor(key)
	b.lock()
	if validate != nil && !validate() {
		b.unlock()
		releaseWaiter(w)
		return ParkResult{Kind: ParkInvalid}
	}
	w.queuedAt = time.Now()
	b.pushBack(w)
	b.unlock()

	if beforeSleep != nil {
		beforeSleep()
	}

	if deadline.IsZero() {
		w.parker.park()
	} else if !w.parker.parkUntil(deadline) {
		return lot.parkTimedOut(w, timedOut)
	}

	// An unparker dequeued us, filled in the token and released the
	// parker, in that order, all under the bucket lock.
	res := ParkResult{Kind: ParkUnparked, Token: w.unparkToken}
	releaseWaiter(w)
	return res
}

// parkTimedOut resolves an expired wait. The bucket lock arbitrates the
// race against concurrent unparkers: whichever side takes it first wins.
func (lot *Lot) parkTimedOut(w *waiter, timedOut func(Key, bool)) ParkResult {
	b, key := lot.lockParked(w)
	if !w.parker.timedOut() {
		// An unparker got the lock first and already dequeued us.
		b.unlock()
		res := ParkResult{Kind: ParkUnparked, Token: w.unparkToken}
		releaseWaiter(w)
		return res
	}

	// Still queued: take ourselves out. Any other waiter for the same
	// key seen along the way means we were not the last one.
	wasLast := true
	prev := (*waiter)(nil)
	link := &b.head
	for *link != nil {
		cur := *link
		if cur == w {
			*link = cur.next
			if b.tail == cur {
				b.tail = prev
			} else {
				for scan := cur.next; scan != nil; scan = scan.next {
					if Key(scan.key.Load()) == key {
						wasLast = false
						break
					}
				}
			}
			cur.next = nil
			if timedOut != nil {
				timedOut(key, wasLast)
			}
			b.unlock()
			releaseWaiter(w)
			return ParkResult{Kind: ParkTimedOut}
		}
		if Key(cur.key.Load()) == key {
			wasLast = false
		}
		prev = cur
		link = &cur.next
	}

	// An armed parker is always still queued once the lock confirms the
	// timeout; the queue would have to be corrupt for it to be missing.
	panic("parking: timed-out waiter is not in its bucket queue")
}

// UnparkOne dequeues and wakes the first waiter queued on key, in FIFO
// order. callback is invoked exactly once with the operation's result
// while the bucket lock is held, even when no waiter was found, and
// chooses the token the woken waiter receives; primitives flip their state
// word inside it so the transition and the wakeup cannot be split by a
// racing parker. It reports whether a waiter was woken.
func (lot *Lot) UnparkOne(key Key, callback func(UnparkResult) UnparkToken) bool {
	b := lot.bucketFor(key)
	b.lock()

	var result UnparkResult
	prev := (*waiter)(nil)
	link := &b.head
	for *link != nil {
		w := *link
		if Key(w.key.Load()) != key {
			prev = w
			link = &w.next
			continue
		}

		*link = w.next
		if b.tail == w {
			b.tail = prev
		} else {
			for scan := w.next; scan != nil; scan = scan.next {
				if Key(scan.key.Load()) == key {
					result.HaveMore = true
					break
				}
			}
		}
		w.next = nil

		result.Unparked = 1
		result.BeFair = time.Since(w.queuedAt) >= fairTimeout
		token := DefaultUnparkToken
		if callback != nil {
			token = callback(result)
		}
		w.unparkToken = token
		h := w.parker.unparkLocked()
		b.unlock()
		h.unpark()
		return true
	}

	if callback != nil {
		callback(result)
	}
	b.unlock()
	return false
}

// UnparkAll dequeues every waiter queued on key in one critical section
// and wakes them all with the same token once the lock is dropped. It
// returns the number woken. Goroutines that park after the call are not
// affected.
func (lot *Lot) UnparkAll(key Key, token UnparkToken) int {
	b := lot.bucketFor(key)
	b.lock()

	var handleArr [8]unparkHandle
	handles := handleArr[:0]
	prev := (*waiter)(nil)
	link := &b.head
	for *link != nil {
		w := *link
		if Key(w.key.Load()) != key {
			prev = w
			link = &w.next
			continue
		}
		*link = w.next
		if b.tail == w {
			b.tail = prev
		}
		w.next = nil
		w.unparkToken = token
		handles = append(handles, w.parker.unparkLocked())
	}
	b.unlock()

	for _, h := range handles {
		h.unpark()
	}
	return len(handles)
}

// UnparkFilter walks key's waiters in FIFO order and asks filter, for each
// one, whether to wake it, skip it, or stop the walk; the decision is
// based on the waiter's park token. Selected waiters are dequeued during
// the walk but woken only after the bucket lock is dropped. callback runs
// once over the aggregate result, still under the lock, and its token goes
// to every selected waiter. A nil filter selects everything. It returns
// the number woken.
func (lot *Lot) UnparkFilter(
	key Key,
	filter func(ParkToken) FilterOp,
	callback func(UnparkResult) UnparkToken,
) int {
	b := lot.bucketFor(key)
	b.lock()

	var (
		selectedArr [8]*waiter
		handleArr   [8]unparkHandle
	)
	selected := selectedArr[:0]
	var result UnparkResult
	now := time.Now()

	prev := (*waiter)(nil)
	link := &b.head
walk:
	for *link != nil {
		w := *link
		if Key(w.key.Load()) != key {
			prev = w
			link = &w.next
			continue
		}
		op := FilterUnpark
		if filter != nil {
			op = filter(w.parkToken)
		}
		switch op {
		case FilterUnpark:
			*link = w.next
			if b.tail == w {
				b.tail = prev
			}
			w.next = nil
			if now.Sub(w.queuedAt) >= fairTimeout {
				result.BeFair = true
			}
			selected = append(selected, w)
		case FilterSkip:
			result.HaveMore = true
			prev = w
			link = &w.next
		case FilterStop:
			result.HaveMore = true
			break walk
		}
	}

	result.Unparked = len(selected)
	token := DefaultUnparkToken
	if callback != nil {
		token = callback(result)
	}
	handles := handleArr[:0]
	for _, w := range selected {
		w.unparkToken = token
		handles = append(handles, w.parker.unparkLocked())
	}
	b.unlock()

	for _, h := range handles {
		h.unpark()
	}
	return len(handles)
}

// UnparkRequeue operates on the first waiter queued on keyFrom, moving it
// to keyTo's queue or waking it, with both bucket locks held. validate
// decides under the locks whether anything should happen at all; returning
// RequeueAbort leaves the queues untouched (nil proceeds with RequeueOne).
// A moved waiter keeps its enqueue timestamp: waiting on the target key
// continues the same wait.
//
// callback runs under the locks whenever validate did not abort, and its
// token is delivered if a waiter was woken. This is the operation behind
// condition-variable notify: a waiter is transplanted straight into the
// mutex's queue instead of being woken just to block on the mutex.
func (lot *Lot) UnparkRequeue(
	keyFrom, keyTo Key,
	validate func() RequeueOp,
	callback func(RequeueOp, UnparkResult) UnparkToken,
) UnparkResult {
	from, to := lot.lockPair(keyFrom, keyTo)

	var result UnparkResult
	op := RequeueOne
	if validate != nil {
		op = validate()
	}
	if op == RequeueAbort {
		unlockPair(from, to)
		return result
	}

	var woken *waiter
	prev := (*waiter)(nil)
	link := &from.head
	for *link != nil {
		w := *link
		if Key(w.key.Load()) != keyFrom {
			prev = w
			link = &w.next
			continue
		}

		*link = w.next
		if from.tail == w {
			from.tail = prev
		} else {
			for scan := w.next; scan != nil; scan = scan.next {
				if Key(scan.key.Load()) == keyFrom {
					result.HaveMore = true
					break
				}
			}
		}
		w.next = nil

		if op == RequeueUnparkOne {
			woken = w
			result.Unparked = 1
			result.BeFair = time.Since(w.queuedAt) >= fairTimeout
		} else {
			w.key.Store(uintptr(keyTo))
			to.pushBack(w)
			result.Requeued = 1
		}
		break
	}

	token := DefaultUnparkToken
	if callback != nil {
		token = callback(op, result)
	}
	if woken != nil {
		woken.unparkToken = token
		h := woken.parker.unparkLocked()
		unlockPair(from, to)
		h.unpark()
		return result
	}
	unlockPair(from, to)
	return result
}

// Park parks on the process-wide lot. See Lot.Park.
func Park(
	key Key,
	validate func() bool,
	beforeSleep func(),
	timedOut func(Key, bool),
	token ParkToken,
	deadline time.Time,
) ParkResult {
	return defaultLot.Park(key, validate, beforeSleep, timedOut, token, deadline)
}

// UnparkOne wakes one waiter on the process-wide lot. See Lot.UnparkOne.
func UnparkOne(key Key, callback func(UnparkResult) UnparkToken) bool {
	return defaultLot.UnparkOne(key, callback)
}

// UnparkAll wakes every waiter on the process-wide lot. See Lot.UnparkAll.
func UnparkAll(key Key, token UnparkToken) int {
	return defaultLot.UnparkAll(key, token)
}

// UnparkFilter selectively wakes waiters on the process-wide lot. See
// Lot.UnparkFilter.
func UnparkFilter(
	key Key,
	filter func(ParkToken) FilterOp,
	callback func(UnparkResult) UnparkToken,
) int {
	return defaultLot.UnparkFilter(key, filter, callback)
}

// UnparkRequeue moves or wakes one waiter on the process-wide lot. See
// Lot.UnparkRequeue.
func UnparkRequeue(
	keyFrom, keyTo Key,
	validate func() RequeueOp,
	callback func(RequeueOp, UnparkResult) UnparkToken,
) UnparkResult {
	return defaultLot.UnparkRequeue(keyFrom, keyTo, validate, callback)
}
