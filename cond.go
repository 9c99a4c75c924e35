package parkinglot

import (
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/faern/parking-lot/internal/parking"
)

// Cond is a condition variable for use with Mutex. Waiters park on the
// Cond's own address; when the bound mutex is held, notification moves a
// waiter straight into the mutex's wait queue, so it is woken exactly
// once, by the unlock that lets it run; the usual wake-then-block-again
// round trip never happens.
//
// A Cond tracks the mutex most recently passed to Wait. Waiting with two
// different mutexes on the same Cond at the same time is not supported.
//
// The zero value is ready to use. A Cond must not be copied after first
// use.
type Cond struct {
	_  noCopy
	mu atomic.Pointer[Mutex]
}

func (c *Cond) key() parking.Key {
	return parking.KeyOf(unsafe.Pointer(c))
}

// Wait atomically releases m and parks the calling goroutine until another
// goroutine calls NotifyOne or NotifyAll on c. The mutex is reacquired
// before Wait returns. m must be held by the caller.
//
// Because a notification may race with the predicate changing back,
// callers should re-check their predicate in a loop around Wait.
func (c *Cond) Wait(m *Mutex) {
	c.wait(m, time.Time{})
}

// WaitFor is like Wait but gives up after d. It reports whether the waiter
// was notified; false means the wait timed out first. The mutex is held on
// return either way. A waiter that was already moved to the mutex's queue
// by a notification counts as notified, never as timed out.
func (c *Cond) WaitFor(m *Mutex, d time.Duration) bool {
	return c.wait(m, time.Now().Add(d))
}

func (c *Cond) wait(m *Mutex, deadline time.Time) bool {
	key := c.key()
	requeued := false
	res := parking.Park(
		key,
		func() bool {
			// Adopt m as the bound mutex. Concurrent waits with a
			// different mutex are unsupported; the last one wins.
			c.mu.Store(m)
			return true
		},
		func() {
			// Queued and discoverable: the mutex can be released
			// now without a notification slipping through the gap.
			m.Unlock()
		},
		func(k parking.Key, wasLast bool) {
			// Expiring on the mutex's key means a notification
			// moved us there first; that wait did not time out.
			requeued = k != key
			if !requeued && wasLast {
				c.mu.Store(nil)
			}
		},
		parking.DefaultParkToken,
		deadline,
	)
	if res.Unparked() && res.Token == tokenHandoff {
		// The mutex's unlocker handed it to us directly.
		return true
	}
	m.Lock()
	return res.Unparked() || requeued
}

// NotifyOne wakes one goroutine waiting on c, if any, and reports whether
// one was notified. If the bound mutex is held, the waiter is moved into
// the mutex's wait queue instead of being woken only to block on it.
func (c *Cond) NotifyOne() bool {
	m := c.mu.Load()
	if m == nil {
		return false
	}
	res := c.notify(m)
	return res.Unparked+res.Requeued != 0
}

// NotifyAll notifies every goroutine currently waiting on c and returns
// how many there were. While the bound mutex stays held, waiters are moved
// to its queue one at a time and drain through successive unlocks.
func (c *Cond) NotifyAll() int {
	m := c.mu.Load()
	if m == nil {
		return 0
	}
	n := 0
	for {
		res := c.notify(m)
		n += res.Unparked + res.Requeued
		if res.Unparked+res.Requeued == 0 || !res.HaveMore {
			return n
		}
	}
}

func (c *Cond) notify(m *Mutex) parking.UnparkResult {
	return parking.UnparkRequeue(
		c.key(),
		m.key(),
		func() parking.RequeueOp {
			// Waiters may have rebound the Cond to another mutex
			// since we loaded it; then they are no longer ours to
			// notify.
			if c.mu.Load() != m {
				return parking.RequeueAbort
			}
			// A held mutex accepts the waiter into its queue. Its
			// parked bit is set here, before the move, which forces
			// the eventual unlock down the queue-draining path.
			if m.markParkedIfLocked() {
				return parking.RequeueOne
			}
			return parking.RequeueUnparkOne
		},
		func(_ parking.RequeueOp, res parking.UnparkResult) parking.UnparkToken {
			if !res.HaveMore {
				c.mu.Store(nil)
			}
			return tokenNormal
		},
	)
}
