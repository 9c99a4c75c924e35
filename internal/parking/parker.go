package parking

import (
	"sync/atomic"
	"time"
)

// threadParker blocks and wakes a single goroutine. The state word plus a
// one-slot wake channel form the check-and-sleep primitive the parking
// protocol needs: a wakeup racing with the goroutine on its way to sleep is
// buffered by the channel, so it can never be lost.
//
// state is 1 from prepare until an unparker releases the goroutine, and it
// is the single source of truth; the channel only carries a "look again"
// signal. A stale signal left over from an earlier park cycle wakes the
// goroutine into a state re-check and is otherwise ignored.
type threadParker struct {
	state atomic.Uint32
	wake  chan struct{}
}

// prepare arms the parker for a new wait. It must be called before the
// waiter becomes discoverable in a queue. Calling it again before parking
// is harmless.
func (p *threadParker) prepare() {
	p.state.Store(1)
	// Drop a stale wakeup from a previous cycle so it cannot be mistaken
	// for this one's.
	select {
	case <-p.wake:
	default:
	}
}

// park blocks until an unparker has cleared the state word.
func (p *threadParker) park() {
	for p.state.Load() != 0 {
		<-p.wake
	}
}

// parkUntil blocks like park but gives up once the deadline passes. It
// reports whether the goroutine was unparked; false means the parker still
// looked armed, which the caller must confirm under the bucket lock before
// trusting it.
func (p *threadParker) parkUntil(deadline time.Time) bool {
	var timer *time.Timer
	for p.state.Load() != 0 {
		d := time.Until(deadline)
		if d <= 0 {
			return false
		}
		if timer == nil {
			timer = time.NewTimer(d)
		} else {
			timer.Reset(d)
		}
		select {
		case <-p.wake:
		case <-timer.C:
		}
	}
	if timer != nil {
		timer.Stop()
	}
	return true
}

// timedOut reports whether the parker is still armed after parkUntil
// returned false. Meaningful only while holding the bucket lock, which
// orders this load against any unparker's store.
func (p *threadParker) timedOut() bool {
	return p.state.Load() != 0
}

// unparkLocked marks the parker as woken. It must be called with the
// bucket lock held, after the waiter has been dequeued; this store is the
// wakeup's linearization point. The returned handle performs the actual
// signalling and should be invoked after the lock is dropped, so the queue
// is not held hostage to channel delivery.
func (p *threadParker) unparkLocked() unparkHandle {
	p.state.Store(0)
	return unparkHandle{wake: p.wake}
}

// unparkHandle owns a reference to a parker's wake channel and nothing
// else. It stays valid after the parked goroutine has returned and moved
// on, even once its waiter node is reused for a different park; a stale
// send is drained or re-checked away by the next prepare/park cycle.
type unparkHandle struct {
	wake chan<- struct{}
}

// unpark delivers the wakeup. The send never blocks: if a signal is
// already buffered, the target is going to look at its state word anyway.
func (h unparkHandle) unpark() {
	select {
	case h.wake <- struct{}{}:
	default:
	}
}
