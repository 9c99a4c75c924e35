package parkinglot

import (
	"bytes"
	"errors"
	"fmt"
	"runtime/debug"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/faern/parking-lot/internal/parking"
)

// Once runs an initializer exactly once, with explicit failure semantics:
// if the initializer panics, the Once is poisoned and the captured panic
// is re-raised in every waiter and every later caller, instead of silently
// counting the failed attempt as done or letting a later caller quietly
// retry. DoForce opts back in to retrying.
//
// The zero value is ready to use. A Once must not be copied after first
// use.
//
// state 32-bit:
//   - bits 0-1: status (incomplete, running, complete, poisoned)
//   - bit 2: parked, waiters queued on the Once's address
type Once struct {
	_     noCopy
	state atomic.Uint32
	fault atomic.Pointer[panicError]
}

const (
	onceIncomplete uint32 = 0
	onceRunning    uint32 = 1
	onceComplete   uint32 = 2
	oncePoisoned   uint32 = 3

	onceStatusMask uint32 = 3
	onceParkedBit  uint32 = 1 << 2
)

func (o *Once) key() parking.Key {
	return parking.KeyOf(unsafe.Pointer(o))
}

// Do runs f if no initializer has ever completed on this Once. Concurrent
// callers park until the running initializer settles. If f panics, the
// panic poisons the Once: the captured value is re-raised here and in
// every later Do call.
func (o *Once) Do(f func()) {
	if o.state.Load()&onceStatusMask == onceComplete {
		return
	}
	o.doSlow(f, false)
}

// DoForce is like Do but also runs f when the Once is poisoned; an
// initializer that then returns normally heals it.
func (o *Once) DoForce(f func()) {
	if o.state.Load()&onceStatusMask == onceComplete {
		return
	}
	o.doSlow(f, true)
}

// Done reports whether an initializer has completed successfully.
func (o *Once) Done() bool {
	return o.state.Load()&onceStatusMask == onceComplete
}

// Poisoned reports whether the latest initializer attempt panicked.
func (o *Once) Poisoned() bool {
	return o.state.Load()&onceStatusMask == oncePoisoned
}

func (o *Once) doSlow(f func(), force bool) {
	s := o.state.Load()
	for {
		switch s & onceStatusMask {
		case onceComplete:
			return

		case oncePoisoned:
			if !force {
				o.repanic()
			}
			// Take over the poisoned Once and retry.
			if o.state.CompareAndSwap(s, s&^onceStatusMask|onceRunning) {
				o.run(f)
				return
			}

		case onceIncomplete:
			if o.state.CompareAndSwap(s, s&^onceStatusMask|onceRunning) {
				o.run(f)
				return
			}

		case onceRunning:
			// Somebody else is running the initializer; park on the
			// Once's address until it settles one way or the other.
			if s&onceParkedBit == 0 &&
				!o.state.CompareAndSwap(s, s|onceParkedBit) {
				break
			}
			parking.Park(
				o.key(),
				func() bool {
					return o.state.Load() == onceRunning|onceParkedBit
				},
				nil, nil,
				parking.DefaultParkToken,
				time.Time{},
			)
		}
		s = o.state.Load()
	}
}

// repanic re-raises the failure that poisoned this Once.
func (o *Once) repanic() {
	if pe := o.fault.Load(); pe != nil {
		panic(pe)
	}
	panic("parkinglot: Once is poisoned")
}

// run executes the initializer and publishes the outcome. Waiters are
// woken only after the new status is visible, so their validate cannot
// re-park against a stale running state.
func (o *Once) run(f func()) {
	normal := false
	defer func() {
		if normal {
			o.fault.Store(nil)
			o.state.Store(onceComplete)
			parking.UnparkAll(o.key(), parking.DefaultUnparkToken)
			return
		}
		// f panicked or exited the goroutine. Poison either way, so
		// waiters and later callers see the failure instead of
		// hanging off a Once that will never settle.
		var pe *panicError
		if r := recover(); r != nil {
			pe = newPanicError(r)
		} else {
			pe = &panicError{value: errGoexit}
		}
		o.fault.Store(pe)
		o.state.Store(oncePoisoned)
		parking.UnparkAll(o.key(), parking.DefaultUnparkToken)
		if pe.value != errGoexit {
			panic(pe)
		}
	}()
	f()
	normal = true
}

// -------------------------
// Panic/Goexit handling
// -------------------------

// panicError wraps a value recovered from an initializer panic together
// with the stack trace of the run that produced it.
type panicError struct {
	value any
	stack []byte
}

// Error implements error interface.
func (p *panicError) Error() string {
	return fmt.Sprintf("%v\n\n%s", p.value, p.stack)
}

// Unwrap returns the underlying error value, if any.
func (p *panicError) Unwrap() error {
	if err, ok := p.value.(error); ok {
		return err
	}
	return nil
}

func newPanicError(v any) *panicError {
	stack := debug.Stack()
	// The first line of the stack trace is of the form "goroutine N
	// [status]:" but by the time the panic reaches Do the goroutine may
	// no longer exist and its status will have changed. Trim it.
	if line := bytes.IndexByte(stack, '\n'); line >= 0 {
		stack = stack[line+1:]
	}
	return &panicError{value: v, stack: stack}
}

var errGoexit = errors.New("runtime.Goexit was called")
