package parking

import "unsafe"

// Key identifies a logical wait point. It is normally derived from the
// address of the synchronization word a primitive spins on, which makes
// keys unique for free: two live primitives never share an address.
// Callers that build keys another way must uphold the same rule; the lot
// cannot tell two unrelated users of one key apart.
type Key uintptr

// KeyOf derives the key for the wait point at address p.
func KeyOf(p unsafe.Pointer) Key {
	return Key(uintptr(p))
}

// ParkToken is an opaque value describing why a goroutine parks. It is
// stored with the queued waiter and shown to UnparkFilter's filter, which
// lets an unparker tell classes of waiters apart (readers vs writers).
type ParkToken uintptr

// UnparkToken is an opaque value describing what a woken goroutine should
// do next. It is chosen by the unparker and returned from Park, e.g. "the
// word was handed to you directly" vs "re-contend for it yourself".
type UnparkToken uintptr

// Default tokens for callers that don't need to tell waiters apart.
const (
	DefaultParkToken   ParkToken   = 0
	DefaultUnparkToken UnparkToken = 0
)

// ParkResultKind classifies how a Park call returned.
type ParkResultKind uint8

const (
	// ParkInvalid means validate failed and the goroutine never slept.
	ParkInvalid ParkResultKind = iota
	// ParkUnparked means the goroutine was woken by an unpark operation.
	ParkUnparked
	// ParkTimedOut means the deadline passed before any unpark arrived.
	ParkTimedOut
)

// ParkResult is the outcome of a Park call. Token is meaningful only when
// Kind is ParkUnparked.
type ParkResult struct {
	Kind  ParkResultKind
	Token UnparkToken
}

// Unparked reports whether the goroutine was woken by an unpark.
func (r ParkResult) Unparked() bool { return r.Kind == ParkUnparked }

// TimedOut reports whether the park gave up waiting.
func (r ParkResult) TimedOut() bool { return r.Kind == ParkTimedOut }

// UnparkResult describes what an unpark operation did. It is passed to the
// operation's callback while the bucket lock is still held, so the callback
// can update the primitive's state word atomically with the wakeup.
type UnparkResult struct {
	// Unparked is the number of waiters woken by this operation.
	Unparked int
	// Requeued is the number of waiters moved to another key.
	Requeued int
	// HaveMore reports whether waiters remain queued on the source key
	// after this operation.
	HaveMore bool
	// BeFair is set when a woken waiter has been queued longer than the
	// fairness threshold. The callback may then hand the contended word
	// to it directly instead of letting it re-contend.
	BeFair bool
}

// FilterOp is returned by UnparkFilter's filter for each queued waiter.
type FilterOp uint8

const (
	// FilterUnpark dequeues and wakes the waiter.
	FilterUnpark FilterOp = iota
	// FilterSkip leaves the waiter queued and moves on.
	FilterSkip
	// FilterStop leaves the waiter queued and ends the walk.
	FilterStop
)

// RequeueOp is returned by UnparkRequeue's validate and decides what
// happens to the first waiter queued on the source key.
type RequeueOp uint8

const (
	// RequeueAbort leaves the queues untouched.
	RequeueAbort RequeueOp = iota
	// RequeueOne moves one waiter to the target key without waking it.
	RequeueOne
	// RequeueUnparkOne wakes one waiter immediately instead of moving it.
	RequeueUnparkOne
)
