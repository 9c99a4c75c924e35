package opt

import (
	"time"
	_ "unsafe" // for linkname
)

// TrySpin performs one round of active spinning if the runtime considers it
// worthwhile (multicore, not too many spins so far, a runnable P free).
// It returns false once the caller should stop spinning and block instead.
func TrySpin(spins *int) bool {
	if runtime_canSpin(*spins) {
		*spins++
		runtime_doSpin()
		return true
	}
	return false
}

// Delay spins while the runtime allows it, then falls back to a short sleep.
func Delay(spins *int) {
	if TrySpin(spins) {
		return
	}
	*spins = 0
	// time.Sleep with non-zero duration (≈Millisecond level) works
	// effectively as backoff under high concurrency.
	// The 500µs duration is derived from Facebook/folly's implementation:
	// https://github.com/facebook/folly/blob/main/folly/synchronization/detail/Sleeper.h
	time.Sleep(500 * time.Microsecond)
}

// nolint:all
//
//go:linkname runtime_canSpin sync.runtime_canSpin
//goland:noinspection ALL
func runtime_canSpin(i int) bool

// nolint:all
//
//go:linkname runtime_doSpin sync.runtime_doSpin
//goland:noinspection ALL
func runtime_doSpin()
