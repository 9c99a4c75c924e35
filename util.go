package parkinglot

import "github.com/faern/parking-lot/internal/parking"

// Unpark tokens understood by every primitive in this package.
const (
	// tokenNormal: the woken goroutine re-contends for the state word.
	tokenNormal parking.UnparkToken = iota
	// tokenHandoff: the state word was transferred to the woken
	// goroutine directly; it must not try to acquire it again.
	tokenHandoff
)

// noCopy may be added to structs which must not be copied
// after the first use.
//
// See https://golang.org/issues/8005#issuecomment-190753527
// for details.
//
// Note that it must not be embedded, due to the Lock and Unlock methods.
type noCopy struct{}

// Lock is a no-op used by -copylocks checker from `go vet`.
func (*noCopy) Lock()   {}
func (*noCopy) Unlock() {}
