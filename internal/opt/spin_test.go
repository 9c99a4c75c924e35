package opt

import (
	"testing"
	"time"
)

func TestTrySpin(t *testing.T) {
	spins := 0
	// The runtime caps active spinning; TrySpin must report false after a
	// bounded number of rounds no matter the machine.
	for range 1000 {
		if !TrySpin(&spins) {
			return
		}
	}
	t.Fatalf("TrySpin never stopped, spins=%d", spins)
}

func TestDelay(t *testing.T) {
	spins := 0
	start := time.Now()
	// Run past the spin budget so at least one sleep round happens, and
	// make sure the counter is reset when it does.
	for range 100 {
		Delay(&spins)
	}
	if spins > 100 {
		t.Fatalf("spins not reset: %d", spins)
	}
	if time.Since(start) > 10*time.Second {
		t.Fatal("Delay slept far longer than its backoff should")
	}
}
