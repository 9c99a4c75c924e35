package parkinglot

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestOnce_Basic(t *testing.T) {
	var o Once
	calls := 0
	for range 3 {
		o.Do(func() { calls++ })
	}
	if calls != 1 {
		t.Fatalf("initializer ran %d times, want 1", calls)
	}
	if !o.Done() {
		t.Fatal("Done = false after a completed Do")
	}
	if o.Poisoned() {
		t.Fatal("Poisoned = true after a completed Do")
	}
}

func TestOnce_Concurrent(t *testing.T) {
	var o Once
	var calls atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.Do(func() {
				calls.Add(1)
				<-release
			})
			if !o.Done() {
				t.Error("Do returned before the initializer finished")
			}
		}()
	}
	time.Sleep(100 * time.Millisecond)
	if o.Done() {
		t.Fatal("Done = true while the initializer was still running")
	}
	close(release)
	wg.Wait()
	if n := calls.Load(); n != 1 {
		t.Fatalf("initializer ran %d times, want 1", n)
	}
}

func TestOnce_Poison(t *testing.T) {
	var o Once
	func() {
		defer func() {
			if recover() == nil {
				t.Fatal("Do did not re-raise the initializer's panic")
			}
		}()
		o.Do(func() { panic("boom") })
	}()
	if !o.Poisoned() {
		t.Fatal("Poisoned = false after a panicking initializer")
	}
	if o.Done() {
		t.Fatal("Done = true after a panicking initializer")
	}

	// Every later Do re-raises the original cause without running f.
	var recovered any
	func() {
		defer func() { recovered = recover() }()
		o.Do(func() { t.Error("initializer ran on a poisoned Once") })
	}()
	pe, ok := recovered.(*panicError)
	if !ok {
		t.Fatalf("recovered %T, want *panicError", recovered)
	}
	if pe.value != "boom" {
		t.Errorf("cause = %v, want the original panic value", pe.value)
	}
}

// Goroutines parked behind a failing initializer must be released and see
// the failure, not hang.
func TestOnce_PoisonReleasesWaiters(t *testing.T) {
	var o Once
	entered := make(chan struct{})
	recovered := make(chan any, 1)
	go func() {
		defer func() { recovered <- recover() }()
		<-entered
		o.Do(func() { t.Error("waiter ran the initializer") })
	}()
	func() {
		defer func() { _ = recover() }()
		o.Do(func() {
			close(entered)
			// Give the second caller time to park behind us.
			time.Sleep(100 * time.Millisecond)
			panic("init failed")
		})
	}()
	select {
	case r := <-recovered:
		pe, ok := r.(*panicError)
		if !ok || pe.value != "init failed" {
			t.Fatalf("waiter recovered %v, want the initializer's panic", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never released from the poisoned Once")
	}
}

func TestOnce_DoForce(t *testing.T) {
	var o Once
	func() {
		defer func() { _ = recover() }()
		o.Do(func() { panic("first") })
	}()
	if !o.Poisoned() {
		t.Fatal("Poisoned = false after a panicking initializer")
	}

	ran := false
	o.DoForce(func() { ran = true })
	if !ran {
		t.Fatal("DoForce skipped the initializer on a poisoned Once")
	}
	if !o.Done() || o.Poisoned() {
		t.Fatal("DoForce did not heal the Once")
	}
	o.Do(func() { t.Error("initializer ran again after a successful DoForce") })
}
