package parkinglot

import (
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func TestCond_NotifyOne(t *testing.T) {
	var m Mutex
	var c Cond
	ready := false

	done := make(chan struct{})
	go func() {
		m.Lock()
		for !ready {
			c.Wait(&m)
		}
		m.Unlock()
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("waiter ran before being notified")
	default:
	}

	m.Lock()
	ready = true
	m.Unlock()
	if !c.NotifyOne() {
		t.Fatal("NotifyOne found no waiter")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke")
	}
	if c.NotifyOne() {
		t.Error("NotifyOne found a waiter after the queue drained")
	}
}

// Notifying while the mutex is still held must move the waiter onto the
// mutex's queue, not wake it into a futile lock attempt; it runs only once
// the mutex is released.
func TestCond_NotifyWhileHolding(t *testing.T) {
	var m Mutex
	var c Cond
	ready := false

	done := make(chan struct{})
	go func() {
		m.Lock()
		for !ready {
			c.Wait(&m)
		}
		m.Unlock()
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)

	m.Lock()
	ready = true
	if !c.NotifyOne() {
		t.Fatal("NotifyOne found no waiter")
	}
	select {
	case <-done:
		t.Fatal("waiter ran while the mutex was still held")
	case <-time.After(50 * time.Millisecond):
	}
	m.Unlock()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("waiter never woke after Unlock")
	}
}

func TestCond_NotifyAll(t *testing.T) {
	const waiters = 4
	var m Mutex
	var c Cond
	ready := false

	var woke sync.WaitGroup
	woke.Add(waiters)
	for range waiters {
		go func() {
			m.Lock()
			for !ready {
				c.Wait(&m)
			}
			m.Unlock()
			woke.Done()
		}()
	}
	time.Sleep(100 * time.Millisecond)

	m.Lock()
	ready = true
	n := c.NotifyAll()
	m.Unlock()
	if n != waiters {
		t.Fatalf("NotifyAll = %d, want %d", n, waiters)
	}

	done := make(chan struct{})
	go func() {
		woke.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("not all notified waiters woke")
	}
	if c.NotifyOne() {
		t.Error("NotifyOne found a waiter after NotifyAll drained the queue")
	}
}

func TestCond_WaitFor(t *testing.T) {
	var m Mutex
	var c Cond

	m.Lock()
	start := time.Now()
	if c.WaitFor(&m, 50*time.Millisecond) {
		t.Fatal("WaitFor reported notified with nobody notifying")
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("WaitFor gave up after %v, want >= 50ms", elapsed)
	}
	// The mutex is held again on return.
	if m.TryLock() {
		t.Fatal("mutex not reacquired after a timed-out WaitFor")
	}
	m.Unlock()

	// Notified in time. The notifier retries until the waiter is
	// actually registered.
	go func() {
		for !c.NotifyOne() {
			time.Sleep(time.Millisecond)
		}
	}()
	m.Lock()
	if !c.WaitFor(&m, 5*time.Second) {
		t.Fatal("WaitFor missed the notification")
	}
	m.Unlock()
}

// One notify per produced item must never strand the consumer, whichever
// way the notify races the consumer's park.
func TestCond_ProducerConsumer(t *testing.T) {
	const rounds = 200
	var m Mutex
	var c Cond
	queue := 0

	var g errgroup.Group
	g.Go(func() error {
		for range rounds {
			m.Lock()
			for queue == 0 {
				c.Wait(&m)
			}
			queue--
			m.Unlock()
		}
		return nil
	})
	g.Go(func() error {
		for range rounds {
			m.Lock()
			queue++
			m.Unlock()
			c.NotifyOne()
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
	if queue != 0 {
		t.Fatalf("queue = %d after balanced rounds, want 0", queue)
	}
}
