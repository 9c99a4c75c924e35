package parkinglot

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

func TestRWLock_Basic(t *testing.T) {
	var rw RWLock
	rw.RLock()
	rw.RLock()
	if rw.TryLock() {
		t.Fatal("TryLock acquired a read-locked lock")
	}
	if !rw.TryRLock() {
		t.Fatal("TryRLock failed alongside other readers")
	}
	rw.RUnlock()
	rw.RUnlock()
	rw.RUnlock()

	if !rw.TryLock() {
		t.Fatal("TryLock failed on a free lock")
	}
	if rw.TryRLock() {
		t.Fatal("TryRLock acquired a write-locked lock")
	}
	rw.Unlock()
}

func TestRWLock_ReadersAndWriters(t *testing.T) {
	var rw RWLock
	var readers, writers atomic.Int32
	var g errgroup.Group
	for range 4 {
		g.Go(func() error {
			for range 300 {
				rw.Lock()
				if n := writers.Add(1); n != 1 {
					writers.Add(-1)
					rw.Unlock()
					return fmt.Errorf("%d writers active at once", n)
				}
				if n := readers.Load(); n != 0 {
					writers.Add(-1)
					rw.Unlock()
					return fmt.Errorf("writer active with %d readers", n)
				}
				writers.Add(-1)
				rw.Unlock()
			}
			return nil
		})
		g.Go(func() error {
			for range 300 {
				rw.RLock()
				readers.Add(1)
				if n := writers.Load(); n != 0 {
					readers.Add(-1)
					rw.RUnlock()
					return fmt.Errorf("reader active with %d writers", n)
				}
				readers.Add(-1)
				rw.RUnlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}

// A parked writer blocks new readers, and release wakes it ahead of any
// queued reader.
func TestRWLock_WriterPreference(t *testing.T) {
	var rw RWLock
	rw.RLock()

	writerGot := make(chan struct{})
	go func() {
		rw.Lock()
		close(writerGot)
	}()
	time.Sleep(50 * time.Millisecond)

	readerGot := make(chan struct{})
	go func() {
		rw.RLock()
		close(readerGot)
	}()
	select {
	case <-readerGot:
		t.Fatal("reader acquired while a writer was waiting")
	case <-time.After(50 * time.Millisecond):
	}

	rw.RUnlock()
	select {
	case <-writerGot:
	case <-time.After(2 * time.Second):
		t.Fatal("writer never acquired after the readers left")
	}
	select {
	case <-readerGot:
		t.Fatal("reader acquired alongside the writer")
	case <-time.After(50 * time.Millisecond):
	}

	rw.Unlock()
	select {
	case <-readerGot:
	case <-time.After(2 * time.Second):
		t.Fatal("reader never acquired after the writer left")
	}
	rw.RUnlock()
}

// With no writer queued, a release lets every parked reader in as one
// batch.
func TestRWLock_ReaderBatchWake(t *testing.T) {
	var rw RWLock
	rw.Lock()

	const readers = 5
	var active atomic.Int32
	hold := make(chan struct{})
	started := make(chan struct{}, readers)
	var wg sync.WaitGroup
	for range readers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rw.RLock()
			active.Add(1)
			started <- struct{}{}
			<-hold
			rw.RUnlock()
		}()
	}
	time.Sleep(100 * time.Millisecond)

	rw.Unlock()
	for i := range readers {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatalf("only %d of %d readers woke", i, readers)
		}
	}
	if n := active.Load(); n != readers {
		t.Fatalf("%d readers active concurrently, want %d", n, readers)
	}
	close(hold)
	wg.Wait()
}

func TestRWLock_Misuse(t *testing.T) {
	t.Run("unlock unlocked", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Fatal("no panic")
			}
		}()
		var rw RWLock
		rw.Unlock()
	})
	t.Run("read-unlock unlocked", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Fatal("no panic")
			}
		}()
		var rw RWLock
		rw.RUnlock()
	})
	t.Run("write-unlock read-locked", func(t *testing.T) {
		defer func() {
			if recover() == nil {
				t.Fatal("no panic")
			}
		}()
		var rw RWLock
		rw.RLock()
		rw.Unlock()
	})
}
