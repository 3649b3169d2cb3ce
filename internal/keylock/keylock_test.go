package keylock

import (
	"sync"
	"testing"
)

func TestLock_SerializesSameKey(t *testing.T) {
	l := New()
	var (
		wg      sync.WaitGroup
		inside  int
		maxSeen int
		mu      sync.Mutex
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock("K")
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()

			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("critical section entered by %d goroutines at once", maxSeen)
	}
	// после освобождения ключ снова берётся сразу
	l.Lock("K")()
}

func TestLock_IndependentKeys(t *testing.T) {
	l := New()
	unlockA := l.Lock("A")
	done := make(chan struct{})
	go func() {
		unlockB := l.Lock("B")
		unlockB()
		close(done)
	}()
	<-done
	unlockA()
}
