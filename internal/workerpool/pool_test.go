package workerpool_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pgdbmsjob/pgdbmsjobd/internal/model"
	"github.com/pgdbmsjob/pgdbmsjobd/internal/workerpool"
)

func TestPool_SpawnAndReap(t *testing.T) {
	p := workerpool.New(nil)
	release := make(chan struct{})

	p.Spawn("w1", model.Job{ID: 1}, func() {
		<-release
	})

	if got := p.Len(); got != 1 {
		t.Fatalf("expected 1 live worker, got %d", got)
	}

	p.Reap()
	if got := p.Len(); got != 1 {
		t.Fatalf("expected worker still live before release, got %d", got)
	}

	close(release)
	// Give the goroutine a moment to close its done channel.
	waitUntil(t, func() bool {
		p.Reap()
		return p.Len() == 0
	})
}

func TestPool_NeverExceedsObservedCap(t *testing.T) {
	const cap = 2
	p := workerpool.New(nil)
	var running int32
	var maxObserved int32
	var wg sync.WaitGroup

	spawned := 0
	for spawned < 5 {
		for p.Len() >= cap {
			p.Reap()
			time.Sleep(time.Millisecond)
		}
		wg.Add(1)
		id := spawned
		p.Spawn(itoa(id), model.Job{ID: int64(id)}, func() {
			defer wg.Done()
			n := atomic.AddInt32(&running, 1)
			for {
				old := atomic.LoadInt32(&maxObserved)
				if n <= old || atomic.CompareAndSwapInt32(&maxObserved, old, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt32(&running, -1)
		})
		spawned++
	}

	wg.Wait()
	p.Drain(time.Millisecond)

	if maxObserved > cap {
		t.Fatalf("observed %d concurrently running workers, cap was %d", maxObserved, cap)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func itoa(n int) string {
	digits := "0123456789"
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{digits[n%10]}, b...)
		n /= 10
	}
	return string(b)
}
