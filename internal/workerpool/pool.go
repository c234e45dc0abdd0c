// Package workerpool implements the pool manager (C4): a bounded set of live
// worker handles with spawn/reap/drain.
package workerpool

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pgdbmsjob/pgdbmsjobd/internal/model"
)

// Pool tracks live workers up to a capacity enforced by the caller:
// Spawn never blocks or rejects on its own — the event loop is responsible
// for reaping and parking before calling Spawn again once the set is full.
type Pool struct {
	mu      sync.Mutex
	workers map[string]*entry
	inFlight prometheus.Gauge
}

type entry struct {
	handle model.WorkerHandle
	done   chan struct{}
}

// New builds an empty pool. inFlight may be nil if metrics aren't wired.
func New(inFlight prometheus.Gauge) *Pool {
	return &Pool{workers: make(map[string]*entry), inFlight: inFlight}
}

// Len reports the current number of live workers.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// Spawn starts run in its own goroutine, tracked under id, and returns its
// handle immediately. run must close no channel itself — Spawn wires
// completion tracking internally.
func (p *Pool) Spawn(id string, job model.Job, run func()) model.WorkerHandle {
	done := make(chan struct{})
	h := model.NewWorkerHandle(id, job, done)

	p.mu.Lock()
	p.workers[id] = &entry{handle: h, done: done}
	if p.inFlight != nil {
		p.inFlight.Set(float64(len(p.workers)))
	}
	p.mu.Unlock()

	go func() {
		defer close(done)
		run()
	}()

	return h
}

// Reap removes any handle whose worker has finished. Non-blocking.
func (p *Pool) Reap() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, e := range p.workers {
		select {
		case <-e.done:
			delete(p.workers, id)
		default:
		}
	}
	if p.inFlight != nil {
		p.inFlight.Set(float64(len(p.workers)))
	}
}

// Drain blocks until every live worker has finished, reaping periodically.
// Used both for graceful shutdown and single-shot (-s) mode, which
// must not exit while workers spawned during its one iteration are still
// running.
func (p *Pool) Drain(pollInterval time.Duration) {
	for {
		p.Reap()
		if p.Len() == 0 {
			return
		}
		time.Sleep(pollInterval)
	}
}
