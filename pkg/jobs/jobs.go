// Package jobs implements a generic dedup-by-key job manager: concurrent
// callers requesting the same logical job (e.g. "run the integrity scan
// for view X") are coalesced onto a single execution, each receiving the
// same result. Grounded on the original implementation's task manager,
// which enqueues Mapper/IntegrityScanner jobs keyed by
// (database, collection, view) and lets concurrent lookups join an
// in-flight job rather than starting a second one.
package jobs

import (
	"context"
	"sync"

	"github.com/cuemby/kiln/pkg/metrics"
)

// Func is the work a job performs.
type Func func(ctx context.Context) (any, error)

// Handle lets callers wait for a job's result.
type Handle struct {
	done   chan struct{}
	result any
	err    error
}

// Wait blocks until the job completes or ctx is done.
func (h *Handle) Wait(ctx context.Context) (any, error) {
	select {
	case <-h.done:
		return h.result, h.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Manager runs jobs keyed by K, deduplicating concurrent identical
// requests and bounding concurrency to parallelism workers.
type Manager[K comparable] struct {
	mu      sync.Mutex
	running map[K]*Handle
	sem     chan struct{}
}

// NewManager returns a Manager allowing up to parallelism jobs to run at
// once. parallelism <= 0 means unbounded.
func NewManager[K comparable](parallelism int) *Manager[K] {
	m := &Manager[K]{running: make(map[K]*Handle)}
	if parallelism > 0 {
		m.sem = make(chan struct{}, parallelism)
	}
	return m
}

// LookupOrEnqueue returns the Handle for an already-running job keyed by
// key, or starts a new one running fn in its own goroutine.
func (m *Manager[K]) LookupOrEnqueue(key K, fn Func) *Handle {
	m.mu.Lock()
	if h, ok := m.running[key]; ok {
		m.mu.Unlock()
		metrics.JobsDeduplicatedTotal.Inc()
		return h
	}

	h := &Handle{done: make(chan struct{})}
	m.running[key] = h
	metrics.JobQueueDepth.Inc()
	m.mu.Unlock()

	go m.run(key, h, fn)
	return h
}

func (m *Manager[K]) run(key K, h *Handle, fn Func) {
	if m.sem != nil {
		m.sem <- struct{}{}
		defer func() { <-m.sem }()
	}

	defer func() {
		m.mu.Lock()
		delete(m.running, key)
		m.mu.Unlock()
		metrics.JobQueueDepth.Dec()
		close(h.done)
	}()

	h.result, h.err = fn(context.Background())
}

// InFlight reports the number of jobs currently running or queued.
func (m *Manager[K]) InFlight() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.running)
}
