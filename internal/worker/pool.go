// Package worker runs owner-scoped tasks on a fixed pool of goroutines. At
// most one task per owner executes at any time.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"github.com/google/uuid"
)

var (
	// ErrQueueFull is returned by Submit when the pending queue is at capacity.
	ErrQueueFull = errors.New("worker queue full")
	// ErrClosed is returned by Submit after Shutdown.
	ErrClosed = errors.New("worker pool closed")
)

// TaskFunc is the body of a task.
type TaskFunc func(ctx context.Context)

type task struct {
	id      string
	ownerID int64
	name    string
	run     TaskFunc
}

// Stats is a point-in-time view of the pool.
type Stats struct {
	Workers int
	Queued  int
	Active  int
}

// Pool is a fixed set of workers over a bounded FIFO queue. A worker takes
// the oldest pending task whose owner has nothing running.
type Pool struct {
	workers  int
	capacity int
	log      *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending []*task
	queued  map[int64]int
	active  map[int64]struct{}
	started bool
	closed  bool

	wg sync.WaitGroup
}

// New creates a pool with the given worker count and queue capacity.
func New(workers, capacity int, log *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = workers
	}
	p := &Pool{
		workers:  workers,
		capacity: capacity,
		log:      log,
		queued:   make(map[int64]int),
		active:   make(map[int64]struct{}),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Start launches the workers. Tasks receive ctx; cancelling it asks running
// tasks to wind down but does not stop the workers.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started || p.closed {
		return
	}
	p.started = true
	for i := range p.workers {
		p.wg.Add(1)
		go p.loop(ctx, i)
	}
}

// Submit queues a task for ownerID and returns its id.
func (p *Pool) Submit(ownerID int64, name string, fn TaskFunc) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return "", ErrClosed
	}
	if len(p.pending) >= p.capacity {
		return "", fmt.Errorf("submit %s for owner %d: %w", name, ownerID, ErrQueueFull)
	}

	t := &task{id: uuid.NewString(), ownerID: ownerID, name: name, run: fn}
	p.pending = append(p.pending, t)
	p.queued[ownerID]++
	p.cond.Broadcast()
	return t.id, nil
}

// Busy reports whether ownerID has a task queued or running.
func (p *Pool) Busy(ownerID int64) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, running := p.active[ownerID]
	return running || p.queued[ownerID] > 0
}

// Stats returns current pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{Workers: p.workers, Queued: len(p.pending), Active: len(p.active)}
}

// Shutdown stops accepting tasks, drops whatever is still pending and waits
// for running tasks to finish or ctx to expire.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	dropped := p.pending
	p.pending = nil
	p.queued = make(map[int64]int)
	p.cond.Broadcast()
	p.mu.Unlock()

	for _, t := range dropped {
		p.log.Warn("dropping pending task on shutdown", "task_id", t.id, "owner_id", t.ownerID, "task", t.name)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for workers: %w", ctx.Err())
	}
}

func (p *Pool) loop(ctx context.Context, worker int) {
	defer p.wg.Done()
	for {
		t, ok := p.next()
		if !ok {
			return
		}
		p.run(ctx, worker, t)

		p.mu.Lock()
		delete(p.active, t.ownerID)
		p.cond.Broadcast()
		p.mu.Unlock()
	}
}

// next blocks until a runnable task exists or the pool is closed.
func (p *Pool) next() (*task, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		if p.closed {
			return nil, false
		}
		for i, t := range p.pending {
			if _, busy := p.active[t.ownerID]; busy {
				continue
			}
			p.pending = append(p.pending[:i], p.pending[i+1:]...)
			p.queued[t.ownerID]--
			if p.queued[t.ownerID] <= 0 {
				delete(p.queued, t.ownerID)
			}
			p.active[t.ownerID] = struct{}{}
			return t, true
		}
		p.cond.Wait()
	}
}

func (p *Pool) run(ctx context.Context, worker int, t *task) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("task panicked",
				"task_id", t.id,
				"owner_id", t.ownerID,
				"task", t.name,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()
	p.log.Debug("task started", "task_id", t.id, "owner_id", t.ownerID, "task", t.name, "worker", worker)
	t.run(ctx)
	p.log.Debug("task finished", "task_id", t.id, "owner_id", t.ownerID, "task", t.name)
}
