package tempest

import (
	"context"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"
)

// BufferLimit is the process-wide cap on concurrently checked-out send
// buffers: 10 times the number of CPUs (spec.md §4.5).
var BufferLimit = 10 * runtime.NumCPU()

// SendBufferPool is the process-wide pool of reusable send buffers
// described in spec.md §3's ownership model ("the buffer pool used
// for outbound send buffers is process-wide and shared by reference").
// Checkout blocks once BufferLimit buffers are outstanding, the Go
// analogue of the source's spin-wait-until-returned discipline, built
// on a weighted semaphore the way the pack's worker-pool code gates
// concurrent work.
type SendBufferPool struct {
	sem  *semaphore.Weighted
	pool sync.Pool
}

// NewSendBufferPool creates a pool capped at BufferLimit outstanding
// buffers, each starting at the given size.
func NewSendBufferPool(initialSize int) *SendBufferPool {
	return &SendBufferPool{
		sem: semaphore.NewWeighted(int64(BufferLimit)),
		pool: sync.Pool{
			New: func() interface{} {
				return NewWriterSize(initialSize)
			},
		},
	}
}

// Acquire blocks until a buffer is available or ctx is done. The
// returned Writer is reset to empty.
func (p *SendBufferPool) Acquire(ctx context.Context) (*Writer, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	w := p.pool.Get().(*Writer)
	w.Reset()
	return w, nil
}

// TryAcquire attempts a non-blocking checkout, returning
// ErrPoolExhausted immediately if BufferLimit is already reached.
func (p *SendBufferPool) TryAcquire() (*Writer, error) {
	if !p.sem.TryAcquire(1) {
		return nil, ErrPoolExhausted
	}
	w := p.pool.Get().(*Writer)
	w.Reset()
	return w, nil
}

// Release returns a buffer to the pool, making its slot available to
// the next Acquire/TryAcquire call.
func (p *SendBufferPool) Release(w *Writer) {
	p.pool.Put(w)
	p.sem.Release(1)
}

// asyncGuard tracks in-flight asynchronous operations (sends, the
// receive loop, an in-progress disconnect) on a single connection, the
// Go equivalent of spec.md §4.5's pendingAsync counter that gates
// teardown while a callback may still be running. Unlike a raw
// sync.WaitGroup, callers can wait for the count to drop to an
// arbitrary threshold (disconnect waits for "<= 1" or "<= 2" depending
// on phase, not strictly zero) so it is built on a mutex/condition
// variable instead.
type asyncGuard struct {
	mu    sync.Mutex
	cond  *sync.Cond
	count int
}

func newAsyncGuard() *asyncGuard {
	g := &asyncGuard{}
	g.cond = sync.NewCond(&g.mu)
	return g
}

// Add increments the in-flight count by delta (delta may be negative)
// and wakes any waiters.
func (g *asyncGuard) Add(delta int) {
	g.mu.Lock()
	g.count += delta
	g.mu.Unlock()
	g.cond.Broadcast()
}

// WaitUntilAtMost blocks until the in-flight count is <= max.
func (g *asyncGuard) WaitUntilAtMost(max int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for g.count > max {
		g.cond.Wait()
	}
}

// Count returns the current in-flight count.
func (g *asyncGuard) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.count
}
