package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rendis/deflow/pkg/schema"
)

// PoolMetrics tracks executor pool activity.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
	Abandoned int64 `json:"abandoned"`
}

// ErrPoolShutdown is returned when work is offered to a shut-down pool.
var ErrPoolShutdown = errors.New("executor pool is shut down")

// Pool bounds how many node executors run at once. A slot is held only while
// an executor runs, never across fan-out, so deep graphs cannot starve it.
type Pool struct {
	sem     chan struct{}
	wg      sync.WaitGroup
	metrics PoolMetrics
	mu      sync.Mutex
	done    chan struct{}
	closed  bool
}

// NewPool creates a pool with the given max concurrency.
func NewPool(size int) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		sem:  make(chan struct{}, size),
		done: make(chan struct{}),
	}
}

// Run executes fn in a pool slot and waits for it. It blocks while the pool
// is full. If ctx ends first Run returns ctx.Err() and the slot stays taken
// until fn returns. A panic in fn is returned as an EXECUTOR_PANIC error.
func (p *Pool) Run(ctx context.Context, fn func(ctx context.Context) error) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return ErrPoolShutdown
	}
	p.mu.Unlock()

	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	// wg.Add must happen under the lock so Shutdown's Wait cannot miss it.
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		<-p.sem
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	atomic.AddInt64(&p.metrics.Active, 1)
	p.mu.Unlock()

	result := make(chan error, 1)
	go func() {
		var err error
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&p.metrics.Panics, 1)
				err = schema.NewErrorf(schema.ErrCodePanic, "executor panicked: %v", r).
					WithDetails(map[string]any{"stack": string(debug.Stack())})
			}
			if err != nil {
				atomic.AddInt64(&p.metrics.Failed, 1)
			} else {
				atomic.AddInt64(&p.metrics.Completed, 1)
			}
			atomic.AddInt64(&p.metrics.Active, -1)
			<-p.sem
			p.wg.Done()
			result <- err
		}()
		err = fn(ctx)
	}()

	select {
	case err := <-result:
		return err
	case <-ctx.Done():
		atomic.AddInt64(&p.metrics.Abandoned, 1)
		return ctx.Err()
	}
}

// Shutdown stops accepting work and waits for running executors to return.
func (p *Pool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *Pool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    atomic.LoadInt64(&p.metrics.Active),
		Completed: atomic.LoadInt64(&p.metrics.Completed),
		Failed:    atomic.LoadInt64(&p.metrics.Failed),
		Panics:    atomic.LoadInt64(&p.metrics.Panics),
		Abandoned: atomic.LoadInt64(&p.metrics.Abandoned),
	}
}

func (m PoolMetrics) String() string {
	return fmt.Sprintf("active=%d completed=%d failed=%d panics=%d abandoned=%d",
		m.Active, m.Completed, m.Failed, m.Panics, m.Abandoned)
}
