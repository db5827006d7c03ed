package gateway

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Task is a unit of fan-out work executed by the pool.
type Task func()

// workerPool bounds the goroutines spent on relay and broadcast fan-out.
// When the queue is full the task runs inline in the caller, which applies
// backpressure to the relay consumer instead of dropping deliveries.
type workerPool struct {
	workerCount int
	tasks       chan Task
	wg          sync.WaitGroup
	inline      int64
	logger      zerolog.Logger
}

func newWorkerPool(workerCount, queueSize int, logger zerolog.Logger) *workerPool {
	return &workerPool{
		workerCount: workerCount,
		tasks:       make(chan Task, queueSize),
		logger:      logger.With().Str("component", "worker_pool").Logger(),
	}
}

func (p *workerPool) start(ctx context.Context) {
	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
}

func (p *workerPool) worker(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-p.tasks:
			p.run(task)
		}
	}
}

func (p *workerPool) submit(task Task) {
	select {
	case p.tasks <- task:
	default:
		atomic.AddInt64(&p.inline, 1)
		p.run(task)
	}
}

func (p *workerPool) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("Task panicked")
		}
	}()
	task()
}

func (p *workerPool) wait() {
	p.wg.Wait()
}
