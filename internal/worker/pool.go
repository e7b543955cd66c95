// ABOUTME: Worker pool running N concurrent turn workers over one queue
// ABOUTME: Model calls are high-latency I/O, so turns process in parallel

package worker

import (
	"context"
	"log/slog"
	"sync"
)

// Pool runs count concurrent consumers of the worker's queue.
type Pool struct {
	worker *Worker
	count  int
	logger *slog.Logger
}

// NewPool creates a pool of count consumers sharing one worker.
func NewPool(w *Worker, count int, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if count < 1 {
		count = 1
	}
	return &Pool{
		worker: w,
		count:  count,
		logger: logger.With("component", "worker-pool"),
	}
}

// Run starts the consumers and blocks until all exit (ctx cancelled or queue
// closed).
func (p *Pool) Run(ctx context.Context) {
	p.logger.Info("starting turn workers", "count", p.count)

	var wg sync.WaitGroup
	for i := 0; i < p.count; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker.Run(ctx)
		}()
	}
	wg.Wait()

	p.logger.Info("turn workers stopped")
}
