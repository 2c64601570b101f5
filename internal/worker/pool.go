package worker

import (
	"context"
	"fmt"
	"sync"

	"github.com/nadmax/relayq/internal/metrics"
	"github.com/rs/zerolog"
)

// Pool runs a fixed number of workers against one queue. The queue enforces the global
// in-flight limit, so several pools in separate processes share it.
type Pool struct {
	workers []*Worker
	logger  zerolog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewPool(prefix string, size int, deps Deps, cfg Config, logger zerolog.Logger) *Pool {
	if size < 1 {
		size = 1
	}

	workers := make([]*Worker, size)
	for i := range workers {
		workers[i] = NewWorker(fmt.Sprintf("%s-%d", prefix, i+1), deps, cfg, logger)
	}

	return &Pool{
		workers: workers,
		logger:  logger.With().Str("component", "pool").Logger(),
	}
}

func (p *Pool) Size() int {
	return len(p.workers)
}

// Start launches every worker. It is a no-op when the pool is already running.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cancel != nil {
		return
	}

	ctx, p.cancel = context.WithCancel(ctx)
	for _, w := range p.workers {
		p.wg.Add(1)
		go func(w *Worker) {
			defer p.wg.Done()
			w.Run(ctx)
		}(w)
	}

	metrics.UpdateActiveWorkers(len(p.workers))
	p.logger.Info().Int("workers", len(p.workers)).Msg("worker pool started")
}

// Stop signals every worker and waits for in-flight attempts to finish.
func (p *Pool) Stop() {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()

	if cancel == nil {
		return
	}

	cancel()
	p.wg.Wait()

	metrics.UpdateActiveWorkers(0)
	p.logger.Info().Msg("worker pool stopped")
}
