package app

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/sourcegraph/conc"

	"github.com/dkeye/Meet/internal/core"
)

// WorkerPool hands out media workers round-robin and tracks which died.
type WorkerPool struct {
	mu      sync.Mutex
	workers []core.Worker
	dead    map[core.WorkerID]struct{}
	next    int
}

func NewWorkerPool(workers []core.Worker) *WorkerPool {
	return &WorkerPool{
		workers: workers,
		dead:    make(map[core.WorkerID]struct{}),
	}
}

// Assign returns the next live worker. It never blocks.
func (p *WorkerPool) Assign() (core.Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := len(p.workers)
	for i := 0; i < n; i++ {
		w := p.workers[(p.next+i)%n]
		if _, dead := p.dead[w.ID()]; dead {
			continue
		}
		p.next = (p.next + i + 1) % n
		return w, nil
	}
	return nil, core.ErrNoWorkers
}

// MarkDead reports whether the worker was alive until now.
func (p *WorkerPool) MarkDead(id core.WorkerID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dead := p.dead[id]; dead {
		return false
	}
	p.dead[id] = struct{}{}
	return true
}

func (p *WorkerPool) Alive() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers) - len(p.dead)
}

// Watch blocks until ctx is done, calling onDeath once for every worker
// that dies in the meantime.
func (p *WorkerPool) Watch(ctx context.Context, onDeath func(core.WorkerID)) {
	p.mu.Lock()
	workers := append([]core.Worker(nil), p.workers...)
	p.mu.Unlock()

	var wg conc.WaitGroup
	for _, w := range workers {
		wg.Go(func() {
			select {
			case <-ctx.Done():
			case <-w.Died():
				if p.MarkDead(w.ID()) {
					log.Error().Str("module", "app.pool").Str("worker", string(w.ID())).Msg("media worker died")
					onDeath(w.ID())
				}
			}
		})
	}
	wg.Wait()
}

func (p *WorkerPool) Close() error {
	p.mu.Lock()
	workers := append([]core.Worker(nil), p.workers...)
	p.mu.Unlock()
	var errs []error
	for _, w := range workers {
		if err := w.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
