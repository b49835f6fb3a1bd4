// Copyright (c) 2025 Michael D Henderson. All rights reserved.

package stages

import (
	"context"
	"errors"
	"sync"

	"github.com/hashicorp/go-hclog"
	"github.com/mdhender/photoxfer/model"
	sqlite "github.com/mdhender/photoxfer/stores/sqlite"
)

var (
	// ErrPoolFull is returned by Submit when the queue has no room.
	ErrPoolFull = errors.New("batch queue is full")
	// ErrPoolStopped is returned by Submit before Start or after Stop.
	ErrPoolStopped = errors.New("batch pool is not running")
	// ErrDuplicateBatch is returned when the batch is already queued or running.
	ErrDuplicateBatch = errors.New("batch already queued")
)

// Processor runs a single batch to completion.
type Processor interface {
	Process(ctx context.Context, batchID string) (model.BatchStatus, error)
}

// Pool runs queued batches on a fixed number of workers, one batch per
// worker. Each worker reads the store through its own reader slot.
type Pool struct {
	proc    Processor
	workers int
	queue   chan string
	logger  hclog.Logger
	onDone  func(batchID string, status model.BatchStatus, err error)

	mu      sync.Mutex
	running bool
	active  map[string]bool // queued or in progress
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool returns a stopped pool. workers and depth are clamped to at least 1.
func NewPool(proc Processor, workers, depth int, logger hclog.Logger) *Pool {
	if workers < 1 {
		workers = 1
	}
	if depth < 1 {
		depth = 1
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Pool{
		proc:    proc,
		workers: workers,
		queue:   make(chan string, depth),
		logger:  logger.Named("pool"),
		active:  make(map[string]bool),
	}
}

// OnDone registers a callback run after each batch. Call before Start.
func (p *Pool) OnDone(fn func(batchID string, status model.BatchStatus, err error)) {
	p.onDone = fn
}

// Start launches the workers. They stop when ctx is done or Stop is called.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.running = true
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(sqlite.WithWorker(ctx, i+1), i+1)
	}
	p.logger.Info("started", "workers", p.workers, "depth", cap(p.queue))
}

// Submit queues batchID without blocking.
func (p *Pool) Submit(batchID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return ErrPoolStopped
	}
	if p.active[batchID] {
		return ErrDuplicateBatch
	}
	select {
	case p.queue <- batchID:
		p.active[batchID] = true
		return nil
	default:
		return ErrPoolFull
	}
}

// Busy reports whether any batch is queued or in progress.
func (p *Pool) Busy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active) > 0
}

// IsActive reports whether batchID is queued or in progress.
func (p *Pool) IsActive(batchID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active[batchID]
}

// Stop cancels the workers' context and waits for them to exit. Queued
// batches that never started stay queued in the store.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.cancel()
	p.mu.Unlock()
	p.wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for {
		select {
		case batchID := <-p.queue:
			delete(p.active, batchID)
		default:
			p.logger.Info("stopped")
			return
		}
	}
}

func (p *Pool) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	logger := p.logger.With("worker", id)
	for {
		select {
		case <-ctx.Done():
			return
		case batchID := <-p.queue:
			logger.Debug("batch started", "batch", batchID)
			status, err := p.proc.Process(ctx, batchID)
			if err != nil {
				logger.Warn("batch finished with error", "batch", batchID, "status", status, "error", err)
			} else {
				logger.Info("batch finished", "batch", batchID, "status", status)
			}
			p.mu.Lock()
			delete(p.active, batchID)
			p.mu.Unlock()
			if p.onDone != nil {
				p.onDone(batchID, status, err)
			}
		}
	}
}
