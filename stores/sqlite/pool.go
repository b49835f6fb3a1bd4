// Copyright (c) 2025 Michael D Henderson. All rights reserved.

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrPoolClosed is returned by Acquire after Close.
var ErrPoolClosed = errors.New("connection pool closed")

type workerKey struct{}

// WithWorker binds a worker id to ctx. Reads made with the returned context
// lease that worker's slot in the reader pool.
func WithWorker(ctx context.Context, worker int) context.Context {
	return context.WithValue(ctx, workerKey{}, worker)
}

func workerFrom(ctx context.Context) int {
	if id, ok := ctx.Value(workerKey{}).(int); ok {
		return id
	}
	return 0
}

// ConnPool is a bounded arena of reader connections indexed by worker id.
// A slot is leased exclusively between Acquire and Release. Connections stay
// open between leases until Recycle closes them, which lets SQLite
// checkpoint and truncate the WAL.
type ConnPool struct {
	db     *sql.DB
	mu     sync.Mutex
	closed bool
	slots  []*poolSlot
}

type poolSlot struct {
	mu       sync.Mutex // held for the duration of a lease
	conn     *sql.Conn
	lastUsed time.Time
}

// NewConnPool creates a pool with size slots. size is clamped to at least 1.
func NewConnPool(db *sql.DB, size int) *ConnPool {
	if size < 1 {
		size = 1
	}
	p := &ConnPool{db: db, slots: make([]*poolSlot, size)}
	for i := range p.slots {
		p.slots[i] = &poolSlot{}
	}
	return p
}

// Size returns the number of slots.
func (p *ConnPool) Size() int {
	return len(p.slots)
}

func (p *ConnPool) slot(worker int) *poolSlot {
	if worker < 0 {
		worker = -worker
	}
	return p.slots[worker%len(p.slots)]
}

// Acquire leases the connection for worker, opening it if needed.
// It blocks while another caller holds the same slot.
func (p *ConnPool) Acquire(ctx context.Context, worker int) (*sql.Conn, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrPoolClosed
	}

	s := p.slot(worker)
	s.mu.Lock()
	if s.conn == nil {
		conn, err := p.db.Conn(ctx)
		if err != nil {
			s.mu.Unlock()
			return nil, fmt.Errorf("open reader %d: %w", worker, err)
		}
		s.conn = conn
	}
	return s.conn, nil
}

// Release ends the lease taken by Acquire.
func (p *ConnPool) Release(worker int) {
	s := p.slot(worker)
	s.lastUsed = time.Now()
	s.mu.Unlock()
}

// Recycle closes every connection that is not leased and has been idle for
// at least idle, then asks SQLite for a passive WAL checkpoint.
// It returns the number of connections closed.
func (p *ConnPool) Recycle(ctx context.Context, idle time.Duration) (int, error) {
	closed := 0
	for _, s := range p.slots {
		if !s.mu.TryLock() {
			continue
		}
		if s.conn != nil && time.Since(s.lastUsed) >= idle {
			_ = s.conn.Close()
			s.conn = nil
			closed++
		}
		s.mu.Unlock()
	}
	if _, err := p.db.ExecContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)"); err != nil {
		return closed, fmt.Errorf("checkpoint WAL: %w", err)
	}
	return closed, nil
}

// Open returns the number of slots holding an open connection.
func (p *ConnPool) Open() int {
	n := 0
	for _, s := range p.slots {
		if !s.mu.TryLock() {
			n++
			continue
		}
		if s.conn != nil {
			n++
		}
		s.mu.Unlock()
	}
	return n
}

// Close waits for outstanding leases and closes every connection.
func (p *ConnPool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	var firstErr error
	for _, s := range p.slots {
		s.mu.Lock()
		if s.conn != nil {
			if err := s.conn.Close(); err != nil && firstErr == nil {
				firstErr = err
			}
			s.conn = nil
		}
		s.mu.Unlock()
	}
	return firstErr
}
