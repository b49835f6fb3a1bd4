// Copyright (c) 2025 Michael D Henderson. All rights reserved.

// Package writer funnels every mutation of the shared store through a single
// goroutine so that concurrent callers never contend inside SQLite.
package writer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// ErrClosed is returned by Submit after Close has been called.
var ErrClosed = errors.New("writer closed")

// Op is a unit of work executed by the writer goroutine. The context is the
// writer's own context, not the caller's.
type Op func(ctx context.Context) (any, error)

// Future is the result of a submitted Op.
type Future struct {
	done  chan struct{}
	value any
	err   error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(value any, err error) {
	f.value, f.err = value, err
	close(f.done)
}

// Done is closed once the Op has run.
func (f *Future) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the Op has run or ctx is done. When ctx ends first the
// Op still runs; only the wait is abandoned.
func (f *Future) Wait(ctx context.Context) (any, error) {
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

type request struct {
	name   string
	op     Op
	future *Future
}

// Serializer is a single consumer draining a queue of (op, future) pairs.
type Serializer struct {
	logger hclog.Logger
	queue  chan request

	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// New starts a Serializer with a queue of the given depth.
func New(depth int, logger hclog.Logger) *Serializer {
	if depth < 1 {
		depth = 1
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Serializer{
		logger: logger.Named("writer"),
		queue:  make(chan request, depth),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go s.run()
	return s
}

// Submit enqueues op and returns its Future. It blocks while the queue is
// full or until ctx is done.
func (s *Serializer) Submit(ctx context.Context, name string, op Op) (*Future, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	req := request{name: name, op: op, future: newFuture()}
	select {
	case s.queue <- req:
		return req.future, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Exec submits op and waits for it to run.
func (s *Serializer) Exec(ctx context.Context, name string, op func(ctx context.Context) error) error {
	f, err := s.Submit(ctx, name, func(ctx context.Context) (any, error) {
		return nil, op(ctx)
	})
	if err != nil {
		return err
	}
	_, err = f.Wait(ctx)
	return err
}

// Do submits op and waits for its typed result.
func Do[T any](ctx context.Context, s *Serializer, name string, op func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	f, err := s.Submit(ctx, name, func(ctx context.Context) (any, error) {
		return op(ctx)
	})
	if err != nil {
		return zero, err
	}
	value, err := f.Wait(ctx)
	if err != nil {
		return zero, err
	}
	if value == nil {
		return zero, nil
	}
	return value.(T), nil
}

// Close stops accepting new ops, runs every op already queued, then stops the
// writer goroutine. It is safe to call more than once.
func (s *Serializer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	s.cancel()
	return nil
}

func (s *Serializer) run() {
	defer close(s.done)
	for req := range s.queue {
		value, err := s.execute(req)
		req.future.resolve(value, err)
	}
}

// execute runs one op, converting a panic into an error so the writer keeps
// serving other callers.
func (s *Serializer) execute(req request) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("operation panicked", "op", req.name, "panic", r, "stack", string(debug.Stack()))
			value, err = nil, fmt.Errorf("writer: %s: panic: %v", req.name, r)
		}
	}()
	value, err = req.op(s.ctx)
	if err != nil {
		s.logger.Debug("operation failed", "op", req.name, "error", err)
	}
	return value, err
}
