// Copyright 2026 The Cask Authors
// SPDX-License-Identifier: Apache-2.0

package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// ErrClosed is returned by Get after Close.
var ErrClosed = errors.New("pool: closed")

// Config holds the parameters for a Pool. Factory is required; all
// other fields have usable defaults.
type Config[T any] struct {
	// Capacity is the maximum number of items alive at once (idle
	// plus checked out). Values below 1 are treated as 1.
	Capacity int

	// Factory creates a new item when Get finds no idle one and the
	// pool is under capacity. It is called without the pool lock
	// held, so slow construction (a handshake) does not block other
	// borrowers.
	Factory func(ctx context.Context) (T, error)

	// Validate reports whether an item is still usable. It runs when
	// an item is returned and again when an idle item is about to be
	// handed out. If nil, every item validates.
	Validate func(item T) bool

	// Dispose releases a dead item. If nil, items are dropped on the
	// floor.
	Dispose func(item T)

	// Logger receives operational messages. If nil, a no-op logger
	// is used.
	Logger *slog.Logger
}

// Pool is a bounded set of reusable items. Get hands out an idle item
// or creates one; Put returns it. Items failing validation on either
// path are disposed instead of re-pooled.
//
// Pool is safe for concurrent use.
type Pool[T any] struct {
	factory  func(ctx context.Context) (T, error)
	validate func(T) bool
	dispose  func(T)
	logger   *slog.Logger

	mu       sync.Mutex
	capacity int
	idle     []T
	inFlight int
	closed   bool

	// wake is closed and replaced whenever pool state changes in a
	// way that could unblock a waiting Get.
	wake chan struct{}
}

// New creates a Pool from cfg.
func New[T any](cfg Config[T]) (*Pool[T], error) {
	if cfg.Factory == nil {
		return nil, fmt.Errorf("pool: Factory is required")
	}
	capacity := cfg.Capacity
	if capacity < 1 {
		capacity = 1
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pool[T]{
		factory:  cfg.Factory,
		validate: cfg.Validate,
		dispose:  cfg.Dispose,
		logger:   logger,
		capacity: capacity,
		wake:     make(chan struct{}),
	}, nil
}

// Get returns an idle item, or creates one if the pool is under
// capacity, or blocks until another borrower returns one. Blocks
// honour ctx. The caller MUST hand the item back with Put.
func (p *Pool[T]) Get(ctx context.Context) (T, error) {
	var zero T
	p.mu.Lock()
	for {
		if p.closed {
			p.mu.Unlock()
			return zero, ErrClosed
		}

		// Prefer the most recently parked item; older ones age out
		// at the tail of their idle period anyway.
		for len(p.idle) > 0 {
			item := p.idle[len(p.idle)-1]
			p.idle = p.idle[:len(p.idle)-1]
			if p.validate == nil || p.validate(item) {
				p.inFlight++
				p.mu.Unlock()
				return item, nil
			}
			p.disposeItem(item)
		}

		if p.inFlight < p.capacity {
			// Reserve the slot before constructing so concurrent
			// Gets cannot overshoot capacity while the factory runs.
			p.inFlight++
			p.mu.Unlock()
			item, err := p.factory(ctx)
			if err != nil {
				p.mu.Lock()
				p.inFlight--
				p.broadcastLocked()
				p.mu.Unlock()
				return zero, err
			}
			return item, nil
		}

		wake := p.wake
		p.mu.Unlock()
		select {
		case <-wake:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
		p.mu.Lock()
	}
}

// Put returns an item obtained from Get. Items that fail validation
// (or arrive after Close) are disposed rather than re-pooled.
func (p *Pool[T]) Put(item T) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.inFlight--
	if p.closed || (p.validate != nil && !p.validate(item)) {
		p.disposeItem(item)
	} else {
		p.idle = append(p.idle, item)
	}
	p.broadcastLocked()
}

// IncCapacity transiently raises the capacity by one. A borrower
// about to stream data whose source may reenter the pool calls this
// before the stream and DecCapacity after, so the nested Get has a
// slot of its own.
func (p *Pool[T]) IncCapacity() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.capacity++
	p.broadcastLocked()
}

// DecCapacity undoes a previous IncCapacity.
func (p *Pool[T]) DecCapacity() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.capacity--
}

// Close disposes all idle items and makes subsequent Gets fail with
// ErrClosed. Items currently checked out are disposed when Put.
func (p *Pool[T]) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for _, item := range p.idle {
		p.disposeItem(item)
	}
	p.idle = nil
	p.broadcastLocked()
}

// InFlight returns the number of items currently checked out.
func (p *Pool[T]) InFlight() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.inFlight
}

// IdleCount returns the number of items parked in the pool.
func (p *Pool[T]) IdleCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.idle)
}

// Capacity returns the current capacity, including transient raises.
func (p *Pool[T]) Capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.capacity
}

func (p *Pool[T]) disposeItem(item T) {
	if p.dispose != nil {
		p.dispose(item)
	}
}

func (p *Pool[T]) broadcastLocked() {
	close(p.wake)
	p.wake = make(chan struct{})
}
