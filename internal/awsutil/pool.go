// Package awsutil holds the AWS-facing plumbing: pooled clients per
// environment profile and the batch writer for the external metadata
// table.
package awsutil

import (
	"context"
	"sync"
)

// Pool is a bounded LIFO pool of clients. Acquire hands out the most
// recently released client, builds a new one while under the size cap,
// and otherwise blocks until a slot frees. A caller that hit an error
// discards its client instead of releasing it; the slot then builds a
// fresh client on next acquire.
type Pool[T any] struct {
	factory func(context.Context) (T, error)
	slots   chan struct{}
	mu      sync.Mutex
	free    []T
}

// NewPool builds a pool of at most size clients.
func NewPool[T any](size int, factory func(context.Context) (T, error)) *Pool[T] {
	if size < 1 {
		size = 1
	}
	slots := make(chan struct{}, size)
	for i := 0; i < size; i++ {
		slots <- struct{}{}
	}
	return &Pool[T]{factory: factory, slots: slots}
}

// Acquire takes a slot, returning the newest free client or a fresh one.
func (p *Pool[T]) Acquire(ctx context.Context) (T, error) {
	var zero T
	select {
	case <-ctx.Done():
		return zero, ctx.Err()
	case <-p.slots:
	}

	p.mu.Lock()
	if n := len(p.free); n > 0 {
		client := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return client, nil
	}
	p.mu.Unlock()

	client, err := p.factory(ctx)
	if err != nil {
		p.slots <- struct{}{}
		return zero, err
	}
	return client, nil
}

// Release returns a healthy client to the top of the stack.
func (p *Pool[T]) Release(client T) {
	p.mu.Lock()
	p.free = append(p.free, client)
	p.mu.Unlock()
	p.slots <- struct{}{}
}

// Discard frees the slot without returning the client; used after an
// error that may have broken the client's connection state.
func (p *Pool[T]) Discard() {
	p.slots <- struct{}{}
}

// With acquires a client, runs fn, and releases on success or discards
// on error.
func (p *Pool[T]) With(ctx context.Context, fn func(T) error) error {
	client, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	if err := fn(client); err != nil {
		p.Discard()
		return err
	}
	p.Release(client)
	return nil
}
