package jobhawk

import (
	"context"
	"sync"
)

// ClientNext continues the producer chain. The innermost step hands the envelope to the backend.
type ClientNext func(ctx context.Context) error

// ServerNext continues the consumer chain. The innermost step runs the job.
type ServerNext func(ctx context.Context) error

// ClientMiddleware is invoked when a job is being enqueued. Implementations must call next exactly once unless they
// mean to drop the job, and must make any changes to the envelope before calling next, since next serializes it.
type ClientMiddleware interface {
	Call(ctx context.Context, jobClass string, envelope Envelope, next ClientNext) error
}

// ServerMiddleware is invoked when a worker begins executing a dequeued job. The error returned by next must be
// returned unmodified so that retry handling isn't affected.
type ServerMiddleware interface {
	Call(ctx context.Context, worker Worker, envelope Envelope, queue string, next ServerNext) error
}

// ClientMiddlewareFunc adapts a function to ClientMiddleware
type ClientMiddlewareFunc func(ctx context.Context, jobClass string, envelope Envelope, next ClientNext) error

func (f ClientMiddlewareFunc) Call(ctx context.Context, jobClass string, envelope Envelope, next ClientNext) error {
	return f(ctx, jobClass, envelope, next)
}

// ServerMiddlewareFunc adapts a function to ServerMiddleware
type ServerMiddlewareFunc func(ctx context.Context, worker Worker, envelope Envelope, queue string, next ServerNext) error

func (f ServerMiddlewareFunc) Call(ctx context.Context, worker Worker, envelope Envelope, queue string, next ServerNext) error {
	return f(ctx, worker, envelope, queue, next)
}

type namedEntry[M any] struct {
	name string
	m    M
}

// chain is an ordered, name-keyed list of middleware. A name may only appear once.
type chain[M any] struct {
	lock    sync.RWMutex
	entries []namedEntry[M]
}

// Add appends middleware to the end of the chain. Returns false, leaving the chain unchanged, if a middleware
// with the same name is already registered.
func (c *chain[M]) Add(name string, m M) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.indexOf(name) >= 0 {
		return false
	}
	c.entries = append(c.entries, namedEntry[M]{name: name, m: m})
	return true
}

// Prepend inserts middleware at the beginning of the chain. Returns false if the name is already registered.
func (c *chain[M]) Prepend(name string, m M) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.indexOf(name) >= 0 {
		return false
	}
	c.entries = append([]namedEntry[M]{{name: name, m: m}}, c.entries...)
	return true
}

// Remove removes middleware by name
func (c *chain[M]) Remove(name string) bool {
	c.lock.Lock()
	defer c.lock.Unlock()
	i := c.indexOf(name)
	if i < 0 {
		return false
	}
	c.entries = append(c.entries[:i], c.entries[i+1:]...)
	return true
}

// Exists checks whether middleware with given name is registered
func (c *chain[M]) Exists(name string) bool {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return c.indexOf(name) >= 0
}

// Len returns the number of registered middleware
func (c *chain[M]) Len() int {
	c.lock.RLock()
	defer c.lock.RUnlock()
	return len(c.entries)
}

func (c *chain[M]) indexOf(name string) int {
	for i, e := range c.entries {
		if e.name == name {
			return i
		}
	}
	return -1
}

func (c *chain[M]) snapshot() []M {
	c.lock.RLock()
	defer c.lock.RUnlock()
	ms := make([]M, len(c.entries))
	for i, e := range c.entries {
		ms[i] = e.m
	}
	return ms
}

// ClientChain is the producer middleware chain
type ClientChain struct {
	chain[ClientMiddleware]
}

func (c *ClientChain) invoke(ctx context.Context, jobClass string, envelope Envelope, last ClientNext) error {
	ms := c.snapshot()
	// build from inside out: the last middleware wraps the final step first
	next := last
	for i := len(ms) - 1; i >= 0; i-- {
		m, inner := ms[i], next
		next = func(ctx context.Context) error {
			return m.Call(ctx, jobClass, envelope, inner)
		}
	}
	return next(ctx)
}

// ServerChain is the consumer middleware chain
type ServerChain struct {
	chain[ServerMiddleware]
}

func (c *ServerChain) invoke(ctx context.Context, worker Worker, envelope Envelope, queue string, last ServerNext) error {
	ms := c.snapshot()
	next := last
	for i := len(ms) - 1; i >= 0; i-- {
		m, inner := ms[i], next
		next = func(ctx context.Context) error {
			return m.Call(ctx, worker, envelope, queue, inner)
		}
	}
	return next(ctx)
}
