/*
 * Copyright 2022, Cloudchacho
 * All rights reserved.
 */

package jobhawk

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Hub is the central struct used to enqueue jobs / run consumer
type Hub struct {
	lock      sync.RWMutex
	jobs      map[string]*jobDef
	config    Config
	publisher publisher
	client    ClientChain
	server    ServerChain
}

// Config used to configure jobhawk Hub
type Config struct {
	// Sync changes enqueue to synchronous mode: the job is run inline, through the server middleware, after a
	// serialization round trip. This is helpful for integration testing
	Sync bool

	// GetLogger returns the logger object for given context
	GetLogger GetLoggerFunc
}

// NewHub creates a hub
func NewHub(config Config, backend PublisherBackend) *Hub {
	if config.GetLogger == nil {
		stdLogger := &StdLogger{}
		config.GetLogger = func(_ context.Context) Logger { return stdLogger }
	}
	return &Hub{
		publisher: publisher{backend: backend, serializer: jsonifier{}},
		config:    config,
		jobs:      map[string]*jobDef{},
	}
}

// ClientMiddleware returns the producer middleware chain
func (h *Hub) ClientMiddleware() *ClientChain {
	return &h.client
}

// ServerMiddleware returns the consumer middleware chain
func (h *Hub) ServerMiddleware() *ServerChain {
	return &h.server
}

func (h *Hub) enqueue(ctx context.Context, jobClass string, input any, queue string) (string, error) {
	e, err := newEnvelope(jobClass, queue, input)
	if err != nil {
		return "", err
	}
	return h.Push(ctx, e)
}

// Push enqueues a raw envelope through the producer middleware. The envelope must carry a class and queue; a jid
// is assigned if missing. Returns the job identifier.
func (h *Hub) Push(ctx context.Context, e Envelope) (string, error) {
	if err := e.validate(); err != nil {
		return "", err
	}
	jobClass, _ := e.JobClass()

	err := h.client.invoke(ctx, jobClass, e, func(ctx context.Context) error {
		if _, ok := e.JID(); !ok {
			e.Set(KeyJID, newJID())
		}
		e.Set(KeyEnqueuedAt, EpochSeconds(time.Now()))
		if h.config.Sync {
			return h.runSync(ctx, e)
		}
		return h.publisher.Publish(ctx, e)
	})
	jid, _ := e.JID()
	return jid, err
}

func (h *Hub) runSync(ctx context.Context, e Envelope) error {
	payload, _, err := jsonifier{}.serialize(e)
	if err != nil {
		return err
	}
	received, err := jsonifier{}.deserialize(payload)
	if err != nil {
		return err
	}
	queue, _ := received.Queue()
	return h.execute(ctx, received, queue, nil)
}

// execute runs the job described by the envelope through the server middleware
func (h *Hub) execute(ctx context.Context, e Envelope, queue string, providerMetadata any) error {
	jobClass, _ := e.String(KeyClass)
	job, err := h.getJob(jobClass)
	if err != nil {
		return err
	}
	return h.server.invoke(ctx, job, e, queue, func(ctx context.Context) error {
		return job.call(ctx, e, queue, providerMetadata)
	})
}

func (h *Hub) getJob(class string) (*jobDef, error) {
	h.lock.RLock()
	defer h.lock.RUnlock()
	job, ok := h.jobs[class]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJobNotFound, class)
	}
	return job, nil
}

func (h *Hub) newConsumer(backend ConsumerBackend) *queueConsumer {
	c := &queueConsumer{
		consumer{
			backend:      backend,
			deserializer: jsonifier{},
			getLogger:    h.config.GetLogger,
			hub:          h,
		},
	}
	c.initDefaults()
	return c
}

// ListenForMessages starts a jobhawk listener for the provided queue
//
// Cancelable context may be used to cancel processing of messages
func (h *Hub) ListenForMessages(ctx context.Context, request ListenRequest, backend ConsumerBackend) error {
	return h.newConsumer(backend).ListenForMessages(ctx, request)
}

// RequeueDLQ re-queues everything in the jobhawk DLQ back into the jobhawk queue
func (h *Hub) RequeueDLQ(ctx context.Context, request ListenRequest, backend ConsumerBackend) error {
	return h.newConsumer(backend).RequeueDLQ(ctx, request)
}

// Drain processes buffered messages in the calling goroutine until the backend has none left, including messages
// enqueued by the jobs being drained. Returns the first job error, after all messages have been processed.
func (h *Hub) Drain(ctx context.Context, backend DrainBackend) error {
	c := h.newConsumer(backend)
	var firstErr error
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		receivedMessage, ok := backend.Next(ctx)
		if !ok {
			return firstErr
		}
		err := c.processMessage(ctx, receivedMessage.Payload, receivedMessage.Attributes, receivedMessage.ProviderMetadata)
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
}

// RegisterJob registers the job to the hub on the default queue.
// Queue may be overridden at enqueue time using `PerformAsyncOnQueue`.
func RegisterJob[T any](h *Hub, jobClass string, jobFn JobFn[T]) (Job[T], error) {
	return RegisterJobOnQueue(h, jobClass, DefaultQueue, jobFn)
}

// RegisterJobOnQueue registers the job to the hub with specified default queue.
func RegisterJobOnQueue[T any](h *Hub, jobClass string, queue string, jobFn JobFn[T]) (Job[T], error) {
	if jobClass == "" {
		return Job[T]{}, errors.New("job class not set")
	}
	if queue == "" {
		return Job[T]{}, errors.New("queue not set")
	}
	h.lock.Lock()
	defer h.lock.Unlock()
	if _, found := h.jobs[jobClass]; found {
		return Job[T]{}, errors.Errorf("job with class '%s' already registered", jobClass)
	}
	jobFn = wrapJobFn(jobFn)
	h.jobs[jobClass] = &jobDef{
		class: jobClass,
		queue: queue,
		execute: func(ctx context.Context, data any) error {
			return jobFn(ctx, data.(*T))
		},
		newInput: func() any {
			return new(T)
		},
	}
	job := Job[T]{
		hub:          h,
		defaultQueue: queue,
		jobClass:     jobClass,
	}
	return job, nil
}
