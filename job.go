/*
 * Copyright 2022, Cloudchacho
 * All rights reserved.

 */

package jobhawk

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Worker describes the job being executed to server middleware
type Worker interface {
	// JobClass returns the registered job class name
	JobClass() string

	// Queue returns the default queue the job was registered with
	Queue() string
}

// MetadataSetter interface needs to be implemented by the input struct if your job needs to get metadata (jid etc)
type MetadataSetter interface {
	// SetJID sets the job identifier
	SetJID(string)

	// SetQueue sets the queue the job was received from
	SetQueue(string)

	// SetProviderMetadata represents backend provider specific metadata, e.g. AWS receipt, or Pub/Sub ack ID
	// For concrete type of metadata, check the documentation of your backend class
	SetProviderMetadata(any)

	// SetEnqueuedAt sets the time the job was handed to the backend
	SetEnqueuedAt(time.Time)
}

type jobDef struct {
	class    string
	queue    string
	execute  func(ctx context.Context, input any) error
	newInput func() any
}

var _ = Worker(&jobDef{})

func (j *jobDef) JobClass() string {
	return j.class
}

func (j *jobDef) Queue() string {
	return j.queue
}

func (j *jobDef) call(ctx context.Context, e Envelope, queue string, providerMetadata any) error {
	input := j.newInput()
	if err := decodeArgs(e, input); err != nil {
		return err
	}
	if metadataSetter, ok := input.(MetadataSetter); ok {
		jid, _ := e.JID()
		metadataSetter.SetJID(jid)
		metadataSetter.SetQueue(queue)
		metadataSetter.SetProviderMetadata(providerMetadata)
		if enqueuedAt, ok := e.Time(KeyEnqueuedAt); ok {
			metadataSetter.SetEnqueuedAt(enqueuedAt)
		}
	}
	return j.execute(ctx, input)
}

// JobFn is the function that runs a job. Its input is decoded from the envelope args.
type JobFn[T any] func(ctx context.Context, input *T) error

func wrapJobFn[T any](fn JobFn[T]) JobFn[T] {
	return func(ctx context.Context, input *T) (err error) {
		defer func() {
			if rErr := recover(); rErr != nil {
				if typedErr, ok := rErr.(error); ok {
					err = errors.Wrapf(typedErr, "job failed with panic")
				} else {
					err = errors.Errorf("panic: %v", rErr)
				}
			}
		}()
		err = fn(ctx, input)
		return
	}
}

// Job is a handle to a registered job, used to enqueue it
type Job[T any] struct {
	hub          *Hub
	defaultQueue string
	jobClass     string
}

// PerformAsync enqueues the job on its default queue. Returns the job identifier.
func (j Job[T]) PerformAsync(ctx context.Context, input *T) (string, error) {
	return j.PerformAsyncOnQueue(ctx, input, j.defaultQueue)
}

// PerformAsyncOnQueue enqueues the job on the specified queue. Returns the job identifier.
func (j Job[T]) PerformAsyncOnQueue(ctx context.Context, input *T, queue string) (string, error) {
	return j.hub.enqueue(ctx, j.jobClass, input, queue)
}

// JobClass returns the class name the job was registered with
func (j Job[T]) JobClass() string {
	return j.jobClass
}
