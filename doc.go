/*
 * Copyright 2022, Cloudchacho
 * All rights reserved.
 */

/*
Package jobhawk is a background job library that speaks the Sidekiq job format. Jobs may be published to Redis
(using the same list layout as Sidekiq), SQS or Pub/Sub, and consumed by a pool of goroutines. Producer and consumer
middleware chains allow cross-cutting concerns, such as tracing, to wrap enqueue and execution.

Using jobhawk

Convert your function into a job as shown here:

	type SendEmailJobInput struct {...}

	func SendEmail(ctx context.Context, input *SendEmailJobInput) error {
		// send email
	}

Jobs may accept input of arbitrary pointer type as long as it's serializable to JSON. Remember to export fields!
The input is sent as the first element of the Sidekiq "args" list.

Then, define your backend:

	backend := redis.NewBackend(redis.Settings{Addr: "localhost:6379"}, nil)

Before the job can be enqueued, it would need to be registered, as shown below.

	hub := jobhawk.NewHub(jobhawk.Config{...}, backend)
	job, err := jobhawk.RegisterJob(hub, "SendEmailJob", SendEmail)

And finally, enqueue your job:

	jid, err := job.PerformAsync(ctx, &SendEmailJobInput{...})

To enqueue on a queue other than the one the job was registered with:

	jid, err := job.PerformAsyncOnQueue(ctx, &SendEmailJobInput{...}, "critical")

Middleware

Producer middleware (ClientMiddleware) runs around the hand-off of the envelope to the backend, and may modify the
envelope before it's serialized. Consumer middleware (ServerMiddleware) runs around the job function. Both chains are
keyed by name, so registering the same middleware twice is a no-op:

	hub.ClientMiddleware().Add("request_id", requestIDMiddleware)

For OpenTelemetry tracing, see package github.com/cloudchacho/jobhawk-go/otel.

Metadata

If your input struct satisfies `jobhawk.MetadataSetter` interface, it'll be filled in with the following attributes:

jid: job identifier. This represents a run of a job.

queue: the queue this job was received from.

provider metadata: backend specific metadata, e.g. SQS receipt.

enqueued at: the time the job was handed to the backend.

For a compile-time type assertion check, you may add (in global scope):

	var _ jobhawk.MetadataSetter = &SendEmailJobInput{}

consumer

A consumer for workers can be started as following:

	err := hub.ListenForMessages(ctx, jobhawk.ListenRequest{Queue: "default"}, backend)

This is a blocking function, so if you want to listen to multiple queues, you'll need to run these on separate
goroutines.

In tests, the in-memory backend in package mem may be drained synchronously with Hub.Drain.

For more complete code, see examples.
*/
package jobhawk
