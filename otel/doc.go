/*
Package otel provides OpenTelemetry tracing for jobhawk.

The producer interceptor starts a span of kind producer when a job is enqueued and injects its context into the job
envelope. The consumer interceptor extracts that context when the job is executed and starts a span of kind consumer
as its child, so that a job and the jobs it enqueues form a single trace:

	publish SendEmail -> process SendEmail -> publish Notify -> process Notify

Consumer spans carry created_at and enqueued_at events, the time the job spent in the queue as the waiting_time
attribute (milliseconds), and the outcome as the success attribute. Failed jobs additionally carry error.message and,
for errors created with github.com/pkg/errors or panics, error.backtrace.

Installation

	inst := otel.New(
		otel.WithTracerProvider(tp),
		otel.WithPropagator(propagation.TraceContext{}),
		otel.WithSpanNaming(otel.SpanNamingQueue),
	)
	inst.Install(hub)

otel.Instance() returns a process-wide instrumentation configured from the global providers instead. Installing on
the same hub more than once is a no-op.

Tracing is best effort: a failure inside the instrumentation is logged and the job runs as if uninstrumented.
*/
package otel
