package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/cloudchacho/jobhawk-go"
)

// ConsumerInterceptor starts a consumer span around job execution, as a continuation of the trace that enqueued
// the job
type ConsumerInterceptor struct {
	inst *Instrumentation
}

var _ = jobhawk.ServerMiddleware(&ConsumerInterceptor{})

// Call implements jobhawk.ServerMiddleware. The span is ended exactly once, whether next returns, panics or exits
// the goroutine, and next's error (or panic value) is passed through unmodified.
//
// error.backtrace is only set for errors that carry a github.com/pkg/errors stack, so jobs should create or wrap
// their errors with that package.
func (c *ConsumerInterceptor) Call(ctx context.Context, worker jobhawk.Worker, envelope jobhawk.Envelope, queue string, next jobhawk.ServerNext) error {
	i := c.inst
	var span trace.Span
	spanCtx := ctx

	ok := i.guard(ctx, "process", func() {
		spanCtx, span = i.startConsumerSpan(ctx, worker, envelope, queue)
		i.recordTimings(spanCtx, span, envelope)
	})
	if !ok {
		if span != nil {
			i.guard(ctx, "process", func() { span.End() })
		}
		return next(ctx)
	}

	finished := false
	defer func() {
		if finished {
			return
		}
		if r := recover(); r != nil {
			backtrace, hasBacktrace := panicBacktrace()
			i.guard(ctx, "process", func() {
				defer span.End()
				i.recordFailure(span, panicMessage(r), backtrace, hasBacktrace)
				span.SetAttributes(attrSuccess.String("false"))
			})
			panic(r)
		}
		// runtime.Goexit in next
		i.guard(ctx, "process", func() {
			defer span.End()
			i.recordFailure(span, goexitMessage, "", false)
			span.SetAttributes(attrSuccess.String("false"))
		})
	}()

	err := next(spanCtx)

	i.guard(ctx, "process", func() {
		defer span.End()
		if err != nil {
			backtrace, hasBacktrace := errorBacktrace(err)
			i.recordFailure(span, err.Error(), backtrace, hasBacktrace)
			span.SetAttributes(attrSuccess.String("false"))
			return
		}
		span.SetAttributes(attrSuccess.String("true"))
		span.SetStatus(codes.Ok, "")
	})
	finished = true
	return err
}

func (i *Instrumentation) startConsumerSpan(ctx context.Context, worker jobhawk.Worker, envelope jobhawk.Envelope, queue string) (context.Context, trace.Span) {
	fallbackClass := ""
	if worker != nil {
		fallbackClass = worker.JobClass()
	}
	jobClass := jobClassOf(envelope, fallbackClass)
	opts := []trace.SpanStartOption{
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(i.attributes(envelope, jobClass)...),
	}

	// the parent only ever comes from the envelope, never from a span already in ctx
	parentCtx := trace.ContextWithSpanContext(ctx, trace.SpanContext{})
	switch i.config.PropagationStyle {
	case PropagationChild:
		parentCtx = i.config.Propagator.Extract(parentCtx, envelopeCarrier{envelope})
	case PropagationLink:
		extracted := i.config.Propagator.Extract(parentCtx, envelopeCarrier{envelope})
		if sc := trace.SpanContextFromContext(extracted); sc.IsValid() {
			opts = append(opts, trace.WithLinks(trace.Link{SpanContext: sc}))
		}
	}

	return i.tracer.Start(parentCtx, i.spanName(envelope, jobClass, queue, "process"), opts...)
}

// recordTimings emits the created_at and enqueued_at events, in that order, and the waiting time. Events for
// missing timestamps are emitted at the current time.
func (i *Instrumentation) recordTimings(ctx context.Context, span trace.Span, envelope jobhawk.Envelope) {
	now := i.now()
	for _, key := range []string{eventCreatedAt, eventEnqueuedAt} {
		timestamp, ok := envelope.Time(key)
		if !ok {
			timestamp = now
		}
		span.AddEvent(key, trace.WithTimestamp(timestamp))
	}

	enqueuedAt, ok := envelope.Float(jobhawk.KeyEnqueuedAt)
	if !ok {
		return
	}
	// clock skew between producer and consumer may make this negative, it's recorded as is
	waitingTime := (jobhawk.EpochSeconds(now) - enqueuedAt) * 1000
	span.SetAttributes(attrWaitingTime.Float64(waitingTime))

	if i.waitingTime != nil {
		attrs := []attribute.KeyValue{attrJobClass.String(jobClassOf(envelope, unknown))}
		if queue, ok := envelope.Queue(); ok {
			attrs = append(attrs, attrMessagingDestination.String(queue))
		}
		i.waitingTime.Record(ctx, waitingTime, metric.WithAttributes(attrs...))
	}
}
