package otel

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/cloudchacho/jobhawk-go"
)

// ProducerInterceptor starts a producer span around enqueue and injects its context into the job envelope
type ProducerInterceptor struct {
	inst *Instrumentation
}

var _ = jobhawk.ClientMiddleware(&ProducerInterceptor{})

// Call implements jobhawk.ClientMiddleware
func (p *ProducerInterceptor) Call(ctx context.Context, jobClass string, envelope jobhawk.Envelope, next jobhawk.ClientNext) error {
	i := p.inst
	var span trace.Span
	spanCtx := ctx
	_, hadJID := envelope.JID()

	ok := i.guard(ctx, "publish", func() {
		spanCtx, span = i.startProducerSpan(ctx, jobClass, envelope)
		i.inject(spanCtx, envelope)
	})
	if !ok {
		if span != nil {
			i.guard(ctx, "publish", func() { span.End() })
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
			i.guard(ctx, "publish", func() {
				defer span.End()
				i.recordFailure(span, panicMessage(r), backtrace, hasBacktrace)
			})
			panic(r)
		}
		// runtime.Goexit in next
		i.guard(ctx, "publish", func() {
			defer span.End()
			i.recordFailure(span, goexitMessage, "", false)
		})
	}()

	err := next(spanCtx)

	i.guard(ctx, "publish", func() {
		defer span.End()
		if err != nil {
			backtrace, hasBacktrace := errorBacktrace(err)
			i.recordFailure(span, err.Error(), backtrace, hasBacktrace)
			return
		}
		if jid, ok := envelope.JID(); ok && !hadJID {
			span.SetAttributes(attrMessagingMessageID.String(jid))
		}
		span.SetStatus(codes.Ok, "")
	})
	finished = true
	return err
}

func (i *Instrumentation) startProducerSpan(ctx context.Context, jobClass string, envelope jobhawk.Envelope) (context.Context, trace.Span) {
	jobClass = jobClassOf(envelope, jobClass)
	spanCtx, span := i.tracer.Start(
		ctx,
		i.spanName(envelope, jobClass, "", "publish"),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(i.attributes(envelope, jobClass)...),
	)
	return spanCtx, span
}

// inject writes the span context into the envelope. Must happen before the envelope is handed to the backend.
func (i *Instrumentation) inject(spanCtx context.Context, envelope jobhawk.Envelope) {
	if i.config.PropagationStyle == PropagationNone {
		return
	}
	// drop fields from a previous injection so that the envelope only carries this span's context
	for _, field := range i.config.Propagator.Fields() {
		envelope.Delete(field)
	}
	i.config.Propagator.Inject(spanCtx, envelopeCarrier{envelope})
}

// recordFailure sets error attributes and status on the span. Backtrace is omitted if not available.
func (i *Instrumentation) recordFailure(span trace.Span, message string, backtrace string, hasBacktrace bool) {
	span.SetAttributes(attrErrorMessage.String(message))
	if hasBacktrace {
		span.SetAttributes(attrErrorBacktrace.String(backtrace))
	}
	span.SetStatus(codes.Error, message)
}
