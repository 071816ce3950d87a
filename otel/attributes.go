package otel

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cloudchacho/jobhawk-go"
)

// messagingSystem identifies the job format on the wire
const messagingSystem = "sidekiq"

// goexitMessage is the error message recorded when next ends its goroutine with runtime.Goexit
const goexitMessage = "goroutine exited"

const (
	attrMessagingSystem          = attribute.Key("messaging.system")
	attrMessagingDestination     = attribute.Key("messaging.destination")
	attrMessagingDestinationKind = attribute.Key("messaging.destination_kind")
	attrMessagingMessageID       = attribute.Key("messaging.message_id")
	attrJobClass                 = attribute.Key("messaging.sidekiq.job_class")
	attrPeerService              = attribute.Key("peer.service")
	attrWaitingTime              = attribute.Key("waiting_time")
	attrSuccess                  = attribute.Key("success")
	attrErrorMessage             = attribute.Key("error.message")
	attrErrorBacktrace           = attribute.Key("error.backtrace")

	eventCreatedAt  = "created_at"
	eventEnqueuedAt = "enqueued_at"

	unknown = "unknown"
)

// jobClassOf returns the wrapped or plain class from the envelope, or the fallback
func jobClassOf(envelope jobhawk.Envelope, fallback string) string {
	if jobClass, ok := envelope.JobClass(); ok {
		return jobClass
	}
	if fallback != "" {
		return fallback
	}
	return unknown
}

func (i *Instrumentation) spanName(envelope jobhawk.Envelope, jobClass string, queue string, operation string) string {
	prefix := jobClass
	if i.config.SpanNaming == SpanNamingQueue {
		prefix = queue
		if q, ok := envelope.Queue(); ok {
			prefix = q
		}
		if prefix == "" {
			prefix = unknown
		}
	}
	return prefix + " " + operation
}

// attributes returns the attributes common to producer and consumer spans. Fields missing from the envelope are
// omitted.
func (i *Instrumentation) attributes(envelope jobhawk.Envelope, jobClass string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attrMessagingSystem.String(messagingSystem),
		attrMessagingDestinationKind.String("queue"),
		attrJobClass.String(jobClass),
	}
	if queue, ok := envelope.Queue(); ok {
		attrs = append(attrs, attrMessagingDestination.String(queue))
	}
	if jid, ok := envelope.JID(); ok {
		attrs = append(attrs, attrMessagingMessageID.String(jid))
	}
	if i.config.PeerService != "" {
		attrs = append(attrs, attrPeerService.String(i.config.PeerService))
	}
	return attrs
}

type stackTracer interface {
	StackTrace() errors.StackTrace
}

// errorBacktrace formats the stack recorded by github.com/pkg/errors, one frame per line. Returns false if the error
// doesn't carry a stack.
func errorBacktrace(err error) (string, bool) {
	var st stackTracer
	if !stderrors.As(err, &st) {
		return "", false
	}
	pcs := make([]uintptr, 0, len(st.StackTrace()))
	for _, frame := range st.StackTrace() {
		pcs = append(pcs, uintptr(frame))
	}
	return formatFrames(pcs)
}

// panicBacktrace formats the stack of the goroutine that is currently panicking
func panicBacktrace() (string, bool) {
	pcs := make([]uintptr, 64)
	// skip runtime.Callers, panicBacktrace and the deferred function
	n := runtime.Callers(3, pcs)
	return formatFrames(pcs[:n])
}

// formatFrames expects return program counters, as recorded by runtime.Callers
func formatFrames(pcs []uintptr) (string, bool) {
	if len(pcs) == 0 {
		return "", false
	}
	lines := make([]string, 0, len(pcs))
	frames := runtime.CallersFrames(pcs)
	for {
		frame, more := frames.Next()
		if frame.Function != "" || frame.File != "" {
			lines = append(lines, fmt.Sprintf("%s:%d in %s", frame.File, frame.Line, frame.Function))
		}
		if !more {
			break
		}
	}
	if len(lines) == 0 {
		return "", false
	}
	return strings.Join(lines, "\n"), true
}

func panicMessage(r any) string {
	if err, ok := r.(error); ok {
		return err.Error()
	}
	return fmt.Sprint(r)
}
