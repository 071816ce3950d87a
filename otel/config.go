package otel

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/cloudchacho/jobhawk-go"
)

// SpanNaming determines the prefix of span names
type SpanNaming int

const (
	// SpanNamingJobClass names spans "<job class> publish" / "<job class> process"
	SpanNamingJobClass SpanNaming = iota
	// SpanNamingQueue names spans "<queue> publish" / "<queue> process"
	SpanNamingQueue
)

func (s SpanNaming) String() string {
	switch s {
	case SpanNamingJobClass:
		return "job_class"
	case SpanNamingQueue:
		return "queue_name"
	default:
		return fmt.Sprintf("SpanNaming(%d)", int(s))
	}
}

// ParseSpanNaming parses "job_class" or "queue_name"
func ParseSpanNaming(value string) (SpanNaming, error) {
	switch value {
	case "job_class":
		return SpanNamingJobClass, nil
	case "queue_name":
		return SpanNamingQueue, nil
	default:
		return 0, fmt.Errorf("unknown span naming: %q", value)
	}
}

// PropagationStyle determines how the consumer span relates to the producer span
type PropagationStyle int

const (
	// PropagationChild makes the consumer span a child of the producer span
	PropagationChild PropagationStyle = iota
	// PropagationLink starts the consumer span as a new trace, linked to the producer span
	PropagationLink
	// PropagationNone disables injection on enqueue and extraction on execution
	PropagationNone
)

func (p PropagationStyle) String() string {
	switch p {
	case PropagationChild:
		return "child"
	case PropagationLink:
		return "link"
	case PropagationNone:
		return "none"
	default:
		return fmt.Sprintf("PropagationStyle(%d)", int(p))
	}
}

// ParsePropagationStyle parses "child", "link" or "none"
func ParsePropagationStyle(value string) (PropagationStyle, error) {
	switch value {
	case "child":
		return PropagationChild, nil
	case "link":
		return PropagationLink, nil
	case "none":
		return PropagationNone, nil
	default:
		return 0, fmt.Errorf("unknown propagation style: %q", value)
	}
}

// Config is the resolved instrumentation configuration. It's read-only once the Instrumentation is created.
type Config struct {
	SpanNaming       SpanNaming
	PropagationStyle PropagationStyle

	// PeerService is set as the peer.service attribute on all spans, if not empty
	PeerService string

	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
	Propagator     propagation.TextMapPropagator

	// GetLogger is used to report instrumentation failures
	GetLogger jobhawk.GetLoggerFunc
}

// Option configures the instrumentation
type Option func(*Config)

// WithSpanNaming sets the span naming policy. Defaults to SpanNamingJobClass.
func WithSpanNaming(naming SpanNaming) Option {
	return func(c *Config) { c.SpanNaming = naming }
}

// WithPropagationStyle sets the propagation style. Defaults to PropagationChild.
func WithPropagationStyle(style PropagationStyle) Option {
	return func(c *Config) { c.PropagationStyle = style }
}

// WithPeerService sets the peer.service attribute
func WithPeerService(peerService string) Option {
	return func(c *Config) { c.PeerService = peerService }
}

// WithTracerProvider sets a custom TracerProvider. Defaults to the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Config) { c.TracerProvider = tp }
}

// WithMeterProvider sets a custom MeterProvider. Defaults to the global provider.
func WithMeterProvider(mp metric.MeterProvider) Option {
	return func(c *Config) { c.MeterProvider = mp }
}

// WithPropagator sets the propagator used to inject into / extract from envelopes. Defaults to the global
// propagator.
func WithPropagator(propagator propagation.TextMapPropagator) Option {
	return func(c *Config) { c.Propagator = propagator }
}

// WithGetLogger sets the logger used to report instrumentation failures
func WithGetLogger(getLogger jobhawk.GetLoggerFunc) Option {
	return func(c *Config) { c.GetLogger = getLogger }
}

func newConfig(opts []Option) Config {
	c := Config{}
	for _, opt := range opts {
		opt(&c)
	}
	if c.TracerProvider == nil {
		c.TracerProvider = otel.GetTracerProvider()
	}
	if c.MeterProvider == nil {
		c.MeterProvider = otel.GetMeterProvider()
	}
	if c.Propagator == nil {
		c.Propagator = otel.GetTextMapPropagator()
	}
	if c.GetLogger == nil {
		stdLogger := &jobhawk.StdLogger{}
		c.GetLogger = func(_ context.Context) jobhawk.Logger { return stdLogger }
	}
	return c
}
