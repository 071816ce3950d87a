package otel

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/cloudchacho/jobhawk-go"
)

const (
	instrumentationName    = "github.com/cloudchacho/jobhawk-go/otel"
	instrumentationVersion = "0.1.0"

	producerMiddlewareName = "jobhawk/otel.producer"
	consumerMiddlewareName = "jobhawk/otel.consumer"
)

// Registrar exposes the middleware chains of a job hub. *jobhawk.Hub satisfies this interface.
type Registrar interface {
	ClientMiddleware() *jobhawk.ClientChain
	ServerMiddleware() *jobhawk.ServerChain
}

// Instrumentation holds the tracer and resolved configuration shared by the producer and consumer interceptors.
type Instrumentation struct {
	config      Config
	tracer      trace.Tracer
	waitingTime metric.Float64Histogram
	producer    *ProducerInterceptor
	consumer    *ConsumerInterceptor

	now func() time.Time
}

var (
	instance     *Instrumentation
	instanceOnce sync.Once
)

// Instance returns the process-wide instrumentation, configured from the global otel providers and propagator.
func Instance() *Instrumentation {
	instanceOnce.Do(func() {
		instance = New()
	})
	return instance
}

// New creates an instrumentation with the given options.
func New(opts ...Option) *Instrumentation {
	i := &Instrumentation{
		config: newConfig(opts),
		now:    time.Now,
	}
	i.tracer = i.config.TracerProvider.Tracer(
		instrumentationName,
		trace.WithInstrumentationVersion(instrumentationVersion),
	)
	meter := i.config.MeterProvider.Meter(
		instrumentationName,
		metric.WithInstrumentationVersion(instrumentationVersion),
	)
	waitingTime, err := meter.Float64Histogram(
		"jobhawk.job.waiting_time",
		metric.WithDescription("Time between enqueue and start of processing"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		i.config.GetLogger(context.Background()).Warn(err, "failed to create waiting time histogram", nil)
	}
	i.waitingTime = waitingTime
	i.producer = &ProducerInterceptor{inst: i}
	i.consumer = &ConsumerInterceptor{inst: i}
	return i
}

// Tracer returns the tracer named for this instrumentation
func (i *Instrumentation) Tracer() trace.Tracer {
	return i.tracer
}

// Config returns a copy of the resolved configuration
func (i *Instrumentation) Config() Config {
	return i.config
}

// Producer returns the producer interceptor
func (i *Instrumentation) Producer() *ProducerInterceptor {
	return i.producer
}

// Consumer returns the consumer interceptor
func (i *Instrumentation) Consumer() *ConsumerInterceptor {
	return i.consumer
}

// Install registers the interceptors as the outermost producer and consumer middleware. Installing more than once
// is a no-op.
func (i *Instrumentation) Install(r Registrar) {
	addedProducer := r.ClientMiddleware().Prepend(producerMiddlewareName, i.producer)
	addedConsumer := r.ServerMiddleware().Prepend(consumerMiddlewareName, i.consumer)
	if !addedProducer && !addedConsumer {
		i.config.GetLogger(context.Background()).Debug("otel instrumentation already installed", nil)
	}
}

// guard runs fn, recovering from any panic so that instrumentation failures never reach the job.
func (i *Instrumentation) guard(ctx context.Context, stage string, fn func()) (ok bool) {
	defer func() {
		if r := recover(); r != nil {
			ok = false
			err, isErr := r.(error)
			if !isErr {
				err = errors.Errorf("%v", r)
			}
			i.config.GetLogger(ctx).Error(err, "otel instrumentation failed", jobhawk.LoggingFields{"stage": stage})
		}
	}()
	fn()
	return true
}
