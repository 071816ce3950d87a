package otel

import (
	"go.opentelemetry.io/otel/propagation"

	"github.com/cloudchacho/jobhawk-go"
)

// envelopeCarrier exposes the string values of a job envelope to propagators
type envelopeCarrier struct {
	envelope jobhawk.Envelope
}

var _ = propagation.TextMapCarrier(envelopeCarrier{})

func (ec envelopeCarrier) Get(key string) string {
	value, _ := ec.envelope.String(key)
	return value
}

func (ec envelopeCarrier) Set(key string, value string) {
	ec.envelope.Set(key, value)
}

func (ec envelopeCarrier) Keys() []string {
	keys := make([]string, 0, len(ec.envelope))
	for key := range ec.envelope {
		keys = append(keys, key)
	}
	return keys
}
