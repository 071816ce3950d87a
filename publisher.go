package jobhawk

import (
	"context"

	"github.com/pkg/errors"
)

// publisher handles job publishing
type publisher struct {
	backend    PublisherBackend
	serializer serializer
}

// Publish an envelope on its queue
func (p *publisher) Publish(ctx context.Context, e Envelope) error {
	if p.backend == nil {
		return errors.New("no publisher backend configured")
	}
	payload, attributes, err := p.serializer.serialize(e)
	if err != nil {
		return err
	}

	queue, _ := e.Queue()
	_, err = p.backend.Publish(ctx, payload, attributes, queue)
	return err
}

type serializer interface {
	serialize(e Envelope) ([]byte, map[string]string, error)
}

// PublisherBackend is used to publish messages to a transport
type PublisherBackend interface {
	// Publish a message represented by the payload, with specified attributes to the specified queue
	Publish(ctx context.Context, payload []byte, attributes map[string]string, queue string) (string, error)
}
