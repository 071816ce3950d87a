package jobhawk

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

type consumer struct {
	backend      ConsumerBackend
	deserializer deserializer
	getLogger    GetLoggerFunc
	hub          *Hub
}

type queueConsumer struct {
	consumer
}

// processMessage runs one received message through the server middleware, and acks or nacks it. The job error,
// if any, is returned so that callers that drain synchronously can surface it.
func (c *consumer) processMessage(ctx context.Context, payload []byte, attributes map[string]string, providerMetadata any) error {
	var acked bool
	loggingFields := LoggingFields{"message_body": string(payload)}

	// must ack or nack message, otherwise receive call never returns even on context cancelation
	defer func() {
		if !acked {
			err := c.backend.NackMessage(ctx, providerMetadata)
			if err != nil {
				c.getLogger(ctx).Error(err, "Failed to nack message", loggingFields)
			}
		}
	}()

	e, err := c.deserializer.deserialize(payload)
	if err != nil {
		c.getLogger(ctx).Error(err, "invalid message, unable to unmarshal", loggingFields)
		return err
	}

	jid, _ := e.JID()
	jobClass, _ := e.String(KeyClass)
	queue, ok := e.Queue()
	if !ok {
		queue = attributes[headerQueue]
	}
	loggingFields = LoggingFields{"jid": jid, "class": jobClass, "queue": queue}

	err = c.hub.execute(ctx, e, queue, providerMetadata)
	switch {
	case err == nil:
		ackErr := c.backend.AckMessage(ctx, providerMetadata)
		if ackErr != nil {
			c.getLogger(ctx).Error(ackErr, "Failed to ack message", loggingFields)
		} else {
			acked = true
		}
	case errors.Is(err, ErrJobNotFound):
		c.getLogger(ctx).Error(err, "no job found with class: "+jobClass, loggingFields)
	case errors.Is(err, ErrRetry):
		c.getLogger(ctx).Debug("Retrying due to exception", loggingFields)
	default:
		c.getLogger(ctx).Error(err, "Retrying due to unknown exception", loggingFields)
	}
	return err
}

func (c *queueConsumer) ListenForMessages(ctx context.Context, request ListenRequest) error {
	if request.Queue == "" {
		request.Queue = DefaultQueue
	}
	if request.NumMessages == 0 {
		request.NumMessages = 1
	}
	if request.NumConcurrency == 0 {
		request.NumConcurrency = 1
	}

	messageCh := make(chan ReceivedMessage)

	wg := &sync.WaitGroup{}
	// start n concurrent workers to receive messages from the channel
	for i := uint32(0); i < request.NumConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					// drain channel before returning
					for receivedMessage := range messageCh {
						_ = c.processMessage(ctx, receivedMessage.Payload, receivedMessage.Attributes, receivedMessage.ProviderMetadata)
					}
					return
				case receivedMessage := <-messageCh:
					_ = c.processMessage(ctx, receivedMessage.Payload, receivedMessage.Attributes, receivedMessage.ProviderMetadata)
				}
			}
		}()
	}
	// wait for all receive goroutines to finish
	defer wg.Wait()

	// close channel to indicate no more message will be published and receive goroutines spawned above should return
	defer close(messageCh)

	return c.backend.Receive(ctx, request.Queue, request.NumMessages, request.VisibilityTimeout, messageCh)
}

// RequeueDLQ re-queues everything in the jobhawk DLQ back into the jobhawk queue
func (c *queueConsumer) RequeueDLQ(ctx context.Context, request ListenRequest) error {
	if request.Queue == "" {
		request.Queue = DefaultQueue
	}
	if request.NumMessages == 0 {
		request.NumMessages = 1
	}

	return c.backend.RequeueDLQ(ctx, request.Queue, request.NumMessages, request.VisibilityTimeout)
}

func (c *queueConsumer) initDefaults() {
	if c.getLogger == nil {
		stdLogger := &StdLogger{}
		c.getLogger = func(_ context.Context) Logger { return stdLogger }
	}
}

type deserializer interface {
	deserialize(messagePayload []byte) (Envelope, error)
}

// ConsumerBackend is used for consuming messages from a transport
type ConsumerBackend interface {
	// Receive messages from configured queue and provide it through the channel. This should run indefinitely
	// until the context is canceled. Provider metadata should include all info necessary to ack/nack a message.
	// The channel must not be closed by the backend.
	Receive(ctx context.Context, queue string, numMessages uint32, visibilityTimeout time.Duration, messageCh chan<- ReceivedMessage) error

	// NackMessage nacks a message on the queue
	NackMessage(ctx context.Context, providerMetadata any) error

	// AckMessage acknowledges a message on the queue
	AckMessage(ctx context.Context, providerMetadata any) error

	// RequeueDLQ re-queues everything in the jobhawk DLQ back into the jobhawk queue
	RequeueDLQ(ctx context.Context, queue string, numMessages uint32, visibilityTimeout time.Duration) error
}

// DrainBackend is a ConsumerBackend that can hand out buffered messages without blocking, see Hub.Drain
type DrainBackend interface {
	ConsumerBackend

	// Next pops the next buffered message from any queue. Returns false if there are none.
	Next(ctx context.Context) (ReceivedMessage, bool)
}

// ReceivedMessage is the message as received by a transport backend.
type ReceivedMessage struct {
	Payload          []byte
	Attributes       map[string]string
	ProviderMetadata any
}

// ListenRequest represents a request to listen for messages
type ListenRequest struct {
	// Queue to listen to
	Queue string // default "default"

	// How many messages to fetch at one time
	NumMessages uint32 // default 1

	// How long should the message be hidden from other consumers?
	VisibilityTimeout time.Duration // defaults to queue configuration

	// How many goroutines to spin for processing messages concurrently
	NumConcurrency uint32 // default 1
}
