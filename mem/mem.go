// Package mem provides an in-process jobhawk backend. Messages are held in memory in publish order, which makes it
// suitable for tests: Hub.Drain processes them synchronously.
package mem

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/cloudchacho/jobhawk-go"
)

// Backend is an in-memory publisher and consumer backend
type Backend struct {
	lock    sync.Mutex
	pending []Message
	dead    map[string][]Message
	acked   []Message
	seq     int
	changed chan struct{}
}

var _ = jobhawk.ConsumerBackend(&Backend{})
var _ = jobhawk.PublisherBackend(&Backend{})
var _ = jobhawk.DrainBackend(&Backend{})

// Message is a published message. It's also the provider metadata for messages handed out by this backend.
type Message struct {
	// ID assigned by the backend at publish time
	ID string

	Queue      string
	Payload    []byte
	Attributes map[string]string

	// PublishTime is when the message was published
	PublishTime time.Time
}

func (m Message) received() jobhawk.ReceivedMessage {
	return jobhawk.ReceivedMessage{
		Payload:          m.Payload,
		Attributes:       m.Attributes,
		ProviderMetadata: m,
	}
}

// Publish appends the message to the queue
func (b *Backend) Publish(_ context.Context, payload []byte, attributes map[string]string, queue string) (string, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.seq++
	m := Message{
		ID:          strconv.Itoa(b.seq),
		Queue:       queue,
		Payload:     append([]byte(nil), payload...),
		Attributes:  copyAttributes(attributes),
		PublishTime: time.Now(),
	}
	b.pending = append(b.pending, m)
	b.notifyLocked()
	return m.ID, nil
}

// Receive hands out messages for the queue until the context is canceled
func (b *Backend) Receive(ctx context.Context, queue string, _ uint32, _ time.Duration, messageCh chan<- jobhawk.ReceivedMessage) error {
	for {
		m, ok, changed := b.pop(queue)
		if !ok {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-changed:
				continue
			}
		}
		select {
		case <-ctx.Done():
			b.requeue(m)
			return ctx.Err()
		case messageCh <- m.received():
		}
	}
}

// Next pops the oldest message from any queue
func (b *Backend) Next(_ context.Context) (jobhawk.ReceivedMessage, bool) {
	m, ok, _ := b.pop("")
	if !ok {
		return jobhawk.ReceivedMessage{}, false
	}
	return m.received(), true
}

// AckMessage acknowledges a message
func (b *Backend) AckMessage(_ context.Context, providerMetadata any) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.acked = append(b.acked, providerMetadata.(Message))
	return nil
}

// NackMessage moves the message to the dead letter queue for its queue
func (b *Backend) NackMessage(_ context.Context, providerMetadata any) error {
	m := providerMetadata.(Message)
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.dead == nil {
		b.dead = map[string][]Message{}
	}
	b.dead[m.Queue] = append(b.dead[m.Queue], m)
	return nil
}

// RequeueDLQ moves dead messages back into the queue, numMessages at a time
func (b *Backend) RequeueDLQ(ctx context.Context, queue string, numMessages uint32, _ time.Duration) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		b.lock.Lock()
		dead := b.dead[queue]
		if len(dead) == 0 {
			b.lock.Unlock()
			return nil
		}
		n := int(numMessages)
		if n == 0 || n > len(dead) {
			n = len(dead)
		}
		b.pending = append(b.pending, dead[:n]...)
		b.dead[queue] = dead[n:]
		b.notifyLocked()
		b.lock.Unlock()
	}
}

// Len returns the number of pending messages on the queue
func (b *Backend) Len(queue string) int {
	b.lock.Lock()
	defer b.lock.Unlock()
	n := 0
	for _, m := range b.pending {
		if m.Queue == queue {
			n++
		}
	}
	return n
}

// Pending returns a copy of the messages not yet handed out
func (b *Backend) Pending() []Message {
	b.lock.Lock()
	defer b.lock.Unlock()
	return append([]Message(nil), b.pending...)
}

// Dead returns a copy of the dead messages for the queue
func (b *Backend) Dead(queue string) []Message {
	b.lock.Lock()
	defer b.lock.Unlock()
	return append([]Message(nil), b.dead[queue]...)
}

// Acked returns a copy of the acknowledged messages
func (b *Backend) Acked() []Message {
	b.lock.Lock()
	defer b.lock.Unlock()
	return append([]Message(nil), b.acked...)
}

// pop removes the oldest message on queue, or on any queue if queue is empty. If there's none, the returned
// channel is closed on the next change.
func (b *Backend) pop(queue string) (Message, bool, <-chan struct{}) {
	b.lock.Lock()
	defer b.lock.Unlock()
	for i, m := range b.pending {
		if queue == "" || m.Queue == queue {
			b.pending = append(b.pending[:i:i], b.pending[i+1:]...)
			return m, true, nil
		}
	}
	if b.changed == nil {
		b.changed = make(chan struct{})
	}
	return Message{}, false, b.changed
}

func (b *Backend) requeue(m Message) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.pending = append([]Message{m}, b.pending...)
	b.notifyLocked()
}

func (b *Backend) notifyLocked() {
	if b.changed != nil {
		close(b.changed)
		b.changed = nil
	}
}

func copyAttributes(attributes map[string]string) map[string]string {
	c := make(map[string]string, len(attributes))
	for k, v := range attributes {
		c[k] = v
	}
	return c
}

// NewBackend creates an empty in-memory backend
func NewBackend() *Backend {
	return &Backend{dead: map[string][]Message{}}
}
