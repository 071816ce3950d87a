// Package redis provides a jobhawk backend on Redis lists, laid out the way Sidekiq lays them out: the set "queues"
// names every known queue, jobs are LPUSHed to "queue:<name>" and popped from the right.
// Nacked jobs land in "dead:<name>".
package redis

import (
	"context"
	"strconv"
	"time"

	"github.com/pkg/errors"
	goredis "github.com/redis/go-redis/v9"

	"github.com/cloudchacho/jobhawk-go"
)

// client is the subset of go-redis commands this backend uses
type client interface {
	SAdd(ctx context.Context, key string, members ...any) *goredis.IntCmd
	LPush(ctx context.Context, key string, values ...any) *goredis.IntCmd
	RPush(ctx context.Context, key string, values ...any) *goredis.IntCmd
	BRPop(ctx context.Context, timeout time.Duration, keys ...string) *goredis.StringSliceCmd
	LMove(ctx context.Context, source, destination, srcpos, destpos string) *goredis.StringCmd
	Close() error
}

const queuesKey = "queues"

// Backend is a publisher and consumer backend on Redis
type Backend struct {
	client    client
	settings  Settings
	getLogger jobhawk.GetLoggerFunc
}

var _ = jobhawk.ConsumerBackend(&Backend{})
var _ = jobhawk.PublisherBackend(&Backend{})

// Metadata is additional metadata associated with a message
type Metadata struct {
	// Queue the message was popped from
	Queue string

	// Payload as stored in the list, used to move it to the dead list on nack
	Payload string
}

// QueueKey returns the list key for the queue
func QueueKey(queue string) string {
	return "queue:" + queue
}

// DeadKey returns the dead list key for the queue
func DeadKey(queue string) string {
	return "dead:" + queue
}

// Publish registers the queue and pushes the payload onto it. Attributes are dropped since Sidekiq lists only
// hold the job hash. The returned id is the length of the list after the push.
func (b *Backend) Publish(ctx context.Context, payload []byte, _ map[string]string, queue string) (string, error) {
	if err := b.client.SAdd(ctx, queuesKey, queue).Err(); err != nil {
		return "", errors.Wrap(err, "failed to register queue")
	}
	length, err := b.client.LPush(ctx, QueueKey(queue), string(payload)).Result()
	if err != nil {
		return "", errors.Wrap(err, "failed to push message to redis")
	}
	return strconv.FormatInt(length, 10), nil
}

// Receive pops messages from the queue and provides them through the channel until the context is canceled.
// Provider metadata has concrete type Metadata.
func (b *Backend) Receive(ctx context.Context, queue string, _ uint32, _ time.Duration,
	messageCh chan<- jobhawk.ReceivedMessage) error {
	key := QueueKey(queue)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		result, err := b.client.BRPop(ctx, b.settings.PollTimeout, key).Result()
		if errors.Is(err, goredis.Nil) {
			continue
		} else if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.Wrap(err, "failed to pop message from redis")
		}
		// result is [key, value]
		payload := result[1]
		select {
		case messageCh <- jobhawk.ReceivedMessage{
			Payload:          []byte(payload),
			ProviderMetadata: Metadata{Queue: queue, Payload: payload},
		}:
		case <-ctx.Done():
			// put it back at the head of the queue
			if err := b.client.RPush(context.Background(), key, payload).Err(); err != nil {
				b.getLogger(ctx).Error(err, "Failed to return message to queue", jobhawk.LoggingFields{"queue": queue})
			}
			return ctx.Err()
		}
	}
}

// AckMessage is a no-op, popping the message removed it from the queue
func (b *Backend) AckMessage(context.Context, any) error {
	return nil
}

// NackMessage moves the message to the queue's dead list
func (b *Backend) NackMessage(ctx context.Context, providerMetadata any) error {
	metadata := providerMetadata.(Metadata)
	return b.client.LPush(ctx, DeadKey(metadata.Queue), metadata.Payload).Err()
}

// RequeueDLQ moves everything in the dead list back onto the queue, oldest first
func (b *Backend) RequeueDLQ(ctx context.Context, queue string, _ uint32, _ time.Duration) error {
	var numMessages int
	defer func() {
		b.getLogger(ctx).Info("Re-queued DLQ", jobhawk.LoggingFields{"queue": queue, "num_messages": numMessages})
	}()
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		err := b.client.LMove(ctx, DeadKey(queue), QueueKey(queue), "RIGHT", "LEFT").Err()
		if errors.Is(err, goredis.Nil) {
			return nil
		} else if err != nil {
			return errors.Wrap(err, "failed to move message from dead list")
		}
		numMessages++
	}
}

// Close closes the redis client
func (b *Backend) Close() error {
	return b.client.Close()
}

// Settings for the redis backend
type Settings struct {
	// Addr of the redis server
	Addr string // optional; default: localhost:6379

	Password string

	DB int

	// PollTimeout bounds each BRPOP call
	PollTimeout time.Duration // optional; default: 2 seconds
}

func (b *Backend) initDefaults() {
	if b.settings.Addr == "" {
		b.settings.Addr = "localhost:6379"
	}
	if b.settings.PollTimeout == 0 {
		b.settings.PollTimeout = 2 * time.Second
	}
	if b.getLogger == nil {
		stdLogger := &jobhawk.StdLogger{}
		b.getLogger = func(_ context.Context) jobhawk.Logger { return stdLogger }
	}
}

// NewBackend creates a Backend for publishing and consuming from redis
// The provider metadata produced by this Backend will have concrete type: redis.Metadata
func NewBackend(settings Settings, getLogger jobhawk.GetLoggerFunc) *Backend {
	b := &Backend{settings: settings, getLogger: getLogger}
	b.initDefaults()
	b.client = goredis.NewClient(&goredis.Options{
		Addr:     b.settings.Addr,
		Password: b.settings.Password,
		DB:       b.settings.DB,
	})
	return b
}
