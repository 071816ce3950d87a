// Package gcp provides a jobhawk backend on Google Cloud Pub/Sub. Each jobhawk queue maps to a topic and a
// subscription of the same name, plus a dead letter topic and subscription.
package gcp

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/pkg/errors"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"

	"github.com/cloudchacho/jobhawk-go"
)

type Backend struct {
	lock      sync.Mutex
	client    *pubsub.Client
	settings  Settings
	getLogger jobhawk.GetLoggerFunc
}

var _ = jobhawk.ConsumerBackend(&Backend{})
var _ = jobhawk.PublisherBackend(&Backend{})

const defaultVisibilityTimeoutS = time.Second * 20

// Metadata is additional metadata associated with a message
type Metadata struct {
	// Underlying pubsub message - ack id isn't exported so we have to store this object
	pubsubMessage *pubsub.Message

	// PublishTime is the time this message was originally published to Pub/Sub
	PublishTime time.Time

	// DeliveryAttempt is the counter received from Pub/Sub.
	//    The first delivery of a given message will have this value as 1. The value
	//    is calculated as best effort and is approximate. It's 0 if the subscription has no dead letter policy.
	DeliveryAttempt int

	// Queue the message was received from
	Queue string
}

// TopicName returns the topic (and subscription) name for the queue
func TopicName(queue string) string {
	return fmt.Sprintf("jobhawk-%s", queue)
}

// DLQTopicName returns the dead letter topic (and subscription) name for the queue
func DLQTopicName(queue string) string {
	return TopicName(queue) + "-dlq"
}

// Publish a message represented by the payload, with specified attributes, to the topic for the queue
func (b *Backend) Publish(ctx context.Context, payload []byte, attributes map[string]string, queue string) (string, error) {
	client, err := b.ensureClient(ctx)
	if err != nil {
		return "", err
	}

	clientTopic := client.Topic(TopicName(queue))
	defer clientTopic.Stop()

	result := clientTopic.Publish(
		ctx,
		&pubsub.Message{
			Data:       payload,
			Attributes: attributes,
		},
	)
	messageID, err := result.Get(ctx)
	if err != nil {
		return "", errors.Wrap(err, "Failed to publish message to Pub/Sub")
	}
	return messageID, nil
}

// Receive messages from the queue's subscription and provide them through the channel. This runs until the
// context is canceled. Provider metadata has concrete type Metadata.
func (b *Backend) Receive(ctx context.Context, queue string, numMessages uint32,
	visibilityTimeout time.Duration, messageCh chan<- jobhawk.ReceivedMessage) error {
	client, err := b.ensureClient(ctx)
	if err != nil {
		return err
	}

	pubsubSubscription := client.Subscription(TopicName(queue))
	pubsubSubscription.ReceiveSettings.NumGoroutines = 1
	pubsubSubscription.ReceiveSettings.MaxOutstandingMessages = int(numMessages)
	if visibilityTimeout != 0 {
		pubsubSubscription.ReceiveSettings.MaxExtensionPeriod = visibilityTimeout
	} else {
		pubsubSubscription.ReceiveSettings.MaxExtensionPeriod = defaultVisibilityTimeoutS
	}
	err = pubsubSubscription.Receive(ctx, func(ctx context.Context, message *pubsub.Message) {
		metadata := Metadata{
			pubsubMessage: message,
			PublishTime:   message.PublishTime,
			Queue:         queue,
		}
		if message.DeliveryAttempt != nil {
			metadata.DeliveryAttempt = *message.DeliveryAttempt
		}
		messageCh <- jobhawk.ReceivedMessage{
			Payload:          message.Data,
			Attributes:       message.Attributes,
			ProviderMetadata: metadata,
		}
	})
	if err != nil {
		return err
	}

	// context cancelation doesn't return error from Receive
	return ctx.Err()
}

// RequeueDLQ re-queues everything in the jobhawk DLQ back into the jobhawk queue. Returns once no message has
// been received for Settings.RequeueIdleTimeout.
func (b *Backend) RequeueDLQ(ctx context.Context, queue string, numMessages uint32,
	visibilityTimeout time.Duration) error {
	client, err := b.ensureClient(ctx)
	if err != nil {
		return err
	}

	clientTopic := client.Topic(TopicName(queue))
	defer clientTopic.Stop()

	clientTopic.PublishSettings.CountThreshold = int(numMessages)
	if visibilityTimeout != 0 {
		clientTopic.PublishSettings.Timeout = visibilityTimeout
	} else {
		clientTopic.PublishSettings.Timeout = defaultVisibilityTimeoutS
	}

	pubsubSubscription := client.Subscription(DLQTopicName(queue))
	pubsubSubscription.ReceiveSettings.MaxOutstandingMessages = int(numMessages)
	pubsubSubscription.ReceiveSettings.MaxExtensionPeriod = clientTopic.PublishSettings.Timeout

	// run a timer that will fire after the idle timeout and shutdown subscriber
	idleTimeout := b.settings.RequeueIdleTimeout
	timer := time.NewTimer(idleTimeout)
	defer timer.Stop()

	wg := sync.WaitGroup{}
	defer wg.Wait()

	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg.Add(1)
	go func() {
		select {
		case <-timer.C:
			cancel()
		case <-rctx.Done():
		}
		wg.Done()
	}()

	var numMessagesRequeued uint32

	progressTicker := time.NewTicker(time.Second * 1)
	defer progressTicker.Stop()

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-progressTicker.C:
				b.getLogger(ctx).Info("Re-queue DLQ progress", jobhawk.LoggingFields{
					"queue":        queue,
					"num_messages": atomic.LoadUint32(&numMessagesRequeued),
				})
			case <-rctx.Done():
				return
			}
		}
	}()

	publishErrCh := make(chan error, 10)
	defer close(publishErrCh)
	err = pubsubSubscription.Receive(rctx, func(ctx context.Context, message *pubsub.Message) {
		timer.Reset(idleTimeout)
		result := clientTopic.Publish(rctx, &pubsub.Message{Data: message.Data, Attributes: message.Attributes})
		_, err := result.Get(rctx)
		if err != nil {
			message.Nack()
			cancel()
			publishErrCh <- err
		} else {
			message.Ack()
			atomic.AddUint32(&numMessagesRequeued, 1)
		}
	})
	if err != nil {
		return err
	}
	// if publish failed, signal that
	select {
	case err = <-publishErrCh:
		return err
	default:
	}
	// context cancelation doesn't return error in Receive, don't return error from rctx since cancelation is happy
	// path
	return ctx.Err()
}

// NackMessage nacks a message on the queue
func (b *Backend) NackMessage(_ context.Context, providerMetadata any) error {
	providerMetadata.(Metadata).pubsubMessage.Nack()
	return nil
}

// AckMessage acknowledges a message on the queue
func (b *Backend) AckMessage(_ context.Context, providerMetadata any) error {
	providerMetadata.(Metadata).pubsubMessage.Ack()
	return nil
}

// Close releases the Pub/Sub client. The backend may not be used afterwards.
func (b *Backend) Close() error {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.client == nil {
		return nil
	}
	err := b.client.Close()
	b.client = nil
	return err
}

func (b *Backend) ensureClient(ctx context.Context) (*pubsub.Client, error) {
	b.lock.Lock()
	defer b.lock.Unlock()
	if b.client != nil {
		return b.client, nil
	}
	googleCloudProject := b.settings.GoogleCloudProject
	if googleCloudProject == "" {
		creds, err := google.FindDefaultCredentials(ctx)
		if err != nil {
			return nil, errors.Wrap(
				err, "unable to discover google cloud project setting, either pass explicitly, or fix runtime environment")
		} else if creds.ProjectID == "" {
			return nil, errors.New(
				"unable to discover google cloud project setting, either pass explicitly, or fix runtime environment")
		}
		googleCloudProject = creds.ProjectID
	}
	client, err := pubsub.NewClient(context.Background(), googleCloudProject, b.settings.PubsubClientOptions...)
	if err != nil {
		return nil, err
	}
	b.client = client
	return client, nil
}

// Settings for the GCP backend
type Settings struct {
	// GoogleCloudProject ID that contains Pub/Sub resources.
	GoogleCloudProject string

	// PubsubClientOptions is a list of options to pass to pubsub.NewClient. This may be useful to customize GRPC
	// behavior for example.
	PubsubClientOptions []option.ClientOption

	// RequeueIdleTimeout is how long RequeueDLQ waits for another dead message before returning
	RequeueIdleTimeout time.Duration // optional; default: 5 seconds
}

func (b *Backend) initDefaults() {
	if b.settings.PubsubClientOptions == nil {
		b.settings.PubsubClientOptions = []option.ClientOption{}
	}
	if b.settings.RequeueIdleTimeout == 0 {
		b.settings.RequeueIdleTimeout = 5 * time.Second
	}
	if b.getLogger == nil {
		stdLogger := &jobhawk.StdLogger{}
		b.getLogger = func(_ context.Context) jobhawk.Logger { return stdLogger }
	}
}

// NewBackend creates a Backend for publishing and consuming from GCP
// The provider metadata produced by this Backend will have concrete type: gcp.Metadata
func NewBackend(settings Settings, getLogger jobhawk.GetLoggerFunc) *Backend {
	b := &Backend{settings: settings, getLogger: getLogger}
	b.initDefaults()
	return b
}
