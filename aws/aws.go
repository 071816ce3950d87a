// Package aws provides a jobhawk backend that publishes to SNS topics and consumes from the SQS queues subscribed
// to them. Each jobhawk queue maps to one topic and one queue (plus a dead letter queue).
package aws

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/sns"
	"github.com/aws/aws-sdk-go/service/sns/snsiface"
	"github.com/aws/aws-sdk-go/service/sqs"
	"github.com/aws/aws-sdk-go/service/sqs/sqsiface"
	"github.com/pkg/errors"

	"github.com/cloudchacho/jobhawk-go"
)

type Backend struct {
	settings Settings

	sqs       sqsiface.SQSAPI
	sns       snsiface.SNSAPI
	getLogger jobhawk.GetLoggerFunc
}

var _ = jobhawk.ConsumerBackend(&Backend{})
var _ = jobhawk.PublisherBackend(&Backend{})

// Metadata is additional metadata associated with a message
type Metadata struct {
	// AWS receipt identifier
	ReceiptHandle string

	// FirstReceiveTime is time the message was first received from the queue. The value
	//    is calculated as best effort and is approximate.
	FirstReceiveTime time.Time

	// SentTime when this message was originally sent to AWS
	SentTime time.Time

	// ReceiveCount received from SQS.
	//    The first delivery of a given message will have this value as 1. The value
	//    is calculated as best effort and is approximate.
	ReceiveCount int

	// Queue the message was received from
	Queue string
}

const (
	sqsWaitTimeoutSeconds int64 = 20

	attributeEncoding = "jobhawk_encoding"
)

func (b *Backend) sqsQueueName(queue string) string {
	return fmt.Sprintf("JOBHAWK-%s", strings.ToUpper(queue))
}

func (b *Backend) sqsDLQName(queue string) string {
	return b.sqsQueueName(queue) + "-DLQ"
}

func (b *Backend) snsTopic(queue string) string {
	return fmt.Sprintf("arn:aws:sns:%s:%s:jobhawk-%s", b.settings.AWSRegion, b.settings.AWSAccountID, queue)
}

func (b *Backend) sqsQueueURL(ctx context.Context, name string) (*string, error) {
	out, err := b.sqs.GetQueueUrlWithContext(ctx, &sqs.GetQueueUrlInput{
		QueueName: aws.String(name),
	})
	if err != nil {
		return nil, err
	}
	return out.QueueUrl, nil
}

// isValidForSQS checks that the payload is allowed in SQS message body since only some UTF8 characters are allowed
// ref: https://docs.amazonaws.cn/en_us/AWSSimpleQueueService/latest/APIReference/API_SendMessage.html
func isValidForSQS(payload []byte) bool {
	if !utf8.Valid(payload) {
		return false
	}
	return bytes.IndexFunc(payload, func(r rune) bool {
		//  allowed characters: #x9 | #xA | #xD | #x20 to #xD7FF | #xE000 to #xFFFD | #x10000 to #x10FFFF
		return !(r == '\x09' || r == '\x0A' || r == '\x0D' || (r >= '\x20' && r <= '\uD7FF') || (r >= '\uE000' && r <= '\uFFFD') || (r >= '\U00010000' && r <= '\U0010FFFF'))
	}) == -1
}

// Publish a message represented by the payload, with specified attributes, to the topic for the queue
func (b *Backend) Publish(ctx context.Context, payload []byte, attributes map[string]string, queue string) (string, error) {
	topic := b.snsTopic(queue)
	message := string(payload)

	snsAttributes := make(map[string]*sns.MessageAttributeValue, len(attributes)+1)
	for key, value := range attributes {
		snsAttributes[key] = &sns.MessageAttributeValue{
			StringValue: aws.String(value),
			DataType:    aws.String("String"),
		}
	}
	// SNS requires UTF-8 encoded string
	if !isValidForSQS(payload) {
		message = base64.StdEncoding.EncodeToString(payload)
		snsAttributes[attributeEncoding] = &sns.MessageAttributeValue{
			StringValue: aws.String("base64"),
			DataType:    aws.String("String"),
		}
	}

	result, err := b.sns.PublishWithContext(
		ctx,
		&sns.PublishInput{
			TopicArn:          &topic,
			Message:           &message,
			MessageAttributes: snsAttributes,
		},
		request.WithResponseReadTimeout(b.settings.AWSReadTimeoutS),
	)
	if err != nil {
		return "", errors.Wrap(err, "Failed to publish message to SNS")
	}
	return *result.MessageId, nil
}

func timestampAttribute(message *sqs.Message, name string) time.Time {
	value, ok := message.Attributes[name]
	if !ok || value == nil {
		return time.Time{}
	}
	ms, err := strconv.ParseInt(*value, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func newMetadata(message *sqs.Message, queue string) Metadata {
	receiveCount := -1
	if value, ok := message.Attributes[sqs.MessageSystemAttributeNameApproximateReceiveCount]; ok && value != nil {
		if count, err := strconv.Atoi(*value); err == nil {
			receiveCount = count
		}
	}
	return Metadata{
		ReceiptHandle:    aws.StringValue(message.ReceiptHandle),
		FirstReceiveTime: timestampAttribute(message, sqs.MessageSystemAttributeNameApproximateFirstReceiveTimestamp),
		SentTime:         timestampAttribute(message, sqs.MessageSystemAttributeNameSentTimestamp),
		ReceiveCount:     receiveCount,
		Queue:            queue,
	}
}

func (b *Backend) receiveInput(queueURL *string, numMessages uint32, visibilityTimeout time.Duration) *sqs.ReceiveMessageInput {
	input := &sqs.ReceiveMessageInput{
		MaxNumberOfMessages:   aws.Int64(int64(numMessages)),
		QueueUrl:              queueURL,
		WaitTimeSeconds:       aws.Int64(sqsWaitTimeoutSeconds),
		AttributeNames:        []*string{aws.String(sqs.QueueAttributeNameAll)},
		MessageAttributeNames: []*string{aws.String(sqs.QueueAttributeNameAll)},
	}
	if visibilityTimeout != 0 {
		input.VisibilityTimeout = aws.Int64(int64(visibilityTimeout.Seconds()))
	}
	return input
}

// Receive messages from the queue and provide them through the channel. This runs until the context is canceled.
// Provider metadata has concrete type Metadata.
func (b *Backend) Receive(ctx context.Context, queue string, numMessages uint32, visibilityTimeout time.Duration, messageCh chan<- jobhawk.ReceivedMessage) error {
	queueURL, err := b.sqsQueueURL(ctx, b.sqsQueueName(queue))
	if err != nil {
		return errors.Wrap(err, "failed to get SQS Queue URL")
	}
	input := b.receiveInput(queueURL, numMessages, visibilityTimeout)

	for {
		if ctx.Err() != nil {
			// if work was canceled because of context cancelation, signal that
			return ctx.Err()
		}
		out, err := b.sqs.ReceiveMessageWithContext(ctx, input)
		if err != nil {
			return errors.Wrap(err, "failed to receive SQS message")
		}
		wg := sync.WaitGroup{}
		for i := range out.Messages {
			if ctx.Err() != nil {
				break
			}
			wg.Add(1)
			queueMessage := out.Messages[i]
			go func() {
				defer wg.Done()
				attributes := map[string]string{}
				for k, v := range queueMessage.MessageAttributes {
					attributes[k] = aws.StringValue(v.StringValue)
				}
				payload := []byte(aws.StringValue(queueMessage.Body))
				if attributes[attributeEncoding] == "base64" {
					decoded, err := base64.StdEncoding.DecodeString(string(payload))
					if err != nil {
						b.getLogger(ctx).Error(
							err,
							"Invalid message payload - couldn't decode using base64",
							jobhawk.LoggingFields{"message_id": aws.StringValue(queueMessage.MessageId)},
						)
						return
					}
					payload = decoded
				}
				messageCh <- jobhawk.ReceivedMessage{
					Payload:          payload,
					Attributes:       attributes,
					ProviderMetadata: newMetadata(queueMessage, queue),
				}
			}()
		}
		wg.Wait()
	}
}

// RequeueDLQ re-queues everything in the jobhawk DLQ back into the jobhawk queue
func (b *Backend) RequeueDLQ(ctx context.Context, queue string, numMessages uint32, visibilityTimeout time.Duration) error {
	queueURL, err := b.sqsQueueURL(ctx, b.sqsQueueName(queue))
	if err != nil {
		return errors.Wrap(err, "failed to get SQS Queue URL")
	}
	dlqURL, err := b.sqsQueueURL(ctx, b.sqsDLQName(queue))
	if err != nil {
		return errors.Wrap(err, "failed to get SQS DLQ URL")
	}
	input := b.receiveInput(dlqURL, numMessages, visibilityTimeout)
	var numMessagesRequeued uint32

	for {
		// if work was canceled because of context cancelation, signal that
		if ctx.Err() != nil {
			return ctx.Err()
		}
		out, err := b.sqs.ReceiveMessageWithContext(ctx, input)
		if err != nil {
			return errors.Wrap(err, "failed to receive SQS message")
		}
		if len(out.Messages) == 0 {
			return nil
		}
		receipts := make(map[string]*string, len(out.Messages))
		entries := make([]*sqs.SendMessageBatchRequestEntry, len(out.Messages))
		for i, message := range out.Messages {
			entries[i] = &sqs.SendMessageBatchRequestEntry{
				Id:                message.MessageId,
				MessageAttributes: message.MessageAttributes,
				MessageBody:       message.Body,
			}
			receipts[*message.MessageId] = message.ReceiptHandle
		}
		sendInput := &sqs.SendMessageBatchInput{Entries: entries, QueueUrl: queueURL}
		sendOut, err := b.sqs.SendMessageBatchWithContext(ctx, sendInput, request.WithResponseReadTimeout(b.settings.AWSReadTimeoutS))
		if err != nil {
			return errors.Wrap(err, "failed to send messages")
		}
		if len(sendOut.Successful) > 0 {
			deleteEntries := make([]*sqs.DeleteMessageBatchRequestEntry, len(sendOut.Successful))
			for i, successful := range sendOut.Successful {
				deleteEntries[i] = &sqs.DeleteMessageBatchRequestEntry{
					Id:            successful.Id,
					ReceiptHandle: receipts[*successful.Id],
				}
			}
			deleteInput := &sqs.DeleteMessageBatchInput{Entries: deleteEntries, QueueUrl: dlqURL}
			deleteOutput, err := b.sqs.DeleteMessageBatchWithContext(ctx, deleteInput)
			if err != nil {
				return errors.Wrap(err, "failed to ack messages")
			}
			if len(deleteOutput.Failed) > 0 {
				return errors.New("failed to ack some messages")
			}
		}
		if len(sendOut.Failed) > 0 {
			return errors.New("failed to send some messages")
		}
		numMessagesRequeued += uint32(len(sendOut.Successful))
		b.getLogger(ctx).Info("Re-queue DLQ progress", jobhawk.LoggingFields{"queue": queue, "num_messages": numMessagesRequeued})
	}
}

// NackMessage nacks a message on the queue. SQS redelivers it once the visibility timeout expires, and moves it
// to the DLQ per the queue's redrive policy.
func (b *Backend) NackMessage(_ context.Context, _ any) error {
	return nil
}

// AckMessage deletes the message from the queue
func (b *Backend) AckMessage(ctx context.Context, providerMetadata any) error {
	me := providerMetadata.(Metadata)
	queueURL, err := b.sqsQueueURL(ctx, b.sqsQueueName(me.Queue))
	if err != nil {
		return errors.Wrap(err, "failed to get SQS Queue URL")
	}
	_, err = b.sqs.DeleteMessageWithContext(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      queueURL,
		ReceiptHandle: aws.String(me.ReceiptHandle),
	})
	return err
}

// Settings for AWS Backend
type Settings struct {
	// AWS Region
	AWSRegion string
	// AWS account id
	AWSAccountID string
	// AWS access key
	AWSAccessKey string
	// AWS secret key
	AWSSecretKey string
	// AWS session token that represents temporary credentials (i.e. for Lambda app)
	AWSSessionToken string
	// AWS read timeout for Publisher
	AWSReadTimeoutS time.Duration // optional; default: 2 seconds
}

func (b *Backend) initDefaults() {
	if b.settings.AWSReadTimeoutS == 0 {
		b.settings.AWSReadTimeoutS = 2 * time.Second
	}
	if b.getLogger == nil {
		stdLogger := &jobhawk.StdLogger{}
		b.getLogger = func(_ context.Context) jobhawk.Logger { return stdLogger }
	}
}

func createSession(region, awsAccessKey, awsSecretAccessKey, awsSessionToken string) *session.Session {
	var creds *credentials.Credentials
	if awsAccessKey != "" && awsSecretAccessKey != "" {
		creds = credentials.NewStaticCredentialsFromCreds(
			credentials.Value{
				AccessKeyID:     awsAccessKey,
				SecretAccessKey: awsSecretAccessKey,
				SessionToken:    awsSessionToken,
			},
		)
	}
	return session.Must(session.NewSessionWithOptions(
		session.Options{
			Config: aws.Config{
				Credentials: creds,
				Region:      aws.String(region),
				DisableSSL:  aws.Bool(false),
			},
		}))
}

// NewBackend creates a Backend for publishing and consuming from AWS
// The provider metadata produced by this Backend will have concrete type: aws.Metadata
func NewBackend(settings Settings, getLogger jobhawk.GetLoggerFunc) *Backend {
	awsSession := createSession(
		settings.AWSRegion, settings.AWSAccessKey, settings.AWSSecretKey, settings.AWSSessionToken,
	)

	b := &Backend{
		settings:  settings,
		sqs:       sqs.New(awsSession),
		sns:       sns.New(awsSession),
		getLogger: getLogger,
	}
	b.initDefaults()
	return b
}
