/*
 * Copyright 2022, Cloudchacho
 * All rights reserved.
 */

package jobhawk

import (
	"context"
	"testing"
	"time"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type SendEmailJob struct {
	mock.Mock
}

func (t *SendEmailJob) Run(ctx context.Context, input *SendEmailJobInput) error {
	args := t.Called(ctx, input)
	return args.Error(0)
}

type SendEmailJobInput struct {
	To   string    `json:"to"`
	From string    `json:"from"`
	At   time.Time `json:"time"`
}

func TestCall(t *testing.T) {
	ctx := context.Background()

	jobRef := &SendEmailJob{}

	hub := NewHub(Config{}, nil)
	_, err := RegisterJob(hub, "main.SendEmailJob", jobRef.Run)
	require.NoError(t, err)

	fetchedJob, err := hub.getJob("main.SendEmailJob")
	require.NoError(t, err)

	sendTime := time.Date(2023, 11, 14, 22, 13, 20, 0, time.UTC)

	e := Envelope{
		KeyClass: "main.SendEmailJob",
		KeyQueue: "high",
		KeyJID:   uuid.NewV4().String(),
		KeyArgs: []any{map[string]any{
			"to":   "mail@example.com",
			"from": "spam@example.com",
			"time": sendTime.Format(time.RFC3339Nano),
		}},
	}

	provider := struct{}{}

	expectedInput := &SendEmailJobInput{
		To:   "mail@example.com",
		From: "spam@example.com",
		At:   sendTime,
	}
	jobRef.On("Run", ctx, expectedInput).Return(nil)

	err = fetchedJob.call(ctx, e, "high", provider)
	require.NoError(t, err)

	jobRef.AssertExpectations(t)
}

func TestCallNoArgs(t *testing.T) {
	ctx := context.Background()

	jobRef := &SendEmailJob{}
	hub := NewHub(Config{}, nil)
	_, err := RegisterJob(hub, "main.SendEmailJob", jobRef.Run)
	require.NoError(t, err)
	fetchedJob, err := hub.getJob("main.SendEmailJob")
	require.NoError(t, err)

	jobRef.On("Run", ctx, &SendEmailJobInput{}).Return(nil)

	require.NoError(t, fetchedJob.call(ctx, Envelope{KeyClass: "main.SendEmailJob"}, "default", nil))
	require.NoError(t, fetchedJob.call(ctx, Envelope{KeyClass: "main.SendEmailJob", KeyArgs: []any{}}, "default", nil))
	jobRef.AssertNumberOfCalls(t, "Run", 2)
}

func TestCallInvalidArgs(t *testing.T) {
	jobRef := &SendEmailJob{}
	hub := NewHub(Config{}, nil)
	_, err := RegisterJob(hub, "main.SendEmailJob", jobRef.Run)
	require.NoError(t, err)
	fetchedJob, err := hub.getJob("main.SendEmailJob")
	require.NoError(t, err)

	err = fetchedJob.call(context.Background(), Envelope{KeyArgs: []any{"not an object"}}, "default", nil)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "unable to decode args")

	err = fetchedJob.call(context.Background(), Envelope{KeyArgs: "not a list"}, "default", nil)
	assert.Error(t, err)
	jobRef.AssertNotCalled(t, "Run", mock.Anything, mock.Anything)
}

type SendEmailJobMetadata struct {
	mock.Mock
}

func (t *SendEmailJobMetadata) Run(ctx context.Context, input *SendEmailJobMetadataInput) error {
	args := t.Called(ctx, input)
	return args.Error(0)
}

type SendEmailJobMetadataInput struct {
	jid              string
	queue            string
	providerMetadata any
	enqueuedAt       time.Time
}

func (s *SendEmailJobMetadataInput) SetJID(jid string) {
	s.jid = jid
}

func (s *SendEmailJobMetadataInput) SetQueue(queue string) {
	s.queue = queue
}

func (s *SendEmailJobMetadataInput) SetProviderMetadata(a any) {
	s.providerMetadata = a
}

func (s *SendEmailJobMetadataInput) SetEnqueuedAt(t time.Time) {
	s.enqueuedAt = t
}

func TestCallMetadata(t *testing.T) {
	ctx := context.Background()

	jobRef := &SendEmailJobMetadata{}

	hub := NewHub(Config{}, nil)
	_, err := RegisterJob(hub, "main.SendEmailJobMetadata", jobRef.Run)
	require.NoError(t, err)

	fetchedJob, err := hub.getJob("main.SendEmailJobMetadata")
	require.NoError(t, err)

	e := Envelope{
		KeyClass:      "main.SendEmailJobMetadata",
		KeyQueue:      "high",
		KeyJID:        "123",
		KeyArgs:       []any{map[string]any{}},
		KeyEnqueuedAt: 1700000000.5,
	}

	providerMetadata := struct{}{}

	expectedInput := &SendEmailJobMetadataInput{}
	expectedInput.SetJID("123")
	expectedInput.SetQueue("critical")
	expectedInput.SetProviderMetadata(providerMetadata)
	expectedInput.SetEnqueuedAt(time.Unix(1700000000, 500000000).UTC())
	jobRef.On("Run", ctx, expectedInput).Return(nil)

	err = fetchedJob.call(ctx, e, "critical", providerMetadata)
	require.NoError(t, err)

	jobRef.AssertExpectations(t)
}

func TestWrapJobFnPanicWithError(t *testing.T) {
	fn := wrapJobFn(func(ctx context.Context, input *SendEmailJobInput) error {
		panic(errors.New("boom"))
	})
	err := fn(context.Background(), &SendEmailJobInput{})
	assert.EqualError(t, err, "job failed with panic: boom")
}

func TestWrapJobFnPanicWithValue(t *testing.T) {
	fn := wrapJobFn(func(ctx context.Context, input *SendEmailJobInput) error {
		panic(42)
	})
	err := fn(context.Background(), &SendEmailJobInput{})
	assert.EqualError(t, err, "panic: 42")
}

func TestWrapJobFnError(t *testing.T) {
	fn := wrapJobFn(func(ctx context.Context, input *SendEmailJobInput) error {
		return ErrRetry
	})
	assert.True(t, fn(context.Background(), &SendEmailJobInput{}) == ErrRetry)
}
