/*
 * Copyright 2022, Cloudchacho
 * All rights reserved.
 */

package jobhawk

import (
	"encoding/json"
	"math"
	"strconv"
	"time"

	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
)

// Envelope keys. The layout follows the Sidekiq job hash so that envelopes may be shared with Sidekiq processes.
const (
	// KeyClass is the type name of the job
	KeyClass = "class"
	// KeyWrapped is the inner job type name when the job is a wrapper (e.g. an ActiveJob adapter)
	KeyWrapped = "wrapped"
	// KeyQueue is the logical queue name
	KeyQueue = "queue"
	// KeyJID is the unique job identifier
	KeyJID = "jid"
	// KeyArgs is the job input
	KeyArgs = "args"
	// KeyCreatedAt is the epoch timestamp (seconds, fractional) when the job was constructed
	KeyCreatedAt = "created_at"
	// KeyEnqueuedAt is the epoch timestamp (seconds, fractional) when the job was handed to the backend
	KeyEnqueuedAt = "enqueued_at"
)

// DefaultQueue is the queue used by jobs registered without an explicit queue
const DefaultQueue = "default"

// Envelope is one unit of work as it travels through a backend. Values are dynamically typed since the envelope
// may be produced by other languages; use the typed accessors to read it.
type Envelope map[string]any

// Set stores value under key, overwriting any previous value.
func (e Envelope) Set(key string, value any) {
	e[key] = value
}

// Delete removes key from the envelope.
func (e Envelope) Delete(key string) {
	delete(e, key)
}

// String returns the value of key if it's a non-empty string.
func (e Envelope) String(key string) (string, bool) {
	v, ok := e[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	if !ok || s == "" {
		return "", false
	}
	return s, true
}

// Float returns the value of key as a float64. Numeric strings and json.Number values are parsed.
func (e Envelope) Float(key string) (float64, bool) {
	v, ok := e[key]
	if !ok {
		return 0, false
	}
	var f float64
	switch n := v.(type) {
	case float64:
		f = n
	case float32:
		f = float64(n)
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case int32:
		f = float64(n)
	case uint64:
		f = float64(n)
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return 0, false
		}
		f = parsed
	case string:
		parsed, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, false
		}
		f = parsed
	default:
		return 0, false
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// Time returns the value of key, interpreted as epoch seconds, as a time.Time.
func (e Envelope) Time(key string) (time.Time, bool) {
	f, ok := e.Float(key)
	if !ok {
		return time.Time{}, false
	}
	return TimeFromEpoch(f), true
}

// JobClass returns the wrapped job class if present, or else the job class.
func (e Envelope) JobClass() (string, bool) {
	if wrapped, ok := e.String(KeyWrapped); ok {
		return wrapped, true
	}
	return e.String(KeyClass)
}

// Queue returns the queue name
func (e Envelope) Queue() (string, bool) {
	return e.String(KeyQueue)
}

// JID returns the job identifier
func (e Envelope) JID() (string, bool) {
	return e.String(KeyJID)
}

// Clone returns a shallow copy of the envelope
func (e Envelope) Clone() Envelope {
	c := make(Envelope, len(e))
	for k, v := range e {
		c[k] = v
	}
	return c
}

// EpochSeconds converts t to fractional seconds since epoch, the timestamp format used in envelopes.
func EpochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// TimeFromEpoch converts fractional epoch seconds to a time.Time.
func TimeFromEpoch(seconds float64) time.Time {
	sec, frac := math.Modf(seconds)
	return time.Unix(int64(sec), int64(frac*float64(time.Second))).UTC()
}

func newJID() string {
	return uuid.NewV4().String()
}

func (e Envelope) validate() error {
	if _, ok := e.String(KeyClass); !ok {
		return errors.New("missing required data: class")
	}
	if _, ok := e.Queue(); !ok {
		return errors.New("missing required data: queue")
	}
	return nil
}

// newEnvelope creates a new job envelope. If the data fails validation, error will be returned.
func newEnvelope(jobClass string, queue string, input any) (Envelope, error) {
	e := Envelope{
		KeyClass:     jobClass,
		KeyQueue:     queue,
		KeyJID:       newJID(),
		KeyArgs:      []any{input},
		KeyCreatedAt: EpochSeconds(time.Now()),
	}
	if err := e.validate(); err != nil {
		return e, err
	}
	return e, nil
}
