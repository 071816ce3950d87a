package jobhawk

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
)

type jsonifier struct{}

const (
	headerClass = "jobhawk_class"
	headerQueue = "jobhawk_queue"
)

func (j jsonifier) deserialize(messagePayload []byte) (Envelope, error) {
	decoder := json.NewDecoder(bytes.NewReader(messagePayload))
	// keep numbers intact, timestamps are read through Envelope.Float
	decoder.UseNumber()
	var e Envelope
	if err := decoder.Decode(&e); err != nil {
		return nil, fmt.Errorf("unable to deserialize: %w", err)
	}
	if e == nil {
		return nil, errors.New("unable to deserialize: empty envelope")
	}
	return e, nil
}

func (j jsonifier) serialize(e Envelope) ([]byte, map[string]string, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, nil, fmt.Errorf("unable to serialize: %w", err)
	}
	headers := map[string]string{}
	if jobClass, ok := e.JobClass(); ok {
		headers[headerClass] = jobClass
	}
	if queue, ok := e.Queue(); ok {
		headers[headerQueue] = queue
	}
	return payload, headers, nil
}

// decodeArgs decodes the first element of the envelope args into target.
func decodeArgs(e Envelope, target any) error {
	args, ok := e[KeyArgs]
	if !ok {
		return nil
	}
	raw, err := json.Marshal(args)
	if err != nil {
		return errors.Wrap(err, "unable to decode args")
	}
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return errors.Wrap(err, "unable to decode args")
	}
	if len(list) == 0 {
		return nil
	}
	if err := json.Unmarshal(list[0], target); err != nil {
		return errors.Wrap(err, "unable to decode args")
	}
	return nil
}
