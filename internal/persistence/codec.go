package persistence

import (
	"bytes"
	"encoding/gob"
	"fmt"

	"github.com/petrijr/signalflow/pkg/api"
)

// EncodeValue serializes arbitrary Go values using encoding/gob.
// Callers must ensure that values are gob-encodable and that custom types
// are registered with gob.Register.
func EncodeValue(v any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	var buf bytes.Buffer

	// Encode as interface{} so the payload can be decoded without knowing
	// its concrete type.
	iv := v
	if err := gob.NewEncoder(&buf).Encode(&iv); err != nil {
		return nil, fmt.Errorf("encode %T: %w", v, err)
	}
	return buf.Bytes(), nil
}

// DecodeValue deserializes data written by EncodeValue.
func DecodeValue(data []byte) (any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var iv any
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&iv); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return iv, nil
}

// EncodeFailure serializes a failure record. A nil failure encodes to nil.
func EncodeFailure(f *api.Failure) ([]byte, error) {
	if f == nil {
		return nil, nil
	}
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(f); err != nil {
		return nil, fmt.Errorf("encode failure: %w", err)
	}
	return buf.Bytes(), nil
}

// DecodeFailure deserializes data written by EncodeFailure.
func DecodeFailure(data []byte) (*api.Failure, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var f api.Failure
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&f); err != nil {
		return nil, fmt.Errorf("decode failure: %w", err)
	}
	return &f, nil
}

// encodedExecution holds the binary columns shared by every backend.
type encodedExecution struct {
	Input   []byte
	Output  []byte
	Failure []byte
}

func encodeExecution(exec *api.WorkflowExecution) (encodedExecution, error) {
	var (
		enc encodedExecution
		err error
	)
	if enc.Input, err = EncodeValue(exec.Input); err != nil {
		return enc, err
	}
	if enc.Output, err = EncodeValue(exec.Output); err != nil {
		return enc, err
	}
	if enc.Failure, err = EncodeFailure(exec.Failure); err != nil {
		return enc, err
	}
	return enc, nil
}

func (enc encodedExecution) decodeInto(exec *api.WorkflowExecution) error {
	var err error
	if exec.Input, err = DecodeValue(enc.Input); err != nil {
		return err
	}
	if exec.Output, err = DecodeValue(enc.Output); err != nil {
		return err
	}
	if exec.Failure, err = DecodeFailure(enc.Failure); err != nil {
		return err
	}
	return nil
}

// encodedEvent holds the binary columns of a history event.
type encodedEvent struct {
	Payload []byte
	Failure []byte
}

func encodeEvent(ev api.HistoryEvent) (encodedEvent, error) {
	var (
		enc encodedEvent
		err error
	)
	if enc.Payload, err = EncodeValue(ev.Payload); err != nil {
		return enc, err
	}
	if enc.Failure, err = EncodeFailure(ev.Failure); err != nil {
		return enc, err
	}
	return enc, nil
}

func (enc encodedEvent) decodeInto(ev *api.HistoryEvent) error {
	var err error
	if ev.Payload, err = DecodeValue(enc.Payload); err != nil {
		return err
	}
	if ev.Failure, err = DecodeFailure(enc.Failure); err != nil {
		return err
	}
	return nil
}
