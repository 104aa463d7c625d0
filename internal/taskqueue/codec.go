package taskqueue

import (
	"bytes"
	"encoding/gob"
	"errors"
	"time"

	"github.com/google/uuid"
)

// EncodeTask gob-encodes a Task. Input values must be gob-registered when
// they are not builtin types.
func EncodeTask(t Task) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(&t); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeTask gob-decodes a Task.
func DecodeTask(data []byte) (*Task, error) {
	var t Task
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&t); err != nil {
		return nil, err
	}
	return &t, nil
}

// prepare fills the defaults every backend applies on Enqueue.
func prepare(t *Task, now time.Time) error {
	if t.Queue == "" {
		return errors.New("taskqueue: task queue name is required")
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = now
	}
	if t.NotBefore.IsZero() {
		t.NotBefore = t.EnqueuedAt
	}
	return nil
}

func validateTTL(ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("taskqueue: lease ttl must be > 0")
	}
	return nil
}

// pollTimer returns a stopped timer for idle polling loops.
func pollTimer() *time.Timer {
	tmr := time.NewTimer(0)
	if !tmr.Stop() {
		select {
		case <-tmr.C:
		default:
		}
	}
	return tmr
}
