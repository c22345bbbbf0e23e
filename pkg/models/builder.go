package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type QueueMessageBuilder struct {
	msg *QueueMessage
	err error
}

func NewQueueMessageBuilder() *QueueMessageBuilder {
	return &QueueMessageBuilder{
		msg: &QueueMessage{},
	}
}

func (b *QueueMessageBuilder) WithID(id string) *QueueMessageBuilder {
	b.msg.ID = id
	return b
}

func (b *QueueMessageBuilder) WithType(t MessageType) *QueueMessageBuilder {
	b.msg.Type = t
	return b
}

// WithData marshals the payload; a marshal failure surfaces at Build.
func (b *QueueMessageBuilder) WithData(payload interface{}) *QueueMessageBuilder {
	data, err := json.Marshal(payload)
	if err != nil && b.err == nil {
		b.err = fmt.Errorf("marshal payload: %w", err)
		return b
	}
	b.msg.Data = data
	return b
}

func (b *QueueMessageBuilder) WithRawData(data json.RawMessage) *QueueMessageBuilder {
	b.msg.Data = data
	return b
}

func (b *QueueMessageBuilder) WithTimestamp(timestamp time.Time) *QueueMessageBuilder {
	b.msg.Timestamp = timestamp
	return b
}

func (b *QueueMessageBuilder) WithMaxAttempts(maxAttempts int) *QueueMessageBuilder {
	b.msg.MaxAttempts = maxAttempts
	return b
}

func (b *QueueMessageBuilder) WithDelay(delay time.Duration) *QueueMessageBuilder {
	b.msg.DelayMs = delay.Milliseconds()
	return b
}

// Build defaults ID, Timestamp, and MaxAttempts when unset. Attempts
// always starts at zero; only the broker's retry bookkeeping advances it.
func (b *QueueMessageBuilder) Build() (*QueueMessage, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.msg.ID == "" {
		b.msg.ID = uuid.New().String()
	}
	if b.msg.Timestamp.IsZero() {
		b.msg.Timestamp = time.Now().UTC()
	}
	if b.msg.MaxAttempts < 1 {
		b.msg.MaxAttempts = 3
	}
	return b.msg, nil
}
