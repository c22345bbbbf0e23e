package models

import (
	"encoding/json"
	"time"
)

// MessageType is the logical kind of a queued unit of work. Routing keys
// and payload schemas are both keyed by it.
type MessageType string

const (
	TypeMessageProcess MessageType = "message.process"
	TypeAIClassify     MessageType = "ai.classify"
)

// QueueMessage is the broker envelope. Attempts counts deliveries that
// have already failed; a message stays on work queues only while
// attempts < max_attempts. Error and FailedAt are set when the message
// is moved to the dead-letter queue.
type QueueMessage struct {
	ID          string          `json:"id"`
	Type        MessageType     `json:"type"`
	Data        json.RawMessage `json:"data"`
	Timestamp   time.Time       `json:"timestamp"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	DelayMs     int64           `json:"delay_ms,omitempty"`
	Error       string          `json:"error,omitempty"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`
}

// MessageProcessPayload is the data schema for TypeMessageProcess.
type MessageProcessPayload struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	OrganizationID string    `json:"organization_id"`
	IntegrationID  string    `json:"integration_id"`
	Direction      string    `json:"direction"`
	ReceivedAt     time.Time `json:"received_at"`
}

// AIClassifyPayload is the data schema for TypeAIClassify. Carries the
// text and just enough context for the classifier workers.
type AIClassifyPayload struct {
	MessageID      string `json:"message_id"`
	ConversationID string `json:"conversation_id"`
	OrganizationID string `json:"organization_id"`
	Text           string `json:"text"`
	Language       string `json:"language,omitempty"`
	SenderType     string `json:"sender_type"`
}

// DecodePayload unmarshals Data into the concrete payload type for the
// envelope's Type. Unknown types come back as the raw JSON so consumers
// can forward messages they do not understand.
func (m *QueueMessage) DecodePayload() (interface{}, error) {
	switch m.Type {
	case TypeMessageProcess:
		var p MessageProcessPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case TypeAIClassify:
		var p AIClassifyPayload
		if err := json.Unmarshal(m.Data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	default:
		return m.Data, nil
	}
}
