package ingestion

import (
	"time"
)

type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

type SenderType string

const (
	SenderCustomer SenderType = "customer"
	SenderAgent    SenderType = "agent"
	SenderSystem   SenderType = "system"
	SenderAI       SenderType = "ai"
)

type MessageStatus string

const (
	MessageStatusReceived  MessageStatus = "received"
	MessageStatusProcessed MessageStatus = "processed"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

func (s MessageStatus) Valid() bool {
	switch s {
	case MessageStatusReceived, MessageStatusProcessed, MessageStatusDelivered, MessageStatusRead, MessageStatusFailed:
		return true
	default:
		return false
	}
}

type ConversationStatus string

const (
	ConversationOpen               ConversationStatus = "open"
	ConversationInProgress         ConversationStatus = "in_progress"
	ConversationWaitingForCustomer ConversationStatus = "waiting_for_customer"
	ConversationResolved           ConversationStatus = "resolved"
	ConversationClosed             ConversationStatus = "closed"
)

// OpenConversationStatuses are the states a conversation can be in and
// still absorb a new inbound message from the same participant.
var OpenConversationStatuses = []ConversationStatus{
	ConversationOpen,
	ConversationInProgress,
	ConversationWaitingForCustomer,
}

type Content struct {
	Text     string `json:"text"`
	HTML     string `json:"html,omitempty"`
	Format   string `json:"format,omitempty"`
	Language string `json:"language,omitempty"`
}

type Sender struct {
	Type  SenderType `json:"type"`
	Name  string     `json:"name,omitempty"`
	Email string     `json:"email,omitempty"`
	Phone string     `json:"phone,omitempty"`
}

type Recipient struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

type Attachment struct {
	Filename    string `json:"filename"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
	URL         string `json:"url,omitempty"`
}

// IncomingMessage is the raw unit submitted by an upstream connector.
// It is treated as immutable once it enters the pipeline.
type IncomingMessage struct {
	ConversationID string                 `json:"conversationId,omitempty"`
	ExternalID     string                 `json:"externalId,omitempty"`
	Direction      Direction              `json:"direction"`
	Content        Content                `json:"content"`
	Sender         Sender                 `json:"sender"`
	Recipient      *Recipient             `json:"recipient,omitempty"`
	Attachments    []Attachment           `json:"attachments,omitempty"`
	Metadata       map[string]interface{} `json:"metadata,omitempty"`
	OrganizationID string                 `json:"organizationId"`
	IntegrationID  string                 `json:"integrationId"`
	ReceivedAt     time.Time              `json:"receivedAt,omitempty"`
}

type StoredAttachment struct {
	Attachment
	Processed bool `json:"processed"`
}

// Message is the durable record created from an IncomingMessage. After
// creation it is mutated only through the status-update operation.
type Message struct {
	ID             string                 `json:"id"`
	ConversationID string                 `json:"conversationId"`
	ExternalID     string                 `json:"externalId,omitempty"`
	Direction      Direction              `json:"direction"`
	Content        Content                `json:"content"`
	Sender         Sender                 `json:"sender"`
	Recipient      *Recipient             `json:"recipient,omitempty"`
	Attachments    []StoredAttachment     `json:"attachments,omitempty"`
	Metadata       map[string]interface{} `json:"metadata"`
	Status         MessageStatus          `json:"status"`
	CreatedAt      time.Time              `json:"createdAt"`
	UpdatedAt      time.Time              `json:"updatedAt"`
	ProcessedAt    *time.Time             `json:"processedAt,omitempty"`
	DeliveredAt    *time.Time             `json:"deliveredAt,omitempty"`
	ReadAt         *time.Time             `json:"readAt,omitempty"`
}

type Conversation struct {
	ID               string             `json:"id"`
	OrganizationID   string             `json:"organizationId"`
	IntegrationID    string             `json:"integrationId"`
	ParticipantEmail string             `json:"participantEmail,omitempty"`
	Status           ConversationStatus `json:"status"`
	CreatedAt        time.Time          `json:"createdAt"`
	UpdatedAt        time.Time          `json:"updatedAt"`
	LastMessageAt    *time.Time         `json:"lastMessageAt,omitempty"`
}

type ProcessingStatus string

const (
	ProcessingQueued    ProcessingStatus = "queued"
	ProcessingCompleted ProcessingStatus = "completed"
	ProcessingFailed    ProcessingStatus = "failed"
)

// ProcessingResult is the synchronous answer to one ingestion call.
// Transient, never persisted.
type ProcessingResult struct {
	MessageID        string           `json:"messageId,omitempty"`
	ConversationID   string           `json:"conversationId,omitempty"`
	Status           ProcessingStatus `json:"status"`
	ProcessingTimeMs int64            `json:"processingTimeMs"`
	Errors           []string         `json:"errors,omitempty"`
}

type UpdateStatusRequest struct {
	Status   MessageStatus          `json:"status"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`
}
