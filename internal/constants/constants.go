package constants

import "time"

const (
	ExchangeMessages = "messages"
	ExchangeRetry    = "messages.retry"
)

const (
	QueueMessageProcessing = "message.processing"
	QueueAIProcessing      = "ai.processing"
	QueueMessageRetry      = "message.retry"
	QueueMessageDLQ        = "message.dlq"
)

const (
	CacheKeyPrefixDedup   = "dedup:"
	CacheKeyPrefixMessage = "msg:"
)

const (
	DefaultTTLSeconds  = 3600
	DefaultMaxAttempts = 3
	DefaultPrefetch    = 10
)

const (
	RedeliveryBaseDelay = 1 * time.Second
	RedeliveryMaxDelay  = 30 * time.Second
)

const (
	DefaultReconnectDelay       = 2 * time.Second
	DefaultReconnectMaxAttempts = 10
)

const (
	DefaultPublishTimeout = 5 * time.Second
	ShutdownTimeout       = 5 * time.Second
)

const (
	MaxContentLength  = 10000
	MaxAttachmentSize = 25 * 1024 * 1024
)

const (
	FallbackAllow = "allow"
	FallbackDeny  = "deny"
)
