package ingestion

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"relay/internal/broker"
	"relay/internal/cache"
	"relay/internal/config"
	"relay/internal/constants"
	"relay/internal/logger"
	pkgerrors "relay/pkg/errors"
	"relay/pkg/logging"
	"relay/pkg/metrics"
	"relay/pkg/models"
	"relay/pkg/tracing"
)

// duplicateMarker is the explicit marker placed in a result's error
// list when a message is suppressed as a duplicate.
const duplicateMarker = "duplicate message detected"

type Service interface {
	// Process runs one message through validate, dedup, conversation
	// resolution, transform, persist, publish and cache. The result is
	// always populated; the error mirrors result.Status=failed and
	// carries the failure class for callers that branch on it.
	Process(ctx context.Context, incoming IncomingMessage) (*ProcessingResult, error)

	UpdateStatus(ctx context.Context, messageID string, status MessageStatus, extra map[string]interface{}) (*Message, error)

	GetMessage(ctx context.Context, id string) (*Message, error)
}

type serviceImpl struct {
	store    Store
	cache    cache.Cache
	producer broker.Producer
	cfg      config.IngestionConfig
	logger   logger.Logger
}

func NewService(store Store, c cache.Cache, producer broker.Producer, cfg config.IngestionConfig, log logger.Logger) Service {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = constants.DefaultMaxAttempts
	}
	if cfg.CacheTTLSeconds <= 0 {
		cfg.CacheTTLSeconds = constants.DefaultTTLSeconds
	}
	if cfg.Dedup.TTLSeconds <= 0 {
		cfg.Dedup.TTLSeconds = constants.DefaultTTLSeconds
	}
	if cfg.Dedup.OnCacheError == "" {
		cfg.Dedup.OnCacheError = constants.FallbackAllow
	}

	return &serviceImpl{
		store:    store,
		cache:    c,
		producer: producer,
		cfg:      cfg,
		logger:   log,
	}
}

func (s *serviceImpl) Process(ctx context.Context, incoming IncomingMessage) (*ProcessingResult, error) {
	ctx, span := tracing.GetTracer("ingestion-service").Start(ctx, "ingestion.process")
	defer span.End()

	start := time.Now()
	result := &ProcessingResult{Status: ProcessingFailed}
	defer func() {
		result.ProcessingTimeMs = time.Since(start).Milliseconds()
		metrics.ObserveIngestDuration(time.Since(start), string(result.Status))
		metrics.IncIngestMessage(string(result.Status))
	}()

	validation := ValidateIncoming(incoming)
	for _, warning := range validation.Warnings {
		s.logger.WarnwCtx(ctx, "validation warning", "warning", warning)
	}
	if !validation.OK() {
		result.Errors = validation.Errors
		s.logger.WarnwCtx(ctx, "message rejected by validation",
			"errors", validation.Errors,
			"organization_id", incoming.OrganizationID)
		return result, pkgerrors.ErrValidation.WithDetail("errors", validation.Errors)
	}

	duplicate, err := s.checkDuplicate(ctx, incoming)
	if err != nil {
		result.Errors = []string{err.Error()}
		return result, err
	}
	if duplicate {
		result.Status = ProcessingCompleted
		result.Errors = []string{duplicateMarker}
		s.logger.InfowCtx(ctx, "duplicate message suppressed",
			"external_id", incoming.ExternalID,
			"conversation_id", incoming.ConversationID)
		return result, nil
	}

	conversationID, err := s.resolveConversation(ctx, incoming)
	if err != nil {
		result.Errors = []string{err.Error()}
		s.logger.ErrorwCtx(ctx, "failed to resolve conversation", "error", err)
		return result, err
	}
	result.ConversationID = conversationID
	ctx = logging.WithConversationID(ctx, conversationID)

	msg := s.transform(incoming, conversationID)

	if err := s.store.CreateMessage(ctx, msg); err != nil {
		if pkgerrors.IsDuplicate(err) {
			// The unique constraint is the authoritative dedup
			// backstop; fold the conflict into the duplicate outcome.
			result.Status = ProcessingCompleted
			result.Errors = []string{duplicateMarker}
			metrics.IncDedupCheck("store_conflict")
			s.logger.InfowCtx(ctx, "duplicate message rejected by store",
				"external_id", incoming.ExternalID,
				"conversation_id", conversationID)
			return result, nil
		}
		result.Errors = []string{err.Error()}
		s.logger.ErrorwCtx(ctx, "failed to persist message", "error", err)
		return result, err
	}
	result.MessageID = msg.ID
	ctx = logging.WithMessageID(ctx, msg.ID)

	if err := s.store.TouchConversation(ctx, conversationID, msg.CreatedAt); err != nil {
		s.logger.WarnwCtx(ctx, "failed to update conversation activity", "error", err)
	}

	if err := s.publishWork(ctx, msg); err != nil {
		// Persisted but not queued: reconciliation of such orphans
		// happens outside the pipeline.
		result.Errors = []string{err.Error()}
		s.logger.ErrorwCtx(ctx, "failed to publish persisted message", "error", err)
		s.markFailed(ctx, msg.ID)
		return result, err
	}

	s.cacheMessage(ctx, msg)

	result.Status = ProcessingQueued
	s.logger.InfowCtx(ctx, "message ingested",
		"direction", string(msg.Direction),
		"conversation_id", conversationID,
		"duration_ms", time.Since(start).Milliseconds())
	return result, nil
}

// checkDuplicate reports whether the message was already seen, and
// claims the idempotency key when it was not, so near-future duplicates
// are suppressed even before this message finishes persisting. When the
// dedup store is unreachable the configured policy decides: allow
// treats the message as unique, deny fails the call.
func (s *serviceImpl) checkDuplicate(ctx context.Context, incoming IncomingMessage) (bool, error) {
	if !s.cfg.Dedup.Enabled || incoming.ExternalID == "" {
		return false, nil
	}

	key := cache.DedupKey(incoming.ExternalID, incoming.ConversationID)
	exists, err := s.cache.Exists(ctx, key)
	if err != nil {
		metrics.IncDedupCheck("error")
		if s.cfg.Dedup.OnCacheError == constants.FallbackDeny {
			metrics.IncFallbackUsage("dedup", constants.FallbackDeny, "cache_unavailable")
			return false, pkgerrors.Wrap(err, pkgerrors.ErrInternal).WithMessage("deduplication unavailable")
		}
		metrics.IncFallbackUsage("dedup", constants.FallbackAllow, "cache_unavailable")
		s.logger.WarnwCtx(ctx, "dedup check failed, processing as unique", "error", err)
		return false, nil
	}
	if exists {
		metrics.IncDedupCheck("hit")
		return true, nil
	}
	metrics.IncDedupCheck("miss")

	ttl := time.Duration(s.cfg.Dedup.TTLSeconds) * time.Second
	if err := s.cache.Set(ctx, key, "1", ttl); err != nil {
		s.logger.WarnwCtx(ctx, "failed to record dedup key", "error", err)
	}
	return false, nil
}

// resolveConversation picks the conversation the message belongs to: a
// supplied id that exists wins; otherwise inbound messages join the
// sender's most recently active open conversation; otherwise a new
// conversation is created. Resolution is best-effort under concurrency:
// two racing messages may open two conversations, which is accepted.
func (s *serviceImpl) resolveConversation(ctx context.Context, incoming IncomingMessage) (string, error) {
	if incoming.ConversationID != "" {
		conv, err := s.store.GetConversationByID(ctx, incoming.ConversationID)
		if err != nil {
			return "", err
		}
		if conv != nil {
			metrics.IncConversationResolution("existing")
			return conv.ID, nil
		}
		s.logger.WarnwCtx(ctx, "supplied conversation does not exist, resolving a new one",
			"conversation_id", incoming.ConversationID)
	}

	if incoming.Direction == DirectionInbound && incoming.Sender.Email != "" {
		open, err := s.store.FindOpenConversations(ctx, incoming.Sender.Email, incoming.OrganizationID)
		if err != nil {
			return "", err
		}
		if len(open) > 0 {
			metrics.IncConversationResolution("matched")
			return open[0].ID, nil
		}
	}

	conv := &Conversation{
		OrganizationID:   incoming.OrganizationID,
		IntegrationID:    incoming.IntegrationID,
		ParticipantEmail: incoming.Sender.Email,
		Status:           ConversationOpen,
	}
	if err := s.store.CreateConversation(ctx, conv); err != nil {
		return "", err
	}
	metrics.IncConversationResolution("created")
	s.logger.InfowCtx(ctx, "conversation created", "conversation_id", conv.ID)
	return conv.ID, nil
}

// transform maps the raw message into its durable shape: format
// defaults to text, status starts at received, and the routing context
// joins the metadata.
func (s *serviceImpl) transform(incoming IncomingMessage, conversationID string) *Message {
	receivedAt := incoming.ReceivedAt
	if receivedAt.IsZero() {
		receivedAt = time.Now().UTC()
	}

	content := incoming.Content
	if content.Format == "" {
		content.Format = "text"
	}

	metadata := make(map[string]interface{}, len(incoming.Metadata)+3)
	for k, v := range incoming.Metadata {
		metadata[k] = v
	}
	metadata["organizationId"] = incoming.OrganizationID
	metadata["integrationId"] = incoming.IntegrationID
	metadata["receivedAt"] = receivedAt.Format(time.RFC3339Nano)

	var attachments []StoredAttachment
	for _, att := range incoming.Attachments {
		attachments = append(attachments, StoredAttachment{Attachment: att})
	}

	return &Message{
		ConversationID: conversationID,
		ExternalID:     incoming.ExternalID,
		Direction:      incoming.Direction,
		Content:        content,
		Sender:         incoming.Sender,
		Recipient:      incoming.Recipient,
		Attachments:    attachments,
		Metadata:       metadata,
		Status:         MessageStatusReceived,
	}
}

// publishWork fans the persisted message out for downstream consumers:
// message.process always, ai.classify only for inbound traffic.
func (s *serviceImpl) publishWork(ctx context.Context, msg *Message) error {
	orgID, _ := msg.Metadata["organizationId"].(string)
	integrationID, _ := msg.Metadata["integrationId"].(string)

	processMsg, err := models.NewQueueMessageBuilder().
		WithType(models.TypeMessageProcess).
		WithData(models.MessageProcessPayload{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			OrganizationID: orgID,
			IntegrationID:  integrationID,
			Direction:      string(msg.Direction),
			ReceivedAt:     msg.CreatedAt,
		}).
		WithMaxAttempts(s.cfg.MaxAttempts).
		Build()
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.ErrPublish).WithMessage("failed to build work message")
	}

	if err := s.producer.Publish(ctx, constants.ExchangeMessages, string(models.TypeMessageProcess), processMsg, broker.PublishOptions{}); err != nil {
		return err
	}

	if msg.Direction != DirectionInbound {
		return nil
	}

	classifyMsg, err := models.NewQueueMessageBuilder().
		WithType(models.TypeAIClassify).
		WithData(models.AIClassifyPayload{
			MessageID:      msg.ID,
			ConversationID: msg.ConversationID,
			OrganizationID: orgID,
			Text:           msg.Content.Text,
			Language:       msg.Content.Language,
			SenderType:     string(msg.Sender.Type),
		}).
		WithMaxAttempts(s.cfg.MaxAttempts).
		Build()
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.ErrPublish).WithMessage("failed to build classify message")
	}

	return s.producer.Publish(ctx, constants.ExchangeMessages, string(models.TypeAIClassify), classifyMsg, broker.PublishOptions{})
}

// markFailed records that a persisted message never made it onto the
// queue. Best-effort.
func (s *serviceImpl) markFailed(ctx context.Context, messageID string) {
	if _, err := s.store.UpdateMessageStatus(ctx, messageID, MessageStatusFailed, nil); err != nil {
		s.logger.ErrorwCtx(ctx, "failed to mark message as failed", "error", err)
	}
}

func (s *serviceImpl) cacheMessage(ctx context.Context, msg *Message) {
	raw, err := json.Marshal(msg)
	if err != nil {
		s.logger.WarnwCtx(ctx, "failed to encode message for cache", "error", err)
		return
	}
	ttl := time.Duration(s.cfg.CacheTTLSeconds) * time.Second
	if err := s.cache.Set(ctx, cache.MessageKey(msg.ID), raw, ttl); err != nil {
		s.logger.WarnwCtx(ctx, "failed to cache message", "error", err)
	}
}

func (s *serviceImpl) UpdateStatus(ctx context.Context, messageID string, status MessageStatus, extra map[string]interface{}) (*Message, error) {
	ctx, span := tracing.GetTracer("ingestion-service").Start(ctx, "ingestion.update_status")
	defer span.End()
	ctx = logging.WithMessageID(ctx, messageID)

	if !status.Valid() {
		metrics.IncStatusUpdate(string(status), "invalid")
		return nil, pkgerrors.ErrValidation.
			WithMessage("unknown message status").
			WithDetail("status", string(status))
	}

	msg, err := s.store.UpdateMessageStatus(ctx, messageID, status, extra)
	if err != nil {
		metrics.IncStatusUpdate(string(status), "error")
		return nil, err
	}
	metrics.IncStatusUpdate(string(status), "ok")

	s.cacheMessage(ctx, msg)
	s.logger.InfowCtx(ctx, "message status updated", "status", string(status))
	return msg, nil
}

// GetMessage serves reads cache-first; a miss or an unusable cache
// entry falls through to the store and back-fills the cache.
func (s *serviceImpl) GetMessage(ctx context.Context, id string) (*Message, error) {
	cached, err := s.cache.Get(ctx, cache.MessageKey(id))
	if err == nil {
		var msg Message
		if uerr := json.Unmarshal([]byte(cached), &msg); uerr == nil {
			return &msg, nil
		}
		s.logger.WarnwCtx(ctx, "failed to decode cached message, falling back to store", "message_id", id)
	} else if !errors.Is(err, cache.ErrCacheMiss) {
		s.logger.WarnwCtx(ctx, "cache read failed, falling back to store",
			"message_id", id,
			"error", err)
	}

	msg, err := s.store.GetMessageByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.cacheMessage(ctx, msg)
	return msg, nil
}
