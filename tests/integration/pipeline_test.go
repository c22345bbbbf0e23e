package integration

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/cache"
	"relay/internal/constants"
	"relay/internal/ingestion"
	"relay/pkg/models"
)

func TestPipelinePersistsQueuesAndCaches(t *testing.T) {
	infra := SetupTestInfra(t)

	ctx := context.Background()
	br := newTestBroker(t, infra)

	work := consumeInto(t, br, constants.QueueMessageProcessing)
	classify := consumeInto(t, br, constants.QueueAIProcessing)

	store := ingestion.NewStore(infra.PostgresDB)
	messageCache := cache.NewRedisCache(infra.RedisClient)
	svc := ingestion.NewService(store, messageCache, br, createTestIngestionConfig(), createTestLogger())

	result, err := svc.Process(ctx, createTestMessage("ext-100"))
	require.NoError(t, err)
	require.Equal(t, ingestion.ProcessingQueued, result.Status)
	require.NotEmpty(t, result.MessageID)
	require.NotEmpty(t, result.ConversationID)

	stored, err := store.GetMessageByID(ctx, result.MessageID)
	require.NoError(t, err)
	assert.Equal(t, ingestion.MessageStatusReceived, stored.Status)
	assert.Equal(t, result.ConversationID, stored.ConversationID)
	assert.Equal(t, "ext-100", stored.ExternalID)
	assert.Equal(t, "org-1", stored.Metadata["organizationId"])

	conv, err := store.GetConversationByID(ctx, result.ConversationID)
	require.NoError(t, err)
	require.NotNil(t, conv)
	assert.Equal(t, "ada@example.com", conv.ParticipantEmail)
	assert.NotNil(t, conv.LastMessageAt)

	cached, err := messageCache.Get(ctx, cache.MessageKey(result.MessageID))
	require.NoError(t, err)
	assert.Contains(t, cached, result.MessageID)

	workMsg := waitForMessage(t, work, messageWaitTimeout)
	assert.Equal(t, models.TypeMessageProcess, workMsg.Type)
	payload, err := workMsg.DecodePayload()
	require.NoError(t, err)
	processPayload, ok := payload.(*models.MessageProcessPayload)
	require.True(t, ok)
	assert.Equal(t, result.MessageID, processPayload.MessageID)
	assert.Equal(t, result.ConversationID, processPayload.ConversationID)
	assert.Equal(t, "inbound", processPayload.Direction)

	aiMsg := waitForMessage(t, classify, messageWaitTimeout)
	assert.Equal(t, models.TypeAIClassify, aiMsg.Type)
	aiPayload, err := aiMsg.DecodePayload()
	require.NoError(t, err)
	classifyPayload, ok := aiPayload.(*models.AIClassifyPayload)
	require.True(t, ok)
	assert.Equal(t, result.MessageID, classifyPayload.MessageID)
	assert.Equal(t, "my order never arrived", classifyPayload.Text)
	assert.Equal(t, "customer", classifyPayload.SenderType)
}

func TestPipelineSuppressesRedeliveredDuplicate(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, true, false)

	ctx := context.Background()
	producer := &recordingProducer{}

	store := ingestion.NewStore(infra.PostgresDB)
	messageCache := cache.NewRedisCache(infra.RedisClient)
	svc := ingestion.NewService(store, messageCache, producer, createTestIngestionConfig(), createTestLogger())

	first, err := svc.Process(ctx, createTestMessage("ext-dup"))
	require.NoError(t, err)
	require.Equal(t, ingestion.ProcessingQueued, first.Status)

	second, err := svc.Process(ctx, createTestMessage("ext-dup"))
	require.NoError(t, err)
	assert.Equal(t, ingestion.ProcessingCompleted, second.Status)
	assert.Contains(t, second.Errors, "duplicate message detected")

	assert.Equal(t, 1, countMessages(t, infra))
	assert.Equal(t, 2, producer.count(), "the duplicate must not queue more work")
}

func TestPipelineUniqueIndexBackstopWhenDedupDisabled(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, true, false)

	ctx := context.Background()
	producer := &recordingProducer{}

	cfg := createTestIngestionConfig()
	cfg.Dedup.Enabled = false

	store := ingestion.NewStore(infra.PostgresDB)
	svc := ingestion.NewService(store, cache.NewRedisCache(infra.RedisClient), producer, cfg, createTestLogger())

	msg := createTestMessage("ext-conflict")

	first, err := svc.Process(ctx, msg)
	require.NoError(t, err)
	require.Equal(t, ingestion.ProcessingQueued, first.Status)

	// Same external id in the same conversation trips the partial
	// unique index instead of the cache.
	msg.ConversationID = first.ConversationID
	second, err := svc.Process(ctx, msg)
	require.NoError(t, err)
	assert.Equal(t, ingestion.ProcessingCompleted, second.Status)
	assert.Contains(t, second.Errors, "duplicate message detected")

	assert.Equal(t, 1, countMessages(t, infra))
}

func TestPipelineThreadsConversationByEmail(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, true, false)

	ctx := context.Background()
	producer := &recordingProducer{}

	store := ingestion.NewStore(infra.PostgresDB)
	svc := ingestion.NewService(store, cache.NewRedisCache(infra.RedisClient), producer, createTestIngestionConfig(), createTestLogger())

	first, err := svc.Process(ctx, createTestMessage("ext-t1"))
	require.NoError(t, err)

	second, err := svc.Process(ctx, createTestMessage("ext-t2"))
	require.NoError(t, err)
	assert.Equal(t, first.ConversationID, second.ConversationID)

	stranger := createTestMessage("ext-t3")
	stranger.Sender.Email = "noreply@example.com"
	third, err := svc.Process(ctx, stranger)
	require.NoError(t, err)
	assert.NotEqual(t, first.ConversationID, third.ConversationID)

	reply := createTestMessage("ext-t4")
	reply.Direction = ingestion.DirectionOutbound
	reply.Sender = ingestion.Sender{Type: ingestion.SenderAgent, Email: "ada@example.com"}
	fourth, err := svc.Process(ctx, reply)
	require.NoError(t, err)
	assert.NotEqual(t, first.ConversationID, fourth.ConversationID, "outbound messages never join by sender email")
}

func TestPipelineStatusUpdateRoundTrip(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, true, false)

	ctx := context.Background()
	producer := &recordingProducer{}

	store := ingestion.NewStore(infra.PostgresDB)
	messageCache := cache.NewRedisCache(infra.RedisClient)
	svc := ingestion.NewService(store, messageCache, producer, createTestIngestionConfig(), createTestLogger())

	result, err := svc.Process(ctx, createTestMessage("ext-status"))
	require.NoError(t, err)

	updated, err := svc.UpdateStatus(ctx, result.MessageID, ingestion.MessageStatusProcessed, map[string]interface{}{"classification": "support_request"})
	require.NoError(t, err)
	assert.Equal(t, ingestion.MessageStatusProcessed, updated.Status)
	require.NotNil(t, updated.ProcessedAt)

	stored, err := store.GetMessageByID(ctx, result.MessageID)
	require.NoError(t, err)
	assert.Equal(t, ingestion.MessageStatusProcessed, stored.Status)
	require.NotNil(t, stored.ProcessedAt)
	assert.Equal(t, "support_request", stored.Metadata["classification"])

	fetched, err := svc.GetMessage(ctx, result.MessageID)
	require.NoError(t, err)
	assert.Equal(t, ingestion.MessageStatusProcessed, fetched.Status)
}

func TestPipelineGetMessageFallsBackToStore(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, true, false)

	ctx := context.Background()
	producer := &recordingProducer{}

	store := ingestion.NewStore(infra.PostgresDB)
	messageCache := cache.NewRedisCache(infra.RedisClient)
	svc := ingestion.NewService(store, messageCache, producer, createTestIngestionConfig(), createTestLogger())

	result, err := svc.Process(ctx, createTestMessage("ext-fallback"))
	require.NoError(t, err)

	require.NoError(t, infra.RedisClient.FlushAll(ctx).Err())

	fetched, err := svc.GetMessage(ctx, result.MessageID)
	require.NoError(t, err)
	assert.Equal(t, result.MessageID, fetched.ID)

	exists, err := messageCache.Exists(ctx, cache.MessageKey(result.MessageID))
	require.NoError(t, err)
	assert.True(t, exists, "store read should repopulate the cache")
}

// TestPipelineDedupFailOpenOnRedisOutage tests that with the "allow"
// policy a dedup store outage lets messages through.
func TestPipelineDedupFailOpenOnRedisOutage(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, true, false)

	ctx := context.Background()
	producer := &recordingProducer{}

	// Close Redis connection to simulate error
	infra.RedisClient.Close()

	store := ingestion.NewStore(infra.PostgresDB)
	svc := ingestion.NewService(store, cache.NewRedisCache(infra.RedisClient), producer, createTestIngestionConfig(), createTestLogger())

	result, err := svc.Process(ctx, createTestMessage("ext-outage"))
	require.NoError(t, err, "should not return error when fallback is 'allow'")
	assert.Equal(t, ingestion.ProcessingQueued, result.Status)
	assert.Equal(t, 1, countMessages(t, infra))
}

// TestPipelineDedupFailClosedOnRedisOutage tests that with the "deny"
// policy a dedup store outage rejects messages before persistence.
func TestPipelineDedupFailClosedOnRedisOutage(t *testing.T) {
	infra := SetupTestInfraWithOptions(t, true, true, false)

	ctx := context.Background()
	producer := &recordingProducer{}

	cfg := createTestIngestionConfig()
	cfg.Dedup.OnCacheError = constants.FallbackDeny

	// Close Redis connection to simulate error
	infra.RedisClient.Close()

	store := ingestion.NewStore(infra.PostgresDB)
	svc := ingestion.NewService(store, cache.NewRedisCache(infra.RedisClient), producer, cfg, createTestLogger())

	result, err := svc.Process(ctx, createTestMessage("ext-outage"))
	require.Error(t, err, "should return error when fallback is 'deny'")
	assert.Equal(t, ingestion.ProcessingFailed, result.Status)
	assert.Equal(t, 0, countMessages(t, infra))
	assert.Equal(t, 0, producer.count())
}
