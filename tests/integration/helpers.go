package integration

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relay/internal/broker"
	"relay/internal/config"
	"relay/internal/constants"
	"relay/internal/ingestion"
	"relay/internal/logger"
	"relay/pkg/models"
)

const (
	containerStartupTimeout = 60
	messageWaitTimeout      = 15 * time.Second
)

func createTestLogger() logger.Logger {
	return logger.NopLogger()
}

func createTestIngestionConfig() config.IngestionConfig {
	return config.IngestionConfig{
		MaxAttempts:     3,
		CacheTTLSeconds: 300,
		Dedup: config.DedupConfig{
			Enabled:      true,
			TTLSeconds:   300,
			OnCacheError: constants.FallbackAllow,
		},
	}
}

func createTestMessage(externalID string) ingestion.IncomingMessage {
	return ingestion.IncomingMessage{
		ExternalID: externalID,
		Direction:  ingestion.DirectionInbound,
		Content: ingestion.Content{
			Text: "my order never arrived",
		},
		Sender: ingestion.Sender{
			Type:  ingestion.SenderCustomer,
			Email: "ada@example.com",
		},
		Metadata:       map[string]interface{}{"channel": "email"},
		OrganizationID: "org-1",
		IntegrationID:  "int-1",
	}
}

// newTestBroker connects to the containerized broker and declares the
// default topology. Closed via t.Cleanup.
func newTestBroker(t *testing.T, infra *TestInfra) broker.Broker {
	t.Helper()

	br, err := broker.New(infra.BrokerConfig, createTestLogger())
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, br.Connect(ctx))
	require.NoError(t, br.DeclareTopology(ctx, broker.DefaultTopology()))

	t.Cleanup(func() {
		br.Close()
	})
	return br
}

// consumeInto registers a consumer that acknowledges every delivery and
// forwards the decoded envelope to the returned channel.
func consumeInto(t *testing.T, br broker.Broker, queue string) <-chan models.QueueMessage {
	t.Helper()

	ch := make(chan models.QueueMessage, 16)
	err := br.Consume(queue, func(ctx context.Context, msg models.QueueMessage) (broker.Verdict, error) {
		ch <- msg
		return broker.VerdictAck, nil
	}, broker.ConsumeOptions{})
	require.NoError(t, err)
	return ch
}

func waitForMessage(t *testing.T, ch <-chan models.QueueMessage, timeout time.Duration) models.QueueMessage {
	t.Helper()

	select {
	case msg := <-ch:
		return msg
	case <-time.After(timeout):
		t.Fatalf("timed out after %v waiting for message", timeout)
		return models.QueueMessage{}
	}
}

type recordedPublish struct {
	Exchange   string
	RoutingKey string
	Message    models.QueueMessage
}

// recordingProducer satisfies broker.Producer for pipeline tests that
// only assert on the database and cache side.
type recordingProducer struct {
	mu       sync.Mutex
	messages []recordedPublish
}

func (p *recordingProducer) Publish(ctx context.Context, exchange, routingKey string, msg *models.QueueMessage, opts broker.PublishOptions) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, recordedPublish{Exchange: exchange, RoutingKey: routingKey, Message: *msg})
	return nil
}

func (p *recordingProducer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

func countMessages(t *testing.T, infra *TestInfra) int {
	t.Helper()

	var n int
	require.NoError(t, infra.PostgresDB.QueryRow("SELECT COUNT(*) FROM messages").Scan(&n))
	return n
}
