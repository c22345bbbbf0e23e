package broker

import (
	"context"
	"time"

	"relay/internal/constants"
	"relay/pkg/models"
)

type ExchangeKind string

const (
	ExchangeKindTopic  ExchangeKind = "topic"
	ExchangeKindDirect ExchangeKind = "direct"
)

type Exchange struct {
	Name    string
	Kind    ExchangeKind
	Durable bool
}

type Queue struct {
	Name    string
	Durable bool
	Args    map[string]interface{}
}

type Binding struct {
	Exchange   string
	Queue      string
	RoutingKey string
}

// Topology is declared idempotently before any publish or consume.
// Re-declaring identical parameters is a no-op at the broker; a
// parameter mismatch surfaces as a TopologyError.
type Topology struct {
	Exchanges []Exchange
	Queues    []Queue
	Bindings  []Binding
}

// DefaultTopology wires the ingestion fan-out. Work queues carry no
// dead-letter arguments on purpose: the adapter moves failed messages
// itself, so a nack without requeue discards the original delivery
// instead of double-dead-lettering it. The retry queue dead-letters
// expired messages back to the work exchange under their original
// routing key.
func DefaultTopology() Topology {
	return Topology{
		Exchanges: []Exchange{
			{Name: constants.ExchangeMessages, Kind: ExchangeKindTopic, Durable: true},
			{Name: constants.ExchangeRetry, Kind: ExchangeKindTopic, Durable: true},
		},
		Queues: []Queue{
			{Name: constants.QueueMessageProcessing, Durable: true},
			{Name: constants.QueueAIProcessing, Durable: true},
			{Name: constants.QueueMessageRetry, Durable: true, Args: map[string]interface{}{
				"x-dead-letter-exchange": constants.ExchangeMessages,
			}},
			{Name: constants.QueueMessageDLQ, Durable: true},
		},
		Bindings: []Binding{
			{Exchange: constants.ExchangeMessages, Queue: constants.QueueMessageProcessing, RoutingKey: string(models.TypeMessageProcess)},
			{Exchange: constants.ExchangeMessages, Queue: constants.QueueAIProcessing, RoutingKey: string(models.TypeAIClassify)},
			{Exchange: constants.ExchangeRetry, Queue: constants.QueueMessageRetry, RoutingKey: "#"},
		},
	}
}

// Verdict is the explicit outcome a consumer handler reports for one
// delivery. Control flow never rides on panics; a recovered panic is
// treated as VerdictRetry.
type Verdict int

const (
	VerdictAck Verdict = iota
	VerdictRetry
	VerdictReject
)

func (v Verdict) String() string {
	switch v {
	case VerdictAck:
		return "ack"
	case VerdictRetry:
		return "retry"
	case VerdictReject:
		return "reject"
	default:
		return "unknown"
	}
}

// HandlerFunc processes one delivery. The error is diagnostic detail
// for logs and dead-letter annotation; the verdict alone drives the
// acknowledge/retry/reject decision.
type HandlerFunc func(ctx context.Context, msg models.QueueMessage) (Verdict, error)

type PublishOptions struct {
	Priority uint8
	// Delay sets a per-message TTL; used with the retry exchange for
	// delayed redelivery.
	Delay time.Duration
}

type ConsumeOptions struct {
	// Prefetch bounds unacknowledged deliveries in flight for this
	// consumer. Zero falls back to the adapter default.
	Prefetch int
}

type QueueInfo struct {
	Name          string
	MessageCount  int
	ConsumerCount int
}

type ConnectionState int32

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
)

func (s ConnectionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Producer is the narrow publish-side view handed to the ingestion
// pipeline. Addressing follows AMQP: a named exchange plus routing key,
// or the default exchange ("") with the queue name as routing key.
type Producer interface {
	Publish(ctx context.Context, exchange, routingKey string, msg *models.QueueMessage, opts PublishOptions) error
}

// Broker owns the connection to the message broker and the retry and
// dead-letter bookkeeping for consumed deliveries.
type Broker interface {
	Producer
	Connect(ctx context.Context) error
	DeclareTopology(ctx context.Context, topology Topology) error
	Consume(queue string, handler HandlerFunc, opts ConsumeOptions) error
	Purge(ctx context.Context, queue string) (int, error)
	Inspect(ctx context.Context, queue string) (QueueInfo, error)
	HealthCheck() bool
	State() ConnectionState
	Close() error
}
