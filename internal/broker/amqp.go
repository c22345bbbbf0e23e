package broker

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/panjf2000/ants/v2"
	amqp "github.com/rabbitmq/amqp091-go"

	"relay/internal/config"
	"relay/internal/constants"
	"relay/internal/logger"
	pkgerrors "relay/pkg/errors"
	"relay/pkg/metrics"
	"relay/pkg/models"
	"relay/pkg/retry"
	"relay/pkg/tracing"
)

type consumerEntry struct {
	queue   string
	handler HandlerFunc
	opts    ConsumeOptions
}

// AMQPBroker is the AMQP implementation of Broker. It maintains a
// single connection, a confirm-mode channel for publishing and one
// channel per consumer. A lost connection triggers a reconnect loop
// with linear backoff; on success the declared topology and all
// registered consumers are restored. When reconnect attempts are
// exhausted the broker stays Disconnected and reports unhealthy.
type AMQPBroker struct {
	cfg    config.AMQPConfig
	logger logger.Logger

	mu        sync.Mutex
	conn      *amqp.Connection
	pubCh     *amqp.Channel
	topology  *Topology
	consumers map[string]consumerEntry

	// pubMu serializes access to the confirm-mode channel so deferred
	// confirmations map back to the right publish.
	pubMu sync.Mutex

	state  atomic.Int32
	closed atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

func NewAMQPBroker(cfg config.AMQPConfig, log logger.Logger) *AMQPBroker {
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = constants.DefaultPrefetch
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = constants.DefaultPublishTimeout
	}
	if cfg.Reconnect.Delay <= 0 {
		cfg.Reconnect.Delay = constants.DefaultReconnectDelay
	}
	if cfg.Reconnect.MaxAttempts <= 0 {
		cfg.Reconnect.MaxAttempts = constants.DefaultReconnectMaxAttempts
	}

	b := &AMQPBroker{
		cfg:       cfg,
		logger:    log,
		consumers: make(map[string]consumerEntry),
		done:      make(chan struct{}),
	}
	b.state.Store(int32(StateDisconnected))
	return b
}

func (b *AMQPBroker) State() ConnectionState {
	return ConnectionState(b.state.Load())
}

func (b *AMQPBroker) setState(state ConnectionState) {
	b.state.Store(int32(state))
	if state == StateConnected {
		metrics.SetBrokerConnectionState(1)
	} else {
		metrics.SetBrokerConnectionState(0)
	}
}

func (b *AMQPBroker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return pkgerrors.ErrConnection.WithMessage("broker is closed")
	}
	if b.State() == StateConnected {
		return nil
	}

	b.setState(StateConnecting)
	if err := b.dialLocked(ctx); err != nil {
		b.setState(StateDisconnected)
		return err
	}
	b.setState(StateConnected)

	b.logger.Infow("broker connected",
		"host", b.cfg.Host,
		"port", b.cfg.Port,
		"vhost", b.cfg.VHost)
	return nil
}

func (b *AMQPBroker) dialLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.ErrConnection)
	}

	conn, err := amqp.DialConfig(b.cfg.URL(), amqp.Config{
		Heartbeat: 10 * time.Second,
		Properties: amqp.Table{
			"connection_name": "relay-ingest",
		},
	})
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.ErrConnection).
			WithDetail("host", b.cfg.Host).
			WithDetail("port", b.cfg.Port)
	}

	pubCh, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return pkgerrors.Wrap(err, pkgerrors.ErrConnection).WithMessage("failed to open publish channel")
	}
	if err := pubCh.Confirm(false); err != nil {
		_ = conn.Close()
		return pkgerrors.Wrap(err, pkgerrors.ErrConnection).WithMessage("failed to enable publisher confirms")
	}

	b.conn = conn
	b.pubCh = pubCh

	notify := conn.NotifyClose(make(chan *amqp.Error, 1))
	b.wg.Add(1)
	go b.monitor(notify)
	return nil
}

// monitor waits for the connection to drop and hands off to the
// reconnect loop. A successful redial spawns a fresh monitor for the
// new connection, so this one simply returns.
func (b *AMQPBroker) monitor(notify chan *amqp.Error) {
	defer b.wg.Done()

	select {
	case <-b.done:
		return
	case amqpErr, ok := <-notify:
		if !ok || b.closed.Load() {
			return
		}
		b.setState(StateDisconnected)
		b.logger.Errorw("broker connection lost", "error", amqpErr)
		b.reconnect()
	}
}

func (b *AMQPBroker) reconnect() {
	for attempt := 1; attempt <= b.cfg.Reconnect.MaxAttempts; attempt++ {
		delay := retry.LinearBackoffDuration(attempt, b.cfg.Reconnect.Delay)
		b.logger.Warnw("broker reconnect scheduled",
			"attempt", attempt,
			"max_attempts", b.cfg.Reconnect.MaxAttempts,
			"delay", delay)

		select {
		case <-b.done:
			return
		case <-time.After(delay):
		}

		if err := b.redial(); err != nil {
			b.logger.Errorw("broker reconnect failed", "attempt", attempt, "error", err)
			continue
		}

		metrics.IncBrokerReconnect()
		b.logger.Infow("broker reconnected", "attempt", attempt)
		return
	}

	b.logger.Errorw("broker reconnect attempts exhausted",
		"max_attempts", b.cfg.Reconnect.MaxAttempts)
}

// redial re-establishes the connection, re-declares the last known
// topology and restarts every registered consumer.
func (b *AMQPBroker) redial() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		return pkgerrors.ErrConnection.WithMessage("broker is closed")
	}

	b.setState(StateConnecting)
	if err := b.dialLocked(context.Background()); err != nil {
		b.setState(StateDisconnected)
		return err
	}

	if b.topology != nil {
		if err := b.declareTopologyLocked(context.Background(), *b.topology); err != nil {
			_ = b.conn.Close()
			b.setState(StateDisconnected)
			return err
		}
	}

	for _, entry := range b.consumers {
		if err := b.startConsumerLocked(entry); err != nil {
			_ = b.conn.Close()
			b.setState(StateDisconnected)
			return err
		}
	}

	b.setState(StateConnected)
	return nil
}

func (b *AMQPBroker) DeclareTopology(ctx context.Context, topology Topology) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.State() != StateConnected || b.conn == nil {
		return pkgerrors.ErrConnection.WithMessage("cannot declare topology: broker not connected")
	}

	if err := b.declareTopologyLocked(ctx, topology); err != nil {
		return err
	}
	b.topology = &topology

	b.logger.Infow("topology declared",
		"exchanges", len(topology.Exchanges),
		"queues", len(topology.Queues),
		"bindings", len(topology.Bindings))
	return nil
}

// declareTopologyLocked runs on a throwaway channel: a failed declare
// (for example a durability mismatch) kills the channel, and the
// publish channel must survive that.
func (b *AMQPBroker) declareTopologyLocked(ctx context.Context, topology Topology) error {
	ch, err := b.conn.Channel()
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.ErrConnection).WithMessage("failed to open topology channel")
	}
	defer func() { _ = ch.Close() }()

	for _, ex := range topology.Exchanges {
		if err := ctx.Err(); err != nil {
			return pkgerrors.Wrap(err, pkgerrors.ErrTopology)
		}
		if err := ch.ExchangeDeclare(ex.Name, string(ex.Kind), ex.Durable, false, false, false, nil); err != nil {
			return pkgerrors.Wrap(err, pkgerrors.ErrTopology).
				WithMessage("failed to declare exchange").
				WithDetail("exchange", ex.Name)
		}
	}

	for _, q := range topology.Queues {
		if err := ctx.Err(); err != nil {
			return pkgerrors.Wrap(err, pkgerrors.ErrTopology)
		}
		if _, err := ch.QueueDeclare(q.Name, q.Durable, false, false, false, amqp.Table(q.Args)); err != nil {
			return pkgerrors.Wrap(err, pkgerrors.ErrTopology).
				WithMessage("failed to declare queue").
				WithDetail("queue", q.Name)
		}
	}

	for _, bind := range topology.Bindings {
		if err := ch.QueueBind(bind.Queue, bind.RoutingKey, bind.Exchange, false, nil); err != nil {
			return pkgerrors.Wrap(err, pkgerrors.ErrTopology).
				WithMessage("failed to bind queue").
				WithDetail("queue", bind.Queue).
				WithDetail("exchange", bind.Exchange)
		}
	}

	return nil
}

// Publish sends one envelope with persistent delivery and waits for the
// broker confirmation. Messages are addressed by exchange and routing
// key; pass an empty exchange and the queue name as routing key to
// target a queue directly.
func (b *AMQPBroker) Publish(ctx context.Context, exchange, routingKey string, msg *models.QueueMessage, opts PublishOptions) error {
	if msg == nil {
		return pkgerrors.ErrPublish.WithMessage("cannot publish nil message")
	}

	b.mu.Lock()
	pubCh := b.pubCh
	connected := b.State() == StateConnected
	b.mu.Unlock()

	if !connected || pubCh == nil {
		metrics.IncMessagePublished(exchangeLabel(exchange), string(msg.Type), "error")
		return pkgerrors.ErrPublish.
			WithMessage("cannot publish: broker not connected").
			WithDetail("exchange", exchange).
			WithDetail("routing_key", routingKey)
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.ErrPublish).WithMessage("failed to encode message")
	}

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, b.cfg.PublishTimeout)
		defer cancel()
	}

	publishing := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    msg.ID,
		Type:         string(msg.Type),
		Timestamp:    msg.Timestamp,
		Priority:     opts.Priority,
		Headers:      tracing.InjectTraceContext(ctx, amqp.Table{}),
		Body:         body,
	}
	if opts.Delay > 0 {
		publishing.Expiration = strconv.FormatInt(opts.Delay.Milliseconds(), 10)
	}

	start := time.Now()

	b.pubMu.Lock()
	confirmation, err := pubCh.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, publishing)
	b.pubMu.Unlock()
	if err != nil {
		metrics.IncMessagePublished(exchangeLabel(exchange), string(msg.Type), "error")
		return pkgerrors.Wrap(err, pkgerrors.ErrPublish).
			WithDetail("exchange", exchange).
			WithDetail("routing_key", routingKey)
	}

	acked, err := confirmation.WaitContext(ctx)
	metrics.ObservePublishDuration(exchangeLabel(exchange), time.Since(start))
	if err != nil {
		metrics.IncMessagePublished(exchangeLabel(exchange), string(msg.Type), "error")
		return pkgerrors.Wrap(err, pkgerrors.ErrPublish).WithMessage("publish confirmation failed")
	}
	if !acked {
		metrics.IncMessagePublished(exchangeLabel(exchange), string(msg.Type), "error")
		return pkgerrors.ErrPublish.
			WithMessage("broker rejected publish").
			WithDetail("exchange", exchange).
			WithDetail("routing_key", routingKey)
	}

	metrics.IncMessagePublished(exchangeLabel(exchange), string(msg.Type), "ok")
	return nil
}

// Consume registers a handler for a queue and starts delivering to it.
// The registration survives reconnects; the consumer is restarted on
// the new connection.
func (b *AMQPBroker) Consume(queue string, handler HandlerFunc, opts ConsumeOptions) error {
	if handler == nil {
		return pkgerrors.ErrInternal.WithMessage("cannot consume with nil handler")
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.State() != StateConnected || b.conn == nil {
		return pkgerrors.ErrConnection.
			WithMessage("cannot consume: broker not connected").
			WithDetail("queue", queue)
	}
	if _, exists := b.consumers[queue]; exists {
		return pkgerrors.ErrInternal.
			WithMessage("consumer already registered").
			WithDetail("queue", queue)
	}

	entry := consumerEntry{queue: queue, handler: handler, opts: opts}
	if err := b.startConsumerLocked(entry); err != nil {
		return err
	}
	b.consumers[queue] = entry
	return nil
}

func (b *AMQPBroker) startConsumerLocked(entry consumerEntry) error {
	prefetch := entry.opts.Prefetch
	if prefetch <= 0 {
		prefetch = b.cfg.Prefetch
	}

	ch, err := b.conn.Channel()
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.ErrConnection).WithDetail("queue", entry.queue)
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		_ = ch.Close()
		return pkgerrors.Wrap(err, pkgerrors.ErrConnection).
			WithMessage("failed to set prefetch").
			WithDetail("queue", entry.queue)
	}

	deliveries, err := ch.Consume(entry.queue, "relay-"+entry.queue, false, false, false, false, nil)
	if err != nil {
		_ = ch.Close()
		return pkgerrors.Wrap(err, pkgerrors.ErrConnection).
			WithMessage("failed to start consumer").
			WithDetail("queue", entry.queue)
	}

	// The worker pool bounds concurrent handlers to the prefetch
	// window; Submit blocks when the pool is saturated.
	pool, err := ants.NewPool(prefetch)
	if err != nil {
		_ = ch.Close()
		return pkgerrors.Wrap(err, pkgerrors.ErrInternal).WithMessage("failed to create worker pool")
	}

	disp := &dispatcher{
		queue:       entry.queue,
		handler:     entry.handler,
		publish:     b.Publish,
		maxAttempts: constants.DefaultMaxAttempts,
		logger:      b.logger,
	}

	b.wg.Add(1)
	go b.consumeLoop(ch, pool, disp, deliveries)

	b.logger.Infow("consumer started", "queue", entry.queue, "prefetch", prefetch)
	return nil
}

func (b *AMQPBroker) consumeLoop(ch *amqp.Channel, pool *ants.Pool, disp *dispatcher, deliveries <-chan amqp.Delivery) {
	defer b.wg.Done()
	defer func() {
		if err := pool.ReleaseTimeout(constants.ShutdownTimeout); err != nil {
			b.logger.Warnw("worker pool release timed out", "queue", disp.queue, "error", err)
		}
		_ = ch.Close()
	}()

	for delivery := range deliveries {
		delivery := delivery
		if err := pool.Submit(func() {
			disp.dispatch(context.Background(), delivery)
		}); err != nil {
			// Pool is closing; the unacked delivery returns to the
			// queue when the channel closes.
			b.logger.Warnw("dispatch rejected", "queue", disp.queue, "error", err)
			return
		}
	}

	b.logger.Infow("consumer stopped", "queue", disp.queue)
}

func (b *AMQPBroker) Purge(ctx context.Context, queue string) (int, error) {
	ch, err := b.opChannel(ctx)
	if err != nil {
		return 0, err
	}
	defer func() { _ = ch.Close() }()

	count, err := ch.QueuePurge(queue, false)
	if err != nil {
		return 0, pkgerrors.Wrap(err, pkgerrors.ErrInternal).
			WithMessage("failed to purge queue").
			WithDetail("queue", queue)
	}
	return count, nil
}

func (b *AMQPBroker) Inspect(ctx context.Context, queue string) (QueueInfo, error) {
	ch, err := b.opChannel(ctx)
	if err != nil {
		return QueueInfo{}, err
	}
	defer func() { _ = ch.Close() }()

	state, err := ch.QueueInspect(queue)
	if err != nil {
		var amqpErr *amqp.Error
		if errors.As(err, &amqpErr) && amqpErr.Code == amqp.NotFound {
			return QueueInfo{}, pkgerrors.Wrap(err, pkgerrors.ErrNotFound).
				WithMessage("queue not found").
				WithDetail("queue", queue)
		}
		return QueueInfo{}, pkgerrors.Wrap(err, pkgerrors.ErrInternal).
			WithMessage("failed to inspect queue").
			WithDetail("queue", queue)
	}

	return QueueInfo{
		Name:          state.Name,
		MessageCount:  state.Messages,
		ConsumerCount: state.Consumers,
	}, nil
}

// opChannel opens a short-lived channel for queue operations so an
// operation failure cannot poison the publish channel.
func (b *AMQPBroker) opChannel(ctx context.Context) (*amqp.Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrConnection)
	}

	b.mu.Lock()
	conn := b.conn
	connected := b.State() == StateConnected
	b.mu.Unlock()

	if !connected || conn == nil {
		return nil, pkgerrors.ErrConnection.WithMessage("broker not connected")
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.ErrConnection).WithMessage("failed to open channel")
	}
	return ch, nil
}

func (b *AMQPBroker) HealthCheck() bool {
	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()

	return b.State() == StateConnected && conn != nil && !conn.IsClosed()
}

func (b *AMQPBroker) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(b.done)

	b.mu.Lock()
	conn := b.conn
	b.mu.Unlock()

	var err error
	if conn != nil {
		err = conn.Close()
	}

	b.wg.Wait()
	b.setState(StateDisconnected)
	b.logger.Infow("broker closed")
	return err
}

func exchangeLabel(exchange string) string {
	if exchange == "" {
		return "(default)"
	}
	return exchange
}
