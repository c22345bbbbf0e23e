package broker

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"

	"relay/internal/constants"
	"relay/internal/logger"
	"relay/pkg/errors"
	"relay/pkg/logging"
	"relay/pkg/metrics"
	"relay/pkg/models"
	"relay/pkg/retry"
	"relay/pkg/tracing"
)

const (
	dlqReasonRejected    = "rejected"
	dlqReasonMaxAttempts = "max_attempts_exceeded"
	dlqReasonUnmarshal   = "unmarshal_failed"
)

type publishFunc func(ctx context.Context, exchange, routingKey string, msg *models.QueueMessage, opts PublishOptions) error

// dispatcher applies the redelivery protocol to one consumed delivery.
//
// Ack acknowledges. Retry increments attempts and, while the budget
// lasts, republishes to the retry exchange with an exponentially
// growing per-message TTL before discarding the original; once the
// budget is spent the envelope is annotated and moved to the
// dead-letter queue. Reject skips the retry budget entirely. If the
// republish itself fails the delivery is requeued in place so it is
// never lost.
type dispatcher struct {
	queue       string
	handler     HandlerFunc
	publish     publishFunc
	maxAttempts int
	logger      logger.Logger
}

func (d *dispatcher) dispatch(ctx context.Context, delivery amqp.Delivery) {
	var msg models.QueueMessage
	if err := json.Unmarshal(delivery.Body, &msg); err != nil {
		d.quarantine(ctx, delivery, err)
		return
	}

	ctx = logging.WithMessageID(ctx, msg.ID)
	ctx, span := tracing.StartSpanFromDelivery(ctx, "queue.consume "+d.queue, delivery.Headers)
	defer span.End()

	verdict, handlerErr := d.invoke(ctx, msg)
	metrics.IncMessageConsumed(d.queue, verdict.String())

	switch verdict {
	case VerdictAck:
		d.ack(ctx, delivery)
	case VerdictRetry:
		d.redeliver(ctx, delivery, msg, handlerErr)
	case VerdictReject:
		msg.Attempts++
		d.deadLetter(ctx, delivery, msg, dlqReasonRejected, handlerErr)
	default:
		d.logger.WarnwCtx(ctx, "unknown verdict, treating as retry",
			"queue", d.queue,
			"verdict", int(verdict))
		d.redeliver(ctx, delivery, msg, handlerErr)
	}
}

// invoke runs the handler, converting a panic into a retry verdict so
// one poisoned delivery cannot take the consumer down.
func (d *dispatcher) invoke(ctx context.Context, msg models.QueueMessage) (verdict Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.RecoverPanic(r)
			verdict = VerdictRetry
			d.logger.ErrorwCtx(ctx, "handler panicked", "queue", d.queue, "error", err)
		}
	}()

	return d.handler(ctx, msg)
}

func (d *dispatcher) redeliver(ctx context.Context, delivery amqp.Delivery, msg models.QueueMessage, cause error) {
	msg.Attempts++

	maxAttempts := d.maxAttemptsFor(msg)
	if msg.Attempts >= maxAttempts {
		d.deadLetter(ctx, delivery, msg, dlqReasonMaxAttempts, cause)
		return
	}

	delay := retry.CalculateBackoffDuration(msg.Attempts, constants.RedeliveryBaseDelay, 2.0, constants.RedeliveryMaxDelay)
	msg.DelayMs = delay.Milliseconds()

	if err := d.publish(ctx, constants.ExchangeRetry, string(msg.Type), &msg, PublishOptions{Delay: delay}); err != nil {
		d.logger.ErrorwCtx(ctx, "failed to schedule redelivery, requeueing in place",
			"queue", d.queue,
			"error", err)
		d.nack(ctx, delivery, true)
		return
	}

	metrics.IncRetryAttempt(d.queue)
	d.logger.WarnwCtx(ctx, "redelivery scheduled",
		"queue", d.queue,
		"attempt", msg.Attempts,
		"max_attempts", maxAttempts,
		"delay", delay,
		"error", cause)

	d.nack(ctx, delivery, false)
}

func (d *dispatcher) deadLetter(ctx context.Context, delivery amqp.Delivery, msg models.QueueMessage, reason string, cause error) {
	now := time.Now().UTC()
	msg.Error = deadLetterError(reason, cause)
	msg.FailedAt = &now

	if err := d.publish(ctx, "", constants.QueueMessageDLQ, &msg, PublishOptions{}); err != nil {
		d.logger.ErrorwCtx(ctx, "failed to dead-letter message, requeueing in place",
			"queue", d.queue,
			"error", err)
		d.nack(ctx, delivery, true)
		return
	}

	metrics.IncDLQMessage(d.queue, reason)
	d.logger.ErrorwCtx(ctx, "message dead-lettered",
		"queue", d.queue,
		"attempts", msg.Attempts,
		"reason", reason,
		"error", msg.Error)

	d.nack(ctx, delivery, false)
}

// quarantine moves a delivery whose body is not a valid envelope
// straight to the dead-letter queue. The raw body is preserved as a
// JSON string because it may not itself be valid JSON.
func (d *dispatcher) quarantine(ctx context.Context, delivery amqp.Delivery, cause error) {
	d.logger.ErrorwCtx(ctx, "failed to decode envelope",
		"queue", d.queue,
		"error", cause)

	raw, _ := json.Marshal(string(delivery.Body))

	now := time.Now().UTC()
	msg := models.QueueMessage{
		ID:        delivery.MessageId,
		Type:      models.MessageType(delivery.Type),
		Data:      raw,
		Timestamp: now,
		Attempts:  1,
		Error:     "failed to decode envelope: " + cause.Error(),
		FailedAt:  &now,
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}

	if err := d.publish(ctx, "", constants.QueueMessageDLQ, &msg, PublishOptions{}); err != nil {
		// The body will never decode; requeueing would loop forever.
		d.logger.ErrorwCtx(ctx, "failed to quarantine undecodable message, discarding",
			"queue", d.queue,
			"error", err)
	} else {
		metrics.IncDLQMessage(d.queue, dlqReasonUnmarshal)
	}

	d.nack(ctx, delivery, false)
}

func (d *dispatcher) ack(ctx context.Context, delivery amqp.Delivery) {
	if err := delivery.Ack(false); err != nil {
		d.logger.ErrorwCtx(ctx, "failed to ack delivery", "queue", d.queue, "error", err)
	}
}

func (d *dispatcher) nack(ctx context.Context, delivery amqp.Delivery, requeue bool) {
	if err := delivery.Nack(false, requeue); err != nil {
		d.logger.ErrorwCtx(ctx, "failed to nack delivery",
			"queue", d.queue,
			"requeue", requeue,
			"error", err)
	}
}

func (d *dispatcher) maxAttemptsFor(msg models.QueueMessage) int {
	if msg.MaxAttempts > 0 {
		return msg.MaxAttempts
	}
	return d.maxAttempts
}

func deadLetterError(reason string, cause error) string {
	if cause != nil {
		return cause.Error()
	}
	switch reason {
	case dlqReasonRejected:
		return "rejected by handler"
	case dlqReasonMaxAttempts:
		return "max delivery attempts exceeded"
	default:
		return reason
	}
}
