package tracing

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

func InjectTraceContext(ctx context.Context, headers amqp.Table) amqp.Table {
	propagator := otel.GetTextMapPropagator()
	if propagator == nil {
		return headers
	}

	if headers == nil {
		headers = amqp.Table{}
	}
	propagator.Inject(ctx, amqpTableCarrier{table: headers})

	return headers
}

func ExtractTraceContext(ctx context.Context, headers amqp.Table) context.Context {
	propagator := otel.GetTextMapPropagator()
	if propagator == nil || headers == nil {
		return ctx
	}

	return propagator.Extract(ctx, amqpTableCarrier{table: headers})
}

// amqpTableCarrier adapts an AMQP header table to the propagation
// carrier interface. Only string-typed header values take part in
// propagation; AMQP tables may carry other types.
type amqpTableCarrier struct {
	table amqp.Table
}

func (c amqpTableCarrier) Get(key string) string {
	if v, ok := c.table[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func (c amqpTableCarrier) Set(key, value string) {
	c.table[key] = value
}

func (c amqpTableCarrier) Keys() []string {
	keys := make([]string, 0, len(c.table))
	for k := range c.table {
		keys = append(keys, k)
	}
	return keys
}

// StartSpanFromDelivery continues the trace carried in a delivery's
// headers, or starts a fresh one when the publisher sent none.
func StartSpanFromDelivery(ctx context.Context, operationName string, headers amqp.Table) (context.Context, trace.Span) {
	ctx = ExtractTraceContext(ctx, headers)

	tracer := GetTracer("relay-amqp")
	return tracer.Start(ctx, operationName, trace.WithSpanKind(trace.SpanKindConsumer))
}
