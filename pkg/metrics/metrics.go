package metrics

import (
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	IngestMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingest_messages_total",
			Help: "Total number of messages accepted by the ingestion pipeline (count)",
		},
		[]string{"status"},
	)

	IngestProcessingDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingest_processing_duration_ms",
			Help:    "Processing duration for the ingestion pipeline in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"status"},
	)

	DedupChecksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dedup_checks_total",
			Help: "Total number of deduplication checks (count)",
		},
		[]string{"result"},
	)

	ConversationResolutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conversation_resolutions_total",
			Help: "Total number of conversation resolutions by outcome (count)",
		},
		[]string{"outcome"},
	)

	StatusUpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "message_status_updates_total",
			Help: "Total number of message status updates (count)",
		},
		[]string{"status", "result"},
	)

	BrokerMessagesPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_messages_published_total",
			Help: "Total number of messages published to the broker (count)",
		},
		[]string{"exchange", "type", "status"},
	)

	BrokerPublishDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "broker_publish_duration_ms",
			Help:    "Duration of broker publishes including confirmation in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000},
		},
		[]string{"exchange"},
	)

	BrokerMessagesConsumedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "broker_messages_consumed_total",
			Help: "Total number of deliveries handled by consumers, by verdict (count)",
		},
		[]string{"queue", "verdict"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "retry_attempts_total",
			Help: "Total number of messages republished for delayed retry (count)",
		},
		[]string{"queue"},
	)

	DLQMessagesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dlq_messages_total",
			Help: "Total number of messages sent to the dead-letter queue (count)",
		},
		[]string{"queue", "reason"},
	)

	BrokerReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "broker_reconnects_total",
			Help: "Total number of successful broker reconnections (count)",
		},
	)

	BrokerConnectionState = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "broker_connection_state",
			Help: "Broker connection state (0=disconnected, 1=connecting, 2=connected) (state code)",
		},
	)

	CacheOperationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_operations_total",
			Help: "Total number of cache operations (count)",
		},
		[]string{"operation", "status"},
	)

	CircuitBreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=half-open, 2=open) (state code)",
		},
		[]string{"name"},
	)

	CircuitBreakerRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_requests_total",
			Help: "Total number of requests through circuit breaker (count)",
		},
		[]string{"name", "state"},
	)

	CircuitBreakerFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "circuit_breaker_failures_total",
			Help: "Total number of failures through circuit breaker (count)",
		},
		[]string{"name"},
	)

	RateLimitRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rate_limit_requests_total",
			Help: "Total number of requests checked against rate limit (count)",
		},
		[]string{"status"},
	)

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests by route and status (count)",
		},
		[]string{"method", "route", "status"},
	)

	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "http_request_duration_ms",
			Help:    "Duration of HTTP requests in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500},
		},
		[]string{"method", "route"},
	)

	FallbackUsageTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fallback_usage_total",
			Help: "Total number of times fallback strategies were used (count)",
		},
		[]string{"component", "strategy", "reason"},
	)

	DatabaseQueriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "database_queries_total",
			Help: "Total number of database queries (count)",
		},
		[]string{"operation", "status"},
	)

	DatabaseQueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "database_query_duration_ms",
			Help:    "Duration of database queries in milliseconds",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000},
		},
		[]string{"operation"},
	)
)

var fallbackRegisterOnce sync.Once

func registerFallbackUsageTotalOnce() {
	fallbackRegisterOnce.Do(func() {
		prometheus.MustRegister(FallbackUsageTotal)
	})
}

func RegisterIngestionMetrics() {
	prometheus.MustRegister(IngestMessagesTotal)
	prometheus.MustRegister(IngestProcessingDuration)
	prometheus.MustRegister(DedupChecksTotal)
	prometheus.MustRegister(ConversationResolutionsTotal)
	prometheus.MustRegister(StatusUpdatesTotal)
	registerFallbackUsageTotalOnce()
}

func RegisterBrokerMetrics() {
	prometheus.MustRegister(BrokerMessagesPublishedTotal)
	prometheus.MustRegister(BrokerPublishDuration)
	prometheus.MustRegister(BrokerMessagesConsumedTotal)
	prometheus.MustRegister(RetryAttemptsTotal)
	prometheus.MustRegister(DLQMessagesTotal)
	prometheus.MustRegister(BrokerReconnectsTotal)
	prometheus.MustRegister(BrokerConnectionState)
}

func RegisterCacheMetrics() {
	prometheus.MustRegister(CacheOperationsTotal)
	registerFallbackUsageTotalOnce()
}

func RegisterCircuitBreakerMetrics() {
	prometheus.MustRegister(CircuitBreakerState)
	prometheus.MustRegister(CircuitBreakerRequests)
	prometheus.MustRegister(CircuitBreakerFailures)
}

func RegisterStoreMetrics() {
	prometheus.MustRegister(DatabaseQueriesTotal)
	prometheus.MustRegister(DatabaseQueryDuration)
}

func RegisterHTTPMetrics() {
	prometheus.MustRegister(RateLimitRequestsTotal)
	prometheus.MustRegister(HTTPRequestsTotal)
	prometheus.MustRegister(HTTPRequestDuration)
}

func ObserveIngestDuration(duration time.Duration, status string) {
	IngestProcessingDuration.WithLabelValues(status).Observe(float64(duration.Milliseconds()))
}

func IncIngestMessage(status string) {
	IngestMessagesTotal.WithLabelValues(status).Inc()
}

func IncDedupCheck(result string) {
	DedupChecksTotal.WithLabelValues(result).Inc()
}

func IncConversationResolution(outcome string) {
	ConversationResolutionsTotal.WithLabelValues(outcome).Inc()
}

func IncStatusUpdate(status, result string) {
	StatusUpdatesTotal.WithLabelValues(status, result).Inc()
}

func IncMessagePublished(exchange, msgType, status string) {
	BrokerMessagesPublishedTotal.WithLabelValues(exchange, msgType, status).Inc()
}

func ObservePublishDuration(exchange string, duration time.Duration) {
	BrokerPublishDuration.WithLabelValues(exchange).Observe(float64(duration.Milliseconds()))
}

func IncMessageConsumed(queue, verdict string) {
	BrokerMessagesConsumedTotal.WithLabelValues(queue, verdict).Inc()
}

func IncRetryAttempt(queue string) {
	RetryAttemptsTotal.WithLabelValues(queue).Inc()
}

func IncDLQMessage(queue, reason string) {
	DLQMessagesTotal.WithLabelValues(queue, reason).Inc()
}

func IncBrokerReconnect() {
	BrokerReconnectsTotal.Inc()
}

func SetBrokerConnectionState(state int) {
	BrokerConnectionState.Set(float64(state))
}

func IncCacheOperation(operation, status string) {
	CacheOperationsTotal.WithLabelValues(operation, status).Inc()
}

func IncFallbackUsage(component, strategy, reason string) {
	FallbackUsageTotal.WithLabelValues(component, strategy, reason).Inc()
}

func ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	HTTPRequestDuration.WithLabelValues(method, route).Observe(float64(duration.Milliseconds()))
}

func IncDatabaseQuery(operation, status string) {
	DatabaseQueriesTotal.WithLabelValues(operation, status).Inc()
}

func ObserveDatabaseQueryDuration(operation string, duration time.Duration) {
	DatabaseQueryDuration.WithLabelValues(operation).Observe(float64(duration.Milliseconds()))
}
