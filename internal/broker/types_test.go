package broker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay/internal/constants"
)

func TestDefaultTopology(t *testing.T) {
	topology := DefaultTopology()

	require.Len(t, topology.Exchanges, 2)
	require.Len(t, topology.Queues, 4)
	require.Len(t, topology.Bindings, 3)

	queues := make(map[string]Queue, len(topology.Queues))
	for _, q := range topology.Queues {
		assert.True(t, q.Durable, "queue %s must be durable", q.Name)
		queues[q.Name] = q
	}

	retryQueue, ok := queues[constants.QueueMessageRetry]
	require.True(t, ok)
	assert.Equal(t, constants.ExchangeMessages, retryQueue.Args["x-dead-letter-exchange"],
		"expired retries must return to the work exchange")

	workQueue, ok := queues[constants.QueueMessageProcessing]
	require.True(t, ok)
	assert.Empty(t, workQueue.Args, "work queues carry no dead-letter arguments")

	dlq, ok := queues[constants.QueueMessageDLQ]
	require.True(t, ok)
	assert.Empty(t, dlq.Args)
}

func TestVerdictString(t *testing.T) {
	assert.Equal(t, "ack", VerdictAck.String())
	assert.Equal(t, "retry", VerdictRetry.String())
	assert.Equal(t, "reject", VerdictReject.String())
	assert.Equal(t, "unknown", Verdict(42).String())
}
