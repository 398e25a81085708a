package session

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/berfenger/wappgw/internal/config"
	"github.com/berfenger/wappgw/internal/rpc"
)

func queueConfig() config.SessionConfig {
	return config.SessionConfig{
		AckTimeoutMillis: 1000,
		MaxSendRetries:   2,
		BulkSize:         10,
		MaxInFlight:      10,
	}
}

func stateEnv(id, stateID, data string) rpc.Envelope {
	return rpc.Envelope{
		Jsonrpc: rpc.Version,
		ID:      id,
		Method:  rpc.MethodPut,
		Params:  &rpc.Params{URL: "/network/n/device/d/value/v/state/" + stateID},
	}
}

func TestQueueFIFOAndBulk(t *testing.T) {
	q := newSendQueue(queueConfig())
	for i := 0; i < 15; i++ {
		q.Enqueue(stateEnv(fmt.Sprintf("id-%d", i), fmt.Sprintf("st-%d", i), "1"), fmt.Sprintf("st-%d", i), "v", true)
	}

	now := time.Now()
	batch := q.NextBatch(now)
	require.Len(t, batch, 10)
	assert.Equal(t, "id-0", batch[0].env.ID)
	assert.Equal(t, "id-9", batch[9].env.ID)

	// in-flight window is full until something is acknowledged
	assert.Empty(t, q.NextBatch(now))

	require.NotNil(t, q.Ack("id-0"))
	next := q.NextBatch(now)
	require.Len(t, next, 1)
	assert.Equal(t, "id-10", next[0].env.ID)
}

func TestQueueCoalescesPendingStateUpdates(t *testing.T) {
	q := newSendQueue(queueConfig())
	q.Enqueue(stateEnv("id-1", "st-a", "1"), "st-a", "v", true)
	q.Enqueue(stateEnv("id-2", "st-b", "2"), "st-b", "v", true)
	// newer update for st-a replaces the queued one, keeping its position
	q.Enqueue(stateEnv("id-3", "st-a", "3"), "st-a", "v", true)

	batch := q.NextBatch(time.Now())
	require.Len(t, batch, 2)
	assert.Equal(t, "id-3", batch[0].env.ID)
	assert.Equal(t, "id-2", batch[1].env.ID)

	// transmitted entries coalesce no further: a new write queues fresh
	q.Enqueue(stateEnv("id-4", "st-a", "4"), "st-a", "v", true)
	assert.Equal(t, 1, q.Len())
}

func TestQueueSweepRetriesThenFails(t *testing.T) {
	cfg := queueConfig()
	cfg.MaxSendRetries = 1
	q := newSendQueue(cfg)
	q.Enqueue(stateEnv("id-1", "st-a", "1"), "st-a", "v", true)

	now := time.Now()
	require.Len(t, q.NextBatch(now), 1)

	// not yet expired
	failed := q.Sweep(now.Add(500 * time.Millisecond))
	assert.Empty(t, failed)
	assert.Equal(t, 1, q.InFlight())

	// first expiry: back on the queue for a resend
	failed = q.Sweep(now.Add(1100 * time.Millisecond))
	assert.Empty(t, failed)
	assert.Equal(t, 0, q.InFlight())
	assert.Equal(t, 1, q.Len())

	now = now.Add(1200 * time.Millisecond)
	require.Len(t, q.NextBatch(now), 1)

	// second expiry exhausts the budget
	failed = q.Sweep(now.Add(1100 * time.Millisecond))
	require.Len(t, failed, 1)
	assert.Equal(t, "id-1", failed[0].env.ID)
	assert.True(t, q.Idle())
}

func TestQueueRequeueAwaitingKeepsOrder(t *testing.T) {
	q := newSendQueue(queueConfig())
	q.Enqueue(stateEnv("id-1", "st-a", "1"), "st-a", "v", true)
	q.Enqueue(stateEnv("id-2", "st-b", "2"), "st-b", "v", true)
	q.Enqueue(stateEnv("id-3", "st-c", "3"), "st-c", "v", true)

	now := time.Now()
	require.Len(t, q.NextBatch(now), 3)
	require.Equal(t, 3, q.InFlight())

	// enqueued while offline
	q.Enqueue(stateEnv("id-4", "st-d", "4"), "st-d", "v", true)

	q.RequeueAwaiting()
	assert.Equal(t, 0, q.InFlight())

	batch := q.NextBatch(now)
	require.Len(t, batch, 4)
	// replayed frames come first, oldest first
	assert.Equal(t, "id-1", batch[0].env.ID)
	assert.Equal(t, "id-2", batch[1].env.ID)
	assert.Equal(t, "id-3", batch[2].env.ID)
	assert.Equal(t, "id-4", batch[3].env.ID)
}

func TestQueueAckUnknownID(t *testing.T) {
	q := newSendQueue(queueConfig())
	assert.Nil(t, q.Ack("never-sent"))
}

func TestQueueNonAckEntriesAreFireAndForget(t *testing.T) {
	q := newSendQueue(queueConfig())
	q.Enqueue(rpc.SuccessResponse("req-1"), "", "", false)

	batch := q.NextBatch(time.Now())
	require.Len(t, batch, 1)
	assert.True(t, q.Idle())
}
