package deadletter_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/shardflow/batch"
	"goa.design/shardflow/deadletter"
	"goa.design/shardflow/deadletter/inmem"
	"goa.design/shardflow/identify"
	"goa.design/shardflow/sequence"
	"goa.design/shardflow/stream"
	"goa.design/shardflow/task"
)

func newBatch(t *testing.T) *batch.Batch {
	t.Helper()
	defs := batch.TaskDefs{
		DiscardUnusable: &task.Template{Name: "discardUnusableRecord"},
		DiscardRejected: &task.Template{Name: "discardRejectedMessage"},
	}
	key := batch.Key{StreamConsumerID: "K|orders|orders-consumer", ShardOrEventID: "S|shardId-000000000000"}
	b, err := batch.New(key, nil, defs, identify.Resolver{KeyNames: []string{"k"}}, sequence.Options{PerKey: true}, nil)
	require.NoError(t, err)
	return b
}

func TestPublishRejectedMessage(t *testing.T) {
	b := newBatch(t)
	rec := &stream.Record{
		EventID:    "shardId-000000000000:1",
		EventSeqNo: "1",
		Data:       []byte(`{"k":"a"}`),
	}
	ms, err := b.AddMessage(stream.Message{"k": "a"}, rec, nil)
	require.NoError(t, err)
	ms.MarkRejected("schema mismatch")

	dmq := inmem.New()
	r, err := deadletter.NewRouter("orders-consumer", dmq, nil, nil)
	require.NoError(t, err)
	require.NoError(t, r.PublishRejectedMessage(context.Background(), b.Key(), ms))

	envs := dmq.Envelopes()
	require.Len(t, envs, 1)
	env := envs[0]
	assert.NotEmpty(t, env.ID)
	assert.Equal(t, deadletter.KindRejectedMessage, env.Kind)
	assert.Equal(t, "orders-consumer", env.ConsumerID)
	assert.Equal(t, b.Key().String(), env.BatchKey)
	assert.Equal(t, "schema mismatch", env.Reason)
	assert.Equal(t, "k:a", env.Identity.Key)
	assert.Equal(t, "shardId-000000000000:1", env.Coords.EventID)
	assert.Equal(t, rec.Data, env.Data)
	assert.False(t, env.OccurredAt.IsZero())
}

func TestPublishUnusableRecord(t *testing.T) {
	b := newBatch(t)
	rec := &stream.Record{EventID: "shardId-000000000000:2", EventSeqNo: "2", Data: []byte("not json")}
	us := b.AddUnusableRecord(rec, nil, "payload is not JSON")

	drq := inmem.New()
	r, err := deadletter.NewRouter("orders-consumer", nil, drq, nil)
	require.NoError(t, err)
	require.NoError(t, r.PublishUnusableRecord(context.Background(), b.Key(), us))

	envs := drq.Envelopes()
	require.Len(t, envs, 1)
	assert.Equal(t, deadletter.KindUnusableRecord, envs[0].Kind)
	assert.Equal(t, "payload is not JSON", envs[0].Reason)
	assert.Equal(t, rec.Data, envs[0].Data)
}

func TestMissingDestinationDropsWithoutError(t *testing.T) {
	b := newBatch(t)
	ms, err := b.AddMessage(stream.Message{"k": "a"}, &stream.Record{EventID: "e1", EventSeqNo: "1"}, nil)
	require.NoError(t, err)
	ms.MarkRejected("bad")
	us := b.AddUnusableRecord(&stream.Record{EventID: "e2", EventSeqNo: "2"}, nil, "bad")

	r, err := deadletter.NewRouter("orders-consumer", nil, nil, nil)
	require.NoError(t, err)
	assert.NoError(t, r.PublishRejectedMessage(context.Background(), b.Key(), ms))
	assert.NoError(t, r.PublishUnusableRecord(context.Background(), b.Key(), us))
}

func TestNewRouterRequiresConsumerID(t *testing.T) {
	_, err := deadletter.NewRouter("", nil, nil, nil)
	require.Error(t, err)
}

func TestEnvelopePartitionKey(t *testing.T) {
	env := &deadletter.Envelope{ID: "env-1"}
	assert.Equal(t, "env-1", env.PartitionKey())
	env.Identity = identify.Identity{Key: "k:a"}
	assert.Equal(t, "k:a", env.PartitionKey())
}
