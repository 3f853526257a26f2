package redis

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goa.design/shardflow/batch"
	"goa.design/shardflow/checkpoint"
	"goa.design/shardflow/faults"
)

// fakeClient implements Client over a plain map, answering with the same cmd
// types the go-redis client returns.
type fakeClient struct {
	mu   sync.Mutex
	data map[string][]byte
	err  error
}

func newFakeClient() *fakeClient { return &fakeClient{data: map[string][]byte{}} }

func (f *fakeClient) Get(ctx context.Context, key string) *goredis.StringCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := goredis.NewStringCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	raw, ok := f.data[key]
	if !ok {
		cmd.SetErr(goredis.Nil)
		return cmd
	}
	cmd.SetVal(string(raw))
	return cmd
}

func (f *fakeClient) SetNX(ctx context.Context, key string, value any, _ time.Duration) *goredis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := goredis.NewBoolCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	if _, ok := f.data[key]; ok {
		cmd.SetVal(false)
		return cmd
	}
	f.data[key] = value.([]byte)
	cmd.SetVal(true)
	return cmd
}

func (f *fakeClient) SetXX(ctx context.Context, key string, value any, _ time.Duration) *goredis.BoolCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := goredis.NewBoolCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	if _, ok := f.data[key]; !ok {
		cmd.SetVal(false)
		return cmd
	}
	f.data[key] = value.([]byte)
	cmd.SetVal(true)
	return cmd
}

func (f *fakeClient) Del(ctx context.Context, keys ...string) *goredis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	cmd := goredis.NewIntCmd(ctx)
	n := int64(0)
	for _, key := range keys {
		if _, ok := f.data[key]; ok {
			delete(f.data, key)
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

var testKey = batch.Key{StreamConsumerID: "K|orders|orders-consumer", ShardOrEventID: "S|shardId-000000000000"}

func testItem() *checkpoint.Item {
	return &checkpoint.Item{
		StreamConsumerID: testKey.StreamConsumerID,
		ShardOrEventID:   testKey.ShardOrEventID,
	}
}

func TestNewRequiresClient(t *testing.T) {
	_, err := New(nil, 0)
	require.Error(t, err)
}

func TestLoadMissingItem(t *testing.T) {
	s, err := New(newFakeClient(), 0)
	require.NoError(t, err)
	it, err := s.Load(context.Background(), testKey)
	require.NoError(t, err)
	assert.Nil(t, it)
}

func TestSaveLoadDelete(t *testing.T) {
	client := newFakeClient()
	s, err := New(client, time.Hour)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, testItem(), true))

	it, err := s.Load(ctx, testKey)
	require.NoError(t, err)
	require.NotNil(t, it)
	assert.Equal(t, testKey, it.Key())

	require.NoError(t, s.Delete(ctx, testKey))
	it, err = s.Load(ctx, testKey)
	require.NoError(t, err)
	assert.Nil(t, it)
	require.NoError(t, s.Delete(ctx, testKey)) // missing key still succeeds
}

func TestSaveConditions(t *testing.T) {
	s, err := New(newFakeClient(), 0)
	require.NoError(t, err)
	ctx := context.Background()

	// Update of a missing key loses its XX condition.
	assert.ErrorIs(t, s.Save(ctx, testItem(), false), checkpoint.ErrConditionFailed)

	require.NoError(t, s.Save(ctx, testItem(), true))
	// Second insert loses its NX condition.
	assert.ErrorIs(t, s.Save(ctx, testItem(), true), checkpoint.ErrConditionFailed)
	require.NoError(t, s.Save(ctx, testItem(), false))
}

func TestErrorsAreTransient(t *testing.T) {
	client := newFakeClient()
	client.err = errors.New("connection refused")
	s, err := New(client, 0)
	require.NoError(t, err)

	_, err = s.Load(context.Background(), testKey)
	assert.True(t, faults.IsTransient(err))
	assert.True(t, faults.IsTransient(s.Save(context.Background(), testItem(), true)))
}

func TestCorruptItemIsFatal(t *testing.T) {
	client := newFakeClient()
	client.data[keyPrefix+testKey.StreamConsumerID+":"+testKey.ShardOrEventID] = []byte("{not json")
	s, err := New(client, 0)
	require.NoError(t, err)

	_, err = s.Load(context.Background(), testKey)
	assert.True(t, faults.IsFatal(err))

	var js *json.SyntaxError
	assert.True(t, errors.As(err, &js))
}
