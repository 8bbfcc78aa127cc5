package redis

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type setCall struct {
	key   string
	value []byte
	ttl   time.Duration
}

type pubCall struct {
	channel string
	message []byte
}

type fakeClient struct {
	sets []setCall
	pubs []pubCall
	err  error
}

func (f *fakeClient) Set(_ context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	if f.err != nil {
		return redis.NewStatusResult("", f.err)
	}
	f.sets = append(f.sets, setCall{key: key, value: value.([]byte), ttl: expiration})
	return redis.NewStatusResult("OK", nil)
}

func (f *fakeClient) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	if f.err != nil {
		return redis.NewIntResult(0, f.err)
	}
	f.pubs = append(f.pubs, pubCall{channel: channel, message: message.([]byte)})
	return redis.NewIntResult(1, nil)
}

func TestWriteCache(t *testing.T) {
	client := &fakeClient{}
	s := New(client, WithKeyPrefix("energy"))

	err := s.WriteCache(context.Background(), "hourly:meter=m1", map[string]interface{}{"sum": 6.0}, time.Hour)
	require.NoError(t, err)

	require.Len(t, client.sets, 1)
	assert.Equal(t, "energy:hourly:meter=m1", client.sets[0].key)
	assert.Equal(t, time.Hour, client.sets[0].ttl)
	var decoded map[string]float64
	require.NoError(t, json.Unmarshal(client.sets[0].value, &decoded))
	assert.Equal(t, 6.0, decoded["sum"])
}

func TestBroadcast(t *testing.T) {
	client := &fakeClient{}
	s := New(client)

	require.NoError(t, s.Broadcast(context.Background(), "dashboard", "hello"))
	require.Len(t, client.pubs, 1)
	assert.Equal(t, "dashboard", client.pubs[0].channel)
	assert.Equal(t, `"hello"`, string(client.pubs[0].message))
}

func TestClientErrorsAreWrapped(t *testing.T) {
	down := errors.New("connection refused")
	s := New(&fakeClient{err: down})

	assert.ErrorIs(t, s.WriteCache(context.Background(), "k", 1, 0), down)
	assert.ErrorIs(t, s.Broadcast(context.Background(), "c", 1), down)
}
