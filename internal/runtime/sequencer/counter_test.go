package sequencer

import (
	"context"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRedis struct {
	values map[string]int64
	err    error
}

func (f *fakeRedis) Incr(ctx context.Context, key string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx, "incr", key)
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	f.values[key]++
	cmd.SetVal(f.values[key])
	return cmd
}

func (f *fakeRedis) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	cmd := redis.NewIntCmd(ctx, "del")
	if f.err != nil {
		cmd.SetErr(f.err)
		return cmd
	}
	var n int64
	for _, k := range keys {
		if _, ok := f.values[k]; ok {
			delete(f.values, k)
			n++
		}
	}
	cmd.SetVal(n)
	return cmd
}

func TestRedisCounter(t *testing.T) {
	ctx := context.Background()
	fake := &fakeRedis{values: map[string]int64{}}
	c := NewRedisCounter(fake)

	for want := uint64(1); want <= 3; want++ {
		got, err := c.Next(ctx, "c1")
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, int64(3), fake.values["liveflow:seq:c1"])

	require.NoError(t, c.Reset(ctx, "c1"))
	got, err := c.Next(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got)
}

func TestRedisCounterErrors(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("connection refused")
	c := NewRedisCounter(&fakeRedis{values: map[string]int64{}, err: boom})

	_, err := c.Next(ctx, "c1")
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, c.Reset(ctx, "c1"), boom)
}

func TestNewRedisClient(t *testing.T) {
	client, err := NewRedisClient("redis://localhost:6379/2")
	require.NoError(t, err)
	assert.Equal(t, 2, client.Options().DB)
	_ = client.Close()

	_, err = NewRedisClient("://bad")
	assert.Error(t, err)
}

func TestMemoryCounterReset(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCounter()

	n, _ := c.Next(ctx, "c1")
	assert.Equal(t, uint64(1), n)
	n, _ = c.Next(ctx, "c1")
	assert.Equal(t, uint64(2), n)

	require.NoError(t, c.Reset(ctx, "c1"))
	n, _ = c.Next(ctx, "c1")
	assert.Equal(t, uint64(1), n)
}
