package dedup

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRedisAdmitterFallsBackWhenUnreachable(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	defer client.Close()

	fallbacks := 0
	a := NewRedisAdmitter(client, NewCache(10), zaptest.NewLogger(t),
		WithOpTimeout(50*time.Millisecond),
		WithFallbackHook(func() { fallbacks++ }),
	)
	ctx := context.Background()

	assert.True(t, a.Admit(ctx, "k", time.Minute))
	assert.False(t, a.Admit(ctx, "k", time.Minute))
	assert.Equal(t, 2, fallbacks)
}

func TestRedisAdmitterOptions(t *testing.T) {
	a := NewRedisAdmitter(nil, NewCache(1), nil)
	assert.Equal(t, defaultKeyPrefix, a.prefix)
	assert.Equal(t, defaultOpTimeout, a.opTimeout)

	a = NewRedisAdmitter(nil, NewCache(1), nil, WithKeyPrefix("staging:dedup:"), WithOpTimeout(20*time.Millisecond))
	assert.Equal(t, "staging:dedup:", a.prefix)
	assert.Equal(t, 20*time.Millisecond, a.opTimeout)

	a = NewRedisAdmitter(nil, NewCache(1), nil, WithKeyPrefix(""), WithOpTimeout(0))
	assert.Equal(t, defaultKeyPrefix, a.prefix, "empty values keep the defaults")
	assert.Equal(t, defaultOpTimeout, a.opTimeout)
}

func TestRedisAdmitterIntegration(t *testing.T) {
	addr := os.Getenv("SHOPTRAFFIC_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("SHOPTRAFFIC_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	defer client.Close()

	ctx := context.Background()
	a := NewRedisAdmitter(client, NewCache(10), zaptest.NewLogger(t), WithKeyPrefix("shoptraffic-test:dedup:"))
	require.NoError(t, a.Reset(ctx))

	assert.True(t, a.Admit(ctx, MechanicKey(1, "10.0.0.1"), 200*time.Millisecond))
	n, err := client.Exists(ctx, "shoptraffic-test:dedup:"+MechanicKey(1, "10.0.0.1")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.False(t, a.Admit(ctx, MechanicKey(1, "10.0.0.1"), 200*time.Millisecond))

	time.Sleep(300 * time.Millisecond)
	assert.True(t, a.Admit(ctx, MechanicKey(1, "10.0.0.1"), 200*time.Millisecond))

	require.NoError(t, a.Reset(ctx))
	assert.True(t, a.Admit(ctx, MechanicKey(1, "10.0.0.1"), time.Minute))
}
