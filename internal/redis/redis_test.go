package redis

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"robustagent/internal/config"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	c, err := Dial(&goredis.Options{Addr: mr.Addr()})
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c, mr
}

func TestHSetAtGenerationWithTTL(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	gen, err := c.Generation(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, int64(0), gen)

	written, err := c.HSetAtGeneration(ctx, "g", gen, "k", "f", "v", time.Minute)
	require.NoError(t, err)
	assert.True(t, written)
	got, err := c.HGet(ctx, "k", "f")
	require.NoError(t, err)
	assert.Equal(t, "v", got)
	assert.Equal(t, time.Minute, mr.TTL("k"))

	_, err = c.HGet(ctx, "k", "missing")
	assert.True(t, errors.Is(err, ErrCacheMiss))
}

func TestBumpGenerationBlocksStaleWrite(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()

	gen, err := c.Generation(ctx, "g")
	require.NoError(t, err)
	_, err = c.HSetAtGeneration(ctx, "g", gen, "k", "f", "old", 0)
	require.NoError(t, err)

	require.NoError(t, c.BumpGeneration(ctx, "g", time.Hour, "k"))
	assert.False(t, mr.Exists("k"))
	assert.Equal(t, time.Hour, mr.TTL("g"))

	written, err := c.HSetAtGeneration(ctx, "g", gen, "k", "f", "stale", 0)
	require.NoError(t, err)
	assert.False(t, written)
	assert.False(t, mr.Exists("k"))

	next, err := c.Generation(ctx, "g")
	require.NoError(t, err)
	assert.Equal(t, gen+1, next)
}

func TestNilClientIsSafe(t *testing.T) {
	var c *Client
	ctx := context.Background()
	_, err := c.HGet(ctx, "a", "b")
	assert.Error(t, err)
	_, err = c.Generation(ctx, "g")
	assert.Error(t, err)
	_, err = c.HSetAtGeneration(ctx, "g", 0, "a", "b", "c", 0)
	assert.Error(t, err)
	assert.Error(t, c.BumpGeneration(ctx, "g", 0, "a"))
	assert.NoError(t, c.Close())
}

func TestNewRedisClientUsesConfig(t *testing.T) {
	mr := miniredis.RunT(t)
	c, err := NewRedisClient(config.RedisConfig{Host: mr.Host(), Port: atoiPort(t, mr.Port())})
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.BumpGeneration(context.Background(), "x", 0))
	v, err := mr.Get("x")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

func atoiPort(t *testing.T, s string) int {
	t.Helper()
	n, err := strconv.Atoi(s)
	require.NoError(t, err)
	return n
}
