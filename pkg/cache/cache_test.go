package cache

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetSetDelete(t *testing.T) {
	c := New(10)

	_, ok := c.Get("missing")
	assert.False(t, ok)

	c.Set("a", 1, 0)
	val, ok := c.Get("a")
	require.True(t, ok)
	assert.Equal(t, 1, val)

	c.Set("a", 2, 0)
	val, _ = c.Get("a")
	assert.Equal(t, 2, val)

	c.Delete("a")
	_, ok = c.Get("a")
	assert.False(t, ok)

	// deleting a missing key is a no-op
	c.Delete("a")
}

func TestLRUEviction(t *testing.T) {
	c := New(3)
	c.Set("a", 1, 0)
	c.Set("b", 2, 0)
	c.Set("c", 3, 0)

	// touch "a" so "b" becomes the LRU victim
	_, ok := c.Get("a")
	require.True(t, ok)

	c.Set("d", 4, 0)

	_, ok = c.Get("b")
	assert.False(t, ok, "least recently used entry should be evicted")
	for _, key := range []string{"a", "c", "d"} {
		_, ok := c.Get(key)
		assert.True(t, ok, "key %q should survive eviction", key)
	}
	assert.Equal(t, int64(1), c.Stats().Evictions)
}

func TestTTLExpiry(t *testing.T) {
	c := New(10)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.Set("k", "v", time.Minute)
	_, ok := c.Get("k")
	require.True(t, ok)

	now = now.Add(2 * time.Minute)
	_, ok = c.Get("k")
	assert.False(t, ok, "expired entry must not be returned")
	assert.Equal(t, 0, c.Size(), "expired entry is collected on access")
}

func TestClearAndSize(t *testing.T) {
	c := New(10)
	c.Set("a", 1, 0)
	c.Set("b", 2, 0)
	assert.Equal(t, 2, c.Size())

	c.Clear()
	assert.Equal(t, 0, c.Size())
	_, ok := c.Get("a")
	assert.False(t, ok)
}

func TestStats(t *testing.T) {
	c := New(10)
	c.Set("a", 1, 0)
	c.Get("a")
	c.Get("a")
	c.Get("missing")

	s := c.Stats()
	assert.Equal(t, int64(2), s.Hits)
	assert.Equal(t, int64(1), s.Misses)
	assert.Equal(t, int64(1), s.Sets)
	assert.InDelta(t, 2.0/3.0, s.HitRate(), 1e-9)

	assert.Zero(t, Stats{}.HitRate())
}

func TestKeyStability(t *testing.T) {
	k1 := Key("emb", "embed", "什么是等保三级？")
	k2 := Key("emb", "embed", "什么是等保三级？")
	k3 := Key("emb", "embed", "另一个问题")

	assert.Equal(t, k1, k2, "equal args must derive equal keys")
	assert.NotEqual(t, k1, k3)
	assert.Regexp(t, `^emb:embed:[0-9a-f]{32}$`, k1)
}

func TestCachedWrapper(t *testing.T) {
	c := New(10)
	calls := 0
	fn := Cached(c, "emb", "embed", time.Minute, func(_ context.Context, q string) ([]float32, error) {
		calls++
		return []float32{float32(len(q))}, nil
	})

	ctx := context.Background()
	v1, err := fn(ctx, "abc")
	require.NoError(t, err)
	v2, err := fn(ctx, "abc")
	require.NoError(t, err)
	assert.Equal(t, v1, v2)
	assert.Equal(t, 1, calls, "second call must be served from cache")

	_, err = fn(ctx, "defg")
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestCachedWrapperDoesNotCacheErrors(t *testing.T) {
	c := New(10)
	calls := 0
	boom := errors.New("backend down")
	fn := Cached(c, "emb", "embed", time.Minute, func(_ context.Context, q string) (string, error) {
		calls++
		if calls == 1 {
			return "", boom
		}
		return "ok", nil
	})

	ctx := context.Background()
	_, err := fn(ctx, "q")
	require.ErrorIs(t, err, boom)

	val, err := fn(ctx, "q")
	require.NoError(t, err)
	assert.Equal(t, "ok", val)
	assert.Equal(t, 2, calls)
}
