package dynamicoidc

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCacheSetGet(t *testing.T) {
	c := NewCache(0)
	defer c.Close()

	c.Set("key", "value", time.Minute)
	got, found := c.Get("key")
	require.True(t, found)
	assert.Equal(t, "value", got)

	_, found = c.Get("missing")
	assert.False(t, found)
}

func TestCacheExpiry(t *testing.T) {
	c := NewCache(0)
	defer c.Close()

	c.Set("key", "value", 10*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	_, found := c.Get("key")
	assert.False(t, found)
	assert.Equal(t, 0, c.Len())
}

func TestCacheOverwrite(t *testing.T) {
	c := NewCache(0)
	defer c.Close()

	c.Set("key", "first", time.Minute)
	c.Set("key", "second", time.Minute)

	got, found := c.Get("key")
	require.True(t, found)
	assert.Equal(t, "second", got)
	assert.Equal(t, 1, c.Len())
}

func TestCacheDelete(t *testing.T) {
	c := NewCache(0)
	defer c.Close()

	c.Set("key", "value", time.Minute)
	c.Delete("key")
	_, found := c.Get("key")
	assert.False(t, found)

	// Deleting a missing key is a no-op.
	c.Delete("missing")
}

func TestCacheBoundedEviction(t *testing.T) {
	c := NewCache(3)
	defer c.Close()

	// "a" expires soonest and is the eviction victim.
	c.Set("a", 1, time.Minute)
	c.Set("b", 2, 10*time.Minute)
	c.Set("c", 3, 10*time.Minute)
	c.Set("d", 4, 10*time.Minute)

	assert.Equal(t, 3, c.Len())
	_, found := c.Get("a")
	assert.False(t, found)
	_, found = c.Get("d")
	assert.True(t, found)
}

func TestCacheBoundedOverwriteDoesNotEvict(t *testing.T) {
	c := NewCache(2)
	defer c.Close()

	c.Set("a", 1, time.Minute)
	c.Set("b", 2, time.Minute)
	c.Set("a", 10, time.Minute)

	assert.Equal(t, 2, c.Len())
	got, found := c.Get("b")
	require.True(t, found)
	assert.Equal(t, 2, got)
}

func TestCacheCleanup(t *testing.T) {
	c := NewCache(0)
	defer c.Close()

	for i := 0; i < 5; i++ {
		c.Set(fmt.Sprintf("stale-%d", i), i, time.Millisecond)
	}
	c.Set("fresh", "value", time.Minute)

	time.Sleep(10 * time.Millisecond)
	c.Cleanup()

	assert.Equal(t, 1, c.Len())
}

func TestCacheCloseIdempotent(t *testing.T) {
	c := NewCache(0)
	c.Close()
	c.Close()
}
