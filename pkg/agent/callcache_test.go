package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalCallKey(t *testing.T) {
	a := canonicalCallKey("read_file", map[string]interface{}{"path": "a.go", "start_line": float64(1)})
	b := canonicalCallKey("read_file", map[string]interface{}{"start_line": float64(1), "path": "a.go"})
	assert.Equal(t, a, b, "argument order must not change the key")

	assert.Equal(t, "list_dir|{}", canonicalCallKey("list_dir", nil))
	assert.Equal(t, "list_dir|{}", canonicalCallKey("list_dir", map[string]interface{}{}))

	c := canonicalCallKey("read_file", map[string]interface{}{"path": "b.go"})
	assert.NotEqual(t, a, c)

	nested1 := canonicalCallKey("t", map[string]interface{}{"opts": map[string]interface{}{"x": 1.0, "y": 2.0}})
	nested2 := canonicalCallKey("t", map[string]interface{}{"opts": map[string]interface{}{"y": 2.0, "x": 1.0}})
	assert.Equal(t, nested1, nested2, "nested maps must canonicalize too")
}

func TestCallCacheDepthOne(t *testing.T) {
	cache := newCallCache(1)

	_, ok := cache.lookup("a")
	assert.False(t, ok)

	cache.store("a", "result-a")
	out, ok := cache.lookup("a")
	assert.True(t, ok)
	assert.Equal(t, "result-a", out)

	// A hit leaves the entry live, so a run of identical calls keeps
	// hitting.
	out, ok = cache.lookup("a")
	assert.True(t, ok)
	assert.Equal(t, "result-a", out)

	// A different call evicts the previous entry at depth 1.
	cache.store("b", "result-b")
	_, ok = cache.lookup("a")
	assert.False(t, ok)
	out, ok = cache.lookup("b")
	assert.True(t, ok)
	assert.Equal(t, "result-b", out)
}

func TestCallCacheDepthZeroDisables(t *testing.T) {
	cache := newCallCache(0)
	cache.store("a", "result-a")
	_, ok := cache.lookup("a")
	assert.False(t, ok)
}

func TestCallCacheEvictsOldest(t *testing.T) {
	cache := newCallCache(2)
	cache.store("a", "1")
	cache.store("b", "2")
	cache.store("c", "3")

	_, ok := cache.lookup("a")
	assert.False(t, ok)
	out, ok := cache.lookup("b")
	assert.True(t, ok)
	assert.Equal(t, "2", out)
	out, ok = cache.lookup("c")
	assert.True(t, ok)
	assert.Equal(t, "3", out)
}

func TestCallCacheLookupRefreshesRecency(t *testing.T) {
	cache := newCallCache(2)
	cache.store("a", "1")
	cache.store("b", "2")

	// Touching a makes b the oldest, so storing c evicts b.
	_, ok := cache.lookup("a")
	assert.True(t, ok)
	cache.store("c", "3")

	_, ok = cache.lookup("b")
	assert.False(t, ok)
	_, ok = cache.lookup("a")
	assert.True(t, ok)
	_, ok = cache.lookup("c")
	assert.True(t, ok)
}

func TestCallCacheRestoreSameKey(t *testing.T) {
	cache := newCallCache(2)
	cache.store("a", "1")
	cache.store("b", "2")
	cache.store("a", "1-again")

	out, ok := cache.lookup("a")
	assert.True(t, ok)
	assert.Equal(t, "1-again", out)

	// Restoring a did not evict b; the cache still holds two entries.
	out, ok = cache.lookup("b")
	assert.True(t, ok)
	assert.Equal(t, "2", out)
}
