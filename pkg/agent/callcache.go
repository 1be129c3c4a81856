package agent

import (
	"encoding/json"
	"fmt"
)

// callCache remembers the results of the most recent successful tool
// calls within a single turn. A repeated call whose key matches a live
// entry is served from the cache instead of executing again. Depth 1
// covers the common failure mode of a model retrying the exact call it
// just made; depth 0 disables reuse entirely.
type callCache struct {
	depth   int
	entries []cacheEntry
}

type cacheEntry struct {
	key    string
	result string
}

func newCallCache(depth int) *callCache {
	if depth < 0 {
		depth = 0
	}
	return &callCache{depth: depth}
}

// lookup returns the stored result for key and refreshes its recency.
// A hit leaves the entry in place, so an unbroken run of identical
// calls keeps hitting the same entry.
func (c *callCache) lookup(key string) (string, bool) {
	for i, entry := range c.entries {
		if entry.key != key {
			continue
		}
		if i != len(c.entries)-1 {
			c.entries = append(append(c.entries[:i], c.entries[i+1:]...), entry)
		}
		return entry.result, true
	}
	return "", false
}

// store records a successful result, evicting the oldest entry once the
// cache is past its depth. Failed calls are never stored.
func (c *callCache) store(key, result string) {
	if c.depth == 0 {
		return
	}
	for i := range c.entries {
		if c.entries[i].key == key {
			c.entries = append(c.entries[:i], c.entries[i+1:]...)
			break
		}
	}
	c.entries = append(c.entries, cacheEntry{key: key, result: result})
	if len(c.entries) > c.depth {
		c.entries = c.entries[1:]
	}
}

// canonicalCallKey builds a stable identity for a tool call from its
// name and arguments. encoding/json writes map keys in sorted order at
// every nesting level, so argument sets that differ only in key order
// produce the same key.
func canonicalCallKey(name string, args map[string]interface{}) string {
	if len(args) == 0 {
		return name + "|{}"
	}
	data, err := json.Marshal(args)
	if err != nil {
		return name + "|" + fmt.Sprintf("%v", args)
	}
	return name + "|" + string(data)
}
