package promptcomposer

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"
	"sync"
)

// renderCache memoises (component_name, stable_hash(variables)) -> resolved
// text, grounded on the teacher's CachedRegistry (pkg/prompts/cache.go)
// but keyed by a content hash instead of a TTL, since composition output
// is pure given its inputs: the same component+variables always render
// the same text, so there's nothing to expire, only to invalidate on
// reload.
type renderCache struct {
	mu      sync.RWMutex
	entries map[string]string
}

func newRenderCache() *renderCache {
	return &renderCache{entries: make(map[string]string)}
}

func (c *renderCache) get(componentName string, vars map[string]any) (string, bool) {
	key := cacheKey(componentName, vars)
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[key]
	return v, ok
}

func (c *renderCache) put(componentName string, vars map[string]any, rendered string) {
	key := cacheKey(componentName, vars)
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = rendered
}

// Clear empties the cache; safe to call at any time per spec's "clearing
// the cache does not change the output" property.
func (c *renderCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]string)
}

// cacheKey builds a stable hash of vars (sorted keys, canonical JSON) so
// that equal variable maps always hash identically regardless of
// iteration order.
func cacheKey(componentName string, vars map[string]any) string {
	canonical := canonicalize(vars)
	data, _ := json.Marshal(canonical)
	sum := sha256.Sum256(data)
	return componentName + ":" + hex.EncodeToString(sum[:])
}

// canonicalize recursively rewrites maps into sorted key/value pair
// slices so that json.Marshal produces a deterministic byte sequence
// regardless of Go's randomised map iteration order.
func canonicalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([][2]any, 0, len(keys))
		for _, k := range keys {
			out = append(out, [2]any{k, canonicalize(t[k])})
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = canonicalize(e)
		}
		return out
	default:
		return t
	}
}
