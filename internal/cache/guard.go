package cache

import (
	"context"
	"encoding/json"
	"log"

	"classcheck/internal/metrics"
)

// DefaultSizeLimit mirrors the storage ceiling of the mobile cache the
// engine has to coexist with.
const DefaultSizeLimit = 2 << 20 // 2 MiB

// oversizedFields are keys known to carry inline image encodings; they are
// stripped on write instead of blocking the whole payload.
var oversizedFields = map[string]bool{
	"profileImageData": true,
	"imageData":        true,
	"photoBase64":      true,
}

// Guard wraps a Store with defensive size handling. Oversized blobs are
// discarded on read and reported absent; writes strip known-oversized
// fields first and are dropped (not failed) if still over the limit.
type Guard struct {
	inner Store
	limit int
}

// NewGuard wraps inner with the given byte limit (DefaultSizeLimit if <= 0).
func NewGuard(inner Store, limit int) *Guard {
	if limit <= 0 {
		limit = DefaultSizeLimit
	}
	return &Guard{inner: inner, limit: limit}
}

// Get returns the cached blob, treating oversized entries as absent and
// removing them from the store.
func (g *Guard) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := g.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(val) > g.limit {
		metrics.OversizeReads.Inc()
		log.Printf("cache: discarding oversized entry %s (%d bytes)", key, len(val))
		if derr := g.inner.Delete(ctx, key); derr != nil {
			log.Printf("cache: delete of oversized %s failed: %v", key, derr)
		}
		return nil, ErrMiss
	}
	return val, nil
}

// Set strips known-oversized fields and writes the result. A payload still
// over the limit after stripping is dropped silently; the remote store
// remains the source of truth.
func (g *Guard) Set(ctx context.Context, key string, val []byte) error {
	if len(val) > g.limit {
		if stripped, changed := stripFields(val); changed {
			val = stripped
		}
	}
	if len(val) > g.limit {
		metrics.OversizeWrites.Inc()
		log.Printf("cache: dropping oversized write %s (%d bytes)", key, len(val))
		return nil
	}
	return g.inner.Set(ctx, key, val)
}

// Delete removes the entry.
func (g *Guard) Delete(ctx context.Context, key string) error {
	return g.inner.Delete(ctx, key)
}

// stripFields removes oversized field names anywhere in the JSON tree.
// Returns the original bytes when nothing was removed or the value is not
// valid JSON.
func stripFields(val []byte) ([]byte, bool) {
	var node any
	if err := json.Unmarshal(val, &node); err != nil {
		return val, false
	}
	if !stripNode(node) {
		return val, false
	}
	out, err := json.Marshal(node)
	if err != nil {
		return val, false
	}
	return out, true
}

func stripNode(node any) bool {
	changed := false
	switch v := node.(type) {
	case map[string]any:
		for k := range v {
			if oversizedFields[k] {
				delete(v, k)
				changed = true
			}
		}
		for _, child := range v {
			if stripNode(child) {
				changed = true
			}
		}
	case []any:
		for _, child := range v {
			if stripNode(child) {
				changed = true
			}
		}
	}
	return changed
}
