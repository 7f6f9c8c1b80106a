// Package cache provides the exact-match response cache backends and the
// key scheme they share with the semantic cache.
//
// Keys are derived from the same canonical conversation text the semantic
// cache embeds ("role: content" per message, newline-joined), scoped by
// the model tag plus the request parameters that gate a semantic hit
// (temperature, max-tokens) and the caller identity (workspace, API key
// hash). Two requests that would be eligible for the same semantic-cache
// entry therefore also collide onto the same exact-match key.
//
// Two backends are available:
//   - ExactCache  — Redis-backed, recommended for production clusters.
//   - MemoryCache — in-process TTL cache, zero external dependencies.
//
// Both implement the Cache interface so they are fully interchangeable.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"
)

// keyPrefix namespaces exact-match entries apart from the semantic
// cache's "cache:{timestamp}-{uuid8}" keys in a shared Redis.
const keyPrefix = "cache:exact:"

type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Key derives the exact-match cache key for one request. canonical is the
// semantic cache's canonicalized conversation text; modelTag scopes the
// key so entries never cross model boundaries, mirroring the semantic
// store's tag filter. Fields are length-prefixed before hashing so no two
// distinct inputs can concatenate to the same digest.
func Key(modelTag, workspaceID, apiKeyID, canonical string, temperature float64, maxTokens int) string {
	h := sha256.New()
	for _, field := range []string{
		modelTag,
		workspaceID,
		apiKeyID,
		fmt.Sprintf("%.2f", temperature),
		fmt.Sprintf("%d", maxTokens),
		canonical,
	} {
		fmt.Fprintf(h, "%d:", len(field))
		h.Write([]byte(field))
	}
	return keyPrefix + hex.EncodeToString(h.Sum(nil))
}
