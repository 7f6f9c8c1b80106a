// Package semanticcache implements the embedding-backed response cache:
// canonicalize the conversation, embed it, KNN-search a vector store
// scoped to the requested model, and post-filter survivors by
// distance/temperature/max-tokens before serving a hit.
package semanticcache

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"regexp"
	"strings"
	"time"

	"github.com/hollowbrook/gatekeep/internal/providers"
)

const maxCanonicalLen = 32 * 1024

// modelTagPattern is the strict allow-list used to validate the model tag
// before it reaches any vector-database filter syntax. Anything outside
// this set is rejected rather than escaped, since a vector store's filter
// language is attacker-controlled surface the moment the tag round-trips
// through it.
var modelTagPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateModelTag rejects any model identifier that isn't a plain
// alphanumeric/dot/dash/underscore token, so it can never break out of a
// vector store's tag-filter syntax (brackets, quotes, braces, ...).
func ValidateModelTag(model string) (string, error) {
	if !modelTagPattern.MatchString(model) {
		return "", fmt.Errorf("semanticcache: invalid model tag %q", model)
	}
	return model, nil
}

// Entry is a cached response.
type Entry struct {
	Key            string
	CanonicalQuery string
	Model          string
	ResponseJSON   []byte
	Usage          providers.Usage
	Embedding      []float32
	Temperature    float64
	MaxTokens      int
	CreatedAt      time.Time
}

// Config tunes cache behavior.
type Config struct {
	Enabled bool

	// K is the KNN fan-out; must be >= 5 (not top-1).
	K int
	// DistanceThreshold is the maximum cosine distance (lower = more
	// similar) for a candidate to be considered a hit.
	DistanceThreshold float64
	// TTL is the base cache entry lifetime; jittered +/-10% on write to
	// avoid synchronized expiry thundering herds.
	TTL time.Duration

	EmbedTimeout    time.Duration
	EmbedMaxRetries int
}

func (c Config) k() int {
	if c.K < 5 {
		return 5
	}
	return c.K
}

// Cache composes an Embedder and a VectorStore into the full lookup/store
// pipeline.
type Cache struct {
	store VectorStore
	embed Embedder
	cfg   Config
	log   *slog.Logger
}

// New builds a semantic cache. log may be nil (defaults to slog.Default()).
func New(store VectorStore, embed Embedder, cfg Config, log *slog.Logger) *Cache {
	if log == nil {
		log = slog.Default()
	}
	return &Cache{store: store, embed: embed, cfg: cfg, log: log}
}

// Canonicalize concatenates "role: content" per message, newline-joined,
// truncated to maxCanonicalLen to bound embedding API cost.
func Canonicalize(messages []providers.Message) string {
	var b strings.Builder
	for i, m := range messages {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(m.Role)
		b.WriteString(": ")
		b.WriteString(m.Content)
	}
	s := b.String()
	if len(s) > maxCanonicalLen {
		s = s[:maxCanonicalLen]
	}
	return s
}

// Lookup runs the full read path, returning the first survivor and its
// cosine distance. It never returns an error to the caller: any failure
// (embedding, search, validation) is logged and surfaces as a plain miss,
// matching the bypass-conditions rule that "any lookup error" degrades to
// a miss with a warning log.
func (c *Cache) Lookup(ctx context.Context, model string, messages []providers.Message, temperature float64, maxTokens int) (*Entry, float64, bool) {
	if !c.cfg.Enabled {
		return nil, 0, false
	}

	tag, err := ValidateModelTag(model)
	if err != nil {
		c.log.Warn("semantic_cache_invalid_model_tag", slog.String("model", model), slog.Any("err", err))
		return nil, 0, false
	}

	canonical := Canonicalize(messages)

	vec, err := c.embed.Embed(ctx, canonical, c.cfg.EmbedTimeout, c.cfg.EmbedMaxRetries)
	if err != nil {
		c.log.Warn("semantic_cache_embed_failed", slog.Any("err", err))
		return nil, 0, false
	}

	results, err := c.store.Search(ctx, vec, c.cfg.k(), tag)
	if err != nil {
		c.log.Warn("semantic_cache_search_failed", slog.Any("err", err))
		return nil, 0, false
	}

	for _, r := range results {
		if r.Distance > c.cfg.DistanceThreshold {
			continue
		}
		if r.Entry.Temperature != temperature {
			continue
		}
		if r.Entry.MaxTokens != maxTokens {
			continue
		}
		return &r.Entry, r.Distance, true
	}
	return nil, 0, false
}

// Store serializes a fresh response into the cache under a new key with
// jittered TTL. Called only for successful, non-streaming responses.
func (c *Cache) Store(ctx context.Context, model string, messages []providers.Message, responseJSON []byte, usage providers.Usage, temperature float64, maxTokens int, keySuffix string) error {
	if !c.cfg.Enabled {
		return nil
	}

	tag, err := ValidateModelTag(model)
	if err != nil {
		return err
	}

	canonical := Canonicalize(messages)
	vec, err := c.embed.Embed(ctx, canonical, c.cfg.EmbedTimeout, c.cfg.EmbedMaxRetries)
	if err != nil {
		return fmt.Errorf("semanticcache: embed for store: %w", err)
	}

	entry := Entry{
		Key:            fmt.Sprintf("cache:%d-%s", time.Now().Unix(), keySuffix),
		CanonicalQuery: canonical,
		Model:          tag,
		ResponseJSON:   responseJSON,
		Usage:          usage,
		Embedding:      vec,
		Temperature:    temperature,
		MaxTokens:      maxTokens,
		CreatedAt:      time.Now(),
	}

	return c.store.Add(ctx, entry, jitteredTTL(c.cfg.TTL))
}

// jitteredTTL applies +/-10% uniform jitter to avoid synchronized expiry.
func jitteredTTL(base time.Duration) time.Duration {
	if base <= 0 {
		return base
	}
	jitter := (rand.Float64()*0.2 - 0.1) * float64(base)
	return base + time.Duration(jitter)
}
