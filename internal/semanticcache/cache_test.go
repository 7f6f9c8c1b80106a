package semanticcache

import (
	"context"
	"testing"
	"time"

	"github.com/hollowbrook/gatekeep/internal/providers"
)

// fixedEmbedder returns a deterministic vector derived from the input
// text's length, so distinct texts produce distinct (but reproducible)
// embeddings without needing a real embedding provider.
type fixedEmbedder struct {
	vec []float32
	err error
}

func (e *fixedEmbedder) Embed(ctx context.Context, text string, timeout time.Duration, maxRetries int) ([]float32, error) {
	if e.err != nil {
		return nil, e.err
	}
	return e.vec, nil
}

func testMessages() []providers.Message {
	return []providers.Message{{Role: "user", Content: "what is the capital of france"}}
}

// TestValidateModelTagAcceptsPlainTokens verifies the allow-list accepts
// ordinary model identifiers.
func TestValidateModelTagAcceptsPlainTokens(t *testing.T) {
	valid := []string{"gpt-4o", "gpt-4o-mini", "claude_3.opus", "A1"}
	for _, m := range valid {
		if _, err := ValidateModelTag(m); err != nil {
			t.Errorf("ValidateModelTag(%q) error = %v, want nil", m, err)
		}
	}
}

// TestValidateModelTagRejectsInjectionAttempts verifies the allow-list
// rejects tag-filter-breaking characters rather than escaping them,
// preventing cross-model cache poisoning via a crafted model string.
func TestValidateModelTagRejectsInjectionAttempts(t *testing.T) {
	malicious := []string{
		`gpt-4o" OR "1"="1`,
		"gpt-4o{$ne:null}",
		"gpt-4o]; DROP",
		"",
		"-leading-dash",
		"has space",
	}
	for _, m := range malicious {
		if _, err := ValidateModelTag(m); err == nil {
			t.Errorf("ValidateModelTag(%q) = nil error, want rejection", m)
		}
	}
}

// TestCanonicalizeJoinsRoleAndContent verifies the "role: content"
// newline-joined format.
func TestCanonicalizeJoinsRoleAndContent(t *testing.T) {
	got := Canonicalize([]providers.Message{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "hi"},
	})
	want := "system: be terse\nuser: hi"
	if got != want {
		t.Fatalf("Canonicalize() = %q, want %q", got, want)
	}
}

// TestCanonicalizeTruncatesAtMaxLen verifies the 32K character cap bounds
// embedding API cost regardless of conversation length.
func TestCanonicalizeTruncatesAtMaxLen(t *testing.T) {
	huge := make([]byte, maxCanonicalLen+500)
	for i := range huge {
		huge[i] = 'x'
	}
	got := Canonicalize([]providers.Message{{Role: "user", Content: string(huge)}})
	if len(got) != maxCanonicalLen {
		t.Fatalf("len(Canonicalize()) = %d, want %d", len(got), maxCanonicalLen)
	}
}

// TestCacheLookupDisabledAlwaysMisses verifies Config.Enabled=false
// bypasses the cache entirely without touching the embedder or store.
func TestCacheLookupDisabledAlwaysMisses(t *testing.T) {
	c := New(NewInMemoryStore(), &fixedEmbedder{vec: []float32{1, 0}}, Config{Enabled: false}, nil)

	_, _, hit := c.Lookup(context.Background(), "gpt-4o", testMessages(), 0.7, 256)
	if hit {
		t.Fatal("disabled cache should never report a hit")
	}
}

// TestCacheStoreThenLookupRoundTrips verifies the basic write/read
// round-trip: storing a response makes an identical subsequent lookup a
// hit.
func TestCacheStoreThenLookupRoundTrips(t *testing.T) {
	store := NewInMemoryStore()
	embed := &fixedEmbedder{vec: []float32{1, 0, 0}}
	c := New(store, embed, Config{Enabled: true, K: 5, DistanceThreshold: 0.05, TTL: time.Minute}, nil)

	msgs := testMessages()
	err := c.Store(context.Background(), "gpt-4o", msgs, []byte(`{"ok":true}`), providers.Usage{InputTokens: 10}, 0.7, 256, "req-1")
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}

	entry, dist, hit := c.Lookup(context.Background(), "gpt-4o", msgs, 0.7, 256)
	if !hit {
		t.Fatal("expected a cache hit after Store with identical parameters")
	}
	if string(entry.ResponseJSON) != `{"ok":true}` {
		t.Fatalf("ResponseJSON = %s, want the stored payload", entry.ResponseJSON)
	}
	if dist > 0.05 {
		t.Fatalf("distance = %f, want within the configured threshold", dist)
	}
}

// TestCacheLookupMissesOnTemperatureMismatch verifies the temperature
// post-filter rejects otherwise-similar candidates.
func TestCacheLookupMissesOnTemperatureMismatch(t *testing.T) {
	store := NewInMemoryStore()
	embed := &fixedEmbedder{vec: []float32{1, 0, 0}}
	c := New(store, embed, Config{Enabled: true, K: 5, DistanceThreshold: 0.5, TTL: time.Minute}, nil)

	msgs := testMessages()
	_ = c.Store(context.Background(), "gpt-4o", msgs, []byte(`{}`), providers.Usage{}, 0.2, 256, "req-1")

	_, _, hit := c.Lookup(context.Background(), "gpt-4o", msgs, 0.9, 256)
	if hit {
		t.Fatal("a mismatched temperature must not be served as a hit")
	}
}

// TestCacheLookupMissesOnMaxTokensMismatch verifies the max-tokens
// post-filter rejects otherwise-similar candidates.
func TestCacheLookupMissesOnMaxTokensMismatch(t *testing.T) {
	store := NewInMemoryStore()
	embed := &fixedEmbedder{vec: []float32{1, 0, 0}}
	c := New(store, embed, Config{Enabled: true, K: 5, DistanceThreshold: 0.5, TTL: time.Minute}, nil)

	msgs := testMessages()
	_ = c.Store(context.Background(), "gpt-4o", msgs, []byte(`{}`), providers.Usage{}, 0.7, 128, "req-1")

	_, _, hit := c.Lookup(context.Background(), "gpt-4o", msgs, 0.7, 999)
	if hit {
		t.Fatal("a mismatched max-tokens must not be served as a hit")
	}
}

// TestCacheLookupMissesAcrossModels verifies entries stored under one
// model tag never surface as a hit for a different model, the core
// cross-model cache isolation invariant.
func TestCacheLookupMissesAcrossModels(t *testing.T) {
	store := NewInMemoryStore()
	embed := &fixedEmbedder{vec: []float32{1, 0, 0}}
	c := New(store, embed, Config{Enabled: true, K: 5, DistanceThreshold: 0.5, TTL: time.Minute}, nil)

	msgs := testMessages()
	_ = c.Store(context.Background(), "gpt-4o", msgs, []byte(`{}`), providers.Usage{}, 0.7, 256, "req-1")

	_, _, hit := c.Lookup(context.Background(), "claude-3-opus", msgs, 0.7, 256)
	if hit {
		t.Fatal("a response cached under gpt-4o must never surface for claude-3-opus")
	}
}

// TestCacheLookupRejectsInvalidModelTagAsMiss verifies a malicious model
// string degrades to a clean miss rather than reaching the vector store.
func TestCacheLookupRejectsInvalidModelTagAsMiss(t *testing.T) {
	store := NewInMemoryStore()
	embed := &fixedEmbedder{vec: []float32{1, 0, 0}}
	c := New(store, embed, Config{Enabled: true, K: 5, DistanceThreshold: 0.5, TTL: time.Minute}, nil)

	_, _, hit := c.Lookup(context.Background(), `gpt-4o"; DROP`, testMessages(), 0.7, 256)
	if hit {
		t.Fatal("an invalid model tag must never produce a hit")
	}
}

// TestCacheLookupEmbedFailureDegradesToMiss verifies an embedding error
// never propagates as an error to the caller — only a miss.
func TestCacheLookupEmbedFailureDegradesToMiss(t *testing.T) {
	store := NewInMemoryStore()
	embed := &fixedEmbedder{err: context.DeadlineExceeded}
	c := New(store, embed, Config{Enabled: true, K: 5, DistanceThreshold: 0.5, TTL: time.Minute}, nil)

	_, _, hit := c.Lookup(context.Background(), "gpt-4o", testMessages(), 0.7, 256)
	if hit {
		t.Fatal("an embedding failure should never manifest as a hit")
	}
}

// TestCacheStoreRejectsInvalidModelTag verifies Store refuses to persist
// an entry under a malformed model tag.
func TestCacheStoreRejectsInvalidModelTag(t *testing.T) {
	store := NewInMemoryStore()
	embed := &fixedEmbedder{vec: []float32{1, 0, 0}}
	c := New(store, embed, Config{Enabled: true, K: 5, DistanceThreshold: 0.5, TTL: time.Minute}, nil)

	err := c.Store(context.Background(), `bad"tag`, testMessages(), []byte(`{}`), providers.Usage{}, 0.7, 256, "req-1")
	if err == nil {
		t.Fatal("Store() should reject an invalid model tag")
	}

	n, _ := store.Count(context.Background())
	if n != 0 {
		t.Fatalf("Count() = %d, want 0 (nothing should have been persisted)", n)
	}
}

// TestConfigKEnforcesMinimumFanOut verifies K below 5 is raised to 5, so
// the cache never degrades to a top-1 lookup.
func TestConfigKEnforcesMinimumFanOut(t *testing.T) {
	cases := []struct {
		configured int
		want       int
	}{
		{0, 5},
		{1, 5},
		{5, 5},
		{10, 10},
	}
	for _, tc := range cases {
		cfg := Config{K: tc.configured}
		if got := cfg.k(); got != tc.want {
			t.Errorf("Config{K: %d}.k() = %d, want %d", tc.configured, got, tc.want)
		}
	}
}
