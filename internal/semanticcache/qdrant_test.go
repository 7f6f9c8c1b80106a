package semanticcache

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

// TestQdrantStoreAddSendsUpsertWithBase64Payload verifies Add PUTs a single
// point whose payload carries the response bytes base64-encoded and the
// model tag as a plain filterable field.
func TestQdrantStoreAddSendsUpsertWithBase64Payload(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/points") {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		if r.Method != http.MethodPut {
			t.Fatalf("method = %s, want PUT", r.Method)
		}
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	store := NewQdrantStore(QdrantConfig{BaseURL: srv.URL, Collection: "cache"})
	entry := Entry{
		Key:          "req-1",
		Model:        "gpt-4o",
		ResponseJSON: []byte(`{"ok":true}`),
		Embedding:    []float32{1, 0, 0},
		Temperature:  0.7,
		MaxTokens:    256,
	}

	if err := store.Add(context.Background(), entry, time.Minute); err != nil {
		t.Fatalf("Add() error = %v", err)
	}

	points, ok := gotBody["points"].([]any)
	if !ok || len(points) != 1 {
		t.Fatalf("points = %v, want exactly 1", gotBody["points"])
	}
	point := points[0].(map[string]any)
	payload := point["payload"].(map[string]any)
	if payload["model"] != "gpt-4o" {
		t.Fatalf("payload.model = %v, want gpt-4o", payload["model"])
	}
	if payload["response_b64"] != "eyJvayI6dHJ1ZX0=" {
		t.Fatalf("payload.response_b64 = %v, want base64 of the response JSON", payload["response_b64"])
	}
}

// TestQdrantStoreAddRejectsEmptyEmbedding verifies Add refuses to upsert a
// point with no vector rather than sending a malformed request.
func TestQdrantStoreAddRejectsEmptyEmbedding(t *testing.T) {
	store := NewQdrantStore(QdrantConfig{BaseURL: "http://unused.invalid", Collection: "cache"})
	err := store.Add(context.Background(), Entry{Key: "k"}, time.Minute)
	if err == nil {
		t.Fatal("expected an error for an entry with no embedding")
	}
}

// TestQdrantStoreSearchFiltersByModelTag verifies Search issues a payload
// filter scoped to the given model tag.
func TestQdrantStoreSearchFiltersByModelTag(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		resp := map[string]any{
			"result": []map[string]any{
				{
					"score": 0.92,
					"payload": map[string]any{
						"model":           "gpt-4o",
						"canonical_query": "user: hi",
						"response_b64":    "e30=",
						"key":             "req-1",
						"temperature":     0.7,
						"max_tokens":      float64(256),
					},
				},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	store := NewQdrantStore(QdrantConfig{BaseURL: srv.URL, Collection: "cache"})
	results, err := store.Search(context.Background(), []float32{1, 0, 0}, 5, "gpt-4o")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %+v, want 1", results)
	}
	if results[0].Entry.Model != "gpt-4o" {
		t.Fatalf("Entry.Model = %q, want gpt-4o", results[0].Entry.Model)
	}
	score := 0.92
	if want := 1 - score; results[0].Distance != want {
		t.Fatalf("Distance = %v, want %v", results[0].Distance, want)
	}

	filter := gotBody["filter"].(map[string]any)
	must := filter["must"].([]any)
	clause := must[0].(map[string]any)
	if clause["key"] != "model" {
		t.Fatalf("filter clause key = %v, want model", clause["key"])
	}
	match := clause["match"].(map[string]any)
	if match["value"] != "gpt-4o" {
		t.Fatalf("filter match value = %v, want gpt-4o", match["value"])
	}
}

// TestQdrantStoreSearchExcludesExpiredHits verifies a hit whose payload
// carries a past expires_at_unix is dropped before reaching the caller.
func TestQdrantStoreSearchExcludesExpiredHits(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"result": []map[string]any{
				{
					"score": 0.99,
					"payload": map[string]any{
						"model":           "gpt-4o",
						"response_b64":    "e30=",
						"key":             "stale",
						"expires_at_unix": float64(time.Now().Add(-time.Hour).Unix()),
					},
				},
			},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	store := NewQdrantStore(QdrantConfig{BaseURL: srv.URL, Collection: "cache"})
	results, err := store.Search(context.Background(), []float32{1, 0, 0}, 5, "gpt-4o")
	if err != nil {
		t.Fatalf("Search() error = %v", err)
	}
	if len(results) != 0 {
		t.Fatalf("results = %+v, want none (expired)", results)
	}
}

// TestQdrantStoreCountReturnsCollectionCount verifies Count decodes the
// exact point count from Qdrant's count endpoint.
func TestQdrantStoreCountReturnsCollectionCount(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/points/count") {
			t.Fatalf("unexpected path: %s", r.URL.Path)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"result": map[string]any{"count": 42}})
	}))
	defer srv.Close()

	store := NewQdrantStore(QdrantConfig{BaseURL: srv.URL, Collection: "cache"})
	n, err := store.Count(context.Background())
	if err != nil {
		t.Fatalf("Count() error = %v", err)
	}
	if n != 42 {
		t.Fatalf("Count() = %d, want 42", n)
	}
}

// TestQdrantPointIDStableForSameKey verifies re-storing the same cache key
// derives the same point id, so repeated writes update rather than
// duplicate.
func TestQdrantPointIDStableForSameKey(t *testing.T) {
	a := qdrantPointID("cache:123-req")
	b := qdrantPointID("cache:123-req")
	if a != b {
		t.Fatalf("qdrantPointID not stable: %q != %q", a, b)
	}
	c := qdrantPointID("cache:124-req")
	if a == c {
		t.Fatal("qdrantPointID should differ for a different key")
	}
}
