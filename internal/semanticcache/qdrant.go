package semanticcache

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hollowbrook/gatekeep/internal/providers"
)

// QdrantConfig configures the Qdrant REST-API VectorStore. There is no
// official Go SDK in the dependency pack this is grounded on, so — as in
// that grounding source — requests are built by hand with net/http.
type QdrantConfig struct {
	BaseURL              string
	APIKey               string
	Collection           string
	Timeout              time.Duration
	AutoCreateCollection bool
	VectorSize           int
}

// QdrantStore implements VectorStore against a running Qdrant instance.
type QdrantStore struct {
	cfg     QdrantConfig
	baseURL string
	client  *http.Client

	ensureOnce sync.Once
	ensureErr  error
}

// NewQdrantStore builds a Qdrant-backed VectorStore.
func NewQdrantStore(cfg QdrantConfig) *QdrantStore {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &QdrantStore{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
	}
}

var qdrantNamespace = uuid.MustParse("6f2a7b3e-6e33-4a0d-9a0f-9f7f0e2c1a77")

// qdrantPointID derives a stable point UUID from the cache entry key, so
// re-storing the same key updates the same point instead of duplicating it.
func qdrantPointID(key string) string {
	return uuid.NewSHA1(qdrantNamespace, []byte(key)).String()
}

func (s *QdrantStore) applyHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if s.cfg.APIKey != "" {
		req.Header.Set("api-key", s.cfg.APIKey)
	}
}

func (s *QdrantStore) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.baseURL+path, body)
	if err != nil {
		return err
	}
	s.applyHeaders(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusConflict {
		// Collection already exists — treated as success by ensureCollection.
		return nil
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("qdrant: %s %s -> %d: %s", method, path, resp.StatusCode, string(raw))
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (s *QdrantStore) ensureCollection(ctx context.Context, vectorSize int) error {
	if !s.cfg.AutoCreateCollection {
		return nil
	}
	s.ensureOnce.Do(func() {
		body := map[string]any{
			"vectors": map[string]any{
				"size":     vectorSize,
				"distance": "Cosine",
			},
		}
		path := fmt.Sprintf("/collections/%s", url.PathEscape(s.cfg.Collection))
		s.ensureErr = s.doJSON(ctx, http.MethodPut, path, body, nil)
	})
	return s.ensureErr
}

// Add upserts entry as a single point, payload-encoding the cached response
// bytes as base64 and the model tag as an exact-match filterable field.
func (s *QdrantStore) Add(ctx context.Context, entry Entry, ttl time.Duration) error {
	if len(entry.Embedding) == 0 {
		return fmt.Errorf("qdrant: entry has no embedding")
	}
	if err := s.ensureCollection(ctx, len(entry.Embedding)); err != nil {
		return err
	}

	var expiresAt int64
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).Unix()
	}

	point := map[string]any{
		"id":     qdrantPointID(entry.Key),
		"vector": entry.Embedding,
		"payload": map[string]any{
			"model":           entry.Model,
			"canonical_query": entry.CanonicalQuery,
			"response_b64":    base64.StdEncoding.EncodeToString(entry.ResponseJSON),
			"input_tokens":    entry.Usage.InputTokens,
			"output_tokens":   entry.Usage.OutputTokens,
			"temperature":     entry.Temperature,
			"max_tokens":      entry.MaxTokens,
			"created_at_unix": entry.CreatedAt.Unix(),
			"expires_at_unix": expiresAt,
			"key":             entry.Key,
		},
	}

	req := map[string]any{"points": []any{point}}
	path := fmt.Sprintf("/collections/%s/points?wait=true", url.PathEscape(s.cfg.Collection))
	return s.doJSON(ctx, http.MethodPut, path, req, nil)
}

// Search runs a KNN query filtered to modelTag via Qdrant's payload filter
// (an exact "must match" clause — modelTag has already passed
// ValidateModelTag's allow-list before reaching here).
func (s *QdrantStore) Search(ctx context.Context, queryEmbedding []float32, k int, modelTag string) ([]SearchResult, error) {
	req := map[string]any{
		"vector": queryEmbedding,
		"limit":  k,
		"filter": map[string]any{
			"must": []any{
				map[string]any{
					"key":   "model",
					"match": map[string]any{"value": modelTag},
				},
			},
		},
		"with_payload": true,
	}

	type qdrantHit struct {
		Score   float64        `json:"score"`
		Payload map[string]any `json:"payload"`
	}
	var resp struct {
		Result []qdrantHit `json:"result"`
	}

	path := fmt.Sprintf("/collections/%s/points/search", url.PathEscape(s.cfg.Collection))
	if err := s.doJSON(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	out := make([]SearchResult, 0, len(resp.Result))
	for _, h := range resp.Result {
		if exp, ok := h.Payload["expires_at_unix"].(float64); ok && exp > 0 && int64(exp) < now {
			continue
		}
		entry, err := entryFromPayload(h.Payload)
		if err != nil {
			continue
		}
		out = append(out, SearchResult{Entry: entry, Distance: 1 - h.Score})
	}
	return out, nil
}

// Count is not exposed by a cheap Qdrant endpoint scoped to this store's
// use case, so it reports the collection's point count via Qdrant's count
// API without a filter.
func (s *QdrantStore) Count(ctx context.Context) (int, error) {
	var resp struct {
		Result struct {
			Count int `json:"count"`
		} `json:"result"`
	}
	path := fmt.Sprintf("/collections/%s/points/count", url.PathEscape(s.cfg.Collection))
	if err := s.doJSON(ctx, http.MethodPost, path, map[string]any{"exact": true}, &resp); err != nil {
		return 0, err
	}
	return resp.Result.Count, nil
}

func entryFromPayload(p map[string]any) (Entry, error) {
	model, _ := p["model"].(string)
	canonical, _ := p["canonical_query"].(string)
	respB64, _ := p["response_b64"].(string)
	key, _ := p["key"].(string)

	respJSON, err := base64.StdEncoding.DecodeString(respB64)
	if err != nil {
		return Entry{}, err
	}

	temp, _ := p["temperature"].(float64)
	maxTokens, _ := p["max_tokens"].(float64)
	inputTokens, _ := p["input_tokens"].(float64)
	outputTokens, _ := p["output_tokens"].(float64)
	createdAtUnix, _ := p["created_at_unix"].(float64)

	return Entry{
		Key:            key,
		CanonicalQuery: canonical,
		Model:          model,
		ResponseJSON:   respJSON,
		Temperature:    temp,
		MaxTokens:      int(maxTokens),
		CreatedAt:      time.Unix(int64(createdAtUnix), 0),
		Usage:          providers.Usage{InputTokens: int(inputTokens), OutputTokens: int(outputTokens)},
	}, nil
}
