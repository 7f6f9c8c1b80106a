package semanticcache

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/hollowbrook/gatekeep/internal/providers"
)

// Embedder turns canonical query text into a dense vector. Implementations
// must honor the timeout/retry budget themselves; see ProviderEmbedder for
// the default wrapper over providers.EmbeddingProvider.
type Embedder interface {
	Embed(ctx context.Context, text string, timeout time.Duration, maxRetries int) ([]float32, error)
}

// ProviderEmbedder adapts a providers.EmbeddingProvider into an Embedder,
// adding a timeout and small retry budget. Embedding failures must
// never fail the request, only degrade to a cache miss, so retries here are
// a best-effort courtesy, not a hard requirement — the caller
// (Cache.Lookup/Store) treats any residual error as a miss.
type ProviderEmbedder struct {
	provider providers.EmbeddingProvider
	model    string
}

// NewProviderEmbedder wraps an embedding provider bound to a fixed model.
func NewProviderEmbedder(provider providers.EmbeddingProvider, model string) *ProviderEmbedder {
	return &ProviderEmbedder{provider: provider, model: model}
}

// Embed retries transient (429/5xx) failures with backoff up to
// maxRetries, each attempt bounded by timeout.
func (e *ProviderEmbedder) Embed(ctx context.Context, text string, timeout time.Duration, maxRetries int) ([]float32, error) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		vec, err := e.tryEmbed(attemptCtx, text)
		cancel()

		if err == nil {
			return vec, nil
		}
		lastErr = err

		if attempt == maxRetries || !isTransient(err) {
			break
		}

		backoffMs := float64(200) * math.Pow(2, float64(attempt))
		timer := time.NewTimer(time.Duration(backoffMs) * time.Millisecond)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		}
		timer.Stop()
	}
	return nil, lastErr
}

func (e *ProviderEmbedder) tryEmbed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.provider.Embed(ctx, &providers.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		return nil, err
	}
	if len(resp.Data) == 0 {
		return nil, errors.New("semanticcache: embedding response had no data")
	}
	return resp.Data[0].Embedding, nil
}

func isTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if sc, ok := err.(providers.StatusCoder); ok {
		status := sc.HTTPStatus()
		return status == 429 || (status >= 500 && status < 600)
	}
	return false
}
