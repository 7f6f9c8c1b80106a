package proxy

import (
	"github.com/hollowbrook/gatekeep/internal/providers"
)

// resolveProvider returns the provider name for the given chat/completion
// model. ok is false when the model appears in no alias table — callers on
// the request path must reject such models with 400 rather than guessing
// a provider.
func resolveProvider(model string) (string, bool) {
	name, ok := providers.ModelAliases[model]
	return name, ok
}

// resolveEmbeddingProvider returns the provider name for the given embedding
// model. It checks EmbeddingModelAliases first, then ModelAliases for
// provider detection. ok is false when the model is unknown to both tables.
func resolveEmbeddingProvider(model string) (string, bool) {
	if name, ok := providers.EmbeddingModelAliases[model]; ok {
		return name, true
	}
	// A user might pass a chat model name; resolve to its provider so it can
	// attempt the embedding call (the provider API will return a clear error).
	if name, ok := providers.ModelAliases[model]; ok {
		return name, true
	}
	return "", false
}
