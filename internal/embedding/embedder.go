// Package embedding turns text into vectors for semantic recall.
// Backends: any OpenAI-compatible endpoint, a local Ollama server, and Google GenAI.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/suPer8Hu/persona-chat/internal/config"
)

var ErrNoEmbedding = errors.New("no embedding returned")

// Embedder generates vectors for text.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch returns one vector per input, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Name identifies backend and model; cache keys depend on it.
	Name() string
}

// New builds the embedder selected by cfg.EmbeddingProvider.
func New(ctx context.Context, cfg config.Config) (Embedder, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.EmbeddingProvider)) {
	case "", "openai":
		return NewOpenAI(OpenAIConfig{
			BaseURL: cfg.EmbeddingBaseURL,
			APIKey:  cfg.EmbeddingAPIKey,
			Model:   cfg.EmbeddingModel,
		}), nil
	case "ollama":
		return NewOllama(cfg.OllamaBaseURL, cfg.EmbeddingModel), nil
	case "genai", "gemini":
		return NewGenAI(ctx, cfg.GenAIAPIKey, cfg.EmbeddingModel)
	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.EmbeddingProvider)
	}
}

// sequential embeds texts one call at a time for backends without a batch API.
func sequential(ctx context.Context, e Embedder, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		v, err := e.Embed(ctx, text)
		if err != nil {
			return nil, fmt.Errorf("embed text %d: %w", i, err)
		}
		out[i] = v
	}
	return out, nil
}
