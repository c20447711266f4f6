package embedding

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// DashScope caps embedding batches at 10 inputs.
const defaultBatchSize = 10

type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	BatchSize  int
	HTTPClient *http.Client
}

type OpenAI struct {
	client    *openai.Client
	model     string
	batchSize int
}

func NewOpenAI(cfg OpenAIConfig) *OpenAI {
	c := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		c.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		c.HTTPClient = cfg.HTTPClient
	}
	if cfg.Model == "" {
		cfg.Model = "text-embedding-v4"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	return &OpenAI{client: openai.NewClientWithConfig(c), model: cfg.Model, batchSize: cfg.BatchSize}
}

func (e *OpenAI) Name() string { return "openai:" + e.model }

func (e *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	vs, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

func (e *OpenAI) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += e.batchSize {
		end := min(start+e.batchSize, len(texts))
		resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
			Input: texts[start:end],
			Model: openai.EmbeddingModel(e.model),
		})
		if err != nil {
			return nil, fmt.Errorf("openai embeddings: %w", err)
		}
		if len(resp.Data) != end-start {
			return nil, fmt.Errorf("%w: got %d vectors for %d inputs", ErrNoEmbedding, len(resp.Data), end-start)
		}
		batch := make([][]float32, end-start)
		for _, d := range resp.Data {
			if d.Index < 0 || d.Index >= len(batch) {
				return nil, fmt.Errorf("openai embeddings: index %d out of range", d.Index)
			}
			batch[d.Index] = d.Embedding
		}
		out = append(out, batch...)
	}
	return out, nil
}
