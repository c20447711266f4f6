package ai

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/suPer8Hu/persona-chat/internal/config"
)

type ProviderFactory func(ctx context.Context, model string) (Provider, error)

type Registry struct {
	mu        sync.RWMutex
	factories map[string]ProviderFactory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]ProviderFactory)}
}

func (r *Registry) Register(name string, f ProviderFactory) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[name] = f
}

func (r *Registry) Get(ctx context.Context, name string, model string) (Provider, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	f, ok := r.factories[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown ai provider: %s", name)
	}
	return f(ctx, model)
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for n := range r.factories {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// NewRegistryFromConfig registers every built-in provider with credentials taken
// from cfg. An empty model falls back to the provider's configured default.
func NewRegistryFromConfig(cfg config.Config) *Registry {
	reg := NewRegistry()

	reg.Register("openai", func(ctx context.Context, model string) (Provider, error) {
		return NewOpenAIProvider(OpenAIConfig{
			BaseURL: cfg.OpenAIBaseURL,
			APIKey:  cfg.OpenAIAPIKey,
			Model:   orDefault(model, cfg.AIModel),
		}), nil
	})

	reg.Register("ollama", func(ctx context.Context, model string) (Provider, error) {
		return NewOllamaProvider(cfg.OllamaBaseURL, orDefault(model, cfg.OllamaModel)), nil
	})

	reg.Register("openrouter", func(ctx context.Context, model string) (Provider, error) {
		return NewOpenRouterProvider(
			cfg.OpenRouterBaseURL,
			cfg.OpenRouterAPIKey,
			orDefault(model, cfg.OpenRouterModel),
			cfg.OpenRouterSiteURL,
			cfg.OpenRouterAppName,
		), nil
	})

	reg.Register("ark", func(ctx context.Context, model string) (Provider, error) {
		return NewArkProvider(ctx, ArkConfig{
			BaseURL: cfg.ArkBaseURL,
			Region:  cfg.ArkRegion,
			APIKey:  cfg.ArkAPIKey,
			Model:   orDefault(model, cfg.ArkModel),
		})
	})

	return reg
}

func orDefault(v, def string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return def
}
