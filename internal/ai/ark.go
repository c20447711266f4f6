package ai

import (
	"context"
	"errors"
	"io"
	"net/http"

	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

type ArkConfig struct {
	BaseURL   string
	Region    string
	APIKey    string
	Model     string
	MaxTokens int
}

// ArkProvider drives a Volcengine Ark chat model through eino.
type ArkProvider struct {
	model model.BaseChatModel
}

func NewArkProvider(ctx context.Context, cfg ArkConfig) (*ArkProvider, error) {
	var maxTokens *int
	if cfg.MaxTokens > 0 {
		v := cfg.MaxTokens
		maxTokens = &v
	}
	cm, err := ark.NewChatModel(ctx, &ark.ChatModelConfig{
		BaseURL:   cfg.BaseURL,
		Region:    cfg.Region,
		APIKey:    cfg.APIKey,
		Model:     cfg.Model,
		MaxTokens: maxTokens,
	})
	if err != nil {
		return nil, err
	}
	return &ArkProvider{model: cm}, nil
}

// NewArkProviderWithModel wraps an already built eino chat model.
func NewArkProviderWithModel(m model.BaseChatModel) *ArkProvider {
	return &ArkProvider{model: m}
}

func toSchema(messages []Message) []*schema.Message {
	out := make([]*schema.Message, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case RoleSystem:
			out = append(out, schema.SystemMessage(m.Content))
		case RoleAssistant:
			out = append(out, schema.AssistantMessage(m.Content, nil))
		default:
			out = append(out, schema.UserMessage(m.Content))
		}
	}
	return out
}

func (p *ArkProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	if p.model == nil {
		return "", errors.New("ark: chat model is nil")
	}
	out, err := p.model.Generate(ctx, toSchema(messages))
	if err != nil {
		return "", err
	}
	if out == nil {
		return "", errors.New("ark: empty response")
	}
	return out.Content, nil
}

func (p *ArkProvider) StreamChat(ctx context.Context, messages []Message) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		if p.model == nil {
			errs <- errors.New("ark: chat model is nil")
			return
		}

		sr, err := p.model.Stream(ctx, toSchema(messages))
		if err != nil {
			errs <- err
			return
		}
		defer sr.Close()

		for {
			msg, err := sr.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				errs <- err
				return
			}
			if msg == nil || msg.Content == "" {
				continue
			}
			if !send(ctx, chunks, Chunk{Content: msg.Content, Status: http.StatusOK}) {
				return
			}
		}
	}()

	return chunks, errs
}
