package ai

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/sashabaranov/go-openai"
)

// OpenAIConfig targets any OpenAI-compatible endpoint, e.g. DashScope's
// compatible mode.
type OpenAIConfig struct {
	BaseURL     string
	APIKey      string
	Model       string
	MaxTokens   int
	Temperature float32
	HTTPClient  *http.Client
}

type OpenAIProvider struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float32
}

func NewOpenAIProvider(cfg OpenAIConfig) *OpenAIProvider {
	c := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		c.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		c.HTTPClient = cfg.HTTPClient
	}
	return &OpenAIProvider{
		client:      openai.NewClientWithConfig(c),
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
}

func (p *OpenAIProvider) request(messages []Message, stream bool) openai.ChatCompletionRequest {
	msgs := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openAIRole(m.Role), Content: m.Content})
	}
	return openai.ChatCompletionRequest{
		Model:       p.model,
		Messages:    msgs,
		MaxTokens:   p.maxTokens,
		Temperature: p.temperature,
		Stream:      stream,
	}
}

func openAIRole(role string) string {
	switch role {
	case RoleSystem:
		return openai.ChatMessageRoleSystem
	case RoleAssistant:
		return openai.ChatMessageRoleAssistant
	default:
		return openai.ChatMessageRoleUser
	}
}

func (p *OpenAIProvider) Chat(ctx context.Context, messages []Message) (string, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.request(messages, false))
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", errors.New("openai: empty response")
	}
	return resp.Choices[0].Message.Content, nil
}

func (p *OpenAIProvider) StreamChat(ctx context.Context, messages []Message) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 16)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		stream, err := p.client.CreateChatCompletionStream(ctx, p.request(messages, true))
		if err != nil {
			if c, ok := statusChunk(err); ok {
				send(ctx, chunks, c)
				return
			}
			errs <- err
			return
		}
		defer stream.Close()

		for {
			resp, err := stream.Recv()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				if c, ok := statusChunk(err); ok {
					send(ctx, chunks, c)
					return
				}
				errs <- err
				return
			}
			if len(resp.Choices) == 0 || resp.Choices[0].Delta.Content == "" {
				continue
			}
			if !send(ctx, chunks, Chunk{Content: resp.Choices[0].Delta.Content, Status: http.StatusOK}) {
				return
			}
		}
	}()

	return chunks, errs
}

// statusChunk turns an API-level failure into a non-success chunk.
func statusChunk(err error) (Chunk, bool) {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		status := apiErr.HTTPStatusCode
		if status == 0 {
			status = http.StatusBadGateway
		}
		return Chunk{Status: status, Message: apiErr.Message}, true
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return Chunk{Status: reqErr.HTTPStatusCode, Message: reqErr.Error()}, true
	}
	return Chunk{}, false
}
