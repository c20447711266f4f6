package ai

import (
	"context"
	"errors"
)

// ErrGeneration is returned (wrapped) for every failed or aborted completion,
// including deadline expiry.
var ErrGeneration = errors.New("generation failed")

const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Chunk is one streamed piece of a completion. Status follows HTTP semantics;
// zero is treated as success.
type Chunk struct {
	Content string
	Status  int
	Message string
}

func (c Chunk) OK() bool {
	return c.Status == 0 || (c.Status >= 200 && c.Status < 300)
}

type Provider interface {
	Chat(ctx context.Context, messages []Message) (string, error)
}

// StreamProvider is an optional interface. Providers may implement streaming chat.
// Both channels are closed when the stream ends; errs is closed before chunks.
type StreamProvider interface {
	StreamChat(ctx context.Context, messages []Message) (<-chan Chunk, <-chan error)
}

// AsStream returns p itself when it streams, otherwise an adapter that emits the
// whole reply as a single chunk.
func AsStream(p Provider) StreamProvider {
	if sp, ok := p.(StreamProvider); ok {
		return sp
	}
	return singleChunk{p}
}

type singleChunk struct{ p Provider }

func (s singleChunk) StreamChat(ctx context.Context, messages []Message) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk, 1)
	errs := make(chan error, 1)

	go func() {
		defer close(chunks)
		defer close(errs)

		reply, err := s.p.Chat(ctx, messages)
		if err != nil {
			errs <- err
			return
		}
		chunks <- Chunk{Content: reply}
	}()

	return chunks, errs
}

// send delivers c unless ctx is done first.
func send(ctx context.Context, out chan<- Chunk, c Chunk) bool {
	select {
	case out <- c:
		return true
	case <-ctx.Done():
		return false
	}
}
