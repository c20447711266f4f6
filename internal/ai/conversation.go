package ai

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

const DefaultMaxEntries = 20

// Conversation is a rolling chat buffer bound to one persona. Index 0 always
// holds the system prompt; the rest alternate user/assistant starting with user.
//
// A Conversation is safe for concurrent use, but turns are serialized: a live
// connection that keeps one open across turns gets them in arrival order.
type Conversation struct {
	mu sync.Mutex

	provider    StreamProvider
	personaName string
	maxEntries  int
	buffer      []Message
}

func NewConversation(provider StreamProvider, personaName, systemPrompt string, maxEntries int) *Conversation {
	c := &Conversation{
		provider:    provider,
		personaName: personaName,
		buffer:      []Message{{Role: RoleSystem, Content: systemPrompt}},
	}
	c.maxEntries = clampEntries(maxEntries)
	return c
}

func clampEntries(n int) int {
	if n <= 0 {
		return DefaultMaxEntries
	}
	if n < 2 {
		return 2
	}
	return n
}

func (c *Conversation) PersonaName() string { return c.personaName }

func (c *Conversation) SetSystemPrompt(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buffer[0].Content = text
}

// SetMaxEntries changes the budget. The buffer is not re-trimmed until the next append.
func (c *Conversation) SetMaxEntries(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxEntries = clampEntries(n)
}

// Messages returns a copy of the buffer.
func (c *Conversation) Messages() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Message(nil), c.buffer...)
}

func (c *Conversation) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buffer)
}

// SeedHistory appends prior turns without generating. Entries that would break
// alternation are dropped: assistant entries with no preceding user entry, and
// a user entry that never got an answer before the next user entry.
func (c *Conversation) SeedHistory(history []Message) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, m := range history {
		switch m.Role {
		case RoleUser:
			if c.lastRole() == RoleUser {
				c.buffer = c.buffer[:len(c.buffer)-1]
			}
		case RoleAssistant:
			if c.lastRole() != RoleUser {
				continue
			}
		default:
			continue
		}
		c.appendLocked(m)
	}
}

// Generate sends the buffer plus query to the provider and records the answer.
func (c *Conversation) Generate(ctx context.Context, query string) (string, error) {
	return c.GenerateWithHint(ctx, query, "")
}

// GenerateWithHint is Generate with an extra system message placed right before
// the query. The hint is sent with this request only and never buffered.
//
// On failure the query stays in the buffer and partial output is discarded.
func (c *Conversation) GenerateWithHint(ctx context.Context, query, hint string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.lastRole() == RoleUser {
		c.buffer = c.buffer[:len(c.buffer)-1]
	}
	c.appendLocked(Message{Role: RoleUser, Content: query})

	answer, err := c.complete(ctx, c.request(hint))
	if err != nil {
		return "", err
	}

	c.appendLocked(Message{Role: RoleAssistant, Content: answer})
	return answer, nil
}

func (c *Conversation) request(hint string) []Message {
	if strings.TrimSpace(hint) == "" {
		return append([]Message(nil), c.buffer...)
	}
	last := len(c.buffer) - 1
	out := make([]Message, 0, len(c.buffer)+1)
	out = append(out, c.buffer[:last]...)
	out = append(out, Message{Role: RoleSystem, Content: hint})
	out = append(out, c.buffer[last])
	return out
}

func (c *Conversation) complete(ctx context.Context, msgs []Message) (string, error) {
	if c.provider == nil {
		return "", fmt.Errorf("%w: no provider", ErrGeneration)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	chunks, errs := c.provider.StreamChat(ctx, msgs)

	var b strings.Builder
	for ch := range chunks {
		if !ch.OK() {
			cancel()
			for range chunks {
			}
			return "", fmt.Errorf("%w: status %d: %s", ErrGeneration, ch.Status, ch.Message)
		}
		b.WriteString(ch.Content)
	}

	// errs is closed before chunks, so this never blocks.
	if err := <-errs; err != nil {
		return "", fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	if err := ctx.Err(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrGeneration, err)
	}
	return b.String(), nil
}

func (c *Conversation) lastRole() string {
	return c.buffer[len(c.buffer)-1].Role
}

// appendLocked adds m and drops the oldest user/assistant pair while over budget.
func (c *Conversation) appendLocked(m Message) {
	c.buffer = append(c.buffer, m)
	for len(c.buffer) > c.maxEntries && len(c.buffer) > 2 {
		c.buffer = append(c.buffer[:1], c.buffer[3:]...)
	}
}
