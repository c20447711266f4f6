package ai

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

// scriptedProvider streams a fixed reply and records every request.
type scriptedProvider struct {
	reply    []Chunk
	err      error
	requests [][]Message
}

func (p *scriptedProvider) StreamChat(ctx context.Context, messages []Message) (<-chan Chunk, <-chan error) {
	p.requests = append(p.requests, append([]Message(nil), messages...))
	chunks := make(chan Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for _, c := range p.reply {
			if !send(ctx, chunks, c) {
				return
			}
		}
		if p.err != nil {
			errs <- p.err
		}
	}()
	return chunks, errs
}

func (p *scriptedProvider) last() []Message { return p.requests[len(p.requests)-1] }

func okReply(parts ...string) []Chunk {
	out := make([]Chunk, 0, len(parts))
	for _, s := range parts {
		out = append(out, Chunk{Content: s, Status: 200})
	}
	return out
}

func history(pairs int, trailingUser bool) []Message {
	var out []Message
	for i := 1; i <= pairs; i++ {
		out = append(out,
			Message{Role: RoleUser, Content: fmt.Sprintf("u%d", i)},
			Message{Role: RoleAssistant, Content: fmt.Sprintf("a%d", i)},
		)
	}
	if trailingUser {
		out = append(out, Message{Role: RoleUser, Content: fmt.Sprintf("u%d", pairs+1)})
	}
	return out
}

func assertAlternates(t *testing.T, buf []Message) {
	t.Helper()
	require.NotEmpty(t, buf)
	assert.Equal(t, RoleSystem, buf[0].Role)
	for i, m := range buf[1:] {
		want := RoleUser
		if i%2 == 1 {
			want = RoleAssistant
		}
		assert.Equalf(t, want, m.Role, "entry %d", i+1)
	}
}

func TestGenerate_AccumulatesStreamAndBuffers(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := &scriptedProvider{reply: okReply("Hel", "lo", "!")}
	c := NewConversation(p, "Ada", "you are Ada", 0)

	got, err := c.Generate(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "Hello!", got)

	assert.Equal(t, []Message{
		{Role: RoleSystem, Content: "you are Ada"},
		{Role: RoleUser, Content: "hi"},
		{Role: RoleAssistant, Content: "Hello!"},
	}, c.Messages())
	assert.Equal(t, c.Messages()[:2], p.last())
}

func TestSeedHistory_TrimsOldestPair(t *testing.T) {
	p := &scriptedProvider{}
	c := NewConversation(p, "Ada", "sys", 20)

	c.SeedHistory(history(10, true)) // 21 entries

	buf := c.Messages()
	require.Len(t, buf, 20)
	assert.Equal(t, "sys", buf[0].Content)
	assert.Equal(t, "u2", buf[1].Content)
	assert.Equal(t, "a2", buf[2].Content)
	assert.Equal(t, "u11", buf[19].Content)
	assertAlternates(t, buf)
}

func TestGenerate_NeverExceedsBudget(t *testing.T) {
	defer goleak.VerifyNone(t)

	for _, max := range []int{2, 3, 4, 7, 20} {
		p := &scriptedProvider{reply: okReply("ok")}
		c := NewConversation(p, "Ada", "sys", max)
		c.SeedHistory(history(max, false))

		for i := 0; i < 3*max; i++ {
			_, err := c.Generate(context.Background(), fmt.Sprintf("q%d", i))
			require.NoError(t, err)

			buf := c.Messages()
			assert.LessOrEqual(t, len(buf), max)
			assertAlternates(t, buf)
		}
	}
}

func TestSeedHistory_NormalizesAlternation(t *testing.T) {
	c := NewConversation(&scriptedProvider{}, "Ada", "sys", 20)

	c.SeedHistory([]Message{
		{Role: RoleAssistant, Content: "orphan answer"},
		{Role: RoleUser, Content: "unanswered"},
		{Role: RoleUser, Content: "q1"},
		{Role: RoleAssistant, Content: "a1"},
		{Role: RoleAssistant, Content: "a1 again"},
		{Role: RoleSystem, Content: "ignored"},
		{Role: RoleUser, Content: "q2"},
	})

	assert.Equal(t, []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "q1"},
		{Role: RoleAssistant, Content: "a1"},
		{Role: RoleUser, Content: "q2"},
	}, c.Messages())
}

func TestGenerate_DanglingUserEntryIsReplaced(t *testing.T) {
	p := &scriptedProvider{reply: okReply("a2")}
	c := NewConversation(p, "Ada", "sys", 20)
	c.SeedHistory(history(1, true))

	_, err := c.Generate(context.Background(), "again")
	require.NoError(t, err)

	req := p.last()
	require.Len(t, req, 4)
	assert.Equal(t, "again", req[3].Content)
	assertAlternates(t, c.Messages())
}

func TestGenerateWithHint_HintIsTransient(t *testing.T) {
	p := &scriptedProvider{reply: okReply("sure")}
	c := NewConversation(p, "Ada", "sys", 20)
	c.SeedHistory(history(1, false))

	_, err := c.GenerateWithHint(context.Background(), "q2", "earlier: blue")
	require.NoError(t, err)

	req := p.last()
	require.Len(t, req, 5)
	assert.Equal(t, Message{Role: RoleSystem, Content: "earlier: blue"}, req[3])
	assert.Equal(t, Message{Role: RoleUser, Content: "q2"}, req[4])

	for _, m := range c.Messages() {
		assert.NotEqual(t, "earlier: blue", m.Content)
	}
	assert.Len(t, c.Messages(), 5)
}

func TestGenerate_NonSuccessChunkAborts(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := &scriptedProvider{reply: []Chunk{
		{Content: "partial", Status: 200},
		{Status: 500, Message: "boom"},
		{Content: "never", Status: 200},
	}}
	c := NewConversation(p, "Ada", "sys", 20)

	got, err := c.Generate(context.Background(), "hi")
	require.ErrorIs(t, err, ErrGeneration)
	assert.Empty(t, got)

	// the user entry stays; nothing from the aborted stream is kept
	assert.Equal(t, []Message{
		{Role: RoleSystem, Content: "sys"},
		{Role: RoleUser, Content: "hi"},
	}, c.Messages())
}

func TestGenerate_TransportErrorIsGenerationError(t *testing.T) {
	defer goleak.VerifyNone(t)

	p := &scriptedProvider{reply: okReply("par"), err: errors.New("connection reset")}
	c := NewConversation(p, "Ada", "sys", 20)

	_, err := c.Generate(context.Background(), "hi")
	require.ErrorIs(t, err, ErrGeneration)
	assert.Contains(t, err.Error(), "connection reset")
}

type stalledProvider struct{}

func (stalledProvider) StreamChat(ctx context.Context, _ []Message) (<-chan Chunk, <-chan error) {
	chunks := make(chan Chunk)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		<-ctx.Done()
	}()
	return chunks, errs
}

func TestGenerate_DeadlineIsGenerationError(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := NewConversation(stalledProvider{}, "Ada", "sys", 20)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := c.Generate(ctx, "hi")
	require.ErrorIs(t, err, ErrGeneration)
	assert.ErrorContains(t, err, context.DeadlineExceeded.Error())
}

func TestSetMaxEntries_AppliesOnNextAppend(t *testing.T) {
	p := &scriptedProvider{reply: okReply("ok")}
	c := NewConversation(p, "Ada", "sys", 20)
	c.SeedHistory(history(5, false))
	require.Equal(t, 11, c.Len())

	c.SetMaxEntries(4)
	assert.Equal(t, 11, c.Len())

	_, err := c.Generate(context.Background(), "q")
	require.NoError(t, err)
	assert.LessOrEqual(t, c.Len(), 4)
	assertAlternates(t, c.Messages())

	c.SetMaxEntries(1)
	_, err = c.Generate(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, "sys", c.Messages()[0].Content)
}

func TestSetSystemPrompt(t *testing.T) {
	c := NewConversation(&scriptedProvider{}, "Ada", "old", 20)
	c.SetSystemPrompt("new")
	assert.Equal(t, "new", c.Messages()[0].Content)
	assert.Equal(t, "Ada", c.PersonaName())
}

type plainProvider struct{ reply string }

func (p plainProvider) Chat(context.Context, []Message) (string, error) { return p.reply, nil }

func TestAsStream_WrapsPlainProvider(t *testing.T) {
	defer goleak.VerifyNone(t)

	c := NewConversation(AsStream(plainProvider{reply: "whole"}), "Ada", "sys", 20)
	got, err := c.Generate(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "whole", got)
}
