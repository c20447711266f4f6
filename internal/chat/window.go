package chat

import "context"

const DefaultWindowTurns = 10

type WindowEntry struct {
	TurnID  uint64
	Speaker Speaker
	Text    string
}

// WindowBuilder renders the most recent turns of a session, oldest first.
type WindowBuilder struct {
	turns TurnStore
}

func NewWindowBuilder(turns TurnStore) *WindowBuilder {
	return &WindowBuilder{turns: turns}
}

// Build fetches the newest maxTurns turns and reverses them. It never writes.
func (b *WindowBuilder) Build(ctx context.Context, sessionID string, maxTurns int) ([]WindowEntry, error) {
	if maxTurns <= 0 {
		maxTurns = DefaultWindowTurns
	}

	recentDesc, _, err := b.turns.ListTurns(ctx, sessionID, OrderDesc, 0, maxTurns)
	if err != nil {
		return nil, err
	}

	// reverse to ASC (oldest -> newest)
	out := make([]WindowEntry, 0, len(recentDesc))
	for i := len(recentDesc) - 1; i >= 0; i-- {
		t := recentDesc[i]
		out = append(out, WindowEntry{TurnID: t.ID, Speaker: t.Speaker, Text: t.Text})
	}
	return out, nil
}
