package chat

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/suPer8Hu/persona-chat/internal/ai"
)

// Live is a conversation kept open across turns, e.g. for one websocket.
// The buffer is seeded once; later turns extend it instead of re-reading the
// store. Turns on one Live are serialized by its Conversation.
type Live struct {
	p       *Pipeline
	session *Session
	persona *Persona
	conv    *ai.Conversation
	log     *zap.Logger
}

// OpenLive validates access to the session and primes a buffer from its
// recent window.
func (p *Pipeline) OpenLive(ctx context.Context, userID uint64, sessionID string) (*Live, error) {
	t := &turn{
		req: TurnRequest{SessionID: sessionID, UserID: userID},
		log: p.log.With(zap.String("session_id", sessionID), zap.Uint64("user_id", userID), zap.Bool("live", true)),
	}

	done := p.stage(StageValidating)
	err := p.resolve(ctx, t)
	done()
	if err != nil {
		return nil, err
	}

	conv, err := p.loadConversation(ctx, t)
	if err != nil {
		return nil, err
	}
	return &Live{p: p, session: t.session, persona: t.persona, conv: conv, log: t.log}, nil
}

func (l *Live) Session() *Session { return l.session }
func (l *Live) Persona() *Persona { return l.persona }

// Turn processes one utterance. Session and user come from the Live; the
// corresponding fields of req are ignored.
func (l *Live) Turn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	req.SessionID = l.session.SessionID
	req.UserID = l.session.UserID

	t := &turn{req: req, session: l.session, persona: l.persona, log: l.log}
	if strings.TrimSpace(req.Text) == "" {
		return nil, l.p.fail(t, StageValidating, CodeInvalidUtterance, ErrEmptyUtterance)
	}
	if err := l.p.persistUser(ctx, t); err != nil {
		return nil, err
	}
	return l.p.respond(ctx, t, l.conv)
}
