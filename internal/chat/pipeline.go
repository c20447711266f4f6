package chat

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/suPer8Hu/persona-chat/internal/ai"
	"github.com/suPer8Hu/persona-chat/internal/observability"
	"github.com/suPer8Hu/persona-chat/internal/speech"
)

type Stage string

const (
	StageValidating     Stage = "validating"
	StageContextLoading Stage = "context_loading"
	StageRecall         Stage = "recall"
	StageGenerating     Stage = "generating"
	StageSynthesis      Stage = "synthesis"
	StagePersisting     Stage = "persisting"
	StageDone           Stage = "done"
	StageFailed         Stage = "failed"
)

// Stable TurnError codes.
const (
	CodeInvalidUtterance = "invalid_utterance"
	CodeNotFound         = "not_found"
	CodeForbidden        = "forbidden"
	CodeStore            = "store_error"
	CodeGeneration       = "generation_error"
)

type TurnRequest struct {
	SessionID   string
	UserID      uint64
	Text        string
	VoiceOutput bool
	// Voice and Language override the persona's defaults for synthesis.
	Voice    string
	Language string
	// InputAudioURL is set when Text came from a transcription.
	InputAudioURL string
}

type TurnResult struct {
	UserTurn      *Turn
	AssistantTurn *Turn
	AudioURL      string
	// SynthesisErr is set when audio was requested but could not be produced;
	// the assistant turn was still saved as text.
	SynthesisErr error
	Recalled     bool
	RecallScore  float64
}

// TurnError reports the stage a turn failed in. UserTurnSaved tells callers
// the utterance is durable and the turn can be retried without re-sending it.
type TurnError struct {
	Stage         Stage
	Code          string
	Err           error
	UserTurnSaved bool
	UserTurnID    uint64
}

func (e *TurnError) Error() string {
	return fmt.Sprintf("turn failed at %s: %v", e.Stage, e.Err)
}

func (e *TurnError) Unwrap() error { return e.Err }

// Recollection is a prior exchange judged similar to the current utterance.
type Recollection struct {
	QueryID uint64
	Query   string
	Answer  string
	Score   float64
}

// Recaller must not fail; it reports no match instead.
type Recaller interface {
	Recall(ctx context.Context, userID uint64, query string) (Recollection, bool)
}

type Synthesizer interface {
	Synthesize(ctx context.Context, text, voice, language string) (string, error)
}

// ProviderSource hands out the chat-completion backend for one turn.
type ProviderSource func(ctx context.Context) (ai.StreamProvider, error)

// SessionStore is the read side the pipeline needs for validation.
type SessionStore interface {
	GetSessionBySessionID(ctx context.Context, sessionID string) (*Session, error)
	GetPersona(ctx context.Context, id uint64) (*Persona, error)
}

type PipelineConfig struct {
	WindowTurns       int
	MaxBufferEntries  int
	RecallEnabled     bool
	RecallTimeout     time.Duration
	GenerationTimeout time.Duration
	SynthesisTimeout  time.Duration
}

type PipelineDeps struct {
	Sessions  SessionStore
	Turns     TurnStore
	Providers ProviderSource
	Recaller  Recaller
	Synth     Synthesizer
	Metrics   *observability.Metrics
	Log       *zap.Logger
}

// Pipeline runs one conversation turn end to end. Each persistence point
// commits on its own; there is no transaction spanning the turn.
type Pipeline struct {
	sessions  SessionStore
	turns     TurnStore
	window    *WindowBuilder
	providers ProviderSource
	recaller  Recaller
	synth     Synthesizer
	cfg       PipelineConfig
	metrics   *observability.Metrics
	log       *zap.Logger
}

func NewPipeline(deps PipelineDeps, cfg PipelineConfig) *Pipeline {
	if cfg.WindowTurns <= 0 {
		cfg.WindowTurns = DefaultWindowTurns
	}
	if cfg.MaxBufferEntries <= 0 {
		cfg.MaxBufferEntries = ai.DefaultMaxEntries
	}
	if cfg.GenerationTimeout <= 0 {
		cfg.GenerationTimeout = 90 * time.Second
	}
	if cfg.SynthesisTimeout <= 0 {
		cfg.SynthesisTimeout = 30 * time.Second
	}
	if cfg.RecallTimeout <= 0 {
		cfg.RecallTimeout = 15 * time.Second
	}
	log := deps.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Pipeline{
		sessions:  deps.Sessions,
		turns:     deps.Turns,
		window:    NewWindowBuilder(deps.Turns),
		providers: deps.Providers,
		recaller:  deps.Recaller,
		synth:     deps.Synth,
		cfg:       cfg,
		metrics:   deps.Metrics,
		log:       log,
	}
}

// turn carries the state of one ProcessTurn call between stages.
type turn struct {
	req      TurnRequest
	session  *Session
	persona  *Persona
	userTurn *Turn
	log      *zap.Logger
}

// ProcessTurn persists the utterance, generates a reply from the recent
// window (plus an optional recalled exchange), optionally voices it, and
// persists the reply. Errors are *TurnError.
func (p *Pipeline) ProcessTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	t, err := p.validate(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := p.persistUser(ctx, t); err != nil {
		return nil, err
	}

	conv, err := p.loadConversation(ctx, t)
	if err != nil {
		return nil, err
	}
	return p.respond(ctx, t, conv)
}

func (p *Pipeline) validate(ctx context.Context, req TurnRequest) (*turn, error) {
	done := p.stage(StageValidating)
	defer done()

	t := &turn{
		req: req,
		log: p.log.With(zap.String("session_id", req.SessionID), zap.Uint64("user_id", req.UserID)),
	}
	if strings.TrimSpace(req.Text) == "" {
		return nil, p.fail(t, StageValidating, CodeInvalidUtterance, ErrEmptyUtterance)
	}
	if err := p.resolve(ctx, t); err != nil {
		return nil, err
	}
	return t, nil
}

// resolve loads the session and its persona, checking ownership.
func (p *Pipeline) resolve(ctx context.Context, t *turn) error {
	req := t.req
	sess, err := p.sessions.GetSessionBySessionID(ctx, req.SessionID)
	if err != nil {
		return p.fail(t, StageValidating, codeFor(err), err)
	}
	if sess.UserID != req.UserID {
		return p.fail(t, StageValidating, CodeForbidden, ErrForbidden)
	}
	persona, err := p.sessions.GetPersona(ctx, sess.PersonaID)
	if err != nil {
		return p.fail(t, StageValidating, codeFor(err), err)
	}

	t.session = sess
	t.persona = persona
	return nil
}

// persistUser makes the utterance durable before anything can fail remotely.
func (p *Pipeline) persistUser(ctx context.Context, t *turn) error {
	done := p.stage(StageContextLoading)
	defer done()

	ut := &Turn{
		SessionID: t.req.SessionID,
		Speaker:   SpeakerUser,
		Text:      t.req.Text,
		Kind:      KindText,
	}
	if t.req.InputAudioURL != "" {
		ut.Kind = KindAudio
		ut.Attributes = map[string]any{AttrInputAudioURL: t.req.InputAudioURL}
	}
	if err := p.turns.AppendTurn(ctx, ut); err != nil {
		return p.fail(t, StageContextLoading, CodeStore, err)
	}
	t.userTurn = ut
	return nil
}

// loadConversation seeds a fresh buffer with the persona prompt and the recent
// window, leaving out the turn just written so the query is sent once.
func (p *Pipeline) loadConversation(ctx context.Context, t *turn) (*ai.Conversation, error) {
	done := p.stage(StageContextLoading)
	defer done()

	entries, err := p.window.Build(ctx, t.req.SessionID, p.cfg.WindowTurns+1)
	if err != nil {
		return nil, p.fail(t, StageContextLoading, CodeStore, err)
	}

	history := make([]ai.Message, 0, len(entries))
	for _, e := range entries {
		if t.userTurn != nil && e.TurnID == t.userTurn.ID {
			continue
		}
		history = append(history, ai.Message{Role: string(e.Speaker), Content: e.Text})
	}
	if len(history) > p.cfg.WindowTurns {
		history = history[len(history)-p.cfg.WindowTurns:]
	}

	provider, err := p.provider(ctx)
	if err != nil {
		return nil, p.fail(t, StageGenerating, CodeGeneration, err)
	}

	conv := ai.NewConversation(provider, t.persona.Name, t.persona.SystemPrompt, p.cfg.MaxBufferEntries)
	conv.SeedHistory(history)
	return conv, nil
}

func (p *Pipeline) provider(ctx context.Context) (ai.StreamProvider, error) {
	if p.providers == nil {
		return nil, fmt.Errorf("%w: no provider configured", ai.ErrGeneration)
	}
	sp, err := p.providers(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ai.ErrGeneration, err)
	}
	return sp, nil
}

// respond runs recall, generation, synthesis and the final write for a turn
// whose user entry is already persisted.
func (p *Pipeline) respond(ctx context.Context, t *turn, conv *ai.Conversation) (*TurnResult, error) {
	res := &TurnResult{UserTurn: t.userTurn}

	hint := p.recall(ctx, t, res)

	answer, err := p.generate(ctx, t, conv, hint)
	if err != nil {
		return nil, err
	}

	attrs := map[string]any{AttrPersona: t.persona.Name}
	if res.Recalled {
		attrs[AttrRecallScore] = res.RecallScore
	}
	kind := KindText
	if t.req.VoiceOutput {
		voice, language := t.voice()
		url, err := p.synthesize(ctx, t, answer, voice, language)
		if err != nil {
			res.SynthesisErr = err
			attrs[AttrSynthesisError] = err.Error()
		} else {
			kind = KindAudio
			res.AudioURL = url
			attrs[AttrAudioURL] = url
			attrs[AttrVoice] = voice
			attrs[AttrLanguage] = language
		}
	}

	done := p.stage(StagePersisting)
	at := &Turn{
		SessionID:  t.req.SessionID,
		Speaker:    SpeakerAssistant,
		Text:       answer,
		Kind:       kind,
		Attributes: attrs,
	}
	err = p.turns.AppendTurn(ctx, at)
	done()
	if err != nil {
		return nil, p.fail(t, StagePersisting, CodeStore, err)
	}
	res.AssistantTurn = at

	outcome := "ok"
	if res.SynthesisErr != nil {
		outcome = "partial"
	}
	p.metrics.TurnDone(outcome)
	t.log.Info("turn done",
		zap.Uint64("user_turn_id", t.userTurn.ID),
		zap.Uint64("assistant_turn_id", at.ID),
		zap.Bool("recalled", res.Recalled),
		zap.Bool("audio", res.AudioURL != ""),
		zap.String("outcome", outcome),
	)
	return res, nil
}

func (t *turn) voice() (voice, language string) {
	voice, language = t.req.Voice, t.req.Language
	if voice == "" {
		voice = t.persona.Voice
	}
	if language == "" {
		language = t.persona.Language
	}
	return voice, language
}

func (p *Pipeline) recall(ctx context.Context, t *turn, res *TurnResult) string {
	if !p.cfg.RecallEnabled || p.recaller == nil {
		return ""
	}
	done := p.stage(StageRecall)
	defer done()

	rctx, cancel := context.WithTimeout(ctx, p.cfg.RecallTimeout)
	defer cancel()

	rec, ok := p.recaller.Recall(rctx, t.req.UserID, t.req.Text)
	if !ok {
		return ""
	}
	res.Recalled = true
	res.RecallScore = rec.Score
	t.log.Debug("recalled exchange", zap.Uint64("query_turn_id", rec.QueryID), zap.Float64("score", rec.Score))
	return recallHint(rec)
}

func recallHint(rec Recollection) string {
	return "Relevant memory from an earlier conversation with this user. " +
		"Use it only if it helps answer the next message.\n" +
		"User asked: " + rec.Query + "\n" +
		"You answered: " + rec.Answer
}

func (p *Pipeline) generate(ctx context.Context, t *turn, conv *ai.Conversation, hint string) (string, error) {
	done := p.stage(StageGenerating)
	defer done()

	gctx, cancel := context.WithTimeout(ctx, p.cfg.GenerationTimeout)
	defer cancel()

	answer, err := conv.GenerateWithHint(gctx, t.req.Text, hint)
	if err != nil {
		return "", p.fail(t, StageGenerating, CodeGeneration, err)
	}
	return answer, nil
}

// synthesize never fails the turn; the error is returned for the caller to record.
func (p *Pipeline) synthesize(ctx context.Context, t *turn, text, voice, language string) (string, error) {
	done := p.stage(StageSynthesis)
	defer done()

	if p.synth == nil {
		err := fmt.Errorf("%w: no synthesizer configured", speech.ErrSynthesis)
		p.metrics.StageFailed(string(StageSynthesis))
		return "", err
	}

	sctx, cancel := context.WithTimeout(ctx, p.cfg.SynthesisTimeout)
	defer cancel()

	url, err := p.synth.Synthesize(sctx, text, voice, language)
	if err != nil {
		if !errors.Is(err, speech.ErrSynthesis) {
			err = fmt.Errorf("%w: %v", speech.ErrSynthesis, err)
		}
		p.metrics.StageFailed(string(StageSynthesis))
		t.log.Warn("synthesis failed, saving text only", zap.Error(err))
		return "", err
	}
	return url, nil
}

func (p *Pipeline) stage(s Stage) func() {
	start := time.Now()
	return func() { p.metrics.ObserveStage(string(s), time.Since(start)) }
}

func (p *Pipeline) fail(t *turn, stage Stage, code string, err error) *TurnError {
	te := &TurnError{Stage: stage, Code: code, Err: err}
	if t.userTurn != nil {
		te.UserTurnSaved = true
		te.UserTurnID = t.userTurn.ID
	}
	p.metrics.StageFailed(string(stage))
	p.metrics.TurnDone("failed")

	lvl := t.log.Warn
	if code == CodeStore || code == CodeGeneration {
		lvl = t.log.Error
	}
	lvl("turn failed",
		zap.String("stage", string(stage)),
		zap.String("code", code),
		zap.Bool("user_turn_saved", te.UserTurnSaved),
		zap.Error(err),
	)
	return te
}

func codeFor(err error) string {
	switch {
	case errors.Is(err, ErrSessionNotFound), errors.Is(err, ErrPersonaNotFound), errors.Is(err, ErrTurnNotFound):
		return CodeNotFound
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	default:
		return CodeStore
	}
}
