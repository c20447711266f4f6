package chat_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/suPer8Hu/persona-chat/internal/ai"
	"github.com/suPer8Hu/persona-chat/internal/chat"
	"github.com/suPer8Hu/persona-chat/internal/db"
	"github.com/suPer8Hu/persona-chat/internal/observability"
	"github.com/suPer8Hu/persona-chat/internal/recall"
)

type downEmbedder struct {
	mu    sync.Mutex
	calls int
}

func (e *downEmbedder) Name() string { return "down" }

func (e *downEmbedder) Embed(context.Context, string) ([]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return nil, errors.New("embedding service unavailable")
}

func (e *downEmbedder) EmbedBatch(context.Context, []string) ([][]float32, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	return nil, errors.New("embedding service unavailable")
}

type recordingProvider struct {
	mu       sync.Mutex
	requests [][]ai.Message
}

func (p *recordingProvider) Chat(_ context.Context, msgs []ai.Message) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.requests = append(p.requests, append([]ai.Message(nil), msgs...))
	return "re: " + msgs[len(msgs)-1].Content, nil
}

func (p *recordingProvider) last() []ai.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.requests[len(p.requests)-1]
}

func TestProcessTurn_EmbeddingOutageMatchesRecallDisabled(t *testing.T) {
	name := strings.NewReplacer("/", "_").Replace(t.Name())
	gdb, err := db.Open(fmt.Sprintf("sqlite:file:%s?mode=memory&cache=shared", name), zaptest.NewLogger(t))
	require.NoError(t, err)
	sqlDB, _ := gdb.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(gdb))

	ctx := context.Background()
	log := zaptest.NewLogger(t)
	repo := chat.NewRepo(gdb)
	svc := chat.NewService(repo, log)
	persona := &chat.Persona{Name: "Ada", SystemPrompt: "You are Ada."}
	require.NoError(t, repo.CreatePersona(ctx, persona))

	// identical prior exchanges so both requests can be compared
	base := time.Now().Add(-time.Hour)
	session := func(userID uint64) *chat.Session {
		s, _, err := svc.GetOrCreateSession(ctx, userID, persona.ID)
		require.NoError(t, err)
		for i, text := range []string{"my cat is Miso", "nice name"} {
			sp := chat.SpeakerUser
			if i == 1 {
				sp = chat.SpeakerAssistant
			}
			require.NoError(t, repo.AppendTurn(ctx, &chat.Turn{
				SessionID: s.SessionID, Speaker: sp, Text: text, CreatedAt: base.Add(time.Duration(i) * time.Second),
			}))
		}
		return s
	}
	withOutage, disabled := session(1), session(2)

	provider := &recordingProvider{}
	metrics := observability.NewMetrics("test", nil)
	emb := &downEmbedder{}
	newPipeline := func(r chat.Recaller, enabled bool) *chat.Pipeline {
		return chat.NewPipeline(chat.PipelineDeps{
			Sessions: repo,
			Turns:    repo,
			Providers: func(context.Context) (ai.StreamProvider, error) {
				return ai.AsStream(provider), nil
			},
			Recaller: r,
			Metrics:  metrics,
			Log:      log,
		}, chat.PipelineConfig{RecallEnabled: enabled})
	}

	engine := recall.New(emb, repo, recall.Config{}, log, metrics)
	res, err := newPipeline(engine, true).ProcessTurn(ctx, chat.TurnRequest{
		SessionID: withOutage.SessionID, UserID: 1, Text: "what is my cat called?",
	})
	require.NoError(t, err)
	assert.False(t, res.Recalled)
	outageReq := provider.last()

	plain, err := newPipeline(nil, false).ProcessTurn(ctx, chat.TurnRequest{
		SessionID: disabled.SessionID, UserID: 2, Text: "what is my cat called?",
	})
	require.NoError(t, err)

	assert.Equal(t, plain.AssistantTurn.Text, res.AssistantTurn.Text)
	assert.Equal(t, provider.last(), outageReq)
	assert.Positive(t, emb.calls)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.Recall.WithLabelValues("degraded")))
}
