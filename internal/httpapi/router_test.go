package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/suPer8Hu/persona-chat/internal/ai"
	"github.com/suPer8Hu/persona-chat/internal/auth"
	"github.com/suPer8Hu/persona-chat/internal/chat"
	"github.com/suPer8Hu/persona-chat/internal/common"
	"github.com/suPer8Hu/persona-chat/internal/db"
	"github.com/suPer8Hu/persona-chat/internal/httpapi/handlers"
	"github.com/suPer8Hu/persona-chat/internal/observability"
)

const testSecret = "test-secret"

func init() { gin.SetMode(gin.TestMode) }

type echoProvider struct {
	fail  bool
	delay atomic.Int64
}

func (p *echoProvider) Chat(ctx context.Context, msgs []ai.Message) (string, error) {
	if p.fail {
		return "", errors.New("upstream down")
	}
	if d := time.Duration(p.delay.Load()); d > 0 {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return "re: " + msgs[len(msgs)-1].Content, nil
}

type fakeTranscriber struct{ text string }

func (f fakeTranscriber) Transcribe(context.Context, string) (string, error) { return f.text, nil }

type fakePublisher struct {
	mu  sync.Mutex
	ids []string
}

func (p *fakePublisher) PublishJob(_ context.Context, id string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.ids = append(p.ids, id)
	return nil
}

type env struct {
	router   *gin.Engine
	repo     *chat.Repo
	provider *echoProvider
	jobs     *fakePublisher
	persona  *chat.Persona
}

func newEnv(t *testing.T, opts ...func(*handlers.Deps)) *env {
	t.Helper()
	name := strings.NewReplacer("/", "_").Replace(t.Name())
	gdb, err := db.Open(fmt.Sprintf("sqlite:file:%s?mode=memory&cache=shared", name), zap.NewNop())
	require.NoError(t, err)
	sqlDB, _ := gdb.DB()
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Migrate(gdb))

	repo := chat.NewRepo(gdb)
	persona := &chat.Persona{Name: "Ada", SystemPrompt: "You are Ada.", Voice: "Cherry", Language: "English"}
	require.NoError(t, repo.CreatePersona(context.Background(), persona))

	// the websocket handler may still log after its test returns
	log := zap.NewNop()
	metrics := observability.NewMetrics("test", nil)
	provider := &echoProvider{}
	pipeline := chat.NewPipeline(chat.PipelineDeps{
		Sessions: repo,
		Turns:    repo,
		Providers: func(context.Context) (ai.StreamProvider, error) {
			return ai.AsStream(provider), nil
		},
		Metrics: metrics,
		Log:     log,
	}, chat.PipelineConfig{})

	jobs := &fakePublisher{}
	deps := handlers.Deps{
		ChatSvc:  chat.NewService(repo, log),
		Pipeline: pipeline,
		Speech:   fakeTranscriber{text: "spoken words"},
		Jobs:     jobs,
		Metrics:  metrics,
		Log:      log,
	}
	for _, opt := range opts {
		opt(&deps)
	}
	r := NewRouter(testSecret, deps)
	return &env{router: r, repo: repo, provider: provider, jobs: jobs, persona: persona}
}

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (e *env) do(t *testing.T, uid uint64, method, path string, body any, hdr ...string) (int, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if uid != 0 {
		tok, err := auth.SignJWT(testSecret, uid, time.Hour)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	for i := 0; i+1 < len(hdr); i += 2 {
		req.Header.Set(hdr[i], hdr[i+1])
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)

	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return w.Code, env
}

func (e *env) session(t *testing.T, uid uint64) string {
	t.Helper()
	code, res := e.do(t, uid, http.MethodPost, "/chat/sessions", gin.H{"persona_id": e.persona.ID})
	require.Equal(t, http.StatusOK, code)
	var out struct {
		SessionID string `json:"session_id"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &out))
	return out.SessionID
}

func TestPingAndUnknownRoute(t *testing.T) {
	e := newEnv(t)

	code, res := e.do(t, 0, http.MethodGet, "/ping", nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, common.CodeOK, res.Code)

	code, res = e.do(t, 0, http.MethodGet, "/nope", nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, common.CodeRouteNotFound, res.Code)

	code, res = e.do(t, 0, http.MethodPost, "/chat/messages", gin.H{})
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, common.CodeUnauthorized, res.Code)
}

func TestChatFlow(t *testing.T) {
	e := newEnv(t)
	sid := e.session(t, 1)
	assert.Equal(t, sid, e.session(t, 1))

	code, res := e.do(t, 1, http.MethodPost, "/chat/messages", gin.H{"session_id": sid, "message": "hello"})
	require.Equal(t, http.StatusOK, code, string(res.Data))
	var turn struct {
		Reply         string    `json:"reply"`
		AssistantTurn chat.Turn `json:"assistant_turn"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &turn))
	assert.Equal(t, "re: hello", turn.Reply)

	code, res = e.do(t, 1, http.MethodGet, "/chat/sessions/"+sid+"/messages?page_size=10", nil)
	require.Equal(t, http.StatusOK, code)
	var page chat.TurnPage
	require.NoError(t, json.Unmarshal(res.Data, &page))
	assert.EqualValues(t, 2, page.Total)
	require.Len(t, page.Turns, 2)
	assert.Equal(t, chat.SpeakerAssistant, page.Turns[0].Speaker)

	path := fmt.Sprintf("/chat/messages/%d", turn.AssistantTurn.ID)
	code, _ = e.do(t, 2, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusForbidden, code)

	code, _ = e.do(t, 1, http.MethodDelete, path, nil)
	assert.Equal(t, http.StatusOK, code)
	code, res = e.do(t, 1, http.MethodGet, path, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, common.CodeTurnMissing, res.Code)
}

func TestSendMessage_Errors(t *testing.T) {
	e := newEnv(t)
	sid := e.session(t, 1)

	code, res := e.do(t, 2, http.MethodPost, "/chat/messages", gin.H{"session_id": sid, "message": "hi"})
	assert.Equal(t, http.StatusForbidden, code)
	assert.Equal(t, common.CodeForbidden, res.Code)

	code, res = e.do(t, 1, http.MethodPost, "/chat/messages", gin.H{"session_id": "missing", "message": "hi"})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, common.CodeSessionMissing, res.Code)

	code, res = e.do(t, 1, http.MethodPost, "/chat/messages", gin.H{"session_id": sid, "message": "   "})
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, common.CodeInvalidParam, res.Code)

	code, res = e.do(t, 1, http.MethodPost, "/chat/sessions", gin.H{"persona_id": 999})
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, common.CodePersonaMissing, res.Code)
}

func TestSendMessage_GenerationFailureReportsSavedTurn(t *testing.T) {
	e := newEnv(t)
	sid := e.session(t, 1)
	e.provider.fail = true

	code, res := e.do(t, 1, http.MethodPost, "/chat/messages", gin.H{"session_id": sid, "message": "hello"})
	assert.Equal(t, http.StatusBadGateway, code)
	assert.Equal(t, common.CodeReplyFailedSaved, res.Code)

	var data struct {
		UserTurnID uint64 `json:"user_turn_id"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &data))
	got, err := e.repo.GetTurn(context.Background(), data.UserTurnID)
	require.NoError(t, err)
	assert.Equal(t, "hello", got.Text)
}

func TestSendMessageAsync_Idempotent(t *testing.T) {
	e := newEnv(t)
	sid := e.session(t, 1)
	body := gin.H{"session_id": sid, "message": "later"}

	code, res := e.do(t, 1, http.MethodPost, "/chat/messages/async", body, "Idempotency-Key", "k1")
	require.Equal(t, http.StatusOK, code)
	var first struct {
		JobID   string `json:"job_id"`
		Created bool   `json:"created"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &first))
	assert.True(t, first.Created)

	code, res = e.do(t, 1, http.MethodPost, "/chat/messages/async", body, "Idempotency-Key", "k1")
	require.Equal(t, http.StatusOK, code)
	var second struct {
		JobID   string `json:"job_id"`
		Created bool   `json:"created"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &second))
	assert.Equal(t, first.JobID, second.JobID)
	assert.False(t, second.Created)
	assert.Equal(t, []string{first.JobID}, e.jobs.ids)

	code, _ = e.do(t, 1, http.MethodGet, "/chat/jobs/"+first.JobID, nil)
	assert.Equal(t, http.StatusOK, code)
	code, res = e.do(t, 2, http.MethodGet, "/chat/jobs/"+first.JobID, nil)
	assert.Equal(t, http.StatusNotFound, code)
	assert.Equal(t, common.CodeJobMissing, res.Code)
}

func TestSpeechTurn_TextOnlyWithoutSynthesizer(t *testing.T) {
	e := newEnv(t)
	sid := e.session(t, 1)

	code, res := e.do(t, 1, http.MethodPost, "/speech/turn", gin.H{"session_id": sid, "audio_url": "https://cdn.example/in.wav"})
	require.Equal(t, http.StatusOK, code, string(res.Data))

	var out struct {
		Transcript     string    `json:"transcript"`
		Reply          string    `json:"reply"`
		SynthesisError string    `json:"synthesis_error"`
		UserTurn       chat.Turn `json:"user_turn"`
	}
	require.NoError(t, json.Unmarshal(res.Data, &out))
	assert.Equal(t, "spoken words", out.Transcript)
	assert.Equal(t, "re: spoken words", out.Reply)
	assert.NotEmpty(t, out.SynthesisError)
	assert.Equal(t, chat.KindAudio, out.UserTurn.Kind)
}

func TestLiveChat_WebSocket(t *testing.T) {
	e := newEnv(t)
	sid := e.session(t, 1)

	srv := httptest.NewServer(e.router)
	defer srv.Close()

	tok, err := auth.SignJWT(testSecret, 1, time.Hour)
	require.NoError(t, err)
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/chat/ws/" + sid + "?token=" + tok

	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	type frame struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	read := func() frame {
		var f frame
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		require.NoError(t, conn.ReadJSON(&f))
		return f
	}

	assert.Equal(t, "connected", read().Type)

	require.NoError(t, conn.WriteJSON(gin.H{"type": "text", "data": gin.H{"text": "hi"}}))
	f := read()
	require.Equal(t, "reply", f.Type, f.Data)
	assert.Equal(t, "re: hi", f.Data["reply"])

	require.NoError(t, conn.WriteJSON(gin.H{"type": "bogus"}))
	f = read()
	assert.Equal(t, "error", f.Type)

	_, _, err = websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(srv.URL, "http")+"/chat/ws/missing?token="+tok, nil)
	assert.Error(t, err)
}

func TestLiveChat_SlowTurnKeepsConnection(t *testing.T) {
	e := newEnv(t, func(d *handlers.Deps) { d.LivePongWait = 200 * time.Millisecond })
	sid := e.session(t, 1)

	srv := httptest.NewServer(e.router)
	defer srv.Close()

	tok, err := auth.SignJWT(testSecret, 1, time.Hour)
	require.NoError(t, err)
	conn, resp, err := websocket.DefaultDialer.Dial(
		"ws"+strings.TrimPrefix(srv.URL, "http")+"/chat/ws/"+sid+"?token="+tok, nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	defer conn.Close()

	type frame struct {
		Type string         `json:"type"`
		Data map[string]any `json:"data"`
	}
	// the client answers pings only while it is reading
	read := func() frame {
		var f frame
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		require.NoError(t, conn.ReadJSON(&f))
		return f
	}
	require.Equal(t, "connected", read().Type)

	e.provider.delay.Store(int64(time.Second))
	require.NoError(t, conn.WriteJSON(gin.H{"type": "text", "data": gin.H{"text": "slow"}}))
	f := read()
	require.Equal(t, "reply", f.Type, f.Data)
	assert.Equal(t, "re: slow", f.Data["reply"])

	e.provider.delay.Store(0)
	require.NoError(t, conn.WriteJSON(gin.H{"type": "text", "data": gin.H{"text": "again"}}))
	f = read()
	require.Equal(t, "reply", f.Type, f.Data)
	assert.Equal(t, "re: again", f.Data["reply"])
}
