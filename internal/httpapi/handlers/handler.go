package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/suPer8Hu/persona-chat/internal/chat"
	"github.com/suPer8Hu/persona-chat/internal/httpapi/middleware"
	"github.com/suPer8Hu/persona-chat/internal/logging"
	"github.com/suPer8Hu/persona-chat/internal/observability"
)

type Transcriber interface {
	Transcribe(ctx context.Context, audioURL string) (string, error)
}

type JobPublisher interface {
	PublishJob(ctx context.Context, jobID string) error
}

type Deps struct {
	ChatSvc  *chat.Service
	Pipeline *chat.Pipeline
	Speech   Transcriber
	Jobs     JobPublisher
	Metrics  *observability.Metrics
	Log      *zap.Logger

	TranscriptionTimeout time.Duration
	// LivePongWait bounds how long a live connection may go without a pong.
	LivePongWait time.Duration
}

type Handler struct {
	ChatSvc  *chat.Service
	Pipeline *chat.Pipeline
	Speech   Transcriber
	Jobs     JobPublisher
	Metrics  *observability.Metrics
	Log      *zap.Logger

	transcriptionTimeout time.Duration
	pongWait             time.Duration
	upgrader             websocket.Upgrader
}

func NewHandler(d Deps) *Handler {
	if d.TranscriptionTimeout <= 0 {
		d.TranscriptionTimeout = 2 * time.Minute
	}
	if d.LivePongWait <= 0 {
		d.LivePongWait = defaultPongWait
	}
	return &Handler{
		ChatSvc:              d.ChatSvc,
		Pipeline:             d.Pipeline,
		Speech:               d.Speech,
		Jobs:                 d.Jobs,
		Metrics:              d.Metrics,
		Log:                  logging.OrNop(d.Log),
		transcriptionTimeout: d.TranscriptionTimeout,
		pongWait:             d.LivePongWait,
		upgrader: websocket.Upgrader{
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
		},
	}
}

func (h *Handler) Ping(c *gin.Context) {
	ok(c, gin.H{"pong": true})
}

func userIDFromContext(c *gin.Context) (uint64, bool) {
	v, ok := c.Get(middleware.UserIDKey)
	if !ok {
		return 0, false
	}
	id, ok := v.(uint64)
	return id, ok
}

func (h *Handler) reqLog(c *gin.Context) *zap.Logger {
	return h.Log.With(zap.String("request_id", middleware.GetRequestID(c)))
}
