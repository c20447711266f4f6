package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/suPer8Hu/persona-chat/internal/chat"
	"github.com/suPer8Hu/persona-chat/internal/common"
)

const (
	defaultPongWait = 60 * time.Second
	wsWriteWait     = 10 * time.Second
	wsQueueSize     = 4
)

type inboundMessage struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type wsText struct {
	Text string `json:"text"`
}

type wsAudio struct {
	AudioURL string `json:"audio_url"`
}

type wsConfig struct {
	VoiceOutput *bool  `json:"voice_output,omitempty"`
	Voice       string `json:"voice"`
	Language    string `json:"language"`
}

type outgoingMessage struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id,omitempty"`
	Data      any    `json:"data,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

// liveConn is the per-connection state. The reader goroutine only reads and
// queues frames; turns run one at a time on the serving goroutine, so pongs
// keep extending the read deadline while a slow turn is in flight.
type liveConn struct {
	h    *Handler
	conn *websocket.Conn
	live *chat.Live
	log  *zap.Logger

	writeMu sync.Mutex

	voiceOutput bool
	voice       string
	language    string
}

// LiveChat upgrades to a websocket bound to one session. The conversation
// buffer is loaded once and kept for the life of the connection.
func (h *Handler) LiveChat(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
		return
	}
	sessionID := c.Param("session_id")

	live, err := h.Pipeline.OpenLive(c.Request.Context(), uid, sessionID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.reqLog(c).Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	if h.Metrics != nil {
		h.Metrics.ActiveLive.Inc()
		defer h.Metrics.ActiveLive.Dec()
	}

	lc := &liveConn{
		h:    h,
		conn: conn,
		live: live,
		log:  h.reqLog(c).With(zap.String("session_id", sessionID), zap.Uint64("user_id", uid)),
	}
	lc.log.Info("live connection opened")
	defer lc.log.Info("live connection closed")

	ctx, cancel := context.WithCancel(c.Request.Context())

	conn.SetReadDeadline(time.Now().Add(h.pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(h.pongWait))
	})

	frames := make(chan inboundMessage, wsQueueSize)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		lc.readLoop(ctx, cancel, frames)
	}()
	go lc.pingLoop(ctx, h.pongWait*9/10)

	lc.send("connected", gin.H{
		"persona_id": live.Persona().ID,
		"persona":    live.Persona().Name,
	})
	lc.serve(ctx, frames)

	cancel()
	conn.Close()
	<-readerDone
}

// readLoop owns every read on the connection. It closes frames and cancels
// ctx when the peer goes away.
func (lc *liveConn) readLoop(ctx context.Context, cancel context.CancelFunc, frames chan<- inboundMessage) {
	defer close(frames)
	defer cancel()

	for {
		var msg inboundMessage
		if err := lc.conn.ReadJSON(&msg); err != nil {
			if ctx.Err() == nil && websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				lc.log.Warn("websocket read failed", zap.Error(err))
			}
			return
		}
		lc.conn.SetReadDeadline(time.Now().Add(lc.h.pongWait))

		select {
		case frames <- msg:
		default:
			lc.sendError(common.CodeBusy, "too many pending messages")
		}
	}
}

func (lc *liveConn) serve(ctx context.Context, frames <-chan inboundMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, open := <-frames:
			if !open {
				return
			}
			lc.dispatch(ctx, msg)
		}
	}
}

func (lc *liveConn) dispatch(ctx context.Context, msg inboundMessage) {
	switch msg.Type {
	case "text":
		var m wsText
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			lc.sendError(common.CodeInvalidJSON, "invalid text payload")
			return
		}
		lc.turn(ctx, m.Text, "")
	case "audio":
		var m wsAudio
		if err := json.Unmarshal(msg.Data, &m); err != nil || strings.TrimSpace(m.AudioURL) == "" {
			lc.sendError(common.CodeInvalidJSON, "invalid audio payload")
			return
		}
		text, err := lc.h.transcribe(ctx, m.AudioURL)
		if err != nil {
			lc.sendTurnError(err)
			return
		}
		lc.send("transcript", gin.H{"text": text})
		lc.turn(ctx, text, m.AudioURL)
	case "config":
		var m wsConfig
		if err := json.Unmarshal(msg.Data, &m); err != nil {
			lc.sendError(common.CodeInvalidJSON, "invalid config payload")
			return
		}
		lc.apply(m)
	default:
		lc.sendError(common.CodeInvalidParam, "unsupported message type: "+msg.Type)
	}
}

func (lc *liveConn) apply(m wsConfig) {
	if m.VoiceOutput != nil {
		lc.voiceOutput = *m.VoiceOutput
	}
	if m.Voice != "" {
		lc.voice = m.Voice
	}
	if m.Language != "" {
		lc.language = m.Language
	}
	lc.send("config", gin.H{
		"voice_output": lc.voiceOutput,
		"voice":        lc.voice,
		"language":     lc.language,
	})
}

func (lc *liveConn) turn(ctx context.Context, text, inputAudioURL string) {
	res, err := lc.live.Turn(ctx, chat.TurnRequest{
		Text:          text,
		VoiceOutput:   lc.voiceOutput,
		Voice:         lc.voice,
		Language:      lc.language,
		InputAudioURL: inputAudioURL,
	})
	if err != nil {
		lc.sendTurnError(err)
		return
	}
	lc.send("reply", turnPayload(lc.live.Session().SessionID, res))
}

func (lc *liveConn) sendTurnError(err error) {
	var te *chat.TurnError
	if errors.As(err, &te) && te.UserTurnSaved {
		lc.send("error", gin.H{
			"code":         common.CodeReplyFailedSaved,
			"message":      "reply_failed_message_saved",
			"user_turn_id": te.UserTurnID,
		})
		return
	}
	_, code, msg := classify(err)
	lc.sendError(code, msg)
}

func (lc *liveConn) sendError(code int, msg string) {
	lc.send("error", gin.H{"code": code, "message": msg})
}

func (lc *liveConn) send(typ string, data any) {
	lc.writeMu.Lock()
	defer lc.writeMu.Unlock()

	lc.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	err := lc.conn.WriteJSON(outgoingMessage{
		Type:      typ,
		SessionID: lc.live.Session().SessionID,
		Data:      data,
		Timestamp: time.Now().Unix(),
	})
	if err != nil {
		lc.log.Warn("websocket write failed", zap.String("type", typ), zap.Error(err))
	}
}

func (lc *liveConn) pingLoop(ctx context.Context, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
		}
	}
}
