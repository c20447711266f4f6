package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/persona-chat/internal/chat"
	"github.com/suPer8Hu/persona-chat/internal/common"
	"github.com/suPer8Hu/persona-chat/internal/speech"
)

type transcribeReq struct {
	AudioURL string `json:"audio_url" binding:"required"`
}

func (h *Handler) Transcribe(c *gin.Context) {
	var req transcribeReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, common.CodeInvalidJSON, "invalid json")
		return
	}

	text, err := h.transcribe(c.Request.Context(), req.AudioURL)
	if err != nil {
		h.writeError(c, err)
		return
	}
	ok(c, gin.H{"text": text})
}

type speechTurnReq struct {
	SessionID string `json:"session_id" binding:"required"`
	AudioURL  string `json:"audio_url" binding:"required"`
	// VoiceOutput defaults to true for spoken input.
	VoiceOutput *bool  `json:"voice_output"`
	Voice       string `json:"voice"`
	Language    string `json:"language"`
}

// SpeechTurn transcribes the recording and runs the text through a normal turn.
func (h *Handler) SpeechTurn(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
		return
	}

	var req speechTurnReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, common.CodeInvalidJSON, "invalid json")
		return
	}

	ctx := c.Request.Context()
	text, err := h.transcribe(ctx, req.AudioURL)
	if err != nil {
		h.writeError(c, err)
		return
	}

	voiceOut := true
	if req.VoiceOutput != nil {
		voiceOut = *req.VoiceOutput
	}
	res, err := h.Pipeline.ProcessTurn(ctx, chat.TurnRequest{
		SessionID:     req.SessionID,
		UserID:        uid,
		Text:          text,
		VoiceOutput:   voiceOut,
		Voice:         req.Voice,
		Language:      req.Language,
		InputAudioURL: req.AudioURL,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	out := turnPayload(req.SessionID, res)
	out["transcript"] = text
	ok(c, out)
}

func (h *Handler) transcribe(ctx context.Context, audioURL string) (string, error) {
	if h.Speech == nil {
		return "", fmt.Errorf("%w: speech client not configured", speech.ErrTranscription)
	}
	ctx, cancel := context.WithTimeout(ctx, h.transcriptionTimeout)
	defer cancel()

	text, err := h.Speech.Transcribe(ctx, strings.TrimSpace(audioURL))
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("%w: empty transcript", speech.ErrTranscription)
	}
	return text, nil
}
