package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/suPer8Hu/persona-chat/internal/ai"
	"github.com/suPer8Hu/persona-chat/internal/chat"
	"github.com/suPer8Hu/persona-chat/internal/common"
	"github.com/suPer8Hu/persona-chat/internal/speech"
)

func ok(c *gin.Context, data any) { common.OK(c, data) }

func fail(c *gin.Context, httpStatus int, code int, msg string) {
	common.Fail(c, httpStatus, code, msg)
}

// writeError maps a domain error onto the response envelope.
func (h *Handler) writeError(c *gin.Context, err error) {
	var te *chat.TurnError
	if errors.As(err, &te) && te.UserTurnSaved {
		// the utterance is durable; tell the client not to re-send it
		c.JSON(http.StatusBadGateway, gin.H{
			"code":    common.CodeReplyFailedSaved,
			"message": "reply_failed_message_saved",
			"data": gin.H{
				"user_turn_id": te.UserTurnID,
				"stage":        te.Stage,
			},
		})
		return
	}

	status, code, msg := classify(err)
	if status >= 500 {
		h.reqLog(c).Error("request failed", zap.Int("code", code), zap.Error(err))
	}
	fail(c, status, code, msg)
}

func classify(err error) (status, code int, msg string) {
	switch {
	case errors.Is(err, chat.ErrEmptyUtterance):
		return http.StatusBadRequest, common.CodeInvalidParam, "message is empty"
	case errors.Is(err, chat.ErrSessionNotFound):
		return http.StatusNotFound, common.CodeSessionMissing, "session not found"
	case errors.Is(err, chat.ErrJobNotFound):
		return http.StatusNotFound, common.CodeJobMissing, "job not found"
	case errors.Is(err, chat.ErrTurnNotFound):
		return http.StatusNotFound, common.CodeTurnMissing, "message not found"
	case errors.Is(err, chat.ErrPersonaNotFound):
		return http.StatusNotFound, common.CodePersonaMissing, "persona not found"
	case errors.Is(err, chat.ErrForbidden):
		return http.StatusForbidden, common.CodeForbidden, "forbidden"
	case errors.Is(err, ai.ErrGeneration):
		return http.StatusBadGateway, common.CodeGenerationError, "generation failed"
	case errors.Is(err, speech.ErrTranscription):
		return http.StatusBadGateway, common.CodeTranscription, "transcription failed"
	case errors.Is(err, speech.ErrSynthesis):
		return http.StatusBadGateway, common.CodeSynthesis, "synthesis failed"
	case errors.Is(err, chat.ErrStore):
		return http.StatusInternalServerError, common.CodeStoreFailed, "store error"
	default:
		return http.StatusInternalServerError, common.CodeInternal, "internal error"
	}
}
