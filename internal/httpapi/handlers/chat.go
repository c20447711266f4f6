package handlers

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/suPer8Hu/persona-chat/internal/chat"
	"github.com/suPer8Hu/persona-chat/internal/common"
)

type createSessionReq struct {
	PersonaID uint64 `json:"persona_id" binding:"required"`
}

func (h *Handler) CreateChatSession(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
		return
	}

	var req createSessionReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, common.CodeInvalidJSON, "invalid json")
		return
	}

	sess, created, err := h.ChatSvc.GetOrCreateSession(c.Request.Context(), uid, req.PersonaID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	ok(c, gin.H{
		"session_id": sess.SessionID,
		"persona_id": sess.PersonaID,
		"created":    created,
	})
}

func (h *Handler) ListChatSessions(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
		return
	}

	page, pageSize := pageParams(c)
	sessions, err := h.ChatSvc.ListSessions(c.Request.Context(), uid, page, pageSize)
	if err != nil {
		h.writeError(c, err)
		return
	}
	ok(c, gin.H{"sessions": sessions})
}

type sendMessageReq struct {
	SessionID   string `json:"session_id" binding:"required"`
	Message     string `json:"message" binding:"required"`
	VoiceOutput bool   `json:"voice_output"`
	Voice       string `json:"voice"`
	Language    string `json:"language"`
}

func (r sendMessageReq) turn(uid uint64) chat.TurnRequest {
	return chat.TurnRequest{
		SessionID:   r.SessionID,
		UserID:      uid,
		Text:        r.Message,
		VoiceOutput: r.VoiceOutput,
		Voice:       r.Voice,
		Language:    r.Language,
	}
}

// SendChatMessage runs a full turn synchronously.
func (h *Handler) SendChatMessage(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, common.CodeInvalidJSON, "invalid json")
		return
	}

	res, err := h.Pipeline.ProcessTurn(c.Request.Context(), req.turn(uid))
	if err != nil {
		h.writeError(c, err)
		return
	}
	ok(c, turnPayload(req.SessionID, res))
}

func turnPayload(sessionID string, res *chat.TurnResult) gin.H {
	out := gin.H{
		"session_id":     sessionID,
		"reply":          res.AssistantTurn.Text,
		"user_turn":      res.UserTurn,
		"assistant_turn": res.AssistantTurn,
		"recalled":       res.Recalled,
	}
	if res.Recalled {
		out["recall_score"] = res.RecallScore
	}
	if res.AudioURL != "" {
		out["audio_url"] = res.AudioURL
	}
	if res.SynthesisErr != nil {
		out["synthesis_error"] = res.SynthesisErr.Error()
	}
	return out
}

// SendChatMessageAsync queues the turn for the worker. With an Idempotency-Key
// header, repeating the request returns the original job without re-queueing.
func (h *Handler) SendChatMessageAsync(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
		return
	}

	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, common.CodeInvalidJSON, "invalid json")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		h.writeError(c, chat.ErrEmptyUtterance)
		return
	}

	// read idempotency key
	idempoKey := strings.TrimSpace(c.GetHeader("Idempotency-Key"))
	if len(idempoKey) > 128 {
		fail(c, http.StatusBadRequest, common.CodeIdempoTooLong, "idempotency key too long")
		return
	}
	var idempoKeyPtr *string
	if idempoKey != "" {
		idempoKeyPtr = &idempoKey
	}

	j, created, err := h.ChatSvc.CreateJobOrGetExisting(c.Request.Context(), &chat.Job{
		UserID:         uid,
		SessionID:      req.SessionID,
		Prompt:         req.Message,
		VoiceOutput:    req.VoiceOutput,
		Voice:          req.Voice,
		Language:       req.Language,
		IdempotencyKey: idempoKeyPtr,
	})
	if err != nil {
		h.writeError(c, err)
		return
	}

	// Enqueue only when a new job was created
	if created {
		if h.Jobs == nil {
			fail(c, http.StatusServiceUnavailable, common.CodeEnqueueFailed, "queue unavailable")
			return
		}
		if err := h.Jobs.PublishJob(c.Request.Context(), j.ID); err != nil {
			h.reqLog(c).Error("publish job failed", zap.String("job_id", j.ID), zap.Error(err))
			_ = h.ChatSvc.MarkJobFailed(c.Request.Context(), j.ID, "enqueue failed: "+err.Error())
			fail(c, http.StatusInternalServerError, common.CodeEnqueueFailed, "enqueue failed")
			return
		}
	}

	ok(c, gin.H{"job_id": j.ID, "created": created})
}

func (h *Handler) GetChatJob(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
		return
	}
	jobID := c.Param("job_id")
	if jobID == "" {
		fail(c, http.StatusBadRequest, common.CodeInvalidParam, "job_id required")
		return
	}

	j, err := h.ChatSvc.GetJob(c.Request.Context(), uid, jobID)
	if err != nil {
		h.writeError(c, err)
		return
	}

	ok(c, gin.H{
		"job": gin.H{
			"id":             j.ID,
			"session_id":     j.SessionID,
			"status":         j.Status,
			"result_turn_id": j.ResultTurnID,
			"error":          j.Error,
			"created_at":     j.CreatedAt,
			"updated_at":     j.UpdatedAt,
		},
	})
}

func (h *Handler) ListChatMessages(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
		return
	}

	page, pageSize := pageParams(c)
	res, err := h.ChatSvc.ListTurns(c.Request.Context(), uid, c.Param("session_id"), page, pageSize)
	if err != nil {
		h.writeError(c, err)
		return
	}
	ok(c, res)
}

func (h *Handler) GetChatMessage(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
		return
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		fail(c, http.StatusBadRequest, common.CodeInvalidParam, "invalid id")
		return
	}

	t, err := h.ChatSvc.GetTurn(c.Request.Context(), uid, id)
	if err != nil {
		h.writeError(c, err)
		return
	}
	ok(c, t)
}

func (h *Handler) DeleteChatMessage(c *gin.Context) {
	uid, okk := userIDFromContext(c)
	if !okk {
		fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
		return
	}
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil {
		fail(c, http.StatusBadRequest, common.CodeInvalidParam, "invalid id")
		return
	}

	if err := h.ChatSvc.DeleteTurn(c.Request.Context(), uid, id); err != nil {
		h.writeError(c, err)
		return
	}
	ok(c, gin.H{"deleted": id})
}

func pageParams(c *gin.Context) (int, int) {
	page, _ := strconv.Atoi(c.Query("page"))
	pageSize, _ := strconv.Atoi(c.Query("page_size"))
	return page, pageSize
}
