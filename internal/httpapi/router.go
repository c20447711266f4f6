package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/suPer8Hu/persona-chat/internal/common"
	"github.com/suPer8Hu/persona-chat/internal/httpapi/handlers"
	"github.com/suPer8Hu/persona-chat/internal/httpapi/middleware"
	"github.com/suPer8Hu/persona-chat/internal/logging"
)

func NewRouter(jwtSecret string, deps handlers.Deps) *gin.Engine {
	log := logging.OrNop(deps.Log)

	r := gin.New()
	r.HandleMethodNotAllowed = true
	r.Use(middleware.RequestID())
	r.Use(middleware.AccessLog(log, deps.Metrics))
	r.Use(middleware.Recovery(log))

	r.NoRoute(func(c *gin.Context) {
		common.Fail(c, http.StatusNotFound, common.CodeRouteNotFound, "route not found")
	})
	r.NoMethod(func(c *gin.Context) {
		common.Fail(c, http.StatusMethodNotAllowed, common.CodeMethodNotAllow, "method not allowed")
	})

	h := handlers.NewHandler(deps)

	r.GET("/ping", h.Ping)
	if deps.Metrics != nil {
		r.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}

	authGroup := r.Group("/")
	authGroup.Use(middleware.AuthRequired(jwtSecret))

	// Chat (JWT required)
	authGroup.POST("/chat/sessions", h.CreateChatSession)
	authGroup.GET("/chat/sessions", h.ListChatSessions)
	authGroup.GET("/chat/sessions/:session_id/messages", h.ListChatMessages)
	authGroup.POST("/chat/messages", h.SendChatMessage)
	authGroup.POST("/chat/messages/async", h.SendChatMessageAsync)
	authGroup.GET("/chat/messages/:id", h.GetChatMessage)
	authGroup.DELETE("/chat/messages/:id", h.DeleteChatMessage)
	authGroup.GET("/chat/jobs/:job_id", h.GetChatJob)
	authGroup.GET("/chat/ws/:session_id", h.LiveChat)

	// Speech
	authGroup.POST("/speech/transcribe", h.Transcribe)
	authGroup.POST("/speech/turn", h.SpeechTurn)

	log.Debug("router ready", zap.Int("routes", len(r.Routes())))
	return r
}
