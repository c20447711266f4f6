package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/suPer8Hu/persona-chat/internal/auth"
	"github.com/suPer8Hu/persona-chat/internal/common"
)

const UserIDKey = "user_id"

// AuthRequired accepts "Authorization: Bearer <jwt>". Websocket clients that
// cannot set headers may pass ?token= instead.
func AuthRequired(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := ""
		if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
			token = strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
		}
		if token == "" {
			token = c.Query("token")
		}
		if token == "" {
			c.Abort()
			common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
			return
		}

		uid, err := auth.ParseJWT(secret, token)
		if err != nil {
			c.Abort()
			common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "invalid token")
			return
		}
		c.Set(UserIDKey, uid)
		c.Next()
	}
}
