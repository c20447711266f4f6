package common

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Stable error codes returned in the response envelope.
const (
	CodeOK = 0

	CodeInvalidJSON    = 10001
	CodeInvalidParam   = 10002
	CodeIdempoTooLong  = 10003
	CodeUnauthorized   = 40101
	CodeForbidden      = 40301
	CodeRouteNotFound  = 40400
	CodeSessionMissing = 40401
	CodeJobMissing     = 40402
	CodeTurnMissing    = 40403
	CodePersonaMissing = 40404
	CodeMethodNotAllow = 40500
	CodeBusy           = 42901

	CodeInternal        = 50001
	CodeEnqueueFailed   = 50002
	CodeStoreFailed     = 50003
	CodeGenerationError = 50201
	// CodeReplyFailedSaved means the user turn is durable but no reply was written.
	CodeReplyFailedSaved = 50210
	CodeTranscription    = 50220
	CodeSynthesis        = 50230
)

func OK(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{
		"code":    CodeOK,
		"message": "ok",
		"data":    data,
	})
}

func Fail(c *gin.Context, httpStatus int, code int, msg string) {
	c.JSON(httpStatus, gin.H{
		"code":    code,
		"message": msg,
		"data":    nil,
	})
}
