package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/suPer8Hu/persona-chat/internal/auth"
	"github.com/suPer8Hu/persona-chat/internal/observability"
)

func init() { gin.SetMode(gin.TestMode) }

func newEngine(t *testing.T, m *observability.Metrics) *gin.Engine {
	log := zaptest.NewLogger(t)
	r := gin.New()
	r.Use(RequestID(), AccessLog(log, m), Recovery(log))
	r.GET("/boom", func(*gin.Context) { panic("boom") })
	authed := r.Group("/", AuthRequired("s3cret"))
	authed.GET("/me", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"uid": c.MustGet(UserIDKey)})
	})
	return r
}

func TestRequestID_KeepsOrMints(t *testing.T) {
	r := newEngine(t, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Len(t, w.Header().Get(RequestIDHeader), 36)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, "abc-123", w.Header().Get(RequestIDHeader))
}

func TestRecovery_Returns500Envelope(t *testing.T) {
	r := newEngine(t, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.JSONEq(t, `{"code":50001,"message":"internal error","data":null}`, w.Body.String())
}

func TestAuthRequired(t *testing.T) {
	m := observability.NewMetrics("test", nil)
	r := newEngine(t, m)
	tok, err := auth.SignJWT("s3cret", 7, time.Hour)
	require.NoError(t, err)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"uid":7}`, w.Body.String())

	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/me?token="+tok, nil))
	assert.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/me", "401")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.HTTPRequests.WithLabelValues("GET", "/me", "200")))
}
