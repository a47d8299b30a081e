package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func init() { gin.SetMode(gin.TestMode) }

func do(r *gin.Engine, owner string) int {
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	if owner != "" {
		req.Header.Set(OwnerHeader, owner)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w.Code
}

func TestRequireOwnerAndRateLimit(t *testing.T) {
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(time.Second)
	rl.now = func() time.Time { return now }

	r := gin.New()
	r.Use(RequireOwner(), rl.Middleware())
	r.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, Owner(c)) })

	assert.Equal(t, http.StatusUnauthorized, do(r, ""))
	assert.Equal(t, http.StatusOK, do(r, "alice"))
	assert.Equal(t, http.StatusTooManyRequests, do(r, "alice"))
	assert.Equal(t, http.StatusOK, do(r, "bob"), "limits are per owner")

	now = now.Add(time.Second)
	assert.Equal(t, http.StatusOK, do(r, "alice"))
}

func TestRateLimiterDisabled(t *testing.T) {
	r := gin.New()
	r.Use(RequireOwner(), NewRateLimiter(0).Middleware())
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })
	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusOK, do(r, "alice"))
	}
}

func TestAccessLog(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	r := gin.New()
	r.Use(AccessLog(zap.New(core)))
	r.GET("/ping", func(c *gin.Context) { c.Status(http.StatusTeapot) })

	do(r, "alice")
	entries := logs.All()
	if assert.Len(t, entries, 1) {
		ctx := entries[0].ContextMap()
		assert.Equal(t, "/ping", ctx["path"])
		assert.Equal(t, int64(http.StatusTeapot), ctx["status"])
		assert.Equal(t, "alice", ctx["owner_id"])
	}
}
