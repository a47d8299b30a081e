package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// OwnerHeader carries the caller identity; authentication happens upstream.
const OwnerHeader = "X-User-ID"

const ownerKey = "ownerID"

// RequireOwner rejects requests without an owner header and stores the owner
// on the context.
func RequireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID := c.GetHeader(OwnerHeader)
		if ownerID == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": OwnerHeader + " header required"})
			c.Abort()
			return
		}
		c.Set(ownerKey, ownerID)
		c.Next()
	}
}

// Owner returns the owner set by RequireOwner.
func Owner(c *gin.Context) string {
	return c.GetString(ownerKey)
}

type RateLimiter struct {
	clients map[string]time.Time
	mu      sync.Mutex
	limit   time.Duration
	now     func() time.Time
}

func NewRateLimiter(limit time.Duration) *RateLimiter {
	return &RateLimiter{
		clients: make(map[string]time.Time),
		limit:   limit,
		now:     time.Now,
	}
}

// Middleware allows one request per owner per limit interval. It runs after
// RequireOwner.
func (r *RateLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if r.limit <= 0 {
			c.Next()
			return
		}
		ownerID := Owner(c)
		now := r.now()
		r.mu.Lock()
		last, exists := r.clients[ownerID]
		if exists && now.Sub(last) < r.limit {
			r.mu.Unlock()
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		r.clients[ownerID] = now
		r.mu.Unlock()
		c.Next()
	}
}

// AccessLog writes one line per request.
func AccessLog(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("owner_id", c.GetHeader(OwnerHeader)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if c.Writer.Status() >= http.StatusInternalServerError {
			log.Error("request", fields...)
			return
		}
		log.Info("request", fields...)
	}
}
