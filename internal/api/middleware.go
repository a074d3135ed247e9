package api

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/config"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/metrics"
)

const (
	callerKey    = "caller"
	requestIDKey = "request_id"
)

// RequestIDMiddleware assigns a request id and echoes it back
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Set(requestIDKey, requestID)
		c.Header("X-Request-ID", requestID)
		c.Next()
	}
}

// AuthMiddleware authenticates bearer tokens against the configured token
// table and records the caller name for audit logging.
func AuthMiddleware(cfg config.AuthConfig, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		if !strings.HasPrefix(header, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		token := strings.TrimPrefix(header, "Bearer ")
		caller, ok := cfg.Tokens[token]
		if !ok {
			logger.Warn("rejected request with unknown token",
				zap.String("path", c.FullPath()),
				zap.String("remote", c.ClientIP()))
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		c.Set(callerKey, caller)
		c.Next()
	}
}

// AuditMiddleware writes one structured audit entry per request: who called
// what and how it ended.
func AuditMiddleware(logger *zap.Logger, collector *metrics.Collector) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := c.Writer.Status()

		logger.Info("request",
			zap.String("request_id", c.GetString(requestIDKey)),
			zap.String("caller", c.GetString(callerKey)),
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.Int("status", status),
			zap.Duration("latency", elapsed))

		collector.HTTPRequests.WithLabelValues(c.Request.Method, path, http.StatusText(status)).Inc()
		collector.HTTPDuration.WithLabelValues(c.Request.Method, path).Observe(elapsed.Seconds())
	}
}

// CORSMiddleware allows the map frontend to call the API
func CORSMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Authorization, Content-Type, X-Request-ID")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

// RateLimiter applies per-caller token buckets, one bucket per endpoint
// class so a flood of predictions cannot starve ingestion.
type RateLimiter struct {
	cfg     config.RateLimitConfig
	metrics *metrics.Collector

	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

// NewRateLimiter creates the limiter
func NewRateLimiter(cfg config.RateLimitConfig, collector *metrics.Collector) *RateLimiter {
	return &RateLimiter{
		cfg:     cfg,
		metrics: collector,
		buckets: map[string]*rate.Limiter{},
	}
}

// Endpoint classes with distinct budgets.
const (
	ClassIngest  = "ingest"
	ClassPredict = "predict"
	ClassTrain   = "train"
	ClassDefault = "default"
)

func (rl *RateLimiter) perMinute(class string) int {
	switch class {
	case ClassIngest:
		return rl.cfg.IngestPerMinute
	case ClassPredict:
		return rl.cfg.PredictPerMinute
	case ClassTrain:
		return rl.cfg.TrainPerMinute
	default:
		return rl.cfg.DefaultPerMinute
	}
}

func (rl *RateLimiter) limiter(caller, class string) *rate.Limiter {
	key := caller + ":" + class
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if limiter, ok := rl.buckets[key]; ok {
		return limiter
	}
	perMinute := rl.perMinute(class)
	limiter := rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), perMinute)
	rl.buckets[key] = limiter
	return limiter
}

// Limit returns middleware enforcing the class budget for the caller.
func (rl *RateLimiter) Limit(class string) gin.HandlerFunc {
	return func(c *gin.Context) {
		caller := c.GetString(callerKey)
		if caller == "" {
			caller = c.ClientIP()
		}
		if !rl.limiter(caller, class).Allow() {
			rl.metrics.RateLimited.WithLabelValues(class).Inc()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "rate limit exceeded",
				"class": class,
			})
			return
		}
		c.Next()
	}
}
