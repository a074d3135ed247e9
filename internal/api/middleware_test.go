package api

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"

	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/config"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/metrics"
)

func authRouter() *gin.Engine {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(AuthMiddleware(config.AuthConfig{
		Tokens: map[string]string{"secret-token": "field-team"},
	}, zap.NewNop()))
	router.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"caller": c.GetString(callerKey)})
	})
	return router
}

func TestAuthMiddleware(t *testing.T) {
	router := authRouter()

	t.Run("missing header", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("wrong token", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("Authorization", "Bearer nope")
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusUnauthorized, w.Code)
	})

	t.Run("valid token resolves caller", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("Authorization", "Bearer secret-token")
		router.ServeHTTP(w, req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "field-team")
	})
}

func TestRequestIDMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	router := gin.New()
	router.Use(RequestIDMiddleware())
	router.GET("/ping", func(c *gin.Context) { c.Status(http.StatusOK) })

	t.Run("generates id", func(t *testing.T) {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/ping", nil))
		assert.NotEmpty(t, w.Header().Get("X-Request-ID"))
	})

	t.Run("echoes caller id", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/ping", nil)
		req.Header.Set("X-Request-ID", "abc-123")
		router.ServeHTTP(w, req)
		assert.Equal(t, "abc-123", w.Header().Get("X-Request-ID"))
	})
}

func TestRateLimiterEnforcesClassBudget(t *testing.T) {
	gin.SetMode(gin.TestMode)
	collector := metrics.NewCollector(prometheus.NewRegistry())
	limiter := NewRateLimiter(config.RateLimitConfig{
		TrainPerMinute:   2,
		DefaultPerMinute: 100,
	}, collector)

	router := gin.New()
	router.Use(func(c *gin.Context) { c.Set(callerKey, "tester"); c.Next() })
	router.POST("/train", limiter.Limit(ClassTrain), func(c *gin.Context) { c.Status(http.StatusAccepted) })
	router.GET("/other", limiter.Limit(ClassDefault), func(c *gin.Context) { c.Status(http.StatusOK) })

	// burst of two is allowed, the third is rejected
	for i := 0; i < 2; i++ {
		w := httptest.NewRecorder()
		router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/train", nil))
		assert.Equal(t, http.StatusAccepted, w.Code)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/train", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// a different class keeps its own budget
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/other", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestRateLimiterIsPerCaller(t *testing.T) {
	gin.SetMode(gin.TestMode)
	collector := metrics.NewCollector(prometheus.NewRegistry())
	limiter := NewRateLimiter(config.RateLimitConfig{TrainPerMinute: 1}, collector)

	caller := "a"
	router := gin.New()
	router.Use(func(c *gin.Context) { c.Set(callerKey, caller); c.Next() })
	router.POST("/train", limiter.Limit(ClassTrain), func(c *gin.Context) { c.Status(http.StatusAccepted) })

	w := httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/train", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)

	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/train", nil))
	assert.Equal(t, http.StatusTooManyRequests, w.Code)

	// a second caller is unaffected by the first caller's exhaustion
	caller = "b"
	w = httptest.NewRecorder()
	router.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/train", nil))
	assert.Equal(t, http.StatusAccepted, w.Code)
}
