package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/config"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/metrics"
)

// SetupRoutes configures all API routes
func SetupRoutes(
	router *gin.Engine,
	handler *Handler,
	cfg *config.Config,
	collector *metrics.Collector,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) {
	router.Use(RequestIDMiddleware())
	router.Use(CORSMiddleware())
	router.Use(AuditMiddleware(logger, collector))

	router.GET("/health", handler.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	limiter := NewRateLimiter(cfg.RateLimits, collector)

	v1 := router.Group("/api/v1")
	v1.Use(AuthMiddleware(cfg.Auth, logger))
	{
		studies := v1.Group("/studies")
		{
			studies.POST("", limiter.Limit(ClassIngest), handler.IngestStudy)
			studies.GET("/stats", limiter.Limit(ClassDefault), handler.StudyStats)
			studies.GET("/:id", limiter.Limit(ClassDefault), handler.GetStudy)
		}

		v1.POST("/predict", limiter.Limit(ClassPredict), handler.Predict)

		modelsGroup := v1.Group("/models")
		{
			modelsGroup.GET("", limiter.Limit(ClassDefault), handler.ListModels)
			modelsGroup.GET("/:model_type/deployed", limiter.Limit(ClassDefault), handler.GetDeployedModel)
			modelsGroup.POST("/:model_type/train", limiter.Limit(ClassTrain), handler.TrainModel)
		}

		v1.GET("/training-jobs/:job_id", limiter.Limit(ClassDefault), handler.GetTrainingJob)

		filtersGroup := v1.Group("/filters")
		{
			filtersGroup.POST("", limiter.Limit(ClassDefault), handler.CreateFilter)
			filtersGroup.GET("", limiter.Limit(ClassDefault), handler.ListFilters)
			filtersGroup.GET("/stats", limiter.Limit(ClassDefault), handler.FilterStats)
			filtersGroup.GET("/:filter_id/data", limiter.Limit(ClassDefault), handler.GetFilterData)
			filtersGroup.POST("/:filter_id/refresh", limiter.Limit(ClassDefault), handler.RefreshFilter)
		}
	}
}
