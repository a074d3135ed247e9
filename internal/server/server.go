package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/api"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/cache"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/config"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/database"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/events"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/filters"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/ingestion"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/locks"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/metrics"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/models"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/prediction"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/registry"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/validator"
)

// Server assembles and runs the pipeline service
type Server struct {
	cfg        *config.Config
	logger     *zap.Logger
	db         *database.Database
	redisCache *cache.RedisCache
	publisher  events.Publisher
	trainer    *registry.Trainer
	httpServer *http.Server
}

// New wires every component together
func New(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	db, err := database.NewDatabase(cfg.Database, logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(cfg.Database); err != nil {
		return nil, err
	}
	repos := database.NewRepositories(db)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	redisCache, err := cache.NewRedisCache(ctx, cfg.Redis)
	if err != nil {
		return nil, err
	}
	locker := locks.NewRedisLocker(redisCache.Client())

	var publisher events.Publisher = events.NopPublisher{}
	if cfg.Kafka.Enabled {
		publisher = events.NewKafkaPublisher(cfg.Kafka, logger)
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector())
	collector := metrics.NewCollector(promRegistry)

	studyValidator := validator.NewValidator(logger)
	engine := ingestion.NewEngine(cfg.Ingestion, studyValidator,
		repos.Studies, repos.TrainingRecords, publisher, collector, logger)

	var backend registry.TrainingBackend
	switch cfg.Training.Backend {
	case "http":
		backend = registry.NewHTTPBackend(cfg.Training.BackendURL,
			cfg.Training.BackendTimeout,
			registry.RetryPolicyFromConfig(cfg.Training.Retry))
	default:
		backend = registry.NewBaselineBackend()
	}
	trainer := registry.NewTrainer(cfg.Training,
		repos.TrainingRecords, repos.Models, repos.TrainingJobs,
		backend, locker, publisher, collector, logger)

	predictionService := prediction.NewService(repos.Models, repos.Predictions, collector, logger)
	predictionService.WarmUp(ctx)
	trainer.SetOnDeploy(func(mt models.ModelType) {
		reloadCtx, reloadCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer reloadCancel()
		if err := predictionService.Reload(reloadCtx, mt); err != nil {
			logger.Warn("failed to reload deployed model",
				zap.String("model_type", string(mt)),
				zap.Error(err))
		}
	})

	filterManager := filters.NewManager(cfg.Filters,
		repos.Filters, predictionService, repos.Predictions,
		redisCache, publisher, collector, logger)

	handler := api.NewHandler(engine, repos, trainer, predictionService, filterManager, db, logger)

	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Recovery())
	api.SetupRoutes(router, handler, cfg, collector, promRegistry, logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	return &Server{
		cfg:        cfg,
		logger:     logger,
		db:         db,
		redisCache: redisCache,
		publisher:  publisher,
		trainer:    trainer,
		httpServer: httpServer,
	}, nil
}

// Run serves until the context is canceled, then shuts down gracefully
func (s *Server) Run(ctx context.Context) error {
	s.trainer.Start()

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", zap.String("addr", s.httpServer.Addr))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Error("http shutdown failed", zap.Error(err))
	}
	s.trainer.Stop()
	if err := s.publisher.Close(); err != nil {
		s.logger.Error("event publisher close failed", zap.Error(err))
	}
	if err := s.redisCache.Close(); err != nil {
		s.logger.Error("redis close failed", zap.Error(err))
	}
	if err := s.db.Close(); err != nil {
		s.logger.Error("database close failed", zap.Error(err))
	}
	return nil
}
