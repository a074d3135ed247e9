package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/database"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/filters"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/ingestion"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/models"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/prediction"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/registry"
)

// Handler holds the service dependencies for all endpoints
type Handler struct {
	engine      *ingestion.Engine
	repos       *database.Repositories
	trainer     *registry.Trainer
	predictions *prediction.Service
	filters     *filters.Manager
	db          *database.Database
	logger      *zap.Logger
}

// NewHandler creates the API handler
func NewHandler(
	engine *ingestion.Engine,
	repos *database.Repositories,
	trainer *registry.Trainer,
	predictions *prediction.Service,
	filterManager *filters.Manager,
	db *database.Database,
	logger *zap.Logger,
) *Handler {
	return &Handler{
		engine:      engine,
		repos:       repos,
		trainer:     trainer,
		predictions: predictions,
		filters:     filterManager,
		db:          db,
		logger:      logger,
	}
}

// HealthCheck reports service and database health
func (h *Handler) HealthCheck(c *gin.Context) {
	if err := h.db.Health(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "healthy", "time": time.Now().UTC()})
}

// StudyRequest is the ingestion payload.
type StudyRequest struct {
	StudyID                 string                      `json:"study_id"`
	Name                    string                      `json:"study_name" binding:"required"`
	Description             string                      `json:"description"`
	StudyType               string                      `json:"study_type" binding:"required"`
	StartDate               time.Time                   `json:"start_date" binding:"required"`
	EndDate                 *time.Time                  `json:"end_date"`
	Latitude                *float64                    `json:"latitude" binding:"required"`
	Longitude               *float64                    `json:"longitude" binding:"required"`
	DepthMin                *float64                    `json:"depth_min"`
	DepthMax                *float64                    `json:"depth_max"`
	AreaCoverageKm2         *float64                    `json:"area_coverage_km2"`
	SamplingMethod          string                      `json:"sampling_method"`
	SampleSize              int                         `json:"sample_size"`
	ObservedSpecies         []models.SpeciesObservation `json:"observed_species"`
	EnvironmentalParameters map[string]float64          `json:"environmental_parameters"`
	WeatherConditions       map[string]interface{}      `json:"weather_conditions"`
	EquipmentUsed           []string                    `json:"equipment_used"`
	DataSource              string                      `json:"data_source" binding:"required"`
	CollectorID             string                      `json:"collector_id"`
	Institution             string                      `json:"institution"`
	Notes                   string                      `json:"notes"`
}

// IngestStudy validates and routes one study submission
func (h *Handler) IngestStudy(c *gin.Context) {
	var req StudyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	study := &models.Study{
		Name:            req.Name,
		Description:     req.Description,
		StudyType:       models.StudyType(req.StudyType),
		StartDate:       req.StartDate,
		EndDate:         req.EndDate,
		Latitude:        *req.Latitude,
		Longitude:       *req.Longitude,
		DepthMin:        req.DepthMin,
		DepthMax:        req.DepthMax,
		AreaCoverageKm2: req.AreaCoverageKm2,
		SamplingMethod:  req.SamplingMethod,
		SampleSize:      req.SampleSize,
		DataSource:      models.DataSource(req.DataSource),
		CollectorID:     req.CollectorID,
		Institution:     req.Institution,
		Notes:           req.Notes,
	}
	if req.StudyID != "" {
		id, err := uuid.Parse(req.StudyID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "study_id must be a UUID"})
			return
		}
		study.ID = id
	}
	if req.ObservedSpecies != nil {
		study.ObservedSpecies = models.MustJSON(req.ObservedSpecies)
	}
	if req.EnvironmentalParameters != nil {
		study.EnvironmentalParameters = models.MustJSON(req.EnvironmentalParameters)
	}
	if req.WeatherConditions != nil {
		study.WeatherConditions = models.MustJSON(req.WeatherConditions)
	}
	if req.EquipmentUsed != nil {
		study.EquipmentUsed = models.MustJSON(req.EquipmentUsed)
	}

	result, err := h.engine.IngestStudy(c.Request.Context(), study)
	if err != nil {
		h.logger.Error("ingestion failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to ingest study"})
		return
	}

	switch {
	case result.Duplicate:
		c.JSON(http.StatusOK, result)
	case result.Status == models.ValidationStatusRejected:
		c.JSON(http.StatusUnprocessableEntity, result)
	default:
		// fire the retraining check for every model type that gained data
		for _, mt := range result.IngestedModels {
			if _, _, err := h.trainer.MaybeSchedule(c.Request.Context(), mt); err != nil {
				h.logger.Warn("retraining check failed",
					zap.String("model_type", string(mt)),
					zap.Error(err))
			}
		}
		c.JSON(http.StatusCreated, result)
	}
}

// GetStudy returns a stored study
func (h *Handler) GetStudy(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid study id"})
		return
	}
	study, err := h.repos.Studies.GetByID(c.Request.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "study not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load study"})
		return
	}
	c.JSON(http.StatusOK, study)
}

// StudyStats returns ingestion statistics
func (h *Handler) StudyStats(c *gin.Context) {
	stats, err := h.repos.Studies.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Predict scores one point with the deployed model
func (h *Handler) Predict(c *gin.Context) {
	var req prediction.Request
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.ModelType == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "model_type is required"})
		return
	}
	req.Persist = true

	pred, err := h.predictions.Predict(c.Request.Context(), req)
	if errors.Is(err, prediction.ErrNoDeployedModel) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no deployed model for this model type"})
		return
	}
	if err != nil {
		h.logger.Error("prediction failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "prediction failed"})
		return
	}
	c.JSON(http.StatusOK, pred)
}

// TrainModel queues a training job
func (h *Handler) TrainModel(c *gin.Context) {
	modelType := models.ModelType(c.Param("model_type"))
	switch modelType {
	case models.ModelTypeBiodiversityPredictor, models.ModelTypeSpeciesClassifier, models.ModelTypeHabitatSuitability:
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown model type"})
		return
	}

	job, err := h.trainer.RequestTraining(c.Request.Context(), modelType, c.GetString(callerKey))
	if errors.Is(err, registry.ErrTrainingInProgress) {
		c.JSON(http.StatusConflict, gin.H{
			"error": "training already in progress",
			"job":   job,
		})
		return
	}
	if errors.Is(err, registry.ErrQueueFull) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "training queue is full"})
		return
	}
	if err != nil {
		h.logger.Error("failed to queue training", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to queue training"})
		return
	}
	c.JSON(http.StatusAccepted, job)
}

// GetTrainingJob returns job status for polling
func (h *Handler) GetTrainingJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("job_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
	job, err := h.repos.TrainingJobs.GetByID(c.Request.Context(), id)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load job"})
		return
	}
	c.JSON(http.StatusOK, job)
}

// ListModels returns all model versions
func (h *Handler) ListModels(c *gin.Context) {
	list, err := h.repos.Models.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list models"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": list, "count": len(list)})
}

// GetDeployedModel returns the deployed model for a type
func (h *Handler) GetDeployedModel(c *gin.Context) {
	modelType := models.ModelType(c.Param("model_type"))
	model, err := h.repos.Models.GetDeployed(c.Request.Context(), modelType)
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "no deployed model for this model type"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load model"})
		return
	}
	c.JSON(http.StatusOK, model)
}

// CreateFilter creates a predictive filter
func (h *Handler) CreateFilter(c *gin.Context) {
	var req filters.CreateFilterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	filter, err := h.filters.CreateFilter(c.Request.Context(), req)
	if errors.Is(err, filters.ErrUnknownFilterType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err != nil {
		h.logger.Error("failed to create filter", zap.Error(err))
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, filter)
}

// ListFilters returns all active filters
func (h *Handler) ListFilters(c *gin.Context) {
	list, err := h.filters.List(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list filters"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"filters": list, "count": len(list)})
}

// GetFilterData returns the map-ready payload, possibly marked stale
func (h *Handler) GetFilterData(c *gin.Context) {
	data, err := h.filters.GetData(c.Request.Context(), c.Param("filter_id"))
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "filter not found"})
		return
	}
	if errors.Is(err, prediction.ErrNoDeployedModel) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no deployed model feeds this filter yet"})
		return
	}
	if err != nil {
		h.logger.Error("failed to load filter data",
			zap.String("filter_id", c.Param("filter_id")),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load filter data"})
		return
	}
	c.JSON(http.StatusOK, data)
}

// RefreshFilter regenerates filter data unconditionally
func (h *Handler) RefreshFilter(c *gin.Context) {
	data, err := h.filters.Refresh(c.Request.Context(), c.Param("filter_id"))
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "filter not found"})
		return
	}
	if errors.Is(err, prediction.ErrNoDeployedModel) {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "no deployed model feeds this filter yet"})
		return
	}
	if err != nil {
		h.logger.Error("failed to refresh filter",
			zap.String("filter_id", c.Param("filter_id")),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to refresh filter"})
		return
	}
	c.JSON(http.StatusOK, data)
}

// FilterStats summarizes the filter inventory
func (h *Handler) FilterStats(c *gin.Context) {
	stats, err := h.filters.Stats(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to compute filter stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}
