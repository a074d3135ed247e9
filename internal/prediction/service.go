package prediction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/database"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/metrics"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/models"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/registry"
)

// ErrNoDeployedModel is returned when no model is deployed for the
// requested model type.
var ErrNoDeployedModel = errors.New("no deployed model for this model type")

// ModelStore is the model access the prediction service needs.
type ModelStore interface {
	GetDeployed(ctx context.Context, modelType models.ModelType) (*models.Model, error)
	IncrementPredictionCount(ctx context.Context, modelID uuid.UUID) error
}

// ResultStore persists served predictions.
type ResultStore interface {
	Create(ctx context.Context, result *models.PredictionResult) error
}

// Request is one point prediction request.
type Request struct {
	ModelType models.ModelType   `json:"model_type"`
	Latitude  float64            `json:"latitude"`
	Longitude float64            `json:"longitude"`
	AreaName  string             `json:"area_name,omitempty"`
	Features  map[string]float64 `json:"features,omitempty"`
	// Persist controls whether the result is stored; grid scans for filters
	// store in batch instead.
	Persist bool `json:"-"`
}

// Prediction is the outcome of scoring one point.
type Prediction struct {
	PredictionID uuid.UUID        `json:"prediction_id,omitempty"`
	ModelID      uuid.UUID        `json:"model_id"`
	ModelType    models.ModelType `json:"model_type"`
	ModelVersion int              `json:"model_version"`
	Latitude     float64          `json:"latitude"`
	Longitude    float64          `json:"longitude"`
	Value        float64          `json:"value"`
	Label        string           `json:"label,omitempty"`
	Confidence   float64          `json:"confidence"`
	PredictedAt  time.Time        `json:"predicted_at"`
}

// loadedModel is the in-memory scoring state for one deployed model.
type loadedModel struct {
	id       uuid.UUID
	version  int
	artifact registry.Artifact
}

// Service scores points against the deployed model per type. Deployed
// models are held in memory and swapped atomically on promotion, so a
// request sees either the old model or the new one, never a mix.
type Service struct {
	modelStore ModelStore
	results    ResultStore
	metrics    *metrics.Collector
	logger     *zap.Logger

	mu     sync.RWMutex
	loaded map[models.ModelType]*loadedModel
}

// NewService creates the prediction service
func NewService(modelStore ModelStore, results ResultStore, collector *metrics.Collector, logger *zap.Logger) *Service {
	return &Service{
		modelStore: modelStore,
		results:    results,
		metrics:    collector,
		logger:     logger,
		loaded:     map[models.ModelType]*loadedModel{},
	}
}

// WarmUp loads every deployed model into memory. Missing models are fine;
// prediction for those types fails with ErrNoDeployedModel until one
// deploys.
func (s *Service) WarmUp(ctx context.Context) {
	for _, mt := range []models.ModelType{
		models.ModelTypeBiodiversityPredictor,
		models.ModelTypeSpeciesClassifier,
		models.ModelTypeHabitatSuitability,
	} {
		if err := s.Reload(ctx, mt); err != nil && !errors.Is(err, ErrNoDeployedModel) {
			s.logger.Warn("failed to warm up model",
				zap.String("model_type", string(mt)),
				zap.Error(err))
		}
	}
}

// Reload swaps the in-memory model for the type with the currently deployed
// one from the database.
func (s *Service) Reload(ctx context.Context, modelType models.ModelType) error {
	deployed, err := s.modelStore.GetDeployed(ctx, modelType)
	if errors.Is(err, database.ErrNotFound) {
		s.mu.Lock()
		delete(s.loaded, modelType)
		s.mu.Unlock()
		return ErrNoDeployedModel
	}
	if err != nil {
		return err
	}

	var artifact registry.Artifact
	if err := json.Unmarshal(deployed.Artifact, &artifact); err != nil {
		return fmt.Errorf("deployed model %s has malformed artifact: %w", deployed.ID, err)
	}

	s.mu.Lock()
	s.loaded[modelType] = &loadedModel{
		id:       deployed.ID,
		version:  deployed.Version,
		artifact: artifact,
	}
	s.mu.Unlock()

	s.logger.Info("prediction model loaded",
		zap.String("model_type", string(modelType)),
		zap.String("model_id", deployed.ID.String()),
		zap.Int("version", deployed.Version))
	return nil
}

// Predict scores a single point with the deployed model of the requested
// type.
func (s *Service) Predict(ctx context.Context, req Request) (*Prediction, error) {
	start := time.Now()

	s.mu.RLock()
	model, ok := s.loaded[req.ModelType]
	s.mu.RUnlock()
	if !ok {
		s.metrics.Predictions.WithLabelValues(string(req.ModelType), "no_model").Inc()
		return nil, ErrNoDeployedModel
	}

	// only request fields feed the model, so identical requests score
	// identically for a given model version
	features := map[string]float64{
		"latitude":  req.Latitude,
		"longitude": req.Longitude,
	}
	for name, value := range req.Features {
		features[name] = value
	}

	raw := model.artifact.Score(features)
	pred := &Prediction{
		ModelID:      model.id,
		ModelType:    req.ModelType,
		ModelVersion: model.version,
		Latitude:     req.Latitude,
		Longitude:    req.Longitude,
		Value:        raw,
		Confidence:   confidence(raw),
		PredictedAt:  time.Now().UTC(),
	}
	if label, ok := model.artifact.Label(raw); ok {
		pred.Label = label
	}

	if req.Persist {
		result := &models.PredictionResult{
			ID:         uuid.New(),
			ModelID:    model.id,
			Latitude:   req.Latitude,
			Longitude:  req.Longitude,
			AreaName:   req.AreaName,
			Prediction: models.MustJSON(map[string]interface{}{"value": pred.Value, "label": pred.Label}),
			Confidence: pred.Confidence,
		}
		if err := s.results.Create(ctx, result); err != nil {
			return nil, err
		}
		pred.PredictionID = result.ID
	}

	if err := s.modelStore.IncrementPredictionCount(ctx, model.id); err != nil {
		// counting failures never fail the prediction itself
		s.logger.Warn("failed to increment prediction count",
			zap.String("model_id", model.id.String()),
			zap.Error(err))
	}

	s.metrics.Predictions.WithLabelValues(string(req.ModelType), "ok").Inc()
	s.metrics.PredictionLatency.Observe(time.Since(start).Seconds())
	return pred, nil
}

// DeployedInfo reports the in-memory deployed model for a type.
func (s *Service) DeployedInfo(modelType models.ModelType) (uuid.UUID, int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	model, ok := s.loaded[modelType]
	if !ok {
		return uuid.Nil, 0, false
	}
	return model.id, model.version, true
}

// confidence maps a raw score to (0.5, 1): scores far from the linear
// decision surface are more certain.
func confidence(raw float64) float64 {
	return 0.5 + 0.5*math.Tanh(math.Abs(raw)/2)
}
