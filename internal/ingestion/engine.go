package ingestion

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/config"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/database"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/events"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/metrics"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/models"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/validator"
)

// StudyStore is the subset of study persistence the engine needs.
type StudyStore interface {
	Create(ctx context.Context, study *models.Study) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Study, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
}

// RecordStore is the subset of training record persistence the engine needs.
type RecordStore interface {
	Create(ctx context.Context, record *models.TrainingRecord) error
	ExistsForStudy(ctx context.Context, studyID uuid.UUID, modelType models.ModelType) (bool, error)
}

// Result reports the outcome of one ingestion attempt.
type Result struct {
	StudyID        uuid.UUID               `json:"study_id"`
	Status         models.ValidationStatus `json:"validation_status"`
	QualityScore   float64                 `json:"quality_score"`
	RejectionCode  string                  `json:"rejection_code,omitempty"`
	IngestedModels []models.ModelType      `json:"ingested_models"`
	Duplicate      bool                    `json:"duplicate,omitempty"`
}

// Engine runs the validate-then-route ingestion pipeline. A study passes the
// global quality gate once, then each configured rule decides whether it
// becomes a training record for that rule's model type.
type Engine struct {
	cfg       config.IngestionConfig
	validator *validator.Validator
	studies   StudyStore
	records   RecordStore
	publisher events.Publisher
	metrics   *metrics.Collector
	logger    *zap.Logger
}

// NewEngine creates the ingestion engine
func NewEngine(
	cfg config.IngestionConfig,
	v *validator.Validator,
	studies StudyStore,
	records RecordStore,
	publisher events.Publisher,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Engine {
	return &Engine{
		cfg:       cfg,
		validator: v,
		studies:   studies,
		records:   records,
		publisher: publisher,
		metrics:   collector,
		logger:    logger,
	}
}

// IngestStudy validates, persists and routes one study. Resubmitting a study
// with an ID the pipeline has already seen returns the stored outcome without
// re-running validation or creating records.
func (e *Engine) IngestStudy(ctx context.Context, study *models.Study) (*Result, error) {
	if study.ID != uuid.Nil {
		existing, err := e.studies.GetByID(ctx, study.ID)
		if err != nil && !errors.Is(err, database.ErrNotFound) {
			return nil, err
		}
		if existing != nil {
			return &Result{
				StudyID:       existing.ID,
				Status:        existing.ValidationStatus,
				QualityScore:  existing.QualityScore,
				RejectionCode: existing.RejectionCode,
				Duplicate:     true,
			}, nil
		}
	}

	score, rejection := e.validator.Validate(study)
	study.QualityScore = score
	if rejection != nil {
		study.ValidationStatus = models.ValidationStatusRejected
		study.RejectionCode = rejection.Code
	} else {
		study.ValidationStatus = models.ValidationStatusAccepted
	}

	if err := e.studies.Create(ctx, study); err != nil {
		return nil, err
	}
	e.metrics.StudiesIngested.WithLabelValues(string(study.ValidationStatus), study.RejectionCode).Inc()

	result := &Result{
		StudyID:       study.ID,
		Status:        study.ValidationStatus,
		QualityScore:  study.QualityScore,
		RejectionCode: study.RejectionCode,
	}

	if rejection != nil {
		e.publish(ctx, events.StudyValidated(study.ID, string(study.ValidationStatus), study.RejectionCode))
		return result, nil
	}

	if study.QualityScore >= e.cfg.QualityThreshold {
		ingested, err := e.routeToModels(ctx, study)
		if err != nil {
			return nil, err
		}
		result.IngestedModels = ingested
		if len(ingested) > 0 {
			if err := e.studies.MarkProcessed(ctx, study.ID); err != nil {
				return nil, err
			}
			study.ProcessedForML = true
		}
	} else {
		e.logger.Debug("study accepted but below ML quality gate",
			zap.String("study_id", study.ID.String()),
			zap.Float64("quality_score", study.QualityScore))
	}

	e.publish(ctx, events.StudyValidated(study.ID, string(study.ValidationStatus), ""))
	return result, nil
}

// routeToModels applies every matching rule. A rule that cannot extract
// features is skipped, not failed; extraction errors are per model type.
func (e *Engine) routeToModels(ctx context.Context, study *models.Study) ([]models.ModelType, error) {
	var ingested []models.ModelType
	for _, rule := range e.cfg.Rules {
		if !rule.AutoIngest || rule.StudyType != string(study.StudyType) {
			continue
		}
		if study.QualityScore < rule.MinQuality {
			continue
		}
		modelType := models.ModelType(rule.ModelType)

		exists, err := e.records.ExistsForStudy(ctx, study.ID, modelType)
		if err != nil {
			return ingested, err
		}
		if exists {
			ingested = append(ingested, modelType)
			continue
		}

		extracted, err := Extract(study, modelType)
		if err != nil {
			var extractionErr *ExtractionError
			if errors.As(err, &extractionErr) {
				e.logger.Debug("feature extraction skipped",
					zap.String("study_id", study.ID.String()),
					zap.String("model_type", string(modelType)),
					zap.String("reason", extractionErr.Reason))
				continue
			}
			return ingested, err
		}

		record := &models.TrainingRecord{
			SourceStudyID:    study.ID,
			ModelType:        modelType,
			Features:         models.MustJSON(extracted.Features),
			FeatureVersion:   extracted.FeatureVersion,
			TargetVariable:   extracted.TargetVariable,
			TargetValue:      models.MustJSON(extracted.TargetValue),
			DataQuality:      study.QualityScore,
			IsValidated:      true,
			ValidationMethod: "auto_quality_gate",
		}
		if err := e.records.Create(ctx, record); err != nil {
			return ingested, err
		}
		e.metrics.TrainingRecordsCreated.WithLabelValues(string(modelType)).Inc()
		ingested = append(ingested, modelType)
	}
	return ingested, nil
}

func (e *Engine) publish(ctx context.Context, event events.Event) {
	if e.publisher == nil {
		return
	}
	if err := e.publisher.Publish(ctx, event); err != nil {
		// event delivery is best effort; ingestion already committed
		e.logger.Warn("failed to publish pipeline event",
			zap.String("event_type", event.Type),
			zap.Error(err))
	}
}
