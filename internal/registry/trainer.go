package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/config"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/database"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/events"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/locks"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/metrics"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/models"
)

var (
	// ErrInsufficientData means too few validated records exist to train.
	ErrInsufficientData = errors.New("insufficient validated training data")
	// ErrTrainingInProgress means a job for the model type is already queued
	// or running; callers receive the existing job alongside it.
	ErrTrainingInProgress = errors.New("training already in progress")
	// ErrQueueFull means the training queue cannot accept more jobs.
	ErrQueueFull = errors.New("training queue is full")
)

// RecordStore is the training data access the trainer needs.
type RecordStore interface {
	GetValidatedByModelType(ctx context.Context, modelType models.ModelType, limit int) ([]models.TrainingRecord, error)
	CountValidatedSince(ctx context.Context, modelType models.ModelType, since time.Time) (int64, error)
}

// ModelStore is the model persistence the trainer needs.
type ModelStore interface {
	Create(ctx context.Context, model *models.Model) error
	Update(ctx context.Context, model *models.Model) error
	GetDeployed(ctx context.Context, modelType models.ModelType) (*models.Model, error)
	MaxVersion(ctx context.Context, modelType models.ModelType) (int, error)
	Deploy(ctx context.Context, modelID uuid.UUID, modelType models.ModelType) error
}

// JobStore is the job persistence the trainer needs.
type JobStore interface {
	Create(ctx context.Context, job *models.TrainingJob) error
	Update(ctx context.Context, job *models.TrainingJob) error
	GetActiveByModelType(ctx context.Context, modelType models.ModelType) (*models.TrainingJob, error)
}

// Trainer owns the model lifecycle: it queues training jobs, runs them on a
// worker pool with per-model-type mutual exclusion, versions the resulting
// models and promotes them when they hold up against the deployed one.
type Trainer struct {
	cfg       config.TrainingConfig
	records   RecordStore
	modelsDB  ModelStore
	jobs      JobStore
	backend   TrainingBackend
	locker    locks.Locker
	publisher events.Publisher
	metrics   *metrics.Collector
	logger    *zap.Logger

	// onDeploy is invoked after a successful promotion so the prediction
	// service can swap its in-memory model.
	onDeploy func(models.ModelType)

	queue   chan *models.TrainingJob
	stop    chan struct{}
	wg      sync.WaitGroup
	started bool
	mu      sync.Mutex
}

// NewTrainer creates the trainer
func NewTrainer(
	cfg config.TrainingConfig,
	records RecordStore,
	modelStore ModelStore,
	jobStore JobStore,
	backend TrainingBackend,
	locker locks.Locker,
	publisher events.Publisher,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Trainer {
	return &Trainer{
		cfg:       cfg,
		records:   records,
		modelsDB:  modelStore,
		jobs:      jobStore,
		backend:   backend,
		locker:    locker,
		publisher: publisher,
		metrics:   collector,
		logger:    logger,
		queue:     make(chan *models.TrainingJob, cfg.QueueSize),
		stop:      make(chan struct{}),
	}
}

// SetOnDeploy registers the promotion callback. Must be called before Start.
func (t *Trainer) SetOnDeploy(fn func(models.ModelType)) {
	t.onDeploy = fn
}

// Start launches the worker pool
func (t *Trainer) Start() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.started {
		return
	}
	t.started = true
	for i := 0; i < t.cfg.Workers; i++ {
		t.wg.Add(1)
		go t.worker(i)
	}
	t.logger.Info("training workers started", zap.Int("workers", t.cfg.Workers))
}

// Stop drains the workers; queued jobs stay pending in the database and can
// be resubmitted.
func (t *Trainer) Stop() {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return
	}
	t.started = false
	t.mu.Unlock()

	close(t.stop)
	t.wg.Wait()
	t.logger.Info("training workers stopped")
}

func (t *Trainer) worker(id int) {
	defer t.wg.Done()
	for {
		select {
		case <-t.stop:
			return
		case job := <-t.queue:
			t.runJob(job)
		}
	}
}

// RequestTraining queues a training job for the model type. When a job is
// already pending or running it returns that job together with
// ErrTrainingInProgress instead of queuing a second one.
func (t *Trainer) RequestTraining(ctx context.Context, modelType models.ModelType, requestedBy string) (*models.TrainingJob, error) {
	existing, err := t.jobs.GetActiveByModelType(ctx, modelType)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}
	if existing != nil {
		return existing, ErrTrainingInProgress
	}

	job := &models.TrainingJob{
		ID:          uuid.New(),
		ModelType:   modelType,
		Status:      models.TrainingStatusPending,
		RequestedBy: requestedBy,
	}
	if err := t.jobs.Create(ctx, job); err != nil {
		return nil, err
	}

	select {
	case t.queue <- job:
	default:
		job.Status = models.TrainingStatusFailed
		job.ErrorMessage = "training queue is full"
		_ = t.jobs.Update(ctx, job)
		return nil, ErrQueueFull
	}

	t.publish(ctx, events.TrainingScheduled(string(modelType), job.ID, requestedBy))
	return job, nil
}

// MaybeSchedule implements the retraining trigger: it queues a job when
// enough new validated records arrived since the deployed model was trained,
// or when the deployed model is older than the staleness limit. It never
// blocks and reports whether a job was scheduled.
func (t *Trainer) MaybeSchedule(ctx context.Context, modelType models.ModelType) (bool, *models.TrainingJob, error) {
	deployed, err := t.modelsDB.GetDeployed(ctx, modelType)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return false, nil, err
	}

	var since time.Time
	trigger := "initial_training"
	if deployed != nil {
		if deployed.LastTrainingDate != nil {
			since = *deployed.LastTrainingDate
		} else {
			since = deployed.CreatedAt
		}
		age := time.Since(since)
		newRecords, err := t.records.CountValidatedSince(ctx, modelType, since)
		if err != nil {
			return false, nil, err
		}
		switch {
		case newRecords >= int64(t.cfg.RetrainThreshold):
			trigger = "record_threshold"
		case age > t.cfg.MaxModelAge:
			trigger = "staleness"
		default:
			return false, nil, nil
		}
	} else {
		newRecords, err := t.records.CountValidatedSince(ctx, modelType, time.Time{})
		if err != nil {
			return false, nil, err
		}
		if newRecords < int64(t.cfg.MinTrainingSamples) {
			return false, nil, nil
		}
	}

	job, err := t.RequestTraining(ctx, modelType, trigger)
	if errors.Is(err, ErrTrainingInProgress) {
		return false, job, nil
	}
	if err != nil {
		return false, nil, err
	}
	return true, job, nil
}

// runJob executes one training run under the model type lock.
func (t *Trainer) runJob(job *models.TrainingJob) {
	ctx, cancel := context.WithTimeout(context.Background(), t.cfg.BackendTimeout+time.Minute)
	defer cancel()

	logger := t.logger.With(
		zap.String("job_id", job.ID.String()),
		zap.String("model_type", string(job.ModelType)))

	release, ok, err := t.locker.Acquire(ctx, "train:"+string(job.ModelType), t.cfg.LockTTL)
	if err != nil {
		t.failJob(ctx, job, fmt.Sprintf("lock acquisition failed: %v", err), logger)
		return
	}
	if !ok {
		t.failJob(ctx, job, "another instance is training this model type", logger)
		return
	}
	defer release()

	now := time.Now().UTC()
	job.Status = models.TrainingStatusRunning
	job.StartedAt = &now
	if err := t.jobs.Update(ctx, job); err != nil {
		logger.Error("failed to mark job running", zap.Error(err))
	}

	start := time.Now()
	model, err := t.train(ctx, job.ModelType)
	elapsed := time.Since(start)
	t.metrics.TrainingDuration.WithLabelValues(string(job.ModelType)).Observe(elapsed.Seconds())

	if err != nil {
		t.failJob(ctx, job, err.Error(), logger)
		return
	}

	done := time.Now().UTC()
	job.Status = models.TrainingStatusCompleted
	job.CompletedAt = &done
	job.ModelID = &model.ID
	if err := t.jobs.Update(ctx, job); err != nil {
		logger.Error("failed to mark job completed", zap.Error(err))
	}
	t.metrics.TrainingJobs.WithLabelValues(string(job.ModelType), string(models.TrainingStatusCompleted)).Inc()
	logger.Info("training job completed",
		zap.String("model_id", model.ID.String()),
		zap.Int("version", model.Version),
		zap.Float64("validation_accuracy", model.ValidationAccuracy),
		zap.Bool("deployed", model.IsDeployed),
		zap.Duration("elapsed", elapsed))
}

// train loads the data, fits a model and decides promotion.
func (t *Trainer) train(ctx context.Context, modelType models.ModelType) (*models.Model, error) {
	records, err := t.records.GetValidatedByModelType(ctx, modelType, 0)
	if err != nil {
		return nil, err
	}
	samples, featureVersion, err := prepareSamples(records)
	if err != nil {
		return nil, err
	}
	if len(samples) < t.cfg.MinTrainingSamples {
		return nil, fmt.Errorf("%w: have %d validated records, need %d",
			ErrInsufficientData, len(samples), t.cfg.MinTrainingSamples)
	}

	result, err := t.backend.Train(ctx, TrainRequest{
		ModelType: modelType,
		Samples:   samples,
		Seed:      t.cfg.Seed,
	})
	if err != nil {
		return nil, fmt.Errorf("training backend failed: %w", err)
	}

	version, err := t.modelsDB.MaxVersion(ctx, modelType)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	model := &models.Model{
		ID:                 uuid.New(),
		Name:               fmt.Sprintf("%s-v%d", modelType, version+1),
		ModelType:          modelType,
		Algorithm:          result.Algorithm,
		Version:            version + 1,
		Status:             models.ModelStatusTrained,
		TrainingDataCount:  len(samples),
		Seed:               t.cfg.Seed,
		Hyperparameters:    models.MustJSON(map[string]interface{}{"feature_version": featureVersion}),
		FeaturesUsed:       models.MustJSON(result.FeaturesUsed),
		LastTrainingDate:   &now,
		TrainingAccuracy:   result.TrainingAccuracy,
		ValidationAccuracy: result.ValidationAccuracy,
		Artifact:           models.JSON(result.Artifact),
	}
	if err := t.modelsDB.Create(ctx, model); err != nil {
		return nil, err
	}

	deployed, err := t.modelsDB.GetDeployed(ctx, modelType)
	if err != nil && !errors.Is(err, database.ErrNotFound) {
		return nil, err
	}

	promote := deployed == nil ||
		model.ValidationAccuracy >= deployed.ValidationAccuracy-t.cfg.PromotionTolerance
	if promote {
		if err := t.modelsDB.Deploy(ctx, model.ID, modelType); err != nil {
			return nil, fmt.Errorf("failed to deploy model: %w", err)
		}
		model.IsDeployed = true
		model.Status = models.ModelStatusDeployed
		t.metrics.ModelsDeployed.WithLabelValues(string(modelType)).Set(float64(model.Version))
		if t.onDeploy != nil {
			t.onDeploy(modelType)
		}
	} else {
		t.logger.Info("new model not promoted",
			zap.String("model_type", string(modelType)),
			zap.Float64("new_accuracy", model.ValidationAccuracy),
			zap.Float64("deployed_accuracy", deployed.ValidationAccuracy))
	}

	t.publish(ctx, events.ModelTrained(string(modelType), model.ID, model.Version, model.ValidationAccuracy, promote))
	return model, nil
}

// prepareSamples converts records into backend samples, keeping only the
// newest feature version so mixed schemas never train together.
func prepareSamples(records []models.TrainingRecord) ([]TrainSample, int, error) {
	maxVersion := 0
	for _, r := range records {
		if r.FeatureVersion > maxVersion {
			maxVersion = r.FeatureVersion
		}
	}

	var samples []TrainSample
	for _, r := range records {
		if r.FeatureVersion != maxVersion {
			continue
		}
		var features map[string]float64
		if err := json.Unmarshal(r.Features, &features); err != nil {
			return nil, 0, fmt.Errorf("record %s has malformed features: %w", r.ID, err)
		}
		samples = append(samples, TrainSample{
			Features: features,
			Target:   json.RawMessage(r.TargetValue),
		})
	}
	return samples, maxVersion, nil
}

func (t *Trainer) failJob(ctx context.Context, job *models.TrainingJob, msg string, logger *zap.Logger) {
	now := time.Now().UTC()
	job.Status = models.TrainingStatusFailed
	job.ErrorMessage = msg
	job.CompletedAt = &now
	if err := t.jobs.Update(ctx, job); err != nil {
		logger.Error("failed to mark job failed", zap.Error(err))
	}
	t.metrics.TrainingJobs.WithLabelValues(string(job.ModelType), string(models.TrainingStatusFailed)).Inc()
	logger.Warn("training job failed", zap.String("reason", msg))
}

func (t *Trainer) publish(ctx context.Context, event events.Event) {
	if t.publisher == nil {
		return
	}
	if err := t.publisher.Publish(ctx, event); err != nil {
		t.logger.Warn("failed to publish pipeline event",
			zap.String("event_type", event.Type),
			zap.Error(err))
	}
}
