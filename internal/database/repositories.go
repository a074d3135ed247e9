package database

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/models"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("record not found")

// Repositories aggregates all repositories
type Repositories struct {
	Studies         *StudyRepository
	TrainingRecords *TrainingRecordRepository
	Models          *ModelRepository
	TrainingJobs    *TrainingJobRepository
	Predictions     *PredictionRepository
	Filters         *FilterRepository
}

// NewRepositories creates all repositories
func NewRepositories(db *Database) *Repositories {
	return &Repositories{
		Studies:         NewStudyRepository(db),
		TrainingRecords: NewTrainingRecordRepository(db),
		Models:          NewModelRepository(db),
		TrainingJobs:    NewTrainingJobRepository(db),
		Predictions:     NewPredictionRepository(db),
		Filters:         NewFilterRepository(db),
	}
}

// StudyRepository handles study persistence
type StudyRepository struct {
	db *Database
}

func NewStudyRepository(db *Database) *StudyRepository {
	return &StudyRepository{db: db}
}

func (r *StudyRepository) Create(ctx context.Context, study *models.Study) error {
	return r.db.DB.WithContext(ctx).Create(study).Error
}

func (r *StudyRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Study, error) {
	var study models.Study
	err := r.db.DB.WithContext(ctx).First(&study, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &study, nil
}

func (r *StudyRepository) Update(ctx context.Context, study *models.Study) error {
	return r.db.DB.WithContext(ctx).Save(study).Error
}

// MarkProcessed flips the processed_for_ml flag exactly once.
func (r *StudyRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	return r.db.DB.WithContext(ctx).Model(&models.Study{}).
		Where("id = ? AND processed_for_ml = false", id).
		Update("processed_for_ml", true).Error
}

// StudyStats summarizes ingestion outcomes.
type StudyStats struct {
	Total          int64            `json:"total_studies"`
	Accepted       int64            `json:"accepted"`
	Rejected       int64            `json:"rejected"`
	Pending        int64            `json:"pending"`
	ProcessedForML int64            `json:"processed_for_ml"`
	AvgQuality     float64          `json:"avg_quality_score"`
	ByType         map[string]int64 `json:"by_study_type"`
}

func (r *StudyRepository) Stats(ctx context.Context) (*StudyStats, error) {
	stats := &StudyStats{ByType: map[string]int64{}}
	db := r.db.DB.WithContext(ctx).Model(&models.Study{})

	if err := db.Count(&stats.Total).Error; err != nil {
		return nil, err
	}
	type statusCount struct {
		ValidationStatus string
		N                int64
	}
	var byStatus []statusCount
	if err := r.db.DB.WithContext(ctx).Model(&models.Study{}).
		Select("validation_status, count(*) as n").
		Group("validation_status").Scan(&byStatus).Error; err != nil {
		return nil, err
	}
	for _, sc := range byStatus {
		switch models.ValidationStatus(sc.ValidationStatus) {
		case models.ValidationStatusAccepted:
			stats.Accepted = sc.N
		case models.ValidationStatusRejected:
			stats.Rejected = sc.N
		case models.ValidationStatusPending:
			stats.Pending = sc.N
		}
	}
	if err := r.db.DB.WithContext(ctx).Model(&models.Study{}).
		Where("processed_for_ml = true").Count(&stats.ProcessedForML).Error; err != nil {
		return nil, err
	}
	var avg *float64
	if err := r.db.DB.WithContext(ctx).Model(&models.Study{}).
		Where("validation_status = ?", models.ValidationStatusAccepted).
		Select("avg(quality_score)").Scan(&avg).Error; err != nil {
		return nil, err
	}
	if avg != nil {
		stats.AvgQuality = *avg
	}
	type typeCount struct {
		StudyType string
		N         int64
	}
	var byType []typeCount
	if err := r.db.DB.WithContext(ctx).Model(&models.Study{}).
		Select("study_type, count(*) as n").
		Group("study_type").Scan(&byType).Error; err != nil {
		return nil, err
	}
	for _, tc := range byType {
		stats.ByType[tc.StudyType] = tc.N
	}
	return stats, nil
}

// TrainingRecordRepository handles training record persistence
type TrainingRecordRepository struct {
	db *Database
}

func NewTrainingRecordRepository(db *Database) *TrainingRecordRepository {
	return &TrainingRecordRepository{db: db}
}

func (r *TrainingRecordRepository) Create(ctx context.Context, record *models.TrainingRecord) error {
	return r.db.DB.WithContext(ctx).Create(record).Error
}

// ExistsForStudy reports whether a record for this (study, model type) pair
// already exists. Backed by a unique index, so concurrent ingestion of the
// same study cannot produce duplicates either way.
func (r *TrainingRecordRepository) ExistsForStudy(ctx context.Context, studyID uuid.UUID, modelType models.ModelType) (bool, error) {
	var count int64
	err := r.db.DB.WithContext(ctx).Model(&models.TrainingRecord{}).
		Where("source_study_id = ? AND model_type = ?", studyID, modelType).
		Count(&count).Error
	return count > 0, err
}

func (r *TrainingRecordRepository) GetValidatedByModelType(ctx context.Context, modelType models.ModelType, limit int) ([]models.TrainingRecord, error) {
	var records []models.TrainingRecord
	q := r.db.DB.WithContext(ctx).
		Where("model_type = ? AND is_validated = true", modelType).
		Order("created_at ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&records).Error
	return records, err
}

func (r *TrainingRecordRepository) CountValidated(ctx context.Context, modelType models.ModelType) (int64, error) {
	var count int64
	err := r.db.DB.WithContext(ctx).Model(&models.TrainingRecord{}).
		Where("model_type = ? AND is_validated = true", modelType).
		Count(&count).Error
	return count, err
}

// CountValidatedSince counts validated records created after the given time,
// used by the retraining trigger.
func (r *TrainingRecordRepository) CountValidatedSince(ctx context.Context, modelType models.ModelType, since time.Time) (int64, error) {
	var count int64
	err := r.db.DB.WithContext(ctx).Model(&models.TrainingRecord{}).
		Where("model_type = ? AND is_validated = true AND created_at > ?", modelType, since).
		Count(&count).Error
	return count, err
}

// ModelRepository handles model persistence
type ModelRepository struct {
	db *Database
}

func NewModelRepository(db *Database) *ModelRepository {
	return &ModelRepository{db: db}
}

func (r *ModelRepository) Create(ctx context.Context, model *models.Model) error {
	return r.db.DB.WithContext(ctx).Create(model).Error
}

func (r *ModelRepository) Update(ctx context.Context, model *models.Model) error {
	return r.db.DB.WithContext(ctx).Save(model).Error
}

func (r *ModelRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Model, error) {
	var model models.Model
	err := r.db.DB.WithContext(ctx).First(&model, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &model, nil
}

func (r *ModelRepository) GetDeployed(ctx context.Context, modelType models.ModelType) (*models.Model, error) {
	var model models.Model
	err := r.db.DB.WithContext(ctx).
		Where("model_type = ? AND is_deployed = true", modelType).
		First(&model).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &model, nil
}

// MaxVersion returns the highest version recorded for a model type, 0 when
// no model exists yet.
func (r *ModelRepository) MaxVersion(ctx context.Context, modelType models.ModelType) (int, error) {
	var version *int
	err := r.db.DB.WithContext(ctx).Model(&models.Model{}).
		Where("model_type = ?", modelType).
		Select("max(version)").Scan(&version).Error
	if err != nil {
		return 0, err
	}
	if version == nil {
		return 0, nil
	}
	return *version, nil
}

// Deploy promotes the given model and demotes the previously deployed model
// of the same type in one transaction, so readers never observe two deployed
// models or none mid-swap.
func (r *ModelRepository) Deploy(ctx context.Context, modelID uuid.UUID, modelType models.ModelType) error {
	return r.db.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&models.Model{}).
			Where("model_type = ? AND is_deployed = true AND id <> ?", modelType, modelID).
			Updates(map[string]interface{}{
				"is_deployed": false,
				"status":      models.ModelStatusDeprecated,
			}).Error; err != nil {
			return err
		}
		return tx.Model(&models.Model{}).
			Where("id = ?", modelID).
			Updates(map[string]interface{}{
				"is_deployed": true,
				"status":      models.ModelStatusDeployed,
			}).Error
	})
}

func (r *ModelRepository) List(ctx context.Context) ([]models.Model, error) {
	var list []models.Model
	err := r.db.DB.WithContext(ctx).
		Order("model_type ASC, version DESC").
		Find(&list).Error
	return list, err
}

// IncrementPredictionCount bumps the usage counter without read-modify-write.
func (r *ModelRepository) IncrementPredictionCount(ctx context.Context, modelID uuid.UUID) error {
	return r.db.DB.WithContext(ctx).Model(&models.Model{}).
		Where("id = ?", modelID).
		UpdateColumn("prediction_count", gorm.Expr("prediction_count + 1")).Error
}

// TrainingJobRepository handles training job persistence
type TrainingJobRepository struct {
	db *Database
}

func NewTrainingJobRepository(db *Database) *TrainingJobRepository {
	return &TrainingJobRepository{db: db}
}

func (r *TrainingJobRepository) Create(ctx context.Context, job *models.TrainingJob) error {
	return r.db.DB.WithContext(ctx).Create(job).Error
}

func (r *TrainingJobRepository) Update(ctx context.Context, job *models.TrainingJob) error {
	return r.db.DB.WithContext(ctx).Save(job).Error
}

func (r *TrainingJobRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.TrainingJob, error) {
	var job models.TrainingJob
	err := r.db.DB.WithContext(ctx).First(&job, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// GetActiveByModelType returns the pending or running job for a model type,
// ErrNotFound when no job is in flight.
func (r *TrainingJobRepository) GetActiveByModelType(ctx context.Context, modelType models.ModelType) (*models.TrainingJob, error) {
	var job models.TrainingJob
	err := r.db.DB.WithContext(ctx).
		Where("model_type = ? AND status IN ?", modelType,
			[]models.TrainingStatus{models.TrainingStatusPending, models.TrainingStatusRunning}).
		Order("created_at DESC").
		First(&job).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// PredictionRepository handles prediction result persistence
type PredictionRepository struct {
	db *Database
}

func NewPredictionRepository(db *Database) *PredictionRepository {
	return &PredictionRepository{db: db}
}

func (r *PredictionRepository) Create(ctx context.Context, result *models.PredictionResult) error {
	return r.db.DB.WithContext(ctx).Create(result).Error
}

func (r *PredictionRepository) CreateBatch(ctx context.Context, results []models.PredictionResult) error {
	if len(results) == 0 {
		return nil
	}
	return r.db.DB.WithContext(ctx).CreateInBatches(results, 200).Error
}

func (r *PredictionRepository) CountSince(ctx context.Context, since time.Time) (int64, error) {
	var count int64
	err := r.db.DB.WithContext(ctx).Model(&models.PredictionResult{}).
		Where("created_at > ?", since).Count(&count).Error
	return count, err
}

// FilterRepository handles predictive filter persistence
type FilterRepository struct {
	db *Database
}

func NewFilterRepository(db *Database) *FilterRepository {
	return &FilterRepository{db: db}
}

func (r *FilterRepository) Create(ctx context.Context, filter *models.PredictiveFilter) error {
	return r.db.DB.WithContext(ctx).Create(filter).Error
}

func (r *FilterRepository) Update(ctx context.Context, filter *models.PredictiveFilter) error {
	return r.db.DB.WithContext(ctx).Save(filter).Error
}

func (r *FilterRepository) GetByID(ctx context.Context, id string) (*models.PredictiveFilter, error) {
	var filter models.PredictiveFilter
	err := r.db.DB.WithContext(ctx).First(&filter, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &filter, nil
}

func (r *FilterRepository) List(ctx context.Context) ([]models.PredictiveFilter, error) {
	var filters []models.PredictiveFilter
	err := r.db.DB.WithContext(ctx).
		Where("is_active = true").
		Order("created_at ASC").
		Find(&filters).Error
	return filters, err
}

// Touch records a successful refresh time.
func (r *FilterRepository) Touch(ctx context.Context, id string, at time.Time) error {
	return r.db.DB.WithContext(ctx).Model(&models.PredictiveFilter{}).
		Where("id = ?", id).
		Update("last_refreshed", at).Error
}
