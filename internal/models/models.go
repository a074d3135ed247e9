package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// StudyType represents the kind of biodiversity study submitted to the pipeline
type StudyType string

const (
	StudyTypeSpeciesSurvey       StudyType = "species_survey"
	StudyTypeHabitatAssessment   StudyType = "habitat_assessment"
	StudyTypeBiomassEstimation   StudyType = "biomass_estimation"
	StudyTypeMigrationTracking   StudyType = "migration_tracking"
	StudyTypeEcosystemHealth     StudyType = "ecosystem_health"
	StudyTypeWaterQuality        StudyType = "water_quality"
	StudyTypeFisheriesAssessment StudyType = "fisheries_assessment"
)

// KnownStudyTypes lists every accepted study type.
var KnownStudyTypes = []StudyType{
	StudyTypeSpeciesSurvey,
	StudyTypeHabitatAssessment,
	StudyTypeBiomassEstimation,
	StudyTypeMigrationTracking,
	StudyTypeEcosystemHealth,
	StudyTypeWaterQuality,
	StudyTypeFisheriesAssessment,
}

// DataSource represents where a study's data was collected
type DataSource string

const (
	DataSourceFieldCollection    DataSource = "field_collection"
	DataSourceSatelliteImagery   DataSource = "satellite_imagery"
	DataSourceSensorNetwork      DataSource = "sensor_network"
	DataSourceCitizenScience     DataSource = "citizen_science"
	DataSourceResearchVessel     DataSource = "research_vessel"
	DataSourceDroneSurvey        DataSource = "drone_survey"
	DataSourceAcousticMonitoring DataSource = "acoustic_monitoring"
)

// KnownDataSources lists every accepted data source.
var KnownDataSources = []DataSource{
	DataSourceFieldCollection,
	DataSourceSatelliteImagery,
	DataSourceSensorNetwork,
	DataSourceCitizenScience,
	DataSourceResearchVessel,
	DataSourceDroneSurvey,
	DataSourceAcousticMonitoring,
}

// ValidationStatus represents the validation state of a study
type ValidationStatus string

const (
	ValidationStatusPending  ValidationStatus = "pending"
	ValidationStatusAccepted ValidationStatus = "accepted"
	ValidationStatusRejected ValidationStatus = "rejected"
)

// ModelType represents a named prediction task
type ModelType string

const (
	ModelTypeBiodiversityPredictor ModelType = "biodiversity_predictor"
	ModelTypeSpeciesClassifier     ModelType = "species_classifier"
	ModelTypeHabitatSuitability    ModelType = "habitat_suitability"
)

// ModelStatus represents the lifecycle state of a trained model
type ModelStatus string

const (
	ModelStatusTraining   ModelStatus = "training"
	ModelStatusTrained    ModelStatus = "trained"
	ModelStatusDeployed   ModelStatus = "deployed"
	ModelStatusFailed     ModelStatus = "failed"
	ModelStatusDeprecated ModelStatus = "deprecated"
)

// TrainingStatus represents the status of an asynchronous training job
type TrainingStatus string

const (
	TrainingStatusPending   TrainingStatus = "pending"
	TrainingStatusRunning   TrainingStatus = "running"
	TrainingStatusCompleted TrainingStatus = "completed"
	TrainingStatusFailed    TrainingStatus = "failed"
)

// FilterType represents the kind of predictive map filter
type FilterType string

const (
	FilterTypeBiodiversityHotspots FilterType = "biodiversity_hotspots"
	FilterTypeSpeciesPresence      FilterType = "species_presence"
	FilterTypeHabitatSuitability   FilterType = "habitat_suitability"
	FilterTypeConservationPriority FilterType = "conservation_priority"
	FilterTypeFishingZones         FilterType = "fishing_zones"
	FilterTypeMonitoringPoints     FilterType = "monitoring_points"
	FilterTypeRiskAreas            FilterType = "risk_areas"
)

// KnownFilterTypes lists every accepted filter type.
var KnownFilterTypes = []FilterType{
	FilterTypeBiodiversityHotspots,
	FilterTypeSpeciesPresence,
	FilterTypeHabitatSuitability,
	FilterTypeConservationPriority,
	FilterTypeFishingZones,
	FilterTypeMonitoringPoints,
	FilterTypeRiskAreas,
}

// SpeciesObservation is one observed species entry inside a study.
type SpeciesObservation struct {
	Name           string   `json:"name"`
	ScientificName string   `json:"scientific_name,omitempty"`
	Count          int      `json:"count"`
	Abundance      *float64 `json:"abundance,omitempty"`
	HabitatQuality *float64 `json:"habitat_quality,omitempty"`
}

// Study represents a single submitted biodiversity/environmental observation record
type Study struct {
	ID          uuid.UUID `gorm:"type:uuid;primary_key" json:"study_id"`
	Name        string    `gorm:"not null" json:"study_name"`
	Description string    `json:"description,omitempty"`
	StudyType   StudyType `gorm:"not null;index" json:"study_type"`

	// Temporal coverage
	StartDate time.Time  `gorm:"not null" json:"start_date"`
	EndDate   *time.Time `json:"end_date,omitempty"`

	// Geographic data
	Latitude        float64  `gorm:"not null" json:"latitude"`
	Longitude       float64  `gorm:"not null" json:"longitude"`
	DepthMin        *float64 `json:"depth_min,omitempty"`
	DepthMax        *float64 `json:"depth_max,omitempty"`
	AreaCoverageKm2 *float64 `json:"area_coverage_km2,omitempty"`

	// Scientific data
	SamplingMethod          string `json:"sampling_method,omitempty"`
	SampleSize              int    `json:"sample_size"`
	ObservedSpecies         JSON   `gorm:"type:jsonb" json:"observed_species"`
	EnvironmentalParameters JSON   `gorm:"type:jsonb" json:"environmental_parameters"`
	WeatherConditions       JSON   `gorm:"type:jsonb" json:"weather_conditions,omitempty"`
	EquipmentUsed           JSON   `gorm:"type:jsonb" json:"equipment_used,omitempty"`

	// Provenance
	DataSource  DataSource `gorm:"not null;index" json:"data_source"`
	CollectorID string     `json:"collector_id,omitempty"`
	Institution string     `json:"institution,omitempty"`
	Notes       string     `json:"notes,omitempty"`

	// Validation outcome, written only by the Study Validator
	QualityScore     float64          `gorm:"not null;default:0" json:"quality_score"`
	ValidationStatus ValidationStatus `gorm:"not null;index;default:'pending'" json:"validation_status"`
	RejectionCode    string           `json:"rejection_code,omitempty"`

	// ML processing flag, written only by the Ingestion Rule Engine
	ProcessedForML bool `gorm:"not null;index;default:false" json:"processed_for_ml"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"deleted_at,omitempty"`
}

// Species decodes the ObservedSpecies column.
func (s *Study) Species() []SpeciesObservation {
	if s.ObservedSpecies == nil {
		return nil
	}
	var obs []SpeciesObservation
	if err := json.Unmarshal(s.ObservedSpecies, &obs); err != nil {
		return nil
	}
	return obs
}

// EnvParams decodes the EnvironmentalParameters column.
func (s *Study) EnvParams() map[string]float64 {
	params := map[string]float64{}
	if s.EnvironmentalParameters == nil {
		return params
	}
	if err := json.Unmarshal(s.EnvironmentalParameters, &params); err != nil {
		return map[string]float64{}
	}
	return params
}

// TrainingRecord represents one feature/target pair derived from a study
// for a specific model type. Records are write-once; only the validation
// flag may flip afterwards.
type TrainingRecord struct {
	ID            uuid.UUID `gorm:"type:uuid;primary_key" json:"training_id"`
	SourceStudyID uuid.UUID `gorm:"type:uuid;not null;index:idx_training_study_model,unique" json:"source_study_id"`
	ModelType     ModelType `gorm:"not null;index:idx_training_study_model,unique;index" json:"model_type"`

	Features       JSON    `gorm:"type:jsonb;not null" json:"features"`
	FeatureVersion int     `gorm:"not null;default:1" json:"feature_version"`
	TargetVariable string  `gorm:"not null" json:"target_variable"`
	TargetValue    JSON    `gorm:"type:jsonb;not null" json:"target_value"`
	DataQuality    float64 `gorm:"not null" json:"data_quality"`

	IsValidated          bool   `gorm:"not null;index;default:false" json:"is_validated"`
	ValidationMethod     string `json:"validation_method,omitempty"`
	PreprocessingApplied JSON   `gorm:"type:jsonb" json:"preprocessing_applied,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// Model represents a trained artifact for one model type. At most one model
// per type is deployed at any time; superseded models are demoted, never
// deleted.
type Model struct {
	ID        uuid.UUID   `gorm:"type:uuid;primary_key" json:"model_id"`
	Name      string      `gorm:"not null" json:"model_name"`
	ModelType ModelType   `gorm:"not null;index" json:"model_type"`
	Algorithm string      `gorm:"not null" json:"algorithm"`
	Version   int         `gorm:"not null;index" json:"version"`
	Status    ModelStatus `gorm:"not null;index" json:"status"`

	// Training provenance
	TrainingDataCount int        `gorm:"not null;default:0" json:"training_data_count"`
	Seed              int64      `gorm:"not null;default:0" json:"seed"`
	Hyperparameters   JSON       `gorm:"type:jsonb" json:"hyperparameters,omitempty"`
	FeaturesUsed      JSON       `gorm:"type:jsonb" json:"features_used,omitempty"`
	LastTrainingDate  *time.Time `json:"last_training_date,omitempty"`

	// Performance
	TrainingAccuracy   float64  `gorm:"not null;default:0" json:"training_accuracy"`
	ValidationAccuracy float64  `gorm:"not null;default:0" json:"validation_accuracy"`
	TestAccuracy       *float64 `json:"test_accuracy,omitempty"`

	// Artifact produced by the training backend (weight map and scaler state)
	Artifact JSON `gorm:"type:jsonb" json:"artifact,omitempty"`

	// Deployment
	IsDeployed      bool  `gorm:"not null;index;default:false" json:"is_deployed"`
	PredictionCount int64 `gorm:"not null;default:0" json:"prediction_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TrainingJob represents one asynchronous training run, pollable by ID.
type TrainingJob struct {
	ID        uuid.UUID      `gorm:"type:uuid;primary_key" json:"job_id"`
	ModelType ModelType      `gorm:"not null;index" json:"model_type"`
	Status    TrainingStatus `gorm:"not null;index" json:"status"`

	RequestedBy  string     `json:"requested_by,omitempty"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	ModelID      *uuid.UUID `gorm:"type:uuid" json:"model_id,omitempty"`
	RetryCount   int        `gorm:"not null;default:0" json:"retry_count"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// PredictionResult represents one point prediction, optionally materialized
// into a map filter.
type PredictionResult struct {
	ID      uuid.UUID `gorm:"type:uuid;primary_key" json:"prediction_id"`
	ModelID uuid.UUID `gorm:"type:uuid;not null;index" json:"model_id"`

	Latitude   float64 `gorm:"not null" json:"latitude"`
	Longitude  float64 `gorm:"not null" json:"longitude"`
	AreaName   string  `json:"area_name,omitempty"`
	Prediction JSON    `gorm:"type:jsonb;not null" json:"prediction"`
	Confidence float64 `gorm:"not null" json:"confidence"`

	// Posterior validation against later field observations
	ActualValue     JSON       `gorm:"type:jsonb" json:"actual_value,omitempty"`
	ValidationDate  *time.Time `json:"validation_date,omitempty"`
	PredictionError *float64   `json:"prediction_error,omitempty"`

	UsedForMapping bool       `gorm:"not null;index;default:false" json:"used_for_mapping"`
	MapLayerID     *string    `json:"map_layer_id,omitempty"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`

	CreatedAt time.Time `gorm:"index" json:"created_at"`
}

// PredictiveFilter represents a named, cached, map-ready prediction layer.
type PredictiveFilter struct {
	ID          string     `gorm:"primary_key;size:100" json:"filter_id"`
	Name        string     `gorm:"not null" json:"name"`
	Description string     `json:"description,omitempty"`
	FilterType  FilterType `gorm:"not null;index" json:"filter_type"`
	ModelType   ModelType  `gorm:"not null" json:"model_type"`

	ConfidenceThreshold float64       `gorm:"not null" json:"confidence_threshold"`
	MaxDataAge          time.Duration `gorm:"not null" json:"max_data_age"`

	// Area of interest as (min_lon, min_lat, max_lon, max_lat)
	BBox           JSON    `gorm:"type:jsonb" json:"bbox"`
	GridResolution float64 `gorm:"not null" json:"grid_resolution"`

	// Map styling forwarded to the renderer
	ColorScheme    string  `gorm:"default:'viridis'" json:"color_scheme"`
	Opacity        float64 `gorm:"default:0.7" json:"opacity"`
	ShowConfidence bool    `gorm:"default:true" json:"show_confidence"`

	IsActive      bool       `gorm:"not null;index;default:true" json:"is_active"`
	LastRefreshed *time.Time `json:"last_refreshed,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BoundingBox decodes the BBox column as (minLon, minLat, maxLon, maxLat).
func (f *PredictiveFilter) BoundingBox() [4]float64 {
	var bbox [4]float64
	if f.BBox == nil {
		return bbox
	}
	_ = json.Unmarshal(f.BBox, &bbox)
	return bbox
}

// JSON represents a JSON field for GORM
type JSON json.RawMessage

// Scan implements the Scanner interface for GORM
func (j *JSON) Scan(value interface{}) error {
	if value == nil {
		*j = nil
		return nil
	}
	switch v := value.(type) {
	case []byte:
		*j = JSON(v)
	case string:
		*j = JSON(v)
	}
	return nil
}

// Value implements the driver.Valuer interface for GORM
func (j JSON) Value() (interface{}, error) {
	if j == nil {
		return nil, nil
	}
	return string(j), nil
}

// MarshalJSON implements the json.Marshaler interface
func (j JSON) MarshalJSON() ([]byte, error) {
	if j == nil {
		return []byte("null"), nil
	}
	return j, nil
}

// UnmarshalJSON implements the json.Unmarshaler interface
func (j *JSON) UnmarshalJSON(data []byte) error {
	if j == nil {
		return nil
	}
	*j = JSON(data)
	return nil
}

// MustJSON marshals v into a JSON column value.
func MustJSON(v interface{}) JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return JSON("null")
	}
	return JSON(b)
}

// BeforeCreate hooks assign UUIDs when missing.

func (s *Study) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

func (tr *TrainingRecord) BeforeCreate(tx *gorm.DB) error {
	if tr.ID == uuid.Nil {
		tr.ID = uuid.New()
	}
	return nil
}

func (m *Model) BeforeCreate(tx *gorm.DB) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	return nil
}

func (tj *TrainingJob) BeforeCreate(tx *gorm.DB) error {
	if tj.ID == uuid.Nil {
		tj.ID = uuid.New()
	}
	return nil
}

func (pr *PredictionResult) BeforeCreate(tx *gorm.DB) error {
	if pr.ID == uuid.Nil {
		pr.ID = uuid.New()
	}
	return nil
}
