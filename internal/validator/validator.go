package validator

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/models"
)

// Rejection codes, stable strings reported to callers and counted in metrics.
const (
	CodeGeoRange          = "geo_range"
	CodeUnknownStudyType  = "unknown_study_type"
	CodeUnknownDataSource = "unknown_data_source"
	CodeNegativeCount     = "negative_count"
	CodeMissingSpecies    = "missing_species"
	CodeMissingField      = "missing_field"
)

// QualityPolicyVersion identifies the scoring formula below. Bump when the
// weights or the completeness field set change, so stored scores stay
// comparable within a policy generation.
const QualityPolicyVersion = 2

// sampleSaturation is the sample size that earns full marks. A survey with
// a few dozen individuals is already usable training signal.
const sampleSaturation = 25.0

// RejectionReason explains why a study failed validation.
type RejectionReason struct {
	Code   string
	Detail string
}

func (r *RejectionReason) Error() string {
	return fmt.Sprintf("study rejected (%s): %s", r.Code, r.Detail)
}

// sourceReliability scores each data source by historical trustworthiness.
var sourceReliability = map[models.DataSource]float64{
	models.DataSourceResearchVessel:     0.95,
	models.DataSourceSensorNetwork:      0.90,
	models.DataSourceSatelliteImagery:   0.85,
	models.DataSourceFieldCollection:    0.80,
	models.DataSourceAcousticMonitoring: 0.80,
	models.DataSourceDroneSurvey:        0.75,
	models.DataSourceCitizenScience:     0.50,
}

// Validator checks submitted studies and assigns quality scores
type Validator struct {
	logger *zap.Logger
}

// NewValidator creates a study validator
func NewValidator(logger *zap.Logger) *Validator {
	return &Validator{logger: logger}
}

// Validate performs structural checks and scores the study. On rejection it
// returns the reason and a zero score; the study record still gets persisted
// with the rejection code so resubmissions are observable.
func (v *Validator) Validate(study *models.Study) (float64, *RejectionReason) {
	if reason := v.checkStructure(study); reason != nil {
		v.logger.Info("study rejected",
			zap.String("study_name", study.Name),
			zap.String("code", reason.Code),
			zap.String("detail", reason.Detail))
		return 0, reason
	}
	score := v.qualityScore(study)
	return score, nil
}

func (v *Validator) checkStructure(study *models.Study) *RejectionReason {
	if study.Name == "" {
		return &RejectionReason{Code: CodeMissingField, Detail: "study_name is required"}
	}
	if study.StartDate.IsZero() {
		return &RejectionReason{Code: CodeMissingField, Detail: "start_date is required"}
	}
	if !knownStudyType(study.StudyType) {
		return &RejectionReason{Code: CodeUnknownStudyType,
			Detail: fmt.Sprintf("study_type %q is not recognized", study.StudyType)}
	}
	if !knownDataSource(study.DataSource) {
		return &RejectionReason{Code: CodeUnknownDataSource,
			Detail: fmt.Sprintf("data_source %q is not recognized", study.DataSource)}
	}
	if study.Latitude < -90 || study.Latitude > 90 ||
		study.Longitude < -180 || study.Longitude > 180 {
		return &RejectionReason{Code: CodeGeoRange,
			Detail: fmt.Sprintf("coordinates (%.4f, %.4f) outside valid range", study.Latitude, study.Longitude)}
	}

	species := study.Species()
	if study.StudyType == models.StudyTypeSpeciesSurvey && len(species) == 0 {
		return &RejectionReason{Code: CodeMissingSpecies,
			Detail: "species_survey requires at least one observed species"}
	}
	for _, obs := range species {
		if obs.Name == "" {
			return &RejectionReason{Code: CodeMissingSpecies,
				Detail: "observed species entry without a name"}
		}
		if obs.Count < 0 {
			return &RejectionReason{Code: CodeNegativeCount,
				Detail: fmt.Sprintf("species %q has negative count %d", obs.Name, obs.Count)}
		}
		if obs.Abundance != nil && *obs.Abundance < 0 {
			return &RejectionReason{Code: CodeNegativeCount,
				Detail: fmt.Sprintf("species %q has negative abundance", obs.Name)}
		}
	}
	return nil
}

// qualityScore combines source reliability, sample size and completeness.
// Weights are fixed for QualityPolicyVersion 2; reliability carries the
// most weight.
func (v *Validator) qualityScore(study *models.Study) float64 {
	completeness := v.completeness(study)

	sampleSize := study.SampleSize
	if sampleSize == 0 {
		for _, obs := range study.Species() {
			sampleSize += obs.Count
		}
	}
	sizeScore := float64(sampleSize) / sampleSaturation
	if sizeScore > 1 {
		sizeScore = 1
	}

	reliability, ok := sourceReliability[study.DataSource]
	if !ok {
		reliability = 0.5
	}

	return 0.5*reliability + 0.3*sizeScore + 0.2*completeness
}

func (v *Validator) completeness(study *models.Study) float64 {
	present := 0
	fields := []bool{
		study.Description != "",
		study.EndDate != nil,
		study.DepthMin != nil && study.DepthMax != nil,
		study.AreaCoverageKm2 != nil,
		study.SamplingMethod != "",
		len(study.EnvParams()) > 0,
		len(study.Species()) > 0,
		study.Institution != "",
		len(study.EquipmentUsed) > 0,
		len(study.WeatherConditions) > 0,
	}
	for _, ok := range fields {
		if ok {
			present++
		}
	}
	return float64(present) / float64(len(fields))
}

func knownStudyType(t models.StudyType) bool {
	for _, k := range models.KnownStudyTypes {
		if k == t {
			return true
		}
	}
	return false
}

func knownDataSource(s models.DataSource) bool {
	for _, k := range models.KnownDataSources {
		if k == s {
			return true
		}
	}
	return false
}
