package ingestion

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/models"
)

func surveyStudy() *models.Study {
	abundance := 3.5
	return &models.Study{
		Name:      "Namibe reef count",
		StudyType: models.StudyTypeSpeciesSurvey,
		StartDate: time.Date(2025, 1, 15, 0, 0, 0, 0, time.UTC),
		Latitude:  -15.2,
		Longitude: 12.1,
		ObservedSpecies: models.MustJSON([]models.SpeciesObservation{
			{Name: "Sardinella aurita", Count: 120, Abundance: &abundance},
			{Name: "Trachurus capensis", Count: 30},
		}),
		EnvironmentalParameters: models.MustJSON(map[string]float64{
			"sst":      21.7,
			"salinity": 35.2,
		}),
	}
}

func TestExtractBiodiversityPredictor(t *testing.T) {
	extracted, err := Extract(surveyStudy(), models.ModelTypeBiodiversityPredictor)
	require.NoError(t, err)

	assert.Equal(t, "total_abundance", extracted.TargetVariable)
	assert.Equal(t, 3.5, extracted.TargetValue)
	assert.Equal(t, 1, extracted.FeatureVersion)
	assert.Equal(t, -15.2, extracted.Features["latitude"])
	assert.Equal(t, 12.1, extracted.Features["longitude"])
	assert.Equal(t, 2.0, extracted.Features["species_richness"])
	assert.Equal(t, 21.7, extracted.Features["env_sst"])
	assert.Equal(t, 35.2, extracted.Features["env_salinity"])
}

func TestExtractBiodiversityPredictorCountFallback(t *testing.T) {
	study := surveyStudy()
	study.ObservedSpecies = models.MustJSON([]models.SpeciesObservation{
		{Name: "Sardinella aurita", Count: 50},
	})

	extracted, err := Extract(study, models.ModelTypeBiodiversityPredictor)
	require.NoError(t, err)
	assert.Equal(t, "total_count", extracted.TargetVariable)
	assert.Equal(t, 50.0, extracted.TargetValue)
}

func TestExtractBiodiversityPredictorRichnessFallback(t *testing.T) {
	study := surveyStudy()
	study.ObservedSpecies = models.MustJSON([]models.SpeciesObservation{
		{Name: "Sardinella aurita"},
		{Name: "Trachurus capensis"},
	})

	extracted, err := Extract(study, models.ModelTypeBiodiversityPredictor)
	require.NoError(t, err)
	assert.Equal(t, "species_richness", extracted.TargetVariable)
	assert.Equal(t, 2.0, extracted.TargetValue)
}

func TestExtractSpeciesClassifierPicksDominant(t *testing.T) {
	extracted, err := Extract(surveyStudy(), models.ModelTypeSpeciesClassifier)
	require.NoError(t, err)

	assert.Equal(t, "species_name", extracted.TargetVariable)
	assert.Equal(t, "Sardinella aurita", extracted.TargetValue)
	assert.Equal(t, 120.0, extracted.Features["observation_count"])
}

func TestExtractHabitatSuitability(t *testing.T) {
	q1, q2 := 0.8, 0.6
	study := surveyStudy()
	study.ObservedSpecies = models.MustJSON([]models.SpeciesObservation{
		{Name: "a", Count: 1, HabitatQuality: &q1},
		{Name: "b", Count: 1, HabitatQuality: &q2},
	})

	extracted, err := Extract(study, models.ModelTypeHabitatSuitability)
	require.NoError(t, err)
	assert.Equal(t, "habitat_suitability", extracted.TargetVariable)
	assert.InDelta(t, 0.7, extracted.TargetValue.(float64), 1e-9)
}

func TestExtractHabitatSuitabilityEnvFallback(t *testing.T) {
	study := surveyStudy()
	study.ObservedSpecies = nil
	study.EnvironmentalParameters = models.MustJSON(map[string]float64{"habitat_quality": 0.55})

	extracted, err := Extract(study, models.ModelTypeHabitatSuitability)
	require.NoError(t, err)
	assert.InDelta(t, 0.55, extracted.TargetValue.(float64), 1e-9)
}

func TestExtractErrors(t *testing.T) {
	t.Run("no species for predictor", func(t *testing.T) {
		study := surveyStudy()
		study.ObservedSpecies = nil
		_, err := Extract(study, models.ModelTypeBiodiversityPredictor)
		var extractionErr *ExtractionError
		require.ErrorAs(t, err, &extractionErr)
		assert.Equal(t, models.ModelTypeBiodiversityPredictor, extractionErr.ModelType)
	})

	t.Run("no habitat signal", func(t *testing.T) {
		study := surveyStudy()
		_, err := Extract(study, models.ModelTypeHabitatSuitability)
		var extractionErr *ExtractionError
		require.ErrorAs(t, err, &extractionErr)
	})
}

func TestSouthernSeason(t *testing.T) {
	assert.Equal(t, 0, southernSeason(time.January))
	assert.Equal(t, 0, southernSeason(time.December))
	assert.Equal(t, 1, southernSeason(time.April))
	assert.Equal(t, 2, southernSeason(time.July))
	assert.Equal(t, 3, southernSeason(time.October))
}

func TestDepthFeatureRequiresBothBounds(t *testing.T) {
	study := surveyStudy()
	min := 10.0
	study.DepthMin = &min

	extracted, err := Extract(study, models.ModelTypeBiodiversityPredictor)
	require.NoError(t, err)
	_, ok := extracted.Features["depth_avg"]
	assert.False(t, ok)

	max := 50.0
	study.DepthMax = &max
	extracted, err = Extract(study, models.ModelTypeBiodiversityPredictor)
	require.NoError(t, err)
	assert.Equal(t, 30.0, extracted.Features["depth_avg"])
}
