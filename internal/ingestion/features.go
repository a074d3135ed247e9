package ingestion

import (
	"fmt"
	"time"

	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/models"
)

// Feature schema versions per model type. Bumping a version means records
// extracted under different versions must not be mixed in one training set.
var featureVersions = map[models.ModelType]int{
	models.ModelTypeBiodiversityPredictor: 1,
	models.ModelTypeSpeciesClassifier:     1,
	models.ModelTypeHabitatSuitability:    1,
}

// ExtractionError reports a study that cannot yield features for a model
// type. It is not a validation failure; the study stays accepted.
type ExtractionError struct {
	ModelType models.ModelType
	Reason    string
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("cannot extract %s features: %s", e.ModelType, e.Reason)
}

// Extracted is the feature/target pair produced from one study.
type Extracted struct {
	Features       map[string]float64
	FeatureVersion int
	TargetVariable string
	TargetValue    interface{}
}

// Extract builds the feature vector and target for the given model type.
func Extract(study *models.Study, modelType models.ModelType) (*Extracted, error) {
	features := baseFeatures(study)
	version := featureVersions[modelType]

	switch modelType {
	case models.ModelTypeBiodiversityPredictor:
		species := study.Species()
		if len(species) == 0 {
			return nil, &ExtractionError{ModelType: modelType, Reason: "no observed species"}
		}
		totalAbundance := 0.0
		haveAbundance := false
		totalCount := 0
		for _, obs := range species {
			totalCount += obs.Count
			if obs.Abundance != nil {
				totalAbundance += *obs.Abundance
				haveAbundance = true
			}
		}
		features["species_richness"] = float64(len(species))
		if haveAbundance {
			return &Extracted{
				Features:       features,
				FeatureVersion: version,
				TargetVariable: "total_abundance",
				TargetValue:    totalAbundance,
			}, nil
		}
		if totalCount > 0 {
			return &Extracted{
				Features:       features,
				FeatureVersion: version,
				TargetVariable: "total_count",
				TargetValue:    float64(totalCount),
			}, nil
		}
		// generic fallback when neither counts nor abundance are usable
		return &Extracted{
			Features:       features,
			FeatureVersion: version,
			TargetVariable: "species_richness",
			TargetValue:    float64(len(species)),
		}, nil

	case models.ModelTypeSpeciesClassifier:
		species := study.Species()
		if len(species) == 0 {
			return nil, &ExtractionError{ModelType: modelType, Reason: "no observed species"}
		}
		dominant := species[0]
		for _, obs := range species[1:] {
			if obs.Count > dominant.Count {
				dominant = obs
			}
		}
		if dominant.Name == "" {
			return nil, &ExtractionError{ModelType: modelType, Reason: "dominant species has no name"}
		}
		features["observation_count"] = float64(dominant.Count)
		return &Extracted{
			Features:       features,
			FeatureVersion: version,
			TargetVariable: "species_name",
			TargetValue:    dominant.Name,
		}, nil

	case models.ModelTypeHabitatSuitability:
		quality, ok := habitatQuality(study)
		if !ok {
			return nil, &ExtractionError{ModelType: modelType, Reason: "no habitat quality signal"}
		}
		return &Extracted{
			Features:       features,
			FeatureVersion: version,
			TargetVariable: "habitat_suitability",
			TargetValue:    quality,
		}, nil
	}

	return nil, &ExtractionError{ModelType: modelType, Reason: "unsupported model type"}
}

// baseFeatures collects the spatial, temporal and environmental features
// shared by all model types.
func baseFeatures(study *models.Study) map[string]float64 {
	features := map[string]float64{
		"latitude":  study.Latitude,
		"longitude": study.Longitude,
		"month":     float64(study.StartDate.Month()),
		"season":    float64(southernSeason(study.StartDate.Month())),
	}
	if study.DepthMin != nil && study.DepthMax != nil {
		features["depth_avg"] = (*study.DepthMin + *study.DepthMax) / 2
	}
	for name, value := range study.EnvParams() {
		features["env_"+name] = value
	}
	return features
}

// southernSeason maps a month to a season index for the southern hemisphere:
// 0 summer (Dec..Feb), 1 autumn, 2 winter, 3 spring.
func southernSeason(m time.Month) int {
	switch m {
	case time.December, time.January, time.February:
		return 0
	case time.March, time.April, time.May:
		return 1
	case time.June, time.July, time.August:
		return 2
	default:
		return 3
	}
}

// habitatQuality derives a 0..1 habitat quality target. Explicit per-species
// habitat_quality values win; otherwise environmental parameters provide a
// rough proxy.
func habitatQuality(study *models.Study) (float64, bool) {
	sum, n := 0.0, 0
	for _, obs := range study.Species() {
		if obs.HabitatQuality != nil {
			sum += *obs.HabitatQuality
			n++
		}
	}
	if n > 0 {
		return sum / float64(n), true
	}
	env := study.EnvParams()
	if q, ok := env["habitat_quality"]; ok {
		return q, true
	}
	return 0, false
}
