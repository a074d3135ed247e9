package filters

import (
	"fmt"
	"time"

	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/models"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/prediction"
)

// Feature is one GeoJSON feature with map popup properties.
type Feature struct {
	Type       string                 `json:"type"`
	Geometry   Geometry               `json:"geometry"`
	Properties map[string]interface{} `json:"properties"`
}

// Geometry is a GeoJSON point geometry.
type Geometry struct {
	Type        string     `json:"type"`
	Coordinates [2]float64 `json:"coordinates"`
}

// FeatureCollection is the GeoJSON payload consumed by the map frontend.
type FeatureCollection struct {
	Type     string    `json:"type"`
	Features []Feature `json:"features"`
}

// Confidence buckets drive marker styling on the map.
const (
	confidenceHigh   = 0.8
	confidenceMedium = 0.6
)

func markerColor(confidence float64) string {
	switch {
	case confidence >= confidenceHigh:
		return "#1a9850"
	case confidence >= confidenceMedium:
		return "#fdae61"
	default:
		return "#d73027"
	}
}

func markerSize(confidence float64) int {
	switch {
	case confidence >= confidenceHigh:
		return 8
	case confidence >= confidenceMedium:
		return 6
	default:
		return 4
	}
}

// buildFeatureCollection converts predictions into map features carrying the
// filter's styling.
func buildFeatureCollection(filter *models.PredictiveFilter, preds []prediction.Prediction) FeatureCollection {
	features := make([]Feature, 0, len(preds))
	for _, p := range preds {
		props := map[string]interface{}{
			"filter_type":   string(filter.FilterType),
			"value":         p.Value,
			"confidence":    p.Confidence,
			"model_version": p.ModelVersion,
			"predicted_at":  p.PredictedAt.Format(time.RFC3339),
			"marker_color":  markerColor(p.Confidence),
			"marker_size":   markerSize(p.Confidence),
			"opacity":       filter.Opacity,
			"color_scheme":  filter.ColorScheme,
		}
		if p.Label != "" {
			props["label"] = p.Label
		}
		if filter.ShowConfidence {
			props["popup"] = fmt.Sprintf("%s: %.2f (confidence %.0f%%)",
				filter.Name, p.Value, p.Confidence*100)
		} else {
			props["popup"] = fmt.Sprintf("%s: %.2f", filter.Name, p.Value)
		}
		features = append(features, Feature{
			Type: "Feature",
			Geometry: Geometry{
				Type:        "Point",
				Coordinates: [2]float64{p.Longitude, p.Latitude},
			},
			Properties: props,
		})
	}
	return FeatureCollection{Type: "FeatureCollection", Features: features}
}

// gridPoints walks the bounding box at the given resolution and caps the
// point count by widening the step, so oversized areas degrade resolution
// instead of exploding.
func gridPoints(bbox [4]float64, resolution float64, maxPoints int) [][2]float64 {
	minLon, minLat, maxLon, maxLat := bbox[0], bbox[1], bbox[2], bbox[3]
	if resolution <= 0 || minLon >= maxLon || minLat >= maxLat {
		return nil
	}

	step := resolution
	for {
		cols := int((maxLon-minLon)/step) + 1
		rows := int((maxLat-minLat)/step) + 1
		if cols*rows <= maxPoints {
			break
		}
		step *= 2
	}

	var points [][2]float64
	for lat := minLat; lat <= maxLat; lat += step {
		for lon := minLon; lon <= maxLon; lon += step {
			points = append(points, [2]float64{lon, lat})
			if len(points) >= maxPoints {
				return points
			}
		}
	}
	return points
}
