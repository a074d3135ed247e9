package filters

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/cache"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/config"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/events"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/metrics"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/models"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/prediction"
)

// ErrUnknownFilterType is returned for filter types outside the known set.
var ErrUnknownFilterType = errors.New("unknown filter type")

// filterModelTypes maps each filter type to the model that feeds it.
var filterModelTypes = map[models.FilterType]models.ModelType{
	models.FilterTypeBiodiversityHotspots: models.ModelTypeBiodiversityPredictor,
	models.FilterTypeSpeciesPresence:      models.ModelTypeSpeciesClassifier,
	models.FilterTypeHabitatSuitability:   models.ModelTypeHabitatSuitability,
	models.FilterTypeConservationPriority: models.ModelTypeBiodiversityPredictor,
	models.FilterTypeFishingZones:         models.ModelTypeBiodiversityPredictor,
	models.FilterTypeMonitoringPoints:     models.ModelTypeBiodiversityPredictor,
	models.FilterTypeRiskAreas:            models.ModelTypeHabitatSuitability,
}

// FilterStore is the filter persistence the manager needs.
type FilterStore interface {
	Create(ctx context.Context, filter *models.PredictiveFilter) error
	GetByID(ctx context.Context, id string) (*models.PredictiveFilter, error)
	List(ctx context.Context) ([]models.PredictiveFilter, error)
	Touch(ctx context.Context, id string, at time.Time) error
}

// Predictor scores single points; satisfied by the prediction service.
type Predictor interface {
	Predict(ctx context.Context, req prediction.Request) (*prediction.Prediction, error)
}

// ResultBatchStore persists the grid predictions behind a filter layer.
type ResultBatchStore interface {
	CreateBatch(ctx context.Context, results []models.PredictionResult) error
}

// Data is the cached, map-ready payload for one filter.
type Data struct {
	FilterID     string            `json:"filter_id"`
	FilterType   models.FilterType `json:"filter_type"`
	Name         string            `json:"name"`
	ModelID      uuid.UUID         `json:"model_id"`
	ModelVersion int               `json:"model_version"`
	GeneratedAt  time.Time         `json:"generated_at"`
	PointCount   int               `json:"point_count"`
	Stale        bool              `json:"stale"`
	GeoJSON      FeatureCollection `json:"geojson"`
}

// CreateFilterRequest carries the client-controllable filter settings.
type CreateFilterRequest struct {
	Name                string            `json:"name" binding:"required"`
	Description         string            `json:"description"`
	FilterType          models.FilterType `json:"filter_type" binding:"required"`
	ConfidenceThreshold *float64          `json:"confidence_threshold"`
	BBox                *[4]float64       `json:"bbox"`
	GridResolution      *float64          `json:"grid_resolution"`
	MaxDataAgeHours     *int              `json:"max_data_age_hours"`
	ColorScheme         string            `json:"color_scheme"`
	Opacity             *float64          `json:"opacity"`
	ShowConfidence      *bool             `json:"show_confidence"`
}

// Manager owns predictive filters: creation, refresh, caching and the
// stale fallback path. Concurrent refreshes of the same filter collapse
// into a single grid scan.
type Manager struct {
	cfg       config.FilterConfig
	store     FilterStore
	predictor Predictor
	results   ResultBatchStore
	cache     cache.Cache
	publisher events.Publisher
	metrics   *metrics.Collector
	logger    *zap.Logger
	group     singleflight.Group
}

// NewManager creates the filter manager
func NewManager(
	cfg config.FilterConfig,
	store FilterStore,
	predictor Predictor,
	results ResultBatchStore,
	dataCache cache.Cache,
	publisher events.Publisher,
	collector *metrics.Collector,
	logger *zap.Logger,
) *Manager {
	return &Manager{
		cfg:       cfg,
		store:     store,
		predictor: predictor,
		results:   results,
		cache:     dataCache,
		publisher: publisher,
		metrics:   collector,
		logger:    logger,
	}
}

// CreateFilter validates the request, applies defaults and persists the
// filter.
func (m *Manager) CreateFilter(ctx context.Context, req CreateFilterRequest) (*models.PredictiveFilter, error) {
	modelType, ok := filterModelTypes[req.FilterType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFilterType, req.FilterType)
	}

	filter := &models.PredictiveFilter{
		ID:                  slugify(req.Name) + "-" + uuid.NewString()[:8],
		Name:                req.Name,
		Description:         req.Description,
		FilterType:          req.FilterType,
		ModelType:           modelType,
		ConfidenceThreshold: 0.5,
		MaxDataAge:          m.cfg.MaxDataAge,
		GridResolution:      m.cfg.GridResolution,
		ColorScheme:         "viridis",
		Opacity:             0.7,
		ShowConfidence:      true,
		IsActive:            true,
	}

	bbox := [4]float64{
		m.cfg.MinLongitude, m.cfg.MinLatitude,
		m.cfg.MaxLongitude, m.cfg.MaxLatitude,
	}
	if req.BBox != nil {
		bbox = *req.BBox
	}
	if bbox[0] >= bbox[2] || bbox[1] >= bbox[3] {
		return nil, fmt.Errorf("bbox is empty: %v", bbox)
	}
	filter.BBox = models.MustJSON(bbox)

	if req.ConfidenceThreshold != nil {
		if *req.ConfidenceThreshold < 0 || *req.ConfidenceThreshold > 1 {
			return nil, fmt.Errorf("confidence_threshold must be in [0,1]")
		}
		filter.ConfidenceThreshold = *req.ConfidenceThreshold
	}
	if req.GridResolution != nil {
		if *req.GridResolution <= 0 {
			return nil, fmt.Errorf("grid_resolution must be positive")
		}
		filter.GridResolution = *req.GridResolution
	}
	if req.MaxDataAgeHours != nil {
		if *req.MaxDataAgeHours <= 0 {
			return nil, fmt.Errorf("max_data_age_hours must be positive")
		}
		filter.MaxDataAge = time.Duration(*req.MaxDataAgeHours) * time.Hour
	}
	if req.ColorScheme != "" {
		filter.ColorScheme = req.ColorScheme
	}
	if req.Opacity != nil {
		filter.Opacity = *req.Opacity
	}
	if req.ShowConfidence != nil {
		filter.ShowConfidence = *req.ShowConfidence
	}

	if err := m.store.Create(ctx, filter); err != nil {
		return nil, err
	}
	return filter, nil
}

// List returns all active filters.
func (m *Manager) List(ctx context.Context) ([]models.PredictiveFilter, error) {
	return m.store.List(ctx)
}

// GetData returns map-ready data for a filter. Cache hits are revalidated
// against the filter's max age and the currently deployed model; a hit that
// fails revalidation counts as a miss. When fresh data cannot be generated,
// the last known-good payload is served marked stale.
func (m *Manager) GetData(ctx context.Context, filterID string) (*Data, error) {
	filter, err := m.store.GetByID(ctx, filterID)
	if err != nil {
		return nil, err
	}

	if data := m.cachedFresh(ctx, filter); data != nil {
		m.metrics.FilterCacheHits.WithLabelValues("hit").Inc()
		return data, nil
	}
	m.metrics.FilterCacheHits.WithLabelValues("miss").Inc()

	data, err := m.refresh(ctx, filter)
	if err == nil {
		return data, nil
	}

	// fresh generation failed, fall back to the last known-good payload
	if fallback := m.cachedFallback(ctx, filter); fallback != nil {
		m.metrics.FilterCacheHits.WithLabelValues("stale").Inc()
		m.logger.Warn("serving stale filter data",
			zap.String("filter_id", filterID),
			zap.Error(err))
		fallback.Stale = true
		return fallback, nil
	}
	return nil, err
}

// Refresh regenerates the filter data unconditionally.
func (m *Manager) Refresh(ctx context.Context, filterID string) (*Data, error) {
	filter, err := m.store.GetByID(ctx, filterID)
	if err != nil {
		return nil, err
	}
	return m.refresh(ctx, filter)
}

// refresh collapses concurrent regenerations of one filter into a single
// grid scan; every waiter receives the same payload.
func (m *Manager) refresh(ctx context.Context, filter *models.PredictiveFilter) (*Data, error) {
	v, err, shared := m.group.Do(filter.ID, func() (interface{}, error) {
		return m.generate(ctx, filter)
	})
	if err != nil {
		m.metrics.FilterRefreshes.WithLabelValues(string(filter.FilterType), "error").Inc()
		return nil, err
	}
	if !shared {
		m.metrics.FilterRefreshes.WithLabelValues(string(filter.FilterType), "ok").Inc()
	}
	return v.(*Data), nil
}

// generate runs the grid scan and writes both cache copies.
func (m *Manager) generate(ctx context.Context, filter *models.PredictiveFilter) (*Data, error) {
	points := gridPoints(filter.BoundingBox(), filter.GridResolution, m.cfg.MaxPredictions)
	if len(points) == 0 {
		return nil, fmt.Errorf("filter %s has an empty grid", filter.ID)
	}

	now := time.Now().UTC()
	expires := now.Add(filter.MaxDataAge)
	var (
		preds   []prediction.Prediction
		stored  []models.PredictionResult
		modelID uuid.UUID
		version int
	)
	for _, pt := range points {
		p, err := m.predictor.Predict(ctx, prediction.Request{
			ModelType: filter.ModelType,
			Longitude: pt[0],
			Latitude:  pt[1],
		})
		if err != nil {
			return nil, fmt.Errorf("grid prediction failed: %w", err)
		}
		modelID, version = p.ModelID, p.ModelVersion
		if p.Confidence < filter.ConfidenceThreshold {
			continue
		}
		preds = append(preds, *p)
		stored = append(stored, models.PredictionResult{
			ModelID:        p.ModelID,
			Latitude:       p.Latitude,
			Longitude:      p.Longitude,
			Prediction:     models.MustJSON(map[string]interface{}{"value": p.Value, "label": p.Label}),
			Confidence:     p.Confidence,
			UsedForMapping: true,
			MapLayerID:     &filter.ID,
			ExpiresAt:      &expires,
		})
	}

	if err := m.results.CreateBatch(ctx, stored); err != nil {
		return nil, err
	}

	data := &Data{
		FilterID:     filter.ID,
		FilterType:   filter.FilterType,
		Name:         filter.Name,
		ModelID:      modelID,
		ModelVersion: version,
		GeneratedAt:  now,
		PointCount:   len(preds),
		GeoJSON:      buildFeatureCollection(filter, preds),
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	if err := m.cache.PutWithTTL(ctx, dataKey(filter.ID), payload, m.cfg.CacheTTL); err != nil {
		m.logger.Warn("failed to cache filter data", zap.String("filter_id", filter.ID), zap.Error(err))
	}
	if err := m.cache.Put(ctx, fallbackKey(filter.ID), payload); err != nil {
		m.logger.Warn("failed to store fallback copy", zap.String("filter_id", filter.ID), zap.Error(err))
	}
	if err := m.store.Touch(ctx, filter.ID, now); err != nil {
		m.logger.Warn("failed to record refresh time", zap.String("filter_id", filter.ID), zap.Error(err))
	}

	m.publish(ctx, events.FilterRefreshed(filter.ID, len(preds), false))
	return data, nil
}

// cachedFresh returns the cached payload only when it survives
// revalidation: young enough for the filter and produced by the model
// still deployed.
func (m *Manager) cachedFresh(ctx context.Context, filter *models.PredictiveFilter) *Data {
	payload, err := m.cache.Get(ctx, dataKey(filter.ID))
	if err != nil {
		return nil
	}
	var data Data
	if err := json.Unmarshal(payload, &data); err != nil {
		_ = m.cache.Invalidate(ctx, dataKey(filter.ID))
		return nil
	}
	if time.Since(data.GeneratedAt) > filter.MaxDataAge {
		return nil
	}
	if id, version, ok := m.deployedInfo(filter.ModelType); ok {
		if id != data.ModelID || version != data.ModelVersion {
			return nil
		}
	}
	return &data
}

func (m *Manager) cachedFallback(ctx context.Context, filter *models.PredictiveFilter) *Data {
	payload, err := m.cache.Get(ctx, fallbackKey(filter.ID))
	if err != nil {
		return nil
	}
	var data Data
	if err := json.Unmarshal(payload, &data); err != nil {
		return nil
	}
	return &data
}

// deployedInfo asks the predictor for its current model when it supports
// introspection.
func (m *Manager) deployedInfo(modelType models.ModelType) (uuid.UUID, int, bool) {
	type inspector interface {
		DeployedInfo(models.ModelType) (uuid.UUID, int, bool)
	}
	if insp, ok := m.predictor.(inspector); ok {
		return insp.DeployedInfo(modelType)
	}
	return uuid.Nil, 0, false
}

// Stats summarizes the filter inventory.
type Stats struct {
	Total       int              `json:"total_filters"`
	ByType      map[string]int   `json:"by_filter_type"`
	NeverLoaded int              `json:"never_refreshed"`
}

func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	list, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	stats := &Stats{Total: len(list), ByType: map[string]int{}}
	for _, f := range list {
		stats.ByType[string(f.FilterType)]++
		if f.LastRefreshed == nil {
			stats.NeverLoaded++
		}
	}
	return stats, nil
}

func (m *Manager) publish(ctx context.Context, event events.Event) {
	if m.publisher == nil {
		return
	}
	if err := m.publisher.Publish(ctx, event); err != nil {
		m.logger.Warn("failed to publish pipeline event",
			zap.String("event_type", event.Type),
			zap.Error(err))
	}
}

func dataKey(filterID string) string     { return "filter:data:" + filterID }
func fallbackKey(filterID string) string { return "filter:fallback:" + filterID }

func slugify(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteByte('-')
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		slug = "filter"
	}
	if len(slug) > 40 {
		slug = slug[:40]
	}
	return slug
}
