package filters

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/cache"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/config"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/database"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/metrics"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/models"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/prediction"
)

type memCache struct {
	mu    sync.Mutex
	items map[string][]byte
}

func newMemCache() *memCache {
	return &memCache{items: map[string][]byte{}}
}

func (m *memCache) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	value, ok := m.items[key]
	if !ok {
		return nil, cache.ErrMiss
	}
	return value, nil
}

func (m *memCache) PutWithTTL(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return m.Put(ctx, key, value)
}

func (m *memCache) Put(ctx context.Context, key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[key] = value
	return nil
}

func (m *memCache) Invalidate(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.items, key)
	return nil
}

type fakeFilterStore struct {
	mu      sync.Mutex
	filters map[string]*models.PredictiveFilter
}

func newFakeFilterStore() *fakeFilterStore {
	return &fakeFilterStore{filters: map[string]*models.PredictiveFilter{}}
}

func (f *fakeFilterStore) Create(ctx context.Context, filter *models.PredictiveFilter) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *filter
	f.filters[filter.ID] = &copied
	return nil
}

func (f *fakeFilterStore) GetByID(ctx context.Context, id string) (*models.PredictiveFilter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	filter, ok := f.filters[id]
	if !ok {
		return nil, database.ErrNotFound
	}
	copied := *filter
	return &copied, nil
}

func (f *fakeFilterStore) List(ctx context.Context) ([]models.PredictiveFilter, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.PredictiveFilter
	for _, filter := range f.filters {
		out = append(out, *filter)
	}
	return out, nil
}

func (f *fakeFilterStore) Touch(ctx context.Context, id string, at time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if filter, ok := f.filters[id]; ok {
		filter.LastRefreshed = &at
	}
	return nil
}

type fakePredictor struct {
	modelID    uuid.UUID
	version    int
	confidence float64
	err        error
	delay      time.Duration
	calls      int64
}

func (p *fakePredictor) Predict(ctx context.Context, req prediction.Request) (*prediction.Prediction, error) {
	atomic.AddInt64(&p.calls, 1)
	if p.delay > 0 {
		time.Sleep(p.delay)
	}
	if p.err != nil {
		return nil, p.err
	}
	return &prediction.Prediction{
		ModelID:      p.modelID,
		ModelType:    req.ModelType,
		ModelVersion: p.version,
		Latitude:     req.Latitude,
		Longitude:    req.Longitude,
		Value:        req.Latitude + req.Longitude,
		Confidence:   p.confidence,
		PredictedAt:  time.Now().UTC(),
	}, nil
}

func (p *fakePredictor) DeployedInfo(models.ModelType) (uuid.UUID, int, bool) {
	return p.modelID, p.version, true
}

type fakeBatchStore struct {
	mu      sync.Mutex
	batches [][]models.PredictionResult
}

func (f *fakeBatchStore) CreateBatch(ctx context.Context, results []models.PredictionResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches = append(f.batches, results)
	return nil
}

func filterConfig() config.FilterConfig {
	return config.FilterConfig{
		CacheTTL:       6 * time.Hour,
		MaxDataAge:     72 * time.Hour,
		GridResolution: 0.5,
		MaxPredictions: 1000,
		MinLongitude:   10.0,
		MinLatitude:    -10.0,
		MaxLongitude:   11.0,
		MaxLatitude:    -9.0,
	}
}

type managerFixture struct {
	manager   *Manager
	store     *fakeFilterStore
	predictor *fakePredictor
	cache     *memCache
	results   *fakeBatchStore
}

func newManagerFixture(t *testing.T) *managerFixture {
	t.Helper()
	f := &managerFixture{
		store:     newFakeFilterStore(),
		predictor: &fakePredictor{modelID: uuid.New(), version: 1, confidence: 0.9},
		cache:     newMemCache(),
		results:   &fakeBatchStore{},
	}
	f.manager = NewManager(filterConfig(),
		f.store, f.predictor, f.results, f.cache,
		nil, metrics.NewCollector(prometheus.NewRegistry()), zap.NewNop())
	return f
}

func (f *managerFixture) createFilter(t *testing.T) *models.PredictiveFilter {
	t.Helper()
	filter, err := f.manager.CreateFilter(context.Background(), CreateFilterRequest{
		Name:       "Hotspots Benguela",
		FilterType: models.FilterTypeBiodiversityHotspots,
	})
	require.NoError(t, err)
	return filter
}

func TestCreateFilterDefaults(t *testing.T) {
	f := newManagerFixture(t)

	filter := f.createFilter(t)
	assert.Equal(t, models.ModelTypeBiodiversityPredictor, filter.ModelType)
	assert.Equal(t, 0.5, filter.ConfidenceThreshold)
	assert.Equal(t, 72*time.Hour, filter.MaxDataAge)
	assert.Equal(t, 0.5, filter.GridResolution)
	assert.True(t, filter.IsActive)
	assert.Contains(t, filter.ID, "hotspots-benguela")

	bbox := filter.BoundingBox()
	assert.Equal(t, [4]float64{10.0, -10.0, 11.0, -9.0}, bbox)
}

func TestCreateFilterUnknownType(t *testing.T) {
	f := newManagerFixture(t)

	_, err := f.manager.CreateFilter(context.Background(), CreateFilterRequest{
		Name:       "bad",
		FilterType: "weather_forecast",
	})
	assert.ErrorIs(t, err, ErrUnknownFilterType)
}

func TestCreateFilterRejectsEmptyBBox(t *testing.T) {
	f := newManagerFixture(t)

	bbox := [4]float64{11.0, -9.0, 10.0, -10.0}
	_, err := f.manager.CreateFilter(context.Background(), CreateFilterRequest{
		Name:       "bad bbox",
		FilterType: models.FilterTypeBiodiversityHotspots,
		BBox:       &bbox,
	})
	assert.Error(t, err)
}

func TestGetDataGeneratesAndCaches(t *testing.T) {
	f := newManagerFixture(t)
	filter := f.createFilter(t)

	data, err := f.manager.GetData(context.Background(), filter.ID)
	require.NoError(t, err)
	assert.False(t, data.Stale)
	assert.Equal(t, "FeatureCollection", data.GeoJSON.Type)
	assert.Greater(t, data.PointCount, 0)
	assert.Equal(t, f.predictor.version, data.ModelVersion)
	firstCalls := atomic.LoadInt64(&f.predictor.calls)

	// second read is served from cache, no new predictions
	again, err := f.manager.GetData(context.Background(), filter.ID)
	require.NoError(t, err)
	assert.Equal(t, data.GeneratedAt, again.GeneratedAt)
	assert.Equal(t, firstCalls, atomic.LoadInt64(&f.predictor.calls))

	// predictions were persisted for the map layer
	require.Len(t, f.results.batches, 1)
	assert.True(t, f.results.batches[0][0].UsedForMapping)

	// refresh time recorded
	stored, err := f.store.GetByID(context.Background(), filter.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.LastRefreshed)
}

func TestGetDataRevalidatesAge(t *testing.T) {
	f := newManagerFixture(t)
	filter := f.createFilter(t)

	data, err := f.manager.GetData(context.Background(), filter.ID)
	require.NoError(t, err)

	// age the cached payload past the filter's max data age
	data.GeneratedAt = time.Now().UTC().Add(-80 * time.Hour)
	stale, err := json.Marshal(data)
	require.NoError(t, err)
	require.NoError(t, f.cache.Put(context.Background(), dataKey(filter.ID), stale))

	fresh, err := f.manager.GetData(context.Background(), filter.ID)
	require.NoError(t, err)
	assert.True(t, fresh.GeneratedAt.After(data.GeneratedAt))
	assert.False(t, fresh.Stale)
}

func TestGetDataRevalidatesModelVersion(t *testing.T) {
	f := newManagerFixture(t)
	filter := f.createFilter(t)

	_, err := f.manager.GetData(context.Background(), filter.ID)
	require.NoError(t, err)
	callsAfterFirst := atomic.LoadInt64(&f.predictor.calls)

	// a new model deploys; the cached payload no longer matches
	f.predictor.version = 2

	data, err := f.manager.GetData(context.Background(), filter.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, data.ModelVersion)
	assert.Greater(t, atomic.LoadInt64(&f.predictor.calls), callsAfterFirst)
}

func TestGetDataServesStaleFallback(t *testing.T) {
	f := newManagerFixture(t)
	filter := f.createFilter(t)

	data, err := f.manager.GetData(context.Background(), filter.ID)
	require.NoError(t, err)
	require.False(t, data.Stale)

	// fresh cache gone, generation broken
	require.NoError(t, f.cache.Invalidate(context.Background(), dataKey(filter.ID)))
	f.predictor.err = prediction.ErrNoDeployedModel

	fallback, err := f.manager.GetData(context.Background(), filter.ID)
	require.NoError(t, err)
	assert.True(t, fallback.Stale)
	assert.Equal(t, data.PointCount, fallback.PointCount)
}

func TestGetDataFailsWithoutFallback(t *testing.T) {
	f := newManagerFixture(t)
	filter := f.createFilter(t)
	f.predictor.err = prediction.ErrNoDeployedModel

	_, err := f.manager.GetData(context.Background(), filter.ID)
	assert.ErrorIs(t, err, prediction.ErrNoDeployedModel)
}

func TestGetDataUnknownFilter(t *testing.T) {
	f := newManagerFixture(t)
	_, err := f.manager.GetData(context.Background(), "nope")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func TestRefreshBypassesCache(t *testing.T) {
	f := newManagerFixture(t)
	filter := f.createFilter(t)

	first, err := f.manager.GetData(context.Background(), filter.ID)
	require.NoError(t, err)

	refreshed, err := f.manager.Refresh(context.Background(), filter.ID)
	require.NoError(t, err)
	assert.True(t, !refreshed.GeneratedAt.Before(first.GeneratedAt))
	assert.False(t, refreshed.Stale)
}

func TestConcurrentRefreshCollapses(t *testing.T) {
	f := newManagerFixture(t)
	filter := f.createFilter(t)
	f.predictor.delay = 5 * time.Millisecond

	const waiters = 4
	var wg sync.WaitGroup
	for i := 0; i < waiters; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.manager.GetData(context.Background(), filter.ID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// all waiters shared one grid scan
	points := gridPoints(filter.BoundingBox(), filter.GridResolution, 1000)
	assert.Equal(t, int64(len(points)), atomic.LoadInt64(&f.predictor.calls))
}

func TestConfidenceThresholdFiltersPoints(t *testing.T) {
	f := newManagerFixture(t)
	threshold := 0.95
	filter, err := f.manager.CreateFilter(context.Background(), CreateFilterRequest{
		Name:                "strict",
		FilterType:          models.FilterTypeBiodiversityHotspots,
		ConfidenceThreshold: &threshold,
	})
	require.NoError(t, err)

	f.predictor.confidence = 0.8 // below the filter threshold

	data, err := f.manager.GetData(context.Background(), filter.ID)
	require.NoError(t, err)
	assert.Zero(t, data.PointCount)
	assert.Empty(t, data.GeoJSON.Features)
}

func TestStats(t *testing.T) {
	f := newManagerFixture(t)
	f.createFilter(t)
	filter2, err := f.manager.CreateFilter(context.Background(), CreateFilterRequest{
		Name:       "risk",
		FilterType: models.FilterTypeRiskAreas,
	})
	require.NoError(t, err)

	_, err = f.manager.GetData(context.Background(), filter2.ID)
	require.NoError(t, err)

	stats, err := f.manager.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.ByType[string(models.FilterTypeRiskAreas)])
	assert.Equal(t, 1, stats.NeverLoaded)
}
