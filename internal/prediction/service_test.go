package prediction

import (
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/database"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/metrics"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/models"
	"github.com/marconadas/arcasadeveloping-bgapp-sub001/internal/registry"
)

type fakeModelStore struct {
	deployed   map[models.ModelType]*models.Model
	increments map[uuid.UUID]int
	incrErr    error
}

func newFakeModelStore() *fakeModelStore {
	return &fakeModelStore{
		deployed:   map[models.ModelType]*models.Model{},
		increments: map[uuid.UUID]int{},
	}
}

func (f *fakeModelStore) GetDeployed(ctx context.Context, modelType models.ModelType) (*models.Model, error) {
	m, ok := f.deployed[modelType]
	if !ok {
		return nil, database.ErrNotFound
	}
	return m, nil
}

func (f *fakeModelStore) IncrementPredictionCount(ctx context.Context, modelID uuid.UUID) error {
	if f.incrErr != nil {
		return f.incrErr
	}
	f.increments[modelID]++
	return nil
}

type fakeResultStore struct {
	results []models.PredictionResult
}

func (f *fakeResultStore) Create(ctx context.Context, result *models.PredictionResult) error {
	f.results = append(f.results, *result)
	return nil
}

func deployedModel(modelType models.ModelType, version int, labels []string) *models.Model {
	artifact := registry.Artifact{
		Kind:      registry.ArtifactKindRegression,
		Features:  []string{"latitude", "env_sst"},
		Weights:   []float64{0.5, 2.0},
		Intercept: 1.0,
		Labels:    labels,
	}
	if labels != nil {
		artifact.Kind = registry.ArtifactKindClassification
	}
	return &models.Model{
		ID:         uuid.New(),
		Name:       "test-model",
		ModelType:  modelType,
		Version:    version,
		Status:     models.ModelStatusDeployed,
		Artifact:   models.MustJSON(artifact),
		IsDeployed: true,
	}
}

func newServiceFixture(t *testing.T) (*Service, *fakeModelStore, *fakeResultStore) {
	t.Helper()
	store := newFakeModelStore()
	results := &fakeResultStore{}
	svc := NewService(store, results, metrics.NewCollector(prometheus.NewRegistry()), zap.NewNop())
	return svc, store, results
}

func TestPredictWithoutDeployedModel(t *testing.T) {
	svc, _, _ := newServiceFixture(t)

	_, err := svc.Predict(context.Background(), Request{
		ModelType: models.ModelTypeBiodiversityPredictor,
		Latitude:  -10,
		Longitude: 12,
	})
	assert.ErrorIs(t, err, ErrNoDeployedModel)
}

func TestPredictDeterministicScoring(t *testing.T) {
	svc, store, _ := newServiceFixture(t)
	model := deployedModel(models.ModelTypeBiodiversityPredictor, 1, nil)
	store.deployed[models.ModelTypeBiodiversityPredictor] = model
	require.NoError(t, svc.Reload(context.Background(), models.ModelTypeBiodiversityPredictor))

	req := Request{
		ModelType: models.ModelTypeBiodiversityPredictor,
		Latitude:  -10,
		Longitude: 12,
		Features:  map[string]float64{"env_sst": 20},
	}
	first, err := svc.Predict(context.Background(), req)
	require.NoError(t, err)
	second, err := svc.Predict(context.Background(), req)
	require.NoError(t, err)

	// 0.5*(-10) + 2*20 + 1
	assert.InDelta(t, 36.0, first.Value, 1e-9)
	assert.Equal(t, first.Value, second.Value)
	assert.Equal(t, model.ID, first.ModelID)
	assert.Equal(t, 1, first.ModelVersion)
	assert.Greater(t, first.Confidence, 0.5)
	assert.LessOrEqual(t, first.Confidence, 1.0)
}

// Scoring depends only on what the request carries. A model trained with a
// month feature sees zero for it unless the caller supplies one; nothing is
// read from the clock at inference time.
func TestPredictUsesOnlyRequestFeatures(t *testing.T) {
	svc, store, _ := newServiceFixture(t)
	artifact := registry.Artifact{
		Kind:      registry.ArtifactKindRegression,
		Features:  []string{"latitude", "month"},
		Weights:   []float64{1.0, 100.0},
		Intercept: 0,
	}
	store.deployed[models.ModelTypeBiodiversityPredictor] = &models.Model{
		ID:         uuid.New(),
		Name:       "seasonal-model",
		ModelType:  models.ModelTypeBiodiversityPredictor,
		Version:    1,
		Status:     models.ModelStatusDeployed,
		Artifact:   models.MustJSON(artifact),
		IsDeployed: true,
	}
	require.NoError(t, svc.Reload(context.Background(), models.ModelTypeBiodiversityPredictor))

	without, err := svc.Predict(context.Background(), Request{
		ModelType: models.ModelTypeBiodiversityPredictor,
		Latitude:  -10,
		Longitude: 12,
	})
	require.NoError(t, err)
	assert.InDelta(t, -10.0, without.Value, 1e-9)

	with, err := svc.Predict(context.Background(), Request{
		ModelType: models.ModelTypeBiodiversityPredictor,
		Latitude:  -10,
		Longitude: 12,
		Features:  map[string]float64{"month": 6},
	})
	require.NoError(t, err)
	assert.InDelta(t, 590.0, with.Value, 1e-9)
}

func TestPredictPersistsResult(t *testing.T) {
	svc, store, results := newServiceFixture(t)
	store.deployed[models.ModelTypeBiodiversityPredictor] = deployedModel(models.ModelTypeBiodiversityPredictor, 1, nil)
	require.NoError(t, svc.Reload(context.Background(), models.ModelTypeBiodiversityPredictor))

	pred, err := svc.Predict(context.Background(), Request{
		ModelType: models.ModelTypeBiodiversityPredictor,
		Latitude:  -10,
		Longitude: 12,
		AreaName:  "Namibe coast",
		Persist:   true,
	})
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, pred.PredictionID)
	require.Len(t, results.results, 1)
	assert.Equal(t, "Namibe coast", results.results[0].AreaName)
}

func TestPredictCountsUsage(t *testing.T) {
	svc, store, _ := newServiceFixture(t)
	model := deployedModel(models.ModelTypeBiodiversityPredictor, 1, nil)
	store.deployed[models.ModelTypeBiodiversityPredictor] = model
	require.NoError(t, svc.Reload(context.Background(), models.ModelTypeBiodiversityPredictor))

	for i := 0; i < 3; i++ {
		_, err := svc.Predict(context.Background(), Request{
			ModelType: models.ModelTypeBiodiversityPredictor,
			Latitude:  -10, Longitude: 12,
		})
		require.NoError(t, err)
	}
	assert.Equal(t, 3, store.increments[model.ID])
}

func TestPredictSurvivesCounterFailure(t *testing.T) {
	svc, store, _ := newServiceFixture(t)
	store.deployed[models.ModelTypeBiodiversityPredictor] = deployedModel(models.ModelTypeBiodiversityPredictor, 1, nil)
	require.NoError(t, svc.Reload(context.Background(), models.ModelTypeBiodiversityPredictor))
	store.incrErr = errors.New("db down")

	_, err := svc.Predict(context.Background(), Request{
		ModelType: models.ModelTypeBiodiversityPredictor,
		Latitude:  -10, Longitude: 12,
	})
	assert.NoError(t, err)
}

func TestPredictClassifierReturnsLabel(t *testing.T) {
	svc, store, _ := newServiceFixture(t)
	store.deployed[models.ModelTypeSpeciesClassifier] = deployedModel(
		models.ModelTypeSpeciesClassifier, 1, []string{"Sardinella aurita", "Merluccius polli"})
	require.NoError(t, svc.Reload(context.Background(), models.ModelTypeSpeciesClassifier))

	pred, err := svc.Predict(context.Background(), Request{
		ModelType: models.ModelTypeSpeciesClassifier,
		Latitude:  -10, Longitude: 12,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, pred.Label)
}

func TestReloadSwapsModelAtomically(t *testing.T) {
	svc, store, _ := newServiceFixture(t)
	store.deployed[models.ModelTypeBiodiversityPredictor] = deployedModel(models.ModelTypeBiodiversityPredictor, 1, nil)
	require.NoError(t, svc.Reload(context.Background(), models.ModelTypeBiodiversityPredictor))

	id1, v1, ok := svc.DeployedInfo(models.ModelTypeBiodiversityPredictor)
	require.True(t, ok)
	assert.Equal(t, 1, v1)

	newModel := deployedModel(models.ModelTypeBiodiversityPredictor, 2, nil)
	store.deployed[models.ModelTypeBiodiversityPredictor] = newModel
	require.NoError(t, svc.Reload(context.Background(), models.ModelTypeBiodiversityPredictor))

	id2, v2, ok := svc.DeployedInfo(models.ModelTypeBiodiversityPredictor)
	require.True(t, ok)
	assert.Equal(t, 2, v2)
	assert.NotEqual(t, id1, id2)
}

func TestReloadClearsWhenUndeployed(t *testing.T) {
	svc, store, _ := newServiceFixture(t)
	store.deployed[models.ModelTypeBiodiversityPredictor] = deployedModel(models.ModelTypeBiodiversityPredictor, 1, nil)
	require.NoError(t, svc.Reload(context.Background(), models.ModelTypeBiodiversityPredictor))

	delete(store.deployed, models.ModelTypeBiodiversityPredictor)
	err := svc.Reload(context.Background(), models.ModelTypeBiodiversityPredictor)
	assert.ErrorIs(t, err, ErrNoDeployedModel)

	_, _, ok := svc.DeployedInfo(models.ModelTypeBiodiversityPredictor)
	assert.False(t, ok)
}

func TestConfidenceBounds(t *testing.T) {
	assert.InDelta(t, 0.5, confidence(0), 1e-9)
	assert.Greater(t, confidence(10), 0.99)
	assert.Equal(t, confidence(-3), confidence(3))
}
