package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"math/rand"
	"sort"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// BaselineAlgorithm names the built-in linear scorer.
const BaselineAlgorithm = "linear_baseline_v1"

// Artifact is the stored representation of a baseline model: a weight per
// feature plus intercept, with the label table for classifiers.
type Artifact struct {
	Kind      string    `json:"kind"`
	Features  []string  `json:"features"`
	Weights   []float64 `json:"weights"`
	Intercept float64   `json:"intercept"`
	Labels    []string  `json:"labels,omitempty"`
}

const (
	ArtifactKindRegression     = "regression"
	ArtifactKindClassification = "classification"
)

const ridgeLambda = 1e-3

// BaselineBackend fits a ridge-regularized linear scorer in process. It is
// fully deterministic: the request seed drives the train/validation split
// and nothing else is random.
type BaselineBackend struct{}

// NewBaselineBackend creates the built-in backend
func NewBaselineBackend() *BaselineBackend {
	return &BaselineBackend{}
}

func (b *BaselineBackend) Train(ctx context.Context, req TrainRequest) (*TrainResult, error) {
	if len(req.Samples) < 4 {
		return nil, fmt.Errorf("baseline backend needs at least 4 samples, got %d", len(req.Samples))
	}

	features := featureUnion(req.Samples)
	if len(features) == 0 {
		return nil, fmt.Errorf("samples carry no features")
	}

	targets, labels, err := parseTargets(req.Samples)
	if err != nil {
		return nil, err
	}
	kind := ArtifactKindRegression
	if labels != nil {
		kind = ArtifactKindClassification
	}

	trainIdx, valIdx := split(len(req.Samples), req.Seed)

	x := designMatrix(req.Samples, features, trainIdx)
	y := mat.NewVecDense(len(trainIdx), nil)
	for i, idx := range trainIdx {
		y.SetVec(i, targets[idx])
	}

	weights, err := ridgeSolve(x, y)
	if err != nil {
		return nil, fmt.Errorf("failed to fit baseline model: %w", err)
	}

	d := len(features)
	artifact := Artifact{
		Kind:      kind,
		Features:  features,
		Weights:   weights[:d],
		Intercept: weights[d],
		Labels:    labels,
	}
	artifactJSON, err := json.Marshal(artifact)
	if err != nil {
		return nil, err
	}

	return &TrainResult{
		Algorithm:          BaselineAlgorithm,
		Artifact:           artifactJSON,
		FeaturesUsed:       features,
		TrainingAccuracy:   score(artifact, req.Samples, targets, trainIdx),
		ValidationAccuracy: score(artifact, req.Samples, targets, valIdx),
	}, nil
}

// featureUnion returns the sorted union of feature names across samples.
func featureUnion(samples []TrainSample) []string {
	seen := map[string]bool{}
	for _, s := range samples {
		for name := range s.Features {
			seen[name] = true
		}
	}
	features := make([]string, 0, len(seen))
	for name := range seen {
		features = append(features, name)
	}
	sort.Strings(features)
	return features
}

// parseTargets decodes targets as floats, or as string labels mapped to
// indices for classification. Mixed target types are an error.
func parseTargets(samples []TrainSample) ([]float64, []string, error) {
	targets := make([]float64, len(samples))
	var labels []string
	labelIdx := map[string]int{}
	numeric, categorical := 0, 0

	for i, s := range samples {
		var f float64
		if err := json.Unmarshal(s.Target, &f); err == nil {
			targets[i] = f
			numeric++
			continue
		}
		var label string
		if err := json.Unmarshal(s.Target, &label); err != nil {
			return nil, nil, fmt.Errorf("sample %d: target is neither number nor string", i)
		}
		idx, ok := labelIdx[label]
		if !ok {
			idx = len(labels)
			labelIdx[label] = idx
			labels = append(labels, label)
		}
		targets[i] = float64(idx)
		categorical++
	}

	if numeric > 0 && categorical > 0 {
		return nil, nil, fmt.Errorf("mixed numeric and categorical targets")
	}
	if categorical > 0 {
		return targets, labels, nil
	}
	return targets, nil, nil
}

// split shuffles indices with the given seed and holds out 20 percent,
// at least one sample, for validation.
func split(n int, seed int64) (train, val []int) {
	idx := make([]int, n)
	for i := range idx {
		idx[i] = i
	}
	rng := rand.New(rand.NewSource(seed))
	rng.Shuffle(n, func(i, j int) { idx[i], idx[j] = idx[j], idx[i] })

	holdout := n / 5
	if holdout < 1 {
		holdout = 1
	}
	return idx[holdout:], idx[:holdout]
}

func designMatrix(samples []TrainSample, features []string, idx []int) *mat.Dense {
	d := len(features)
	x := mat.NewDense(len(idx), d+1, nil)
	for row, i := range idx {
		for col, name := range features {
			x.Set(row, col, samples[i].Features[name])
		}
		x.Set(row, d, 1) // bias column
	}
	return x
}

// ridgeSolve solves (XᵀX + λI)w = Xᵀy.
func ridgeSolve(x *mat.Dense, y *mat.VecDense) ([]float64, error) {
	_, cols := x.Dims()

	var xtx mat.Dense
	xtx.Mul(x.T(), x)
	for i := 0; i < cols; i++ {
		xtx.Set(i, i, xtx.At(i, i)+ridgeLambda)
	}

	var xty mat.VecDense
	xty.MulVec(x.T(), y)

	var w mat.VecDense
	if err := w.SolveVec(&xtx, &xty); err != nil {
		return nil, err
	}

	weights := make([]float64, cols)
	for i := 0; i < cols; i++ {
		weights[i] = w.AtVec(i)
	}
	return weights, nil
}

// score computes the quality metric on the given index set: label match rate
// for classification, clamped R² for regression.
func score(artifact Artifact, samples []TrainSample, targets []float64, idx []int) float64 {
	if len(idx) == 0 {
		return 0
	}
	predicted := make([]float64, len(idx))
	actual := make([]float64, len(idx))
	for i, sampleIdx := range idx {
		predicted[i] = artifact.Score(samples[sampleIdx].Features)
		actual[i] = targets[sampleIdx]
	}

	if artifact.Kind == ArtifactKindClassification {
		correct := 0
		for i := range predicted {
			label := math.Round(predicted[i])
			if label < 0 {
				label = 0
			}
			if max := float64(len(artifact.Labels) - 1); label > max {
				label = max
			}
			if label == actual[i] {
				correct++
			}
		}
		return float64(correct) / float64(len(idx))
	}

	r2 := stat.RSquaredFrom(predicted, actual, nil)
	if math.IsNaN(r2) || r2 < 0 {
		return 0
	}
	return r2
}

// Score evaluates the linear model on a feature map. Missing features
// contribute zero.
func (a Artifact) Score(features map[string]float64) float64 {
	sum := a.Intercept
	for i, name := range a.Features {
		sum += a.Weights[i] * features[name]
	}
	return sum
}

// Label maps a raw score to the nearest class label for classifiers.
func (a Artifact) Label(rawScore float64) (string, bool) {
	if len(a.Labels) == 0 {
		return "", false
	}
	idx := int(math.Round(rawScore))
	if idx < 0 {
		idx = 0
	}
	if idx >= len(a.Labels) {
		idx = len(a.Labels) - 1
	}
	return a.Labels[idx], true
}
