package validation

import (
	"math"
	"sync"
)

// FeatureCount is the size of the prediction feature vector.
const FeatureCount = 12

// Feature indices. The same vector feeds the error predictor and the
// anomaly detector.
const (
	FeatToolComplexity = iota // declared schema size, normalised
	FeatParamCount
	FeatPatternMatch // shape failure rate from the pattern stage
	FeatAgentExperience
	FeatErrorRate
	FeatTimeOfDay
	FeatDayOfWeek
	FeatSystemLoad
	FeatConcurrentRequests
	FeatRecentErrors
	FeatRecentSuccesses
	FeatAvgLatency
)

// FeatureVector is one observation for the ML collaborator.
type FeatureVector [FeatureCount]float64

// Predictor is the ML collaborator capability. A real model adapter or the
// deterministic heuristic may implement it; the pipeline does not know
// which.
type Predictor interface {
	// Trained reports whether the model has seen enough observations to
	// predict. Untrained models fall back to the heuristic.
	Trained() bool
	// Predict returns an error probability and a confidence, both in [0,1].
	Predict(f FeatureVector) (probability, confidence float64)
	// Reconstruct returns the autoencoder-style reconstruction of f; the
	// anomaly score is the normalised reconstruction error.
	Reconstruct(f FeatureVector) FeatureVector
}

// ReconstructionError is the mean squared distance between a vector and its
// reconstruction, squashed into [0,1].
func ReconstructionError(f, reconstructed FeatureVector) float64 {
	var sum float64
	for i := range f {
		d := f[i] - reconstructed[i]
		sum += d * d
	}
	mse := sum / FeatureCount
	return 1 - math.Exp(-mse)
}

// OnlineModel is a logistic error predictor trained online from recorded
// outcomes, with a running-mean reconstruction for anomaly detection.
type OnlineModel struct {
	mu sync.Mutex

	weights [FeatureCount]float64
	bias    float64

	mean    [FeatureCount]float64
	samples int

	learningRate float64
	minSamples   int
}

// NewOnlineModel creates an untrained model. It becomes trained after
// minSamples observations (default 50).
func NewOnlineModel(minSamples int) *OnlineModel {
	if minSamples <= 0 {
		minSamples = 50
	}
	return &OnlineModel{learningRate: 0.05, minSamples: minSamples}
}

// Observe updates the model from one execution outcome.
func (m *OnlineModel) Observe(f FeatureVector, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.samples++
	inv := 1 / float64(m.samples)
	for i := range m.mean {
		m.mean[i] += (f[i] - m.mean[i]) * inv
	}

	target := 0.0
	if failed {
		target = 1.0
	}
	predicted := sigmoid(m.rawScore(f))
	gradient := predicted - target
	for i := range m.weights {
		m.weights[i] -= m.learningRate * gradient * f[i]
	}
	m.bias -= m.learningRate * gradient
}

// Trained implements Predictor.
func (m *OnlineModel) Trained() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.samples >= m.minSamples
}

// Predict implements Predictor. Confidence grows with sample count.
func (m *OnlineModel) Predict(f FeatureVector) (float64, float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	probability := sigmoid(m.rawScore(f))
	confidence := float64(m.samples) / float64(m.samples+m.minSamples)
	return probability, confidence
}

// Reconstruct implements Predictor with the per-feature running mean.
func (m *OnlineModel) Reconstruct(FeatureVector) FeatureVector {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.mean
}

func (m *OnlineModel) rawScore(f FeatureVector) float64 {
	score := m.bias
	for i := range m.weights {
		score += m.weights[i] * f[i]
	}
	return score
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}

// heuristicCenter is the "typical call" the fallback measures distance
// from: moderate complexity, low error history, business hours.
var heuristicCenter = FeatureVector{
	0.3, 0.3, 0.0, 0.5, 0.1, 0.5, 0.5, 0.3, 0.2, 0.1, 0.5, 0.2,
}

const (
	heuristicErrorProbability = 0.3
	heuristicConfidence       = 0.5
)

// Heuristic is the deterministic fallback used when ML is disabled or the
// model is untrained: a fixed error probability with a distance-based
// isolation score for anomalies.
type Heuristic struct{}

// Trained always reports true; the heuristic needs no data.
func (Heuristic) Trained() bool { return true }

// Predict returns the fixed fallback probability and confidence.
func (Heuristic) Predict(FeatureVector) (float64, float64) {
	return heuristicErrorProbability, heuristicConfidence
}

// Reconstruct returns the fixed center; the resulting reconstruction error
// is the normalised distance of the observation from it.
func (Heuristic) Reconstruct(FeatureVector) FeatureVector {
	return heuristicCenter
}
