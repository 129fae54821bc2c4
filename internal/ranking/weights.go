package ranking

import (
	"fmt"
	"math"

	"github.com/tributary-ai/provider-ranking/internal/types"
)

// weightSumTolerance bounds how far the weight table may drift from 1.0
const weightSumTolerance = 1e-6

// Weights maps each ranking metric to its share of the weighted score
type Weights map[types.RankingMetric]float64

// DefaultWeights returns the production weight table
func DefaultWeights() Weights {
	return Weights{
		types.MetricReliability:           0.25,
		types.MetricPerformance:           0.20,
		types.MetricCostEfficiency:        0.15,
		types.MetricQuality:               0.15,
		types.MetricAvailability:          0.10,
		types.MetricBiasResistance:        0.08,
		types.MetricLearningCompatibility: 0.05,
		types.MetricResponseTime:          0.02,
	}
}

// Validate checks that only known metrics are weighted, that no weight is
// negative and that the weights sum to 1.
func (w Weights) Validate() error {
	known := make(map[types.RankingMetric]bool, len(types.RankingMetrics))
	for _, m := range types.RankingMetrics {
		known[m] = true
	}

	var sum float64
	for metric, weight := range w {
		if !known[metric] {
			return fmt.Errorf("unknown ranking metric %q", metric)
		}
		if weight < 0 || math.IsNaN(weight) || math.IsInf(weight, 0) {
			return fmt.Errorf("weight for %s must be a non-negative number", metric)
		}
		sum += weight
	}
	if math.Abs(sum-1) > weightSumTolerance {
		return fmt.Errorf("weights must sum to 1.0, got %.6f", sum)
	}
	return nil
}

// Clone returns an independent copy
func (w Weights) Clone() Weights {
	out := make(Weights, len(w))
	for k, v := range w {
		out[k] = v
	}
	return out
}

// Score returns Σ weight × value over the breakdown, clamped to [0, 1].
// Terms are summed in the fixed metric order so equal inputs always yield
// bit-identical scores.
func (w Weights) Score(breakdown map[types.RankingMetric]float64) float64 {
	var score float64
	for _, metric := range types.RankingMetrics {
		score += w[metric] * breakdown[metric]
	}
	return math.Max(0, math.Min(score, 1))
}
