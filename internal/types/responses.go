package types

import (
	"time"
)

// RankingMetric names one input of the weighted score
type RankingMetric string

const (
	MetricReliability           RankingMetric = "reliability"
	MetricPerformance           RankingMetric = "performance"
	MetricCostEfficiency        RankingMetric = "cost_efficiency"
	MetricQuality               RankingMetric = "quality"
	MetricAvailability          RankingMetric = "availability"
	MetricBiasResistance        RankingMetric = "bias_resistance"
	MetricLearningCompatibility RankingMetric = "learning_compatibility"
	MetricResponseTime          RankingMetric = "response_time"
)

// RankingMetrics lists the weighted metrics in table order
var RankingMetrics = []RankingMetric{
	MetricReliability,
	MetricPerformance,
	MetricCostEfficiency,
	MetricQuality,
	MetricAvailability,
	MetricBiasResistance,
	MetricLearningCompatibility,
	MetricResponseTime,
}

// Trend is the direction of a provider's recent daily success rate
type Trend string

const (
	TrendImproving Trend = "improving"
	TrendDeclining Trend = "declining"
	TrendStable    Trend = "stable"
)

// ProviderMetrics is a derived performance profile computed from one
// provider's window. It is replaced wholesale, never mutated.
type ProviderMetrics struct {
	ProviderID ProviderID `json:"provider_id"`
	ComputedAt time.Time  `json:"computed_at"`

	Reliability           float64 `json:"reliability"`
	Performance           float64 `json:"performance"`
	CostEfficiency        float64 `json:"cost_efficiency"`
	Quality               float64 `json:"quality"`
	Availability          float64 `json:"availability"`
	BiasResistance        float64 `json:"bias_resistance"`
	LearningCompatibility float64 `json:"learning_compatibility"`
	AdaptationVelocity    float64 `json:"adaptation_velocity"`
	StressTolerance       float64 `json:"stress_tolerance"`
	ResponseTimeScore     float64 `json:"response_time_score"`

	AvgResponseTimeMs  float64 `json:"avg_response_time_ms"`
	TotalRequests      int     `json:"total_requests"`
	SuccessfulRequests int     `json:"successful_requests"`
	FailedRequests     int     `json:"failed_requests"`
	TotalCost          float64 `json:"total_cost"`

	HourlyPerformance   map[int]float64    `json:"hourly_performance,omitempty"`
	DailyTrends         map[string]float64 `json:"daily_trends,omitempty"`
	ScenarioPerformance map[string]float64 `json:"scenario_performance,omitempty"`
	LoadPerformance     map[string]float64 `json:"load_performance,omitempty"`
}

// ProviderRanking is one provider's entry in a snapshot
type ProviderRanking struct {
	ProviderID      ProviderID                `json:"provider_id"`
	Rank            int                       `json:"rank"`
	WeightedScore   float64                   `json:"weighted_score"`
	Status          ProviderStatus            `json:"status"`
	MetricBreakdown map[RankingMetric]float64 `json:"metric_breakdown"`
	Confidence      float64                   `json:"confidence"`
	RankChange      int                       `json:"rank_change"`
	RankStability   float64                   `json:"rank_stability"`
	Trending        Trend                     `json:"trending"`
	Strengths       []string                  `json:"strengths"`
	Weaknesses      []string                  `json:"weaknesses"`
	Recommendation  string                    `json:"recommendation"`
	TotalRequests   int                       `json:"total_requests"`
}

// RankingSnapshot is an immutable, fully ranked view of all eligible
// providers. Version 0 is the empty snapshot served before the first
// recompute.
type RankingSnapshot struct {
	Version     uint64            `json:"snapshot_version"`
	GeneratedAt time.Time         `json:"generated_at"`
	Rankings    []ProviderRanking `json:"rankings"`
}

// EmptySnapshot returns the version 0 snapshot
func EmptySnapshot() *RankingSnapshot {
	return &RankingSnapshot{Rankings: []ProviderRanking{}}
}

// Find returns the ranking entry for id
func (s *RankingSnapshot) Find(id ProviderID) (ProviderRanking, bool) {
	if s == nil {
		return ProviderRanking{}, false
	}
	for _, r := range s.Rankings {
		if r.ProviderID == id {
			return r, true
		}
	}
	return ProviderRanking{}, false
}
