package ranking

import (
	"fmt"
	"math"
	"time"

	"github.com/tributary-ai/provider-ranking/internal/types"
)

// System-level antifragile constants. They have no stated derivation and
// are reported as-is.
const (
	AntifragileDiversityScore       = 0.8
	AntifragileAdaptationCapability = 0.7

	lowProviderCount      = 3
	lowSystemAverageScore = 0.6
	maxInsightRiskFactors = 2
)

// Analytics is the derived dashboard view over the current snapshot
type Analytics struct {
	GeneratedAt       time.Time                            `json:"generated_at"`
	SnapshotVersion   uint64                               `json:"snapshot_version"`
	Overview          Overview                             `json:"overview"`
	PerformanceTrends PerformanceTrends                    `json:"performance_trends"`
	ProviderInsights  map[types.ProviderID]ProviderInsight `json:"provider_insights"`
	Antifragile       AntifragileMetrics                   `json:"antifragile_metrics"`
	Recommendations   []string                             `json:"recommendations"`
}

// Overview counts providers by status
type Overview struct {
	TotalProviders   int                          `json:"total_providers"`
	RankedProviders  int                          `json:"ranked_providers"`
	StatusCounts     map[types.ProviderStatus]int `json:"status_counts"`
	RankingStability float64                      `json:"ranking_stability"`
	LastUpdated      time.Time                    `json:"last_updated"`
}

// PerformanceTrends aggregates scores across ranked providers
type PerformanceTrends struct {
	SystemHealth   float64                             `json:"overall_system_health"`
	ProviderTrends map[types.ProviderID]ProviderTrend  `json:"provider_trends"`
	MetricTrends   map[types.RankingMetric]MetricTrend `json:"metric_trends"`
}

type ProviderTrend struct {
	Trending   types.Trend `json:"trending"`
	RankChange int         `json:"rank_change"`
	Stability  float64     `json:"stability"`
}

type MetricTrend struct {
	Average  float64 `json:"average"`
	Best     float64 `json:"best"`
	Worst    float64 `json:"worst"`
	Variance float64 `json:"variance"`
}

// MetricScore names one metric value
type MetricScore struct {
	Metric types.RankingMetric `json:"metric"`
	Score  float64             `json:"score"`
}

type ProviderInsight struct {
	Summary         string               `json:"performance_summary"`
	Rank            int                  `json:"rank"`
	Status          types.ProviderStatus `json:"status"`
	WeightedScore   float64              `json:"overall_score"`
	Confidence      float64              `json:"confidence"`
	Stability       float64              `json:"stability"`
	TopStrength     *MetricScore         `json:"top_strength"`
	MainWeakness    *MetricScore         `json:"main_weakness"`
	Recommendations []string             `json:"recommendations"`
	RiskFactors     []string             `json:"risk_factors"`
}

type AntifragileMetrics struct {
	SystemResilience     float64 `json:"system_resilience"`
	DiversityScore       float64 `json:"diversity_score"`
	AdaptationCapability float64 `json:"adaptation_capability"`
	ProviderCount        int     `json:"provider_count"`
	ActiveProviderCount  int     `json:"active_provider_count"`
	OverallScore         float64 `json:"overall_antifragile_score"`
}

// buildAnalytics derives the dashboard view from snap and the full
// provider list, including providers not yet ranked.
func buildAnalytics(snap *types.RankingSnapshot, providers []types.ProviderInfo, now time.Time) *Analytics {
	a := &Analytics{
		GeneratedAt:     now,
		SnapshotVersion: snap.Version,
		Overview: Overview{
			TotalProviders:   len(providers),
			RankedProviders:  len(snap.Rankings),
			StatusCounts:     make(map[types.ProviderStatus]int, len(types.AllStatuses)),
			RankingStability: DefaultRankStability,
			LastUpdated:      snap.GeneratedAt,
		},
		PerformanceTrends: PerformanceTrends{
			ProviderTrends: make(map[types.ProviderID]ProviderTrend, len(snap.Rankings)),
			MetricTrends:   make(map[types.RankingMetric]MetricTrend),
		},
		ProviderInsights: make(map[types.ProviderID]ProviderInsight, len(snap.Rankings)),
	}

	for _, s := range types.AllStatuses {
		a.Overview.StatusCounts[s] = 0
	}
	for _, p := range providers {
		a.Overview.StatusCounts[p.Status]++
	}

	var activeScores []float64
	for _, r := range snap.Rankings {
		if r.Status == types.StatusActive {
			activeScores = append(activeScores, r.WeightedScore)
		}
		a.PerformanceTrends.ProviderTrends[r.ProviderID] = ProviderTrend{
			Trending:   r.Trending,
			RankChange: r.RankChange,
			Stability:  r.RankStability,
		}
		a.ProviderInsights[r.ProviderID] = insightFor(r)
	}
	a.PerformanceTrends.SystemHealth = meanOf(activeScores)

	if len(snap.Rankings) > 0 {
		for _, metric := range types.RankingMetrics {
			values := make([]float64, len(snap.Rankings))
			for i, r := range snap.Rankings {
				values[i] = r.MetricBreakdown[metric]
			}
			a.PerformanceTrends.MetricTrends[metric] = metricTrend(values)
		}
	}

	a.Antifragile = antifragile(snap.Rankings, len(activeScores))
	a.Recommendations = systemRecommendations(snap.Rankings)
	return a
}

func insightFor(r types.ProviderRanking) ProviderInsight {
	in := ProviderInsight{
		Summary: fmt.Sprintf("%s is %s, ranked #%d with %s performance trend.",
			r.ProviderID, r.Status, r.Rank, r.Trending),
		Rank:            r.Rank,
		Status:          r.Status,
		WeightedScore:   r.WeightedScore,
		Confidence:      r.Confidence,
		Stability:       r.RankStability,
		Recommendations: []string{r.Recommendation},
		RiskFactors:     []string{},
	}

	if len(r.Strengths) > 0 {
		in.TopStrength = extremeMetric(r.MetricBreakdown, func(a, b float64) bool { return a > b })
	}
	if len(r.Weaknesses) > 0 {
		in.MainWeakness = extremeMetric(r.MetricBreakdown, func(a, b float64) bool { return a < b })
		n := min(len(r.Weaknesses), maxInsightRiskFactors)
		in.RiskFactors = append(in.RiskFactors, r.Weaknesses[:n]...)
	}
	return in
}

// extremeMetric returns the highest or lowest metric depending on better.
// Ties go to the earlier metric in table order.
func extremeMetric(breakdown map[types.RankingMetric]float64, better func(a, b float64) bool) *MetricScore {
	var best *MetricScore
	for _, metric := range types.RankingMetrics {
		v, ok := breakdown[metric]
		if !ok {
			continue
		}
		if best == nil || better(v, best.Score) {
			best = &MetricScore{Metric: metric, Score: v}
		}
	}
	return best
}

func metricTrend(values []float64) MetricTrend {
	t := MetricTrend{
		Average: meanOf(values),
		Best:    values[0],
		Worst:   values[0],
	}
	for _, v := range values[1:] {
		t.Best = math.Max(t.Best, v)
		t.Worst = math.Min(t.Worst, v)
	}
	if len(values) > 1 {
		var ss float64
		for _, v := range values {
			d := v - t.Average
			ss += d * d
		}
		t.Variance = ss / float64(len(values)-1)
	}
	return t
}

func antifragile(rankings []types.ProviderRanking, active int) AntifragileMetrics {
	if len(rankings) == 0 {
		return AntifragileMetrics{}
	}
	resilience := float64(active) / float64(len(rankings))
	return AntifragileMetrics{
		SystemResilience:     resilience,
		DiversityScore:       AntifragileDiversityScore,
		AdaptationCapability: AntifragileAdaptationCapability,
		ProviderCount:        len(rankings),
		ActiveProviderCount:  active,
		OverallScore:         (resilience + AntifragileDiversityScore + AntifragileAdaptationCapability) / 3,
	}
}

func systemRecommendations(rankings []types.ProviderRanking) []string {
	if len(rankings) == 0 {
		return []string{"No providers currently ranked - register providers to begin"}
	}

	recs := []string{}
	if len(rankings) < lowProviderCount {
		recs = append(recs, "Consider adding more providers for better resilience")
	}
	scores := make([]float64, len(rankings))
	for i, r := range rankings {
		scores[i] = r.WeightedScore
	}
	if meanOf(scores) < lowSystemAverageScore {
		recs = append(recs, "Overall provider performance is below optimal - consider optimization")
	}
	return recs
}

func meanOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}
