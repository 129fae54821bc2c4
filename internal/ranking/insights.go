package ranking

import (
	"math"
	"sort"

	"github.com/tributary-ai/provider-ranking/internal/types"
)

const (
	strengthThreshold = 0.8
	weaknessThreshold = 0.4

	// DefaultRankStability is reported for every ranking until stability is
	// derived from history.
	DefaultRankStability = 0.8

	// confidenceSaturation is the request count at which confidence is 1
	confidenceSaturation = 100.0

	trendRecentDays      = 5
	trendMinBuckets      = 3
	trendChangeThreshold = 0.05
)

type insightLabel struct {
	value    func(m *types.ProviderMetrics) float64
	strength string
	weakness string
}

// insightLabels is the fixed label table for strengths and weaknesses
var insightLabels = []insightLabel{
	{func(m *types.ProviderMetrics) float64 { return m.Reliability }, "Excellent reliability", "Poor reliability"},
	{func(m *types.ProviderMetrics) float64 { return m.Performance }, "Fast response times", "Slow response times"},
	{func(m *types.ProviderMetrics) float64 { return m.CostEfficiency }, "Cost-effective operations", "Expensive operations"},
	{func(m *types.ProviderMetrics) float64 { return m.Quality }, "High output quality", "Low output quality"},
	{func(m *types.ProviderMetrics) float64 { return m.Availability }, "Strong uptime record", "Weak uptime record"},
	{func(m *types.ProviderMetrics) float64 { return m.BiasResistance }, "Consistent across scenarios", "Inconsistent across scenarios"},
	{func(m *types.ProviderMetrics) float64 { return m.LearningCompatibility }, "Adapts well to learning", "Adapts poorly to learning"},
	{func(m *types.ProviderMetrics) float64 { return m.StressTolerance }, "Handles high load well", "Handles high load poorly"},
}

func strengthsAndWeaknesses(m *types.ProviderMetrics) ([]string, []string) {
	strengths := []string{}
	weaknesses := []string{}
	for _, l := range insightLabels {
		v := l.value(m)
		switch {
		case v >= strengthThreshold:
			strengths = append(strengths, l.strength)
		case v <= weaknessThreshold:
			weaknesses = append(weaknesses, l.weakness)
		}
	}
	return strengths, weaknesses
}

func confidence(totalRequests int) float64 {
	return math.Min(float64(totalRequests)/confidenceSaturation, 1)
}

// trendOf compares the first two and last two of the most recent daily
// success rates.
func trendOf(m *types.ProviderMetrics) types.Trend {
	if len(m.DailyTrends) < trendMinBuckets {
		return types.TrendStable
	}

	days := make([]string, 0, len(m.DailyTrends))
	for day := range m.DailyTrends {
		days = append(days, day)
	}
	// YYYY-MM-DD sorts chronologically.
	sort.Strings(days)
	if len(days) > trendRecentDays {
		days = days[len(days)-trendRecentDays:]
	}

	rates := make([]float64, len(days))
	for i, day := range days {
		rates[i] = m.DailyTrends[day]
	}

	early := (rates[0] + rates[1]) / 2
	late := (rates[len(rates)-2] + rates[len(rates)-1]) / 2
	change := (late - early) / math.Max(early, 0.1)

	switch {
	case change > trendChangeThreshold:
		return types.TrendImproving
	case change < -trendChangeThreshold:
		return types.TrendDeclining
	}
	return types.TrendStable
}

// recommend turns status, rank and metrics into a usage recommendation.
// Status overrides everything else.
func recommend(m *types.ProviderMetrics, status types.ProviderStatus, rank int) string {
	switch status {
	case types.StatusOffline:
		return "Do not use - Provider offline"
	case types.StatusFailing:
		return "Avoid - Provider experiencing failures"
	case types.StatusMaintenance:
		return "Limited use - Provider under maintenance"
	case types.StatusDegraded:
		return "Use with caution - Performance degraded"
	}

	switch {
	case rank == 1:
		return "Primary choice - Top performer"
	case rank <= 3:
		return "Recommended - High performance"
	case m.Reliability > 0.8 && m.CostEfficiency > 0.7:
		return "Good backup choice - Reliable and cost-effective"
	case m.CostEfficiency > 0.8:
		return "Cost-effective option - Good for budget optimization"
	case m.Performance > 0.8:
		return "Performance option - Fast response times"
	}
	return "Consider for specific use cases only"
}
