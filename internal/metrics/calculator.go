// Package metrics turns a window of outcome records into a provider
// performance profile. Computation is pure apart from the clock used for
// the availability lookback.
package metrics

import (
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/tributary-ai/provider-ranking/internal/types"
)

// Calculator computes ProviderMetrics from outcome windows
type Calculator struct {
	thresholds atomic.Pointer[Thresholds]
	now        func() time.Time
}

// Option configures a Calculator
type Option func(*Calculator)

// WithClock overrides the clock used for the availability lookback
func WithClock(now func() time.Time) Option {
	return func(c *Calculator) { c.now = now }
}

// NewCalculator creates a calculator using th
func NewCalculator(th Thresholds, opts ...Option) *Calculator {
	c := &Calculator{now: time.Now}
	c.thresholds.Store(&th)
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Thresholds returns the thresholds currently in effect
func (c *Calculator) Thresholds() Thresholds {
	return *c.thresholds.Load()
}

// SetThresholds replaces the thresholds used by subsequent computations
func (c *Calculator) SetThresholds(th Thresholds) error {
	if err := th.Validate(); err != nil {
		return fmt.Errorf("invalid thresholds: %w", err)
	}
	c.thresholds.Store(&th)
	return nil
}

// Compute derives the metrics for id from window, which must be ordered
// oldest first. A record that fails validation aborts the computation
// with an error wrapping types.ErrMalformedRecord.
func (c *Calculator) Compute(id types.ProviderID, window []types.OutcomeRecord) (*types.ProviderMetrics, error) {
	th := c.Thresholds()
	now := c.now().UTC()

	for i := range window {
		if err := window[i].Validate(); err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
	}

	m := &types.ProviderMetrics{
		ProviderID:          id,
		ComputedAt:          now,
		HourlyPerformance:   make(map[int]float64),
		DailyTrends:         make(map[string]float64),
		ScenarioPerformance: make(map[string]float64),
		LoadPerformance:     make(map[string]float64),
	}

	var (
		latencySum, qualitySum, costSum float64
		costCount                       int
	)
	for _, r := range window {
		m.TotalCost += r.Cost
		if r.Cost > 0 {
			costSum += r.Cost
			costCount++
		}
		if r.Success {
			m.SuccessfulRequests++
			latencySum += r.ResponseTimeMs
			qualitySum += r.QualityScore
		}
	}
	m.TotalRequests = len(window)
	m.FailedRequests = m.TotalRequests - m.SuccessfulRequests

	if m.TotalRequests > 0 {
		m.Reliability = float64(m.SuccessfulRequests) / float64(m.TotalRequests)
	}
	if m.SuccessfulRequests > 0 {
		m.AvgResponseTimeMs = latencySum / float64(m.SuccessfulRequests)
		m.Performance = clamp01(1 - m.AvgResponseTimeMs/th.ResponseTimeCapMs)
		m.ResponseTimeScore = m.Performance
		m.Quality = clamp01(qualitySum / float64(m.SuccessfulRequests))
	}
	if costCount > 0 {
		m.CostEfficiency = clamp01(1 - (costSum/float64(costCount))/th.CostCap)
	}

	m.Availability = availability(window, now, th)
	m.BiasResistance = biasResistance(window, th)
	m.LearningCompatibility = learningCompatibility(window, th)
	m.AdaptationVelocity = adaptationVelocity(window, th)
	m.StressTolerance = stressTolerance(window, th)

	fillBreakdowns(m, window)

	if err := checkFinite(m); err != nil {
		return nil, err
	}
	return m, nil
}

// Breakdown maps each weighted ranking metric to its value in m
func Breakdown(m *types.ProviderMetrics) map[types.RankingMetric]float64 {
	return map[types.RankingMetric]float64{
		types.MetricReliability:           m.Reliability,
		types.MetricPerformance:           m.Performance,
		types.MetricCostEfficiency:        m.CostEfficiency,
		types.MetricQuality:               m.Quality,
		types.MetricAvailability:          m.Availability,
		types.MetricBiasResistance:        m.BiasResistance,
		types.MetricLearningCompatibility: m.LearningCompatibility,
		types.MetricResponseTime:          m.ResponseTimeScore,
	}
}

func availability(window []types.OutcomeRecord, now time.Time, th Thresholds) float64 {
	if len(window) == 0 {
		return 0
	}

	cutoff := now.Add(-th.AvailabilityLookback)
	var total, ok int
	for _, r := range window {
		if !r.Timestamp.Before(cutoff) {
			total++
			if r.Success {
				ok++
			}
		}
	}
	if total > 0 {
		return float64(ok) / float64(total)
	}

	recent := window
	if len(recent) > th.AvailabilityFallback {
		recent = recent[len(recent)-th.AvailabilityFallback:]
	}
	return successRate(recent)
}

func biasResistance(window []types.OutcomeRecord, th Thresholds) float64 {
	if len(window) < th.BiasMinRecords {
		return neutralScore
	}

	groups := make(map[string][]types.OutcomeRecord)
	for _, r := range window {
		groups[r.Scenario] = append(groups[r.Scenario], r)
	}

	rates := make([]float64, 0, len(groups))
	for _, g := range groups {
		if len(g) >= th.BiasMinScenarioSamples {
			rates = append(rates, successRate(g))
		}
	}
	if len(rates) < 2 {
		return neutralScore
	}
	return clamp01(1 - th.BiasVarianceFactor*sampleVariance(rates))
}

func learningCompatibility(window []types.OutcomeRecord, th Thresholds) float64 {
	n := len(window)
	if n < th.LearningMinRecords {
		return neutralScore
	}

	size := max(th.LearningMinWindowSize, n/th.LearningWindowDivisor)
	step := max(size/2, 1)

	var scores []float64
	for i := 0; i+size <= n; i += step {
		slice := window[i : i+size]
		var qualitySum float64
		var successes int
		for _, r := range slice {
			if r.Success {
				successes++
				qualitySum += r.QualityScore
			}
		}
		rate := float64(successes) / float64(len(slice))
		avgQuality := 0.0
		if successes > 0 {
			avgQuality = qualitySum / float64(successes)
		}
		scores = append(scores, (rate+avgQuality)/2)
	}

	// Comparing the first two windows against the last two needs at least
	// three windows; with fewer there is no trend to read.
	if len(scores) < 3 {
		return neutralScore
	}

	early := mean(scores[:2])
	recent := mean(scores[len(scores)-2:])
	improvement := (recent - early) / math.Max(early, 0.1)
	return clamp01(0.5 + improvement*0.5)
}

func adaptationVelocity(window []types.OutcomeRecord, th Thresholds) float64 {
	if len(window) < th.AdaptationMinRecords {
		return neutralScore
	}

	var recoveries []float64
	failureStart := -1
	for i, r := range window {
		switch {
		case !r.Success && failureStart == -1:
			failureStart = i
		case r.Success && failureStart != -1:
			recoveries = append(recoveries, float64(i-failureStart))
			failureStart = -1
		}
	}
	if len(recoveries) == 0 {
		return noRecoveryAdaptationScore
	}
	return clamp01(1 - mean(recoveries)/th.RecoveryCap)
}

func stressTolerance(window []types.OutcomeRecord, th Thresholds) float64 {
	if len(window) < th.StressMinRecords {
		return neutralScore
	}

	var normal, high []types.OutcomeRecord
	for _, r := range window {
		switch r.LoadLevel {
		case types.LoadNormal:
			normal = append(normal, r)
		case types.LoadHigh:
			high = append(high, r)
		}
	}

	normalRate := 1.0
	if len(normal) > 0 {
		normalRate = successRate(normal)
	}
	highRate := normalRate
	if len(high) > 0 {
		highRate = successRate(high)
	}
	if normalRate <= 0 {
		return 0
	}
	return clamp01(highRate / normalRate)
}

// fillBreakdowns computes success rates per hour of day, calendar day,
// scenario and load level.
func fillBreakdowns(m *types.ProviderMetrics, window []types.OutcomeRecord) {
	type tally struct{ ok, total int }
	hourly := make(map[int]*tally)
	daily := make(map[string]*tally)
	scenario := make(map[string]*tally)
	load := make(map[string]*tally)

	bump := func(t *tally, success bool) *tally {
		if t == nil {
			t = &tally{}
		}
		t.total++
		if success {
			t.ok++
		}
		return t
	}

	for _, r := range window {
		ts := r.Timestamp.UTC()
		hourly[ts.Hour()] = bump(hourly[ts.Hour()], r.Success)
		day := ts.Format(time.DateOnly)
		daily[day] = bump(daily[day], r.Success)
		scenario[r.Scenario] = bump(scenario[r.Scenario], r.Success)
		load[string(r.LoadLevel)] = bump(load[string(r.LoadLevel)], r.Success)
	}

	for k, t := range hourly {
		m.HourlyPerformance[k] = float64(t.ok) / float64(t.total)
	}
	for k, t := range daily {
		m.DailyTrends[k] = float64(t.ok) / float64(t.total)
	}
	for k, t := range scenario {
		m.ScenarioPerformance[k] = float64(t.ok) / float64(t.total)
	}
	for k, t := range load {
		m.LoadPerformance[k] = float64(t.ok) / float64(t.total)
	}
}

// checkFinite rejects metrics whose scores or aggregates overflowed; they
// cannot be ranked or encoded.
func checkFinite(m *types.ProviderMetrics) error {
	values := map[string]float64{
		"avg_response_time_ms":   m.AvgResponseTimeMs,
		"total_cost":             m.TotalCost,
		"reliability":            m.Reliability,
		"performance":            m.Performance,
		"cost_efficiency":        m.CostEfficiency,
		"quality":                m.Quality,
		"availability":           m.Availability,
		"bias_resistance":        m.BiasResistance,
		"learning_compatibility": m.LearningCompatibility,
		"adaptation_velocity":    m.AdaptationVelocity,
		"stress_tolerance":       m.StressTolerance,
		"response_time_score":    m.ResponseTimeScore,
	}
	for name, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: %s is not finite", types.ErrMalformedRecord, name)
		}
	}
	return nil
}

func successRate(records []types.OutcomeRecord) float64 {
	if len(records) == 0 {
		return 0
	}
	ok := 0
	for _, r := range records {
		if r.Success {
			ok++
		}
	}
	return float64(ok) / float64(len(records))
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// sampleVariance uses the n-1 denominator
func sampleVariance(xs []float64) float64 {
	if len(xs) < 2 {
		return 0
	}
	mu := mean(xs)
	var ss float64
	for _, x := range xs {
		d := x - mu
		ss += d * d
	}
	return ss / float64(len(xs)-1)
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return v
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
