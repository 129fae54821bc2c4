package metrics

import (
	"fmt"
	"time"
)

// Thresholds holds the empirically chosen constants of the calculator.
// They reproduce observed behavior and are kept overridable through the
// ranking.thresholds config section.
type Thresholds struct {
	ResponseTimeCapMs float64 `yaml:"response_time_cap_ms" json:"response_time_cap_ms"`
	CostCap           float64 `yaml:"cost_cap" json:"cost_cap"`

	AvailabilityLookback time.Duration `yaml:"availability_lookback" json:"availability_lookback"`
	AvailabilityFallback int           `yaml:"availability_fallback" json:"availability_fallback"`

	BiasMinRecords         int     `yaml:"bias_min_records" json:"bias_min_records"`
	BiasMinScenarioSamples int     `yaml:"bias_min_scenario_samples" json:"bias_min_scenario_samples"`
	BiasVarianceFactor     float64 `yaml:"bias_variance_factor" json:"bias_variance_factor"`

	LearningMinRecords    int `yaml:"learning_min_records" json:"learning_min_records"`
	LearningMinWindowSize int `yaml:"learning_min_window_size" json:"learning_min_window_size"`
	LearningWindowDivisor int `yaml:"learning_window_divisor" json:"learning_window_divisor"`

	AdaptationMinRecords int     `yaml:"adaptation_min_records" json:"adaptation_min_records"`
	RecoveryCap          float64 `yaml:"recovery_cap" json:"recovery_cap"`

	StressMinRecords int `yaml:"stress_min_records" json:"stress_min_records"`
}

// Default values for Thresholds
const (
	DefaultResponseTimeCapMs      = 5000.0
	DefaultCostCap                = 1.0
	DefaultAvailabilityLookback   = 24 * time.Hour
	DefaultAvailabilityFallback   = 50
	DefaultBiasMinRecords         = 10
	DefaultBiasMinScenarioSamples = 3
	DefaultBiasVarianceFactor     = 4.0
	DefaultLearningMinRecords     = 20
	DefaultLearningMinWindowSize  = 5
	DefaultLearningWindowDivisor  = 4
	DefaultAdaptationMinRecords   = 15
	DefaultRecoveryCap            = 20.0
	DefaultStressMinRecords       = 10
)

// Defaults used when a window is too short for a metric
const (
	neutralScore              = 0.5
	noRecoveryAdaptationScore = 0.8
)

// DefaultThresholds returns the calculator constants observed in production
func DefaultThresholds() Thresholds {
	return Thresholds{
		ResponseTimeCapMs:      DefaultResponseTimeCapMs,
		CostCap:                DefaultCostCap,
		AvailabilityLookback:   DefaultAvailabilityLookback,
		AvailabilityFallback:   DefaultAvailabilityFallback,
		BiasMinRecords:         DefaultBiasMinRecords,
		BiasMinScenarioSamples: DefaultBiasMinScenarioSamples,
		BiasVarianceFactor:     DefaultBiasVarianceFactor,
		LearningMinRecords:     DefaultLearningMinRecords,
		LearningMinWindowSize:  DefaultLearningMinWindowSize,
		LearningWindowDivisor:  DefaultLearningWindowDivisor,
		AdaptationMinRecords:   DefaultAdaptationMinRecords,
		RecoveryCap:            DefaultRecoveryCap,
		StressMinRecords:       DefaultStressMinRecords,
	}
}

// Validate checks that every threshold is usable as a divisor or count
func (t Thresholds) Validate() error {
	switch {
	case t.ResponseTimeCapMs <= 0:
		return fmt.Errorf("response_time_cap_ms must be positive")
	case t.CostCap <= 0:
		return fmt.Errorf("cost_cap must be positive")
	case t.AvailabilityLookback <= 0:
		return fmt.Errorf("availability_lookback must be positive")
	case t.AvailabilityFallback < 1:
		return fmt.Errorf("availability_fallback must be at least 1")
	case t.BiasMinScenarioSamples < 1:
		return fmt.Errorf("bias_min_scenario_samples must be at least 1")
	case t.BiasVarianceFactor < 0:
		return fmt.Errorf("bias_variance_factor must not be negative")
	case t.LearningMinWindowSize < 1:
		return fmt.Errorf("learning_min_window_size must be at least 1")
	case t.LearningWindowDivisor < 1:
		return fmt.Errorf("learning_window_divisor must be at least 1")
	case t.RecoveryCap <= 0:
		return fmt.Errorf("recovery_cap must be positive")
	case t.BiasMinRecords < 0, t.LearningMinRecords < 0, t.AdaptationMinRecords < 0, t.StressMinRecords < 0:
		return fmt.Errorf("minimum record counts must not be negative")
	}
	return nil
}
