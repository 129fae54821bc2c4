package types

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// ProviderID identifies an upstream provider. IDs are never reused.
type ProviderID = string

// LoadLevel describes the traffic level a request was served under
type LoadLevel string

const (
	LoadLow    LoadLevel = "low"
	LoadNormal LoadLevel = "normal"
	LoadHigh   LoadLevel = "high"
)

// DefaultScenario is applied to records that arrive without a scenario tag
const DefaultScenario = "general"

// Valid reports whether l is one of the known load levels
func (l LoadLevel) Valid() bool {
	switch l {
	case LoadLow, LoadNormal, LoadHigh:
		return true
	default:
		return false
	}
}

// OutcomeRecord is one observed result of a request to a provider.
// Records are immutable once stored.
type OutcomeRecord struct {
	Timestamp      time.Time `json:"timestamp"`
	Success        bool      `json:"success"`
	ResponseTimeMs float64   `json:"response_time_ms"`
	Cost           float64   `json:"cost"`

	// QualityScore is in [0, 1] and only meaningful when Success is true
	QualityScore float64 `json:"quality_score"`

	ErrorType *string   `json:"error_type,omitempty"`
	Scenario  string    `json:"scenario"`
	LoadLevel LoadLevel `json:"load_level"`
}

// OutcomeRequest is the wire form accepted by the ingestion API. Optional
// fields fall back to the same defaults the ingestion path has always used.
type OutcomeRequest struct {
	Timestamp      *time.Time `json:"timestamp,omitempty"`
	Success        *bool      `json:"success,omitempty"`
	ResponseTimeMs float64    `json:"response_time_ms"`
	Cost           float64    `json:"cost"`
	QualityScore   *float64   `json:"quality_score,omitempty"`
	ErrorType      *string    `json:"error_type,omitempty"`
	Scenario       string     `json:"scenario,omitempty"`
	LoadLevel      LoadLevel  `json:"load_level,omitempty"`
}

// ToRecord converts the request into a normalized OutcomeRecord
func (r *OutcomeRequest) ToRecord(now time.Time) OutcomeRecord {
	rec := OutcomeRecord{
		Success:        true,
		ResponseTimeMs: r.ResponseTimeMs,
		Cost:           r.Cost,
		QualityScore:   1.0,
		ErrorType:      r.ErrorType,
		Scenario:       r.Scenario,
		LoadLevel:      r.LoadLevel,
	}
	if r.Timestamp != nil {
		rec.Timestamp = *r.Timestamp
	}
	if r.Success != nil {
		rec.Success = *r.Success
	}
	if r.QualityScore != nil {
		rec.QualityScore = *r.QualityScore
	}
	return rec.Normalize(now)
}

// Normalize fills defaults for missing optional fields. The receiver is
// not modified.
func (r OutcomeRecord) Normalize(now time.Time) OutcomeRecord {
	if r.Timestamp.IsZero() {
		r.Timestamp = now
	}
	r.Timestamp = r.Timestamp.UTC()
	r.Scenario = strings.TrimSpace(r.Scenario)
	if r.Scenario == "" {
		r.Scenario = DefaultScenario
	}
	if r.LoadLevel == "" {
		r.LoadLevel = LoadNormal
	}
	return r
}

// Validate checks the record for values that would poison the statistics.
// All failures wrap ErrMalformedRecord.
func (r OutcomeRecord) Validate() error {
	if r.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrMalformedRecord)
	}
	if !finite(r.ResponseTimeMs) || r.ResponseTimeMs < 0 {
		return fmt.Errorf("%w: response_time_ms must be a non-negative number, got %v", ErrMalformedRecord, r.ResponseTimeMs)
	}
	if !finite(r.Cost) || r.Cost < 0 {
		return fmt.Errorf("%w: cost must be a non-negative number, got %v", ErrMalformedRecord, r.Cost)
	}
	if !finite(r.QualityScore) || r.QualityScore < 0 || r.QualityScore > 1 {
		return fmt.Errorf("%w: quality_score must be in [0, 1], got %v", ErrMalformedRecord, r.QualityScore)
	}
	if !r.LoadLevel.Valid() {
		return fmt.Errorf("%w: unknown load_level %q", ErrMalformedRecord, r.LoadLevel)
	}
	if r.Scenario == "" {
		return fmt.Errorf("%w: missing scenario", ErrMalformedRecord)
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
