package types

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOutcomeRecord_Normalize(t *testing.T) {
	now := time.Date(2025, 8, 18, 12, 0, 0, 0, time.UTC)

	rec := OutcomeRecord{Success: true, ResponseTimeMs: 200}.Normalize(now)

	assert.Equal(t, now, rec.Timestamp)
	assert.Equal(t, DefaultScenario, rec.Scenario)
	assert.Equal(t, LoadNormal, rec.LoadLevel)
	require.NoError(t, rec.Validate())
}

func TestOutcomeRecord_Validate(t *testing.T) {
	now := time.Now()
	base := OutcomeRecord{
		Timestamp:      now,
		Success:        true,
		ResponseTimeMs: 250,
		Cost:           0.01,
		QualityScore:   0.9,
		Scenario:       "customer_service",
		LoadLevel:      LoadHigh,
	}

	tests := []struct {
		name   string
		mutate func(r *OutcomeRecord)
	}{
		{"NaN response time", func(r *OutcomeRecord) { r.ResponseTimeMs = math.NaN() }},
		{"negative response time", func(r *OutcomeRecord) { r.ResponseTimeMs = -1 }},
		{"infinite cost", func(r *OutcomeRecord) { r.Cost = math.Inf(1) }},
		{"quality above one", func(r *OutcomeRecord) { r.QualityScore = 1.5 }},
		{"unknown load level", func(r *OutcomeRecord) { r.LoadLevel = "extreme" }},
		{"missing timestamp", func(r *OutcomeRecord) { r.Timestamp = time.Time{} }},
		{"missing scenario", func(r *OutcomeRecord) { r.Scenario = "" }},
	}

	require.NoError(t, base.Validate())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := base
			tt.mutate(&rec)
			err := rec.Validate()
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrMalformedRecord))
		})
	}
}

func TestOutcomeRequest_ToRecordDefaults(t *testing.T) {
	now := time.Date(2025, 8, 18, 12, 0, 0, 0, time.UTC)
	req := &OutcomeRequest{ResponseTimeMs: 120, Cost: 0.002}

	rec := req.ToRecord(now)

	assert.True(t, rec.Success)
	assert.Equal(t, 1.0, rec.QualityScore)
	assert.Equal(t, DefaultScenario, rec.Scenario)
	assert.Equal(t, LoadNormal, rec.LoadLevel)
	assert.Equal(t, now, rec.Timestamp)
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(" DEGRADED ")
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, s)

	_, err = ParseStatus("retired")
	assert.ErrorIs(t, err, ErrInvalidStatus)
}
