// Package simulate generates demo provider activity so the ranking engine
// and its dashboards have something to show without live traffic.
package simulate

import (
	"context"
	"math"
	"math/rand/v2"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/provider-ranking/internal/types"
)

// Profile describes a simulated provider's baseline behaviour
type Profile struct {
	SuccessRate    float64
	ResponseTimeMs float64
	Cost           float64
}

// Profiles is the built-in provider table. Providers not listed here get
// DefaultProfile.
var Profiles = map[types.ProviderID]Profile{
	"openai":    {SuccessRate: 0.95, ResponseTimeMs: 1200, Cost: 0.020},
	"anthropic": {SuccessRate: 0.97, ResponseTimeMs: 1500, Cost: 0.025},
	"google":    {SuccessRate: 0.92, ResponseTimeMs: 800, Cost: 0.015},
	"azure":     {SuccessRate: 0.94, ResponseTimeMs: 1100, Cost: 0.018},
	"cohere":    {SuccessRate: 0.90, ResponseTimeMs: 1000, Cost: 0.012},
}

var DefaultProfile = Profile{SuccessRate: 0.93, ResponseTimeMs: 1000, Cost: 0.02}

var scenarios = []string{
	"customer_service",
	"fraud_detection",
	"content_moderation",
	"analysis",
	"translation",
}

const (
	DefaultInterval              = 2 * time.Second
	DefaultStatusFlipProbability = 0.02

	// failures are rarer than degradations by this factor
	failureRarity        = 20
	recoveryProbability  = 0.3
	minResponseTimeMs    = 100
	degradedLatencyScale = 3
)

// Engine is the part of the ranking engine the simulator drives
type Engine interface {
	RegisterProvider(id types.ProviderID, status types.ProviderStatus) (bool, error)
	RecordOutcome(id types.ProviderID, rec types.OutcomeRecord) error
	UpdateProviderStatus(ctx context.Context, id types.ProviderID, status types.ProviderStatus, reason string) (types.StatusChange, error)
	Provider(id types.ProviderID) (types.ProviderInfo, error)
}

// Config controls the simulator
type Config struct {
	Providers             []types.ProviderID
	Interval              time.Duration
	Seed                  int64
	StatusFlipProbability float64
}

// Simulator emits one outcome per provider each interval and occasionally
// flips provider status.
type Simulator struct {
	engine Engine
	cfg    Config
	rng    *rand.Rand
	logger *logrus.Logger
	now    func() time.Time

	recorded atomic.Int64
}

// New creates a simulator. A zero seed picks a time-based one.
func New(engine Engine, cfg Config, logger *logrus.Logger) *Simulator {
	if len(cfg.Providers) == 0 {
		cfg.Providers = []types.ProviderID{"openai", "anthropic", "google", "azure", "cohere"}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.StatusFlipProbability < 0 {
		cfg.StatusFlipProbability = 0
	}
	seed := uint64(cfg.Seed)
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	return &Simulator{
		engine: engine,
		cfg:    cfg,
		rng:    rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)),
		logger: logger,
		now:    time.Now,
	}
}

// Run registers the simulated providers and generates activity until ctx
// is cancelled.
func (s *Simulator) Run(ctx context.Context) error {
	for _, id := range s.cfg.Providers {
		if _, err := s.engine.RegisterProvider(id, types.StatusActive); err != nil {
			return err
		}
	}

	s.logger.WithFields(logrus.Fields{
		"providers": len(s.cfg.Providers),
		"interval":  s.cfg.Interval.String(),
	}).Info("Provider activity simulation started")

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.WithField("outcomes", s.recorded.Load()).Info("Provider activity simulation stopped")
			return nil
		case <-ticker.C:
			s.Step(ctx)
		}
	}
}

// Step generates one outcome for every simulated provider
func (s *Simulator) Step(ctx context.Context) {
	for _, id := range s.cfg.Providers {
		rec := s.outcome(id)
		rec = s.maybeFlipStatus(ctx, id, rec)

		if err := s.engine.RecordOutcome(id, rec); err != nil {
			s.logger.WithError(err).WithField("provider", id).Warn("Simulated outcome rejected")
			continue
		}
		s.recorded.Add(1)
	}
}

// Recorded reports how many simulated outcomes the engine accepted
func (s *Simulator) Recorded() int {
	return int(s.recorded.Load())
}

func (s *Simulator) outcome(id types.ProviderID) types.OutcomeRecord {
	profile, ok := Profiles[id]
	if !ok {
		profile = DefaultProfile
	}

	now := s.now().UTC()
	load := s.loadLevel()
	timeFactor := hourFactor(now.Hour())
	loadFactor := map[types.LoadLevel]float64{
		types.LoadLow:    1.1,
		types.LoadNormal: 1.0,
		types.LoadHigh:   0.8,
	}[load]

	successRate := profile.SuccessRate*timeFactor*loadFactor + s.uniform(-0.05, 0.05)
	success := s.rng.Float64() < clamp01(successRate)

	responseTime := profile.ResponseTimeMs/timeFactor/loadFactor + s.uniform(-200, 200)

	quality := 0.0
	if success {
		quality = s.uniform(0.85, 0.98)
	}

	return types.OutcomeRecord{
		Timestamp:      now,
		Success:        success,
		ResponseTimeMs: math.Max(minResponseTimeMs, responseTime),
		Cost:           profile.Cost * s.uniform(0.8, 1.2),
		QualityScore:   quality,
		Scenario:       scenarios[s.rng.IntN(len(scenarios))],
		LoadLevel:      load,
	}
}

// maybeFlipStatus degrades, fails or recovers the provider and adjusts the
// outcome to match.
func (s *Simulator) maybeFlipStatus(ctx context.Context, id types.ProviderID, rec types.OutcomeRecord) types.OutcomeRecord {
	p := s.cfg.StatusFlipProbability
	switch roll := s.rng.Float64(); {
	case roll < p:
		rec.Success = false
		rec.QualityScore = 0
		rec.ResponseTimeMs *= degradedLatencyScale
		s.setStatus(ctx, id, types.StatusDegraded, "Simulated performance degradation")
	case roll < p+p/failureRarity:
		rec.Success = false
		rec.QualityScore = 0
		s.setStatus(ctx, id, types.StatusFailing, "Simulated provider failure")
	default:
		info, err := s.engine.Provider(id)
		if err != nil {
			break
		}
		if info.Status == types.StatusDegraded || info.Status == types.StatusFailing {
			if s.rng.Float64() < recoveryProbability {
				s.setStatus(ctx, id, types.StatusActive, "Performance restored")
			}
		}
	}
	return rec
}

func (s *Simulator) setStatus(ctx context.Context, id types.ProviderID, status types.ProviderStatus, reason string) {
	if _, err := s.engine.UpdateProviderStatus(ctx, id, status, reason); err != nil {
		s.logger.WithError(err).WithField("provider", id).Warn("Simulated status change failed")
	}
}

func (s *Simulator) loadLevel() types.LoadLevel {
	switch roll := s.rng.Float64(); {
	case roll < 0.3:
		return types.LoadLow
	case roll < 0.8:
		return types.LoadNormal
	default:
		return types.LoadHigh
	}
}

func (s *Simulator) uniform(lo, hi float64) float64 {
	return lo + s.rng.Float64()*(hi-lo)
}

// hourFactor models busier business hours and quieter nights (UTC)
func hourFactor(hour int) float64 {
	switch {
	case hour >= 9 && hour <= 17:
		return 0.9
	case hour >= 2 && hour <= 6:
		return 1.1
	default:
		return 1.0
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
