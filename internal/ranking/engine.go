// Package ranking turns per-provider outcome windows into versioned,
// ranked snapshots and publishes every new snapshot to subscribers.
package ranking

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/provider-ranking/internal/broadcast"
	"github.com/tributary-ai/provider-ranking/internal/cache"
	"github.com/tributary-ai/provider-ranking/internal/metrics"
	"github.com/tributary-ai/provider-ranking/internal/outcomes"
	"github.com/tributary-ai/provider-ranking/internal/sink"
	"github.com/tributary-ai/provider-ranking/internal/telemetry"
	"github.com/tributary-ai/provider-ranking/internal/types"
)

const (
	DefaultMinRequests       = 5
	DefaultRecomputeInterval = 30 * time.Second
	DefaultMetricsTTL        = 60 * time.Second
	DefaultViewTTL           = 30 * time.Second
	DefaultStatusLogSize     = 20

	maxProviderIDLength = 128
	analyticsCacheKey   = "analytics"
)

// Config holds the engine settings. Zero values fall back to the defaults.
type Config struct {
	WindowCapacity    int
	MinRequests       int
	RecomputeInterval time.Duration
	MetricsTTL        time.Duration
	ViewTTL           time.Duration
	HistorySize       int
	StatusLogSize     int
	AutoRegister      bool
	Weights           Weights
	Thresholds        *metrics.Thresholds
}

// Settings is the subset of configuration that can change at runtime
type Settings struct {
	MinRequests       int
	RecomputeInterval time.Duration
	AutoRegister      bool
	Weights           Weights
	Thresholds        metrics.Thresholds
}

// Persister receives every accepted outcome and published snapshot.
// Implementations must not block.
type Persister interface {
	EnqueueOutcome(id types.ProviderID, rec types.OutcomeRecord)
	EnqueueSnapshot(snap *types.RankingSnapshot)
}

// Option configures an Engine
type Option func(*Engine)

// WithClock overrides the engine clock
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithTelemetry records engine activity in m
func WithTelemetry(m *telemetry.Metrics) Option {
	return func(e *Engine) { e.telemetry = m }
}

// WithPersister forwards outcomes and snapshots to p
func WithPersister(p Persister) Option {
	return func(e *Engine) { e.persister = p }
}

type providerState struct {
	status  types.ProviderStatus
	changes []types.StatusChange
}

// Engine owns the outcome windows, the metrics cache and the current
// snapshot. Recomputes are serialized; readers never block on them.
type Engine struct {
	store     *outcomes.Store
	calc      *metrics.Calculator
	hub       *broadcast.Hub
	logger    *logrus.Logger
	telemetry *telemetry.Metrics
	persister Persister
	now       func() time.Time

	metricsCache *cache.TTL[*types.ProviderMetrics]
	viewCache    *cache.TTL[*Analytics]

	settingsMu        sync.RWMutex
	minRequests       int
	weights           Weights
	autoRegister      bool
	recomputeInterval time.Duration
	statusLogSize     int

	provMu    sync.RWMutex
	providers map[types.ProviderID]*providerState

	recomputeMu sync.Mutex
	version     uint64
	current     atomic.Pointer[types.RankingSnapshot]
	history     *history

	trigger chan struct{}
	reset   chan time.Duration
}

// NewEngine validates cfg and assembles an engine. A nil hub gets a
// default one.
func NewEngine(cfg Config, hub *broadcast.Hub, logger *logrus.Logger, opts ...Option) (*Engine, error) {
	if cfg.Weights == nil {
		cfg.Weights = DefaultWeights()
	}
	if err := cfg.Weights.Validate(); err != nil {
		return nil, fmt.Errorf("invalid ranking weights: %w", err)
	}
	th := metrics.DefaultThresholds()
	if cfg.Thresholds != nil {
		th = *cfg.Thresholds
	}
	if err := th.Validate(); err != nil {
		return nil, fmt.Errorf("invalid metric thresholds: %w", err)
	}
	if cfg.MinRequests <= 0 {
		cfg.MinRequests = DefaultMinRequests
	}
	if cfg.RecomputeInterval <= 0 {
		cfg.RecomputeInterval = DefaultRecomputeInterval
	}
	if cfg.MetricsTTL <= 0 {
		cfg.MetricsTTL = DefaultMetricsTTL
	}
	if cfg.ViewTTL <= 0 {
		cfg.ViewTTL = DefaultViewTTL
	}
	if cfg.StatusLogSize <= 0 {
		cfg.StatusLogSize = DefaultStatusLogSize
	}
	if logger == nil {
		logger = logrus.New()
	}
	if hub == nil {
		hub = broadcast.NewHub(broadcast.Config{}, logger)
	}

	e := &Engine{
		hub:               hub,
		logger:            logger,
		now:               time.Now,
		minRequests:       cfg.MinRequests,
		weights:           cfg.Weights.Clone(),
		autoRegister:      cfg.AutoRegister,
		recomputeInterval: cfg.RecomputeInterval,
		statusLogSize:     cfg.StatusLogSize,
		providers:         make(map[types.ProviderID]*providerState),
		history:           newHistory(cfg.HistorySize),
		trigger:           make(chan struct{}, 1),
		reset:             make(chan time.Duration, 1),
	}
	for _, opt := range opts {
		opt(e)
	}

	cacheOpts := []cache.Option{cache.WithClock(e.now)}
	if e.telemetry != nil {
		cacheOpts = append(cacheOpts, cache.WithObserver(e.telemetry))
		hub.SetObserver(e.telemetry)
	}
	e.metricsCache = cache.NewTTL[*types.ProviderMetrics](cfg.MetricsTTL, append(cacheOpts, cache.WithName("metrics"))...)
	e.viewCache = cache.NewTTL[*Analytics](cfg.ViewTTL, append(cacheOpts, cache.WithName("view"))...)

	e.store = outcomes.NewStore(cfg.WindowCapacity,
		outcomes.WithInvalidator(e.metricsCache),
		outcomes.WithClock(e.now),
	)
	e.calc = metrics.NewCalculator(th, metrics.WithClock(e.now))
	e.current.Store(types.EmptySnapshot())
	return e, nil
}

// Hub returns the broadcast hub snapshots are published on
func (e *Engine) Hub() *broadcast.Hub {
	return e.hub
}

// RegisterProvider adds id with the given initial status. Registering an
// existing provider is a no-op and reports false.
func (e *Engine) RegisterProvider(id types.ProviderID, status types.ProviderStatus) (bool, error) {
	if err := validateID(id); err != nil {
		return false, err
	}
	if status == "" {
		status = types.StatusActive
	}
	if !status.Valid() {
		return false, fmt.Errorf("%w: %q", types.ErrInvalidStatus, status)
	}

	if !e.ensureProvider(id, status) {
		return false, nil
	}
	e.logger.WithFields(logrus.Fields{
		"provider": id,
		"status":   status,
	}).Info("Provider registered")
	e.Trigger()
	return true, nil
}

// RecordOutcome appends rec to the provider's window. Unknown providers are
// registered on the fly when auto-registration is on.
func (e *Engine) RecordOutcome(id types.ProviderID, rec types.OutcomeRecord) error {
	return e.ingest(id, rec, true)
}

func (e *Engine) ingest(id types.ProviderID, rec types.OutcomeRecord, persist bool) error {
	if err := validateID(id); err != nil {
		return err
	}
	rec = rec.Normalize(e.now())
	if err := rec.Validate(); err != nil {
		e.logger.WithError(err).WithField("provider", id).Warn("Dropping malformed outcome record")
		e.telemetry.OutcomeMalformed()
		return err
	}

	if !e.isRegistered(id) {
		if persist && !e.AutoRegister() {
			return fmt.Errorf("%w: %s", types.ErrProviderNotFound, id)
		}
		if e.ensureProvider(id, types.StatusActive) && persist {
			e.logger.WithField("provider", id).Warn("Auto-registered provider from outcome record")
			e.telemetry.ProviderAutoRegistered()
			e.Trigger()
		}
	}

	if _, err := e.store.Append(id, rec); err != nil {
		e.telemetry.OutcomeMalformed()
		return err
	}
	e.telemetry.OutcomeRecorded(id, rec.Success)
	if persist && e.persister != nil {
		e.persister.EnqueueOutcome(id, rec)
	}

	e.logger.WithFields(logrus.Fields{
		"provider": id,
		"success":  rec.Success,
		"scenario": rec.Scenario,
	}).Debug("Outcome recorded")
	return nil
}

// LoadHistory replays up to limit persisted outcomes into the windows.
// Providers found in the history are registered as active; malformed
// entries are skipped.
func (e *Engine) LoadHistory(ctx context.Context, src sink.HistorySource, limit int) (int, error) {
	entries, err := src.LoadHistory(ctx, limit)
	if err != nil {
		return 0, fmt.Errorf("failed to load outcome history: %w", err)
	}

	loaded := 0
	for _, entry := range entries {
		if err := e.ingest(entry.ProviderID, entry.Record, false); err != nil {
			continue
		}
		loaded++
	}
	e.logger.WithFields(logrus.Fields{
		"loaded":  loaded,
		"skipped": len(entries) - loaded,
	}).Info("Outcome history replayed")
	return loaded, nil
}

// UpdateProviderStatus records an explicit status transition, recomputes
// rankings and announces the change to subscribers.
func (e *Engine) UpdateProviderStatus(ctx context.Context, id types.ProviderID, status types.ProviderStatus, reason string) (types.StatusChange, error) {
	if !status.Valid() {
		return types.StatusChange{}, fmt.Errorf("%w: %q", types.ErrInvalidStatus, status)
	}

	e.recomputeMu.Lock()
	defer e.recomputeMu.Unlock()

	e.provMu.Lock()
	st, ok := e.providers[id]
	if !ok {
		e.provMu.Unlock()
		return types.StatusChange{}, fmt.Errorf("%w: %s", types.ErrProviderNotFound, id)
	}
	change := types.StatusChange{
		ProviderID: id,
		OldStatus:  st.status,
		NewStatus:  status,
		Reason:     reason,
		ChangedAt:  e.now().UTC(),
	}
	st.status = status
	st.changes = append(st.changes, change)
	if limit := e.statusLogLimit(); len(st.changes) > limit {
		st.changes = st.changes[len(st.changes)-limit:]
	}
	e.provMu.Unlock()

	e.logger.WithFields(logrus.Fields{
		"provider":   id,
		"old_status": change.OldStatus,
		"new_status": change.NewStatus,
		"reason":     reason,
	}).Info("Provider status changed")
	e.telemetry.StatusChanged(string(status))

	snap := e.recomputeLocked(ctx)
	msg := broadcast.Message{
		Type:            broadcast.MessageProviderStatusChange,
		SnapshotVersion: snap.Version,
		Timestamp:       change.ChangedAt,
		StatusChange:    &change,
	}
	if _, err := e.hub.Publish(ctx, msg); err != nil {
		e.logger.WithError(err).Error("Failed to publish status change")
	}
	return change, nil
}

// GetCurrentRankings returns the latest published snapshot. The result is
// shared and must not be modified.
func (e *Engine) GetCurrentRankings() *types.RankingSnapshot {
	return e.current.Load()
}

// GetProviderMetrics returns the provider's metrics, served from cache
// while its window is unchanged and the entry is fresh.
func (e *Engine) GetProviderMetrics(id types.ProviderID) (*types.ProviderMetrics, error) {
	if !e.isRegistered(id) {
		return nil, fmt.Errorf("%w: %s", types.ErrProviderNotFound, id)
	}
	return e.metricsCache.GetOrLoad(id, func() (*types.ProviderMetrics, error) {
		window, _ := e.store.Window(id)
		return e.calc.Compute(id, window)
	})
}

// Recompute builds, stores and publishes a new snapshot
func (e *Engine) Recompute(ctx context.Context) *types.RankingSnapshot {
	e.recomputeMu.Lock()
	defer e.recomputeMu.Unlock()
	return e.recomputeLocked(ctx)
}

type candidate struct {
	id        types.ProviderID
	metrics   *types.ProviderMetrics
	breakdown map[types.RankingMetric]float64
	score     float64
}

func (e *Engine) recomputeLocked(ctx context.Context) *types.RankingSnapshot {
	started := time.Now()
	generatedAt := e.now().UTC()
	minRequests, weights := e.rankingSettings()
	statuses := e.statuses()
	prev := e.current.Load()

	var (
		candidates []candidate
		skipped    int
	)
	for _, id := range e.store.Providers() {
		m, err := e.GetProviderMetrics(id)
		if err != nil {
			skipped++
			e.logger.WithError(fmt.Errorf("%w: %s: %w", types.ErrRecomputeFailure, id, err)).
				WithField("provider", id).
				Warn("Skipping provider in ranking recompute")
			e.telemetry.ProviderSkipped(id)
			continue
		}
		if m.TotalRequests < minRequests {
			continue
		}
		b := metrics.Breakdown(m)
		candidates = append(candidates, candidate{id: id, metrics: m, breakdown: b, score: weights.Score(b)})
	}

	// Stable sort keeps registration order among equal scores.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})

	rankings := make([]types.ProviderRanking, 0, len(candidates))
	scores := make(map[string]float64, len(candidates))
	for i, c := range candidates {
		rank := i + 1
		status := statuses[c.id]
		rankChange := 0
		if p, ok := prev.Find(c.id); ok {
			rankChange = p.Rank - rank
		}
		strengths, weaknesses := strengthsAndWeaknesses(c.metrics)
		rankings = append(rankings, types.ProviderRanking{
			ProviderID:      c.id,
			Rank:            rank,
			WeightedScore:   c.score,
			Status:          status,
			MetricBreakdown: c.breakdown,
			Confidence:      confidence(c.metrics.TotalRequests),
			RankChange:      rankChange,
			RankStability:   DefaultRankStability,
			Trending:        trendOf(c.metrics),
			Strengths:       strengths,
			Weaknesses:      weaknesses,
			Recommendation:  recommend(c.metrics, status, rank),
			TotalRequests:   c.metrics.TotalRequests,
		})
		scores[c.id] = c.score
	}

	e.version++
	snap := &types.RankingSnapshot{
		Version:     e.version,
		GeneratedAt: generatedAt,
		Rankings:    rankings,
	}
	e.current.Store(snap)
	e.history.push(snap)
	e.viewCache.InvalidateAll()

	took := time.Since(started)
	e.telemetry.SnapshotPublished(snap.Version, scores, took)
	if e.persister != nil {
		e.persister.EnqueueSnapshot(snap)
	}

	res, err := e.hub.Publish(ctx, broadcast.SnapshotMessage(broadcast.MessageRankingsUpdated, snap, generatedAt))
	if err != nil {
		e.logger.WithError(err).Error("Failed to publish ranking update")
	}

	e.logger.WithFields(logrus.Fields{
		"snapshot_version": snap.Version,
		"ranked":           len(rankings),
		"skipped":          skipped,
		"delivered":        res.Delivered,
		"evicted":          len(res.Evicted),
		"duration_ms":      took.Milliseconds(),
	}).Info("Rankings updated")
	return snap
}

// Run recomputes once, then on every tick or trigger until ctx is done
func (e *Engine) Run(ctx context.Context) error {
	e.settingsMu.RLock()
	interval := e.recomputeInterval
	e.settingsMu.RUnlock()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	e.Recompute(ctx)
	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.Canceled) {
				return nil
			}
			return ctx.Err()
		case d := <-e.reset:
			ticker.Reset(d)
		case <-ticker.C:
			e.Recompute(ctx)
		case <-e.trigger:
			e.Recompute(ctx)
		}
	}
}

// Trigger requests a recompute from Run. Requests made while one is
// pending collapse into it.
func (e *Engine) Trigger() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// Subscribe registers a subscriber on the hub
func (e *Engine) Subscribe(id string) (*broadcast.Subscription, error) {
	return e.hub.Subscribe(id)
}

// Unsubscribe removes a subscriber; unknown ids are ignored
func (e *Engine) Unsubscribe(id string) {
	e.hub.Unsubscribe(id)
}

// Providers lists registered providers in registration order
func (e *Engine) Providers() []types.ProviderInfo {
	ids := e.store.Providers()
	statuses := e.statuses()
	out := make([]types.ProviderInfo, 0, len(ids))
	for _, id := range ids {
		out = append(out, e.info(id, statuses[id]))
	}
	return out
}

// Provider describes one registered provider
func (e *Engine) Provider(id types.ProviderID) (types.ProviderInfo, error) {
	e.provMu.RLock()
	st, ok := e.providers[id]
	var status types.ProviderStatus
	if ok {
		status = st.status
	}
	e.provMu.RUnlock()
	if !ok {
		return types.ProviderInfo{}, fmt.Errorf("%w: %s", types.ErrProviderNotFound, id)
	}
	return e.info(id, status), nil
}

// StatusHistory returns the provider's most recent status changes, oldest
// first.
func (e *Engine) StatusHistory(id types.ProviderID) ([]types.StatusChange, error) {
	e.provMu.RLock()
	defer e.provMu.RUnlock()
	st, ok := e.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrProviderNotFound, id)
	}
	out := make([]types.StatusChange, len(st.changes))
	copy(out, st.changes)
	return out, nil
}

// History returns up to limit published snapshots, newest first
func (e *Engine) History(limit int) []*types.RankingSnapshot {
	return e.history.list(limit)
}

// Analytics returns the dashboard view of the current snapshot
func (e *Engine) Analytics() *Analytics {
	a, _ := e.viewCache.GetOrLoad(analyticsCacheKey, func() (*Analytics, error) {
		return buildAnalytics(e.current.Load(), e.Providers(), e.now().UTC()), nil
	})
	return a
}

// Settings returns the runtime-adjustable settings currently in effect
func (e *Engine) Settings() Settings {
	e.settingsMu.RLock()
	defer e.settingsMu.RUnlock()
	return Settings{
		MinRequests:       e.minRequests,
		RecomputeInterval: e.recomputeInterval,
		AutoRegister:      e.autoRegister,
		Weights:           e.weights.Clone(),
		Thresholds:        e.calc.Thresholds(),
	}
}

// ApplySettings swaps in new runtime settings. Cached metrics are dropped
// and a recompute is requested.
func (e *Engine) ApplySettings(s Settings) error {
	if s.MinRequests <= 0 {
		return fmt.Errorf("min requests must be positive, got %d", s.MinRequests)
	}
	if s.RecomputeInterval <= 0 {
		return fmt.Errorf("recompute interval must be positive, got %s", s.RecomputeInterval)
	}
	if err := s.Weights.Validate(); err != nil {
		return fmt.Errorf("invalid ranking weights: %w", err)
	}
	if err := e.calc.SetThresholds(s.Thresholds); err != nil {
		return err
	}

	e.settingsMu.Lock()
	intervalChanged := e.recomputeInterval != s.RecomputeInterval
	e.minRequests = s.MinRequests
	e.recomputeInterval = s.RecomputeInterval
	e.autoRegister = s.AutoRegister
	e.weights = s.Weights.Clone()
	e.settingsMu.Unlock()

	if intervalChanged {
		select {
		case e.reset <- s.RecomputeInterval:
		default:
		}
	}
	e.metricsCache.InvalidateAll()
	e.Trigger()

	e.logger.WithFields(logrus.Fields{
		"min_requests":       s.MinRequests,
		"recompute_interval": s.RecomputeInterval.String(),
		"auto_register":      s.AutoRegister,
	}).Info("Ranking settings applied")
	return nil
}

// AutoRegister reports whether unknown providers are created on ingest
func (e *Engine) AutoRegister() bool {
	e.settingsMu.RLock()
	defer e.settingsMu.RUnlock()
	return e.autoRegister
}

func (e *Engine) ensureProvider(id types.ProviderID, status types.ProviderStatus) bool {
	e.provMu.Lock()
	defer e.provMu.Unlock()
	if _, ok := e.providers[id]; ok {
		return false
	}
	e.store.Ensure(id)
	e.providers[id] = &providerState{status: status}
	return true
}

func (e *Engine) isRegistered(id types.ProviderID) bool {
	e.provMu.RLock()
	defer e.provMu.RUnlock()
	_, ok := e.providers[id]
	return ok
}

func (e *Engine) statuses() map[types.ProviderID]types.ProviderStatus {
	e.provMu.RLock()
	defer e.provMu.RUnlock()
	out := make(map[types.ProviderID]types.ProviderStatus, len(e.providers))
	for id, st := range e.providers {
		out[id] = st.status
	}
	return out
}

func (e *Engine) info(id types.ProviderID, status types.ProviderStatus) types.ProviderInfo {
	registeredAt, _ := e.store.RegisteredAt(id)
	return types.ProviderInfo{
		ID:           id,
		Status:       status,
		RegisteredAt: registeredAt,
		WindowSize:   e.store.Len(id),
	}
}

func (e *Engine) rankingSettings() (int, Weights) {
	e.settingsMu.RLock()
	defer e.settingsMu.RUnlock()
	return e.minRequests, e.weights
}

func (e *Engine) statusLogLimit() int {
	e.settingsMu.RLock()
	defer e.settingsMu.RUnlock()
	return e.statusLogSize
}

func validateID(id types.ProviderID) error {
	if id == "" || len(id) > maxProviderIDLength {
		return fmt.Errorf("%w: %q", types.ErrInvalidProviderID, id)
	}
	return nil
}
