package sink

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strconv"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/provider-ranking/internal/types"
)

// Measurements written by InfluxSink
const (
	MeasurementOutcomes = "provider_outcomes"
	MeasurementRankings = "provider_rankings"
)

// InfluxConfig holds InfluxDB connection settings
type InfluxConfig struct {
	URL           string        `yaml:"url"`
	Token         string        `yaml:"token"`
	Org           string        `yaml:"org"`
	Bucket        string        `yaml:"bucket"`
	HistoryWindow time.Duration `yaml:"history_window"`
}

var bucketPattern = regexp.MustCompile(`^[A-Za-z0-9._\-]+$`)

// InfluxSink stores outcomes and rankings as InfluxDB points
type InfluxSink struct {
	client        influxdb2.Client
	write         api.WriteAPIBlocking
	query         api.QueryAPI
	bucket        string
	historyWindow time.Duration
	logger        *logrus.Logger
}

// NewInfluxSink connects to InfluxDB and checks its health
func NewInfluxSink(ctx context.Context, cfg InfluxConfig, logger *logrus.Logger) (*InfluxSink, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("influx url is required")
	}
	// The bucket name is interpolated into Flux queries.
	if !bucketPattern.MatchString(cfg.Bucket) {
		return nil, fmt.Errorf("invalid influx bucket name %q", cfg.Bucket)
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 30 * 24 * time.Hour
	}

	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	health, err := client.Health(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("influx health check failed: %w", err)
	}
	if health.Status != "pass" {
		msg := ""
		if health.Message != nil {
			msg = *health.Message
		}
		client.Close()
		return nil, fmt.Errorf("influx not ready: %s %s", health.Status, msg)
	}

	logger.WithFields(logrus.Fields{
		"influx_url":    cfg.URL,
		"influx_org":    cfg.Org,
		"influx_bucket": cfg.Bucket,
	}).Info("Connected to InfluxDB")

	return &InfluxSink{
		client:        client,
		write:         client.WriteAPIBlocking(cfg.Org, cfg.Bucket),
		query:         client.QueryAPI(cfg.Org),
		bucket:        cfg.Bucket,
		historyWindow: cfg.HistoryWindow,
		logger:        logger,
	}, nil
}

func (s *InfluxSink) WriteOutcomes(ctx context.Context, entries []OutcomeEntry) error {
	if len(entries) == 0 {
		return nil
	}
	points := make([]*write.Point, 0, len(entries))
	for _, e := range entries {
		points = append(points, outcomePoint(e))
	}
	if err := s.write.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("failed to write outcome points: %w", err)
	}
	return nil
}

func (s *InfluxSink) WriteSnapshot(ctx context.Context, snap *types.RankingSnapshot) error {
	if len(snap.Rankings) == 0 {
		return nil
	}
	points := make([]*write.Point, 0, len(snap.Rankings))
	for _, r := range snap.Rankings {
		points = append(points, rankingPoint(snap, r))
	}
	if err := s.write.WritePoint(ctx, points...); err != nil {
		return fmt.Errorf("failed to write ranking points: %w", err)
	}
	return nil
}

func (s *InfluxSink) LoadHistory(ctx context.Context, limit int) ([]OutcomeEntry, error) {
	query := fmt.Sprintf(`
        from(bucket: %s)
          |> range(start: -%s)
          |> filter(fn: (r) => r._measurement == %s)
          |> pivot(rowKey: ["_time"], columnKey: ["_field"], valueColumn: "_value")
          |> group()
          |> sort(columns: ["_time"], desc: true)
          |> limit(n: %d)
    `, strconv.Quote(s.bucket), s.historyWindow.String(), strconv.Quote(MeasurementOutcomes), limit)

	result, err := s.query.Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("history query failed: %w", err)
	}
	// Guard against nil result (can happen with empty query results)
	if result == nil {
		return nil, nil
	}
	defer result.Close()

	var entries []OutcomeEntry
	for result.Next() {
		record := result.Record()
		entry, err := entryFromValues(record.Values(), record.Time())
		if err != nil {
			s.logger.WithError(err).Warn("Skipping unreadable outcome point")
			continue
		}
		entries = append(entries, entry)
	}
	if err := result.Err(); err != nil {
		return nil, fmt.Errorf("history query iteration failed: %w", err)
	}

	// Newest first from the query; callers replay oldest first.
	slices.Reverse(entries)
	return entries, nil
}

func (s *InfluxSink) Close() error {
	s.client.Close()
	return nil
}

func outcomePoint(e OutcomeEntry) *write.Point {
	r := e.Record
	fields := map[string]interface{}{
		"success":          r.Success,
		"response_time_ms": r.ResponseTimeMs,
		"cost":             r.Cost,
		"quality_score":    r.QualityScore,
	}
	if r.ErrorType != nil {
		fields["error_type"] = *r.ErrorType
	}
	return influxdb2.NewPoint(
		MeasurementOutcomes,
		map[string]string{
			"provider":   e.ProviderID,
			"scenario":   r.Scenario,
			"load_level": string(r.LoadLevel),
		},
		fields,
		r.Timestamp,
	)
}

func rankingPoint(snap *types.RankingSnapshot, r types.ProviderRanking) *write.Point {
	return influxdb2.NewPoint(
		MeasurementRankings,
		map[string]string{
			"provider": r.ProviderID,
			"status":   string(r.Status),
		},
		map[string]interface{}{
			"snapshot_version": int64(snap.Version),
			"rank":             int64(r.Rank),
			"weighted_score":   r.WeightedScore,
			"confidence":       r.Confidence,
			"rank_change":      int64(r.RankChange),
			"trending":         string(r.Trending),
			"total_requests":   int64(r.TotalRequests),
		},
		snap.GeneratedAt,
	)
}

// entryFromValues decodes one pivoted outcome row
func entryFromValues(values map[string]interface{}, at time.Time) (OutcomeEntry, error) {
	provider, _ := values["provider"].(string)
	if provider == "" {
		return OutcomeEntry{}, fmt.Errorf("point at %s has no provider tag", at.Format(time.RFC3339))
	}

	rec := types.OutcomeRecord{
		Timestamp: at.UTC(),
		Scenario:  stringValue(values["scenario"]),
		LoadLevel: types.LoadLevel(stringValue(values["load_level"])),
	}
	rec.Success, _ = values["success"].(bool)
	rec.ResponseTimeMs = floatValue(values["response_time_ms"])
	rec.Cost = floatValue(values["cost"])
	rec.QualityScore = floatValue(values["quality_score"])
	if et, ok := values["error_type"].(string); ok && et != "" {
		rec.ErrorType = &et
	}

	rec = rec.Normalize(at)
	if err := rec.Validate(); err != nil {
		return OutcomeEntry{}, err
	}
	return OutcomeEntry{ProviderID: provider, Record: rec}, nil
}

func stringValue(v interface{}) string {
	s, _ := v.(string)
	return s
}

func floatValue(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int64:
		return float64(n)
	case uint64:
		return float64(n)
	}
	return 0
}
