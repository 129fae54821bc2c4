// Package sink defines the persistence collaborators of the ranking engine
// and adapters for InfluxDB and Postgres. The engine never blocks on a
// sink: writes go through the buffered Writer.
package sink

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/provider-ranking/internal/types"
)

// Drivers
const (
	DriverNone     = "none"
	DriverMemory   = "memory"
	DriverInflux   = "influx"
	DriverPostgres = "postgres"
)

// Entry kinds reported to observers
const (
	KindOutcome  = "outcome"
	KindSnapshot = "snapshot"
)

// OutcomeEntry is one stored outcome tagged with its provider
type OutcomeEntry struct {
	ProviderID types.ProviderID    `json:"provider_id"`
	Record     types.OutcomeRecord `json:"record"`
}

// Sink receives outcomes and published snapshots for durable storage
type Sink interface {
	WriteOutcomes(ctx context.Context, entries []OutcomeEntry) error
	WriteSnapshot(ctx context.Context, snap *types.RankingSnapshot) error
	Close() error
}

// HistorySource replays stored outcomes at startup
type HistorySource interface {
	// LoadHistory returns at most limit of the most recent entries,
	// oldest first.
	LoadHistory(ctx context.Context, limit int) ([]OutcomeEntry, error)
}

// Backend is a sink that can also replay its history
type Backend interface {
	Sink
	HistorySource
}

// Observer receives write accounting from the Writer
type Observer interface {
	SinkWritten(kind string, n int)
	SinkDropped(kind string, n int)
	SinkFailed(kind string, n int)
}

// Config selects and configures a backend
type Config struct {
	Driver        string         `yaml:"driver"`
	BufferSize    int            `yaml:"buffer_size"`
	BatchSize     int            `yaml:"batch_size"`
	FlushInterval time.Duration  `yaml:"flush_interval"`
	WriteTimeout  time.Duration  `yaml:"write_timeout"`
	LoadHistory   bool           `yaml:"load_history"`
	Influx        InfluxConfig   `yaml:"influx"`
	Postgres      PostgresConfig `yaml:"postgres"`
}

// Open creates the backend named by cfg.Driver. The none driver returns a
// nil Backend and no error.
func Open(ctx context.Context, cfg Config, logger *logrus.Logger) (Backend, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", DriverNone:
		return nil, nil
	case DriverMemory:
		return NewMemory(), nil
	case DriverInflux:
		s, err := NewInfluxSink(ctx, cfg.Influx, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverPostgres:
		s, err := NewPostgresSink(cfg.Postgres, logger)
		if err != nil {
			return nil, err
		}
		if err := s.Load(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown sink driver %q", cfg.Driver)
	}
}
