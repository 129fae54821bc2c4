package sink

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/sirupsen/logrus"

	"github.com/tributary-ai/provider-ranking/internal/types"
)

// Schema creates the tables PostgresSink needs
//
//go:embed schema.sql
var Schema string

// PostgresConfig holds Postgres connection settings
type PostgresConfig struct {
	DSN         string `yaml:"dsn"`
	AutoMigrate bool   `yaml:"auto_migrate"`
}

const (
	defaultDBMaxOpenConns    = 10
	defaultDBMaxIdleConns    = 5
	defaultDBConnMaxLifetime = 30 * time.Minute
	defaultDBConnMaxIdleTime = 5 * time.Minute
	defaultDBPingTimeout     = 5 * time.Second
)

// PostgresSink stores outcomes row by row and snapshots as JSONB
type PostgresSink struct {
	db          *sql.DB
	autoMigrate bool
	logger      *logrus.Logger
}

// NewPostgresSink opens a connection pool. Call Load before use.
func NewPostgresSink(cfg PostgresConfig, logger *logrus.Logger) (*PostgresSink, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, fmt.Errorf("postgres dsn is required when sink driver is postgres")
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(defaultDBMaxOpenConns)
	db.SetMaxIdleConns(defaultDBMaxIdleConns)
	db.SetConnMaxLifetime(defaultDBConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultDBConnMaxIdleTime)

	return &PostgresSink{db: db, autoMigrate: cfg.AutoMigrate, logger: logger}, nil
}

// Load checks connectivity and that the schema exists, creating it first
// when auto migration is enabled.
func (s *PostgresSink) Load(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, defaultDBPingTimeout)
	defer cancel()
	if err := s.db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("failed to connect to postgres: %w", err)
	}

	if s.autoMigrate {
		if _, err := s.db.ExecContext(ctx, Schema); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
		s.logger.Info("Postgres sink schema applied")
	}
	return s.verifySchemaReady(ctx)
}

func (s *PostgresSink) verifySchemaReady(ctx context.Context) error {
	for _, table := range []string{"provider_outcome_records", "provider_ranking_snapshots"} {
		var exists bool
		if err := s.db.QueryRowContext(ctx, `SELECT to_regclass($1) IS NOT NULL`, "public."+table).Scan(&exists); err != nil {
			return fmt.Errorf("failed to verify database schema: %w", err)
		}
		if !exists {
			return fmt.Errorf("required table %q is missing; enable sink.postgres.auto_migrate or apply the schema", table)
		}
	}
	return nil
}

func (s *PostgresSink) WriteOutcomes(ctx context.Context, entries []OutcomeEntry) error {
	if len(entries) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin outcome batch: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO provider_outcome_records (
			provider_id, recorded_at, success, response_time_ms, cost,
			quality_score, error_type, scenario, load_level
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare outcome insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		r := e.Record
		var errType sql.NullString
		if r.ErrorType != nil {
			errType = sql.NullString{String: *r.ErrorType, Valid: true}
		}
		if _, err := stmt.ExecContext(ctx,
			e.ProviderID, r.Timestamp, r.Success, r.ResponseTimeMs, r.Cost,
			r.QualityScore, errType, r.Scenario, string(r.LoadLevel),
		); err != nil {
			return fmt.Errorf("failed to insert outcome for %s: %w", e.ProviderID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit outcome batch: %w", err)
	}
	return nil
}

func (s *PostgresSink) WriteSnapshot(ctx context.Context, snap *types.RankingSnapshot) error {
	payload, err := json.Marshal(snap.Rankings)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot %d: %w", snap.Version, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO provider_ranking_snapshots (snapshot_version, generated_at, rankings)
		VALUES ($1, $2, $3)
	`, int64(snap.Version), snap.GeneratedAt, payload)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot %d: %w", snap.Version, err)
	}
	return nil
}

func (s *PostgresSink) LoadHistory(ctx context.Context, limit int) ([]OutcomeEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT provider_id, recorded_at, success, response_time_ms, cost,
		       quality_score, error_type, scenario, load_level
		FROM provider_outcome_records
		ORDER BY recorded_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to load outcome history: %w", err)
	}
	defer rows.Close()

	entries := []OutcomeEntry{}
	for rows.Next() {
		var (
			e         OutcomeEntry
			errType   sql.NullString
			loadLevel string
		)
		if err := rows.Scan(
			&e.ProviderID,
			&e.Record.Timestamp,
			&e.Record.Success,
			&e.Record.ResponseTimeMs,
			&e.Record.Cost,
			&e.Record.QualityScore,
			&errType,
			&e.Record.Scenario,
			&loadLevel,
		); err != nil {
			return nil, fmt.Errorf("failed to decode outcome row: %w", err)
		}
		e.Record.Timestamp = e.Record.Timestamp.UTC()
		e.Record.LoadLevel = types.LoadLevel(loadLevel)
		if errType.Valid {
			et := errType.String
			e.Record.ErrorType = &et
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate outcome rows: %w", err)
	}

	slices.Reverse(entries)
	return entries, nil
}

func (s *PostgresSink) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}
