package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/provider-ranking/internal/broadcast"
	"github.com/tributary-ai/provider-ranking/internal/metrics"
	"github.com/tributary-ai/provider-ranking/internal/middleware"
	"github.com/tributary-ai/provider-ranking/internal/ranking"
	"github.com/tributary-ai/provider-ranking/internal/security"
	"github.com/tributary-ai/provider-ranking/internal/server"
	"github.com/tributary-ai/provider-ranking/internal/simulate"
	"github.com/tributary-ai/provider-ranking/internal/sink"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Ranking    RankingConfig    `yaml:"ranking"`
	Broadcast  BroadcastConfig  `yaml:"broadcast"`
	Logging    LoggingConfig    `yaml:"logging"`
	Security   SecurityConfig   `yaml:"security"`
	Sink       sink.Config      `yaml:"sink"`
	Simulation SimulationConfig `yaml:"simulation"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port            string        `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	MaxHeaderBytes  int           `yaml:"max_header_bytes"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// RankingConfig holds ranking engine configuration
type RankingConfig struct {
	WindowCapacity    int                `yaml:"window_capacity"`
	MinRequests       int                `yaml:"min_requests_for_ranking"`
	RecomputeInterval time.Duration      `yaml:"recompute_interval"`
	MetricsTTL        time.Duration      `yaml:"metrics_ttl"`
	ViewTTL           time.Duration      `yaml:"view_ttl"`
	HistorySize       int                `yaml:"history_size"`
	StatusLogSize     int                `yaml:"status_log_size"`
	AutoRegister      bool               `yaml:"auto_register"`
	Providers         []string           `yaml:"providers"` // registered at startup
	Weights           ranking.Weights    `yaml:"weights"`
	Thresholds        metrics.Thresholds `yaml:"thresholds"`
}

// BroadcastConfig holds subscriber queue and WebSocket configuration
type BroadcastConfig struct {
	QueueSize    int           `yaml:"queue_size"`
	SendTimeout  time.Duration `yaml:"send_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	PongWait     time.Duration `yaml:"pong_wait"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "json" or "text"
	Output string `yaml:"output"` // "stdout", "stderr", or file path
}

// SecurityConfig holds security-related configuration for write endpoints
type SecurityConfig struct {
	APIKeys           []string         `yaml:"api_keys"`
	JWTSecret         string           `yaml:"jwt_secret"`
	JWTExpiry         time.Duration    `yaml:"jwt_expiry"`
	RequireAuth       bool             `yaml:"require_auth"`
	RateLimiting      RateLimitConfig  `yaml:"rate_limiting"`
	CORS              CORSConfig       `yaml:"cors"`
	RequestValidation ValidationConfig `yaml:"request_validation"`
}

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	Enabled        bool `yaml:"enabled"`
	RequestsPerMin int  `yaml:"requests_per_minute"`
	BurstSize      int  `yaml:"burst_size"`
}

// CORSConfig holds CORS configuration
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// ValidationConfig holds request validation configuration
type ValidationConfig struct {
	Enabled        bool  `yaml:"enabled"`
	MaxRequestSize int64 `yaml:"max_request_size"`
}

// SimulationConfig controls the built-in demo activity generator
type SimulationConfig struct {
	Enabled               bool          `yaml:"enabled"`
	Providers             []string      `yaml:"providers"`
	Interval              time.Duration `yaml:"interval"`
	Seed                  int64         `yaml:"seed"`
	StatusFlipProbability float64       `yaml:"status_flip_probability"`
}

// LoadConfig loads configuration from file and environment variables
func LoadConfig(configPath string) (*Config, error) {
	config := &Config{}

	config.setDefaults()

	if configPath != "" {
		if err := config.loadFromFile(configPath); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	if err := config.loadFromEnv(); err != nil {
		return nil, fmt.Errorf("invalid environment override: %w", err)
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// setDefaults sets default configuration values
func (c *Config) setDefaults() {
	c.Server = ServerConfig{
		Port:            "8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		MaxHeaderBytes:  1 << 20, // 1MB
		ShutdownTimeout: 30 * time.Second,
	}

	c.Ranking = RankingConfig{
		WindowCapacity:    1000,
		MinRequests:       ranking.DefaultMinRequests,
		RecomputeInterval: ranking.DefaultRecomputeInterval,
		MetricsTTL:        ranking.DefaultMetricsTTL,
		ViewTTL:           ranking.DefaultViewTTL,
		HistorySize:       ranking.DefaultHistorySize,
		StatusLogSize:     ranking.DefaultStatusLogSize,
		AutoRegister:      true,
		Providers:         []string{},
		Weights:           ranking.DefaultWeights(),
		Thresholds:        metrics.DefaultThresholds(),
	}

	c.Broadcast = BroadcastConfig{
		QueueSize:    broadcast.DefaultQueueSize,
		SendTimeout:  broadcast.DefaultSendTimeout,
		WriteTimeout: broadcast.DefaultWriteTimeout,
		PongWait:     broadcast.DefaultPongWait,
	}

	c.Logging = LoggingConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}

	c.Security = SecurityConfig{
		APIKeys:   []string{},
		JWTExpiry: 24 * time.Hour,
		RateLimiting: RateLimitConfig{
			Enabled:        false,
			RequestsPerMin: 600,
			BurstSize:      100,
		},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
		},
		RequestValidation: ValidationConfig{
			Enabled:        true,
			MaxRequestSize: 1 << 20, // 1MB
		},
	}

	c.Sink = sink.Config{
		Driver:        sink.DriverNone,
		BufferSize:    sink.DefaultBufferSize,
		BatchSize:     sink.DefaultBatchSize,
		FlushInterval: sink.DefaultFlushInterval,
		WriteTimeout:  sink.DefaultWriteTimeout,
		LoadHistory:   true,
		Influx: sink.InfluxConfig{
			Bucket:        "provider_ranking",
			HistoryWindow: 7 * 24 * time.Hour,
		},
		Postgres: sink.PostgresConfig{
			AutoMigrate: true,
		},
	}

	c.Simulation = SimulationConfig{
		Enabled:               false,
		Providers:             []string{"openai", "anthropic", "google", "azure", "cohere"},
		Interval:              simulate.DefaultInterval,
		StatusFlipProbability: simulate.DefaultStatusFlipProbability,
	}
}

// loadFromFile loads configuration from YAML file
func (c *Config) loadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML config: %w", err)
	}

	return nil
}

// loadFromEnv loads configuration from environment variables
func (c *Config) loadFromEnv() error {
	if port := os.Getenv("RANKING_PORT"); port != "" {
		c.Server.Port = port
	}

	if level := os.Getenv("RANKING_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if format := os.Getenv("RANKING_LOG_FORMAT"); format != "" {
		c.Logging.Format = format
	}

	if interval := os.Getenv("RANKING_RECOMPUTE_INTERVAL"); interval != "" {
		d, err := time.ParseDuration(interval)
		if err != nil {
			return fmt.Errorf("RANKING_RECOMPUTE_INTERVAL: %w", err)
		}
		c.Ranking.RecomputeInterval = d
	}

	if minRequests := os.Getenv("RANKING_MIN_REQUESTS"); minRequests != "" {
		n, err := strconv.Atoi(minRequests)
		if err != nil {
			return fmt.Errorf("RANKING_MIN_REQUESTS: %w", err)
		}
		c.Ranking.MinRequests = n
	}

	if autoRegister := os.Getenv("RANKING_AUTO_REGISTER"); autoRegister != "" {
		b, err := strconv.ParseBool(autoRegister)
		if err != nil {
			return fmt.Errorf("RANKING_AUTO_REGISTER: %w", err)
		}
		c.Ranking.AutoRegister = b
	}

	if keys := os.Getenv("RANKING_API_KEYS"); keys != "" {
		c.Security.APIKeys = splitList(keys)
	}

	if secret := os.Getenv("RANKING_JWT_SECRET"); secret != "" {
		c.Security.JWTSecret = secret
	}

	if driver := os.Getenv("RANKING_SINK_DRIVER"); driver != "" {
		c.Sink.Driver = driver
	}

	if raw := os.Getenv("RANKING_SIMULATE"); raw != "" {
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return fmt.Errorf("RANKING_SIMULATE: %w", err)
		}
		c.Simulation.Enabled = b
	}

	// Sink credentials
	if url := os.Getenv("INFLUX_URL"); url != "" {
		c.Sink.Influx.URL = url
	}
	if token := os.Getenv("INFLUX_TOKEN"); token != "" {
		c.Sink.Influx.Token = token
	}
	if org := os.Getenv("INFLUX_ORG"); org != "" {
		c.Sink.Influx.Org = org
	}
	if bucket := os.Getenv("INFLUX_BUCKET"); bucket != "" {
		c.Sink.Influx.Bucket = bucket
	}
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		c.Sink.Postgres.DSN = dsn
	}

	return nil
}

// validate validates the configuration
func (c *Config) validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server port cannot be empty")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
		"fatal": true,
	}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	if c.Ranking.WindowCapacity < 1 {
		return fmt.Errorf("window_capacity must be at least 1, got %d", c.Ranking.WindowCapacity)
	}
	if c.Ranking.MinRequests < 1 {
		return fmt.Errorf("min_requests_for_ranking must be at least 1, got %d", c.Ranking.MinRequests)
	}
	if c.Ranking.RecomputeInterval <= 0 {
		return fmt.Errorf("recompute_interval must be positive")
	}
	if c.Ranking.MetricsTTL <= 0 || c.Ranking.ViewTTL <= 0 {
		return fmt.Errorf("metrics_ttl and view_ttl must be positive")
	}
	if err := c.Ranking.Weights.Validate(); err != nil {
		return fmt.Errorf("invalid ranking weights: %w", err)
	}
	if err := c.Ranking.Thresholds.Validate(); err != nil {
		return fmt.Errorf("invalid metric thresholds: %w", err)
	}

	if c.Broadcast.QueueSize < 1 || c.Broadcast.QueueSize > 1000 {
		return fmt.Errorf("broadcast queue_size must be between 1 and 1000, got %d", c.Broadcast.QueueSize)
	}
	if c.Broadcast.SendTimeout <= 0 {
		return fmt.Errorf("broadcast send_timeout must be positive")
	}

	if c.Security.RequireAuth && len(c.Security.APIKeys) == 0 && c.Security.JWTSecret == "" {
		return fmt.Errorf("require_auth needs at least one API key or a JWT secret")
	}
	if c.Security.RateLimiting.Enabled && c.Security.RateLimiting.RequestsPerMin <= 0 {
		return fmt.Errorf("requests_per_minute must be positive when rate limiting is enabled")
	}

	validDrivers := map[string]bool{
		sink.DriverNone:     true,
		sink.DriverMemory:   true,
		sink.DriverInflux:   true,
		sink.DriverPostgres: true,
	}
	if !validDrivers[c.Sink.Driver] {
		return fmt.Errorf("invalid sink driver: %s", c.Sink.Driver)
	}

	if c.Simulation.Enabled {
		if len(c.Simulation.Providers) == 0 {
			return fmt.Errorf("simulation needs at least one provider")
		}
		if c.Simulation.Interval <= 0 {
			return fmt.Errorf("simulation interval must be positive")
		}
	}

	return nil
}

// ToEngineConfig converts to ranking.Config
func (c *Config) ToEngineConfig() ranking.Config {
	th := c.Ranking.Thresholds
	return ranking.Config{
		WindowCapacity:    c.Ranking.WindowCapacity,
		MinRequests:       c.Ranking.MinRequests,
		RecomputeInterval: c.Ranking.RecomputeInterval,
		MetricsTTL:        c.Ranking.MetricsTTL,
		ViewTTL:           c.Ranking.ViewTTL,
		HistorySize:       c.Ranking.HistorySize,
		StatusLogSize:     c.Ranking.StatusLogSize,
		AutoRegister:      c.Ranking.AutoRegister,
		Weights:           c.Ranking.Weights.Clone(),
		Thresholds:        &th,
	}
}

// ToSettings returns the hot-reloadable subset of the ranking configuration
func (c *Config) ToSettings() ranking.Settings {
	return ranking.Settings{
		MinRequests:       c.Ranking.MinRequests,
		RecomputeInterval: c.Ranking.RecomputeInterval,
		AutoRegister:      c.Ranking.AutoRegister,
		Weights:           c.Ranking.Weights.Clone(),
		Thresholds:        c.Ranking.Thresholds,
	}
}

// ToHubConfig converts to broadcast.Config
func (c *Config) ToHubConfig() broadcast.Config {
	return broadcast.Config{
		QueueSize:   c.Broadcast.QueueSize,
		SendTimeout: c.Broadcast.SendTimeout,
	}
}

// ToWSConfig converts to broadcast.WSConfig
func (c *Config) ToWSConfig() broadcast.WSConfig {
	return broadcast.WSConfig{
		WriteTimeout: c.Broadcast.WriteTimeout,
		PongWait:     c.Broadcast.PongWait,
	}
}

// ToServerConfig converts to server.ServerConfig
func (c *Config) ToServerConfig() *server.ServerConfig {
	return &server.ServerConfig{
		Port:           c.Server.Port,
		ReadTimeout:    c.Server.ReadTimeout,
		WriteTimeout:   c.Server.WriteTimeout,
		MaxHeaderBytes: c.Server.MaxHeaderBytes,
		Security:       c.ToSecurityMiddlewareConfig(),
		Validation:     c.ToValidationConfig(),
		WebSocket:      c.ToWSConfig(),
	}
}

// ToSecurityMiddlewareConfig converts to middleware.SecurityMiddlewareConfig
func (c *Config) ToSecurityMiddlewareConfig() *middleware.SecurityMiddlewareConfig {
	return &middleware.SecurityMiddlewareConfig{
		Auth: &security.Config{
			APIKeys:     c.Security.APIKeys,
			JWTSecret:   c.Security.JWTSecret,
			JWTExpiry:   c.Security.JWTExpiry,
			RequireAuth: c.Security.RequireAuth || len(c.Security.APIKeys) > 0,
		},
		RateLimit: &security.RateLimitConfig{
			Enabled:           c.Security.RateLimiting.Enabled,
			RequestsPerMinute: c.Security.RateLimiting.RequestsPerMin,
			BurstSize:         c.Security.RateLimiting.BurstSize,
			CleanupInterval:   5 * time.Minute,
		},
		AllowedOrigins: c.Security.CORS.AllowedOrigins,
	}
}

// ToValidationConfig converts to middleware.ValidationConfig
func (c *Config) ToValidationConfig() *middleware.ValidationConfig {
	return &middleware.ValidationConfig{
		Enabled:        c.Security.RequestValidation.Enabled,
		MaxRequestSize: c.Security.RequestValidation.MaxRequestSize,
	}
}

// SaveToFile saves the current configuration to a YAML file
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config to YAML: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

func splitList(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
