package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
	Catalog      CatalogConfig      `yaml:"catalog" mapstructure:"catalog"`
	Matcher      MatcherConfig      `yaml:"matcher" mapstructure:"matcher"`
	Resolver     ResolverConfig     `yaml:"resolver" mapstructure:"resolver"`
	Scoring      ScoringConfig      `yaml:"scoring" mapstructure:"scoring"`
	Distribution DistributionConfig `yaml:"distribution" mapstructure:"distribution"`
	Source       SourceConfig       `yaml:"source" mapstructure:"source"`
	Batch        BatchConfig        `yaml:"batch" mapstructure:"batch"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port               int      `yaml:"port" mapstructure:"port"`
	CORSOrigins        []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	RequestTimeoutSecs int      `yaml:"request_timeout_secs" mapstructure:"request_timeout_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// CatalogConfig points at a platform catalogue file. Empty uses the
// embedded default.
type CatalogConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// MatcherConfig bounds and tunes evidence matching.
type MatcherConfig struct {
	MaxMessages int `yaml:"max_messages" mapstructure:"max_messages"`
	// ScanTimeoutSecs is the budget for each platform's scan.
	ScanTimeoutSecs int     `yaml:"scan_timeout_secs" mapstructure:"scan_timeout_secs"`
	ConflictPenalty float64 `yaml:"conflict_penalty" mapstructure:"conflict_penalty"`
	PenaltyFloor    float64 `yaml:"penalty_floor" mapstructure:"penalty_floor"`
}

// ScanTimeout returns the per-platform scan budget as a duration.
func (c MatcherConfig) ScanTimeout() time.Duration {
	return time.Duration(c.ScanTimeoutSecs) * time.Second
}

// ResolverConfig holds the date resolution thresholds.
type ResolverConfig struct {
	MinConfidence    float64 `yaml:"min_confidence" mapstructure:"min_confidence"`
	ManualConfidence float64 `yaml:"manual_confidence" mapstructure:"manual_confidence"`
	ReplaceThreshold float64 `yaml:"replace_threshold" mapstructure:"replace_threshold"`
}

// ScoringConfig holds per-platform aggregation weights.
type ScoringConfig struct {
	Weights map[string]float64 `yaml:"weights" mapstructure:"weights"`
}

// DistributionConfig configures the in-memory distribution refresh.
type DistributionConfig struct {
	RefreshIntervalSecs int `yaml:"refresh_interval_secs" mapstructure:"refresh_interval_secs"`
}

// RefreshInterval returns the refresh period; zero disables refreshing.
func (c DistributionConfig) RefreshInterval() time.Duration {
	return time.Duration(c.RefreshIntervalSecs) * time.Second
}

// SourceConfig configures the Gmail message source and the optional X
// account lookup.
type SourceConfig struct {
	GmailBaseURL       string   `yaml:"gmail_base_url" mapstructure:"gmail_base_url"`
	GmailToken         string   `yaml:"gmail_token" mapstructure:"gmail_token"`
	GmailSpanDays      int      `yaml:"gmail_span_days" mapstructure:"gmail_span_days"`
	RequestsPerSecond  float64  `yaml:"requests_per_second" mapstructure:"requests_per_second"`
	Burst              int      `yaml:"burst" mapstructure:"burst"`
	MaxAttempts        int      `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs   int      `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs       int      `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	XBearerToken       string   `yaml:"x_bearer_token" mapstructure:"x_bearer_token"`
	XBaseURLs          []string `yaml:"x_base_urls" mapstructure:"x_base_urls"`
	XRequestsPerSecond float64  `yaml:"x_requests_per_second" mapstructure:"x_requests_per_second"`
}

// GmailSpan returns how much mail after the earliest hit is listed.
func (c SourceConfig) GmailSpan() time.Duration {
	return time.Duration(c.GmailSpanDays) * 24 * time.Hour
}

// BatchConfig configures batch scoring.
type BatchConfig struct {
	MaxConcurrentUsers int `yaml:"max_concurrent_users" mapstructure:"max_concurrent_users"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("FIRSTMOVER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "firstmover.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})
	v.SetDefault("server.request_timeout_secs", 30)
	v.SetDefault("matcher.max_messages", 500)
	v.SetDefault("matcher.scan_timeout_secs", 5)
	v.SetDefault("matcher.conflict_penalty", 0.05)
	v.SetDefault("matcher.penalty_floor", 0.6)
	v.SetDefault("resolver.min_confidence", 0.5)
	v.SetDefault("resolver.manual_confidence", 0.3)
	v.SetDefault("resolver.replace_threshold", 0.5)
	v.SetDefault("distribution.refresh_interval_secs", 60)
	v.SetDefault("source.gmail_base_url", "https://gmail.googleapis.com/gmail/v1")
	v.SetDefault("source.gmail_token", "")
	v.SetDefault("source.gmail_span_days", 45)
	v.SetDefault("source.requests_per_second", 10)
	v.SetDefault("source.burst", 10)
	v.SetDefault("source.max_attempts", 3)
	v.SetDefault("source.initial_backoff_ms", 500)
	v.SetDefault("source.max_backoff_ms", 30000)
	v.SetDefault("source.x_bearer_token", "")
	v.SetDefault("source.x_base_urls", []string{"https://api.x.com/2", "https://api.twitter.com/2"})
	v.SetDefault("source.x_requests_per_second", 1)
	v.SetDefault("batch.max_concurrent_users", 8)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command needs. Every violation is reported
// in one error.
func (c *Config) Validate(mode string) error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	switch mode {
	case "serve":
		if c.Server.Port <= 0 {
			add("server.port must be > 0")
		}
		if c.Server.RequestTimeoutSecs < 0 {
			add("server.request_timeout_secs must be >= 0")
		}
	case "score", "batch", "migrate", "export", "import":
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			add("store.database_url is required for the postgres driver")
		}
	case "sqlite":
		if c.Store.DatabaseURL == "" {
			add("store.database_url is required")
		}
	default:
		add("store.driver must be postgres or sqlite, got %q", c.Store.Driver)
	}

	if c.Batch.MaxConcurrentUsers < 1 || c.Batch.MaxConcurrentUsers > 50 {
		add("batch.max_concurrent_users must be between 1 and 50, got %d", c.Batch.MaxConcurrentUsers)
	}

	if c.Matcher.MaxMessages <= 0 {
		add("matcher.max_messages must be > 0")
	}
	if c.Matcher.ScanTimeoutSecs <= 0 {
		add("matcher.scan_timeout_secs must be > 0")
	}
	if c.Matcher.ConflictPenalty < 0 || c.Matcher.ConflictPenalty > 1 {
		add("matcher.conflict_penalty must be between 0 and 1, got %g", c.Matcher.ConflictPenalty)
	}
	if c.Matcher.PenaltyFloor <= 0 || c.Matcher.PenaltyFloor > 1 {
		add("matcher.penalty_floor must be in (0, 1], got %g", c.Matcher.PenaltyFloor)
	}

	for key, v := range map[string]float64{
		"resolver.min_confidence":    c.Resolver.MinConfidence,
		"resolver.manual_confidence": c.Resolver.ManualConfidence,
		"resolver.replace_threshold": c.Resolver.ReplaceThreshold,
	} {
		if v < 0 || v > 1 {
			add("%s must be between 0 and 1, got %g", key, v)
		}
	}

	for id, w := range c.Scoring.Weights {
		if w <= 0 {
			add("scoring.weights.%s must be > 0, got %g", id, w)
		}
	}

	if c.Source.RequestsPerSecond <= 0 {
		add("source.requests_per_second must be > 0")
	}
	if c.Source.Burst < 1 {
		add("source.burst must be >= 1")
	}
	if c.Source.MaxAttempts < 1 {
		add("source.max_attempts must be >= 1")
	}
	if c.Source.GmailSpanDays < 1 || c.Source.GmailSpanDays > 366 {
		add("source.gmail_span_days must be between 1 and 366, got %d", c.Source.GmailSpanDays)
	}
	if c.Source.XBearerToken != "" && c.Source.XRequestsPerSecond <= 0 {
		add("source.x_requests_per_second must be > 0 when source.x_bearer_token is set")
	}

	if len(errs) > 0 {
		sort.Strings(errs)
		return eris.New("config: " + strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
