package config

import (
	"os"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
	"gopkg.in/yaml.v3"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Batch      BatchConfig      `yaml:"batch" mapstructure:"batch"`
	Fetch      FetchConfig      `yaml:"fetch" mapstructure:"fetch"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Scoring    ScoringConfig    `yaml:"scoring" mapstructure:"scoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level      string `yaml:"level" mapstructure:"level"`
	Format     string `yaml:"format" mapstructure:"format"`
	File       string `yaml:"file" mapstructure:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" mapstructure:"max_backups"`
}

// BatchConfig configures batch processing.
type BatchConfig struct {
	MaxConcurrentEntities int `yaml:"max_concurrent_entities" mapstructure:"max_concurrent_entities"`
}

// FetchConfig configures the evidence fetch boundary.
type FetchConfig struct {
	TimeoutSecs             int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RatePerSec              float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst                   int     `yaml:"burst" mapstructure:"burst"`
	FixtureDir              string  `yaml:"fixture_dir" mapstructure:"fixture_dir"`
	BaseURL                 string  `yaml:"base_url" mapstructure:"base_url"`
	UserAgent               string  `yaml:"user_agent" mapstructure:"user_agent"`
	BackoffInitialMs        int     `yaml:"backoff_initial_ms" mapstructure:"backoff_initial_ms"`
	BackoffMaxSecs          int     `yaml:"backoff_max_secs" mapstructure:"backoff_max_secs"`
	CircuitFailureThreshold int     `yaml:"circuit_failure_threshold" mapstructure:"circuit_failure_threshold"`
	CircuitResetSecs        int     `yaml:"circuit_reset_secs" mapstructure:"circuit_reset_secs"`
}

// ServerConfig configures the read-only HTTP API.
type ServerConfig struct {
	Port           int      `yaml:"port" mapstructure:"port"`
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// MonitoringConfig configures the background failure checker.
type MonitoringConfig struct {
	Enabled              bool    `yaml:"enabled" mapstructure:"enabled"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	DLQThreshold         int     `yaml:"dlq_threshold" mapstructure:"dlq_threshold"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("PRIORITY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "priority.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.max_size_mb", 50)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("batch.max_concurrent_entities", 4)
	v.SetDefault("fetch.timeout_secs", 30)
	v.SetDefault("fetch.rate_per_sec", 2.0)
	v.SetDefault("fetch.burst", 1)
	v.SetDefault("fetch.fixture_dir", "evidence")
	v.SetDefault("fetch.circuit_failure_threshold", 5)
	v.SetDefault("fetch.circuit_reset_secs", 30)
	v.SetDefault("fetch.user_agent", "rare-priority/1.0")
	v.SetDefault("fetch.backoff_initial_ms", 500)
	v.SetDefault("fetch.backoff_max_secs", 30)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.dlq_threshold", 10)
	v.SetDefault("scoring.winsor.iqr_multiplier", 1.5)
	v.SetDefault("scoring.reliability_threshold", 6.0)
	v.SetDefault("scoring.max_attempts", 3)
	v.SetDefault("scoring.cache_size", 1024)
	v.SetDefault("scoring.cache_ttl_secs", 30)
	for c, w := range DefaultWeights() {
		v.SetDefault("scoring.weights."+c, w)
	}

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
	cfg.Scoring.ApplyDefaults()

	return &cfg, nil
}

// LoadProfile replaces the scoring section with the one found in a YAML
// scoring profile. Unset options keep their defaults.
func (c *Config) LoadProfile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return eris.Wrapf(err, "config: read profile %s", path)
	}

	// The profile may be a bare scoring section or wrapped in "scoring".
	var wrapper struct {
		Scoring *ScoringConfig `yaml:"scoring"`
	}
	if err := yaml.Unmarshal(data, &wrapper); err != nil {
		return eris.Wrap(err, "config: parse profile")
	}
	sc := wrapper.Scoring
	if sc == nil {
		sc = &ScoringConfig{}
		if err := yaml.Unmarshal(data, sc); err != nil {
			return eris.Wrap(err, "config: parse profile")
		}
	}

	base := c.Scoring
	if sc.Weights == nil {
		sc.Weights = base.Weights
	}
	if sc.Winsor.IQRMultiplier == 0 {
		sc.Winsor = base.Winsor
	}
	if sc.ReliabilityThreshold == 0 {
		sc.ReliabilityThreshold = base.ReliabilityThreshold
	}
	if sc.MaxAttempts == 0 {
		sc.MaxAttempts = base.MaxAttempts
	}
	if sc.CacheSize == 0 {
		sc.CacheSize = base.CacheSize
	}
	if sc.CacheTTLSecs == 0 {
		sc.CacheTTLSecs = base.CacheTTLSecs
	}
	sc.ApplyDefaults()
	c.Scoring = *sc
	return nil
}

// Validate checks every option once at startup. Any error is fatal.
func (c *Config) Validate() error {
	var errs []string

	switch c.Store.Driver {
	case "memory", "sqlite", "postgres":
	default:
		errs = append(errs, "store.driver must be memory, sqlite or postgres")
	}
	if c.Store.Driver == "postgres" && c.Store.DatabaseURL == "" {
		errs = append(errs, "store.database_url is required for postgres")
	}
	if c.Batch.MaxConcurrentEntities < 1 {
		errs = append(errs, "batch.max_concurrent_entities must be >= 1")
	}
	if c.Fetch.TimeoutSecs < 0 {
		errs = append(errs, "fetch.timeout_secs must be >= 0")
	}
	if c.Fetch.RatePerSec < 0 {
		errs = append(errs, "fetch.rate_per_sec must be >= 0")
	}
	if c.Fetch.BackoffInitialMs < 0 || c.Fetch.BackoffMaxSecs < 0 {
		errs = append(errs, "fetch backoff settings must be >= 0")
	}
	if c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1 {
		errs = append(errs, "monitoring.failure_rate_threshold must be between 0 and 1")
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 0 and 65535")
	}
	errs = append(errs, c.Scoring.validate()...)

	if len(errs) > 0 {
		return eris.Errorf("config: validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger. When cfg.File is set, output
// goes to a size-rotated file instead of stderr.
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

	if cfg.File != "" {
		writer := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			Compress:   true,
		})
		var enc zapcore.Encoder
		if cfg.Format == "console" {
			enc = zapcore.NewConsoleEncoder(zapCfg.EncoderConfig)
		} else {
			enc = zapcore.NewJSONEncoder(zapCfg.EncoderConfig)
		}
		zap.ReplaceGlobals(zap.New(zapcore.NewCore(enc, writer, zapCfg.Level)))
		return nil
	}

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
