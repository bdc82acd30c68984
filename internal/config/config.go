package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store    StoreConfig    `yaml:"store" mapstructure:"store"`
	Fetch    FetchConfig    `yaml:"fetch" mapstructure:"fetch"`
	Ingest   IngestConfig   `yaml:"ingest" mapstructure:"ingest"`
	Resolver ResolverConfig `yaml:"resolver" mapstructure:"resolver"`
	Server   ServerConfig   `yaml:"server" mapstructure:"server"`
	Log      LogConfig      `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// FetchConfig configures the snapshot download collaborator.
type FetchConfig struct {
	UserAgent      string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs    int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries     int     `yaml:"max_retries" mapstructure:"max_retries"`
	RatePerSecond  float64 `yaml:"rate_per_second" mapstructure:"rate_per_second"`
	FTPTimeoutSecs int     `yaml:"ftp_timeout_secs" mapstructure:"ftp_timeout_secs"`
}

// IngestConfig configures snapshot parsing and capture.
type IngestConfig struct {
	BatchSize int    `yaml:"batch_size" mapstructure:"batch_size"`
	Encoding  string `yaml:"encoding" mapstructure:"encoding"` // "", "utf-8", "latin-1"
	TempDir   string `yaml:"temp_dir" mapstructure:"temp_dir"`
}

// ResolverConfig carries the outcome heuristics. These are tunables, not
// derived statistics; tests exercise boundary values directly.
type ResolverConfig struct {
	GraceHours           int     `yaml:"grace_hours" mapstructure:"grace_hours"`
	ApprovalDays         int     `yaml:"approval_days" mapstructure:"approval_days"`
	SoldConfidence       float64 `yaml:"sold_confidence" mapstructure:"sold_confidence"`
	NotSoldConfidence    float64 `yaml:"not_sold_confidence" mapstructure:"not_sold_confidence"`
	OnApprovalConfidence float64 `yaml:"on_approval_confidence" mapstructure:"on_approval_confidence"`
	ConfidenceFloor      float64 `yaml:"confidence_floor" mapstructure:"confidence_floor"`
}

// GracePeriod returns the grace window as a duration.
func (r ResolverConfig) GracePeriod() time.Duration {
	return time.Duration(r.GraceHours) * time.Hour
}

// ApprovalWindow returns the on-approval waiting window as a duration.
func (r ResolverConfig) ApprovalWindow() time.Duration {
	return time.Duration(r.ApprovalDays) * 24 * time.Hour
}

// ServerConfig configures the read-only status server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LOTSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("fetch.user_agent", "lotsync/1.0")
	v.SetDefault("fetch.timeout_secs", 120)
	v.SetDefault("fetch.max_retries", 3)
	v.SetDefault("fetch.rate_per_second", 2)
	v.SetDefault("fetch.ftp_timeout_secs", 60)
	v.SetDefault("ingest.batch_size", 5000)
	v.SetDefault("ingest.temp_dir", "/tmp/lotsync")
	v.SetDefault("resolver.grace_hours", 24)
	v.SetDefault("resolver.approval_days", 7)
	v.SetDefault("resolver.sold_confidence", 0.85)
	v.SetDefault("resolver.not_sold_confidence", 0.95)
	v.SetDefault("resolver.on_approval_confidence", 0.60)
	v.SetDefault("resolver.confidence_floor", 0.50)

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
