package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Traderflow   TraderflowConfig   `yaml:"traderflow"`
	Channels     ChannelsConfig     `yaml:"channels"`
	Reader       ReaderConfig       `yaml:"reader"`
	Dedup        DedupConfig        `yaml:"dedup"`
	Engine       EngineConfig       `yaml:"engine"`
	Materializer MaterializerConfig `yaml:"materializer"`
	Writer       WriterConfig       `yaml:"writer"`
	Storage      StorageConfig      `yaml:"storage"`
	Taxonomy     TaxonomyRefConfig  `yaml:"taxonomy"`
	Logging      LoggingConfig      `yaml:"logging"`
}

type TraderflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type ChannelsConfig struct {
	RawBuffer       int `yaml:"raw_buffer"`
	PartitionBuffer int `yaml:"partition_buffer"`
	StatsBuffer     int `yaml:"stats_buffer"`
	FeatureBuffer   int `yaml:"feature_buffer"`
}

type ReaderConfig struct {
	Source     string          `yaml:"source"` // "local" or "s3"
	LocalDir   string          `yaml:"local_dir"`
	S3Prefix   string          `yaml:"s3_prefix"`
	MaxWorkers int             `yaml:"max_workers"`
	Timeout    time.Duration   `yaml:"timeout"`
	RateLimit  RateLimitConfig `yaml:"rate_limit"`
}

type RateLimitConfig struct {
	RequestsPerSecond int `yaml:"requests_per_second"`
	BurstSize         int `yaml:"burst_size"`
}

type DedupConfig struct {
	// MaxRejectionRate aborts the batch when rejected rows exceed this share
	// of total rows, which signals an upstream pipeline break rather than
	// isolated bad data.
	MaxRejectionRate float64 `yaml:"max_rejection_rate"`
}

type EngineConfig struct {
	MaxWorkers int              `yaml:"max_workers"`
	Resolution ResolutionConfig `yaml:"resolution"`
	// NeutralWinRate is emitted when a window has no resolved history.
	// Downstream models see this default for every wallet's first trade.
	NeutralWinRate float64          `yaml:"neutral_win_rate"`
	Confidence     ConfidenceConfig `yaml:"confidence"`
}

// ResolutionConfig names the single resolution-time policy for the run.
//
// "strict" counts a prior trade only when its market carries both a resolved
// label and an explicit resolution timestamp. "grace" additionally treats a
// labeled market missing its timestamp as resolved GracePeriod after the
// trade; this is an explicitly labeled approximation, never the default.
type ResolutionConfig struct {
	Policy      string        `yaml:"policy"`
	GracePeriod time.Duration `yaml:"grace_period"`
}

const (
	ResolutionPolicyStrict = "strict"
	ResolutionPolicyGrace  = "grace"
)

type ConfidenceConfig struct {
	Low    int64 `yaml:"low"`
	Medium int64 `yaml:"medium"`
	High   int64 `yaml:"high"`
}

type MaterializerConfig struct {
	MaxWorkers int `yaml:"max_workers"`
	// MinResolvedTrades filters feature rows whose wallet had fewer resolved
	// lifetime trades than this at trade time.
	MinResolvedTrades int64 `yaml:"min_resolved_trades"`
}

type WriterConfig struct {
	MaxWorkers    int                `yaml:"max_workers"`
	FlushInterval time.Duration      `yaml:"flush_interval"`
	Batch         BatchConfig        `yaml:"batch"`
	Partitioning  PartitioningConfig `yaml:"partitioning"`
	Formats       FormatsConfig      `yaml:"formats"`
	// LocalDir receives parquet output when S3 is disabled.
	LocalDir string `yaml:"local_dir"`
}

type BatchConfig struct {
	Size    int           `yaml:"size"`
	Timeout time.Duration `yaml:"timeout"`
}

type PartitioningConfig struct {
	TimeFormat     string   `yaml:"time_format"`
	AdditionalKeys []string `yaml:"additional_keys"`
}

type FormatsConfig struct {
	Parquet ParquetConfig `yaml:"parquet"`
}

type ParquetConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Compression string `yaml:"compression"`
}

type StorageConfig struct {
	S3       S3Config       `yaml:"s3"`
	Postgres PostgresConfig `yaml:"postgres"`
}

type S3Config struct {
	Enabled         bool   `yaml:"enabled"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Endpoint        string `yaml:"endpoint"`
	PathStyle       bool   `yaml:"path_style"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

type PostgresConfig struct {
	Enabled bool   `yaml:"enabled"`
	DSN     string `yaml:"dsn"`
	// HaltOnInconsistency keeps the staging tables unpromoted when a
	// recomputation disagrees with production for unchanged historical
	// trades.
	HaltOnInconsistency bool `yaml:"halt_on_inconsistency"`
}

type TaxonomyRefConfig struct {
	Path string `yaml:"path"`
}

type LoggingConfig struct {
	Level         string `yaml:"level"`
	Format        string `yaml:"format"`
	Output        string `yaml:"output"`
	MaxAge        int    `yaml:"max_age"`
	DashboardName string `yaml:"dashboard_name"`
}

func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Dedup: DedupConfig{MaxRejectionRate: 0.05},
		Engine: EngineConfig{
			Resolution:     ResolutionConfig{Policy: ResolutionPolicyStrict, GracePeriod: 7 * 24 * time.Hour},
			NeutralWinRate: 0.5,
			Confidence:     ConfidenceConfig{Low: 10, Medium: 30, High: 100},
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Override credentials from environment variables if available
	if config.Storage.S3.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.S3.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.S3.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.S3.Region = strings.TrimSpace(v)
		}
		if v := os.Getenv("S3_BUCKET"); v != "" {
			config.Storage.S3.Bucket = strings.TrimSpace(v)
		}
	}
	if v := os.Getenv("POSTGRES_DSN"); v != "" {
		config.Storage.Postgres.DSN = strings.TrimSpace(v)
	}

	config.Storage.S3.Bucket = strings.TrimSpace(config.Storage.S3.Bucket)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Traderflow.Name == "" {
		return fmt.Errorf("traderflow.name is required")
	}
	if cfg.Traderflow.Version == "" {
		return fmt.Errorf("traderflow.version is required")
	}

	if cfg.Channels.RawBuffer <= 0 {
		return fmt.Errorf("channels.raw_buffer must be greater than 0")
	}
	if cfg.Channels.PartitionBuffer <= 0 {
		return fmt.Errorf("channels.partition_buffer must be greater than 0")
	}

	switch cfg.Reader.Source {
	case "local":
		if cfg.Reader.LocalDir == "" {
			return fmt.Errorf("reader.local_dir is required when reader.source is local")
		}
	case "s3":
		if !cfg.Storage.S3.Enabled {
			return fmt.Errorf("reader.source is s3 but storage.s3 is disabled")
		}
	default:
		return fmt.Errorf("reader.source must be 'local' or 's3', got '%s'", cfg.Reader.Source)
	}
	if cfg.Reader.MaxWorkers <= 0 {
		return fmt.Errorf("reader.max_workers must be greater than 0")
	}

	if cfg.Dedup.MaxRejectionRate <= 0 || cfg.Dedup.MaxRejectionRate >= 1 {
		return fmt.Errorf("dedup.max_rejection_rate must be in (0,1)")
	}

	if cfg.Engine.MaxWorkers <= 0 {
		return fmt.Errorf("engine.max_workers must be greater than 0")
	}
	switch cfg.Engine.Resolution.Policy {
	case ResolutionPolicyStrict:
	case ResolutionPolicyGrace:
		if cfg.Engine.Resolution.GracePeriod <= 0 {
			return fmt.Errorf("engine.resolution.grace_period must be greater than 0 under the grace policy")
		}
	default:
		return fmt.Errorf("engine.resolution.policy must be 'strict' or 'grace', got '%s'", cfg.Engine.Resolution.Policy)
	}
	if cfg.Engine.NeutralWinRate < 0 || cfg.Engine.NeutralWinRate > 1 {
		return fmt.Errorf("engine.neutral_win_rate must be in [0,1]")
	}
	c := cfg.Engine.Confidence
	if c.Low <= 0 || c.Medium <= c.Low || c.High <= c.Medium {
		return fmt.Errorf("engine.confidence thresholds must satisfy 0 < low < medium < high")
	}

	if cfg.Materializer.MinResolvedTrades < 0 {
		return fmt.Errorf("materializer.min_resolved_trades must not be negative")
	}

	if cfg.Writer.FlushInterval <= 0 {
		return fmt.Errorf("writer.flush_interval must be greater than 0")
	}
	if cfg.Writer.Batch.Size <= 0 {
		return fmt.Errorf("writer.batch.size must be greater than 0")
	}
	if cfg.Writer.Formats.Parquet.Enabled && !cfg.Storage.S3.Enabled && cfg.Writer.LocalDir == "" {
		return fmt.Errorf("writer.local_dir is required when parquet output is enabled without S3")
	}

	if cfg.Storage.S3.Enabled {
		if cfg.Storage.S3.Bucket == "" {
			return fmt.Errorf("storage.s3.bucket is required when S3 is enabled")
		}
		if cfg.Storage.S3.Region == "" {
			return fmt.Errorf("storage.s3.region is required when S3 is enabled")
		}
		if !isValidS3Bucket(cfg.Storage.S3.Bucket) {
			return fmt.Errorf("storage.s3.bucket '%s' is invalid", cfg.Storage.S3.Bucket)
		}
	}
	if cfg.Storage.Postgres.Enabled && cfg.Storage.Postgres.DSN == "" {
		return fmt.Errorf("storage.postgres.dsn is required when Postgres is enabled")
	}

	if cfg.Taxonomy.Path == "" {
		return fmt.Errorf("taxonomy.path is required")
	}

	return nil
}

var s3BucketRegexp = regexp.MustCompile(`^[a-z0-9][a-z0-9.-]{1,61}[a-z0-9]$`)

func isValidS3Bucket(name string) bool {
	if len(name) < 3 || len(name) > 63 {
		return false
	}
	if strings.Contains(name, "..") || strings.HasPrefix(name, ".") || strings.HasSuffix(name, ".") {
		return false
	}
	return s3BucketRegexp.MatchString(name)
}
