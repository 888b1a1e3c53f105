// Package config loads and validates the zotmirror TOML configuration.
package config

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/spf13/viper"
)

const (
	DefaultConfigPath = "zotmirror.toml"
	DefaultEndpoint   = "https://api.zotero.org"
	DefaultLogLevel   = "info"

	DefaultMaxConcurrentLibraries = 4
	DefaultConnMax                = 10

	DefaultWorkerPollSeconds = 5
	DefaultWorkerBatchSize   = 50
	MaxWorkerBatchSize       = 50
	DefaultRetentionDays     = 7
)

// schema names are interpolated into DDL, so keep them to bare identifiers
var identifierRegex = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

type DatabaseConfig struct {
	DSN     string `mapstructure:"dsn"`
	Schema  string `mapstructure:"schema"`
	ConnMax int    `mapstructure:"conn_max"`
}

type S3Config struct {
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	UseSSL          bool   `mapstructure:"use_ssl"`
	Bucket          string `mapstructure:"bucket"`
}

type WorkerConfig struct {
	PollInterval  int `mapstructure:"poll_interval"`
	BatchSize     int `mapstructure:"batch_size"`
	RetentionDays int `mapstructure:"retention_days"`
}

type Config struct {
	Endpoint               string         `mapstructure:"endpoint"`
	APIKey                 string         `mapstructure:"apikey"`
	LogLevel               string         `mapstructure:"loglevel"`
	LogFile                string         `mapstructure:"logfile"`
	SyncOnly               []int64        `mapstructure:"synconly"`
	ClearBeforeSync        []int64        `mapstructure:"clear_before_sync"`
	NewGroupActive         bool           `mapstructure:"newgroupactive"`
	MaxConcurrentLibraries int            `mapstructure:"max_concurrent_libraries"`
	Database               DatabaseConfig `mapstructure:"database"`
	S3                     S3Config       `mapstructure:"s3"`
	Worker                 WorkerConfig   `mapstructure:"worker"`

	Path string `mapstructure:"-"`
}

// Load reads the TOML file at path. ZOTMIRROR_* environment variables
// override file values (nested keys use underscores, e.g. ZOTMIRROR_DATABASE_DSN).
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetConfigType("toml")

	v.SetDefault("endpoint", DefaultEndpoint)
	v.SetDefault("loglevel", DefaultLogLevel)
	v.SetDefault("newgroupactive", false)
	v.SetDefault("max_concurrent_libraries", DefaultMaxConcurrentLibraries)
	v.SetDefault("database.conn_max", DefaultConnMax)
	v.SetDefault("worker.poll_interval", DefaultWorkerPollSeconds)
	v.SetDefault("worker.batch_size", DefaultWorkerBatchSize)
	v.SetDefault("worker.retention_days", DefaultRetentionDays)

	v.SetEnvPrefix("ZOTMIRROR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config read '%s': %w", path, err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config parse '%s': %w", path, err)
	}
	cfg.Path = path
	cfg.clamp()

	return &cfg, nil
}

func (c *Config) clamp() {
	if c.MaxConcurrentLibraries < 1 {
		c.MaxConcurrentLibraries = DefaultMaxConcurrentLibraries
	}
	if c.Database.ConnMax < 1 {
		c.Database.ConnMax = DefaultConnMax
	}
	if c.Worker.PollInterval < 1 {
		c.Worker.PollInterval = DefaultWorkerPollSeconds
	}
	if c.Worker.BatchSize < 1 {
		c.Worker.BatchSize = DefaultWorkerBatchSize
	} else if c.Worker.BatchSize > MaxWorkerBatchSize {
		c.Worker.BatchSize = MaxWorkerBatchSize
	}
	if c.Worker.RetentionDays < 1 {
		c.Worker.RetentionDays = DefaultRetentionDays
	}
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return fmt.Errorf("`endpoint` is required")
	}
	if c.APIKey == "" {
		return fmt.Errorf("`apikey` is required")
	}
	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("`loglevel` must be one of debug, info, warn, error")
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database `dsn` is required")
	}
	if c.Database.Schema == "" {
		return fmt.Errorf("database `schema` is required")
	}
	if !identifierRegex.MatchString(c.Database.Schema) {
		return fmt.Errorf("database `schema` must be a plain identifier, got '%s'", c.Database.Schema)
	}
	if c.S3.Endpoint == "" {
		return fmt.Errorf("s3 `endpoint` is required")
	}
	if c.S3.Bucket == "" {
		return fmt.Errorf("s3 `bucket` is required")
	}
	return nil
}
