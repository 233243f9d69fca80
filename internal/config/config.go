// Package config loads runtime settings from a config file, environment
// variables (CALSTORE_ prefix), and defaults, in that order of
// precedence via viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full runtime configuration.
type Config struct {
	DBPath    string `mapstructure:"db_path"`
	BackupDir string `mapstructure:"backup_dir"`
	ImportDir string `mapstructure:"import_dir"`

	BackupKeep int `mapstructure:"backup_keep"`
	BatchSize  int `mapstructure:"batch_size"`

	CacheTTL   time.Duration `mapstructure:"cache_ttl"`
	RefdataTTL time.Duration `mapstructure:"refdata_ttl"`

	DeletedMaxAge     time.Duration `mapstructure:"deleted_max_age"`
	OutboxMaxAge      time.Duration `mapstructure:"outbox_max_age"`
	OutboxMaxAttempts int           `mapstructure:"outbox_max_attempts"`

	LogLevel string `mapstructure:"log_level"`
	LogFile  string `mapstructure:"log_file"`
}

// Load reads configuration. path may be empty, in which case only
// defaults and environment variables apply; a named file that cannot be
// read is an error.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("db_path", "calstore.db")
	v.SetDefault("backup_dir", "backups")
	v.SetDefault("import_dir", "import")
	v.SetDefault("backup_keep", 10)
	v.SetDefault("batch_size", 100)
	v.SetDefault("cache_ttl", 5*time.Second)
	v.SetDefault("refdata_ttl", 5*time.Minute)
	v.SetDefault("deleted_max_age", 720*time.Hour)
	v.SetDefault("outbox_max_age", 168*time.Hour)
	v.SetDefault("outbox_max_attempts", 3)
	v.SetDefault("log_level", "info")
	v.SetDefault("log_file", "")

	v.SetEnvPrefix("CALSTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.DBPath == "" {
		return fmt.Errorf("db_path must not be empty")
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive, got %d", c.BatchSize)
	}
	if c.BackupKeep <= 0 {
		return fmt.Errorf("backup_keep must be positive, got %d", c.BackupKeep)
	}
	if c.OutboxMaxAttempts <= 0 {
		return fmt.Errorf("outbox_max_attempts must be positive, got %d", c.OutboxMaxAttempts)
	}
	return nil
}
