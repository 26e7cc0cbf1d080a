// Package config loads engine configuration from YAML via viper, following
// the teacher repo's own configuration pattern.
package config

import (
	"strings"

	"github.com/spf13/viper"
)

// ReplacerKind selects the buffer pool's eviction policy.
type ReplacerKind string

const (
	ReplacerLRU   ReplacerKind = "lru"
	ReplacerClock ReplacerKind = "clock"
)

// IsolationLevel is the default isolation level new transactions start at.
type IsolationLevel string

const (
	ReadUncommitted IsolationLevel = "read_uncommitted"
	ReadCommitted   IsolationLevel = "read_committed"
	Repeatable      IsolationLevel = "repeatable_read"
)

// Config holds every tunable of the storage engine.
type Config struct {
	DataDir  string `mapstructure:"data_dir"`
	WALDir   string `mapstructure:"wal_dir"`
	PageSize int    `mapstructure:"page_size"`

	BufferPoolCapacity int          `mapstructure:"buffer_pool_capacity"`
	Replacer           ReplacerKind `mapstructure:"replacer"`

	DeadlockIntervalMS int `mapstructure:"deadlock_interval_ms"`

	DefaultIsolation IsolationLevel `mapstructure:"default_isolation"`

	LogLevel string `mapstructure:"log_level"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	return Config{
		DataDir:            "./data",
		WALDir:             "./data/wal",
		PageSize:           4096,
		BufferPoolCapacity: 128,
		Replacer:           ReplacerClock,
		DeadlockIntervalMS: 50,
		DefaultIsolation:   ReadCommitted,
		LogLevel:           "info",
	}
}

// Load reads configuration from a YAML file at path, falling back to
// Default() for any unset field. An empty path loads defaults only.
func Load(path string) (Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("novasql")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("wal_dir", cfg.WALDir)
	v.SetDefault("page_size", cfg.PageSize)
	v.SetDefault("buffer_pool_capacity", cfg.BufferPoolCapacity)
	v.SetDefault("replacer", string(cfg.Replacer))
	v.SetDefault("deadlock_interval_ms", cfg.DeadlockIntervalMS)
	v.SetDefault("default_isolation", string(cfg.DefaultIsolation))
	v.SetDefault("log_level", cfg.LogLevel)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return cfg, err
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}
