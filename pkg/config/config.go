package config

import (
	"strings"
	"time"

	"github.com/84hero/dapp-scout/pkg/hypersync"
	"github.com/spf13/viper"
)

type Config struct {
	Project   string           `mapstructure:"project"`
	Log       LogConfig        `mapstructure:"log"`
	Network   string           `mapstructure:"network"`
	HyperSync hypersync.Config `mapstructure:"hypersync"`
	Scan      ScanConfig       `mapstructure:"scan"`
	Registry  RegistryConfig   `mapstructure:"registry"`
	Cache     CacheConfig      `mapstructure:"cache"`
	Server    ServerConfig     `mapstructure:"server"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text, json
}

type ScanConfig struct {
	LogBatchSize     int           `mapstructure:"log_batch_size"`
	BatchConcurrency int           `mapstructure:"batch_concurrency"`
	ProgressInterval time.Duration `mapstructure:"progress_interval"`
	ProgressEvery    int           `mapstructure:"progress_every"`
}

type RegistryConfig struct {
	// Backend selects the registry store: postgres, redis or memory.
	Backend string `mapstructure:"backend"`

	PostgresURL string `mapstructure:"postgres_url"`
	TablePrefix string `mapstructure:"table_prefix"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisKey      string `mapstructure:"redis_key"`
}

type CacheConfig struct {
	// Backend selects the summary cache: memory, postgres, redis or none.
	Backend string        `mapstructure:"backend"`
	TTL     time.Duration `mapstructure:"ttl"`

	PostgresURL string `mapstructure:"postgres_url"`
	TablePrefix string `mapstructure:"table_prefix"`

	RedisAddr     string `mapstructure:"redis_addr"`
	RedisPassword string `mapstructure:"redis_password"`
	RedisDB       int    `mapstructure:"redis_db"`
	RedisPrefix   string `mapstructure:"redis_prefix"`
}

type ServerConfig struct {
	Addr string `mapstructure:"addr"`
}

func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("DAPPSCOUT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Set default values
	if cfg.Scan.LogBatchSize == 0 {
		cfg.Scan.LogBatchSize = 50
	}
	if cfg.Scan.BatchConcurrency == 0 {
		cfg.Scan.BatchConcurrency = 5
	}
	if cfg.Scan.ProgressInterval == 0 {
		cfg.Scan.ProgressInterval = 5 * time.Second
	}
	if cfg.Scan.ProgressEvery == 0 {
		cfg.Scan.ProgressEvery = 25
	}
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = "memory"
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = 10 * time.Minute
	}
	if cfg.Registry.Backend == "" {
		cfg.Registry.Backend = "memory"
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = ":8080"
	}

	return &cfg, nil
}
