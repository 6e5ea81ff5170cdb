// Package config loads the pipeline configuration from a YAML file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"fetchq/pkg/logging"
)

// Config holds the pipeline configuration.
type Config struct {
	Cache struct {
		// Dir is the cache root directory.
		Dir string `yaml:"dir"`

		// MaxBytes bounds total disk usage. Default 20 MiB.
		MaxBytes int64 `yaml:"max_bytes"`

		// WriteDelay defers disk writes for write-behind puts, as a
		// Go duration string. Default 5s.
		WriteDelay string `yaml:"write_delay"`
	} `yaml:"cache"`

	Network struct {
		// PoolSize is the network dispatcher count. Default 4.
		PoolSize int `yaml:"pool_size"`
	} `yaml:"network"`

	Bandwidth struct {
		// LowerKBps and UpperKBps bound the low-bandwidth hysteresis.
		LowerKBps int `yaml:"lower_kbps"`
		UpperKBps int `yaml:"upper_kbps"`
	} `yaml:"bandwidth"`

	Log struct {
		Level  string `yaml:"level"`
		Pretty bool   `yaml:"pretty"`
	} `yaml:"log"`

	// compiled
	writeDelay time.Duration
}

// Default returns the default configuration: ./cache root, 20 MiB,
// pool of 4, 5s write delay, 40/80 kB/s bandwidth thresholds.
func Default() Config {
	var cfg Config
	cfg.Cache.Dir = "cache"
	cfg.Cache.MaxBytes = 20 << 20
	cfg.Cache.WriteDelay = "5s"
	cfg.writeDelay = 5 * time.Second
	cfg.Network.PoolSize = 4
	cfg.Bandwidth.LowerKBps = 40
	cfg.Bandwidth.UpperKBps = 80
	cfg.Log.Level = string(logging.LevelInfo)
	return cfg
}

// Load reads a YAML config file, applying defaults for absent fields.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	cfg := Default()
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) compile() error {
	if c.Cache.Dir == "" {
		return fmt.Errorf("cache.dir is required")
	}
	if c.Cache.MaxBytes <= 0 {
		return fmt.Errorf("cache.max_bytes must be positive, got %d", c.Cache.MaxBytes)
	}
	if c.Network.PoolSize <= 0 {
		return fmt.Errorf("network.pool_size must be positive, got %d", c.Network.PoolSize)
	}
	if c.Bandwidth.LowerKBps >= c.Bandwidth.UpperKBps {
		return fmt.Errorf("bandwidth thresholds must satisfy lower < upper, got %d/%d",
			c.Bandwidth.LowerKBps, c.Bandwidth.UpperKBps)
	}
	if c.Cache.WriteDelay != "" {
		d, err := time.ParseDuration(c.Cache.WriteDelay)
		if err != nil {
			return fmt.Errorf("cache.write_delay: %w", err)
		}
		c.writeDelay = d
	}
	return nil
}

// WriteDelay returns the parsed write-behind delay.
func (c *Config) WriteDelay() time.Duration {
	if c.writeDelay == 0 {
		return 5 * time.Second
	}
	return c.writeDelay
}
