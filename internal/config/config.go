// Package config loads filecachectl settings from an optional config file
// and FILECACHE_* environment variables.
package config

import (
	"errors"
	"fmt"
	"path/filepath"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

const EnvPrefix = "FILECACHE"

type Config struct {
	Directory     string        `mapstructure:"directory"`
	Namespace     string        `mapstructure:"namespace"`
	DefaultTTL    time.Duration `mapstructure:"default_ttl"`
	PruneInterval time.Duration `mapstructure:"prune_interval"`
	MaxEntrySize  int           `mapstructure:"max_entry_size"`
	Log           LogConfig     `mapstructure:"log"`
	Hot           HotConfig     `mapstructure:"hot"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	FilePath   string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// HotConfig selects the in-memory entry cache. Provider "" disables it.
type HotConfig struct {
	Provider   string        `mapstructure:"provider"` // map | ristretto | bigcache | redis
	TTL        time.Duration `mapstructure:"ttl"`
	MaxCostMB  int64         `mapstructure:"max_cost_mb"`
	RedisAddr  string        `mapstructure:"redis_addr"`
	RedisDB    int           `mapstructure:"redis_db"`
	SharedGens bool          `mapstructure:"shared_gens"` // keep generations in Redis too
}

var providers = map[string]bool{"": true, "map": true, "ristretto": true, "bigcache": true, "redis": true}

// Load reads path (optional; "" skips the file), overlays environment
// variables and applies defaults. Nested keys map to env names with
// underscores: log.level => FILECACHE_LOG_LEVEL.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(durationDecodeHook())); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(cfg.Directory)
	if err != nil {
		return nil, fmt.Errorf("config: resolve directory: %w", err)
	}
	cfg.Directory = abs
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("directory", "./cache")
	v.SetDefault("namespace", "")
	v.SetDefault("default_ttl", "0s")
	v.SetDefault("prune_interval", "1m")
	v.SetDefault("max_entry_size", 0)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 10)
	v.SetDefault("log.compress", true)
	v.SetDefault("hot.provider", "")
	v.SetDefault("hot.ttl", "0s")
	v.SetDefault("hot.max_cost_mb", 64)
	v.SetDefault("hot.redis_addr", "127.0.0.1:6379")
	v.SetDefault("hot.redis_db", 0)
	v.SetDefault("hot.shared_gens", false)
}

func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Directory) == "" {
		errs = append(errs, errors.New("directory is required"))
	}
	if c.DefaultTTL < 0 {
		errs = append(errs, errors.New("default_ttl must not be negative"))
	}
	if c.PruneInterval < 0 {
		errs = append(errs, errors.New("prune_interval must not be negative"))
	}
	if c.MaxEntrySize < 0 {
		errs = append(errs, errors.New("max_entry_size must not be negative"))
	}
	c.Hot.Provider = strings.ToLower(strings.TrimSpace(c.Hot.Provider))
	if !providers[c.Hot.Provider] {
		errs = append(errs, fmt.Errorf("hot.provider %q is not one of map, ristretto, bigcache, redis", c.Hot.Provider))
	}
	if c.Hot.SharedGens && c.Hot.Provider == "" {
		errs = append(errs, errors.New("hot.shared_gens needs a hot.provider"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("config: %w", errors.Join(errs...))
	}
	return nil
}

// durationDecodeHook accepts Go duration strings, bare numbers (seconds) and
// numeric strings (seconds), so "90", 90 and "1m30s" mean the same.
func durationDecodeHook() mapstructure.DecodeHookFunc {
	target := reflect.TypeOf(time.Duration(0))

	return func(_ reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if to != target {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			v = strings.TrimSpace(v)
			if v == "" {
				return time.Duration(0), nil
			}
			if d, err := time.ParseDuration(v); err == nil {
				return d, nil
			}
			if secs, err := strconv.ParseFloat(v, 64); err == nil {
				return time.Duration(secs * float64(time.Second)), nil
			}
			return nil, fmt.Errorf("invalid duration %q", v)
		case int:
			return time.Duration(v) * time.Second, nil
		case int64:
			return time.Duration(v) * time.Second, nil
		case float64:
			return time.Duration(v * float64(time.Second)), nil
		case time.Duration:
			return v, nil
		default:
			return nil, fmt.Errorf("unsupported duration type %T", v)
		}
	}
}
