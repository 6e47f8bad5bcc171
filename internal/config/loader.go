package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

const envPrefix = "GROUPBUY"

var (
	// GlobalConfig holds the global configuration instance
	GlobalConfig *Config

	mu      sync.RWMutex
	current *viper.Viper
)

// LoadConfig loads configuration from file and environment variables.
// An empty configPath searches the default locations; a missing file is not
// an error, defaults and GROUPBUY_* variables still apply.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath("../configs")
		v.AddConfigPath("/etc/groupbuy")
		v.AddConfigPath("$HOME/.groupbuy")
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	bindEnvKeys(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// 环境配置覆盖，如 config.prod.yaml
	if used := v.ConfigFileUsed(); used != "" {
		env := GetEnv(envPrefix+"_ENV", "dev")
		envConfigPath := filepath.Join(filepath.Dir(used), fmt.Sprintf("config.%s.yaml", env))
		if _, err := os.Stat(envConfigPath); err == nil {
			v.SetConfigFile(envConfigPath)
			if err := v.MergeInConfig(); err != nil {
				return nil, fmt.Errorf("failed to merge env config %s: %w", envConfigPath, err)
			}
			v.SetConfigFile(used)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	mu.Lock()
	GlobalConfig = cfg
	current = v
	mu.Unlock()

	return cfg, nil
}

// bindEnvKeys registers every known key so AutomaticEnv also reaches values
// absent from the config file during Unmarshal.
func bindEnvKeys(v *viper.Viper) {
	keys := []string{
		"server.port", "server.mode",
		"database.host", "database.port", "database.username", "database.password", "database.dbname",
		"redis.host", "redis.port", "redis.password", "redis.db",
		"mq.driver", "mq.url",
		"log.level", "log.format", "log.output", "log.filename",
		"tracing.enabled", "tracing.endpoint",
		"notify.max_retries", "notify.refund_topic",
		"rank.topic", "rank.windows",
	}
	for _, k := range keys {
		_ = v.BindEnv(k)
	}
}

// MustLoadConfig loads configuration and panics on error
func MustLoadConfig(configPath string) *Config {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}
	return cfg
}

// GetConfig returns the global configuration instance
func GetConfig() *Config {
	mu.RLock()
	defer mu.RUnlock()
	if GlobalConfig == nil {
		panic("Config not loaded. Call LoadConfig first.")
	}
	return GlobalConfig
}

// WatchConfig reloads the configuration whenever the loaded file changes.
// A reload that fails validation keeps the previous configuration.
func WatchConfig(onChange func(*Config), onError func(error)) {
	mu.RLock()
	v := current
	mu.RUnlock()
	if v == nil || v.ConfigFileUsed() == "" {
		return
	}

	path := v.ConfigFileUsed()
	v.OnConfigChange(func(e fsnotify.Event) {
		if e.Op&(fsnotify.Write|fsnotify.Create) == 0 {
			return
		}
		cfg, err := LoadConfig(path)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		if onChange != nil {
			onChange(cfg)
		}
	})
	v.WatchConfig()
}

// GetEnv returns environment variable value with fallback
func GetEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}
