package config

import (
	"fmt"
	"strings"
	"time"
)

// Config represents the global configuration
type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Redis        RedisConfig        `mapstructure:"redis"`
	MQ           MQConfig           `mapstructure:"mq"`
	Log          LogConfig          `mapstructure:"log"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
	Tracing      TracingConfig      `mapstructure:"tracing"`
	CircuitBreak CircuitBreakConfig `mapstructure:"circuit_break"`
	Trade        TradeConfig        `mapstructure:"trade"`
	Notify       NotifyConfig       `mapstructure:"notify"`
	Rank         RankConfig         `mapstructure:"rank"`
}

// ServerConfig represents the ops HTTP server configuration
type ServerConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Mode         string        `mapstructure:"mode"` // debug, release, test
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig represents database configuration
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	Username        string        `mapstructure:"username"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	Charset         string        `mapstructure:"charset"`
	Loc             string        `mapstructure:"loc"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// RedisConfig represents Redis configuration
type RedisConfig struct {
	Host         string        `mapstructure:"host"`
	Port         int           `mapstructure:"port"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	PoolSize     int           `mapstructure:"pool_size"`
	MinIdleConns int           `mapstructure:"min_idle_conns"`
	MaxRetries   int           `mapstructure:"max_retries"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PoolTimeout  time.Duration `mapstructure:"pool_timeout"`
}

// MQConfig selects the message queue behind the rank topic and MQ notify sink
type MQConfig struct {
	Driver   string `mapstructure:"driver"` // memory, rabbitmq
	URL      string `mapstructure:"url"`
	Prefetch int    `mapstructure:"prefetch"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`
	MaxAge     int    `mapstructure:"max_age"`
	MaxBackups int    `mapstructure:"max_backups"`
	Compress   bool   `mapstructure:"compress"`
}

// MetricsConfig represents metrics configuration
type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Path      string `mapstructure:"path"`
	Namespace string `mapstructure:"namespace"`
}

// TracingConfig represents tracing configuration
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Environment string  `mapstructure:"environment"`
	Endpoint    string  `mapstructure:"endpoint"`
	SampleRate  float64 `mapstructure:"sample_rate"`
}

// CircuitBreakConfig represents per-destination circuit breaker configuration
type CircuitBreakConfig struct {
	MaxRequests     uint32        `mapstructure:"max_requests"`
	Interval        time.Duration `mapstructure:"interval"`
	Timeout         time.Duration `mapstructure:"timeout"`
	FailureRatio    float64       `mapstructure:"failure_ratio"`
	MinRequestCount uint32        `mapstructure:"min_request_count"`
}

// TradeConfig covers reservation, lock, settlement and refund
type TradeConfig struct {
	LockTimeout       time.Duration `mapstructure:"lock_timeout"`
	SettleTimeout     time.Duration `mapstructure:"settle_timeout"`
	RefundTimeout     time.Duration `mapstructure:"refund_timeout"`
	SlotBufferMinutes int           `mapstructure:"slot_buffer_minutes"`
	NodeID            int64         `mapstructure:"node_id"`
}

// NotifyConfig covers the dispatcher, its worker pool and the sweeper
type NotifyConfig struct {
	Workers        int           `mapstructure:"workers"`
	QueueSize      int           `mapstructure:"queue_size"`
	MaxRetries     int           `mapstructure:"max_retries"`
	InlineAttempts int           `mapstructure:"inline_attempts"`
	Backoff        time.Duration `mapstructure:"backoff"`
	HTTPTimeout    time.Duration `mapstructure:"http_timeout"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
	Burst          int           `mapstructure:"burst"`
	RefundTopic    string        `mapstructure:"refund_topic"`
	SweepInterval  time.Duration `mapstructure:"sweep_interval"`
	SweepBatch     int           `mapstructure:"sweep_batch"`
	SweepLockTTL   time.Duration `mapstructure:"sweep_lock_ttl"`
}

// RankConfig covers the leaderboard updater and its read path
type RankConfig struct {
	Topic     string        `mapstructure:"topic"`
	Consumers int           `mapstructure:"consumers"`
	DedupTTL  time.Duration `mapstructure:"dedup_ttl"`
	BoardTTL  time.Duration `mapstructure:"board_ttl"`
	Windows   []string      `mapstructure:"windows"`
	CacheTTL  time.Duration `mapstructure:"cache_ttl"`
}

// GetAddr returns the server address
func (s *ServerConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", s.Host, s.Port)
}

// GetDSN returns the database DSN
func (d *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?charset=%s&parseTime=true&loc=%s&timeout=10s",
		d.Username, d.Password, d.Host, d.Port, d.DBName, d.Charset, d.Loc)
}

// GetAddr returns the Redis address
func (r *RedisConfig) GetAddr() string {
	return fmt.Sprintf("%s:%d", r.Host, r.Port)
}

var knownWindows = map[string]bool{"ACTIVITY": true, "DAY": true}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}
	if c.Database.DBName == "" {
		return fmt.Errorf("database name is required")
	}
	if c.Redis.Host == "" {
		return fmt.Errorf("redis host is required")
	}

	switch c.MQ.Driver {
	case "memory":
	case "rabbitmq":
		if c.MQ.URL == "" {
			return fmt.Errorf("mq url is required for rabbitmq driver")
		}
	default:
		return fmt.Errorf("unknown mq driver: %q", c.MQ.Driver)
	}

	if c.Notify.Workers <= 0 || c.Notify.QueueSize <= 0 {
		return fmt.Errorf("notify workers and queue size must be positive")
	}
	if c.Notify.MaxRetries <= 0 {
		return fmt.Errorf("notify max retries must be positive")
	}
	if c.Rank.Consumers <= 0 {
		return fmt.Errorf("rank consumers must be positive")
	}
	if len(c.Rank.Windows) == 0 {
		return fmt.Errorf("at least one rank window is required")
	}
	for _, w := range c.Rank.Windows {
		if !knownWindows[strings.ToUpper(strings.TrimSpace(w))] {
			return fmt.Errorf("unknown rank window: %q", w)
		}
	}

	return nil
}

// SetDefaults sets default values for configuration
func (c *Config) SetDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8091
	}
	if c.Server.Mode == "" {
		c.Server.Mode = "release"
	}
	if c.Server.ReadTimeout == 0 {
		c.Server.ReadTimeout = 10 * time.Second
	}
	if c.Server.WriteTimeout == 0 {
		c.Server.WriteTimeout = 10 * time.Second
	}
	if c.Server.IdleTimeout == 0 {
		c.Server.IdleTimeout = 60 * time.Second
	}

	if c.Database.Host == "" {
		c.Database.Host = "localhost"
	}
	if c.Database.Port == 0 {
		c.Database.Port = 3306
	}
	if c.Database.DBName == "" {
		c.Database.DBName = "group_buy_market"
	}
	if c.Database.Charset == "" {
		c.Database.Charset = "utf8mb4"
	}
	if c.Database.Loc == "" {
		c.Database.Loc = "Local"
	}
	if c.Database.MaxOpenConns == 0 {
		c.Database.MaxOpenConns = 100
	}
	if c.Database.MaxIdleConns == 0 {
		c.Database.MaxIdleConns = 10
	}
	if c.Database.ConnMaxLifetime == 0 {
		c.Database.ConnMaxLifetime = time.Hour
	}
	if c.Database.ConnMaxIdleTime == 0 {
		c.Database.ConnMaxIdleTime = 10 * time.Minute
	}
	if c.Database.LogLevel == "" {
		c.Database.LogLevel = "warn"
	}

	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 100
	}
	if c.Redis.MinIdleConns == 0 {
		c.Redis.MinIdleConns = 10
	}
	if c.Redis.MaxRetries == 0 {
		c.Redis.MaxRetries = 3
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.PoolTimeout == 0 {
		c.Redis.PoolTimeout = 4 * time.Second
	}

	if c.MQ.Driver == "" {
		c.MQ.Driver = "memory"
	}
	if c.MQ.Prefetch == 0 {
		c.MQ.Prefetch = 32
	}

	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Log.Output == "" {
		c.Log.Output = "stdout"
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "group-buy-market"
	}
	if c.Tracing.Environment == "" {
		c.Tracing.Environment = GetEnv("GROUPBUY_ENV", "dev")
	}
	if c.Tracing.SampleRate == 0 {
		c.Tracing.SampleRate = 1.0
	}

	if c.CircuitBreak.MaxRequests == 0 {
		c.CircuitBreak.MaxRequests = 1
	}
	if c.CircuitBreak.Interval == 0 {
		c.CircuitBreak.Interval = time.Minute
	}
	if c.CircuitBreak.Timeout == 0 {
		c.CircuitBreak.Timeout = 30 * time.Second
	}
	if c.CircuitBreak.FailureRatio == 0 {
		c.CircuitBreak.FailureRatio = 0.5
	}
	if c.CircuitBreak.MinRequestCount == 0 {
		c.CircuitBreak.MinRequestCount = 5
	}

	if c.Trade.LockTimeout == 0 {
		c.Trade.LockTimeout = 3 * time.Second
	}
	if c.Trade.SettleTimeout == 0 {
		c.Trade.SettleTimeout = 5 * time.Second
	}
	if c.Trade.RefundTimeout == 0 {
		c.Trade.RefundTimeout = 5 * time.Second
	}
	if c.Trade.SlotBufferMinutes == 0 {
		c.Trade.SlotBufferMinutes = 60
	}
	if c.Trade.NodeID == 0 {
		c.Trade.NodeID = 1
	}

	if c.Notify.Workers == 0 {
		c.Notify.Workers = 8
	}
	if c.Notify.QueueSize == 0 {
		c.Notify.QueueSize = 1024
	}
	if c.Notify.MaxRetries == 0 {
		c.Notify.MaxRetries = 5
	}
	if c.Notify.InlineAttempts == 0 {
		c.Notify.InlineAttempts = 2
	}
	if c.Notify.Backoff == 0 {
		c.Notify.Backoff = 200 * time.Millisecond
	}
	if c.Notify.HTTPTimeout == 0 {
		c.Notify.HTTPTimeout = 3 * time.Second
	}
	if c.Notify.RatePerSecond == 0 {
		c.Notify.RatePerSecond = 50
	}
	if c.Notify.Burst == 0 {
		c.Notify.Burst = 10
	}
	if c.Notify.RefundTopic == "" {
		c.Notify.RefundTopic = "topic.team_refund"
	}
	if c.Notify.SweepInterval == 0 {
		c.Notify.SweepInterval = 15 * time.Second
	}
	if c.Notify.SweepBatch == 0 {
		c.Notify.SweepBatch = 50
	}
	if c.Notify.SweepLockTTL == 0 {
		c.Notify.SweepLockTTL = time.Minute
	}

	if c.Rank.Topic == "" {
		c.Rank.Topic = "topic.market_rank_event"
	}
	if c.Rank.Consumers == 0 {
		c.Rank.Consumers = 2
	}
	if c.Rank.DedupTTL == 0 {
		c.Rank.DedupTTL = 72 * time.Hour
	}
	if c.Rank.BoardTTL == 0 {
		c.Rank.BoardTTL = 30 * 24 * time.Hour
	}
	if len(c.Rank.Windows) == 0 {
		c.Rank.Windows = []string{"ACTIVITY"}
	}
	if c.Rank.CacheTTL == 0 {
		c.Rank.CacheTTL = 10 * time.Minute
	}
}
