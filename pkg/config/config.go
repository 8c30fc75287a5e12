package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stefluhh/realtime-stock-exchange-analysis/pkg/logger"
)

// Storage backends.
const (
	StorageClickHouse = "clickhouse"
	StorageMemory     = "memory"
)

type Config struct {
	Environment     string        `yaml:"environment"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	Logger          logger.Config `yaml:"logger"`
	Server          struct {
		Port            int           `yaml:"port"`
		ReadTimeout     time.Duration `yaml:"read_timeout"`
		WriteTimeout    time.Duration `yaml:"write_timeout"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
		CORS            bool          `yaml:"cors"`
		RateLimit       struct {
			PerSecond float64 `yaml:"per_second"`
			Burst     int     `yaml:"burst"`
		} `yaml:"rate_limit"`
	} `yaml:"server"`
	Metrics struct {
		Enabled bool   `yaml:"enabled"`
		Path    string `yaml:"path"`
	} `yaml:"metrics"`
	Polygon struct {
		Enabled      bool          `yaml:"enabled"`
		APIKey       string        `yaml:"api_key"`
		WebSocketURL string        `yaml:"websocket_url"`
		RestURL      string        `yaml:"rest_url"`
		Subscription string        `yaml:"subscription"`
		PingInterval time.Duration `yaml:"ping_interval"`
		RestTimeout  time.Duration `yaml:"rest_timeout"`
	} `yaml:"polygon"`
	Pipeline struct {
		LitVenues         []int         `yaml:"lit_venues"`
		MinuteDelay       time.Duration `yaml:"minute_delay"`
		ThirtyMinuteDelay time.Duration `yaml:"thirty_minute_delay"`
		RollupDebounce    time.Duration `yaml:"rollup_debounce"`
		CacheRetention    time.Duration `yaml:"cache_retention"`
	} `yaml:"pipeline"`
	Analysis struct {
		Enabled bool `yaml:"enabled"`
		Workers int  `yaml:"workers"`
		Backlog int  `yaml:"backlog"`
	} `yaml:"analysis"`
	Scheduler struct {
		Drain          string `yaml:"drain"`
		Health         string `yaml:"health"`
		TickerRefresh  string `yaml:"ticker_refresh"`
		DetailsRefresh string `yaml:"details_refresh"`
	} `yaml:"scheduler"`
	Tickers struct {
		CacheTTL         time.Duration `yaml:"cache_ttl"`
		MemorySize       int           `yaml:"memory_size"`
		DetailsPerSecond float64       `yaml:"details_per_second"`
		RefreshEnabled   bool          `yaml:"refresh_enabled"`
	} `yaml:"tickers"`
	Storage struct {
		Backend string `yaml:"backend"`
	} `yaml:"storage"`
	ClickHouse struct {
		Host             string        `yaml:"host"`
		Port             int           `yaml:"port"`
		Database         string        `yaml:"database"`
		User             string        `yaml:"user"`
		Password         string        `yaml:"password"`
		UseHTTP          bool          `yaml:"use_http"`
		AsyncInsert      bool          `yaml:"async_insert"`
		WaitForAsync     bool          `yaml:"wait_for_async_insert"`
		MaxOpenConns     int           `yaml:"max_open_conns"`
		MaxIdleConns     int           `yaml:"max_idle_conns"`
		DialTimeout      time.Duration `yaml:"dial_timeout"`
		ReadTimeout      time.Duration `yaml:"read_timeout"`
		WriteTimeout     time.Duration `yaml:"write_timeout"`
		MaxExecutionTime time.Duration `yaml:"max_execution_time"`
		AnalysisTable    string        `yaml:"analysis_table"`
	} `yaml:"clickhouse"`
	Postgres struct {
		Enabled         bool          `yaml:"enabled"`
		Host            string        `yaml:"host"`
		Port            int           `yaml:"port"`
		Database        string        `yaml:"database"`
		User            string        `yaml:"user"`
		Password        string        `yaml:"password"`
		SSLMode         string        `yaml:"ssl_mode"`
		MaxOpenConns    int           `yaml:"max_open_conns"`
		MaxIdleConns    int           `yaml:"max_idle_conns"`
		ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
		ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
	} `yaml:"postgres"`
	Redis struct {
		Enabled       bool          `yaml:"enabled"`
		Host          string        `yaml:"host"`
		Port          int           `yaml:"port"`
		Password      string        `yaml:"password"`
		DB            int           `yaml:"db"`
		Prefix        string        `yaml:"prefix"`
		PoolSize      int           `yaml:"pool_size"`
		MinIdleConns  int           `yaml:"min_idle_conns"`
		Timeout       time.Duration `yaml:"timeout"`
		NotifyChannel string        `yaml:"notify_channel"`
	} `yaml:"redis"`
	Kafka struct {
		Brokers      []string `yaml:"brokers"`
		RequiredAcks int      `yaml:"required_acks"`
		Compression  string   `yaml:"compression"`
		NotifyTopic  string   `yaml:"notify_topic"`
		Producer     struct {
			Enabled      bool          `yaml:"enabled"`
			MaxAttempts  int           `yaml:"max_attempts"`
			Linger       time.Duration `yaml:"linger"`
			BatchBytes   int           `yaml:"batch_bytes"`
			BatchSize    int           `yaml:"batch_size"`
			WriteTimeout time.Duration `yaml:"write_timeout"`
			ReadTimeout  time.Duration `yaml:"read_timeout"`
			Async        bool          `yaml:"async"`
		} `yaml:"producer"`
		Consumer struct {
			Enabled    bool          `yaml:"enabled"`
			Topic      string        `yaml:"topic"`
			GroupID    string        `yaml:"group_id"`
			Workers    int           `yaml:"workers"`
			BufferSize int           `yaml:"buffer_size"`
			RetryMax   int           `yaml:"retry_max"`
			BackoffMin time.Duration `yaml:"backoff_min"`
			BackoffMax time.Duration `yaml:"backoff_max"`
			DLQTopic   string        `yaml:"dlq_topic"`
			MinBytes   int           `yaml:"min_bytes"`
			MaxBytes   int           `yaml:"max_bytes"`
			Offset     string        `yaml:"auto_offset_reset"`
		} `yaml:"consumer"`
	} `yaml:"kafka"`
	Telegram struct {
		Enabled bool   `yaml:"enabled"`
		Token   string `yaml:"token"`
		ChatID  int64  `yaml:"chat_id"`
	} `yaml:"telegram"`
}

// Load reads and parses a YAML configuration file.
func Load(path string) (*Config, error) {
	c, err := read(path)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

// LoadWithEnv loads config from YAML and overrides with environment variables.
func LoadWithEnv(path string) (*Config, error) {
	c, err := read(path)
	if err != nil {
		return nil, err
	}
	if err := c.overrideFromEnv(os.Getenv); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return c, nil
}

func read(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	return parse(b)
}

// parse decodes YAML and fills in defaults for unset fields.
func parse(b []byte) (*Config, error) {
	var c Config
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.applyDefaults()
	return &c, nil
}

func (c *Config) overrideFromEnv(getenv func(string) string) error {
	if v := getenv("POLYGON_API_KEY"); v != "" {
		c.Polygon.APIKey = v
	}
	if v := getenv("STORAGE_BACKEND"); v != "" {
		c.Storage.Backend = v
	}
	if v := getenv("CLICKHOUSE_PASSWORD"); v != "" {
		c.ClickHouse.Password = v
	}
	if v := getenv("POSTGRES_PASSWORD"); v != "" {
		c.Postgres.Password = v
	}
	if v := getenv("REDIS_PASSWORD"); v != "" {
		c.Redis.Password = v
	}
	if v := getenv("KAFKA_BROKERS"); v != "" {
		c.Kafka.Brokers = strings.Split(v, ",")
	}
	if v := getenv("TELEGRAM_TOKEN"); v != "" {
		c.Telegram.Token = v
	}
	if v := getenv("TELEGRAM_CHAT_ID"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return fmt.Errorf("TELEGRAM_CHAT_ID: %w", err)
		}
		c.Telegram.ChatID = id
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 30 * time.Second
	}
	if c.Logger.Level == "" {
		c.Logger.Level = "info"
	}
	if c.Logger.Format == "" {
		c.Logger.Format = "console"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Pipeline.MinuteDelay <= 0 {
		c.Pipeline.MinuteDelay = 250 * time.Millisecond
	}
	if c.Pipeline.ThirtyMinuteDelay <= 0 {
		c.Pipeline.ThirtyMinuteDelay = 5 * time.Second
	}
	if c.Pipeline.RollupDebounce <= 0 {
		c.Pipeline.RollupDebounce = 5 * time.Millisecond
	}
	if c.Analysis.Workers <= 0 {
		c.Analysis.Workers = 2
	}
	if c.Analysis.Backlog <= 0 {
		c.Analysis.Backlog = 50000
	}
	if c.Tickers.CacheTTL <= 0 {
		c.Tickers.CacheTTL = 6 * time.Hour
	}
	if c.Tickers.DetailsPerSecond <= 0 {
		c.Tickers.DetailsPerSecond = 4
	}
	if c.Storage.Backend == "" {
		c.Storage.Backend = StorageMemory
	}
	if c.ClickHouse.AnalysisTable == "" {
		c.ClickHouse.AnalysisTable = "analysis_results"
	}
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Environment == "" {
		return fmt.Errorf("environment is required")
	}
	switch c.Storage.Backend {
	case StorageClickHouse:
		if c.ClickHouse.Host == "" || c.ClickHouse.Database == "" {
			return fmt.Errorf("clickhouse.host and clickhouse.database are required for the clickhouse backend")
		}
	case StorageMemory:
	default:
		return fmt.Errorf("storage.backend must be '%s' or '%s', got '%s'", StorageClickHouse, StorageMemory, c.Storage.Backend)
	}
	if c.Polygon.Enabled && c.Polygon.APIKey == "" {
		return fmt.Errorf("polygon.api_key is required when the feed is enabled")
	}
	if c.Tickers.RefreshEnabled && (!c.Postgres.Enabled || c.Polygon.APIKey == "") {
		return fmt.Errorf("tickers.refresh_enabled requires postgres and polygon.api_key")
	}
	needsBrokers := c.Kafka.Consumer.Enabled || c.Kafka.Producer.Enabled
	if needsBrokers && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("kafka.brokers cannot be empty when kafka is enabled")
	}
	if c.Kafka.Consumer.Enabled && c.Kafka.Consumer.Topic == "" {
		return fmt.Errorf("kafka.consumer.topic is required")
	}
	switch c.Kafka.Consumer.Offset {
	case "", "earliest", "latest":
	default:
		return fmt.Errorf("kafka.consumer.auto_offset_reset must be 'earliest' or 'latest', got '%s'", c.Kafka.Consumer.Offset)
	}
	if c.Telegram.Enabled && (c.Telegram.Token == "" || c.Telegram.ChatID == 0) {
		return fmt.Errorf("telegram.token and telegram.chat_id are required")
	}
	return nil
}
