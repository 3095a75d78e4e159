package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	App           AppConfig           `mapstructure:"app"`
	Server        ServerConfig        `mapstructure:"server"`
	Database      DatabaseConfig      `mapstructure:"database"`
	Redis         RedisConfig         `mapstructure:"redis"`
	NATS          NATSConfig          `mapstructure:"nats"`
	LLM           LLMConfig           `mapstructure:"llm"`
	Data          DataConfig          `mapstructure:"data"`
	Orchestration OrchestrationConfig `mapstructure:"orchestration"`
	Analysis      AnalysisConfig      `mapstructure:"analysis"`
	Monitoring    MonitoringConfig    `mapstructure:"monitoring"`
	Alerts        AlertsConfig        `mapstructure:"alerts"`
	Vault         VaultConfig         `mapstructure:"vault"`
}

// AppConfig contains application-level settings
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"` // development, staging, production
	LogLevel    string `mapstructure:"log_level"`
	LogFormat   string `mapstructure:"log_format"` // "json" or "console"
}

// ServerConfig contains HTTP API server settings
type ServerConfig struct {
	Host            string   `mapstructure:"host"`
	Port            int      `mapstructure:"port"`
	ReadTimeout     int      `mapstructure:"read_timeout"`     // seconds
	WriteTimeout    int      `mapstructure:"write_timeout"`    // seconds
	ShutdownTimeout int      `mapstructure:"shutdown_timeout"` // seconds
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
}

// DatabaseConfig contains PostgreSQL settings for the result archive
// and the analysis memory. Optional: an empty host disables both.
type DatabaseConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	Database string `mapstructure:"database"`
	SSLMode  string `mapstructure:"ssl_mode"`
	PoolSize int    `mapstructure:"pool_size"`
}

// RedisConfig contains Redis settings for the shared state layer.
// Optional: an empty host keeps the store memory-only.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// NATSConfig contains NATS settings for the message router bridge.
// Optional: an empty URL keeps routing in-process only.
type NATSConfig struct {
	URL string `mapstructure:"url"`
}

// LLMConfig contains LLM gateway settings
type LLMConfig struct {
	Endpoint            string  `mapstructure:"endpoint"`             // chat completions URL
	EmbeddingsEndpoint  string  `mapstructure:"embeddings_endpoint"`  // embeddings URL
	APIKey              string  `mapstructure:"api_key"`
	PrimaryModel        string  `mapstructure:"primary_model"`
	FallbackModel       string  `mapstructure:"fallback_model"`
	EmbeddingModel      string  `mapstructure:"embedding_model"`
	EmbeddingDimensions int     `mapstructure:"embedding_dimensions"`
	Temperature         float64 `mapstructure:"temperature"`
	MaxTokens           int     `mapstructure:"max_tokens"`
	Timeout             int     `mapstructure:"timeout"` // milliseconds
}

// DataConfig contains market data service settings
type DataConfig struct {
	Endpoint          string `mapstructure:"endpoint"`
	APIKey            string `mapstructure:"api_key"`
	Timeout           int    `mapstructure:"timeout"` // milliseconds
	RequestsPerSecond int    `mapstructure:"requests_per_second"`
	Burst             int    `mapstructure:"burst"`
}

// OrchestrationConfig contains registry, router and engine settings
type OrchestrationConfig struct {
	LoadBalancing       string `mapstructure:"load_balancing"`        // round_robin, least_busy, best_performance
	QueueCapacity       int    `mapstructure:"queue_capacity"`        // per-receiver message queue bound
	HealthCheckInterval int    `mapstructure:"health_check_interval"` // seconds
	StateSyncInterval   int    `mapstructure:"state_sync_interval"`   // seconds
	RetryDelayMS        int    `mapstructure:"retry_delay_ms"`        // delay before the single task retry
	ShutdownTimeout     int    `mapstructure:"shutdown_timeout"`      // seconds, bound on background loop drain
}

// AnalysisConfig contains analyzer and debate defaults
type AnalysisConfig struct {
	MaxDebateRounds    int     `mapstructure:"max_debate_rounds"`
	ConsensusThreshold float64 `mapstructure:"consensus_threshold"`
	EnableMemory       bool    `mapstructure:"enable_memory"`
}

// MonitoringConfig contains performance monitor settings
type MonitoringConfig struct {
	EnableMetrics     bool    `mapstructure:"enable_metrics"`
	PrometheusPort    int     `mapstructure:"prometheus_port"`
	SampleInterval    int     `mapstructure:"sample_interval"` // seconds
	CPUWarning        float64 `mapstructure:"cpu_warning"`
	CPUCritical       float64 `mapstructure:"cpu_critical"`
	MemoryWarning     float64 `mapstructure:"memory_warning"`
	MemoryCritical    float64 `mapstructure:"memory_critical"`
	ResponseWarning   int     `mapstructure:"response_warning"`  // seconds
	ResponseCritical  int     `mapstructure:"response_critical"` // seconds
	ErrorRateWarning  float64 `mapstructure:"error_rate_warning"`
	ErrorRateCritical float64 `mapstructure:"error_rate_critical"`
}

// AlertsConfig contains alert notifier settings
type AlertsConfig struct {
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig contains Telegram notifier settings
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   int64  `mapstructure:"chat_id"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable overrides
	v.AutomaticEnv()
	v.SetEnvPrefix("COUNCIL")

	setDefaults(v)

	// Missing config file is fine; defaults and env vars cover everything
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// App defaults
	v.SetDefault("app.name", "TradeCouncil")
	v.SetDefault("app.version", "0.1.0")
	v.SetDefault("app.environment", "development")
	v.SetDefault("app.log_level", "info")
	v.SetDefault("app.log_format", "json")

	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15)
	v.SetDefault("server.write_timeout", 15)
	v.SetDefault("server.shutdown_timeout", 10)
	v.SetDefault("server.allowed_origins", []string{"*"})

	// Database defaults (archive + memory are optional; empty host disables)
	v.SetDefault("database.host", "")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "postgres")
	v.SetDefault("database.database", "council")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.pool_size", 10)

	// Redis defaults (optional; empty host keeps the store memory-only)
	v.SetDefault("redis.host", "")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)

	// NATS defaults (optional; empty URL disables the bridge)
	v.SetDefault("nats.url", "")

	// LLM defaults
	v.SetDefault("llm.endpoint", "http://localhost:8080/v1/chat/completions")
	v.SetDefault("llm.embeddings_endpoint", "http://localhost:8080/v1/embeddings")
	v.SetDefault("llm.primary_model", "claude-sonnet-4-20250514")
	v.SetDefault("llm.fallback_model", "gpt-4-turbo")
	v.SetDefault("llm.embedding_model", "text-embedding-3-small")
	v.SetDefault("llm.embedding_dimensions", 1536)
	v.SetDefault("llm.temperature", 0.7)
	v.SetDefault("llm.max_tokens", 2000)
	v.SetDefault("llm.timeout", 30000)

	// Data service defaults
	v.SetDefault("data.endpoint", "http://localhost:8090/api/v1")
	v.SetDefault("data.timeout", 15000)
	v.SetDefault("data.requests_per_second", 10)
	v.SetDefault("data.burst", 20)

	// Orchestration defaults
	v.SetDefault("orchestration.load_balancing", "round_robin")
	v.SetDefault("orchestration.queue_capacity", 10000)
	v.SetDefault("orchestration.health_check_interval", 60)
	v.SetDefault("orchestration.state_sync_interval", 30)
	v.SetDefault("orchestration.retry_delay_ms", 100)
	v.SetDefault("orchestration.shutdown_timeout", 10)

	// Analysis defaults
	v.SetDefault("analysis.max_debate_rounds", 3)
	v.SetDefault("analysis.consensus_threshold", 0.7)
	v.SetDefault("analysis.enable_memory", false)

	// Monitoring defaults
	v.SetDefault("monitoring.enable_metrics", true)
	v.SetDefault("monitoring.prometheus_port", 9100)
	v.SetDefault("monitoring.sample_interval", 30)
	v.SetDefault("monitoring.cpu_warning", 80.0)
	v.SetDefault("monitoring.cpu_critical", 95.0)
	v.SetDefault("monitoring.memory_warning", 80.0)
	v.SetDefault("monitoring.memory_critical", 95.0)
	v.SetDefault("monitoring.response_warning", 30)
	v.SetDefault("monitoring.response_critical", 60)
	v.SetDefault("monitoring.error_rate_warning", 0.10)
	v.SetDefault("monitoring.error_rate_critical", 0.20)

	// Alerts defaults
	v.SetDefault("alerts.telegram.enabled", false)

	// Vault defaults
	v.SetDefault("vault.enabled", false)
	v.SetDefault("vault.address", "http://localhost:8200")
	v.SetDefault("vault.auth_method", "token")
	v.SetDefault("vault.mount_path", "secret")
	v.SetDefault("vault.secret_path", "council/production")
}

// GetDSN returns the PostgreSQL connection string
func (c *DatabaseConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Enabled reports whether a database host is configured
func (c *DatabaseConfig) Enabled() bool {
	return c.Host != ""
}

// GetRedisAddr returns the Redis address
func (c *RedisConfig) GetRedisAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Enabled reports whether a Redis host is configured
func (c *RedisConfig) Enabled() bool {
	return c.Host != ""
}

// GetServerAddr returns the API server address
func (c *ServerConfig) GetServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// GetTimeout returns the LLM timeout as time.Duration
func (c *LLMConfig) GetTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Millisecond
}

// GetTimeout returns the data service timeout as time.Duration
func (c *DataConfig) GetTimeout() time.Duration {
	return time.Duration(c.Timeout) * time.Millisecond
}

// GetHealthCheckInterval returns the registry health check interval
func (c *OrchestrationConfig) GetHealthCheckInterval() time.Duration {
	return time.Duration(c.HealthCheckInterval) * time.Second
}

// GetStateSyncInterval returns the state store sync interval
func (c *OrchestrationConfig) GetStateSyncInterval() time.Duration {
	return time.Duration(c.StateSyncInterval) * time.Second
}

// GetRetryDelay returns the delay before a failed task is retried
func (c *OrchestrationConfig) GetRetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

// GetShutdownTimeout returns the bound on background loop drain
func (c *OrchestrationConfig) GetShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeout) * time.Second
}

// GetSampleInterval returns the system sampling interval
func (c *MonitoringConfig) GetSampleInterval() time.Duration {
	return time.Duration(c.SampleInterval) * time.Second
}
