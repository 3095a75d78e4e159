package config

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// getValidConfig returns a valid configuration for testing
func getValidConfig() *Config {
	return &Config{
		App: AppConfig{
			Name:        "TradeCouncil",
			Version:     "0.1.0",
			Environment: "development",
			LogLevel:    "info",
			LogFormat:   "json",
		},
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     15,
			WriteTimeout:    15,
			ShutdownTimeout: 10,
			AllowedOrigins:  []string{"*"},
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "postgres",
			Password: "Tr0ng&Unguessable!Pw",
			Database: "council",
			SSLMode:  "disable",
			PoolSize: 10,
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
			DB:   0,
		},
		NATS: NATSConfig{
			URL: "nats://localhost:4222",
		},
		LLM: LLMConfig{
			Endpoint:            "http://localhost:8080/v1/chat/completions",
			EmbeddingsEndpoint:  "http://localhost:8080/v1/embeddings",
			PrimaryModel:        "claude-sonnet-4",
			FallbackModel:       "gpt-4-turbo",
			EmbeddingModel:      "text-embedding-3-small",
			EmbeddingDimensions: 1536,
			Temperature:         0.7,
			MaxTokens:           2000,
			Timeout:             30000,
		},
		Data: DataConfig{
			Endpoint:          "http://localhost:8090/api/v1",
			Timeout:           15000,
			RequestsPerSecond: 10,
			Burst:             20,
		},
		Orchestration: OrchestrationConfig{
			LoadBalancing:       "round_robin",
			QueueCapacity:       10000,
			HealthCheckInterval: 60,
			StateSyncInterval:   30,
			RetryDelayMS:        100,
			ShutdownTimeout:     10,
		},
		Analysis: AnalysisConfig{
			MaxDebateRounds:    3,
			ConsensusThreshold: 0.7,
		},
		Monitoring: MonitoringConfig{
			EnableMetrics:     true,
			PrometheusPort:    9100,
			SampleInterval:    30,
			CPUWarning:        80,
			CPUCritical:       95,
			MemoryWarning:     80,
			MemoryCritical:    95,
			ResponseWarning:   30,
			ResponseCritical:  60,
			ErrorRateWarning:  0.10,
			ErrorRateCritical: 0.20,
		},
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := getValidConfig()
	require.NoError(t, cfg.Validate())
}

func TestValidate_App(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "missing name",
			mutate:  func(c *Config) { c.App.Name = "" },
			wantErr: "app.name",
		},
		{
			name:    "invalid environment",
			mutate:  func(c *Config) { c.App.Environment = "qa" },
			wantErr: "app.environment",
		},
		{
			name:    "missing log level",
			mutate:  func(c *Config) { c.App.LogLevel = "" },
			wantErr: "app.log_level",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := getValidConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidate_Server(t *testing.T) {
	cfg := getValidConfig()
	cfg.Server.Port = 70000
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
}

func TestValidate_DatabaseOptional(t *testing.T) {
	cfg := getValidConfig()
	cfg.Database.Host = ""
	cfg.Database.User = ""
	cfg.Database.Database = ""

	// Archive and memory are optional; empty host skips database validation
	assert.NoError(t, cfg.Validate())
}

func TestValidate_DatabaseRequiredFields(t *testing.T) {
	cfg := getValidConfig()
	cfg.Database.User = ""
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.user")
}

func TestValidate_NATSURL(t *testing.T) {
	cfg := getValidConfig()
	cfg.NATS.URL = "http://localhost:4222"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nats.url")

	cfg.NATS.URL = ""
	assert.NoError(t, cfg.Validate(), "empty NATS URL disables the bridge")
}

func TestValidate_Orchestration(t *testing.T) {
	cfg := getValidConfig()
	cfg.Orchestration.LoadBalancing = "random"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "orchestration.load_balancing")

	for _, strategy := range []string{"round_robin", "least_busy", "best_performance"} {
		cfg := getValidConfig()
		cfg.Orchestration.LoadBalancing = strategy
		assert.NoError(t, cfg.Validate(), strategy)
	}
}

func TestValidate_Analysis(t *testing.T) {
	cfg := getValidConfig()
	cfg.Analysis.ConsensusThreshold = 1.5
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "analysis.consensus_threshold")

	cfg = getValidConfig()
	cfg.Analysis.EnableMemory = true
	cfg.Database.Host = ""
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "analysis.enable_memory")
}

func TestValidate_MonitoringThresholdOrder(t *testing.T) {
	cfg := getValidConfig()
	cfg.Monitoring.CPUWarning = 96
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "monitoring.cpu_warning")
}

func TestValidate_ProductionRequirements(t *testing.T) {
	cfg := getValidConfig()
	cfg.App.Environment = "production"
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "database.ssl_mode")

	cfg.Database.SSLMode = "require"
	assert.NoError(t, cfg.Validate())
}

func TestValidationErrors_Error(t *testing.T) {
	errs := ValidationErrors{
		{Field: "a.b", Message: "first"},
		{Field: "c.d", Message: "second"},
	}
	msg := errs.Error()
	assert.True(t, strings.Contains(msg, "2 error(s)"))
	assert.Contains(t, msg, "a.b")
	assert.Contains(t, msg, "second")
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "TradeCouncil", cfg.App.Name)
	assert.Equal(t, "round_robin", cfg.Orchestration.LoadBalancing)
	assert.Equal(t, 10000, cfg.Orchestration.QueueCapacity)
	assert.Equal(t, 3, cfg.Analysis.MaxDebateRounds)
	assert.InDelta(t, 0.7, cfg.Analysis.ConsensusThreshold, 1e-9)
	assert.False(t, cfg.Database.Enabled())
	assert.False(t, cfg.Redis.Enabled())
}
