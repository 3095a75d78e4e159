package config

import (
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error
type ValidationError struct {
	Field   string
	Message string
}

// ValidationErrors is a collection of validation errors
type ValidationErrors []ValidationError

// Error implements the error interface
func (ve ValidationErrors) Error() string {
	if len(ve) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Configuration validation failed with %d error(s):\n\n", len(ve)))
	for i, err := range ve {
		sb.WriteString(fmt.Sprintf("  %d. %s: %s\n", i+1, err.Field, err.Message))
	}
	sb.WriteString("\nPlease fix the above errors and try again.\n")
	return sb.String()
}

// Validate performs comprehensive configuration validation
func (c *Config) Validate() error {
	var errors ValidationErrors

	errors = append(errors, c.validateApp()...)
	errors = append(errors, c.validateServer()...)
	errors = append(errors, c.validateDatabase()...)
	errors = append(errors, c.validateNATS()...)
	errors = append(errors, c.validateLLM()...)
	errors = append(errors, c.validateOrchestration()...)
	errors = append(errors, c.validateAnalysis()...)
	errors = append(errors, c.validateMonitoring()...)
	errors = append(errors, c.validateEnvironmentRequirements()...)

	if len(errors) > 0 {
		return errors
	}

	return nil
}

func (c *Config) validateApp() ValidationErrors {
	var errors ValidationErrors

	if c.App.Name == "" {
		errors = append(errors, ValidationError{
			Field:   "app.name",
			Message: "Application name is required",
		})
	}

	if c.App.Environment == "" {
		errors = append(errors, ValidationError{
			Field:   "app.environment",
			Message: "Environment is required (development, staging, or production)",
		})
	} else {
		validEnvs := []string{"development", "staging", "production"}
		valid := false
		for _, env := range validEnvs {
			if c.App.Environment == env {
				valid = true
				break
			}
		}
		if !valid {
			errors = append(errors, ValidationError{
				Field:   "app.environment",
				Message: fmt.Sprintf("Invalid environment '%s'. Must be one of: %v", c.App.Environment, validEnvs),
			})
		}
	}

	if c.App.LogLevel == "" {
		errors = append(errors, ValidationError{
			Field:   "app.log_level",
			Message: "Log level is required (debug, info, warn, error)",
		})
	}

	return errors
}

func (c *Config) validateServer() ValidationErrors {
	var errors ValidationErrors

	if c.Server.Port < 1 || c.Server.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "server.port",
			Message: fmt.Sprintf("Port must be between 1 and 65535 (got %d)", c.Server.Port),
		})
	}

	if c.Server.ShutdownTimeout < 1 {
		errors = append(errors, ValidationError{
			Field:   "server.shutdown_timeout",
			Message: "Shutdown timeout must be at least 1 second",
		})
	}

	return errors
}

func (c *Config) validateDatabase() ValidationErrors {
	var errors ValidationErrors

	// Database is optional; validate only when a host is configured
	if !c.Database.Enabled() {
		return errors
	}

	if c.Database.Port < 1 || c.Database.Port > 65535 {
		errors = append(errors, ValidationError{
			Field:   "database.port",
			Message: fmt.Sprintf("Port must be between 1 and 65535 (got %d)", c.Database.Port),
		})
	}

	if c.Database.User == "" {
		errors = append(errors, ValidationError{
			Field:   "database.user",
			Message: "Database user is required when a host is configured",
		})
	}

	if c.Database.Database == "" {
		errors = append(errors, ValidationError{
			Field:   "database.database",
			Message: "Database name is required when a host is configured",
		})
	}

	if c.Database.PoolSize < 1 {
		errors = append(errors, ValidationError{
			Field:   "database.pool_size",
			Message: "Pool size must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateNATS() ValidationErrors {
	var errors ValidationErrors

	if c.NATS.URL != "" && !strings.HasPrefix(c.NATS.URL, "nats://") && !strings.HasPrefix(c.NATS.URL, "tls://") {
		errors = append(errors, ValidationError{
			Field:   "nats.url",
			Message: fmt.Sprintf("NATS URL must start with nats:// or tls:// (got %s)", c.NATS.URL),
		})
	}

	return errors
}

func (c *Config) validateLLM() ValidationErrors {
	var errors ValidationErrors

	if c.LLM.Endpoint == "" {
		errors = append(errors, ValidationError{
			Field:   "llm.endpoint",
			Message: "LLM endpoint is required",
		})
	}

	if c.LLM.Temperature < 0 || c.LLM.Temperature > 2 {
		errors = append(errors, ValidationError{
			Field:   "llm.temperature",
			Message: fmt.Sprintf("Temperature must be between 0 and 2 (got %.2f)", c.LLM.Temperature),
		})
	}

	if c.LLM.MaxTokens < 1 {
		errors = append(errors, ValidationError{
			Field:   "llm.max_tokens",
			Message: "Max tokens must be at least 1",
		})
	}

	if c.LLM.EmbeddingDimensions < 1 {
		errors = append(errors, ValidationError{
			Field:   "llm.embedding_dimensions",
			Message: "Embedding dimensions must be at least 1",
		})
	}

	return errors
}

func (c *Config) validateOrchestration() ValidationErrors {
	var errors ValidationErrors

	validStrategies := []string{"round_robin", "least_busy", "best_performance"}
	valid := false
	for _, s := range validStrategies {
		if c.Orchestration.LoadBalancing == s {
			valid = true
			break
		}
	}
	if !valid {
		errors = append(errors, ValidationError{
			Field:   "orchestration.load_balancing",
			Message: fmt.Sprintf("Invalid strategy '%s'. Must be one of: %v", c.Orchestration.LoadBalancing, validStrategies),
		})
	}

	if c.Orchestration.QueueCapacity < 1 {
		errors = append(errors, ValidationError{
			Field:   "orchestration.queue_capacity",
			Message: "Queue capacity must be at least 1",
		})
	}

	if c.Orchestration.StateSyncInterval < 1 {
		errors = append(errors, ValidationError{
			Field:   "orchestration.state_sync_interval",
			Message: "State sync interval must be at least 1 second",
		})
	}

	if c.Orchestration.HealthCheckInterval < 1 {
		errors = append(errors, ValidationError{
			Field:   "orchestration.health_check_interval",
			Message: "Health check interval must be at least 1 second",
		})
	}

	return errors
}

func (c *Config) validateAnalysis() ValidationErrors {
	var errors ValidationErrors

	if c.Analysis.MaxDebateRounds < 1 {
		errors = append(errors, ValidationError{
			Field:   "analysis.max_debate_rounds",
			Message: "Max debate rounds must be at least 1",
		})
	}

	if c.Analysis.ConsensusThreshold <= 0 || c.Analysis.ConsensusThreshold > 1 {
		errors = append(errors, ValidationError{
			Field:   "analysis.consensus_threshold",
			Message: fmt.Sprintf("Consensus threshold must be in (0, 1] (got %.2f)", c.Analysis.ConsensusThreshold),
		})
	}

	if c.Analysis.EnableMemory && !c.Database.Enabled() {
		errors = append(errors, ValidationError{
			Field:   "analysis.enable_memory",
			Message: "Analysis memory requires a configured database host",
		})
	}

	return errors
}

func (c *Config) validateMonitoring() ValidationErrors {
	var errors ValidationErrors

	if c.Monitoring.CPUWarning >= c.Monitoring.CPUCritical {
		errors = append(errors, ValidationError{
			Field:   "monitoring.cpu_warning",
			Message: "CPU warning threshold must be below the critical threshold",
		})
	}

	if c.Monitoring.MemoryWarning >= c.Monitoring.MemoryCritical {
		errors = append(errors, ValidationError{
			Field:   "monitoring.memory_warning",
			Message: "Memory warning threshold must be below the critical threshold",
		})
	}

	if c.Monitoring.ErrorRateWarning >= c.Monitoring.ErrorRateCritical {
		errors = append(errors, ValidationError{
			Field:   "monitoring.error_rate_warning",
			Message: "Error rate warning threshold must be below the critical threshold",
		})
	}

	if c.Monitoring.SampleInterval < 1 {
		errors = append(errors, ValidationError{
			Field:   "monitoring.sample_interval",
			Message: "Sample interval must be at least 1 second",
		})
	}

	return errors
}

// validateEnvironmentRequirements applies stricter rules for production
func (c *Config) validateEnvironmentRequirements() ValidationErrors {
	var errors ValidationErrors

	if c.App.Environment != "production" {
		return errors
	}

	if c.Database.Enabled() && c.Database.SSLMode == "disable" {
		errors = append(errors, ValidationError{
			Field:   "database.ssl_mode",
			Message: "SSL must be enabled for production databases",
		})
	}

	if c.Alerts.Telegram.Enabled && c.Alerts.Telegram.BotToken == "" && !c.Vault.Enabled {
		errors = append(errors, ValidationError{
			Field:   "alerts.telegram.bot_token",
			Message: "Telegram bot token is required when the notifier is enabled (set directly or via Vault)",
		})
	}

	errors = append(errors, ValidateProductionSecrets(c)...)

	return errors
}
