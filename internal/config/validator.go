package config

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// ValidatorOptions contains options for startup validation
type ValidatorOptions struct {
	VerifyConnectivity bool // Check database/Redis connectivity
	VerifyEndpoints    bool // Probe LLM and data service health endpoints
	Timeout            time.Duration
}

// DefaultValidatorOptions returns default validator options for startup
func DefaultValidatorOptions() ValidatorOptions {
	return ValidatorOptions{
		VerifyConnectivity: true,
		VerifyEndpoints:    false, // enabled with --verify-endpoints flag
		Timeout:            5 * time.Second,
	}
}

// Validator handles configuration validation at startup
type Validator struct {
	config  *Config
	options ValidatorOptions
}

// NewValidator creates a new configuration validator
func NewValidator(config *Config, options ValidatorOptions) *Validator {
	return &Validator{
		config:  config,
		options: options,
	}
}

// ValidateStartup performs comprehensive startup validation.
// This should be called before starting any services.
func (v *Validator) ValidateStartup(ctx context.Context) error {
	log.Info().Msg("Validating configuration...")

	if err := v.validateProductionRequirements(); err != nil {
		return fmt.Errorf("production requirements validation failed: %w", err)
	}

	if v.options.VerifyConnectivity {
		if err := v.checkDatabaseConnectivity(ctx); err != nil {
			return fmt.Errorf("database connectivity check failed: %w", err)
		}
		if err := v.checkRedisConnectivity(ctx); err != nil {
			return fmt.Errorf("redis connectivity check failed: %w", err)
		}
	}

	if v.options.VerifyEndpoints {
		if err := v.verifyEndpoints(ctx); err != nil {
			return fmt.Errorf("endpoint verification failed: %w", err)
		}
	}

	log.Info().Msg("Configuration validation completed successfully")
	return nil
}

// validateProductionRequirements checks production-specific security requirements
func (v *Validator) validateProductionRequirements() error {
	if v.config.App.Environment != "production" {
		log.Info().Str("environment", v.config.App.Environment).Msg("Non-production environment detected, skipping production requirements")
		return nil
	}

	log.Info().Msg("Production environment detected - enforcing production security requirements")

	var errors []string

	if !v.config.Vault.Enabled {
		errors = append(errors, "Vault must be enabled in production (set vault.enabled or COUNCIL_VAULT_ENABLED=true)")
	} else {
		if v.config.Vault.Address == "" {
			errors = append(errors, "vault.address must be set when Vault is enabled")
		}
		switch v.config.Vault.AuthMethod {
		case "kubernetes":
			tokenPath := "/var/run/secrets/kubernetes.io/serviceaccount/token"
			if _, err := os.Stat(tokenPath); os.IsNotExist(err) {
				errors = append(errors, fmt.Sprintf("Kubernetes service account token not found at %s", tokenPath))
			}
		case "token", "":
			if v.config.Vault.Token == "" && os.Getenv("VAULT_TOKEN") == "" {
				errors = append(errors, "VAULT_TOKEN must be set when using token auth method")
			}
		case "approle":
			if os.Getenv("VAULT_ROLE_ID") == "" || os.Getenv("VAULT_SECRET_ID") == "" {
				errors = append(errors, "VAULT_ROLE_ID and VAULT_SECRET_ID must be set when using approle auth method")
			}
		default:
			errors = append(errors, fmt.Sprintf("Unknown vault.auth_method: %s (must be kubernetes, token, or approle)", v.config.Vault.AuthMethod))
		}
	}

	if v.config.Database.Enabled() && v.config.Database.SSLMode == "disable" {
		errors = append(errors, "Database SSL cannot be disabled in production (set database.ssl_mode=require)")
	}

	if len(errors) > 0 {
		var errMsg strings.Builder
		errMsg.WriteString("\n==========================================================\n")
		errMsg.WriteString("PRODUCTION SECURITY REQUIREMENTS NOT MET\n")
		errMsg.WriteString("==========================================================\n\n")
		for i, err := range errors {
			errMsg.WriteString(fmt.Sprintf("  %d. %s\n", i+1, err))
		}
		errMsg.WriteString("\nProduction deployment cannot proceed until these issues are resolved.\n")
		errMsg.WriteString("==========================================================\n")
		return fmt.Errorf("%s", errMsg.String())
	}

	log.Info().Msg("Production security requirements validated successfully")
	return nil
}

// checkDatabaseConnectivity tests the database connection with timeout.
// Skipped when no database host is configured (archive/memory disabled).
func (v *Validator) checkDatabaseConnectivity(ctx context.Context) error {
	if !v.config.Database.Enabled() {
		log.Info().Msg("Database not configured - skipping connectivity check")
		return nil
	}

	log.Info().Msg("Checking database connectivity...")

	connCtx, cancel := context.WithTimeout(ctx, v.options.Timeout)
	defer cancel()

	connString := v.config.Database.GetDSN()
	if dbURL := os.Getenv("DATABASE_URL"); dbURL != "" {
		connString = dbURL
	}

	pool, err := pgxpool.New(connCtx, connString)
	if err != nil {
		return fmt.Errorf("failed to create database connection pool: %w", err)
	}
	defer pool.Close()

	if err := pool.Ping(connCtx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	var dbName string
	if err := pool.QueryRow(connCtx, "SELECT current_database()").Scan(&dbName); err != nil {
		return fmt.Errorf("failed to verify database: %w", err)
	}

	log.Info().
		Str("database", dbName).
		Str("host", v.config.Database.Host).
		Int("port", v.config.Database.Port).
		Msg("Database connectivity check passed")

	return nil
}

// checkRedisConnectivity tests the Redis connection with timeout.
// Skipped when no Redis host is configured (memory-only state).
func (v *Validator) checkRedisConnectivity(ctx context.Context) error {
	if !v.config.Redis.Enabled() {
		log.Info().Msg("Redis not configured - skipping connectivity check")
		return nil
	}

	log.Info().Msg("Checking Redis connectivity...")

	connCtx, cancel := context.WithTimeout(ctx, v.options.Timeout)
	defer cancel()

	client := redis.NewClient(&redis.Options{
		Addr:     v.config.Redis.GetRedisAddr(),
		Password: v.config.Redis.Password,
		DB:       v.config.Redis.DB,
	})
	defer client.Close()

	if err := client.Ping(connCtx).Err(); err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}

	log.Info().
		Str("addr", v.config.Redis.GetRedisAddr()).
		Int("db", v.config.Redis.DB).
		Msg("Redis connectivity check passed")

	return nil
}

// verifyEndpoints probes the LLM gateway and data service health endpoints
func (v *Validator) verifyEndpoints(ctx context.Context) error {
	var errors []string

	if err := v.probeHealth(ctx, healthURL(v.config.LLM.Endpoint)); err != nil {
		// LLM outage degrades analysis quality but must not block startup
		log.Warn().Err(err).Msg("LLM gateway health check failed")
		errors = append(errors, fmt.Sprintf("LLM gateway: %v (non-critical)", err))
	} else {
		log.Info().Str("endpoint", v.config.LLM.Endpoint).Msg("LLM gateway connectivity verified")
	}

	if err := v.probeHealth(ctx, healthURL(v.config.Data.Endpoint)); err != nil {
		log.Warn().Err(err).Msg("Data service health check failed")
		errors = append(errors, fmt.Sprintf("data service: %v (non-critical)", err))
	} else {
		log.Info().Str("endpoint", v.config.Data.Endpoint).Msg("Data service connectivity verified")
	}

	if len(errors) > 0 {
		log.Warn().Strs("failures", errors).Msg("Some endpoint checks failed - continuing with degraded collaborators")
	}

	return nil
}

func (v *Validator) probeHealth(ctx context.Context, url string) error {
	reqCtx, cancel := context.WithTimeout(ctx, v.options.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, "GET", url, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check at %s failed with status: %d", url, resp.StatusCode)
	}

	return nil
}

// healthURL derives a /health URL from a service endpoint
func healthURL(endpoint string) string {
	for _, suffix := range []string{"/v1/chat/completions", "/api/v1", "/v1"} {
		if strings.Contains(endpoint, suffix) {
			return strings.Replace(endpoint, suffix, "/health", 1)
		}
	}
	return strings.TrimRight(endpoint, "/") + "/health"
}
