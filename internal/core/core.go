// Package core assembles the council from one configuration: stores,
// transports, the agent fleet, the engines and the serving surfaces,
// built in dependency order and torn down in reverse. Background loops
// run under an internal context owned by the Core so shutdown drains
// them within a bound.
package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tradecouncil/council/internal/alerts"
	"github.com/tradecouncil/council/internal/analysts"
	"github.com/tradecouncil/council/internal/analyzer"
	"github.com/tradecouncil/council/internal/api"
	"github.com/tradecouncil/council/internal/breaker"
	"github.com/tradecouncil/council/internal/config"
	"github.com/tradecouncil/council/internal/consensus"
	"github.com/tradecouncil/council/internal/dataservice"
	"github.com/tradecouncil/council/internal/debate"
	"github.com/tradecouncil/council/internal/llm"
	"github.com/tradecouncil/council/internal/memory"
	"github.com/tradecouncil/council/internal/metrics"
	"github.com/tradecouncil/council/internal/monitor"
	"github.com/tradecouncil/council/internal/registry"
	"github.com/tradecouncil/council/internal/router"
	"github.com/tradecouncil/council/internal/state"
	"github.com/tradecouncil/council/internal/workflow"
)

// Core owns every council component and their shared lifecycle.
type Core struct {
	cfg *config.Config

	redis    *redis.Client
	pool     *pgxpool.Pool
	bridge   *router.Bridge
	breakers *breaker.Manager

	store      *state.Store
	router     *router.Router
	monitor    *monitor.Monitor
	registry   *registry.Registry
	dispatcher *registry.Dispatcher
	library    *workflow.Library
	workflows  *workflow.Engine
	debates    *debate.Engine
	memory     *memory.Memory
	analyzer   *analyzer.Analyzer

	api     *api.Server
	metrics *metrics.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
	errs   chan error
	log    zerolog.Logger
}

// New builds the full component graph from cfg. External backends are
// optional: an empty Redis host keeps state memory-only, an empty
// database host disables the archive and the analysis memory, an empty
// NATS URL keeps routing in-process. ctx bounds backend setup only.
func New(ctx context.Context, cfg *config.Config) (*Core, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}

	c := &Core{
		cfg:  cfg,
		errs: make(chan error, 2),
		log:  log.With().Str("component", "core").Logger(),
	}

	// Alert fan-out first so every later component can report through it.
	alerters := []alerts.Alerter{alerts.NewLogAlerter()}
	if cfg.Alerts.Telegram.Enabled {
		tg, err := alerts.NewTelegramAlerter(cfg.Alerts.Telegram.BotToken, []int64{cfg.Alerts.Telegram.ChatID})
		if err != nil {
			return nil, fmt.Errorf("telegram alerter: %w", err)
		}
		alerters = append(alerters, tg)
		c.log.Info().Int64("chat_id", cfg.Alerts.Telegram.ChatID).Msg("Telegram alerting enabled")
	}
	manager := alerts.NewManager(alerters...)
	alerts.SetDefaultManager(manager)

	c.breakers = breaker.NewManager()

	if cfg.Redis.Enabled() {
		c.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.GetRedisAddr(),
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		c.log.Info().Str("addr", cfg.Redis.GetRedisAddr()).Msg("Redis state backend configured")
	}

	var archive *state.Archive
	if cfg.Database.Enabled() {
		poolCfg, err := pgxpool.ParseConfig(cfg.Database.GetDSN())
		if err != nil {
			return nil, fmt.Errorf("postgres config: %w", err)
		}
		if cfg.Database.PoolSize > 0 {
			poolCfg.MaxConns = int32(cfg.Database.PoolSize)
		}
		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		c.pool = pool
		archive = state.NewArchiveWithPool(pool)
		c.log.Info().Str("host", cfg.Database.Host).Str("database", cfg.Database.Database).Msg("Result archive configured")
	}

	c.store = state.New(state.Config{
		Redis:        c.redis,
		Archive:      archive,
		SyncInterval: cfg.Orchestration.GetStateSyncInterval(),
	})

	if cfg.NATS.URL != "" {
		bridge, err := router.NewBridge(cfg.NATS.URL)
		if err != nil {
			c.log.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("Message bridge unavailable, routing in-process only")
			alerts.AlertBackendDegraded(ctx, "nats", err)
		} else {
			c.bridge = bridge
		}
	}
	c.router = router.New(router.Config{
		QueueCapacity: cfg.Orchestration.QueueCapacity,
		Bridge:        c.bridge,
	})

	c.monitor = monitor.New(monitor.Config{
		SampleInterval: cfg.Monitoring.GetSampleInterval(),
		Thresholds:     thresholdsFrom(cfg.Monitoring),
		Alerts:         manager,
	})

	policy, err := registry.ParseStrategy(cfg.Orchestration.LoadBalancing)
	if err != nil {
		return nil, err
	}
	c.registry = registry.New(registry.Config{
		Policy:         policy,
		Store:          c.store,
		Alerts:         manager,
		HealthInterval: cfg.Orchestration.GetHealthCheckInterval(),
	})
	c.dispatcher = registry.NewDispatcher(registry.DispatcherConfig{
		Registry: c.registry,
		Monitor:  c.monitor,
		Store:    c.store,
	})

	var completion llm.CompletionService
	if cfg.LLM.Endpoint != "" {
		completion = llm.NewClient(llm.ClientConfig{
			Endpoint:           cfg.LLM.Endpoint,
			EmbeddingsEndpoint: cfg.LLM.EmbeddingsEndpoint,
			APIKey:             cfg.LLM.APIKey,
			Model:              cfg.LLM.PrimaryModel,
			FallbackModel:      cfg.LLM.FallbackModel,
			EmbeddingModel:     cfg.LLM.EmbeddingModel,
			Temperature:        cfg.LLM.Temperature,
			MaxTokens:          cfg.LLM.MaxTokens,
			Timeout:            cfg.LLM.GetTimeout(),
			Breaker:            c.breakers.LLM(),
		})
	}
	var data dataservice.DataService
	if cfg.Data.Endpoint != "" {
		data = dataservice.NewClient(dataservice.ClientConfig{
			Endpoint:          cfg.Data.Endpoint,
			APIKey:            cfg.Data.APIKey,
			Timeout:           cfg.Data.GetTimeout(),
			RequestsPerSecond: cfg.Data.RequestsPerSecond,
			Burst:             cfg.Data.Burst,
			Breaker:           c.breakers.Data(),
		})
	}

	for _, a := range analysts.NewFleet(analysts.Config{LLM: completion, Data: data}) {
		if err := c.registry.Register(a); err != nil {
			return nil, fmt.Errorf("register agent %s: %w", a.ID(), err)
		}
	}

	c.library = workflow.NewLibrary()
	c.workflows = workflow.NewEngine(workflow.Config{
		Library:    c.library,
		Executor:   c.dispatcher,
		Consensus:  consensus.NewEngine(),
		Store:      c.store,
		RetryDelay: cfg.Orchestration.GetRetryDelay(),
	})
	c.debates = debate.NewEngine(debate.Config{
		Rules: debate.Rules{
			MaxRounds:          cfg.Analysis.MaxDebateRounds,
			ConsensusThreshold: cfg.Analysis.ConsensusThreshold,
		},
		Executor:   c.dispatcher,
		Store:      c.store,
		RetryDelay: cfg.Orchestration.GetRetryDelay(),
	})

	if c.pool != nil && cfg.Analysis.EnableMemory {
		c.memory = memory.NewWithPool(c.pool)
		c.log.Info().Msg("Analysis memory enabled")
	}

	c.analyzer = analyzer.New(analyzer.Config{
		Executor:  c.dispatcher,
		Registry:  c.registry,
		Workflows: c.workflows,
		Debates:   c.debates,
		Store:     c.store,
		Memory:    c.memory,
		LLM:       completion,
	})

	c.api = api.NewServer(api.Config{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		Analyzer:  c.analyzer,
		Registry:  c.registry,
		Workflows: c.library,
	})
	if cfg.Monitoring.EnableMetrics {
		c.metrics = metrics.NewServer(cfg.Monitoring.PrometheusPort)
	}

	return c, nil
}

// Start warms the state store, launches the background loops and brings
// the serving surfaces up. It returns once everything is running.
func (c *Core) Start(ctx context.Context) error {
	c.log.Info().
		Str("policy", string(c.registry.Policy())).
		Int("agents", c.registry.Count()).
		Msg("Starting council")

	if c.redis != nil {
		if n, err := c.store.Hydrate(ctx); err != nil {
			c.log.Warn().Err(err).Msg("State hydration failed")
		} else if n > 0 {
			c.log.Info().Int("entries", n).Msg("State hydrated from Redis")
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.loop("state_sync", func() { c.store.Run(runCtx) })
	c.loop("router_dispatch", func() { c.router.Run(runCtx) })
	c.loop("system_sampler", func() { c.monitor.Run(runCtx) })
	c.loop("agent_health", func() { c.registry.Run(runCtx) })

	go func() {
		if err := c.api.Start(); err != nil {
			c.fail(err)
		}
	}()
	if c.metrics != nil {
		go func() {
			if err := c.metrics.Start(); err != nil {
				c.fail(err)
			}
		}()
	}

	c.log.Info().Msg("Council started")
	return nil
}

// Run blocks until ctx is cancelled or a serving surface fails.
func (c *Core) Run(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return nil
	case err := <-c.errs:
		return err
	}
}

// Stop brings the council down: serving surfaces drain first, then the
// background loops flush and exit, then backend connections close. ctx
// bounds the whole teardown.
func (c *Core) Stop(ctx context.Context) error {
	c.log.Info().Msg("Stopping council")

	if c.cancel != nil {
		c.cancel()
	}

	var firstErr error
	if err := c.api.Stop(ctx); err != nil {
		c.log.Error().Err(err).Msg("API server shutdown failed")
		firstErr = err
	}
	if c.metrics != nil {
		if err := c.metrics.Stop(ctx); err != nil {
			c.log.Error().Err(err).Msg("Metrics server shutdown failed")
			if firstErr == nil {
				firstErr = err
			}
		}
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		c.log.Warn().Msg("Background loops did not drain in time")
		if firstErr == nil {
			firstErr = ctx.Err()
		}
	}

	if c.bridge != nil {
		c.bridge.Close()
	}
	if c.redis != nil {
		if err := c.redis.Close(); err != nil {
			c.log.Warn().Err(err).Msg("Redis close failed")
		}
	}
	if c.pool != nil {
		c.pool.Close()
	}

	c.log.Info().Msg("Council stopped")
	return firstErr
}

// Analyzer returns the analysis orchestrator.
func (c *Core) Analyzer() *analyzer.Analyzer { return c.analyzer }

// Registry returns the agent pool.
func (c *Core) Registry() *registry.Registry { return c.registry }

// Router returns the message router.
func (c *Core) Router() *router.Router { return c.router }

// Store returns the shared state store.
func (c *Core) Store() *state.Store { return c.store }

// Monitor returns the performance monitor.
func (c *Core) Monitor() *monitor.Monitor { return c.monitor }

// Workflows returns the workflow engine.
func (c *Core) Workflows() *workflow.Engine { return c.workflows }

func (c *Core) loop(name string, fn func()) {
	c.wg.Add(1)
	c.log.Debug().Str("loop", name).Msg("Background loop starting")
	go func() {
		defer c.wg.Done()
		fn()
	}()
}

func (c *Core) fail(err error) {
	select {
	case c.errs <- err:
	default:
	}
}

func thresholdsFrom(m config.MonitoringConfig) monitor.Thresholds {
	return monitor.Thresholds{
		CPUWarning:        m.CPUWarning,
		CPUCritical:       m.CPUCritical,
		MemoryWarning:     m.MemoryWarning,
		MemoryCritical:    m.MemoryCritical,
		ResponseWarning:   time.Duration(m.ResponseWarning) * time.Second,
		ResponseCritical:  time.Duration(m.ResponseCritical) * time.Second,
		ErrorRateWarning:  m.ErrorRateWarning,
		ErrorRateCritical: m.ErrorRateCritical,
	}
}
