// Package breaker wraps the external upstreams (LLM gateway, data
// service, Postgres) in circuit breakers so a failing backend sheds
// load fast instead of stalling every analysis in flight.
package breaker

import (
	"errors"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/tradecouncil/council/internal/fault"
)

// Default thresholds per upstream. LLM calls are slow and expensive so
// the breaker recovers cautiously; the database recovers quickly.
const (
	// LLM gateway settings
	llmMinRequests     uint32  = 3
	llmFailureRatio    float64 = 0.6
	llmOpenTimeout             = 60 * time.Second
	llmHalfOpenMaxReqs uint32  = 2
	llmCountInterval           = 10 * time.Second

	// Data service settings
	dataMinRequests     uint32  = 5
	dataFailureRatio    float64 = 0.6
	dataOpenTimeout             = 30 * time.Second
	dataHalfOpenMaxReqs uint32  = 3
	dataCountInterval           = 10 * time.Second

	// Database settings
	dbMinRequests     uint32  = 10
	dbFailureRatio    float64 = 0.6
	dbOpenTimeout             = 15 * time.Second
	dbHalfOpenMaxReqs uint32  = 5
	dbCountInterval           = 10 * time.Second
)

// Settings holds the trip thresholds for a single upstream.
type Settings struct {
	MinRequests     uint32
	FailureRatio    float64
	OpenTimeout     time.Duration
	HalfOpenMaxReqs uint32
	CountInterval   time.Duration
}

// Manager holds one circuit breaker per upstream service.
type Manager struct {
	llm      *gobreaker.CircuitBreaker
	data     *gobreaker.CircuitBreaker
	database *gobreaker.CircuitBreaker
	metrics  *breakerMetrics
}

// NewManager creates a manager with the default thresholds.
func NewManager() *Manager {
	return NewManagerWithSettings(nil, nil, nil)
}

// NewManagerWithSettings creates a manager with per-upstream settings.
// Nil settings fall back to the defaults.
func NewManagerWithSettings(llmSettings, dataSettings, dbSettings *Settings) *Manager {
	m := &Manager{metrics: getOrCreateBreakerMetrics()}

	if llmSettings == nil {
		llmSettings = &Settings{
			MinRequests:     llmMinRequests,
			FailureRatio:    llmFailureRatio,
			OpenTimeout:     llmOpenTimeout,
			HalfOpenMaxReqs: llmHalfOpenMaxReqs,
			CountInterval:   llmCountInterval,
		}
	}
	if dataSettings == nil {
		dataSettings = &Settings{
			MinRequests:     dataMinRequests,
			FailureRatio:    dataFailureRatio,
			OpenTimeout:     dataOpenTimeout,
			HalfOpenMaxReqs: dataHalfOpenMaxReqs,
			CountInterval:   dataCountInterval,
		}
	}
	if dbSettings == nil {
		dbSettings = &Settings{
			MinRequests:     dbMinRequests,
			FailureRatio:    dbFailureRatio,
			OpenTimeout:     dbOpenTimeout,
			HalfOpenMaxReqs: dbHalfOpenMaxReqs,
			CountInterval:   dbCountInterval,
		}
	}

	m.llm = m.newBreaker("llm", llmSettings)
	m.data = m.newBreaker("data", dataSettings)
	m.database = m.newBreaker("database", dbSettings)

	m.updateStateGauge("llm", m.llm.State())
	m.updateStateGauge("data", m.data.State())
	m.updateStateGauge("database", m.database.State())

	return m
}

// NewPassthroughManager creates a manager whose breakers never trip.
// Used in tests that exercise other components.
func NewPassthroughManager() *Manager {
	m := &Manager{metrics: getOrCreateBreakerMetrics()}

	neverTrip := func(counts gobreaker.Counts) bool { return false }
	passthrough := func(name string) *gobreaker.CircuitBreaker {
		return gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        name + "_passthrough",
			MaxRequests: 1000,
			Interval:    0,
			Timeout:     time.Millisecond,
			ReadyToTrip: neverTrip,
		})
	}

	m.llm = passthrough("llm")
	m.data = passthrough("data")
	m.database = passthrough("database")

	return m
}

func (m *Manager) newBreaker(name string, s *Settings) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: s.HalfOpenMaxReqs,
		Interval:    s.CountInterval,
		Timeout:     s.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return counts.Requests >= s.MinRequests && failureRatio >= s.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.updateStateGauge(name, to)
			log.Warn().
				Str("component", "breaker").
				Str("service", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})
}

// LLM returns the LLM gateway breaker
func (m *Manager) LLM() *gobreaker.CircuitBreaker { return m.llm }

// Data returns the data service breaker
func (m *Manager) Data() *gobreaker.CircuitBreaker { return m.data }

// Database returns the Postgres breaker
func (m *Manager) Database() *gobreaker.CircuitBreaker { return m.database }

// Execute runs fn through the named breaker and normalizes open-circuit
// and too-many-requests rejections into Transport faults so callers see
// a single error kind for "upstream unavailable".
func Execute[T any](cb *gobreaker.CircuitBreaker, fn func() (T, error)) (T, error) {
	out, err := cb.Execute(func() (any, error) {
		return fn()
	})
	if err != nil {
		var zero T
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, fault.Wrap(fault.KindTransport, cb.Name()+" circuit open", err)
		}
		return zero, err
	}
	v, ok := out.(T)
	if !ok {
		var zero T
		return zero, fault.Newf(fault.KindInternal, "breaker %s returned unexpected result type", cb.Name())
	}
	return v, nil
}

func (m *Manager) updateStateGauge(service string, state gobreaker.State) {
	var v float64
	switch state {
	case gobreaker.StateClosed:
		v = 0
	case gobreaker.StateOpen:
		v = 1
	case gobreaker.StateHalfOpen:
		v = 2
	}
	m.metrics.state.WithLabelValues(service).Set(v)
}

// RecordRequest records a request outcome for the named upstream
func (m *Manager) RecordRequest(service string, success bool) {
	result := "success"
	if !success {
		result = "failure"
		m.metrics.failures.WithLabelValues(service).Inc()
	}
	m.metrics.requests.WithLabelValues(service, result).Inc()
}

// breakerMetrics tracks breaker activity in Prometheus
type breakerMetrics struct {
	state    *prometheus.GaugeVec
	requests *prometheus.CounterVec
	failures *prometheus.CounterVec
}

var (
	breakerMetricsInstance *breakerMetrics
	breakerMetricsOnce     sync.Once
)

func getOrCreateBreakerMetrics() *breakerMetrics {
	breakerMetricsOnce.Do(func() {
		breakerMetricsInstance = &breakerMetrics{
			state: promauto.NewGaugeVec(prometheus.GaugeOpts{
				Name: "council_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half_open)",
			}, []string{"service"}),
			requests: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "council_breaker_requests_total",
				Help: "Requests passed through a circuit breaker",
			}, []string{"service", "result"}),
			failures: promauto.NewCounterVec(prometheus.CounterOpts{
				Name: "council_breaker_failures_total",
				Help: "Failures counted by a circuit breaker",
			}, []string{"service"}),
		}
	})
	return breakerMetricsInstance
}
