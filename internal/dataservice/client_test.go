package dataservice

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradecouncil/council/internal/agent"
	"github.com/tradecouncil/council/internal/fault"
)

func envelopeHandler(t *testing.T, path string, data any) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, path, r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data":    data,
		})
	}
}

func TestMarketData(t *testing.T) {
	srv := httptest.NewServer(envelopeHandler(t, "/market-data", map[string]any{
		"symbol":         "AAPL",
		"price":          191.5,
		"change_percent": 1.2,
		"volume":         1e7,
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{Endpoint: srv.URL})

	md, err := c.MarketData(context.Background(), "AAPL", agent.MarketUS)

	require.NoError(t, err)
	assert.Equal(t, "AAPL", md.Symbol)
	assert.Equal(t, 191.5, md.Price)
}

func TestPriceHistory_AlignedSeries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "90", r.URL.Query().Get("days"))
		assert.Equal(t, "600519", r.URL.Query().Get("symbol"))
		assert.Equal(t, "CN-A", r.URL.Query().Get("market"))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": map[string]any{
				"symbol":       "600519",
				"close_prices": []float64{10, 11, 12},
				"high_prices":  []float64{10.5, 11.5, 12.5},
				"low_prices":   []float64{9.5, 10.5, 11.5},
				"volumes":      []float64{100, 110, 120},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{Endpoint: srv.URL})

	h, err := c.PriceHistory(context.Background(), "600519", agent.MarketCNA, 90)

	require.NoError(t, err)
	assert.Equal(t, 3, h.Len())
	assert.Equal(t, []float64{10, 11, 12}, h.ClosePrices)
}

func TestPriceHistory_MisalignedSeriesRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"data": map[string]any{
				"symbol":       "AAPL",
				"close_prices": []float64{10, 11, 12},
				"high_prices":  []float64{10.5},
				"low_prices":   []float64{9.5, 10.5, 11.5},
				"volumes":      []float64{100, 110, 120},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{Endpoint: srv.URL})

	_, err := c.PriceHistory(context.Background(), "AAPL", agent.MarketUS, 30)

	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindTransport))
}

func TestEnvelope_FailureSurfacesMessage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"success": false,
			"message": "symbol not covered",
		})
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{Endpoint: srv.URL})

	_, err := c.CompanyInfo(context.Background(), "ZZZZ", agent.MarketUS)

	require.Error(t, err)
	assert.True(t, fault.IsKind(err, fault.KindTransport))
	assert.Contains(t, err.Error(), "symbol not covered")
}

func TestNews_ListPayload(t *testing.T) {
	srv := httptest.NewServer(envelopeHandler(t, "/news", []map[string]any{
		{"title": "earnings beat", "source": "wire"},
		{"title": "guidance cut", "source": "wire"},
	}))
	defer srv.Close()

	c := NewClient(ClientConfig{Endpoint: srv.URL})

	items, err := c.News(context.Background(), "AAPL", agent.MarketUS, 2)

	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "earnings beat", items[0].Title)
}

func TestRateLimiter_SmoothsBursts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"success": true, "data": map[string]any{"symbol": "AAPL"}})
	}))
	defer srv.Close()

	// 5 rps with burst 1: the second call must wait roughly 200ms.
	c := NewClient(ClientConfig{Endpoint: srv.URL, RequestsPerSecond: 5, Burst: 1})

	start := time.Now()
	for i := 0; i < 2; i++ {
		_, err := c.MarketData(context.Background(), "AAPL", agent.MarketUS)
		require.NoError(t, err)
	}
	elapsed := time.Since(start)

	assert.Equal(t, int32(2), calls.Load())
	assert.GreaterOrEqual(t, elapsed, 150*time.Millisecond)
}

func TestRateLimiter_CancelledWhileWaiting(t *testing.T) {
	srv := httptest.NewServer(envelopeHandler(t, "/sentiment", map[string]any{"symbol": "AAPL", "score": 0.4}))
	defer srv.Close()

	c := NewClient(ClientConfig{Endpoint: srv.URL, RequestsPerSecond: 1, Burst: 1})

	// Drain the single token, then cancel while the next call waits.
	_, err := c.Sentiment(context.Background(), "AAPL", agent.MarketUS)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = c.Sentiment(ctx, "AAPL", agent.MarketUS)
	require.Error(t, err)
}
