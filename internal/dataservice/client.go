package dataservice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/tradecouncil/council/internal/agent"
	"github.com/tradecouncil/council/internal/fault"
)

// Client is the HTTP implementation of DataService. Requests pass a
// token-bucket rate limiter before they hit the wire so the upstream's
// per-key quota is respected even under workflow fan-out.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
	limiter    *rate.Limiter
	breaker    *gobreaker.CircuitBreaker
	logger     zerolog.Logger
}

// ClientConfig contains configuration for the data service client
type ClientConfig struct {
	Endpoint          string
	APIKey            string
	Timeout           time.Duration
	RequestsPerSecond int
	Burst             int
	Breaker           *gobreaker.CircuitBreaker
}

// NewClient creates a new data service client
func NewClient(config ClientConfig) *Client {
	if config.Endpoint == "" {
		config.Endpoint = "http://localhost:8090/api/v1"
	}
	if config.Timeout == 0 {
		config.Timeout = 15 * time.Second
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 10
	}
	if config.Burst <= 0 {
		config.Burst = config.RequestsPerSecond * 2
	}

	return &Client{
		endpoint:   config.Endpoint,
		apiKey:     config.APIKey,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst),
		breaker:    config.Breaker,
		logger:     log.With().Str("component", "dataservice").Logger(),
	}
}

// envelope is the uniform upstream response shape
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message,omitempty"`
}

// MarketData fetches the current quote snapshot
func (c *Client) MarketData(ctx context.Context, symbol string, market agent.Market) (*MarketData, error) {
	var out MarketData
	if err := c.get(ctx, "/market-data", symbolQuery(symbol, market), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PriceHistory fetches aligned OHLCV series for the last days
func (c *Client) PriceHistory(ctx context.Context, symbol string, market agent.Market, days int) (*PriceHistory, error) {
	if days <= 0 {
		days = 30
	}
	q := symbolQuery(symbol, market)
	q.Set("days", strconv.Itoa(days))

	var out PriceHistory
	if err := c.get(ctx, "/price-history", q, &out); err != nil {
		return nil, err
	}
	if len(out.HighPrices) != len(out.ClosePrices) || len(out.LowPrices) != len(out.ClosePrices) {
		return nil, fault.Newf(fault.KindTransport, "price history series misaligned for %s", symbol)
	}
	return &out, nil
}

// Financials fetches the three statement blobs
func (c *Client) Financials(ctx context.Context, symbol string, market agent.Market) (*Financials, error) {
	var out Financials
	if err := c.get(ctx, "/financials", symbolQuery(symbol, market), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CompanyInfo fetches the static company profile
func (c *Client) CompanyInfo(ctx context.Context, symbol string, market agent.Market) (*CompanyInfo, error) {
	var out CompanyInfo
	if err := c.get(ctx, "/company", symbolQuery(symbol, market), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// News fetches the most recent articles for a symbol
func (c *Client) News(ctx context.Context, symbol string, market agent.Market, limit int) ([]NewsItem, error) {
	if limit <= 0 {
		limit = 10
	}
	q := symbolQuery(symbol, market)
	q.Set("limit", strconv.Itoa(limit))

	var out []NewsItem
	if err := c.get(ctx, "/news", q, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Sentiment fetches the aggregated social sentiment
func (c *Client) Sentiment(ctx context.Context, symbol string, market agent.Market) (*SentimentSummary, error) {
	var out SentimentSummary
	if err := c.get(ctx, "/sentiment", symbolQuery(symbol, market), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func symbolQuery(symbol string, market agent.Market) url.Values {
	q := url.Values{}
	q.Set("symbol", symbol)
	q.Set("market", string(market))
	return q
}

// get runs one rate-limited GET and decodes the envelope data into out
func (c *Client) get(ctx context.Context, path string, query url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return fault.Wrap(fault.KindTimeout, "rate limit wait expired", err)
		}
		return err
	}

	do := func() ([]byte, error) {
		return c.doGet(ctx, path, query)
	}

	var body []byte
	var err error
	if c.breaker != nil {
		var raw any
		raw, err = c.breaker.Execute(func() (any, error) { return do() })
		if err == nil {
			body = raw.([]byte)
		} else if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fault.Wrap(fault.KindTransport, "data circuit open", err)
		}
	} else {
		body, err = do()
	}
	if err != nil {
		return err
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fault.Wrap(fault.KindTransport, "failed to parse data response", err)
	}
	if !env.Success {
		return fault.Newf(fault.KindTransport, "data service rejected request: %s", env.Message)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fault.Wrap(fault.KindTransport, "failed to decode data payload", err)
	}
	return nil
}

func (c *Client) doGet(ctx context.Context, path string, query url.Values) ([]byte, error) {
	u := c.endpoint + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fault.Wrap(fault.KindTimeout, "data request timed out", err)
		}
		return nil, fault.Wrap(fault.KindTransport, "data request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.KindTransport, "failed to read data response", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fault.Newf(fault.KindTransport, "data service error (status %d) on %s", resp.StatusCode, path)
	}

	c.logger.Debug().
		Str("path", path).
		Dur("duration", time.Since(start)).
		Msg("Data request completed")

	return body, nil
}
