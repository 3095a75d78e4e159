// Package dataservice provides the market data port consumed by the
// analyst fleet and an HTTP client for the upstream data gateway. Every
// gateway response uses the uniform {success, data, message} envelope.
package dataservice

import (
	"context"
	"time"

	"github.com/tradecouncil/council/internal/agent"
)

// MarketData is the current quote snapshot for a symbol
type MarketData struct {
	Symbol        string    `json:"symbol"`
	Price         float64   `json:"price"`
	ChangePercent float64   `json:"change_percent"`
	Volume        float64   `json:"volume"`
	High24h       float64   `json:"high_24h"`
	Low24h        float64   `json:"low_24h"`
	Timestamp     time.Time `json:"timestamp"`
}

// PriceHistory holds aligned OHLCV series, oldest first
type PriceHistory struct {
	Symbol      string    `json:"symbol"`
	ClosePrices []float64 `json:"close_prices"`
	HighPrices  []float64 `json:"high_prices"`
	LowPrices   []float64 `json:"low_prices"`
	Volumes     []float64 `json:"volumes"`
}

// Len returns the number of data points in the series
func (h *PriceHistory) Len() int {
	return len(h.ClosePrices)
}

// Financials bundles the three statement blobs as reported upstream
type Financials struct {
	Symbol          string         `json:"symbol"`
	IncomeStatement map[string]any `json:"income_statement"`
	BalanceSheet    map[string]any `json:"balance_sheet"`
	CashFlow        map[string]any `json:"cash_flow"`
	ReportDate      string         `json:"report_date"`
}

// CompanyInfo is the static company profile
type CompanyInfo struct {
	Symbol      string  `json:"symbol"`
	Name        string  `json:"name"`
	Industry    string  `json:"industry"`
	Exchange    string  `json:"exchange"`
	MarketCap   float64 `json:"market_cap"`
	Description string  `json:"description"`
}

// NewsItem is one article from the news feed
type NewsItem struct {
	Title       string    `json:"title"`
	Source      string    `json:"source"`
	URL         string    `json:"url"`
	Summary     string    `json:"summary"`
	PublishedAt time.Time `json:"published_at"`
}

// SentimentSummary aggregates social feed sentiment for a symbol.
// Score runs -1 (bearish) to +1 (bullish).
type SentimentSummary struct {
	Symbol   string  `json:"symbol"`
	Score    float64 `json:"score"`
	Mentions int     `json:"mentions"`
	Positive int     `json:"positive"`
	Negative int     `json:"negative"`
	Neutral  int     `json:"neutral"`
}

// DataService is the port analysts use for market and fundamental data
type DataService interface {
	MarketData(ctx context.Context, symbol string, market agent.Market) (*MarketData, error)
	PriceHistory(ctx context.Context, symbol string, market agent.Market, days int) (*PriceHistory, error)
	Financials(ctx context.Context, symbol string, market agent.Market) (*Financials, error)
	CompanyInfo(ctx context.Context, symbol string, market agent.Market) (*CompanyInfo, error)
	News(ctx context.Context, symbol string, market agent.Market, limit int) ([]NewsItem, error)
	Sentiment(ctx context.Context, symbol string, market agent.Market) (*SentimentSummary, error)
}
