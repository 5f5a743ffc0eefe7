package broker

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/okastakis/skopos/internal/domain"
)

type barResponse struct {
	Timestamp time.Time `json:"t"`
	Open      float64   `json:"o"`
	High      float64   `json:"h"`
	Low       float64   `json:"l"`
	Close     float64   `json:"c"`
	Volume    float64   `json:"v"`
}

type barsResponse struct {
	Bars          []barResponse `json:"bars"`
	NextPageToken *string       `json:"next_page_token"`
}

func toBar(b barResponse) domain.Bar {
	return domain.Bar{
		Timestamp: b.Timestamp,
		Open:      b.Open,
		High:      b.High,
		Low:       b.Low,
		Close:     b.Close,
		Volume:    b.Volume,
	}
}

// GetBars returns up to limit most recent bars for the symbol.
func (c *Client) GetBars(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Bar, error) {
	query := url.Values{}
	query.Set("timeframe", timeframe)
	query.Set("limit", strconv.Itoa(limit))
	query.Set("adjustment", "raw")
	query.Set("sort", "desc")

	var resp barsResponse
	path := fmt.Sprintf("/v2/stocks/%s/bars", url.PathEscape(symbol))
	if err := c.get(ctx, c.dataURL, path, query, &resp); err != nil {
		return nil, fmt.Errorf("failed to get bars for %s: %w", symbol, err)
	}

	// Bars arrive newest first; callers expect chronological order
	out := make([]domain.Bar, len(resp.Bars))
	for i, b := range resp.Bars {
		out[len(resp.Bars)-1-i] = toBar(b)
	}

	return out, nil
}

type snapshotResponse struct {
	LatestTrade struct {
		Price     float64   `json:"p"`
		Timestamp time.Time `json:"t"`
	} `json:"latestTrade"`
	LatestQuote struct {
		BidPrice float64 `json:"bp"`
		AskPrice float64 `json:"ap"`
	} `json:"latestQuote"`
	DailyBar barResponse `json:"dailyBar"`
}

// GetSnapshot returns the latest quote for the symbol.
func (c *Client) GetSnapshot(ctx context.Context, symbol string) (*domain.Snapshot, error) {
	var resp snapshotResponse
	path := fmt.Sprintf("/v2/stocks/%s/snapshot", url.PathEscape(symbol))
	if err := c.get(ctx, c.dataURL, path, nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get snapshot for %s: %w", symbol, err)
	}

	if resp.LatestTrade.Price <= 0 {
		return nil, fmt.Errorf("failed to get snapshot for %s: no trade price", symbol)
	}

	return &domain.Snapshot{
		Timestamp: resp.LatestTrade.Timestamp,
		Symbol:    symbol,
		Price:     resp.LatestTrade.Price,
		Bid:       resp.LatestQuote.BidPrice,
		Ask:       resp.LatestQuote.AskPrice,
		DayOpen:   resp.DailyBar.Open,
		DayHigh:   resp.DailyBar.High,
		DayLow:    resp.DailyBar.Low,
		Volume:    resp.DailyBar.Volume,
	}, nil
}

type moverEntry struct {
	Symbol        string  `json:"symbol"`
	PercentChange float64 `json:"percent_change"`
}

type moversResponse struct {
	Gainers []moverEntry `json:"gainers"`
	Losers  []moverEntry `json:"losers"`
}

// GetMovers returns symbols with unusual activity in the current
// session, gainers and losers interleaved by magnitude.
func (c *Client) GetMovers(ctx context.Context, limit int) ([]string, error) {
	query := url.Values{}
	query.Set("top", strconv.Itoa(limit))

	var resp moversResponse
	if err := c.get(ctx, c.dataURL, "/v1beta1/screener/stocks/movers", query, &resp); err != nil {
		return nil, fmt.Errorf("failed to get movers: %w", err)
	}

	out := make([]string, 0, limit)
	for i := 0; len(out) < limit && (i < len(resp.Gainers) || i < len(resp.Losers)); i++ {
		if i < len(resp.Gainers) {
			out = append(out, resp.Gainers[i].Symbol)
		}
		if len(out) < limit && i < len(resp.Losers) {
			out = append(out, resp.Losers[i].Symbol)
		}
	}

	return out, nil
}
