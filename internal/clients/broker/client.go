// Package broker implements the trading and market data services
// against an Alpaca-compatible brokerage REST API.
package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/okastakis/skopos/internal/config"
	"github.com/okastakis/skopos/internal/domain"
)

// Compile-time interface checks.
var (
	_ domain.TradingService    = (*Client)(nil)
	_ domain.MarketDataService = (*Client)(nil)
)

// Client talks to the brokerage REST API. Trading and market data live
// on separate hosts, both authenticated with the same key pair.
type Client struct {
	apiKey     string
	apiSecret  string
	tradingURL string
	dataURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// New creates a new brokerage client.
func New(cfg config.BrokerConfig, log zerolog.Logger) *Client {
	return &Client{
		apiKey:     cfg.APIKey,
		apiSecret:  cfg.APISecret,
		tradingURL: cfg.TradingURL,
		dataURL:    cfg.DataURL,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log.With().Str("client", "broker").Logger(),
	}
}

// get performs an authenticated GET and decodes the JSON response into out.
func (c *Client) get(ctx context.Context, base, path string, query url.Values, out interface{}) error {
	requestURL := base + path
	if len(query) > 0 {
		requestURL += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	return c.do(req, out)
}

// post performs an authenticated POST with a JSON body and decodes the
// JSON response into out.
func (c *Client) post(ctx context.Context, base, path string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	req.Header.Set("APCA-API-KEY-ID", c.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", c.apiSecret)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyStr := string(respBody)
		if len(bodyStr) > 500 {
			bodyStr = bodyStr[:500] + "..."
		}
		c.log.Error().
			Int("status_code", resp.StatusCode).
			Str("url", req.URL.String()).
			Str("response_body", bodyStr).
			Msg("API returned non-2xx status")
		return fmt.Errorf("API returned status %d: %s", resp.StatusCode, bodyStr)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	return nil
}

// apiFloat decodes the API's numeric fields, which arrive either as
// JSON numbers or as decimal strings.
type apiFloat float64

func (f *apiFloat) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || string(data) == "null" {
		*f = 0
		return nil
	}

	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		if s == "" {
			*f = 0
			return nil
		}
		v, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return fmt.Errorf("failed to parse numeric string %q: %w", s, err)
		}
		*f = apiFloat(v)
		return nil
	}

	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*f = apiFloat(v)
	return nil
}
