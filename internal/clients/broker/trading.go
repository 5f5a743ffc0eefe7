package broker

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/okastakis/skopos/internal/domain"
)

type accountResponse struct {
	Equity      apiFloat `json:"equity"`
	Cash        apiFloat `json:"cash"`
	BuyingPower apiFloat `json:"buying_power"`
}

// GetAccount returns the current account snapshot.
func (c *Client) GetAccount(ctx context.Context) (*domain.Account, error) {
	var resp accountResponse
	if err := c.get(ctx, c.tradingURL, "/v2/account", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return &domain.Account{
		Equity:      float64(resp.Equity),
		Cash:        float64(resp.Cash),
		BuyingPower: float64(resp.BuyingPower),
	}, nil
}

type positionResponse struct {
	Symbol        string   `json:"symbol"`
	Side          string   `json:"side"`
	Qty           apiFloat `json:"qty"`
	AvgEntryPrice apiFloat `json:"avg_entry_price"`
}

// GetPositions returns the broker's view of open positions. Only the
// fields the monitor reconciles against are mapped.
func (c *Client) GetPositions(ctx context.Context) ([]domain.Position, error) {
	var resp []positionResponse
	if err := c.get(ctx, c.tradingURL, "/v2/positions", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get positions: %w", err)
	}

	out := make([]domain.Position, 0, len(resp))
	for _, p := range resp {
		direction := domain.DirectionLong
		qty := float64(p.Qty)
		if p.Side == "short" || qty < 0 {
			direction = domain.DirectionShort
			if qty < 0 {
				qty = -qty
			}
		}
		out = append(out, domain.Position{
			Symbol:     p.Symbol,
			Direction:  direction,
			Quantity:   qty,
			EntryPrice: float64(p.AvgEntryPrice),
			Status:     domain.PositionStatusOpen,
		})
	}

	return out, nil
}

type orderPayload struct {
	Symbol      string `json:"symbol"`
	Qty         string `json:"qty"`
	Side        string `json:"side"`
	Type        string `json:"type"`
	TimeInForce string `json:"time_in_force"`
	LimitPrice  string `json:"limit_price,omitempty"`
}

type orderResponse struct {
	ID             string    `json:"id"`
	Status         string    `json:"status"`
	SubmittedAt    time.Time `json:"submitted_at"`
	FilledQty      apiFloat  `json:"filled_qty"`
	FilledAvgPrice apiFloat  `json:"filled_avg_price"`
}

// SubmitOrder submits a day order and returns the broker's response.
func (c *Client) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	if req.Quantity <= 0 {
		return nil, fmt.Errorf("failed to submit order: non-positive quantity %v", req.Quantity)
	}

	payload := orderPayload{
		Symbol:      req.Symbol,
		Qty:         strconv.FormatFloat(req.Quantity, 'f', -1, 64),
		Side:        req.Side,
		Type:        req.Type,
		TimeInForce: "day",
	}
	if req.Type == "limit" {
		payload.LimitPrice = strconv.FormatFloat(req.LimitPx, 'f', 2, 64)
	}

	c.log.Info().
		Str("symbol", req.Symbol).
		Str("side", req.Side).
		Str("type", req.Type).
		Float64("quantity", req.Quantity).
		Msg("Submitting order")

	var resp orderResponse
	if err := c.post(ctx, c.tradingURL, "/v2/orders", payload, &resp); err != nil {
		return nil, fmt.Errorf("failed to submit order: %w", err)
	}

	return &domain.OrderResult{
		OrderID:     resp.ID,
		Status:      resp.Status,
		SubmittedAt: resp.SubmittedAt,
		FilledQty:   float64(resp.FilledQty),
		FilledPrice: float64(resp.FilledAvgPrice),
	}, nil
}

type clockResponse struct {
	Timestamp time.Time `json:"timestamp"`
	IsOpen    bool      `json:"is_open"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
}

// GetClock returns the exchange calendar state.
func (c *Client) GetClock(ctx context.Context) (*domain.MarketClock, error) {
	var resp clockResponse
	if err := c.get(ctx, c.tradingURL, "/v2/clock", nil, &resp); err != nil {
		return nil, fmt.Errorf("failed to get clock: %w", err)
	}

	return &domain.MarketClock{
		Timestamp: resp.Timestamp,
		IsOpen:    resp.IsOpen,
		NextOpen:  resp.NextOpen,
		NextClose: resp.NextClose,
	}, nil
}
