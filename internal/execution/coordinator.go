package execution

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/okastakis/skopos/internal/config"
	"github.com/okastakis/skopos/internal/domain"
	"github.com/okastakis/skopos/internal/positions"
	"github.com/okastakis/skopos/internal/review"
	"github.com/okastakis/skopos/internal/risk"
	"github.com/okastakis/skopos/internal/thesis"
)

const (
	atrPeriod      = 14
	dailyBarsDepth = 40
	// stops closer than this ATR fraction sit inside ordinary noise
	minStopATRFraction = 0.25
)

// Coordinator executes approved theses. Every attempt returns an
// explicit Result; only materialized fills move the daily counter.
type Coordinator struct {
	cfg        config.ExecutionConfig
	phases     config.PhaseConfig
	loc        *time.Location
	governor   *risk.Governor
	lifecycle  *thesis.Lifecycle
	positions  *positions.Repository
	reviews    *review.Repository
	trading    domain.TradingService
	marketData domain.MarketDataService
	log        zerolog.Logger

	// Mutated from the single scheduler loop only
	tradesToday int
}

// NewCoordinator creates an execution coordinator.
func NewCoordinator(
	cfg config.ExecutionConfig,
	phases config.PhaseConfig,
	loc *time.Location,
	governor *risk.Governor,
	lifecycle *thesis.Lifecycle,
	positionsRepo *positions.Repository,
	reviews *review.Repository,
	trading domain.TradingService,
	marketData domain.MarketDataService,
	log zerolog.Logger,
) *Coordinator {
	return &Coordinator{
		cfg:        cfg,
		phases:     phases,
		loc:        loc,
		governor:   governor,
		lifecycle:  lifecycle,
		positions:  positionsRepo,
		reviews:    reviews,
		trading:    trading,
		marketData: marketData,
		log:        log.With().Str("component", "execution").Logger(),
	}
}

// ExecuteApproved attempts every approved pending thesis once and
// returns the executed symbols. Skips and failures are logged; only
// repository errors propagate.
func (c *Coordinator) ExecuteApproved(ctx context.Context, now time.Time) ([]string, error) {
	candidates, err := c.lifecycle.ApprovedCandidates(20)
	if err != nil {
		return nil, fmt.Errorf("failed to load approved theses: %w", err)
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	// Fresh snapshot per batch; never reuse across iterations
	account, err := c.trading.GetAccount(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get account snapshot: %w", err)
	}
	c.governor.ObserveEquity(account.Equity)

	var executed []string
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			return executed, ctx.Err()
		}

		result := c.ExecuteOne(ctx, candidate, account, now)
		switch result.Outcome {
		case OutcomeExecuted:
			executed = append(executed, candidate.Symbol)
			c.log.Info().
				Str("symbol", candidate.Symbol).
				Float64("filled_qty", result.Fill.FilledQty).
				Float64("filled_price", result.Fill.FilledPrice).
				Msg("Entry executed")
		case OutcomeSkipped:
			c.log.Debug().
				Str("symbol", candidate.Symbol).
				Str("reason", result.Reason).
				Msg("Entry skipped")
		case OutcomeFailed:
			c.log.Warn().
				Str("symbol", candidate.Symbol).
				Str("reason", result.Reason).
				Msg("Entry failed")
		}
	}

	return executed, nil
}

// ExecuteOne runs the full entry pipeline for a single approved
// thesis: risk gate, timing, confirmation, sizing, order placement and
// position recording.
func (c *Coordinator) ExecuteOne(ctx context.Context, th domain.TradeThesis, account *domain.Account, now time.Time) Result {
	if !th.Approved {
		return Skipped("thesis not approved")
	}

	// Coordinator-local cap, independent of the governor's own
	if c.cfg.DailyTradeCap > 0 && c.tradesToday >= c.cfg.DailyTradeCap {
		return Skipped("daily trade cap reached")
	}

	if err := c.governor.CanTrade(account.Equity, now); err != nil {
		return Skipped(fmt.Sprintf("risk gate: %v", err))
	}

	hasOpen, err := c.positions.HasOpenForSymbol(th.Symbol)
	if err != nil {
		return Failed(fmt.Sprintf("position lookup failed: %v", err))
	}
	if hasOpen {
		return Skipped("symbol already has an open position")
	}

	if th.Horizon == domain.HorizonIntraday {
		if result, ok := c.checkIntradayWindow(now); !ok {
			return result
		}
	}

	snapshot, err := c.marketData.GetSnapshot(ctx, th.Symbol)
	if err != nil {
		return Failed(fmt.Sprintf("market data unavailable: %v", err))
	}
	price := snapshot.Price
	if price <= 0 {
		return Failed("snapshot has no price")
	}

	if th.Horizon == domain.HorizonIntraday && c.cfg.RequireRangeConfirm {
		if !rangeConfirmed(th.Direction, price, snapshot.DayOpen) {
			return Skipped("opening range not confirmed")
		}
	}

	if result, ok := c.checkSessionStats(ctx, th, price); !ok {
		return result
	}

	value, reason := c.positionValue(th, account)
	if value < c.cfg.MinNotional {
		return Skipped(fmt.Sprintf("position value %.2f below minimum notional %.2f (%s)", value, c.cfg.MinNotional, reason))
	}

	qty := math.Floor(value / price)
	if qty < 1 {
		return Skipped(fmt.Sprintf("position value %.2f buys no whole share at %.2f", value, price))
	}

	side := "buy"
	if th.Direction == domain.DirectionShort {
		side = "sell"
	}

	fill, err := c.trading.SubmitOrder(ctx, domain.OrderRequest{
		Symbol:   th.Symbol,
		Side:     side,
		Type:     "market",
		Quantity: qty,
		ThesisID: th.ID,
		Horizon:  th.Horizon,
		Intent:   th.Direction,
	})
	if err != nil {
		// Broker failures never move the trade counter
		return Failed(fmt.Sprintf("order rejected: %v", err))
	}

	fillPrice := fill.FilledPrice
	if fillPrice <= 0 {
		fillPrice = price
	}
	fillQty := fill.FilledQty
	if fillQty <= 0 {
		fillQty = qty
	}

	// Every position carries its stop and target from birth
	pos := &domain.Position{
		ThesisID:    th.ID,
		Symbol:      th.Symbol,
		Direction:   th.Direction,
		Horizon:     th.Horizon,
		Quantity:    fillQty,
		EntryPrice:  fillPrice,
		TargetPrice: th.TargetPrice,
		StopPrice:   th.StopPrice,
		OpenedAt:    now,
	}
	if err := c.positions.Create(pos); err != nil {
		return Failed(fmt.Sprintf("fill %s not recorded: %v", fill.OrderID, err))
	}

	if err := c.lifecycle.MarkExecuted(th.ID, pos.ID); err != nil {
		c.log.Error().Err(err).
			Str("thesis_id", th.ID).
			Str("position_id", pos.ID).
			Msg("Position opened but thesis transition failed")
	}

	c.governor.RecordTradeOpened()
	c.tradesToday++

	return Executed(fill, pos.ID)
}

// checkIntradayWindow applies the opening-range and entry-window
// timing rules. Returns ok=false with the skip result when outside the
// tradeable window.
func (c *Coordinator) checkIntradayWindow(now time.Time) (Result, bool) {
	open := c.sessionOpen(now)

	rangeEnds := open.Add(time.Duration(c.cfg.OpeningRangeMinutes) * time.Minute)
	windowEnds := open.Add(time.Duration(c.cfg.EntryWindowMinutes) * time.Minute)

	if now.Before(rangeEnds) {
		return Skipped("waiting for opening range"), false
	}
	if now.After(windowEnds) {
		return Skipped("entry window closed"), false
	}

	return Result{}, true
}

// checkSessionStats vetoes entries on excess realized volatility and
// stops placed inside the ordinary daily noise band.
func (c *Coordinator) checkSessionStats(ctx context.Context, th domain.TradeThesis, price float64) (Result, bool) {
	if c.cfg.MaxEntryVolatility <= 0 {
		return Result{}, true
	}

	bars, err := c.marketData.GetBars(ctx, th.Symbol, "1Day", dailyBarsDepth)
	if err != nil || len(bars) == 0 {
		// Stats are advisory; missing history never blocks an entry
		return Result{}, true
	}

	if vol := RealizedVolatility(bars); vol > c.cfg.MaxEntryVolatility {
		return Skipped(fmt.Sprintf("realized volatility %.2f above limit %.2f", vol, c.cfg.MaxEntryVolatility)), false
	}

	if atr := AverageTrueRange(bars, atrPeriod); atr > 0 {
		stopDistance := math.Abs(price - th.StopPrice)
		if stopDistance < atr*minStopATRFraction {
			return Skipped(fmt.Sprintf("stop distance %.2f inside noise band (ATR %.2f)", stopDistance, atr)), false
		}
	}

	return Result{}, true
}

// positionValue applies the sizing rule: the smallest of the
// per-horizon cap, the reviewer-recommended fraction and the usable
// cash. Returns the value and which constraint bound it.
func (c *Coordinator) positionValue(th domain.TradeThesis, account *domain.Account) (float64, string) {
	value := c.horizonCap(th.Horizon) * account.Equity
	bound := "horizon cap"

	if th.ReviewID != "" {
		verdict, err := c.reviews.GetLatestForThesis(th.ID)
		if err == nil && verdict != nil && verdict.SizeFraction > 0 {
			if v := verdict.SizeFraction * account.Equity; v < value {
				value = v
				bound = "reviewer fraction"
			}
		}
	}

	if cash := account.Cash * c.cfg.SafetyMargin; cash < value {
		value = cash
		bound = "available cash"
	}

	return value, bound
}

func (c *Coordinator) horizonCap(h domain.Horizon) float64 {
	switch h {
	case domain.HorizonIntraday:
		return c.cfg.IntradayCapFraction
	case domain.HorizonShortSwing:
		return c.cfg.ShortSwingCap
	case domain.HorizonMediumSwing:
		return c.cfg.MediumSwingCap
	default:
		return c.cfg.LongSwingCap
	}
}

// sessionOpen returns the exchange-local market open instant for the
// day containing now.
func (c *Coordinator) sessionOpen(now time.Time) time.Time {
	local := now.In(c.loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, c.loc)
	return midnight.Add(time.Duration(c.phases.MarketOpen) * time.Minute)
}

// rangeConfirmed reports whether price holds on the thesis's favorable
// side of the session open.
func rangeConfirmed(direction domain.Direction, price, dayOpen float64) bool {
	if dayOpen <= 0 {
		return false
	}
	if direction == domain.DirectionShort {
		return price < dayOpen
	}
	return price > dayOpen
}

// PendingCandidateIDs lists the approved theses still waiting for an
// entry, in execution order. Used for the persisted session snapshot.
func (c *Coordinator) PendingCandidateIDs() ([]string, error) {
	candidates, err := c.lifecycle.ApprovedCandidates(20)
	if err != nil {
		return nil, fmt.Errorf("failed to load approved theses: %w", err)
	}

	ids := make([]string, 0, len(candidates))
	for _, candidate := range candidates {
		ids = append(ids, candidate.ID)
	}
	return ids, nil
}

// TradesToday reports the coordinator-local counter.
func (c *Coordinator) TradesToday() int {
	return c.tradesToday
}

// ResetDaily clears the coordinator-local counter at day rollover.
func (c *Coordinator) ResetDaily() {
	c.tradesToday = 0
}
