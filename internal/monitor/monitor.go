package monitor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/okastakis/skopos/internal/config"
	"github.com/okastakis/skopos/internal/domain"
	"github.com/okastakis/skopos/internal/positions"
	"github.com/okastakis/skopos/internal/risk"
	"github.com/okastakis/skopos/internal/thesis"
)

// Exit reasons recorded on closed positions.
const (
	ReasonIntradayDeadline = "intraday_deadline"
	ReasonStopHit          = "stop_hit"
	ReasonTargetHit        = "target_hit"
	ReasonMaxHold          = "max_hold"
	ReasonInvalidated      = "invalidated"
	ReasonPartialProfit    = "partial_profit"
)

// exitDecision is the outcome of evaluating one position on one tick.
type exitDecision struct {
	reason  string
	status  domain.ThesisStatus
	price   float64
	partial bool
}

// Monitor watches open positions and closes them when their exit
// conditions fire. Exits are never gated by the circuit breaker.
type Monitor struct {
	cfg        config.MonitorConfig
	phases     config.PhaseConfig
	loc        *time.Location
	positions  *positions.Repository
	lifecycle  *thesis.Lifecycle
	governor   *risk.Governor
	trading    domain.TradingService
	marketData domain.MarketDataService
	log        zerolog.Logger

	mu sync.Mutex
	// thesisID -> reason, raised upstream when an invalidation
	// condition on an executed thesis is judged to hold
	invalidations map[string]string
}

// NewMonitor creates a position monitor.
func NewMonitor(
	cfg config.MonitorConfig,
	phases config.PhaseConfig,
	loc *time.Location,
	positionsRepo *positions.Repository,
	lifecycle *thesis.Lifecycle,
	governor *risk.Governor,
	trading domain.TradingService,
	marketData domain.MarketDataService,
	log zerolog.Logger,
) *Monitor {
	return &Monitor{
		cfg:           cfg,
		phases:        phases,
		loc:           loc,
		positions:     positionsRepo,
		lifecycle:     lifecycle,
		governor:      governor,
		trading:       trading,
		marketData:    marketData,
		log:           log.With().Str("component", "monitor").Logger(),
		invalidations: make(map[string]string),
	}
}

// FlagInvalidated marks an executed thesis whose invalidation condition
// has been judged to hold. The linked position exits on the next tick.
func (m *Monitor) FlagInvalidated(thesisID, reason string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if reason == "" {
		reason = "invalidation condition met"
	}
	m.invalidations[thesisID] = reason
}

// CheckPositions evaluates every open position once and returns the
// symbols that were fully closed this tick. Per-position failures are
// logged and retried on the next tick, never propagated.
func (m *Monitor) CheckPositions(ctx context.Context, now time.Time) ([]string, error) {
	open, err := m.positions.GetOpen()
	if err != nil {
		return nil, fmt.Errorf("failed to load open positions: %w", err)
	}

	var closed []string
	for i := range open {
		pos := &open[i]
		if ctx.Err() != nil {
			return closed, ctx.Err()
		}

		snapshot, err := m.marketData.GetSnapshot(ctx, pos.Symbol)
		if err != nil {
			m.log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("No quote for open position")
			continue
		}
		low, high := m.tickRange(ctx, pos.Symbol, snapshot.Price)

		decision := m.evaluate(pos, snapshot.Price, low, high, now)
		if decision == nil {
			continue
		}

		if decision.partial {
			if err := m.takePartial(ctx, pos, decision.price); err != nil {
				m.log.Error().Err(err).Str("symbol", pos.Symbol).Msg("Partial exit failed")
			}
			continue
		}

		if err := m.closePosition(ctx, pos, decision); err != nil {
			m.log.Error().Err(err).
				Str("symbol", pos.Symbol).
				Str("reason", decision.reason).
				Msg("Exit failed")
			continue
		}
		closed = append(closed, pos.Symbol)
	}

	return closed, nil
}

// evaluate applies the exit rules in fixed priority order and returns
// the first match, or nil when the position should be left alone.
// Forced exits always outrank partial profit taking.
func (m *Monitor) evaluate(pos *domain.Position, price, low, high float64, now time.Time) *exitDecision {
	if pos.Horizon == domain.HorizonIntraday && !now.Before(m.intradayDeadline(now)) {
		return &exitDecision{reason: ReasonIntradayDeadline, status: domain.ThesisStatusClosedTime, price: price}
	}

	// Stop before target: a tick that touches both exits at the stop
	if stopBreached(pos, low, high) {
		return &exitDecision{reason: ReasonStopHit, status: domain.ThesisStatusClosedStop, price: pos.StopPrice}
	}
	if targetReached(pos, low, high) {
		return &exitDecision{reason: ReasonTargetHit, status: domain.ThesisStatusClosedTarget, price: pos.TargetPrice}
	}

	if held := now.Sub(pos.OpenedAt); held >= m.maxHold(pos.Horizon) {
		return &exitDecision{reason: ReasonMaxHold, status: domain.ThesisStatusClosedTime, price: price}
	}

	if reason, ok := m.pendingInvalidation(pos.ThesisID); ok {
		return &exitDecision{reason: reason, status: domain.ThesisStatusClosedInvalidated, price: price}
	}

	if pos.Horizon != domain.HorizonIntraday && !pos.PartialTaken {
		if gainPct(pos, price) >= m.cfg.PartialProfitPct {
			return &exitDecision{reason: ReasonPartialProfit, price: price, partial: true}
		}
	}

	return nil
}

// closePosition liquidates the full position, records the exit and
// reports the realized outcome to the risk governor.
func (m *Monitor) closePosition(ctx context.Context, pos *domain.Position, decision *exitDecision) error {
	fill, err := m.trading.SubmitOrder(ctx, domain.OrderRequest{
		Symbol:   pos.Symbol,
		Side:     exitSide(pos.Direction),
		Type:     "market",
		Quantity: pos.Quantity,
		ThesisID: pos.ThesisID,
		Horizon:  pos.Horizon,
	})
	if err != nil {
		return fmt.Errorf("failed to submit exit order: %w", err)
	}

	exitPrice := fill.FilledPrice
	if exitPrice <= 0 {
		exitPrice = decision.price
	}

	pnl := realizedPnL(pos.Direction, pos.EntryPrice, exitPrice, pos.Quantity)
	if err := m.positions.Close(pos.ID, exitPrice, pnl, decision.reason); err != nil {
		return err
	}

	if err := m.lifecycle.Close(pos.ThesisID, decision.status); err != nil {
		m.log.Error().Err(err).
			Str("thesis_id", pos.ThesisID).
			Msg("Position closed but thesis transition failed")
	}

	// Outcome includes any earlier partial-exit proceeds
	m.governor.RecordTradeOutcome(pos.RealizedPnL + pnl)
	m.clearInvalidation(pos.ThesisID)

	m.log.Info().
		Str("symbol", pos.Symbol).
		Str("reason", decision.reason).
		Float64("exit_price", exitPrice).
		Float64("realized_pnl", pnl).
		Msg("Position closed")

	return nil
}

// takePartial sells the configured fraction once, leaving the
// remainder to run toward the target.
func (m *Monitor) takePartial(ctx context.Context, pos *domain.Position, price float64) error {
	soldQty := float64(int(pos.Quantity * m.cfg.PartialExitFraction))
	if soldQty < 1 {
		return nil
	}

	fill, err := m.trading.SubmitOrder(ctx, domain.OrderRequest{
		Symbol:   pos.Symbol,
		Side:     exitSide(pos.Direction),
		Type:     "market",
		Quantity: soldQty,
		ThesisID: pos.ThesisID,
		Horizon:  pos.Horizon,
	})
	if err != nil {
		return fmt.Errorf("failed to submit partial exit: %w", err)
	}

	exitPrice := fill.FilledPrice
	if exitPrice <= 0 {
		exitPrice = price
	}

	pnl := realizedPnL(pos.Direction, pos.EntryPrice, exitPrice, soldQty)
	remaining := pos.Quantity - soldQty
	if err := m.positions.RecordPartialExit(pos.ID, remaining, pnl); err != nil {
		return err
	}

	m.log.Info().
		Str("symbol", pos.Symbol).
		Float64("sold_qty", soldQty).
		Float64("remaining_qty", remaining).
		Float64("realized_pnl", pnl).
		Msg("Partial profit taken")

	return nil
}

// tickRange returns the price extremes seen since the last tick. The
// latest minute bar catches intrabar touches the snapshot misses; with
// no bar available both collapse to the snapshot price.
func (m *Monitor) tickRange(ctx context.Context, symbol string, price float64) (low, high float64) {
	low, high = price, price
	bars, err := m.marketData.GetBars(ctx, symbol, "1Min", 1)
	if err != nil || len(bars) == 0 {
		return low, high
	}
	last := bars[len(bars)-1]
	if last.Low > 0 && last.Low < low {
		low = last.Low
	}
	if last.High > high {
		high = last.High
	}
	return low, high
}

func (m *Monitor) pendingInvalidation(thesisID string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reason, ok := m.invalidations[thesisID]
	return reason, ok
}

func (m *Monitor) clearInvalidation(thesisID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.invalidations, thesisID)
}

// intradayDeadline is the instant intraday positions must be flat by,
// a configured margin before the close of now's session.
func (m *Monitor) intradayDeadline(now time.Time) time.Time {
	local := now.In(m.loc)
	midnight := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, m.loc)
	closeAt := midnight.Add(time.Duration(m.phases.MarketClose) * time.Minute)
	return closeAt.Add(-time.Duration(m.cfg.IntradayExitMinutes) * time.Minute)
}

func (m *Monitor) maxHold(h domain.Horizon) time.Duration {
	days := m.cfg.MaxHoldDaysLong
	switch h {
	case domain.HorizonShortSwing:
		days = m.cfg.MaxHoldDaysShort
	case domain.HorizonMediumSwing:
		days = m.cfg.MaxHoldDaysMedium
	}
	return time.Duration(days) * 24 * time.Hour
}

func stopBreached(pos *domain.Position, low, high float64) bool {
	if pos.Direction == domain.DirectionShort {
		return high >= pos.StopPrice
	}
	return low <= pos.StopPrice
}

func targetReached(pos *domain.Position, low, high float64) bool {
	if pos.Direction == domain.DirectionShort {
		return low <= pos.TargetPrice
	}
	return high >= pos.TargetPrice
}

// gainPct is the unrealized move in the favorable direction, percent.
func gainPct(pos *domain.Position, price float64) float64 {
	if pos.EntryPrice <= 0 {
		return 0
	}
	pct := (price - pos.EntryPrice) / pos.EntryPrice * 100
	if pos.Direction == domain.DirectionShort {
		return -pct
	}
	return pct
}

func exitSide(d domain.Direction) string {
	if d == domain.DirectionShort {
		return "buy"
	}
	return "sell"
}

func realizedPnL(d domain.Direction, entry, exit, qty float64) float64 {
	pnl := (exit - entry) * qty
	if d == domain.DirectionShort {
		return -pnl
	}
	return pnl
}
