// Package risk gates every entry behind drawdown, daily loss, losing
// streak and trade count limits, with a circuit breaker that halts
// trading for a cooldown period after any hard violation.
package risk

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrBreakerOpen indicates the circuit breaker is active and no new
// entries may be opened until the cooldown expires.
var ErrBreakerOpen = errors.New("circuit breaker open")

// Limits holds the risk thresholds. A threshold <= 0 disables that check.
type Limits struct {
	// MaxDrawdown is the peak-to-current equity fraction that halts trading
	MaxDrawdown float64
	// MaxDailyLossFraction is the day loss as a fraction of day-start equity
	MaxDailyLossFraction float64
	// MaxConsecutiveLosses halts after this many losing trades in a row
	MaxConsecutiveLosses int
	// DailyTradeCap limits new entries per trading day
	DailyTradeCap int
	// BreakerCooldown is how long the breaker stays tripped
	BreakerCooldown time.Duration
}

// State is the persistable risk state. It is embedded in the session
// snapshot so a restart never forgets the breaker or the losing streak.
type State struct {
	PeakEquity        float64   `msgpack:"peak_equity" json:"peak_equity"`
	DayStartEquity    float64   `msgpack:"day_start_equity" json:"day_start_equity"`
	DailyRealizedPnL  float64   `msgpack:"daily_realized_pnl" json:"daily_realized_pnl"`
	ConsecutiveLosses int       `msgpack:"consecutive_losses" json:"consecutive_losses"`
	TradesToday       int       `msgpack:"trades_today" json:"trades_today"`
	BreakerUntil      time.Time `msgpack:"breaker_until" json:"breaker_until"`
	BreakerReason     string    `msgpack:"breaker_reason" json:"breaker_reason"`
}

// BreakerActive reports whether the breaker has not yet expired at the
// given instant.
func (s *State) BreakerActive(now time.Time) bool {
	return !s.BreakerUntil.IsZero() && now.Before(s.BreakerUntil)
}

// Governor is the risk gate. All entries must pass CanTrade before an
// order is placed. Methods are safe for concurrent use.
type Governor struct {
	mu     sync.Mutex
	limits Limits
	state  State
	log    zerolog.Logger
}

// NewGovernor creates a risk governor with the given limits.
func NewGovernor(limits Limits, log zerolog.Logger) *Governor {
	return &Governor{
		limits: limits,
		log:    log.With().Str("component", "risk_governor").Logger(),
	}
}

// ObserveEquity updates the equity high-water mark. Peak equity only
// ever ratchets upward; drawdown is measured against it.
func (g *Governor) ObserveEquity(equity float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if equity > g.state.PeakEquity {
		g.state.PeakEquity = equity
	}
	if g.state.DayStartEquity == 0 {
		g.state.DayStartEquity = equity
	}
}

// CanTrade checks all limits in a fixed order and returns nil when
// a new entry is permitted. The first violated hard limit trips the
// circuit breaker; the daily trade cap refuses without tripping it.
// An expired breaker is cleared lazily here, resetting the losing
// streak so one bad run does not poison the next window.
func (g *Governor) CanTrade(equity float64, now time.Time) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.state.BreakerActive(now) {
		return fmt.Errorf("%w: %s until %s", ErrBreakerOpen, g.state.BreakerReason, g.state.BreakerUntil.Format(time.RFC3339))
	}
	if !g.state.BreakerUntil.IsZero() {
		// Cooldown elapsed
		g.log.Info().Str("reason", g.state.BreakerReason).Msg("Circuit breaker expired, resuming")
		g.state.BreakerUntil = time.Time{}
		g.state.BreakerReason = ""
		g.state.ConsecutiveLosses = 0
	}

	if g.limits.MaxDrawdown > 0 && g.state.PeakEquity > 0 {
		drawdown := (g.state.PeakEquity - equity) / g.state.PeakEquity
		if drawdown >= g.limits.MaxDrawdown {
			return g.tripLocked(now, fmt.Sprintf("drawdown %.1f%% breached limit %.1f%%", drawdown*100, g.limits.MaxDrawdown*100))
		}
	}

	if g.limits.MaxDailyLossFraction > 0 && g.state.DayStartEquity > 0 {
		// The gate is on the magnitude of the day's swing, not its sign.
		// An outsized winning day halts new entries just like a losing one.
		swingLimit := g.state.DayStartEquity * g.limits.MaxDailyLossFraction
		if math.Abs(g.state.DailyRealizedPnL) >= swingLimit {
			return g.tripLocked(now, fmt.Sprintf("daily P/L swing %.2f breached limit %.2f", math.Abs(g.state.DailyRealizedPnL), swingLimit))
		}
	}

	if g.limits.MaxConsecutiveLosses > 0 && g.state.ConsecutiveLosses >= g.limits.MaxConsecutiveLosses {
		return g.tripLocked(now, fmt.Sprintf("%d consecutive losses", g.state.ConsecutiveLosses))
	}

	if g.limits.DailyTradeCap > 0 && g.state.TradesToday >= g.limits.DailyTradeCap {
		// Soft refusal: the cap resets at rollover without a cooldown
		return fmt.Errorf("daily trade cap reached (%d)", g.limits.DailyTradeCap)
	}

	return nil
}

// tripLocked activates the circuit breaker. Caller must hold the lock.
func (g *Governor) tripLocked(now time.Time, reason string) error {
	g.state.BreakerUntil = now.Add(g.limits.BreakerCooldown)
	g.state.BreakerReason = reason

	g.log.Warn().
		Str("reason", reason).
		Time("until", g.state.BreakerUntil).
		Msg("Circuit breaker tripped")

	return fmt.Errorf("%w: %s", ErrBreakerOpen, reason)
}

// RecordTradeOpened counts a new entry against the daily cap.
func (g *Governor) RecordTradeOpened() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state.TradesToday++
}

// RecordTradeOutcome folds a realized P&L into the daily total and the
// losing streak. A flat trade neither extends nor resets the streak.
func (g *Governor) RecordTradeOutcome(realizedPnL float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state.DailyRealizedPnL += realizedPnL

	switch {
	case realizedPnL < 0:
		g.state.ConsecutiveLosses++
	case realizedPnL > 0:
		g.state.ConsecutiveLosses = 0
	}

	g.log.Debug().
		Float64("pnl", realizedPnL).
		Float64("daily_pnl", g.state.DailyRealizedPnL).
		Int("consecutive_losses", g.state.ConsecutiveLosses).
		Msg("Trade outcome recorded")
}

// Rollover resets the per-day counters at the start of a new trading
// day. Peak equity and an unexpired breaker survive the rollover.
func (g *Governor) Rollover(dayStartEquity float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.state.DayStartEquity = dayStartEquity
	g.state.DailyRealizedPnL = 0
	g.state.TradesToday = 0

	g.log.Info().
		Float64("day_start_equity", dayStartEquity).
		Msg("Risk counters rolled over")
}

// Snapshot returns a copy of the current risk state for persistence.
func (g *Governor) Snapshot() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// Restore replaces the risk state, used when resuming a session.
func (g *Governor) Restore(state State) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = state
}
