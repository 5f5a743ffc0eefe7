// Package scheduler drives the engine's main loop: it maps wall-clock
// time to a market phase, dispatches the work of that phase, and
// persists session state across restarts.
package scheduler

import (
	"time"

	"github.com/okastakis/skopos/internal/config"
)

// Phase represents a segment of the trading day. Each phase has its
// own workload and its own tick interval.
type Phase int

const (
	// PhaseOvernightResearch covers nights and weekends
	PhaseOvernightResearch Phase = iota
	// PhasePreMarket covers the pre-open session
	PhasePreMarket
	// PhasePowerHour covers the first hour after the open
	PhasePowerHour
	// PhaseMarketHours covers the rest of the regular session
	PhaseMarketHours
	// PhaseAfterHours covers the extended session after the close
	PhaseAfterHours
)

// String returns a human-readable phase name for logs and the API.
func (p Phase) String() string {
	switch p {
	case PhasePreMarket:
		return "pre_market"
	case PhasePowerHour:
		return "power_hour"
	case PhaseMarketHours:
		return "market_hours"
	case PhaseAfterHours:
		return "after_hours"
	default:
		return "overnight_research"
	}
}

// PhaseAt maps an instant to its market phase using exchange-local
// time. The function is pure: the same instant and config always yield
// the same phase. Weekends are overnight research regardless of the
// hour; boundaries are half-open, start inclusive and end exclusive.
func PhaseAt(t time.Time, cfg config.PhaseConfig, loc *time.Location) Phase {
	local := t.In(loc)

	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return PhaseOvernightResearch
	}

	minutes := local.Hour()*60 + local.Minute()

	switch {
	case minutes >= cfg.PreMarketStart && minutes < cfg.MarketOpen:
		return PhasePreMarket
	case minutes >= cfg.MarketOpen && minutes < cfg.PowerHourEnd:
		return PhasePowerHour
	case minutes >= cfg.PowerHourEnd && minutes < cfg.MarketClose:
		return PhaseMarketHours
	case minutes >= cfg.MarketClose && minutes < cfg.AfterHoursEnd:
		return PhaseAfterHours
	default:
		return PhaseOvernightResearch
	}
}

// Interval returns the tick interval for a phase. The power hour runs
// the tightest loop; overnight and after hours run the loosest.
func Interval(p Phase, cfg config.PhaseConfig) time.Duration {
	switch p {
	case PhasePreMarket:
		return cfg.PreMarketTick
	case PhasePowerHour:
		return cfg.PowerHourTick
	case PhaseMarketHours:
		return cfg.MarketHoursTick
	case PhaseAfterHours:
		return cfg.AfterHoursTick
	default:
		return cfg.OvernightTick
	}
}
