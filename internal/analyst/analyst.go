// Package analyst implements the research collaborators with
// deterministic market-data heuristics. Events come from price and
// volume anomalies, drafts are ATR-anchored momentum theses, and
// reviews apply fixed reward/risk and drift rules.
package analyst

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/okastakis/skopos/internal/domain"
	"github.com/okastakis/skopos/internal/execution"
)

// Compile-time interface check.
var _ domain.Analyzer = (*Analyst)(nil)

const (
	atrPeriod      = 14
	dailyBarsDepth = 40

	// Signal thresholds
	gapHighPct       = 4.0 // overnight gap that makes a HIGH event
	gapMediumPct     = 2.0
	volumeSurgeRatio = 2.5 // session volume over the trailing average
	dayMovePct       = 3.0 // intra-session move that makes a momentum event
	minMomentumPct   = 0.2 // below this the session has no direction

	// Drafting levels, in ATR multiples
	stopATRMultiple   = 1.5
	targetATRMultiple = 2.5

	// Review rules
	minRewardRisk   = 1.5
	minStopATRRatio = 0.3
	maxEntryDrift   = 0.02
	baseSizeFrac    = 0.05
	highVolCutoff   = 0.60 // annualized realized vol above which size is halved
)

// Analyst scans, drafts and reviews using market data only.
type Analyst struct {
	market domain.MarketDataService
	log    zerolog.Logger
}

// New creates a heuristic analyst on top of the market data service.
func New(market domain.MarketDataService, log zerolog.Logger) *Analyst {
	return &Analyst{
		market: market,
		log:    log.With().Str("component", "analyst").Logger(),
	}
}

// ScanEvents inspects each candidate symbol and emits at most one
// event per symbol, the strongest signal found. Symbols with missing
// market data are skipped, never fatal.
func (a *Analyst) ScanEvents(ctx context.Context, symbols []string) (*domain.Proposal, error) {
	events := make([]domain.MarketEvent, 0, len(symbols))

	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		event, err := a.scanSymbol(ctx, symbol)
		if err != nil {
			a.log.Warn().Err(err).Str("symbol", symbol).Msg("Scan skipped symbol")
			continue
		}
		if event != nil {
			events = append(events, *event)
		}
	}

	return &domain.Proposal{Kind: domain.ProposalKindEvents, Events: events}, nil
}

func (a *Analyst) scanSymbol(ctx context.Context, symbol string) (*domain.MarketEvent, error) {
	snap, err := a.market.GetSnapshot(ctx, symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot: %w", err)
	}

	bars, err := a.market.GetBars(ctx, symbol, "1Day", dailyBarsDepth)
	if err != nil {
		return nil, fmt.Errorf("failed to get bars: %w", err)
	}
	if len(bars) < 5 || snap.DayOpen <= 0 || snap.Price <= 0 {
		return nil, nil
	}

	priorClose := bars[len(bars)-1].Close
	if len(bars) >= 2 {
		priorClose = bars[len(bars)-2].Close
	}

	gapPct := 0.0
	if priorClose > 0 {
		gapPct = (snap.DayOpen - priorClose) / priorClose * 100
	}
	dayChangePct := (snap.Price - snap.DayOpen) / snap.DayOpen * 100
	volumeRatio := volumeOverAverage(snap.Volume, bars)

	occurred := snap.Timestamp
	if occurred.IsZero() {
		occurred = time.Now().UTC()
	}

	event := &domain.MarketEvent{
		Symbol:     symbol,
		Source:     "market-scan",
		OccurredAt: occurred,
	}

	// Strongest signal first: overnight gaps outrank session anomalies
	switch {
	case math.Abs(gapPct) >= gapHighPct:
		event.EventType = "price_gap"
		event.Importance = domain.ImportanceHigh
		event.Headline = fmt.Sprintf("%s gapped %+.1f%% against the prior close", symbol, gapPct)
	case volumeRatio >= volumeSurgeRatio && math.Abs(dayChangePct) >= 1.0:
		event.EventType = "volume_surge"
		event.Importance = domain.ImportanceMedium
		event.Headline = fmt.Sprintf("%s trading %.1fx average volume with a %+.1f%% session move", symbol, volumeRatio, dayChangePct)
	case breakoutAbove(snap.Price, bars):
		event.EventType = "range_breakout"
		event.Importance = domain.ImportanceMedium
		event.Headline = fmt.Sprintf("%s broke above its %d-day high", symbol, atrPeriod)
	case breakdownBelow(snap.Price, bars):
		event.EventType = "range_breakdown"
		event.Importance = domain.ImportanceMedium
		event.Headline = fmt.Sprintf("%s broke below its %d-day low", symbol, atrPeriod)
	case math.Abs(dayChangePct) >= dayMovePct:
		event.EventType = "momentum"
		event.Importance = domain.ImportanceMedium
		event.Headline = fmt.Sprintf("%s moved %+.1f%% intraday without a gap", symbol, dayChangePct)
	case math.Abs(gapPct) >= gapMediumPct:
		event.EventType = "price_gap"
		event.Importance = domain.ImportanceLow
		event.Headline = fmt.Sprintf("%s opened %+.1f%% off the prior close", symbol, gapPct)
	default:
		return nil, nil
	}

	return event, nil
}

// DraftThesis anchors a momentum thesis on the event's symbol. A nil
// thesis means the data does not justify a trade.
func (a *Analyst) DraftThesis(ctx context.Context, event domain.MarketEvent) (*domain.Proposal, error) {
	none := &domain.Proposal{Kind: domain.ProposalKindThesis}

	snap, err := a.market.GetSnapshot(ctx, event.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot for %s: %w", event.Symbol, err)
	}

	bars, err := a.market.GetBars(ctx, event.Symbol, "1Day", dailyBarsDepth)
	if err != nil {
		return nil, fmt.Errorf("failed to get bars for %s: %w", event.Symbol, err)
	}

	atr := execution.AverageTrueRange(bars, atrPeriod)
	if atr <= 0 || snap.DayOpen <= 0 || snap.Price <= 0 {
		return none, nil
	}

	dayChangePct := (snap.Price - snap.DayOpen) / snap.DayOpen * 100
	if math.Abs(dayChangePct) < minMomentumPct {
		// No session direction to lean on
		return none, nil
	}

	direction := domain.DirectionLong
	if dayChangePct < 0 {
		direction = domain.DirectionShort
	}

	entry := snap.Price
	var target, stop float64
	if direction == domain.DirectionLong {
		target = entry + targetATRMultiple*atr
		stop = entry - stopATRMultiple*atr
	} else {
		target = entry - targetATRMultiple*atr
		stop = entry + stopATRMultiple*atr
	}
	if stop <= 0 || target <= 0 {
		return none, nil
	}

	confidence := 0.60
	if event.Importance == domain.ImportanceHigh || event.Importance == domain.ImportanceCritical {
		confidence = 0.70
	}

	thesis := &domain.TradeThesis{
		Symbol:       event.Symbol,
		Direction:    direction,
		Catalyst:     event.Headline,
		CatalystDate: event.OccurredAt,
		Horizon:      horizonFor(event.EventType),
		EntryPrice:   entry,
		TargetPrice:  target,
		StopPrice:    stop,
		Confidence:   confidence,
		Rationale: fmt.Sprintf("session momentum %+.1f%% with ATR(%d) %.2f; stop %.1f ATR, target %.1f ATR",
			dayChangePct, atrPeriod, atr, stopATRMultiple, targetATRMultiple),
		Invalidations: []string{
			"a daily close beyond the stop level",
			"the catalyst move fully retraces within one session",
		},
	}

	return &domain.Proposal{Kind: domain.ProposalKindThesis, Thesis: thesis}, nil
}

// ReviewThesis applies deterministic due-diligence rules against fresh
// market data.
func (a *Analyst) ReviewThesis(ctx context.Context, thesis domain.TradeThesis) (*domain.Proposal, error) {
	snap, err := a.market.GetSnapshot(ctx, thesis.Symbol)
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot for %s: %w", thesis.Symbol, err)
	}

	bars, err := a.market.GetBars(ctx, thesis.Symbol, "1Day", dailyBarsDepth)
	if err != nil {
		return nil, fmt.Errorf("failed to get bars for %s: %w", thesis.Symbol, err)
	}

	verdict := &domain.ReviewVerdict{
		ThesisID:   thesis.ID,
		Confidence: thesis.Confidence,
	}
	result := &domain.Proposal{Kind: domain.ProposalKindVerdict, Verdict: verdict}

	risk := math.Abs(thesis.EntryPrice - thesis.StopPrice)
	reward := math.Abs(thesis.TargetPrice - thesis.EntryPrice)
	if risk <= 0 {
		verdict.Verdict = domain.VerdictReject
		verdict.Confidence = 0.9
		verdict.Notes = "stop sits on the entry price"
		return result, nil
	}
	if reward/risk < minRewardRisk {
		verdict.Verdict = domain.VerdictReject
		verdict.Confidence = 0.9
		verdict.Notes = fmt.Sprintf("reward/risk %.2f below the %.1f floor", reward/risk, minRewardRisk)
		return result, nil
	}

	atr := execution.AverageTrueRange(bars, atrPeriod)
	if atr > 0 && risk < minStopATRRatio*atr {
		verdict.Verdict = domain.VerdictReject
		verdict.Confidence = 0.85
		verdict.Notes = fmt.Sprintf("stop distance %.2f inside the daily noise band (ATR %.2f)", risk, atr)
		return result, nil
	}

	verdict.SizeFraction = baseSizeFrac
	if vol := execution.RealizedVolatility(bars); vol > highVolCutoff {
		verdict.SizeFraction = baseSizeFrac / 2
		verdict.Notes = fmt.Sprintf("size halved for realized volatility %.2f", vol)
	}

	// Re-anchor stale entries to the live price, shifting stop and
	// target by the same amount
	drift := math.Abs(snap.Price-thesis.EntryPrice) / thesis.EntryPrice
	if drift > maxEntryDrift {
		shift := snap.Price - thesis.EntryPrice
		verdict.Verdict = domain.VerdictConditional
		verdict.AdjEntry = snap.Price
		verdict.AdjTarget = thesis.TargetPrice + shift
		verdict.AdjStop = thesis.StopPrice + shift
		verdict.Conditions = append(verdict.Conditions,
			fmt.Sprintf("entry re-anchored from %.2f to %.2f; do not chase further", thesis.EntryPrice, snap.Price))
		return result, nil
	}

	verdict.Verdict = domain.VerdictApprove
	if rr := reward / risk; rr >= 2.0 {
		verdict.Confidence = math.Min(0.90, thesis.Confidence+0.10)
	}

	return result, nil
}

func horizonFor(eventType string) domain.Horizon {
	switch eventType {
	case "volume_surge":
		return domain.HorizonIntraday
	case "range_breakout", "range_breakdown":
		return domain.HorizonMediumSwing
	default:
		return domain.HorizonShortSwing
	}
}

// volumeOverAverage compares the session volume to the trailing
// average, excluding the most recent bar which may be today's partial.
func volumeOverAverage(sessionVolume float64, bars []domain.Bar) float64 {
	if sessionVolume <= 0 || len(bars) < 2 {
		return 0
	}

	var sum float64
	var n int
	for _, b := range bars[:len(bars)-1] {
		if b.Volume > 0 {
			sum += b.Volume
			n++
		}
	}
	if n == 0 || sum == 0 {
		return 0
	}

	return sessionVolume / (sum / float64(n))
}

func breakoutAbove(price float64, bars []domain.Bar) bool {
	high := priorExtreme(bars, atrPeriod, true)
	return high > 0 && price > high
}

func breakdownBelow(price float64, bars []domain.Bar) bool {
	low := priorExtreme(bars, atrPeriod, false)
	return low > 0 && price < low
}

// priorExtreme returns the highest high or lowest low over the trailing
// window, excluding the most recent bar.
func priorExtreme(bars []domain.Bar, window int, wantHigh bool) float64 {
	if len(bars) < window+1 {
		return 0
	}

	start := len(bars) - 1 - window
	extreme := 0.0
	for _, b := range bars[start : len(bars)-1] {
		if wantHigh {
			if b.High > extreme {
				extreme = b.High
			}
		} else {
			if extreme == 0 || b.Low < extreme {
				extreme = b.Low
			}
		}
	}

	return extreme
}
