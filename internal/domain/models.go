// Package domain provides core domain models and types.
package domain

import (
	"fmt"
	"time"
)

// Direction represents the side of a trade thesis
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Horizon represents the intended holding period of a thesis
type Horizon string

const (
	// HorizonIntraday positions are closed before the session ends
	HorizonIntraday Horizon = "INTRADAY"
	// HorizonShortSwing positions are held for a few days
	HorizonShortSwing Horizon = "SHORT_SWING"
	// HorizonMediumSwing positions are held for a few weeks
	HorizonMediumSwing Horizon = "MEDIUM_SWING"
	// HorizonLong positions are held for months
	HorizonLong Horizon = "LONG"
)

// ThesisStatus represents where a thesis is in its lifecycle. Status
// only moves forward, except invalidation which is reachable from any
// non-terminal status.
type ThesisStatus string

const (
	ThesisStatusDraft       ThesisStatus = "DRAFT"
	ThesisStatusActive      ThesisStatus = "ACTIVE"
	ThesisStatusExecuted    ThesisStatus = "EXECUTED"
	ThesisStatusInvalidated ThesisStatus = "INVALIDATED"

	ThesisStatusClosedTarget      ThesisStatus = "CLOSED_TARGET"
	ThesisStatusClosedStop        ThesisStatus = "CLOSED_STOP"
	ThesisStatusClosedTime        ThesisStatus = "CLOSED_TIME"
	ThesisStatusClosedInvalidated ThesisStatus = "CLOSED_INVALIDATED"
	ThesisStatusClosedManual      ThesisStatus = "CLOSED_MANUAL"
)

// Terminal reports whether the status has no outgoing transitions.
func (s ThesisStatus) Terminal() bool {
	switch s {
	case ThesisStatusDraft, ThesisStatusActive, ThesisStatusExecuted:
		return false
	}
	return true
}

// PositionStatus represents the state of a managed position
type PositionStatus string

const (
	PositionStatusOpen    PositionStatus = "OPEN"
	PositionStatusPartial PositionStatus = "PARTIAL"
	PositionStatusClosed  PositionStatus = "CLOSED"
)

// ImportanceTier classifies how market-moving an event is
type ImportanceTier string

const (
	ImportanceCritical ImportanceTier = "CRITICAL"
	ImportanceHigh     ImportanceTier = "HIGH"
	ImportanceMedium   ImportanceTier = "MEDIUM"
	ImportanceLow      ImportanceTier = "LOW"
)

// Verdict represents a review decision on a thesis. Conditional
// approvals carry conditions the trade must respect but still set the
// approval flag.
type Verdict string

const (
	VerdictApprove     Verdict = "APPROVE"
	VerdictReject      Verdict = "REJECT"
	VerdictConditional Verdict = "CONDITIONAL"
)

// MarketEvent represents a catalyst observed in the market (news,
// earnings, macro release, unusual volume) that may justify a thesis.
type MarketEvent struct {
	OccurredAt time.Time      `json:"occurred_at"`
	CreatedAt  time.Time      `json:"created_at"`
	ID         string         `json:"id"`
	Symbol     string         `json:"symbol"`
	Headline   string         `json:"headline"`
	EventType  string         `json:"event_type"`
	Source     string         `json:"source"`
	Importance ImportanceTier `json:"importance"`
	// ThesisID links the thesis this event spawned or attached to
	ThesisID  string `json:"thesis_id,omitempty"`
	Processed bool   `json:"processed"`
}

// TradeThesis represents a structured trade idea with entry, target
// and stop levels. A thesis moves through a fixed lifecycle and is the
// only path to opening a position. A review verdict of approve or
// conditional sets Approved and may adjust the price levels.
type TradeThesis struct {
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// CatalystDate is when the catalyst occurred or is scheduled.
	// Zero when the catalyst has no meaningful date.
	CatalystDate  time.Time    `json:"catalyst_date"`
	ID            string       `json:"id"`
	Symbol        string       `json:"symbol"`
	Catalyst      string       `json:"catalyst"`
	Rationale     string       `json:"rationale"`
	SourceEventID string       `json:"source_event_id,omitempty"`
	ReviewID      string       `json:"review_id,omitempty"`
	PositionID    string       `json:"position_id,omitempty"`
	Invalidations []string     `json:"invalidations,omitempty"`
	Direction     Direction    `json:"direction"`
	Horizon       Horizon      `json:"horizon"`
	Status        ThesisStatus `json:"status"`
	EntryPrice    float64      `json:"entry_price"`
	TargetPrice   float64      `json:"target_price"`
	StopPrice     float64      `json:"stop_price"`
	Confidence    float64      `json:"confidence"`
	Approved      bool         `json:"approved"`
}

// Validate checks that the thesis levels are internally consistent.
// For a long thesis the target must be above entry and the stop below;
// for a short thesis the relations are mirrored.
func (t *TradeThesis) Validate() error {
	if t.Symbol == "" {
		return fmt.Errorf("thesis has no symbol")
	}
	if t.Catalyst == "" {
		return fmt.Errorf("thesis %s has no catalyst", t.Symbol)
	}
	if t.EntryPrice <= 0 || t.TargetPrice <= 0 || t.StopPrice <= 0 {
		return fmt.Errorf("thesis %s has non-positive price levels", t.Symbol)
	}
	if t.Confidence < 0 || t.Confidence > 1 {
		return fmt.Errorf("thesis %s confidence %.2f outside [0,1]", t.Symbol, t.Confidence)
	}

	switch t.Direction {
	case DirectionLong:
		if t.TargetPrice <= t.EntryPrice {
			return fmt.Errorf("long thesis %s target %.2f not above entry %.2f", t.Symbol, t.TargetPrice, t.EntryPrice)
		}
		if t.StopPrice >= t.EntryPrice {
			return fmt.Errorf("long thesis %s stop %.2f not below entry %.2f", t.Symbol, t.StopPrice, t.EntryPrice)
		}
	case DirectionShort:
		if t.TargetPrice >= t.EntryPrice {
			return fmt.Errorf("short thesis %s target %.2f not below entry %.2f", t.Symbol, t.TargetPrice, t.EntryPrice)
		}
		if t.StopPrice <= t.EntryPrice {
			return fmt.Errorf("short thesis %s stop %.2f not above entry %.2f", t.Symbol, t.StopPrice, t.EntryPrice)
		}
	default:
		return fmt.Errorf("thesis %s has unknown direction %q", t.Symbol, t.Direction)
	}

	switch t.Horizon {
	case HorizonIntraday, HorizonShortSwing, HorizonMediumSwing, HorizonLong:
	default:
		return fmt.Errorf("thesis %s has unknown horizon %q", t.Symbol, t.Horizon)
	}

	return nil
}

// ReviewVerdict represents the outcome of a due-diligence review of a
// thesis. SizeFraction is the reviewer's recommended fraction of
// equity, honoured as an upper bound during sizing. Adjusted levels,
// when non-zero, replace the thesis levels on approval. Written once
// per review cycle; immutable after creation.
type ReviewVerdict struct {
	CreatedAt    time.Time `json:"created_at"`
	ID           string    `json:"id"`
	ThesisID     string    `json:"thesis_id"`
	Notes        string    `json:"notes"`
	Conditions   []string  `json:"conditions,omitempty"`
	Verdict      Verdict   `json:"verdict"`
	Confidence   float64   `json:"confidence"`
	SizeFraction float64   `json:"size_fraction"`
	AdjEntry     float64   `json:"adj_entry,omitempty"`
	AdjTarget    float64   `json:"adj_target,omitempty"`
	AdjStop      float64   `json:"adj_stop,omitempty"`
}

// Position represents a live or closed position opened from an
// approved thesis.
type Position struct {
	OpenedAt     time.Time      `json:"opened_at"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	ClosedAt     *time.Time     `json:"closed_at,omitempty"`
	ID           string         `json:"id"`
	ThesisID     string         `json:"thesis_id"`
	Symbol       string         `json:"symbol"`
	ExitReason   string         `json:"exit_reason,omitempty"`
	Direction    Direction      `json:"direction"`
	Horizon      Horizon        `json:"horizon"`
	Status       PositionStatus `json:"status"`
	Quantity     float64        `json:"quantity"`
	EntryPrice   float64        `json:"entry_price"`
	TargetPrice  float64        `json:"target_price"`
	StopPrice    float64        `json:"stop_price"`
	ExitPrice    float64        `json:"exit_price,omitempty"`
	RealizedPnL  float64        `json:"realized_pnl,omitempty"`
	PartialTaken bool           `json:"partial_taken"`
}

// UnrealizedPnL computes the open P&L of the position at the given price.
func (p *Position) UnrealizedPnL(currentPrice float64) float64 {
	if p.Direction == DirectionShort {
		return (p.EntryPrice - currentPrice) * p.Quantity
	}
	return (currentPrice - p.EntryPrice) * p.Quantity
}

// Account represents the broker account snapshot used for sizing and
// risk decisions.
type Account struct {
	Equity      float64 `json:"equity"`
	Cash        float64 `json:"cash"`
	BuyingPower float64 `json:"buying_power"`
}

// Bar represents a single OHLCV candle.
type Bar struct {
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Snapshot represents the latest quote for a symbol.
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	DayOpen   float64   `json:"day_open"`
	DayHigh   float64   `json:"day_high"`
	DayLow    float64   `json:"day_low"`
	Volume    float64   `json:"volume"`
}

// OrderRequest represents an order submitted to the broker.
type OrderRequest struct {
	Symbol   string    `json:"symbol"`
	Side     string    `json:"side"` // "buy" or "sell"
	Type     string    `json:"type"` // "market" or "limit"
	Quantity float64   `json:"quantity"`
	LimitPx  float64   `json:"limit_price,omitempty"`
	ThesisID string    `json:"thesis_id,omitempty"`
	Horizon  Horizon   `json:"horizon,omitempty"`
	Intent   Direction `json:"intent,omitempty"`
}

// OrderResult represents the broker's response to an order.
type OrderResult struct {
	SubmittedAt time.Time `json:"submitted_at"`
	OrderID     string    `json:"order_id"`
	Status      string    `json:"status"`
	FilledQty   float64   `json:"filled_qty"`
	FilledPrice float64   `json:"filled_price"`
}

// MarketClock represents the exchange calendar state.
type MarketClock struct {
	Timestamp time.Time `json:"timestamp"`
	NextOpen  time.Time `json:"next_open"`
	NextClose time.Time `json:"next_close"`
	IsOpen    bool      `json:"is_open"`
}
