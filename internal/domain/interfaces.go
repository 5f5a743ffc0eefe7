package domain

import "context"

// ProposalKind tags the payload of an Analyzer proposal so callers can
// dispatch without type switches on the payload itself.
type ProposalKind string

const (
	// ProposalKindEvents carries market events found during research
	ProposalKindEvents ProposalKind = "EVENTS"
	// ProposalKindThesis carries a draft trade thesis
	ProposalKindThesis ProposalKind = "THESIS"
	// ProposalKindVerdict carries a review verdict for a thesis
	ProposalKindVerdict ProposalKind = "VERDICT"
)

// Proposal is the tagged result of an Analyzer call. Exactly one of
// Events, Thesis or Verdict is populated, matching Kind.
type Proposal struct {
	Kind    ProposalKind   `json:"kind"`
	Events  []MarketEvent  `json:"events,omitempty"`
	Thesis  *TradeThesis   `json:"thesis,omitempty"`
	Verdict *ReviewVerdict `json:"verdict,omitempty"`
}

// Analyzer produces research output: scanning for market events,
// drafting theses from events, and reviewing drafted theses. The
// engine treats it as a black box. Implementations may call external
// models or run rule-based heuristics.
type Analyzer interface {
	// ScanEvents looks for new market events across the candidate symbols
	ScanEvents(ctx context.Context, symbols []string) (*Proposal, error)

	// DraftThesis turns a market event into a draft trade thesis.
	// Returning a nil Thesis with no error means the event does not
	// justify a trade.
	DraftThesis(ctx context.Context, event MarketEvent) (*Proposal, error)

	// ReviewThesis performs an adversarial review of a draft thesis
	ReviewThesis(ctx context.Context, thesis TradeThesis) (*Proposal, error)
}

// TradingService abstracts the broker. All order and account
// operations go through this interface.
type TradingService interface {
	// GetAccount returns the current account snapshot
	GetAccount(ctx context.Context) (*Account, error)

	// GetPositions returns the broker's view of open positions
	GetPositions(ctx context.Context) ([]Position, error)

	// SubmitOrder submits an order and returns the broker's response
	SubmitOrder(ctx context.Context, req OrderRequest) (*OrderResult, error)

	// GetClock returns the exchange calendar state
	GetClock(ctx context.Context) (*MarketClock, error)
}

// MarketDataService provides historical bars and current quotes.
type MarketDataService interface {
	// GetBars returns up to limit most recent bars for the symbol at
	// the given timeframe (e.g. "1Min", "5Min", "1Day")
	GetBars(ctx context.Context, symbol, timeframe string, limit int) ([]Bar, error)

	// GetSnapshot returns the latest quote for the symbol
	GetSnapshot(ctx context.Context, symbol string) (*Snapshot, error)

	// GetMovers returns symbols with unusual activity in the current
	// session, used to widen the research candidate set
	GetMovers(ctx context.Context, limit int) ([]string, error)
}
