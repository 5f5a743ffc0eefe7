package testing

import (
	"context"
	"fmt"
	"sync"

	"github.com/okastakis/skopos/internal/domain"
)

// MockAnalyzer is a configurable Analyzer for tests. Set the function
// fields to control behavior; unset fields return empty proposals.
type MockAnalyzer struct {
	ScanEventsFunc   func(ctx context.Context, symbols []string) (*domain.Proposal, error)
	DraftThesisFunc  func(ctx context.Context, event domain.MarketEvent) (*domain.Proposal, error)
	ReviewThesisFunc func(ctx context.Context, thesis domain.TradeThesis) (*domain.Proposal, error)
}

func (m *MockAnalyzer) ScanEvents(ctx context.Context, symbols []string) (*domain.Proposal, error) {
	if m.ScanEventsFunc != nil {
		return m.ScanEventsFunc(ctx, symbols)
	}
	return &domain.Proposal{Kind: domain.ProposalKindEvents}, nil
}

func (m *MockAnalyzer) DraftThesis(ctx context.Context, event domain.MarketEvent) (*domain.Proposal, error) {
	if m.DraftThesisFunc != nil {
		return m.DraftThesisFunc(ctx, event)
	}
	return &domain.Proposal{Kind: domain.ProposalKindThesis}, nil
}

func (m *MockAnalyzer) ReviewThesis(ctx context.Context, thesis domain.TradeThesis) (*domain.Proposal, error) {
	if m.ReviewThesisFunc != nil {
		return m.ReviewThesisFunc(ctx, thesis)
	}
	return &domain.Proposal{Kind: domain.ProposalKindVerdict}, nil
}

// MockTradingService is a configurable broker stub. It records
// submitted orders so tests can assert on them.
type MockTradingService struct {
	mu sync.Mutex

	Account   domain.Account
	Positions []domain.Position
	Clock     domain.MarketClock

	SubmitOrderFunc func(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error)
	SubmitErr       error

	Submitted []domain.OrderRequest
}

func (m *MockTradingService) GetAccount(ctx context.Context) (*domain.Account, error) {
	acct := m.Account
	return &acct, nil
}

func (m *MockTradingService) GetPositions(ctx context.Context) ([]domain.Position, error) {
	return m.Positions, nil
}

func (m *MockTradingService) SubmitOrder(ctx context.Context, req domain.OrderRequest) (*domain.OrderResult, error) {
	m.mu.Lock()
	m.Submitted = append(m.Submitted, req)
	m.mu.Unlock()

	if m.SubmitOrderFunc != nil {
		return m.SubmitOrderFunc(ctx, req)
	}
	if m.SubmitErr != nil {
		return nil, m.SubmitErr
	}
	return &domain.OrderResult{
		OrderID:     fmt.Sprintf("order-%d", len(m.Submitted)),
		Status:      "filled",
		FilledQty:   req.Quantity,
		FilledPrice: req.LimitPx,
	}, nil
}

func (m *MockTradingService) GetClock(ctx context.Context) (*domain.MarketClock, error) {
	clock := m.Clock
	return &clock, nil
}

// SubmittedOrders returns a copy of the orders submitted so far.
func (m *MockTradingService) SubmittedOrders() []domain.OrderRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.OrderRequest, len(m.Submitted))
	copy(out, m.Submitted)
	return out
}

// MockMarketDataService serves canned bars and snapshots keyed by symbol.
type MockMarketDataService struct {
	Bars      map[string][]domain.Bar
	Snapshots map[string]*domain.Snapshot
	Movers    []string

	GetBarsFunc func(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Bar, error)
}

func (m *MockMarketDataService) GetBars(ctx context.Context, symbol, timeframe string, limit int) ([]domain.Bar, error) {
	if m.GetBarsFunc != nil {
		return m.GetBarsFunc(ctx, symbol, timeframe, limit)
	}
	bars := m.Bars[symbol]
	if len(bars) > limit {
		bars = bars[len(bars)-limit:]
	}
	return bars, nil
}

func (m *MockMarketDataService) GetSnapshot(ctx context.Context, symbol string) (*domain.Snapshot, error) {
	snap, ok := m.Snapshots[symbol]
	if !ok {
		return nil, fmt.Errorf("no snapshot for %s", symbol)
	}
	return snap, nil
}

func (m *MockMarketDataService) GetMovers(ctx context.Context, limit int) ([]string, error) {
	if len(m.Movers) > limit {
		return m.Movers[:limit], nil
	}
	return m.Movers, nil
}
