package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okastakis/skopos/internal/config"
	"github.com/okastakis/skopos/internal/domain"
	"github.com/okastakis/skopos/internal/positions"
	"github.com/okastakis/skopos/internal/review"
	"github.com/okastakis/skopos/internal/risk"
	testhelpers "github.com/okastakis/skopos/internal/testing"
	"github.com/okastakis/skopos/internal/thesis"
)

type coordFixture struct {
	coord     *Coordinator
	lifecycle *thesis.Lifecycle
	thesisRp  *thesis.Repository
	reviewRp  *review.Repository
	posRp     *positions.Repository
	governor  *risk.Governor
	trading   *testhelpers.MockTradingService
	market    *testhelpers.MockMarketDataService
	account   *domain.Account
	loc       *time.Location
}

func testExecutionConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		OpeningRangeMinutes: 5,
		EntryWindowMinutes:  90,
		RequireRangeConfirm: true,
		SafetyMargin:        0.95,
		MinNotional:         200,
		DailyTradeCap:       5,
		IntradayCapFraction: 0.05,
		ShortSwingCap:       0.10,
		MediumSwingCap:      0.10,
		LongSwingCap:        0.15,
		ApprovalConfidence:  0.65,
	}
}

func testPhaseConfig() config.PhaseConfig {
	return config.PhaseConfig{
		PreMarketStart: 240,
		MarketOpen:     570,
		PowerHourEnd:   630,
		MarketClose:    960,
		AfterHoursEnd:  1200,
	}
}

func newCoordFixture(t *testing.T, cfg config.ExecutionConfig) (*coordFixture, func()) {
	t.Helper()
	db, cleanup := testhelpers.NewTestDB(t)

	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	thesisRepo := thesis.NewRepository(db.Conn(), zerolog.Nop())
	lifecycle := thesis.NewLifecycle(thesisRepo, zerolog.Nop())
	reviewRepo := review.NewRepository(db.Conn(), zerolog.Nop())
	posRepo := positions.NewRepository(db.Conn(), zerolog.Nop())

	governor := risk.NewGovernor(risk.Limits{
		MaxDrawdown:          0.10,
		MaxDailyLossFraction: 0.03,
		MaxConsecutiveLosses: 3,
		DailyTradeCap:        20,
		BreakerCooldown:      2 * time.Hour,
	}, zerolog.Nop())

	trading := &testhelpers.MockTradingService{
		Account: domain.Account{Equity: 100_000, Cash: 100_000, BuyingPower: 200_000},
	}
	market := &testhelpers.MockMarketDataService{
		Snapshots: map[string]*domain.Snapshot{},
		Bars:      map[string][]domain.Bar{},
	}

	fx := &coordFixture{
		lifecycle: lifecycle,
		thesisRp:  thesisRepo,
		reviewRp:  reviewRepo,
		posRp:     posRepo,
		governor:  governor,
		trading:   trading,
		market:    market,
		account:   &domain.Account{Equity: 100_000, Cash: 100_000, BuyingPower: 200_000},
		loc:       loc,
	}
	fx.coord = NewCoordinator(cfg, testPhaseConfig(), loc, governor, lifecycle,
		posRepo, reviewRepo, trading, market, zerolog.Nop())

	return fx, cleanup
}

// createApproved builds an active, approved thesis plus its persisted
// verdict, returning the thesis as stored.
func (f *coordFixture) createApproved(t *testing.T, symbol string, horizon domain.Horizon, sizeFraction, stopPrice float64) domain.TradeThesis {
	t.Helper()
	th, created, err := f.lifecycle.CreateDraft(&domain.TradeThesis{
		Symbol:      symbol,
		Catalyst:    "catalyst for " + symbol,
		Direction:   domain.DirectionLong,
		Horizon:     horizon,
		EntryPrice:  50,
		TargetPrice: 60,
		StopPrice:   stopPrice,
		Confidence:  0.8,
	})
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, f.lifecycle.Pursue(th.ID))

	verdict := &domain.ReviewVerdict{
		ThesisID:     th.ID,
		Verdict:      domain.VerdictApprove,
		Confidence:   0.8,
		SizeFraction: sizeFraction,
	}
	require.NoError(t, f.reviewRp.Create(verdict))
	require.NoError(t, f.lifecycle.ApplyApproval(th.ID, verdict))

	stored, err := f.thesisRp.GetByID(th.ID)
	require.NoError(t, err)
	return *stored
}

func (f *coordFixture) setPrice(symbol string, price, dayOpen float64) {
	f.market.Snapshots[symbol] = &domain.Snapshot{
		Symbol:  symbol,
		Price:   price,
		DayOpen: dayOpen,
	}
}

// nyTime builds an exchange-local instant on a regular Wednesday.
func (f *coordFixture) nyTime(hour, minute int) time.Time {
	return time.Date(2025, 3, 12, hour, minute, 0, 0, f.loc)
}

func TestExecuteOneOpensPosition(t *testing.T) {
	fx, cleanup := newCoordFixture(t, testExecutionConfig())
	defer cleanup()

	th := fx.createApproved(t, "NVDA", domain.HorizonShortSwing, 0, 47)
	fx.setPrice("NVDA", 50, 49)

	result := fx.coord.ExecuteOne(context.Background(), th, fx.account, fx.nyTime(11, 0))

	require.Equal(t, OutcomeExecuted, result.Outcome)
	require.NotNil(t, result.Fill)
	assert.NotEmpty(t, result.PositionID)
	assert.Equal(t, 1, fx.coord.TradesToday())

	orders := fx.trading.SubmittedOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, "buy", orders[0].Side)
	assert.Equal(t, "market", orders[0].Type)
	// 10% cap on 100k equity at price 50
	assert.Equal(t, float64(200), orders[0].Quantity)

	pos, err := fx.posRp.GetByID(result.PositionID)
	require.NoError(t, err)
	assert.Equal(t, float64(60), pos.TargetPrice)
	assert.Equal(t, float64(47), pos.StopPrice)
	assert.Equal(t, float64(50), pos.EntryPrice)

	stored, err := fx.thesisRp.GetByID(th.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ThesisStatusExecuted, stored.Status)
	assert.Equal(t, result.PositionID, stored.PositionID)
}

func TestExecuteOneIntradayWaitsForOpeningRange(t *testing.T) {
	fx, cleanup := newCoordFixture(t, testExecutionConfig())
	defer cleanup()

	th := fx.createApproved(t, "AAPL", domain.HorizonIntraday, 0, 47)
	fx.setPrice("AAPL", 50.5, 50)

	// Three minutes after the 9:30 open, range still forming
	result := fx.coord.ExecuteOne(context.Background(), th, fx.account, fx.nyTime(9, 33))

	assert.Equal(t, OutcomeSkipped, result.Outcome)
	assert.Equal(t, "waiting for opening range", result.Reason)
	assert.Empty(t, fx.trading.SubmittedOrders())
}

func TestExecuteOneIntradayConfirmedEntry(t *testing.T) {
	fx, cleanup := newCoordFixture(t, testExecutionConfig())
	defer cleanup()

	th := fx.createApproved(t, "AAPL", domain.HorizonIntraday, 0, 47)
	fx.setPrice("AAPL", 50.5, 50)

	result := fx.coord.ExecuteOne(context.Background(), th, fx.account, fx.nyTime(9, 36))

	assert.Equal(t, OutcomeExecuted, result.Outcome)
}

func TestExecuteOneIntradayRangeNotConfirmed(t *testing.T) {
	fx, cleanup := newCoordFixture(t, testExecutionConfig())
	defer cleanup()

	th := fx.createApproved(t, "AAPL", domain.HorizonIntraday, 0, 47)
	// Long thesis but price below the session open
	fx.setPrice("AAPL", 49.5, 50)

	result := fx.coord.ExecuteOne(context.Background(), th, fx.account, fx.nyTime(9, 36))

	assert.Equal(t, OutcomeSkipped, result.Outcome)
	assert.Equal(t, "opening range not confirmed", result.Reason)
}

func TestExecuteOneIntradayEntryWindowClosed(t *testing.T) {
	fx, cleanup := newCoordFixture(t, testExecutionConfig())
	defer cleanup()

	th := fx.createApproved(t, "AAPL", domain.HorizonIntraday, 0, 47)
	fx.setPrice("AAPL", 50.5, 50)

	result := fx.coord.ExecuteOne(context.Background(), th, fx.account, fx.nyTime(11, 5))

	assert.Equal(t, OutcomeSkipped, result.Outcome)
	assert.Equal(t, "entry window closed", result.Reason)
}

func TestExecuteOneBreakerBlocksEntry(t *testing.T) {
	fx, cleanup := newCoordFixture(t, testExecutionConfig())
	defer cleanup()

	th := fx.createApproved(t, "MSFT", domain.HorizonShortSwing, 0, 47)
	fx.setPrice("MSFT", 50, 49)

	fx.governor.ObserveEquity(100_000)
	for i := 0; i < 3; i++ {
		fx.governor.RecordTradeOutcome(-500)
	}

	result := fx.coord.ExecuteOne(context.Background(), th, fx.account, fx.nyTime(11, 0))

	assert.Equal(t, OutcomeSkipped, result.Outcome)
	assert.Contains(t, result.Reason, "risk gate")
	assert.Empty(t, fx.trading.SubmittedOrders())
	assert.Equal(t, 0, fx.coord.TradesToday())
}

func TestExecuteOneBrokerFailureLeavesStateIntact(t *testing.T) {
	fx, cleanup := newCoordFixture(t, testExecutionConfig())
	defer cleanup()

	th := fx.createApproved(t, "TSLA", domain.HorizonShortSwing, 0, 47)
	fx.setPrice("TSLA", 50, 49)
	fx.trading.SubmitErr = errors.New("insufficient buying power")

	result := fx.coord.ExecuteOne(context.Background(), th, fx.account, fx.nyTime(11, 0))

	assert.Equal(t, OutcomeFailed, result.Outcome)
	assert.Contains(t, result.Reason, "order rejected")
	assert.Equal(t, 0, fx.coord.TradesToday())

	stored, err := fx.thesisRp.GetByID(th.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ThesisStatusActive, stored.Status)

	open, err := fx.posRp.GetOpen()
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestExecuteOneSkipsSymbolWithOpenPosition(t *testing.T) {
	fx, cleanup := newCoordFixture(t, testExecutionConfig())
	defer cleanup()

	th := fx.createApproved(t, "AMD", domain.HorizonShortSwing, 0, 47)
	fx.setPrice("AMD", 50, 49)

	require.NoError(t, fx.posRp.Create(&domain.Position{
		ThesisID:    "other-thesis",
		Symbol:      "AMD",
		Direction:   domain.DirectionLong,
		Horizon:     domain.HorizonShortSwing,
		Quantity:    10,
		EntryPrice:  48,
		TargetPrice: 58,
		StopPrice:   45,
		OpenedAt:    time.Now(),
	}))

	result := fx.coord.ExecuteOne(context.Background(), th, fx.account, fx.nyTime(11, 0))

	assert.Equal(t, OutcomeSkipped, result.Outcome)
	assert.Equal(t, "symbol already has an open position", result.Reason)
}

func TestExecuteOneReviewerFractionBindsSize(t *testing.T) {
	fx, cleanup := newCoordFixture(t, testExecutionConfig())
	defer cleanup()

	// Reviewer recommends 3%, tighter than the 10% horizon cap
	th := fx.createApproved(t, "GOOG", domain.HorizonShortSwing, 0.03, 47)
	fx.setPrice("GOOG", 50, 49)

	result := fx.coord.ExecuteOne(context.Background(), th, fx.account, fx.nyTime(11, 0))

	require.Equal(t, OutcomeExecuted, result.Outcome)
	orders := fx.trading.SubmittedOrders()
	require.Len(t, orders, 1)
	assert.Equal(t, float64(60), orders[0].Quantity)
}

func TestExecuteOneBelowMinNotional(t *testing.T) {
	fx, cleanup := newCoordFixture(t, testExecutionConfig())
	defer cleanup()

	th := fx.createApproved(t, "IBM", domain.HorizonShortSwing, 0, 47)
	fx.setPrice("IBM", 50, 49)
	tiny := &domain.Account{Equity: 1_500, Cash: 1_500}

	result := fx.coord.ExecuteOne(context.Background(), th, tiny, fx.nyTime(11, 0))

	assert.Equal(t, OutcomeSkipped, result.Outcome)
	assert.Contains(t, result.Reason, "minimum notional")
}

func TestExecuteOneDailyCap(t *testing.T) {
	cfg := testExecutionConfig()
	cfg.DailyTradeCap = 1
	fx, cleanup := newCoordFixture(t, cfg)
	defer cleanup()

	first := fx.createApproved(t, "META", domain.HorizonShortSwing, 0, 47)
	second := fx.createApproved(t, "NFLX", domain.HorizonShortSwing, 0, 47)
	fx.setPrice("META", 50, 49)
	fx.setPrice("NFLX", 50, 49)

	result := fx.coord.ExecuteOne(context.Background(), first, fx.account, fx.nyTime(11, 0))
	require.Equal(t, OutcomeExecuted, result.Outcome)

	result = fx.coord.ExecuteOne(context.Background(), second, fx.account, fx.nyTime(11, 5))
	assert.Equal(t, OutcomeSkipped, result.Outcome)
	assert.Equal(t, "daily trade cap reached", result.Reason)

	fx.coord.ResetDaily()
	assert.Equal(t, 0, fx.coord.TradesToday())
}

func TestExecuteOneVolatilityVeto(t *testing.T) {
	cfg := testExecutionConfig()
	cfg.MaxEntryVolatility = 0.50
	fx, cleanup := newCoordFixture(t, cfg)
	defer cleanup()

	th := fx.createApproved(t, "GME", domain.HorizonShortSwing, 0, 47)
	fx.setPrice("GME", 50, 49)

	closes := []float64{100, 130, 90, 120, 80, 115, 85}
	bars := make([]domain.Bar, len(closes))
	for i, c := range closes {
		bars[i] = domain.Bar{Open: c, High: c * 1.02, Low: c * 0.98, Close: c}
	}
	fx.market.Bars["GME"] = bars

	result := fx.coord.ExecuteOne(context.Background(), th, fx.account, fx.nyTime(11, 0))

	assert.Equal(t, OutcomeSkipped, result.Outcome)
	assert.Contains(t, result.Reason, "realized volatility")
}

func TestExecuteOneStopInsideNoiseBand(t *testing.T) {
	cfg := testExecutionConfig()
	cfg.MaxEntryVolatility = 5.0
	fx, cleanup := newCoordFixture(t, cfg)
	defer cleanup()

	// Stop one point away while the daily true range averages ten
	th := fx.createApproved(t, "XOM", domain.HorizonShortSwing, 0, 49)
	fx.setPrice("XOM", 50, 49.5)

	bars := make([]domain.Bar, 20)
	for i := range bars {
		bars[i] = domain.Bar{Open: 50, High: 55, Low: 45, Close: 50}
	}
	fx.market.Bars["XOM"] = bars

	result := fx.coord.ExecuteOne(context.Background(), th, fx.account, fx.nyTime(11, 0))

	assert.Equal(t, OutcomeSkipped, result.Outcome)
	assert.Contains(t, result.Reason, "noise band")
}

func TestExecuteApprovedBatch(t *testing.T) {
	fx, cleanup := newCoordFixture(t, testExecutionConfig())
	defer cleanup()

	fx.createApproved(t, "ORCL", domain.HorizonShortSwing, 0, 47)
	fx.createApproved(t, "CRM", domain.HorizonShortSwing, 0, 47)
	// ORCL has a quote, CRM does not and fails on market data
	fx.setPrice("ORCL", 50, 49)

	executed, err := fx.coord.ExecuteApproved(context.Background(), fx.nyTime(11, 0))
	require.NoError(t, err)

	assert.Equal(t, []string{"ORCL"}, executed)
	assert.Equal(t, 1, fx.coord.TradesToday())
}
