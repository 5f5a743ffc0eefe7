package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okastakis/skopos/internal/config"
	"github.com/okastakis/skopos/internal/domain"
	"github.com/okastakis/skopos/internal/events"
	"github.com/okastakis/skopos/internal/execution"
	"github.com/okastakis/skopos/internal/monitor"
	"github.com/okastakis/skopos/internal/positions"
	"github.com/okastakis/skopos/internal/research"
	"github.com/okastakis/skopos/internal/review"
	"github.com/okastakis/skopos/internal/risk"
	testhelpers "github.com/okastakis/skopos/internal/testing"
	"github.com/okastakis/skopos/internal/thesis"
)

type engineFixture struct {
	engine    *Engine
	states    *StateRepository
	governor  *risk.Governor
	lifecycle *thesis.Lifecycle
	thesisRp  *thesis.Repository
	reviewRp  *review.Repository
	posRepo   *positions.Repository
	trading   *testhelpers.MockTradingService
	market    *testhelpers.MockMarketDataService
	analyzer  *testhelpers.MockAnalyzer
	loc       *time.Location
}

func engineConfig() *config.Config {
	return &config.Config{
		SessionID:  "test-session",
		ExchangeTZ: "America/New_York",
		Phases: config.PhaseConfig{
			PreMarketStart:   4 * 60,
			MarketOpen:       9*60 + 30,
			PowerHourEnd:     10*60 + 30,
			MarketClose:      16 * 60,
			AfterHoursEnd:    20 * 60,
			PowerHourTick:    30 * time.Second,
			MarketHoursTick:  2 * time.Minute,
			PreMarketTick:    5 * time.Minute,
			OvernightTick:    10 * time.Minute,
			AfterHoursTick:   15 * time.Minute,
			DispatchBackoff:  30 * time.Second,
			ResearchInterval: 4 * time.Hour,
		},
		Execution: config.ExecutionConfig{
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
		},
		Monitor: config.MonitorConfig{
			PartialProfitPct:    8,
			PartialExitFraction: 0.5,
			IntradayExitMinutes: 15,
			MaxHoldDaysShort:    5,
			MaxHoldDaysMedium:   20,
			MaxHoldDaysLong:     60,
		},
		Research: config.ResearchConfig{
			Watchlist:     []string{"SPY"},
			MaxCandidates: 5,
		},
	}
}

func newEngineFixture(t *testing.T, now time.Time) (*engineFixture, func()) {
	t.Helper()
	db, cleanup := testhelpers.NewTestDB(t)
	cfg := engineConfig()
	loc := cfg.Location()

	eventsRepo := events.NewRepository(db.Conn(), zerolog.Nop())
	thesisRepo := thesis.NewRepository(db.Conn(), zerolog.Nop())
	lifecycle := thesis.NewLifecycle(thesisRepo, zerolog.Nop())
	reviewRepo := review.NewRepository(db.Conn(), zerolog.Nop())
	posRepo := positions.NewRepository(db.Conn(), zerolog.Nop())
	states := NewStateRepository(db.Conn(), zerolog.Nop())

	governor := risk.NewGovernor(risk.Limits{
		MaxDrawdown:          0.10,
		MaxDailyLossFraction: 0.03,
		MaxConsecutiveLosses: 3,
		DailyTradeCap:        20,
		BreakerCooldown:      2 * time.Hour,
	}, zerolog.Nop())

	analyzer := &testhelpers.MockAnalyzer{}
	trading := &testhelpers.MockTradingService{
		Account: domain.Account{Equity: 100_000, Cash: 100_000},
	}
	market := &testhelpers.MockMarketDataService{
		Snapshots: map[string]*domain.Snapshot{},
		Bars:      map[string][]domain.Bar{},
	}

	researchSvc := research.NewService(cfg.Research, analyzer, market, eventsRepo, lifecycle, zerolog.Nop())
	reviewer := review.NewReviewer(analyzer, lifecycle, reviewRepo, cfg.Execution.ApprovalConfidence, zerolog.Nop())
	coordinator := execution.NewCoordinator(cfg.Execution, cfg.Phases, loc, governor,
		lifecycle, posRepo, reviewRepo, trading, market, zerolog.Nop())
	positionMonitor := monitor.NewMonitor(cfg.Monitor, cfg.Phases, loc, posRepo,
		lifecycle, governor, trading, market, zerolog.Nop())

	engine := NewEngine(cfg, trading, researchSvc, reviewer, coordinator,
		positionMonitor, governor, posRepo, states, zerolog.Nop())
	engine.now = func() time.Time { return now }

	return &engineFixture{
		engine:    engine,
		states:    states,
		governor:  governor,
		lifecycle: lifecycle,
		thesisRp:  thesisRepo,
		reviewRp:  reviewRepo,
		posRepo:   posRepo,
		trading:   trading,
		market:    market,
		analyzer:  analyzer,
		loc:       loc,
	}, cleanup
}

func TestEngineRestoresSameDaySession(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	now := time.Date(2025, 3, 12, 11, 0, 0, 0, loc)

	fx, cleanup := newEngineFixture(t, now)
	defer cleanup()

	require.NoError(t, fx.states.Save(&SessionState{
		SessionID:  "test-session",
		TradingDay: "2025-03-12",
		Phase:      "power_hour",
		Risk: risk.State{
			PeakEquity:        120_000,
			DayStartEquity:    118_000,
			DailyRealizedPnL:  -400,
			ConsecutiveLosses: 1,
			TradesToday:       3,
		},
	}))

	fx.engine.restore(context.Background())

	state := fx.governor.Snapshot()
	assert.Equal(t, float64(120_000), state.PeakEquity)
	assert.Equal(t, 3, state.TradesToday)
	assert.Equal(t, float64(-400), state.DailyRealizedPnL)
}

func TestEngineRollsOverStaleSession(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	now := time.Date(2025, 3, 12, 8, 0, 0, 0, loc)

	fx, cleanup := newEngineFixture(t, now)
	defer cleanup()

	require.NoError(t, fx.states.Save(&SessionState{
		SessionID:  "test-session",
		TradingDay: "2025-03-11",
		Risk: risk.State{
			PeakEquity:        120_000,
			DayStartEquity:    118_000,
			DailyRealizedPnL:  -2_000,
			ConsecutiveLosses: 2,
			TradesToday:       4,
		},
	}))

	fx.engine.restore(context.Background())

	// Daily counters reset, session-level risk state survives
	state := fx.governor.Snapshot()
	assert.Equal(t, float64(120_000), state.PeakEquity)
	assert.Equal(t, 2, state.ConsecutiveLosses)
	assert.Equal(t, 0, state.TradesToday)
	assert.Equal(t, float64(0), state.DailyRealizedPnL)
	assert.Equal(t, float64(100_000), state.DayStartEquity)

	_, day, _ := fx.engine.Status()
	assert.Equal(t, "2025-03-12", day)
}

func TestEngineResearchRunsOncePerInterval(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	// Saturday, overnight research all day
	now := time.Date(2025, 3, 15, 12, 0, 0, 0, loc)

	fx, cleanup := newEngineFixture(t, now)
	defer cleanup()

	scans := 0
	fx.analyzer.ScanEventsFunc = func(ctx context.Context, symbols []string) (*domain.Proposal, error) {
		scans++
		return &domain.Proposal{Kind: domain.ProposalKindEvents}, nil
	}

	fx.engine.restore(context.Background())
	fx.engine.iterate(context.Background())
	fx.engine.iterate(context.Background())

	assert.Equal(t, 1, scans)
}

func TestEngineExecutesApprovedDuringMarketHours(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	now := time.Date(2025, 3, 12, 11, 0, 0, 0, loc)

	fx, cleanup := newEngineFixture(t, now)
	defer cleanup()

	th, created, err := fx.lifecycle.CreateDraft(&domain.TradeThesis{
		Symbol:      "NVDA",
		Catalyst:    "earnings beat",
		Direction:   domain.DirectionLong,
		Horizon:     domain.HorizonShortSwing,
		EntryPrice:  50,
		TargetPrice: 60,
		StopPrice:   47,
		Confidence:  0.8,
	})
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, fx.lifecycle.Pursue(th.ID))

	verdict := &domain.ReviewVerdict{
		ThesisID:   th.ID,
		Verdict:    domain.VerdictApprove,
		Confidence: 0.8,
	}
	require.NoError(t, fx.reviewRp.Create(verdict))
	require.NoError(t, fx.lifecycle.ApplyApproval(th.ID, verdict))

	fx.market.Snapshots["NVDA"] = &domain.Snapshot{Symbol: "NVDA", Price: 50, DayOpen: 49}

	fx.engine.restore(context.Background())
	wait := fx.engine.iterate(context.Background())
	assert.Equal(t, 2*time.Minute, wait)

	phase, _, active := fx.engine.Status()
	assert.Equal(t, "market_hours", phase)
	assert.Contains(t, active, "NVDA")

	stored, err := fx.thesisRp.GetByID(th.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ThesisStatusExecuted, stored.Status)

	// Session state persisted with the updated risk counters
	saved, err := fx.states.Load("test-session")
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Equal(t, 1, saved.Risk.TradesToday)
}

func TestEngineRestoreRebuildsActiveFromOpenPositions(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	now := time.Date(2025, 3, 12, 11, 0, 0, 0, loc)

	fx, cleanup := newEngineFixture(t, now)
	defer cleanup()

	require.NoError(t, fx.posRepo.Create(&domain.Position{
		ThesisID:    "th-nvda",
		Symbol:      "NVDA",
		Direction:   domain.DirectionLong,
		Horizon:     domain.HorizonShortSwing,
		Quantity:    10,
		EntryPrice:  50,
		TargetPrice: 60,
		StopPrice:   47,
	}))

	// No snapshot saved: the open positions table alone must repopulate
	// the active set after a restart.
	fx.engine.restore(context.Background())

	_, _, active := fx.engine.Status()
	assert.Contains(t, active, "NVDA")
}

func TestEnginePersistsActiveAndPendingSets(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	now := time.Date(2025, 3, 12, 11, 0, 0, 0, loc)

	fx, cleanup := newEngineFixture(t, now)
	defer cleanup()

	th, created, err := fx.lifecycle.CreateDraft(&domain.TradeThesis{
		Symbol:      "AMD",
		Catalyst:    "datacenter guidance raise",
		Direction:   domain.DirectionLong,
		Horizon:     domain.HorizonShortSwing,
		EntryPrice:  120,
		TargetPrice: 135,
		StopPrice:   113,
		Confidence:  0.8,
	})
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, fx.lifecycle.Pursue(th.ID))

	verdict := &domain.ReviewVerdict{
		ThesisID:   th.ID,
		Verdict:    domain.VerdictApprove,
		Confidence: 0.8,
	}
	require.NoError(t, fx.reviewRp.Create(verdict))
	require.NoError(t, fx.lifecycle.ApplyApproval(th.ID, verdict))

	require.NoError(t, fx.posRepo.Create(&domain.Position{
		ThesisID:    "th-nvda",
		Symbol:      "NVDA",
		Direction:   domain.DirectionLong,
		Horizon:     domain.HorizonShortSwing,
		Quantity:    10,
		EntryPrice:  50,
		TargetPrice: 60,
		StopPrice:   47,
	}))
	fx.market.Snapshots["NVDA"] = &domain.Snapshot{Symbol: "NVDA", Price: 52, DayOpen: 50}

	// No AMD market data: the entry fails and the thesis stays pending
	fx.engine.restore(context.Background())
	fx.engine.iterate(context.Background())

	saved, err := fx.states.Load("test-session")
	require.NoError(t, err)
	require.NotNil(t, saved)
	assert.Contains(t, saved.ActiveSymbols, "NVDA")
	assert.Contains(t, saved.PendingCandidates, th.ID)
}

func TestEngineStopIsCooperative(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)
	// Saturday: single quick research dispatch, then a long sleep
	now := time.Date(2025, 3, 15, 12, 0, 0, 0, loc)

	fx, cleanup := newEngineFixture(t, now)
	defer cleanup()

	done := make(chan struct{})
	go func() {
		fx.engine.Run(context.Background())
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	fx.engine.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("engine did not stop")
	}
}
