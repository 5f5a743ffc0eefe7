package research

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
	"github.com/okastakis/skopos/internal/events"
	testhelpers "github.com/okastakis/skopos/internal/testing"
	"github.com/okastakis/skopos/internal/thesis"
)

type researchFixture struct {
	service  *Service
	eventsRp *events.Repository
	thesisRp *thesis.Repository
	analyzer *testhelpers.MockAnalyzer
	market   *testhelpers.MockMarketDataService
}

func newResearchFixture(t *testing.T) (*researchFixture, func()) {
	t.Helper()
	db, cleanup := testhelpers.NewTestDB(t)

	eventsRepo := events.NewRepository(db.Conn(), zerolog.Nop())
	thesisRepo := thesis.NewRepository(db.Conn(), zerolog.Nop())
	lifecycle := thesis.NewLifecycle(thesisRepo, zerolog.Nop())
	analyzer := &testhelpers.MockAnalyzer{}
	market := &testhelpers.MockMarketDataService{}

	cfg := config.ResearchConfig{
		Watchlist:     []string{"SPY", "QQQ"},
		MaxCandidates: 5,
	}

	return &researchFixture{
		service:  NewService(cfg, analyzer, market, eventsRepo, lifecycle, zerolog.Nop()),
		eventsRp: eventsRepo,
		thesisRp: thesisRepo,
		analyzer: analyzer,
		market:   market,
	}, cleanup
}

func eventOf(symbol, headline string, tier domain.ImportanceTier) domain.MarketEvent {
	return domain.MarketEvent{
		Symbol:     symbol,
		Headline:   headline,
		EventType:  "news",
		Source:     "wire",
		Importance: tier,
		OccurredAt: time.Now().UTC(),
	}
}

func draftFor(symbol string) *domain.TradeThesis {
	return &domain.TradeThesis{
		Symbol:      symbol,
		Catalyst:    "earnings beat for " + symbol,
		Direction:   domain.DirectionLong,
		Horizon:     domain.HorizonShortSwing,
		EntryPrice:  50,
		TargetPrice: 60,
		StopPrice:   47,
		Confidence:  0.7,
	}
}

func TestScanEventsStoresAndDedups(t *testing.T) {
	fx, cleanup := newResearchFixture(t)
	defer cleanup()

	fx.analyzer.ScanEventsFunc = func(ctx context.Context, symbols []string) (*domain.Proposal, error) {
		return &domain.Proposal{
			Kind: domain.ProposalKindEvents,
			Events: []domain.MarketEvent{
				eventOf("AAPL", "Guidance raised", domain.ImportanceHigh),
				eventOf("AAPL", "Guidance raised", domain.ImportanceHigh),
				eventOf("MSFT", "CFO departs", domain.ImportanceMedium),
			},
		}, nil
	}

	require.NoError(t, fx.service.ScanEvents(context.Background()))
	// Second scan returning the same stories adds nothing
	require.NoError(t, fx.service.ScanEvents(context.Background()))

	unprocessed, err := fx.eventsRp.GetUnprocessed(10)
	require.NoError(t, err)
	assert.Len(t, unprocessed, 2)
}

func TestScanEventsSurvivesAnalyzerFailure(t *testing.T) {
	fx, cleanup := newResearchFixture(t)
	defer cleanup()

	fx.analyzer.ScanEventsFunc = func(ctx context.Context, symbols []string) (*domain.Proposal, error) {
		return nil, errors.New("model timeout")
	}

	assert.NoError(t, fx.service.ScanEvents(context.Background()))
}

func TestMoversWidenTheUniverse(t *testing.T) {
	fx, cleanup := newResearchFixture(t)
	defer cleanup()

	fx.market.Movers = []string{"GME", "SPY", "AMC", "BBBY", "NOK"}

	var scanned []string
	fx.analyzer.ScanEventsFunc = func(ctx context.Context, symbols []string) (*domain.Proposal, error) {
		scanned = symbols
		return &domain.Proposal{Kind: domain.ProposalKindEvents}, nil
	}

	require.NoError(t, fx.service.ScanEvents(context.Background()))

	// Watchlist first, movers appended without duplicates, capped at 5
	assert.Equal(t, []string{"SPY", "QQQ", "GME", "AMC", "BBBY"}, scanned)
}

func TestDraftThesesFromHighTierEvents(t *testing.T) {
	fx, cleanup := newResearchFixture(t)
	defer cleanup()

	high := eventOf("AAPL", "Guidance raised", domain.ImportanceHigh)
	low := eventOf("F", "Minor recall", domain.ImportanceLow)
	require.NoError(t, fx.eventsRp.Create(&high))
	require.NoError(t, fx.eventsRp.Create(&low))

	fx.analyzer.DraftThesisFunc = func(ctx context.Context, event domain.MarketEvent) (*domain.Proposal, error) {
		return &domain.Proposal{Kind: domain.ProposalKindThesis, Thesis: draftFor(event.Symbol)}, nil
	}

	drafted, err := fx.service.DraftTheses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, drafted)

	// Both events consumed, only the high tier one produced a thesis
	unprocessed, err := fx.eventsRp.GetUnprocessed(10)
	require.NoError(t, err)
	assert.Empty(t, unprocessed)

	active, err := fx.thesisRp.GetByStatus(domain.ThesisStatusActive, 10)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "AAPL", active[0].Symbol)
	assert.Equal(t, high.ID, active[0].SourceEventID)

	// The link runs both ways: the event remembers its thesis
	linked, err := fx.eventsRp.GetByID(high.ID)
	require.NoError(t, err)
	require.NotNil(t, linked)
	assert.Equal(t, active[0].ID, linked.ThesisID)
}

func TestNilThesisIsNormal(t *testing.T) {
	fx, cleanup := newResearchFixture(t)
	defer cleanup()

	event := eventOf("MSFT", "CFO departs", domain.ImportanceMedium)
	require.NoError(t, fx.eventsRp.Create(&event))

	fx.analyzer.DraftThesisFunc = func(ctx context.Context, event domain.MarketEvent) (*domain.Proposal, error) {
		return &domain.Proposal{Kind: domain.ProposalKindThesis}, nil
	}

	drafted, err := fx.service.DraftTheses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, drafted)

	// Event consumed even though nothing was drafted
	unprocessed, err := fx.eventsRp.GetUnprocessed(10)
	require.NoError(t, err)
	assert.Empty(t, unprocessed)
}

func TestAnalyzerFailureLeavesEventUnprocessed(t *testing.T) {
	fx, cleanup := newResearchFixture(t)
	defer cleanup()

	event := eventOf("NVDA", "New chip announced", domain.ImportanceHigh)
	require.NoError(t, fx.eventsRp.Create(&event))

	fx.analyzer.DraftThesisFunc = func(ctx context.Context, event domain.MarketEvent) (*domain.Proposal, error) {
		return nil, errors.New("model timeout")
	}

	drafted, err := fx.service.DraftTheses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, drafted)

	// Retried on the next run
	unprocessed, err := fx.eventsRp.GetUnprocessed(10)
	require.NoError(t, err)
	assert.Len(t, unprocessed, 1)
}

func TestDuplicateCatalystAttachesToExistingThesis(t *testing.T) {
	fx, cleanup := newResearchFixture(t)
	defer cleanup()

	first := eventOf("AAPL", "Guidance raised", domain.ImportanceHigh)
	second := eventOf("AAPL", "Guidance raised again", domain.ImportanceHigh)
	require.NoError(t, fx.eventsRp.Create(&first))
	require.NoError(t, fx.eventsRp.Create(&second))

	fx.analyzer.DraftThesisFunc = func(ctx context.Context, event domain.MarketEvent) (*domain.Proposal, error) {
		return &domain.Proposal{Kind: domain.ProposalKindThesis, Thesis: draftFor(event.Symbol)}, nil
	}

	drafted, err := fx.service.DraftTheses(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, drafted)

	active, err := fx.thesisRp.GetByStatus(domain.ThesisStatusActive, 10)
	require.NoError(t, err)
	require.Len(t, active, 1)

	// The duplicate event attaches to the same thesis it folded into
	for _, id := range []string{first.ID, second.ID} {
		linked, err := fx.eventsRp.GetByID(id)
		require.NoError(t, err)
		require.NotNil(t, linked)
		assert.Equal(t, active[0].ID, linked.ThesisID)
	}
}
