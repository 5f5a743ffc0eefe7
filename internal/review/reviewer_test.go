package review

import (
	"context"
	"fmt"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/okastakis/skopos/internal/domain"
	testhelpers "github.com/okastakis/skopos/internal/testing"
	"github.com/okastakis/skopos/internal/thesis"
)

type reviewerFixture struct {
	reviewer  *Reviewer
	lifecycle *thesis.Lifecycle
	thesisRp  *thesis.Repository
	reviewRp  *Repository
	analyzer  *testhelpers.MockAnalyzer
}

func newReviewerFixture(t *testing.T) (*reviewerFixture, func()) {
	db, cleanup := testhelpers.NewTestDB(t)

	thesisRepo := thesis.NewRepository(db.Conn(), zerolog.Nop())
	lifecycle := thesis.NewLifecycle(thesisRepo, zerolog.Nop())
	reviewRepo := NewRepository(db.Conn(), zerolog.Nop())
	analyzer := &testhelpers.MockAnalyzer{}

	return &reviewerFixture{
		reviewer:  NewReviewer(analyzer, lifecycle, reviewRepo, 0.65, zerolog.Nop()),
		lifecycle: lifecycle,
		thesisRp:  thesisRepo,
		reviewRp:  reviewRepo,
		analyzer:  analyzer,
	}, cleanup
}

// createCandidate creates an active, unreviewed thesis.
func (f *reviewerFixture) createCandidate(t *testing.T, symbol string) *domain.TradeThesis {
	t.Helper()
	th, created, err := f.lifecycle.CreateDraft(&domain.TradeThesis{
		Symbol:      symbol,
		Catalyst:    "catalyst for " + symbol,
		Direction:   domain.DirectionLong,
		Horizon:     domain.HorizonShortSwing,
		EntryPrice:  50,
		TargetPrice: 60,
		StopPrice:   47,
		Confidence:  0.7,
	})
	require.NoError(t, err)
	require.True(t, created)
	require.NoError(t, f.lifecycle.Pursue(th.ID))
	th.Status = domain.ThesisStatusActive
	return th
}

func verdictProposal(v domain.Verdict, confidence, size float64) *domain.Proposal {
	return &domain.Proposal{
		Kind: domain.ProposalKindVerdict,
		Verdict: &domain.ReviewVerdict{
			Verdict:      v,
			Confidence:   confidence,
			SizeFraction: size,
		},
	}
}

func TestReviewOne_Approve(t *testing.T) {
	f, cleanup := newReviewerFixture(t)
	defer cleanup()

	th := f.createCandidate(t, "AAPL")
	f.analyzer.ReviewThesisFunc = func(ctx context.Context, _ domain.TradeThesis) (*domain.Proposal, error) {
		return verdictProposal(domain.VerdictApprove, 0.8, 0.03), nil
	}

	ok, err := f.reviewer.ReviewOne(context.Background(), *th)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := f.thesisRp.GetByID(th.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ThesisStatusActive, got.Status)
	assert.True(t, got.Approved)
	assert.NotEmpty(t, got.ReviewID)

	verdict, err := f.reviewRp.GetLatestForThesis(th.ID)
	require.NoError(t, err)
	require.NotNil(t, verdict)
	assert.Equal(t, domain.VerdictApprove, verdict.Verdict)
	assert.InDelta(t, 0.03, verdict.SizeFraction, 1e-9)
}

func TestReviewOne_LowConfidenceApprovalBecomesConditional(t *testing.T) {
	f, cleanup := newReviewerFixture(t)
	defer cleanup()

	th := f.createCandidate(t, "TSLA")
	f.analyzer.ReviewThesisFunc = func(ctx context.Context, _ domain.TradeThesis) (*domain.Proposal, error) {
		// 0.50 approval sits below the 0.65 floor
		return verdictProposal(domain.VerdictApprove, 0.50, 0.05), nil
	}

	ok, err := f.reviewer.ReviewOne(context.Background(), *th)
	require.NoError(t, err)
	assert.True(t, ok, "conditional approval is still an approval")

	verdict, err := f.reviewRp.GetLatestForThesis(th.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictConditional, verdict.Verdict)
	require.NotEmpty(t, verdict.Conditions, "downgrade must attach a condition string")
	assert.Contains(t, verdict.Conditions[0], "below 0.65 threshold")

	got, err := f.thesisRp.GetByID(th.ID)
	require.NoError(t, err)
	assert.True(t, got.Approved)
	assert.NotEmpty(t, got.Invalidations, "conditions become invalidation conditions")
}

func TestReviewOne_AdjustedLevelsCopied(t *testing.T) {
	f, cleanup := newReviewerFixture(t)
	defer cleanup()

	th := f.createCandidate(t, "NVDA")
	f.analyzer.ReviewThesisFunc = func(ctx context.Context, _ domain.TradeThesis) (*domain.Proposal, error) {
		return &domain.Proposal{
			Kind: domain.ProposalKindVerdict,
			Verdict: &domain.ReviewVerdict{
				Verdict:    domain.VerdictApprove,
				Confidence: 0.9,
				AdjTarget:  58,
				AdjStop:    48,
			},
		}, nil
	}

	ok, err := f.reviewer.ReviewOne(context.Background(), *th)
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := f.thesisRp.GetByID(th.ID)
	require.NoError(t, err)
	assert.InDelta(t, 58.0, got.TargetPrice, 1e-9)
	assert.InDelta(t, 48.0, got.StopPrice, 1e-9)
	assert.InDelta(t, 50.0, got.EntryPrice, 1e-9, "unadjusted entry keeps its value")
}

func TestReviewOne_RejectInvalidates(t *testing.T) {
	f, cleanup := newReviewerFixture(t)
	defer cleanup()

	th := f.createCandidate(t, "AMD")
	f.analyzer.ReviewThesisFunc = func(ctx context.Context, _ domain.TradeThesis) (*domain.Proposal, error) {
		return verdictProposal(domain.VerdictReject, 0.9, 0), nil
	}

	ok, err := f.reviewer.ReviewOne(context.Background(), *th)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := f.thesisRp.GetByID(th.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ThesisStatusInvalidated, got.Status)
	assert.False(t, got.Approved)
}

func TestReviewOne_AnalyzerFailureRejects(t *testing.T) {
	f, cleanup := newReviewerFixture(t)
	defer cleanup()

	th := f.createCandidate(t, "GOOG")
	f.analyzer.ReviewThesisFunc = func(ctx context.Context, _ domain.TradeThesis) (*domain.Proposal, error) {
		return nil, fmt.Errorf("upstream timeout")
	}

	ok, err := f.reviewer.ReviewOne(context.Background(), *th)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := f.thesisRp.GetByID(th.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ThesisStatusInvalidated, got.Status)

	verdict, err := f.reviewRp.GetLatestForThesis(th.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictReject, verdict.Verdict)
	assert.Contains(t, verdict.Notes, "review unavailable")
}

func TestReviewOne_MalformedProposalRejects(t *testing.T) {
	f, cleanup := newReviewerFixture(t)
	defer cleanup()

	th := f.createCandidate(t, "META")
	f.analyzer.ReviewThesisFunc = func(ctx context.Context, _ domain.TradeThesis) (*domain.Proposal, error) {
		return &domain.Proposal{Kind: domain.ProposalKindThesis}, nil
	}

	ok, err := f.reviewer.ReviewOne(context.Background(), *th)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := f.thesisRp.GetByID(th.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.ThesisStatusInvalidated, got.Status)
}

func TestReviewPending_BatchContinuesPastFailures(t *testing.T) {
	f, cleanup := newReviewerFixture(t)
	defer cleanup()

	f.createCandidate(t, "AAPL")
	f.createCandidate(t, "MSFT")
	f.createCandidate(t, "NVDA")

	calls := 0
	f.analyzer.ReviewThesisFunc = func(ctx context.Context, th domain.TradeThesis) (*domain.Proposal, error) {
		calls++
		if th.Symbol == "MSFT" {
			return nil, fmt.Errorf("transient failure")
		}
		return verdictProposal(domain.VerdictApprove, 0.9, 0.05), nil
	}

	approved, err := f.reviewer.ReviewPending(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 2, approved)
	assert.Equal(t, 3, calls)
}
