package review

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/okastakis/skopos/internal/domain"
	"github.com/okastakis/skopos/internal/thesis"
)

// Reviewer runs each candidate thesis through due-diligence review and
// applies the verdict to the lifecycle. A failed or malformed review
// degrades to a deterministic reject rather than letting the thesis
// through unexamined.
type Reviewer struct {
	analyzer      domain.Analyzer
	lifecycle     *thesis.Lifecycle
	repo          *Repository
	minConfidence float64
	log           zerolog.Logger
}

// NewReviewer creates a new reviewer. minConfidence is the full
// approval floor: APPROVE verdicts below it are downgraded to
// conditional approvals.
func NewReviewer(analyzer domain.Analyzer, lifecycle *thesis.Lifecycle, repo *Repository, minConfidence float64, log zerolog.Logger) *Reviewer {
	return &Reviewer{
		analyzer:      analyzer,
		lifecycle:     lifecycle,
		repo:          repo,
		minConfidence: minConfidence,
		log:           log.With().Str("component", "reviewer").Logger(),
	}
}

// ReviewPending pulls unreviewed active theses and reviews each one.
// Per-thesis failures are logged and do not stop the batch. Returns
// the number of theses that ended up approved.
func (r *Reviewer) ReviewPending(ctx context.Context, limit int) (int, error) {
	candidates, err := r.lifecycle.PendingReview(limit)
	if err != nil {
		return 0, fmt.Errorf("failed to load theses for review: %w", err)
	}

	approved := 0
	for _, candidate := range candidates {
		if ctx.Err() != nil {
			return approved, ctx.Err()
		}

		ok, err := r.ReviewOne(ctx, candidate)
		if err != nil {
			r.log.Error().Err(err).
				Str("thesis_id", candidate.ID).
				Str("symbol", candidate.Symbol).
				Msg("Review failed")
			continue
		}
		if ok {
			approved++
		}
	}

	return approved, nil
}

// ReviewOne reviews a single active thesis. Returns true when the
// thesis ends up approved (fully or conditionally).
func (r *Reviewer) ReviewOne(ctx context.Context, candidate domain.TradeThesis) (bool, error) {
	verdict := r.obtainVerdict(ctx, candidate)
	verdict.ThesisID = candidate.ID

	// A full approval below the confidence floor is still tradeable,
	// but only with an explicit caution attached
	if verdict.Verdict == domain.VerdictApprove && verdict.Confidence < r.minConfidence {
		r.log.Info().
			Str("thesis_id", candidate.ID).
			Float64("confidence", verdict.Confidence).
			Float64("floor", r.minConfidence).
			Msg("Approval below confidence floor, downgrading to conditional")
		verdict.Verdict = domain.VerdictConditional
		verdict.Conditions = append(verdict.Conditions,
			fmt.Sprintf("review confidence %.2f below %.2f threshold, re-examine before holding past the first session", verdict.Confidence, r.minConfidence))
	}

	if err := r.repo.Create(verdict); err != nil {
		return false, err
	}

	switch verdict.Verdict {
	case domain.VerdictApprove, domain.VerdictConditional:
		if err := r.lifecycle.ApplyApproval(candidate.ID, verdict); err != nil {
			return false, err
		}
		return true, nil
	default:
		reason := verdict.Notes
		if reason == "" {
			reason = "rejected by review"
		}
		if err := r.lifecycle.Invalidate(candidate.ID, reason); err != nil {
			return false, err
		}
		return false, nil
	}
}

// obtainVerdict calls the analyzer and normalizes the result. Any
// analyzer failure or malformed proposal becomes a rejection.
func (r *Reviewer) obtainVerdict(ctx context.Context, candidate domain.TradeThesis) *domain.ReviewVerdict {
	proposal, err := r.analyzer.ReviewThesis(ctx, candidate)
	if err != nil {
		r.log.Warn().Err(err).
			Str("symbol", candidate.Symbol).
			Msg("Analyzer review failed, rejecting thesis")
		return &domain.ReviewVerdict{
			Verdict: domain.VerdictReject,
			Notes:   fmt.Sprintf("review unavailable: %v", err),
		}
	}

	if proposal == nil || proposal.Kind != domain.ProposalKindVerdict || proposal.Verdict == nil {
		r.log.Warn().
			Str("symbol", candidate.Symbol).
			Msg("Analyzer returned malformed review, rejecting thesis")
		return &domain.ReviewVerdict{
			Verdict: domain.VerdictReject,
			Notes:   "review returned no verdict",
		}
	}

	v := *proposal.Verdict

	// Clamp the sizing recommendation to a sane fraction
	if v.SizeFraction < 0 {
		v.SizeFraction = 0
	}
	if v.SizeFraction > 1 {
		v.SizeFraction = 1
	}

	return &v
}
