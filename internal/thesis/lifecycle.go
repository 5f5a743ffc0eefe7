package thesis

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/okastakis/skopos/internal/domain"
)

// legalTransitions defines the forward edges of the thesis state
// machine. Invalidation is additionally reachable from any
// non-terminal status; closed statuses are terminal.
var legalTransitions = map[domain.ThesisStatus][]domain.ThesisStatus{
	domain.ThesisStatusDraft:  {domain.ThesisStatusActive},
	domain.ThesisStatusActive: {domain.ThesisStatusExecuted},
	domain.ThesisStatusExecuted: {
		domain.ThesisStatusClosedTarget,
		domain.ThesisStatusClosedStop,
		domain.ThesisStatusClosedTime,
		domain.ThesisStatusClosedInvalidated,
		domain.ThesisStatusClosedManual,
	},
}

// Lifecycle enforces the thesis state machine and deduplication rules.
// All status changes go through it so no illegal edge is ever written.
type Lifecycle struct {
	repo *Repository
	log  zerolog.Logger
}

// NewLifecycle creates a new thesis lifecycle service
func NewLifecycle(repo *Repository, log zerolog.Logger) *Lifecycle {
	return &Lifecycle{
		repo: repo,
		log:  log.With().Str("component", "thesis_lifecycle").Logger(),
	}
}

// CreateDraft validates and stores a new draft thesis. When a
// non-terminal thesis with the same symbol and catalyst already
// exists, the new event attaches to it instead: the existing thesis is
// returned and created is false.
func (l *Lifecycle) CreateDraft(t *domain.TradeThesis) (thesis *domain.TradeThesis, created bool, err error) {
	t.Status = domain.ThesisStatusDraft
	t.Approved = false

	if err := t.Validate(); err != nil {
		return nil, false, fmt.Errorf("draft rejected: %w", err)
	}

	existing, err := l.repo.FindLiveByCatalyst(t.Symbol, t.Catalyst)
	if err != nil {
		return nil, false, fmt.Errorf("failed to check for duplicate thesis: %w", err)
	}
	if existing != nil {
		l.log.Debug().
			Str("symbol", t.Symbol).
			Str("catalyst", t.Catalyst).
			Str("existing_id", existing.ID).
			Msg("Duplicate catalyst, attaching to existing thesis")
		return existing, false, nil
	}

	if err := l.repo.Create(t); err != nil {
		return nil, false, err
	}

	return t, true, nil
}

// Pursue promotes a draft thesis to active, marking it as a candidate
// the pipeline intends to review and possibly trade.
func (l *Lifecycle) Pursue(id string) error {
	return l.transition(id, domain.ThesisStatusActive, func(*domain.TradeThesis) {})
}

// ApplyApproval records an approving or conditional verdict: the
// approval flag is set, adjusted levels (when present) replace the
// thesis levels, and status stays active.
func (l *Lifecycle) ApplyApproval(id string, verdict *domain.ReviewVerdict) error {
	t, err := l.mustGet(id)
	if err != nil {
		return err
	}
	if t.Status != domain.ThesisStatusActive {
		return fmt.Errorf("cannot approve thesis %s in status %s", id, t.Status)
	}

	t.Approved = true
	t.ReviewID = verdict.ID
	if verdict.AdjEntry > 0 {
		t.EntryPrice = verdict.AdjEntry
	}
	if verdict.AdjTarget > 0 {
		t.TargetPrice = verdict.AdjTarget
	}
	if verdict.AdjStop > 0 {
		t.StopPrice = verdict.AdjStop
	}
	t.Invalidations = append(t.Invalidations, verdict.Conditions...)

	if err := t.Validate(); err != nil {
		return fmt.Errorf("verdict-adjusted levels invalid for thesis %s: %w", id, err)
	}

	if err := l.repo.Update(t); err != nil {
		return err
	}

	l.log.Info().
		Str("thesis_id", id).
		Str("symbol", t.Symbol).
		Str("verdict", string(verdict.Verdict)).
		Msg("Thesis approved")

	return nil
}

// Invalidate moves any non-terminal thesis to invalidated, recording
// why. Used for reject verdicts and stale-candidate cleanup.
func (l *Lifecycle) Invalidate(id, reason string) error {
	t, err := l.mustGet(id)
	if err != nil {
		return err
	}
	if t.Status.Terminal() {
		return fmt.Errorf("cannot invalidate thesis %s in terminal status %s", id, t.Status)
	}
	if t.Status == domain.ThesisStatusExecuted {
		return fmt.Errorf("thesis %s has an open position, close it instead", id)
	}

	t.Status = domain.ThesisStatusInvalidated
	if reason != "" {
		t.Rationale = reason
	}

	if err := l.repo.Update(t); err != nil {
		return err
	}

	l.log.Info().
		Str("thesis_id", id).
		Str("symbol", t.Symbol).
		Str("reason", reason).
		Msg("Thesis invalidated")

	return nil
}

// MarkExecuted records a successful order placement, linking the
// resulting position to the thesis.
func (l *Lifecycle) MarkExecuted(id, positionID string) error {
	return l.transition(id, domain.ThesisStatusExecuted, func(t *domain.TradeThesis) {
		t.PositionID = positionID
	})
}

// Close records the exit outcome of the linked position.
func (l *Lifecycle) Close(id string, status domain.ThesisStatus) error {
	return l.transition(id, status, func(*domain.TradeThesis) {})
}

// PendingReview returns active theses that have not been reviewed yet.
func (l *Lifecycle) PendingReview(limit int) ([]domain.TradeThesis, error) {
	active, err := l.repo.GetByStatus(domain.ThesisStatusActive, limit)
	if err != nil {
		return nil, err
	}

	pending := active[:0]
	for _, t := range active {
		if t.ReviewID == "" && !t.Approved {
			pending = append(pending, t)
		}
	}
	return pending, nil
}

// Drafts returns draft theses waiting for promotion.
func (l *Lifecycle) Drafts(limit int) ([]domain.TradeThesis, error) {
	return l.repo.GetByStatus(domain.ThesisStatusDraft, limit)
}

// ApprovedCandidates returns approved theses waiting for execution.
func (l *Lifecycle) ApprovedCandidates(limit int) ([]domain.TradeThesis, error) {
	return l.repo.GetApprovedPending(limit)
}

func (l *Lifecycle) transition(id string, to domain.ThesisStatus, mutate func(*domain.TradeThesis)) error {
	t, err := l.mustGet(id)
	if err != nil {
		return err
	}

	if !transitionAllowed(t.Status, to) {
		return fmt.Errorf("illegal thesis transition %s -> %s for %s", t.Status, to, id)
	}

	from := t.Status
	t.Status = to
	mutate(t)

	if err := l.repo.Update(t); err != nil {
		return err
	}

	l.log.Info().
		Str("thesis_id", id).
		Str("symbol", t.Symbol).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Thesis transitioned")

	return nil
}

func (l *Lifecycle) mustGet(id string) (*domain.TradeThesis, error) {
	t, err := l.repo.GetByID(id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("thesis %s not found", id)
	}
	return t, nil
}

func transitionAllowed(from, to domain.ThesisStatus) bool {
	for _, allowed := range legalTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}
