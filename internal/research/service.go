package research

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/okastakis/skopos/internal/config"
	"github.com/okastakis/skopos/internal/domain"
	"github.com/okastakis/skopos/internal/events"
	"github.com/okastakis/skopos/internal/thesis"
)

const (
	// Two events with the same symbol and headline inside this window
	// are treated as the same story
	eventDedupLookback = 72 * time.Hour

	draftBatchSize = 25
)

// Service runs the research ingestion pipeline: scan the candidate
// universe for events, store the new ones, and turn the unprocessed
// HIGH and MEDIUM tier events into draft theses. Analyzer failures
// degrade to empty output and are retried on the next run.
type Service struct {
	cfg       config.ResearchConfig
	analyzer  domain.Analyzer
	market    domain.MarketDataService
	events    *events.Repository
	lifecycle *thesis.Lifecycle
	log       zerolog.Logger
}

// NewService creates a research service.
func NewService(
	cfg config.ResearchConfig,
	analyzer domain.Analyzer,
	market domain.MarketDataService,
	eventsRepo *events.Repository,
	lifecycle *thesis.Lifecycle,
	log zerolog.Logger,
) *Service {
	return &Service{
		cfg:       cfg,
		analyzer:  analyzer,
		market:    market,
		events:    eventsRepo,
		lifecycle: lifecycle,
		log:       log.With().Str("component", "research").Logger(),
	}
}

// Run performs one full research pass and returns how many new theses
// were drafted.
func (s *Service) Run(ctx context.Context) (int, error) {
	if err := s.ScanEvents(ctx); err != nil {
		return 0, err
	}
	return s.DraftTheses(ctx)
}

// ScanEvents asks the analyzer for fresh events across the candidate
// universe and stores the ones not already known.
func (s *Service) ScanEvents(ctx context.Context) error {
	symbols := s.candidateSymbols(ctx)
	if len(symbols) == 0 {
		return nil
	}

	proposal, err := s.analyzer.ScanEvents(ctx, symbols)
	if err != nil {
		// Degrades to an empty scan, retried on the next run
		s.log.Warn().Err(err).Msg("Event scan failed")
		return nil
	}
	if proposal == nil || len(proposal.Events) == 0 {
		return nil
	}

	stored := 0
	for i := range proposal.Events {
		event := proposal.Events[i]
		if event.Symbol == "" || event.Headline == "" {
			continue
		}

		known, err := s.events.ExistsSimilar(event.Symbol, event.Headline, eventDedupLookback)
		if err != nil {
			return fmt.Errorf("failed to check for duplicate event: %w", err)
		}
		if known {
			continue
		}

		if err := s.events.Create(&event); err != nil {
			return fmt.Errorf("failed to store event: %w", err)
		}
		stored++
	}

	if stored > 0 {
		s.log.Info().Int("count", stored).Msg("New events stored")
	}
	return nil
}

// DraftTheses drains unprocessed events, drafting a thesis for each
// HIGH or better event. LOW tier events are consumed without a draft.
// "No thesis produced" is a normal outcome. Every consumed event is
// marked processed exactly once; analyzer failures leave the event
// unprocessed for the next run.
func (s *Service) DraftTheses(ctx context.Context) (int, error) {
	unprocessed, err := s.events.GetUnprocessed(draftBatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to load unprocessed events: %w", err)
	}

	drafted := 0
	for _, event := range unprocessed {
		if ctx.Err() != nil {
			return drafted, ctx.Err()
		}

		if event.Importance == domain.ImportanceLow {
			if err := s.events.MarkProcessed(event.ID); err != nil {
				return drafted, err
			}
			continue
		}

		proposal, err := s.analyzer.DraftThesis(ctx, event)
		if err != nil {
			s.log.Warn().Err(err).Str("event_id", event.ID).Msg("Thesis drafting failed")
			continue
		}

		if proposal != nil && proposal.Thesis != nil {
			created, err := s.adoptDraft(proposal.Thesis, event)
			if err != nil {
				s.log.Warn().Err(err).
					Str("event_id", event.ID).
					Str("symbol", event.Symbol).
					Msg("Draft rejected")
			} else if created {
				drafted++
			}
		}

		if err := s.events.MarkProcessed(event.ID); err != nil {
			return drafted, err
		}
	}

	return drafted, nil
}

// adoptDraft stores the draft and promotes it to an active candidate.
// A duplicate catalyst attaches to the existing thesis instead, and
// created is false.
func (s *Service) adoptDraft(draft *domain.TradeThesis, event domain.MarketEvent) (bool, error) {
	draft.SourceEventID = event.ID
	if draft.Symbol == "" {
		draft.Symbol = event.Symbol
	}

	stored, created, err := s.lifecycle.CreateDraft(draft)
	if err != nil {
		return false, err
	}

	// The event keeps a link to its thesis either way: the one it
	// spawned, or the existing live one it folded into.
	if err := s.events.LinkThesis(event.ID, stored.ID); err != nil {
		s.log.Warn().Err(err).
			Str("event_id", event.ID).
			Str("thesis_id", stored.ID).
			Msg("Failed to link event to thesis")
	}

	if !created {
		// Event consumed by an existing live thesis
		return false, nil
	}

	if err := s.lifecycle.Pursue(stored.ID); err != nil {
		return false, err
	}

	s.log.Info().
		Str("symbol", stored.Symbol).
		Str("thesis_id", stored.ID).
		Str("horizon", string(stored.Horizon)).
		Msg("Thesis drafted")
	return true, nil
}

// candidateSymbols is the watchlist widened by the session's movers.
// Movers only widen the universe; they never spawn a thesis directly.
func (s *Service) candidateSymbols(ctx context.Context) []string {
	seen := make(map[string]bool, len(s.cfg.Watchlist))
	symbols := make([]string, 0, s.cfg.MaxCandidates)
	for _, sym := range s.cfg.Watchlist {
		if !seen[sym] {
			seen[sym] = true
			symbols = append(symbols, sym)
		}
	}

	movers, err := s.market.GetMovers(ctx, s.cfg.MaxCandidates)
	if err != nil {
		s.log.Warn().Err(err).Msg("Movers unavailable, using watchlist only")
		return symbols
	}
	for _, sym := range movers {
		if len(symbols) >= s.cfg.MaxCandidates {
			break
		}
		if !seen[sym] {
			seen[sym] = true
			symbols = append(symbols, sym)
		}
	}

	return symbols
}
