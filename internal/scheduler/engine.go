package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/okastakis/skopos/internal/config"
	"github.com/okastakis/skopos/internal/domain"
	"github.com/okastakis/skopos/internal/execution"
	"github.com/okastakis/skopos/internal/monitor"
	"github.com/okastakis/skopos/internal/positions"
	"github.com/okastakis/skopos/internal/research"
	"github.com/okastakis/skopos/internal/review"
	"github.com/okastakis/skopos/internal/risk"
)

const reviewBatchSize = 10

// Engine is the long-lived control loop. Each iteration it computes
// the current phase, dispatches that phase's work synchronously,
// persists session state and sleeps for the phase's tick interval.
// Recoverable errors never terminate the loop; they log, back off and
// the loop continues. Shutdown is cooperative: Stop is observed
// between iterations and in-flight work runs to completion.
type Engine struct {
	cfg         *config.Config
	loc         *time.Location
	trading     domain.TradingService
	research    *research.Service
	reviewer    *review.Reviewer
	coordinator *execution.Coordinator
	monitor     *monitor.Monitor
	governor    *risk.Governor
	positions   *positions.Repository
	states      *StateRepository
	log         zerolog.Logger

	// now is swappable for tests
	now func() time.Time

	mu            sync.RWMutex
	state         SessionState
	lastPhase     Phase
	phaseKnown    bool
	activeSymbols map[string]bool

	stop    chan struct{}
	stopped chan struct{}
	once    sync.Once
}

// NewEngine wires the control loop. Run must be called to start it.
func NewEngine(
	cfg *config.Config,
	trading domain.TradingService,
	researchSvc *research.Service,
	reviewer *review.Reviewer,
	coordinator *execution.Coordinator,
	positionMonitor *monitor.Monitor,
	governor *risk.Governor,
	positionsRepo *positions.Repository,
	states *StateRepository,
	log zerolog.Logger,
) *Engine {
	return &Engine{
		cfg:           cfg,
		loc:           cfg.Location(),
		trading:       trading,
		research:      researchSvc,
		reviewer:      reviewer,
		coordinator:   coordinator,
		monitor:       positionMonitor,
		governor:      governor,
		positions:     positionsRepo,
		states:        states,
		log:           log.With().Str("component", "scheduler").Logger(),
		now:           time.Now,
		activeSymbols: make(map[string]bool),
		stop:          make(chan struct{}),
		stopped:       make(chan struct{}),
	}
}

// Run executes the control loop until the context is cancelled or
// Stop is called. It restores persisted session state first so a
// restart resumes mid-day with its risk counters intact.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.stopped)

	e.restore(ctx)
	e.log.Info().
		Str("session_id", e.cfg.SessionID).
		Str("trading_day", e.state.TradingDay).
		Msg("Engine started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		default:
		}

		wait := e.iterate(ctx)

		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-time.After(wait):
		}
	}
}

// Stop requests a cooperative shutdown and blocks until the loop has
// finished its current iteration.
func (e *Engine) Stop() {
	e.once.Do(func() { close(e.stop) })
	<-e.stopped
}

// iterate runs one loop pass and returns how long to sleep before the
// next. A panic or dispatch error switches to the backoff interval.
func (e *Engine) iterate(ctx context.Context) (wait time.Duration) {
	now := e.now()
	phase := PhaseAt(now, e.cfg.Phases, e.loc)
	wait = Interval(phase, e.cfg.Phases)

	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Msg("Dispatch panicked, backing off")
			wait = e.cfg.Phases.DispatchBackoff
		}
	}()

	if day := tradingDay(now, e.loc); day != e.tradingDay() {
		e.rollover(ctx, day)
	}

	if !e.phaseKnown || phase != e.lastPhase {
		e.log.Info().
			Str("from", e.lastPhase.String()).
			Str("to", phase.String()).
			Msg("Phase transition")
		e.lastPhase = phase
		e.phaseKnown = true
		e.setPhase(phase)
		e.persist()
	}

	if err := e.dispatch(ctx, phase, now); err != nil {
		e.log.Error().Err(err).Str("phase", phase.String()).Msg("Dispatch failed, backing off")
		wait = e.cfg.Phases.DispatchBackoff
	}

	// State is persisted after every dispatch so a crash loses at most
	// one iteration of progress
	e.persist()
	return wait
}

// dispatch runs the work set of the given phase.
func (e *Engine) dispatch(ctx context.Context, phase Phase, now time.Time) error {
	// Never decide on a stale account snapshot
	account, err := e.trading.GetAccount(ctx)
	if err != nil {
		e.log.Warn().Err(err).Msg("Account snapshot unavailable")
	} else {
		e.governor.ObserveEquity(account.Equity)
	}

	switch phase {
	case PhaseOvernightResearch:
		return e.runResearch(ctx, now)

	case PhasePreMarket:
		if err := e.runResearch(ctx, now); err != nil {
			return err
		}
		_, err := e.reviewer.ReviewPending(ctx, reviewBatchSize)
		return err

	case PhasePowerHour:
		return e.tradeTick(ctx, now, true)

	case PhaseMarketHours:
		if _, err := e.reviewer.ReviewPending(ctx, reviewBatchSize); err != nil {
			e.log.Warn().Err(err).Msg("Review pass failed")
		}
		return e.tradeTick(ctx, now, true)

	case PhaseAfterHours:
		// Exits only; no new entries in the extended session
		return e.tradeTick(ctx, now, false)
	}

	return nil
}

// tradeTick monitors open positions and, when entries are allowed,
// executes approved theses. The monitor always runs first so exits are
// never starved by entry work.
func (e *Engine) tradeTick(ctx context.Context, now time.Time, allowEntries bool) error {
	closed, err := e.monitor.CheckPositions(ctx, now)
	if err != nil {
		return err
	}
	e.removeActive(closed)

	if !allowEntries {
		return nil
	}

	executed, err := e.coordinator.ExecuteApproved(ctx, now)
	if err != nil {
		return err
	}
	e.addActive(executed)
	return nil
}

// runResearch runs the research pipeline when the configured interval
// has elapsed since the last pass.
func (e *Engine) runResearch(ctx context.Context, now time.Time) error {
	e.mu.RLock()
	last := e.state.LastResearchAt
	e.mu.RUnlock()

	if now.Sub(last) < e.cfg.Phases.ResearchInterval {
		return nil
	}

	drafted, err := e.research.Run(ctx)
	if err != nil {
		return err
	}

	e.mu.Lock()
	e.state.LastResearchAt = now
	e.mu.Unlock()

	if drafted > 0 {
		e.log.Info().Int("drafted", drafted).Msg("Research pass complete")
	}
	return nil
}

// restore loads the persisted session, reinstates the risk state and
// rolls the day over if the snapshot belongs to a previous day.
func (e *Engine) restore(ctx context.Context) {
	now := e.now()
	today := tradingDay(now, e.loc)

	e.mu.Lock()
	e.state.SessionID = e.cfg.SessionID
	e.state.TradingDay = today
	e.mu.Unlock()

	saved, err := e.states.Load(e.cfg.SessionID)
	if err != nil {
		e.log.Error().Err(err).Msg("Failed to load session state, starting fresh")
		e.rebuildActive(nil)
		return
	}
	if saved == nil {
		e.rebuildActive(nil)
		return
	}

	e.governor.Restore(saved.Risk)
	e.rebuildActive(saved.ActiveSymbols)
	e.mu.Lock()
	e.state.LastResearchAt = saved.LastResearchAt
	e.state.PendingCandidates = saved.PendingCandidates
	e.mu.Unlock()

	if saved.TradingDay != today {
		// Daily counters belong to a previous day; session-level risk
		// state (peak, losses, breaker) survives
		e.rollover(ctx, today)
		return
	}

	e.log.Info().
		Str("trading_day", saved.TradingDay).
		Str("phase", saved.Phase).
		Msg("Session state restored")
}

// rollover starts a new trading day: per-day counters reset while peak
// equity, the consecutive-loss streak and an unexpired breaker carry
// over.
func (e *Engine) rollover(ctx context.Context, day string) {
	dayStart := e.governor.Snapshot().PeakEquity
	if account, err := e.trading.GetAccount(ctx); err == nil {
		dayStart = account.Equity
	}

	e.governor.Rollover(dayStart)
	e.coordinator.ResetDaily()

	e.mu.Lock()
	e.state.TradingDay = day
	e.mu.Unlock()

	e.log.Info().Str("trading_day", day).Msg("Trading day rolled over")
}

// persist writes the current session snapshot. Failures are logged and
// retried implicitly on the next iteration.
func (e *Engine) persist() {
	pending, err := e.coordinator.PendingCandidateIDs()
	if err != nil {
		e.log.Warn().Err(err).Msg("Pending candidates unavailable, snapshot keeps the previous set")
	}

	e.mu.Lock()
	e.state.Risk = e.governor.Snapshot()
	e.state.ActiveSymbols = sortedKeys(e.activeSymbols)
	if err == nil {
		e.state.PendingCandidates = pending
	}
	snapshot := e.state
	e.mu.Unlock()

	if err := e.states.Save(&snapshot); err != nil {
		e.log.Error().Err(err).Msg("Failed to persist session state")
	}
}

// rebuildActive reconstructs the active-symbol set from the open
// positions on record. The positions table is the ground truth; the
// persisted set is only the fallback when the repository cannot answer.
func (e *Engine) rebuildActive(fallback []string) {
	symbols := fallback
	open, err := e.positions.GetOpen()
	if err != nil {
		e.log.Warn().Err(err).Msg("Open positions unavailable, using persisted active set")
	} else {
		symbols = make([]string, 0, len(open))
		for _, p := range open {
			symbols = append(symbols, p.Symbol)
		}
	}

	e.mu.Lock()
	e.activeSymbols = make(map[string]bool, len(symbols))
	for _, s := range symbols {
		e.activeSymbols[s] = true
	}
	e.mu.Unlock()
}

func sortedKeys(set map[string]bool) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (e *Engine) setPhase(p Phase) {
	e.mu.Lock()
	e.state.Phase = p.String()
	e.mu.Unlock()
}

func (e *Engine) tradingDay() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state.TradingDay
}

func (e *Engine) addActive(symbols []string) {
	if len(symbols) == 0 {
		return
	}
	e.mu.Lock()
	for _, s := range symbols {
		e.activeSymbols[s] = true
	}
	e.mu.Unlock()
}

func (e *Engine) removeActive(symbols []string) {
	if len(symbols) == 0 {
		return
	}
	e.mu.Lock()
	for _, s := range symbols {
		delete(e.activeSymbols, s)
	}
	e.mu.Unlock()
}

// Status reports the engine's current view for the read-only API.
func (e *Engine) Status() (phase, day string, active []string) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	active = make([]string, 0, len(e.activeSymbols))
	for s := range e.activeSymbols {
		active = append(active, s)
	}
	return e.state.Phase, e.state.TradingDay, active
}
