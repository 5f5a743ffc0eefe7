// Package execution turns approved theses into positions, enforcing
// entry timing, sizing rules and the risk gate.
package execution

import "github.com/okastakis/skopos/internal/domain"

// Outcome classifies an execution attempt.
type Outcome string

const (
	// OutcomeExecuted means an order filled and a position was opened
	OutcomeExecuted Outcome = "EXECUTED"
	// OutcomeSkipped means the attempt was declined by policy; the
	// thesis stays eligible for a later attempt
	OutcomeSkipped Outcome = "SKIPPED"
	// OutcomeFailed means the broker call errored; nothing was opened
	// and no trade counter moved
	OutcomeFailed Outcome = "FAILED"
)

// Result is the explicit outcome of one execution attempt. Skips and
// failures are normal branches, not errors.
type Result struct {
	Outcome    Outcome
	Reason     string
	Fill       *domain.OrderResult
	PositionID string
}

// Executed builds a successful result.
func Executed(fill *domain.OrderResult, positionID string) Result {
	return Result{Outcome: OutcomeExecuted, Fill: fill, PositionID: positionID}
}

// Skipped builds a policy-decline result.
func Skipped(reason string) Result {
	return Result{Outcome: OutcomeSkipped, Reason: reason}
}

// Failed builds a broker-failure result.
func Failed(reason string) Result {
	return Result{Outcome: OutcomeFailed, Reason: reason}
}
