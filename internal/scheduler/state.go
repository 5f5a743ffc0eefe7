package scheduler

import (
	"fmt"
	"time"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/okastakis/skopos/internal/risk"
)

// SessionState is everything the engine must remember across a
// restart: the last observed phase, the trading day the counters
// belong to, the symbols with live trades, the approved theses still
// awaiting execution, and the full risk state. It is serialized with
// msgpack and stored as a single blob keyed by session ID.
type SessionState struct {
	SessionID         string     `msgpack:"session_id"`
	Phase             string     `msgpack:"phase"`
	TradingDay        string     `msgpack:"trading_day"` // YYYY-MM-DD, exchange-local
	LastResearchAt    time.Time  `msgpack:"last_research_at"`
	ActiveSymbols     []string   `msgpack:"active_symbols"`
	PendingCandidates []string   `msgpack:"pending_candidates"` // thesis ids
	Risk              risk.State `msgpack:"risk"`
	UpdatedAt         time.Time  `msgpack:"updated_at"`
}

// Encode serializes the state to a msgpack blob.
func (s *SessionState) Encode() ([]byte, error) {
	data, err := msgpack.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode session state: %w", err)
	}
	return data, nil
}

// DecodeSessionState deserializes a msgpack blob back into state.
func DecodeSessionState(data []byte) (*SessionState, error) {
	var s SessionState
	if err := msgpack.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to decode session state: %w", err)
	}
	return &s, nil
}

// tradingDay formats an instant as the exchange-local calendar day.
func tradingDay(t time.Time, loc *time.Location) string {
	return t.In(loc).Format("2006-01-02")
}
