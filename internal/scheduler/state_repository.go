package scheduler

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// StateRepository persists session state snapshots.
type StateRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewStateRepository creates a new session state repository
func NewStateRepository(db *sql.DB, log zerolog.Logger) *StateRepository {
	return &StateRepository{
		db:  db,
		log: log.With().Str("repo", "session_state").Logger(),
	}
}

// Save upserts the snapshot for the session.
func (r *StateRepository) Save(state *SessionState) error {
	state.UpdatedAt = time.Now().UTC()

	data, err := state.Encode()
	if err != nil {
		return err
	}

	query := `
		INSERT INTO session_state (session_id, snapshot, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			snapshot = excluded.snapshot,
			updated_at = excluded.updated_at
	`

	if _, err := r.db.Exec(query, state.SessionID, data, state.UpdatedAt.Unix()); err != nil {
		return fmt.Errorf("failed to save session state: %w", err)
	}

	return nil
}

// Load retrieves the snapshot for a session. Returns nil when the
// session has never been persisted.
func (r *StateRepository) Load(sessionID string) (*SessionState, error) {
	var data []byte
	err := r.db.QueryRow(
		"SELECT snapshot FROM session_state WHERE session_id = ?",
		sessionID,
	).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load session state: %w", err)
	}

	state, err := DecodeSessionState(data)
	if err != nil {
		// A corrupt snapshot must not brick startup
		r.log.Error().Err(err).Str("session_id", sessionID).Msg("Discarding unreadable session snapshot")
		return nil, nil
	}

	return state, nil
}
