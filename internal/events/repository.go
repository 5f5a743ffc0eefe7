// Package events stores and retrieves market events.
package events

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/okastakis/skopos/internal/domain"
)

// eventsColumns is the list of columns for the events table.
// Column order must match scanEvent expectations.
const eventsColumns = `id, symbol, headline, event_type, importance, source, processed, thesis_id, occurred_at, created_at`

// Repository handles market event database operations
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new event repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "events").Logger(),
	}
}

// Create inserts a new market event. An empty ID is assigned a UUID.
func (r *Repository) Create(event *domain.MarketEvent) error {
	if event.Symbol == "" {
		return fmt.Errorf("failed to create event: no symbol")
	}
	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO events
		(id, symbol, headline, event_type, importance, source, processed, thesis_id, occurred_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.Exec(query,
		event.ID,
		strings.ToUpper(strings.TrimSpace(event.Symbol)),
		event.Headline,
		event.EventType,
		string(event.Importance),
		nullString(event.Source),
		boolToInt(event.Processed),
		nullString(event.ThesisID),
		event.OccurredAt.Unix(),
		event.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create event: %w", err)
	}

	r.log.Debug().
		Str("symbol", event.Symbol).
		Str("type", event.EventType).
		Str("importance", string(event.Importance)).
		Msg("Event recorded")

	return nil
}

// GetByID retrieves an event by ID. Returns nil when not found.
func (r *Repository) GetByID(id string) (*domain.MarketEvent, error) {
	query := "SELECT " + eventsColumns + " FROM events WHERE id = ?"

	row := r.db.QueryRow(query, id)
	event, err := scanEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get event: %w", err)
	}

	return &event, nil
}

// GetUnprocessed retrieves events that have not yet been handed to
// thesis generation, oldest first.
func (r *Repository) GetUnprocessed(limit int) ([]domain.MarketEvent, error) {
	query := `
		SELECT ` + eventsColumns + ` FROM events
		WHERE processed = 0
		ORDER BY occurred_at ASC
		LIMIT ?
	`

	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get unprocessed events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// GetRecent retrieves the most recent events regardless of processed state.
func (r *Repository) GetRecent(limit int) ([]domain.MarketEvent, error) {
	query := `
		SELECT ` + eventsColumns + ` FROM events
		ORDER BY occurred_at DESC
		LIMIT ?
	`

	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent events: %w", err)
	}
	defer rows.Close()

	return scanEvents(rows)
}

// MarkProcessed flags an event so it is never drafted into a thesis twice.
func (r *Repository) MarkProcessed(id string) error {
	result, err := r.db.Exec("UPDATE events SET processed = 1 WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to mark event processed: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("event %s not found", id)
	}

	return nil
}

// LinkThesis records which thesis an event spawned. A duplicate
// catalyst links to the existing live thesis instead of a new one.
func (r *Repository) LinkThesis(eventID, thesisID string) error {
	result, err := r.db.Exec("UPDATE events SET thesis_id = ? WHERE id = ?", thesisID, eventID)
	if err != nil {
		return fmt.Errorf("failed to link event to thesis: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("event %s not found", eventID)
	}

	return nil
}

// ExistsSimilar checks whether an event with the same symbol and
// headline was already recorded within the lookback window. Used to
// keep repeated scans from duplicating the same catalyst.
func (r *Repository) ExistsSimilar(symbol, headline string, lookback time.Duration) (bool, error) {
	cutoff := time.Now().Add(-lookback).Unix()

	query := `
		SELECT 1 FROM events
		WHERE symbol = ? AND headline = ? AND occurred_at >= ?
		LIMIT 1
	`

	var exists int
	err := r.db.QueryRow(query, strings.ToUpper(symbol), headline, cutoff).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check event existence: %w", err)
	}

	return true, nil
}

// DeleteOlderThan removes processed events older than the cutoff.
// Returns the number of rows deleted.
func (r *Repository) DeleteOlderThan(cutoff time.Time) (int64, error) {
	result, err := r.db.Exec(
		"DELETE FROM events WHERE processed = 1 AND occurred_at < ?",
		cutoff.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old events: %w", err)
	}

	deleted, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}

	return deleted, nil
}

// Helper methods

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEvent(row rowScanner) (domain.MarketEvent, error) {
	var event domain.MarketEvent
	var source, thesisID sql.NullString
	var processed int
	var occurredAt, createdAt int64

	err := row.Scan(
		&event.ID,
		&event.Symbol,
		&event.Headline,
		&event.EventType,
		&event.Importance,
		&source,
		&processed,
		&thesisID,
		&occurredAt,
		&createdAt,
	)
	if err != nil {
		return event, err
	}

	event.Source = source.String
	event.ThesisID = thesisID.String
	event.Processed = processed != 0
	event.OccurredAt = time.Unix(occurredAt, 0).UTC()
	event.CreatedAt = time.Unix(createdAt, 0).UTC()

	return event, nil
}

func scanEvents(rows *sql.Rows) ([]domain.MarketEvent, error) {
	var events []domain.MarketEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
