// Package positions stores positions opened from approved theses.
package positions

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

// positionsColumns is the list of columns for the positions table.
// Column order must match scanPosition expectations.
const positionsColumns = `id, thesis_id, symbol, direction, horizon, quantity, entry_price, target_price, stop_price, partial_taken, status, opened_at, closed_at, exit_price, exit_reason, realized_pnl, created_at, updated_at`

// Repository handles position database operations
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new position repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "positions").Logger(),
	}
}

// Create inserts a new position. An empty ID is assigned a UUID.
func (r *Repository) Create(p *domain.Position) error {
	if p.Symbol == "" || p.ThesisID == "" {
		return fmt.Errorf("failed to create position: missing symbol or thesis id")
	}
	if p.Quantity <= 0 {
		return fmt.Errorf("failed to create position: non-positive quantity")
	}
	if p.ID == "" {
		p.ID = uuid.NewString()
	}

	now := time.Now().UTC()
	if p.OpenedAt.IsZero() {
		p.OpenedAt = now
	}
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	if p.Status == "" {
		p.Status = domain.PositionStatusOpen
	}

	query := `
		INSERT INTO positions
		(id, thesis_id, symbol, direction, horizon, quantity, entry_price,
		 target_price, stop_price, partial_taken, status, opened_at, closed_at,
		 exit_price, exit_reason, realized_pnl, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.Exec(query,
		p.ID,
		p.ThesisID,
		strings.ToUpper(strings.TrimSpace(p.Symbol)),
		string(p.Direction),
		string(p.Horizon),
		p.Quantity,
		p.EntryPrice,
		p.TargetPrice,
		p.StopPrice,
		boolToInt(p.PartialTaken),
		string(p.Status),
		p.OpenedAt.Unix(),
		nullTime(p.ClosedAt),
		nullFloat64(p.ExitPrice),
		nullString(p.ExitReason),
		nullFloat64(p.RealizedPnL),
		p.CreatedAt.Unix(),
		p.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create position: %w", err)
	}

	r.log.Info().
		Str("symbol", p.Symbol).
		Str("direction", string(p.Direction)).
		Float64("quantity", p.Quantity).
		Float64("entry", p.EntryPrice).
		Msg("Position opened")

	return nil
}

// GetByID retrieves a position by ID. Returns nil when not found.
func (r *Repository) GetByID(id string) (*domain.Position, error) {
	query := "SELECT " + positionsColumns + " FROM positions WHERE id = ?"

	row := r.db.QueryRow(query, id)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get position: %w", err)
	}

	return &p, nil
}

// GetOpen retrieves all positions that still hold shares (open or
// partially exited), oldest first.
func (r *Repository) GetOpen() ([]domain.Position, error) {
	query := `
		SELECT ` + positionsColumns + ` FROM positions
		WHERE status IN (?, ?)
		ORDER BY opened_at ASC
	`

	rows, err := r.db.Query(query,
		string(domain.PositionStatusOpen),
		string(domain.PositionStatusPartial),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get open positions: %w", err)
	}
	defer rows.Close()

	return scanPositions(rows)
}

// GetRecent retrieves the most recently opened positions regardless of status.
func (r *Repository) GetRecent(limit int) ([]domain.Position, error) {
	query := `
		SELECT ` + positionsColumns + ` FROM positions
		ORDER BY opened_at DESC
		LIMIT ?
	`

	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent positions: %w", err)
	}
	defer rows.Close()

	return scanPositions(rows)
}

// HasOpenForSymbol checks whether the symbol already has a live position.
func (r *Repository) HasOpenForSymbol(symbol string) (bool, error) {
	query := `
		SELECT 1 FROM positions
		WHERE symbol = ? AND status IN (?, ?)
		LIMIT 1
	`

	var exists int
	err := r.db.QueryRow(query,
		strings.ToUpper(strings.TrimSpace(symbol)),
		string(domain.PositionStatusOpen),
		string(domain.PositionStatusPartial),
	).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check open position: %w", err)
	}

	return true, nil
}

// RecordPartialExit reduces the position quantity after a partial
// profit take and marks it so it is never partially exited again.
func (r *Repository) RecordPartialExit(id string, remainingQty, realizedPnL float64) error {
	result, err := r.db.Exec(`
		UPDATE positions
		SET quantity = ?, partial_taken = 1, status = ?,
		    realized_pnl = COALESCE(realized_pnl, 0) + ?, updated_at = ?
		WHERE id = ?
	`,
		remainingQty,
		string(domain.PositionStatusPartial),
		realizedPnL,
		time.Now().Unix(),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to record partial exit: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("position %s not found", id)
	}

	return nil
}

// Close marks a position fully exited with the given price and reason.
func (r *Repository) Close(id string, exitPrice, realizedPnL float64, reason string) error {
	now := time.Now().Unix()

	result, err := r.db.Exec(`
		UPDATE positions
		SET status = ?, exit_price = ?, exit_reason = ?,
		    realized_pnl = COALESCE(realized_pnl, 0) + ?,
		    closed_at = ?, updated_at = ?
		WHERE id = ? AND status != ?
	`,
		string(domain.PositionStatusClosed),
		exitPrice,
		reason,
		realizedPnL,
		now,
		now,
		id,
		string(domain.PositionStatusClosed),
	)
	if err != nil {
		return fmt.Errorf("failed to close position: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("position %s not found or already closed", id)
	}

	r.log.Info().
		Str("position_id", id).
		Float64("exit_price", exitPrice).
		Str("reason", reason).
		Msg("Position closed")

	return nil
}

// CountOpenedToday counts positions opened since midnight in the given location.
func (r *Repository) CountOpenedToday(loc *time.Location) (int, error) {
	now := time.Now().In(loc)
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	var count int
	err := r.db.QueryRow(
		"SELECT COUNT(*) FROM positions WHERE opened_at >= ?",
		startOfDay.Unix(),
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count positions opened today: %w", err)
	}

	return count, nil
}

// Helper methods

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row rowScanner) (domain.Position, error) {
	var p domain.Position
	var exitReason sql.NullString
	var exitPrice, realizedPnL sql.NullFloat64
	var closedAt sql.NullInt64
	var partialTaken int
	var openedAt, createdAt, updatedAt int64

	err := row.Scan(
		&p.ID,
		&p.ThesisID,
		&p.Symbol,
		&p.Direction,
		&p.Horizon,
		&p.Quantity,
		&p.EntryPrice,
		&p.TargetPrice,
		&p.StopPrice,
		&partialTaken,
		&p.Status,
		&openedAt,
		&closedAt,
		&exitPrice,
		&exitReason,
		&realizedPnL,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return p, err
	}

	p.PartialTaken = partialTaken != 0
	p.OpenedAt = time.Unix(openedAt, 0).UTC()
	p.CreatedAt = time.Unix(createdAt, 0).UTC()
	p.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	if closedAt.Valid {
		t := time.Unix(closedAt.Int64, 0).UTC()
		p.ClosedAt = &t
	}
	if exitPrice.Valid {
		p.ExitPrice = exitPrice.Float64
	}
	if exitReason.Valid {
		p.ExitReason = exitReason.String
	}
	if realizedPnL.Valid {
		p.RealizedPnL = realizedPnL.Float64
	}

	return p, nil
}

func scanPositions(rows *sql.Rows) ([]domain.Position, error) {
	var positions []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}

	return positions, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullFloat64(f float64) sql.NullFloat64 {
	if f == 0 {
		return sql.NullFloat64{Valid: false}
	}
	return sql.NullFloat64{Float64: f, Valid: true}
}

func nullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{Valid: false}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
