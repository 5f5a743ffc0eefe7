// Package thesis manages the trade thesis lifecycle.
package thesis

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/okastakis/skopos/internal/domain"
)

// thesesColumns is the list of columns for the theses table.
// Column order must match scanThesis expectations.
const thesesColumns = `id, symbol, direction, catalyst, catalyst_date, horizon, entry_price, target_price, stop_price, confidence, rationale, invalidations, status, approved, source_event_id, review_id, position_id, created_at, updated_at`

// Repository handles thesis database operations
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new thesis repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "thesis").Logger(),
	}
}

// Create inserts a new thesis. An empty ID is assigned a UUID.
func (r *Repository) Create(t *domain.TradeThesis) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("failed to create thesis: %w", err)
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}

	now := time.Now().UTC()
	if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now

	query := `
		INSERT INTO theses
		(id, symbol, direction, catalyst, catalyst_date, horizon, entry_price,
		 target_price, stop_price, confidence, rationale, invalidations, status,
		 approved, source_event_id, review_id, position_id, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.Exec(query,
		t.ID,
		strings.ToUpper(strings.TrimSpace(t.Symbol)),
		string(t.Direction),
		t.Catalyst,
		nullTime(t.CatalystDate),
		string(t.Horizon),
		t.EntryPrice,
		t.TargetPrice,
		t.StopPrice,
		t.Confidence,
		nullString(t.Rationale),
		marshalStrings(t.Invalidations),
		string(t.Status),
		boolToInt(t.Approved),
		nullString(t.SourceEventID),
		nullString(t.ReviewID),
		nullString(t.PositionID),
		t.CreatedAt.Unix(),
		t.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create thesis: %w", err)
	}

	r.log.Info().
		Str("symbol", t.Symbol).
		Str("direction", string(t.Direction)).
		Str("horizon", string(t.Horizon)).
		Msg("Thesis created")

	return nil
}

// Update rewrites the mutable fields of an existing thesis.
func (r *Repository) Update(t *domain.TradeThesis) error {
	if err := t.Validate(); err != nil {
		return fmt.Errorf("failed to update thesis: %w", err)
	}
	t.UpdatedAt = time.Now().UTC()

	query := `
		UPDATE theses
		SET entry_price = ?, target_price = ?, stop_price = ?, confidence = ?,
		    rationale = ?, invalidations = ?, status = ?, approved = ?,
		    review_id = ?, position_id = ?, updated_at = ?
		WHERE id = ?
	`

	result, err := r.db.Exec(query,
		t.EntryPrice,
		t.TargetPrice,
		t.StopPrice,
		t.Confidence,
		nullString(t.Rationale),
		marshalStrings(t.Invalidations),
		string(t.Status),
		boolToInt(t.Approved),
		nullString(t.ReviewID),
		nullString(t.PositionID),
		t.UpdatedAt.Unix(),
		t.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update thesis: %w", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("thesis %s not found", t.ID)
	}

	return nil
}

// GetByID retrieves a thesis by ID. Returns nil when not found.
func (r *Repository) GetByID(id string) (*domain.TradeThesis, error) {
	query := "SELECT " + thesesColumns + " FROM theses WHERE id = ?"

	row := r.db.QueryRow(query, id)
	t, err := scanThesis(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thesis: %w", err)
	}

	return &t, nil
}

// GetByStatus retrieves theses in the given status, oldest first.
func (r *Repository) GetByStatus(status domain.ThesisStatus, limit int) ([]domain.TradeThesis, error) {
	query := `
		SELECT ` + thesesColumns + ` FROM theses
		WHERE status = ?
		ORDER BY created_at ASC
		LIMIT ?
	`

	rows, err := r.db.Query(query, string(status), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get theses by status: %w", err)
	}
	defer rows.Close()

	return scanTheses(rows)
}

// GetApprovedPending retrieves active theses that passed review and
// have not yet been executed, oldest first.
func (r *Repository) GetApprovedPending(limit int) ([]domain.TradeThesis, error) {
	query := `
		SELECT ` + thesesColumns + ` FROM theses
		WHERE status = ? AND approved = 1 AND (position_id IS NULL OR position_id = '')
		ORDER BY created_at ASC
		LIMIT ?
	`

	rows, err := r.db.Query(query, string(domain.ThesisStatusActive), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get approved theses: %w", err)
	}
	defer rows.Close()

	return scanTheses(rows)
}

// GetRecent retrieves the most recent theses regardless of status.
func (r *Repository) GetRecent(limit int) ([]domain.TradeThesis, error) {
	query := `
		SELECT ` + thesesColumns + ` FROM theses
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent theses: %w", err)
	}
	defer rows.Close()

	return scanTheses(rows)
}

// FindLiveByCatalyst returns the non-terminal thesis with the same
// symbol and catalyst description, or nil. Used for deduplication.
func (r *Repository) FindLiveByCatalyst(symbol, catalyst string) (*domain.TradeThesis, error) {
	query := `
		SELECT ` + thesesColumns + ` FROM theses
		WHERE symbol = ? AND catalyst = ?
		  AND status IN (?, ?, ?)
		LIMIT 1
	`

	row := r.db.QueryRow(query,
		strings.ToUpper(strings.TrimSpace(symbol)),
		catalyst,
		string(domain.ThesisStatusDraft),
		string(domain.ThesisStatusActive),
		string(domain.ThesisStatusExecuted),
	)
	t, err := scanThesis(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find thesis by catalyst: %w", err)
	}

	return &t, nil
}

// InvalidateStale marks approved-but-never-executed theses older than
// the cutoff as invalidated so they never linger as entry candidates.
// Returns the number of theses invalidated.
func (r *Repository) InvalidateStale(cutoff time.Time) (int64, error) {
	result, err := r.db.Exec(`
		UPDATE theses SET status = ?, updated_at = ?
		WHERE status IN (?, ?) AND (position_id IS NULL OR position_id = '') AND updated_at < ?
	`,
		string(domain.ThesisStatusInvalidated),
		time.Now().Unix(),
		string(domain.ThesisStatusDraft),
		string(domain.ThesisStatusActive),
		cutoff.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to invalidate stale theses: %w", err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to check rows affected: %w", err)
	}

	return n, nil
}

// CountByStatus returns the number of theses per status.
func (r *Repository) CountByStatus() (map[domain.ThesisStatus]int, error) {
	rows, err := r.db.Query("SELECT status, COUNT(*) FROM theses GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("failed to count theses: %w", err)
	}
	defer rows.Close()

	counts := make(map[domain.ThesisStatus]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan thesis count: %w", err)
		}
		counts[domain.ThesisStatus(status)] = count
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating thesis counts: %w", err)
	}

	return counts, nil
}

// Helper methods

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanThesis(row rowScanner) (domain.TradeThesis, error) {
	var t domain.TradeThesis
	var rationale, invalidations, sourceEventID, reviewID, positionID sql.NullString
	var catalystDate sql.NullInt64
	var approved int
	var createdAt, updatedAt int64

	err := row.Scan(
		&t.ID,
		&t.Symbol,
		&t.Direction,
		&t.Catalyst,
		&catalystDate,
		&t.Horizon,
		&t.EntryPrice,
		&t.TargetPrice,
		&t.StopPrice,
		&t.Confidence,
		&rationale,
		&invalidations,
		&t.Status,
		&approved,
		&sourceEventID,
		&reviewID,
		&positionID,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return t, err
	}

	t.Rationale = rationale.String
	if catalystDate.Valid {
		t.CatalystDate = time.Unix(catalystDate.Int64, 0).UTC()
	}
	t.Invalidations = unmarshalStrings(invalidations.String)
	t.Approved = approved != 0
	t.SourceEventID = sourceEventID.String
	t.ReviewID = reviewID.String
	t.PositionID = positionID.String
	t.CreatedAt = time.Unix(createdAt, 0).UTC()
	t.UpdatedAt = time.Unix(updatedAt, 0).UTC()

	return t, nil
}

func scanTheses(rows *sql.Rows) ([]domain.TradeThesis, error) {
	var theses []domain.TradeThesis
	for rows.Next() {
		t, err := scanThesis(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan thesis: %w", err)
		}
		theses = append(theses, t)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating theses: %w", err)
	}

	return theses, nil
}

func marshalStrings(ss []string) sql.NullString {
	if len(ss) == 0 {
		return sql.NullString{Valid: false}
	}
	data, err := json.Marshal(ss)
	if err != nil {
		return sql.NullString{Valid: false}
	}
	return sql.NullString{String: string(data), Valid: true}
}

func unmarshalStrings(s string) []string {
	if s == "" {
		return nil
	}
	var ss []string
	if err := json.Unmarshal([]byte(s), &ss); err != nil {
		return nil
	}
	return ss
}

func nullTime(t time.Time) sql.NullInt64 {
	if t.IsZero() {
		return sql.NullInt64{Valid: false}
	}
	return sql.NullInt64{Int64: t.Unix(), Valid: true}
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
