// Package review runs due-diligence review over candidate theses.
package review

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/okastakis/skopos/internal/domain"
)

const reviewsColumns = `id, thesis_id, verdict, confidence, size_fraction, adj_entry, adj_target, adj_stop, conditions, notes, created_at`

// Repository handles review verdict database operations
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a new review repository
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repo", "review").Logger(),
	}
}

// Create inserts a review verdict. Verdicts are written once and never
// updated. An empty ID is assigned a UUID.
func (r *Repository) Create(v *domain.ReviewVerdict) error {
	if v.ThesisID == "" {
		return fmt.Errorf("failed to create review: no thesis id")
	}
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.CreatedAt.IsZero() {
		v.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO reviews
		(id, thesis_id, verdict, confidence, size_fraction, adj_entry,
		 adj_target, adj_stop, conditions, notes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.Exec(query,
		v.ID,
		v.ThesisID,
		string(v.Verdict),
		v.Confidence,
		v.SizeFraction,
		nullFloat64(v.AdjEntry),
		nullFloat64(v.AdjTarget),
		nullFloat64(v.AdjStop),
		marshalStrings(v.Conditions),
		nullString(v.Notes),
		v.CreatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("failed to create review: %w", err)
	}

	return nil
}

// GetLatestForThesis returns the most recent verdict for a thesis.
// Returns nil when the thesis was never reviewed.
func (r *Repository) GetLatestForThesis(thesisID string) (*domain.ReviewVerdict, error) {
	query := `
		SELECT ` + reviewsColumns + ` FROM reviews
		WHERE thesis_id = ?
		ORDER BY created_at DESC
		LIMIT 1
	`

	row := r.db.QueryRow(query, thesisID)
	v, err := scanReview(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get review: %w", err)
	}

	return &v, nil
}

// GetForThesis returns all verdicts for a thesis, newest first.
func (r *Repository) GetForThesis(thesisID string) ([]domain.ReviewVerdict, error) {
	query := `
		SELECT ` + reviewsColumns + ` FROM reviews
		WHERE thesis_id = ?
		ORDER BY created_at DESC
	`

	rows, err := r.db.Query(query, thesisID)
	if err != nil {
		return nil, fmt.Errorf("failed to get reviews: %w", err)
	}
	defer rows.Close()

	var verdicts []domain.ReviewVerdict
	for rows.Next() {
		v, err := scanReview(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan review: %w", err)
		}
		verdicts = append(verdicts, v)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reviews: %w", err)
	}

	return verdicts, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanReview(row rowScanner) (domain.ReviewVerdict, error) {
	var v domain.ReviewVerdict
	var adjEntry, adjTarget, adjStop sql.NullFloat64
	var conditions, notes sql.NullString
	var createdAt int64

	err := row.Scan(
		&v.ID,
		&v.ThesisID,
		&v.Verdict,
		&v.Confidence,
		&v.SizeFraction,
		&adjEntry,
		&adjTarget,
		&adjStop,
		&conditions,
		&notes,
		&createdAt,
	)
	if err != nil {
		return v, err
	}

	v.AdjEntry = adjEntry.Float64
	v.AdjTarget = adjTarget.Float64
	v.AdjStop = adjStop.Float64
	v.Conditions = unmarshalStrings(conditions.String)
	v.Notes = notes.String
	v.CreatedAt = time.Unix(createdAt, 0).UTC()

	return v, nil
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
