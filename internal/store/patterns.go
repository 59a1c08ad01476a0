package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Pattern is a scored recurrence prediction mined from the event log.
type Pattern struct {
	PatternID        string    `json:"pattern_id"`
	OwnerID          string    `json:"owner_id"`
	PatternType      string    `json:"pattern_type"`
	SubjectEntityID  string    `json:"subject_entity_id"`
	SubjectType      string    `json:"subject_type,omitempty"`
	RecurrenceDays   float64   `json:"recurrence_days"` // median interval
	MeanIntervalDays float64   `json:"mean_interval_days"`
	Confidence       float64   `json:"confidence"`
	ObservationCount int       `json:"observation_count"`
	DayOfWeek        *int      `json:"day_of_week,omitempty"`
	HourOfDay        *int      `json:"hour_of_day,omitempty"`
	FirstObserved    time.Time `json:"first_observed"`
	LastObserved     time.Time `json:"last_observed"`
	NextPredicted    time.Time `json:"next_predicted"`
	IsActive         bool      `json:"is_active"`
	Revision         int       `json:"revision"`
}

const patternColumns = `pattern_id, owner_id, pattern_type, subject_entity_id, subject_type,
	recurrence_days, mean_interval_days, confidence, observation_count, day_of_week, hour_of_day,
	first_observed, last_observed, next_predicted, is_active, revision`

var patternNamespace = uuid.MustParse("0b9f3e2d-5a61-4f8e-9c27-3d4b8a6e1f05")

// PatternID derives the stable id of the pattern for one event group.
func PatternID(ownerID, patternType, subjectID string) string {
	return uuid.NewSHA1(patternNamespace, []byte(ownerID+"\x00"+patternType+"\x00"+subjectID)).String()
}

func scanPattern(row rowScanner) (*Pattern, error) {
	var p Pattern
	var dow, hour sql.NullInt64
	var first, last, next int64
	var active int
	if err := row.Scan(&p.PatternID, &p.OwnerID, &p.PatternType, &p.SubjectEntityID, &p.SubjectType,
		&p.RecurrenceDays, &p.MeanIntervalDays, &p.Confidence, &p.ObservationCount, &dow, &hour,
		&first, &last, &next, &active, &p.Revision); err != nil {
		return nil, err
	}
	if dow.Valid {
		d := int(dow.Int64)
		p.DayOfWeek = &d
	}
	if hour.Valid {
		h := int(hour.Int64)
		p.HourOfDay = &h
	}
	p.FirstObserved = fromMs(first)
	p.LastObserved = fromMs(last)
	p.NextPredicted = fromMs(next)
	p.IsActive = active != 0
	return &p, nil
}

func nullInt(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

// GetPattern returns a pattern by id.
func (db *DB) GetPattern(ctx context.Context, patternID string) (*Pattern, error) {
	p, err := scanPattern(db.QueryRowContext(ctx,
		`SELECT `+patternColumns+` FROM recurring_patterns WHERE pattern_id = ?`, patternID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pattern: %w", err)
	}
	return p, nil
}

// SavePattern inserts p when expectedRevision is 0, otherwise updates it only
// if the stored revision still equals expectedRevision. On success p.Revision
// holds the new revision.
func (db *DB) SavePattern(ctx context.Context, p *Pattern, expectedRevision int) error {
	if expectedRevision == 0 {
		_, err := db.ExecContext(ctx, `
			INSERT INTO recurring_patterns (`+patternColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1)
		`, p.PatternID, p.OwnerID, p.PatternType, p.SubjectEntityID, p.SubjectType,
			p.RecurrenceDays, p.MeanIntervalDays, p.Confidence, p.ObservationCount,
			nullInt(p.DayOfWeek), nullInt(p.HourOfDay),
			toMs(p.FirstObserved), toMs(p.LastObserved), toMs(p.NextPredicted), boolToInt(p.IsActive))
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("insert pattern: %w", err)
		}
		p.Revision = 1
		return nil
	}

	res, err := db.ExecContext(ctx, `
		UPDATE recurring_patterns SET
			subject_type = ?, recurrence_days = ?, mean_interval_days = ?, confidence = ?,
			observation_count = ?, day_of_week = ?, hour_of_day = ?,
			first_observed = ?, last_observed = ?, next_predicted = ?, is_active = ?,
			revision = revision + 1
		WHERE pattern_id = ? AND revision = ?
	`, p.SubjectType, p.RecurrenceDays, p.MeanIntervalDays, p.Confidence,
		p.ObservationCount, nullInt(p.DayOfWeek), nullInt(p.HourOfDay),
		toMs(p.FirstObserved), toMs(p.LastObserved), toMs(p.NextPredicted), boolToInt(p.IsActive),
		p.PatternID, expectedRevision)
	if err != nil {
		return fmt.Errorf("update pattern: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update pattern: %w", err)
	}
	if n != 1 {
		return ErrConflict
	}
	p.Revision = expectedRevision + 1
	return nil
}

// ListPatterns returns an owner's patterns, highest confidence first.
// With activeOnly set, retired patterns are skipped.
func (db *DB) ListPatterns(ctx context.Context, ownerID string, activeOnly bool) ([]Pattern, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+patternColumns+` FROM recurring_patterns
		WHERE owner_id = ? AND (? = 0 OR is_active = 1)
		ORDER BY confidence DESC, pattern_id
	`, ownerID, boolToInt(activeOnly))
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	defer rows.Close()

	var out []Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}
