package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Preference is one time-bounded observation of an owner's preference key.
type Preference struct {
	HistoryID        string    `json:"history_id"`
	OwnerID          string    `json:"owner_id"`
	Key              string    `json:"key"`
	Value            string    `json:"value"`
	Context          string    `json:"context,omitempty"`
	ValidFrom        time.Time `json:"valid_from"`
	ValidTo          time.Time `json:"valid_to"`
	Confidence       float64   `json:"confidence"`
	ObservationCount int       `json:"observation_count"`
	LastObserved     time.Time `json:"last_observed"`
	IsCurrent        bool      `json:"is_current"`
}

const preferenceColumns = `history_id, owner_id, key, value, context, valid_from, valid_to,
	confidence, observation_count, last_observed, is_current`

func scanPreference(row rowScanner) (*Preference, error) {
	var p Preference
	var prefContext sql.NullString
	var validFrom, validTo, lastObserved int64
	var isCurrent int
	if err := row.Scan(&p.HistoryID, &p.OwnerID, &p.Key, &p.Value, &prefContext, &validFrom, &validTo,
		&p.Confidence, &p.ObservationCount, &lastObserved, &isCurrent); err != nil {
		return nil, err
	}
	p.Context = prefContext.String
	p.ValidFrom = fromMs(validFrom)
	p.ValidTo = fromMs(validTo)
	p.LastObserved = fromMs(lastObserved)
	p.IsCurrent = isCurrent != 0
	return &p, nil
}

func scanPreferences(rows *sql.Rows) ([]Preference, error) {
	var out []Preference
	for rows.Next() {
		p, err := scanPreference(rows)
		if err != nil {
			return nil, fmt.Errorf("scan preference: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// GetCurrentPreference returns the current observation for (owner, key).
func (db *DB) GetCurrentPreference(ctx context.Context, ownerID, key string) (*Preference, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+preferenceColumns+` FROM preference_history
		WHERE owner_id = ? AND key = ? AND is_current = 1
	`, ownerID, key)
	if err != nil {
		return nil, fmt.Errorf("get current preference: %w", err)
	}
	defer rows.Close()

	prefs, err := scanPreferences(rows)
	if err != nil {
		return nil, err
	}
	switch len(prefs) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return &prefs[0], nil
	default:
		return nil, &InvariantViolation{Table: "preference_history", ID: ownerID + "/" + key, Current: len(prefs)}
	}
}

// PreferenceAsOf returns the observation whose validity interval contains
// asOf. Ties go to the most recent valid_from, then the higher confidence.
func (db *DB) PreferenceAsOf(ctx context.Context, ownerID, key string, asOf time.Time) (*Preference, error) {
	p, err := scanPreference(db.QueryRowContext(ctx, `
		SELECT `+preferenceColumns+` FROM preference_history
		WHERE owner_id = ? AND key = ? AND valid_from <= ? AND valid_to > ?
		ORDER BY valid_from DESC, confidence DESC
		LIMIT 1
	`, ownerID, key, toMs(asOf), toMs(asOf)))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("preference as of: %w", err)
	}
	return p, nil
}

// CurrentPreferences returns every current key for an owner.
func (db *DB) CurrentPreferences(ctx context.Context, ownerID string) ([]Preference, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+preferenceColumns+` FROM preference_history
		WHERE owner_id = ? AND valid_to = ? AND is_current = 1
		ORDER BY key
	`, ownerID, openEndedMs)
	if err != nil {
		return nil, fmt.Errorf("current preferences: %w", err)
	}
	defer rows.Close()
	return scanPreferences(rows)
}

// PreferenceHistory returns all observations of a key, oldest first.
func (db *DB) PreferenceHistory(ctx context.Context, ownerID, key string) ([]Preference, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+preferenceColumns+` FROM preference_history
		WHERE owner_id = ? AND key = ?
		ORDER BY valid_from, history_id
	`, ownerID, key)
	if err != nil {
		return nil, fmt.Errorf("preference history: %w", err)
	}
	defer rows.Close()
	return scanPreferences(rows)
}

// ReinforcePreference records a repeated observation of the current value.
// The write is conditional on the observation count read by the caller.
func (db *DB) ReinforcePreference(ctx context.Context, cur *Preference, confidence float64, now time.Time) error {
	res, err := db.ExecContext(ctx, `
		UPDATE preference_history
		SET observation_count = observation_count + 1, confidence = ?, last_observed = ?
		WHERE history_id = ? AND is_current = 1 AND observation_count = ?
	`, confidence, toMs(now), cur.HistoryID, cur.ObservationCount)
	if err != nil {
		return fmt.Errorf("reinforce preference: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("reinforce preference: %w", err)
	}
	if n != 1 {
		return ErrConflict
	}
	return nil
}

// ReplacePreference closes expectedHistoryID at next.ValidFrom (when non-empty)
// and inserts next as the current observation for its key.
func (db *DB) ReplacePreference(ctx context.Context, expectedHistoryID string, next *Preference) error {
	return db.inTx(ctx, func(tx *sql.Tx) error {
		var n int
		if err := tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM preference_history WHERE owner_id = ? AND key = ? AND is_current = 1
		`, next.OwnerID, next.Key).Scan(&n); err != nil {
			return fmt.Errorf("count current preferences: %w", err)
		}
		if n > 1 {
			return &InvariantViolation{Table: "preference_history", ID: next.OwnerID + "/" + next.Key, Current: n}
		}

		if expectedHistoryID != "" {
			res, err := tx.ExecContext(ctx, `
				UPDATE preference_history SET valid_to = ?, is_current = 0
				WHERE history_id = ? AND owner_id = ? AND key = ? AND is_current = 1
			`, toMs(next.ValidFrom), expectedHistoryID, next.OwnerID, next.Key)
			if err != nil {
				return fmt.Errorf("close preference: %w", err)
			}
			if affected, _ := res.RowsAffected(); affected != 1 {
				return ErrConflict
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO preference_history (`+preferenceColumns+`)
			VALUES (?, ?, ?, ?, NULLIF(?, ''), ?, ?, ?, ?, ?, 1)
		`, next.HistoryID, next.OwnerID, next.Key, next.Value, next.Context,
			toMs(next.ValidFrom), toMs(next.ValidTo), next.Confidence, next.ObservationCount, toMs(next.LastObserved))
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("insert preference: %w", err)
		}
		next.IsCurrent = true
		return nil
	})
}
