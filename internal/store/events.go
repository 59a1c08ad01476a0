package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Event is an immutable entry of the append-only event log. The only column
// ever written after insert is RecurringPatternID, once.
type Event struct {
	EventID            string         `json:"event_id"`
	OwnerID            string         `json:"owner_id"`
	EventType          string         `json:"event_type"`
	SubjectEntityID    string         `json:"subject_entity_id"`
	EventTime          time.Time      `json:"event_time"`
	DayOfWeek          int            `json:"day_of_week"`
	HourOfDay          int            `json:"hour_of_day"`
	ContextAttributes  map[string]any `json:"context_attributes,omitempty"`
	RecurringPatternID string         `json:"recurring_pattern_id,omitempty"`
}

const eventColumns = `event_id, owner_id, event_type, subject_entity_id, event_time,
	day_of_week, hour_of_day, context_attributes, recurring_pattern_id`

// AppendEvent inserts an event. Weekday and hour are derived from EventTime in
// UTC. Re-appending an existing event_id is a no-op, so provider syncs can
// replay safely. It reports whether a new row was written.
func (db *DB) AppendEvent(ctx context.Context, e *Event) (bool, error) {
	if e.OwnerID == "" {
		return false, invalid("owner_id", "required")
	}
	if e.EventType == "" {
		return false, invalid("event_type", "required")
	}
	if e.EventTime.IsZero() {
		return false, invalid("event_time", "required")
	}
	if e.EventID == "" {
		e.EventID = newID()
	}
	utc := e.EventTime.UTC()
	e.DayOfWeek = int(utc.Weekday())
	e.HourOfDay = utc.Hour()

	attrs, err := EncodeAttributes(e.ContextAttributes)
	if err != nil {
		return false, err
	}

	res, err := db.ExecContext(ctx, `
		INSERT INTO events (event_id, owner_id, event_type, subject_entity_id, event_time,
			day_of_week, hour_of_day, context_attributes)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`, e.EventID, e.OwnerID, e.EventType, e.SubjectEntityID, toMs(e.EventTime),
		e.DayOfWeek, e.HourOfDay, attrs)
	if err != nil {
		return false, fmt.Errorf("append event: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func scanEvents(rows *sql.Rows) ([]Event, error) {
	var out []Event
	for rows.Next() {
		var e Event
		var eventTime int64
		var attrs string
		var patternID sql.NullString
		if err := rows.Scan(&e.EventID, &e.OwnerID, &e.EventType, &e.SubjectEntityID, &eventTime,
			&e.DayOfWeek, &e.HourOfDay, &attrs, &patternID); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		decoded, err := decodeAttributes(attrs)
		if err != nil {
			return nil, err
		}
		e.ContextAttributes = decoded
		e.EventTime = fromMs(eventTime)
		e.RecurringPatternID = patternID.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// EventsInWindow returns an owner's events with since <= event_time <= until,
// oldest first.
func (db *DB) EventsInWindow(ctx context.Context, ownerID string, since, until time.Time) ([]Event, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE owner_id = ? AND event_time >= ? AND event_time <= ?
		ORDER BY event_time, event_id
	`, ownerID, toMs(since), toMs(until))
	if err != nil {
		return nil, fmt.Errorf("events in window: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// SubjectEvents returns one (event_type, subject) group for an owner since the
// given instant, oldest first.
func (db *DB) SubjectEvents(ctx context.Context, ownerID, eventType, subjectID string, since time.Time) ([]Event, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM events
		WHERE owner_id = ? AND event_type = ? AND subject_entity_id = ? AND event_time >= ?
		ORDER BY event_time, event_id
	`, ownerID, eventType, subjectID, toMs(since))
	if err != nil {
		return nil, fmt.Errorf("subject events: %w", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// EventOwners lists owners with at least one event at or after since.
func (db *DB) EventOwners(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT DISTINCT owner_id FROM events WHERE event_time >= ? ORDER BY owner_id
	`, toMs(since))
	if err != nil {
		return nil, fmt.Errorf("event owners: %w", err)
	}
	defer rows.Close()

	var owners []string
	for rows.Next() {
		var o string
		if err := rows.Scan(&o); err != nil {
			return nil, fmt.Errorf("scan owner: %w", err)
		}
		owners = append(owners, o)
	}
	return owners, rows.Err()
}

// ClaimEvents backfills recurring_pattern_id on events that no pattern has
// claimed yet. Already-claimed events are left alone.
func (db *DB) ClaimEvents(ctx context.Context, patternID string, eventIDs []string) (int, error) {
	if len(eventIDs) == 0 {
		return 0, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(eventIDs)), ",")
	args := make([]any, 0, len(eventIDs)+1)
	args = append(args, patternID)
	for _, id := range eventIDs {
		args = append(args, id)
	}

	res, err := db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE events SET recurring_pattern_id = ?
		WHERE event_id IN (%s) AND recurring_pattern_id IS NULL
	`, placeholders), args...)
	if err != nil {
		return 0, fmt.Errorf("claim events: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
