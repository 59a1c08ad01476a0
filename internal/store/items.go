package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Item statuses. Transitions only ever leave ItemActive.
const (
	ItemActive    = "active"
	ItemCompleted = "completed"
	ItemExpired   = "expired"
	ItemCancelled = "cancelled"
)

// Item is a perishable tracked entry, e.g. a shopping-list line.
type Item struct {
	ItemID           string     `json:"item_id"`
	OwnerID          string     `json:"owner_id"`
	Name             string     `json:"name"`
	Category         string     `json:"category"`
	AddedAt          time.Time  `json:"added_at"`
	CompletedAt      *time.Time `json:"completed_at,omitempty"`
	ExpiredAt        *time.Time `json:"expired_at,omitempty"`
	IsRecurring      bool       `json:"is_recurring"`
	RecurrenceDays   *float64   `json:"recurrence_days,omitempty"`
	LastFulfilled    *time.Time `json:"last_fulfilled,omitempty"`
	FulfillmentCount int        `json:"fulfillment_count"`
	Urgency          string     `json:"urgency"`
	Status           string     `json:"status"`
	Revision         int        `json:"revision"`
}

const itemColumns = `item_id, owner_id, name, category, added_at, completed_at, expired_at,
	is_recurring, recurrence_days, last_fulfilled, fulfillment_count, urgency, status, revision`

func scanItem(row rowScanner) (*Item, error) {
	var it Item
	var addedAt int64
	var completedAt, expiredAt, lastFulfilled sql.NullInt64
	var recurrence sql.NullFloat64
	var recurring int
	if err := row.Scan(&it.ItemID, &it.OwnerID, &it.Name, &it.Category, &addedAt, &completedAt, &expiredAt,
		&recurring, &recurrence, &lastFulfilled, &it.FulfillmentCount, &it.Urgency, &it.Status, &it.Revision); err != nil {
		return nil, err
	}
	it.AddedAt = fromMs(addedAt)
	it.CompletedAt = fromNullMs(completedAt)
	it.ExpiredAt = fromNullMs(expiredAt)
	it.LastFulfilled = fromNullMs(lastFulfilled)
	it.IsRecurring = recurring != 0
	if recurrence.Valid {
		d := recurrence.Float64
		it.RecurrenceDays = &d
	}
	return &it, nil
}

func scanItems(rows *sql.Rows) ([]Item, error) {
	var out []Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		out = append(out, *it)
	}
	return out, rows.Err()
}

// GetItem returns an item by id.
func (db *DB) GetItem(ctx context.Context, itemID string) (*Item, error) {
	it, err := scanItem(db.QueryRowContext(ctx,
		`SELECT `+itemColumns+` FROM perishable_items WHERE item_id = ?`, itemID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return it, nil
}

// FindItem looks an item up by its natural key. Name and category compare
// case-insensitively.
func (db *DB) FindItem(ctx context.Context, ownerID, name, category string) (*Item, error) {
	it, err := scanItem(db.QueryRowContext(ctx, `
		SELECT `+itemColumns+` FROM perishable_items
		WHERE owner_id = ? AND name = ? AND category = ?
	`, ownerID, name, category))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find item: %w", err)
	}
	return it, nil
}

// InsertItem creates a new active item. A duplicate natural key is reported
// as ErrConflict.
func (db *DB) InsertItem(ctx context.Context, it *Item) error {
	if it.ItemID == "" {
		it.ItemID = newID()
	}
	if it.Urgency == "" {
		it.Urgency = "normal"
	}
	it.Status = ItemActive
	_, err := db.ExecContext(ctx, `
		INSERT INTO perishable_items (`+itemColumns+`)
		VALUES (?, ?, ?, ?, ?, NULL, NULL, ?, ?, ?, ?, ?, 'active', 1)
	`, it.ItemID, it.OwnerID, it.Name, it.Category, toMs(it.AddedAt),
		boolToInt(it.IsRecurring), it.RecurrenceDays, nullMs(it.LastFulfilled), it.FulfillmentCount, it.Urgency)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrConflict
		}
		return fmt.Errorf("insert item: %w", err)
	}
	it.Revision = 1
	return nil
}

// ReactivateItem puts a finished item back on the active list, keeping its
// fulfillment history.
func (db *DB) ReactivateItem(ctx context.Context, it *Item, now time.Time, urgency string) error {
	return db.casItem(ctx, it, `
		UPDATE perishable_items SET status = 'active', added_at = ?, completed_at = NULL,
			expired_at = NULL, urgency = ?, revision = revision + 1
		WHERE item_id = ? AND revision = ? AND status != 'active'
	`, toMs(now), urgency, it.ItemID, it.Revision)
}

// CompleteItem moves an active item to completed and counts the fulfillment.
func (db *DB) CompleteItem(ctx context.Context, it *Item, now time.Time) error {
	return db.casItem(ctx, it, `
		UPDATE perishable_items SET status = 'completed', completed_at = ?, last_fulfilled = ?,
			fulfillment_count = fulfillment_count + 1, revision = revision + 1
		WHERE item_id = ? AND revision = ? AND status = 'active'
	`, toMs(now), toMs(now), it.ItemID, it.Revision)
}

// CancelItem moves an active item to cancelled.
func (db *DB) CancelItem(ctx context.Context, it *Item) error {
	return db.casItem(ctx, it, `
		UPDATE perishable_items SET status = 'cancelled', revision = revision + 1
		WHERE item_id = ? AND revision = ? AND status = 'active'
	`, it.ItemID, it.Revision)
}

// SetItemRecurrence records the inferred replenishment interval.
// A nil interval clears it.
func (db *DB) SetItemRecurrence(ctx context.Context, it *Item, days *float64) error {
	return db.casItem(ctx, it, `
		UPDATE perishable_items SET is_recurring = ?, recurrence_days = ?, revision = revision + 1
		WHERE item_id = ? AND revision = ?
	`, boolToInt(days != nil), days, it.ItemID, it.Revision)
}

func (db *DB) casItem(ctx context.Context, it *Item, query string, args ...any) error {
	res, err := db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update item %s: %w", it.ItemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update item %s: %w", it.ItemID, err)
	}
	if n != 1 {
		return ErrConflict
	}
	return nil
}

// ExpireItem transitions one item to expired if it is still active and was
// added before cutoff. It reports whether the row changed; an item that was
// already expired, completed or cancelled is left alone.
func (db *DB) ExpireItem(ctx context.Context, itemID string, cutoff, now time.Time) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE perishable_items SET status = 'expired', expired_at = ?, revision = revision + 1
		WHERE item_id = ? AND status = 'active' AND added_at < ?
	`, toMs(now), itemID, toMs(cutoff))
	if err != nil {
		return false, fmt.Errorf("expire item %s: %w", itemID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("expire item %s: %w", itemID, err)
	}
	return n == 1, nil
}

// SweepCandidates returns ids of active items added before cutoff.
func (db *DB) SweepCandidates(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT item_id FROM perishable_items
		WHERE status = 'active' AND added_at < ?
		ORDER BY added_at
	`, toMs(cutoff))
	if err != nil {
		return nil, fmt.Errorf("sweep candidates: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan sweep candidate: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListItems returns an owner's items, optionally filtered by status.
func (db *DB) ListItems(ctx context.Context, ownerID, status string) ([]Item, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+itemColumns+` FROM perishable_items
		WHERE owner_id = ? AND (? = '' OR status = ?)
		ORDER BY added_at, item_id
	`, ownerID, status, status)
	if err != nil {
		return nil, fmt.Errorf("list items: %w", err)
	}
	defer rows.Close()
	return scanItems(rows)
}
