package engine

import (
	"context"
	"errors"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lazypower/chronicle/internal/recurrence"
	"github.com/lazypower/chronicle/internal/store"
)

// FulfillmentEvent is the event type appended when an item is completed.
const FulfillmentEvent = "fulfillment"

var fulfillmentNamespace = uuid.MustParse("9a3d6c1e-27b4-4f0a-b8e5-71c2d04f6a18")

// ItemInput adds an item to an owner's list.
type ItemInput struct {
	OwnerID  string `json:"owner_id" yaml:"owner_id"`
	Name     string `json:"name" yaml:"name"`
	Category string `json:"category" yaml:"category"`
	Urgency  string `json:"urgency,omitempty" yaml:"urgency,omitempty"`
}

// ItemSubject is the subject id fulfillment events carry for an item. It
// depends only on the case-folded natural key, so a re-added item keeps
// feeding the same event group.
func ItemSubject(category, name string) string {
	return "item:" + strings.ToLower(strings.TrimSpace(category)) + "/" + strings.ToLower(strings.TrimSpace(name))
}

func fulfillmentID(itemID string, at time.Time) string {
	return uuid.NewSHA1(fulfillmentNamespace, []byte(itemID+"@"+at.UTC().Format(time.RFC3339Nano))).String()
}

// AddItem puts an item on the active list. An item that is already active is
// returned as is. A completed, expired or cancelled item with the same
// (owner, name, category) is reactivated, keeping its fulfillment history.
func (e *Engine) AddItem(ctx context.Context, in ItemInput, now time.Time) (*store.Item, error) {
	in.Name = strings.TrimSpace(in.Name)
	in.Category = strings.TrimSpace(in.Category)
	if err := required("owner_id", in.OwnerID, "name", in.Name); err != nil {
		return nil, err
	}
	if in.Urgency == "" {
		in.Urgency = "normal"
	}
	if !validUrgency(in.Urgency) {
		return nil, invalid("urgency", "must be low, normal or high, got %q", in.Urgency)
	}
	now = now.UTC()

	var itemID string
	err := e.withRetry(ctx, "add item", func() error {
		existing, err := e.DB.FindItem(ctx, in.OwnerID, in.Name, in.Category)
		if errors.Is(err, store.ErrNotFound) {
			it := &store.Item{OwnerID: in.OwnerID, Name: in.Name, Category: in.Category, AddedAt: now, Urgency: in.Urgency}
			if err := e.DB.InsertItem(ctx, it); err != nil {
				return err
			}
			itemID = it.ItemID
			return nil
		}
		if err != nil {
			return err
		}
		itemID = existing.ItemID
		if existing.Status == store.ItemActive {
			return nil
		}
		return e.DB.ReactivateItem(ctx, existing, now, in.Urgency)
	})
	if err != nil {
		return nil, err
	}
	return e.DB.GetItem(ctx, itemID)
}

// CompleteItem marks an active item fulfilled and appends a fulfillment event
// so the detector learns its replenishment cycle. Repeating the call with the
// same now after a partial failure re-appends the event idempotently.
func (e *Engine) CompleteItem(ctx context.Context, itemID string, now time.Time) (*store.Item, error) {
	if itemID == "" {
		return nil, invalid("item_id", "required")
	}
	now = now.UTC()

	err := e.withRetry(ctx, "complete item", func() error {
		it, err := e.DB.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		if it.Status == store.ItemCompleted && it.CompletedAt != nil && it.CompletedAt.Equal(now.Truncate(time.Millisecond)) {
			return nil
		}
		if it.Status != store.ItemActive {
			return invalid("status", "item %s is %s, not active", itemID, it.Status)
		}
		return e.DB.CompleteItem(ctx, it, now)
	})
	if err != nil {
		return nil, err
	}

	it, err := e.DB.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	ev := &store.Event{
		EventID:           fulfillmentID(it.ItemID, now),
		OwnerID:           it.OwnerID,
		EventType:         FulfillmentEvent,
		SubjectEntityID:   ItemSubject(it.Category, it.Name),
		EventTime:         now,
		ContextAttributes: map[string]any{"item_id": it.ItemID, "subject_type": "item"},
	}
	if _, err := e.DB.AppendEvent(ctx, ev); err != nil {
		return nil, err
	}

	if _, err := e.InferItemRecurrence(ctx, itemID, now); err != nil {
		e.Log.WarnContext(ctx, "infer item recurrence", "item_id", itemID, "error", err)
	}
	return e.DB.GetItem(ctx, itemID)
}

// CancelItem takes an active item off the list without counting it as
// fulfilled.
func (e *Engine) CancelItem(ctx context.Context, itemID string) (*store.Item, error) {
	if itemID == "" {
		return nil, invalid("item_id", "required")
	}
	err := e.withRetry(ctx, "cancel item", func() error {
		it, err := e.DB.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		if it.Status == store.ItemCancelled {
			return nil
		}
		if it.Status != store.ItemActive {
			return invalid("status", "item %s is %s, not active", itemID, it.Status)
		}
		return e.DB.CancelItem(ctx, it)
	})
	if err != nil {
		return nil, err
	}
	return e.DB.GetItem(ctx, itemID)
}

// Sweep expires every active item added more than maxAgeDays before now.
// Items are expired one row at a time; a failure on one is counted and the
// sweep moves on.
func (e *Engine) Sweep(ctx context.Context, now time.Time, maxAgeDays float64) (PassReport, error) {
	var report PassReport
	if maxAgeDays <= 0 {
		return report, invalid("max_age_days", "must be positive, got %g", maxAgeDays)
	}
	start := time.Now()
	now = now.UTC()
	cutoff := now.Add(-days(maxAgeDays))

	ids, err := e.DB.SweepCandidates(ctx, cutoff)
	if err != nil {
		return report, err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Examined++
		changed, err := e.DB.ExpireItem(ctx, id, cutoff, now)
		if err != nil {
			report.Failed++
			e.Log.WarnContext(ctx, "expire item failed", "item_id", id, "error", err)
			continue
		}
		if changed {
			report.Updated++
		} else {
			report.Skipped++
		}
	}

	e.logPass(ctx, "sweep", report, time.Since(start))
	return report, nil
}

// InferItemRecurrence scores the item's fulfillment history and records the
// median interval on the item once confidence clears Threshold. It returns
// nil without error while there are too few fulfillments to judge.
func (e *Engine) InferItemRecurrence(ctx context.Context, itemID string, now time.Time) (*recurrence.Analysis, error) {
	it, err := e.DB.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	events, err := e.DB.SubjectEvents(ctx, it.OwnerID, FulfillmentEvent, ItemSubject(it.Category, it.Name),
		now.UTC().Add(-days(e.Opts.WindowDays)))
	if err != nil {
		return nil, err
	}
	times := make([]time.Time, len(events))
	for i, ev := range events {
		times[i] = ev.EventTime
	}

	a, err := recurrence.Analyze(times, e.analysisOptions())
	switch {
	case errors.Is(err, recurrence.ErrInsufficient):
		return nil, nil
	case errors.Is(err, recurrence.ErrZeroInterval):
		return nil, invalid("fulfillments", "all %d fulfillments share one timestamp", len(times))
	case err != nil:
		return nil, err
	}
	if a.Confidence <= e.Opts.Threshold {
		return a, nil
	}

	interval := a.MedianDays
	err = e.withRetry(ctx, "set item recurrence", func() error {
		cur, err := e.DB.GetItem(ctx, itemID)
		if err != nil {
			return err
		}
		return e.DB.SetItemRecurrence(ctx, cur, &interval)
	})
	return a, err
}

// DueItem is a finished recurring item whose next replenishment has come due.
type DueItem struct {
	store.Item
	DueAt time.Time `json:"due_at"`
}

// DueForReplenishment lists an owner's recurring items that are not on the
// active list and whose last fulfillment plus the recurrence interval is at
// or before now. Most overdue first.
func (e *Engine) DueForReplenishment(ctx context.Context, ownerID string, now time.Time) ([]DueItem, error) {
	if ownerID == "" {
		return nil, invalid("owner_id", "required")
	}
	items, err := e.DB.ListItems(ctx, ownerID, "")
	if err != nil {
		return nil, err
	}
	var due []DueItem
	for _, it := range items {
		if it.Status == store.ItemActive || !it.IsRecurring || it.RecurrenceDays == nil || it.LastFulfilled == nil {
			continue
		}
		at := it.LastFulfilled.Add(days(*it.RecurrenceDays))
		if at.After(now) {
			continue
		}
		due = append(due, DueItem{Item: it, DueAt: at})
	}
	sort.Slice(due, func(i, j int) bool { return due[i].DueAt.Before(due[j].DueAt) })
	return due, nil
}

// Items lists an owner's items, optionally filtered by status.
func (e *Engine) Items(ctx context.Context, ownerID, status string) ([]store.Item, error) {
	if ownerID == "" {
		return nil, invalid("owner_id", "required")
	}
	switch status {
	case "", store.ItemActive, store.ItemCompleted, store.ItemExpired, store.ItemCancelled:
	default:
		return nil, invalid("status", "unknown status %q", status)
	}
	return e.DB.ListItems(ctx, ownerID, status)
}
