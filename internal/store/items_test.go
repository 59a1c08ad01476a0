package store

import (
	"context"
	"errors"
	"testing"
)

func TestInsertAndFindItem(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	it := &Item{OwnerID: "u1", Name: "Milk", Category: "Dairy", AddedAt: day(0)}
	if err := db.InsertItem(ctx, it); err != nil {
		t.Fatalf("InsertItem: %v", err)
	}
	if it.ItemID == "" || it.Status != ItemActive || it.Urgency != "normal" || it.Revision != 1 {
		t.Errorf("inserted = %+v", it)
	}

	dup := &Item{OwnerID: "u1", Name: "milk", Category: "DAIRY", AddedAt: day(1)}
	if err := db.InsertItem(ctx, dup); !errors.Is(err, ErrConflict) {
		t.Errorf("case-folded duplicate err = %v, want ErrConflict", err)
	}
	other := &Item{OwnerID: "u2", Name: "Milk", Category: "Dairy", AddedAt: day(1)}
	if err := db.InsertItem(ctx, other); err != nil {
		t.Errorf("same name for another owner: %v", err)
	}

	found, err := db.FindItem(ctx, "u1", "MILK", "dairy")
	if err != nil {
		t.Fatalf("FindItem: %v", err)
	}
	if found.ItemID != it.ItemID || found.Name != "Milk" {
		t.Errorf("found = %+v", found)
	}
	if _, err := db.FindItem(ctx, "u1", "Eggs", "Dairy"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing item err = %v", err)
	}
}

func TestItemTransitions(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	it := &Item{OwnerID: "u1", Name: "Bread", AddedAt: day(0)}
	db.InsertItem(ctx, it)

	if err := db.CompleteItem(ctx, it, day(2)); err != nil {
		t.Fatalf("CompleteItem: %v", err)
	}
	// The revision read before completing is stale now.
	if err := db.CancelItem(ctx, it); !errors.Is(err, ErrConflict) {
		t.Errorf("cancel with stale revision err = %v", err)
	}

	done, _ := db.GetItem(ctx, it.ItemID)
	if done.Status != ItemCompleted || done.FulfillmentCount != 1 || done.Revision != 2 {
		t.Errorf("completed = %+v", done)
	}
	if done.CompletedAt == nil || !done.CompletedAt.Equal(day(2)) || !done.LastFulfilled.Equal(day(2)) {
		t.Errorf("timestamps = %v %v", done.CompletedAt, done.LastFulfilled)
	}
	// Completed items cannot be completed again.
	if err := db.CompleteItem(ctx, done, day(3)); !errors.Is(err, ErrConflict) {
		t.Errorf("second complete err = %v", err)
	}

	if err := db.ReactivateItem(ctx, done, day(5), "high"); err != nil {
		t.Fatalf("ReactivateItem: %v", err)
	}
	again, _ := db.GetItem(ctx, it.ItemID)
	if again.Status != ItemActive || again.CompletedAt != nil || again.Urgency != "high" || again.FulfillmentCount != 1 {
		t.Errorf("reactivated = %+v", again)
	}
	if !again.AddedAt.Equal(day(5)) {
		t.Errorf("AddedAt = %v, want day 5", again.AddedAt)
	}

	interval := 7.0
	if err := db.SetItemRecurrence(ctx, again, &interval); err != nil {
		t.Fatalf("SetItemRecurrence: %v", err)
	}
	rec, _ := db.GetItem(ctx, it.ItemID)
	if !rec.IsRecurring || rec.RecurrenceDays == nil || *rec.RecurrenceDays != 7 {
		t.Errorf("recurrence = %v %v", rec.IsRecurring, rec.RecurrenceDays)
	}

	if err := db.CancelItem(ctx, rec); err != nil {
		t.Fatalf("CancelItem: %v", err)
	}
	cancelled, _ := db.GetItem(ctx, it.ItemID)
	if cancelled.Status != ItemCancelled {
		t.Errorf("status = %q", cancelled.Status)
	}
}

func TestExpireItem(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	old := &Item{OwnerID: "u1", Name: "Yogurt", AddedAt: day(0)}
	edge := &Item{OwnerID: "u1", Name: "Cheese", AddedAt: day(10)}
	done := &Item{OwnerID: "u1", Name: "Butter", AddedAt: day(0)}
	for _, it := range []*Item{old, edge, done} {
		if err := db.InsertItem(ctx, it); err != nil {
			t.Fatal(err)
		}
	}
	db.CompleteItem(ctx, done, day(1))

	cutoff := day(10)
	ids, err := db.SweepCandidates(ctx, cutoff)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != old.ItemID {
		t.Errorf("candidates = %v, want only the old item", ids)
	}

	changed, err := db.ExpireItem(ctx, old.ItemID, cutoff, day(40))
	if err != nil || !changed {
		t.Fatalf("ExpireItem = %v, %v", changed, err)
	}
	// Second pass is a no-op.
	if changed, _ := db.ExpireItem(ctx, old.ItemID, cutoff, day(41)); changed {
		t.Error("expired item expired again")
	}
	// Added exactly at the cutoff is not past it.
	if changed, _ := db.ExpireItem(ctx, edge.ItemID, cutoff, day(40)); changed {
		t.Error("item at the cutoff was expired")
	}
	if changed, _ := db.ExpireItem(ctx, done.ItemID, cutoff, day(40)); changed {
		t.Error("completed item was expired")
	}

	got, _ := db.GetItem(ctx, old.ItemID)
	if got.Status != ItemExpired || got.ExpiredAt == nil || !got.ExpiredAt.Equal(day(40)) {
		t.Errorf("expired = %+v", got)
	}
}

func TestListItems(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	a := &Item{OwnerID: "u1", Name: "Apples", AddedAt: day(1)}
	b := &Item{OwnerID: "u1", Name: "Bananas", AddedAt: day(0)}
	c := &Item{OwnerID: "u2", Name: "Cherries", AddedAt: day(0)}
	for _, it := range []*Item{a, b, c} {
		db.InsertItem(ctx, it)
	}
	db.CancelItem(ctx, a)

	all, err := db.ListItems(ctx, "u1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 || all[0].Name != "Bananas" {
		t.Errorf("all = %+v, want oldest first", all)
	}
	active, _ := db.ListItems(ctx, "u1", ItemActive)
	if len(active) != 1 || active[0].Name != "Bananas" {
		t.Errorf("active = %+v", active)
	}
}
