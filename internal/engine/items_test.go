package engine

import (
	"context"
	"testing"
	"time"

	"github.com/lazypower/chronicle/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func milk() ItemInput {
	return ItemInput{OwnerID: "u1", Name: "Milk", Category: "Dairy"}
}

func TestWeeklyMilkReplenishment(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	var itemID string
	for _, d := range []float64{0, 7, 14} {
		it, err := e.AddItem(ctx, milk(), day(d))
		require.NoError(t, err)
		if itemID == "" {
			itemID = it.ItemID
		}
		assert.Equal(t, itemID, it.ItemID, "re-adding reuses the item")
		_, err = e.CompleteItem(ctx, it.ItemID, day(d))
		require.NoError(t, err)
	}

	it, err := e.DB.GetItem(ctx, itemID)
	require.NoError(t, err)
	assert.Equal(t, 3, it.FulfillmentCount)
	assert.True(t, it.IsRecurring)
	require.NotNil(t, it.RecurrenceDays)
	assert.InDelta(t, 7.0, *it.RecurrenceDays, 1e-9)

	r, err := e.DetectPatterns(ctx, "u1", day(15))
	require.NoError(t, err)
	assert.Equal(t, 1, r.Promoted)

	patterns, err := e.ActivePatterns(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, patterns, 1)
	p := patterns[0]
	assert.Equal(t, FulfillmentEvent, p.PatternType)
	assert.Equal(t, ItemSubject("dairy", "milk"), p.SubjectEntityID)
	assert.Equal(t, "item", p.SubjectType)
	assert.InDelta(t, 7.0, p.RecurrenceDays, 1e-9)
	assert.GreaterOrEqual(t, p.Confidence, 0.6)
	assert.Equal(t, day(21), p.NextPredicted)
	require.NotNil(t, p.DayOfWeek)
	assert.Equal(t, int(time.Monday), *p.DayOfWeek)

	due, err := e.DueForReplenishment(ctx, "u1", day(20))
	require.NoError(t, err)
	assert.Empty(t, due)
	due, err = e.DueForReplenishment(ctx, "u1", day(21))
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, itemID, due[0].ItemID)
	assert.Equal(t, day(21), due[0].DueAt)
}

func TestSweepExpiresStaleItems(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	stale, err := e.AddItem(ctx, ItemInput{OwnerID: "u1", Name: "Bread", Category: "Bakery"}, day(0))
	require.NoError(t, err)
	done, err := e.AddItem(ctx, ItemInput{OwnerID: "u1", Name: "Eggs", Category: "Dairy"}, day(0))
	require.NoError(t, err)
	_, err = e.CompleteItem(ctx, done.ItemID, day(1))
	require.NoError(t, err)

	r, err := e.Sweep(ctx, day(29), 30)
	require.NoError(t, err)
	assert.Equal(t, 0, r.Updated)
	it, err := e.DB.GetItem(ctx, stale.ItemID)
	require.NoError(t, err)
	assert.Equal(t, store.ItemActive, it.Status)

	r, err = e.Sweep(ctx, day(31), 30)
	require.NoError(t, err)
	assert.Equal(t, 1, r.Updated)
	it, err = e.DB.GetItem(ctx, stale.ItemID)
	require.NoError(t, err)
	assert.Equal(t, store.ItemExpired, it.Status)
	require.NotNil(t, it.ExpiredAt)
	assert.Equal(t, day(31), *it.ExpiredAt)

	// Sweeping again changes nothing.
	r, err = e.Sweep(ctx, day(31), 30)
	require.NoError(t, err)
	assert.Equal(t, PassReport{}, r)

	d, err := e.DB.GetItem(ctx, done.ItemID)
	require.NoError(t, err)
	assert.Equal(t, store.ItemCompleted, d.Status)
}

func TestCompleteItemTransitions(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	it, err := e.AddItem(ctx, milk(), day(0))
	require.NoError(t, err)

	_, err = e.CompleteItem(ctx, it.ItemID, day(1))
	require.NoError(t, err)
	// Replaying the same completion is harmless.
	again, err := e.CompleteItem(ctx, it.ItemID, day(1))
	require.NoError(t, err)
	assert.Equal(t, 1, again.FulfillmentCount)

	events, err := e.DB.SubjectEvents(ctx, "u1", FulfillmentEvent, ItemSubject("Dairy", "Milk"), day(-1))
	require.NoError(t, err)
	assert.Len(t, events, 1)

	_, err = e.CompleteItem(ctx, it.ItemID, day(2))
	assert.True(t, store.IsValidation(err), "got %v", err)

	_, err = e.CompleteItem(ctx, "missing", day(2))
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestAddItemReactivatesCaseInsensitively(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	first, err := e.AddItem(ctx, milk(), day(0))
	require.NoError(t, err)
	_, err = e.CompleteItem(ctx, first.ItemID, day(1))
	require.NoError(t, err)

	again, err := e.AddItem(ctx, ItemInput{OwnerID: "u1", Name: "milk", Category: "dairy", Urgency: "high"}, day(3))
	require.NoError(t, err)
	assert.Equal(t, first.ItemID, again.ItemID)
	assert.Equal(t, store.ItemActive, again.Status)
	assert.Equal(t, "high", again.Urgency)
	assert.Equal(t, 1, again.FulfillmentCount)
	assert.Nil(t, again.CompletedAt)
	assert.Equal(t, day(3), again.AddedAt)

	// Adding an active item again is a no-op.
	same, err := e.AddItem(ctx, milk(), day(4))
	require.NoError(t, err)
	assert.Equal(t, again.Revision, same.Revision)
}

func TestCancelItem(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	it, err := e.AddItem(ctx, milk(), day(0))
	require.NoError(t, err)
	c, err := e.CancelItem(ctx, it.ItemID)
	require.NoError(t, err)
	assert.Equal(t, store.ItemCancelled, c.Status)
	assert.Equal(t, 0, c.FulfillmentCount)

	_, err = e.CompleteItem(ctx, it.ItemID, day(1))
	assert.True(t, store.IsValidation(err))
}

func TestAddItemValidation(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	_, err := e.AddItem(ctx, ItemInput{OwnerID: "u1", Name: " "}, day(0))
	assert.True(t, store.IsValidation(err))
	_, err = e.AddItem(ctx, ItemInput{OwnerID: "u1", Name: "x", Urgency: "asap"}, day(0))
	assert.True(t, store.IsValidation(err))
	_, err = e.Items(ctx, "u1", "lost")
	assert.True(t, store.IsValidation(err))
}

func TestRunJobs(t *testing.T) {
	e := testEngine(t)
	ctx := context.Background()

	_, err := e.UpsertEntity(ctx, person(nil, day(0)), day(0))
	require.NoError(t, err)
	_, err = e.AddItem(ctx, milk(), day(0))
	require.NoError(t, err)
	appendEvents(t, e, "call", "person-mom", day(0), day(7), day(14))

	r, err := e.RunJobs(ctx, day(31))
	require.NoError(t, err)
	assert.Equal(t, 1, r.Decay.Updated)
	assert.Equal(t, 1, r.Sweep.Updated)
	assert.Equal(t, 1, r.Patterns.Promoted)
}
