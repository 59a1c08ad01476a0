package store

import (
	"context"
	"errors"
	"testing"
)

func pref(id, value string, validFrom float64, confidence float64) *Preference {
	return &Preference{
		HistoryID:        id,
		OwnerID:          "u1",
		Key:              "diet",
		Value:            value,
		ValidFrom:        day(validFrom),
		ValidTo:          OpenEnded,
		Confidence:       confidence,
		ObservationCount: 1,
		LastObserved:     day(validFrom),
	}
}

func TestReplacePreference(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.ReplacePreference(ctx, "", pref("h1", "vegan", 0, 0.7)); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := db.ReplacePreference(ctx, "", pref("h1b", "omnivore", 1, 0.7)); !errors.Is(err, ErrConflict) {
		t.Errorf("second first-insert err = %v, want ErrConflict", err)
	}
	if err := db.ReplacePreference(ctx, "h1", pref("h2", "vegetarian", 10, 0.7)); err != nil {
		t.Fatalf("replace: %v", err)
	}
	if err := db.ReplacePreference(ctx, "h1", pref("h3", "keto", 12, 0.7)); !errors.Is(err, ErrConflict) {
		t.Errorf("stale replace err = %v, want ErrConflict", err)
	}

	cur, err := db.GetCurrentPreference(ctx, "u1", "diet")
	if err != nil {
		t.Fatalf("GetCurrentPreference: %v", err)
	}
	if cur.HistoryID != "h2" || cur.Value != "vegetarian" {
		t.Errorf("current = %+v", cur)
	}

	history, err := db.PreferenceHistory(ctx, "u1", "diet")
	if err != nil {
		t.Fatal(err)
	}
	if len(history) != 2 {
		t.Fatalf("history len = %d, want 2", len(history))
	}
	if history[0].IsCurrent || !history[0].ValidTo.Equal(day(10)) {
		t.Errorf("closed row = %+v, want valid_to day 10", history[0])
	}

	for _, tt := range []struct {
		at   float64
		want string
	}{
		{5, "vegan"},
		{10, "vegetarian"},
		{40, "vegetarian"},
	} {
		p, err := db.PreferenceAsOf(ctx, "u1", "diet", day(tt.at))
		if err != nil {
			t.Errorf("as of day %v: %v", tt.at, err)
			continue
		}
		if p.Value != tt.want {
			t.Errorf("as of day %v = %q, want %q", tt.at, p.Value, tt.want)
		}
	}
	if _, err := db.PreferenceAsOf(ctx, "u1", "diet", day(-1)); !errors.Is(err, ErrNotFound) {
		t.Errorf("before first observation err = %v, want ErrNotFound", err)
	}
}

func TestReinforcePreference(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	if err := db.ReplacePreference(ctx, "", pref("h1", "vegan", 0, 0.7)); err != nil {
		t.Fatal(err)
	}
	cur, _ := db.GetCurrentPreference(ctx, "u1", "diet")
	if err := db.ReinforcePreference(ctx, cur, 0.8, day(3)); err != nil {
		t.Fatalf("ReinforcePreference: %v", err)
	}
	// The same read cannot reinforce twice.
	if err := db.ReinforcePreference(ctx, cur, 0.8, day(4)); !errors.Is(err, ErrConflict) {
		t.Errorf("stale reinforce err = %v, want ErrConflict", err)
	}

	after, _ := db.GetCurrentPreference(ctx, "u1", "diet")
	if after.ObservationCount != 2 || after.Confidence != 0.8 || !after.LastObserved.Equal(day(3)) {
		t.Errorf("after reinforce = %+v", after)
	}
}

func TestPreferenceAsOfTieBreak(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	// Overlapping historical rows, written around the resolver.
	rows := []struct {
		id, value  string
		validFrom  float64
		confidence float64
	}{
		{"a", "tea", 0, 0.9},
		{"b", "coffee", 5, 0.5},
		{"c", "water", 5, 0.6},
	}
	for _, r := range rows {
		_, err := db.Exec(`
			INSERT INTO preference_history (history_id, owner_id, key, value, valid_from, valid_to,
				confidence, observation_count, last_observed, is_current)
			VALUES (?, 'u1', 'drink', ?, ?, ?, ?, 1, ?, 0)
		`, r.id, r.value, toMs(day(r.validFrom)), toMs(day(20)), r.confidence, toMs(day(r.validFrom)))
		if err != nil {
			t.Fatalf("insert %s: %v", r.id, err)
		}
	}

	p, err := db.PreferenceAsOf(ctx, "u1", "drink", day(6))
	if err != nil {
		t.Fatal(err)
	}
	if p.Value != "water" {
		t.Errorf("as of day 6 = %q, want water (latest start, higher confidence)", p.Value)
	}
	p, _ = db.PreferenceAsOf(ctx, "u1", "drink", day(2))
	if p == nil || p.Value != "tea" {
		t.Errorf("as of day 2 = %+v, want tea", p)
	}

	// Closed rows are not current preferences.
	current, err := db.CurrentPreferences(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(current) != 0 {
		t.Errorf("CurrentPreferences = %+v, want none", current)
	}
}
