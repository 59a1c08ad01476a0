package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDecayTargetsAndApply(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	old := entityVersion("old", "London", day(0), day(0))
	fresh := entityVersion("fresh", "Paris", day(10), day(10))
	for _, v := range []*EntityVersion{old, fresh} {
		if err := db.SupersedeEntity(ctx, "", time.Time{}, v); err != nil {
			t.Fatal(err)
		}
	}

	targets, err := db.DecayTargets(ctx, day(10))
	if err != nil {
		t.Fatalf("DecayTargets: %v", err)
	}
	if len(targets) != 1 || targets[0].EntityID != "old" {
		t.Fatalf("targets = %+v, want only old", targets)
	}

	tg := targets[0]
	changed, err := db.ApplyDecay(ctx, tg, 0.8)
	if err != nil || !changed {
		t.Fatalf("ApplyDecay = %v, %v", changed, err)
	}
	// Never raises a score.
	changed, err = db.ApplyDecay(ctx, tg, 0.9)
	if err != nil || changed {
		t.Errorf("raising ApplyDecay = %v, %v; want no change", changed, err)
	}
	// Same score again is a no-op.
	changed, _ = db.ApplyDecay(ctx, tg, 0.8)
	if changed {
		t.Error("repeated ApplyDecay changed the row")
	}

	v, _ := db.GetCurrentEntity(ctx, "old")
	if v.RelevanceScore != 0.8 || v.RelevanceAnchor != 1 {
		t.Errorf("score %v anchor %v, want 0.8 and 1", v.RelevanceScore, v.RelevanceAnchor)
	}
}

func TestApplyDecaySkipsTouchedRows(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()

	v := entityVersion("e1", "London", day(0), day(0))
	db.SupersedeEntity(ctx, "", time.Time{}, v)

	targets, _ := db.DecayTargets(ctx, day(5))
	cur, _ := db.GetCurrentEntity(ctx, "e1")
	if err := db.TouchEntity(ctx, cur, day(5), 0.9); err != nil {
		t.Fatalf("TouchEntity: %v", err)
	}

	changed, err := db.ApplyDecay(ctx, targets[0], 0.5)
	if err != nil {
		t.Fatal(err)
	}
	if changed {
		t.Error("decay landed on a row accessed after it was read")
	}

	after, _ := db.GetCurrentEntity(ctx, "e1")
	if after.AccessCount != 1 || !after.LastAccessed.Equal(day(5)) || after.RelevanceAnchor != 0.9 {
		t.Errorf("after touch = %+v", after)
	}
	if after.RelevanceScore != 1 {
		t.Errorf("relevance_score = %v, touch must not change it", after.RelevanceScore)
	}

	// The stale read can no longer touch.
	if err := db.TouchEntity(ctx, cur, day(6), 0.8); !errors.Is(err, ErrConflict) {
		t.Errorf("stale TouchEntity err = %v, want ErrConflict", err)
	}
}
