package engine

// Relevance decay:
//   - 90-day half-life without access, floor 0.05
//   - score = max(floor, anchor * 0.5^(days since last access / half-life))
//   - anchor is the stored score at the last access; the factor runs from
//     last_accessed, so an access restarts the clock and a pass is
//     idempotent in now
//   - writes only ever lower relevance_score
//   - computed in Go (not SQL) because modernc.org/sqlite lacks pow()

import (
	"context"
	"math"
	"time"
)

// DecayedScore returns the relevance an entity has at now given the anchor
// score it held at lastAccessed.
func DecayedScore(anchor float64, lastAccessed, now time.Time, halfLifeDays, floor float64) float64 {
	if anchor <= floor {
		return anchor
	}
	elapsed := now.Sub(lastAccessed)
	if elapsed <= 0 {
		return anchor
	}
	factor := math.Pow(0.5, elapsed.Hours()/24/halfLifeDays)
	return math.Max(floor, anchor*factor)
}

// RecordAccess notes that an entity was read into a consumer's context. It
// increments access_count and moves last_accessed to now without changing
// relevance_score. The anchor is rebased to the stored score so later
// decay runs from this access.
func (e *Engine) RecordAccess(ctx context.Context, entityID string, now time.Time) error {
	if entityID == "" {
		return invalid("entity_id", "required")
	}
	now = now.UTC()
	if err := e.guard("entity_versions", entityID); err != nil {
		return err
	}
	return e.withRetry(ctx, "record access", func() error {
		cur, err := e.DB.GetCurrentEntity(ctx, entityID)
		if err != nil {
			return e.check("entity_versions", entityID, err)
		}
		at, anchor := now, cur.RelevanceScore
		if !now.After(cur.LastAccessed) {
			// Out-of-order access: count it, keep the clock where it is.
			at, anchor = cur.LastAccessed, cur.RelevanceAnchor
		}
		return e.DB.TouchEntity(ctx, cur, at, anchor)
	})
}

// DecayPass attenuates relevance_score for every current entity version
// last accessed before now. One row's failure is logged and counted; the
// pass carries on.
func (e *Engine) DecayPass(ctx context.Context, now time.Time, halfLifeDays, floor float64) (PassReport, error) {
	var report PassReport
	if halfLifeDays <= 0 {
		return report, invalid("half_life_days", "must be positive, got %g", halfLifeDays)
	}
	if floor < 0 || floor > 1 {
		return report, invalid("floor", "must be within [0, 1], got %g", floor)
	}
	start := time.Now()
	now = now.UTC()

	targets, err := e.DB.DecayTargets(ctx, now)
	if err != nil {
		return report, err
	}

	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Examined++
		score := DecayedScore(t.RelevanceAnchor, t.LastAccessed, now, halfLifeDays, floor)
		if score >= t.RelevanceScore {
			report.Skipped++
			continue
		}
		changed, err := e.DB.ApplyDecay(ctx, t, score)
		if err != nil {
			report.Failed++
			e.Log.WarnContext(ctx, "decay failed", "entity_id", t.EntityID, "version_id", t.VersionID, "error", err)
			continue
		}
		if changed {
			report.Updated++
		} else {
			report.Skipped++
		}
	}

	e.logPass(ctx, "decay", report, time.Since(start))
	return report, nil
}
