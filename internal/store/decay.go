package store

import (
	"context"
	"fmt"
	"time"
)

// DecayTarget is the slice of a current entity version the decay pass needs.
type DecayTarget struct {
	VersionID       string
	EntityID        string
	RelevanceScore  float64
	RelevanceAnchor float64
	LastAccessed    time.Time
}

// DecayTargets returns current entity versions last accessed strictly before now.
func (db *DB) DecayTargets(ctx context.Context, now time.Time) ([]DecayTarget, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT version_id, entity_id, relevance_score, relevance_anchor, last_accessed
		FROM entity_versions
		WHERE is_current = 1 AND last_accessed < ?
	`, toMs(now))
	if err != nil {
		return nil, fmt.Errorf("query decay targets: %w", err)
	}
	defer rows.Close()

	var targets []DecayTarget
	for rows.Next() {
		var t DecayTarget
		var lastAccessed int64
		if err := rows.Scan(&t.VersionID, &t.EntityID, &t.RelevanceScore, &t.RelevanceAnchor, &lastAccessed); err != nil {
			return nil, fmt.Errorf("scan decay target: %w", err)
		}
		t.LastAccessed = fromMs(lastAccessed)
		targets = append(targets, t)
	}
	return targets, rows.Err()
}

// ApplyDecay lowers a version's relevance_score to score. The write only lands
// if the row is still current, has not been accessed since the target was
// read, and the new score is actually lower. It reports whether a row changed.
func (db *DB) ApplyDecay(ctx context.Context, t DecayTarget, score float64) (bool, error) {
	res, err := db.ExecContext(ctx, `
		UPDATE entity_versions SET relevance_score = ?
		WHERE version_id = ? AND is_current = 1 AND last_accessed = ? AND relevance_score > ?
	`, score, t.VersionID, toMs(t.LastAccessed), score)
	if err != nil {
		return false, fmt.Errorf("apply decay: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("apply decay: %w", err)
	}
	return n == 1, nil
}

// TouchEntity records an access on a current version: increments
// access_count, moves last_accessed to now, and rebases relevance_anchor to
// the caller-computed effective score. relevance_score itself is untouched.
// Returns ErrConflict if the version stopped being current or was touched
// concurrently since it was read.
func (db *DB) TouchEntity(ctx context.Context, v *EntityVersion, now time.Time, anchor float64) error {
	res, err := db.ExecContext(ctx, `
		UPDATE entity_versions
		SET access_count = access_count + 1, last_accessed = ?, relevance_anchor = ?
		WHERE version_id = ? AND is_current = 1 AND last_accessed = ? AND access_count = ?
	`, toMs(now), anchor, v.VersionID, toMs(v.LastAccessed), v.AccessCount)
	if err != nil {
		return fmt.Errorf("touch entity: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("touch entity: %w", err)
	}
	if n != 1 {
		return ErrConflict
	}
	return nil
}
