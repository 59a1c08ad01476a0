package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// EntityVersion is one immutable row of an entity's bitemporal history.
// Only the closing timestamps, the supersession pointer and the decay
// columns ever change after insert.
type EntityVersion struct {
	VersionID       string         `json:"version_id"`
	EntityID        string         `json:"entity_id"`
	EntityType      string         `json:"entity_type"`
	Name            string         `json:"name"`
	OwnerID         string         `json:"owner_id"`
	Attributes      map[string]any `json:"attributes,omitempty"`
	ValidFrom       time.Time      `json:"valid_from"`
	ValidTo         time.Time      `json:"valid_to"`
	StoredFrom      time.Time      `json:"stored_from"`
	StoredTo        time.Time      `json:"stored_to"`
	IsCurrent       bool           `json:"is_current"`
	SupersededBy    string         `json:"superseded_by,omitempty"`
	RelevanceScore  float64        `json:"relevance_score"`
	RelevanceAnchor float64        `json:"relevance_anchor"`
	LastAccessed    time.Time      `json:"last_accessed"`
	AccessCount     int            `json:"access_count"`
}

const entityColumns = `version_id, entity_id, entity_type, name, owner_id, attributes,
	valid_from, valid_to, stored_from, stored_to, is_current, superseded_by,
	relevance_score, relevance_anchor, last_accessed, access_count`

// NewVersionID returns a fresh identifier for a version row.
func NewVersionID() string {
	return newID()
}

// EncodeAttributes renders attributes as canonical JSON (sorted keys), so two
// attribute sets compare equal exactly when their encodings do.
func EncodeAttributes(attrs map[string]any) (string, error) {
	if len(attrs) == 0 {
		return "{}", nil
	}
	b, err := json.Marshal(attrs)
	if err != nil {
		return "", fmt.Errorf("encode attributes: %w", err)
	}
	return string(b), nil
}

func decodeAttributes(s string) (map[string]any, error) {
	attrs := map[string]any{}
	if s == "" || s == "{}" {
		return attrs, nil
	}
	if err := json.Unmarshal([]byte(s), &attrs); err != nil {
		return nil, fmt.Errorf("decode attributes: %w", err)
	}
	return attrs, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntity(row rowScanner) (*EntityVersion, error) {
	var v EntityVersion
	var attrs string
	var validFrom, validTo, storedFrom, storedTo, lastAccessed int64
	var isCurrent int
	var supersededBy sql.NullString
	if err := row.Scan(&v.VersionID, &v.EntityID, &v.EntityType, &v.Name, &v.OwnerID, &attrs,
		&validFrom, &validTo, &storedFrom, &storedTo, &isCurrent, &supersededBy,
		&v.RelevanceScore, &v.RelevanceAnchor, &lastAccessed, &v.AccessCount); err != nil {
		return nil, err
	}
	decoded, err := decodeAttributes(attrs)
	if err != nil {
		return nil, err
	}
	v.Attributes = decoded
	v.ValidFrom = fromMs(validFrom)
	v.ValidTo = fromMs(validTo)
	v.StoredFrom = fromMs(storedFrom)
	v.StoredTo = fromMs(storedTo)
	v.IsCurrent = isCurrent != 0
	v.SupersededBy = supersededBy.String
	v.LastAccessed = fromMs(lastAccessed)
	return &v, nil
}

func scanEntities(rows *sql.Rows) ([]EntityVersion, error) {
	var out []EntityVersion
	for rows.Next() {
		v, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scan entity version: %w", err)
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// GetCurrentEntity returns the single current version of an entity.
// More than one current row is reported as an InvariantViolation rather than
// silently picking one.
func (db *DB) GetCurrentEntity(ctx context.Context, entityID string) (*EntityVersion, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+entityColumns+` FROM entity_versions WHERE entity_id = ? AND is_current = 1`, entityID)
	if err != nil {
		return nil, fmt.Errorf("get current entity: %w", err)
	}
	defer rows.Close()

	versions, err := scanEntities(rows)
	if err != nil {
		return nil, fmt.Errorf("get current entity: %w", err)
	}
	switch len(versions) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return &versions[0], nil
	default:
		return nil, &InvariantViolation{Table: "entity_versions", ID: entityID, Current: len(versions)}
	}
}

// GetEntityVersion returns a specific version row by its id.
func (db *DB) GetEntityVersion(ctx context.Context, versionID string) (*EntityVersion, error) {
	v, err := scanEntity(db.QueryRowContext(ctx,
		`SELECT `+entityColumns+` FROM entity_versions WHERE version_id = ?`, versionID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entity version: %w", err)
	}
	return v, nil
}

// GetEntityAsOf answers "what did we believe was true at validAt, as of what
// we knew at storedAt". Backfilled overlaps resolve to the latest stored_from.
func (db *DB) GetEntityAsOf(ctx context.Context, entityID string, validAt, storedAt time.Time) (*EntityVersion, error) {
	v, err := scanEntity(db.QueryRowContext(ctx, `
		SELECT `+entityColumns+` FROM entity_versions
		WHERE entity_id = ?
		  AND valid_from <= ? AND valid_to > ?
		  AND stored_from <= ? AND stored_to > ?
		ORDER BY stored_from DESC, version_id DESC
		LIMIT 1
	`, entityID, toMs(validAt), toMs(validAt), toMs(storedAt), toMs(storedAt)))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get entity as of: %w", err)
	}
	return v, nil
}

// EntityHistory returns every version of an entity in transaction-time order.
func (db *DB) EntityHistory(ctx context.Context, entityID string) ([]EntityVersion, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+entityColumns+` FROM entity_versions
		WHERE entity_id = ?
		ORDER BY stored_from, version_id
	`, entityID)
	if err != nil {
		return nil, fmt.Errorf("entity history: %w", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

// ListCurrentEntities returns the current versions for an owner whose valid
// interval is still open at the given instant, ordered by relevance.
func (db *DB) ListCurrentEntities(ctx context.Context, ownerID string, at time.Time) ([]EntityVersion, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+entityColumns+` FROM entity_versions
		WHERE owner_id = ? AND valid_to > ? AND is_current = 1
		ORDER BY relevance_score DESC, entity_id
	`, ownerID, toMs(at))
	if err != nil {
		return nil, fmt.Errorf("list current entities: %w", err)
	}
	defer rows.Close()
	return scanEntities(rows)
}

// SupersedeEntity is the conditional write behind every entity mutation.
//
// With an empty expectedVersionID it inserts the first version and fails with
// ErrConflict if some other writer created one meanwhile. Otherwise it closes
// expectedVersionID (valid_to = closeValidTo, stored_to = next.StoredFrom,
// superseded_by = next.VersionID) only if that row is still current, then
// inserts next as the new current version.
func (db *DB) SupersedeEntity(ctx context.Context, expectedVersionID string, closeValidTo time.Time, next *EntityVersion) error {
	attrs, err := EncodeAttributes(next.Attributes)
	if err != nil {
		return err
	}

	return db.inTx(ctx, func(tx *sql.Tx) error {
		if err := checkSingleCurrent(ctx, tx, "entity_versions", "entity_id", next.EntityID); err != nil {
			return err
		}

		if expectedVersionID != "" {
			if err := closeVersion(ctx, tx, "entity_versions", "entity_id", next.EntityID,
				expectedVersionID, closeValidTo, next.StoredFrom, next.VersionID); err != nil {
				return err
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO entity_versions (`+entityColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, NULL, ?, ?, ?, ?)
		`, next.VersionID, next.EntityID, next.EntityType, next.Name, next.OwnerID, attrs,
			toMs(next.ValidFrom), toMs(next.ValidTo), toMs(next.StoredFrom), toMs(next.StoredTo),
			next.RelevanceScore, next.RelevanceAnchor, toMs(next.LastAccessed), next.AccessCount)
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("insert entity version: %w", err)
		}
		next.IsCurrent = true
		return nil
	})
}

// checkSingleCurrent fails with InvariantViolation if more than one row is
// current for the key. The unique partial index makes this unreachable unless
// something wrote around the store.
func checkSingleCurrent(ctx context.Context, tx *sql.Tx, table, keyCol, key string) error {
	var n int
	err := tx.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE %s = ? AND is_current = 1`, table, keyCol), key).Scan(&n)
	if err != nil {
		return fmt.Errorf("count current %s: %w", table, err)
	}
	if n > 1 {
		return &InvariantViolation{Table: table, ID: key, Current: n}
	}
	return nil
}

// closeVersion is the compare-and-swap step shared by the versioned tables.
func closeVersion(ctx context.Context, tx *sql.Tx, table, keyCol, key, versionID string, validTo, storedTo time.Time, successor string) error {
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET valid_to = ?, stored_to = ?, is_current = 0, superseded_by = ?
		WHERE version_id = ? AND %s = ? AND is_current = 1
	`, table, keyCol), toMs(validTo), toMs(storedTo), successor, versionID, key)
	if err != nil {
		return fmt.Errorf("close %s version: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("close %s version: %w", table, err)
	}
	if n != 1 {
		return ErrConflict
	}
	return nil
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
