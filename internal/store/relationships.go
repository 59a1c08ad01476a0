package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// RelationshipVersion is one row of a relationship's bitemporal history.
type RelationshipVersion struct {
	VersionID        string         `json:"version_id"`
	RelationshipID   string         `json:"relationship_id"`
	FromEntityID     string         `json:"from_entity_id"`
	ToEntityID       string         `json:"to_entity_id"`
	RelationshipType string         `json:"relationship_type"`
	OwnerID          string         `json:"owner_id"`
	Attributes       map[string]any `json:"attributes,omitempty"`
	ValidFrom        time.Time      `json:"valid_from"`
	ValidTo          time.Time      `json:"valid_to"`
	StoredFrom       time.Time      `json:"stored_from"`
	StoredTo         time.Time      `json:"stored_to"`
	IsCurrent        bool           `json:"is_current"`
	SupersededBy     string         `json:"superseded_by,omitempty"`
}

const relationshipColumns = `version_id, relationship_id, from_entity_id, to_entity_id, relationship_type,
	owner_id, attributes, valid_from, valid_to, stored_from, stored_to, is_current, superseded_by`

var relationshipNamespace = uuid.MustParse("6f1c7a52-93d4-4c1e-8c0b-2f7e5d1a9b30")

// RelationshipID derives the stable logical id of the (from, type, to) edge.
func RelationshipID(fromEntityID, relType, toEntityID string) string {
	return uuid.NewSHA1(relationshipNamespace, []byte(fromEntityID+"\x00"+relType+"\x00"+toEntityID)).String()
}

func scanRelationship(row rowScanner) (*RelationshipVersion, error) {
	var r RelationshipVersion
	var attrs string
	var validFrom, validTo, storedFrom, storedTo int64
	var isCurrent int
	var supersededBy sql.NullString
	if err := row.Scan(&r.VersionID, &r.RelationshipID, &r.FromEntityID, &r.ToEntityID, &r.RelationshipType,
		&r.OwnerID, &attrs, &validFrom, &validTo, &storedFrom, &storedTo, &isCurrent, &supersededBy); err != nil {
		return nil, err
	}
	decoded, err := decodeAttributes(attrs)
	if err != nil {
		return nil, err
	}
	r.Attributes = decoded
	r.ValidFrom = fromMs(validFrom)
	r.ValidTo = fromMs(validTo)
	r.StoredFrom = fromMs(storedFrom)
	r.StoredTo = fromMs(storedTo)
	r.IsCurrent = isCurrent != 0
	r.SupersededBy = supersededBy.String
	return &r, nil
}

func scanRelationships(rows *sql.Rows) ([]RelationshipVersion, error) {
	var out []RelationshipVersion
	for rows.Next() {
		r, err := scanRelationship(rows)
		if err != nil {
			return nil, fmt.Errorf("scan relationship version: %w", err)
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

// GetCurrentRelationship returns the single current version of a relationship.
func (db *DB) GetCurrentRelationship(ctx context.Context, relationshipID string) (*RelationshipVersion, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT `+relationshipColumns+` FROM relationship_versions WHERE relationship_id = ? AND is_current = 1`,
		relationshipID)
	if err != nil {
		return nil, fmt.Errorf("get current relationship: %w", err)
	}
	defer rows.Close()

	versions, err := scanRelationships(rows)
	if err != nil {
		return nil, fmt.Errorf("get current relationship: %w", err)
	}
	switch len(versions) {
	case 0:
		return nil, ErrNotFound
	case 1:
		return &versions[0], nil
	default:
		return nil, &InvariantViolation{Table: "relationship_versions", ID: relationshipID, Current: len(versions)}
	}
}

// GetRelationshipAsOf is the bitemporal point query for a single relationship.
func (db *DB) GetRelationshipAsOf(ctx context.Context, relationshipID string, validAt, storedAt time.Time) (*RelationshipVersion, error) {
	r, err := scanRelationship(db.QueryRowContext(ctx, `
		SELECT `+relationshipColumns+` FROM relationship_versions
		WHERE relationship_id = ?
		  AND valid_from <= ? AND valid_to > ?
		  AND stored_from <= ? AND stored_to > ?
		ORDER BY stored_from DESC, version_id DESC
		LIMIT 1
	`, relationshipID, toMs(validAt), toMs(validAt), toMs(storedAt), toMs(storedAt)))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get relationship as of: %w", err)
	}
	return r, nil
}

// RelationshipsFrom returns, per relationship id, the version leaving
// fromEntityID that was believed true at validAt as of storedAt. An empty
// relType matches every type.
func (db *DB) RelationshipsFrom(ctx context.Context, fromEntityID, relType string, validAt, storedAt time.Time) ([]RelationshipVersion, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+relationshipColumns+` FROM relationship_versions
		WHERE from_entity_id = ?
		  AND (? = '' OR relationship_type = ?)
		  AND valid_from <= ? AND valid_to > ?
		  AND stored_from <= ? AND stored_to > ?
		ORDER BY relationship_id, stored_from DESC, version_id DESC
	`, fromEntityID, relType, relType, toMs(validAt), toMs(validAt), toMs(storedAt), toMs(storedAt))
	if err != nil {
		return nil, fmt.Errorf("relationships from: %w", err)
	}
	defer rows.Close()

	all, err := scanRelationships(rows)
	if err != nil {
		return nil, err
	}

	// Keep the latest-stored candidate per relationship id.
	var out []RelationshipVersion
	seen := make(map[string]bool, len(all))
	for _, r := range all {
		if seen[r.RelationshipID] {
			continue
		}
		seen[r.RelationshipID] = true
		out = append(out, r)
	}
	return out, nil
}

// RelationshipHistory returns every version of a relationship in transaction-time order.
func (db *DB) RelationshipHistory(ctx context.Context, relationshipID string) ([]RelationshipVersion, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT `+relationshipColumns+` FROM relationship_versions
		WHERE relationship_id = ?
		ORDER BY stored_from, version_id
	`, relationshipID)
	if err != nil {
		return nil, fmt.Errorf("relationship history: %w", err)
	}
	defer rows.Close()
	return scanRelationships(rows)
}

// SupersedeRelationship is the conditional write behind every relationship
// mutation. Semantics match SupersedeEntity.
func (db *DB) SupersedeRelationship(ctx context.Context, expectedVersionID string, closeValidTo time.Time, next *RelationshipVersion) error {
	attrs, err := EncodeAttributes(next.Attributes)
	if err != nil {
		return err
	}

	return db.inTx(ctx, func(tx *sql.Tx) error {
		if err := checkSingleCurrent(ctx, tx, "relationship_versions", "relationship_id", next.RelationshipID); err != nil {
			return err
		}

		if expectedVersionID != "" {
			if err := closeVersion(ctx, tx, "relationship_versions", "relationship_id", next.RelationshipID,
				expectedVersionID, closeValidTo, next.StoredFrom, next.VersionID); err != nil {
				return err
			}
		}

		_, err := tx.ExecContext(ctx, `
			INSERT INTO relationship_versions (`+relationshipColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, NULL)
		`, next.VersionID, next.RelationshipID, next.FromEntityID, next.ToEntityID, next.RelationshipType,
			next.OwnerID, attrs, toMs(next.ValidFrom), toMs(next.ValidTo), toMs(next.StoredFrom), toMs(next.StoredTo))
		if err != nil {
			if isUniqueViolation(err) {
				return ErrConflict
			}
			return fmt.Errorf("insert relationship version: %w", err)
		}
		next.IsCurrent = true
		return nil
	})
}
