package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"time"

	"github.com/lazypower/chronicle/internal/store"
)

// EntityInput is a fact about an entity submitted by a collaborator.
type EntityInput struct {
	EntityID   string         `json:"entity_id" yaml:"entity_id"`
	EntityType string         `json:"entity_type" yaml:"entity_type"`
	Name       string         `json:"name" yaml:"name"`
	OwnerID    string         `json:"owner_id" yaml:"owner_id"`
	Attributes map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	ValidFrom  time.Time      `json:"valid_from,omitempty" yaml:"valid_from,omitempty"`
}

// RelationshipInput is a fact about a directed, typed edge.
type RelationshipInput struct {
	FromEntityID     string         `json:"from_entity_id" yaml:"from"`
	RelationshipType string         `json:"relationship_type" yaml:"type"`
	ToEntityID       string         `json:"to_entity_id" yaml:"to"`
	OwnerID          string         `json:"owner_id" yaml:"owner_id"`
	Attributes       map[string]any `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	ValidFrom        time.Time      `json:"valid_from,omitempty" yaml:"valid_from,omitempty"`
}

// closingValidTo is where the superseded version's valid interval ends.
// A later valid_from ends it there. An equal or earlier one is a correction
// of the same stretch of world time, so the old interval is left as it was
// and only transaction time closes.
func closingValidTo(curFrom, curTo, nextFrom time.Time) time.Time {
	if nextFrom.After(curFrom) && nextFrom.Before(curTo) {
		return nextFrom
	}
	return curTo
}

// UpsertEntity records a fact about an entity and returns the id of the
// version that is current afterwards. Resubmitting unchanged content is a
// no-op that returns the existing version id.
func (e *Engine) UpsertEntity(ctx context.Context, in EntityInput, now time.Time) (string, error) {
	if err := required("entity_id", in.EntityID, "entity_type", in.EntityType, "name", in.Name, "owner_id", in.OwnerID); err != nil {
		return "", err
	}
	now = now.UTC()
	validFrom, err := validFromOr(in.ValidFrom, now)
	if err != nil {
		return "", err
	}
	if err := e.guard("entity_versions", in.EntityID); err != nil {
		return "", err
	}

	var versionID string
	err = e.withRetry(ctx, "upsert entity", func() error {
		cur, err := e.DB.GetCurrentEntity(ctx, in.EntityID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return e.check("entity_versions", in.EntityID, err)
		}

		next := &store.EntityVersion{
			VersionID:       store.NewVersionID(),
			EntityID:        in.EntityID,
			EntityType:      in.EntityType,
			Name:            in.Name,
			OwnerID:         in.OwnerID,
			Attributes:      in.Attributes,
			ValidFrom:       validFrom,
			ValidTo:         store.OpenEnded,
			StoredFrom:      now,
			StoredTo:        store.OpenEnded,
			RelevanceScore:  1,
			RelevanceAnchor: 1,
			LastAccessed:    now,
		}

		if cur == nil {
			if err := e.DB.SupersedeEntity(ctx, "", time.Time{}, next); err != nil {
				return e.check("entity_versions", in.EntityID, err)
			}
			versionID = next.VersionID
			return nil
		}

		if sameEntity(cur, next) {
			versionID = cur.VersionID
			return nil
		}
		if now.Before(cur.StoredFrom) {
			return invalid("stored_from", "%s precedes the current version's stored_from %s",
				now.Format(time.RFC3339), cur.StoredFrom.Format(time.RFC3339))
		}

		// Accrued relevance survives the new version.
		next.RelevanceScore = cur.RelevanceScore
		next.RelevanceAnchor = cur.RelevanceAnchor
		next.LastAccessed = cur.LastAccessed
		next.AccessCount = cur.AccessCount

		if err := e.DB.SupersedeEntity(ctx, cur.VersionID, closingValidTo(cur.ValidFrom, cur.ValidTo, validFrom), next); err != nil {
			return e.check("entity_versions", in.EntityID, err)
		}
		versionID = next.VersionID
		return nil
	})
	if err != nil {
		return "", err
	}
	return versionID, nil
}

func sameEntity(cur, next *store.EntityVersion) bool {
	if cur.EntityType != next.EntityType || cur.Name != next.Name || cur.OwnerID != next.OwnerID {
		return false
	}
	if !cur.ValidFrom.Equal(next.ValidFrom) || !store.IsOpen(cur.ValidTo) {
		return false
	}
	a, errA := store.EncodeAttributes(cur.Attributes)
	b, errB := store.EncodeAttributes(next.Attributes)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(cur.Attributes, next.Attributes)
	}
	return a == b
}

// EndEntity records that an entity stopped being true at validTo. The
// resulting version stays current (it is still the latest belief) but its
// valid interval is closed.
func (e *Engine) EndEntity(ctx context.Context, entityID string, validTo, now time.Time) (string, error) {
	if entityID == "" {
		return "", invalid("entity_id", "required")
	}
	now = now.UTC()
	validTo = validTo.UTC()
	if err := e.guard("entity_versions", entityID); err != nil {
		return "", err
	}

	var versionID string
	err := e.withRetry(ctx, "end entity", func() error {
		cur, err := e.DB.GetCurrentEntity(ctx, entityID)
		if err != nil {
			return e.check("entity_versions", entityID, err)
		}
		if !validTo.After(cur.ValidFrom) {
			return invalid("valid_to", "must be after valid_from %s", cur.ValidFrom.Format(time.RFC3339))
		}
		if !store.IsOpen(cur.ValidTo) && !validTo.Before(cur.ValidTo) {
			versionID = cur.VersionID
			return nil
		}
		if now.Before(cur.StoredFrom) {
			return invalid("stored_from", "%s precedes the current version's stored_from", now.Format(time.RFC3339))
		}

		next := *cur
		next.VersionID = store.NewVersionID()
		next.ValidTo = validTo
		next.StoredFrom = now
		next.StoredTo = store.OpenEnded
		next.SupersededBy = ""
		if err := e.DB.SupersedeEntity(ctx, cur.VersionID, cur.ValidTo, &next); err != nil {
			return e.check("entity_versions", entityID, err)
		}
		versionID = next.VersionID
		return nil
	})
	if err != nil {
		return "", err
	}
	return versionID, nil
}

// GetCurrentEntity returns the current version of an entity.
func (e *Engine) GetCurrentEntity(ctx context.Context, entityID string) (*store.EntityVersion, error) {
	v, err := e.DB.GetCurrentEntity(ctx, entityID)
	return v, e.check("entity_versions", entityID, err)
}

// GetEntityAsOf answers a bitemporal point query. A zero storedAt means
// "as of now".
func (e *Engine) GetEntityAsOf(ctx context.Context, entityID string, validAt, storedAt time.Time) (*store.EntityVersion, error) {
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	return e.DB.GetEntityAsOf(ctx, entityID, validAt, storedAt)
}

// EntityHistory returns every recorded version of an entity.
func (e *Engine) EntityHistory(ctx context.Context, entityID string) ([]store.EntityVersion, error) {
	versions, err := e.DB.EntityHistory(ctx, entityID)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, store.ErrNotFound
	}
	return versions, nil
}

// UpsertRelationship records a fact about an edge. The logical id is derived
// from (from, type, to), so repeated submissions address the same chain.
func (e *Engine) UpsertRelationship(ctx context.Context, in RelationshipInput, now time.Time) (string, error) {
	in.RelationshipType = NormalizeKey(in.RelationshipType)
	if err := required("from_entity_id", in.FromEntityID, "relationship_type", in.RelationshipType,
		"to_entity_id", in.ToEntityID, "owner_id", in.OwnerID); err != nil {
		return "", err
	}
	now = now.UTC()
	validFrom, err := validFromOr(in.ValidFrom, now)
	if err != nil {
		return "", err
	}
	relID := store.RelationshipID(in.FromEntityID, in.RelationshipType, in.ToEntityID)
	if err := e.guard("relationship_versions", relID); err != nil {
		return "", err
	}

	var versionID string
	err = e.withRetry(ctx, "upsert relationship", func() error {
		cur, err := e.DB.GetCurrentRelationship(ctx, relID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return e.check("relationship_versions", relID, err)
		}

		next := &store.RelationshipVersion{
			VersionID:        store.NewVersionID(),
			RelationshipID:   relID,
			FromEntityID:     in.FromEntityID,
			ToEntityID:       in.ToEntityID,
			RelationshipType: in.RelationshipType,
			OwnerID:          in.OwnerID,
			Attributes:       in.Attributes,
			ValidFrom:        validFrom,
			ValidTo:          store.OpenEnded,
			StoredFrom:       now,
			StoredTo:         store.OpenEnded,
		}

		if cur == nil {
			if err := e.DB.SupersedeRelationship(ctx, "", time.Time{}, next); err != nil {
				return e.check("relationship_versions", relID, err)
			}
			versionID = next.VersionID
			return nil
		}

		if sameRelationship(cur, next) {
			versionID = cur.VersionID
			return nil
		}
		if now.Before(cur.StoredFrom) {
			return invalid("stored_from", "%s precedes the current version's stored_from", now.Format(time.RFC3339))
		}
		if err := e.DB.SupersedeRelationship(ctx, cur.VersionID, closingValidTo(cur.ValidFrom, cur.ValidTo, validFrom), next); err != nil {
			return e.check("relationship_versions", relID, err)
		}
		versionID = next.VersionID
		return nil
	})
	if err != nil {
		return "", err
	}
	return versionID, nil
}

func sameRelationship(cur, next *store.RelationshipVersion) bool {
	if cur.OwnerID != next.OwnerID || !cur.ValidFrom.Equal(next.ValidFrom) || !store.IsOpen(cur.ValidTo) {
		return false
	}
	a, errA := store.EncodeAttributes(cur.Attributes)
	b, errB := store.EncodeAttributes(next.Attributes)
	if errA != nil || errB != nil {
		return reflect.DeepEqual(cur.Attributes, next.Attributes)
	}
	return a == b
}

// GetCurrentRelationship returns the current version of the (from, type, to) edge.
func (e *Engine) GetCurrentRelationship(ctx context.Context, from, relType, to string) (*store.RelationshipVersion, error) {
	relType = NormalizeKey(relType)
	relID := store.RelationshipID(from, relType, to)
	v, err := e.DB.GetCurrentRelationship(ctx, relID)
	return v, e.check("relationship_versions", relID, err)
}

// GetRelationshipAsOf answers a bitemporal point query for one edge.
func (e *Engine) GetRelationshipAsOf(ctx context.Context, from, relType, to string, validAt, storedAt time.Time) (*store.RelationshipVersion, error) {
	relType = NormalizeKey(relType)
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	return e.DB.GetRelationshipAsOf(ctx, store.RelationshipID(from, relType, to), validAt, storedAt)
}

// Edge pairs a relationship version with the entity version it points at,
// both resolved at the same bitemporal coordinates.
type Edge struct {
	Relationship store.RelationshipVersion `json:"relationship"`
	Target       *store.EntityVersion      `json:"target,omitempty"`
}

// Traverse returns the outgoing edges of an entity as they stood at
// (validAt, storedAt). An empty relType matches every type. Targets with no
// version at those coordinates are returned with a nil Target.
func (e *Engine) Traverse(ctx context.Context, from, relType string, validAt, storedAt time.Time) ([]Edge, error) {
	if from == "" {
		return nil, invalid("entity_id", "required")
	}
	relType = NormalizeKey(relType)
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}
	if validAt.IsZero() {
		validAt = storedAt
	}
	rels, err := e.DB.RelationshipsFrom(ctx, from, relType, validAt, storedAt)
	if err != nil {
		return nil, err
	}
	edges := make([]Edge, 0, len(rels))
	for _, r := range rels {
		target, err := e.DB.GetEntityAsOf(ctx, r.ToEntityID, validAt, storedAt)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("resolve %s: %w", r.ToEntityID, err)
		}
		edges = append(edges, Edge{Relationship: r, Target: target})
	}
	return edges, nil
}
