package engine

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/lazypower/chronicle/internal/store"
)

const (
	reinforceRate = 0.1
	maxConfidence = 0.99
)

// Observation is one sighting of an owner's preference.
type Observation struct {
	OwnerID    string    `json:"owner_id" yaml:"owner_id"`
	Key        string    `json:"key" yaml:"key"`
	Value      string    `json:"value" yaml:"value"`
	ValidFrom  time.Time `json:"valid_from" yaml:"valid_from"`
	Confidence float64   `json:"confidence" yaml:"confidence"`
	Context    string    `json:"context,omitempty" yaml:"context,omitempty"`
}

// Reinforce moves confidence a tenth of the way towards 1. It never decreases
// and never exceeds 0.99 through reinforcement alone.
func Reinforce(c float64) float64 {
	next := math.Min(c+(1-c)*reinforceRate, maxConfidence)
	return math.Max(next, c)
}

// Observe folds an observation into the owner's preference history and
// returns the current row afterwards.
//
// The same value as the current one reinforces it. A different value closes
// the current row at the observation's valid_from and starts a new one; that
// valid_from must be strictly after the current row's.
func (e *Engine) Observe(ctx context.Context, obs Observation, now time.Time) (*store.Preference, error) {
	obs.Key = NormalizeKey(obs.Key)
	if err := required("owner_id", obs.OwnerID, "key", obs.Key, "value", obs.Value); err != nil {
		return nil, err
	}
	if !validConfidence(obs.Confidence) {
		return nil, invalid("confidence", "must be within [0, 1], got %g", obs.Confidence)
	}
	now = now.UTC()
	validFrom, err := validFromOr(obs.ValidFrom, now)
	if err != nil {
		return nil, err
	}
	id := obs.OwnerID + "/" + obs.Key
	if err := e.guard("preference_history", id); err != nil {
		return nil, err
	}

	var result *store.Preference
	err = e.withRetry(ctx, "observe preference", func() error {
		cur, err := e.DB.GetCurrentPreference(ctx, obs.OwnerID, obs.Key)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return e.check("preference_history", id, err)
		}

		if cur != nil && cur.Value == obs.Value {
			conf := Reinforce(cur.Confidence)
			if err := e.DB.ReinforcePreference(ctx, cur, conf, now); err != nil {
				return err
			}
			updated := *cur
			updated.Confidence = conf
			updated.ObservationCount++
			updated.LastObserved = now
			result = &updated
			return nil
		}

		expected := ""
		if cur != nil {
			// Closing the current row must leave it a non-empty interval.
			if !validFrom.After(cur.ValidFrom) {
				return invalid("valid_from", "%s does not follow the current value's valid_from %s",
					validFrom.Format(time.RFC3339), cur.ValidFrom.Format(time.RFC3339))
			}
			expected = cur.HistoryID
		}
		next := &store.Preference{
			HistoryID:        store.NewVersionID(),
			OwnerID:          obs.OwnerID,
			Key:              obs.Key,
			Value:            obs.Value,
			Context:          obs.Context,
			ValidFrom:        validFrom,
			ValidTo:          store.OpenEnded,
			Confidence:       obs.Confidence,
			ObservationCount: 1,
			LastObserved:     now,
		}
		if err := e.DB.ReplacePreference(ctx, expected, next); err != nil {
			return e.check("preference_history", id, err)
		}
		result = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Resolve returns the preference value in force at asOf. A zero asOf returns
// the current row. Overlapping rows resolve to the latest valid_from, then the
// higher confidence.
func (e *Engine) Resolve(ctx context.Context, ownerID, key string, asOf time.Time) (*store.Preference, error) {
	key = NormalizeKey(key)
	if err := required("owner_id", ownerID, "key", key); err != nil {
		return nil, err
	}
	if asOf.IsZero() {
		p, err := e.DB.GetCurrentPreference(ctx, ownerID, key)
		return p, e.check("preference_history", ownerID+"/"+key, err)
	}
	return e.DB.PreferenceAsOf(ctx, ownerID, key, asOf.UTC())
}

// CurrentPreferences returns every preference currently in force for an owner.
func (e *Engine) CurrentPreferences(ctx context.Context, ownerID string) ([]store.Preference, error) {
	if ownerID == "" {
		return nil, invalid("owner_id", "required")
	}
	return e.DB.CurrentPreferences(ctx, ownerID)
}

// PreferenceHistory returns every observation row for a key, oldest first.
func (e *Engine) PreferenceHistory(ctx context.Context, ownerID, key string) ([]store.Preference, error) {
	key = NormalizeKey(key)
	if err := required("owner_id", ownerID, "key", key); err != nil {
		return nil, err
	}
	return e.DB.PreferenceHistory(ctx, ownerID, key)
}
