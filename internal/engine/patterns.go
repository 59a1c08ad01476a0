package engine

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/lazypower/chronicle/internal/recurrence"
	"github.com/lazypower/chronicle/internal/store"
)

// DetectReport summarises a detection pass.
type DetectReport struct {
	Groups       int `json:"groups"`
	Insufficient int `json:"insufficient"`
	Rejected     int `json:"rejected"`
	BelowCutoff  int `json:"below_threshold"`
	Stale        int `json:"stale"`
	Promoted     int `json:"promoted"`
	Refreshed    int `json:"refreshed"`
	Retired      int `json:"retired"`
	Claimed      int `json:"claimed"`
	Failed       int `json:"failed"`
}

func (r *DetectReport) add(o DetectReport) {
	r.Groups += o.Groups
	r.Insufficient += o.Insufficient
	r.Rejected += o.Rejected
	r.BelowCutoff += o.BelowCutoff
	r.Stale += o.Stale
	r.Promoted += o.Promoted
	r.Refreshed += o.Refreshed
	r.Retired += o.Retired
	r.Claimed += o.Claimed
	r.Failed += o.Failed
}

// AppendEvent adds an event to the log. Replaying an event id is a no-op.
func (e *Engine) AppendEvent(ctx context.Context, ev *store.Event) (bool, error) {
	ev.EventType = NormalizeKey(ev.EventType)
	return e.DB.AppendEvent(ctx, ev)
}

type groupKey struct {
	eventType string
	subject   string
}

func (e *Engine) analysisOptions() recurrence.Options {
	opts := recurrence.DefaultOptions()
	opts.MinObservations = e.Opts.MinObservations
	return opts
}

// DetectPatterns mines an owner's events from the last WindowDays for
// recurring (event_type, subject) groups. Groups scoring above Threshold are
// upserted as patterns and their events claimed. Active patterns whose
// prediction was missed by more than twice the mean interval are retired.
func (e *Engine) DetectPatterns(ctx context.Context, ownerID string, now time.Time) (DetectReport, error) {
	var report DetectReport
	if ownerID == "" {
		return report, invalid("owner_id", "required")
	}
	now = now.UTC()

	events, err := e.DB.EventsInWindow(ctx, ownerID, now.Add(-days(e.Opts.WindowDays)), now)
	if err != nil {
		return report, err
	}

	groups := make(map[groupKey][]store.Event)
	var keys []groupKey
	for _, ev := range events {
		k := groupKey{ev.EventType, ev.SubjectEntityID}
		if _, ok := groups[k]; !ok {
			keys = append(keys, k)
		}
		groups[k] = append(groups[k], ev)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].eventType != keys[j].eventType {
			return keys[i].eventType < keys[j].eventType
		}
		return keys[i].subject < keys[j].subject
	})

	for _, k := range keys {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Groups++
		group := groups[k]

		times := make([]time.Time, len(group))
		for i, ev := range group {
			times[i] = ev.EventTime
		}
		a, err := recurrence.Analyze(times, e.analysisOptions())
		switch {
		case errors.Is(err, recurrence.ErrInsufficient):
			report.Insufficient++
			continue
		case errors.Is(err, recurrence.ErrZeroInterval):
			report.Rejected++
			e.Log.WarnContext(ctx, "rejected event group",
				"owner_id", ownerID, "event_type", k.eventType, "subject", k.subject,
				"error", invalid("event_time", "all %d events share one timestamp", len(group)))
			continue
		case err != nil:
			report.Failed++
			e.Log.WarnContext(ctx, "analyze event group", "event_type", k.eventType, "subject", k.subject, "error", err)
			continue
		}
		if a.Confidence <= e.Opts.Threshold {
			report.BelowCutoff++
			continue
		}
		if overdue(a.NextPredicted, a.MeanDays, now) {
			// Left to retireBroken; a dead cycle is not refreshed.
			report.Stale++
			continue
		}

		p, created, err := e.savePattern(ctx, ownerID, k, group, a)
		if err != nil {
			report.Failed++
			e.Log.WarnContext(ctx, "save pattern failed", "event_type", k.eventType, "subject", k.subject, "error", err)
			continue
		}
		if created {
			report.Promoted++
		} else {
			report.Refreshed++
		}

		ids := make([]string, len(group))
		for i, ev := range group {
			ids[i] = ev.EventID
		}
		n, err := e.DB.ClaimEvents(ctx, p.PatternID, ids)
		if err != nil {
			report.Failed++
			e.Log.WarnContext(ctx, "claim events failed", "pattern_id", p.PatternID, "error", err)
			continue
		}
		report.Claimed += n
	}

	retired, failed := e.retireBroken(ctx, ownerID, now)
	report.Retired += retired
	report.Failed += failed

	e.Log.InfoContext(ctx, "pattern detection",
		"owner_id", ownerID, "groups", report.Groups, "promoted", report.Promoted,
		"refreshed", report.Refreshed, "retired", report.Retired, "failed", report.Failed)
	return report, nil
}

// savePattern upserts the pattern for one group under a compare-and-swap on
// its revision. It reports whether the pattern was new.
func (e *Engine) savePattern(ctx context.Context, ownerID string, k groupKey, group []store.Event, a *recurrence.Analysis) (*store.Pattern, bool, error) {
	id := store.PatternID(ownerID, k.eventType, k.subject)
	var (
		p       *store.Pattern
		created bool
	)
	err := e.withRetry(ctx, "save pattern", func() error {
		existing, err := e.DB.GetPattern(ctx, id)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return err
		}
		expected := 0
		p = &store.Pattern{
			PatternID:       id,
			OwnerID:         ownerID,
			PatternType:     k.eventType,
			SubjectEntityID: k.subject,
			SubjectType:     subjectType(group),
		}
		if existing != nil {
			expected = existing.Revision
			if p.SubjectType == "" {
				p.SubjectType = existing.SubjectType
			}
		}
		p.RecurrenceDays = a.MedianDays
		p.MeanIntervalDays = a.MeanDays
		p.Confidence = a.Confidence
		p.ObservationCount = a.Observations
		p.DayOfWeek = a.DayOfWeek
		p.HourOfDay = a.HourOfDay
		p.FirstObserved = a.First
		p.LastObserved = a.Last
		p.NextPredicted = a.NextPredicted
		p.IsActive = true

		created = existing == nil
		return e.DB.SavePattern(ctx, p, expected)
	})
	return p, created, err
}

// subjectType reads the optional "subject_type" context attribute of the
// latest event that carries one.
func subjectType(group []store.Event) string {
	for i := len(group) - 1; i >= 0; i-- {
		if s, ok := group[i].ContextAttributes["subject_type"].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func (e *Engine) retireBroken(ctx context.Context, ownerID string, now time.Time) (retired, failed int) {
	active, err := e.DB.ListPatterns(ctx, ownerID, true)
	if err != nil {
		e.Log.WarnContext(ctx, "list active patterns", "owner_id", ownerID, "error", err)
		return 0, 1
	}
	for _, p := range active {
		if !Broken(p, now) {
			continue
		}
		err := e.withRetry(ctx, "retire pattern", func() error {
			cur, err := e.DB.GetPattern(ctx, p.PatternID)
			if err != nil {
				return err
			}
			if !cur.IsActive || !Broken(*cur, now) {
				return nil
			}
			cur.IsActive = false
			return e.DB.SavePattern(ctx, cur, cur.Revision)
		})
		if err != nil {
			failed++
			e.Log.WarnContext(ctx, "retire pattern failed", "pattern_id", p.PatternID, "error", err)
			continue
		}
		retired++
		e.Log.InfoContext(ctx, "pattern retired", "pattern_id", p.PatternID, "type", p.PatternType,
			"subject", p.SubjectEntityID, "next_predicted", p.NextPredicted)
	}
	return retired, failed
}

// Broken reports whether a pattern's next predicted occurrence was missed by
// more than twice its mean interval.
func Broken(p store.Pattern, now time.Time) bool {
	return overdue(p.NextPredicted, p.MeanIntervalDays, now)
}

func overdue(next time.Time, meanDays float64, now time.Time) bool {
	return now.Sub(next) > 2*days(meanDays)
}

// DetectAll runs DetectPatterns for every owner with events in the window.
func (e *Engine) DetectAll(ctx context.Context, now time.Time) (DetectReport, error) {
	var total DetectReport
	owners, err := e.DB.EventOwners(ctx, now.Add(-days(e.Opts.WindowDays)))
	if err != nil {
		return total, err
	}
	for _, owner := range owners {
		r, err := e.DetectPatterns(ctx, owner, now)
		if err != nil {
			if ctx.Err() != nil {
				return total, err
			}
			total.Failed++
			e.Log.WarnContext(ctx, "detection failed", "owner_id", owner, "error", err)
			continue
		}
		total.add(r)
	}
	return total, nil
}

// ActivePatterns lists an owner's live patterns, highest confidence first.
func (e *Engine) ActivePatterns(ctx context.Context, ownerID string) ([]store.Pattern, error) {
	if ownerID == "" {
		return nil, invalid("owner_id", "required")
	}
	return e.DB.ListPatterns(ctx, ownerID, true)
}

// Patterns lists every pattern for an owner, retired ones included.
func (e *Engine) Patterns(ctx context.Context, ownerID string) ([]store.Pattern, error) {
	if ownerID == "" {
		return nil, invalid("owner_id", "required")
	}
	return e.DB.ListPatterns(ctx, ownerID, false)
}
