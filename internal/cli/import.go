package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lazypower/chronicle/internal/engine"
	"github.com/lazypower/chronicle/internal/store"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// importDoc is a bulk fact file. A top-level owner_id fills in every record
// that leaves it out. recorded_at, when set, is the transaction time the fact
// is stored at; otherwise the import time is used.
type importDoc struct {
	OwnerID       string               `yaml:"owner_id"`
	Entities      []importEntity       `yaml:"entities"`
	Relationships []importRelationship `yaml:"relationships"`
	Preferences   []importPreference   `yaml:"preferences"`
	Events        []importEvent        `yaml:"events"`
	Items         []importItem         `yaml:"items"`
}

type importEntity struct {
	engine.EntityInput `yaml:",inline"`
	RecordedAt         time.Time `yaml:"recorded_at"`
}

type importRelationship struct {
	engine.RelationshipInput `yaml:",inline"`
	RecordedAt               time.Time `yaml:"recorded_at"`
}

type importPreference struct {
	engine.Observation `yaml:",inline"`
	RecordedAt         time.Time `yaml:"recorded_at"`
}

type importEvent struct {
	EventID string         `yaml:"event_id"`
	OwnerID string         `yaml:"owner_id"`
	Type    string         `yaml:"type"`
	Subject string         `yaml:"subject"`
	Time    time.Time      `yaml:"time"`
	Context map[string]any `yaml:"context"`
}

// importItem replays an item's shopping history: it is added at added_at and
// completed at each listed time, re-added in between.
type importItem struct {
	engine.ItemInput `yaml:",inline"`
	AddedAt          time.Time   `yaml:"added_at"`
	Completed        []time.Time `yaml:"completed"`
}

type importReport struct {
	Entities      int
	Relationships int
	Preferences   int
	Events        int
	Replayed      int
	Items         int
	Completions   int
}

func parseImport(r io.Reader) (*importDoc, error) {
	var doc importDoc
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return &doc, nil
		}
		return nil, fmt.Errorf("parse import: %w", err)
	}
	return &doc, nil
}

func orNow(t, now time.Time) time.Time {
	if t.IsZero() {
		return now
	}
	return t
}

func orOwner(owner, fallback string) string {
	if owner == "" {
		return fallback
	}
	return owner
}

// applyImport loads the document in dependency order: entities, then the
// edges between them, then preferences, events and items. It stops at the
// first record that fails.
func applyImport(ctx context.Context, eng *engine.Engine, doc *importDoc, now time.Time) (importReport, error) {
	var r importReport

	for i, e := range doc.Entities {
		e.OwnerID = orOwner(e.OwnerID, doc.OwnerID)
		if _, err := eng.UpsertEntity(ctx, e.EntityInput, orNow(e.RecordedAt, now)); err != nil {
			return r, fmt.Errorf("entities[%d] %s: %w", i, e.EntityID, err)
		}
		r.Entities++
	}

	for i, rel := range doc.Relationships {
		rel.OwnerID = orOwner(rel.OwnerID, doc.OwnerID)
		if _, err := eng.UpsertRelationship(ctx, rel.RelationshipInput, orNow(rel.RecordedAt, now)); err != nil {
			return r, fmt.Errorf("relationships[%d]: %w", i, err)
		}
		r.Relationships++
	}

	for i, p := range doc.Preferences {
		p.OwnerID = orOwner(p.OwnerID, doc.OwnerID)
		if _, err := eng.Observe(ctx, p.Observation, orNow(p.RecordedAt, now)); err != nil {
			return r, fmt.Errorf("preferences[%d] %s: %w", i, p.Key, err)
		}
		r.Preferences++
	}

	for i, ev := range doc.Events {
		inserted, err := eng.AppendEvent(ctx, &store.Event{
			EventID:           ev.EventID,
			OwnerID:           orOwner(ev.OwnerID, doc.OwnerID),
			EventType:         ev.Type,
			SubjectEntityID:   ev.Subject,
			EventTime:         ev.Time,
			ContextAttributes: ev.Context,
		})
		if err != nil {
			return r, fmt.Errorf("events[%d]: %w", i, err)
		}
		if inserted {
			r.Events++
		} else {
			r.Replayed++
		}
	}

	for i, it := range doc.Items {
		it.OwnerID = orOwner(it.OwnerID, doc.OwnerID)
		completed := append([]time.Time(nil), it.Completed...)
		sort.Slice(completed, func(a, b int) bool { return completed[a].Before(completed[b]) })

		if len(completed) == 0 {
			if _, err := eng.AddItem(ctx, it.ItemInput, orNow(it.AddedAt, now)); err != nil {
				return r, fmt.Errorf("items[%d] %s: %w", i, it.Name, err)
			}
			r.Items++
			continue
		}
		for j, at := range completed {
			addAt := at
			if j == 0 && !it.AddedAt.IsZero() && it.AddedAt.Before(at) {
				addAt = it.AddedAt
			}
			added, err := eng.AddItem(ctx, it.ItemInput, addAt)
			if err != nil {
				return r, fmt.Errorf("items[%d] %s: %w", i, it.Name, err)
			}
			if _, err := eng.CompleteItem(ctx, added.ItemID, at); err != nil {
				return r, fmt.Errorf("items[%d] %s completion %d: %w", i, it.Name, j, err)
			}
			r.Completions++
		}
		r.Items++
	}

	return r, nil
}

var importCmd = &cobra.Command{
	Use:   "import [file.yaml]",
	Short: "Bulk load entities, relationships, preferences, events and items",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

func runImport(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open import file: %w", err)
	}
	defer f.Close()

	doc, err := parseImport(f)
	if err != nil {
		return err
	}

	return withEngine(cmd, func(ctx context.Context, eng *engine.Engine, out io.Writer) error {
		r, err := applyImport(ctx, eng, doc, time.Now().UTC())
		printImport(out, r)
		return err
	})
}

func printImport(out io.Writer, r importReport) {
	fmt.Fprintf(out, "imported %s entities, %s relationships, %s preferences\n",
		humanize.Comma(int64(r.Entities)), humanize.Comma(int64(r.Relationships)), humanize.Comma(int64(r.Preferences)))
	fmt.Fprintf(out, "imported %s events (%s already present), %s items with %s completions\n",
		humanize.Comma(int64(r.Events)), humanize.Comma(int64(r.Replayed)),
		humanize.Comma(int64(r.Items)), humanize.Comma(int64(r.Completions)))
}
