package cli

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/lazypower/chronicle/internal/config"
	"github.com/lazypower/chronicle/internal/engine"
	"github.com/lazypower/chronicle/internal/store"
)

const sampleImport = `
owner_id: u1
entities:
  - entity_id: person-ada
    entity_type: person
    name: Ada
    attributes:
      city: London
    valid_from: 2026-01-01T00:00:00Z
    recorded_at: 2026-01-01T00:00:00Z
  - entity_id: org-acme
    entity_type: org
    name: Acme
    valid_from: 2026-01-01T00:00:00Z
    recorded_at: 2026-01-01T00:00:00Z
relationships:
  - from: person-ada
    type: works at
    to: org-acme
    valid_from: 2026-01-02T00:00:00Z
    recorded_at: 2026-01-02T00:00:00Z
preferences:
  - key: work_time
    value: mornings
    confidence: 0.7
    valid_from: 2026-01-01T00:00:00Z
    recorded_at: 2026-01-01T00:00:00Z
events:
  - event_id: call-1
    type: call
    subject: person-mom
    time: 2026-03-02T09:00:00Z
  - event_id: call-2
    type: call
    subject: person-mom
    time: 2026-03-09T09:00:00Z
  - event_id: call-3
    type: call
    subject: person-mom
    time: 2026-03-16T09:00:00Z
items:
  - name: Milk
    category: Dairy
    completed:
      - 2026-03-15T10:00:00Z
      - 2026-03-01T10:00:00Z
      - 2026-03-08T10:00:00Z
  - name: Bread
    category: Bakery
    added_at: 2026-03-20T10:00:00Z
`

func testEngine(t *testing.T) *engine.Engine {
	t.Helper()
	db, err := store.OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return engine.New(db, slog.New(slog.NewTextHandler(io.Discard, nil)), engine.Options{})
}

func TestParseImport(t *testing.T) {
	doc, err := parseImport(strings.NewReader(sampleImport))
	if err != nil {
		t.Fatalf("parseImport: %v", err)
	}
	if doc.OwnerID != "u1" {
		t.Errorf("OwnerID = %q, want u1", doc.OwnerID)
	}
	if len(doc.Entities) != 2 || len(doc.Relationships) != 1 || len(doc.Preferences) != 1 ||
		len(doc.Events) != 3 || len(doc.Items) != 2 {
		t.Fatalf("unexpected section sizes: %+v", doc)
	}
	if doc.Entities[0].Attributes["city"] != "London" {
		t.Errorf("attributes = %v", doc.Entities[0].Attributes)
	}
	want := time.Date(2026, 1, 2, 0, 0, 0, 0, time.UTC)
	if !doc.Relationships[0].RecordedAt.Equal(want) {
		t.Errorf("RecordedAt = %v, want %v", doc.Relationships[0].RecordedAt, want)
	}
	if len(doc.Items[0].Completed) != 3 {
		t.Errorf("completed = %v", doc.Items[0].Completed)
	}
}

func TestParseImportRejectsUnknownFields(t *testing.T) {
	_, err := parseImport(strings.NewReader("entities:\n  - entity_id: x\n    colour: red\n"))
	if err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestParseImportEmpty(t *testing.T) {
	doc, err := parseImport(strings.NewReader(""))
	if err != nil {
		t.Fatalf("parseImport: %v", err)
	}
	if len(doc.Entities) != 0 {
		t.Errorf("entities = %v, want none", doc.Entities)
	}
}

func TestApplyImport(t *testing.T) {
	eng := testEngine(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 21, 0, 0, 0, 0, time.UTC)

	doc, err := parseImport(strings.NewReader(sampleImport))
	if err != nil {
		t.Fatalf("parseImport: %v", err)
	}
	r, err := applyImport(ctx, eng, doc, now)
	if err != nil {
		t.Fatalf("applyImport: %v", err)
	}
	want := importReport{Entities: 2, Relationships: 1, Preferences: 1, Events: 3, Items: 2, Completions: 3}
	if r != want {
		t.Errorf("report = %+v, want %+v", r, want)
	}

	v, err := eng.GetCurrentEntity(ctx, "person-ada")
	if err != nil {
		t.Fatalf("GetCurrentEntity: %v", err)
	}
	if v.OwnerID != "u1" {
		t.Errorf("owner = %q, want document owner u1", v.OwnerID)
	}

	edges, err := eng.Traverse(ctx, "person-ada", "works_at", now, now)
	if err != nil {
		t.Fatalf("Traverse: %v", err)
	}
	if len(edges) != 1 || edges[0].Target == nil || edges[0].Target.Name != "Acme" {
		t.Errorf("edges = %+v", edges)
	}

	p, err := eng.Resolve(ctx, "u1", "work_time", time.Time{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if p.Value != "mornings" {
		t.Errorf("work_time = %q, want mornings", p.Value)
	}

	items, err := eng.Items(ctx, "u1", store.ItemCompleted)
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if len(items) != 1 || items[0].FulfillmentCount != 3 || !items[0].IsRecurring {
		t.Fatalf("completed items = %+v", items)
	}
	if items[0].RecurrenceDays == nil || *items[0].RecurrenceDays != 7 {
		t.Errorf("recurrence = %v, want 7", items[0].RecurrenceDays)
	}

	active, err := eng.Items(ctx, "u1", store.ItemActive)
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if len(active) != 1 || active[0].Name != "Bread" {
		t.Errorf("active items = %+v", active)
	}

	// Importing the same events again only replays them.
	again := &importDoc{OwnerID: "u1", Events: doc.Events}
	r, err = applyImport(ctx, eng, again, now)
	if err != nil {
		t.Fatalf("re-import: %v", err)
	}
	if r.Events != 0 || r.Replayed != 3 {
		t.Errorf("re-import report = %+v", r)
	}
}

func TestApplyImportStopsAtInvalidRecord(t *testing.T) {
	eng := testEngine(t)
	doc := &importDoc{
		OwnerID: "u1",
		Entities: []importEntity{
			{EntityInput: engine.EntityInput{EntityID: "ok", EntityType: "thing", Name: "Fine"}},
			{EntityInput: engine.EntityInput{EntityID: "bad", Name: "No type"}},
		},
	}
	r, err := applyImport(context.Background(), eng, doc, time.Now().UTC())
	if !store.IsValidation(err) {
		t.Fatalf("err = %v, want validation error", err)
	}
	if !strings.Contains(err.Error(), "entities[1] bad") {
		t.Errorf("error %q does not name the failing record", err)
	}
	if r.Entities != 1 {
		t.Errorf("Entities = %d, want 1", r.Entities)
	}
}

func TestPrintPass(t *testing.T) {
	var buf bytes.Buffer
	printPass(&buf, "sweep", engine.PassReport{Examined: 1200, Updated: 3, Failed: 1})
	want := "sweep: 1,200 examined, 3 updated, 1 failed\n"
	if buf.String() != want {
		t.Errorf("printPass = %q, want %q", buf.String(), want)
	}
}

func TestResolveDBPath(t *testing.T) {
	cfgPath := "/from/config.db"
	cfg := config.Default()
	cfg.Database.Path = cfgPath

	t.Setenv("CHRONICLE_DB", "")
	if got, _ := resolveDBPath(&cfg); got != cfgPath {
		t.Errorf("config path = %q, want %q", got, cfgPath)
	}

	t.Setenv("CHRONICLE_DB", "/from/env.db")
	if got, _ := resolveDBPath(&cfg); got != "/from/env.db" {
		t.Errorf("env path = %q", got)
	}

	dbFlag = "/from/flag.db"
	t.Cleanup(func() { dbFlag = "" })
	if got, _ := resolveDBPath(&cfg); got != "/from/flag.db" {
		t.Errorf("flag path = %q", got)
	}
}

func TestVersionCommand(t *testing.T) {
	var buf bytes.Buffer
	versionCmd.SetOut(&buf)
	t.Cleanup(func() { versionCmd.SetOut(nil) })
	versionCmd.Run(versionCmd, nil)
	if !strings.HasPrefix(buf.String(), "chronicle dev (commit: unknown") {
		t.Errorf("version output = %q", buf.String())
	}
}
