package server

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"testing"
)

const personBody = `{"entity_type":"person","name":"Ada","owner_id":"u1","attributes":{"city":"%s"},"valid_from":"%s"}`

func TestEntityLifecycle(t *testing.T) {
	srv, clock := testServer(t)

	w := do(t, srv, "PUT", "/api/entities/person-ada", fmt.Sprintf(personBody, "London", rfc(day(0))))
	if w.Code != http.StatusOK {
		t.Fatalf("PUT status = %d; body: %s", w.Code, w.Body.String())
	}
	first := decodeBody(t, w)["version_id"]

	// Same content again is a no-op.
	clock.now = day(1)
	w = do(t, srv, "PUT", "/api/entities/person-ada", fmt.Sprintf(personBody, "London", rfc(day(0))))
	if got := decodeBody(t, w)["version_id"]; got != first {
		t.Errorf("no-op upsert version_id = %v, want %v", got, first)
	}

	clock.now = day(10)
	w = do(t, srv, "PUT", "/api/entities/person-ada", fmt.Sprintf(personBody, "Paris", rfc(day(10))))
	if w.Code != http.StatusOK {
		t.Fatalf("PUT status = %d; body: %s", w.Code, w.Body.String())
	}

	w = do(t, srv, "GET", "/api/entities/person-ada", "")
	if w.Code != http.StatusOK {
		t.Fatalf("GET status = %d", w.Code)
	}
	cur := decodeBody(t, w)
	if attrs, _ := cur["attributes"].(map[string]any); attrs["city"] != "Paris" {
		t.Errorf("current city = %v, want Paris", cur["attributes"])
	}

	w = do(t, srv, "GET", "/api/entities/person-ada/history", "")
	if got := decodeBody(t, w)["count"]; got != float64(2) {
		t.Errorf("history count = %v, want 2", got)
	}

	q := url.Values{"valid": {rfc(day(5))}, "stored": {rfc(day(5))}}
	w = do(t, srv, "GET", "/api/entities/person-ada/as-of?"+q.Encode(), "")
	if w.Code != http.StatusOK {
		t.Fatalf("as-of status = %d; body: %s", w.Code, w.Body.String())
	}
	if attrs, _ := decodeBody(t, w)["attributes"].(map[string]any); attrs["city"] != "London" {
		t.Errorf("as-of city = %v, want London", attrs["city"])
	}
}

func TestEntityErrors(t *testing.T) {
	srv, _ := testServer(t)

	tests := []struct {
		method, path, body string
		want               int
	}{
		{"GET", "/api/entities/ghost", "", http.StatusNotFound},
		{"GET", "/api/entities/ghost/history", "", http.StatusNotFound},
		{"PUT", "/api/entities/x", `{"name":"no type","owner_id":"u1"}`, http.StatusBadRequest},
		{"PUT", "/api/entities/x", `not json`, http.StatusBadRequest},
		{"GET", "/api/entities/x/as-of?valid=yesterday", "", http.StatusBadRequest},
		{"POST", "/api/entities/ghost/access", "", http.StatusNotFound},
		{"POST", "/api/entities/x/end", `{}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		w := do(t, srv, tt.method, tt.path, tt.body)
		if w.Code != tt.want {
			t.Errorf("%s %s = %d, want %d; body: %s", tt.method, tt.path, w.Code, tt.want, w.Body.String())
		}
	}
}

func TestEndEntity(t *testing.T) {
	srv, clock := testServer(t)

	do(t, srv, "PUT", "/api/entities/job-acme", `{"entity_type":"employer","name":"Acme","owner_id":"u1","valid_from":"`+rfc(day(0))+`"}`)

	clock.now = day(2)
	w := do(t, srv, "POST", "/api/entities/job-acme/end", `{"valid_to":"`+rfc(day(-1))+`"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("end before start status = %d, want 400", w.Code)
	}

	w = do(t, srv, "POST", "/api/entities/job-acme/end", `{"valid_to":"`+rfc(day(1))+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("end status = %d; body: %s", w.Code, w.Body.String())
	}

	w = do(t, srv, "GET", "/api/entities/job-acme", "")
	if got := decodeBody(t, w)["valid_to"]; got != rfc(day(1)) {
		t.Errorf("valid_to = %v, want %s", got, rfc(day(1)))
	}
}

func TestRelationshipTraverse(t *testing.T) {
	srv, clock := testServer(t)

	do(t, srv, "PUT", "/api/entities/person-ada", fmt.Sprintf(personBody, "London", rfc(day(0))))
	do(t, srv, "PUT", "/api/entities/org-acme", `{"entity_type":"org","name":"Acme","owner_id":"u1","valid_from":"`+rfc(day(0))+`"}`)

	clock.now = day(1)
	w := do(t, srv, "PUT", "/api/relationships",
		`{"from_entity_id":"person-ada","relationship_type":"Works At","to_entity_id":"org-acme","owner_id":"u1","valid_from":"`+rfc(day(1))+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("PUT relationship status = %d; body: %s", w.Code, w.Body.String())
	}

	clock.now = day(2)
	w = do(t, srv, "GET", "/api/entities/person-ada/relationships?type=works_at", "")
	if w.Code != http.StatusOK {
		t.Fatalf("traverse status = %d; body: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["count"] != float64(1) {
		t.Fatalf("edge count = %v, want 1", body["count"])
	}
	edge := body["edges"].([]any)[0].(map[string]any)
	target, _ := edge["target"].(map[string]any)
	if target["name"] != "Acme" {
		t.Errorf("target = %v, want Acme", edge["target"])
	}

	// Before the edge existed.
	q := url.Values{"valid": {rfc(day(0.5))}, "stored": {rfc(day(0.5))}}
	w = do(t, srv, "GET", "/api/entities/person-ada/relationships?"+q.Encode(), "")
	if got := decodeBody(t, w)["count"]; got != float64(0) {
		t.Errorf("early edge count = %v, want 0", got)
	}
}

func TestPreferenceResolve(t *testing.T) {
	srv, clock := testServer(t)

	w := do(t, srv, "POST", "/api/owners/u1/preferences/work_time",
		`{"value":"mornings","confidence":0.7,"valid_from":"`+rfc(day(0))+`"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("observe status = %d; body: %s", w.Code, w.Body.String())
	}

	clock.now = day(1)
	do(t, srv, "POST", "/api/owners/u1/preferences/work_time",
		`{"value":"evenings","confidence":0.7,"valid_from":"`+rfc(day(1))+`"}`)

	w = do(t, srv, "GET", "/api/owners/u1/preferences/work_time?as_of="+url.QueryEscape(rfc(day(0.5))), "")
	if got := decodeBody(t, w)["value"]; got != "mornings" {
		t.Errorf("as-of value = %v, want mornings", got)
	}
	w = do(t, srv, "GET", "/api/owners/u1/preferences/work_time", "")
	if got := decodeBody(t, w)["value"]; got != "evenings" {
		t.Errorf("current value = %v, want evenings", got)
	}

	w = do(t, srv, "GET", "/api/owners/u1/preferences/diet", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("unknown key status = %d, want 404", w.Code)
	}
	w = do(t, srv, "POST", "/api/owners/u1/preferences/diet", `{"value":"vegan","confidence":2}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad confidence status = %d, want 400", w.Code)
	}

	w = do(t, srv, "GET", "/api/owners/u1/preferences", "")
	if got := decodeBody(t, w)["count"]; got != float64(1) {
		t.Errorf("preference count = %v, want 1", got)
	}
}

func TestEventsAndPatterns(t *testing.T) {
	srv, clock := testServer(t)

	for i, d := range []float64{0, 7, 14} {
		body := fmt.Sprintf(`{"event_id":"call-%d","owner_id":"u1","event_type":"call","subject_entity_id":"person-mom","event_time":"%s"}`, i, rfc(day(d)))
		w := do(t, srv, "POST", "/api/events", body)
		if w.Code != http.StatusCreated {
			t.Fatalf("event %d status = %d; body: %s", i, w.Code, w.Body.String())
		}
	}

	// Replayed event.
	w := do(t, srv, "POST", "/api/events",
		`{"event_id":"call-0","owner_id":"u1","event_type":"call","subject_entity_id":"person-mom","event_time":"`+rfc(day(0))+`"}`)
	if w.Code != http.StatusOK || decodeBody(t, w)["inserted"] != false {
		t.Errorf("replay status = %d; body: %s", w.Code, w.Body.String())
	}

	w = do(t, srv, "POST", "/api/events", `{"owner_id":"u1","event_type":"call"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("missing event_time status = %d, want 400", w.Code)
	}

	clock.now = day(15)
	w = do(t, srv, "POST", "/api/jobs/patterns", "")
	if w.Code != http.StatusOK {
		t.Fatalf("detect status = %d; body: %s", w.Code, w.Body.String())
	}
	if got := decodeBody(t, w)["promoted"]; got != float64(1) {
		t.Errorf("promoted = %v, want 1", got)
	}

	w = do(t, srv, "GET", "/api/owners/u1/patterns", "")
	body := decodeBody(t, w)
	if body["count"] != float64(1) {
		t.Fatalf("pattern count = %v, want 1", body["count"])
	}
	p := body["patterns"].([]any)[0].(map[string]any)
	if p["recurrence_days"] != float64(7) {
		t.Errorf("recurrence_days = %v, want 7", p["recurrence_days"])
	}
	if p["next_predicted"] != rfc(day(21)) {
		t.Errorf("next_predicted = %v, want %s", p["next_predicted"], rfc(day(21)))
	}
}

func TestItemFlow(t *testing.T) {
	srv, clock := testServer(t)

	w := do(t, srv, "POST", "/api/items", `{"owner_id":"u1","name":"Milk","category":"Dairy"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("add status = %d; body: %s", w.Code, w.Body.String())
	}
	itemID := decodeBody(t, w)["item_id"].(string)

	clock.now = day(1)
	w = do(t, srv, "POST", "/api/items/"+itemID+"/complete", "")
	if w.Code != http.StatusOK {
		t.Fatalf("complete status = %d; body: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["status"] != "completed" || body["fulfillment_count"] != float64(1) {
		t.Errorf("completed item = %v", body)
	}

	w = do(t, srv, "POST", "/api/items/"+itemID+"/cancel", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("cancel completed status = %d, want 400", w.Code)
	}
	w = do(t, srv, "POST", "/api/items/ghost/complete", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("complete unknown status = %d, want 404", w.Code)
	}

	w = do(t, srv, "GET", "/api/owners/u1/items?status=completed", "")
	if got := decodeBody(t, w)["count"]; got != float64(1) {
		t.Errorf("completed count = %v, want 1", got)
	}
	w = do(t, srv, "GET", "/api/owners/u1/items?status=lost", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("bad status filter = %d, want 400", w.Code)
	}
}

func TestSweepJob(t *testing.T) {
	srv, clock := testServer(t)

	do(t, srv, "POST", "/api/items", `{"owner_id":"u1","name":"Bread","category":"Bakery"}`)

	clock.now = day(31)
	w := do(t, srv, "POST", "/api/jobs/sweep", "")
	if w.Code != http.StatusOK {
		t.Fatalf("sweep status = %d; body: %s", w.Code, w.Body.String())
	}
	if got := decodeBody(t, w)["updated"]; got != float64(1) {
		t.Errorf("updated = %v, want 1", got)
	}

	w = do(t, srv, "GET", "/api/owners/u1/items?status=expired", "")
	if got := decodeBody(t, w)["count"]; got != float64(1) {
		t.Errorf("expired count = %v, want 1", got)
	}
}

func TestDecayJob(t *testing.T) {
	srv, clock := testServer(t)

	do(t, srv, "PUT", "/api/entities/person-ada", fmt.Sprintf(personBody, "London", rfc(day(0))))

	clock.now = day(90)
	w := do(t, srv, "POST", "/api/jobs/decay", "")
	if w.Code != http.StatusOK {
		t.Fatalf("decay status = %d; body: %s", w.Code, w.Body.String())
	}
	if got := decodeBody(t, w)["updated"]; got != float64(1) {
		t.Errorf("updated = %v, want 1", got)
	}

	w = do(t, srv, "GET", "/api/entities/person-ada", "")
	if got := decodeBody(t, w)["relevance_score"].(float64); got < 0.49 || got > 0.51 {
		t.Errorf("relevance_score after one half-life = %v, want 0.5", got)
	}
}

func TestOwnerContext(t *testing.T) {
	srv, _ := testServer(t)

	do(t, srv, "PUT", "/api/entities/person-ada", fmt.Sprintf(personBody, "London", rfc(day(0))))
	do(t, srv, "POST", "/api/owners/u1/preferences/diet", `{"value":"vegetarian","confidence":0.8}`)

	w := do(t, srv, "GET", "/api/owners/u1/context", "")
	if w.Code != http.StatusOK {
		t.Fatalf("context status = %d; body: %s", w.Code, w.Body.String())
	}
	ctx, _ := decodeBody(t, w)["context"].(string)
	for _, want := range []string{"### Preferences", "diet: vegetarian", "### Entities", "[person] Ada"} {
		if !strings.Contains(ctx, want) {
			t.Errorf("context missing %q:\n%s", want, ctx)
		}
	}
}
