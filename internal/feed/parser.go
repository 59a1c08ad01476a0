// Package feed reads line-delimited JSON event feeds, the format calendar,
// purchase and messaging providers are exported to before a sync.
package feed

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/lazypower/chronicle/internal/store"
)

// Entry is a single line of a feed.
type Entry struct {
	ID      string          `json:"id"`
	Owner   string          `json:"owner"`
	Type    string          `json:"type"`
	Subject string          `json:"subject"`
	Time    json.RawMessage `json:"time"` // RFC 3339 string or unix milliseconds
	Context map[string]any  `json:"context,omitempty"`
}

// Skipped records a line that could not be turned into an event.
type Skipped struct {
	Line int
	Err  error
}

// Result holds the events parsed from a feed and the lines that were dropped.
type Result struct {
	Events  []store.Event
	Skipped []Skipped
}

const maxLine = 1024 * 1024

// ParseFile reads a feed file. See Parse.
func ParseFile(path, owner string) (*Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open feed: %w", err)
	}
	defer f.Close()
	return Parse(f, owner)
}

// Parse reads one event per line. A non-empty owner fills in lines that do
// not name one. Blank lines are ignored; malformed lines are skipped and
// reported, never fatal.
func Parse(r io.Reader, owner string) (*Result, error) {
	res := &Result{}
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	n := 0
	for scanner.Scan() {
		n++
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 || line[0] == '#' {
			continue
		}
		ev, err := parseLine(line, owner)
		if err != nil {
			res.Skipped = append(res.Skipped, Skipped{Line: n, Err: err})
			continue
		}
		res.Events = append(res.Events, *ev)
	}
	if err := scanner.Err(); err != nil {
		return res, fmt.Errorf("scan feed: %w", err)
	}
	return res, nil
}

func parseLine(line []byte, owner string) (*store.Event, error) {
	var e Entry
	if err := json.Unmarshal(line, &e); err != nil {
		return nil, err
	}
	if e.Owner == "" {
		e.Owner = owner
	}
	if e.Owner == "" {
		return nil, fmt.Errorf("owner is required")
	}
	if strings.TrimSpace(e.Type) == "" {
		return nil, fmt.Errorf("type is required")
	}
	at, err := parseTime(e.Time)
	if err != nil {
		return nil, err
	}
	return &store.Event{
		EventID:           e.ID,
		OwnerID:           e.Owner,
		EventType:         e.Type,
		SubjectEntityID:   e.Subject,
		EventTime:         at,
		ContextAttributes: e.Context,
	}, nil
}

// parseTime accepts the two shapes providers emit for "time".
func parseTime(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, fmt.Errorf("time is required")
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		t, err := time.Parse(time.RFC3339Nano, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("time: %w", err)
		}
		return t.UTC(), nil
	}

	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil {
		if ms <= 0 {
			return time.Time{}, fmt.Errorf("time: %d is not a valid unix millisecond value", ms)
		}
		return time.UnixMilli(ms).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("time: unsupported value %s", raw)
}
