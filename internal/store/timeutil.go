package store

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
)

// OpenEnded is the sentinel upper bound of an interval that has not closed.
var OpenEnded = time.Date(9999, 12, 31, 23, 59, 59, 0, time.UTC)

var openEndedMs = OpenEnded.UnixMilli()

func toMs(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMs(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMs(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMs(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMs(v.Int64)
	return &t
}

// IsOpen reports whether t is the open-interval sentinel.
func IsOpen(t time.Time) bool {
	return t.UnixMilli() >= openEndedMs
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// newID returns a time-ordered identifier for a new row.
func newID() string {
	return uuid.Must(uuid.NewV7()).String()
}
