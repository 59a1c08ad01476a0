package store

import (
	"fmt"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

var migrations = []migration{
	{
		Version:     1,
		Description: "entity_versions: bitemporal entity ledger",
		SQL: `
CREATE TABLE entity_versions (
    version_id       TEXT PRIMARY KEY,
    entity_id        TEXT NOT NULL,
    entity_type      TEXT NOT NULL,
    name             TEXT NOT NULL,
    owner_id         TEXT NOT NULL,
    attributes       TEXT NOT NULL DEFAULT '{}',

    -- Valid time (world) and transaction time (system)
    valid_from       INTEGER NOT NULL,
    valid_to         INTEGER NOT NULL,
    stored_from      INTEGER NOT NULL,
    stored_to        INTEGER NOT NULL,

    -- Supersession
    is_current       INTEGER NOT NULL DEFAULT 1 CHECK (is_current IN (0, 1)),
    superseded_by    TEXT,

    -- Decay
    relevance_score  REAL NOT NULL DEFAULT 1.0,
    relevance_anchor REAL NOT NULL DEFAULT 1.0,
    last_accessed    INTEGER NOT NULL,
    access_count     INTEGER NOT NULL DEFAULT 0,

    CHECK (valid_from <= valid_to),
    CHECK (stored_from <= stored_to)
);

CREATE UNIQUE INDEX idx_entity_current  ON entity_versions(entity_id) WHERE is_current = 1;
CREATE INDEX idx_entity_owner_valid     ON entity_versions(owner_id, valid_to);
CREATE INDEX idx_entity_history         ON entity_versions(entity_id, stored_from);
`,
	},
	{
		Version:     2,
		Description: "relationship_versions: bitemporal relationship ledger",
		SQL: `
CREATE TABLE relationship_versions (
    version_id        TEXT PRIMARY KEY,
    relationship_id   TEXT NOT NULL,
    from_entity_id    TEXT NOT NULL,
    to_entity_id      TEXT NOT NULL,
    relationship_type TEXT NOT NULL,
    owner_id          TEXT NOT NULL,
    attributes        TEXT NOT NULL DEFAULT '{}',

    valid_from        INTEGER NOT NULL,
    valid_to          INTEGER NOT NULL,
    stored_from       INTEGER NOT NULL,
    stored_to         INTEGER NOT NULL,

    is_current        INTEGER NOT NULL DEFAULT 1 CHECK (is_current IN (0, 1)),
    superseded_by     TEXT,

    CHECK (valid_from <= valid_to),
    CHECK (stored_from <= stored_to)
);

CREATE UNIQUE INDEX idx_rel_current    ON relationship_versions(relationship_id) WHERE is_current = 1;
CREATE INDEX idx_rel_traverse          ON relationship_versions(from_entity_id, relationship_type);
CREATE INDEX idx_rel_owner_valid       ON relationship_versions(owner_id, valid_to);
CREATE INDEX idx_rel_history           ON relationship_versions(relationship_id, stored_from);
`,
	},
	{
		Version:     3,
		Description: "preference_history: time-bounded preference observations",
		SQL: `
CREATE TABLE preference_history (
    history_id        TEXT PRIMARY KEY,
    owner_id          TEXT NOT NULL,
    key               TEXT NOT NULL,
    value             TEXT NOT NULL,
    context           TEXT,
    valid_from        INTEGER NOT NULL,
    valid_to          INTEGER NOT NULL,
    confidence        REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
    observation_count INTEGER NOT NULL DEFAULT 1,
    last_observed     INTEGER NOT NULL,
    is_current        INTEGER NOT NULL DEFAULT 1 CHECK (is_current IN (0, 1)),

    CHECK (valid_from <= valid_to)
);

CREATE UNIQUE INDEX idx_pref_current ON preference_history(owner_id, key) WHERE is_current = 1;
CREATE INDEX idx_pref_owner_valid    ON preference_history(owner_id, valid_to);
`,
	},
	{
		Version:     4,
		Description: "events: append-only event log",
		SQL: `
CREATE TABLE events (
    event_id             TEXT PRIMARY KEY,
    owner_id             TEXT NOT NULL,
    event_type           TEXT NOT NULL,
    subject_entity_id    TEXT NOT NULL DEFAULT '',
    event_time           INTEGER NOT NULL,
    day_of_week          INTEGER NOT NULL CHECK (day_of_week BETWEEN 0 AND 6),
    hour_of_day          INTEGER NOT NULL CHECK (hour_of_day BETWEEN 0 AND 23),
    context_attributes   TEXT NOT NULL DEFAULT '{}',
    recurring_pattern_id TEXT
);

CREATE INDEX idx_events_owner_time ON events(owner_id, event_time);
CREATE INDEX idx_events_group      ON events(owner_id, event_type, subject_entity_id);
`,
	},
	{
		Version:     5,
		Description: "recurring_patterns: scored recurrence predictions",
		SQL: `
CREATE TABLE recurring_patterns (
    pattern_id            TEXT PRIMARY KEY,
    owner_id              TEXT NOT NULL,
    pattern_type          TEXT NOT NULL,
    subject_entity_id     TEXT NOT NULL DEFAULT '',
    subject_type          TEXT NOT NULL DEFAULT '',
    recurrence_days       REAL NOT NULL,
    mean_interval_days    REAL NOT NULL,
    confidence            REAL NOT NULL CHECK (confidence >= 0 AND confidence <= 1),
    observation_count     INTEGER NOT NULL,
    day_of_week           INTEGER,
    hour_of_day           INTEGER,
    first_observed        INTEGER NOT NULL,
    last_observed         INTEGER NOT NULL,
    next_predicted        INTEGER NOT NULL,
    is_active             INTEGER NOT NULL DEFAULT 1 CHECK (is_active IN (0, 1)),
    revision              INTEGER NOT NULL DEFAULT 1,

    UNIQUE (owner_id, pattern_type, subject_entity_id)
);

CREATE INDEX idx_patterns_owner_active ON recurring_patterns(owner_id, is_active);
`,
	},
	{
		Version:     6,
		Description: "perishable_items: auto-expiring tracked entries",
		SQL: `
CREATE TABLE perishable_items (
    item_id           TEXT PRIMARY KEY,
    owner_id          TEXT NOT NULL,
    name              TEXT NOT NULL COLLATE NOCASE,
    category          TEXT NOT NULL DEFAULT '' COLLATE NOCASE,
    added_at          INTEGER NOT NULL,
    completed_at      INTEGER,
    expired_at        INTEGER,
    is_recurring      INTEGER NOT NULL DEFAULT 0,
    recurrence_days   REAL,
    last_fulfilled    INTEGER,
    fulfillment_count INTEGER NOT NULL DEFAULT 0,
    urgency           TEXT NOT NULL DEFAULT 'normal' CHECK (urgency IN ('low', 'normal', 'high')),
    status            TEXT NOT NULL DEFAULT 'active' CHECK (status IN ('active', 'completed', 'expired', 'cancelled')),
    revision          INTEGER NOT NULL DEFAULT 1,

    UNIQUE (owner_id, name, category)
);

CREATE INDEX idx_items_owner_status ON perishable_items(owner_id, status);
CREATE INDEX idx_items_sweep        ON perishable_items(status, added_at);
`,
	},
}

func (db *DB) migrate() error {
	// Create schema_versions table if it doesn't exist
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS schema_versions (
			version     INTEGER PRIMARY KEY,
			description TEXT NOT NULL,
			applied_at  INTEGER NOT NULL DEFAULT (strftime('%s', 'now') * 1000)
		)
	`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := db.QueryRow("SELECT COUNT(*) FROM schema_versions WHERE version = ?", m.Version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}

		tx, err := db.Begin()
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}

		if _, err := tx.Exec(m.SQL); err != nil {
			tx.Rollback()
			return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
		}

		if _, err := tx.Exec(
			"INSERT INTO schema_versions (version, description) VALUES (?, ?)",
			m.Version, m.Description,
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}

	return nil
}

// SchemaVersion returns the current schema version.
func (db *DB) SchemaVersion() (int, error) {
	var version int
	err := db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_versions").Scan(&version)
	return version, err
}
