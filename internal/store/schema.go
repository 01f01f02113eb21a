package store

// Schema is the DDL for the PostgreSQL store. Applied by deploy tooling and
// by the integration-test container on startup.
const Schema = `
CREATE TABLE IF NOT EXISTS sanctioned_entities (
	uid             TEXT NOT NULL,
	source          TEXT NOT NULL,
	name            TEXT NOT NULL,
	entity_type     TEXT NOT NULL,
	programs        TEXT[] NOT NULL DEFAULT '{}',
	aliases         TEXT[] NOT NULL DEFAULT '{}',
	addresses       TEXT[] NOT NULL DEFAULT '{}',
	dates_of_birth  TEXT[] NOT NULL DEFAULT '{}',
	places_of_birth TEXT[] NOT NULL DEFAULT '{}',
	nationalities   TEXT[] NOT NULL DEFAULT '{}',
	remarks         TEXT NOT NULL DEFAULT '',
	content_hash    TEXT NOT NULL,
	last_seen       TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (source, uid)
);

CREATE TABLE IF NOT EXISTS content_snapshots (
	id           BIGSERIAL PRIMARY KEY,
	source       TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	size_bytes   BIGINT NOT NULL,
	captured_at  TIMESTAMPTZ NOT NULL,
	run_id       TEXT NOT NULL,
	archive_url  TEXT
);
CREATE INDEX IF NOT EXISTS idx_snapshots_source_captured
	ON content_snapshots (source, captured_at DESC);

CREATE TABLE IF NOT EXISTS change_events (
	event_id         TEXT PRIMARY KEY,
	entity_uid       TEXT NOT NULL,
	entity_name      TEXT NOT NULL,
	source           TEXT NOT NULL,
	change_type      TEXT NOT NULL,
	risk_level       TEXT NOT NULL,
	field_changes    JSONB NOT NULL DEFAULT '[]',
	summary          TEXT NOT NULL,
	old_content_hash TEXT,
	new_content_hash TEXT,
	detected_at      TIMESTAMPTZ NOT NULL,
	run_id           TEXT NOT NULL,
	notified_at      TIMESTAMPTZ,
	channels         TEXT[]
);
CREATE INDEX IF NOT EXISTS idx_events_run ON change_events (run_id);
CREATE INDEX IF NOT EXISTS idx_events_source_detected
	ON change_events (source, detected_at DESC);

CREATE TABLE IF NOT EXISTS scraper_runs (
	run_id             TEXT PRIMARY KEY,
	source             TEXT NOT NULL,
	source_url         TEXT NOT NULL,
	started_at         TIMESTAMPTZ NOT NULL,
	completed_at       TIMESTAMPTZ,
	status             TEXT NOT NULL,
	entities_processed INTEGER NOT NULL DEFAULT 0,
	entities_added     INTEGER NOT NULL DEFAULT 0,
	entities_modified  INTEGER NOT NULL DEFAULT 0,
	entities_removed   INTEGER NOT NULL DEFAULT 0,
	records_skipped    INTEGER NOT NULL DEFAULT 0,
	critical_count     INTEGER NOT NULL DEFAULT 0,
	high_count         INTEGER NOT NULL DEFAULT 0,
	medium_count       INTEGER NOT NULL DEFAULT 0,
	low_count          INTEGER NOT NULL DEFAULT 0,
	download_ms        BIGINT NOT NULL DEFAULT 0,
	parse_ms           BIGINT NOT NULL DEFAULT 0,
	diff_ms            BIGINT NOT NULL DEFAULT 0,
	store_ms           BIGINT NOT NULL DEFAULT 0,
	content_hash       TEXT,
	size_bytes         BIGINT NOT NULL DEFAULT 0,
	error_message      TEXT,
	retry_count        INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_runs_source_started
	ON scraper_runs (source, started_at DESC);
`
