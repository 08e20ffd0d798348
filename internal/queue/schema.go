package queue

// Timestamps are milliseconds since epoch. Records and decisions are JSON.
const schema = `
CREATE TABLE IF NOT EXISTS pending_analyses (
	id              TEXT PRIMARY KEY,
	before_record   TEXT NOT NULL,
	after_record    TEXT NOT NULL,
	status          TEXT NOT NULL,
	attempts        INTEGER NOT NULL DEFAULT 0,
	created_at      INTEGER NOT NULL,
	expires_at      INTEGER NOT NULL,
	last_attempt_at INTEGER,
	last_error      TEXT NOT NULL DEFAULT '',
	last_error_type TEXT NOT NULL DEFAULT '',
	decision        TEXT,
	updated_at      INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_pending_status_created ON pending_analyses (status, created_at);
CREATE INDEX IF NOT EXISTS idx_pending_expires ON pending_analyses (expires_at);
`

const columns = `id, before_record, after_record, status, attempts, created_at, expires_at,
	last_attempt_at, last_error, last_error_type, decision`
