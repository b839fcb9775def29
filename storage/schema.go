package storage

// schemaSQL creates every table the engine persists to. Modelled on
// horos47/core/jobs.NewQueue's inline-schema-plus-index pattern and vtq's
// EnsureTable, generalized from one job table into the full entity set.
const schemaSQL = `
CREATE TABLE IF NOT EXISTS queues (
	id           TEXT PRIMARY KEY,
	name         TEXT NOT NULL,
	tenant_id    TEXT NOT NULL,
	state        TEXT NOT NULL,
	config       TEXT NOT NULL,
	created_at   INTEGER NOT NULL,
	updated_at   INTEGER NOT NULL,
	UNIQUE(tenant_id, name)
);

CREATE TABLE IF NOT EXISTS messages (
	id              TEXT PRIMARY KEY,
	queue_id        TEXT NOT NULL REFERENCES queues(id) ON DELETE CASCADE,
	payload         BLOB,
	headers         TEXT NOT NULL DEFAULT '{}',
	priority        INTEGER NOT NULL DEFAULT 0,
	status          TEXT NOT NULL,
	attempt_count   INTEGER NOT NULL DEFAULT 0,
	max_attempts    INTEGER NOT NULL DEFAULT 5,
	available_at    INTEGER NOT NULL,
	visible_until   INTEGER,
	claimed_by      TEXT,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL,
	idempotency_key TEXT,
	last_error      TEXT
);
CREATE INDEX IF NOT EXISTS idx_messages_claim ON messages (queue_id, status, priority DESC, available_at ASC, id ASC);
CREATE INDEX IF NOT EXISTS idx_messages_visible ON messages (status, visible_until);
CREATE UNIQUE INDEX IF NOT EXISTS idx_messages_idem ON messages (queue_id, idempotency_key) WHERE idempotency_key IS NOT NULL;

CREATE TABLE IF NOT EXISTS workers (
	id                   TEXT PRIMARY KEY,
	group_id             TEXT NOT NULL DEFAULT '',
	subscribed_queues    TEXT NOT NULL DEFAULT '[]',
	state                TEXT NOT NULL,
	last_heartbeat       INTEGER NOT NULL,
	active_message_count INTEGER NOT NULL DEFAULT 0,
	capacity             INTEGER NOT NULL DEFAULT 1,
	created_at           INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_workers_heartbeat ON workers (last_heartbeat);

CREATE TABLE IF NOT EXISTS handlers (
	id            TEXT PRIMARY KEY,
	queue_id      TEXT NOT NULL REFERENCES queues(id) ON DELETE CASCADE,
	endpoint      TEXT NOT NULL,
	kind          TEXT NOT NULL,
	timeout_ms    INTEGER NOT NULL DEFAULT 5000,
	breaker_conf  TEXT NOT NULL DEFAULT '{}',
	created_at    INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_handlers_queue ON handlers (queue_id);

CREATE TABLE IF NOT EXISTS breaker_states (
	handler_id              TEXT PRIMARY KEY REFERENCES handlers(id) ON DELETE CASCADE,
	state                   TEXT NOT NULL DEFAULT 'closed',
	failure_count           INTEGER NOT NULL DEFAULT 0,
	success_count_half_open INTEGER NOT NULL DEFAULT 0,
	opened_at               INTEGER
);

CREATE TABLE IF NOT EXISTS scheduled_jobs (
	id               TEXT PRIMARY KEY,
	cron_or_interval TEXT NOT NULL,
	target_queue_id  TEXT NOT NULL REFERENCES queues(id) ON DELETE CASCADE,
	payload_template BLOB,
	enabled          INTEGER NOT NULL DEFAULT 1,
	last_run_at      INTEGER,
	next_run_at      INTEGER NOT NULL,
	created_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_scheduled_due ON scheduled_jobs (enabled, next_run_at);

CREATE TABLE IF NOT EXISTS dlq_entries (
	id                  TEXT PRIMARY KEY,
	original_message_id TEXT NOT NULL,
	queue_id            TEXT NOT NULL REFERENCES queues(id) ON DELETE CASCADE,
	payload_snapshot    BLOB,
	headers             TEXT NOT NULL DEFAULT '{}',
	failure_reason      TEXT NOT NULL,
	attempt_count       INTEGER NOT NULL,
	moved_at            INTEGER NOT NULL,
	replayed_at         INTEGER
);
CREATE INDEX IF NOT EXISTS idx_dlq_queue ON dlq_entries (queue_id, moved_at);
`
