package store

// Schema DDL per dialect. SQLite stores timestamps as DATETIME and booleans
// as INTEGER; PostgreSQL uses TIMESTAMPTZ and BOOLEAN. JSON columns are TEXT
// on SQLite and JSONB on PostgreSQL.

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS codebases (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	name TEXT NOT NULL,
	path TEXT NOT NULL DEFAULT '',
	worker_id TEXT,
	status TEXT NOT NULL DEFAULT 'active',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_codebases_tenant ON codebases(tenant_id);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	codebase_id TEXT,
	title TEXT NOT NULL,
	prompt TEXT NOT NULL,
	agent_type TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	requested_model TEXT NOT NULL DEFAULT '',
	resolved_model TEXT NOT NULL DEFAULT '',
	target_agent_name TEXT NOT NULL DEFAULT '',
	worker_personality TEXT NOT NULL DEFAULT '',
	required_capabilities TEXT NOT NULL DEFAULT '[]',
	status TEXT NOT NULL DEFAULT 'pending',
	worker_id TEXT,
	session_id TEXT,
	result TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	metadata TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL,
	started_at DATETIME,
	completed_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_tasks_tenant ON tasks(tenant_id);
CREATE INDEX IF NOT EXISTS idx_tasks_codebase ON tasks(codebase_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id);
CREATE INDEX IF NOT EXISTS idx_tasks_worker ON tasks(worker_id);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	codebase_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	service_name TEXT NOT NULL DEFAULT '',
	created_at DATETIME NOT NULL,
	ended_at DATETIME
);
CREATE INDEX IF NOT EXISTS idx_sessions_tenant ON sessions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_sessions_codebase ON sessions(codebase_id, status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active ON sessions(tenant_id, codebase_id) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS cronjobs (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	schedule TEXT NOT NULL,
	timezone TEXT NOT NULL DEFAULT '',
	enabled INTEGER NOT NULL DEFAULT 1,
	template TEXT NOT NULL DEFAULT '{}',
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cronjobs_tenant ON cronjobs(tenant_id);

CREATE TABLE IF NOT EXISTS worker_liveness (
	tenant_id TEXT NOT NULL,
	worker_id TEXT NOT NULL,
	last_seen_at DATETIME NOT NULL,
	PRIMARY KEY (tenant_id, worker_id)
);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS codebases (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	name TEXT NOT NULL,
	path TEXT NOT NULL DEFAULT '',
	worker_id TEXT,
	status TEXT NOT NULL DEFAULT 'active',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_codebases_tenant ON codebases(tenant_id);

CREATE TABLE IF NOT EXISTS tasks (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	codebase_id TEXT,
	title TEXT NOT NULL,
	prompt TEXT NOT NULL,
	agent_type TEXT NOT NULL DEFAULT '',
	priority INTEGER NOT NULL DEFAULT 0,
	requested_model TEXT NOT NULL DEFAULT '',
	resolved_model TEXT NOT NULL DEFAULT '',
	target_agent_name TEXT NOT NULL DEFAULT '',
	worker_personality TEXT NOT NULL DEFAULT '',
	required_capabilities JSONB NOT NULL DEFAULT '[]',
	status TEXT NOT NULL DEFAULT 'pending',
	worker_id TEXT,
	session_id TEXT,
	result TEXT NOT NULL DEFAULT '',
	error TEXT NOT NULL DEFAULT '',
	metadata JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	started_at TIMESTAMPTZ,
	completed_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_tasks_tenant ON tasks(tenant_id);
CREATE INDEX IF NOT EXISTS idx_tasks_codebase ON tasks(codebase_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id);
CREATE INDEX IF NOT EXISTS idx_tasks_worker ON tasks(worker_id);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	codebase_id TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'active',
	service_name TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	ended_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_sessions_tenant ON sessions(tenant_id);
CREATE INDEX IF NOT EXISTS idx_sessions_codebase ON sessions(codebase_id, status);
CREATE UNIQUE INDEX IF NOT EXISTS idx_sessions_one_active ON sessions(tenant_id, codebase_id) WHERE status = 'active';

CREATE TABLE IF NOT EXISTS cronjobs (
	id TEXT PRIMARY KEY,
	tenant_id TEXT NOT NULL,
	schedule TEXT NOT NULL,
	timezone TEXT NOT NULL DEFAULT '',
	enabled BOOLEAN NOT NULL DEFAULT TRUE,
	template JSONB NOT NULL DEFAULT '{}',
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cronjobs_tenant ON cronjobs(tenant_id);

CREATE TABLE IF NOT EXISTS worker_liveness (
	tenant_id TEXT NOT NULL,
	worker_id TEXT NOT NULL,
	last_seen_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, worker_id)
);
`
