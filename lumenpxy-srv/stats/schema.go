package stats

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS connection_records (
	seq              INTEGER PRIMARY KEY AUTOINCREMENT,
	id               TEXT NOT NULL UNIQUE,
	url              TEXT NOT NULL,
	status           TEXT NOT NULL,
	protocol         TEXT NOT NULL,
	timestamp_ns     INTEGER NOT NULL,
	user_agent       TEXT,
	response_time_ms INTEGER
);
CREATE INDEX IF NOT EXISTS idx_connection_records_timestamp ON connection_records (timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_connection_records_status ON connection_records (status);
`

const postgresSchema = `
CREATE TABLE IF NOT EXISTS connection_records (
	seq              BIGSERIAL PRIMARY KEY,
	id               TEXT NOT NULL UNIQUE,
	url              TEXT NOT NULL,
	status           TEXT NOT NULL,
	protocol         TEXT NOT NULL,
	timestamp_ns     BIGINT NOT NULL,
	user_agent       TEXT,
	response_time_ms BIGINT
);
CREATE INDEX IF NOT EXISTS idx_connection_records_timestamp ON connection_records (timestamp_ns);
CREATE INDEX IF NOT EXISTS idx_connection_records_status ON connection_records (status);
`
