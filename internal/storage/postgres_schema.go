package storage

// schemaStatements are applied in order when the repository starts unless
// WithoutSchemaBootstrap is supplied.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS meetings (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		host_id TEXT NOT NULL,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL,
		duration_ms BIGINT,
		ended_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS meetings_host_idx ON meetings (host_id, created_at DESC)`,
	`CREATE TABLE IF NOT EXISTS meeting_participants (
		meeting_id TEXT NOT NULL REFERENCES meetings (id) ON DELETE CASCADE,
		user_id TEXT NOT NULL,
		name TEXT NOT NULL DEFAULT '',
		email TEXT NOT NULL DEFAULT '',
		profile_pic TEXT NOT NULL DEFAULT '',
		has_joined BOOLEAN NOT NULL DEFAULT FALSE,
		joined_at TIMESTAMPTZ,
		left_at TIMESTAMPTZ,
		PRIMARY KEY (meeting_id, user_id)
	)`,
	`CREATE INDEX IF NOT EXISTS meeting_participants_user_idx ON meeting_participants (user_id)`,
}

// PostgresTables lists the tables owned by the repository in dependency order.
var PostgresTables = []string{"meeting_participants", "meetings"}
