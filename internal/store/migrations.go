package store

// migration represents a single schema migration.
type migration struct {
	Version int
	Name    string
	SQL     string
}

// migrations is the ordered list of all schema migrations.
var migrations = []migration{
	{
		Version: 1,
		Name:    "create request log",
		SQL: `
			CREATE TABLE request_log (
				id          INTEGER PRIMARY KEY AUTOINCREMENT,
				msg_id      TEXT NOT NULL DEFAULT '',
				session_id  TEXT NOT NULL,
				channel_id  TEXT NOT NULL DEFAULT '',
				direction   TEXT NOT NULL,
				kind        TEXT NOT NULL,
				content     TEXT NOT NULL,
				created_at  TEXT NOT NULL DEFAULT (datetime('now'))
			);

			CREATE INDEX idx_request_log_session ON request_log (session_id, id);
			CREATE INDEX idx_request_log_created ON request_log (created_at);
		`,
	},
}
