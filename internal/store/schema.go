package store

// ddl creates every table ChangeStore owns. All tables are prefixed
// __ripple_ to keep them out of the way of whatever user tables a schema
// file declares. Table and column names mirror spec.md §6, renamed from
// __corro_ to __ripple_ for this replica.
var ddl = []string{
	`CREATE TABLE IF NOT EXISTS __ripple_db_version (
		id INTEGER PRIMARY KEY CHECK (id = 1),
		value INTEGER NOT NULL
	)`,
	`INSERT OR IGNORE INTO __ripple_db_version (id, value) VALUES (1, 0)`,

	// the change log: one row per (table, primary key, column) currently
	// known to this replica. site_id is NULL for a locally authored
	// value; drain_local_changes selects exactly those rows.
	`CREATE TABLE IF NOT EXISTS __ripple_changes (
		table_name     TEXT NOT NULL,
		pk             TEXT NOT NULL,
		column_id      TEXT NOT NULL,
		value          BLOB,
		column_version INTEGER NOT NULL,
		db_version     INTEGER NOT NULL,
		site_id        BLOB,
		PRIMARY KEY (table_name, pk, column_id)
	)`,
	`CREATE INDEX IF NOT EXISTS __ripple_changes_db_version ON __ripple_changes (db_version)`,
	`CREATE INDEX IF NOT EXISTS __ripple_changes_site_id ON __ripple_changes (site_id)`,

	`CREATE TABLE IF NOT EXISTS __ripple_bookkeeping (
		actor_id   BLOB NOT NULL,
		version    INTEGER NOT NULL,
		db_version INTEGER,
		ts         TEXT NOT NULL,
		PRIMARY KEY (actor_id, version)
	)`,

	`CREATE TABLE IF NOT EXISTS __ripple_members (
		id         BLOB PRIMARY KEY,
		address    TEXT NOT NULL,
		state      TEXT NOT NULL,
		foca_state TEXT
	)`,

	`CREATE TABLE IF NOT EXISTS __ripple_subs (
		actor_id BLOB NOT NULL,
		id       TEXT NOT NULL,
		filter   TEXT NOT NULL,
		priority INTEGER NOT NULL DEFAULT 0,
		ts       TEXT NOT NULL,
		PRIMARY KEY (actor_id, id)
	)`,

	// introspection table for ApplySchema: one row per table/column this
	// replica's schema migrator has applied, so the next ApplySchema call
	// can diff against it rather than against sqlite's own catalog.
	`CREATE TABLE IF NOT EXISTS __ripple_schema (
		table_name  TEXT NOT NULL,
		column_name TEXT NOT NULL,
		column_type TEXT NOT NULL,
		PRIMARY KEY (table_name, column_name)
	)`,
}
