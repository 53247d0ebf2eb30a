package migrations

// Schema migrations are embedded so the binary is self-contained. Each
// entry runs inside its own transaction in order; the schema_version
// table records the last applied index.

var Migrations = []string{
	// 001: destination queue, receipt watermarks, membership registry
	`
	CREATE TABLE IF NOT EXISTS queue_items (
		destination TEXT NOT NULL,
		seq         INTEGER NOT NULL,
		payload     BLOB NOT NULL,
		queued_at   TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (destination, seq)
	);
	CREATE INDEX IF NOT EXISTS idx_queue_items_destination ON queue_items(destination);

	CREATE TABLE IF NOT EXISTS queue_sequences (
		destination TEXT PRIMARY KEY,
		next_seq    INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS receipt_watermarks (
		destination TEXT NOT NULL,
		room_id     TEXT NOT NULL,
		watermark   INTEGER NOT NULL,
		updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (destination, room_id)
	);

	CREATE TABLE IF NOT EXISTS room_members (
		room_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		server  TEXT NOT NULL,
		PRIMARY KEY (room_id, user_id)
	);
	CREATE INDEX IF NOT EXISTS idx_room_members_server ON room_members(server);
	`,
}

// GetInitialSchema returns the full schema for a fresh database.
func GetInitialSchema() string {
	var schema string
	for _, m := range Migrations {
		schema += m
	}
	return schema
}
