package state

// SchemaVersion is recorded in the identity table. Bump it together with a
// new entry in upgrades.
const SchemaVersion = 1

const schemaSQL = `
CREATE TABLE IF NOT EXISTS identity (
  key TEXT PRIMARY KEY,
  value TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS collections (
  name TEXT PRIMARY KEY,
  created_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS schedules (
  id TEXT PRIMARY KEY,
  callback TEXT NOT NULL,
  payload TEXT,
  kind TEXT NOT NULL,
  due_at INTEGER NOT NULL,
  cron_expr TEXT,
  created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_schedules_due_at ON schedules(due_at);

CREATE TABLE IF NOT EXISTS cdc_events (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  operation TEXT NOT NULL,
  collection TEXT NOT NULL,
  record_id TEXT NOT NULL,
  timestamp TEXT NOT NULL,
  before TEXT,
  after TEXT,
  changed_fields TEXT,
  flushed INTEGER NOT NULL DEFAULT 0,
  source TEXT
);

CREATE INDEX IF NOT EXISTS idx_cdc_events_flushed ON cdc_events(flushed, seq);

CREATE TABLE IF NOT EXISTS cdc_inbox (
  source_actor_id TEXT NOT NULL,
  seq INTEGER NOT NULL,
  received_at TEXT NOT NULL,
  PRIMARY KEY (source_actor_id, seq)
);
`

// upgrades[v] moves a database from version v to v+1.
var upgrades = map[int][]string{}

func collectionTable(name string) string {
	return "c_" + name
}

func collectionDDL(name string) []string {
	table := collectionTable(name)
	return []string{
		`CREATE TABLE IF NOT EXISTS ` + table + ` (
  id TEXT PRIMARY KEY,
  data TEXT NOT NULL,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_` + table + `_created_at ON ` + table + `(created_at)`,
	}
}
