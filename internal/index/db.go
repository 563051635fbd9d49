package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"
)

var (
	// ErrWriteConflict is returned when another index mutation is in flight.
	// The caller may retry once the other writer is done.
	ErrWriteConflict = errors.New("index: another write is in progress")

	// ErrNotFound is returned by point lookups for unknown identifiers.
	ErrNotFound = errors.New("index: not found")
)

const schema = `
CREATE TABLE IF NOT EXISTS sessions (
    session_id      TEXT PRIMARY KEY,
    source          TEXT NOT NULL,
    path            TEXT NOT NULL DEFAULT '',
    project_dir     TEXT NOT NULL DEFAULT '',
    created_at      TEXT NOT NULL DEFAULT '',
    last_message_at TEXT NOT NULL DEFAULT '',
    message_count   INTEGER NOT NULL DEFAULT 0,
    total_cost      REAL NOT NULL DEFAULT 0,
    fingerprint     TEXT NOT NULL DEFAULT '',
    indexed_at      TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS messages (
    message_id       TEXT PRIMARY KEY,
    session_id       TEXT NOT NULL,
    interaction_id   TEXT NOT NULL DEFAULT '',
    sequence_num     INTEGER NOT NULL,
    role             TEXT NOT NULL,
    timestamp        TEXT NOT NULL DEFAULT '',
    text_content     TEXT NOT NULL DEFAULT '',
    thinking_content TEXT NOT NULL DEFAULT '',
    cost             REAL,
    duration_ms      INTEGER,
    searchable_text  TEXT NOT NULL DEFAULT '',
    content_type     TEXT NOT NULL DEFAULT 'text',
    tool_summary     TEXT NOT NULL DEFAULT '',
    line_number      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS messages_session_seq ON messages(session_id, sequence_num);
CREATE INDEX IF NOT EXISTS messages_interaction ON messages(interaction_id);

CREATE TABLE IF NOT EXISTS tool_usages (
    tool_usage_id TEXT PRIMARY KEY,
    message_id    TEXT NOT NULL,
    session_id    TEXT NOT NULL,
    tool_name     TEXT NOT NULL,
    input         TEXT NOT NULL DEFAULT '{}',
    result        TEXT,
    is_error      INTEGER NOT NULL DEFAULT 0,
    file_path     TEXT NOT NULL DEFAULT '',
    command       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS tool_usages_message ON tool_usages(message_id);
CREATE INDEX IF NOT EXISTS tool_usages_session ON tool_usages(session_id);
CREATE INDEX IF NOT EXISTS tool_usages_name ON tool_usages(tool_name);

CREATE TABLE IF NOT EXISTS interactions (
    interaction_id TEXT PRIMARY KEY,
    session_id     TEXT NOT NULL,
    sequence_num   INTEGER NOT NULL,
    first_seq      INTEGER NOT NULL,
    last_seq       INTEGER NOT NULL,
    message_count  INTEGER NOT NULL,
    user_prompt    TEXT NOT NULL DEFAULT '',
    search_text    TEXT NOT NULL DEFAULT '',
    total_cost     REAL NOT NULL DEFAULT 0,
    has_thinking   INTEGER NOT NULL DEFAULT 0,
    tool_calls     TEXT NOT NULL DEFAULT '[]',
    started_at     TEXT NOT NULL DEFAULT '',
    ended_at       TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS interactions_session ON interactions(session_id, sequence_num);

CREATE TABLE IF NOT EXISTS commits (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    hash           TEXT NOT NULL,
    message        TEXT NOT NULL DEFAULT '',
    branch         TEXT NOT NULL DEFAULT '',
    summary        TEXT NOT NULL DEFAULT '',
    session_id     TEXT NOT NULL,
    interaction_id TEXT NOT NULL DEFAULT '',
    message_id     TEXT NOT NULL DEFAULT '',
    tool_usage_id  TEXT NOT NULL DEFAULT '',
    timestamp      TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS commits_hash ON commits(hash);
CREATE INDEX IF NOT EXISTS commits_session ON commits(session_id);

CREATE TABLE IF NOT EXISTS index_runs (
    run_id      TEXT PRIMARY KEY,
    started_at  TEXT NOT NULL,
    finished_at TEXT NOT NULL DEFAULT '',
    discovered  INTEGER NOT NULL DEFAULT 0,
    indexed     INTEGER NOT NULL DEFAULT 0,
    skipped     INTEGER NOT NULL DEFAULT 0,
    failed      INTEGER NOT NULL DEFAULT 0,
    pruned      INTEGER NOT NULL DEFAULT 0,
    canceled    INTEGER NOT NULL DEFAULT 0,
    warnings    TEXT NOT NULL DEFAULT '{}'
);

CREATE TABLE IF NOT EXISTS meta (key TEXT PRIMARY KEY, value TEXT);

CREATE VIRTUAL TABLE IF NOT EXISTS messages_fts USING fts5(
    searchable_text,
    content=messages,
    content_rowid=rowid,
    tokenize='unicode61'
);

CREATE VIRTUAL TABLE IF NOT EXISTS tool_usages_fts USING fts5(
    tool_name, input, result, command, file_path,
    content=tool_usages,
    content_rowid=rowid,
    tokenize='unicode61'
);

CREATE VIRTUAL TABLE IF NOT EXISTS interactions_fts USING fts5(
    user_prompt, search_text,
    content=interactions,
    content_rowid=rowid,
    tokenize='unicode61'
);

CREATE VIRTUAL TABLE IF NOT EXISTS commits_fts USING fts5(
    hash, message,
    content=commits,
    content_rowid=id,
    tokenize='unicode61'
);

-- triggers to keep FTS in sync
CREATE TRIGGER IF NOT EXISTS messages_ai AFTER INSERT ON messages BEGIN
    INSERT INTO messages_fts(rowid, searchable_text) VALUES (new.rowid, new.searchable_text);
END;
CREATE TRIGGER IF NOT EXISTS messages_ad AFTER DELETE ON messages BEGIN
    INSERT INTO messages_fts(messages_fts, rowid, searchable_text) VALUES('delete', old.rowid, old.searchable_text);
END;
CREATE TRIGGER IF NOT EXISTS messages_au AFTER UPDATE ON messages BEGIN
    INSERT INTO messages_fts(messages_fts, rowid, searchable_text) VALUES('delete', old.rowid, old.searchable_text);
    INSERT INTO messages_fts(rowid, searchable_text) VALUES (new.rowid, new.searchable_text);
END;

CREATE TRIGGER IF NOT EXISTS tool_usages_ai AFTER INSERT ON tool_usages BEGIN
    INSERT INTO tool_usages_fts(rowid, tool_name, input, result, command, file_path)
    VALUES (new.rowid, new.tool_name, new.input, new.result, new.command, new.file_path);
END;
CREATE TRIGGER IF NOT EXISTS tool_usages_ad AFTER DELETE ON tool_usages BEGIN
    INSERT INTO tool_usages_fts(tool_usages_fts, rowid, tool_name, input, result, command, file_path)
    VALUES ('delete', old.rowid, old.tool_name, old.input, old.result, old.command, old.file_path);
END;
CREATE TRIGGER IF NOT EXISTS tool_usages_au AFTER UPDATE ON tool_usages BEGIN
    INSERT INTO tool_usages_fts(tool_usages_fts, rowid, tool_name, input, result, command, file_path)
    VALUES ('delete', old.rowid, old.tool_name, old.input, old.result, old.command, old.file_path);
    INSERT INTO tool_usages_fts(rowid, tool_name, input, result, command, file_path)
    VALUES (new.rowid, new.tool_name, new.input, new.result, new.command, new.file_path);
END;

CREATE TRIGGER IF NOT EXISTS interactions_ai AFTER INSERT ON interactions BEGIN
    INSERT INTO interactions_fts(rowid, user_prompt, search_text) VALUES (new.rowid, new.user_prompt, new.search_text);
END;
CREATE TRIGGER IF NOT EXISTS interactions_ad AFTER DELETE ON interactions BEGIN
    INSERT INTO interactions_fts(interactions_fts, rowid, user_prompt, search_text)
    VALUES ('delete', old.rowid, old.user_prompt, old.search_text);
END;
CREATE TRIGGER IF NOT EXISTS interactions_au AFTER UPDATE ON interactions BEGIN
    INSERT INTO interactions_fts(interactions_fts, rowid, user_prompt, search_text)
    VALUES ('delete', old.rowid, old.user_prompt, old.search_text);
    INSERT INTO interactions_fts(rowid, user_prompt, search_text) VALUES (new.rowid, new.user_prompt, new.search_text);
END;

CREATE TRIGGER IF NOT EXISTS commits_ai AFTER INSERT ON commits BEGIN
    INSERT INTO commits_fts(rowid, hash, message) VALUES (new.id, new.hash, new.message);
END;
CREATE TRIGGER IF NOT EXISTS commits_ad AFTER DELETE ON commits BEGIN
    INSERT INTO commits_fts(commits_fts, rowid, hash, message) VALUES ('delete', old.id, old.hash, old.message);
END;
`

// ftsTables are rebuilt from their content tables by RebuildIndex.
var ftsTables = []string{"messages_fts", "tool_usages_fts", "interactions_fts", "commits_fts"}

// DB is the SQLite-backed index store. Reads may run concurrently; mutations
// are serialized by a single-writer lock that rejects rather than queues.
type DB struct {
	db      *sql.DB
	path    string
	writeMu sync.Mutex
}

// OpenDB opens or creates the index at dbPath. Every pooled connection gets the
// WAL and busy-timeout pragmas, so readers keep a stable snapshot while a
// session is written.
func OpenDB(dbPath string) (*DB, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	dsn := "file:" + dbPath +
		"?_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_pragma=busy_timeout(5000)" +
		"&_pragma=cache_size(-64000)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	d := &DB{db: db, path: dbPath}
	if err := d.migrateSchemaVersion(); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema version: %w", err)
	}
	return d, nil
}

// schemaVersion should be bumped whenever parsing or derivation logic changes
// to force a full re-index.
const schemaVersion = "1"

func (d *DB) migrateSchemaVersion() error {
	var ver string
	err := d.db.QueryRow("SELECT value FROM meta WHERE key = 'schema_version'").Scan(&ver)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return err
	}
	if ver == schemaVersion {
		return nil
	}
	if ver != "" {
		log.Info().Str("from", ver).Str("to", schemaVersion).Msg("schema version changed, sessions will be re-indexed")
	}
	// clearing fingerprints makes every session look changed
	if _, err := d.db.Exec("UPDATE sessions SET fingerprint = ''"); err != nil {
		return err
	}
	_, err = d.db.Exec("INSERT OR REPLACE INTO meta (key, value) VALUES ('schema_version', ?)", schemaVersion)
	return err
}

func (d *DB) Close() error {
	return d.db.Close()
}

func (d *DB) Raw() *sql.DB {
	return d.db
}

// Path is the database file location.
func (d *DB) Path() string {
	return d.path
}

// lockWrite claims the single writer slot or fails with ErrWriteConflict.
func (d *DB) lockWrite() (func(), error) {
	if !d.writeMu.TryLock() {
		return nil, ErrWriteConflict
	}
	return d.writeMu.Unlock, nil
}

// RebuildIndex regenerates every full-text index from its content table in one
// transaction. Concurrent readers see the old index until the commit.
func (d *DB) RebuildIndex(ctx context.Context) error {
	unlock, err := d.lockWrite()
	if err != nil {
		return err
	}
	defer unlock()

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	for _, t := range ftsTables {
		if _, err := tx.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s(%s) VALUES('rebuild')", t, t)); err != nil {
			return fmt.Errorf("rebuild %s: %w", t, err)
		}
	}
	return tx.Commit()
}

// IntegrityCheck runs the FTS5 integrity-check command on every index.
func (d *DB) IntegrityCheck(ctx context.Context) error {
	for _, t := range ftsTables {
		if _, err := d.db.ExecContext(ctx, fmt.Sprintf("INSERT INTO %s(%s) VALUES('integrity-check')", t, t)); err != nil {
			return fmt.Errorf("%s: %w", t, err)
		}
	}
	return nil
}

const tsLayout = "2006-01-02T15:04:05.000Z"

// FormatTime renders t the way timestamps are stored. The zero time is empty.
func FormatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(tsLayout)
}

// ParseTime reverses FormatTime.
func ParseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(tsLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
