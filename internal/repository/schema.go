package repository

import (
	"database/sql"
	"fmt"

	"magicfs/internal/model"
)

// schemaDDL is the fixed schema, applied idempotently at startup: file
// registry, tag graph, file/tag edges, and a vec0 virtual table for
// nearest-neighbor search.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS files (
    id       INTEGER PRIMARY KEY AUTOINCREMENT,
    abs_path TEXT NOT NULL UNIQUE,
    mtime    INTEGER NOT NULL,
    size     INTEGER NOT NULL,
    is_dir   INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS chunks (
    file_id INTEGER NOT NULL REFERENCES files(id) ON DELETE CASCADE,
    ordinal INTEGER NOT NULL,
    text    TEXT NOT NULL DEFAULT '',
    PRIMARY KEY (file_id, ordinal)
);

CREATE TABLE IF NOT EXISTS tags (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    parent_tag_id INTEGER REFERENCES tags(id) ON DELETE RESTRICT,
    name          TEXT NOT NULL,
    is_system     INTEGER NOT NULL DEFAULT 0,
    UNIQUE (parent_tag_id, name)
);

CREATE INDEX IF NOT EXISTS idx_tags_parent ON tags(parent_tag_id);

CREATE TABLE IF NOT EXISTS file_tags (
    file_id      INTEGER NOT NULL REFERENCES files(id) ON DELETE CASCADE,
    tag_id       INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
    display_name TEXT NOT NULL,
    added_at     INTEGER NOT NULL,
    PRIMARY KEY (file_id, tag_id)
);

CREATE INDEX IF NOT EXISTS idx_file_tags_tag ON file_tags(tag_id);

CREATE TABLE IF NOT EXISTS trash_edges (
    file_id    INTEGER NOT NULL REFERENCES files(id) ON DELETE CASCADE,
    tag_id     INTEGER NOT NULL REFERENCES tags(id) ON DELETE CASCADE,
    trashed_at INTEGER NOT NULL,
    PRIMARY KEY (file_id, tag_id)
);

CREATE TABLE IF NOT EXISTS meta (
    key   TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// vecTableDDL creates the vector virtual table, parameterized by the
// model's fixed embedding dimension, so switching models never blends
// incompatible vectors within one database file (enforced at a higher
// level too, by namespacing the database path itself).
func vecTableDDL(dim int) string {
	return fmt.Sprintf(
		`CREATE VIRTUAL TABLE IF NOT EXISTS vec_chunks USING vec0(chunk_key TEXT PRIMARY KEY, embedding float[%d]);`,
		dim,
	)
}

// initSchema applies schemaDDL and, when the vec0 extension is available,
// the vector table DDL. On purego builds the fallback path keeps
// embeddings in a plain table instead (see searchFallback in search.go).
func initSchema(db *sql.DB, dim int) error {
	if _, err := db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("apply base schema: %w", err)
	}

	// files.id is AUTOINCREMENT starting at 1 by default, which collides
	// with the hard-coded system inodes (1..7). Seed sqlite_sequence so the
	// first allocated file id is FirstFileInode; the NOT EXISTS guard makes
	// this a no-op once a row for files is present (sqlite_sequence has no
	// unique key, so INSERT OR IGNORE would add a duplicate row each start).
	if _, err := db.Exec(`INSERT INTO sqlite_sequence (name, seq) SELECT 'files', ? WHERE NOT EXISTS (SELECT 1 FROM sqlite_sequence WHERE name = 'files')`, model.FirstFileInode-1); err != nil {
		return fmt.Errorf("seed file id sequence: %w", err)
	}

	if VectorExtensionAvailable {
		if _, err := db.Exec(vecTableDDL(dim)); err != nil {
			return fmt.Errorf("apply vec0 schema: %w", err)
		}
	} else {
		const fallbackDDL = `
CREATE TABLE IF NOT EXISTS vec_chunks_fallback (
    chunk_key TEXT PRIMARY KEY,
    embedding BLOB NOT NULL
);`
		if _, err := db.Exec(fallbackDDL); err != nil {
			return fmt.Errorf("apply fallback vector schema: %w", err)
		}
	}

	return nil
}
