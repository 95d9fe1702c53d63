// Package repository implements the Repository: all persistent state,
// durability modes, and the vector index.
package repository

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"magicfs/internal/logging"
	"magicfs/internal/model"
)

var log = logging.GetLogger().WithPrefix("repository")

// Mode is the durability mode the Orchestrator drives.
type Mode int

const (
	// Bulk is entered at startup: synchronous=OFF, journal_mode=MEMORY.
	// Acceptable loss: a crash during Bulk redoes the entire session.
	Bulk Mode = iota
	// Steady is the default after handover: synchronous=NORMAL, journal_mode=WAL.
	Steady
)

// Repository owns the database handle and the current durability mode.
// Mode transition is a single one-way Bulk -> Steady handover per process
// lifetime; Repository itself does not decide when to transition, the
// Orchestrator does, by calling EnterSteady.
type Repository struct {
	db   *sql.DB
	dim  int
	mu   sync.Mutex // guards the mode transition's critical section
	mode Mode
}

// Open opens (or creates) the SQLite database at dbPath and applies the
// fixed schema idempotently. dim is the embedding model's fixed vector
// dimension. busy_timeout is set to 5s so transient lock contention is
// swallowed rather than surfaced as a failure.
func Open(dbPath string, dim int) (*Repository, error) {
	dsn := dbPath + "?_busy_timeout=5000&_foreign_keys=on"
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := initSchema(db, dim); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	r := &Repository{db: db, dim: dim, mode: Bulk}
	if err := r.applyBulkPragmas(); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply bulk pragmas: %w", err)
	}

	log.Info("repository opened at %s (driver=%s, vector_ext=%v)", dbPath, DriverName, VectorExtensionAvailable)
	return r, nil
}

func (r *Repository) applyBulkPragmas() error {
	_, err := r.db.Exec(`PRAGMA synchronous = OFF; PRAGMA journal_mode = MEMORY;`)
	return err
}

// EnterSteady performs the Bulk -> Steady handover: force a WAL checkpoint
// equivalent by switching journal mode, then tighten durability. It is a
// no-op if already in Steady mode (monotonic, once-only transition).
func (r *Repository) EnterSteady() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.mode == Steady {
		return nil
	}

	if _, err := r.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("switch to WAL: %w", err)
	}
	if _, err := r.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("switch synchronous mode: %w", err)
	}
	if _, err := r.db.Exec(`PRAGMA wal_checkpoint(TRUNCATE);`); err != nil {
		log.Warn("wal checkpoint during handover failed (non-fatal): %v", err)
	}

	r.mode = Steady
	log.Info("durability handover complete: now in Steady mode")
	return nil
}

// Mode reports the current durability mode.
func (r *Repository) Mode() Mode {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.mode
}

// Close closes the underlying database handle.
func (r *Repository) Close() error {
	return r.db.Close()
}

// DB exposes the raw handle for the tag-graph layer, which issues its own
// transactions directly against the files/tags/file_tags tables.
func (r *Repository) DB() *sql.DB {
	return r.db
}

// queryExecer is satisfied by both *sql.DB and *sql.Tx, letting upsertFile
// and replaceChunks run either standalone or as part of a caller's
// transaction.
type queryExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// UpsertFile inserts or updates a FileRecord's metadata, returning its
// file_id.
func (r *Repository) UpsertFile(ctx context.Context, absPath string, mtime time.Time, size int64, isDir bool) (int64, error) {
	return upsertFile(ctx, r.db, absPath, mtime, size, isDir)
}

func upsertFile(ctx context.Context, qe queryExecer, absPath string, mtime time.Time, size int64, isDir bool) (int64, error) {
	_, err := qe.ExecContext(ctx, `
		INSERT INTO files (abs_path, mtime, size, is_dir) VALUES (?, ?, ?, ?)
		ON CONFLICT(abs_path) DO UPDATE SET mtime = excluded.mtime, size = excluded.size, is_dir = excluded.is_dir
	`, absPath, mtime.Unix(), size, boolToInt(isDir))
	if err != nil {
		return 0, fmt.Errorf("upsert file: %w", err)
	}

	// LastInsertId is not used: after the DO UPDATE branch it still reports
	// the connection's previous insert (e.g. a chunk row), not this file.
	var fileID int64
	if err := qe.QueryRowContext(ctx, `SELECT id FROM files WHERE abs_path = ?`, absPath).Scan(&fileID); err != nil {
		return 0, fmt.Errorf("resolve file id: %w", err)
	}
	return fileID, nil
}

// GetFileMetadata returns the registered mtime/size for an abs_path, used
// by the Indexer's incremental re-index check and the Watcher's initial
// scan.
func (r *Repository) GetFileMetadata(ctx context.Context, absPath string) (mtime time.Time, size int64, ok bool, err error) {
	var unixMtime int64
	err = r.db.QueryRowContext(ctx, `SELECT mtime, size FROM files WHERE abs_path = ?`, absPath).Scan(&unixMtime, &size)
	if err == sql.ErrNoRows {
		return time.Time{}, 0, false, nil
	}
	if err != nil {
		return time.Time{}, 0, false, err
	}
	return time.Unix(unixMtime, 0), size, true, nil
}

// FileIDForPath returns the file_id registered for absPath, if any.
func (r *Repository) FileIDForPath(ctx context.Context, absPath string) (int64, bool, error) {
	var id int64
	err := r.db.QueryRowContext(ctx, `SELECT id FROM files WHERE abs_path = ?`, absPath).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return id, true, nil
}

// AllFiles returns every (file_id, abs_path) pair, used by the Filesystem
// Face and the Searcher to resolve a file_id's path when the inode store
// has no entry for it.
func (r *Repository) AllFiles(ctx context.Context) ([]model.FileRecord, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, abs_path, mtime, size, is_dir FROM files`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.FileRecord
	for rows.Next() {
		var rec model.FileRecord
		var unixMtime int64
		var isDir int
		if err := rows.Scan(&rec.FileID, &rec.AbsPath, &unixMtime, &rec.Size, &isDir); err != nil {
			return nil, err
		}
		rec.Mtime = time.Unix(unixMtime, 0)
		rec.IsDir = isDir != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteFile removes a FileRecord and (by cascade) its chunks and edges.
// Matches the Arbitrator's and Lazy Reaper's "delete when confirmed gone"
// contract.
func (r *Repository) DeleteFile(ctx context.Context, fileID int64) error {
	_, err := r.db.ExecContext(ctx, `DELETE FROM files WHERE id = ?`, fileID)
	if err != nil {
		return fmt.Errorf("delete file %d: %w", fileID, err)
	}
	// vec_chunks has no foreign key to enforce cascade; clean it up explicitly.
	lo, hi := chunkKeyRange(fileID)
	if VectorExtensionAvailable {
		r.db.ExecContext(ctx, `DELETE FROM vec_chunks WHERE chunk_key >= ? AND chunk_key < ?`, lo, hi)
	} else {
		r.db.ExecContext(ctx, `DELETE FROM vec_chunks_fallback WHERE chunk_key >= ? AND chunk_key < ?`, lo, hi)
	}
	return nil
}

// ReplaceChunks deletes all previous chunks for file_id and inserts the new
// set in a single transaction: delete old chunks, insert new chunks with
// embeddings.
func (r *Repository) ReplaceChunks(ctx context.Context, fileID int64, chunks []model.Chunk) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := replaceChunks(ctx, tx, fileID, chunks); err != nil {
		return err
	}
	return tx.Commit()
}

// ReplaceFile upserts the FileRecord and replaces its chunks in a single
// transaction, so a crash between the two steps can never leave stale
// chunks paired with updated file metadata.
func (r *Repository) ReplaceFile(ctx context.Context, absPath string, mtime time.Time, size int64, isDir bool, chunks []model.Chunk) (int64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	fileID, err := upsertFile(ctx, tx, absPath, mtime, size, isDir)
	if err != nil {
		return 0, err
	}
	if err := replaceChunks(ctx, tx, fileID, chunks); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit file replace: %w", err)
	}
	return fileID, nil
}

func replaceChunks(ctx context.Context, tx *sql.Tx, fileID int64, chunks []model.Chunk) error {
	if _, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("delete old chunks: %w", err)
	}
	lo, hi := chunkKeyRange(fileID)
	if VectorExtensionAvailable {
		if _, err := tx.ExecContext(ctx, `DELETE FROM vec_chunks WHERE chunk_key >= ? AND chunk_key < ?`, lo, hi); err != nil {
			return fmt.Errorf("delete old vectors: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `DELETE FROM vec_chunks_fallback WHERE chunk_key >= ? AND chunk_key < ?`, lo, hi); err != nil {
			return fmt.Errorf("delete old vectors: %w", err)
		}
	}

	for _, c := range chunks {
		if _, err := tx.ExecContext(ctx, `INSERT INTO chunks (file_id, ordinal, text) VALUES (?, ?, ?)`,
			fileID, c.Ordinal, c.Text); err != nil {
			return fmt.Errorf("insert chunk %d/%d: %w", fileID, c.Ordinal, err)
		}

		key := chunkKey(fileID, c.Ordinal)
		if VectorExtensionAvailable {
			if _, err := tx.ExecContext(ctx, `INSERT INTO vec_chunks (chunk_key, embedding) VALUES (?, ?)`,
				key, serializeVector(c.Embedding)); err != nil {
				return fmt.Errorf("insert vector %d/%d: %w", c.FileID, c.Ordinal, err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, `INSERT INTO vec_chunks_fallback (chunk_key, embedding) VALUES (?, ?)`,
				key, serializeVector(c.Embedding)); err != nil {
				return fmt.Errorf("insert vector %d/%d: %w", c.FileID, c.Ordinal, err)
			}
		}
	}

	return nil
}

// ChunksForFile returns up to limit chunk texts for fileID, ordered by
// ordinal, used to synthesize a search result pseudo-file's snippets
// section.
func (r *Repository) ChunksForFile(ctx context.Context, fileID int64, limit int) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT text FROM chunks WHERE file_id = ? ORDER BY ordinal LIMIT ?
	`, fileID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var text string
		if err := rows.Scan(&text); err != nil {
			return nil, err
		}
		out = append(out, text)
	}
	return out, rows.Err()
}

// chunkKeyRange returns [lo, hi) bounding every ordinal belonging to
// fileID, since chunkKey's big-endian encoding sorts lexicographically by
// (file_id, ordinal).
func chunkKeyRange(fileID int64) (lo, hi string) {
	return chunkKey(fileID, 0), chunkKey(fileID+1, 0)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
