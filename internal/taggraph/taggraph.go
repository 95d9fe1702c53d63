// Package taggraph implements the directory-to-SQL translation rules for
// the tag graph: mkdir/rmdir/rename semantics, cycle checking, Smart
// Contextual Aliasing, and the optional trash sweep.
package taggraph

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"time"

	"magicfs/internal/logging"
	"magicfs/internal/magicerr"
	"magicfs/internal/model"
)

var log = logging.GetLogger().WithPrefix("taggraph")

// Graph wraps a repository's raw DB handle with tag-graph operations. It
// does not own durability mode; that remains the repository's concern.
type Graph struct {
	db *sql.DB
}

func New(db *sql.DB) *Graph {
	return &Graph{db: db}
}

// EnsureSystemTags creates the Inbox and Trash system tags at first
// startup, idempotently. System tags have no parent and are protected
// from rename/delete.
func (g *Graph) EnsureSystemTags(ctx context.Context) error {
	for _, name := range []string{model.SystemTagInbox, model.SystemTagTrash} {
		// UNIQUE(parent_tag_id, name) treats NULL parents as distinct, so an
		// ON CONFLICT clause never fires here; guard with NOT EXISTS instead.
		_, err := g.db.ExecContext(ctx, `
			INSERT INTO tags (parent_tag_id, name, is_system)
			SELECT NULL, ?, 1 WHERE NOT EXISTS (SELECT 1 FROM tags WHERE parent_tag_id IS NULL AND name = ?)
		`, name, name)
		if err != nil {
			return fmt.Errorf("ensure system tag %q: %w", name, err)
		}
	}
	return nil
}

// SystemTagID resolves the id of a system tag created by EnsureSystemTags,
// used by the Filesystem Face to link inbox uploads to the Inbox tag.
func (g *Graph) SystemTagID(ctx context.Context, name string) (int64, bool, error) {
	tag, ok, err := g.ChildTag(ctx, nil, name)
	if err != nil || !ok {
		return 0, ok, err
	}
	return tag.TagID, true, nil
}

// ChildTag resolves a (parent_tag_id, name) pair to a Tag, used by lookup
// for persistent tag children.
func (g *Graph) ChildTag(ctx context.Context, parentTagID *int64, name string) (model.Tag, bool, error) {
	var t model.Tag
	var parent sql.NullInt64
	row := g.db.QueryRowContext(ctx, `
		SELECT id, parent_tag_id, name, is_system FROM tags
		WHERE parent_tag_id IS ? AND name = ?
	`, nullableInt64(parentTagID), name)
	var isSystem int
	err := row.Scan(&t.TagID, &parent, &t.Name, &isSystem)
	if err == sql.ErrNoRows {
		return model.Tag{}, false, nil
	}
	if err != nil {
		return model.Tag{}, false, err
	}
	if parent.Valid {
		v := parent.Int64
		t.ParentTagID = &v
	}
	t.IsSystem = isSystem != 0
	return t, true, nil
}

// TagByID fetches a tag by id.
func (g *Graph) TagByID(ctx context.Context, tagID int64) (model.Tag, bool, error) {
	var t model.Tag
	var parent sql.NullInt64
	var isSystem int
	err := g.db.QueryRowContext(ctx, `SELECT id, parent_tag_id, name, is_system FROM tags WHERE id = ?`, tagID).
		Scan(&t.TagID, &parent, &t.Name, &isSystem)
	if err == sql.ErrNoRows {
		return model.Tag{}, false, nil
	}
	if err != nil {
		return model.Tag{}, false, err
	}
	t.TagID = tagID
	if parent.Valid {
		v := parent.Int64
		t.ParentTagID = &v
	}
	t.IsSystem = isSystem != 0
	return t, true, nil
}

// Children lists every direct child tag of parentTagID (nil for root).
func (g *Graph) Children(ctx context.Context, parentTagID *int64) ([]model.Tag, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT id, parent_tag_id, name, is_system FROM tags WHERE parent_tag_id IS ?
		ORDER BY name
	`, nullableInt64(parentTagID))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Tag
	for rows.Next() {
		var t model.Tag
		var parent sql.NullInt64
		var isSystem int
		if err := rows.Scan(&t.TagID, &parent, &t.Name, &isSystem); err != nil {
			return nil, err
		}
		if parent.Valid {
			v := parent.Int64
			t.ParentTagID = &v
		}
		t.IsSystem = isSystem != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

// Mkdir inserts a new tag under parentTagID. Fails with ErrAlreadyExists
// on a name collision within the same parent.
func (g *Graph) Mkdir(ctx context.Context, parentTagID *int64, name string) (int64, error) {
	// The UNIQUE constraint does not catch root-level duplicates (NULL
	// parent), so check for an existing sibling explicitly.
	if _, exists, err := g.ChildTag(ctx, parentTagID, name); err != nil {
		return 0, err
	} else if exists {
		return 0, magicerr.New(magicerr.OpMkdir, name, magicerr.ErrAlreadyExists)
	}
	res, err := g.db.ExecContext(ctx, `
		INSERT INTO tags (parent_tag_id, name, is_system) VALUES (?, ?, 0)
	`, nullableInt64(parentTagID), name)
	if err != nil {
		return 0, magicerr.New(magicerr.OpMkdir, name, magicerr.ErrAlreadyExists)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("resolve new tag id: %w", err)
	}
	return id, nil
}

// Rmdir deletes a tag only if it has no children and no file edges.
func (g *Graph) Rmdir(ctx context.Context, tagID int64) error {
	tag, ok, err := g.TagByID(ctx, tagID)
	if err != nil {
		return err
	}
	if !ok {
		return magicerr.New(magicerr.OpRmdir, "", magicerr.ErrNotFound)
	}
	if tag.IsSystem {
		return magicerr.New(magicerr.OpRmdir, tag.Name, magicerr.ErrSystemTag)
	}

	var childCount, edgeCount int
	if err := g.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM tags WHERE parent_tag_id = ?`, tagID).Scan(&childCount); err != nil {
		return err
	}
	if err := g.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM file_tags WHERE tag_id = ?`, tagID).Scan(&edgeCount); err != nil {
		return err
	}
	if childCount > 0 || edgeCount > 0 {
		return magicerr.New(magicerr.OpRmdir, tag.Name, magicerr.ErrNotEmpty)
	}

	_, err = g.db.ExecContext(ctx, `DELETE FROM tags WHERE id = ?`, tagID)
	return err
}

// RenameTag changes a tag's own name without moving it in the hierarchy
// (renaming, not reparenting).
func (g *Graph) RenameTag(ctx context.Context, tagID int64, newName string) error {
	tag, ok, err := g.TagByID(ctx, tagID)
	if err != nil {
		return err
	}
	if !ok {
		return magicerr.New(magicerr.OpRename, "", magicerr.ErrNotFound)
	}
	if tag.IsSystem {
		return magicerr.New(magicerr.OpRename, tag.Name, magicerr.ErrSystemTag)
	}

	if _, err := g.db.ExecContext(ctx, `UPDATE tags SET name = ? WHERE id = ?`, newName, tagID); err != nil {
		return magicerr.New(magicerr.OpRename, newName, magicerr.ErrAlreadyExists)
	}
	return nil
}

// Reparent moves tagID under newParentTagID after a cycle check.
func (g *Graph) Reparent(ctx context.Context, tagID int64, newParentTagID *int64) error {
	if newParentTagID != nil && *newParentTagID == tagID {
		return magicerr.New(magicerr.OpRename, "", magicerr.ErrCycle)
	}
	if newParentTagID != nil {
		isDescendant, err := g.isAncestor(ctx, tagID, *newParentTagID)
		if err != nil {
			return err
		}
		if isDescendant {
			return magicerr.New(magicerr.OpRename, "", magicerr.ErrCycle)
		}
	}

	_, err := g.db.ExecContext(ctx, `UPDATE tags SET parent_tag_id = ? WHERE id = ?`, nullableInt64(newParentTagID), tagID)
	return err
}

// isAncestor reports whether candidate appears in ancestorCandidate's
// ancestor chain (i.e. making candidate a child of ancestorCandidate would
// create a cycle because ancestorCandidate is already beneath candidate).
func (g *Graph) isAncestor(ctx context.Context, candidate int64, ancestorCandidate int64) (bool, error) {
	cur := ancestorCandidate
	for {
		tag, ok, err := g.TagByID(ctx, cur)
		if err != nil {
			return false, err
		}
		if !ok || tag.ParentTagID == nil {
			return false, nil
		}
		if *tag.ParentTagID == candidate {
			return true, nil
		}
		cur = *tag.ParentTagID
	}
}

// Alias updates the display_name on an existing edge.
func (g *Graph) Alias(ctx context.Context, fileID, tagID int64, newDisplayName string) error {
	res, err := g.db.ExecContext(ctx, `
		UPDATE file_tags SET display_name = ? WHERE file_id = ? AND tag_id = ?
	`, newDisplayName, fileID, tagID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return magicerr.New(magicerr.OpRename, newDisplayName, magicerr.ErrNotFound)
	}
	return nil
}

// Retag moves the edge from oldTagID to newTagID. Physical bytes are
// never touched.
func (g *Graph) Retag(ctx context.Context, fileID, oldTagID, newTagID int64, displayName string) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM file_tags WHERE file_id = ? AND tag_id = ?`, fileID, oldTagID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO file_tags (file_id, tag_id, display_name, added_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(file_id, tag_id) DO UPDATE SET display_name = excluded.display_name
	`, fileID, newTagID, displayName, time.Now().Unix()); err != nil {
		return err
	}
	return tx.Commit()
}

// AddEdge links fileID to tagID with the given display name, used by the
// Landing Zone Pattern (create/cp into a tag directory) and Inbox -> Tag
// moves.
func (g *Graph) AddEdge(ctx context.Context, fileID, tagID int64, displayName string) error {
	_, err := g.db.ExecContext(ctx, `
		INSERT INTO file_tags (file_id, tag_id, display_name, added_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(file_id, tag_id) DO UPDATE SET display_name = excluded.display_name
	`, fileID, tagID, displayName, time.Now().Unix())
	return err
}

// RemoveEdge deletes the (file, tag) edge: the physical file is
// preserved.
func (g *Graph) RemoveEdge(ctx context.Context, fileID, tagID int64) error {
	_, err := g.db.ExecContext(ctx, `DELETE FROM file_tags WHERE file_id = ? AND tag_id = ?`, fileID, tagID)
	return err
}

// TrashEdge records a (file, tag) pair as trashed rather than deleting the
// edge outright, for installations with the optional trash scheme enabled.
func (g *Graph) TrashEdge(ctx context.Context, fileID, tagID int64) error {
	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM file_tags WHERE file_id = ? AND tag_id = ?`, fileID, tagID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO trash_edges (file_id, tag_id, trashed_at) VALUES (?, ?, ?)
		ON CONFLICT(file_id, tag_id) DO UPDATE SET trashed_at = excluded.trashed_at
	`, fileID, tagID, time.Now().Unix()); err != nil {
		return err
	}
	return tx.Commit()
}

// FilesInTag lists every (file_id, display_name) edge under tagID, the
// source data readdir composes a tag view from.
func (g *Graph) FilesInTag(ctx context.Context, tagID int64) ([]model.FileTagEdge, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT ft.file_id, ft.tag_id, ft.display_name, ft.added_at, f.abs_path
		FROM file_tags ft
		JOIN files f ON f.id = ft.file_id
		WHERE ft.tag_id = ?
		ORDER BY ft.added_at
	`, tagID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.FileTagEdge
	var origins []string
	for rows.Next() {
		var e model.FileTagEdge
		var addedAt int64
		var absPath string
		if err := rows.Scan(&e.FileID, &e.TagID, &e.DisplayName, &addedAt, &absPath); err != nil {
			return nil, err
		}
		e.AddedAt = time.Unix(addedAt, 0)
		out = append(out, e)
		origins = append(origins, absPath)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return applyContextualAliasing(out, origins), nil
}

// TagNamesForFile lists the names of every tag fileID is linked to, used to
// decorate an indexed chunk's payload with "Tags: ...".
func (g *Graph) TagNamesForFile(ctx context.Context, fileID int64) ([]string, error) {
	rows, err := g.db.QueryContext(ctx, `
		SELECT t.name FROM tags t
		JOIN file_tags ft ON ft.tag_id = t.id
		WHERE ft.file_id = ?
		ORDER BY t.name
	`, fileID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		names = append(names, name)
	}
	return names, rows.Err()
}

// applyContextualAliasing disambiguates edges sharing a display_name by
// suffixing each one with its originating parent directory's name (origins
// is parallel to edges, one abs_path per entry), deterministically and
// idempotently. Two files sharing both a display name and a parent
// directory name fall back to a file_id suffix so no two siblings ever end
// up identical.
func applyContextualAliasing(edges []model.FileTagEdge, origins []string) []model.FileTagEdge {
	counts := make(map[string]int)
	for _, e := range edges {
		counts[e.DisplayName]++
	}

	seen := make(map[string]bool)
	for i, e := range edges {
		if counts[e.DisplayName] <= 1 {
			continue
		}
		suffix := filepath.Base(filepath.Dir(origins[i]))
		alias := fmt.Sprintf("%s (%s)", e.DisplayName, suffix)
		if seen[alias] {
			alias = fmt.Sprintf("%s (%s-%d)", e.DisplayName, suffix, e.FileID)
		}
		seen[alias] = true
		edges[i].DisplayName = alias
	}
	return edges
}

func nullableInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}
