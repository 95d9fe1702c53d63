package magicfs

import (
	"context"
	"os"
	"path/filepath"
	"syscall"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"
	"github.com/google/uuid"

	"magicfs/internal/inode"
	"magicfs/internal/logging"
	"magicfs/internal/magicerr"
	"magicfs/internal/model"
)

var tagLog = logging.GetLogger().WithPrefix("tags")

// TagDir is a node in the tag graph, reached under /tags. tagID is nil
// only for the /tags root itself, which is not a real row in the tags
// table and so can hold child tags but never a file edge directly.
// isInbox marks the special case of the node reached via /inbox: a TagDir
// pinned to the system Inbox tag, whose files land physically in the
// daemon's inbox directory rather than its archive, and which forbids
// further subdirectories.
type TagDir struct {
	fs      *MagicFS
	tagID   *int64
	isInbox bool
}

func (d *TagDir) Attr(ctx context.Context, a *fuse.Attr) error {
	switch {
	case d.isInbox:
		a.Inode = model.InodeInbox
	case d.tagID == nil:
		a.Inode = model.InodeTags
	default:
		a.Inode = inode.TagInode(*d.tagID)
	}
	a.Mode = os.ModeDir | 0o755
	a.Uid = d.fs.uid
	a.Gid = d.fs.gid
	a.Mtime = d.fs.state.StartTime
	a.Atime = d.fs.state.StartTime
	a.Ctime = d.fs.state.StartTime
	return nil
}

func (d *TagDir) Setattr(ctx context.Context, _ *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	return d.Attr(ctx, &resp.Attr)
}

// Lookup checks child tags first, then file edges: a tag directory's
// children are the union of its sub-tags and its tagged files,
// Smart-Contextual-Aliased for uniqueness.
func (d *TagDir) Lookup(ctx context.Context, name string) (fusefs.Node, error) {
	graph := d.fs.state.Graph

	if child, ok, err := graph.ChildTag(ctx, d.tagID, name); err == nil && ok {
		return &TagDir{fs: d.fs, tagID: &child.TagID}, nil
	}

	if d.tagID == nil {
		return nil, syscall.ENOENT
	}

	edges, err := graph.FilesInTag(ctx, *d.tagID)
	if err != nil {
		return nil, err
	}
	for _, e := range edges {
		if e.DisplayName != name {
			continue
		}
		absPath, ok := resolveAbsPath(ctx, d.fs.state, e.FileID)
		if !ok {
			return nil, syscall.ENOENT
		}
		return &archiveFile{fs: d.fs, absPath: absPath, ino: inode.InodeForFile(e.FileID)}, nil
	}
	return nil, syscall.ENOENT
}

// ReadDirAll lists child tags and tagged files, applying the Lazy Reaper
// to edges whose physical file has vanished.
func (d *TagDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	graph := d.fs.state.Graph

	children, err := graph.Children(ctx, d.tagID)
	if err != nil {
		return nil, err
	}
	entries := make([]fuse.Dirent, 0, len(children))
	for _, c := range children {
		entries = append(entries, fuse.Dirent{Inode: inode.TagInode(c.TagID), Name: c.Name, Type: fuse.DT_Dir})
	}

	if d.tagID == nil {
		return entries, nil
	}

	edges, err := graph.FilesInTag(ctx, *d.tagID)
	if err != nil {
		return entries, nil
	}
	for _, e := range edges {
		absPath, ok := resolveAbsPath(ctx, d.fs.state, e.FileID)
		if !ok {
			continue
		}
		if _, err := os.Stat(absPath); err != nil {
			tagLog.Debug("lazy reaper: %s vanished, dropping edge for file %d", absPath, e.FileID)
			if delErr := d.fs.state.Repo.DeleteFile(ctx, e.FileID); delErr != nil {
				tagLog.Warn("lazy reaper delete failed for file %d: %v", e.FileID, delErr)
			}
			d.fs.state.Store.Invalidate(e.FileID)
			continue
		}
		entries = append(entries, fuse.Dirent{Inode: inode.InodeForFile(e.FileID), Name: e.DisplayName, Type: fuse.DT_File})
	}
	return entries, nil
}

func (d *TagDir) Mkdir(ctx context.Context, req *fuse.MkdirRequest) (fusefs.Node, error) {
	if d.isInbox {
		return nil, magicerr.ToErrno(magicerr.New(magicerr.OpMkdir, req.Name, magicerr.ErrReadOnly))
	}
	id, err := d.fs.state.Graph.Mkdir(ctx, d.tagID, req.Name)
	if err != nil {
		return nil, magicerr.ToErrno(err)
	}
	return &TagDir{fs: d.fs, tagID: &id}, nil
}

// Create lands a new file in the archive (or, for /inbox, the inbox
// directory), registers it with the repository, and links it to this tag.
// The async indexing pipeline picks it up through the watcher, which
// already covers both directories.
func (d *TagDir) Create(ctx context.Context, req *fuse.CreateRequest, resp *fuse.CreateResponse) (fusefs.Node, fusefs.Handle, error) {
	if d.tagID == nil {
		return nil, nil, magicerr.ToErrno(magicerr.New(magicerr.OpCreate, req.Name, magicerr.ErrReadOnly))
	}

	dir := d.fs.state.Config.ArchiveDir()
	if d.isInbox {
		dir = d.fs.state.Config.InboxDir()
	}
	// The landing zone names files by a fresh uuid rather than req.Name, so
	// two different tags can each display a file named "report.pdf" without
	// colliding on disk; the user-visible name lives entirely in the tag
	// edge's display_name column.
	absPath := filepath.Join(dir, uuid.NewString()+filepath.Ext(req.Name))

	file, err := os.OpenFile(absPath, os.O_CREATE|os.O_EXCL|os.O_RDWR, 0o644)
	if err != nil {
		return nil, nil, err
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, nil, err
	}

	fileID, err := d.fs.state.Repo.UpsertFile(ctx, absPath, info.ModTime(), info.Size(), false)
	if err != nil {
		file.Close()
		return nil, nil, err
	}
	d.fs.state.Store.RegisterFile(fileID, absPath)

	if err := d.fs.state.Graph.AddEdge(ctx, fileID, *d.tagID, req.Name); err != nil {
		file.Close()
		return nil, nil, err
	}

	if err := statAttr(absPath, inode.InodeForFile(fileID), &resp.Attr, d.fs.uid, d.fs.gid); err != nil {
		tagLog.Warn("stat after create failed for %s: %v", absPath, err)
	}

	node := &archiveFile{fs: d.fs, absPath: absPath, ino: inode.InodeForFile(fileID)}
	return node, &fileHandle{file: file, path: absPath}, nil
}

// Remove unlinks a tag's edge to a file (the physical bytes survive) or
// deletes an empty child tag.
func (d *TagDir) Remove(ctx context.Context, req *fuse.RemoveRequest) error {
	graph := d.fs.state.Graph

	if req.Dir {
		child, ok, err := graph.ChildTag(ctx, d.tagID, req.Name)
		if err != nil {
			return err
		}
		if !ok {
			return syscall.ENOENT
		}
		return toErrno(graph.Rmdir(ctx, child.TagID))
	}

	if d.tagID == nil {
		return syscall.ENOENT
	}
	edges, err := graph.FilesInTag(ctx, *d.tagID)
	if err != nil {
		return err
	}
	for _, e := range edges {
		if e.DisplayName == req.Name {
			if d.isInbox {
				return d.removeFromInbox(ctx, e.FileID)
			}
			if d.fs.state.Config.TrashMode {
				return toErrno(graph.TrashEdge(ctx, e.FileID, *d.tagID))
			}
			return toErrno(graph.RemoveEdge(ctx, e.FileID, *d.tagID))
		}
	}
	return syscall.ENOENT
}

// removeFromInbox implements the inbox's unlink contract: delete the
// physical file, not just the edge, since a file only has one home while
// it sits in the inbox. The edge and registry row are dropped alongside it
// so nothing in the file_tags/files tables outlives the bytes it describes.
func (d *TagDir) removeFromInbox(ctx context.Context, fileID int64) error {
	absPath, ok := resolveAbsPath(ctx, d.fs.state, fileID)
	if !ok {
		return syscall.ENOENT
	}
	if err := os.Remove(absPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	d.fs.state.Store.Invalidate(fileID)
	return toErrno(d.fs.state.Repo.DeleteFile(ctx, fileID))
}

// Rename implements the rename translation table: Tag -> same-Tag renames
// the tag itself; Tag -> different-Tag reparents it with a cycle check; a
// file edge moved within the same tag is an alias, moved to a different
// tag is a retag, and moved to anything else (mirror, a raw directory) is
// a cross-device error.
func (d *TagDir) Rename(ctx context.Context, req *fuse.RenameRequest, newDir fusefs.Node) error {
	graph := d.fs.state.Graph

	if tag, ok, err := graph.ChildTag(ctx, d.tagID, req.OldName); err == nil && ok {
		target, ok := newDir.(*TagDir)
		if !ok {
			return magicerr.ToErrno(magicerr.New(magicerr.OpRename, req.OldName, magicerr.ErrCrossDevice))
		}
		if sameTagParent(d.tagID, target.tagID) {
			if req.NewName == req.OldName {
				return nil
			}
			return toErrno(graph.RenameTag(ctx, tag.TagID, req.NewName))
		}
		return toErrno(graph.Reparent(ctx, tag.TagID, target.tagID))
	}

	if d.tagID == nil {
		return syscall.ENOENT
	}

	edges, err := graph.FilesInTag(ctx, *d.tagID)
	if err != nil {
		return err
	}
	for _, e := range edges {
		if e.DisplayName != req.OldName {
			continue
		}
		target, ok := newDir.(*TagDir)
		if !ok {
			return magicerr.ToErrno(magicerr.New(magicerr.OpRename, req.OldName, magicerr.ErrCrossDevice))
		}
		if target.tagID == nil {
			return magicerr.ToErrno(magicerr.New(magicerr.OpRename, req.OldName, magicerr.ErrCrossDevice))
		}
		if *target.tagID == *d.tagID {
			return toErrno(graph.Alias(ctx, e.FileID, *d.tagID, req.NewName))
		}
		return toErrno(graph.Retag(ctx, e.FileID, *d.tagID, *target.tagID, req.NewName))
	}
	return syscall.ENOENT
}

func sameTagParent(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// toErrno converts err with magicerr.ToErrno but keeps a nil error nil: a
// zero syscall.Errno stored in an error interface is not nil.
func toErrno(err error) error {
	if err == nil {
		return nil
	}
	return magicerr.ToErrno(err)
}
