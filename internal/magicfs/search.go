package magicfs

import (
	"context"
	"os"
	"syscall"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"

	"magicfs/internal/bouncer"
	"magicfs/internal/inode"
	"magicfs/internal/logging"
	"magicfs/internal/magicerr"
	"magicfs/internal/model"
)

var searchLog = logging.GetLogger().WithPrefix("search")

// SearchRootDir is /search: read-only, and its children never appear in a
// directory listing of /search itself since queries are named by the
// lookup path component, not enumerated in advance.
type SearchRootDir struct {
	fs *MagicFS
}

func (d *SearchRootDir) Attr(_ context.Context, a *fuse.Attr) error {
	a.Inode = model.InodeSearch
	a.Mode = os.ModeDir | 0o555
	a.Uid = d.fs.uid
	a.Gid = d.fs.gid
	a.Mtime = d.fs.state.StartTime
	return nil
}

func (d *SearchRootDir) Setattr(_ context.Context, _ *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	return d.Attr(context.Background(), &resp.Attr)
}

// Lookup implements the Ephemeral Promise: it mints the deterministic
// query inode and returns a directory node, scheduling nothing. The
// actual query dispatch happens in that node's ReadDirAll. A noise name
// (dotfile, blocked extension, backup suffix, OS-metadata probe) is
// rejected outright so file-manager probes under /search never trigger a
// phantom query.
func (d *SearchRootDir) Lookup(_ context.Context, name string) (fusefs.Node, error) {
	if bouncer.IsNoise(name) {
		return nil, syscall.ENOENT
	}
	return &SearchViewDir{fs: d.fs, query: name}, nil
}

func (d *SearchRootDir) ReadDirAll(_ context.Context) ([]fuse.Dirent, error) {
	return nil, nil
}

func (d *SearchRootDir) Mkdir(_ context.Context, req *fuse.MkdirRequest) (fusefs.Node, error) {
	return nil, magicerr.ToErrno(magicerr.New(magicerr.OpMkdir, req.Name, magicerr.ErrReadOnly))
}

func (d *SearchRootDir) Remove(_ context.Context, req *fuse.RemoveRequest) error {
	return magicerr.ToErrno(magicerr.New(magicerr.OpRemove, req.Name, magicerr.ErrReadOnly))
}

func (d *SearchRootDir) Rename(_ context.Context, req *fuse.RenameRequest, _ fusefs.Node) error {
	return magicerr.ToErrno(magicerr.New(magicerr.OpRename, req.OldName, magicerr.ErrReadOnly))
}

// SearchViewDir is one on-demand query directory, e.g. /search/invoice pdf.
// Its inode is the FNV-1a hash of the query string, stable across restarts
// without ever being persisted.
type SearchViewDir struct {
	fs    *MagicFS
	query string
}

func (d *SearchViewDir) Attr(_ context.Context, a *fuse.Attr) error {
	a.Inode = inode.QueryInode(d.query)
	a.Mode = os.ModeDir | 0o555
	a.Uid = d.fs.uid
	a.Gid = d.fs.gid
	a.Mtime = d.fs.state.StartTime
	return nil
}

func (d *SearchViewDir) Setattr(_ context.Context, _ *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	return d.Attr(context.Background(), &resp.Attr)
}

// ReadDirAll implements the Smart Waiter: dispatch the query to the
// Orchestrator/Searcher if needed, then block the readdir call (not the
// kernel thread generally, just this one syscall) until a result set
// publishes or the hard timeout elapses.
func (d *SearchViewDir) ReadDirAll(ctx context.Context) ([]fuse.Dirent, error) {
	d.fs.state.Orch.SubmitQuery(ctx, nil, d.query)
	set := d.fs.state.Store.WaitSearch(d.query, readdirDeadline)

	entries := make([]fuse.Dirent, 0, len(set.Results))
	for _, r := range set.Results {
		entries = append(entries, fuse.Dirent{
			Inode: inode.ResultInode(d.query, r.FileID),
			Name:  r.DisplayName,
			Type:  fuse.DT_File,
		})
	}
	searchLog.Debug("readdir %q: %d result(s)", d.query, len(entries))
	return entries, nil
}

// Lookup re-fetches whatever is currently published (without re-dispatching
// the query; readdir already did that) and matches by display name.
func (d *SearchViewDir) Lookup(_ context.Context, name string) (fusefs.Node, error) {
	set, ok := d.fs.state.Store.PeekSearch(d.query)
	if !ok {
		set = d.fs.state.Store.WaitSearch(d.query, shortDeadline)
	}

	for _, r := range set.Results {
		if r.DisplayName == name {
			return &SearchResultFile{fs: d.fs, query: d.query, fileID: r.FileID, score: r.Score, displayName: name}, nil
		}
	}
	return nil, syscall.ENOENT
}

func (d *SearchViewDir) Mkdir(_ context.Context, req *fuse.MkdirRequest) (fusefs.Node, error) {
	return nil, magicerr.ToErrno(magicerr.New(magicerr.OpMkdir, req.Name, magicerr.ErrReadOnly))
}

func (d *SearchViewDir) Remove(_ context.Context, req *fuse.RemoveRequest) error {
	return magicerr.ToErrno(magicerr.New(magicerr.OpRemove, req.Name, magicerr.ErrReadOnly))
}

func (d *SearchViewDir) Rename(_ context.Context, req *fuse.RenameRequest, _ fusefs.Node) error {
	return magicerr.ToErrno(magicerr.New(magicerr.OpRename, req.OldName, magicerr.ErrReadOnly))
}
