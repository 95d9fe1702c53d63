package magicfs

import (
	"context"
	"os"
	"syscall"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"

	"magicfs/internal/logging"
	"magicfs/internal/magicerr"
	"magicfs/internal/model"
)

var rootLog = logging.GetLogger().WithPrefix("root")

// RootDir is inode 1: a fixed five-entry directory whose children are the
// five top-level virtual namespaces.
type RootDir struct {
	fs *MagicFS
}

func (d *RootDir) Attr(_ context.Context, a *fuse.Attr) error {
	a.Inode = model.InodeRoot
	a.Mode = os.ModeDir | 0o555
	a.Uid = d.fs.uid
	a.Gid = d.fs.gid
	a.Mtime = d.fs.state.StartTime
	a.Atime = d.fs.state.StartTime
	a.Ctime = d.fs.state.StartTime
	return nil
}

// Setattr is a no-op: the root's attributes are fixed for the process
// lifetime.
func (d *RootDir) Setattr(_ context.Context, _ *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	return d.Attr(context.Background(), &resp.Attr)
}

func (d *RootDir) Lookup(_ context.Context, name string) (fusefs.Node, error) {
	switch name {
	case "search":
		return &SearchRootDir{fs: d.fs}, nil
	case "tags":
		return &TagDir{fs: d.fs, tagID: nil}, nil
	case "inbox":
		inboxTagID, ok, err := d.fs.state.Graph.SystemTagID(context.Background(), model.SystemTagInbox)
		if err != nil {
			return nil, err
		}
		if !ok {
			rootLog.Warn("system inbox tag missing")
			return nil, syscall.ENOENT
		}
		return &TagDir{fs: d.fs, tagID: &inboxTagID, isInbox: true}, nil
	case "mirror":
		return &MirrorRootDir{fs: d.fs}, nil
	case ".magic":
		return &MagicDir{fs: d.fs}, nil
	default:
		rootLog.Debug("lookup miss for %q at root", name)
		return nil, syscall.ENOENT
	}
}

func (d *RootDir) ReadDirAll(_ context.Context) ([]fuse.Dirent, error) {
	return []fuse.Dirent{
		{Inode: model.InodeSearch, Name: "search", Type: fuse.DT_Dir},
		{Inode: model.InodeTags, Name: "tags", Type: fuse.DT_Dir},
		{Inode: model.InodeInbox, Name: "inbox", Type: fuse.DT_Dir},
		{Inode: model.InodeMirror, Name: "mirror", Type: fuse.DT_Dir},
		{Inode: model.InodeMagic, Name: ".magic", Type: fuse.DT_Dir},
	}, nil
}

// Mkdir, Remove, and Rename are all rejected at root: the five top-level
// names are fixed and none of the Filesystem Face's write paths operate
// directly on it.
func (d *RootDir) Mkdir(_ context.Context, req *fuse.MkdirRequest) (fusefs.Node, error) {
	return nil, magicerr.ToErrno(magicerr.New(magicerr.OpMkdir, req.Name, magicerr.ErrReadOnly))
}

func (d *RootDir) Remove(_ context.Context, req *fuse.RemoveRequest) error {
	return magicerr.ToErrno(magicerr.New(magicerr.OpRemove, req.Name, magicerr.ErrReadOnly))
}

func (d *RootDir) Rename(_ context.Context, req *fuse.RenameRequest, _ fusefs.Node) error {
	return magicerr.ToErrno(magicerr.New(magicerr.OpRename, req.OldName, magicerr.ErrReadOnly))
}
