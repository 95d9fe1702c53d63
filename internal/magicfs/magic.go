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

var magicLog = logging.GetLogger().WithPrefix("magic")

// MagicDir is /.magic, the control surface: currently a single write-only
// file, refresh, that requests an out-of-band rescan of the watch roots,
// surfaced as a filesystem operation rather than a signal or RPC since
// everything else in this daemon is already reached through the mount.
type MagicDir struct {
	fs *MagicFS
}

func (d *MagicDir) Attr(_ context.Context, a *fuse.Attr) error {
	a.Inode = model.InodeMagic
	a.Mode = os.ModeDir | 0o555
	a.Uid = d.fs.uid
	a.Gid = d.fs.gid
	a.Mtime = d.fs.state.StartTime
	return nil
}

func (d *MagicDir) Setattr(_ context.Context, _ *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	return d.Attr(context.Background(), &resp.Attr)
}

func (d *MagicDir) Lookup(_ context.Context, name string) (fusefs.Node, error) {
	if name != "refresh" {
		return nil, syscall.ENOENT
	}
	return &RefreshFile{fs: d.fs}, nil
}

func (d *MagicDir) ReadDirAll(_ context.Context) ([]fuse.Dirent, error) {
	return []fuse.Dirent{
		{Inode: model.InodeMagicRefresh, Name: "refresh", Type: fuse.DT_File},
	}, nil
}

func (d *MagicDir) Mkdir(_ context.Context, req *fuse.MkdirRequest) (fusefs.Node, error) {
	return nil, magicerr.ToErrno(magicerr.New(magicerr.OpMkdir, req.Name, magicerr.ErrReadOnly))
}

func (d *MagicDir) Remove(_ context.Context, req *fuse.RemoveRequest) error {
	return magicerr.ToErrno(magicerr.New(magicerr.OpRemove, req.Name, magicerr.ErrReadOnly))
}

func (d *MagicDir) Rename(_ context.Context, req *fuse.RenameRequest, _ fusefs.Node) error {
	return magicerr.ToErrno(magicerr.New(magicerr.OpRename, req.OldName, magicerr.ErrReadOnly))
}

// RefreshFile is write-only: any bytes written to it trigger the Watcher's
// out-of-band refresh and are otherwise discarded, the way a sysfs trigger
// file works.
type RefreshFile struct {
	fs *MagicFS
}

func (f *RefreshFile) Attr(_ context.Context, a *fuse.Attr) error {
	a.Inode = model.InodeMagicRefresh
	a.Mode = 0o222
	a.Uid = f.fs.uid
	a.Gid = f.fs.gid
	a.Mtime = f.fs.state.StartTime
	return nil
}

func (f *RefreshFile) Setattr(_ context.Context, _ *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	return f.Attr(context.Background(), &resp.Attr)
}

func (f *RefreshFile) Open(_ context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fusefs.Handle, error) {
	flags := int(req.Flags)
	if flags&os.O_WRONLY == 0 && flags&os.O_RDWR == 0 {
		return nil, syscall.EPERM
	}
	resp.Flags |= fuse.OpenDirectIO
	return &refreshHandle{fs: f.fs}, nil
}

type refreshHandle struct {
	fs *MagicFS
}

func (h *refreshHandle) Write(_ context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	magicLog.Info("refresh requested via .magic/refresh (%d bytes)", len(req.Data))
	h.fs.state.Watch.RequestRefresh()
	resp.Size = len(req.Data)
	return nil
}

func (h *refreshHandle) Release(_ context.Context, _ *fuse.ReleaseRequest) error {
	return nil
}
