package magicfs

import (
	"context"
	"os"
	"path/filepath"
	"syscall"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"

	"magicfs/internal/bouncer"
	"magicfs/internal/inode"
	"magicfs/internal/logging"
	"magicfs/internal/magicerr"
	"magicfs/internal/model"
)

var mirrorLog = logging.GetLogger().WithPrefix("mirror")

// MirrorRootDir is /mirror: a read-only directory whose children are one
// entry per configured watch root, named by its base name. Two roots that
// share a base name are listed under the same name, and Lookup of that name
// resolves to the first such root only.
type MirrorRootDir struct {
	fs *MagicFS
}

func (d *MirrorRootDir) Attr(_ context.Context, a *fuse.Attr) error {
	a.Inode = model.InodeMirror
	a.Mode = os.ModeDir | 0o555
	a.Uid = d.fs.uid
	a.Gid = d.fs.gid
	a.Mtime = d.fs.state.StartTime
	return nil
}

func (d *MirrorRootDir) Setattr(_ context.Context, _ *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	return d.Attr(context.Background(), &resp.Attr)
}

func (d *MirrorRootDir) Lookup(_ context.Context, name string) (fusefs.Node, error) {
	for _, root := range d.fs.state.Config.WatchRoots {
		if filepath.Base(root) == name {
			return &MirrorDir{fs: d.fs, absRoot: root}, nil
		}
	}
	return nil, syscall.ENOENT
}

func (d *MirrorRootDir) ReadDirAll(_ context.Context) ([]fuse.Dirent, error) {
	entries := make([]fuse.Dirent, 0, len(d.fs.state.Config.WatchRoots))
	for _, root := range d.fs.state.Config.WatchRoots {
		entries = append(entries, fuse.Dirent{Name: filepath.Base(root), Type: fuse.DT_Dir})
	}
	return entries, nil
}

func (d *MirrorRootDir) Mkdir(_ context.Context, req *fuse.MkdirRequest) (fusefs.Node, error) {
	return nil, magicerr.ToErrno(magicerr.New(magicerr.OpMkdir, req.Name, magicerr.ErrReadOnly))
}

func (d *MirrorRootDir) Remove(_ context.Context, req *fuse.RemoveRequest) error {
	return magicerr.ToErrno(magicerr.New(magicerr.OpRemove, req.Name, magicerr.ErrReadOnly))
}

func (d *MirrorRootDir) Rename(_ context.Context, req *fuse.RenameRequest, _ fusefs.Node) error {
	return magicerr.ToErrno(magicerr.New(magicerr.OpRename, req.OldName, magicerr.ErrReadOnly))
}

// MirrorDir recursively mirrors a real directory tree, read-only, skipping
// noise names, with no path-mapping overlay to cross-check, just a
// straight passthrough.
type MirrorDir struct {
	fs      *MagicFS
	absRoot string
}

func (d *MirrorDir) Attr(_ context.Context, a *fuse.Attr) error {
	info, err := os.Stat(d.absRoot)
	if err != nil {
		return err
	}
	a.Mode = info.Mode()
	a.Uid = d.fs.uid
	a.Gid = d.fs.gid
	a.Mtime = info.ModTime()
	a.Atime = info.ModTime()
	a.Ctime = info.ModTime()
	return nil
}

func (d *MirrorDir) Setattr(ctx context.Context, _ *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	return d.Attr(ctx, &resp.Attr)
}

func (d *MirrorDir) Lookup(_ context.Context, name string) (fusefs.Node, error) {
	if bouncer.IsNoise(name) {
		return nil, syscall.ENOENT
	}
	childPath := filepath.Join(d.absRoot, name)
	info, err := os.Stat(childPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, syscall.ENOENT
		}
		return nil, err
	}
	if info.IsDir() {
		return &MirrorDir{fs: d.fs, absRoot: childPath}, nil
	}
	return &archiveFile{fs: d.fs, absPath: childPath, ino: inode.MirrorInode(childPath), readOnly: true}, nil
}

func (d *MirrorDir) ReadDirAll(_ context.Context) ([]fuse.Dirent, error) {
	entries, err := os.ReadDir(d.absRoot)
	if err != nil {
		mirrorLog.Error("read mirror dir %q: %v", d.absRoot, err)
		return nil, err
	}

	dirEntries := make([]fuse.Dirent, 0, len(entries))
	for _, e := range entries {
		if bouncer.IsNoise(e.Name()) {
			continue
		}
		typ := fuse.DT_File
		if e.IsDir() {
			typ = fuse.DT_Dir
		}
		dirEntries = append(dirEntries, fuse.Dirent{Name: e.Name(), Type: typ})
	}
	return dirEntries, nil
}

func (d *MirrorDir) Mkdir(_ context.Context, req *fuse.MkdirRequest) (fusefs.Node, error) {
	return nil, magicerr.ToErrno(magicerr.New(magicerr.OpMkdir, req.Name, magicerr.ErrReadOnly))
}

func (d *MirrorDir) Remove(_ context.Context, req *fuse.RemoveRequest) error {
	return magicerr.ToErrno(magicerr.New(magicerr.OpRemove, req.Name, magicerr.ErrReadOnly))
}

func (d *MirrorDir) Rename(_ context.Context, req *fuse.RenameRequest, _ fusefs.Node) error {
	return magicerr.ToErrno(magicerr.New(magicerr.OpRename, req.OldName, magicerr.ErrReadOnly))
}
