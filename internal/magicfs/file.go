package magicfs

import (
	"context"
	"io"
	"os"
	"sync"
	"syscall"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"

	"magicfs/internal/logging"
	"magicfs/internal/magicerr"
)

var fileLog = logging.GetLogger().WithPrefix("file")

// archiveFile is the physical-bytes node shared by every view onto a real
// file on disk: tag directories, the inbox, and the read-only mirror. The
// tag graph bookkeeping (which tag an edge belongs to, its display alias)
// lives entirely in the containing directory node, not here; this type
// only ever sees an absolute path, allows writes unless readOnly is set
// (the mirror), and has no xattr support, which no component here needs
// for an indexed file.
type archiveFile struct {
	fs       *MagicFS
	absPath  string
	ino      uint64
	readOnly bool
	mu       sync.RWMutex
}

func (f *archiveFile) Attr(_ context.Context, a *fuse.Attr) error {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return statAttr(f.absPath, f.ino, a, f.fs.uid, f.fs.gid)
}

func (f *archiveFile) Setattr(_ context.Context, req *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.readOnly {
		return magicerr.ToErrno(magicerr.New(magicerr.OpSetattr, f.absPath, magicerr.ErrReadOnly))
	}
	if req.Valid.Size() {
		if err := os.Truncate(f.absPath, int64(req.Size)); err != nil {
			return err
		}
	}
	return statAttr(f.absPath, f.ino, &resp.Attr, f.fs.uid, f.fs.gid)
}

// Open implements NodeOpener. Write access is rejected outright for
// read-only views (the mirror); elsewhere the underlying OS file enforces
// the requested flags directly.
func (f *archiveFile) Open(_ context.Context, req *fuse.OpenRequest, resp *fuse.OpenResponse) (fusefs.Handle, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	flags := int(req.Flags)
	if f.readOnly && (flags&os.O_WRONLY != 0 || flags&os.O_RDWR != 0) {
		fileLog.Warn("write access attempted on read-only path %q", f.absPath)
		return nil, syscall.EPERM
	}

	file, err := os.OpenFile(f.absPath, flags, 0o644)
	if err != nil {
		return nil, err
	}

	resp.Flags |= fuse.OpenDirectIO
	return &fileHandle{file: file, path: f.absPath}, nil
}

// Fsync implements NodeFsyncer as a no-op: MagicFS itself has no
// write-behind buffer to drain, and the OS file is synced by the handle's
// Flush.
func (f *archiveFile) Fsync(_ context.Context, _ *fuse.FsyncRequest) error {
	return nil
}

// fileHandle wraps an open OS file descriptor, with Write and Flush since
// archive/inbox files are not read-only.
type fileHandle struct {
	file *os.File
	path string
	mu   sync.RWMutex
}

func (fh *fileHandle) Read(_ context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	fh.mu.RLock()
	defer fh.mu.RUnlock()

	resp.Data = make([]byte, req.Size)
	n, err := fh.file.ReadAt(resp.Data, req.Offset)
	if err != nil && err != io.EOF {
		return err
	}
	resp.Data = resp.Data[:n]
	return nil
}

func (fh *fileHandle) Write(_ context.Context, req *fuse.WriteRequest, resp *fuse.WriteResponse) error {
	fh.mu.Lock()
	defer fh.mu.Unlock()

	n, err := fh.file.WriteAt(req.Data, req.Offset)
	if err != nil {
		return err
	}
	resp.Size = n
	return nil
}

func (fh *fileHandle) Flush(_ context.Context, _ *fuse.FlushRequest) error {
	fh.mu.RLock()
	defer fh.mu.RUnlock()
	return fh.file.Sync()
}

func (fh *fileHandle) Release(_ context.Context, _ *fuse.ReleaseRequest) error {
	fh.mu.Lock()
	defer fh.mu.Unlock()
	fileLog.Debug("closing %q", fh.path)
	return fh.file.Close()
}

// statAttr copies os.FileInfo onto a fuse.Attr, the shape every physical
// node in this package shares.
func statAttr(absPath string, ino uint64, a *fuse.Attr, uid, gid uint32) error {
	info, err := os.Stat(absPath)
	if err != nil {
		if os.IsNotExist(err) {
			return syscall.ENOENT
		}
		return err
	}

	a.Inode = ino
	a.Mode = info.Mode()
	a.Size = safeInt64ToUint64(info.Size())
	a.Mtime = info.ModTime()
	a.Atime = info.ModTime()
	a.Ctime = info.ModTime()
	a.Uid = uid
	a.Gid = gid
	a.BlockSize = 4096
	a.Blocks = safeInt64ToUint64((info.Size() + 511) / 512)
	return nil
}
