// Package magicfs implements the Filesystem Face: the FUSE syscall
// dispatcher that translates lookup/getattr/readdir/read/write/create/
// mkdir/rmdir/rename/unlink into inode-store reads and orchestrator
// requests, and must never block the kernel thread on disk I/O or
// embeddings. The Dir/File node split and the daemon's uid/gid-masquerade
// setup are generalized from a flat virtual-path mapping to the tag-graph
// and search-view model this daemon implements; node types satisfy the
// bazil.org/fuse interfaces directly, with no named interface layer.
package magicfs

import (
	"fmt"
	"os"
	"time"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"

	"magicfs/internal/logging"
	"magicfs/internal/state"
)

var fsLog = logging.GetLogger().WithPrefix("vfs")

// MagicFS is the fusefs.FS implementation: the single long-lived object
// bazil.org/fuse calls Root() on for every mount.
type MagicFS struct {
	state *state.State
	uid   uint32
	gid   uint32
	conn  *fuse.Conn
}

// New builds a MagicFS bound to an already-wired State.
func New(st *state.State) *MagicFS {
	return &MagicFS{state: st, uid: st.UID, gid: st.GID}
}

// Root implements fusefs.FS.
func (m *MagicFS) Root() (fusefs.Node, error) {
	return &RootDir{fs: m}, nil
}

// Mount attaches the filesystem at mountPoint and serves requests until
// Unmount is called or the process exits.
func (m *MagicFS) Mount(mountPoint string) error {
	fsLog.Info("mounting at %s", mountPoint)

	opts := []fuse.MountOption{
		fuse.FSName("magicfs"),
		fuse.Subtype("magicfs"),
		fuse.AllowOther(),
		fuse.DefaultPermissions(),
		fuse.AsyncRead(),
		fuse.AllowNonEmptyMount(),
	}

	c, err := fuse.Mount(mountPoint, opts...)
	if err != nil {
		return fmt.Errorf("mount failed: %w", err)
	}
	m.conn = c

	go func() {
		if err := fusefs.Serve(c, m); err != nil {
			fsLog.Error("fuse server error: %v", err)
		}
	}()

	return waitForMount(mountPoint)
}

// Unmount cleanly detaches the filesystem.
func (m *MagicFS) Unmount(mountPoint string) error {
	if m.conn == nil {
		return nil
	}
	fsLog.Info("unmounting %s", mountPoint)
	return fuse.Unmount(mountPoint)
}

func waitForMount(mountPoint string) error {
	for i := 0; i < 30; i++ {
		if info, err := os.Stat(mountPoint); err == nil && info.IsDir() {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("mount point not ready after 3s")
}

// shortDeadline bounds Smart Waiter lookups that must answer immediately
// (Lookup on a search result, rather than readdir's full wait).
func shortDeadline() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(ch)
	}()
	return ch
}

// readdirDeadline is the Smart Waiter's hard timeout: readdir blocks up to
// ~2s for a search to publish before returning whatever is currently
// available.
func readdirDeadline() <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		time.Sleep(2 * time.Second)
		close(ch)
	}()
	return ch
}
