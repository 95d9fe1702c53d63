package magicfs

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"bazil.org/fuse"
	fusefs "bazil.org/fuse/fs"

	"magicfs/internal/inode"
	"magicfs/internal/logging"
)

var resultLog = logging.GetLogger().WithPrefix("searchresult")

// maxSnippetChunks bounds how many chunk texts a result file quotes, so a
// large file's pseudo-file content stays a quick read.
const maxSnippetChunks = 3

// SearchResultFile is a synthesized pseudo-file: reading it returns a
// "path: / score: / snippets" summary, never the underlying file's own
// bytes. Its content is generated lazily on Open, not cached across opens,
// since a fresh score could be published between reads.
type SearchResultFile struct {
	fs          *MagicFS
	query       string
	fileID      int64
	score       float64
	displayName string
}

func (f *SearchResultFile) Attr(ctx context.Context, a *fuse.Attr) error {
	content := f.render(ctx)
	a.Inode = inode.ResultInode(f.query, f.fileID)
	a.Mode = 0o444
	a.Size = uint64(len(content))
	a.Uid = f.fs.uid
	a.Gid = f.fs.gid
	a.Mtime = f.fs.state.StartTime
	return nil
}

func (f *SearchResultFile) Setattr(ctx context.Context, _ *fuse.SetattrRequest, resp *fuse.SetattrResponse) error {
	return f.Attr(ctx, &resp.Attr)
}

func (f *SearchResultFile) Open(ctx context.Context, _ *fuse.OpenRequest, resp *fuse.OpenResponse) (fusefs.Handle, error) {
	resp.Flags |= fuse.OpenDirectIO
	return &searchResultHandle{data: []byte(f.render(ctx))}, nil
}

func (f *SearchResultFile) Fsync(_ context.Context, _ *fuse.FsyncRequest) error {
	return nil
}

// render synthesizes the pseudo-file's content: an absolute path, a score
// in [0.00, 1.00], and up to maxSnippetChunks chunk texts separated by a
// "---" delimiter.
func (f *SearchResultFile) render(ctx context.Context) string {
	absPath, ok := resolveAbsPath(ctx, f.fs.state, f.fileID)
	if !ok {
		resultLog.Warn("search result file %d vanished before render", f.fileID)
		absPath = "(unavailable)"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "path: %s\n", absPath)
	fmt.Fprintf(&b, "score: %.2f\n", f.score)

	chunks, err := f.fs.state.Repo.ChunksForFile(ctx, f.fileID, maxSnippetChunks)
	if err == nil && len(chunks) > 0 {
		b.WriteString("---\n")
		for i, c := range chunks {
			if i > 0 {
				b.WriteString("---\n")
			}
			b.WriteString(c)
			b.WriteString("\n")
		}
	}
	return b.String()
}

type searchResultHandle struct {
	data []byte
	mu   sync.RWMutex
}

func (h *searchResultHandle) Read(_ context.Context, req *fuse.ReadRequest, resp *fuse.ReadResponse) error {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if req.Offset >= int64(len(h.data)) {
		resp.Data = nil
		return nil
	}
	end := req.Offset + int64(req.Size)
	if end > int64(len(h.data)) {
		end = int64(len(h.data))
	}
	resp.Data = h.data[req.Offset:end]
	return nil
}

func (h *searchResultHandle) Release(_ context.Context, _ *fuse.ReleaseRequest) error {
	return nil
}
