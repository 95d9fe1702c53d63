package magicfs

import (
	"context"

	"magicfs/internal/inode"
	"magicfs/internal/state"
)

// resolveAbsPath answers a file_id's absolute path, preferring the inode
// store's cache (filled in as the Indexer/Repository resolve files) and
// falling back to a full repository scan, the same two-step lookup the
// Searcher uses to finalize a result set.
func resolveAbsPath(ctx context.Context, st *state.State, fileID int64) (string, bool) {
	if entity, ok := st.Store.Resolve(inode.InodeForFile(fileID)); ok && entity.Kind == inode.KindFile {
		return entity.AbsPath, true
	}

	recs, err := st.Repo.AllFiles(ctx)
	if err != nil {
		return "", false
	}
	for _, rec := range recs {
		if rec.FileID == fileID {
			st.Store.RegisterFile(fileID, rec.AbsPath)
			return rec.AbsPath, true
		}
	}
	return "", false
}
