package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"magicfs/internal/bouncer"
	"magicfs/internal/embedactor"
	"magicfs/internal/indexer"
	"magicfs/internal/inode"
	"magicfs/internal/model"
	"magicfs/internal/repository"
	"magicfs/internal/searcher"
	"magicfs/internal/watcher"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedModel struct{ dim int }

func (m fixedModel) Embed(inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i := range inputs {
		v := make([]float32, m.dim)
		v[0] = 1
		out[i] = v
	}
	return out, nil
}
func (m fixedModel) Dimension() int { return m.dim }
func (m fixedModel) Tag() string    { return "fixed" }

func newTestOrchestrator(t *testing.T) (*Orchestrator, *repository.Repository) {
	t.Helper()
	repo, err := repository.Open(filepath.Join(t.TempDir(), "test.db"), 4)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	actor := embedactor.New(fixedModel{dim: 4}, 8, 8)
	t.Cleanup(actor.Stop)

	store := inode.New(50)
	ix := indexer.New(repo, actor, store, indexer.PlainExtractor{}, 50, &bouncer.IgnoreRules{})
	srch := searcher.New(repo, actor, store, model.AggregateMin)

	return New(repo, ix, srch), repo
}

func TestOrchestratorIndexesSubmittedFile(t *testing.T) {
	o, repo := newTestOrchestrator(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("some content to index"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx, func(string) []string { return nil })

	o.SubmitFileEvent(watcher.Event{Kind: watcher.Create, Path: path})

	require.Eventually(t, func() bool {
		_, _, ok, err := repo.GetFileMetadata(context.Background(), path)
		return err == nil && ok
	}, 2*time.Second, 20*time.Millisecond)
}

func TestOrchestratorEntersSteadyAfterQueueDrains(t *testing.T) {
	o, repo := newTestOrchestrator(t)
	_ = repo

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx, func(string) []string { return nil })

	require.Eventually(t, o.IsSteady, 2*time.Second, 20*time.Millisecond)
}

func TestArbitratorConvertsDeleteToReindexWhenFileStillExists(t *testing.T) {
	o, repo := newTestOrchestrator(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("still here"), 0o644))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go o.Run(ctx, func(string) []string { return nil })

	o.SubmitFileEvent(watcher.Event{Kind: watcher.Delete, Path: path})

	require.Eventually(t, func() bool {
		_, _, ok, err := repo.GetFileMetadata(context.Background(), path)
		return err == nil && ok
	}, 2*time.Second, 20*time.Millisecond, "arbitrator should have re-indexed rather than deleted")
}

func TestLockoutPreventsConcurrentJobsOnSamePath(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	path := "/fake/path.txt"

	o.mu.Lock()
	o.locked[path] = true
	o.mu.Unlock()

	o.SubmitFileEvent(watcher.Event{Kind: watcher.Modify, Path: path})

	spawned := o.tick(context.Background(), func(string) []string { return nil })
	assert.Equal(t, 0, spawned, "a locked path's event must be requeued, not spawned")

	o.mu.Lock()
	queued := o.queue.Len()
	o.mu.Unlock()
	assert.Equal(t, 1, queued)
}

func TestReleaseUnlocksPath(t *testing.T) {
	o, _ := newTestOrchestrator(t)
	path := "/fake/path.txt"

	o.mu.Lock()
	o.locked[path] = true
	o.mu.Unlock()

	o.release(path)

	o.mu.Lock()
	_, stillLocked := o.locked[path]
	o.mu.Unlock()
	assert.False(t, stillLocked)
}
