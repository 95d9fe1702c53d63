package searcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"magicfs/internal/embedactor"
	"magicfs/internal/inode"
	"magicfs/internal/model"
	"magicfs/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type echoModel struct{ vector []float32 }

func (m echoModel) Embed(inputs []string) ([][]float32, error) {
	out := make([][]float32, len(inputs))
	for i := range inputs {
		out[i] = m.vector
	}
	return out, nil
}
func (m echoModel) Dimension() int { return len(m.vector) }
func (m echoModel) Tag() string    { return "echo" }

func noTimeout() <-chan struct{} {
	ch := make(chan struct{})
	return ch
}

func TestSearchPublishesMatchingFile(t *testing.T) {
	repo, err := repository.Open(filepath.Join(t.TempDir(), "test.db"), 4)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	dir := t.TempDir()
	path := filepath.Join(dir, "match.txt")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))

	ctx := context.Background()
	fileID, err := repo.UpsertFile(ctx, path, time.Now(), 7, false)
	require.NoError(t, err)
	require.NoError(t, repo.ReplaceChunks(ctx, fileID, []model.Chunk{
		{FileID: fileID, Ordinal: 0, Text: "hello", Embedding: []float32{1, 0, 0, 0}},
	}))

	store := inode.New(50)
	store.RegisterFile(fileID, path)
	actor := embedactor.New(echoModel{vector: []float32{1, 0, 0, 0}}, 8, 8)
	t.Cleanup(actor.Stop)

	s := New(repo, actor, store, model.AggregateMin)
	s.Search(ctx, "hello query")

	set := store.WaitSearch("hello query", noTimeout)
	require.Len(t, set.Results, 1)
	assert.Equal(t, fileID, set.Results[0].FileID)
	assert.Contains(t, set.Results[0].DisplayName, "match.txt")
}

func TestSearchExcludesVanishedFiles(t *testing.T) {
	repo, err := repository.Open(filepath.Join(t.TempDir(), "test.db"), 4)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	dir := t.TempDir()
	path := filepath.Join(dir, "gone.txt")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))

	ctx := context.Background()
	fileID, err := repo.UpsertFile(ctx, path, time.Now(), 7, false)
	require.NoError(t, err)
	require.NoError(t, repo.ReplaceChunks(ctx, fileID, []model.Chunk{
		{FileID: fileID, Ordinal: 0, Text: "hello", Embedding: []float32{1, 0, 0, 0}},
	}))

	store := inode.New(50)
	store.RegisterFile(fileID, path)
	actor := embedactor.New(echoModel{vector: []float32{1, 0, 0, 0}}, 8, 8)
	t.Cleanup(actor.Stop)

	require.NoError(t, os.Remove(path))

	s := New(repo, actor, store, model.AggregateMin)
	s.Search(ctx, "vanished query")

	set := store.WaitSearch("vanished query", noTimeout)
	assert.Empty(t, set.Results)

	_, _, ok, err := repo.GetFileMetadata(ctx, path)
	require.NoError(t, err)
	assert.False(t, ok, "lazy reaper should have deleted the vanished file's record")
}

func TestSearchWithNoMatchesPublishesEmptySet(t *testing.T) {
	repo, err := repository.Open(filepath.Join(t.TempDir(), "test.db"), 4)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	store := inode.New(50)
	actor := embedactor.New(echoModel{vector: []float32{1, 0, 0, 0}}, 8, 8)
	t.Cleanup(actor.Stop)

	s := New(repo, actor, store, model.AggregateMin)
	s.Search(context.Background(), "nothing here")

	set := store.WaitSearch("nothing here", noTimeout)
	assert.Empty(t, set.Results)
}

func TestComposeDisplayNameClampsScore(t *testing.T) {
	assert.Equal(t, "1.00_file.txt", composeDisplayName(1.5, "file.txt"))
	assert.Equal(t, "0.00_file.txt", composeDisplayName(-0.2, "file.txt"))
	assert.Equal(t, "0.87_file.txt", composeDisplayName(0.87, "file.txt"))
}
