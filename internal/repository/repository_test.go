package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"magicfs/internal/model"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestRepo(t *testing.T) *Repository {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "test.db")
	repo, err := Open(dbPath, 4)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })
	return repo
}

func TestOpenAppliesBulkPragmasByDefault(t *testing.T) {
	repo := openTestRepo(t)
	assert.Equal(t, Bulk, repo.Mode())
}

func TestEnterSteadyIsOneWayAndIdempotent(t *testing.T) {
	repo := openTestRepo(t)
	require.NoError(t, repo.EnterSteady())
	assert.Equal(t, Steady, repo.Mode())
	require.NoError(t, repo.EnterSteady())
	assert.Equal(t, Steady, repo.Mode())
}

func TestUpsertFileThenGetMetadataRoundTrips(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()
	mtime := time.Unix(1700000000, 0)

	id, err := repo.UpsertFile(ctx, "/home/user/notes.txt", mtime, 42, false)
	require.NoError(t, err)
	assert.NotZero(t, id)

	gotMtime, gotSize, ok, err := repo.GetFileMetadata(ctx, "/home/user/notes.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, mtime.Unix(), gotMtime.Unix())
	assert.Equal(t, int64(42), gotSize)
}

func TestUpsertFileUpdatesExistingRow(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	id1, err := repo.UpsertFile(ctx, "/a.txt", time.Unix(1, 0), 10, false)
	require.NoError(t, err)

	id2, err := repo.UpsertFile(ctx, "/a.txt", time.Unix(2, 0), 20, false)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	_, size, ok, err := repo.GetFileMetadata(ctx, "/a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(20), size)
}

func TestGetFileMetadataMissingReturnsNotOK(t *testing.T) {
	repo := openTestRepo(t)
	_, _, ok, err := repo.GetFileMetadata(context.Background(), "/nope.txt")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteFileRemovesChunksAndVectors(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	id, err := repo.UpsertFile(ctx, "/doc.txt", time.Unix(1, 0), 5, false)
	require.NoError(t, err)

	err = repo.ReplaceChunks(ctx, id, []model.Chunk{
		{FileID: id, Ordinal: 0, Text: "hello", Embedding: []float32{1, 0, 0, 0}},
	})
	require.NoError(t, err)

	require.NoError(t, repo.DeleteFile(ctx, id))

	_, _, ok, err := repo.GetFileMetadata(ctx, "/doc.txt")
	require.NoError(t, err)
	assert.False(t, ok)

	results, err := repo.Search(ctx, []float32{1, 0, 0, 0}, 10, model.AggregateMin)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestReplaceChunksReplacesNotAppends(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	id, err := repo.UpsertFile(ctx, "/doc.txt", time.Unix(1, 0), 5, false)
	require.NoError(t, err)

	require.NoError(t, repo.ReplaceChunks(ctx, id, []model.Chunk{
		{FileID: id, Ordinal: 0, Text: "v1", Embedding: []float32{1, 0, 0, 0}},
		{FileID: id, Ordinal: 1, Text: "v1b", Embedding: []float32{0, 1, 0, 0}},
	}))
	require.NoError(t, repo.ReplaceChunks(ctx, id, []model.Chunk{
		{FileID: id, Ordinal: 0, Text: "v2", Embedding: []float32{0, 0, 1, 0}},
	}))

	results, err := repo.Search(ctx, []float32{0, 0, 1, 0}, 10, model.AggregateMin)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, id, results[0].FileID)
	assert.InDelta(t, 1.0, results[0].Score, 1e-9)
}

func TestReplaceFileUpsertsAndReplacesChunksAtomically(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	fileID, err := repo.ReplaceFile(ctx, "/doc.txt", time.Unix(1, 0), 5, false, []model.Chunk{
		{Ordinal: 0, Text: "v1", Embedding: []float32{1, 0, 0, 0}},
	})
	require.NoError(t, err)
	assert.NotZero(t, fileID)

	mtime, size, ok, err := repo.GetFileMetadata(ctx, "/doc.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(5), size)
	assert.Equal(t, int64(1), mtime.Unix())

	sameID, err := repo.ReplaceFile(ctx, "/doc.txt", time.Unix(2, 0), 9, false, []model.Chunk{
		{Ordinal: 0, Text: "v2", Embedding: []float32{0, 0, 1, 0}},
	})
	require.NoError(t, err)
	assert.Equal(t, fileID, sameID, "replacing the same path must reuse its file_id")

	_, size, ok, err = repo.GetFileMetadata(ctx, "/doc.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(9), size)

	results, err := repo.Search(ctx, []float32{0, 0, 1, 0}, 10, model.AggregateMin)
	require.NoError(t, err)
	require.Len(t, results, 1, "stale chunks from the prior version must not survive the replace")
	assert.Equal(t, fileID, results[0].FileID)
}

func TestSearchAggregatesByMinDistancePerFile(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	idA, err := repo.UpsertFile(ctx, "/a.txt", time.Unix(1, 0), 1, false)
	require.NoError(t, err)
	idB, err := repo.UpsertFile(ctx, "/b.txt", time.Unix(1, 0), 1, false)
	require.NoError(t, err)

	// File A: one close chunk, one far chunk. Best chunk should win.
	require.NoError(t, repo.ReplaceChunks(ctx, idA, []model.Chunk{
		{FileID: idA, Ordinal: 0, Text: "close", Embedding: []float32{1, 0, 0, 0}},
		{FileID: idA, Ordinal: 1, Text: "far", Embedding: []float32{0, 0, 0, 1}},
	}))
	// File B: one mediocre chunk.
	require.NoError(t, repo.ReplaceChunks(ctx, idB, []model.Chunk{
		{FileID: idB, Ordinal: 0, Text: "mid", Embedding: []float32{1, 1, 0, 0}},
	}))

	results, err := repo.Search(ctx, []float32{1, 0, 0, 0}, 10, model.AggregateMin)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, idA, results[0].FileID, "file A's best chunk is a perfect match and should rank first")
	assert.Greater(t, results[0].Score, results[1].Score)
}

func TestAllFilesReturnsEveryRegisteredFile(t *testing.T) {
	repo := openTestRepo(t)
	ctx := context.Background()

	_, err := repo.UpsertFile(ctx, "/a.txt", time.Unix(1, 0), 1, false)
	require.NoError(t, err)
	_, err = repo.UpsertFile(ctx, "/b.txt", time.Unix(1, 0), 1, false)
	require.NoError(t, err)

	all, err := repo.AllFiles(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestChunkKeyRangeBoundsExactlyOneFileID(t *testing.T) {
	lo, hi := chunkKeyRange(5)
	assert.True(t, chunkKey(5, 0) >= lo)
	assert.True(t, chunkKey(5, 0) < hi)
	assert.True(t, chunkKey(5, 999999) < hi)
	assert.False(t, chunkKey(6, 0) < hi)
	assert.False(t, chunkKey(4, 999999) >= lo)
}

func TestCosineDistanceIdenticalVectorsIsZero(t *testing.T) {
	v := []float32{0.5, 0.5, 0.5, 0.5}
	assert.InDelta(t, 0, cosineDistance(v, v), 1e-9)
}

func TestCosineDistanceOrthogonalVectorsIsOne(t *testing.T) {
	assert.InDelta(t, 1, cosineDistance([]float32{1, 0}, []float32{0, 1}), 1e-9)
}

func TestSerializeDeserializeVectorRoundTrips(t *testing.T) {
	v := []float32{1.5, -2.25, 0, 3.125}
	got := deserializeVector(serializeVector(v))
	require.Len(t, got, len(v))
	for i := range v {
		assert.InDelta(t, v[i], got[i], 1e-6)
	}
}
