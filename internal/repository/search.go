package repository

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"

	"magicfs/internal/model"
)

// Search runs a nearest-neighbor query over the vector index, aggregates
// per-file, and returns file_ids with their aggregated score in [0, 1],
// highest first. k bounds how many raw chunk hits are considered before
// aggregation, not how many files are returned.
func (r *Repository) Search(ctx context.Context, queryVector []float32, k int, agg model.ScoreAggregation) ([]model.SearchResult, error) {
	var hits []chunkHit
	var err error
	if VectorExtensionAvailable {
		hits, err = r.searchOptimized(ctx, queryVector, k)
	} else {
		hits, err = r.searchFallback(ctx, queryVector, k)
	}
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}

	return aggregateByFile(hits, agg), nil
}

type chunkHit struct {
	fileID   int64
	distance float64
}

// searchOptimized uses sqlite-vec's vec_distance_cosine at the SQL layer.
func (r *Repository) searchOptimized(ctx context.Context, queryVector []float32, k int) ([]chunkHit, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT chunk_key, vec_distance_cosine(embedding, ?) as distance
		FROM vec_chunks
		ORDER BY distance ASC
		LIMIT ?
	`, serializeVector(queryVector), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []chunkHit
	for rows.Next() {
		var key string
		var distance float64
		if err := rows.Scan(&key, &distance); err != nil {
			return nil, err
		}
		fileID, _ := decodeChunkKeyFileID(key)
		hits = append(hits, chunkHit{fileID: fileID, distance: distance})
	}
	return hits, rows.Err()
}

// searchFallback computes cosine distance in Go against every stored
// embedding, used on purego builds.
func (r *Repository) searchFallback(ctx context.Context, queryVector []float32, k int) ([]chunkHit, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT chunk_key, embedding FROM vec_chunks_fallback`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hits []chunkHit
	for rows.Next() {
		var key string
		var blob []byte
		if err := rows.Scan(&key, &blob); err != nil {
			return nil, err
		}
		vec := deserializeVector(blob)
		fileID, _ := decodeChunkKeyFileID(key)
		hits = append(hits, chunkHit{fileID: fileID, distance: cosineDistance(queryVector, vec)})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sortHitsByDistance(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func decodeChunkKeyFileID(key string) (int64, bool) {
	if len(key) < 8 {
		return 0, false
	}
	return int64(binary.BigEndian.Uint64([]byte(key)[:8])), true
}

// sortHitsByDistance orders ascending by distance.
func sortHitsByDistance(hits []chunkHit) {
	sort.Slice(hits, func(i, j int) bool { return hits[i].distance < hits[j].distance })
}

// aggregateByFile aggregates chunks by file_id, taking the minimum distance
// per file ("best chunk wins") by default, or the mean when configured.
// Converts to score via 1 - distance.
func aggregateByFile(hits []chunkHit, agg model.ScoreAggregation) []model.SearchResult {
	type acc struct {
		sum   float64
		min   float64
		count int
	}
	byFile := make(map[int64]*acc)
	var order []int64

	for _, h := range hits {
		a, ok := byFile[h.fileID]
		if !ok {
			a = &acc{min: h.distance}
			byFile[h.fileID] = a
			order = append(order, h.fileID)
		}
		a.sum += h.distance
		a.count++
		if h.distance < a.min {
			a.min = h.distance
		}
	}

	results := make([]model.SearchResult, 0, len(order))
	for _, fileID := range order {
		a := byFile[fileID]
		distance := a.min
		if agg == model.AggregateMean {
			distance = a.sum / float64(a.count)
		}
		results = append(results, model.SearchResult{
			FileID: fileID,
			Score:  1 - distance,
		})
	}

	sortResultsByScoreDesc(results)
	return results
}

func sortResultsByScoreDesc(results []model.SearchResult) {
	sort.Slice(results, func(i, j int) bool { return results[i].Score > results[j].Score })
}
