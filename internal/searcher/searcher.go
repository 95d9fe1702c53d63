// Package searcher implements turning a query string into a ranked file
// list.
package searcher

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"magicfs/internal/embedactor"
	"magicfs/internal/inode"
	"magicfs/internal/logging"
	"magicfs/internal/model"
	"magicfs/internal/repository"
)

var log = logging.GetLogger().WithPrefix("searcher")

// topK is how many raw chunk hits the vector query considers before
// per-file aggregation (typically 50-100).
const topK = 75

// embedDeadline bounds how long a search waits on the Embedding Actor
// before publishing an empty set.
const embedDeadline = 5 * time.Second

// Searcher turns queries into published SearchResultSets.
type Searcher struct {
	repo  *repository.Repository
	actor *embedactor.Actor
	store *inode.Store
	agg   model.ScoreAggregation
}

func New(repo *repository.Repository, actor *embedactor.Actor, store *inode.Store, agg model.ScoreAggregation) *Searcher {
	return &Searcher{repo: repo, actor: actor, store: store, agg: agg}
}

// Search runs the full pipeline for query, always publishing a result
// (possibly empty) to the inode store before returning.
func (s *Searcher) Search(ctx context.Context, query string) {
	if cached := s.cached(query); cached != nil {
		s.publish(cached)
		return
	}

	set := &model.SearchResultSet{Query: query}

	embedCtx, cancel := context.WithTimeout(ctx, embedDeadline)
	defer cancel()

	vectors, err := s.actor.Embed(embedCtx, []string{query})
	if err != nil || len(vectors) == 0 {
		log.Warn("embedding failed for query %q: %v", query, err)
		s.publish(set)
		return
	}

	rawResults, err := s.repo.Search(ctx, vectors[0], topK, s.agg)
	if err != nil {
		log.Warn("vector search failed for query %q: %v", query, err)
		s.publish(set)
		return
	}

	set.Results = s.finalize(ctx, rawResults)
	s.publish(set)
}

// cached returns a previously published result set, reused only if the
// index version has not moved since publication.
func (s *Searcher) cached(query string) *model.SearchResultSet {
	set, ok := s.store.PeekSearch(query)
	if !ok || set.IndexVersion != s.store.IndexVersion() {
		return nil
	}
	return set
}

// finalize performs the existence re-check (scheduling a Lazy Reaper
// delete for files that vanished) and display-name composition.
func (s *Searcher) finalize(ctx context.Context, raw []model.SearchResult) []model.SearchResult {
	out := make([]model.SearchResult, 0, len(raw))
	for _, r := range raw {
		absPath, ok := s.resolvePath(ctx, r.FileID)
		if !ok {
			continue
		}
		if _, err := os.Stat(absPath); err != nil {
			log.Debug("search result file vanished, scheduling delete: %s", absPath)
			if delErr := s.repo.DeleteFile(ctx, r.FileID); delErr != nil {
				log.Warn("lazy reaper delete failed for file %d: %v", r.FileID, delErr)
			}
			s.store.Invalidate(r.FileID)
			continue
		}

		r.DisplayName = composeDisplayName(r.Score, filepath.Base(absPath))
		out = append(out, r)
	}
	return out
}

func (s *Searcher) resolvePath(ctx context.Context, fileID int64) (string, bool) {
	if entity, ok := s.store.Resolve(inode.InodeForFile(fileID)); ok && entity.Kind == inode.KindFile {
		return entity.AbsPath, true
	}

	rec, err := s.repo.AllFiles(ctx)
	if err != nil {
		return "", false
	}
	for _, f := range rec {
		if f.FileID == fileID {
			s.store.RegisterFile(fileID, f.AbsPath)
			return f.AbsPath, true
		}
	}
	return "", false
}

func (s *Searcher) publish(set *model.SearchResultSet) {
	s.store.PublishSearch(set)
}

// composeDisplayName builds the "0.XX_basename.ext" virtual display
// name.
func composeDisplayName(score float64, basename string) string {
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return fmt.Sprintf("%.2f_%s", score, basename)
}
