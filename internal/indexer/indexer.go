// Package indexer implements turning a file path into embedded, searchable
// chunk rows.
package indexer

import (
	"context"
	"fmt"
	"os"
	"time"

	"magicfs/internal/bouncer"
	"magicfs/internal/embedactor"
	"magicfs/internal/inode"
	"magicfs/internal/logging"
	"magicfs/internal/model"
	"magicfs/internal/repository"
)

var log = logging.GetLogger().WithPrefix("indexer")

// mtimeTolerance is how close a registered mtime may be to the file's
// actual mtime and still be considered unchanged.
const mtimeTolerance = time.Second

// retryWindow bounds how long transient read failures are retried before
// the job is abandoned.
const retryWindow = 2 * time.Second

// Extractor turns file bytes plus an extension hint into plain text for
// chunking. Failures are not fatal to the indexing job.
type Extractor interface {
	Extract(data []byte, ext string) (string, error)
}

// Indexer runs the full per-file pipeline: bouncer, metadata probe,
// extraction, chunking, payload decoration, batch embedding, and
// transactional write.
type Indexer struct {
	repo      *repository.Repository
	actor     *embedactor.Actor
	store     *inode.Store
	extractor Extractor
	chunkSize int
	rules     *bouncer.IgnoreRules
}

func New(repo *repository.Repository, actor *embedactor.Actor, store *inode.Store, extractor Extractor, chunkSize int, rules *bouncer.IgnoreRules) *Indexer {
	if chunkSize <= 0 {
		chunkSize = 300
	}
	return &Indexer{repo: repo, actor: actor, store: store, extractor: extractor, chunkSize: chunkSize, rules: rules}
}

// IndexResult reports what happened to a single file, used by the
// Orchestrator for logging and by tests.
type IndexResult struct {
	Skipped    bool
	Reason     string
	ChunkCount int
}

// IndexFile runs the full pipeline for absPath: eligibility check, metadata
// probe, extraction, chunking, embedding, and transactional write. rel is
// the path relative to its watch root, used for ignore-rule and hidden
// path checks. tagNames decorates each chunk's payload. bypassIgnore skips
// the ignore-rule check, set for events raised by an explicit refresh.
func (ix *Indexer) IndexFile(ctx context.Context, absPath, rel string, tagNames []string, bypassIgnore bool) (IndexResult, error) {
	verdict := bouncer.CheckContent(absPath, rel, ix.rules, bypassIgnore)
	if verdict != bouncer.Eligible {
		return IndexResult{Skipped: true, Reason: verdictReason(verdict)}, nil
	}

	info, err := statWithRetry(absPath)
	if err != nil {
		return ix.handleMissingFile(ctx, absPath, err)
	}

	if unchanged, err := ix.isUnchanged(ctx, absPath, info); err != nil {
		return IndexResult{}, err
	} else if unchanged {
		return IndexResult{Skipped: true, Reason: "unchanged"}, nil
	}

	data, err := readWithRetry(absPath)
	if err != nil {
		return ix.handleMissingFile(ctx, absPath, err)
	}

	text, err := ix.extractor.Extract(data, fileExt(absPath))
	if err != nil {
		log.Warn("extraction failed for %s, skipping: %v", absPath, err)
		return IndexResult{Skipped: true, Reason: "extraction failed"}, nil
	}

	chunks := chunkText(text, ix.chunkSize)
	if len(chunks) == 0 {
		return IndexResult{Skipped: true, Reason: "no content"}, nil
	}

	payloads := make([]string, len(chunks))
	for i, c := range chunks {
		payloads[i] = decoratePayload(c, baseName(absPath), tagNames)
	}

	vectors, err := ix.actor.Embed(ctx, payloads)
	if err != nil {
		return IndexResult{}, fmt.Errorf("embed %s: %w", absPath, err)
	}
	if len(vectors) != len(chunks) {
		return IndexResult{}, fmt.Errorf("embed %s: expected %d vectors, got %d", absPath, len(chunks), len(vectors))
	}

	records := make([]model.Chunk, len(chunks))
	for i, c := range chunks {
		records[i] = model.Chunk{Ordinal: i, Text: c, Embedding: vectors[i]}
	}
	fileID, err := ix.repo.ReplaceFile(ctx, absPath, info.ModTime(), info.Size(), info.IsDir(), records)
	if err != nil {
		return IndexResult{}, fmt.Errorf("replace file %s: %w", absPath, err)
	}

	ix.store.RegisterFile(fileID, absPath)
	ix.store.Invalidate(fileID)
	ix.store.BumpIndexVersion()

	return IndexResult{ChunkCount: len(chunks)}, nil
}

// handleMissingFile implements the retry policy's FileNotFound branch:
// abandon, and if the registry still has the record, delete it.
func (ix *Indexer) handleMissingFile(ctx context.Context, absPath string, cause error) (IndexResult, error) {
	if !os.IsNotExist(cause) {
		return IndexResult{}, fmt.Errorf("read %s: %w", absPath, cause)
	}

	fileID, ok, err := ix.repo.FileIDForPath(ctx, absPath)
	if err != nil {
		return IndexResult{}, err
	}
	if ok {
		if err := ix.repo.DeleteFile(ctx, fileID); err != nil {
			return IndexResult{}, err
		}
		ix.store.Invalidate(fileID)
		ix.store.BumpIndexVersion()
	}
	return IndexResult{Skipped: true, Reason: "not found"}, nil
}

// isUnchanged reports whether absPath's registered metadata already
// matches its current mtime/size, avoiding a needless re-index.
func (ix *Indexer) isUnchanged(ctx context.Context, absPath string, info os.FileInfo) (bool, error) {
	mtime, size, ok, err := ix.repo.GetFileMetadata(ctx, absPath)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}
	delta := info.ModTime().Sub(mtime)
	if delta < 0 {
		delta = -delta
	}
	return delta <= mtimeTolerance && size == info.Size(), nil
}

func verdictReason(v bouncer.Verdict) string {
	switch v {
	case bouncer.RejectedIgnoreRule:
		return "ignore rule"
	case bouncer.RejectedHidden:
		return "hidden path"
	case bouncer.RejectedExtension:
		return "blocked extension"
	case bouncer.RejectedTooLarge:
		return "too large"
	case bouncer.RejectedBinary:
		return "binary content"
	default:
		return "rejected"
	}
}

func statWithRetry(absPath string) (os.FileInfo, error) {
	deadline := time.Now().Add(retryWindow)
	for {
		info, err := os.Stat(absPath)
		if err == nil {
			return info, nil
		}
		if !os.IsPermission(err) || time.Now().After(deadline) {
			return nil, err
		}
		time.Sleep(100 * time.Millisecond)
	}
}

func readWithRetry(absPath string) ([]byte, error) {
	deadline := time.Now().Add(retryWindow)
	for {
		data, err := os.ReadFile(absPath)
		if err == nil && len(data) > 0 {
			return data, nil
		}
		if err == nil {
			// 0-byte read: the file may still be being written.
			if time.Now().After(deadline) {
				return data, nil
			}
			time.Sleep(100 * time.Millisecond)
			continue
		}
		if !os.IsPermission(err) || time.Now().After(deadline) {
			return nil, err
		}
		time.Sleep(100 * time.Millisecond)
	}
}
