// Package orchestrator implements the central event loop: the Lockout
// Ledger, Bulk/Steady mode flag, and dispatch priority between indexing and
// search jobs. Search queries are not tracked while in flight: every
// SubmitQuery call runs its own search. Worker pool concurrency uses
// a semaphore for the indexer's CPU-scaled pool and a second, tightly
// capped one for search.
package orchestrator

import (
	"container/list"
	"context"
	"os"
	"runtime"
	"sync"

	"golang.org/x/sync/semaphore"

	"magicfs/internal/indexer"
	"magicfs/internal/logging"
	"magicfs/internal/repository"
	"magicfs/internal/searcher"
	"magicfs/internal/watcher"
)

var log = logging.GetLogger().WithPrefix("orchestrator")

// maxConcurrentSearches caps simultaneous Searcher jobs, so a burst of
// search traffic cannot saturate the vector store.
const maxConcurrentSearches = 2

// eventsPerTick bounds how many queued events tick() pulls per call.
const eventsPerTick = 32

// Orchestrator owns the Lockout Ledger and the dispatch loop.
type Orchestrator struct {
	repo     *repository.Repository
	indexer  *indexer.Indexer
	searcher *searcher.Searcher

	indexSem  *semaphore.Weighted
	searchSem *semaphore.Weighted

	mu     sync.Mutex
	queue  *list.List // of watcher.Event
	locked map[string]bool
	steady bool
	wake   chan struct{}

	// OnSteady, if set, runs once right after the Bulk -> Steady handover
	// succeeds, e.g. to re-enforce database file ownership now that WAL mode
	// has materialized the -wal/-shm sidecars.
	OnSteady func()

	wg sync.WaitGroup
}

// New builds an Orchestrator. The tags that decorate each file's chunk
// payload come from the tagNamesFor function passed to Run, since the
// Orchestrator itself has no tag-graph view.
func New(repo *repository.Repository, ix *indexer.Indexer, srch *searcher.Searcher) *Orchestrator {
	cpuLimit := int64(runtime.NumCPU())
	if cpuLimit < 1 {
		cpuLimit = 1
	}
	return &Orchestrator{
		repo:      repo,
		indexer:   ix,
		searcher:  srch,
		indexSem:  semaphore.NewWeighted(cpuLimit),
		searchSem: semaphore.NewWeighted(maxConcurrentSearches),
		queue:     list.New(),
		locked:    make(map[string]bool),
		wake:      make(chan struct{}, 1),
	}
}

// signalWake wakes the event loop without blocking if it is already awake.
func (o *Orchestrator) signalWake() {
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// SubmitFileEvent implements watcher.Sink: enqueue a Create/Modify/Delete
// for a path.
func (o *Orchestrator) SubmitFileEvent(e watcher.Event) {
	o.mu.Lock()
	o.queue.PushBack(e)
	o.mu.Unlock()
	o.signalWake()
}

// SubmitQuery dispatches a search query immediately, without recording it
// or merging it with an identical query already running; searches are not
// queued behind the Lockout Ledger the way file events are; they're capped
// by searchSem instead. tagNamesFor is not used.
func (o *Orchestrator) SubmitQuery(ctx context.Context, tagNamesFor func(query string) []string, query string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.searchSem.Acquire(ctx, 1); err != nil {
			return
		}
		defer o.searchSem.Release(1)
		o.searcher.Search(ctx, query)
	}()
}

// Run drives the event loop until ctx is cancelled, starting in Bulk mode
// and transitioning to Steady once the queue drains with nothing in flight.
func (o *Orchestrator) Run(ctx context.Context, tagNamesFor func(path string) []string) {
	for {
		select {
		case <-ctx.Done():
			o.wg.Wait()
			return
		default:
		}

		processed := o.tick(ctx, tagNamesFor)
		if processed > 0 {
			continue
		}

		o.maybeEnterSteady(ctx)

		select {
		case <-ctx.Done():
			o.wg.Wait()
			return
		case <-o.wake:
		}
	}
}

// tick pulls up to eventsPerTick events, checking Lockout/Tagout for each.
// An event for a path that is already locked is set aside rather than
// halting the tick, so unrelated paths queued behind it still get
// dispatched in the same tick; once the tick finishes, set-aside events are
// restored to the front of the queue in their original relative order,
// preserving per-path FIFO causality. Returns how many jobs were actually
// spawned.
func (o *Orchestrator) tick(ctx context.Context, tagNamesFor func(path string) []string) int {
	spawned := 0
	var deferred []watcher.Event

	for i := 0; i < eventsPerTick; i++ {
		o.mu.Lock()
		front := o.queue.Front()
		if front == nil {
			o.mu.Unlock()
			break
		}
		event := front.Value.(watcher.Event)
		o.queue.Remove(front)

		if o.locked[event.Path] {
			deferred = append(deferred, event)
			o.mu.Unlock()
			continue
		}

		o.locked[event.Path] = true
		o.mu.Unlock()

		o.wg.Add(1)
		spawned++
		go o.runJob(ctx, event, tagNamesFor)
	}

	if len(deferred) > 0 {
		o.mu.Lock()
		for i := len(deferred) - 1; i >= 0; i-- {
			o.queue.PushFront(deferred[i])
		}
		o.mu.Unlock()
	}

	return spawned
}

// runJob runs one indexer job, releasing the path's lock via a scoped
// drop-guard so a panic never leaves the path permanently locked.
func (o *Orchestrator) runJob(ctx context.Context, event watcher.Event, tagNamesFor func(path string) []string) {
	defer o.wg.Done()
	defer o.release(event.Path)
	defer func() {
		if r := recover(); r != nil {
			log.Error("job panicked for %s: %v", event.Path, r)
		}
	}()

	if err := o.indexSem.Acquire(ctx, 1); err != nil {
		return
	}
	defer o.indexSem.Release(1)

	switch event.Kind {
	case watcher.Delete:
		o.runDelete(ctx, event.Path)
	default:
		o.runIndex(ctx, event.Path, event.BypassIgnore, tagNamesFor)
	}
}

// runDelete implements the Arbitrator: re-check existence before deleting;
// if the path still exists, convert to a re-index. This defeats spurious
// delete events from rapid rename/replace sequences.
func (o *Orchestrator) runDelete(ctx context.Context, path string) {
	if _, err := os.Stat(path); err == nil {
		log.Debug("arbitrator: %s still exists, converting delete to re-index", path)
		o.runIndex(ctx, path, false, func(string) []string { return nil })
		return
	}

	fileID, ok, err := o.repo.FileIDForPath(ctx, path)
	if err != nil {
		log.Warn("arbitrator lookup failed for %s: %v", path, err)
		return
	}
	if !ok {
		return
	}
	if err := o.repo.DeleteFile(ctx, fileID); err != nil {
		log.Warn("delete failed for %s: %v", path, err)
	}
}

func (o *Orchestrator) runIndex(ctx context.Context, path string, bypassIgnore bool, tagNamesFor func(path string) []string) {
	rel := path
	result, err := o.indexer.IndexFile(ctx, path, rel, tagNamesFor(path), bypassIgnore)
	if err != nil {
		log.Warn("index job failed for %s: %v", path, err)
		return
	}
	if result.Skipped {
		log.Debug("skipped %s: %s", path, result.Reason)
	}
}

func (o *Orchestrator) release(path string) {
	o.mu.Lock()
	delete(o.locked, path)
	o.mu.Unlock()
	o.signalWake()
}

// maybeEnterSteady implements the monotonic Bulk -> Steady transition: the
// queue must be empty and nothing in flight.
func (o *Orchestrator) maybeEnterSteady(ctx context.Context) {
	o.mu.Lock()
	empty := o.queue.Len() == 0 && len(o.locked) == 0
	already := o.steady
	o.mu.Unlock()

	if !empty || already {
		return
	}

	if err := o.repo.EnterSteady(); err != nil {
		log.Warn("failed to enter steady mode: %v", err)
		return
	}

	o.mu.Lock()
	o.steady = true
	o.mu.Unlock()
	log.Info("queue drained, transitioned to steady mode")

	if o.OnSteady != nil {
		o.OnSteady()
	}
}

// IsSteady reports whether the system has completed its Bulk -> Steady
// transition.
func (o *Orchestrator) IsSteady() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.steady
}
