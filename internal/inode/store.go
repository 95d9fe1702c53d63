// Package inode implements the Inode Store: deterministic, fast resolution
// from inode_id to Entity.
package inode

import (
	"hash/fnv"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"

	"magicfs/internal/logging"
	"magicfs/internal/model"
)

var log = logging.GetLogger().WithPrefix("inode")

// EntityKind discriminates the variant stored in an Entity.
type EntityKind int

const (
	KindSystem EntityKind = iota
	KindTag
	KindFile
	KindSearchView
	KindSearchResult
)

// Entity is the resolved referent of an inode number.
type Entity struct {
	Kind EntityKind

	// KindTag
	TagID int64

	// KindFile
	FileID  int64
	AbsPath string

	// KindSearchView / KindSearchResult
	Query string

	// KindSearchResult only
	ResultFileID int64
}

// searchView caches a published SearchResultSet and, separately, the
// readiness channel used by readdir's Smart Waiter.
// readyCh is closed exactly once, the instant the Searcher first calls
// Publish for this query, so a waiter can select on it alongside its
// timeout without leaving a goroutine blocked forever if the deadline
// fires before publication (a plain sync.Cond cannot be interrupted by a
// timeout, only by another Broadcast/Signal).
type searchView struct {
	mu      sync.Mutex
	readyCh chan struct{}
	results *model.SearchResultSet
	// published becomes true the instant the Searcher calls Publish, even if
	// the result set is empty; readdir waiters key off this, not off a
	// non-empty slice.
	published bool
}

// Store is the Inode Store. System inodes are a fixed table; tag inodes are
// tag_id with the high bit (model.PersistentFlag) set; file inodes are the
// file_id directly; ephemeral inodes (search views and search results) are
// FNV-1a hashes of a canonical string, kept in a bounded LRU so restart
// determinism never depends on process memory, only on the hash function.
type Store struct {
	mu        sync.RWMutex
	files     map[int64]string // file_id -> abs_path, filled in as the Indexer/Repository resolve files
	viewMu    sync.Mutex       // guards get-or-create of ephemeral views
	ephemeral *lru.Cache[uint64, *searchView]
	indexVer  atomic.Uint64
}

// New creates an Inode Store with the given ephemeral LRU capacity.
func New(ephemeralCapacity int) *Store {
	cache, err := lru.New[uint64, *searchView](ephemeralCapacity)
	if err != nil {
		// Only returns an error for a non-positive size; a hard-coded
		// positive default makes this unreachable in practice.
		panic(err)
	}
	return &Store{
		files:     make(map[int64]string),
		ephemeral: cache,
	}
}

// QueryInode derives the deterministic ephemeral inode for a search view
// from its query string. FNV-1a is used because it must be stable across
// process restarts, unlike Go's randomized map iteration or a randomized
// hash.
func QueryInode(query string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(query))
	return h.Sum64()
}

// ResultInode derives the deterministic ephemeral inode for one search
// result pseudo-file, from the query and the file_id it refers to.
func ResultInode(query string, fileID int64) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(query))
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(encodeInt64(fileID))
	return h.Sum64()
}

// MirrorInode derives a deterministic ephemeral inode for a read-only
// mirror path. It never collides with QueryInode/ResultInode's namespace
// because it hashes a leading marker byte first.
func MirrorInode(absPath string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte{1})
	_, _ = h.Write([]byte(absPath))
	return h.Sum64()
}

func encodeInt64(n int64) []byte {
	var b [8]byte
	u := uint64(n)
	for i := 0; i < 8; i++ {
		b[i] = byte(u >> (8 * i))
	}
	return b[:]
}

// TagInode translates a tag_id to its persistent inode number.
func TagInode(tagID int64) uint64 {
	return uint64(tagID) | model.PersistentFlag
}

// IsTagInode reports whether an inode number carries the persistent flag:
// inode >> (bits-1) == 1.
func IsTagInode(ino uint64) bool {
	return ino&model.PersistentFlag != 0
}

// TagIDFromInode strips the persistent flag, the inverse of TagInode.
func TagIDFromInode(ino uint64) int64 {
	return int64(ino &^ model.PersistentFlag)
}

// RegisterFile records the abs_path a file_id currently resolves to, so
// Resolve can answer File entities without a repository round trip.
func (s *Store) RegisterFile(fileID int64, absPath string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[fileID] = absPath
}

// Invalidate removes any cached entries derived from file_id. It does not
// touch published search results - those are evicted independently by
// index-version comparison.
func (s *Store) Invalidate(fileID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.files, fileID)
}

// Resolve maps an inode number to its Entity. Returns ok=false for an
// unknown inode, which the Filesystem Face must turn into ENOENT, never a
// panic.
func (s *Store) Resolve(ino uint64) (Entity, bool) {
	switch ino {
	case model.InodeRoot, model.InodeSearch, model.InodeTags, model.InodeInbox, model.InodeMirror, model.InodeMagic, model.InodeMagicRefresh:
		return Entity{Kind: KindSystem}, true
	}

	if IsTagInode(ino) {
		return Entity{Kind: KindTag, TagID: TagIDFromInode(ino)}, true
	}

	s.mu.RLock()
	if absPath, ok := s.files[int64(ino)]; ok {
		s.mu.RUnlock()
		return Entity{Kind: KindFile, FileID: int64(ino), AbsPath: absPath}, true
	}
	s.mu.RUnlock()

	if view, ok := s.ephemeral.Get(ino); ok {
		view.mu.Lock()
		query := ""
		if view.results != nil {
			query = view.results.Query
		}
		view.mu.Unlock()
		return Entity{Kind: KindSearchView, Query: query}, true
	}

	log.Trace("unresolved inode %d", ino)
	return Entity{}, false
}

// InodeForFile is a pure function of the file's identifying field: the
// file_id itself.
func InodeForFile(fileID int64) uint64 {
	return uint64(fileID)
}

// PublishSearch stores a SearchResultSet under its query's deterministic
// inode and wakes any readdir waiters blocked on it (the Smart Waiter).
// Re-publishing an existing query overwrites its entry and counts as a
// fresh LRU touch.
func (s *Store) PublishSearch(set *model.SearchResultSet) {
	ino := QueryInode(set.Query)
	set.Inode = ino
	set.IndexVersion = s.IndexVersion()

	view := s.getOrCreateView(ino)

	view.mu.Lock()
	view.results = set
	if !view.published {
		view.published = true
		close(view.readyCh)
	}
	view.mu.Unlock()

	log.Debug("published %d results for query %q", len(set.Results), set.Query)
}

// WaitSearch blocks the calling goroutine (a readdir handler) until results
// for query are published or deadline elapses, implementing the Smart
// Waiter. It never returns an error: on timeout it returns
// whatever is currently published, which may be an empty, unpublished view.
// Waiting directly on the view's readiness channel (rather than spawning a
// helper goroutine blocked on a condition variable) means a timed-out wait
// leaves nothing behind to clean up later.
func (s *Store) WaitSearch(query string, timeout func() <-chan struct{}) *model.SearchResultSet {
	ino := QueryInode(query)
	view := s.getOrCreateView(ino)

	view.mu.Lock()
	ready := view.readyCh
	view.mu.Unlock()

	select {
	case <-ready:
	case <-timeout():
		log.Debug("search wait timed out for query %q", query)
	}

	view.mu.Lock()
	defer view.mu.Unlock()
	if view.results == nil {
		return &model.SearchResultSet{Query: query, Inode: ino}
	}
	return view.results
}

// PeekSearch returns the currently published SearchResultSet for query
// without blocking, for callers that want to decide for themselves whether
// a cached entry is still fresh. ok is false if nothing
// has been published for this query yet.
func (s *Store) PeekSearch(query string) (set *model.SearchResultSet, ok bool) {
	ino := QueryInode(query)
	view, found := s.ephemeral.Get(ino)
	if !found {
		return nil, false
	}

	view.mu.Lock()
	defer view.mu.Unlock()
	if !view.published || view.results == nil {
		return nil, false
	}
	return view.results, true
}

// getOrCreateView returns the existing ephemeral view for ino or creates and
// registers a fresh, unpublished one. Guarded by viewMu so two concurrent
// callers (a readdir waiter and a publishing Searcher) never create two
// distinct views for the same inode.
func (s *Store) getOrCreateView(ino uint64) *searchView {
	s.viewMu.Lock()
	defer s.viewMu.Unlock()

	if view, ok := s.ephemeral.Get(ino); ok {
		return view
	}
	view := &searchView{readyCh: make(chan struct{})}
	s.ephemeral.Add(ino, view)
	return view
}

// BumpIndexVersion increments the process-global index-version counter
// after any indexer-induced change.
func (s *Store) BumpIndexVersion() uint64 {
	return s.indexVer.Add(1)
}

// IndexVersion returns the current index-version counter.
func (s *Store) IndexVersion() uint64 {
	return s.indexVer.Load()
}
