// Package state assembles the single process-wide object that owns the
// repository handle, inode store, tag graph, embedding actor, indexer,
// searcher, orchestrator, and watcher. It is constructed once at daemon
// startup (after configuration validation) and torn down on exit; the
// filesystem face, orchestrator, and watcher all hold a reference to it
// rather than to each other, since the three of them share a concurrency
// boundary, not an inheritance boundary.
package state

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"time"

	"magicfs/internal/bouncer"
	"magicfs/internal/config"
	"magicfs/internal/embedactor"
	"magicfs/internal/indexer"
	"magicfs/internal/inode"
	"magicfs/internal/logging"
	"magicfs/internal/orchestrator"
	"magicfs/internal/repository"
	"magicfs/internal/searcher"
	"magicfs/internal/taggraph"
	"magicfs/internal/watcher"
)

var log = logging.GetLogger().WithPrefix("state")

// searchCacheSize bounds the Smart Waiter's inode store cache, generous
// enough that a session's worth of distinct queries stays resident.
const searchCacheSize = 256

// embedQueueDepth and embedMaxBatch size the Embedding Actor's request
// channel and per-call coalescing limit.
const (
	embedQueueDepth = 64
	embedMaxBatch   = 16
)

// State is the process-wide aggregator: it owns the repository handle, the
// inode store, the Lockout Ledger (via the Orchestrator), the index-version
// counter (via the inode store), and the refresh signal (via the Watcher).
type State struct {
	Config *config.Config

	Repo     *repository.Repository
	Graph    *taggraph.Graph
	Store    *inode.Store
	Actor    *embedactor.Actor
	Indexer  *indexer.Indexer
	Searcher *searcher.Searcher
	Orch     *orchestrator.Orchestrator
	Watch    *watcher.Watcher
	Meta     *MetaStore

	// Sweeper runs the background trash sweep; nil unless cfg.TrashMode is
	// set.
	Sweeper *taggraph.TrashSweeper

	// StartTime anchors the stable mtime virtual directories report across
	// the process lifetime.
	StartTime time.Time

	// UID/GID are the identity files must appear to be owned by: the
	// invoking user's, not the daemon's, accounting for the elevated-mode
	// SUDO_UID/SUDO_GID masquerade.
	UID uint32
	GID uint32
}

// New wires every component together against cfg. model is the caller's
// chosen embedding implementation, a black-box function from strings to
// fixed-length vectors.
func New(cfg *config.Config, model embedactor.Model) (*State, error) {
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	if err := os.MkdirAll(cfg.ArchiveDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	if err := os.MkdirAll(cfg.InboxDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create inbox dir: %w", err)
	}

	repo, err := repository.Open(cfg.DatabasePath(), model.Dimension())
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}

	graph := taggraph.New(repo.DB())
	if err := graph.EnsureSystemTags(context.Background()); err != nil {
		repo.Close()
		return nil, fmt.Errorf("ensure system tags: %w", err)
	}

	uid, gid, err := resolveIdentity()
	if err != nil {
		repo.Close()
		return nil, fmt.Errorf("resolve identity: %w", err)
	}
	enforceDatabaseOwnership(cfg.DatabasePath(), uid, gid)

	store := inode.New(searchCacheSize)
	actor := embedactor.New(model, embedQueueDepth, embedMaxBatch)

	// Each watch root's .magicfsignore is independent and the watcher
	// reloads per-root rules itself as they change; the indexer only needs
	// an initial set to seed its own bouncer gate, so the first root's rules
	// suffice here.
	rules := bouncer.LoadIgnoreRules(cfg.WatchRoots[0])
	ix := indexer.New(repo, actor, store, indexer.PlainExtractor{}, cfg.ChunkSize, rules)
	srch := searcher.New(repo, actor, store, cfg.ScoreAgg)
	orch := orchestrator.New(repo, ix, srch)
	orch.OnSteady = func() { enforceDatabaseOwnership(cfg.DatabasePath(), uid, gid) }

	watchRoots := append([]string{}, cfg.WatchRoots...)
	watchRoots = append(watchRoots, cfg.InboxDir(), cfg.ArchiveDir())
	w, err := watcher.New(watchRoots, orch, repo)
	if err != nil {
		repo.Close()
		actor.Stop()
		return nil, fmt.Errorf("create watcher: %w", err)
	}

	meta, err := OpenMetaStore(cfg.DataDir)
	if err != nil {
		repo.Close()
		actor.Stop()
		return nil, fmt.Errorf("open daemon metadata: %w", err)
	}

	var sweeper *taggraph.TrashSweeper
	if cfg.TrashMode {
		sweeper = taggraph.NewTrashSweeper(graph, cfg.TrashSchedule, cfg.TrashThreshold)
	}

	return &State{
		Config:    cfg,
		Repo:      repo,
		Graph:     graph,
		Store:     store,
		Actor:     actor,
		Indexer:   ix,
		Searcher:  srch,
		Orch:      orch,
		Watch:     w,
		Meta:      meta,
		Sweeper:   sweeper,
		StartTime: time.Now(),
		UID:       uid,
		GID:       gid,
	}, nil
}

// Start brings the background organs online: the watcher's initial scan
// plus fsnotify loop, and the orchestrator's event loop. Both run until
// ctx is cancelled.
func (s *State) Start(ctx context.Context) error {
	if prev, ok := s.Meta.LastCleanShutdown(); ok {
		log.Info("last clean shutdown: %s", prev.Format(time.RFC3339))
	} else {
		log.Warn("no record of a prior clean shutdown; treating this as a fresh or recovered start")
	}

	if err := s.Watch.Start(ctx); err != nil {
		return fmt.Errorf("start watcher: %w", err)
	}
	go s.Orch.Run(ctx, s.tagNamesFor)
	if s.Sweeper != nil {
		go s.Sweeper.Run(ctx)
	}
	return nil
}

// tagNamesFor resolves the tags containing path's file row, used to
// decorate each indexed chunk's payload. Misses return nil rather than
// erroring: a file with no tags yet is not a failure.
func (s *State) tagNamesFor(path string) []string {
	ctx := context.Background()
	fileID, ok, err := s.Repo.FileIDForPath(ctx, path)
	if err != nil || !ok {
		return nil
	}
	names, err := s.Graph.TagNamesForFile(ctx, fileID)
	if err != nil {
		return nil
	}
	return names
}

// Close tears every component down in reverse dependency order and
// records a clean-shutdown timestamp.
func (s *State) Close() error {
	s.Watch.Stop()
	s.Actor.Stop()
	if err := s.Meta.RecordCleanShutdown(); err != nil {
		log.Warn("failed to record clean shutdown: %v", err)
	}
	return s.Repo.Close()
}

// resolveIdentity implements the elevated-mode UID/GID masquerade: when
// running as root for the FUSE attach (commonly required for allow_other),
// files appear owned by the invoking user, recovered from
// SUDO_UID/SUDO_GID, rather than by root.
func resolveIdentity() (uid, gid uint32, err error) {
	if os.Geteuid() != 0 {
		return uint32(os.Getuid()), uint32(os.Getgid()), nil
	}

	sudoUID := os.Getenv("SUDO_UID")
	sudoGID := os.Getenv("SUDO_GID")
	if sudoUID == "" || sudoGID == "" {
		log.Warn("running as root with no SUDO_UID/SUDO_GID; files will appear owned by root")
		return 0, 0, nil
	}

	u, err := strconv.ParseUint(sudoUID, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("parse SUDO_UID: %w", err)
	}
	g, err := strconv.ParseUint(sudoGID, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("parse SUDO_GID: %w", err)
	}
	return uint32(u), uint32(g), nil
}

// enforceDatabaseOwnership implements the Robin Hood Protocol: when the
// daemon runs elevated, the database file and its WAL/SHM sidecars are
// chowned to the invoking user's uid/gid and set to mode 0o640, so that
// user owns them and their group can read them. A no-op when not running
// as root. Called once at startup
// for the main file, and again from Orchestrator.OnSteady once the
// Bulk -> Steady handover has switched journal_mode to WAL and materialized
// the sidecars.
func enforceDatabaseOwnership(dbPath string, uid, gid uint32) {
	if os.Geteuid() != 0 {
		return
	}

	for _, p := range []string{dbPath, dbPath + "-wal", dbPath + "-shm"} {
		if _, err := os.Stat(p); err != nil {
			continue
		}
		if err := os.Chown(p, int(uid), int(gid)); err != nil {
			log.Warn("failed to chown %s: %v", p, err)
			continue
		}
		if err := os.Chmod(p, 0o640); err != nil {
			log.Warn("failed to widen group perms on %s: %v", p, err)
		}
	}
}

// lookupInvokingUser is used by tests and diagnostics to cross-check
// resolveIdentity's SUDO_UID parse against the system user database.
func lookupInvokingUser(uidStr string) (*user.User, error) {
	return user.LookupId(uidStr)
}
