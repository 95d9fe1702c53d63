// Package watcher emits typed file events to the Orchestrator and performs
// the initial bulk scan. The fsnotify usage and per-path debounce timer
// pattern follow the same shape as a cron-driven file watcher: one timer
// per path, reset on every new event, fired once the quiet window elapses.
package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"magicfs/internal/bouncer"
	"magicfs/internal/logging"
	"magicfs/internal/repository"
)

var log = logging.GetLogger().WithPrefix("watcher")

// EventKind mirrors the Orchestrator's typed file events.
type EventKind int

const (
	Create EventKind = iota
	Modify
	Delete
)

// Event is what the Watcher hands to the Orchestrator's submit_file_event.
type Event struct {
	Kind EventKind
	Path string

	// BypassIgnore marks an event raised by an explicit refresh rescan,
	// which must reach the Indexer's own eligibility check bypassing the
	// ignore list too, not just the scan that discovered the path.
	BypassIgnore bool
}

// debounceWindow is the per-path quiet window before an event fires.
const debounceWindow = 500 * time.Millisecond

// thermalWindow is the lockout duration after a path exceeds the mutation
// rate limit ("chatter protection").
const thermalWindow = 5 * time.Minute

// thermalThreshold is the mutation-rate trigger, roughly 5 per minute.
const thermalThreshold = 5

// Sink receives Watcher events; the Orchestrator implements this.
type Sink interface {
	SubmitFileEvent(Event)
}

// Watcher monitors one or more roots for file changes and performs the
// initial bulk scan.
type Watcher struct {
	roots  []string
	sink   Sink
	repo   *repository.Repository
	fsw    *fsnotify.Watcher
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu            sync.Mutex
	timers        map[string]*time.Timer
	pending       map[string]EventKind
	chatter       map[string]*chatterState
	lockoutTimers map[string]*time.Timer
	rules         map[string]*bouncer.IgnoreRules // root -> rules
	refresh       chan struct{}
}

type chatterState struct {
	count      int
	windowEnds time.Time
	lockedOut  bool
	dirty      bool
}

// New builds a Watcher over the given roots.
func New(roots []string, sink Sink, repo *repository.Repository) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		roots:         roots,
		sink:          sink,
		repo:          repo,
		fsw:           fsw,
		timers:        make(map[string]*time.Timer),
		pending:       make(map[string]EventKind),
		chatter:       make(map[string]*chatterState),
		lockoutTimers: make(map[string]*time.Timer),
		rules:         make(map[string]*bouncer.IgnoreRules),
		refresh:       make(chan struct{}, 1),
	}
	for _, root := range roots {
		w.rules[root] = bouncer.LoadIgnoreRules(root)
	}
	return w, nil
}

// Start performs the initial bulk scan, attaches fsnotify watches
// recursively, and begins the event loop.
func (w *Watcher) Start(ctx context.Context) error {
	for _, root := range w.roots {
		if err := w.addRecursive(root); err != nil {
			log.Warn("failed to watch root %s: %v", root, err)
		}
	}

	w.InitialScan(ctx, false)

	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.loop(ctx)

	log.Info("watcher started over %d root(s)", len(w.roots))
	return nil
}

// Stop shuts the watcher down, stopping pending debounce and lockout
// timers; the events they were holding are not delivered.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
	w.fsw.Close()

	w.mu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	for _, t := range w.lockoutTimers {
		t.Stop()
	}
	w.mu.Unlock()
}

// RequestRefresh sets the global refresh signal, triggered when
// `/.magic/refresh` is written through the filesystem.
func (w *Watcher) RequestRefresh() {
	select {
	case w.refresh <- struct{}{}:
	default:
	}
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil
		}
		if info.IsDir() {
			if addErr := w.fsw.Add(path); addErr != nil && !os.IsNotExist(addErr) {
				log.Warn("cannot watch dir %s: %v", path, addErr)
			}
		}
		return nil
	})
}

// InitialScan recursively walks each root, skips files whose registered
// mtime/size already match, else enqueues a Create event. bypassIgnore skips
// the `.magicfsignore` check (used by an explicit refresh request); the rest
// of the bouncer always applies regardless.
func (w *Watcher) InitialScan(ctx context.Context, bypassIgnore bool) {
	for _, root := range w.roots {
		rules := w.rules[root]
		filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
			if err != nil || info.IsDir() {
				return nil
			}
			rel, relErr := filepath.Rel(root, path)
			if relErr != nil {
				return nil
			}
			if bouncer.IsNoise(filepath.Base(path)) {
				return nil
			}
			if verdict := bouncer.CheckContent(path, rel, rules, bypassIgnore); verdict != bouncer.Eligible {
				return nil
			}

			mtime, size, ok, err := w.repo.GetFileMetadata(ctx, path)
			if err == nil && ok {
				delta := info.ModTime().Sub(mtime)
				if delta < 0 {
					delta = -delta
				}
				if delta <= time.Second && size == info.Size() {
					return nil
				}
			}

			w.sink.SubmitFileEvent(Event{Kind: Create, Path: path, BypassIgnore: bypassIgnore})
			return nil
		})
	}
	log.Info("initial scan complete over %d root(s)", len(w.roots))
}

func (w *Watcher) loop(ctx context.Context) {
	defer w.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ctx, event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			log.Warn("watcher error: %v", err)
		case <-w.refresh:
			log.Info("refresh signal received, performing full rescan bypassing the ignore list")
			w.InitialScan(ctx, true)
		}
	}
}

// handleEvent applies, for one fsnotify event: a .magicfsignore reload,
// thermal limiting, newly-created-subdirectory immediate scan, and per-path
// debounce. Events are handled one at a time in arrival order; a
// .magicfsignore change takes effect when its own event arrives and is not
// moved ahead of events already received.
func (w *Watcher) handleEvent(ctx context.Context, event fsnotify.Event) {
	if filepath.Base(event.Name) == ".magicfsignore" {
		w.reloadIgnoreRules(event.Name)
		return
	}

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			_ = w.fsw.Add(event.Name)
			w.InitialScan(ctx, false)
			return
		}
	}

	kind := classify(event)
	if w.throttled(event.Name) {
		return
	}
	w.scheduleDebounced(event.Name, kind)
}

func classify(event fsnotify.Event) EventKind {
	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		return Delete
	case event.Has(fsnotify.Create):
		return Create
	default:
		return Modify
	}
}

// throttled implements the thermal limit: once a path crosses
// thermalThreshold mutations within a minute, further events are suppressed
// for thermalWindow. The path is remembered as dirty for observability, but
// the guaranteed Final Promise event is fired by a per-path timer armed at
// lockout time (see armLockoutExpiry), not reactively here, so it fires
// even if no further fsnotify activity ever touches this path again.
func (w *Watcher) throttled(path string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := time.Now()
	state, ok := w.chatter[path]
	if !ok {
		state = &chatterState{windowEnds: now.Add(time.Minute)}
		w.chatter[path] = state
	}

	if state.lockedOut {
		state.dirty = true
		return true
	}

	if now.After(state.windowEnds) {
		state.count = 0
		state.windowEnds = now.Add(time.Minute)
	}
	state.count++

	if state.count > thermalThreshold {
		state.lockedOut = true
		state.windowEnds = now.Add(thermalWindow)
		log.Warn("thermal limit hit for %s, suppressing for %s", path, thermalWindow)
		w.armLockoutExpiry(path, thermalWindow)
		return true
	}

	return false
}

// armLockoutExpiry schedules the Final Promise: a timer that fires
// unconditionally when path's lockout window elapses, independent of
// whether any further event ever arrives for it. Called with w.mu held.
func (w *Watcher) armLockoutExpiry(path string, d time.Duration) {
	if t, ok := w.lockoutTimers[path]; ok {
		t.Stop()
	}
	w.lockoutTimers[path] = time.AfterFunc(d, func() {
		w.fireLockoutExpiry(path)
	})
}

// fireLockoutExpiry resets path's thermal state and submits the guaranteed
// synthetic Modify event. A no-op if the lockout was already cleared, which
// guards against a stale timer firing after Stop or a fresh lockout already
// rearmed it.
func (w *Watcher) fireLockoutExpiry(path string) {
	w.mu.Lock()
	state, ok := w.chatter[path]
	if !ok || !state.lockedOut {
		w.mu.Unlock()
		return
	}
	state.lockedOut = false
	state.dirty = false
	state.count = 0
	state.windowEnds = time.Now().Add(time.Minute)
	delete(w.lockoutTimers, path)
	w.mu.Unlock()

	w.sink.SubmitFileEvent(Event{Kind: Modify, Path: path})
}

func (w *Watcher) scheduleDebounced(path string, kind EventKind) {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.pending[path] = kind
	if t, ok := w.timers[path]; ok {
		t.Stop()
	}
	w.timers[path] = time.AfterFunc(debounceWindow, func() {
		w.flush(path)
	})
}

func (w *Watcher) flush(path string) {
	w.mu.Lock()
	kind, ok := w.pending[path]
	if !ok {
		w.mu.Unlock()
		return
	}
	delete(w.pending, path)
	delete(w.timers, path)
	w.mu.Unlock()

	w.sink.SubmitFileEvent(Event{Kind: kind, Path: path})
}

func (w *Watcher) reloadIgnoreRules(ignoreFilePath string) {
	root := w.rootFor(ignoreFilePath)
	if root == "" {
		return
	}
	w.mu.Lock()
	w.rules[root] = bouncer.LoadIgnoreRules(root)
	w.mu.Unlock()
	log.Info("reloaded ignore rules for %s", root)
}

func (w *Watcher) rootFor(path string) string {
	for _, root := range w.roots {
		if rel, err := filepath.Rel(root, path); err == nil && !isOutside(rel) {
			return root
		}
	}
	return ""
}

func isOutside(rel string) bool {
	return len(rel) >= 2 && rel[0] == '.' && rel[1] == '.'
}
