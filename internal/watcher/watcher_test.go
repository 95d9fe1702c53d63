package watcher

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"magicfs/internal/repository"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSink struct {
	mu     sync.Mutex
	events []Event
}

func (s *recordingSink) SubmitFileEvent(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

func (s *recordingSink) snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

func newTestWatcher(t *testing.T, roots []string) (*Watcher, *recordingSink, *repository.Repository) {
	t.Helper()
	repo, err := repository.Open(filepath.Join(t.TempDir(), "test.db"), 4)
	require.NoError(t, err)
	t.Cleanup(func() { repo.Close() })

	sink := &recordingSink{}
	w, err := New(roots, sink, repo)
	require.NoError(t, err)
	return w, sink, repo
}

func TestInitialScanEnqueuesEligibleFiles(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("content"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".hidden"), []byte("content"), 0o644))

	w, sink, _ := newTestWatcher(t, []string{root})
	w.InitialScan(context.Background(), false)

	events := sink.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, filepath.Join(root, "a.txt"), events[0].Path)
}

func TestInitialScanSkipsUnchangedRegisteredFiles(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "a.txt")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))

	w, sink, repo := newTestWatcher(t, []string{root})

	info, err := os.Stat(path)
	require.NoError(t, err)
	_, err = repo.UpsertFile(context.Background(), path, info.ModTime(), info.Size(), false)
	require.NoError(t, err)

	w.InitialScan(context.Background(), false)
	assert.Empty(t, sink.snapshot())
}

func TestThermalLimitSuppressesAfterThreshold(t *testing.T) {
	w, _, _ := newTestWatcher(t, []string{t.TempDir()})

	path := "/fake/hot.txt"
	var results []bool
	for i := 0; i < thermalThreshold+2; i++ {
		results = append(results, w.throttled(path))
	}

	for i, r := range results[:thermalThreshold] {
		assert.False(t, r, "event %d should not be throttled yet", i)
	}
	assert.True(t, results[thermalThreshold], "event exceeding the threshold must be throttled")
}

func TestDebounceCollapsesMultipleMutations(t *testing.T) {
	w, sink, _ := newTestWatcher(t, []string{t.TempDir()})

	path := "/fake/file.txt"
	w.scheduleDebounced(path, Modify)
	w.scheduleDebounced(path, Modify)
	w.scheduleDebounced(path, Delete)

	time.Sleep(debounceWindow + 100*time.Millisecond)

	events := sink.snapshot()
	require.Len(t, events, 1, "rapid mutations on one path must collapse into a single event")
	assert.Equal(t, Delete, events[0].Kind)
}

func TestInitialScanBypassIgnoreSkipsIgnoreRule(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "build"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "build", "output.txt"), []byte("content"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".magicfsignore"), []byte("build\n"), 0o644))

	w, sink, _ := newTestWatcher(t, []string{root})

	w.InitialScan(context.Background(), false)
	assert.Empty(t, sink.snapshot(), "ignored path must not be scanned without bypass")

	w.InitialScan(context.Background(), true)
	events := sink.snapshot()
	require.Len(t, events, 1)
	assert.True(t, events[0].BypassIgnore)
	assert.Equal(t, filepath.Join(root, "build", "output.txt"), events[0].Path)
}

func TestLockoutExpiryFiresWithoutFurtherTraffic(t *testing.T) {
	w, sink, _ := newTestWatcher(t, []string{t.TempDir()})

	path := "/fake/chatty.txt"
	for i := 0; i < thermalThreshold+1; i++ {
		w.throttled(path)
	}

	w.mu.Lock()
	w.armLockoutExpiry(path, 50*time.Millisecond)
	w.mu.Unlock()

	time.Sleep(150 * time.Millisecond)

	events := sink.snapshot()
	require.Len(t, events, 1, "lockout expiry must fire on its own once the window elapses")
	assert.Equal(t, Modify, events[0].Kind)
	assert.Equal(t, path, events[0].Path)
}

func TestClassifyMapsFsnotifyOpsToEventKind(t *testing.T) {
	assert.Equal(t, Delete, classify(fsnotify.Event{Op: fsnotify.Remove}))
	assert.Equal(t, Delete, classify(fsnotify.Event{Op: fsnotify.Rename}))
	assert.Equal(t, Create, classify(fsnotify.Event{Op: fsnotify.Create}))
	assert.Equal(t, Modify, classify(fsnotify.Event{Op: fsnotify.Write}))
}
