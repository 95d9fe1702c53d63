package magicfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"bazil.org/fuse"
)

func TestSearchRootLookupDoesNotDispatch(t *testing.T) {
	fs, _, _ := setupTestFS(t)
	root := &SearchRootDir{fs: fs}

	node, err := root.Lookup(context.Background(), "anything goes")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	view, ok := node.(*SearchViewDir)
	if !ok {
		t.Fatalf("expected *SearchViewDir, got %T", node)
	}
	if view.query != "anything goes" {
		t.Errorf("expected query %q preserved verbatim, got %q", "anything goes", view.query)
	}
}

func TestSearchRootReadDirAllIsEmpty(t *testing.T) {
	fs, _, _ := setupTestFS(t)
	root := &SearchRootDir{fs: fs}

	entries, err := root.ReadDirAll(context.Background())
	if err != nil {
		t.Fatalf("ReadDirAll: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("expected no enumerated entries at /search, got %v", entries)
	}
}

func TestSearchViewFindsIndexedFile(t *testing.T) {
	fs, st, watchRoot := setupTestFS(t)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	if err := os.WriteFile(filepath.Join(watchRoot, "invoice.txt"), []byte("acme widget invoice total due"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := st.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}

	view := &SearchViewDir{fs: fs, query: "invoice"}

	deadline := time.Now().Add(5 * time.Second)
	var entries []fuse.Dirent
	for time.Now().Before(deadline) {
		var err error
		entries, err = view.ReadDirAll(ctx)
		if err != nil {
			t.Fatalf("ReadDirAll: %v", err)
		}
		if len(entries) > 0 {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}
	if len(entries) == 0 {
		t.Fatalf("expected the indexed invoice file to surface in a search view within the deadline")
	}

	node, err := view.Lookup(ctx, entries[0].Name)
	if err != nil {
		t.Fatalf("Lookup(%q): %v", entries[0].Name, err)
	}
	result, ok := node.(*SearchResultFile)
	if !ok {
		t.Fatalf("expected *SearchResultFile, got %T", node)
	}

	resp := &fuse.OpenResponse{}
	handle, err := result.Open(ctx, &fuse.OpenRequest{Flags: fuse.OpenReadOnly}, resp)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	readResp := &fuse.ReadResponse{}
	if err := handle.(*searchResultHandle).Read(ctx, &fuse.ReadRequest{Size: 4096}, readResp); err != nil {
		t.Fatalf("Read: %v", err)
	}
	if len(readResp.Data) == 0 {
		t.Errorf("expected non-empty synthesized content for a search result file")
	}
}
