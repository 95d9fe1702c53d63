package magicfs

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"bazil.org/fuse"
)

func TestTagDirMkdirAndLookup(t *testing.T) {
	fs, _, _ := setupTestFS(t)
	ctx := context.Background()
	root := &TagDir{fs: fs, tagID: nil}

	node, err := root.Mkdir(ctx, &fuse.MkdirRequest{Name: "invoices"})
	if err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	child := node.(*TagDir)
	if child.tagID == nil {
		t.Fatalf("expected a concrete tag id for the new child")
	}

	looked, err := root.Lookup(ctx, "invoices")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if looked.(*TagDir).tagID == nil || *looked.(*TagDir).tagID != *child.tagID {
		t.Errorf("lookup did not resolve to the tag just created")
	}
}

func TestTagDirCreateAndReadDirAll(t *testing.T) {
	fs, _, _ := setupTestFS(t)
	ctx := context.Background()
	root := &TagDir{fs: fs, tagID: nil}

	node, err := root.Mkdir(ctx, &fuse.MkdirRequest{Name: "receipts"})
	if err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	tagDir := node.(*TagDir)

	createResp := &fuse.CreateResponse{}
	fileNode, handle, err := tagDir.Create(ctx, &fuse.CreateRequest{Name: "a.txt"}, createResp)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	fh := handle.(*fileHandle)
	if _, err := fh.file.WriteString("hello"); err != nil {
		t.Fatalf("write: %v", err)
	}
	fh.file.Close()

	af := fileNode.(*archiveFile)
	if _, err := os.Stat(af.absPath); err != nil {
		t.Fatalf("created file should exist on disk: %v", err)
	}
	if filepath.Ext(af.absPath) != ".txt" {
		t.Errorf("expected landing zone file to keep the .txt extension, got %q", af.absPath)
	}

	entries, err := tagDir.ReadDirAll(ctx)
	if err != nil {
		t.Fatalf("ReadDirAll: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Name == "a.txt" {
			found = true
		}
	}
	if !found {
		t.Errorf("expected a.txt in tag directory listing, got %v", entries)
	}
}

func TestTagDirLazyReaper(t *testing.T) {
	fs, st, _ := setupTestFS(t)
	ctx := context.Background()
	root := &TagDir{fs: fs, tagID: nil}

	node, err := root.Mkdir(ctx, &fuse.MkdirRequest{Name: "ephemeral"})
	if err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	tagDir := node.(*TagDir)

	createResp := &fuse.CreateResponse{}
	fileNode, handle, err := tagDir.Create(ctx, &fuse.CreateRequest{Name: "gone.txt"}, createResp)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	handle.(*fileHandle).file.Close()
	absPath := fileNode.(*archiveFile).absPath

	if err := os.Remove(absPath); err != nil {
		t.Fatalf("remove backing file: %v", err)
	}

	entries, err := tagDir.ReadDirAll(ctx)
	if err != nil {
		t.Fatalf("ReadDirAll: %v", err)
	}
	for _, e := range entries {
		if e.Name == "gone.txt" {
			t.Errorf("lazy reaper should have dropped the vanished edge")
		}
	}

	fileID, ok, err := st.Repo.FileIDForPath(ctx, absPath)
	if err != nil {
		t.Fatalf("FileIDForPath: %v", err)
	}
	if ok {
		t.Errorf("expected lazy reaper to delete the repository row for file %d", fileID)
	}
}

func TestTagDirRemoveEdgeKeepsBytes(t *testing.T) {
	fs, _, _ := setupTestFS(t)
	ctx := context.Background()
	root := &TagDir{fs: fs, tagID: nil}

	node, _ := root.Mkdir(ctx, &fuse.MkdirRequest{Name: "kept"})
	tagDir := node.(*TagDir)

	createResp := &fuse.CreateResponse{}
	fileNode, handle, err := tagDir.Create(ctx, &fuse.CreateRequest{Name: "b.txt"}, createResp)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	handle.(*fileHandle).file.Close()
	absPath := fileNode.(*archiveFile).absPath

	if err := tagDir.Remove(ctx, &fuse.RemoveRequest{Name: "b.txt"}); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, err := os.Stat(absPath); err != nil {
		t.Errorf("removing a tag edge must not delete the underlying bytes: %v", err)
	}
	if _, err := tagDir.Lookup(ctx, "b.txt"); err == nil {
		t.Errorf("file should no longer be reachable through the removed edge")
	}
}

func TestTagDirRenameSameParentRenamesTag(t *testing.T) {
	fs, _, _ := setupTestFS(t)
	ctx := context.Background()
	root := &TagDir{fs: fs, tagID: nil}

	node, _ := root.Mkdir(ctx, &fuse.MkdirRequest{Name: "old-name"})
	tagDir := node.(*TagDir)

	err := root.Rename(ctx, &fuse.RenameRequest{OldName: "old-name", NewName: "new-name"}, root)
	if err != nil {
		t.Fatalf("Rename: %v", err)
	}

	if _, err := root.Lookup(ctx, "old-name"); err == nil {
		t.Errorf("old tag name should no longer resolve")
	}
	looked, err := root.Lookup(ctx, "new-name")
	if err != nil {
		t.Fatalf("new tag name should resolve: %v", err)
	}
	if *looked.(*TagDir).tagID != *tagDir.tagID {
		t.Errorf("renamed tag should keep the same tag id")
	}
}

func TestInboxForbidsSubdirectories(t *testing.T) {
	fs, _, _ := setupTestFS(t)
	ctx := context.Background()

	root := &RootDir{fs: fs}
	node, err := root.Lookup(ctx, "inbox")
	if err != nil {
		t.Fatalf("Lookup(inbox): %v", err)
	}
	inbox := node.(*TagDir)

	if _, err := inbox.Mkdir(ctx, &fuse.MkdirRequest{Name: "sub"}); err == nil {
		t.Errorf("expected mkdir under inbox to be rejected")
	}
}
