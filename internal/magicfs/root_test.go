package magicfs

import (
	"context"
	"testing"

	"bazil.org/fuse"

	"magicfs/internal/magicerr"
	"magicfs/internal/model"
)

func TestRootDirAttr(t *testing.T) {
	fs, _, _ := setupTestFS(t)
	root, err := fs.Root()
	if err != nil {
		t.Fatalf("Root: %v", err)
	}

	attr := &fuse.Attr{}
	if err := root.Attr(context.Background(), attr); err != nil {
		t.Fatalf("Attr: %v", err)
	}
	if attr.Inode != model.InodeRoot {
		t.Errorf("expected root inode %d, got %d", model.InodeRoot, attr.Inode)
	}
	if !attr.Mode.IsDir() {
		t.Errorf("expected root to be a directory")
	}
}

func TestRootDirReadDirAll(t *testing.T) {
	fs, _, _ := setupTestFS(t)
	root := &RootDir{fs: fs}

	entries, err := root.ReadDirAll(context.Background())
	if err != nil {
		t.Fatalf("ReadDirAll: %v", err)
	}

	want := map[string]bool{"search": false, "tags": false, "inbox": false, "mirror": false, ".magic": false}
	for _, e := range entries {
		if _, ok := want[e.Name]; !ok {
			t.Errorf("unexpected root entry %q", e.Name)
		}
		want[e.Name] = true
	}
	for name, seen := range want {
		if !seen {
			t.Errorf("missing root entry %q", name)
		}
	}
}

func TestRootDirLookupDispatch(t *testing.T) {
	fs, _, _ := setupTestFS(t)
	root := &RootDir{fs: fs}
	ctx := context.Background()

	cases := map[string]interface{}{
		"search": &SearchRootDir{},
		"tags":   &TagDir{},
		"inbox":  &TagDir{},
		"mirror": &MirrorRootDir{},
		".magic": &MagicDir{},
	}
	for name, wantType := range cases {
		node, err := root.Lookup(ctx, name)
		if err != nil {
			t.Fatalf("Lookup(%q): %v", name, err)
		}
		switch wantType.(type) {
		case *SearchRootDir:
			if _, ok := node.(*SearchRootDir); !ok {
				t.Errorf("Lookup(%q) wrong type: %T", name, node)
			}
		case *TagDir:
			if _, ok := node.(*TagDir); !ok {
				t.Errorf("Lookup(%q) wrong type: %T", name, node)
			}
		case *MirrorRootDir:
			if _, ok := node.(*MirrorRootDir); !ok {
				t.Errorf("Lookup(%q) wrong type: %T", name, node)
			}
		case *MagicDir:
			if _, ok := node.(*MagicDir); !ok {
				t.Errorf("Lookup(%q) wrong type: %T", name, node)
			}
		}
	}

	if _, err := root.Lookup(ctx, "nonexistent"); err == nil {
		t.Errorf("expected ENOENT for unknown root entry")
	}
}

func TestRootDirRejectsWrites(t *testing.T) {
	fs, _, _ := setupTestFS(t)
	root := &RootDir{fs: fs}
	ctx := context.Background()

	if _, err := root.Mkdir(ctx, &fuse.MkdirRequest{Name: "x"}); err != magicerr.ToErrno(magicerr.New(magicerr.OpMkdir, "x", magicerr.ErrReadOnly)) {
		t.Errorf("expected read-only error from Mkdir, got %v", err)
	}
	if err := root.Remove(ctx, &fuse.RemoveRequest{Name: "search"}); err == nil {
		t.Errorf("expected error removing root entry")
	}
	if err := root.Rename(ctx, &fuse.RenameRequest{OldName: "search", NewName: "s2"}, root); err == nil {
		t.Errorf("expected error renaming root entry")
	}
}
