// Package model defines the data types shared across MagicFS's components:
// the file registry, the tag graph, and ephemeral search results.
package model

import "time"

// Inode numbering, per the inode numbering invariants: inode 1 is the root,
// 2..N are the short list of hard-coded system inodes, tag inodes carry the
// persistent flag in their high bit, and file inodes use the file_id
// directly (file_ids never collide with the system range because the
// registry's auto-increment starts above it).
const (
	InodeRoot = 1

	InodeSearch = 2
	InodeTags   = 3
	InodeInbox  = 4
	InodeMirror = 5
	InodeMagic  = 6

	// InodeMagicRefresh is the control file /.magic/refresh.
	InodeMagicRefresh = 7

	// FirstFileInode is the lowest inode available for physical files; the
	// repository's file_id sequence starts here so file inodes never collide
	// with the hard-coded system inodes above.
	FirstFileInode = 1 << 8

	// PersistentFlag marks a tag_id translated to an inode, per the inode
	// numbering invariants: inode = tag_id | PersistentFlag.
	PersistentFlag = uint64(1) << 63
)

// FileRecord is one row per indexed physical file.
type FileRecord struct {
	FileID  int64
	AbsPath string
	Mtime   time.Time
	Size    int64
	IsDir   bool
}

// Chunk is zero or more rows per file.
type Chunk struct {
	FileID    int64
	Ordinal   int
	Text      string
	Embedding []float32
}

// Tag is a node in the organization graph.
type Tag struct {
	TagID       int64
	ParentTagID *int64
	Name        string
	IsSystem    bool
}

// System tag names, created at first startup and protected from rename/delete.
const (
	SystemTagInbox = "Inbox"
	SystemTagTrash = "Trash"
)

// FileTagEdge is the many-to-many link from a file to a tag.
type FileTagEdge struct {
	FileID      int64
	TagID       int64
	DisplayName string
	AddedAt     time.Time
}

// SearchResult is one ranked file within a SearchResultSet.
type SearchResult struct {
	FileID      int64
	Score       float64
	DisplayName string
	Snippets    []string
}

// SearchResultSet is the ephemeral, in-memory publication of a query's
// results. It is never persisted to the repository.
type SearchResultSet struct {
	Query        string
	Inode        uint64
	Results      []SearchResult
	IndexVersion uint64
}

// ScoreAggregation selects how chunk distances within a file are combined
// into one file-level score. Minimum distance is the default and required
// behavior; Mean is offered as a configurable alternative.
type ScoreAggregation int

const (
	AggregateMin ScoreAggregation = iota
	AggregateMean
)
