//go:build purego || !sqlite_vec
// +build purego !sqlite_vec

package repository

// This file is compiled without CGO, or without the sqlite_vec tag. It uses
// modernc.org/sqlite, a pure-Go SQLite implementation with no vec0 support;
// the Repository falls back to computing cosine distance in Go (see
// search.go's searchFallback).
//
// Build command:
//   CGO_ENABLED=0 go build -tags purego ./...

import (
	_ "modernc.org/sqlite"
)

const (
	// DriverName is the database/sql driver name to use.
	DriverName = "sqlite"

	// VectorExtensionAvailable indicates native vec0 support.
	VectorExtensionAvailable = false

	// BuildMode describes the current build configuration.
	BuildMode = "purego"
)
