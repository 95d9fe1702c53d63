//go:build sqlite_vec
// +build sqlite_vec

package repository

// This file is compiled when building with CGO and the sqlite_vec tag. It
// registers mattn/go-sqlite3 as the "sqlite3" driver and enables the real
// sqlite-vec extension, giving the Repository native `vec0` virtual tables
// and SQL-level `vec_distance_cosine`.
//
// Build command:
//   CGO_ENABLED=1 go build -tags sqlite_vec ./...

import (
	sqlite_vec "github.com/asg017/sqlite-vec-go-bindings/cgo"
	_ "github.com/mattn/go-sqlite3"
)

func init() {
	sqlite_vec.Auto()
}

const (
	// DriverName is the database/sql driver name to use.
	DriverName = "sqlite3"

	// VectorExtensionAvailable indicates native vec0 support.
	VectorExtensionAvailable = true

	// BuildMode describes the current build configuration.
	BuildMode = "cgo"
)
