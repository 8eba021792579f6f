//go:build !nosqlite3cgo

package store

import _ "github.com/mattn/go-sqlite3"

// DriverName is the database/sql driver name registered for this build.
// The default build links mattn/go-sqlite3 (cgo), matching the teacher's
// driver choice. Build with -tags nosqlite3cgo for a pure-Go binary.
const DriverName = "sqlite3"
