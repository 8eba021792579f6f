//go:build nosqlite3cgo

package store

import _ "modernc.org/sqlite"

// DriverName is the database/sql driver name registered for this build.
// The nosqlite3cgo tag swaps in modernc.org/sqlite, a pure-Go driver, for
// cross-compiled or cgo-unavailable environments.
const DriverName = "sqlite"
