// Package sqlite selects the SQLite driver backing localdb stores.
//
// Build modes:
//   - Default (CGO_ENABLED=0): pure Go modernc.org/sqlite, driver name "sqlite".
//   - CGO (-tags cgo_sqlite): github.com/mattn/go-sqlite3, driver name "sqlite3".
//
// Use Open rather than sql.Open so that the registered driver is always used.
package sqlite

import (
	"database/sql"
	"net/url"
)

// Primary SQLite result codes which callers of this package inspect.
// See https://www.sqlite.org/rescode.html.
const (
	CodeBusy       = 5
	CodeLocked     = 6
	CodeReadOnly   = 8
	CodeCorrupt    = 11
	CodeConstraint = 19
)

// DriverName returns the database/sql driver name in use.
func DriverName() string { return driverName }

// DriverType returns "cgo" for mattn/go-sqlite3, or "purego" for modernc.org/sqlite.
func DriverType() string { return driverType }

// IsCGO returns true if the CGO implementation is linked.
func IsCGO() bool { return driverType == "cgo" }

// Open a *sql.DB for the data source name using the linked driver.
func Open(dataSourceName string) (*sql.DB, error) {
	return sql.Open(driverName, dataSourceName)
}

// URI maps a database file path and URI parameters to a SQLite URI filename:
//
//	URI("/var/lib/db.sqlite", url.Values{"cache": {"shared"}}) =>
//	  "file:/var/lib/db.sqlite?cache=shared"
//
// See https://www.sqlite.org/uri.html for parameters understood by SQLite.
func URI(path string, values url.Values) string {
	if len(values) == 0 {
		return "file:" + path
	}
	return "file:" + path + "?" + values.Encode()
}

// ErrorCode returns the primary SQLite result code of |err|, if |err| is (or
// wraps) an error of the linked driver.
func ErrorCode(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	var code, ok = errorCode(err)
	// Extended result codes carry the primary code in their low byte.
	return code & 0xff, ok
}

// IsBusy returns true if |err| is a SQLITE_BUSY or SQLITE_LOCKED error.
func IsBusy(err error) bool {
	var code, ok = ErrorCode(err)
	return ok && (code == CodeBusy || code == CodeLocked)
}

// Info describes the linked SQLite driver.
type Info struct {
	DriverName string `json:"driver_name"`
	DriverType string `json:"driver_type"`
	IsCGO      bool   `json:"is_cgo"`
	Package    string `json:"package"`
}

// GetInfo returns Info of the linked SQLite driver.
func GetInfo() Info {
	return Info{
		DriverName: driverName,
		DriverType: driverType,
		IsCGO:      IsCGO(),
		Package:    driverPackage,
	}
}
