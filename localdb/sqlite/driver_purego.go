//go:build !cgo_sqlite

package sqlite

import (
	"github.com/pkg/errors"
	msqlite "modernc.org/sqlite"
)

const (
	driverName    = "sqlite"
	driverType    = "purego"
	driverPackage = "modernc.org/sqlite"
)

func errorCode(err error) (int, bool) {
	var se *msqlite.Error
	if errors.As(err, &se) {
		return se.Code(), true
	}
	return 0, false
}
