package sqlite

import (
	"net/url"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDriverInfo(t *testing.T) {
	var info = GetInfo()

	require.Equal(t, DriverName(), info.DriverName)
	require.Equal(t, DriverType(), info.DriverType)
	require.Equal(t, IsCGO(), info.IsCGO)
	require.NotEmpty(t, info.Package)
}

func TestURI(t *testing.T) {
	require.Equal(t, "file:/tmp/a.db", URI("/tmp/a.db", nil))
	require.Equal(t, "file:/tmp/a.db?cache=shared&mode=rwc",
		URI("/tmp/a.db", url.Values{"mode": {"rwc"}, "cache": {"shared"}}))
}

func TestOpenAndErrorCode(t *testing.T) {
	var db, err = Open(URI(filepath.Join(t.TempDir(), "test.db"), nil))
	require.NoError(t, err)
	defer db.Close()

	_, err = db.Exec(`CREATE TABLE test (id INTEGER PRIMARY KEY, value TEXT NOT NULL UNIQUE)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO test (value) VALUES ('one')`)
	require.NoError(t, err)

	var code, ok = ErrorCode(err)
	require.False(t, ok)
	require.Zero(t, code)

	// Violate the UNIQUE constraint.
	_, err = db.Exec(`INSERT INTO test (value) VALUES ('one')`)
	require.Error(t, err)

	code, ok = ErrorCode(err)
	require.True(t, ok)
	require.Equal(t, CodeConstraint, code)
	require.False(t, IsBusy(err))

	var count int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM test`).Scan(&count))
	require.Equal(t, 1, count)
}
