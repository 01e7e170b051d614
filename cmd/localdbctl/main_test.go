package main

import (
	"bytes"
	"context"
	"path/filepath"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/require"
	"go.blockvault.dev/core/localdb"
)

func TestExecAndQuery(t *testing.T) {
	for _, txFree := range []bool{false, true} {
		var ctx = context.Background()
		var m = newTestStore(t, txFree)
		var buf bytes.Buffer

		require.NoError(t, runExec(ctx, m, &buf,
			"CREATE TABLE blocks (hash TEXT PRIMARY KEY, size INTEGER, note TEXT)", nil))
		require.Contains(t, buf.String(), "rows affected\n")

		buf.Reset()
		require.NoError(t, runExec(ctx, m, &buf,
			"INSERT INTO blocks (hash, size) VALUES (?, ?), (?, ?)", []string{"aa", "1024", "bb", "2048"}))
		require.Equal(t, "2 rows affected\n", buf.String())

		for _, unlocked := range []bool{false, true} {
			buf.Reset()
			require.NoError(t, runQuery(ctx, m, &buf,
				"SELECT hash, size, note FROM blocks WHERE size > ? ORDER BY hash", []string{"0"}, unlocked))

			var out = buf.String()
			require.Contains(t, out, "aa")
			require.Contains(t, out, "2048")
			require.Contains(t, out, "NULL")
			require.Contains(t, out, "(2 rows)\n")
		}

		// Errors are returned, and the store remains usable.
		require.Error(t, runQuery(ctx, m, &buf, "SELECT * FROM not_a_table", nil, false))
		require.Error(t, runExec(ctx, m, &buf, "INSERT INTO blocks (hash) VALUES ('aa')", nil))

		buf.Reset()
		require.NoError(t, runQuery(ctx, m, &buf, "SELECT COUNT(*) FROM blocks", nil, false))
		require.Contains(t, buf.String(), "(1 rows)\n")
	}
}

func TestPragmaVacuumAndStat(t *testing.T) {
	var ctx = context.Background()
	var fs = afero.NewOsFs()
	var m = newTestStore(t, false)
	var buf bytes.Buffer

	// The store doesn't yet exist.
	require.EqualError(t, runStat(ctx, m, fs, &buf), "store "+m.Path()+" does not exist")
	require.EqualError(t, runVacuum(ctx, m, fs, &buf), "store "+m.Path()+" does not exist")

	require.NoError(t, runPragma(ctx, m, &buf, "user_version=3"))
	require.Contains(t, buf.String(), "3")

	buf.Reset()
	require.NoError(t, runPragma(ctx, m, &buf, "user_version"))
	require.Contains(t, buf.String(), "3")
	require.Contains(t, buf.String(), "(1 rows)\n")

	buf.Reset()
	require.NoError(t, runVacuum(ctx, m, fs, &buf))
	require.Contains(t, buf.String(), "vacuumed "+m.Path())

	buf.Reset()
	require.NoError(t, runStat(ctx, m, fs, &buf))
	for _, expect := range append(statPragmas, "driver", "tables") {
		require.Contains(t, buf.String(), expect)
	}
}

func TestBench(t *testing.T) {
	var ctx = context.Background()
	var m = newTestStore(t, false)
	var buf bytes.Buffer

	require.NoError(t, runBench(ctx, m, &buf, cmdBench{
		Writers: 3,
		Readers: 2,
		Rows:    50,
		Batch:   20,
		Payload: "64B",
	}))
	require.Contains(t, buf.String(), "150")
	require.False(t, m.IsTransactionActive())

	// The bench table was dropped.
	buf.Reset()
	require.NoError(t, runQuery(ctx, m, &buf,
		"SELECT COUNT(*) FROM sqlite_master WHERE name = 'localdbctl_bench'", nil, false))
	require.Contains(t, buf.String(), "(1 rows)\n")
	require.Contains(t, buf.String(), " 0 ")

	require.Error(t, runBench(ctx, newTestStore(t, true), &buf, cmdBench{Writers: 1, Rows: 1, Batch: 1}))
	require.Error(t, runBench(ctx, m, &buf, cmdBench{Writers: 1, Rows: 1, Batch: 1, Payload: "lots"}))
}

func newTestStore(t *testing.T, txFree bool) *localdb.Manager {
	var m, err = localdb.New(localdb.Config{
		Path:            filepath.Join(t.TempDir(), "store.sqlite"),
		TransactionFree: txFree,
		JournalMode:     "wal",
	})
	require.NoError(t, err)

	t.Cleanup(m.Close)
	return m
}
