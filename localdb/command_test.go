package localdb

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCountPlaceholders(t *testing.T) {
	for _, tc := range []struct {
		text   string
		expect int
	}{
		{"", 0},
		{"SELECT 1", 0},
		{"SELECT * FROM t WHERE a = ? AND b = ?", 2},
		{"SELECT '?', \"?\", `?`, [?] FROM t WHERE a = ?", 1},
		{"SELECT 'it''s?' FROM t WHERE a = ?", 1},
		{"SELECT a -- why?\nFROM t WHERE a = ?", 1},
		{"SELECT a /* or? */ FROM t WHERE a = ? /* trailing?", 1},
		{"SELECT 'unterminated ?", 0},
		{"SELECT a - ? FROM t", 1},
	} {
		require.Equal(t, tc.expect, countPlaceholders(tc.text), tc.text)
	}
}

func TestCommandParameters(t *testing.T) {
	var m = newTestManager(t, nil)

	var cmd = m.CreateCommand("SELECT ? + ?")
	require.Equal(t, "SELECT ? + ?", cmd.Text())
	require.Len(t, cmd.Parameters(), 2)

	// AddParameter binds pre-allocated parameters, and then appends.
	cmd.AddParameters(1, 2, 3)
	require.Equal(t, []*Parameter{{Value: 1}, {Value: 2}, {Value: 3}}, cmd.Parameters())

	cmd.SetParameterValue(0, 10)
	require.Equal(t, 10, cmd.Parameters()[0].Value)

	// An out-of-range index fails the next execution.
	cmd.SetParameterValue(5, "x")
	var _, err = cmd.ExecuteScalar(context.Background())
	require.EqualError(t, err, "parameter index 5 out of range [0, 3)")

	// SetText resets parameters and the sticky error.
	cmd.SetText("SELECT :a, @b, $c")
	require.Empty(t, cmd.Parameters())
	require.NoError(t, cmd.err)

	cmd.AddNamedParameter(":a", 1).AddNamedParameter("b", 2)
	cmd.CreateParameter("$c").Value = 3
	cmd.SetNamedParameterValue("@b", 20)

	require.Equal(t, []interface{}{
		sql.Named("a", 1),
		sql.Named("b", 20),
		sql.Named("c", 3),
	}, cmd.args())

	require.Equal(t, time.Duration(0), cmd.Timeout())
	require.Equal(t, time.Second, cmd.SetTimeout(time.Second).Timeout())
}

func TestCommandExecution(t *testing.T) {
	var ctx = context.Background()
	var m = newTestManager(t, func(cfg *Config) { cfg.TransactionFree = true })

	insertBlocks(t, ctx, m, "aa", "bb")

	n, err := m.CreateCommand("UPDATE blocks SET size = ? WHERE hash != ?").
		AddParameters(1024, "none").ExecuteNonQuery(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), n)

	// Scalars of no rows are nil, or the default.
	var cmd = m.CreateCommand("SELECT size FROM blocks WHERE hash = ?").AddParameter("cc")
	v, err := cmd.ExecuteScalar(ctx)
	require.NoError(t, err)
	require.Nil(t, v)

	size, err := cmd.ExecuteScalarInt64(ctx, -1)
	require.NoError(t, err)
	require.Equal(t, int64(-1), size)

	size, err = cmd.SetParameterValue(0, "aa").ExecuteScalarInt64(ctx, -1)
	require.NoError(t, err)
	require.Equal(t, int64(1024), size)

	size, err = m.CreateCommand("SELECT '42'").ExecuteScalarInt64(ctx, -1)
	require.NoError(t, err)
	require.Equal(t, int64(42), size)

	_, err = m.CreateCommand("SELECT 'forty-two'").ExecuteScalarInt64(ctx, -1)
	require.Error(t, err)

	// Values and Columns of a reader.
	cur, err := m.CreateCommand("SELECT hash, size FROM blocks ORDER BY id").ExecuteReader(ctx)
	require.NoError(t, err)

	cols, err := cur.Columns()
	require.NoError(t, err)
	require.Equal(t, []string{"hash", "size"}, cols)

	require.True(t, cur.Next())
	values, err := cur.Values()
	require.NoError(t, err)
	require.Len(t, values, 2)
	require.Equal(t, int64(1024), values[1])
	require.NoError(t, cur.Close())

	// Commands of another Manager are rejected.
	var other = newTestManager(t, func(cfg *Config) { cfg.TransactionFree = true })
	_, err = m.ExecuteNonQuery(ctx, other.CreateCommand("DELETE FROM blocks"))
	require.EqualError(t, err, "ExecuteNonQuery: command belongs to another Manager")
}

func TestCommandTimeout(t *testing.T) {
	var ctx = context.Background()
	var m = newTestManager(t, func(cfg *Config) { cfg.TransactionFree = true })

	// An unbounded recursive query which never completes.
	var cmd = m.CreateCommand(`
		WITH RECURSIVE r(n) AS (SELECT 1 UNION ALL SELECT n + 1 FROM r)
		SELECT COUNT(*) FROM r`).SetTimeout(50 * time.Millisecond)

	var _, err = cmd.ExecuteScalar(ctx)
	require.Error(t, err)

	// The store remains usable.
	insertBlocks(t, ctx, m, "aa")
}

func TestPreparedCommands(t *testing.T) {
	var ctx = context.Background()

	for _, txFree := range []bool{true, false} {
		var m = newTestManager(t, func(cfg *Config) {
			cfg.TransactionFree = txFree
			cfg.StatementCacheSize = 2
		})
		if !txFree {
			mustBegin(t, ctx, m)
		}

		var insert = m.CreateCommand("INSERT INTO blocks (hash) VALUES (?)")
		require.NoError(t, insert.Prepare(ctx))
		require.NoError(t, insert.Prepare(ctx)) // No-op.

		for _, hash := range []string{"aa", "bb", "cc"} {
			var _, err = insert.SetParameterValue(0, hash).ExecuteNonQuery(ctx)
			require.NoError(t, err)
		}

		// Commands of equal text share a cached statement.
		var count = m.CreateCommand("SELECT COUNT(*) FROM blocks")
		require.NoError(t, count.Prepare(ctx))
		var count2 = m.CreateCommand("SELECT COUNT(*) FROM blocks")
		require.NoError(t, count2.Prepare(ctx))
		require.True(t, count.prepared == count2.prepared)
		require.Equal(t, 2, m.stmts.len())

		// A reader of a prepared statement retains it beyond eviction.
		var sel = m.CreateCommand("SELECT hash FROM blocks ORDER BY id")
		require.NoError(t, sel.Prepare(ctx))
		require.Equal(t, 2, m.stmts.len())

		cur, err := sel.ExecuteReader(ctx)
		require.NoError(t, err)
		require.NoError(t, sel.Close())
		require.True(t, sel.prepared == nil)

		// Evict the statements of |count| and then |sel|.
		for _, text := range []string{"SELECT MIN(id) FROM blocks", "SELECT MAX(id) FROM blocks"} {
			var other = m.CreateCommand(text)
			require.NoError(t, other.Prepare(ctx))
			require.NoError(t, other.Close())
		}
		require.Equal(t, 2, m.stmts.len())
		require.True(t, count.prepared.evicted.Load())

		var hashes []string
		for cur.Next() {
			var hash string
			require.NoError(t, cur.Scan(&hash))
			hashes = append(hashes, hash)
		}
		require.NoError(t, cur.Err())
		require.NoError(t, cur.Close())
		require.Equal(t, []string{"aa", "bb", "cc"}, hashes)

		n, err := count.ExecuteScalarInt64(ctx, -1)
		require.NoError(t, err)
		require.Equal(t, int64(3), n)

		// A closed Command executes unprepared.
		require.NoError(t, count.Close())
		n, err = count.ExecuteScalarInt64(ctx, -1)
		require.NoError(t, err)
		require.Equal(t, int64(3), n)
	}
}

func TestPreparedCommandsSpanTransactions(t *testing.T) {
	var ctx = context.Background()
	var m = newTestManager(t, nil)

	var tx, err = m.BeginTransaction(ctx)
	require.NoError(t, err)

	var insert = m.CreateCommand("INSERT INTO blocks (hash) VALUES (?)")
	require.NoError(t, insert.Prepare(ctx))
	defer insert.Close()
	var stmt = insert.prepared.stmt

	for i, hash := range []string{"aa", "bb", "cc"} {
		// Bindings execute the cached statement itself.
		b, err := m.bind(insert, "ExecuteNonQuery", false)
		require.NoError(t, err)
		require.True(t, b.prepared.stmt == stmt)
		require.Equal(t, int32(2), insert.prepared.refs.Load())
		b.close()
		require.Equal(t, int32(1), insert.prepared.refs.Load())

		_, err = insert.SetParameterValue(0, hash).ExecuteNonQuery(ctx)
		require.NoError(t, err)

		if i != 2 {
			require.NoError(t, tx.CommitAndRestart(ctx, hash))
		}
	}
	require.True(t, insert.prepared.stmt == stmt)
	require.Equal(t, 1, m.stmts.len())

	// The prepared statement ran within the root, and "cc" rolls back with it.
	require.NoError(t, tx.Rollback(ctx))
	require.Equal(t, []string{"aa", "bb"}, selectHashes(t, mustBegin(t, ctx, m), m))
}

func TestPreparedCommandsWithoutCache(t *testing.T) {
	var ctx = context.Background()
	var m = newTestManager(t, func(cfg *Config) {
		cfg.TransactionFree = true
		cfg.StatementCacheSize = 0
	})

	var cmd = m.CreateCommand("SELECT COUNT(*) FROM blocks")
	require.NoError(t, cmd.Prepare(ctx))
	require.Equal(t, 0, m.stmts.len())

	var n, err = cmd.ExecuteScalarInt64(ctx, -1)
	require.NoError(t, err)
	require.Equal(t, int64(0), n)
	require.NoError(t, cmd.Close())
}
