// Package localdb manages a single connection to a local SQLite store which
// is shared by concurrent goroutines.
//
// A Manager owns one native connection, opened lazily upon first use, and a
// reader-writer lock which serializes its use. Statements which modify the
// store take the lock for writing. Scalar queries, and Cursors returned by
// ExecuteReader, take it for reading; a Cursor holds its read lock until it's
// closed.
//
// Lock holds are carried by context.Context. Operations take a Context, and
// a Context derived from one holding the lock re-enters that hold rather than
// waiting upon it. Use Cursor.Context to issue reads while iterating a
// Cursor, and WithWriteLock to group operations under one write hold.
//
// Unless the Manager is transaction-free, every statement executes within
// its single root transaction:
//
//	var tx, err = m.BeginTransaction(ctx)
//	defer tx.Close()
//
//	_, err = m.CreateCommand("INSERT INTO blocks (hash) VALUES (?)").
//		AddParameter(hash).ExecuteNonQuery(ctx)
//
//	err = tx.Commit(ctx, "InsertBlock")
//
// BeginTransaction within an active transaction returns a nested Tx, whose
// Commit and Rollback affect only its own state. A Tx which is closed while
// still Open is rolled back, as is an active transaction of a Manager which
// is closed.
//
// ReusableTx supports bulk operations which commit periodically, continuing
// within a new native transaction after each commit.
package localdb
