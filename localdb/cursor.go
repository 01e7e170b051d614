package localdb

import (
	"context"
	"database/sql"
	"sync"
)

// Cursor is a forward-only iterator over the rows of an executed Command.
// A Cursor returned by ExecuteReader holds its Manager's read lock until
// it's closed, excluding writers for its lifetime.
type Cursor struct {
	m       *Manager
	ctx     context.Context
	rows    *sql.Rows
	binding binding
	cancel  context.CancelFunc

	mu        sync.Mutex
	holdsLock bool
	release   func()
	closed    bool
}

// Next prepares the next row for Scan, returning false when there are no
// further rows or an error occurred. See Err.
func (c *Cursor) Next() bool { return c.rows.Next() }

// Scan the columns of the current row into |dest|.
func (c *Cursor) Scan(dest ...interface{}) error { return c.rows.Scan(dest...) }

// Values returns the column values of the current row.
func (c *Cursor) Values() ([]interface{}, error) {
	var cols, err = c.rows.Columns()
	if err != nil {
		return nil, err
	}
	var values = make([]interface{}, len(cols))
	var ptrs = make([]interface{}, len(cols))

	for i := range values {
		ptrs[i] = &values[i]
	}
	if err = c.rows.Scan(ptrs...); err != nil {
		return nil, err
	}
	return values, nil
}

// Columns returns the column names of the Cursor.
func (c *Cursor) Columns() ([]string, error) { return c.rows.Columns() }

// Err returns the error, if any, encountered during iteration.
func (c *Cursor) Err() error { return c.rows.Err() }

// HoldsLock returns true if the Cursor holds its Manager's read lock.
func (c *Cursor) HoldsLock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.holdsLock
}

// Context returns a Context which carries the Cursor's read hold. Reads
// issued with it while the Cursor is open re-enter the hold rather than
// queuing behind a waiting writer.
func (c *Cursor) Context() context.Context { return c.ctx }

// Close the Cursor, releasing its rows and then its read lock. Close may be
// called more than once.
func (c *Cursor) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	var err = c.rows.Close()
	c.binding.close()
	c.cancel()
	c.m.ReleaseReader(c)

	return err
}
