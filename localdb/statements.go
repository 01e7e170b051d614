package localdb

import (
	"context"
	"database/sql"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// statementCache is an LRU cache of statements prepared on a Manager's
// connection, keyed on their text. Cached statements are reference counted:
// an evicted statement is closed only once its last reference is released.
type statementCache struct {
	mu  sync.Mutex
	lru *simplelru.LRU
}

// preparedStmt is a reference counted *sql.Stmt.
type preparedStmt struct {
	stmt    *sql.Stmt
	refs    atomic.Int32
	evicted atomic.Bool // Closed when |refs| reaches zero.
	once    sync.Once
}

func newStatementCache(size int) *statementCache {
	var lru, err = simplelru.NewLRU(size, func(_, value interface{}) {
		var p = value.(*preparedStmt)
		p.evicted.Store(true)

		if p.refs.Load() == 0 {
			p.close()
		}
	})
	if err != nil {
		panic(err.Error()) // Only errors on size <= 0.
	}
	return &statementCache{lru: lru}
}

// acquire a reference to a statement of |text|, preparing it on |conn| if
// it's not already cached. If |c| is nil, the statement is prepared but not
// cached, and is closed on its release.
func (c *statementCache) acquire(ctx context.Context, conn *sql.Conn, text string) (*preparedStmt, error) {
	if c == nil {
		var stmt, err = conn.PrepareContext(ctx, text)
		if err != nil {
			return nil, errors.WithMessagef(err, "preparing statement %q", text)
		}
		var p = &preparedStmt{stmt: stmt}
		p.evicted.Store(true)
		p.refs.Store(1)
		return p, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if v, ok := c.lru.Get(text); ok {
		var p = v.(*preparedStmt)
		p.refs.Add(1)
		return p, nil
	}

	var stmt, err = conn.PrepareContext(ctx, text)
	if err != nil {
		return nil, errors.WithMessagef(err, "preparing statement %q", text)
	}
	var p = &preparedStmt{stmt: stmt}
	p.refs.Store(1)
	c.lru.Add(text, p)

	return p, nil
}

// len returns the number of cached statements.
func (c *statementCache) len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.lru.Len()
}

// purge evicts all cached statements.
func (c *statementCache) purge() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.lru.Purge()
	c.mu.Unlock()
}

func (p *preparedStmt) retain() { p.refs.Add(1) }

func (p *preparedStmt) release() {
	if p.refs.Add(-1) == 0 && p.evicted.Load() {
		p.close()
	}
}

func (p *preparedStmt) close() {
	p.once.Do(func() {
		if err := p.stmt.Close(); err != nil {
			log.WithField("err", err).Error("failed to close prepared statement")
		}
	})
}
