package localdb

import (
	"context"
	"database/sql"
	"path/filepath"
	"runtime"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"go.blockvault.dev/core/localdb/sqlite"
	"go.blockvault.dev/core/metrics"
)

// Manager owns a single native connection to a local SQLite store, and
// serializes its use by concurrent goroutines. At most one root transaction
// is active at a time, and every non-query statement is bound to it.
type Manager struct {
	cfg  Config
	id   uuid.UUID
	lock *rwLock
	log  *log.Entry

	db    *sql.DB // Set with |conn|, under the write lock.
	conn  atomic.Pointer[sql.Conn]
	stmts *statementCache

	root        atomic.Pointer[Tx] // Stored under the write lock.
	hasVacuumed bool               // Guarded by the write lock.
	disposed    atomic.Bool
}

// New returns a Manager of the Config. The store is opened lazily, upon the
// Manager's first use.
func New(cfg Config) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, errors.WithMessage(err, "localdb.Config.Validate")
	}
	if abs, err := filepath.Abs(cfg.Path); err == nil {
		cfg.Path = abs
	}
	if cfg.TempDir != "" {
		if abs, err := filepath.Abs(cfg.TempDir); err == nil {
			cfg.TempDir = abs
		}
	}

	var m = &Manager{
		cfg:  cfg,
		id:   uuid.New(),
		lock: newRWLock(),
	}
	m.log = log.WithFields(log.Fields{"id": m.id, "path": cfg.Path})

	if cfg.StatementCacheSize > 0 {
		m.stmts = newStatementCache(cfg.StatementCacheSize)
	}
	return m, nil
}

// Conn returns the Manager's native connection, opening it if required.
// Callers which use it directly bypass the Manager's locking.
func (m *Manager) Conn(ctx context.Context) (*sql.Conn, error) {
	if c := m.conn.Load(); c != nil {
		return c, nil
	}
	var ctx2, release, err = m.acquire(ctx, true)
	if err != nil {
		return nil, err
	}
	defer release()

	return m.connect(ctx2)
}

// WithWriteLock invokes |fn| with a Context carrying a write hold of the
// Manager's lock. Manager operations invoked by |fn| with that Context
// re-enter the hold, and run atomically with respect to other goroutines.
func (m *Manager) WithWriteLock(ctx context.Context, fn func(context.Context) error) error {
	if _, err := m.Conn(ctx); err != nil {
		return err
	}
	var ctx2, release, err = m.acquire(ctx, true)
	if err != nil {
		return err
	}
	defer release()

	return fn(ctx2)
}

// CreateCommand returns a Command of |text| which executes against this
// Manager. Positional '?' placeholders of |text| are pre-allocated as
// parameters with nil values.
func (m *Manager) CreateCommand(text string) *Command {
	var cmd = &Command{m: m}
	cmd.SetText(text)
	return cmd
}

// ExecuteNonQuery executes |cmd| with the write lock held, and returns the
// number of affected rows.
func (m *Manager) ExecuteNonQuery(ctx context.Context, cmd *Command) (n int64, err error) {
	defer func() { metrics.StatementsTotal.WithLabelValues(metrics.NonQuery, metrics.Status(err)).Inc() }()

	if _, err = m.Conn(ctx); err != nil {
		return 0, err
	}
	ctx, release, err := m.acquire(ctx, true)
	if err != nil {
		return 0, err
	}
	defer release()

	b, err := m.bind(cmd, "ExecuteNonQuery", false)
	if err != nil {
		return 0, err
	}
	defer b.close()

	ctx, cancel := cmd.withTimeout(ctx)
	defer cancel()

	res, err := b.exec(ctx, cmd.args())
	if err != nil {
		return 0, errors.WithMessagef(err, "executing %q", cmd.text)
	}
	return res.RowsAffected()
}

// ExecuteScalar executes |cmd| with the read lock held, and returns the first
// column of its first row. If there are no rows, it returns nil.
func (m *Manager) ExecuteScalar(ctx context.Context, cmd *Command) (v interface{}, err error) {
	defer func() { metrics.StatementsTotal.WithLabelValues(metrics.Scalar, metrics.Status(err)).Inc() }()

	if _, err = m.Conn(ctx); err != nil {
		return nil, err
	}
	ctx, release, err := m.acquire(ctx, false)
	if err != nil {
		return nil, err
	}
	defer release()

	b, err := m.bind(cmd, "ExecuteScalar", false)
	if err != nil {
		return nil, err
	}
	defer b.close()

	ctx, cancel := cmd.withTimeout(ctx)
	defer cancel()

	rows, err := b.query(ctx, cmd.args())
	if err != nil {
		return nil, errors.WithMessagef(err, "querying %q", cmd.text)
	}
	defer rows.Close()

	if !rows.Next() {
		return nil, errors.WithMessagef(rows.Err(), "querying %q", cmd.text)
	} else if err = rows.Scan(&v); err != nil {
		return nil, errors.WithMessagef(err, "scanning %q", cmd.text)
	}
	return v, nil
}

// ExecuteReader executes |cmd| and returns a Cursor over its rows. The
// Cursor holds the Manager's read lock until it's closed, and the lock is
// released if execution fails.
func (m *Manager) ExecuteReader(ctx context.Context, cmd *Command) (*Cursor, error) {
	return m.executeReader(ctx, cmd, true)
}

// ExecuteReaderWithoutLocks executes |cmd| and returns a Cursor over its
// rows. The read lock is held only while the command is bound and begins
// executing: writers may interleave with iteration of the returned Cursor,
// and whether iteration observes their effects is unspecified. The root
// transaction may also be committed or restarted during iteration. The
// Cursor must be closed before the Manager is.
func (m *Manager) ExecuteReaderWithoutLocks(ctx context.Context, cmd *Command) (*Cursor, error) {
	return m.executeReader(ctx, cmd, false)
}

func (m *Manager) executeReader(ctx context.Context, cmd *Command, locking bool) (cur *Cursor, err error) {
	var op = metrics.Reader
	if !locking {
		op = metrics.ReaderUnlocked
	}
	defer func() { metrics.StatementsTotal.WithLabelValues(op, metrics.Status(err)).Inc() }()

	if _, err = m.Conn(ctx); err != nil {
		return nil, err
	}
	holdCtx, release, err := m.acquire(ctx, false)
	if err != nil {
		return nil, err
	}
	// |release| is handed off to a returned locking Cursor.
	defer func() {
		if release != nil {
			release()
		}
	}()

	b, err := m.bind(cmd, "ExecuteReader", !locking)
	if err != nil {
		return nil, err
	}
	execCtx, cancel := cmd.withTimeout(holdCtx)

	rows, err := b.query(execCtx, cmd.args())
	if err != nil {
		cancel()
		b.close()
		return nil, errors.WithMessagef(err, "querying %q", cmd.text)
	}

	cur = &Cursor{
		m:         m,
		ctx:       ctx,
		rows:      rows,
		binding:   b,
		cancel:    cancel,
		holdsLock: locking,
	}
	if locking {
		cur.ctx, cur.release, release = holdCtx, release, nil
		metrics.OpenCursors.Inc()
	}
	return cur, nil
}

// ReleaseReader releases the read lock held by |cur|, if any. It's invoked
// by Cursor.Close, and has no effect if the lock was already released.
func (m *Manager) ReleaseReader(cur *Cursor) {
	cur.mu.Lock()
	var release = cur.release
	cur.release, cur.holdsLock = nil, false
	cur.mu.Unlock()

	if release != nil {
		release()
		metrics.OpenCursors.Dec()
	}
}

// BeginTransaction begins a transaction. If no transaction is active, the
// returned Tx is the root and carries a native transaction. Otherwise it's a
// nested Tx whose Commit and Rollback have no effect on the store.
func (m *Manager) BeginTransaction(ctx context.Context) (*Tx, error) {
	return m.beginTransaction(ctx, false)
}

// BeginRootTransaction begins a root transaction, failing with a
// *StateError if one is already active.
func (m *Manager) BeginRootTransaction(ctx context.Context) (*Tx, error) {
	return m.beginTransaction(ctx, true)
}

func (m *Manager) beginTransaction(ctx context.Context, root bool) (*Tx, error) {
	var op = "BeginTransaction"
	if root {
		op = "BeginRootTransaction"
	}
	if m.disposed.Load() {
		return nil, ErrDisposed
	} else if m.cfg.TransactionFree {
		return nil, &StateError{Op: op, State: stateTransactionFree}
	}

	conn, err := m.Conn(ctx)
	if err != nil {
		return nil, err
	}
	ctx, release, err := m.acquire(ctx, true)
	if err != nil {
		return nil, err
	}
	defer release()

	if m.root.Load() == nil {
		// The native transaction outlives the Context of this call.
		native, err := conn.BeginTx(context.WithoutCancel(ctx), nil)
		if err != nil {
			return nil, errors.WithMessage(err, "beginning transaction")
		}
		var tx = &Tx{m: m, root: true, native: native}
		m.root.Store(tx)

		metrics.TransactionsBegunTotal.WithLabelValues(metrics.Root).Inc()
		return tx, nil
	} else if root {
		return nil, &StateError{Op: op, State: stateRootActive}
	}

	metrics.TransactionsBegunTotal.WithLabelValues(metrics.Nested).Inc()
	return &Tx{m: m}, nil
}

// commitOutcome is the effect of commitTransaction upon the native
// transaction of a Tx.
type commitOutcome int

const (
	// commitNotAttempted leaves the native transaction as it was.
	commitNotAttempted commitOutcome = iota
	// commitDone committed the native transaction.
	commitDone
	// commitFailed ended the native transaction without committing it.
	commitFailed
)

// commitTransaction commits the active root transaction |tx|. If |restart|,
// a new native transaction is begun upon |tx|. Otherwise the Manager no
// longer has an active transaction.
func (m *Manager) commitTransaction(ctx context.Context, tx *Tx, message string, restart bool) (commitOutcome, error) {
	ctx, release, err := m.acquire(ctx, true)
	if err != nil {
		return commitNotAttempted, err
	}
	defer release()

	if m.root.Load() != tx {
		// |tx| was ended by the Manager, as by Close.
		return commitFailed, &StateError{Op: "CommitTransaction", State: stateNotRoot}
	}
	var kind = metrics.Root
	if restart {
		kind = metrics.Restart
	}

	var started = time.Now()
	err = tx.native.Commit()
	metrics.CommitDurationSeconds.WithLabelValues(kind).Observe(time.Since(started).Seconds())

	if err != nil {
		m.recoverFailedCommit(ctx, err)
		tx.native = nil
		m.root.Store(nil)

		metrics.TransactionsRolledBackTotal.WithLabelValues(kind).Inc()
		return commitFailed, errors.WithMessage(err, "committing transaction")
	}
	metrics.TransactionsCommittedTotal.WithLabelValues(kind).Inc()

	m.log.WithFields(log.Fields{
		"message":  message,
		"restart":  restart,
		"duration": time.Since(started),
	}).Debug("committed transaction")

	if !restart {
		tx.native = nil
		m.root.Store(nil)
		return commitDone, nil
	}

	native, err := m.conn.Load().BeginTx(context.WithoutCancel(ctx), nil)
	if err != nil {
		tx.native = nil
		m.root.Store(nil)
		return commitDone, errors.WithMessage(err, "restarting transaction")
	}
	tx.native = native
	metrics.TransactionsBegunTotal.WithLabelValues(metrics.Restart).Inc()

	return commitDone, nil
}

// recoverFailedCommit ensures the connection is not left within a native
// transaction after a failed COMMIT.
func (m *Manager) recoverFailedCommit(ctx context.Context, commitErr error) {
	var fields = log.Fields{"err": commitErr}
	if code, ok := sqlite.ErrorCode(commitErr); ok {
		fields["code"] = code
	}
	// The driver may have already rolled back, in which case this fails.
	if _, err := m.conn.Load().ExecContext(ctx, "ROLLBACK"); err == nil {
		m.log.WithFields(fields).Warn("rolled back connection after failed commit")
	} else {
		m.log.WithFields(fields).Debug("failed commit left no open transaction")
	}
}

// rollbackTransaction rolls back the active root transaction |tx|. The
// Manager then has no active transaction. |resolved| is false if the lock
// could not be acquired, in which case the native transaction is untouched.
func (m *Manager) rollbackTransaction(ctx context.Context, tx *Tx) (resolved bool, err error) {
	_, release, err := m.acquire(ctx, true)
	if err != nil {
		return false, err
	}
	defer release()

	if m.root.Load() != tx {
		return true, &StateError{Op: "RollbackTransaction", State: stateNotRoot}
	}
	err = tx.native.Rollback()
	tx.native = nil
	m.root.Store(nil)

	metrics.TransactionsRolledBackTotal.WithLabelValues(metrics.Root).Inc()

	if err != nil {
		return true, errors.WithMessage(err, "rolling back transaction")
	}
	return true, nil
}

// ExecutePragma executes PRAGMA |text| directly upon the connection with the
// write lock held. |text| may omit the leading "PRAGMA" keyword.
func (m *Manager) ExecutePragma(ctx context.Context, text string) (err error) {
	defer func() { metrics.StatementsTotal.WithLabelValues(metrics.Pragma, metrics.Status(err)).Inc() }()

	if !strings.HasPrefix(strings.ToUpper(strings.TrimSpace(text)), "PRAGMA") {
		text = "PRAGMA " + text
	}
	conn, err := m.Conn(ctx)
	if err != nil {
		return err
	}
	ctx, release, err := m.acquire(ctx, true)
	if err != nil {
		return err
	}
	defer release()

	if _, err = conn.ExecContext(ctx, text); err != nil {
		return errors.WithMessagef(err, "executing %q", text)
	}
	return nil
}

// ExecuteVacuum rebuilds the store with the write lock held. A Manager which
// has vacuumed skips the optimize pass of Close.
func (m *Manager) ExecuteVacuum(ctx context.Context) (err error) {
	defer func() { metrics.StatementsTotal.WithLabelValues(metrics.Vacuum, metrics.Status(err)).Inc() }()

	conn, err := m.Conn(ctx)
	if err != nil {
		return err
	}
	ctx, release, err := m.acquire(ctx, true)
	if err != nil {
		return err
	}
	defer release()

	if _, err = conn.ExecContext(ctx, "VACUUM"); err != nil {
		return errors.WithMessage(err, "executing VACUUM")
	}
	m.hasVacuumed = true
	return nil
}

// CreateAdditionalConnection returns a new Manager of a second native
// connection to the same store, opened in shared-cache mode. It has its own
// lock and transactions, and is not upgraded again.
func (m *Manager) CreateAdditionalConnection(ctx context.Context, transactionFree bool) (*Manager, error) {
	// The primary connection must exist, so the store is upgraded.
	if _, err := m.Conn(ctx); err != nil {
		return nil, err
	}

	var cfg = m.cfg
	cfg.TransactionFree = transactionFree
	cfg.Upgrader = nil
	cfg.sharedCache = true

	var other, err = New(cfg)
	if err != nil {
		return nil, err
	} else if _, err = other.Conn(ctx); err != nil {
		return nil, errors.WithMessage(err, "opening additional connection")
	}
	other.log.WithField("primary", m.id).Debug("opened additional connection")

	return other, nil
}

// IsTransactionActive returns true if a root transaction is active.
func (m *Manager) IsTransactionActive() bool { return m.root.Load() != nil }

// IsTransactionFree returns true if the Manager auto-commits every statement.
func (m *Manager) IsTransactionFree() bool { return m.cfg.TransactionFree }

// IsDisposed returns true if the Manager was closed.
func (m *Manager) IsDisposed() bool { return m.disposed.Load() }

// Path returns the absolute path of the store.
func (m *Manager) Path() string { return m.cfg.Path }

// Exists returns true if the store file exists.
func (m *Manager) Exists() bool {
	var ok, err = afero.Exists(m.cfg.fs(), m.cfg.Path)
	return ok && err == nil
}

// Close the Manager. An active root transaction is rolled back, never
// committed. Close may be called more than once, and must not be called by a
// goroutine holding a Cursor of the Manager which holds the lock.
func (m *Manager) Close() {
	if !m.disposed.CompareAndSwap(false, true) {
		return
	}
	var ctx, release, err = m.lock.Lock(context.Background())
	if err != nil {
		m.log.WithField("err", err).Error("failed to acquire lock for close")
		return
	}
	defer release()

	if tx := m.root.Load(); tx != nil {
		m.log.Warn("closing with an active transaction (rolling back)")

		if err := tx.native.Rollback(); err != nil {
			m.log.WithField("err", err).Error("failed to roll back transaction")
		}
		tx.native = nil
		m.root.Store(nil)

		metrics.TransactionsRolledBackTotal.WithLabelValues(metrics.Root).Inc()
	}

	var conn = m.conn.Load()
	if conn == nil {
		return // Never opened.
	}
	if !m.hasVacuumed {
		m.optimize(ctx, conn)
	}
	m.stmts.purge()

	if err := conn.Close(); err != nil {
		m.log.WithField("err", err).Error("failed to close connection")
	}
	if err := m.db.Close(); err != nil {
		m.log.WithField("err", err).Error("failed to close database")
	}
	m.conn.Store(nil)
}

// optimize runs PRAGMA optimize within its own transaction. It's best-effort.
func (m *Manager) optimize(ctx context.Context, conn *sql.Conn) {
	var tx, err = conn.BeginTx(ctx, nil)
	if err == nil {
		if _, err = tx.ExecContext(ctx, "PRAGMA optimize"); err == nil {
			err = tx.Commit()
		} else {
			_ = tx.Rollback()
		}
	}
	metrics.StatementsTotal.WithLabelValues(metrics.Optimize, metrics.Status(err)).Inc()

	if err != nil {
		m.log.WithField("err", err).Debug("failed to optimize store before close")
	}
}

// acquire the Manager's lock. A fresh acquisition fails with ErrDisposed
// once the Manager is closed, while re-entrant acquisitions of a held lock
// proceed so that operations in flight may complete.
func (m *Manager) acquire(ctx context.Context, write bool) (context.Context, func(), error) {
	var reentrant = m.lock.held(ctx) != nil
	if !reentrant && m.disposed.Load() {
		return ctx, nil, ErrDisposed
	}

	var lockFn = m.lock.RLock
	if write {
		lockFn = m.lock.Lock
	}
	var ctx2, release, err = lockFn(ctx)
	if err != nil {
		return ctx, nil, err
	}
	if !reentrant && m.disposed.Load() {
		release()
		return ctx, nil, ErrDisposed
	}
	return ctx2, release, nil
}

// connect opens the store. The write lock must be held.
func (m *Manager) connect(ctx context.Context) (*sql.Conn, error) {
	if c := m.conn.Load(); c != nil {
		return c, nil
	}
	var fs = m.cfg.fs()

	if err := fs.MkdirAll(filepath.Dir(m.cfg.Path), 0700); err != nil {
		return nil, errors.WithMessage(err, "creating store directory")
	}
	if m.cfg.TempDir != "" {
		if err := fs.MkdirAll(m.cfg.TempDir, 0700); err != nil {
			return nil, errors.WithMessage(err, "creating temporary directory")
		}
	}
	var existed, _ = afero.Exists(fs, m.cfg.Path)

	db, err := sqlite.Open(sqlite.URI(m.cfg.Path, m.cfg.uriValues()))
	if err != nil {
		return nil, err
	}
	// All use of |db| is through the single pinned |conn|.
	db.SetMaxOpenConns(1)

	conn, err := db.Conn(ctx)
	if err != nil {
		_ = db.Close()
		return nil, errors.WithMessagef(err, "opening store %s", m.cfg.Path)
	}
	if err = m.initialize(ctx, conn); err != nil {
		_ = conn.Close()
		_ = db.Close()
		return nil, err
	}

	if !existed && runtime.GOOS != "windows" {
		if err := fs.Chmod(m.cfg.Path, 0600); err != nil {
			m.log.WithField("err", err).Warn("failed to restrict permissions of new store")
		}
	}
	m.db = db
	m.conn.Store(conn)

	m.log.WithFields(log.Fields{
		"driver":  sqlite.DriverType(),
		"created": !existed,
	}).Debug("opened store")

	return conn, nil
}

// initialize a newly opened connection: verify the store is readable, apply
// pragmas and run the Upgrader.
func (m *Manager) initialize(ctx context.Context, conn *sql.Conn) error {
	var n int64
	if err := conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master").Scan(&n); err != nil {
		return errors.WithMessagef(err, "probing store %s", m.cfg.Path)
	}
	for _, p := range m.cfg.connectionPragmas() {
		if _, err := conn.ExecContext(ctx, p); err != nil {
			return errors.WithMessagef(err, "applying %q", p)
		}
	}
	// temp_store_directory is deprecated, and may be unavailable.
	if p := m.cfg.tempDirPragma(); p != "" {
		if _, err := conn.ExecContext(ctx, p); err != nil {
			m.log.WithFields(log.Fields{"err": err, "dir": m.cfg.TempDir}).
				Warn("failed to set temporary directory")
		}
	}
	if m.cfg.Upgrader != nil {
		if err := m.cfg.Upgrader(ctx, conn); err != nil {
			return errors.WithMessage(err, "upgrading store")
		}
	}
	return nil
}

// queryer is implemented by *sql.Conn and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// binding is a Command bound for execution.
type binding struct {
	text     string
	q        queryer
	prepared *preparedStmt // Retained reference of the binding, if prepared.
}

// bind |cmd| to the Manager's active transaction, or to its connection if
// transaction-free. The lock must be held.
//
// Statements which run directly upon the connection still run within the
// root transaction, which is native to the same SQLite connection, but are
// not owned by its *sql.Tx. An |unowned| binding queries the connection so
// that its rows survive a commit or restart of the root. Prepared statements
// are prepared upon the connection and likewise run upon it, so that a
// cached statement isn't re-prepared for each native transaction.
func (m *Manager) bind(cmd *Command, op string, unowned bool) (binding, error) {
	if cmd.err != nil {
		return binding{}, cmd.err
	} else if cmd.m != m {
		return binding{}, errors.Errorf("%s: command belongs to another Manager", op)
	}

	var conn = m.conn.Load()
	var b = binding{text: cmd.text, q: conn}

	if !m.cfg.TransactionFree {
		if tx := m.root.Load(); tx == nil {
			return binding{}, &StateError{Op: op, State: stateNoTransaction}
		} else if !unowned {
			b.q = tx.native
		}
	}
	if p := cmd.prepared; p != nil {
		p.retain()
		b.prepared = p
	}
	return b, nil
}

func (b *binding) exec(ctx context.Context, args []interface{}) (sql.Result, error) {
	if b.prepared != nil {
		return b.prepared.stmt.ExecContext(ctx, args...)
	}
	return b.q.ExecContext(ctx, b.text, args...)
}

func (b *binding) query(ctx context.Context, args []interface{}) (*sql.Rows, error) {
	if b.prepared != nil {
		return b.prepared.stmt.QueryContext(ctx, args...)
	}
	return b.q.QueryContext(ctx, b.text, args...)
}

func (b *binding) close() {
	if b.prepared != nil {
		b.prepared.release()
	}
	*b = binding{}
}
