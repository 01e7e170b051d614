package localdb

import (
	"context"
	"database/sql"
	"sync"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// TxState is the state of a Tx.
type TxState int

const (
	// TxOpen is the initial state of a Tx.
	TxOpen TxState = iota
	// TxCommitted follows a successful Commit.
	TxCommitted
	// TxRolledBack follows Rollback, SafeRollback, or a failed Commit.
	TxRolledBack
	// TxDisposed follows Close.
	TxDisposed
)

func (s TxState) String() string {
	switch s {
	case TxOpen:
		return "Open"
	case TxCommitted:
		return "Committed"
	case TxRolledBack:
		return "RolledBack"
	case TxDisposed:
		return "Disposed"
	default:
		return "Unknown"
	}
}

// Tx is a transaction of a Manager. The root Tx owns the Manager's native
// transaction. A nested Tx, begun while another transaction is active, owns
// nothing: its Commit and Rollback transition only its own state, and its
// statements observe the outcome of the root.
type Tx struct {
	m    *Manager
	root bool
	// Native transaction of a root Tx. Replaced or cleared by the Manager
	// with its write lock held.
	native *sql.Tx

	mu    sync.Mutex
	state TxState
}

// State returns the current TxState.
func (tx *Tx) State() TxState {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	return tx.state
}

// IsRoot returns true if the Tx owns the Manager's native transaction.
func (tx *Tx) IsRoot() bool { return tx.root }

// Commit the Tx. |message| names the commit in logs. If the native commit
// fails the Tx is RolledBack and the error is returned. If the commit could
// not be attempted, as when |ctx| is cancelled while waiting for the lock,
// the Tx remains Open.
func (tx *Tx) Commit(ctx context.Context, message string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != TxOpen {
		return &StateError{Op: "Commit", State: tx.state.String()}
	} else if !tx.root {
		tx.state = TxCommitted
		return nil
	}

	var out, err = tx.m.commitTransaction(ctx, tx, message, false)
	switch out {
	case commitDone:
		tx.state = TxCommitted
	case commitFailed:
		tx.state = TxRolledBack
	}
	return err
}

// CommitAndRestart commits the Tx and begins a new native transaction upon
// it, which remains Open. A nested Tx is unaffected.
func (tx *Tx) CommitAndRestart(ctx context.Context, message string) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != TxOpen {
		return &StateError{Op: "CommitAndRestart", State: tx.state.String()}
	} else if !tx.root {
		return nil
	}

	var out, err = tx.m.commitTransaction(ctx, tx, message, true)
	if err == nil {
		return nil
	}
	switch out {
	case commitDone:
		tx.state = TxCommitted // But not restarted.
	case commitFailed:
		tx.state = TxRolledBack
	}
	return err
}

// Rollback the Tx. If the rollback could not be attempted, the Tx remains
// Open and the error is returned.
func (tx *Tx) Rollback(ctx context.Context) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != TxOpen {
		return &StateError{Op: "Rollback", State: tx.state.String()}
	} else if !tx.root {
		tx.state = TxRolledBack
		return nil
	}

	var resolved, err = tx.m.rollbackTransaction(ctx, tx)
	if resolved {
		tx.state = TxRolledBack
	}
	return err
}

// SafeRollback rolls back the Tx if it's Open, and otherwise does nothing.
// Errors are logged rather than returned, making it suited for deferred
// cleanup. Cancellation of |ctx| is ignored. If |ctx| carries a read hold
// of the Manager's lock the rollback is not possible, and the Tx remains
// Open for a later Rollback or Close.
func (tx *Tx) SafeRollback(ctx context.Context) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state != TxOpen {
		return
	} else if !tx.root {
		tx.state = TxRolledBack
		return
	}

	var resolved, err = tx.m.rollbackTransaction(context.WithoutCancel(ctx), tx)
	if resolved {
		tx.state = TxRolledBack
	}
	if err != nil {
		tx.m.log.WithFields(log.Fields{"err": err, "resolved": resolved}).
			Warn("failed to roll back transaction")
	}
}

// Close the Tx, rolling back its native transaction if it's still Open.
// Close may be called more than once.
func (tx *Tx) Close() {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.state == TxDisposed {
		return
	} else if tx.state == TxOpen && tx.root {
		var _, err = tx.m.rollbackTransaction(context.Background(), tx)

		if err != nil && !errors.Is(err, ErrDisposed) && !errors.Is(err, ErrInvalidState) {
			tx.m.log.WithField("err", err).Warn("failed to roll back transaction on close")
		} else if err != nil {
			tx.m.log.WithField("err", err).Debug("transaction was already ended")
		}
	}
	tx.state = TxDisposed
}
