package localdb

import (
	"context"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"go.blockvault.dev/core/metrics"
)

// ReusableTx holds a root transaction which is periodically committed and
// restarted over the course of a long-running bulk operation. It may be
// shared by the components of that operation.
type ReusableTx struct {
	m  *Manager
	mu sync.Mutex
	tx *Tx // Nil after Close, or a Commit which didn't restart.
}

// NewReusableTx begins a root transaction of the Manager.
func NewReusableTx(ctx context.Context, m *Manager) (*ReusableTx, error) {
	var tx, err = m.BeginRootTransaction(ctx)
	if err != nil {
		return nil, err
	}
	return &ReusableTx{m: m, tx: tx}, nil
}

// Tx returns the current root transaction, or nil if none is held.
func (r *ReusableTx) Tx() *Tx {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.tx
}

// Commit the held transaction. If |restart|, work continues within a new
// native transaction. Otherwise, or if the commit fails, the ReusableTx no
// longer holds a transaction. A commit which could not be attempted, as
// when |ctx| is cancelled while waiting for the lock, leaves the transaction
// held and Open.
func (r *ReusableTx) Commit(ctx context.Context, message string, restart bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tx == nil {
		return &StateError{Op: "ReusableTx.Commit", State: "no-transaction-held"}
	}

	var started = time.Now()
	var err error

	if restart {
		err = r.tx.CommitAndRestart(ctx, message)
	} else {
		err = r.tx.Commit(ctx, message)
	}
	metrics.CommitDurationSeconds.WithLabelValues(metrics.Reusable).Observe(time.Since(started).Seconds())

	if message != "" {
		r.m.log.WithFields(log.Fields{
			"message":  message,
			"restart":  restart,
			"duration": time.Since(started),
			"err":      err,
		}).Debug("CommitTransaction")
	}

	if err == nil && restart {
		return nil
	} else if err != nil && r.tx.State() == TxOpen {
		return err
	}
	r.tx.Close()
	r.tx = nil

	return err
}

// Close rolls back any uncommitted work. The ReusableTx is then inert.
func (r *ReusableTx) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.tx != nil {
		r.tx.Close()
		r.tx = nil
	}
}
