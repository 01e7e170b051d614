// Package metrics defines prometheus collectors of localdb stores.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Label values of localdb metrics.
const (
	Fail = "fail"
	Ok   = "ok"

	// Transaction kinds.
	Root     = "root"
	Nested   = "nested"
	Restart  = "restart"
	Reusable = "reusable"

	// Lock modes.
	Read  = "read"
	Write = "write"

	// Statement operations.
	NonQuery       = "nonquery"
	Scalar         = "scalar"
	Reader         = "reader"
	ReaderUnlocked = "reader_unlocked"
	Pragma         = "pragma"
	Vacuum         = "vacuum"
	Optimize       = "optimize"
)

// Collectors of localdb.Manager metrics.
var (
	TransactionsBegunTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "localdb_transactions_begun_total",
		Help: "Cumulative number of transactions begun, by kind (root or nested).",
	}, []string{"kind"})
	TransactionsCommittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "localdb_transactions_committed_total",
		Help: "Cumulative number of native transaction commits, by kind.",
	}, []string{"kind"})
	TransactionsRolledBackTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "localdb_transactions_rolled_back_total",
		Help: "Cumulative number of native transaction rollbacks, by kind.",
	}, []string{"kind"})
	CommitDurationSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "localdb_commit_duration_seconds",
		Help:    "Duration of native transaction commits, by kind.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
	}, []string{"kind"})
	LockWaitSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "localdb_lock_wait_seconds",
		Help:    "Time spent waiting to acquire the store lock, by mode (read or write).",
		Buckets: prometheus.ExponentialBuckets(0.00001, 8, 9),
	}, []string{"mode"})
	StatementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "localdb_statements_total",
		Help: "Cumulative number of executed statements, by operation and status.",
	}, []string{"op", "status"})
	OpenCursors = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "localdb_open_cursors",
		Help: "Number of open cursors currently holding a store read lock.",
	})
)

// Status maps an error to its status label.
func Status(err error) string {
	if err != nil {
		return Fail
	}
	return Ok
}
