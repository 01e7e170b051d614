package localdb

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrDisposed is returned by any operation of a Manager after Close.
	ErrDisposed = errors.New("localdb: manager is disposed")
	// ErrInvalidState is matched (via errors.Is) by every *StateError.
	ErrInvalidState = errors.New("localdb: invalid state")
	// ErrLockUpgrade is returned when a write hold of the store lock is
	// requested with a Context which carries a read hold of the same lock.
	ErrLockUpgrade = errors.New("localdb: cannot acquire write lock while holding read lock")
)

// StateError is returned when an operation is attempted in a state which
// forbids it, such as a second root transaction or a Commit of a Tx which
// was already rolled back.
type StateError struct {
	// Op is the attempted operation, eg "Commit".
	Op string
	// State is the state which forbade it, eg "RolledBack".
	State string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("localdb: %s is invalid in state %s", e.Op, e.State)
}

// Is returns true for ErrInvalidState.
func (e *StateError) Is(target error) bool { return target == ErrInvalidState }

// Manager states reported by StateError.
const (
	stateTransactionFree = "transaction-free"
	stateRootActive      = "root-transaction-active"
	stateNoTransaction   = "no-active-transaction"
	stateNotRoot         = "not-active-root"
)
