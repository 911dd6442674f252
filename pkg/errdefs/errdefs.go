package errdefs

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// BackendError wraps a failure from a storage backend driver. Retryable
// errors are transient conditions (busy device, eventual consistency, rate
// limits) that the executor may retry with backoff; everything else is fatal
// for the current cycle.
type BackendError struct {
	Op        string // Driver operation, e.g. "create", "attach"
	DatasetID string
	Retryable bool
	Err       error
}

func (e *BackendError) Error() string {
	kind := "fatal"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("backend %s failed for dataset %s (%s): %v", e.Op, e.DatasetID, kind, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}

// Retryable constructs a retryable backend error.
func Retryable(op, datasetID string, err error) *BackendError {
	return &BackendError{Op: op, DatasetID: datasetID, Retryable: true, Err: err}
}

// Fatal constructs a non-retryable backend error.
func Fatal(op, datasetID string, err error) *BackendError {
	return &BackendError{Op: op, DatasetID: datasetID, Retryable: false, Err: err}
}

// IsRetryable reports whether err is a backend error the executor may retry.
func IsRetryable(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.Retryable
}

// StateConflictError reports a dataset observed as primary on more than one
// node at once (split-brain, typically after a crash mid-handoff). The diff
// engine emits no destructive action for such a dataset; an operator has to
// resolve it.
type StateConflictError struct {
	DatasetID string
	Nodes     []string // Ascending node-ID order
}

func (e *StateConflictError) Error() string {
	return fmt.Sprintf("dataset %s has primary manifestations on multiple nodes: %s",
		e.DatasetID, strings.Join(e.Nodes, ", "))
}

// IsConflict reports whether err is a state conflict.
func IsConflict(err error) bool {
	var sc *StateConflictError
	return errors.As(err, &sc)
}

// HandoffTimeoutError reports a handoff destination that did not acknowledge
// receipt within the deadline. The source copy is retained and the handoff is
// retried on the next convergence cycle.
type HandoffTimeoutError struct {
	DatasetID string
	Peer      string
	Timeout   time.Duration
}

func (e *HandoffTimeoutError) Error() string {
	return fmt.Sprintf("handoff of dataset %s to %s not acknowledged within %s",
		e.DatasetID, e.Peer, e.Timeout)
}

// IsHandoffTimeout reports whether err is a handoff acknowledgement timeout.
func IsHandoffTimeout(err error) bool {
	var ht *HandoffTimeoutError
	return errors.As(err, &ht)
}

// ErrConfigurationStale indicates a configuration snapshot is older than the
// control service's current version. Non-fatal: the next cycle fetches a
// fresh snapshot.
var ErrConfigurationStale = errors.New("configuration snapshot is stale")

// ErrNotFound indicates a dataset or node that is not known to the store.
var ErrNotFound = errors.New("not found")
