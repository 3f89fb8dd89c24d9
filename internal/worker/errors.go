package worker

import (
	"errors"
	"fmt"
)

var (
	// ErrNotRunning is returned when the worker process has exited.
	ErrNotRunning = errors.New("worker process is not running")

	// ErrStartTimeout is returned when the socket does not appear in time.
	ErrStartTimeout = errors.New("timeout waiting for worker socket")

	// ErrExitedDuringStart is returned when the worker exits before its socket appears.
	ErrExitedDuringStart = errors.New("worker exited before becoming ready")

	// ErrStopTimeout is returned when the worker ignores SIGTERM for the whole grace period.
	ErrStopTimeout = errors.New("worker did not exit gracefully")

	// ErrStaleWorker is returned when a worker left by a previous runtime
	// cannot be terminated.
	ErrStaleWorker = errors.New("timeout waiting for stale worker to stop")
)

// CommunicationError wraps a transport failure between the bridge and the
// worker, so a dead worker can be told apart from an application error.
type CommunicationError struct {
	Err error
}

func (e *CommunicationError) Error() string {
	return fmt.Sprintf("worker communication failed: %v", e.Err)
}

func (e *CommunicationError) Unwrap() error {
	return e.Err
}

// ErrorType names the failure reported to the invocation broker.
func (e *CommunicationError) ErrorType() string {
	return "WorkerCommunicationFailed"
}
