// Package worker runs the FastCGI worker process (php-fpm) next to the
// runtime and proxies HTTP-shaped requests to it over a Unix socket.
package worker

// State represents the lifecycle state of the worker bridge.
type State int

const (
	// StateUninitialized is the state before Start has been called.
	StateUninitialized State = iota

	// StateStarting indicates the worker is being spawned and its socket awaited.
	StateStarting

	// StateReady indicates the worker is running and accepting requests.
	StateReady

	// StateHandling indicates a request is in flight.
	StateHandling

	// StateStopping indicates Stop is terminating the worker.
	StateStopping

	// StateStopped indicates the worker was stopped and its files removed.
	StateStopped

	// StateCrashed indicates the worker exited without being asked to.
	StateCrashed
)

// String returns a human-readable name for the state.
func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateStarting:
		return "starting"
	case StateReady:
		return "ready"
	case StateHandling:
		return "handling"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	case StateCrashed:
		return "crashed"
	default:
		return "unknown"
	}
}

// IsActive returns true if the worker process is expected to be alive.
func (s State) IsActive() bool {
	return s == StateStarting || s == StateReady || s == StateHandling
}

// IsTerminal returns true once the worker can no longer serve requests.
func (s State) IsTerminal() bool {
	return s == StateStopped || s == StateCrashed
}
