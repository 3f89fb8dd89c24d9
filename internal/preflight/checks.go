// Package preflight provides initialization checks for the worker bridge.
// They run before the worker is started so a broken deployment fails with
// a named cause instead of a start timeout.
package preflight

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
)

// minFileDescriptors covers the worker pool, its socket and the broker
// connection with headroom.
const minFileDescriptors = 256

// Check represents the result of a single preflight check.
type Check struct {
	Name     string // Name of the check
	Required int    // Required value (if applicable)
	Actual   int    // Actual value found
	Passed   bool   // Whether the check passed
	Warning  bool   // True if it's a warning (non-fatal)
	Message  string // Additional context
}

// Result holds the results of all preflight checks.
type Result struct {
	Checks []Check
	Passed bool
}

// Options names the paths the worker bridge depends on.
type Options struct {
	WorkerBinary string
	WorkerConfig string
	ScriptPath   string
	SocketPath   string
	PidPath      string
}

// String returns a human-readable summary of the check.
func (c Check) String() string {
	status := "✓"
	if !c.Passed {
		status = "✗"
	} else if c.Warning {
		status = "⚠"
	}

	if c.Required > 0 {
		return fmt.Sprintf("  %s %s: %d available (need %d)", status, c.Name, c.Actual, c.Required)
	}
	return fmt.Sprintf("  %s %s: %s", status, c.Name, c.Message)
}

// RunAll executes all preflight checks.
func RunAll(opts Options) *Result {
	result := &Result{
		Checks: make([]Check, 0, 5),
		Passed: true,
	}

	checks := []Check{
		checkWorkerBinary(opts.WorkerBinary),
		checkWorkerConfig(opts.WorkerConfig),
		checkEntryPoint(opts.ScriptPath),
		checkRuntimeDir(opts.SocketPath, opts.PidPath),
		checkFileDescriptors(),
	}
	for _, c := range checks {
		result.Checks = append(result.Checks, c)
		if !c.Passed {
			result.Passed = false
		}
	}

	return result
}

// Err returns the failed checks joined into one error, or nil.
func (r *Result) Err() error {
	var errs []error
	for _, c := range r.Checks {
		if !c.Passed {
			errs = append(errs, fmt.Errorf("preflight %s: %s", c.Name, c.Message))
		}
	}
	return errors.Join(errs...)
}

// Log writes one record per check.
func (r *Result) Log(logger *slog.Logger) {
	for _, c := range r.Checks {
		switch {
		case !c.Passed:
			logger.Error("preflight_failed", "check", c.Name, "message", c.Message, "fix", suggestFix(c.Name))
		case c.Warning:
			logger.Warn("preflight_warning", "check", c.Name, "message", c.Message)
		default:
			logger.Debug("preflight_passed", "check", c.Name, "message", c.Message)
		}
	}
}

// checkWorkerBinary verifies the worker binary resolves to an executable.
func checkWorkerBinary(path string) Check {
	resolved, err := exec.LookPath(path)
	if err != nil {
		return Check{
			Name:    "worker_binary",
			Passed:  false,
			Message: fmt.Sprintf("not found at %s: %v", path, err),
		}
	}
	return Check{
		Name:    "worker_binary",
		Passed:  true,
		Message: fmt.Sprintf("found at %s", resolved),
	}
}

// checkWorkerConfig verifies the worker configuration file is readable.
func checkWorkerConfig(path string) Check {
	if path == "" {
		return Check{
			Name:    "worker_config",
			Passed:  true,
			Warning: true,
			Message: "no configuration file, worker defaults apply",
		}
	}
	f, err := os.Open(path)
	if err != nil {
		return Check{
			Name:    "worker_config",
			Passed:  false,
			Message: fmt.Sprintf("cannot read %s: %v", path, err),
		}
	}
	f.Close()
	return Check{
		Name:    "worker_config",
		Passed:  true,
		Message: path,
	}
}

// checkEntryPoint verifies the script the worker executes exists.
func checkEntryPoint(path string) Check {
	info, err := os.Stat(path)
	if err != nil {
		return Check{
			Name:    "entry_point",
			Passed:  false,
			Message: fmt.Sprintf("%s: %v", path, err),
		}
	}
	if info.IsDir() {
		return Check{
			Name:    "entry_point",
			Passed:  false,
			Message: fmt.Sprintf("%s is a directory", path),
		}
	}
	return Check{
		Name:    "entry_point",
		Passed:  true,
		Message: path,
	}
}

// checkRuntimeDir creates the socket and pid directories and verifies
// they are writable.
func checkRuntimeDir(paths ...string) Check {
	seen := make(map[string]bool)
	for _, p := range paths {
		if p == "" {
			continue
		}
		dir := filepath.Dir(p)
		if seen[dir] {
			continue
		}
		seen[dir] = true

		if err := os.MkdirAll(dir, 0o755); err != nil {
			return Check{
				Name:    "runtime_dir",
				Passed:  false,
				Message: fmt.Sprintf("cannot create %s: %v", dir, err),
			}
		}
		probe, err := os.CreateTemp(dir, ".preflight-*")
		if err != nil {
			return Check{
				Name:    "runtime_dir",
				Passed:  false,
				Message: fmt.Sprintf("%s is not writable: %v", dir, err),
			}
		}
		probe.Close()
		os.Remove(probe.Name())
	}
	return Check{
		Name:    "runtime_dir",
		Passed:  true,
		Message: fmt.Sprintf("%d directories writable", len(seen)),
	}
}

// checkFileDescriptors warns when the descriptor limit is unusually low.
func checkFileDescriptors() Check {
	var limit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit); err != nil {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: fmt.Sprintf("unable to check: %v", err),
		}
	}
	actual := int(min(limit.Cur, 1<<30))

	return Check{
		Name:     "file_descriptors",
		Required: minFileDescriptors,
		Actual:   actual,
		Passed:   true, // Don't fail on this
		Warning:  actual < minFileDescriptors,
		Message:  fmt.Sprintf("ulimit -n %d", actual),
	}
}

// suggestFix returns a suggestion for fixing a failed check.
func suggestFix(name string) string {
	switch name {
	case "worker_binary":
		return "set BRIDGE_WORKER_BINARY or add the worker to PATH"
	case "worker_config":
		return "set BRIDGE_WORKER_CONFIG to a readable file"
	case "entry_point":
		return "check _HANDLER and LAMBDA_TASK_ROOT"
	case "runtime_dir":
		return "set BRIDGE_WORKER_SOCKET and BRIDGE_WORKER_PID under a writable directory"
	default:
		return "see documentation"
	}
}
