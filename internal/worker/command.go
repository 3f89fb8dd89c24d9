package worker

import (
	"context"
	"os/exec"
	"strings"
)

// Runner creates the worker command.
// This interface lets tests substitute a helper process for php-fpm.
type Runner interface {
	// BuildCommand returns a ready-to-start command. It must not be started yet.
	BuildCommand(ctx context.Context) (*exec.Cmd, error)

	// Name returns a human-readable name for this process type.
	Name() string
}

// FPMConfig holds configuration for the php-fpm process.
type FPMConfig struct {
	// BinaryPath is the path to the php-fpm binary.
	BinaryPath string

	// ConfigPath is the php-fpm configuration file. It must listen on the
	// bridge's socket path.
	ConfigPath string

	// ExtraArgs are appended after the standard arguments.
	ExtraArgs []string
}

// DefaultFPMConfig returns an FPMConfig with the standard install paths.
func DefaultFPMConfig() *FPMConfig {
	return &FPMConfig{
		BinaryPath: "php-fpm",
		ConfigPath: "/opt/bridge/etc/php-fpm.conf",
	}
}

// FPMRunner implements Runner for php-fpm.
type FPMRunner struct {
	config *FPMConfig
}

// NewFPMRunner creates a runner with the given configuration.
func NewFPMRunner(cfg *FPMConfig) *FPMRunner {
	return &FPMRunner{config: cfg}
}

// Name returns "php-fpm".
func (r *FPMRunner) Name() string {
	return "php-fpm"
}

// BuildCommand creates the php-fpm command. The process outlives any single
// invocation, so ctx only bounds its whole lifetime.
func (r *FPMRunner) BuildCommand(ctx context.Context) (*exec.Cmd, error) {
	return exec.CommandContext(ctx, r.config.BinaryPath, r.buildArgs()...), nil
}

// buildArgs keeps php-fpm in the foreground with its logs on stderr, so they
// reach the runtime's log stream.
func (r *FPMRunner) buildArgs() []string {
	args := []string{
		"--nodaemonize",
		"--force-stderr",
		"--fpm-config", r.config.ConfigPath,
	}
	return append(args, r.config.ExtraArgs...)
}

// CommandString returns the command line the runner starts.
func (r *FPMRunner) CommandString() string {
	return r.config.BinaryPath + " " + strings.Join(r.buildArgs(), " ")
}
