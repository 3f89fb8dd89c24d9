package config

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Validate checks the configuration for errors and inconsistencies.
// Returns nil if valid, or an error describing every problem.
func Validate(cfg *Config) error {
	var errs []error

	if cfg.RuntimeAPI == "" {
		errs = append(errs, ValidationError{
			Field:   EnvRuntimeAPI,
			Message: "runtime API address is required",
		})
	} else if strings.ContainsAny(cfg.RuntimeAPI, " \t") {
		errs = append(errs, ValidationError{
			Field:   EnvRuntimeAPI,
			Message: fmt.Sprintf("must be host:port (got %q)", cfg.RuntimeAPI),
		})
	}

	if cfg.Handler == "" {
		errs = append(errs, ValidationError{
			Field:   EnvHandler,
			Message: "handler is required",
		})
	}

	validRuntimes := map[string]bool{"function": true, "http": true, "fpm": true, "console": true}
	if !validRuntimes[cfg.Runtime] {
		errs = append(errs, ValidationError{
			Field:   EnvRuntime,
			Message: fmt.Sprintf("must be one of: function, http, console (got %q)", cfg.Runtime),
		})
	}

	if cfg.LoopMax < 1 {
		errs = append(errs, ValidationError{
			Field:   EnvLoopMax,
			Message: "must be at least 1",
		})
	}

	if cfg.Timeout < -1 {
		errs = append(errs, ValidationError{
			Field:   EnvTimeout,
			Message: "must be -1 (disabled), 0 (from deadline) or a number of seconds",
		})
	}
	if cfg.TimeoutMargin < 0 {
		errs = append(errs, ValidationError{
			Field:   EnvTimeoutMargin,
			Message: "must not be negative",
		})
	}
	if cfg.WarmupDelay < 0 {
		errs = append(errs, ValidationError{
			Field:   EnvWarmupDelay,
			Message: "must not be negative",
		})
	}

	if cfg.Runtime == "http" || cfg.Runtime == "fpm" {
		errs = append(errs, validateWorker(cfg)...)
	}
	if cfg.Runtime == "console" && cfg.CommandBinary == "" {
		errs = append(errs, ValidationError{
			Field:   EnvCommandBinary,
			Message: "command binary is required for the console runtime",
		})
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[cfg.LogFormat] {
		errs = append(errs, ValidationError{
			Field:   EnvLogFormat,
			Message: fmt.Sprintf("must be 'json' or 'text' (got %q)", cfg.LogFormat),
		})
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	return nil
}

func validateWorker(cfg *Config) []error {
	var errs []error
	if cfg.WorkerBinary == "" {
		errs = append(errs, ValidationError{Field: EnvWorkerBinary, Message: "worker binary is required"})
	}
	if cfg.WorkerSocket == "" {
		errs = append(errs, ValidationError{Field: EnvWorkerSocket, Message: "socket path is required"})
	}
	if cfg.WorkerPid == "" {
		errs = append(errs, ValidationError{Field: EnvWorkerPid, Message: "pid path is required"})
	}
	if cfg.WorkerSocket != "" && cfg.WorkerSocket == cfg.WorkerPid {
		errs = append(errs, ValidationError{Field: EnvWorkerPid, Message: "must differ from the socket path"})
	}
	if cfg.WorkerStartTimeout <= 0 {
		errs = append(errs, ValidationError{Field: EnvWorkerStartTimeout, Message: "must be positive"})
	}
	if cfg.WorkerStopTimeout <= 0 {
		errs = append(errs, ValidationError{Field: EnvWorkerStopTimeout, Message: "must be positive"})
	}
	return errs
}
