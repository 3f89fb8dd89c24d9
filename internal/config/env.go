package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Environment variable names, as bound by the env tags on Config.
const (
	EnvRuntimeAPI         = "AWS_LAMBDA_RUNTIME_API"
	EnvTaskRoot           = "LAMBDA_TASK_ROOT"
	EnvHandler            = "_HANDLER"
	EnvRuntime            = "BRIDGE_RUNTIME"
	EnvLoopMax            = "BRIDGE_LOOP_MAX"
	EnvWorkerBinary       = "BRIDGE_WORKER_BINARY"
	EnvWorkerConfig       = "BRIDGE_WORKER_CONFIG"
	EnvWorkerSocket       = "BRIDGE_WORKER_SOCKET"
	EnvWorkerPid          = "BRIDGE_WORKER_PID"
	EnvWorkerStartTimeout = "BRIDGE_WORKER_START_TIMEOUT"
	EnvWorkerStopTimeout  = "BRIDGE_WORKER_STOP_TIMEOUT"
	EnvTimeout            = "BRIDGE_TIMEOUT"
	EnvTimeoutMargin      = "BRIDGE_TIMEOUT_MARGIN"
	EnvBinaryResponses    = "BRIDGE_BINARY_RESPONSES"
	EnvWarmupDelay        = "WARMUP_DELAY"
	EnvCommandBinary      = "BRIDGE_COMMAND_BINARY"
	EnvLogFormat          = "BRIDGE_LOG_FORMAT"
	EnvLogLevel           = "BRIDGE_LOG_LEVEL"
	EnvVerbose            = "BRIDGE_VERBOSE"
	EnvMetricsAddr        = "BRIDGE_METRICS_ADDR"
	EnvSkipPreflight      = "BRIDGE_SKIP_PREFLIGHT"
	EnvColdStartMarker    = "BRIDGE_COLD_START_MARKER"
)

// FromEnvironment reads the configuration from the process environment.
func FromEnvironment() (*Config, error) {
	environ := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			environ[k] = v
		}
	}
	return FromEnv(environ)
}

// FromEnv builds a Config from environ. Blank values count as unset. Values
// that cannot be parsed are reported together as ValidationErrors naming the
// variable; the affected fields keep their defaults, so the returned Config
// is still usable for logging.
func FromEnv(environ map[string]string) (*Config, error) {
	cfg := DefaultConfig()

	set := make(map[string]string, len(environ))
	for k, v := range environ {
		if v = strings.TrimSpace(v); v != "" {
			set[k] = v
		}
	}
	if err := parse(cfg, set); err != nil {
		return cfg, fieldErrors(err)
	}
	return cfg, nil
}

func parse(cfg *Config, environ map[string]string) error {
	return env.ParseWithOptions(cfg, env.Options{
		Environment: environ,
		FuncMap: map[reflect.Type]env.ParserFunc{
			reflect.TypeOf(time.Duration(0)): func(v string) (any, error) {
				return parseDuration(v, time.Second)
			},
		},
	})
}

// parseDuration accepts a Go duration ("1500ms") or a bare number in unit.
func parseDuration(v string, unit time.Duration) (time.Duration, error) {
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		return time.Duration(n) * unit, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("must be a duration or a number of %s (got %q)", unitName(unit), v)
	}
	return d, nil
}

func unitName(unit time.Duration) string {
	if unit == time.Millisecond {
		return "milliseconds"
	}
	return "seconds"
}

// fieldErrors rewrites parse errors as ValidationErrors keyed by the
// environment variable rather than the struct field.
func fieldErrors(err error) error {
	var agg env.AggregateError
	if !errors.As(err, &agg) {
		return err
	}

	configType := reflect.TypeOf(Config{})
	errs := make([]error, 0, len(agg.Errors))
	for _, e := range agg.Errors {
		var pe env.ParseError
		if !errors.As(e, &pe) {
			errs = append(errs, e)
			continue
		}
		name := pe.Name
		if f, ok := configType.FieldByName(pe.Name); ok {
			name = f.Tag.Get("env")
		}
		errs = append(errs, ValidationError{Field: name, Message: pe.Err.Error()})
	}
	return errors.Join(errs...)
}
