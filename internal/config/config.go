// Package config provides configuration management for the lambda-fpm-bridge
// runtime. Configuration comes from the environment only.
package config

import (
	"fmt"
	"path/filepath"
	"time"
)

// Config holds all configuration options for the runtime. Each field is
// bound to its environment variable by the env tag; envDefault holds the
// default. Bare numbers in duration variables are seconds.
type Config struct {
	// Host
	RuntimeAPI string `json:"runtime_api" env:"AWS_LAMBDA_RUNTIME_API"`
	TaskRoot   string `json:"task_root" env:"LAMBDA_TASK_ROOT" envDefault:"/var/task"`
	Handler    string `json:"handler" env:"_HANDLER"`

	// Dispatch
	Runtime string `json:"runtime" env:"BRIDGE_RUNTIME" envDefault:"function"` // function, http, console
	LoopMax int    `json:"loop_max" env:"BRIDGE_LOOP_MAX" envDefault:"1"`

	// Worker
	WorkerBinary       string        `json:"worker_binary" env:"BRIDGE_WORKER_BINARY" envDefault:"php-fpm"`
	WorkerConfig       string        `json:"worker_config" env:"BRIDGE_WORKER_CONFIG" envDefault:"/opt/bridge/etc/php-fpm.conf"`
	WorkerSocket       string        `json:"worker_socket" env:"BRIDGE_WORKER_SOCKET" envDefault:"/tmp/.bridge/worker.sock"`
	WorkerPid          string        `json:"worker_pid" env:"BRIDGE_WORKER_PID" envDefault:"/tmp/.bridge/worker.pid"`
	WorkerStartTimeout time.Duration `json:"worker_start_timeout" env:"BRIDGE_WORKER_START_TIMEOUT" envDefault:"5s"`
	WorkerStopTimeout  time.Duration `json:"worker_stop_timeout" env:"BRIDGE_WORKER_STOP_TIMEOUT" envDefault:"2s"`

	// Preemption
	Timeout       int           `json:"timeout" env:"BRIDGE_TIMEOUT" envDefault:"0"` // -1 = disabled, 0 = from deadline, >0 = seconds
	TimeoutMargin time.Duration `json:"timeout_margin" env:"BRIDGE_TIMEOUT_MARGIN" envDefault:"2s"`

	// HTTP shape
	BinaryResponses bool         `json:"binary_responses" env:"BRIDGE_BINARY_RESPONSES" envDefault:"false"`
	WarmupDelay     Milliseconds `json:"warmup_delay" env:"WARMUP_DELAY" envDefault:"0"`

	// Console shape
	CommandBinary string `json:"command_binary" env:"BRIDGE_COMMAND_BINARY" envDefault:"/opt/bin/php"`

	// Observability
	LogFormat   string `json:"log_format" env:"BRIDGE_LOG_FORMAT" envDefault:"json"` // json, text
	LogLevel    string `json:"log_level" env:"BRIDGE_LOG_LEVEL" envDefault:"info"`
	Verbose     bool   `json:"verbose" env:"BRIDGE_VERBOSE" envDefault:"false"`
	MetricsAddr string `json:"metrics_addr" env:"BRIDGE_METRICS_ADDR"` // empty = disabled

	// Diagnostics
	SkipPreflight   bool   `json:"skip_preflight" env:"BRIDGE_SKIP_PREFLIGHT" envDefault:"false"`
	ColdStartMarker string `json:"cold_start_marker" env:"BRIDGE_COLD_START_MARKER" envDefault:"/tmp/.bridge-cold-start"`
}

// DefaultConfig returns the Config an empty environment produces.
func DefaultConfig() *Config {
	cfg := &Config{}
	if err := parse(cfg, map[string]string{}); err != nil {
		panic(fmt.Sprintf("config: invalid envDefault tag: %v", err))
	}
	return cfg
}

// Milliseconds is a duration whose bare numeric form is read as
// milliseconds.
type Milliseconds time.Duration

// Duration returns m as a time.Duration.
func (m Milliseconds) Duration() time.Duration {
	return time.Duration(m)
}

func (m Milliseconds) MarshalText() ([]byte, error) {
	return []byte(time.Duration(m).String()), nil
}

func (m *Milliseconds) UnmarshalText(text []byte) error {
	d, err := parseDuration(string(text), time.Millisecond)
	if err != nil {
		return err
	}
	*m = Milliseconds(d)
	return nil
}

// ScriptPath returns the entry point the worker or console shape runs.
func (c *Config) ScriptPath() string {
	if filepath.IsAbs(c.Handler) {
		return c.Handler
	}
	return filepath.Join(c.TaskRoot, c.Handler)
}
