package handler

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/invocation"
	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/jsoncodec"
	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/logging"
)

// ConsoleConfig configures a ConsoleHandler.
type ConsoleConfig struct {
	// Binary runs the script, e.g. /opt/bin/php.
	Binary string

	// Script is the absolute path of the script run for every event.
	Script string

	Logger  *slog.Logger
	Verbose bool
}

// ConsoleHandler runs Binary Script <args> for each event. The arguments
// come from a string event or the "cli" field of an object event.
type ConsoleHandler struct {
	cfg    ConsoleConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewConsole returns a console handler.
func NewConsole(cfg ConsoleConfig) *ConsoleHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsoleHandler{cfg: cfg, logger: logger, now: time.Now}
}

// CommandResult is the success payload of a console invocation.
type CommandResult struct {
	ExitCode int    `json:"exitCode"`
	Output   string `json:"output"`
}

// CommandFailedError reports a command that exited with a non-zero status.
type CommandFailedError struct {
	ExitCode int
	Output   string
}

func (e *CommandFailedError) Error() string {
	return fmt.Sprintf("the command exited with a non-zero status code: %d", e.ExitCode)
}

// ErrorType names the failure reported to the invocation broker.
func (e *CommandFailedError) ErrorType() string {
	return "CommandFailed"
}

func (h *ConsoleHandler) Kind() Kind {
	return KindConsole
}

func (h *ConsoleHandler) Close() error {
	return nil
}

func (h *ConsoleHandler) Handle(ctx context.Context, event []byte, ic invocation.Context) ([]byte, error) {
	args, err := consoleArgs(event)
	if err != nil {
		return nil, err
	}

	timeout := max(time.Second, ic.Remaining(h.now())-time.Second)
	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	icJSON, err := jsoncodec.Marshal(ic)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(cmdCtx, h.cfg.Binary, append([]string{h.cfg.Script}, args...)...)
	cmd.Env = append(os.Environ(), "LAMBDA_INVOCATION_CONTEXT="+string(icJSON))
	cmd.WaitDelay = time.Second

	var output bytes.Buffer
	forwarder := logging.NewOutputForwarder("console", h.logger, h.cfg.Verbose)
	w := io.MultiWriter(&output, forwarder)
	cmd.Stdout = w
	cmd.Stderr = w

	start := time.Now()
	runErr := cmd.Run()
	forwarder.Flush()

	h.logger.Debug("console_command_finished",
		"script", h.cfg.Script,
		"args", len(args),
		"duration", time.Since(start).String(),
	)

	if runErr != nil {
		if cause := context.Cause(ctx); cause != nil {
			return nil, cause
		}
		if errors.Is(cmdCtx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("command timed out after %s", timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			return nil, &CommandFailedError{ExitCode: exitErr.ExitCode(), Output: output.String()}
		}
		return nil, fmt.Errorf("run %s: %w", h.cfg.Binary, runErr)
	}

	return jsoncodec.Marshal(CommandResult{ExitCode: 0, Output: output.String()})
}

// consoleArgs extracts the command-line arguments from the event.
func consoleArgs(event []byte) ([]string, error) {
	trimmed := bytes.TrimSpace(event)
	if len(trimmed) == 0 {
		return nil, nil
	}

	var line string
	switch trimmed[0] {
	case '"':
		if err := jsoncodec.Unmarshal(trimmed, &line); err != nil {
			return nil, &InvalidEventError{Expected: "console", Reason: err.Error()}
		}
	case '{':
		var obj struct {
			CLI string `json:"cli"`
		}
		if err := jsoncodec.Unmarshal(trimmed, &obj); err != nil {
			return nil, &InvalidEventError{Expected: "console", Reason: err.Error()}
		}
		line = obj.CLI
	}
	return strings.Fields(line), nil
}
