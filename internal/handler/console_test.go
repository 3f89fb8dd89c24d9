package handler

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/invocation"
	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/jsoncodec"
)

func newConsole(t *testing.T, script string) *ConsoleHandler {
	t.Helper()
	path := filepath.Join(t.TempDir(), "task.sh")
	if err := os.WriteFile(path, []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}
	return NewConsole(ConsoleConfig{Binary: "/bin/sh", Script: path, Logger: newDiscardLogger()})
}

func icWithRemaining(d time.Duration) invocation.Context {
	return invocation.Context{
		RequestID:  "req-1",
		DeadlineMs: time.Now().Add(d).UnixMilli(),
	}
}

func TestConsoleArgs(t *testing.T) {
	testCases := []struct {
		event string
		want  []string
	}{
		{`"migrate --force"`, []string{"migrate", "--force"}},
		{`{"cli":"cache:clear   -v"}`, []string{"cache:clear", "-v"}},
		{`{}`, nil},
		{``, nil},
		{`42`, nil},
	}
	for _, tc := range testCases {
		got, err := consoleArgs([]byte(tc.event))
		if err != nil {
			t.Errorf("consoleArgs(%s): %v", tc.event, err)
			continue
		}
		if strings.Join(got, "|") != strings.Join(tc.want, "|") {
			t.Errorf("consoleArgs(%s) = %q, want %q", tc.event, got, tc.want)
		}
	}

	if _, err := consoleArgs([]byte(`{"cli":`)); invocation.ErrorType(err) != "InvalidEvent" {
		t.Errorf("malformed event: err = %v", err)
	}
}

func TestConsoleSuccess(t *testing.T) {
	h := newConsole(t, `echo "args: $*"
case "$LAMBDA_INVOCATION_CONTEXT" in
  *req-1*) echo "context ok" ;;
esac
`)
	out, err := h.Handle(context.Background(), []byte(`{"cli":"one two"}`), icWithRemaining(10*time.Second))
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	var result CommandResult
	if err := jsoncodec.Unmarshal(out, &result); err != nil {
		t.Fatalf("decode %s: %v", out, err)
	}
	if result.ExitCode != 0 {
		t.Errorf("ExitCode = %d", result.ExitCode)
	}
	if result.Output != "args: one two\ncontext ok\n" {
		t.Errorf("Output = %q", result.Output)
	}
}

func TestConsoleNonZeroExit(t *testing.T) {
	h := newConsole(t, "echo failing >&2\nexit 3\n")
	_, err := h.Handle(context.Background(), []byte(`""`), icWithRemaining(10*time.Second))

	var failed *CommandFailedError
	if !errors.As(err, &failed) {
		t.Fatalf("err = %v, want CommandFailedError", err)
	}
	if failed.ExitCode != 3 {
		t.Errorf("ExitCode = %d", failed.ExitCode)
	}
	if !strings.Contains(failed.Output, "failing") {
		t.Errorf("Output = %q", failed.Output)
	}
	if invocation.ErrorType(err) != "CommandFailed" {
		t.Errorf("ErrorType = %q", invocation.ErrorType(err))
	}
}

func TestConsoleTimeout(t *testing.T) {
	h := newConsole(t, "exec sleep 10\n")

	start := time.Now()
	_, err := h.Handle(context.Background(), []byte(`""`), icWithRemaining(1500*time.Millisecond))
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Fatalf("err = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("command ran for %v", elapsed)
	}
}

func TestConsoleCancelCause(t *testing.T) {
	h := newConsole(t, "exec sleep 10\n")
	ctx, cancel := context.WithCancelCause(context.Background())
	stop := errors.New("preempted")
	time.AfterFunc(50*time.Millisecond, func() { cancel(stop) })

	_, err := h.Handle(ctx, []byte(`""`), icWithRemaining(time.Minute))
	if !errors.Is(err, stop) {
		t.Errorf("err = %v, want cancel cause", err)
	}
}

func TestConsoleMissingBinary(t *testing.T) {
	h := NewConsole(ConsoleConfig{Binary: filepath.Join(t.TempDir(), "nope"), Script: "x", Logger: newDiscardLogger()})
	_, err := h.Handle(context.Background(), nil, icWithRemaining(time.Minute))
	if err == nil {
		t.Fatal("expected error for missing binary")
	}
	var failed *CommandFailedError
	if errors.As(err, &failed) {
		t.Error("missing binary reported as a command exit")
	}
}
