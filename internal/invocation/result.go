package invocation

import (
	"errors"
	"fmt"
	"reflect"
	"runtime/debug"
	"strings"
)

// ErrorPayload is the structured error body posted to the broker.
type ErrorPayload struct {
	ErrorType    string   `json:"errorType"`
	ErrorMessage string   `json:"errorMessage"`
	StackTrace   []string `json:"stackTrace,omitempty"`
}

// Result is the outcome of one invocation: exactly one of Payload (success)
// or Err (failure) is meaningful.
type Result struct {
	Payload []byte
	Err     *ErrorPayload
}

// Success wraps an encoded payload.
func Success(payload []byte) Result {
	return Result{Payload: payload}
}

// Failure converts err into a failed Result.
func Failure(err error) Result {
	p := NewErrorPayload(err)
	return Result{Err: &p}
}

// Failed reports whether the result is a failure.
func (r Result) Failed() bool {
	return r.Err != nil
}

// NewErrorPayload converts err into the broker error shape.
func NewErrorPayload(err error) ErrorPayload {
	p := ErrorPayload{
		ErrorType:    ErrorType(err),
		ErrorMessage: err.Error(),
	}
	var st interface{ StackTrace() []string }
	if errors.As(err, &st) {
		p.StackTrace = st.StackTrace()
	}
	return p
}

// ErrorType names err for the broker. The first error in the chain that
// implements ErrorType() string wins; otherwise the concrete type name of err
// is used, with plain errors from the errors and fmt packages reported as "Error".
func ErrorType(err error) string {
	if err == nil {
		return ""
	}
	var typed interface{ ErrorType() string }
	if errors.As(err, &typed) {
		return typed.ErrorType()
	}

	t := reflect.TypeOf(err)
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	switch t.PkgPath() {
	case "errors", "fmt", "":
		return "Error"
	}
	return t.Name()
}

// InitError marks a failure of the one-time initialization phase.
type InitError struct {
	Err error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("initialization failed: %v", e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// PanicError is a recovered handler panic.
type PanicError struct {
	Value any
	Stack []string
}

// NewPanicError captures the current stack. Call it from the deferred recover.
func NewPanicError(v any) *PanicError {
	return &PanicError{Value: v, Stack: stackLines(debug.Stack())}
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

func (e *PanicError) ErrorType() string {
	return "Panic"
}

func (e *PanicError) StackTrace() []string {
	return e.Stack
}

func stackLines(stack []byte) []string {
	var lines []string
	for _, line := range strings.Split(string(stack), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			lines = append(lines, line)
		}
	}
	return lines
}
