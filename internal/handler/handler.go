// Package handler defines the shapes an invocation can be dispatched to.
// The shape is chosen once at initialization; the event loop only sees the
// Handler interface.
package handler

import (
	"context"
	"fmt"

	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/invocation"
)

// Kind identifies a handler shape.
type Kind int

const (
	// KindFunction runs a registered Go function in-process.
	KindFunction Kind = iota

	// KindHTTP proxies API Gateway and ALB events to the FastCGI worker.
	KindHTTP

	// KindConsole runs a command per event.
	KindConsole
)

// String returns the configuration name of the kind.
func (k Kind) String() string {
	switch k {
	case KindFunction:
		return "function"
	case KindHTTP:
		return "http"
	case KindConsole:
		return "console"
	default:
		return "unknown"
	}
}

// ParseKind converts a configuration name into a Kind.
func ParseKind(s string) (Kind, error) {
	switch s {
	case "function", "":
		return KindFunction, nil
	case "http", "fpm":
		return KindHTTP, nil
	case "console":
		return KindConsole, nil
	default:
		return 0, fmt.Errorf("unknown handler kind %q", s)
	}
}

// Handler processes one event and returns the JSON payload to report.
type Handler interface {
	Kind() Kind
	Handle(ctx context.Context, event []byte, ic invocation.Context) ([]byte, error)

	// Close releases resources held since initialization.
	Close() error
}

// InvalidEventError reports an event the handler cannot interpret.
type InvalidEventError struct {
	Expected string
	Reason   string
}

func (e *InvalidEventError) Error() string {
	return fmt.Sprintf("event is not a valid %s event: %s", e.Expected, e.Reason)
}

// ErrorType names the failure reported to the invocation broker.
func (e *InvalidEventError) ErrorType() string {
	return "InvalidEvent"
}
