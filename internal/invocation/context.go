// Package invocation holds the per-event data model shared by the broker
// client, the handlers and the event loop.
package invocation

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/aws/aws-lambda-go/lambdacontext"
)

// Runtime API header names carrying the invocation context.
const (
	HeaderRequestID   = "Lambda-Runtime-Aws-Request-Id"
	HeaderDeadlineMs  = "Lambda-Runtime-Deadline-Ms"
	HeaderFunctionARN = "Lambda-Runtime-Invoked-Function-Arn"
	HeaderTraceID     = "Lambda-Runtime-Trace-Id"
)

// Context is the immutable metadata of one invocation.
type Context struct {
	RequestID          string `json:"awsRequestId"`
	DeadlineMs         int64  `json:"deadlineMs"`
	InvokedFunctionARN string `json:"invokedFunctionArn"`
	TraceID            string `json:"traceId"`
}

// MissingHeaderError reports a next-invocation response that lacks a header
// the runtime cannot work without.
type MissingHeaderError struct {
	Header string
}

func (e *MissingHeaderError) Error() string {
	return fmt.Sprintf("missing required header %s", e.Header)
}

// FromHeaders builds a Context from the headers of a next-invocation response.
// The request id and deadline are required. The function ARN and trace id
// are not.
func FromHeaders(h http.Header) (Context, error) {
	c := Context{
		RequestID:          h.Get(HeaderRequestID),
		InvokedFunctionARN: h.Get(HeaderFunctionARN),
		TraceID:            h.Get(HeaderTraceID),
	}
	if c.RequestID == "" {
		return Context{}, &MissingHeaderError{Header: HeaderRequestID}
	}

	raw := h.Get(HeaderDeadlineMs)
	if raw == "" {
		return Context{}, &MissingHeaderError{Header: HeaderDeadlineMs}
	}
	deadline, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return Context{}, fmt.Errorf("invalid %s %q: %w", HeaderDeadlineMs, raw, err)
	}
	c.DeadlineMs = deadline

	return c, nil
}

// Deadline returns the absolute deadline.
func (c Context) Deadline() time.Time {
	return time.UnixMilli(c.DeadlineMs)
}

// Remaining returns the time left before the deadline, relative to now.
// It is negative once the deadline has passed.
func (c Context) Remaining(now time.Time) time.Duration {
	return c.Deadline().Sub(now)
}

type contextKey struct{}

// NewContext attaches c to ctx. The lambdacontext value is attached as well
// so handlers written against aws-lambda-go keep working.
func NewContext(ctx context.Context, c Context) context.Context {
	ctx = context.WithValue(ctx, contextKey{}, c)
	return lambdacontext.NewContext(ctx, &lambdacontext.LambdaContext{
		AwsRequestID:       c.RequestID,
		InvokedFunctionArn: c.InvokedFunctionARN,
	})
}

// FromContext returns the invocation attached by NewContext.
func FromContext(ctx context.Context) (Context, bool) {
	c, ok := ctx.Value(contextKey{}).(Context)
	return c, ok
}
