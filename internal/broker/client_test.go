package broker_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/broker"
	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/broker/brokertest"
	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/invocation"
	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/jsoncodec"
)

func TestNextAndPostResponse(t *testing.T) {
	srv := brokertest.NewServer()
	defer srv.Close()

	id := srv.EnqueueEvent(brokertest.Event{
		Body:     []byte(`{"key":"value"}`),
		Deadline: time.Now().Add(5 * time.Second),
		TraceID:  "Root=1-trace",
	})

	c := broker.New(srv.API(), nil, nil)
	ic, event, err := c.Next(context.Background())
	if err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if ic.RequestID != id {
		t.Errorf("RequestID = %q, want %q", ic.RequestID, id)
	}
	if ic.TraceID != "Root=1-trace" {
		t.Errorf("TraceID = %q", ic.TraceID)
	}
	if string(event) != `{"key":"value"}` {
		t.Errorf("event = %s", event)
	}
	if rem := ic.Remaining(time.Now()); rem <= 0 || rem > 5*time.Second {
		t.Errorf("unexpected remaining time %v", rem)
	}

	if err := c.PostResponse(context.Background(), id, []byte(`"ok"`)); err != nil {
		t.Fatalf("PostResponse failed: %v", err)
	}
	responses := srv.Responses()
	if len(responses) != 1 || string(responses[0].Body) != `"ok"` || responses[0].RequestID != id {
		t.Fatalf("unexpected responses %+v", responses)
	}
}

func TestNextBlocksUntilEnqueued(t *testing.T) {
	srv := brokertest.NewServer()
	defer srv.Close()

	c := broker.New(srv.API(), nil, nil)
	go func() {
		time.Sleep(50 * time.Millisecond)
		srv.Enqueue(`{}`, time.Second)
	}()

	start := time.Now()
	if _, _, err := c.Next(context.Background()); err != nil {
		t.Fatalf("Next failed: %v", err)
	}
	if time.Since(start) < 40*time.Millisecond {
		t.Error("Next returned before an event was enqueued")
	}
}

func TestPostError(t *testing.T) {
	srv := brokertest.NewServer()
	defer srv.Close()

	c := broker.New(srv.URL, nil, nil)
	p := invocation.ErrorPayload{ErrorType: "DeadlineExceeded", ErrorMessage: "too slow"}
	if err := c.PostError(context.Background(), "req-9", p); err != nil {
		t.Fatalf("PostError failed: %v", err)
	}

	reports := srv.Errors()
	if len(reports) != 1 {
		t.Fatalf("expected one error report, got %d", len(reports))
	}
	if reports[0].ErrorType != "DeadlineExceeded" || reports[0].RequestID != "req-9" {
		t.Errorf("unexpected report %+v", reports[0])
	}
	var got invocation.ErrorPayload
	if err := jsoncodec.Unmarshal(reports[0].Body, &got); err != nil {
		t.Fatalf("invalid error body: %v", err)
	}
	if got.ErrorMessage != "too slow" {
		t.Errorf("ErrorMessage = %q", got.ErrorMessage)
	}
}

func TestPostInitError(t *testing.T) {
	srv := brokertest.NewServer()
	defer srv.Close()

	c := broker.New(srv.API(), nil, nil)
	err := c.PostInitError(context.Background(), invocation.ErrorPayload{ErrorType: "Error", ErrorMessage: "boom"})
	if err != nil {
		t.Fatalf("PostInitError failed: %v", err)
	}
	if len(srv.InitErrors()) != 1 {
		t.Fatalf("expected one init error, got %v", srv.Calls())
	}
}

func TestPostResponseTooBig(t *testing.T) {
	srv := brokertest.NewServer()
	srv.ResponseLimit = 4
	defer srv.Close()

	c := broker.New(srv.API(), nil, nil)
	err := c.PostResponse(context.Background(), "req-1", []byte(`"too large"`))
	if !errors.Is(err, broker.ErrResponseTooBig) {
		t.Fatalf("expected broker.ErrResponseTooBig, got %v", err)
	}
	if errors.Is(err, broker.ErrTransport) {
		t.Error("a 413 must not be reported as a transport failure")
	}
}

func TestNextTransportFailure(t *testing.T) {
	srv := brokertest.NewServer()
	srv.FailNextPolls(1)
	defer srv.Close()

	c := broker.New(srv.API(), nil, nil)
	_, _, err := c.Next(context.Background())
	if !errors.Is(err, broker.ErrTransport) {
		t.Fatalf("expected broker.ErrTransport, got %v", err)
	}

	unreachable := broker.New("127.0.0.1:1", nil, nil)
	if _, _, err := unreachable.Next(context.Background()); !errors.Is(err, broker.ErrTransport) {
		t.Fatalf("expected broker.ErrTransport for an unreachable broker, got %v", err)
	}
}

func TestNextMissingHeader(t *testing.T) {
	srv := brokertest.NewServer()
	defer srv.Close()

	srv.EnqueueEvent(brokertest.Event{
		Body:        []byte(`{}`),
		OmitHeaders: []string{invocation.HeaderDeadlineMs},
	})

	c := broker.New(srv.API(), nil, nil)
	_, _, err := c.Next(context.Background())
	var missing *invocation.MissingHeaderError
	if !errors.As(err, &missing) {
		t.Fatalf("expected MissingHeaderError, got %v", err)
	}
}

func TestNextEmptyBody(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set(invocation.HeaderRequestID, "req-1")
		w.Header().Set(invocation.HeaderDeadlineMs, "1700000000000")
		w.Header().Set(invocation.HeaderFunctionARN, "arn:fn")
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	c := broker.New(ts.URL, nil, nil)
	if _, _, err := c.Next(context.Background()); !errors.Is(err, broker.ErrEmptyEvent) {
		t.Fatalf("expected broker.ErrEmptyEvent, got %v", err)
	}
}
