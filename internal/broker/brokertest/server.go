// Package brokertest provides an in-memory runtime API for tests.
package brokertest

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/broker"
	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/invocation"
)

// Event is one queued invocation.
type Event struct {
	RequestID string
	Body      []byte
	Deadline  time.Time
	ARN       string
	TraceID   string

	// OmitHeaders lists context headers left out of the response.
	OmitHeaders []string
}

// Report is one post received from the runtime.
type Report struct {
	RequestID string
	Body      []byte
	ErrorType string
	Received  time.Time
}

// Server is a fake runtime API. A next-invocation poll with an empty queue
// blocks until an event is enqueued or the server is closed.
type Server struct {
	*httptest.Server

	// ResponseLimit makes response posts larger than it fail with 413.
	ResponseLimit int

	mu         sync.Mutex
	queue      []Event
	polls      int
	failNext   int
	responses  []Report
	errors     []Report
	initErrors []Report
	order      []string

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

// NewServer starts a fake runtime API.
func NewServer() *Server {
	s := &Server{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	mux := http.NewServeMux()
	prefix := "/" + broker.APIVersion + "/runtime"
	mux.HandleFunc("GET "+prefix+"/invocation/next", s.handleNext)
	mux.HandleFunc("POST "+prefix+"/invocation/{id}/response", s.handleResponse)
	mux.HandleFunc("POST "+prefix+"/invocation/{id}/error", s.handleError)
	mux.HandleFunc("POST "+prefix+"/init/error", s.handleInitError)
	s.Server = httptest.NewServer(mux)
	return s
}

// API returns the host:port form used by AWS_LAMBDA_RUNTIME_API.
func (s *Server) API() string {
	return strings.TrimPrefix(s.URL, "http://")
}

// Enqueue adds an event with a generated request id, due in deadline.
func (s *Server) Enqueue(body string, deadline time.Duration) string {
	return s.EnqueueEvent(Event{Body: []byte(body), Deadline: time.Now().Add(deadline)})
}

// EnqueueEvent adds e, filling in a request id and ARN when empty.
func (s *Server) EnqueueEvent(e Event) string {
	if e.RequestID == "" {
		e.RequestID = uuid.NewString()
	}
	if e.ARN == "" {
		e.ARN = "arn:aws:lambda:us-east-1:123456789012:function:test"
	}
	if e.Deadline.IsZero() {
		e.Deadline = time.Now().Add(30 * time.Second)
	}

	s.mu.Lock()
	s.queue = append(s.queue, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
	return e.RequestID
}

// FailNextPolls makes the next n polls answer 500.
func (s *Server) FailNextPolls(n int) {
	s.mu.Lock()
	s.failNext = n
	s.mu.Unlock()
}

// Close unblocks pending polls and shuts the server down.
func (s *Server) Close() {
	s.once.Do(func() { close(s.done) })
	s.Server.Close()
}

func (s *Server) Polls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.polls
}

func (s *Server) Responses() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Report(nil), s.responses...)
}

func (s *Server) Errors() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Report(nil), s.errors...)
}

func (s *Server) InitErrors() []Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Report(nil), s.initErrors...)
}

// Calls returns the sequence of calls received, as "next", "response:<id>",
// "error:<id>" and "init-error".
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.order...)
}

func (s *Server) handleNext(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	s.polls++
	s.order = append(s.order, "next")
	if s.failNext > 0 {
		s.failNext--
		s.mu.Unlock()
		http.Error(w, "broker unavailable", http.StatusInternalServerError)
		return
	}
	s.mu.Unlock()

	for {
		s.mu.Lock()
		if len(s.queue) > 0 {
			e := s.queue[0]
			s.queue = s.queue[1:]
			s.mu.Unlock()
			writeEvent(w, e)
			return
		}
		s.mu.Unlock()

		select {
		case <-s.wake:
		case <-s.done:
			http.Error(w, "shutting down", http.StatusServiceUnavailable)
			return
		case <-r.Context().Done():
			return
		}
	}
}

func writeEvent(w http.ResponseWriter, e Event) {
	headers := map[string]string{
		invocation.HeaderRequestID:   e.RequestID,
		invocation.HeaderDeadlineMs:  strconv.FormatInt(e.Deadline.UnixMilli(), 10),
		invocation.HeaderFunctionARN: e.ARN,
		invocation.HeaderTraceID:     e.TraceID,
	}
	for _, h := range e.OmitHeaders {
		delete(headers, h)
	}
	for k, v := range headers {
		if v != "" {
			w.Header().Set(k, v)
		}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(e.Body)
}

func (s *Server) handleResponse(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	body, _ := io.ReadAll(r.Body)
	if s.ResponseLimit > 0 && len(body) > s.ResponseLimit {
		http.Error(w, fmt.Sprintf("payload of %d bytes exceeds %d", len(body), s.ResponseLimit),
			http.StatusRequestEntityTooLarge)
		return
	}

	s.mu.Lock()
	s.responses = append(s.responses, Report{RequestID: id, Body: body, Received: time.Now()})
	s.order = append(s.order, "response:"+id)
	s.mu.Unlock()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleError(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	s.errors = append(s.errors, Report{
		RequestID: id,
		Body:      body,
		ErrorType: r.Header.Get(broker.HeaderErrorType),
		Received:  time.Now(),
	})
	s.order = append(s.order, "error:"+id)
	s.mu.Unlock()
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleInitError(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	s.initErrors = append(s.initErrors, Report{
		Body:      body,
		ErrorType: r.Header.Get(broker.HeaderErrorType),
		Received:  time.Now(),
	})
	s.order = append(s.order, "init-error")
	s.mu.Unlock()
	w.WriteHeader(http.StatusAccepted)
}
