// Package broker is the HTTP client for the invocation broker (the Lambda
// runtime API). Every transport failure it returns wraps ErrTransport and is
// fatal to the runtime process.
package broker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/invocation"
	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/jsoncodec"
)

// APIVersion is the runtime API path prefix.
const APIVersion = "2018-06-01"

// HeaderErrorType carries the error type on error posts.
const HeaderErrorType = "Lambda-Runtime-Function-Error-Type"

var (
	// ErrTransport marks a failure to talk to the broker at all, or an
	// unexpected status code from it.
	ErrTransport = errors.New("broker transport failure")

	// ErrResponseTooBig is returned by PostResponse when the broker rejects
	// the payload as too large. The invocation can still be failed.
	ErrResponseTooBig = errors.New("response payload too big")

	// ErrEmptyEvent is a next-invocation response without a body.
	ErrEmptyEvent = errors.New("next invocation returned an empty event")
)

// Client talks to one runtime API endpoint.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// New returns a client for api, given as host:port or a full URL.
// httpClient must not carry a Timeout: next-invocation blocks until an event arrives.
func New(api string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	base := strings.TrimRight(api, "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{
		baseURL:    base + "/" + APIVersion + "/runtime",
		httpClient: httpClient,
		logger:     logger,
	}
}

// Next blocks until the broker hands out the next event.
func (c *Client) Next(ctx context.Context) (invocation.Context, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/invocation/next", nil)
	if err != nil {
		return invocation.Context{}, nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return invocation.Context{}, nil, fmt.Errorf("%w: polling next invocation: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return invocation.Context{}, nil, fmt.Errorf("%w: reading next invocation: %v", ErrTransport, err)
	}
	if resp.StatusCode != http.StatusOK {
		return invocation.Context{}, nil, fmt.Errorf("%w: next invocation returned %d: %s",
			ErrTransport, resp.StatusCode, truncate(body))
	}

	ic, err := invocation.FromHeaders(resp.Header)
	if err != nil {
		return invocation.Context{}, nil, err
	}
	if len(body) == 0 {
		return invocation.Context{}, nil, ErrEmptyEvent
	}

	return ic, body, nil
}

// PostResponse reports a successful invocation.
func (c *Client) PostResponse(ctx context.Context, requestID string, payload []byte) error {
	status, body, err := c.post(ctx, "/invocation/"+requestID+"/response", payload, nil)
	if err != nil {
		return err
	}
	switch {
	case status == http.StatusRequestEntityTooLarge:
		return fmt.Errorf("%w: %s", ErrResponseTooBig, truncate(body))
	case status != http.StatusAccepted && status != http.StatusOK:
		return fmt.Errorf("%w: response for %s returned %d: %s", ErrTransport, requestID, status, truncate(body))
	}
	return nil
}

// PostError reports a failed invocation.
func (c *Client) PostError(ctx context.Context, requestID string, p invocation.ErrorPayload) error {
	return c.postError(ctx, "/invocation/"+requestID+"/error", p)
}

// PostInitError reports a failure of the initialization phase.
func (c *Client) PostInitError(ctx context.Context, p invocation.ErrorPayload) error {
	return c.postError(ctx, "/init/error", p)
}

func (c *Client) postError(ctx context.Context, path string, p invocation.ErrorPayload) error {
	payload, err := jsoncodec.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding error payload: %w", err)
	}

	status, body, err := c.post(ctx, path, payload, http.Header{HeaderErrorType: []string{p.ErrorType}})
	if err != nil {
		return err
	}
	if status != http.StatusAccepted && status != http.StatusOK {
		return fmt.Errorf("%w: %s returned %d: %s", ErrTransport, path, status, truncate(body))
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, payload []byte, header http.Header) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range header {
		req.Header[k] = v
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("%w: POST %s: %v", ErrTransport, path, err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	c.logger.Debug("broker_post",
		"path", path,
		"status", resp.StatusCode,
		"bytes", len(payload),
	)
	return resp.StatusCode, body, nil
}

func truncate(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		return string(body[:maxLen]) + "..."
	}
	return string(body)
}
