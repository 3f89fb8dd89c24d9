package fastcgi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
)

const requestID = 1

// Request is one responder request.
type Request struct {
	Params []Pair
	Body   []byte
}

// Response is the parsed output of one request.
type Response struct {
	// Status is taken from the Status header, 200 when absent.
	Status int
	// Headers keeps the worker's order and repeated names. Status is removed.
	Headers []Pair
	Body    []byte
	// Stderr holds FCGI_STDERR output, which the worker does not mix into Body.
	Stderr    []byte
	AppStatus uint32
}

// Client sends requests to a FastCGI server listening on a socket.
type Client struct {
	Network string
	Address string
	Dialer  net.Dialer
}

// NewClient returns a client for a Unix domain socket.
func NewClient(socketPath string) *Client {
	return &Client{Network: "unix", Address: socketPath}
}

// Do dials a fresh connection, sends req and reads the full response.
// Cancelling ctx closes the connection, which unblocks a pending read.
func (c *Client) Do(ctx context.Context, req Request) (*Response, error) {
	conn, err := c.Dialer.DialContext(ctx, c.Network, c.Address)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", c.Address, err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	resp, err := roundTrip(conn, req)
	if err != nil {
		if cause := context.Cause(ctx); cause != nil {
			return nil, fmt.Errorf("%w: %v", cause, err)
		}
		return nil, err
	}
	return resp, nil
}

func roundTrip(conn io.ReadWriter, req Request) (*Response, error) {
	w := newRecordWriter(conn, requestID)
	if err := w.writeBeginRequest(roleResponder, 0); err != nil {
		return nil, fmt.Errorf("write begin request: %w", err)
	}
	if err := w.writeStream(typeParams, encodeParams(req.Params)); err != nil {
		return nil, fmt.Errorf("write params: %w", err)
	}
	if err := w.writeStream(typeStdin, req.Body); err != nil {
		return nil, fmt.Errorf("write stdin: %w", err)
	}
	if err := w.flush(); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	var stdout, stderr bytes.Buffer
	r := bufio.NewReader(conn)
	var rec record
	for {
		if err := readRecord(r, &rec); err != nil {
			if errors.Is(err, io.EOF) {
				err = io.ErrUnexpectedEOF
			}
			return nil, fmt.Errorf("read response: %w", err)
		}
		if rec.h.RequestID != requestID {
			continue
		}

		switch rec.h.Type {
		case typeStdout:
			stdout.Write(rec.content)
		case typeStderr:
			stderr.Write(rec.content)
		case typeEndRequest:
			if len(rec.content) < 5 {
				return nil, fmt.Errorf("short END_REQUEST record of %d bytes", len(rec.content))
			}
			appStatus := binary.BigEndian.Uint32(rec.content[0:4])
			if protocolStatus := rec.content[4]; protocolStatus != statusRequestComplete {
				return nil, fmt.Errorf("request rejected with protocol status %d", protocolStatus)
			}
			resp := parseResponse(stdout.Bytes())
			resp.Stderr = stderr.Bytes()
			resp.AppStatus = appStatus
			return resp, nil
		default:
			return nil, fmt.Errorf("unexpected %s record", rec.h.Type)
		}
	}
}

// parseResponse splits CGI output into headers and body.
func parseResponse(out []byte) *Response {
	resp := &Response{Status: 200}

	end, sepLen := bytes.Index(out, []byte("\r\n\r\n")), 4
	if lf := bytes.Index(out, []byte("\n\n")); lf >= 0 && (end < 0 || lf < end) {
		end, sepLen = lf, 2
	}
	if end < 0 {
		resp.Body = out
		return resp
	}
	head := out[:end]
	resp.Body = out[end+sepLen:]

	for _, line := range strings.Split(string(head), "\n") {
		line = strings.TrimRight(line, "\r")
		name, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		name = strings.TrimSpace(name)
		value = strings.TrimSpace(value)
		if strings.EqualFold(name, "Status") {
			code, _, _ := strings.Cut(value, " ")
			if n, err := strconv.Atoi(code); err == nil {
				resp.Status = n
			}
			continue
		}
		resp.Headers = append(resp.Headers, Pair{Name: name, Value: value})
	}
	return resp
}
