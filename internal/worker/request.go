package worker

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/fastcgi"
	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/invocation"
	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/jsoncodec"
)

const serverSoftware = "lambda-fpm-bridge"

// HTTPRequest is an HTTP request already normalized from an invocation event.
type HTTPRequest struct {
	Method      string
	Path        string
	QueryString string
	Protocol    string

	// Headers are keyed by lower-case name. Repeated headers keep every value.
	Headers map[string][]string
	Body    []byte

	// RequestContext is the event's raw requestContext, passed through to the
	// application.
	RequestContext any
}

// Header returns the first value of the lower-case header name.
func (r *HTTPRequest) Header(name string) string {
	if v := r.Headers[name]; len(v) > 0 {
		return v[0]
	}
	return ""
}

// URI returns the path with the query string appended.
func (r *HTTPRequest) URI() string {
	if r.QueryString == "" {
		return r.Path
	}
	return r.Path + "?" + r.QueryString
}

// Handle proxies req to the worker.
func (b *Bridge) Handle(ctx context.Context, req *HTTPRequest, ic invocation.Context) (*fastcgi.Response, error) {
	params, err := BuildParams(req, b.cfg.ScriptFilename, ic)
	if err != nil {
		return nil, err
	}
	return b.Do(ctx, fastcgi.Request{Params: params, Body: req.Body})
}

// BuildParams translates req into the ordered FastCGI parameter list. Every
// header value becomes its own HTTP_* entry, with header names sorted so the
// order is deterministic.
func BuildParams(req *HTTPRequest, scriptFilename string, ic invocation.Context) ([]fastcgi.Pair, error) {
	invocationContext, err := jsoncodec.Marshal(ic)
	if err != nil {
		return nil, err
	}
	requestContext, err := jsoncodec.Marshal(req.RequestContext)
	if err != nil {
		return nil, err
	}

	port := req.Header("x-forwarded-port")
	if _, err := strconv.Atoi(port); err != nil {
		port = "80"
	}
	serverName := req.Header("host")
	if serverName == "" {
		serverName = "localhost"
	}
	protocol := req.Protocol
	if protocol == "" {
		protocol = "HTTP/1.1"
	}

	params := []fastcgi.Pair{
		{Name: "GATEWAY_INTERFACE", Value: "FastCGI/1.0"},
		{Name: "REQUEST_METHOD", Value: strings.ToUpper(req.Method)},
		{Name: "REQUEST_URI", Value: req.URI()},
		{Name: "SCRIPT_FILENAME", Value: scriptFilename},
		{Name: "SERVER_SOFTWARE", Value: serverSoftware},
		{Name: "REMOTE_ADDR", Value: "127.0.0.1"},
		{Name: "REMOTE_PORT", Value: port},
		{Name: "SERVER_ADDR", Value: "127.0.0.1"},
		{Name: "SERVER_PORT", Value: port},
		{Name: "SERVER_NAME", Value: serverName},
		{Name: "SERVER_PROTOCOL", Value: protocol},
	}
	if ct := req.Header("content-type"); ct != "" {
		params = append(params, fastcgi.Pair{Name: "CONTENT_TYPE", Value: ct})
	}
	params = append(params,
		fastcgi.Pair{Name: "CONTENT_LENGTH", Value: strconv.Itoa(len(req.Body))},
		fastcgi.Pair{Name: "PATH_INFO", Value: req.Path},
		fastcgi.Pair{Name: "QUERY_STRING", Value: req.QueryString},
		fastcgi.Pair{Name: "LAMBDA_INVOCATION_CONTEXT", Value: string(invocationContext)},
		fastcgi.Pair{Name: "LAMBDA_REQUEST_CONTEXT", Value: string(requestContext)},
	)

	names := make([]string, 0, len(req.Headers))
	for name := range req.Headers {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		key := "HTTP_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		for _, value := range req.Headers[name] {
			params = append(params, fastcgi.Pair{Name: key, Value: value})
		}
	}
	return params, nil
}
