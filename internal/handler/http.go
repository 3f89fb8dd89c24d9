package handler

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"maps"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/fastcgi"
	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/invocation"
	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/jsoncodec"
	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/worker"
)

var warmResponse = []byte(`["Lambda is warm"]`)

// Bridge is the part of the worker bridge the HTTP handler uses.
type Bridge interface {
	Handle(ctx context.Context, req *worker.HTTPRequest, ic invocation.Context) (*fastcgi.Response, error)
	Stop() error
}

// HTTPConfig configures an HTTPHandler.
type HTTPConfig struct {
	// BinaryResponses base64-encodes every response body.
	BinaryResponses bool

	// WarmupDelay delays the answer to warm-up pings.
	WarmupDelay time.Duration

	Logger *slog.Logger
}

// HTTPHandler proxies API Gateway (REST) and ALB events to the worker.
type HTTPHandler struct {
	bridge Bridge
	cfg    HTTPConfig
	logger *slog.Logger
}

// NewHTTP returns a handler backed by a started bridge.
func NewHTTP(bridge Bridge, cfg HTTPConfig) *HTTPHandler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTPHandler{bridge: bridge, cfg: cfg, logger: logger}
}

func (h *HTTPHandler) Kind() Kind {
	return KindHTTP
}

// Close stops the worker.
func (h *HTTPHandler) Close() error {
	return h.bridge.Stop()
}

func (h *HTTPHandler) Handle(ctx context.Context, event []byte, ic invocation.Context) ([]byte, error) {
	if isWarmup(event) {
		return h.warm(ctx)
	}

	req, multiValue, err := ParseHTTPEvent(event)
	if err != nil {
		return nil, err
	}

	resp, err := h.bridge.Handle(ctx, req, ic)
	if err != nil {
		return nil, err
	}
	return jsoncodec.Marshal(FormatResponse(resp, multiValue, h.cfg.BinaryResponses))
}

func (h *HTTPHandler) warm(ctx context.Context) ([]byte, error) {
	if h.cfg.WarmupDelay > 0 {
		timer := time.NewTimer(h.cfg.WarmupDelay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		}
	}
	h.logger.Debug("warmup_ping", "delay", h.cfg.WarmupDelay.String())
	return warmResponse, nil
}

func isWarmup(event []byte) bool {
	if !bytes.Contains(event, []byte("warmer")) {
		return false
	}
	var probe struct {
		Warmer json.RawMessage `json:"warmer"`
	}
	if err := jsoncodec.Unmarshal(event, &probe); err != nil {
		return false
	}
	return string(probe.Warmer) == "true"
}

// ParseHTTPEvent normalizes an API Gateway REST or ALB event. The second
// result reports whether the caller understands multi-value headers.
func ParseHTTPEvent(event []byte) (*worker.HTTPRequest, bool, error) {
	var ev events.APIGatewayProxyRequest
	if err := jsoncodec.Unmarshal(event, &ev); err != nil {
		return nil, false, &InvalidEventError{Expected: "API Gateway or ALB", Reason: err.Error()}
	}
	if ev.HTTPMethod == "" {
		return nil, false, &InvalidEventError{Expected: "API Gateway or ALB", Reason: "missing httpMethod"}
	}

	var raw struct {
		RequestContext json.RawMessage `json:"requestContext"`
	}
	_ = jsoncodec.Unmarshal(event, &raw)

	body := []byte(ev.Body)
	if ev.IsBase64Encoded {
		decoded, err := base64.StdEncoding.DecodeString(ev.Body)
		if err != nil {
			return nil, false, &InvalidEventError{Expected: "API Gateway or ALB", Reason: "body is not valid base64"}
		}
		body = decoded
	}

	// Names that differ only by case merge in sorted order of the original
	// names, so the value order (and the single-value winner) is stable.
	multiValue := ev.MultiValueHeaders != nil
	headers := make(map[string][]string)
	if multiValue {
		for _, name := range slices.Sorted(maps.Keys(ev.MultiValueHeaders)) {
			key := strings.ToLower(name)
			headers[key] = append(headers[key], ev.MultiValueHeaders[name]...)
		}
	} else {
		for _, name := range slices.Sorted(maps.Keys(ev.Headers)) {
			headers[strings.ToLower(name)] = []string{ev.Headers[name]}
		}
	}

	if ev.Body != "" {
		if _, ok := headers["content-type"]; !ok {
			headers["content-type"] = []string{"application/x-www-form-urlencoded"}
		}
		if _, ok := headers["content-length"]; !ok {
			headers["content-length"] = []string{strconv.Itoa(len(body))}
		}
	}

	path := ev.Path
	if path == "" {
		path = "/"
	}

	req := &worker.HTTPRequest{
		Method:      strings.ToUpper(ev.HTTPMethod),
		Path:        path,
		QueryString: queryString(ev),
		Protocol:    ev.RequestContext.Protocol,
		Headers:     headers,
		Body:        body,
	}
	if len(raw.RequestContext) > 0 {
		req.RequestContext = raw.RequestContext
	}
	return req, multiValue, nil
}

// queryString rebuilds the query string. Only the first value of a
// multi-value parameter is kept.
func queryString(ev events.APIGatewayProxyRequest) string {
	values := url.Values{}
	if len(ev.MultiValueQueryStringParameters) > 0 {
		for name, vs := range ev.MultiValueQueryStringParameters {
			if len(vs) > 0 {
				values.Set(name, vs[0])
			}
		}
		return values.Encode()
	}
	for name, v := range ev.QueryStringParameters {
		values.Set(name, v)
	}
	return values.Encode()
}

// singleValueResponse and multiValueResponse always encode their header map,
// as {} when empty.
type singleValueResponse struct {
	IsBase64Encoded bool              `json:"isBase64Encoded"`
	StatusCode      int               `json:"statusCode"`
	Headers         map[string]string `json:"headers"`
	Body            string            `json:"body"`
}

type multiValueResponse struct {
	IsBase64Encoded   bool                `json:"isBase64Encoded"`
	StatusCode        int                 `json:"statusCode"`
	MultiValueHeaders map[string][]string `json:"multiValueHeaders"`
	Body              string              `json:"body"`
}

// FormatResponse converts a worker response to the API Gateway proxy format.
// Header names are lower-cased. Without multi-value support each header
// keeps only its last value.
func FormatResponse(resp *fastcgi.Response, multiValue, binary bool) any {
	body := string(resp.Body)
	if binary {
		body = base64.StdEncoding.EncodeToString(resp.Body)
	}

	if multiValue {
		headers := make(map[string][]string)
		for _, h := range resp.Headers {
			name := strings.ToLower(h.Name)
			headers[name] = append(headers[name], h.Value)
		}
		return multiValueResponse{
			IsBase64Encoded:   binary,
			StatusCode:        resp.Status,
			MultiValueHeaders: headers,
			Body:              body,
		}
	}

	headers := make(map[string]string)
	for _, h := range resp.Headers {
		headers[strings.ToLower(h.Name)] = h.Value
	}
	return singleValueResponse{
		IsBase64Encoded: binary,
		StatusCode:      resp.Status,
		Headers:         headers,
		Body:            body,
	}
}
