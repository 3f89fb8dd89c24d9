package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/invocation"
	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/jsoncodec"
)

// Func is an in-process handler. The returned value is JSON-encoded, except
// json.RawMessage and []byte which are sent as they are.
type Func func(ctx context.Context, event json.RawMessage) (any, error)

// Typed adapts a function over decoded types to a Func.
func Typed[In, Out any](fn func(ctx context.Context, in In) (Out, error)) Func {
	return func(ctx context.Context, event json.RawMessage) (any, error) {
		var in In
		if err := jsoncodec.Unmarshal(event, &in); err != nil {
			return nil, &InvalidEventError{Expected: fmt.Sprintf("%T", in), Reason: err.Error()}
		}
		return fn(ctx, in)
	}
}

// FunctionHandler dispatches events to a Func.
type FunctionHandler struct {
	name string
	fn   Func
}

// NewFunction returns a handler for fn.
func NewFunction(name string, fn Func) *FunctionHandler {
	return &FunctionHandler{name: name, fn: fn}
}

func (h *FunctionHandler) Kind() Kind {
	return KindFunction
}

// Name returns the name the function was registered under.
func (h *FunctionHandler) Name() string {
	return h.name
}

func (h *FunctionHandler) Handle(ctx context.Context, event []byte, _ invocation.Context) ([]byte, error) {
	out, err := h.fn(ctx, json.RawMessage(event))
	if err != nil {
		return nil, err
	}
	switch v := out.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return v, nil
	}
	payload, err := jsoncodec.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode %s result: %w", h.name, err)
	}
	return payload, nil
}

func (h *FunctionHandler) Close() error {
	return nil
}

// Registry maps handler names (the _HANDLER value) to functions.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// Register adds fn under name, replacing any previous registration.
func (r *Registry) Register(name string, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[name] = fn
}

// Lookup returns the function registered under name.
func (r *Registry) Lookup(name string) (Func, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[name]
	return fn, ok
}

// Names returns the registered names, sorted.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.funcs))
	for name := range r.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
