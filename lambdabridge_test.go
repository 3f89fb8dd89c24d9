package lambdabridge

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-lambda-go/events"

	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/broker/brokertest"
	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/config"
	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/runtime"
)

func testEnv(t *testing.T, api, name string, extra map[string]string) func() (*config.Config, error) {
	t.Helper()
	env := map[string]string{
		config.EnvRuntimeAPI:      api,
		config.EnvHandler:         name,
		config.EnvTaskRoot:        t.TempDir(),
		config.EnvLogLevel:        "error",
		config.EnvColdStartMarker: filepath.Join(t.TempDir(), "marker"),
	}
	for k, v := range extra {
		env[k] = v
	}
	return func() (*config.Config, error) {
		return config.FromEnv(env)
	}
}

func runWithTimeout(t *testing.T, load func() (*config.Config, error)) int {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	return run(ctx, load)
}

func TestRunRegisteredFunction(t *testing.T) {
	srv := brokertest.NewServer()
	defer srv.Close()

	Register("test.upper", func(_ context.Context, event json.RawMessage) (any, error) {
		return strings.ToUpper(string(event)), nil
	})
	srv.Enqueue(`"abc"`, 5*time.Second)

	if code := runWithTimeout(t, testEnv(t, srv.API(), "test.upper", nil)); code != runtime.ExitRecycle {
		t.Fatalf("exit code = %d, want %d", code, runtime.ExitRecycle)
	}
	responses := srv.Responses()
	if len(responses) != 1 || string(responses[0].Body) != `"\"ABC\""` {
		t.Fatalf("responses = %+v", responses)
	}
}

func TestRunTypedFunction(t *testing.T) {
	srv := brokertest.NewServer()
	defer srv.Close()

	type order struct {
		Qty int `json:"qty"`
	}
	type total struct {
		Total int `json:"total"`
	}
	RegisterTyped("test.typed", func(_ context.Context, in order) (total, error) {
		return total{Total: in.Qty * 2}, nil
	})
	srv.Enqueue(`{"qty":21}`, 5*time.Second)

	if code := runWithTimeout(t, testEnv(t, srv.API(), "test.typed", nil)); code != runtime.ExitRecycle {
		t.Fatalf("exit code = %d", code)
	}
	responses := srv.Responses()
	if len(responses) != 1 || string(responses[0].Body) != `{"total":42}` {
		t.Fatalf("responses = %+v", responses)
	}
}

func TestRunSQSBatch(t *testing.T) {
	srv := brokertest.NewServer()
	defer srv.Close()

	RegisterSQS("test.sqs", func(_ context.Context, msg events.SQSMessage) error {
		if msg.Body == "bad" {
			return errors.New("rejected")
		}
		return nil
	})
	srv.Enqueue(`{"Records":[{"messageId":"m1","body":"ok"},{"messageId":"m2","body":"bad"}]}`, 5*time.Second)

	if code := runWithTimeout(t, testEnv(t, srv.API(), "test.sqs", nil)); code != runtime.ExitRecycle {
		t.Fatalf("exit code = %d", code)
	}
	responses := srv.Responses()
	if len(responses) != 1 {
		t.Fatalf("responses = %d, want 1", len(responses))
	}
	if got := string(responses[0].Body); !strings.Contains(got, `"itemIdentifier":"m2"`) || strings.Contains(got, "m1") {
		t.Errorf("body = %s", got)
	}
}

func TestRunInvalidConfigReportsInitError(t *testing.T) {
	srv := brokertest.NewServer()
	defer srv.Close()

	load := testEnv(t, srv.API(), "test.any", map[string]string{config.EnvLoopMax: "zero"})
	if code := runWithTimeout(t, load); code != runtime.ExitFailure {
		t.Fatalf("exit code = %d, want %d", code, runtime.ExitFailure)
	}
	inits := srv.InitErrors()
	if len(inits) != 1 {
		t.Fatalf("init errors = %d, want 1", len(inits))
	}
	if inits[0].ErrorType != "InitError" {
		t.Errorf("error type = %q", inits[0].ErrorType)
	}
	if srv.Polls() != 0 {
		t.Errorf("polled %d times with an invalid configuration", srv.Polls())
	}
}

func TestRunWithoutRuntimeAPI(t *testing.T) {
	if code := runWithTimeout(t, testEnv(t, "", "test.any", nil)); code != runtime.ExitFailure {
		t.Fatalf("exit code = %d, want %d", code, runtime.ExitFailure)
	}
}

func TestRunServesMetrics(t *testing.T) {
	srv := brokertest.NewServer()
	defer srv.Close()

	Register("test.metrics", func(context.Context, json.RawMessage) (any, error) {
		return nil, nil
	})
	srv.Enqueue(`{}`, 5*time.Second)

	load := testEnv(t, srv.API(), "test.metrics", map[string]string{config.EnvMetricsAddr: "127.0.0.1:0"})
	if code := runWithTimeout(t, load); code != runtime.ExitRecycle {
		t.Fatalf("exit code = %d", code)
	}
	if got := len(srv.Responses()); got != 1 {
		t.Errorf("responses = %d, want 1", got)
	}
}
