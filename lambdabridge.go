package lambdabridge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/broker"
	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/config"
	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/handler"
	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/ids"
	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/invocation"
	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/logging"
	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/metrics"
	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/runtime"
)

// Version is reported in the startup log and the info metric.
var Version = "dev"

// HandlerFunc handles one event. The result is JSON-encoded unless it is a
// json.RawMessage or []byte.
type HandlerFunc = func(ctx context.Context, event json.RawMessage) (any, error)

// SQSHandlerFunc handles one queue message of a batch.
type SQSHandlerFunc = func(ctx context.Context, msg events.SQSMessage) error

var registry = handler.NewRegistry()

// Register makes fn available as the _HANDLER name.
func Register(name string, fn HandlerFunc) {
	registry.Register(name, fn)
}

// RegisterTyped registers a function over decoded input and output types.
func RegisterTyped[In, Out any](name string, fn func(ctx context.Context, in In) (Out, error)) {
	registry.Register(name, handler.Typed(fn))
}

// RegisterSQS registers a per-message function for SQS batches. Failed
// messages are reported as batch item failures so only they are retried.
func RegisterSQS(name string, fn SQSHandlerFunc) {
	registry.Register(name, handler.SQS(fn, nil))
}

// Start runs the runtime until it should exit, then exits the process.
// SIGTERM and SIGINT stop it at the next poll.
func Start() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	code := Run(ctx)
	stop()
	os.Exit(code)
}

// Run runs the runtime configured by the environment and returns the process
// exit code.
func Run(ctx context.Context) int {
	return run(ctx, config.FromEnvironment)
}

func run(ctx context.Context, load func() (*config.Config, error)) int {
	cfg, err := load()

	logger := logging.New(logging.Options{
		Format:     cfg.LogFormat,
		Level:      cfg.LogLevel,
		Verbose:    cfg.Verbose,
		InstanceID: ids.NewInstanceID(),
	})
	slog.SetDefault(logger)

	if err == nil {
		err = config.Validate(cfg)
	}
	if err != nil {
		logger.Error("config_invalid", "error", err)
		reportConfigError(ctx, cfg, logger, err)
		return runtime.ExitFailure
	}

	logger.Info("starting",
		"version", Version,
		"runtime", cfg.Runtime,
		"handler", cfg.Handler,
		"loop_max", cfg.LoopMax,
		"metrics_addr", cfg.MetricsAddr,
	)

	promRegistry := prometheus.NewRegistry()
	collector := metrics.NewCollectorWithRegistry(metrics.CollectorConfig{
		Version: Version,
		Runtime: cfg.Runtime,
		Handler: cfg.Handler,
	}, promRegistry)

	if cfg.MetricsAddr != "" {
		server := metrics.NewServer(cfg.MetricsAddr, promRegistry, logger)
		if err := server.Start(); err != nil {
			logger.Warn("metrics_server_disabled", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()
		}
	}

	loop := runtime.New(runtime.Options{
		Config:   cfg,
		Broker:   broker.New(cfg.RuntimeAPI, &http.Client{}, logger),
		Registry: registry,
		Metrics:  collector,
		Logger:   logger,
	})
	return loop.Run(ctx)
}

// reportConfigError posts an unusable configuration as an initialization
// failure when the broker address itself is known.
func reportConfigError(ctx context.Context, cfg *config.Config, logger *slog.Logger, err error) {
	if cfg.RuntimeAPI == "" {
		return
	}
	postCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	client := broker.New(cfg.RuntimeAPI, &http.Client{}, logger)
	payload := invocation.NewErrorPayload(&invocation.InitError{Err: err})
	if postErr := client.PostInitError(postCtx, payload); postErr != nil {
		logger.Error("init_error_report_failed", "error", postErr)
	}
}
