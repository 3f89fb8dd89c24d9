// Package runtime is the event loop of the bridge: it initializes the
// handler once, then polls the invocation broker, dispatches each event
// under deadline preemption, reports the result and recycles the process.
package runtime

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/broker"
	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/config"
	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/handler"
	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/invocation"
	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/metrics"
	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/preempt"
	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/worker"
)

// Exit codes returned by Run. The deadline hard exit uses
// preempt.ExitCodeHardTimeout.
const (
	// ExitRecycle asks the host for a fresh process: loop max reached, an
	// invocation failed, or the runtime was asked to stop.
	ExitRecycle = 0

	// ExitFailure is an initialization or broker transport failure.
	ExitFailure = 1
)

const tracerName = "github.com/randomizedcoder/go-lambda-fpm-bridge/internal/runtime"

// Options configures a Loop. Config and Broker are required.
type Options struct {
	Config    *config.Config
	Broker    *broker.Client
	Registry  *handler.Registry
	Preemptor *preempt.Preemptor
	Metrics   *metrics.Collector
	Logger    *slog.Logger

	// WorkerRunner replaces the php-fpm command of the http runtime.
	WorkerRunner worker.Runner
}

// Loop is one runtime process. It is not safe for concurrent use: exactly
// one invocation is in flight at a time.
type Loop struct {
	cfg       *config.Config
	broker    *broker.Client
	registry  *handler.Registry
	preemptor *preempt.Preemptor
	metrics   *metrics.Collector
	logger    *slog.Logger
	runner    worker.Runner
	tracer    trace.Tracer
	coldStart *ColdStartTracker
	now       func() time.Time

	processed int
}

// New returns a Loop. Nothing happens until Run.
func New(opts Options) *Loop {
	l := &Loop{
		cfg:       opts.Config,
		broker:    opts.Broker,
		registry:  opts.Registry,
		preemptor: opts.Preemptor,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		runner:    opts.WorkerRunner,
		tracer:    otel.Tracer(tracerName),
		coldStart: NewColdStartTracker(opts.Config.ColdStartMarker),
		now:       time.Now,
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	if l.registry == nil {
		l.registry = handler.NewRegistry()
	}
	if l.preemptor == nil {
		l.preemptor = preempt.New(preempt.Options{
			Margin: opts.Config.TimeoutMargin,
			Logger: l.logger,
		})
	}
	if l.metrics == nil {
		l.metrics = metrics.NewCollectorWithRegistry(metrics.CollectorConfig{
			Runtime: opts.Config.Runtime,
			Handler: opts.Config.Handler,
		}, prometheus.NewRegistry())
	}
	return l
}

// Processed returns the number of events handled by this process.
func (l *Loop) Processed() int {
	return l.processed
}

// Run initializes the handler and processes events until the process should
// exit, returning the exit code. Cancelling ctx stops the loop at the next
// poll.
func (l *Loop) Run(ctx context.Context) int {
	initStart := l.now()
	h, err := l.initialize(ctx)
	if err != nil {
		return l.failInit(ctx, err)
	}
	defer l.closeHandler(h)
	defer func() { l.metrics.GenerateSummary().Log(l.logger) }()

	initEnd := l.now()
	l.coldStart.InitFinished(initEnd)
	l.metrics.RecordInit(initEnd.Sub(initStart))
	l.logger.Info("runtime_ready",
		"runtime", h.Kind().String(),
		"handler", l.cfg.Handler,
		"loop_max", l.cfg.LoopMax,
		"init", initEnd.Sub(initStart).String(),
	)

	for {
		if code, done := l.cycle(ctx, h); done {
			return code
		}
	}
}

// cycle runs one poll, dispatch and report. done is true when the process
// should exit with code.
func (l *Loop) cycle(ctx context.Context, h handler.Handler) (code int, done bool) {
	ic, event, err := l.broker.Next(ctx)
	if err != nil {
		if ctx.Err() != nil {
			l.logger.Info("runtime_stopping", "reason", context.Cause(ctx).Error())
			return ExitRecycle, true
		}
		var missing *invocation.MissingHeaderError
		if errors.As(err, &missing) || errors.Is(err, broker.ErrEmptyEvent) {
			l.logger.Error("invalid_invocation", "error", err)
		} else {
			l.logger.Error("broker_poll_failed", "error", err)
		}
		return ExitFailure, true
	}

	start := l.now()
	logger := l.logger.With("request_id", ic.RequestID)
	if cold, proactive := l.coldStart.Observe(start); cold {
		l.metrics.RecordColdStart(proactive)
		logger.Info("cold_start", "proactive", proactive)
	}

	ctx, span := l.tracer.Start(ctx, "Invoke",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("faas.invocation_id", ic.RequestID),
			attribute.String("faas.invoked_arn", ic.InvokedFunctionARN),
			attribute.String("aws.xray.trace_id", ic.TraceID),
		),
	)
	defer span.End()

	result, wait := l.dispatch(ctx, h, ic, event, logger)
	outcome, reportErr := l.report(ctx, ic, result, logger)

	// After a deadline the handler gets the preemptor's grace period to
	// unwind; the hard exit fires if it does not.
	wait()
	l.preemptor.Disarm()

	elapsed := l.now().Sub(start)
	l.metrics.RecordInvocation(outcome, elapsed)
	if outcome != metrics.OutcomeSuccess {
		span.SetStatus(codes.Error, outcome)
	}

	if reportErr != nil {
		logger.Error("broker_report_failed", "error", reportErr)
		return ExitFailure, true
	}

	l.processed++
	logger.Debug("invocation_finished",
		"outcome", outcome,
		"duration", elapsed.String(),
		"processed", l.processed,
	)

	if outcome != metrics.OutcomeSuccess {
		logger.Info("runtime_recycling", "reason", "invocation_failed", "processed", l.processed)
		return ExitRecycle, true
	}
	if l.processed >= l.cfg.LoopMax {
		logger.Info("runtime_recycling", "reason", "loop_max", "processed", l.processed)
		return ExitRecycle, true
	}
	return 0, false
}

type handlerOutput struct {
	payload []byte
	err     error
}

// dispatch runs the handler in its own goroutine under preemption. It returns
// as soon as the handler finishes or the invocation context is cancelled.
// wait blocks until the handler goroutine has returned.
func (l *Loop) dispatch(ctx context.Context, h handler.Handler, ic invocation.Context, event []byte, logger *slog.Logger) (result invocation.Result, wait func()) {
	ctx = invocation.NewContext(ctx, ic)
	ctx, cancel := context.WithDeadline(ctx, ic.Deadline())

	if remaining, ok := l.preemptBudget(ic); ok {
		var budget time.Duration
		ctx, budget = l.preemptor.Arm(ctx, remaining)
		logger.Debug("invocation_started", "budget", budget.String())
	} else {
		logger.Debug("invocation_started", "budget", "disabled")
	}

	out := make(chan handlerOutput, 1)
	unwound := make(chan struct{})
	wait = func() {
		<-unwound
		cancel()
	}

	go func() {
		defer close(unwound)
		defer func() {
			if v := recover(); v != nil {
				out <- handlerOutput{err: invocation.NewPanicError(v)}
			}
		}()
		payload, err := h.Handle(ctx, event, ic)
		out <- handlerOutput{payload: payload, err: err}
	}()

	select {
	case o := <-out:
		if o.err != nil {
			if cause := context.Cause(ctx); errors.Is(cause, preempt.ErrDeadlineExceeded) {
				o.err = cause
			}
			logger.Warn("invocation_failed", "error", o.err, "error_type", invocation.ErrorType(o.err))
			return invocation.Failure(o.err), wait
		}
		return invocation.Success(o.payload), wait
	case <-ctx.Done():
		cause := context.Cause(ctx)
		if errors.Is(cause, context.DeadlineExceeded) {
			cause = preempt.ErrDeadlineExceeded
		}
		logger.Warn("invocation_interrupted", "error", cause, "error_type", invocation.ErrorType(cause))
		return invocation.Failure(cause), wait
	}
}

// preemptBudget returns the time the invocation may run before preemption,
// or false when preemption is disabled.
func (l *Loop) preemptBudget(ic invocation.Context) (time.Duration, bool) {
	switch {
	case l.cfg.Timeout < 0:
		return 0, false
	case l.cfg.Timeout > 0:
		return time.Duration(l.cfg.Timeout) * time.Second, true
	default:
		return ic.Remaining(l.now()), true
	}
}

// report posts result and returns the invocation outcome. A response the
// broker rejects as too big is failed on the error endpoint instead.
func (l *Loop) report(ctx context.Context, ic invocation.Context, result invocation.Result, logger *slog.Logger) (string, error) {
	ctx = context.WithoutCancel(ctx)

	if !result.Failed() {
		err := l.broker.PostResponse(ctx, ic.RequestID, result.Payload)
		if !errors.Is(err, broker.ErrResponseTooBig) {
			return metrics.OutcomeSuccess, err
		}
		logger.Warn("response_too_big", "bytes", len(result.Payload), "error", err)
		return metrics.OutcomeTooLarge, l.broker.PostError(ctx, ic.RequestID, invocation.ErrorPayload{
			ErrorType:    "ResponseTooBig",
			ErrorMessage: err.Error(),
		})
	}

	outcome := metrics.OutcomeFailure
	if result.Err.ErrorType == invocation.ErrorType(preempt.ErrDeadlineExceeded) {
		outcome = metrics.OutcomeTimeout
	}
	return outcome, l.broker.PostError(ctx, ic.RequestID, *result.Err)
}

func (l *Loop) closeHandler(h handler.Handler) {
	if err := h.Close(); err != nil {
		l.logger.Warn("handler_close_failed", "runtime", h.Kind().String(), "error", err)
	}
}
