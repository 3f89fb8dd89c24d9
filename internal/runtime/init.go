package runtime

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/handler"
	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/invocation"
	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/preflight"
	"github.com/randomizedcoder/go-lambda-fpm-bridge/internal/worker"
)

// initialize resolves the handler shape and prepares it. For the http shape
// this runs the preflight checks and starts the worker.
func (l *Loop) initialize(ctx context.Context) (handler.Handler, error) {
	kind, err := handler.ParseKind(l.cfg.Runtime)
	if err != nil {
		return nil, err
	}

	switch kind {
	case handler.KindFunction:
		fn, ok := l.registry.Lookup(l.cfg.Handler)
		if !ok {
			return nil, fmt.Errorf("handler %q is not registered (registered: %s)",
				l.cfg.Handler, strings.Join(l.registry.Names(), ", "))
		}
		return handler.NewFunction(l.cfg.Handler, fn), nil

	case handler.KindHTTP:
		return l.startHTTP(ctx)

	case handler.KindConsole:
		return handler.NewConsole(handler.ConsoleConfig{
			Binary:  l.cfg.CommandBinary,
			Script:  l.cfg.ScriptPath(),
			Logger:  l.logger,
			Verbose: l.cfg.Verbose,
		}), nil
	}
	return nil, fmt.Errorf("unsupported handler kind %s", kind)
}

func (l *Loop) startHTTP(ctx context.Context) (handler.Handler, error) {
	if !l.cfg.SkipPreflight {
		result := preflight.RunAll(preflight.Options{
			WorkerBinary: l.cfg.WorkerBinary,
			WorkerConfig: l.cfg.WorkerConfig,
			ScriptPath:   l.cfg.ScriptPath(),
			SocketPath:   l.cfg.WorkerSocket,
			PidPath:      l.cfg.WorkerPid,
		})
		result.Log(l.logger)
		if err := result.Err(); err != nil {
			return nil, err
		}
	}

	runner := l.runner
	if runner == nil {
		fpm := worker.NewFPMRunner(&worker.FPMConfig{
			BinaryPath: l.cfg.WorkerBinary,
			ConfigPath: l.cfg.WorkerConfig,
		})
		l.logger.Debug("worker_command", "command", fpm.CommandString())
		runner = fpm
	}

	bridge := worker.New(worker.Config{
		Runner:         runner,
		Logger:         l.logger,
		SocketPath:     l.cfg.WorkerSocket,
		PidPath:        l.cfg.WorkerPid,
		ScriptFilename: l.cfg.ScriptPath(),
		StartTimeout:   l.cfg.WorkerStartTimeout,
		StopTimeout:    l.cfg.WorkerStopTimeout,
		Verbose:        l.cfg.Verbose,
		Callbacks: worker.Callbacks{
			OnStart: func(int) { l.metrics.WorkerStarted() },
			OnExit:  l.metrics.WorkerExited,
		},
	})
	if err := bridge.Start(ctx); err != nil {
		return nil, err
	}

	return handler.NewHTTP(bridge, handler.HTTPConfig{
		BinaryResponses: l.cfg.BinaryResponses,
		WarmupDelay:     l.cfg.WarmupDelay.Duration(),
		Logger:          l.logger,
	}), nil
}

// failInit reports an initialization failure and returns the exit code.
func (l *Loop) failInit(ctx context.Context, err error) int {
	initErr := &invocation.InitError{Err: err}
	l.logger.Error("init_failed", "error", err, "error_type", invocation.ErrorType(initErr))

	postCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if postErr := l.broker.PostInitError(postCtx, invocation.NewErrorPayload(initErr)); postErr != nil {
		l.logger.Error("init_error_report_failed", "error", postErr)
	}
	return ExitFailure
}
