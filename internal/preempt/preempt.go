// Package preempt interrupts an invocation shortly before its hard deadline.
//
// Go cannot raise an exception inside another goroutine, so the interruption
// is delivered in two parts. Arm returns a context that is cancelled with
// ErrDeadlineExceeded when the timer fires; the event loop stops waiting for
// the handler at that moment and reports the failure, and blocking I/O bound
// to the context (the worker socket, console subprocesses) is torn down.
// If the invocation has still not been disarmed one grace period later, the
// process exits hard.
package preempt

import (
	"context"
	"log/slog"
	"os"
	"runtime"
	"sync"
	"time"
)

// Defaults for Options.
const (
	DefaultMargin  = 2 * time.Second
	DefaultMinimum = 1 * time.Second
	DefaultGrace   = 1 * time.Second

	// ExitCodeHardTimeout is the process exit code of the hard-exit path.
	ExitCodeHardTimeout = 2
)

type deadlineError struct{}

func (deadlineError) Error() string     { return "invocation deadline exceeded" }
func (deadlineError) ErrorType() string { return "DeadlineExceeded" }

// ErrDeadlineExceeded is the cancellation cause of an armed context whose
// timer fired.
var ErrDeadlineExceeded error = deadlineError{}

// Options configures a Preemptor. Zero fields take the defaults.
type Options struct {
	Margin  time.Duration
	Minimum time.Duration
	Grace   time.Duration
	Logger  *slog.Logger

	// Exit terminates the process. Tests replace it.
	Exit func(code int)
}

// Preemptor owns the single outstanding deadline timer of a runtime process.
type Preemptor struct {
	margin  time.Duration
	minimum time.Duration
	grace   time.Duration
	logger  *slog.Logger
	exit    func(int)

	mu         sync.Mutex
	generation uint64
	timer      *time.Timer
	cancel     context.CancelCauseFunc
	firedAt    time.Time
	firedStack []byte
}

// New returns a disarmed Preemptor.
func New(opts Options) *Preemptor {
	p := &Preemptor{
		margin:  opts.Margin,
		minimum: opts.Minimum,
		grace:   opts.Grace,
		logger:  opts.Logger,
		exit:    opts.Exit,
	}
	if p.margin <= 0 {
		p.margin = DefaultMargin
	}
	if p.minimum <= 0 {
		p.minimum = DefaultMinimum
	}
	if p.grace <= 0 {
		p.grace = DefaultGrace
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	if p.exit == nil {
		p.exit = defaultExit
	}
	return p
}

// Budget returns how long after arming the timer fires: remaining minus
// margin, never less than minimum.
func Budget(remaining, margin, minimum time.Duration) time.Duration {
	return max(remaining-margin, minimum)
}

// Arm disarms any previous timer and starts a new one for remaining. The
// returned context is cancelled with ErrDeadlineExceeded when it fires.
func (p *Preemptor) Arm(parent context.Context, remaining time.Duration) (context.Context, time.Duration) {
	budget := Budget(remaining, p.margin, p.minimum)
	ctx, cancel := context.WithCancelCause(parent)

	p.mu.Lock()
	p.stopLocked()
	p.generation++
	gen := p.generation
	p.cancel = cancel
	p.timer = time.AfterFunc(budget, func() { p.fire(gen) })
	p.mu.Unlock()

	p.logger.Debug("preemption_armed",
		"remaining_ms", remaining.Milliseconds(),
		"budget_ms", budget.Milliseconds(),
	)
	return ctx, budget
}

// Disarm cancels the pending timer, including the hard-exit timer after a
// first firing. It is safe to call when nothing is armed.
func (p *Preemptor) Disarm() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopLocked()
	p.generation++
}

func (p *Preemptor) stopLocked() {
	if p.timer != nil {
		p.timer.Stop()
		p.timer = nil
	}
	if p.cancel != nil {
		p.cancel(context.Canceled)
		p.cancel = nil
	}
	p.firedAt = time.Time{}
	p.firedStack = nil
}

func (p *Preemptor) fire(gen uint64) {
	p.mu.Lock()
	if gen != p.generation {
		p.mu.Unlock()
		return
	}

	if p.firedAt.IsZero() {
		p.firedAt = time.Now()
		p.firedStack = allStacks()
		p.cancel(ErrDeadlineExceeded)
		p.timer = time.AfterFunc(p.grace, func() { p.fire(gen) })
		p.mu.Unlock()

		p.logger.Warn("deadline_exceeded", "grace_ms", p.grace.Milliseconds())
		return
	}

	firstStack := p.firedStack
	since := time.Since(p.firedAt)
	p.mu.Unlock()

	p.logger.Error("deadline_hard_exit",
		"since_first_ms", since.Milliseconds(),
		"first_stack", string(firstStack),
		"stack", string(allStacks()),
	)
	p.exit(ExitCodeHardTimeout)
}

func allStacks() []byte {
	buf := make([]byte, 64<<10)
	for {
		n := runtime.Stack(buf, true)
		if n < len(buf) {
			return buf[:n]
		}
		if len(buf) >= 8<<20 {
			return buf
		}
		buf = make([]byte, 2*len(buf))
	}
}

func defaultExit(code int) {
	os.Exit(code)
}
