package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"sync"
)

const (
	// MaxLineLength is the maximum length of a single forwarded line before truncation.
	MaxLineLength = 4096

	// MaxBufferedLines is the number of recent lines kept for error reports.
	MaxBufferedLines = 100
)

// OutputForwarder is an io.Writer that splits a child process's output into
// lines and logs each one. It keeps the most recent lines so a failed start
// can report what the child printed.
type OutputForwarder struct {
	source  string
	logger  *slog.Logger
	verbose bool

	mu      sync.Mutex
	partial []byte
	buffer  []string
	bufIdx  int
}

// NewOutputForwarder returns a forwarder logging lines tagged with source.
func NewOutputForwarder(source string, logger *slog.Logger, verbose bool) *OutputForwarder {
	return &OutputForwarder{
		source:  source,
		logger:  logger,
		verbose: verbose,
		buffer:  make([]string, MaxBufferedLines),
	}
}

// Write logs every complete line in p and holds back a trailing partial line.
func (f *OutputForwarder) Write(p []byte) (int, error) {
	f.mu.Lock()
	f.partial = append(f.partial, p...)
	var lines []string
	for {
		i := bytes.IndexByte(f.partial, '\n')
		if i < 0 {
			break
		}
		lines = append(lines, string(bytes.TrimRight(f.partial[:i], "\r")))
		f.partial = f.partial[i+1:]
	}
	if len(f.partial) > MaxLineLength {
		lines = append(lines, string(f.partial))
		f.partial = nil
	}
	f.mu.Unlock()

	for _, line := range lines {
		f.HandleLine(line)
	}
	return len(p), nil
}

// Flush logs a pending partial line, if any.
func (f *OutputForwarder) Flush() {
	f.mu.Lock()
	line := string(f.partial)
	f.partial = nil
	f.mu.Unlock()

	if line != "" {
		f.HandleLine(line)
	}
}

// HandleLine records and logs a single line.
func (f *OutputForwarder) HandleLine(line string) {
	if line == "" {
		return
	}
	if len(line) > MaxLineLength {
		line = line[:MaxLineLength] + "...(truncated)"
	}

	f.mu.Lock()
	f.buffer[f.bufIdx] = line
	f.bufIdx = (f.bufIdx + 1) % MaxBufferedLines
	f.mu.Unlock()

	level := classifyLine(line)
	if !f.verbose && level == slog.LevelDebug {
		return
	}
	f.logger.Log(context.Background(), level, "process_output",
		"source", f.source,
		"line", line,
	)
}

// classifyLine picks a log level from markers php-fpm and PHP put in their output.
func classifyLine(line string) slog.Level {
	lower := strings.ToLower(line)

	switch {
	case strings.Contains(lower, "fatal error"),
		strings.Contains(lower, "] error:"),
		strings.HasPrefix(lower, "error:"),
		strings.Contains(lower, "] alert:"):
		return slog.LevelError
	case strings.Contains(lower, "] warning:"),
		strings.HasPrefix(lower, "warning:"),
		strings.Contains(lower, "php warning"):
		return slog.LevelWarn
	case strings.Contains(lower, "] notice:"),
		strings.HasPrefix(lower, "notice:"):
		return slog.LevelDebug
	}

	// Anything else is application output the host's log pipeline must see.
	return slog.LevelInfo
}

// RecentLines returns up to n of the most recent lines, oldest first.
func (f *OutputForwarder) RecentLines(n int) []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if n > MaxBufferedLines {
		n = MaxBufferedLines
	}

	lines := make([]string, 0, n)
	for i := 0; i < n; i++ {
		idx := (f.bufIdx - n + i + MaxBufferedLines) % MaxBufferedLines
		if f.buffer[idx] != "" {
			lines = append(lines, f.buffer[idx])
		}
	}
	return lines
}
