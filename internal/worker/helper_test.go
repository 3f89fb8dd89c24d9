package worker

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/http/fcgi"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"
)

// The test binary doubles as a FastCGI worker when these are set.
const (
	helperModeEnv   = "WORKER_TEST_HELPER_MODE"
	helperSocketEnv = "WORKER_TEST_HELPER_SOCKET"
)

func TestMain(m *testing.M) {
	if mode := os.Getenv(helperModeEnv); mode != "" {
		runHelper(mode, os.Getenv(helperSocketEnv))
		os.Exit(0)
	}
	os.Exit(m.Run())
}

func runHelper(mode, socket string) {
	switch mode {
	case "exit":
		fmt.Fprintln(os.Stderr, "[16-Oct-2026 10:00:00] ERROR: failed to load configuration file")
		os.Exit(78)
	case "nosocket":
		for {
			time.Sleep(time.Hour)
		}
	case "ignoreterm":
		signal.Ignore(syscall.SIGTERM)
	}

	l, err := net.Listen("unix", socket)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ERROR:", err)
		os.Exit(1)
	}
	fmt.Fprintln(os.Stderr, "[16-Oct-2026 10:00:00] NOTICE: ready to handle connections")

	var inflight, maxInflight atomic.Int32
	_ = fcgi.Serve(l, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := inflight.Add(1)
		defer inflight.Add(-1)
		for {
			cur := maxInflight.Load()
			if n <= cur || maxInflight.CompareAndSwap(cur, n) {
				break
			}
		}

		switch r.URL.Path {
		case "/crash":
			os.Exit(3)
		case "/sleep":
			ms, _ := strconv.Atoi(r.URL.Query().Get("ms"))
			time.Sleep(time.Duration(ms) * time.Millisecond)
		}

		env := fcgi.ProcessEnv(r)
		body, _ := io.ReadAll(r.Body)
		w.Header().Add("Set-Cookie", "a=1")
		w.Header().Add("Set-Cookie", "b=2")
		w.Header().Set("X-Max-Inflight", strconv.Itoa(int(maxInflight.Load())))
		w.Header().Set("X-Script", env["SCRIPT_FILENAME"])
		w.WriteHeader(http.StatusCreated)
		fmt.Fprintf(w, "%s %s?%s %s foo=%s", r.Method, r.URL.Path, r.URL.RawQuery, body, r.Header.Get("X-Foo"))
	}))
}

// helperRunner starts the test binary in helper mode.
type helperRunner struct {
	mode   string
	socket string
}

func (r helperRunner) BuildCommand(ctx context.Context) (*exec.Cmd, error) {
	cmd := exec.CommandContext(ctx, os.Args[0], "-test.run=^$")
	cmd.Env = append(os.Environ(),
		helperModeEnv+"="+r.mode,
		helperSocketEnv+"="+r.socket,
	)
	return cmd, nil
}

func (r helperRunner) Name() string {
	return "helper"
}

// newTestLogger creates a logger that writes to a buffer safe for concurrent use.
func newTestLogger() (*slog.Logger, *lockedBuffer) {
	buf := &lockedBuffer{}
	return slog.New(slog.NewTextHandler(buf, &slog.HandlerOptions{Level: slog.LevelDebug})), buf
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// newTestBridge returns a bridge running the helper in mode, with files in a
// fresh temporary directory.
func newTestBridge(t *testing.T, mode string, mutate func(*Config)) *Bridge {
	t.Helper()
	dir := t.TempDir()
	socket := filepath.Join(dir, "w.sock")
	logger, _ := newTestLogger()

	cfg := Config{
		Runner:         helperRunner{mode: mode, socket: socket},
		Logger:         logger,
		SocketPath:     socket,
		PidPath:        filepath.Join(dir, "w.pid"),
		ScriptFilename: "/var/task/index.php",
		StartTimeout:   5 * time.Second,
		StopTimeout:    2 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	b := New(cfg)
	t.Cleanup(func() { _ = b.Stop() })
	return b
}
