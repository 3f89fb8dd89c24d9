package worker

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// recoverStale handles a socket left behind by a runtime that was killed
// without a chance to stop its worker. A dead or unknown owner only needs its
// files removed. A live owner is sent SIGTERM and waited for first.
func (b *Bridge) recoverStale() error {
	if !b.IsReady() {
		return nil
	}

	pid, err := readPidFile(b.cfg.PidPath)
	switch {
	case errors.Is(err, os.ErrNotExist):
		b.logger.Warn("stale_worker_socket", "socket", b.cfg.SocketPath, "reason", "no pid file")
		b.removeFiles()
		return nil
	case err != nil || pid <= 0:
		b.logger.Warn("stale_worker_socket", "socket", b.cfg.SocketPath, "reason", "invalid pid file", "error", err)
		b.removeFiles()
		return nil
	case pid == os.Getpid():
		// The pid was recycled for this runtime; do not signal ourselves.
		b.logger.Warn("stale_worker_socket", "socket", b.cfg.SocketPath, "reason", "pid reused by runtime", "pid", pid)
		b.removeFiles()
		return nil
	case !processAlive(pid):
		b.logger.Info("stale_worker_socket", "socket", b.cfg.SocketPath, "reason", "owner exited", "pid", pid)
		b.removeFiles()
		return nil
	}

	b.logger.Warn("stale_worker_running",
		"pid", pid,
		"reason", "previous runtime stopped without stopping its worker",
	)
	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		// Gone between the liveness check and the signal.
		b.removeFiles()
		return nil
	}
	if err := b.waitUntilStopped(pid); err != nil {
		return err
	}
	b.removeFiles()
	return nil
}

func (b *Bridge) waitUntilStopped(pid int) error {
	deadline := time.Now().Add(b.cfg.RecoveryTimeout)
	for processAlive(pid) {
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: pid %d still running after %s", ErrStaleWorker, pid, b.cfg.RecoveryTimeout)
		}
		time.Sleep(b.cfg.PollInterval)
	}
	return nil
}

func readPidFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file %s: %w", path, err)
	}
	return pid, nil
}

// processAlive reports whether pid exists. EPERM means it exists but belongs
// to someone else.
func processAlive(pid int) bool {
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}
