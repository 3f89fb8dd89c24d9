package worker

import (
	"context"
	"errors"
	"os/exec"
	"strings"
	"testing"
)

func TestFPMRunnerBuildArgs(t *testing.T) {
	r := NewFPMRunner(&FPMConfig{
		BinaryPath: "/opt/bin/php-fpm",
		ConfigPath: "/opt/bridge/etc/php-fpm.conf",
		ExtraArgs:  []string{"-d", "opcache.enable=1"},
	})

	cmd, err := r.BuildCommand(context.Background())
	if err != nil {
		t.Fatalf("BuildCommand failed: %v", err)
	}
	if cmd.Path != "/opt/bin/php-fpm" {
		t.Errorf("Path = %q", cmd.Path)
	}

	want := "--nodaemonize --force-stderr --fpm-config /opt/bridge/etc/php-fpm.conf -d opcache.enable=1"
	if got := strings.Join(cmd.Args[1:], " "); got != want {
		t.Errorf("Args = %q, want %q", got, want)
	}
	if got := r.CommandString(); got != "/opt/bin/php-fpm "+want {
		t.Errorf("CommandString = %q", got)
	}
	if r.Name() != "php-fpm" {
		t.Errorf("Name = %q", r.Name())
	}
}

func TestDefaultFPMConfig(t *testing.T) {
	cfg := DefaultFPMConfig()
	if cfg.BinaryPath != "php-fpm" {
		t.Errorf("BinaryPath = %q", cfg.BinaryPath)
	}
	if cfg.ConfigPath != "/opt/bridge/etc/php-fpm.conf" {
		t.Errorf("ConfigPath = %q", cfg.ConfigPath)
	}
}

func TestStateString(t *testing.T) {
	testCases := []struct {
		state    State
		want     string
		active   bool
		terminal bool
	}{
		{StateUninitialized, "uninitialized", false, false},
		{StateStarting, "starting", true, false},
		{StateReady, "ready", true, false},
		{StateHandling, "handling", true, false},
		{StateStopping, "stopping", false, false},
		{StateStopped, "stopped", false, true},
		{StateCrashed, "crashed", false, true},
		{State(99), "unknown", false, false},
	}
	for _, tc := range testCases {
		t.Run(tc.want, func(t *testing.T) {
			if got := tc.state.String(); got != tc.want {
				t.Errorf("String() = %q, want %q", got, tc.want)
			}
			if got := tc.state.IsActive(); got != tc.active {
				t.Errorf("IsActive() = %v, want %v", got, tc.active)
			}
			if got := tc.state.IsTerminal(); got != tc.terminal {
				t.Errorf("IsTerminal() = %v, want %v", got, tc.terminal)
			}
		})
	}
}

func TestExtractExitCode(t *testing.T) {
	if got := extractExitCode(nil); got != 0 {
		t.Errorf("extractExitCode(nil) = %d", got)
	}

	err := exec.Command("sh", "-c", "exit 7").Run()
	if got := extractExitCode(err); got != 7 {
		t.Errorf("extractExitCode(exit 7) = %d", got)
	}

	err = exec.Command("sh", "-c", "kill -TERM $$").Run()
	if got := extractExitCode(err); got != 128+15 {
		t.Errorf("extractExitCode(SIGTERM) = %d, want 143", got)
	}

	if got := extractExitCode(errors.New("not an exit error")); got != 1 {
		t.Errorf("extractExitCode(other) = %d, want 1", got)
	}
}
