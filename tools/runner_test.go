// ABOUTME: Tests for the shell command runner: exit codes, output capture, working dir, and timeout kill.
package tools

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestRunCommandSuccess(t *testing.T) {
	res := RunCommand(context.Background(), "echo hello", "", 5*time.Second)
	if !res.Success || res.ExitCode != 0 {
		t.Fatalf("result = %+v", res)
	}
	if strings.TrimSpace(res.Stdout) != "hello" {
		t.Errorf("stdout = %q", res.Stdout)
	}
}

func TestRunCommandExitCodeAndStderr(t *testing.T) {
	res := RunCommand(context.Background(), "echo oops >&2; exit 3", "", 5*time.Second)
	if res.Success {
		t.Error("non-zero exit must not be success")
	}
	if res.ExitCode != 3 {
		t.Errorf("exit code = %d, want 3", res.ExitCode)
	}
	if strings.TrimSpace(res.Stderr) != "oops" {
		t.Errorf("stderr = %q", res.Stderr)
	}
	if res.TimedOut {
		t.Error("exit failure is not a timeout")
	}
}

func TestRunCommandWorkDir(t *testing.T) {
	dir := t.TempDir()
	res := RunCommand(context.Background(), "pwd", dir, 5*time.Second)
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	if !strings.Contains(strings.TrimSpace(res.Stdout), dir) {
		t.Errorf("pwd = %q, want %q", res.Stdout, dir)
	}
}

func TestRunCommandTimeoutKillsProcess(t *testing.T) {
	start := time.Now()
	res := RunCommand(context.Background(), "sleep 30", "", 200*time.Millisecond)
	elapsed := time.Since(start)

	if res.Success {
		t.Error("timed-out command must not be success")
	}
	if !res.TimedOut {
		t.Errorf("TimedOut not set: %+v", res)
	}
	if elapsed > 10*time.Second {
		t.Errorf("command not killed promptly, took %s", elapsed)
	}
}

func TestRunCommandContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	res := RunCommand(ctx, "sleep 30", "", time.Minute)
	if res.Success {
		t.Error("cancelled command must not be success")
	}
	if elapsed := time.Since(start); elapsed > 10*time.Second {
		t.Errorf("command not killed promptly, took %s", elapsed)
	}
}
