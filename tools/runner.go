// ABOUTME: Shell command execution helper for the verification stage.
// ABOUTME: Runs under a process group so the whole tree dies on timeout, not just the shell.
package tools

import (
	"bytes"
	"context"
	"os/exec"
	"syscall"
	"time"
)

// CommandResult holds the outcome of one command execution.
type CommandResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Success  bool
	TimedOut bool
}

const defaultCommandTimeout = 60 * time.Second

// RunCommand executes a shell command in workDir and captures its output.
// When the context or timeout expires the entire process group is killed so
// children spawned by the shell do not linger.
func RunCommand(ctx context.Context, command, workDir string, timeout time.Duration) CommandResult {
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}

	cmdCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(cmdCtx, "sh", "-c", command)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process != nil {
			pgid, err := syscall.Getpgid(cmd.Process.Pid)
			if err == nil {
				_ = syscall.Kill(-pgid, syscall.SIGKILL)
			}
			return cmd.Process.Kill()
		}
		return nil
	}
	cmd.WaitDelay = 3 * time.Second

	if workDir != "" {
		cmd.Dir = workDir
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	runErr := cmd.Run()

	result := CommandResult{
		Stdout: stdoutBuf.String(),
		Stderr: stderrBuf.String(),
	}

	if runErr != nil {
		if exitErr, ok := runErr.(*exec.ExitError); ok {
			result.ExitCode = exitErr.ExitCode()
		} else {
			result.ExitCode = 1
		}
		if cmdCtx.Err() == context.DeadlineExceeded {
			result.TimedOut = true
		}
	}

	result.Success = result.ExitCode == 0
	return result
}
